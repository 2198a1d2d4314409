package syncutil

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocked(t *testing.T) {
	t.Parallel()

	var mu Mutex
	counter := 0
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = Locked(&mu, func() (int, error) {
				counter++
				return counter, nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)

	boom := errors.New("boom")
	_, err := Locked(&mu, func() ([]byte, error) { return nil, boom })
	require.ErrorIs(t, err, boom)
	got, err := Locked(&mu, func() (int, error) { return 1, nil })
	require.NoError(t, err)
	assert.Equal(t, 1, got)
}
