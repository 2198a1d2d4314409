package syncutil

import "sync"

// Locked runs fn while holding l. Transports use it so that one command
// round trip owns the port from the first write to the final ACK.
func Locked[T any](l sync.Locker, fn func() (T, error)) (T, error) {
	l.Lock()
	defer l.Unlock()
	return fn()
}
