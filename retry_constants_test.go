// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package desfire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryConstants_ConnectionValues(t *testing.T) {
	t.Parallel()

	assert.GreaterOrEqual(t, DefaultConnectionRetries, 1)
	assert.LessOrEqual(t, DefaultConnectionRetries, 10)

	assert.GreaterOrEqual(t, ConnectionInitialBackoff, 50*time.Millisecond)
	assert.Greater(t, ConnectionMaxBackoff, ConnectionInitialBackoff)

	assert.GreaterOrEqual(t, ConnectionBackoffMultiplier, 1.5)
	assert.LessOrEqual(t, ConnectionJitter, 0.5)

	minExpectedTimeout := time.Duration(DefaultConnectionRetries) * ConnectionInitialBackoff
	assert.Greater(t, ConnectionRetryTimeout, minExpectedTimeout,
		"ConnectionRetryTimeout should allow for multiple attempts")
}

func TestRetryConstants_Transport(t *testing.T) {
	t.Parallel()

	assert.Less(t, TransportACKDelay1, TransportACKDelay2)
	assert.Less(t, TransportACKDelay2, TransportACKDelay3)
	assert.GreaterOrEqual(t, TransportReadyRetries, TransportACKRetries)

	// all ACK attempts together must finish well before the connection timeout
	worst := time.Duration(TransportACKRetries)*TransportACKTimeout +
		TransportACKDelay1 + TransportACKDelay2
	assert.Less(t, worst, ConnectionRetryTimeout)
}

func TestConnectionRetryConfig(t *testing.T) {
	t.Parallel()

	cfg := ConnectionRetryConfig(0)
	assert.Equal(t, DefaultConnectionRetries, cfg.MaxAttempts)
	assert.Equal(t, ConnectionRetryTimeout, cfg.RetryTimeout)

	cfg = ConnectionRetryConfig(7)
	assert.Equal(t, 7, cfg.MaxAttempts)
	assert.Equal(t, ConnectionJitter, cfg.Jitter)
}
