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

import "time"

// Connection retry constants control how a controller is brought up.
const (
	// DefaultConnectionRetries is the number of attempts to initialise a controller.
	DefaultConnectionRetries = 3
	// ConnectionInitialBackoff is the initial delay between attempts.
	ConnectionInitialBackoff = 100 * time.Millisecond
	// ConnectionMaxBackoff is the maximum delay between attempts.
	ConnectionMaxBackoff = 500 * time.Millisecond
	// ConnectionBackoffMultiplier is the exponential backoff multiplier.
	ConnectionBackoffMultiplier = 2.0
	// ConnectionJitter is the random jitter factor (0.0-1.0).
	ConnectionJitter = 0.1
	// ConnectionRetryTimeout bounds all attempts together.
	ConnectionRetryTimeout = 10 * time.Second
)

// Transport retry constants control the frame handshake. A command the chip
// has ACKed is never sent again.
const (
	// TransportACKRetries is the number of attempts to receive an ACK.
	TransportACKRetries = 3
	// TransportFrameRetries is the number of NACKs sent for one response.
	TransportFrameRetries = 3
	// TransportReadyRetries bounds the ready-bit polls per read on I2C and SPI.
	// The buses need more than UART because of clock stretching.
	TransportReadyRetries = 5
)

// Transport ACK delays use progressive timing.
const (
	// TransportACKDelay1 is the initial delay before resending a frame.
	TransportACKDelay1 = 50 * time.Millisecond
	// TransportACKDelay2 is the second delay.
	TransportACKDelay2 = 100 * time.Millisecond
	// TransportACKDelay3 is the final delay.
	TransportACKDelay3 = 200 * time.Millisecond
	// TransportACKTimeout caps each wait for an ACK.
	TransportACKTimeout = 500 * time.Millisecond
)
