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

import "context"

// Cipher is the session-key collaborator established by authentication.
// Implementations keep the IV in step with the card, so every call must be
// made exactly once per byte sequence the card saw.
type Cipher interface {
	// MACTx feeds an outgoing command into the CMAC without producing a
	// transmitted tag.
	MACTx(data []byte) error
	// Encrypt appends the CRC over header and params to params, pads and
	// encrypts params in place, updating its count.
	Encrypt(header []byte, params *WriteCursor) error
	// Decrypt decrypts data in place.
	Decrypt(data []byte) error
	// VerifyMAC checks the card's 8 byte CMAC over input.
	VerifyMAC(input, tag []byte) error
}

// Exchanger is the engine surface an Authenticator runs its handshake over.
type Exchanger interface {
	Exchange(ctx context.Context, cmd, params *WriteCursor, recv []byte, mode MacMode) (int, Status, error)
	ExchangeCommand(ctx context.Context, ins byte, params *WriteCursor, recv []byte, mode MacMode) (int, Status, error)
}

// Authenticator performs an authentication handshake for key keyNo and
// returns the resulting session cipher.
type Authenticator interface {
	Authenticate(ctx context.Context, ex Exchanger, keyNo KeyIndex) (Cipher, error)
}
