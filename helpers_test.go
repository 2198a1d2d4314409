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
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeKeystream stands in for a session cipher: every encrypted byte is
// XORed with it.
const fakeKeystream = 0x5A

// fakeCipher records what the engine hands to the session cipher.
type fakeCipher struct {
	verifyErr error
	macTx     [][]byte
	macInputs [][]byte
	tags      [][]byte
	headers   [][]byte
}

func (f *fakeCipher) MACTx(data []byte) error {
	f.macTx = append(f.macTx, append([]byte(nil), data...))
	return nil
}

func (f *fakeCipher) Encrypt(header []byte, params *WriteCursor) error {
	f.headers = append(f.headers, append([]byte(nil), header...))
	if err := params.AppendUint32(CRC32(header, params.Bytes())); err != nil {
		return err
	}
	for params.Count()%8 != 0 {
		if err := params.AppendUint8(0); err != nil {
			return err
		}
	}
	xorKeystream(params.Bytes())
	return nil
}

func (*fakeCipher) Decrypt(data []byte) error {
	xorKeystream(data)
	return nil
}

func (f *fakeCipher) VerifyMAC(input, tag []byte) error {
	f.macInputs = append(f.macInputs, append([]byte(nil), input...))
	f.tags = append(f.tags, append([]byte(nil), tag...))
	return f.verifyErr
}

func xorKeystream(b []byte) {
	for i := range b {
		b[i] ^= fakeKeystream
	}
}

// fakeAuth runs a two pass AES style handshake over the engine and hands
// out cipher on success.
type fakeAuth struct {
	cipher Cipher
	err    error
}

func (a *fakeAuth) Authenticate(ctx context.Context, ex Exchanger, keyNo KeyIndex) (Cipher, error) {
	if a.err != nil {
		return nil, a.err
	}
	var cmdBuf [2]byte
	cmd := NewWriteCursor(cmdBuf[:])
	_ = cmd.AppendUint8(InsAuthenticateAES)
	_ = cmd.AppendUint8(byte(keyNo))

	var challenge [16]byte
	n, status, err := ex.Exchange(ctx, cmd, nil, challenge[:], MacNone)
	if err != nil {
		return nil, err
	}
	if status != StatusMoreFrames || n != len(challenge) {
		return nil, ErrInvalidResponse
	}

	var answer [32]byte
	params := NewWriteCursor(answer[:])
	_ = params.AppendBytes(make([]byte, len(answer)))
	var confirm [16]byte
	if _, _, err := ex.ExchangeCommand(ctx, InsAdditionalFrame, params, confirm[:], MacNone); err != nil {
		return nil, err
	}
	return a.cipher, nil
}

// reply builds an InDataExchange response with a zero controller status.
func reply(status Status, payload ...byte) []byte {
	return append([]byte{0x41, 0x00, byte(status)}, payload...)
}

func newTestCard(opts ...CardOption) (*Card, *MockTransport) {
	mock := NewMockTransport()
	return NewCard(NewController(mock), opts...), mock
}

// authenticateCard establishes a session with keyNo and clears the mock's
// history so tests only see their own commands.
func authenticateCard(t *testing.T, card *Card, mock *MockTransport, keyNo KeyIndex) *fakeCipher {
	t.Helper()
	cipher := &fakeCipher{}
	mock.QueueResponse(reply(StatusMoreFrames, make([]byte, 16)...))
	mock.QueueResponse(reply(StatusSuccess, make([]byte, 16)...))
	require.NoError(t, card.Authenticate(context.Background(), keyNo, &fakeAuth{cipher: cipher}))
	require.True(t, card.Session().Authenticated())
	mock.Reset()
	return cipher
}
