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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    Status
		ok        bool
		known     bool
		keepsAuth bool
	}{
		{name: "success", status: StatusSuccess, ok: true, known: true, keepsAuth: true},
		{name: "more frames", status: StatusMoreFrames, ok: true, known: true, keepsAuth: true},
		{name: "no changes", status: StatusNoChanges, ok: true, known: true},
		{name: "authentication error", status: StatusAuthenticationError, known: true},
		{name: "application not found", status: StatusAppNotFound, known: true},
		{name: "integrity error", status: StatusIntegrityError, known: true},
		{name: "unknown", status: 0x77},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.ok, tt.status.OK())
			assert.Equal(t, tt.known, tt.status.Known())
			assert.Equal(t, tt.keepsAuth, tt.status.keepsSession())
		})
	}
}

func TestStatusString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "authentication error", StatusAuthenticationError.String())
	assert.Equal(t, "more frames", StatusMoreFrames.String())
	assert.Equal(t, "unknown status 0x77", Status(0x77).String())
}

func TestMacModeValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mode    MacMode
		name    string
		wantErr bool
	}{
		{name: "none", mode: MacNone},
		{name: "mac both ways", mode: MacTxMACRxMAC},
		{name: "mac tx crypt rx", mode: MacTxMACRxCrypt},
		{name: "crypt tx mac rx", mode: MacTxCryptRxMAC},
		{name: "crypt both ways", mode: MacMode{TxCrypt: true, RxCrypt: true}},
		{name: "tx mac and crypt", mode: MacMode{TxMAC: true, TxCrypt: true}, wantErr: true},
		{name: "rx mac and crypt", mode: MacMode{RxMAC: true, RxCrypt: true}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.mode.Validate()
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidMacMode)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestMacModeString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "none", MacNone.String())
	assert.Equal(t, "TxMAC|RxMAC", MacTxMACRxMAC.String())
	assert.Equal(t, "TxCrypt|RxMAC", MacTxCryptRxMAC.String())
	assert.Equal(t, "TxMAC|RxCrypt", MacTxMACRxCrypt.String())
}

func TestMacModeNeedsSession(t *testing.T) {
	t.Parallel()
	assert.False(t, MacNone.needsSession())
	assert.False(t, MacTxMACRxMAC.needsSession())
	assert.True(t, MacTxMACRxCrypt.needsSession())
	assert.True(t, MacTxCryptRxMAC.needsSession())
}
