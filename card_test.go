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
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetCardVersion(t *testing.T) {
	t.Parallel()

	card, mock := newTestCard()
	mock.QueueResponse(reply(StatusMoreFrames, 0x04, 0x01, 0x01, 0x01, 0x00, 0x1A, 0x05))
	mock.QueueResponse(reply(StatusMoreFrames, 0x04, 0x01, 0x01, 0x01, 0x04, 0x1A, 0x05))
	mock.QueueResponse(reply(StatusSuccess,
		0x04, 0x52, 0x7A, 0x9A, 0xBC, 0x61, 0x80,
		0xBA, 0x55, 0x40, 0x11, 0x22, 0x15, 0x19))

	v, err := card.GetCardVersion(context.Background())
	require.NoError(t, err)

	want := &CardVersion{
		Hardware: VersionInfo{
			VendorID: 0x04, Type: 0x01, SubType: 0x01,
			MajorVersion: 0x01, MinorVersion: 0x00, StorageSize: 0x1A, Protocol: 0x05,
		},
		Software: VersionInfo{
			VendorID: 0x04, Type: 0x01, SubType: 0x01,
			MajorVersion: 0x01, MinorVersion: 0x04, StorageSize: 0x1A, Protocol: 0x05,
		},
		UID:            [7]byte{0x04, 0x52, 0x7A, 0x9A, 0xBC, 0x61, 0x80},
		BatchNo:        [5]byte{0xBA, 0x55, 0x40, 0x11, 0x22},
		ProductionWeek: 0x15,
		ProductionYear: 0x19,
	}
	if diff := cmp.Diff(want, v); diff != "" {
		t.Errorf("GetCardVersion mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 8192, v.Hardware.StorageBytes())
	assert.Equal(t, [][]byte{{0x40, 0x01, 0x60}, {0x40, 0x01, 0xAF}, {0x40, 0x01, 0xAF}}, mock.Sent())
}

func TestGetCardVersionBadFrame(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		replies [][]byte
	}{
		{name: "short first frame", replies: [][]byte{reply(StatusMoreFrames, 1, 2, 3)}},
		{name: "early success", replies: [][]byte{reply(StatusSuccess, 1, 2, 3, 4, 5, 6, 7)}},
		{
			name: "last frame still continues",
			replies: [][]byte{
				reply(StatusMoreFrames, 1, 2, 3, 4, 5, 6, 7),
				reply(StatusMoreFrames, 1, 2, 3, 4, 5, 6, 7),
				reply(StatusMoreFrames, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			card, mock := newTestCard()
			for _, r := range tt.replies {
				mock.QueueResponse(r)
			}
			_, err := card.GetCardVersion(context.Background())
			require.ErrorIs(t, err, ErrInvalidResponse)
		})
	}
}

func TestGetFreeMemory(t *testing.T) {
	t.Parallel()

	card, mock := newTestCard()
	mock.QueueResponse(reply(StatusSuccess, 0x40, 0x1A, 0x00))
	free, err := card.GetFreeMemory(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(0x1A40), free)
	assert.Equal(t, []byte{0x40, 0x01, 0x6E}, mock.LastSent())

	mock.QueueResponse(reply(StatusSuccess, 0x40, 0x1A))
	_, err = card.GetFreeMemory(context.Background())
	require.ErrorIs(t, err, ErrInvalidResponse)
}

func aidBytes(ids ...uint32) []byte {
	out := make([]byte, 0, 3*len(ids))
	for _, id := range ids {
		out = append(out, byte(id), byte(id>>8), byte(id>>16))
	}
	return out
}

func TestGetApplicationIDs(t *testing.T) {
	t.Parallel()

	full := make([]uint32, maxApplications)
	for i := range full {
		full[i] = uint32(0x100000 + i)
	}

	tests := []struct {
		wantErr error
		name    string
		replies [][]byte
		want    []AppID
	}{
		{name: "blank card", replies: [][]byte{reply(StatusSuccess)}, want: []AppID{}},
		{
			name:    "single frame",
			replies: [][]byte{reply(StatusSuccess, aidBytes(0x000001, 0xF48EF0)...)},
			want:    []AppID{0x000001, 0xF48EF0},
		},
		{
			name: "full card over two frames",
			replies: [][]byte{
				reply(StatusMoreFrames, aidBytes(full[:19]...)...),
				reply(StatusSuccess, aidBytes(full[19:]...)...),
			},
			want: func() []AppID {
				ids := make([]AppID, len(full))
				for i, id := range full {
					ids[i] = AppID(id)
				}
				return ids
			}(),
		},
		{
			name: "card keeps asking for frames",
			replies: [][]byte{
				reply(StatusMoreFrames, aidBytes(full[:19]...)...),
				reply(StatusMoreFrames, aidBytes(full[19:]...)...),
			},
			wantErr: ErrBufferOverflow,
		},
		{
			name:    "partial AID",
			replies: [][]byte{reply(StatusSuccess, 0x01, 0x00)},
			wantErr: ErrInvalidResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			card, mock := newTestCard()
			for _, r := range tt.replies {
				mock.QueueResponse(r)
			}
			ids, err := card.GetApplicationIDs(context.Background())
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestSelectApplication(t *testing.T) {
	t.Parallel()

	card, mock := newTestCard()
	authenticateCard(t, card, mock, 0)
	mock.QueueResponse(reply(StatusSuccess))

	require.NoError(t, card.SelectApplication(context.Background(), 0xF48EF0))
	assert.Equal(t, []byte{0x40, 0x01, 0x5A, 0xF0, 0x8E, 0xF4}, mock.LastSent())
	assert.Equal(t, AppID(0xF48EF0), card.Session().Application())
	assert.False(t, card.Session().Authenticated())
}

func TestSelectApplicationFailures(t *testing.T) {
	t.Parallel()

	card, mock := newTestCard()
	mock.QueueResponse(reply(StatusSuccess))
	require.NoError(t, card.SelectApplication(context.Background(), 0x000001))

	err := card.SelectApplication(context.Background(), 0x1000000)
	require.ErrorIs(t, err, ErrInvalidParameter)
	assert.Equal(t, 1, mock.GetCallCount(cmdInDataExchange))

	mock.QueueResponse(reply(StatusAppNotFound))
	err = card.SelectApplication(context.Background(), 0x123456)
	status, ok := CardStatus(err)
	require.True(t, ok)
	assert.Equal(t, StatusAppNotFound, status)
	assert.Equal(t, AppID(0x000001), card.Session().Application(), "failed select keeps the previous application")
}

func TestGetKeySettings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload []byte
		want    KeySettings
	}{
		{name: "AES", payload: []byte{0x0F, 0x8E}, want: KeySettings{Flags: 0x0F, MaxKeys: 14, KeyType: KeyTypeAES}},
		{name: "3K3DES", payload: []byte{0x0B, 0x42}, want: KeySettings{Flags: 0x0B, MaxKeys: 2, KeyType: KeyType3K3DES}},
		{name: "DES", payload: []byte{0x09, 0x01}, want: KeySettings{Flags: 0x09, MaxKeys: 1, KeyType: KeyTypeDES}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			card, mock := newTestCard()
			mock.QueueResponse(reply(StatusSuccess, tt.payload...))
			ks, err := card.GetKeySettings(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, ks)
		})
	}
}

func TestKeyTypeString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "AES", KeyTypeAES.String())
	assert.Equal(t, "DES/2K3DES", KeyTypeDES.String())
	assert.Equal(t, "3K3DES", KeyType3K3DES.String())
	assert.Equal(t, "KeyType(0xC0)", KeyType(0xC0).String())
}

func TestGetKeyVersion(t *testing.T) {
	t.Parallel()

	card, mock := newTestCard()
	mock.QueueResponse(reply(StatusSuccess, 0x42))
	v, err := card.GetKeyVersion(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, byte(0x42), v)
	assert.Equal(t, []byte{0x40, 0x01, 0x64, 0x02}, mock.LastSent())

	mock.QueueResponse(reply(StatusKeyDoesNotExist))
	_, err = card.GetKeyVersion(context.Background(), 9)
	status, ok := CardStatus(err)
	require.True(t, ok)
	assert.Equal(t, StatusKeyDoesNotExist, status)
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	card, mock := newTestCard()
	authenticateCard(t, card, mock, 3)
	key, ok := card.Session().AuthKey()
	assert.True(t, ok)
	assert.Equal(t, KeyIndex(3), key)

	// a failed re-authentication leaves no session behind
	err := card.Authenticate(context.Background(), 1, &fakeAuth{err: errors.New("wrong key")})
	require.Error(t, err)
	assert.False(t, card.Session().Authenticated())

	err = card.Authenticate(context.Background(), 1, &fakeAuth{err: &CardError{Command: InsAuthenticateAES, Status: StatusAuthenticationError}})
	status, ok := CardStatus(err)
	require.True(t, ok)
	assert.Equal(t, StatusAuthenticationError, status)

	mock.QueueResponse(reply(StatusMoreFrames, make([]byte, 16)...))
	mock.QueueResponse(reply(StatusSuccess, make([]byte, 16)...))
	err = card.Authenticate(context.Background(), 1, &fakeAuth{})
	require.ErrorIs(t, err, ErrInvalidParameter)
	assert.False(t, card.Session().Authenticated())
}

func TestAuthenticateHandshakeFrames(t *testing.T) {
	t.Parallel()

	card, mock := newTestCard()
	mock.QueueResponse(reply(StatusMoreFrames, make([]byte, 16)...))
	mock.QueueResponse(reply(StatusSuccess, make([]byte, 16)...))
	require.NoError(t, card.Authenticate(context.Background(), 0, &fakeAuth{cipher: &fakeCipher{}}))

	sent := mock.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, []byte{0x40, 0x01, 0xAA, 0x00}, sent[0])
	assert.Equal(t, append([]byte{0x40, 0x01, 0xAF}, make([]byte, 32)...), sent[1])
}

func TestEnableRandomIDForever(t *testing.T) {
	t.Parallel()

	card, mock := newTestCard()
	err := card.EnableRandomIDForever(context.Background())
	require.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Zero(t, mock.GetCallCount(cmdInDataExchange))

	cipher := authenticateCard(t, card, mock, 0)
	tag := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	mock.QueueResponse(reply(StatusSuccess, tag...))
	require.NoError(t, card.EnableRandomIDForever(context.Background()))

	// 02 || CRC32(5C 00 02) padded to 8 bytes, then encrypted
	params := NewWriteCursor(make([]byte, 8))
	_ = params.AppendUint8(0x02)
	_ = params.AppendUint32(CRC32([]byte{0x5C, 0x00}, []byte{0x02}))
	_ = params.AppendBytes([]byte{0, 0, 0})
	xorKeystream(params.Bytes())

	assert.Equal(t, append([]byte{0x40, 0x01, 0x5C, 0x00}, params.Bytes()...), mock.LastSent())
	assert.Equal(t, [][]byte{{0x5C, 0x00}}, cipher.headers)
	assert.Empty(t, cipher.macTx, "encrypted commands are not MACed")
	require.Len(t, cipher.tags, 1)
	assert.Equal(t, tag, cipher.tags[0])
}

func TestGetRealCardID(t *testing.T) {
	t.Parallel()

	uid := []byte{0x04, 0x52, 0x7A, 0x9A, 0xBC, 0x61, 0x80}
	encrypted := func(crc uint32) []byte {
		w := NewWriteCursor(make([]byte, 16))
		_ = w.AppendBytes(uid)
		_ = w.AppendUint32(crc)
		_ = w.SetCount(16)
		xorKeystream(w.Bytes())
		return w.Bytes()
	}

	card, mock := newTestCard()
	_, err := card.GetRealCardID(context.Background())
	require.ErrorIs(t, err, ErrNotAuthenticated)

	authenticateCard(t, card, mock, 0)
	mock.QueueResponse(reply(StatusSuccess, encrypted(CRC32(uid, []byte{0x00}))...))
	got, err := card.GetRealCardID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, [7]byte(uid), got)
	assert.Equal(t, []byte{0x40, 0x01, 0x51}, mock.LastSent())

	mock.QueueResponse(reply(StatusSuccess, encrypted(CRC32(uid))...))
	got, err = card.GetRealCardID(context.Background())
	require.ErrorIs(t, err, ErrIntegrity)
	assert.Equal(t, [7]byte{}, got)

	// a short answer never reaches the decoder
	mock.QueueResponse(reply(StatusSuccess, encrypted(CRC32(uid, []byte{0x00}))[:8]...))
	got, err = card.GetRealCardID(context.Background())
	require.ErrorIs(t, err, ErrInvalidResponse)
	assert.Equal(t, [7]byte{}, got)
}

func TestCardSwitchOffRFField(t *testing.T) {
	t.Parallel()

	card, mock := newTestCard()
	mock.QueueResponse(reply(StatusSuccess))
	require.NoError(t, card.SelectApplication(context.Background(), 0x000001))
	authenticateCard(t, card, mock, 0)

	mock.SetError(cmdRFConfiguration, NewTimeoutError("SendCommand", "mock"))
	err := card.SwitchOffRFField(context.Background())
	require.ErrorIs(t, err, ErrTransportTimeout)
	assert.False(t, card.Session().Authenticated())
	assert.Equal(t, AppID(0), card.Session().Application())
	assert.Empty(t, card.Session().MACInput())

	mock.ClearError(cmdRFConfiguration)
	require.NoError(t, card.SwitchOffRFField(context.Background()))
	assert.Equal(t, []byte{0x32, 0x01, 0x00}, mock.LastSent())
}

func TestWithMACBufferSizeIgnoresNonPositive(t *testing.T) {
	t.Parallel()

	card, _ := newTestCard(WithMACBufferSize(0))
	assert.Equal(t, DefaultMACBufferSize, card.session.mac.Size())
}
