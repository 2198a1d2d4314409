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

import "fmt"

// DefaultMACBufferSize holds the largest multi-frame response the engine
// MACs (GetApplicationIDs: 28 AIDs of 3 bytes) plus padding room.
const DefaultMACBufferSize = 120

// KeyIndex identifies a key inside the selected application.
type KeyIndex byte

// AppID is a 24 bit DESFire application identifier. Zero is the PICC level.
type AppID uint32

// Session is the state one card session carries between exchanges.
type Session struct {
	cipher Cipher
	mac    *WriteCursor
	app    AppID
	key    KeyIndex
	authed bool
}

func newSession(macSize int) *Session {
	return &Session{mac: NewWriteCursor(make([]byte, macSize))}
}

// Authenticated reports whether a session key is established.
func (s *Session) Authenticated() bool { return s.authed }

// AuthKey returns the key index of the current session. The second result
// is false when not authenticated.
func (s *Session) AuthKey() (KeyIndex, bool) {
	return s.key, s.authed
}

// String describes the session for logs, e.g. "app F48EF0 key 1".
func (s *Session) String() string {
	if !s.authed {
		return fmt.Sprintf("app %06X unauthenticated", uint32(s.app))
	}
	return fmt.Sprintf("app %06X key %d", uint32(s.app), s.key)
}

// Application returns the last selected application.
func (s *Session) Application() AppID { return s.app }

// MACInput returns the bytes accumulated for the pending CMAC.
func (s *Session) MACInput() []byte { return s.mac.Bytes() }

func (s *Session) authenticate(key KeyIndex, c Cipher) {
	s.key = key
	s.cipher = c
	s.authed = true
	s.mac.Clear()
}

func (s *Session) deauthenticate() {
	s.authed = false
	s.key = 0
	s.cipher = nil
}

func (s *Session) selectApplication(app AppID) {
	s.app = app
	s.deauthenticate()
}

func (s *Session) reset() {
	s.deauthenticate()
	s.app = 0
	s.mac.Clear()
}
