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

// Status is the status byte a DESFire card appends to every response.
type Status byte

// Card status codes
const (
	StatusSuccess             Status = 0x00
	StatusNoChanges           Status = 0x0C
	StatusOutOfMemory         Status = 0x0E
	StatusIllegalCommand      Status = 0x1C
	StatusIntegrityError      Status = 0x1E
	StatusKeyDoesNotExist     Status = 0x40
	StatusWrongCommandLen     Status = 0x7E
	StatusPermissionDenied    Status = 0x9D
	StatusIncorrectParam      Status = 0x9E
	StatusAppNotFound         Status = 0xA0
	StatusAppIntegrityError   Status = 0xA1
	StatusAuthenticationError Status = 0xAE
	StatusMoreFrames          Status = 0xAF
	StatusLimitExceeded       Status = 0xBE
	StatusCardIntegrityError  Status = 0xC1
	StatusCommandAborted      Status = 0xCA
	StatusCardDisabled        Status = 0xCD
	StatusInvalidApp          Status = 0xCE
	StatusDuplicateAidFiles   Status = 0xDE
	StatusEepromError         Status = 0xEE
	StatusFileNotFound        Status = 0xF0
	StatusFileIntegrityError  Status = 0xF1
)

var statusNames = map[Status]string{
	StatusSuccess:             "success",
	StatusNoChanges:           "no changes",
	StatusOutOfMemory:         "out of EEPROM memory",
	StatusIllegalCommand:      "illegal command",
	StatusIntegrityError:      "integrity error",
	StatusKeyDoesNotExist:     "key does not exist",
	StatusWrongCommandLen:     "wrong command length",
	StatusPermissionDenied:    "permission denied",
	StatusIncorrectParam:      "incorrect parameter",
	StatusAppNotFound:         "application not found",
	StatusAppIntegrityError:   "application integrity error",
	StatusAuthenticationError: "authentication error",
	StatusMoreFrames:          "more frames",
	StatusLimitExceeded:       "limit exceeded",
	StatusCardIntegrityError:  "card integrity error",
	StatusCommandAborted:      "command aborted",
	StatusCardDisabled:        "card disabled",
	StatusInvalidApp:          "invalid application",
	StatusDuplicateAidFiles:   "duplicate AID or file",
	StatusEepromError:         "EEPROM error",
	StatusFileNotFound:        "file not found",
	StatusFileIntegrityError:  "file integrity error",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown status 0x%02X", byte(s))
}

// Known reports whether s is one of the documented card status codes.
func (s Status) Known() bool {
	_, ok := statusNames[s]
	return ok
}

// OK reports whether s lets the caller continue: Success, NoChanges and
// MoreFrames are not errors.
func (s Status) OK() bool {
	return s == StatusSuccess || s == StatusNoChanges || s == StatusMoreFrames
}

// keepsSession reports whether the card still holds its session key after
// answering with s. Any other status forfeits authentication.
func (s Status) keepsSession() bool {
	return s == StatusSuccess || s == StatusMoreFrames
}

// DESFire instruction codes
const (
	InsAuthenticateLegacy byte = 0x0A
	InsAuthenticateISO    byte = 0x1A
	InsAuthenticateAES    byte = 0xAA
	InsGetKeySettings     byte = 0x45
	InsGetKeyVersion      byte = 0x64
	InsSelectApplication  byte = 0x5A
	InsGetApplicationIDs  byte = 0x6A
	InsGetVersion         byte = 0x60
	InsFreeMemory         byte = 0x6E
	InsGetCardUID         byte = 0x51
	InsSetConfiguration   byte = 0x5C
	InsAdditionalFrame    byte = 0xAF
)

// MacMode selects which cryptographic steps accompany an exchange. TX and RX
// are independent; within one direction MAC and encryption are exclusive.
type MacMode struct {
	// TxMAC feeds the outgoing command into the session CMAC without
	// transmitting it.
	TxMAC bool
	// TxCrypt marks the parameters as already CRC'd and encrypted.
	TxCrypt bool
	// RxMAC expects an 8 byte CMAC trailing a successful response.
	RxMAC bool
	// RxCrypt decrypts the delivered payload with the session key.
	RxCrypt bool
}

// Common modes
var (
	MacNone         = MacMode{}
	MacTxMACRxMAC   = MacMode{TxMAC: true, RxMAC: true}
	MacTxMACRxCrypt = MacMode{TxMAC: true, RxCrypt: true}
	MacTxCryptRxMAC = MacMode{TxCrypt: true, RxMAC: true}
)

// Validate rejects combinations that cannot occur on the wire.
func (m MacMode) Validate() error {
	if m.TxMAC && m.TxCrypt {
		return fmt.Errorf("%w: TX MAC and TX encryption are exclusive", ErrInvalidMacMode)
	}
	if m.RxMAC && m.RxCrypt {
		return fmt.Errorf("%w: RX MAC and RX encryption are exclusive", ErrInvalidMacMode)
	}
	return nil
}

// needsSession reports whether the mode requires a session key.
func (m MacMode) needsSession() bool {
	return m.TxCrypt || m.RxCrypt
}

func (m MacMode) String() string {
	s := ""
	for _, f := range []struct {
		name string
		on   bool
	}{{"TxMAC", m.TxMAC}, {"TxCrypt", m.TxCrypt}, {"RxMAC", m.RxMAC}, {"RxCrypt", m.RxCrypt}} {
		if !f.on {
			continue
		}
		if s != "" {
			s += "|"
		}
		s += f.name
	}
	if s == "" {
		return "none"
	}
	return s
}
