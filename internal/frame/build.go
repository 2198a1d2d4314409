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

package frame

import (
	"fmt"

	"github.com/ZaparooProject/go-desfire"
)

// Build returns the host-to-controller frame for cmd and args.
func Build(cmd byte, args []byte) ([]byte, error) {
	dataLen := 2 + len(args) // TFI + cmd + args
	if dataLen > MaxDataLength {
		return nil, fmt.Errorf("%w: frame data of %d bytes", desfire.ErrDataTooLarge, dataLen)
	}

	frm := make([]byte, 0, dataLen+Overhead)
	frm = append(frm, Preamble, StartCode1, StartCode2, byte(dataLen), -byte(dataLen))
	frm = append(frm, HostToPn532, cmd)
	frm = append(frm, args...)
	frm = append(frm, -CalculateChecksum(frm[5:]), Postamble)
	return frm, nil
}

// IsAck reports whether buf starts with an ACK frame.
func IsAck(buf []byte) bool {
	return hasPrefix(buf, AckFrame)
}

// IsNack reports whether buf starts with a NACK frame.
func IsNack(buf []byte) bool {
	return hasPrefix(buf, NackFrame)
}

func hasPrefix(buf, prefix []byte) bool {
	if len(buf) < len(prefix) {
		return false
	}
	for i, b := range prefix {
		if buf[i] != b {
			return false
		}
	}
	return true
}
