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
	"errors"
	"fmt"

	"github.com/ZaparooProject/go-desfire"
)

// ErrIncomplete means buf holds the start of a frame but not all of it.
// Callers that read from a stream should read more and parse again.
var ErrIncomplete = errors.New("incomplete frame")

// FindStart returns the index of the LEN byte that follows the 00 FF start
// code, or -1 if buf has no start code.
func FindStart(buf []byte) int {
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] == StartCode1 && buf[i+1] == StartCode2 {
			return i + 2
		}
	}
	return -1
}

// Length returns the total number of bytes from the start of buf to the
// end of the frame's postamble, reading only the header. It is used by
// transports to decide how much more to read.
func Length(buf []byte) (int, error) {
	off := FindStart(buf)
	if off < 0 || off+2 > len(buf) {
		return 0, ErrIncomplete
	}
	dataLen := int(buf[off])
	if byte(dataLen)+buf[off+1] != 0 {
		return 0, fmt.Errorf("%w: LEN %02X LCS %02X", desfire.ErrChecksumMismatch, buf[off], buf[off+1])
	}
	// LEN, LCS, data, DCS, postamble
	return off + 2 + dataLen + 2, nil
}

// Parse extracts the data of a controller-to-host frame, excluding the TFI.
// ACK and NACK frames are not data frames and yield desfire.ErrInvalidResponse;
// an application error frame (TFI 7F) yields desfire.ErrErrorFrame.
func Parse(buf []byte) ([]byte, error) {
	off := FindStart(buf)
	if off < 0 || off+2 > len(buf) {
		return nil, ErrIncomplete
	}
	if isFlowControl(buf[off], buf[off+1]) {
		return nil, fmt.Errorf("%w: ACK/NACK where data was expected", desfire.ErrInvalidResponse)
	}
	end, err := Length(buf)
	if err != nil {
		return nil, err
	}
	// the postamble may be dropped by some bridges
	if end-1 > len(buf) {
		return nil, ErrIncomplete
	}

	dataLen := int(buf[off])
	if dataLen == 0 {
		return nil, fmt.Errorf("%w: empty frame", desfire.ErrFrameCorrupted)
	}
	body := buf[off+2 : off+2+dataLen]
	if CalculateChecksum(body)+buf[off+2+dataLen] != 0 {
		return nil, fmt.Errorf("%w: data checksum", desfire.ErrChecksumMismatch)
	}

	switch body[0] {
	case Pn532ToHost:
		return append([]byte(nil), body[1:]...), nil
	case ErrorTFI:
		return nil, desfire.ErrErrorFrame
	default:
		return nil, fmt.Errorf("%w: TFI %02X", desfire.ErrInvalidResponse, body[0])
	}
}

// isFlowControl matches the LEN/LCS pair of an ACK (00 FF) or NACK (FF 00).
func isFlowControl(length, lcs byte) bool {
	return (length == 0x00 && lcs == 0xFF) || (length == 0xFF && lcs == 0x00)
}

// Unrecovered converts the last Parse error of a NACK loop into the error a
// transport reports once it stops asking for retransmission. Errors that
// are not about frame integrity pass through unchanged.
func Unrecovered(op, port string, err error) error {
	switch {
	case errors.Is(err, desfire.ErrChecksumMismatch):
		return desfire.NewChecksumMismatchError(op, port)
	case errors.Is(err, ErrIncomplete):
		return desfire.NewFrameCorruptedError(op, port)
	default:
		return err
	}
}
