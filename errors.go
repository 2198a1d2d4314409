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
	"errors"
	"fmt"
	"io"
	"runtime"
	"syscall"
)

// Host side of a round trip: the port itself misbehaved.
var (
	ErrTransportTimeout  = errors.New("transport timeout")
	ErrTransportWrite    = errors.New("transport write failed")
	ErrTransportRead     = errors.New("transport read failed")
	ErrTransportClosed   = errors.New("transport is closed")
	ErrTransportNotReady = errors.New("transport not ready")
)

// Frame handshake with the PN532.
var (
	ErrNoACK            = errors.New("no ACK received")
	ErrNACKReceived     = errors.New("NACK received")
	ErrFrameCorrupted   = errors.New("frame corrupted")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrErrorFrame       = errors.New("controller returned an error frame")
)

// Controller and card presence.
var (
	ErrDeviceNotFound  = errors.New("device not found")
	ErrInvalidResponse = errors.New("invalid response format")
	ErrNoCard          = errors.New("no card in field")
)

// Exchange engine. Either nothing was sent or the card session is already
// gone, so none of these is retried.
var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrRequestTooLarge  = errors.New("request exceeds packet buffer")
	ErrResponseTooLarge = errors.New("response exceeds packet buffer")
	ErrBufferOverflow   = errors.New("buffer overflow")
	ErrInvalidMacMode   = errors.New("invalid MAC mode")
	ErrIntegrity        = errors.New("integrity check failed")
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrDataTooLarge     = errors.New("data too large")
)

// ErrorType is the category a transport assigns to a failed round trip.
type ErrorType int

const (
	// ErrorTypeTransient failures may succeed on the next attempt.
	ErrorTypeTransient ErrorType = iota
	// ErrorTypePermanent failures repeat for the same request.
	ErrorTypePermanent
	// ErrorTypeTimeout means the chip did not answer in time.
	ErrorTypeTimeout
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypePermanent:
		return "permanent"
	case ErrorTypeTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("ErrorType(%d)", int(t))
	}
}

// TransportError is returned by transports for a failed round trip. Port
// names the serial device, bus or PC/SC reader.
type TransportError struct {
	Err       error
	Op        string
	Port      string
	Type      ErrorType
	Retryable bool
}

func (e *TransportError) Error() string {
	where := e.Op
	if e.Port != "" {
		where += " " + e.Port
	}
	return where + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// NewTransportError wraps err. Transient and timeout failures are retryable.
func NewTransportError(op, port string, err error, errType ErrorType) *TransportError {
	return &TransportError{
		Err:       err,
		Op:        op,
		Port:      port,
		Type:      errType,
		Retryable: errType != ErrorTypePermanent,
	}
}

// failureTypes fixes the category of every sentinel a transport reports
// through the New*Error helpers below.
var failureTypes = map[error]ErrorType{
	ErrTransportTimeout:  ErrorTypeTimeout,
	ErrTransportNotReady: ErrorTypeTimeout,
	ErrNoACK:             ErrorTypeTimeout,
	ErrTransportWrite:    ErrorTypeTransient,
	ErrTransportRead:     ErrorTypeTransient,
	ErrNACKReceived:      ErrorTypeTransient,
	ErrFrameCorrupted:    ErrorTypeTransient,
	ErrChecksumMismatch:  ErrorTypeTransient,
	ErrDataTooLarge:      ErrorTypePermanent,
	ErrInvalidResponse:   ErrorTypePermanent,
}

func newFailure(op, port string, sentinel error) *TransportError {
	return NewTransportError(op, port, sentinel, failureTypes[sentinel])
}

// NewTimeoutError reports a response that never arrived.
func NewTimeoutError(op, port string) *TransportError {
	return newFailure(op, port, ErrTransportTimeout)
}

// NewTransportNotReadyError reports a chip that never raised its ready flag.
func NewTransportNotReadyError(op, port string) *TransportError {
	return newFailure(op, port, ErrTransportNotReady)
}

// NewNoACKError reports a command frame the chip never acknowledged.
func NewNoACKError(op, port string) *TransportError {
	return newFailure(op, port, ErrNoACK)
}

func NewTransportWriteError(op, port string) *TransportError {
	return newFailure(op, port, ErrTransportWrite)
}

func NewTransportReadError(op, port string) *TransportError {
	return newFailure(op, port, ErrTransportRead)
}

func NewNACKReceivedError(op, port string) *TransportError {
	return newFailure(op, port, ErrNACKReceived)
}

// NewFrameCorruptedError reports a byte stream with no recoverable frame.
func NewFrameCorruptedError(op, port string) *TransportError {
	return newFailure(op, port, ErrFrameCorrupted)
}

// NewChecksumMismatchError reports a response that stayed corrupted after
// every NACK.
func NewChecksumMismatchError(op, port string) *TransportError {
	return newFailure(op, port, ErrChecksumMismatch)
}

func NewDataTooLargeError(op, port string) *TransportError {
	return newFailure(op, port, ErrDataTooLarge)
}

func NewInvalidResponseError(op, port string) *TransportError {
	return newFailure(op, port, ErrInvalidResponse)
}

// ControllerError reports a non-zero status byte from the PN532 itself,
// as opposed to a status returned by the card.
type ControllerError struct {
	Command string
	Code    byte
}

func (e *ControllerError) Error() string {
	return fmt.Sprintf("%s: controller error 0x%02X (%s)", e.Command, e.Code, controllerErrorMeaning(e.Code))
}

// IsTimeout reports whether the card did not answer in time.
func (e *ControllerError) IsTimeout() bool {
	return e.Code&0x3F == 0x01
}

// PN532 user manual, section 7.1
var controllerErrors = map[byte]string{
	0x00: "success",
	0x01: "timeout",
	0x02: "CRC error",
	0x03: "parity error",
	0x04: "erroneous bit count during anti-collision",
	0x05: "framing error",
	0x06: "abnormal bit collision",
	0x07: "communication buffer size insufficient",
	0x09: "RF buffer overflow",
	0x0A: "RF field not activated in time",
	0x0B: "RF protocol error",
	0x0D: "overheating",
	0x0E: "internal buffer overflow",
	0x10: "invalid parameter",
	0x12: "DEP protocol not supported",
	0x13: "data format does not match",
	0x14: "authentication error",
	0x23: "UID check byte is wrong",
	0x25: "DEP invalid state",
	0x26: "operation not allowed",
	0x27: "wrong context for command",
	0x29: "target released by initiator",
	0x2A: "card ID mismatch",
	0x2B: "card disappeared",
	0x2C: "NFCID3 initiator/target mismatch",
	0x2D: "over-current event",
	0x2E: "NAD missing in DEP frame",
	0x81: "command not supported",
}

func controllerErrorMeaning(code byte) string {
	// bit 6 is the NAD flag
	if m, ok := controllerErrors[code&0xBF]; ok {
		return m
	}
	return "unknown error"
}

// CardError reports a failing status byte returned by the DESFire card.
type CardError struct {
	Command byte
	Status  Status
}

func (e *CardError) Error() string {
	return fmt.Sprintf("card command 0x%02X failed: %s (0x%02X)", e.Command, e.Status, byte(e.Status))
}

// IsPermissionDenied reports whether the current key may not run the command.
func (e *CardError) IsPermissionDenied() bool {
	return e.Status == StatusPermissionDenied
}

// CardStatus extracts the card status carried by err, if any.
func CardStatus(err error) (Status, bool) {
	var ce *CardError
	if errors.As(err, &ce) {
		return ce.Status, true
	}
	return StatusSuccess, false
}

type errorClass int

const (
	classFinal errorClass = iota
	classRetryable
	classDeviceGone
)

// classify decides what a caller should do after err: try again, give up
// on this request, or give up on the device. Card errors are final since
// the card has already dropped its session.
func classify(err error) errorClass {
	if deviceGone(err) {
		return classDeviceGone
	}

	var ce *ControllerError
	var te *TransportError
	switch {
	case errors.As(err, &ce):
		if ce.IsTimeout() {
			return classRetryable
		}
	case errors.As(err, &te):
		if te.Retryable {
			return classRetryable
		}
	default:
		for _, sentinel := range []error{
			ErrTransportTimeout, ErrTransportRead, ErrTransportWrite,
			ErrNoACK, ErrFrameCorrupted, ErrChecksumMismatch,
		} {
			if errors.Is(err, sentinel) {
				return classRetryable
			}
		}
	}
	return classFinal
}

// IsRetryable reports whether repeating the failed operation may succeed.
func IsRetryable(err error) bool {
	return err != nil && classify(err) == classRetryable
}

// IsFatal reports whether the controller is unusable: the port was closed,
// the reader vanished or the OS reports the device gone. Callers should stop
// polling and reconnect.
func IsFatal(err error) bool {
	return err != nil && classify(err) == classDeviceGone
}

// Windows errnos a USB serial adapter produces when unplugged mid-transfer.
const (
	winAccessDenied syscall.Errno = 5
	winGenFailure   syscall.Errno = 31
	winNoSuchDevice syscall.Errno = 433
)

func deviceGone(err error) bool {
	for _, target := range []error{
		ErrTransportClosed, ErrDeviceNotFound, io.EOF, io.ErrClosedPipe,
		syscall.EIO, syscall.ENXIO, syscall.ENODEV,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	if runtime.GOOS != "windows" {
		return false
	}
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	return errno == winAccessDenied || errno == winGenFailure || errno == winNoSuchDevice
}
