// go-desfire
// Copyright (c) 2025 The Zaparoo Project Contributors.
// SPDX-License-Identifier: LGPL-3.0-or-later
//
// This file is part of go-desfire.
//
// go-desfire is free software; you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public
// License as published by the Free Software Foundation; either
// version 3 of the License, or (at your option) any later version.
//
// go-desfire is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with go-desfire; if not, write to the Free Software Foundation,
// Inc., 51 Franklin Street, Fifth Floor, Boston, MA  02110-1301, USA.

// Package uart provides a UART (HSU) transport for a PN532 driven by the
// DESFire exchange engine.
package uart

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"time"

	"github.com/ZaparooProject/go-desfire"
	"github.com/ZaparooProject/go-desfire/internal/frame"
	"github.com/ZaparooProject/go-desfire/internal/syncutil"
	"go.bug.st/serial"
)

const (
	baudRate = 115200

	// ackScanBytes bounds how far waitAck looks for the ACK before giving up.
	ackScanBytes = 32
	// maxNACKRetries is how many times a corrupted response is NACKed.
	maxNACKRetries = 3
	// wakeDelay is the pause between the ACK and the first response read.
	wakeDelay = 6 * time.Millisecond
	// DefaultResponseTimeout bounds the wait for a complete response frame.
	DefaultResponseTimeout = time.Second
)

// The chip sleeps in HSU mode until it sees 0x55 followed by enough idle
// bytes (User Manual §7.2.11).
var wakePreamble = []byte{
	0x55, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}

// port is the subset of serial.Port the transport uses.
type port interface {
	io.ReadWriter
	Drain() error
	SetReadTimeout(t time.Duration) error
	Close() error
}

// Transport implements desfire.Transport over a serial line.
type Transport struct {
	port     port
	trace    *desfire.TraceBuffer
	portName string
	timeout  time.Duration
	mu       syncutil.Mutex
}

// readTimeout is the per-read timeout. Windows drivers need longer.
func readTimeout() time.Duration {
	if runtime.GOOS == "windows" {
		return 100 * time.Millisecond
	}
	return 50 * time.Millisecond
}

// New opens portName at 115200 8N1.
func New(portName string) (*Transport, error) {
	p, err := serial.Open(portName, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open UART port %s: %w", portName, err)
	}

	if err := p.SetReadTimeout(readTimeout()); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("failed to set UART read timeout: %w", err)
	}

	return newTransport(p, portName), nil
}

func newTransport(p port, portName string) *Transport {
	return &Transport{
		port:     p,
		portName: portName,
		timeout:  DefaultResponseTimeout,
	}
}

// SendCommand sends one command frame and returns the response data
// starting at the echoed command code. Errors carry a trace of the bytes
// exchanged.
func (t *Transport) SendCommand(ctx context.Context, cmd byte, args []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return syncutil.Locked(&t.mu, func() ([]byte, error) {
		if t.port == nil {
			return nil, desfire.ErrTransportClosed
		}
		t.trace = desfire.NewTraceBuffer("UART", t.portName, 16)
		res, err := t.exchange(ctx, cmd, args)
		if err != nil {
			return nil, t.trace.WrapError(err)
		}
		return res, nil
	})
}

func (t *Transport) exchange(ctx context.Context, cmd byte, args []byte) ([]byte, error) {
	frm, err := frame.Build(cmd, args)
	if err != nil {
		return nil, err
	}

	if err := t.write(wakePreamble, "wake up"); err != nil {
		return nil, err
	}
	t.trace.RecordTX(frm, fmt.Sprintf("Cmd 0x%02X", cmd))
	if err := t.write(frm, "send frame"); err != nil {
		return nil, err
	}

	pre, err := t.waitAck(ctx)
	if err != nil {
		return nil, err
	}

	time.Sleep(wakeDelay)

	res, err := t.receiveFrame(ctx, pre)
	if err != nil {
		return nil, err
	}
	if err := t.write(frame.AckFrame, "ACK"); err != nil {
		return nil, err
	}

	if len(res) == 0 || res[0] != cmd+1 {
		return nil, desfire.NewInvalidResponseError("SendCommand", t.portName)
	}
	return res, nil
}

// SetTimeout sets how long SendCommand waits for a complete response.
func (t *Transport) SetTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		return fmt.Errorf("%w: timeout %v", desfire.ErrInvalidParameter, timeout)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeout = timeout
	return nil
}

// Close closes the serial port.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	if err != nil {
		return fmt.Errorf("UART close failed: %w", err)
	}
	return nil
}

// IsConnected returns true until Close is called.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port != nil
}

// Type returns desfire.TransportUART.
func (*Transport) Type() desfire.TransportType {
	return desfire.TransportUART
}

func isInterruptedSystemCall(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "interrupted system call") ||
		strings.Contains(errStr, "eintr")
}

// drainWithRetry waits for the output buffer to flush, retrying on EINTR.
func (t *Transport) drainWithRetry(operation string) error {
	const maxRetries = 3
	baseDelay := 2 * time.Millisecond

	var err error
	for attempt := range maxRetries {
		err = t.port.Drain()
		if err == nil {
			return nil
		}
		if !isInterruptedSystemCall(err) {
			break
		}
		time.Sleep(baseDelay << attempt)
	}
	return fmt.Errorf("UART %s drain failed: %w", operation, err)
}

func (t *Transport) write(data []byte, operation string) error {
	n, err := t.port.Write(data)
	if err != nil {
		return fmt.Errorf("UART %s write failed: %w", operation, err)
	}
	if n != len(data) {
		return desfire.NewTransportWriteError(operation, t.portName)
	}
	return t.drainWithRetry(operation)
}

// waitAck scans for the ACK frame and returns whatever arrived before it.
// Some Windows drivers deliver the response ahead of the ACK.
func (t *Transport) waitAck(ctx context.Context) ([]byte, error) {
	var (
		buf    = make([]byte, 1)
		window = make([]byte, 0, len(frame.AckFrame))
		preAck []byte
	)

	for tries := 0; tries < ackScanBytes; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := t.port.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("UART ACK read failed: %w", err)
		}
		if n == 0 {
			tries++
			continue
		}

		window = append(window, buf[0])
		if len(window) < len(frame.AckFrame) {
			continue
		}
		if frame.IsAck(window) {
			t.trace.RecordRX(window, "ACK")
			return preAck, nil
		}
		preAck = append(preAck, window[0])
		window = window[1:]
		tries++
	}

	t.trace.RecordTimeout("No ACK received")
	return nil, desfire.NewNoACKError("waitAck", t.portName)
}

// receiveFrame reads until a complete response frame is buffered. A frame
// with a bad checksum is NACKed, which makes the chip send it again.
func (t *Transport) receiveFrame(ctx context.Context, pre []byte) ([]byte, error) {
	deadline := time.Now().Add(t.timeout)
	buf := append(make([]byte, 0, frame.MaxFrameLength), pre...)
	chunk := make([]byte, 64)
	nacks := 0

	for {
		res, err := frame.Parse(buf)
		switch {
		case err == nil:
			t.trace.RecordRX(buf, "Response")
			return res, nil
		case errors.Is(err, desfire.ErrChecksumMismatch) && nacks < maxNACKRetries:
			t.trace.RecordRX(buf, "Bad checksum")
			nacks++
			buf = buf[:0]
			if err := t.write(frame.NackFrame, "NACK"); err != nil {
				return nil, err
			}
			continue
		case errors.Is(err, desfire.ErrChecksumMismatch):
			t.trace.RecordRX(buf, "Bad checksum")
			return nil, frame.Unrecovered("receiveFrame", t.portName, err)
		case !errors.Is(err, frame.ErrIncomplete):
			t.trace.RecordRX(buf, "Rejected")
			return nil, err
		}

		if len(buf) > 2*frame.MaxFrameLength {
			return nil, desfire.NewFrameCorruptedError("receiveFrame", t.portName)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if time.Now().After(deadline) {
			t.trace.RecordTimeout("Response")
			return nil, desfire.NewTimeoutError("receiveFrame", t.portName)
		}

		n, err := t.port.Read(chunk)
		if err != nil {
			return nil, fmt.Errorf("UART response read failed: %w", err)
		}
		if n == 0 {
			time.Sleep(time.Millisecond)
			continue
		}
		buf = append(buf, chunk[:n]...)
	}
}

var _ desfire.Transport = (*Transport)(nil)
