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

// Package spi provides an SPI transport for a PN532 driven by the DESFire
// exchange engine. The PN532 shifts bits LSB first; periph drives MSB
// first, so every byte is bit-reversed on the way in and out.
package spi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ZaparooProject/go-desfire"
	"github.com/ZaparooProject/go-desfire/internal/frame"
	"github.com/ZaparooProject/go-desfire/internal/syncutil"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// SPI operation bytes (User Manual §6.2.5)
const (
	spiDataWrite = 0x01
	spiStatRead  = 0x02
	spiDataRead  = 0x03
	spiReady     = 0x01

	defaultFreq = 1 * physic.MegaHertz
	mode        = spi.Mode0 // CPOL=0, CPHA=0 (LSB first is handled by bit reversal)

	// DefaultTimeout bounds each wait for the ready bit.
	DefaultTimeout = 50 * time.Millisecond
)

// conn is what the transport needs from an SPI connection. spi.Conn
// satisfies it.
type conn interface {
	Tx(w, r []byte) error
}

// Transport implements desfire.Transport over SPI.
type Transport struct {
	conn     conn
	port     io.Closer
	trace    *desfire.TraceBuffer
	portName string
	timeout  time.Duration
	mu       syncutil.Mutex
}

// New opens portName in mode 0 at 1 MHz.
func New(portName string) (*Transport, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph host: %w", err)
	}

	port, err := spireg.Open(portName)
	if err != nil {
		return nil, fmt.Errorf("failed to open SPI port %s: %w", portName, err)
	}

	c, err := port.Connect(defaultFreq, mode, 8)
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to connect SPI: %w", err)
	}

	t := newTransport(c, portName)
	t.port = port
	t.wakeup()
	return t, nil
}

func newTransport(c conn, portName string) *Transport {
	return &Transport{
		conn:     c,
		portName: portName,
		timeout:  DefaultTimeout,
	}
}

// wakeup toggles chip select with a dummy byte.
func (t *Transport) wakeup() {
	time.Sleep(time.Millisecond)
	_ = t.conn.Tx([]byte{0x00}, nil)
	time.Sleep(time.Millisecond)
}

func reverseBit(b byte) byte {
	var result byte
	for range 8 {
		result <<= 1
		result |= b & 1
		b >>= 1
	}
	return result
}

func reverseBytes(data []byte) []byte {
	reversed := make([]byte, len(data))
	for i, b := range data {
		reversed[i] = reverseBit(b)
	}
	return reversed
}

// transfer sends op followed by payload and returns the n bytes clocked in
// after the op byte, all in PN532 bit order.
func (t *Transport) transfer(op byte, payload []byte, n int) ([]byte, error) {
	size := 1 + max(len(payload), n)
	w := make([]byte, size)
	w[0] = op
	copy(w[1:], payload)
	w = reverseBytes(w)

	if n == 0 {
		if err := t.conn.Tx(w, nil); err != nil {
			return nil, err
		}
		return nil, nil
	}
	r := make([]byte, size)
	if err := t.conn.Tx(w, r); err != nil {
		return nil, err
	}
	return reverseBytes(r[1 : 1+n]), nil
}

func (t *Transport) waitReady(ctx context.Context) error {
	deadline := time.Now().Add(t.timeout)

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		status, err := t.transfer(spiStatRead, nil, 1)
		if err != nil {
			return fmt.Errorf("SPI status read failed: %w", err)
		}
		if status[0]&spiReady != 0 {
			return nil
		}
		time.Sleep(time.Millisecond)
	}

	return desfire.NewTransportNotReadyError("waitReady", t.portName)
}

// SendCommand sends one command frame and returns the response data
// starting at the echoed command code.
func (t *Transport) SendCommand(ctx context.Context, cmd byte, args []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return syncutil.Locked(&t.mu, func() ([]byte, error) {
		if t.conn == nil {
			return nil, desfire.ErrTransportClosed
		}
		t.trace = desfire.NewTraceBuffer("SPI", t.portName, 16)

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

	t.trace.RecordTX(frm, fmt.Sprintf("Cmd 0x%02X", cmd))
	time.Sleep(2 * time.Millisecond)
	if _, err := t.transfer(spiDataWrite, frm, 0); err != nil {
		return nil, desfire.NewTransportWriteError("sendFrame", t.portName)
	}

	if err := t.waitAck(ctx); err != nil {
		return nil, err
	}

	time.Sleep(6 * time.Millisecond)

	res, err := t.receiveFrame(ctx)
	if err != nil {
		return nil, err
	}
	if len(res) == 0 || res[0] != cmd+1 {
		return nil, desfire.NewInvalidResponseError("SendCommand", t.portName)
	}
	return res, nil
}

func (t *Transport) waitAck(ctx context.Context) error {
	if err := t.waitReady(ctx); err != nil {
		t.trace.RecordTimeout("Device not ready for ACK")
		return err
	}

	ack, err := t.transfer(spiDataRead, nil, len(frame.AckFrame))
	if err != nil {
		return desfire.NewTransportReadError("waitAck", t.portName)
	}

	switch {
	case frame.IsAck(ack):
		t.trace.RecordRX(ack, "ACK")
		return nil
	case frame.IsNack(ack):
		t.trace.RecordRX(ack, "NACK")
		return desfire.NewNACKReceivedError("waitAck", t.portName)
	default:
		t.trace.RecordRX(ack, "Invalid ACK")
		return desfire.NewNoACKError("waitAck", t.portName)
	}
}

// receiveFrame reads the response in one transfer and NACKs it if it is
// corrupted.
func (t *Transport) receiveFrame(ctx context.Context) ([]byte, error) {
	for nacks := 0; ; nacks++ {
		if err := t.waitReady(ctx); err != nil {
			t.trace.RecordTimeout("Response")
			if errors.Is(err, desfire.ErrTransportNotReady) {
				return nil, desfire.NewTimeoutError("receiveFrame", t.portName)
			}
			return nil, err
		}

		buf, err := t.transfer(spiDataRead, nil, frame.MaxFrameLength)
		if err != nil {
			return nil, desfire.NewTransportReadError("receiveFrame", t.portName)
		}

		res, err := frame.Parse(buf)
		if end, lenErr := frame.Length(buf); lenErr == nil && end <= len(buf) {
			t.trace.RecordRX(buf[:end], "Response")
		}
		if err == nil {
			if _, err := t.transfer(spiDataWrite, frame.AckFrame, 0); err != nil {
				return nil, desfire.NewTransportWriteError("sendAck", t.portName)
			}
			return res, nil
		}

		retryable := errors.Is(err, desfire.ErrChecksumMismatch) || errors.Is(err, frame.ErrIncomplete)
		if !retryable {
			return nil, err
		}
		if nacks >= desfire.TransportFrameRetries {
			return nil, frame.Unrecovered("receiveFrame", t.portName, err)
		}
		t.trace.RecordTX(frame.NackFrame, "NACK")
		if _, err := t.transfer(spiDataWrite, frame.NackFrame, 0); err != nil {
			return nil, desfire.NewTransportWriteError("sendNack", t.portName)
		}
	}
}

// SetTimeout sets how long each ready wait may take.
func (t *Transport) SetTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		return fmt.Errorf("%w: timeout %v", desfire.ErrInvalidParameter, timeout)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeout = timeout
	return nil
}

// Close releases the SPI port.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn = nil
	if t.port != nil {
		port := t.port
		t.port = nil
		if err := port.Close(); err != nil {
			return fmt.Errorf("SPI close failed: %w", err)
		}
	}
	return nil
}

// IsConnected returns true until Close is called.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Type returns desfire.TransportSPI.
func (*Transport) Type() desfire.TransportType {
	return desfire.TransportSPI
}

var _ desfire.Transport = (*Transport)(nil)
