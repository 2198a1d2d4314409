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

// Package i2c provides an I2C transport for a PN532 driven by the DESFire
// exchange engine.
package i2c

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ZaparooProject/go-desfire"
	"github.com/ZaparooProject/go-desfire/internal/frame"
	"github.com/ZaparooProject/go-desfire/internal/syncutil"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

const (
	// PN532 7-bit I2C address (datasheet says 0x48, which is the 8-bit write
	// address including the R/W bit; periph.io and the Linux kernel expect the
	// 7-bit form: 0x48 >> 1 = 0x24).
	pn532Addr = 0x24

	// pn532Ready is the status byte that precedes every read once the chip
	// has data.
	pn532Ready = 0x01

	// Max clock frequency (400 kHz).
	maxClockFreq = 400 * physic.KiloHertz

	// DefaultTimeout bounds the wait for a complete response frame.
	DefaultTimeout = 100 * time.Millisecond
)

// conn is what the transport needs from an I2C device. *i2c.Dev satisfies it.
type conn interface {
	Tx(w, r []byte) error
}

// Transport implements desfire.Transport over I2C.
type Transport struct {
	dev     conn
	bus     io.Closer
	trace   *desfire.TraceBuffer
	busName string
	timeout time.Duration
	mu      syncutil.Mutex
}

// parseI2CPath extracts the bus path from a composite detection path.
// Accepts "/dev/i2c-1:0x24" (detection format) or "/dev/i2c-1" (bare bus).
func parseI2CPath(path string) string {
	bus, _, _ := strings.Cut(path, ":")
	return bus
}

// New opens busName and addresses the PN532 on it.
func New(busName string) (*Transport, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph host: %w", err)
	}

	bus, err := i2creg.Open(parseI2CPath(busName))
	if err != nil {
		return nil, fmt.Errorf("failed to open I2C bus %s: %w", busName, err)
	}

	// not every adapter can change speed; the default works, only slower
	_ = bus.SetSpeed(maxClockFreq)

	t := newTransport(&i2c.Dev{Addr: pn532Addr, Bus: bus}, busName)
	t.bus = bus
	return t, nil
}

func newTransport(dev conn, busName string) *Transport {
	return &Transport{
		dev:     dev,
		busName: busName,
		timeout: DefaultTimeout,
	}
}

// sleepCtx performs a context-aware sleep. Returns ctx.Err() if context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendCommand sends one command frame and returns the response data
// starting at the echoed command code.
func (t *Transport) SendCommand(ctx context.Context, cmd byte, args []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return syncutil.Locked(&t.mu, func() ([]byte, error) {
		if t.dev == nil {
			return nil, desfire.ErrTransportClosed
		}
		t.trace = desfire.NewTraceBuffer("I2C", t.busName, 16)

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
	if err := t.sendWithACKRetry(ctx, frm); err != nil {
		return nil, err
	}

	// Small delay for PN532 to process command
	if err := sleepCtx(ctx, 6*time.Millisecond); err != nil {
		return nil, err
	}

	res, err := t.receiveFrame(ctx)
	if err != nil {
		return nil, err
	}
	if len(res) == 0 || res[0] != cmd+1 {
		return nil, desfire.NewInvalidResponseError("SendCommand", t.busName)
	}
	return res, nil
}

// sendWithACKRetry writes frm until the chip ACKs it.
func (t *Transport) sendWithACKRetry(ctx context.Context, frm []byte) error {
	delays := []time.Duration{desfire.TransportACKDelay1, desfire.TransportACKDelay2, desfire.TransportACKDelay3}

	var lastErr error
	for attempt := range desfire.TransportACKRetries {
		t.trace.RecordTX(frm, fmt.Sprintf("Cmd 0x%02X", frm[6]))
		if err := t.dev.Tx(frm, nil); err != nil {
			return fmt.Errorf("failed to send I2C frame: %w", err)
		}

		err := t.waitAck(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, desfire.ErrNoACK) {
			return err
		}
		lastErr = err

		if attempt < desfire.TransportACKRetries-1 {
			if err := sleepCtx(ctx, delays[attempt]); err != nil {
				return err
			}
		}
	}

	return fmt.Errorf("send command failed after %d ACK retries: %w", desfire.TransportACKRetries, lastErr)
}

// SetTimeout sets how long SendCommand waits for the response.
func (t *Transport) SetTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		return fmt.Errorf("%w: timeout %v", desfire.ErrInvalidParameter, timeout)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeout = timeout
	return nil
}

// Close releases the bus.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dev = nil
	if t.bus != nil {
		bus := t.bus
		t.bus = nil
		if err := bus.Close(); err != nil {
			return fmt.Errorf("failed to close I2C bus: %w", err)
		}
	}
	return nil
}

// IsConnected returns true until Close is called.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dev != nil
}

// Type returns desfire.TransportI2C.
func (*Transport) Type() desfire.TransportType {
	return desfire.TransportI2C
}

// checkReady polls the status byte with exponential backoff.
func (t *Transport) checkReady(ctx context.Context) error {
	baseDelay := time.Millisecond
	status := make([]byte, 1)

	var lastErr error
	for attempt := range desfire.TransportReadyRetries {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := t.dev.Tx(nil, status); err != nil {
			lastErr = fmt.Errorf("I2C ready check failed: %w", err)
		} else if status[0] == pn532Ready {
			return nil
		}

		if attempt < desfire.TransportReadyRetries-1 {
			if err := sleepCtx(ctx, baseDelay<<attempt); err != nil {
				return err
			}
		}
	}
	if lastErr != nil {
		return lastErr
	}
	return desfire.NewTransportNotReadyError("checkReady", t.busName)
}

// readI2C reads the status byte plus len(buf) bytes of data.
func (t *Transport) readI2C(buf []byte) error {
	tmp := make([]byte, 1+len(buf))
	if err := t.dev.Tx(nil, tmp); err != nil {
		return fmt.Errorf("I2C read failed: %w", err)
	}
	if tmp[0] != pn532Ready {
		return desfire.NewTransportNotReadyError("readI2C", t.busName)
	}
	copy(buf, tmp[1:])
	return nil
}

func (t *Transport) waitAck(ctx context.Context) error {
	deadline := time.Now().Add(min(t.timeout, desfire.TransportACKTimeout))
	ack := make([]byte, len(frame.AckFrame))

	for time.Now().Before(deadline) {
		if err := t.checkReady(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		if err := t.readI2C(ack); err != nil {
			return fmt.Errorf("I2C ACK read failed: %w", err)
		}
		if frame.IsAck(ack) {
			t.trace.RecordRX(ack, "ACK")
			return nil
		}

		if err := sleepCtx(ctx, time.Millisecond); err != nil {
			return err
		}
	}

	t.trace.RecordTimeout("No ACK received")
	return desfire.NewNoACKError("waitAck", t.busName)
}

// receiveFrame reads the whole response in one transfer. A corrupted frame
// is NACKed, which makes the chip send it again.
func (t *Transport) receiveFrame(ctx context.Context) ([]byte, error) {
	deadline := time.Now().Add(t.timeout)
	buf := make([]byte, frame.MaxFrameLength)
	nacks := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if time.Now().After(deadline) {
			t.trace.RecordTimeout("Response")
			return nil, desfire.NewTimeoutError("receiveFrame", t.busName)
		}
		if err := t.checkReady(ctx); err != nil {
			continue
		}

		if err := t.readI2C(buf); err != nil {
			return nil, fmt.Errorf("I2C frame read failed: %w", err)
		}

		res, err := frame.Parse(buf)
		if err == nil {
			end, _ := frame.Length(buf)
			t.trace.RecordRX(buf[:min(end, len(buf))], "Response")
			t.trace.RecordTX(frame.AckFrame, "ACK")
			if err := t.dev.Tx(frame.AckFrame, nil); err != nil {
				return nil, fmt.Errorf("failed to send ACK: %w", err)
			}
			return res, nil
		}

		t.trace.RecordRX(buf[:16], "Rejected")
		retryable := errors.Is(err, desfire.ErrChecksumMismatch) || errors.Is(err, frame.ErrIncomplete)
		if !retryable {
			return nil, err
		}
		if nacks >= desfire.TransportFrameRetries {
			return nil, frame.Unrecovered("receiveFrame", t.busName, err)
		}
		nacks++
		t.trace.RecordTX(frame.NackFrame, "NACK")
		if err := t.dev.Tx(frame.NackFrame, nil); err != nil {
			return nil, fmt.Errorf("failed to send NACK: %w", err)
		}
	}
}

var _ desfire.Transport = (*Transport)(nil)
