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

// Package pcsc provides a transport for PN532 based PC/SC readers such as
// the ACR122U. Controller commands are wrapped in the reader's direct
// transmit pseudo-APDU (FF 00 00 00 Lc D4 ...); the reader strips the frame
// layer, so there is no ACK handshake at this level.
package pcsc

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ZaparooProject/go-desfire"
	"github.com/ZaparooProject/go-desfire/internal/frame"
	"github.com/ZaparooProject/go-desfire/internal/syncutil"
	"github.com/ebfe/scard"
)

// maxPayload is the largest TFI+command+args that fits the one byte Lc.
const maxPayload = 255

// card is the part of *scard.Card the transport uses.
type card interface {
	Transmit(cmd []byte) ([]byte, error)
	Disconnect(d scard.Disposition) error
}

// Transport implements desfire.Transport over a PC/SC reader.
type Transport struct {
	ctx     *scard.Context
	card    card
	trace   *desfire.TraceBuffer
	reader  string
	timeout time.Duration
	mu      syncutil.Mutex
}

// ListReaders returns the names of the PC/SC readers attached to the host.
func ListReaders() ([]string, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("EstablishContext failed: %w", err)
	}
	defer func() { _ = ctx.Release() }()

	readers, err := ctx.ListReaders()
	if err != nil {
		return nil, fmt.Errorf("list readers failed: %w", err)
	}
	return readers, nil
}

// selectReader resolves name against readers. An empty name picks the
// first reader, a number picks by index and anything else matches a
// case-insensitive substring.
func selectReader(readers []string, name string) (string, error) {
	if len(readers) == 0 {
		return "", desfire.ErrDeviceNotFound
	}
	if name == "" {
		return readers[0], nil
	}
	if idx, err := strconv.Atoi(name); err == nil {
		if idx < 0 || idx >= len(readers) {
			return "", fmt.Errorf("%w: reader index %d out of range (0..%d)",
				desfire.ErrDeviceNotFound, idx, len(readers)-1)
		}
		return readers[idx], nil
	}
	for _, r := range readers {
		if strings.Contains(strings.ToLower(r), strings.ToLower(name)) {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: no reader matching %q", desfire.ErrDeviceNotFound, name)
}

// New connects to the reader selected by name.
func New(name string) (*Transport, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("EstablishContext failed: %w", err)
	}

	readers, err := ctx.ListReaders()
	if err != nil {
		_ = ctx.Release()
		return nil, fmt.Errorf("list readers failed: %w", err)
	}
	reader, err := selectReader(readers, name)
	if err != nil {
		_ = ctx.Release()
		return nil, err
	}

	c, err := ctx.Connect(reader, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		_ = ctx.Release()
		return nil, fmt.Errorf("connect to %s failed: %w", reader, err)
	}

	t := newTransport(c, reader)
	t.ctx = ctx
	return t, nil
}

func newTransport(c card, reader string) *Transport {
	return &Transport{card: c, reader: reader, timeout: time.Second}
}

// SendCommand wraps cmd and args in a direct transmit APDU and returns the
// controller response starting at the echoed command code.
func (t *Transport) SendCommand(ctx context.Context, cmd byte, args []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return syncutil.Locked(&t.mu, func() ([]byte, error) {
		if t.card == nil {
			return nil, desfire.ErrTransportClosed
		}
		t.trace = desfire.NewTraceBuffer("PCSC", t.reader, 8)

		res, err := t.transmit(cmd, args)
		if err != nil {
			return nil, t.trace.WrapError(err)
		}
		return res, nil
	})
}

func (t *Transport) transmit(cmd byte, args []byte) ([]byte, error) {
	lc := 2 + len(args)
	if lc > maxPayload {
		return nil, desfire.NewDataTooLargeError("SendCommand", t.reader)
	}

	apdu := make([]byte, 0, 5+lc)
	apdu = append(apdu, 0xFF, 0x00, 0x00, 0x00, byte(lc), frame.HostToPn532, cmd)
	apdu = append(apdu, args...)

	t.trace.RecordTX(apdu, fmt.Sprintf("Cmd 0x%02X", cmd))
	resp, err := t.card.Transmit(apdu)
	if err != nil {
		return nil, transmitError(t.reader, err)
	}
	t.trace.RecordRX(resp, "Response")

	if len(resp) < 2 {
		return nil, desfire.NewInvalidResponseError("SendCommand", t.reader)
	}
	sw1, sw2 := resp[len(resp)-2], resp[len(resp)-1]
	if sw1 != 0x90 || sw2 != 0x00 {
		return nil, desfire.NewTransportError("SendCommand", t.reader,
			fmt.Errorf("%w: reader status %02X%02X", desfire.ErrInvalidResponse, sw1, sw2),
			desfire.ErrorTypePermanent)
	}

	data := resp[:len(resp)-2]
	if len(data) < 2 || data[0] != frame.Pn532ToHost || data[1] != cmd+1 {
		return nil, desfire.NewInvalidResponseError("SendCommand", t.reader)
	}
	return append([]byte(nil), data[1:]...), nil
}

// readerGone lists the PC/SC codes for a reader or daemon that went away.
var readerGone = []error{scard.ErrReaderUnavailable, scard.ErrNoReadersAvailable, scard.ErrServiceStopped}

func transmitError(reader string, err error) error {
	for _, gone := range readerGone {
		if errors.Is(err, gone) {
			return desfire.NewTransportError("SendCommand", reader,
				fmt.Errorf("%w: %w", desfire.ErrDeviceNotFound, err), desfire.ErrorTypePermanent)
		}
	}
	return desfire.NewTransportError("SendCommand", reader,
		fmt.Errorf("%w: %w", desfire.ErrTransportWrite, err), desfire.ErrorTypeTransient)
}

// SetTimeout records the timeout. PC/SC applies its own transmit timeout.
func (t *Transport) SetTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		return fmt.Errorf("%w: timeout %v", desfire.ErrInvalidParameter, timeout)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeout = timeout
	return nil
}

// Close disconnects from the reader and releases the PC/SC context.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var err error
	if t.card != nil {
		err = t.card.Disconnect(scard.LeaveCard)
		t.card = nil
	}
	if t.ctx != nil {
		if relErr := t.ctx.Release(); err == nil {
			err = relErr
		}
		t.ctx = nil
	}
	if err != nil {
		return fmt.Errorf("PC/SC close failed: %w", err)
	}
	return nil
}

// IsConnected returns true until Close is called.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.card != nil
}

// Type returns desfire.TransportPCSC.
func (*Transport) Type() desfire.TransportType {
	return desfire.TransportPCSC
}

var _ desfire.Transport = (*Transport)(nil)
