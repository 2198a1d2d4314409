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

package testing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ZaparooProject/go-desfire"
	"github.com/ZaparooProject/go-desfire/internal/frame"
)

const simulatorNACKRetries = 3

// SimulatorTransport drives a VirtualPN532 through the real frame codec and
// implements desfire.Transport, so controller and card code can be tested
// end to end without hardware.
type SimulatorTransport struct {
	sim        *VirtualPN532
	CommandLog []CommandLogEntry
	timeout    time.Duration
	connected  bool
}

// CommandLogEntry records a command sent to the transport
type CommandLogEntry struct {
	Timestamp time.Time
	Args      []byte
	Cmd       byte
}

var _ desfire.Transport = (*SimulatorTransport)(nil)

// NewSimulatorTransport creates a new transport backed by sim.
func NewSimulatorTransport(sim *VirtualPN532) *SimulatorTransport {
	return &SimulatorTransport{
		sim:       sim,
		timeout:   time.Second,
		connected: true,
	}
}

// SendCommand frames cmd and args, waits for the ACK and returns the
// response data starting at the echoed command code. A response with a bad
// checksum is NACKed and re-read.
func (t *SimulatorTransport) SendCommand(ctx context.Context, cmd byte, args []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !t.connected {
		return nil, desfire.ErrTransportClosed
	}

	t.CommandLog = append(t.CommandLog, CommandLogEntry{
		Cmd:       cmd,
		Args:      append([]byte(nil), args...),
		Timestamp: time.Now(),
	})

	frm, err := frame.Build(cmd, args)
	if err != nil {
		return nil, err
	}
	if _, err := t.sim.Write(frm); err != nil {
		return nil, desfire.NewTransportWriteError("SendCommand", "simulator")
	}

	ack := make([]byte, len(frame.AckFrame))
	n, _ := t.sim.Read(ack)
	if n < len(ack) || !frame.IsAck(ack) {
		return nil, desfire.NewNoACKError("SendCommand", "simulator")
	}

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		buf := make([]byte, frame.MaxFrameLength)
		n, _ := t.sim.Read(buf)
		if n == 0 {
			return nil, desfire.NewTimeoutError("SendCommand", "simulator")
		}
		res, err := frame.Parse(buf[:n])
		if errors.Is(err, desfire.ErrChecksumMismatch) {
			if attempt >= simulatorNACKRetries {
				return nil, frame.Unrecovered("SendCommand", "simulator", err)
			}
			_, _ = t.sim.Write(frame.NackFrame)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("command %02X: %w", cmd, err)
		}
		if len(res) == 0 || res[0] != cmd+1 {
			return nil, desfire.NewInvalidResponseError("SendCommand", "simulator")
		}
		return res, nil
	}
}

// Close marks the transport closed. The simulator keeps its state.
func (t *SimulatorTransport) Close() error {
	t.connected = false
	return nil
}

// SetTimeout records the timeout; the simulator answers synchronously.
func (t *SimulatorTransport) SetTimeout(timeout time.Duration) error {
	t.timeout = timeout
	return nil
}

// IsConnected reports whether Close has not been called.
func (t *SimulatorTransport) IsConnected() bool {
	return t.connected
}

// Type returns desfire.TransportMock.
func (*SimulatorTransport) Type() desfire.TransportType {
	return desfire.TransportMock
}

// Simulator returns the underlying VirtualPN532.
func (t *SimulatorTransport) Simulator() *VirtualPN532 {
	return t.sim
}

// CommandCount returns how many times cmd was sent.
func (t *SimulatorTransport) CommandCount(cmd byte) int {
	count := 0
	for _, entry := range t.CommandLog {
		if entry.Cmd == cmd {
			count++
		}
	}
	return count
}
