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

package desfire

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Transport defines the interface for communication with PN532 devices.
// This can be implemented by UART, I2C, SPI or PC/SC backends.
//
// SendCommand frames cmd and args, performs one round trip and returns the
// response data that follows the 0xD5 frame identifier, starting with the
// echoed command code (cmd+1). Framing, ACK handling and checksums stay
// inside the transport.
type Transport interface {
	// SendCommand sends a command to the PN532 and waits for response
	SendCommand(ctx context.Context, cmd byte, args []byte) ([]byte, error)

	// Close closes the transport connection
	Close() error

	// SetTimeout sets the read timeout for the transport
	SetTimeout(timeout time.Duration) error

	// IsConnected returns true if the transport is connected
	IsConnected() bool

	// Type returns the transport type
	Type() TransportType
}

// TransportType represents the type of transport
type TransportType string

const (
	// TransportUART represents UART/serial transport.
	TransportUART TransportType = "uart"
	// TransportI2C represents I2C bus transport.
	TransportI2C TransportType = "i2c"
	// TransportSPI represents SPI bus transport.
	TransportSPI TransportType = "spi"
	// TransportPCSC represents a PC/SC reader with an embedded PN532.
	TransportPCSC TransportType = "pcsc"
	// TransportMock represents a mock transport for testing
	TransportMock TransportType = "mock"
)

type mockReply struct {
	err  error
	data []byte
}

// MockTransport provides a scripted implementation of Transport for testing.
// Queued replies are consumed in order before per-command responses apply.
type MockTransport struct {
	responses map[byte][]byte
	callCount map[byte]int
	errorMap  map[byte]error
	queue     []mockReply
	sent      [][]byte
	timeout   time.Duration
	delay     time.Duration
	mu        sync.RWMutex
	connected bool
}

// NewMockTransport creates a new mock transport
func NewMockTransport() *MockTransport {
	return &MockTransport{
		connected: true,
		timeout:   time.Second,
		responses: make(map[byte][]byte),
		callCount: make(map[byte]int),
		errorMap:  make(map[byte]error),
	}
}

// SendCommand implements Transport interface
func (m *MockTransport) SendCommand(ctx context.Context, cmd byte, args []byte) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	m.mu.RLock()
	connected := m.connected
	delay := m.delay
	m.mu.RUnlock()

	if !connected {
		return nil, ErrTransportClosed
	}

	// Simulate hardware delay if configured with context awareness
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.callCount[cmd]++
	frame := make([]byte, 0, 1+len(args))
	frame = append(frame, cmd)
	m.sent = append(m.sent, append(frame, args...))

	if err, exists := m.errorMap[cmd]; exists {
		return nil, err
	}

	if len(m.queue) > 0 {
		reply := m.queue[0]
		m.queue = m.queue[1:]
		if reply.err != nil {
			return nil, reply.err
		}
		return append([]byte(nil), reply.data...), nil
	}

	if response, exists := m.responses[cmd]; exists {
		return append([]byte(nil), response...), nil
	}

	// Default response for unknown commands
	return []byte{cmd + 1, 0x00}, nil
}

// Close implements Transport interface
func (m *MockTransport) Close() error {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	return nil
}

// SetTimeout implements Transport interface
func (m *MockTransport) SetTimeout(timeout time.Duration) error {
	if timeout < 0 {
		return errors.New("negative timeout")
	}
	m.mu.Lock()
	m.timeout = timeout
	m.mu.Unlock()
	return nil
}

// IsConnected implements Transport interface
func (m *MockTransport) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Type implements Transport interface
func (*MockTransport) Type() TransportType {
	return TransportMock
}

// Test helper methods

// SetResponse configures a response for a specific command
func (m *MockTransport) SetResponse(cmd byte, response []byte) {
	m.mu.Lock()
	m.responses[cmd] = response
	m.mu.Unlock()
}

// QueueResponse appends a one-shot response consumed by the next command.
func (m *MockTransport) QueueResponse(response []byte) {
	m.mu.Lock()
	m.queue = append(m.queue, mockReply{data: response})
	m.mu.Unlock()
}

// QueueError appends a one-shot failure consumed by the next command.
func (m *MockTransport) QueueError(err error) {
	m.mu.Lock()
	m.queue = append(m.queue, mockReply{err: err})
	m.mu.Unlock()
}

// SetError configures an error to be returned for a specific command
func (m *MockTransport) SetError(cmd byte, err error) {
	m.mu.Lock()
	m.errorMap[cmd] = err
	m.mu.Unlock()
}

// ClearError removes error injection for a command
func (m *MockTransport) ClearError(cmd byte) {
	m.mu.Lock()
	delete(m.errorMap, cmd)
	m.mu.Unlock()
}

// SetDelay configures a delay to simulate hardware response time
func (m *MockTransport) SetDelay(delay time.Duration) {
	m.mu.Lock()
	m.delay = delay
	m.mu.Unlock()
}

// GetCallCount returns how many times a command was called
func (m *MockTransport) GetCallCount(cmd byte) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.callCount[cmd]
}

// Sent returns every command frame sent so far, command byte first.
func (m *MockTransport) Sent() [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([][]byte, len(m.sent))
	copy(out, m.sent)
	return out
}

// LastSent returns the most recent command frame, or nil.
func (m *MockTransport) LastSent() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.sent) == 0 {
		return nil
	}
	return m.sent[len(m.sent)-1]
}

// Reset clears all call counts and resets state
func (m *MockTransport) Reset() {
	m.mu.Lock()
	m.callCount = make(map[byte]int)
	m.sent = nil
	m.queue = nil
	m.connected = true
	m.mu.Unlock()
}
