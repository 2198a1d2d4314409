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

// Package testing provides a wire-level PN532 simulator with a virtual
// DESFire card behind it.
//
// VirtualPN532 implements io.ReadWriter, so a transport under test can talk
// to it exactly as it would to a serial port or bus. It follows the host
// controller protocol of the PN532 User Manual §6.2: normal information
// frames, ACK and NACK, and the application error frame. Extended frames are
// not supported and are answered with an error frame.
package testing

import (
	"bytes"
	"errors"

	"github.com/ZaparooProject/go-desfire/internal/frame"
	"github.com/ZaparooProject/go-desfire/internal/syncutil"
)

// PN532 commands the simulator understands (User Manual §7)
const (
	cmdGetFirmwareVersion  = 0x02
	cmdSAMConfiguration    = 0x14
	cmdRFConfiguration     = 0x32
	cmdInDataExchange      = 0x40
	cmdInListPassiveTarget = 0x4A
	cmdInRelease           = 0x52
)

// PN532 status codes (User Manual §7.1, Table 13)
const (
	errTimeout         = 0x01
	errTarget          = 0x29
	errCardDisappeared = 0x2B
)

// errorFrame is the application level error frame (§6.2.1.5).
var errorFrame = []byte{0x00, 0x00, 0xFF, 0x01, 0xFF, frame.ErrorTFI, 0x81, 0x00}

// SimulatorState tracks the internal state of the simulated PN532
type SimulatorState struct {
	RFFieldOn      bool
	SAMConfigured  bool
	SelectedTarget int // 0 = none
}

// VirtualPN532 simulates a PN532 chip at the wire protocol level.
type VirtualPN532 struct {
	card                *VirtualDESFire
	lastResponse        []byte
	commands            []byte
	rxBuffer            bytes.Buffer
	txBuffer            bytes.Buffer
	state               SimulatorState
	mu                  syncutil.Mutex
	firmware            [4]byte
	injectChecksumError bool
	injectNACK          bool
	dropNextACK         bool
	injectTimeout       bool
}

// NewVirtualPN532 creates a simulator reporting PN532 firmware v1.6 with no
// card in the field.
func NewVirtualPN532() *VirtualPN532 {
	return &VirtualPN532{firmware: [4]byte{0x32, 0x01, 0x06, 0x07}}
}

// Write receives bytes from the host and queues any responses they produce.
func (v *VirtualPN532) Write(data []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.rxBuffer.Write(data)
	v.processReceivedData()
	return len(data), nil
}

// Read returns pending response bytes. It never blocks; an empty result
// means the chip has nothing to say yet.
func (v *VirtualPN532) Read(buf []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.txBuffer.Len() == 0 {
		return 0, nil
	}
	n, _ := v.txBuffer.Read(buf)
	return n, nil
}

// SetCard places a card in the field, replacing any previous one. A nil
// card empties the field.
func (v *VirtualPN532) SetCard(card *VirtualDESFire) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.card = card
	v.state.SelectedTarget = 0
}

// SetFirmwareVersion configures the GetFirmwareVersion answer.
func (v *VirtualPN532) SetFirmwareVersion(ic, ver, rev, support byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.firmware = [4]byte{ic, ver, rev, support}
}

// InjectChecksumError corrupts the DCS of the next response.
func (v *VirtualPN532) InjectChecksumError() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.injectChecksumError = true
}

// InjectNACK makes the next response garbage until the host sends a NACK,
// after which the real response is retransmitted.
func (v *VirtualPN532) InjectNACK() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.injectNACK = true
}

// DropNextACK suppresses the ACK for the next command.
func (v *VirtualPN532) DropNextACK() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.dropNextACK = true
}

// InjectTimeout makes the next InDataExchange fail with controller status
// 0x01, as if the card stopped answering.
func (v *VirtualPN532) InjectTimeout() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.injectTimeout = true
}

// GetState returns the current simulator state.
func (v *VirtualPN532) GetState() SimulatorState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Commands returns the PN532 command codes received so far, in order.
func (v *VirtualPN532) Commands() []byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]byte(nil), v.commands...)
}

// HasPendingResponse reports whether response bytes are waiting. The I2C
// and SPI fakes use it for the ready bit.
func (v *VirtualPN532) HasPendingResponse() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.txBuffer.Len() > 0
}

// Reset clears all state and buffers. The card stays in the field.
func (v *VirtualPN532) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.rxBuffer.Reset()
	v.txBuffer.Reset()
	v.lastResponse = nil
	v.commands = nil
	v.state = SimulatorState{}
	v.injectChecksumError = false
	v.injectNACK = false
	v.dropNextACK = false
	v.injectTimeout = false
}

func (v *VirtualPN532) processReceivedData() {
	for {
		data := v.rxBuffer.Bytes()
		if len(data) < len(frame.AckFrame) {
			return
		}

		// ACK from the host aborts nothing we care about (§6.2.2.1)
		if frame.IsAck(data) {
			v.rxBuffer.Next(len(frame.AckFrame))
			continue
		}
		if frame.IsNack(data) {
			v.rxBuffer.Next(len(frame.NackFrame))
			if v.lastResponse != nil {
				v.txBuffer.Write(v.lastResponse)
			}
			continue
		}

		off := frame.FindStart(data)
		if off < 0 {
			v.rxBuffer.Reset()
			return
		}
		// keep the 00 FF start code at the front
		if off > 2 {
			v.rxBuffer.Next(off - 2)
			data = v.rxBuffer.Bytes()
		}

		body, n, err := parseHostFrame(data)
		if errors.Is(err, errIncompleteFrame) {
			return
		}
		if err != nil {
			v.rxBuffer.Next(1)
			continue
		}
		v.rxBuffer.Next(n)
		v.processCommand(body)
	}
}

var (
	errIncompleteFrame = errors.New("incomplete frame")
	errBadFrame        = errors.New("bad frame")
)

// parseHostFrame validates a host-to-controller frame starting at the 00 FF
// start code. It returns TFI+data and the number of bytes consumed.
func parseHostFrame(data []byte) (body []byte, consumed int, err error) {
	if len(data) < 4 {
		return nil, 0, errIncompleteFrame
	}
	dataLen, lcs := int(data[2]), data[3]
	if byte(dataLen)+lcs != 0 || dataLen == 0xFF {
		return nil, 0, errBadFrame
	}
	// start(2) LEN LCS data DCS postamble
	total := 2 + 2 + dataLen + 2
	if len(data) < total {
		return nil, 0, errIncompleteFrame
	}
	body = data[4 : 4+dataLen]
	if frame.CalculateChecksum(body)+data[4+dataLen] != 0 {
		return nil, 0, errBadFrame
	}
	if len(body) == 0 || body[0] != frame.HostToPn532 {
		return nil, 0, errBadFrame
	}
	return append([]byte(nil), body...), total, nil
}

func (v *VirtualPN532) processCommand(body []byte) {
	if len(body) < 2 {
		v.sendErrorFrame()
		return
	}

	if !v.dropNextACK {
		v.txBuffer.Write(frame.AckFrame)
	}
	v.dropNextACK = false

	cmd, params := body[1], body[2:]
	v.commands = append(v.commands, cmd)

	var (
		response []byte
		ok       bool
	)
	switch cmd {
	case cmdGetFirmwareVersion:
		response, ok = v.firmware[:], true
	case cmdSAMConfiguration:
		response, ok = v.handleSAMConfiguration(params)
	case cmdRFConfiguration:
		response, ok = v.handleRFConfiguration(params)
	case cmdInListPassiveTarget:
		response, ok = v.handleInListPassiveTarget(params)
	case cmdInDataExchange:
		response, ok = v.handleInDataExchange(params)
	case cmdInRelease:
		response, ok = v.handleInRelease(params)
	}
	if !ok {
		v.sendErrorFrame()
		return
	}
	v.sendResponse(cmd, response)
}

func (v *VirtualPN532) sendResponse(cmd byte, data []byte) {
	body := append([]byte{frame.Pn532ToHost, cmd + 1}, data...)
	frm := buildFrame(body)
	v.lastResponse = append([]byte(nil), frm...)

	switch {
	case v.injectNACK:
		v.injectNACK = false
		garbled := append([]byte(nil), frm...)
		garbled[len(garbled)-2] ^= 0xFF
		v.txBuffer.Write(garbled)
		return
	case v.injectChecksumError:
		v.injectChecksumError = false
		frm[len(frm)-2] ^= 0xFF
		v.lastResponse = frm
	}
	v.txBuffer.Write(frm)
}

func (v *VirtualPN532) sendErrorFrame() {
	v.lastResponse = errorFrame
	v.txBuffer.Write(errorFrame)
}

func buildFrame(body []byte) []byte {
	frm := make([]byte, 0, len(body)+frame.Overhead)
	frm = append(frm, frame.Preamble, frame.StartCode1, frame.StartCode2, byte(len(body)), -byte(len(body)))
	frm = append(frm, body...)
	return append(frm, -frame.CalculateChecksum(body), frame.Postamble)
}

func (v *VirtualPN532) handleSAMConfiguration(params []byte) ([]byte, bool) {
	if len(params) < 1 || params[0] < 0x01 || params[0] > 0x04 {
		return nil, false
	}
	v.state.SAMConfigured = true
	return nil, true
}

func (v *VirtualPN532) handleRFConfiguration(params []byte) ([]byte, bool) {
	if len(params) < 2 {
		return nil, false
	}
	// item 0x01: RF field on/off
	if params[0] == 0x01 {
		v.state.RFFieldOn = params[1]&0x01 != 0
		if !v.state.RFFieldOn {
			v.state.SelectedTarget = 0
		}
	}
	return nil, true
}

func (v *VirtualPN532) handleInListPassiveTarget(params []byte) ([]byte, bool) {
	if len(params) < 2 || params[0] == 0 || params[0] > 2 {
		return nil, false
	}
	v.state.RFFieldOn = true
	// only 106 kbps type A carries DESFire
	if params[1] != 0x00 || v.card == nil || !v.card.Present {
		return []byte{0x00}, true
	}

	uid := v.card.targetUID()
	v.state.SelectedTarget = 1

	// Tg SENS_RES(2) SEL_RES NFCIDLength NFCID ATS
	data := []byte{0x01, 0x01, 0x03, 0x44, 0x20, byte(len(uid))}
	data = append(data, uid...)
	return append(data, 0x06, 0x75, 0x77, 0x81, 0x02, 0x80), true
}

func (v *VirtualPN532) handleInDataExchange(params []byte) ([]byte, bool) {
	if len(params) < 2 {
		return nil, false
	}
	if v.injectTimeout {
		v.injectTimeout = false
		return []byte{errTimeout}, true
	}
	if v.state.SelectedTarget == 0 || int(params[0]) != v.state.SelectedTarget || v.card == nil {
		return []byte{errTarget}, true
	}
	if !v.card.Present {
		return []byte{errCardDisappeared}, true
	}

	status, data := v.card.Process(params[1:])
	return append([]byte{0x00, status}, data...), true
}

func (v *VirtualPN532) handleInRelease(params []byte) ([]byte, bool) {
	if len(params) < 1 {
		return nil, false
	}
	if params[0] == 0x00 || int(params[0]) == v.state.SelectedTarget {
		v.state.SelectedTarget = 0
	}
	return []byte{0x00}, true
}
