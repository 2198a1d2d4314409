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
	"context"
	"fmt"
)

const (
	// PacketBufferSize is the scratch capacity shared by command and
	// response frames.
	PacketBufferSize = 80

	// exchangeOverhead is what a response adds to its payload: 7 bytes of
	// PN532 framing, 3 bytes of InDataExchange echo (D5 41 status) and the
	// card status byte.
	exchangeOverhead = 11

	// frameOverhead is the PN532 framing around the D5 TFI.
	frameOverhead = 7

	// macSize is the truncated CMAC the card appends to MAC'd responses.
	macSize = 8

	// exchangeTarget is the logical target number assigned by InListPassiveTarget.
	exchangeTarget = 0x01
)

// Exchange sends cmd followed by params to the card and copies the response
// payload into recv. cmd holds the instruction byte and any header bytes that
// travel in plain text; params may already have been encrypted by the caller.
// The length of recv is the largest payload the caller accepts.
//
// The returned status is valid whenever a card status byte was parsed, even
// if err is non-nil. Nothing is written to recv unless err is nil. A card
// status other than Success or MoreFrames always drops authentication.
func (c *Card) Exchange(
	ctx context.Context, cmd, params *WriteCursor, recv []byte, mode MacMode,
) (int, Status, error) {
	if err := mode.Validate(); err != nil {
		return 0, StatusSuccess, err
	}
	if cmd == nil || cmd.Count() == 0 {
		return 0, StatusSuccess, fmt.Errorf("%w: empty command", ErrInvalidParameter)
	}
	var paramBytes []byte
	if params != nil {
		paramBytes = params.Bytes()
	}
	cmdBytes := cmd.Bytes()
	ins := cmdBytes[0]

	overhead := exchangeOverhead
	if mode.RxMAC {
		overhead += macSize
	}
	if 2+len(cmdBytes)+len(paramBytes) > PacketBufferSize {
		return 0, StatusSuccess, fmt.Errorf("%w: command 0x%02X with %d bytes",
			ErrRequestTooLarge, ins, len(cmdBytes)+len(paramBytes))
	}
	if overhead+len(recv) > PacketBufferSize {
		return 0, StatusSuccess, fmt.Errorf("%w: response of %d bytes for command 0x%02X",
			ErrRequestTooLarge, len(recv), ins)
	}
	if mode.needsSession() && !c.session.authed {
		return 0, StatusSuccess, fmt.Errorf("command 0x%02X: %w", ins, ErrNotAuthenticated)
	}
	c.lastControllerError = 0

	// InDataExchange arguments: target, command, parameters
	n := 0
	c.packet[n] = exchangeTarget
	n++
	n += copy(c.packet[n:], cmdBytes)
	n += copy(c.packet[n:], paramBytes)

	if mode.TxMAC && c.session.authed {
		if err := c.session.cipher.MACTx(c.packet[1:n]); err != nil {
			return 0, StatusSuccess, fmt.Errorf("TX MAC for command 0x%02X: %w", ins, err)
		}
	}

	if debugActive() {
		DebugHex(fmt.Sprintf("DESFire 0x%02X [%s] TX", ins, c.session), c.packet[1:n])
	}
	res, err := c.controller.transport.SendCommand(ctx, cmdInDataExchange, c.packet[:n])
	if err != nil {
		return 0, StatusSuccess, fmt.Errorf("InDataExchange 0x%02X: %w", ins, err)
	}
	if frameOverhead+1+len(res) > len(recv)+overhead {
		return 0, StatusSuccess, fmt.Errorf("%w: %d bytes for command 0x%02X",
			ErrResponseTooLarge, len(res), ins)
	}
	res = c.packet[:copy(c.packet[:], res)]

	if len(res) < 2 || res[0] != cmdInDataExchange+1 {
		return 0, StatusSuccess, fmt.Errorf("InDataExchange 0x%02X: %w: % X", ins, ErrInvalidResponse, res)
	}
	c.lastControllerError = res[1]
	if !c.controller.StatusOK(res[1]) {
		return 0, StatusSuccess, &ControllerError{Command: "InDataExchange", Code: res[1]}
	}
	if len(res) < 3 {
		return 0, StatusSuccess, fmt.Errorf("InDataExchange 0x%02X: %w: missing card status",
			ins, ErrInvalidResponse)
	}

	// NoChanges ends the session but still carries a payload encrypted
	// under the key it was sent with.
	cipher := c.session.cipher
	status := Status(res[2])
	if !status.keepsSession() {
		if c.session.authed {
			Debugf("DESFire 0x%02X: %s ends session [%s]", ins, status, c.session)
		}
		c.session.deauthenticate()
	}
	if !status.OK() {
		Debugf("DESFire 0x%02X [%s] failed: %s", ins, c.session, status)
		return 0, status, &CardError{Command: ins, Status: status}
	}

	payload := res[3:]
	if mode.RxMAC && status.keepsSession() && c.session.authed {
		if payload, err = c.accumulateMAC(ins, status, payload); err != nil {
			return 0, status, err
		}
	}

	if len(payload) > len(recv) {
		return 0, status, fmt.Errorf("%w: %d byte payload for %d byte buffer",
			ErrBufferOverflow, len(payload), len(recv))
	}
	copy(recv, payload)
	if mode.RxCrypt && len(payload) > 0 {
		if cipher == nil {
			return 0, status, fmt.Errorf("decrypt response of 0x%02X: %w", ins, ErrNotAuthenticated)
		}
		if err := cipher.Decrypt(recv[:len(payload)]); err != nil {
			return 0, status, fmt.Errorf("decrypt response of 0x%02X: %w", ins, err)
		}
	}

	Debugf("DESFire 0x%02X [%s] mode=%s: %s, %d bytes", ins, c.session, mode, status, len(payload))
	return len(payload), status, nil
}

// accumulateMAC maintains the CMAC input across the frames of one command
// and returns the payload with the trailing CMAC removed.
func (c *Card) accumulateMAC(ins byte, status Status, payload []byte) ([]byte, error) {
	acc := c.session.mac
	if ins != InsAdditionalFrame {
		acc.Clear()
	}

	if status == StatusMoreFrames {
		if err := acc.AppendBytes(payload); err != nil {
			return nil, fmt.Errorf("MAC accumulator for 0x%02X: %w", ins, err)
		}
		return payload, nil
	}

	if len(payload) < macSize {
		return payload, nil
	}
	tag := payload[len(payload)-macSize:]
	payload = payload[:len(payload)-macSize]
	if err := acc.AppendBytes(payload); err != nil {
		return nil, fmt.Errorf("MAC accumulator for 0x%02X: %w", ins, err)
	}
	if err := c.session.cipher.VerifyMAC(acc.Bytes(), tag); err != nil {
		return nil, fmt.Errorf("%w: CMAC of command 0x%02X: %w", ErrIntegrity, ins, err)
	}
	return payload, nil
}

// ExchangeCommand is Exchange for a command that consists of a single
// instruction byte.
func (c *Card) ExchangeCommand(
	ctx context.Context, ins byte, params *WriteCursor, recv []byte, mode MacMode,
) (int, Status, error) {
	var buf [1]byte
	cmd := NewWriteCursor(buf[:])
	_ = cmd.AppendUint8(ins)
	return c.Exchange(ctx, cmd, params, recv, mode)
}
