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
	"fmt"
)

// PN532 command codes used by the controller facade.
const (
	cmdGetFirmwareVersion  = 0x02
	cmdSamConfiguration    = 0x14
	cmdRFConfiguration     = 0x32
	cmdInDataExchange      = 0x40
	cmdInListPassiveTarget = 0x4A
	cmdInRelease           = 0x52
)

// DefaultPassiveActivationRetries controls InListPassiveTarget internal retries.
// Each retry is approximately 100ms per PN532 datasheet, so 0x0A gives up
// after about a second instead of waiting forever.
const DefaultPassiveActivationRetries byte = 0x0A

// SAMMode represents different SAM (Security Access Module) modes
type SAMMode byte

// SAMModeNormal is the only mode a DESFire reader needs: no SAM attached.
const SAMModeNormal SAMMode = 0x01

// FirmwareVersion contains PN532 firmware version information
type FirmwareVersion struct {
	Version          string
	IC               byte
	SupportIso14443a bool
	SupportIso14443b bool
	SupportIso18092  bool
}

// CardType classifies a detected ISO14443A target. Bit 0 marks a DESFire
// card, bit 1 a DESFire card in random ID mode.
type CardType byte

const (
	// CardTypeUnknown is a Mifare Classic or other non-DESFire card.
	CardTypeUnknown CardType = 0
	// CardTypeDesfire is a DESFire card with its normal 7 byte UID.
	CardTypeDesfire CardType = 1
	// CardTypeDesfireRandom is a DESFire card reporting a 4 byte random UID.
	CardTypeDesfireRandom CardType = 3
)

// IsDesfire reports whether t is any DESFire variant.
func (t CardType) IsDesfire() bool { return t&CardTypeDesfire != 0 }

func (t CardType) String() string {
	switch t {
	case CardTypeDesfire:
		return "DESFire"
	case CardTypeDesfireRandom:
		return "DESFire (random ID)"
	default:
		return "unknown"
	}
}

// Target describes the card found by ReadPassiveTarget.
type Target struct {
	UID    []byte
	ATS    []byte
	Type   CardType
	ATQA   uint16
	SAK    byte
	Number byte
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithControllerStatus replaces the check applied to the controller status
// byte of InDataExchange responses.
func WithControllerStatus(ok func(status byte) bool) ControllerOption {
	return func(c *Controller) {
		c.statusOK = ok
	}
}

// Controller drives the PN532 itself: configuration, target detection and
// the RF field. Card commands go through Card.
type Controller struct {
	transport Transport
	statusOK  func(byte) bool
}

// NewController creates a controller facade over transport.
func NewController(transport Transport, opts ...ControllerOption) *Controller {
	c := &Controller{transport: transport}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Transport returns the underlying transport.
func (c *Controller) Transport() Transport {
	return c.transport
}

// Close closes the underlying transport.
func (c *Controller) Close() error {
	if c.transport != nil {
		if err := c.transport.Close(); err != nil {
			return fmt.Errorf("failed to close transport: %w", err)
		}
	}
	return nil
}

// StatusOK reports whether a controller status byte means success. Only the
// error code bits count; bit 6 (NAD present) and bit 7 (more information)
// are flags.
func (c *Controller) StatusOK(status byte) bool {
	if c.statusOK != nil {
		return c.statusOK(status)
	}
	return status&0x3F == 0x00
}

// command sends cmd and returns the response after the echoed command code.
func (c *Controller) command(ctx context.Context, name string, cmd byte, args []byte) ([]byte, error) {
	res, err := c.transport.SendCommand(ctx, cmd, args)
	if err != nil {
		return nil, fmt.Errorf("%s command failed: %w", name, err)
	}
	if len(res) == 0 || res[0] != cmd+1 {
		return nil, fmt.Errorf("%s: %w: unexpected response % X", name, ErrInvalidResponse, res)
	}
	return res[1:], nil
}

// Init brings the controller into a state where it can talk to cards.
func (c *Controller) Init(ctx context.Context) (*FirmwareVersion, error) {
	fw, err := c.FirmwareVersion(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.SAMConfiguration(ctx, SAMModeNormal, 0x14, 0x01); err != nil {
		return nil, err
	}
	if err := c.SetPassiveActivationRetries(ctx, DefaultPassiveActivationRetries); err != nil {
		return nil, err
	}
	Debugf("PN532 firmware %s ready", fw.Version)
	return fw, nil
}

// FirmwareVersion queries the PN532 IC and firmware revision.
func (c *Controller) FirmwareVersion(ctx context.Context) (*FirmwareVersion, error) {
	res, err := c.command(ctx, "GetFirmwareVersion", cmdGetFirmwareVersion, nil)
	if err != nil {
		return nil, err
	}
	if len(res) < 4 {
		return nil, fmt.Errorf("GetFirmwareVersion: %w: %d bytes", ErrInvalidResponse, len(res))
	}
	if res[0] != 0x32 {
		return nil, fmt.Errorf("unexpected IC: %x", res[0])
	}
	return &FirmwareVersion{
		IC:               res[0],
		Version:          fmt.Sprintf("%d.%d", res[1], res[2]),
		SupportIso14443a: res[3]&0x01 == 0x01,
		SupportIso14443b: res[3]&0x02 == 0x02,
		SupportIso18092:  res[3]&0x04 == 0x04,
	}, nil
}

// SAMConfiguration configures the SAM mode. Normal mode must be set once
// after power-up or the PN532 will not detect cards.
func (c *Controller) SAMConfiguration(ctx context.Context, mode SAMMode, timeout, irq byte) error {
	_, err := c.command(ctx, "SAMConfiguration", cmdSamConfiguration, []byte{byte(mode), timeout, irq})
	return err
}

// SetPassiveActivationRetries configures the maximum number of retries for passive activation
// to prevent infinite waiting that can cause the PN532 to lock up.
func (c *Controller) SetPassiveActivationRetries(ctx context.Context, maxRetries byte) error {
	// RF Configuration item 0x05 - MaxRetries
	// Payload: [MxRtyATR, MxRtyPSL, MxRtyPassiveActivation]
	_, err := c.command(ctx, "RFConfiguration", cmdRFConfiguration, []byte{0x05, 0xFF, 0x01, maxRetries})
	return err
}

// SwitchOffRFField turns the antenna off. Every card in the field loses
// power and with it any session state.
func (c *Controller) SwitchOffRFField(ctx context.Context) error {
	// RF Configuration item 0x01 - RF field, AutoRFCA off, RF off
	_, err := c.command(ctx, "RFConfiguration", cmdRFConfiguration, []byte{0x01, 0x00})
	return err
}

// ReadPassiveTarget waits for one ISO14443A card at 106 kbps and classifies it.
// It returns ErrNoCard when the activation retries expire without a card.
func (c *Controller) ReadPassiveTarget(ctx context.Context) (*Target, error) {
	res, err := c.command(ctx, "InListPassiveTarget", cmdInListPassiveTarget, []byte{0x01, 0x00})
	if err != nil {
		return nil, err
	}
	if len(res) == 0 || res[0] == 0 {
		return nil, ErrNoCard
	}
	return parseTarget(res[1:])
}

// parseTarget decodes Tg, SENS_RES, SEL_RES, NFCID and the optional ATS.
func parseTarget(data []byte) (*Target, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("InListPassiveTarget: %w: target data too short", ErrInvalidResponse)
	}
	t := &Target{
		Number: data[0],
		ATQA:   uint16(data[1])<<8 | uint16(data[2]),
		SAK:    data[3],
	}
	uidLen := int(data[4])
	if len(data) < 5+uidLen {
		return nil, fmt.Errorf("InListPassiveTarget: %w: truncated UID", ErrInvalidResponse)
	}
	t.UID = append([]byte(nil), data[5:5+uidLen]...)
	rest := data[5+uidLen:]
	if len(rest) > 0 {
		atsLen := int(rest[0])
		if atsLen == 0 || atsLen > len(rest) {
			return nil, fmt.Errorf("InListPassiveTarget: %w: bad ATS length", ErrInvalidResponse)
		}
		// the length byte is part of the ATS
		t.ATS = append([]byte(nil), rest[:atsLen]...)
	}

	if t.ATQA == 0x0344 && t.SAK == 0x20 {
		t.Type = CardTypeDesfire
		if len(t.UID) == 4 && t.UID[0] == 0x08 {
			t.Type = CardTypeDesfireRandom
		}
	}
	return t, nil
}

// Release deselects the target so the next ReadPassiveTarget starts fresh.
func (c *Controller) Release(ctx context.Context, target byte) error {
	res, err := c.command(ctx, "InRelease", cmdInRelease, []byte{target})
	if err != nil {
		return err
	}
	if len(res) < 1 {
		return errors.New("unexpected InRelease response")
	}
	if !c.StatusOK(res[0]) {
		return &ControllerError{Command: "InRelease", Code: res[0]}
	}
	return nil
}
