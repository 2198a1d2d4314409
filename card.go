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

// maxApplications is the number of AIDs a DESFire EV1 card can hold.
const maxApplications = 28

// Card runs DESFire commands through a PN532 controller. A Card is bound to
// one card session and is not safe for concurrent use.
type Card struct {
	controller          *Controller
	session             *Session
	packet              [PacketBufferSize]byte
	lastControllerError byte
}

type cardConfig struct {
	macBufferSize int
}

// CardOption configures a Card.
type CardOption func(*cardConfig)

// WithMACBufferSize sets the capacity of the multi-frame CMAC accumulator.
func WithMACBufferSize(size int) CardOption {
	return func(c *cardConfig) {
		if size > 0 {
			c.macBufferSize = size
		}
	}
}

// NewCard creates an unauthenticated card session on controller.
func NewCard(controller *Controller, opts ...CardOption) *Card {
	cfg := cardConfig{macBufferSize: DefaultMACBufferSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Card{
		controller: controller,
		session:    newSession(cfg.macBufferSize),
	}
}

// Session exposes the authentication and selection state.
func (c *Card) Session() *Session { return c.session }

// Controller returns the controller the card is reached through.
func (c *Card) Controller() *Controller { return c.controller }

// LastControllerError returns the controller status byte of the most recent
// exchange that got that far. Zero means no error.
func (c *Card) LastControllerError() byte { return c.lastControllerError }

// Authenticate runs auth for key keyNo. Any previous session is dropped
// first; on success the returned cipher protects the following exchanges.
func (c *Card) Authenticate(ctx context.Context, keyNo KeyIndex, auth Authenticator) error {
	c.session.deauthenticate()
	cipher, err := auth.Authenticate(ctx, c, keyNo)
	if err != nil {
		c.session.deauthenticate()
		return fmt.Errorf("authenticate key %d: %w", keyNo, err)
	}
	if cipher == nil {
		return fmt.Errorf("authenticate key %d: %w: no session cipher", keyNo, ErrInvalidParameter)
	}
	c.session.authenticate(keyNo, cipher)
	Debugf("authenticated with key %d in application %06X", keyNo, uint32(c.session.app))
	return nil
}

// SwitchOffRFField forgets the session and switches the antenna off. The
// session is cleared even if the controller command fails.
func (c *Card) SwitchOffRFField(ctx context.Context) error {
	c.session.reset()
	return c.controller.SwitchOffRFField(ctx)
}

// SelectApplication selects aid (0 for the PICC level). The card drops its
// session key on select, so authentication is cleared on success.
func (c *Card) SelectApplication(ctx context.Context, aid AppID) error {
	if aid > 0xFFFFFF {
		return fmt.Errorf("%w: AID %X exceeds 24 bits", ErrInvalidParameter, uint32(aid))
	}
	var buf [4]byte
	cmd := NewWriteCursor(buf[:])
	_ = cmd.AppendUint8(InsSelectApplication)
	_ = cmd.AppendUint24(uint32(aid))
	if _, _, err := c.Exchange(ctx, cmd, nil, nil, MacNone); err != nil {
		return fmt.Errorf("select application %06X: %w", uint32(aid), err)
	}
	c.session.selectApplication(aid)
	return nil
}

// VersionInfo is one half of the GetVersion hardware/software description.
type VersionInfo struct {
	VendorID     byte
	Type         byte
	SubType      byte
	MajorVersion byte
	MinorVersion byte
	StorageSize  byte
	Protocol     byte
}

// StorageBytes decodes the storage size byte: 2^(n>>1) bytes, or somewhat
// more than that when the low bit is set.
func (v VersionInfo) StorageBytes() int {
	return 1 << (v.StorageSize >> 1)
}

// CardVersion is the decoded GetVersion response.
type CardVersion struct {
	Hardware       VersionInfo
	Software       VersionInfo
	UID            [7]byte
	BatchNo        [5]byte
	ProductionWeek byte
	ProductionYear byte
}

func readVersionInfo(r *ReadCursor) (VersionInfo, error) {
	var raw [7]byte
	if err := r.ReadBytes(raw[:]); err != nil {
		return VersionInfo{}, err
	}
	return VersionInfo{
		VendorID:     raw[0],
		Type:         raw[1],
		SubType:      raw[2],
		MajorVersion: raw[3],
		MinorVersion: raw[4],
		StorageSize:  raw[5],
		Protocol:     raw[6],
	}, nil
}

// GetCardVersion reads the three GetVersion frames.
func (c *Card) GetCardVersion(ctx context.Context) (*CardVersion, error) {
	var buf [28]byte
	frames := []struct {
		ins    byte
		size   int
		status Status
	}{
		{InsGetVersion, 7, StatusMoreFrames},
		{InsAdditionalFrame, 7, StatusMoreFrames},
		{InsAdditionalFrame, 14, StatusSuccess},
	}
	off := 0
	for _, f := range frames {
		n, status, err := c.ExchangeCommand(ctx, f.ins, nil, buf[off:off+f.size], MacTxMACRxMAC)
		if err != nil {
			return nil, fmt.Errorf("get version: %w", err)
		}
		if n != f.size || status != f.status {
			return nil, fmt.Errorf("get version: %w: frame of %d bytes with status %s",
				ErrInvalidResponse, n, status)
		}
		off += n
	}

	r := NewReadCursor(buf[:])
	v := &CardVersion{}
	var err error
	if v.Hardware, err = readVersionInfo(r); err != nil {
		return nil, err
	}
	if v.Software, err = readVersionInfo(r); err != nil {
		return nil, err
	}
	if err := r.ReadBytes(v.UID[:]); err != nil {
		return nil, err
	}
	if err := r.ReadBytes(v.BatchNo[:]); err != nil {
		return nil, err
	}
	if v.ProductionWeek, err = r.ReadUint8(); err != nil {
		return nil, err
	}
	if v.ProductionYear, err = r.ReadUint8(); err != nil {
		return nil, err
	}
	return v, nil
}

// GetFreeMemory returns the free EEPROM in bytes.
func (c *Card) GetFreeMemory(ctx context.Context) (uint32, error) {
	var buf [3]byte
	n, _, err := c.ExchangeCommand(ctx, InsFreeMemory, nil, buf[:], MacTxMACRxMAC)
	if err != nil {
		return 0, fmt.Errorf("get free memory: %w", err)
	}
	if n != len(buf) {
		return 0, fmt.Errorf("get free memory: %w: %d bytes", ErrInvalidResponse, n)
	}
	return NewReadCursor(buf[:]).ReadUint24()
}

// GetApplicationIDs lists the applications on the card, following
// continuation frames until the card reports success.
func (c *Card) GetApplicationIDs(ctx context.Context) ([]AppID, error) {
	var buf [maxApplications * 3]byte
	perFrame := PacketBufferSize - exchangeOverhead - macSize
	ins := InsGetApplicationIDs
	total := 0
	for {
		end := min(total+perFrame, len(buf))
		n, status, err := c.ExchangeCommand(ctx, ins, nil, buf[total:end], MacTxMACRxMAC)
		if err != nil {
			return nil, fmt.Errorf("get application IDs: %w", err)
		}
		total += n
		if status != StatusMoreFrames {
			break
		}
		if total == len(buf) {
			return nil, fmt.Errorf("get application IDs: %w", ErrBufferOverflow)
		}
		ins = InsAdditionalFrame
	}
	if total%3 != 0 {
		return nil, fmt.Errorf("get application IDs: %w: %d bytes", ErrInvalidResponse, total)
	}

	r := NewReadCursor(buf[:total])
	ids := make([]AppID, 0, total/3)
	for r.Remaining() > 0 {
		aid, err := r.ReadUint24()
		if err != nil {
			return nil, err
		}
		ids = append(ids, AppID(aid))
	}
	return ids, nil
}

// KeyType is the cipher family of an application's keys.
type KeyType byte

// Key types as encoded in the upper bits of the key count byte
const (
	KeyTypeDES    KeyType = 0x00
	KeyType3K3DES KeyType = 0x40
	KeyTypeAES    KeyType = 0x80
)

func (k KeyType) String() string {
	switch k {
	case KeyTypeDES:
		return "DES/2K3DES"
	case KeyType3K3DES:
		return "3K3DES"
	case KeyTypeAES:
		return "AES"
	default:
		return fmt.Sprintf("KeyType(0x%02X)", byte(k))
	}
}

// KeySettings is the decoded GetKeySettings response.
type KeySettings struct {
	Flags   byte
	MaxKeys byte
	KeyType KeyType
}

// GetKeySettings reads the key settings of the selected application.
func (c *Card) GetKeySettings(ctx context.Context) (KeySettings, error) {
	var buf [2]byte
	n, _, err := c.ExchangeCommand(ctx, InsGetKeySettings, nil, buf[:], MacTxMACRxMAC)
	if err != nil {
		return KeySettings{}, fmt.Errorf("get key settings: %w", err)
	}
	if n != len(buf) {
		return KeySettings{}, fmt.Errorf("get key settings: %w: %d bytes", ErrInvalidResponse, n)
	}
	return KeySettings{
		Flags:   buf[0],
		MaxKeys: buf[1] & 0x0F,
		KeyType: KeyType(buf[1] & 0xC0),
	}, nil
}

// GetKeyVersion returns the version byte of key keyNo.
func (c *Card) GetKeyVersion(ctx context.Context, keyNo KeyIndex) (byte, error) {
	var cmdBuf [2]byte
	cmd := NewWriteCursor(cmdBuf[:])
	_ = cmd.AppendUint8(InsGetKeyVersion)
	_ = cmd.AppendUint8(byte(keyNo))

	var buf [1]byte
	n, _, err := c.Exchange(ctx, cmd, nil, buf[:], MacTxMACRxMAC)
	if err != nil {
		return 0, fmt.Errorf("get key version %d: %w", keyNo, err)
	}
	if n != 1 {
		return 0, fmt.Errorf("get key version %d: %w: %d bytes", keyNo, ErrInvalidResponse, n)
	}
	return buf[0], nil
}

// EnableRandomIDForever switches the card to random UID mode. This cannot
// be undone. The parameters are encrypted with the session key, which
// already advances the IV, so no TX MAC is computed.
func (c *Card) EnableRandomIDForever(ctx context.Context) error {
	if !c.session.authed {
		return fmt.Errorf("enable random ID: %w", ErrNotAuthenticated)
	}
	var cmdBuf [2]byte
	cmd := NewWriteCursor(cmdBuf[:])
	_ = cmd.AppendUint8(InsSetConfiguration)
	_ = cmd.AppendUint8(0x00) // subcommand: PICC configuration

	var paramBuf [16]byte
	params := NewWriteCursor(paramBuf[:])
	_ = params.AppendUint8(0x02) // 0x02 enables random ID, 0x01 disables format

	if err := c.session.cipher.Encrypt(cmd.Bytes(), params); err != nil {
		return fmt.Errorf("enable random ID: %w", err)
	}
	if _, _, err := c.Exchange(ctx, cmd, params, nil, MacTxCryptRxMAC); err != nil {
		return fmt.Errorf("enable random ID: %w", err)
	}
	return nil
}

// GetRealCardID reads the real 7 byte UID of a card in random ID mode. The
// card answers with UID and CRC32 encrypted under the session key; the CRC
// covers the UID followed by the success status byte.
func (c *Card) GetRealCardID(ctx context.Context) ([7]byte, error) {
	var uid [7]byte
	if !c.session.authed {
		return uid, fmt.Errorf("get real card ID: %w", ErrNotAuthenticated)
	}

	var buf [16]byte
	n, _, err := c.ExchangeCommand(ctx, InsGetCardUID, nil, buf[:], MacTxMACRxCrypt)
	if err != nil {
		return uid, fmt.Errorf("get real card ID: %w", err)
	}
	if n != len(buf) {
		return uid, fmt.Errorf("get real card ID: %w: %d bytes", ErrInvalidResponse, n)
	}

	r := NewReadCursor(buf[:])
	if err := r.ReadBytes(uid[:]); err != nil {
		return uid, fmt.Errorf("get real card ID: %w", err)
	}
	got, err := r.ReadUint32()
	if err != nil {
		return [7]byte{}, fmt.Errorf("get real card ID: %w", err)
	}
	if want := CRC32(uid[:], []byte{byte(StatusSuccess)}); got != want {
		return [7]byte{}, fmt.Errorf("get real card ID: %w: CRC %08X, expected %08X", ErrIntegrity, got, want)
	}
	return uid, nil
}
