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
	"github.com/ZaparooProject/go-desfire/internal/syncutil"
)

// DESFire status bytes used by the virtual card
const (
	cardSuccess         = 0x00
	cardIllegalCommand  = 0x1C
	cardKeyDoesNotExist = 0x40
	cardWrongLength     = 0x7E
	cardAppNotFound     = 0xA0
	cardMoreFrames      = 0xAF
)

// appIDsPerFrame is how many AIDs a real card returns before asking for an
// additional frame.
const appIDsPerFrame = 19

// CardReply is a scripted answer: a status byte followed by payload.
type CardReply struct {
	Data   []byte
	Status byte
}

// VirtualDESFire answers the unauthenticated DESFire commands well enough to
// drive an exchange engine end to end. Anything it does not implement gets
// IllegalCommand, which is what a real card does as well.
type VirtualDESFire struct {
	keyVersions map[byte]byte
	UID         []byte
	Version     []byte
	AppIDs      []uint32
	pending     [][]byte
	script      []CardReply
	received    [][]byte
	mu          syncutil.Mutex
	FreeMemory  uint32
	selected    uint32
	KeySettings [2]byte
	Present     bool
	RandomID    bool
}

// NewVirtualDESFire returns a present EV1 card with a 7 byte UID, 4 KB of
// storage and no applications.
func NewVirtualDESFire(uid []byte) *VirtualDESFire {
	hw := []byte{0x04, 0x01, 0x01, 0x01, 0x00, 0x18, 0x05}
	sw := []byte{0x04, 0x01, 0x01, 0x01, 0x04, 0x18, 0x05}
	version := append(append([]byte{}, hw...), sw...)
	version = append(version, uid...)
	version = append(version, 0xBA, 0x55, 0x40, 0x11, 0x22, 0x15, 0x19)
	return &VirtualDESFire{
		UID:         append([]byte(nil), uid...),
		Version:     version,
		FreeMemory:  4096,
		KeySettings: [2]byte{0x0F, 0x81},
		keyVersions: map[byte]byte{0x00: 0x00},
		Present:     true,
	}
}

// Script queues replies that take priority over the built-in handlers.
func (c *VirtualDESFire) Script(replies ...CardReply) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.script = append(c.script, replies...)
}

// SetKeyVersion registers a key so GetKeyVersion can report it.
func (c *VirtualDESFire) SetKeyVersion(keyNo, version byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keyVersions[keyNo] = version
}

// Selected returns the application the card currently has selected.
func (c *VirtualDESFire) Selected() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected
}

// Received returns a copy of every command the card has seen.
func (c *VirtualDESFire) Received() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.received))
	for i, cmd := range c.received {
		out[i] = append([]byte(nil), cmd...)
	}
	return out
}

// targetUID is what anticollision reports: the real UID, or a 4 byte random
// ID starting with 08 once random ID mode is on.
func (c *VirtualDESFire) targetUID() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.RandomID {
		return []byte{0x08, 0x3A, 0x5C, 0x91}
	}
	return append([]byte(nil), c.UID...)
}

// Process runs one command and returns the status byte and payload.
func (c *VirtualDESFire) Process(cmd []byte) (status byte, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.received = append(c.received, append([]byte(nil), cmd...))
	if len(c.script) > 0 {
		r := c.script[0]
		c.script = c.script[1:]
		return r.Status, r.Data
	}
	if len(cmd) == 0 {
		return cardWrongLength, nil
	}

	if cmd[0] != cardMoreFrames {
		c.pending = nil
	}

	switch cmd[0] {
	case cardMoreFrames:
		return c.nextFrame()
	case 0x60: // GetVersion
		c.pending = [][]byte{c.Version[:7], c.Version[7:14], c.Version[14:]}
		return c.nextFrame()
	case 0x6E: // FreeMem
		m := c.FreeMemory
		return cardSuccess, []byte{byte(m), byte(m >> 8), byte(m >> 16)}
	case 0x6A: // GetApplicationIDs
		return c.applicationIDs()
	case 0x5A: // SelectApplication
		if len(cmd) != 4 {
			return cardWrongLength, nil
		}
		aid := uint32(cmd[1]) | uint32(cmd[2])<<8 | uint32(cmd[3])<<16
		if aid != 0 && !c.hasApp(aid) {
			return cardAppNotFound, nil
		}
		c.selected = aid
		return cardSuccess, nil
	case 0x45: // GetKeySettings
		return cardSuccess, c.KeySettings[:]
	case 0x64: // GetKeyVersion
		if len(cmd) != 2 {
			return cardWrongLength, nil
		}
		v, ok := c.keyVersions[cmd[1]]
		if !ok {
			return cardKeyDoesNotExist, nil
		}
		return cardSuccess, []byte{v}
	default:
		return cardIllegalCommand, nil
	}
}

func (c *VirtualDESFire) nextFrame() (status byte, data []byte) {
	if len(c.pending) == 0 {
		return cardIllegalCommand, nil
	}
	data = c.pending[0]
	c.pending = c.pending[1:]
	if len(c.pending) > 0 {
		return cardMoreFrames, data
	}
	return cardSuccess, data
}

func (c *VirtualDESFire) applicationIDs() (status byte, data []byte) {
	if len(c.AppIDs) == 0 {
		return cardSuccess, nil
	}
	for i := 0; i < len(c.AppIDs); i += appIDsPerFrame {
		end := min(i+appIDsPerFrame, len(c.AppIDs))
		chunk := make([]byte, 0, 3*(end-i))
		for _, aid := range c.AppIDs[i:end] {
			chunk = append(chunk, byte(aid), byte(aid>>8), byte(aid>>16))
		}
		c.pending = append(c.pending, chunk)
	}
	return c.nextFrame()
}

func (c *VirtualDESFire) hasApp(aid uint32) bool {
	for _, a := range c.AppIDs {
		if a == aid {
			return true
		}
	}
	return false
}
