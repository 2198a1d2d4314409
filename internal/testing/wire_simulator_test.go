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
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZaparooProject/go-desfire"
	"github.com/ZaparooProject/go-desfire/internal/frame"
)

func buildCommandFrame(t *testing.T, cmd byte, params []byte) []byte {
	t.Helper()
	frm, err := frame.Build(cmd, params)
	require.NoError(t, err)
	return frm
}

// roundTrip writes a command frame and returns the response data after the
// echoed command code, checking the ACK on the way.
func roundTrip(t *testing.T, sim *VirtualPN532, cmd byte, params []byte) []byte {
	t.Helper()
	_, err := sim.Write(buildCommandFrame(t, cmd, params))
	require.NoError(t, err)

	buf := make([]byte, 512)
	n, err := sim.Read(buf)
	require.NoError(t, err)
	require.True(t, frame.IsAck(buf[:n]), "missing ACK")

	res, err := frame.Parse(buf[len(frame.AckFrame):n])
	require.NoError(t, err)
	require.NotEmpty(t, res)
	require.Equal(t, cmd+1, res[0])
	return res[1:]
}

func TestVirtualPN532_FrameFormat(t *testing.T) {
	t.Parallel()

	t.Run("Valid_Frame_Accepted", func(t *testing.T) {
		t.Parallel()
		sim := NewVirtualPN532()
		data := roundTrip(t, sim, cmdGetFirmwareVersion, nil)
		assert.Equal(t, []byte{0x32, 0x01, 0x06, 0x07}, data)
	})

	t.Run("Bad_Checksum_Ignored", func(t *testing.T) {
		t.Parallel()
		sim := NewVirtualPN532()
		frm := buildCommandFrame(t, cmdGetFirmwareVersion, nil)
		frm[len(frm)-2] ^= 0x01
		_, err := sim.Write(frm)
		require.NoError(t, err)
		assert.False(t, sim.HasPendingResponse())
	})

	t.Run("Frame_Split_Across_Writes", func(t *testing.T) {
		t.Parallel()
		sim := NewVirtualPN532()
		frm := buildCommandFrame(t, cmdGetFirmwareVersion, nil)
		for _, b := range frm {
			_, err := sim.Write([]byte{b})
			require.NoError(t, err)
		}
		assert.True(t, sim.HasPendingResponse())
	})

	t.Run("Unknown_Command_Error_Frame", func(t *testing.T) {
		t.Parallel()
		sim := NewVirtualPN532()
		_, err := sim.Write(buildCommandFrame(t, 0x06, []byte{0x63, 0x05}))
		require.NoError(t, err)

		buf := make([]byte, 64)
		n, _ := sim.Read(buf)
		require.True(t, bytes.HasPrefix(buf[:n], frame.AckFrame))
		_, err = frame.Parse(buf[len(frame.AckFrame):n])
		assert.ErrorIs(t, err, desfire.ErrErrorFrame)
	})
}

func TestVirtualPN532_Handshake(t *testing.T) {
	t.Parallel()

	t.Run("NACK_Retransmits", func(t *testing.T) {
		t.Parallel()
		sim := NewVirtualPN532()
		sim.InjectNACK()
		_, err := sim.Write(buildCommandFrame(t, cmdGetFirmwareVersion, nil))
		require.NoError(t, err)

		buf := make([]byte, 64)
		n, _ := sim.Read(buf)
		_, err = frame.Parse(buf[len(frame.AckFrame):n])
		require.Error(t, err)

		_, err = sim.Write(frame.NackFrame)
		require.NoError(t, err)
		n, _ = sim.Read(buf)
		res, err := frame.Parse(buf[:n])
		require.NoError(t, err)
		assert.Equal(t, byte(cmdGetFirmwareVersion+1), res[0])
	})

	t.Run("Dropped_ACK", func(t *testing.T) {
		t.Parallel()
		sim := NewVirtualPN532()
		sim.DropNextACK()
		_, err := sim.Write(buildCommandFrame(t, cmdGetFirmwareVersion, nil))
		require.NoError(t, err)

		buf := make([]byte, 64)
		n, _ := sim.Read(buf)
		assert.False(t, frame.IsAck(buf[:n]))
	})
}

func TestVirtualPN532_DESFire(t *testing.T) {
	t.Parallel()

	uid := []byte{0x04, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66}

	t.Run("Empty_Field", func(t *testing.T) {
		t.Parallel()
		sim := NewVirtualPN532()
		data := roundTrip(t, sim, cmdInListPassiveTarget, []byte{0x01, 0x00})
		assert.Equal(t, []byte{0x00}, data)
	})

	t.Run("Target_Data", func(t *testing.T) {
		t.Parallel()
		sim := NewVirtualPN532()
		sim.SetCard(NewVirtualDESFire(uid))
		data := roundTrip(t, sim, cmdInListPassiveTarget, []byte{0x01, 0x00})

		require.Len(t, data, 6+len(uid)+6)
		assert.Equal(t, []byte{0x01, 0x01, 0x03, 0x44, 0x20, 0x07}, data[:6])
		assert.Equal(t, uid, data[6:13])
		assert.Equal(t, 1, sim.GetState().SelectedTarget)
	})

	t.Run("Random_ID", func(t *testing.T) {
		t.Parallel()
		sim := NewVirtualPN532()
		card := NewVirtualDESFire(uid)
		card.RandomID = true
		sim.SetCard(card)
		data := roundTrip(t, sim, cmdInListPassiveTarget, []byte{0x01, 0x00})
		assert.Equal(t, byte(0x04), data[5])
		assert.Equal(t, byte(0x08), data[6])
	})

	t.Run("Exchange_Without_Target", func(t *testing.T) {
		t.Parallel()
		sim := NewVirtualPN532()
		data := roundTrip(t, sim, cmdInDataExchange, []byte{0x01, 0x6E})
		assert.Equal(t, []byte{errTarget}, data)
	})

	t.Run("Exchange_Routes_To_Card", func(t *testing.T) {
		t.Parallel()
		sim := NewVirtualPN532()
		sim.SetCard(NewVirtualDESFire(uid))
		roundTrip(t, sim, cmdInListPassiveTarget, []byte{0x01, 0x00})
		data := roundTrip(t, sim, cmdInDataExchange, []byte{0x01, 0x6E})
		assert.Equal(t, []byte{0x00, cardSuccess, 0x00, 0x10, 0x00}, data)
	})

	t.Run("Injected_Timeout", func(t *testing.T) {
		t.Parallel()
		sim := NewVirtualPN532()
		sim.SetCard(NewVirtualDESFire(uid))
		roundTrip(t, sim, cmdInListPassiveTarget, []byte{0x01, 0x00})
		sim.InjectTimeout()
		data := roundTrip(t, sim, cmdInDataExchange, []byte{0x01, 0x6E})
		assert.Equal(t, []byte{errTimeout}, data)
	})

	t.Run("RF_Off_Deselects", func(t *testing.T) {
		t.Parallel()
		sim := NewVirtualPN532()
		sim.SetCard(NewVirtualDESFire(uid))
		roundTrip(t, sim, cmdInListPassiveTarget, []byte{0x01, 0x00})
		roundTrip(t, sim, cmdRFConfiguration, []byte{0x01, 0x00})
		state := sim.GetState()
		assert.False(t, state.RFFieldOn)
		assert.Zero(t, state.SelectedTarget)
	})

	t.Run("Release", func(t *testing.T) {
		t.Parallel()
		sim := NewVirtualPN532()
		sim.SetCard(NewVirtualDESFire(uid))
		roundTrip(t, sim, cmdInListPassiveTarget, []byte{0x01, 0x00})
		data := roundTrip(t, sim, cmdInRelease, []byte{0x01})
		assert.Equal(t, []byte{0x00}, data)
		assert.Zero(t, sim.GetState().SelectedTarget)
	})
}
