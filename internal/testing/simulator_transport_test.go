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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZaparooProject/go-desfire"
)

func TestSimulatorTransport_SendCommand(t *testing.T) {
	t.Parallel()

	t.Run("Firmware", func(t *testing.T) {
		t.Parallel()
		tr := NewSimulatorTransport(NewVirtualPN532())
		res, err := tr.SendCommand(context.Background(), cmdGetFirmwareVersion, nil)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x03, 0x32, 0x01, 0x06, 0x07}, res)
		assert.Equal(t, 1, tr.CommandCount(cmdGetFirmwareVersion))
	})

	t.Run("NACK_Recovers", func(t *testing.T) {
		t.Parallel()
		sim := NewVirtualPN532()
		sim.InjectNACK()
		tr := NewSimulatorTransport(sim)
		res, err := tr.SendCommand(context.Background(), cmdGetFirmwareVersion, nil)
		require.NoError(t, err)
		assert.Equal(t, byte(0x03), res[0])
	})

	t.Run("Persistent_Checksum_Error", func(t *testing.T) {
		t.Parallel()
		sim := NewVirtualPN532()
		sim.InjectChecksumError()
		tr := NewSimulatorTransport(sim)
		_, err := tr.SendCommand(context.Background(), cmdGetFirmwareVersion, nil)
		require.ErrorIs(t, err, desfire.ErrChecksumMismatch)
		var te *desfire.TransportError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, "simulator", te.Port)
	})

	t.Run("Missing_ACK", func(t *testing.T) {
		t.Parallel()
		sim := NewVirtualPN532()
		sim.DropNextACK()
		tr := NewSimulatorTransport(sim)
		_, err := tr.SendCommand(context.Background(), cmdGetFirmwareVersion, nil)
		assert.ErrorIs(t, err, desfire.ErrNoACK)
	})

	t.Run("Error_Frame", func(t *testing.T) {
		t.Parallel()
		tr := NewSimulatorTransport(NewVirtualPN532())
		_, err := tr.SendCommand(context.Background(), 0x06, []byte{0x63, 0x05})
		assert.ErrorIs(t, err, desfire.ErrErrorFrame)
	})

	t.Run("Closed", func(t *testing.T) {
		t.Parallel()
		tr := NewSimulatorTransport(NewVirtualPN532())
		require.NoError(t, tr.Close())
		assert.False(t, tr.IsConnected())
		_, err := tr.SendCommand(context.Background(), cmdGetFirmwareVersion, nil)
		assert.ErrorIs(t, err, desfire.ErrTransportClosed)
	})

	t.Run("Canceled_Context", func(t *testing.T) {
		t.Parallel()
		tr := NewSimulatorTransport(NewVirtualPN532())
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := tr.SendCommand(ctx, cmdGetFirmwareVersion, nil)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Empty(t, tr.CommandLog)
	})
}
