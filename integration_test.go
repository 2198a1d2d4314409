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

package desfire_test

import (
	"context"
	"testing"

	"github.com/ZaparooProject/go-desfire"
	virt "github.com/ZaparooProject/go-desfire/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUID = []byte{0x04, 0x52, 0x7A, 0x9A, 0xBC, 0x61, 0x80}

type rig struct {
	sim       *virt.VirtualPN532
	transport *virt.SimulatorTransport
	card      *virt.VirtualDESFire
	ctrl      *desfire.Controller
}

// newRig brings up a controller over the wire simulator with one card in
// the field.
func newRig(t *testing.T) *rig {
	t.Helper()

	card := virt.NewVirtualDESFire(testUID)
	card.AppIDs = []uint32{0x000001, 0xF48EF0}
	sim := virt.NewVirtualPN532()
	sim.SetCard(card)
	transport := virt.NewSimulatorTransport(sim)
	ctrl := desfire.NewController(transport)

	_, err := ctrl.Init(context.Background())
	require.NoError(t, err)
	return &rig{sim: sim, transport: transport, card: card, ctrl: ctrl}
}

func (r *rig) activate(t *testing.T) *desfire.Card {
	t.Helper()

	target, err := r.ctrl.ReadPassiveTarget(context.Background())
	require.NoError(t, err)
	require.True(t, target.Type.IsDesfire())
	return desfire.NewCard(r.ctrl)
}

func TestControllerInitOverWire(t *testing.T) {
	t.Parallel()

	sim := virt.NewVirtualPN532()
	sim.SetFirmwareVersion(0x32, 0x01, 0x06, 0x07)
	transport := virt.NewSimulatorTransport(sim)

	fw, err := desfire.NewController(transport).Init(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.6", fw.Version)
	assert.True(t, fw.SupportIso14443a)

	state := sim.GetState()
	assert.True(t, state.SAMConfigured)
	assert.Equal(t, []byte{0x02, 0x14, 0x32}, sim.Commands())
}

func TestControllerRejectsOtherChip(t *testing.T) {
	t.Parallel()

	sim := virt.NewVirtualPN532()
	sim.SetFirmwareVersion(0x33, 0x01, 0x06, 0x07)

	_, err := desfire.NewController(virt.NewSimulatorTransport(sim)).Init(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected IC: 33")
}

func TestDetectDesfire(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	target, err := r.ctrl.ReadPassiveTarget(context.Background())
	require.NoError(t, err)
	assert.Equal(t, desfire.CardTypeDesfire, target.Type)
	assert.Equal(t, testUID, target.UID)
	assert.Equal(t, uint16(0x0344), target.ATQA)
	assert.Equal(t, byte(0x20), target.SAK)
	assert.Equal(t, byte(1), target.Number)
	assert.NotEmpty(t, target.ATS)

	require.NoError(t, r.ctrl.Release(context.Background(), target.Number))
	assert.Equal(t, 0, r.sim.GetState().SelectedTarget)
}

func TestDetectRandomID(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	r.card.RandomID = true
	target, err := r.ctrl.ReadPassiveTarget(context.Background())
	require.NoError(t, err)
	assert.Equal(t, desfire.CardTypeDesfireRandom, target.Type)
	assert.Len(t, target.UID, 4)
}

func TestDetectEmptyField(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	r.card.Present = false
	_, err := r.ctrl.ReadPassiveTarget(context.Background())
	require.ErrorIs(t, err, desfire.ErrNoCard)
}

func TestReadCardOverWire(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	r.card.SetKeyVersion(1, 0x07)
	card := r.activate(t)
	ctx := context.Background()

	version, err := card.GetCardVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, testUID, version.UID[:])
	assert.Equal(t, byte(0x04), version.Hardware.VendorID)
	assert.Equal(t, 4096, version.Hardware.StorageBytes())
	assert.Equal(t, [5]byte{0xBA, 0x55, 0x40, 0x11, 0x22}, version.BatchNo)
	assert.Equal(t, byte(0x15), version.ProductionWeek)
	assert.Equal(t, byte(0x19), version.ProductionYear)

	free, err := card.GetFreeMemory(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(4096), free)

	aids, err := card.GetApplicationIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []desfire.AppID{0x000001, 0xF48EF0}, aids)

	settings, err := card.GetKeySettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, byte(0x0F), settings.Flags)
	assert.Equal(t, byte(1), settings.MaxKeys)
	assert.Equal(t, desfire.KeyTypeAES, settings.KeyType)

	require.NoError(t, card.SelectApplication(ctx, 0xF48EF0))
	assert.Equal(t, uint32(0xF48EF0), r.card.Selected())
	assert.Equal(t, desfire.AppID(0xF48EF0), card.Session().Application())

	keyVersion, err := card.GetKeyVersion(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, byte(0x07), keyVersion)

	_, err = card.GetKeyVersion(ctx, 5)
	status, ok := desfire.CardStatus(err)
	require.True(t, ok)
	assert.Equal(t, desfire.StatusKeyDoesNotExist, status)
}

func TestManyApplicationsOverWire(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	want := make([]desfire.AppID, 0, 28)
	r.card.AppIDs = nil
	for i := uint32(1); i <= 28; i++ {
		r.card.AppIDs = append(r.card.AppIDs, 0x100000+i)
		want = append(want, desfire.AppID(0x100000+i))
	}

	aids, err := r.activate(t).GetApplicationIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, aids)
	// the virtual card splits the list, so the continuation went over the wire
	received := r.card.Received()
	require.Len(t, received, 2)
	assert.Equal(t, []byte{desfire.InsAdditionalFrame}, received[1])
}

func TestSelectMissingApplication(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	card := r.activate(t)
	err := card.SelectApplication(context.Background(), 0x123456)
	status, ok := desfire.CardStatus(err)
	require.True(t, ok)
	assert.Equal(t, desfire.StatusAppNotFound, status)
	assert.Equal(t, desfire.AppID(0), card.Session().Application())
}

func TestScriptedCardErrorOverWire(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	card := r.activate(t)
	r.card.Script(virt.CardReply{Status: byte(desfire.StatusPermissionDenied)})

	_, err := card.GetFreeMemory(context.Background())
	var cardErr *desfire.CardError
	require.ErrorAs(t, err, &cardErr)
	assert.Equal(t, desfire.InsFreeMemory, cardErr.Command)
	assert.Equal(t, desfire.StatusPermissionDenied, cardErr.Status)
	assert.False(t, desfire.IsRetryable(err))
}

func TestControllerErrorsOverWire(t *testing.T) {
	t.Parallel()

	t.Run("timeout", func(t *testing.T) {
		t.Parallel()

		r := newRig(t)
		card := r.activate(t)
		r.sim.InjectTimeout()

		_, err := card.GetFreeMemory(context.Background())
		var ce *desfire.ControllerError
		require.ErrorAs(t, err, &ce)
		assert.True(t, ce.IsTimeout())
		assert.Equal(t, byte(0x01), card.LastControllerError())
		assert.True(t, desfire.IsRetryable(err))

		// the next exchange works and clears the recorded error
		_, err = card.GetFreeMemory(context.Background())
		require.NoError(t, err)
		assert.Equal(t, byte(0), card.LastControllerError())
	})

	t.Run("card removed", func(t *testing.T) {
		t.Parallel()

		r := newRig(t)
		card := r.activate(t)
		r.card.Present = false

		_, err := card.GetKeySettings(context.Background())
		var ce *desfire.ControllerError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, byte(0x2B), ce.Code)
	})

	t.Run("no target selected", func(t *testing.T) {
		t.Parallel()

		r := newRig(t)
		card := desfire.NewCard(r.ctrl)

		_, err := card.GetFreeMemory(context.Background())
		var ce *desfire.ControllerError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, byte(0x29), card.LastControllerError())
	})
}

func TestGarbledResponseIsRecovered(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	card := r.activate(t)
	r.sim.InjectNACK()

	free, err := card.GetFreeMemory(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(4096), free)
	// the controller retransmitted, the card saw the command once
	assert.Len(t, r.card.Received(), 1)
}

func TestPersistentChecksumError(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	card := r.activate(t)
	r.sim.InjectChecksumError()

	_, err := card.GetFreeMemory(context.Background())
	require.ErrorIs(t, err, desfire.ErrChecksumMismatch)
	assert.Len(t, r.card.Received(), 1)
}

func TestSwitchOffRFFieldOverWire(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	card := r.activate(t)
	require.NoError(t, card.SelectApplication(context.Background(), 0x000001))

	require.NoError(t, card.SwitchOffRFField(context.Background()))
	state := r.sim.GetState()
	assert.False(t, state.RFFieldOn)
	assert.Equal(t, 0, state.SelectedTarget)
	assert.False(t, card.Session().Authenticated())
	assert.Equal(t, desfire.AppID(0), card.Session().Application())
}

func TestClosedTransport(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	card := r.activate(t)
	require.NoError(t, r.ctrl.Close())
	assert.False(t, r.transport.IsConnected())

	_, err := card.GetFreeMemory(context.Background())
	require.ErrorIs(t, err, desfire.ErrTransportClosed)
}
