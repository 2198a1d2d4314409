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

package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	desfire "github.com/ZaparooProject/go-desfire"
	"github.com/ZaparooProject/go-desfire/internal/config"
)

// inspect prints what an unauthenticated reader can learn about a card.
func inspect(ctx context.Context, card *desfire.Card, cc config.CardConfig, w io.Writer) error {
	version, err := card.GetCardVersion(ctx)
	if err != nil {
		return err
	}
	printVersion(w, version)

	free, err := card.GetFreeMemory(ctx)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "Free memory: %d bytes\n", free)

	aids, err := card.GetApplicationIDs(ctx)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "Applications (%d):", len(aids))
	for _, aid := range aids {
		_, _ = fmt.Fprintf(w, " %06X", uint32(aid))
	}
	_, _ = fmt.Fprintln(w)

	if err := printKeys(ctx, card, "PICC", nil, w); err != nil {
		return err
	}

	aid, ok, err := cc.ApplicationID()
	if err != nil || !ok {
		return err
	}
	if err := card.SelectApplication(ctx, desfire.AppID(aid)); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "Selected application %06X\n", aid)
	return printKeys(ctx, card, fmt.Sprintf("%06X", aid), cc.KeyNumbers, w)
}

func printVersion(w io.Writer, v *desfire.CardVersion) {
	_, _ = fmt.Fprintf(w, "UID: %X\n", v.UID)
	_, _ = fmt.Fprintf(w, "Hardware: vendor %02X type %02X.%02X v%d.%d, %d bytes\n",
		v.Hardware.VendorID, v.Hardware.Type, v.Hardware.SubType,
		v.Hardware.MajorVersion, v.Hardware.MinorVersion, v.Hardware.StorageBytes())
	_, _ = fmt.Fprintf(w, "Software: vendor %02X type %02X.%02X v%d.%d\n",
		v.Software.VendorID, v.Software.Type, v.Software.SubType,
		v.Software.MajorVersion, v.Software.MinorVersion)
	_, _ = fmt.Fprintf(w, "Batch %X, produced week %02X of 20%02X\n",
		v.BatchNo, v.ProductionWeek, v.ProductionYear)
}

func printKeys(ctx context.Context, card *desfire.Card, label string, keys []int, w io.Writer) error {
	settings, err := card.GetKeySettings(ctx)
	var ce *desfire.CardError
	switch {
	case errors.As(err, &ce) && ce.IsPermissionDenied():
		// key settings readable only after authentication; key versions still are
		_, _ = fmt.Fprintf(w, "%s key settings: hidden\n", label)
	case err != nil:
		return err
	default:
		_, _ = fmt.Fprintf(w, "%s key settings: %02X, %d %s keys\n",
			label, settings.Flags, settings.MaxKeys, settings.KeyType)
	}

	for _, k := range keys {
		version, err := card.GetKeyVersion(ctx, desfire.KeyIndex(k))
		if status, ok := desfire.CardStatus(err); ok && status == desfire.StatusKeyDoesNotExist {
			_, _ = fmt.Fprintf(w, "  key %d: not present\n", k)
			continue
		}
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(w, "  key %d: version %02X\n", k, version)
	}
	return nil
}
