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
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.bug.st/serial"

	desfire "github.com/ZaparooProject/go-desfire"
	"github.com/ZaparooProject/go-desfire/internal/config"
	"github.com/ZaparooProject/go-desfire/transport/i2c"
	"github.com/ZaparooProject/go-desfire/transport/pcsc"
	"github.com/ZaparooProject/go-desfire/transport/spi"
	"github.com/ZaparooProject/go-desfire/transport/uart"
)

// options is the merged result of the config file and the command line.
type options struct {
	cfg       *config.Config
	crashDir  string
	listPorts bool
	stress    int
	wait      time.Duration
}

// openFunc opens the transport described by cfg.
type openFunc func(cfg *config.Config) (desfire.Transport, error)

func parseArgs(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("desfire-tool", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		configPath = fs.String("config", "", "YAML configuration file")
		transport  = fs.String("transport", "", "Transport type: uart, i2c, spi or pcsc (inferred from -device if empty)")
		device     = fs.String("device", "", "Serial port, I2C/SPI bus or PC/SC reader name")
		timeout    = fs.Duration("timeout", 0, "Transport response timeout (0 keeps the transport default)")
		debug      = fs.Bool("debug", false, "Enable debug output")
		logFile    = fs.String("log-file", "", "Append debug output to this file")
		retries    = fs.Int("retries", 0, "Controller bring-up attempts")
		app        = fs.String("app", "", "Application ID to select, as hex")
		keys       = fs.String("keys", "", "Comma separated key numbers whose versions are printed")
		listFlag   = fs.Bool("list-ports", false, "List serial ports and PC/SC readers, then exit")
		stress     = fs.Int("stress", 0, "Repeat the card read this many times and report failures")
		wait       = fs.Duration("wait", 30*time.Second, "How long to wait for a card")
		crashDir   = fs.String("crash-dir", ".", "Directory for stress test crash reports")
	)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	var keyErr error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "transport":
			cfg.Transport.Type = *transport
		case "device":
			cfg.Transport.Path = *device
		case "timeout":
			cfg.Transport.Timeout = *timeout
		case "debug":
			cfg.Debug = *debug
		case "log-file":
			cfg.LogFile = *logFile
		case "retries":
			cfg.Retries = *retries
		case "app":
			cfg.Card.Application = *app
		case "keys":
			cfg.Card.KeyNumbers, keyErr = parseKeyList(*keys)
		}
	})
	if keyErr != nil {
		return nil, keyErr
	}
	if cfg.Transport.Type == "" {
		cfg.Transport.Type = config.InferTransport(cfg.Transport.Path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &options{
		cfg:       cfg,
		crashDir:  *crashDir,
		listPorts: *listFlag,
		stress:    *stress,
		wait:      *wait,
	}, nil
}

func parseKeyList(s string) ([]int, error) {
	var keys []int
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		k, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("invalid key number %q: %w", field, err)
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// openTransport creates the transport named by cfg.Transport.Type.
func openTransport(cfg *config.Config) (desfire.Transport, error) {
	var (
		t   desfire.Transport
		err error
	)
	switch cfg.Transport.Type {
	case config.TransportUART:
		t, err = uart.New(cfg.Transport.Path)
	case config.TransportI2C:
		t, err = i2c.New(cfg.Transport.Path)
	case config.TransportSPI:
		t, err = spi.New(cfg.Transport.Path)
	case config.TransportPCSC:
		t, err = pcsc.New(cfg.Transport.Path)
	default:
		return nil, fmt.Errorf("unsupported transport type: %s", cfg.Transport.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s transport: %w", cfg.Transport.Type, err)
	}
	if cfg.Transport.Timeout > 0 {
		if err := t.SetTimeout(cfg.Transport.Timeout); err != nil {
			_ = t.Close()
			return nil, fmt.Errorf("failed to set timeout: %w", err)
		}
	}
	return t, nil
}

// connect opens the transport and initialises the controller, retrying
// transient failures with a fresh transport each time.
func connect(ctx context.Context, cfg *config.Config, open openFunc) (*desfire.Controller, *desfire.FirmwareVersion, error) {
	var (
		ctrl *desfire.Controller
		fw   *desfire.FirmwareVersion
	)
	policy := desfire.ConnectionRetryConfig(cfg.Retries)
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		_, _ = fmt.Fprintf(os.Stderr, "PN532 on %s not ready (attempt %d/%d): %v; retrying in %v\n",
			cfg.Transport.Path, attempt, policy.MaxAttempts, err, wait.Round(time.Millisecond))
	}
	err := desfire.RetryWithConfig(ctx, policy, func() error {
		t, err := open(cfg)
		if err != nil {
			return err
		}
		c := desfire.NewController(t)
		v, err := c.Init(ctx)
		if err != nil {
			_ = c.Close()
			return err
		}
		ctrl, fw = c, v
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to PN532: %w", err)
	}
	return ctrl, fw, nil
}

// waitForCard polls until a DESFire card is in the field.
func waitForCard(ctx context.Context, ctrl *desfire.Controller, wait time.Duration) (*desfire.Target, error) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	for {
		target, err := ctrl.ReadPassiveTarget(ctx)
		switch {
		case desfire.IsFatal(err):
			return nil, fmt.Errorf("PN532 lost while waiting for a card: %w", err)
		case err == nil && target.Type.IsDesfire():
			return target, nil
		case err == nil:
			desfire.Debugf("ignoring non-DESFire card %X", target.UID)
			_ = ctrl.Release(ctx, target.Number)
		case !errors.Is(err, desfire.ErrNoCard) && !desfire.IsRetryable(err):
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("no DESFire card found: %w", ctx.Err())
		}
	}
}

func listPorts(w io.Writer) error {
	ports, err := serial.GetPortsList()
	if err != nil {
		return fmt.Errorf("failed to list serial ports: %w", err)
	}
	_, _ = fmt.Fprintln(w, "Serial ports:")
	for _, p := range ports {
		_, _ = fmt.Fprintf(w, "  %s\n", p)
	}

	readers, err := pcsc.ListReaders()
	if err != nil {
		// no PC/SC daemon is a normal setup for serial users
		desfire.Debugf("PC/SC unavailable: %v", err)
		return nil
	}
	_, _ = fmt.Fprintln(w, "PC/SC readers:")
	for i, r := range readers {
		_, _ = fmt.Fprintf(w, "  %d: %s\n", i, r)
	}
	return nil
}

func run(ctx context.Context, opts *options, open openFunc, stdout io.Writer) error {
	if opts.listPorts {
		return listPorts(stdout)
	}

	ctrl, fw, err := connect(ctx, opts.cfg, open)
	if err != nil {
		return err
	}
	defer func() {
		if err := ctrl.Close(); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Failed to close transport: %v\n", err)
		}
	}()
	_, _ = fmt.Fprintf(stdout, "PN532 firmware %s over %s\n", fw.Version, ctrl.Transport().Type())
	desfire.Debugf("connected to %s %s, firmware %s", ctrl.Transport().Type(), opts.cfg.Transport.Path, fw.Version)

	_, _ = fmt.Fprintln(stdout, "Waiting for a DESFire card...")
	target, err := waitForCard(ctx, ctrl, opts.wait)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(stdout, "Card %X (%s)\n", target.UID, target.Type)

	card := desfire.NewCard(ctrl)
	defer func() {
		_ = card.SwitchOffRFField(context.WithoutCancel(ctx))
	}()

	if opts.stress > 0 {
		_, err := runStress(ctx, card, opts.stress, opts.crashDir, stdout)
		return err
	}
	return inspect(ctx, card, opts.cfg.Card, stdout)
}

func main() {
	os.Exit(mainWithExitCode(os.Args[1:]))
}

func mainWithExitCode(args []string) int {
	opts, err := parseArgs(args, os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	if opts.cfg.Debug {
		desfire.SetDebugEnabled(true)
	}
	if opts.cfg.LogFile != "" {
		if err := openSessionLog(opts.cfg.LogFile); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		defer func() { _ = desfire.CloseSessionLog() }()
		_, _ = fmt.Fprintf(os.Stderr, "Session log: %s\n", desfire.GetSessionLogPath())
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err = run(ctx, opts, openTransport, os.Stdout)
	code := exitCode(err)
	if code != 0 {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if trace := desfire.GetTrace(err); trace != nil {
			_, _ = fmt.Fprint(os.Stderr, trace.FormatTrace())
		}
	}
	return code
}

// openSessionLog appends to path, or starts a timestamped log inside it
// when path is a directory.
func openSessionLog(path string) error {
	var err error
	if info, statErr := os.Stat(path); statErr == nil && info.IsDir() {
		_, err = desfire.InitSessionLog(path)
	} else {
		_, err = desfire.OpenSessionLog(path)
	}
	return err
}

// exitCode maps a run error to the process status. 3 tells a supervising
// script the reader is gone and should be reopened rather than retried.
func exitCode(err error) int {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return 0
	case desfire.IsFatal(err):
		return 3
	default:
		return 1
	}
}
