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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	desfire "github.com/ZaparooProject/go-desfire"
)

// StressResult summarises a stress run against one card.
type StressResult struct {
	UID       string
	CrashFile string
	Passed    int
	Failed    int
	Duration  time.Duration
}

// CrashReport contains everything needed to debug a failed iteration.
type CrashReport struct {
	Timestamp    time.Time  `json:"timestamp"`
	CardUID      string     `json:"card_uid"`
	Operation    string     `json:"operation"`
	Error        string     `json:"error"`
	CardStatus   string     `json:"card_status,omitempty"`
	Transport    string     `json:"transport,omitempty"`
	WireTrace    []string   `json:"wire_trace,omitempty"`
	OperationLog []LogEntry `json:"operation_log"`
	Iteration    int        `json:"iteration"`
}

// LogEntry represents a single operation in the log.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Operation string    `json:"operation"`
	Error     string    `json:"error,omitempty"`
	Success   bool      `json:"success"`
}

// stressOp is one read performed per iteration. Its rendered result must
// match the first iteration so a silently corrupted response is caught.
type stressOp struct {
	run  func(ctx context.Context) (string, error)
	name string
}

func stressOps(card *desfire.Card) []stressOp {
	return []stressOp{
		{name: "GetVersion", run: func(ctx context.Context) (string, error) {
			v, err := card.GetCardVersion(ctx)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%X", v.UID), nil
		}},
		{name: "FreeMemory", run: func(ctx context.Context) (string, error) {
			free, err := card.GetFreeMemory(ctx)
			return fmt.Sprint(free), err
		}},
		{name: "GetApplicationIDs", run: func(ctx context.Context) (string, error) {
			aids, err := card.GetApplicationIDs(ctx)
			return fmt.Sprint(aids), err
		}},
		{name: "GetKeySettings", run: func(ctx context.Context) (string, error) {
			ks, err := card.GetKeySettings(ctx)
			return fmt.Sprint(ks), err
		}},
	}
}

// runStress repeats the card reads. A failed iteration is counted and the
// run goes on, with the first failure written as a crash report into
// crashDir. Losing the controller ends the run at once.
func runStress(ctx context.Context, card *desfire.Card, iterations int, crashDir string, w io.Writer) (*StressResult, error) {
	_, _ = fmt.Fprintf(w, "Stress test: %d iterations\n", iterations)

	result := &StressResult{}
	started := time.Now()
	defer func() { result.Duration = time.Since(started) }()

	ops := stressOps(card)
	baseline := make(map[string]string, len(ops))
	var (
		opLog    []LogEntry
		firstErr error
	)

	for i := range iterations {
		err := runIteration(ctx, ops, baseline, &opLog, result)
		if err == nil {
			result.Passed++
			continue
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		result.Failed++
		desfire.Debugf("stress iteration %d failed: %v", i, err)
		if firstErr == nil {
			firstErr = fmt.Errorf("iteration %d: %w", i, err)
			op := opLog[len(opLog)-1].Operation
			path, werr := writeCrashReport(crashDir, newCrashReport(result.UID, op, i, err, opLog))
			if werr != nil {
				return result, werr
			}
			result.CrashFile = path
		}
		if desfire.IsFatal(err) {
			printStressSummary(w, result)
			return result, fmt.Errorf("PN532 lost at iteration %d: %w", i, err)
		}
	}
	printStressSummary(w, result)
	return result, firstErr
}

// runIteration performs every op once and stops at the first failure.
func runIteration(ctx context.Context, ops []stressOp, baseline map[string]string, opLog *[]LogEntry, result *StressResult) error {
	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return err
		}
		got, err := op.run(ctx)
		if err == nil {
			if want, seen := baseline[op.name]; seen && want != got {
				err = fmt.Errorf("%w: %s changed from %s to %s", desfire.ErrIntegrity, op.name, want, got)
			}
			baseline[op.name] = got
		}
		*opLog = append(*opLog, LogEntry{
			Timestamp: time.Now(),
			Operation: op.name,
			Success:   err == nil,
			Error:     errString(err),
		})
		if len(*opLog) > 32 {
			*opLog = (*opLog)[1:]
		}
		if err != nil {
			return fmt.Errorf("%s: %w", op.name, err)
		}
		if op.name == "GetVersion" {
			result.UID = got
		}
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func newCrashReport(uid, operation string, iteration int, err error, opLog []LogEntry) *CrashReport {
	report := &CrashReport{
		Timestamp:    time.Now(),
		CardUID:      uid,
		Operation:    operation,
		Iteration:    iteration,
		Error:        err.Error(),
		OperationLog: append([]LogEntry(nil), opLog...),
	}
	if status, ok := desfire.CardStatus(err); ok {
		report.CardStatus = status.String()
	}
	if trace := desfire.GetTrace(err); trace != nil {
		report.Transport = trace.Transport + " " + trace.Port
		for _, entry := range trace.Trace {
			report.WireTrace = append(report.WireTrace, entry.String())
		}
	}
	return report
}

func writeCrashReport(dir string, report *CrashReport) (string, error) {
	uid := report.CardUID
	if uid == "" {
		uid = "unknown"
	}
	name := fmt.Sprintf("stress_crash_%s_%s.json", uid, report.Timestamp.Format("20060102_150405"))
	path := filepath.Join(dir, name)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal crash report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write crash report: %w", err)
	}
	return path, nil
}

func printStressSummary(w io.Writer, result *StressResult) {
	status := "PASS"
	if result.Failed > 0 {
		status = "FAIL"
	}
	_, _ = fmt.Fprintln(w, strings.Repeat("=", 40))
	_, _ = fmt.Fprintf(w, "[%s] %s: %d iterations passed\n", status, result.UID, result.Passed)
	if result.CrashFile != "" {
		_, _ = fmt.Fprintf(w, "Crash report: %s\n", result.CrashFile)
	}
}
