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
	"errors"
	"fmt"
	"strings"
	"time"
)

// TraceDirection is the side of the wire a traced frame travelled.
type TraceDirection string

const (
	TraceTX TraceDirection = "TX" // host to PN532
	TraceRX TraceDirection = "RX" // PN532 to host
)

// maxTracedBytes caps the bytes rendered per frame.
const maxTracedBytes = 32

// TraceEntry is one raw frame, or a missing one, seen by a transport.
type TraceEntry struct {
	Timestamp time.Time
	Direction TraceDirection
	Note      string
	Data      []byte
}

func (e TraceEntry) String() string {
	s := fmt.Sprintf("[%s] %s: %s", e.Timestamp.Format("15:04:05.000"), e.Direction, formatHexBytes(e.Data))
	if e.Note != "" {
		s += " (" + e.Note + ")"
	}
	return s
}

// TraceableError carries the frames a transport exchanged before err, so a
// failed exchange can be diagnosed without re-running it with debug on:
//
//	if trace := desfire.GetTrace(err); trace != nil {
//	    fmt.Fprint(os.Stderr, trace.FormatTrace())
//	}
type TraceableError struct {
	Err       error
	Transport string
	Port      string
	Trace     []TraceEntry
}

func (e *TraceableError) Error() string { return e.Err.Error() }

func (e *TraceableError) Unwrap() error { return e.Err }

// FormatTrace renders the frames oldest first, one per line.
func (e *TraceableError) FormatTrace() string {
	header := fmt.Sprintf("[%s:%s]", e.Transport, e.Port)
	if len(e.Trace) == 0 {
		return header + " (no trace data)"
	}

	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "%s Wire trace (%d entries):\n", header, len(e.Trace))
	for _, entry := range e.Trace {
		arrow := '>'
		if entry.Direction == TraceRX {
			arrow = '<'
		}
		_, _ = fmt.Fprintf(&sb, "  %c %s", arrow, formatHexBytes(entry.Data))
		if entry.Note != "" {
			_, _ = fmt.Fprintf(&sb, " (%s)", entry.Note)
		}
		_ = sb.WriteByte('\n')
	}
	return sb.String()
}

func formatHexBytes(data []byte) string {
	switch {
	case len(data) == 0:
		return "(empty)"
	case len(data) > maxTracedBytes:
		return fmt.Sprintf("% X ... (%d bytes total)", data[:maxTracedBytes], len(data))
	default:
		return fmt.Sprintf("% X", data)
	}
}

// TraceBuffer keeps the last frames of the exchange in flight. Transports
// clear it before each command and attach it to whatever error ends the
// command. It is not safe for concurrent use; each transport owns one.
type TraceBuffer struct {
	transport string
	port      string
	ring      []TraceEntry
	next      int
	full      bool
}

// NewTraceBuffer keeps up to size frames; size <= 0 selects 16.
func NewTraceBuffer(transport, port string, size int) *TraceBuffer {
	if size <= 0 {
		size = 16
	}
	return &TraceBuffer{transport: transport, port: port, ring: make([]TraceEntry, size)}
}

func (tb *TraceBuffer) RecordTX(data []byte, note string) { tb.add(TraceTX, data, note) }

func (tb *TraceBuffer) RecordRX(data []byte, note string) { tb.add(TraceRX, data, note) }

// RecordTimeout marks a response that never arrived.
func (tb *TraceBuffer) RecordTimeout(note string) { tb.add(TraceRX, nil, "TIMEOUT: "+note) }

func (tb *TraceBuffer) add(dir TraceDirection, data []byte, note string) {
	tb.ring[tb.next] = TraceEntry{
		Timestamp: time.Now(),
		Direction: dir,
		Note:      note,
		Data:      append([]byte(nil), data...),
	}
	tb.next = (tb.next + 1) % len(tb.ring)
	if tb.next == 0 {
		tb.full = true
	}
}

// entries returns a copy of the ring, oldest first.
func (tb *TraceBuffer) entries() []TraceEntry {
	if !tb.full {
		return append([]TraceEntry(nil), tb.ring[:tb.next]...)
	}
	out := make([]TraceEntry, 0, len(tb.ring))
	out = append(out, tb.ring[tb.next:]...)
	return append(out, tb.ring[:tb.next]...)
}

// WrapError attaches the recorded frames to err. A nil err stays nil.
func (tb *TraceBuffer) WrapError(err error) error {
	if err == nil {
		return nil
	}
	return &TraceableError{Err: err, Transport: tb.transport, Port: tb.port, Trace: tb.entries()}
}

func (tb *TraceBuffer) Clear() {
	clear(tb.ring)
	tb.next = 0
	tb.full = false
}

// GetTrace returns the trace attached anywhere in err's chain, or nil.
func GetTrace(err error) *TraceableError {
	var te *TraceableError
	if errors.As(err, &te) {
		return te
	}
	return nil
}
