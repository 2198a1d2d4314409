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
	"fmt"
	"os"
)

// debugEnabled sends debug lines to stdout. DESFIRE_DEBUG or DEBUG in the
// environment turns it on at startup. The session log, when open, receives
// every line regardless.
var debugEnabled = os.Getenv("DESFIRE_DEBUG") != "" || os.Getenv("DEBUG") != ""

func SetDebugEnabled(enabled bool) {
	debugEnabled = enabled
}

// debugActive reports whether a debug line would be written anywhere, so
// callers can skip building expensive messages.
func debugActive() bool {
	return debugEnabled || activeLog != nil
}

func Debugf(format string, args ...any) {
	if debugActive() {
		emit(fmt.Sprintf(format, args...))
	}
}

// DebugHex logs data in the notation used by wire traces.
func DebugHex(label string, data []byte) {
	if debugActive() {
		emit(label + ": " + formatHexBytes(data))
	}
}

func emit(message string) {
	if activeLog != nil {
		activeLog.writeLine(message)
	}
	if debugEnabled {
		_, _ = fmt.Printf("DEBUG: %s\n", message)
	}
}
