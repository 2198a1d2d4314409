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
	"io"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

// sessionLog is the file every debug line is appended to while open,
// whether or not console debugging is on.
type sessionLog struct {
	started time.Time
	file    *os.File
	w       io.Writer
	path    string
	lines   int
}

var activeLog *sessionLog

// InitSessionLog opens desfire_<timestamp>.log in dir and returns its path.
func InitSessionLog(dir string) (string, error) {
	name := "desfire_" + time.Now().Format("20060102_150405") + ".log"
	return OpenSessionLog(filepath.Join(dir, name))
}

// OpenSessionLog appends debug output to path, closing any log already open.
func OpenSessionLog(path string) (string, error) {
	if err := CloseSessionLog(); err != nil {
		return "", err
	}

	//nolint:gosec // the path comes from the operator's configuration
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return "", fmt.Errorf("failed to create session log: %w", err)
	}
	activeLog = &sessionLog{started: time.Now(), file: f, w: f, path: path}
	activeLog.header()
	return path, nil
}

// CloseSessionLog writes the footer and closes the log. It is a no-op when
// no log is open.
func CloseSessionLog() error {
	l := activeLog
	if l == nil {
		return nil
	}
	activeLog = nil

	_, _ = fmt.Fprintf(l.w, "\n%s === Session ended after %v, %d debug lines ===\n",
		time.Now().Format("15:04:05.000"), time.Since(l.started).Round(time.Millisecond), l.lines)
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close session log: %w", err)
	}
	return nil
}

// GetSessionLogPath returns the path of the open session log, or "".
func GetSessionLogPath() string {
	if activeLog == nil {
		return ""
	}
	return activeLog.path
}

func (l *sessionLog) header() {
	module := "go-desfire (devel)"
	if bi, ok := debug.ReadBuildInfo(); ok {
		module = bi.Main.Path + " " + bi.Main.Version
	}
	_, _ = fmt.Fprintf(l.w, "=== DESFire Debug Session Log ===\n"+
		"Started: %s\nModule: %s\nPID: %d\nOS: %s/%s, %s\nCommand Line: %s\n\n",
		l.started.Format(time.RFC3339), module, os.Getpid(),
		runtime.GOOS, runtime.GOARCH, runtime.Version(), strings.Join(os.Args, " "))
}

func (l *sessionLog) writeLine(message string) {
	l.lines++
	_, _ = fmt.Fprintf(l.w, "%s DEBUG: %s\n", time.Now().Format("15:04:05.000"), message)
}
