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

// Package config loads the YAML configuration of the desfire tool.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Supported transport names
const (
	TransportUART = "uart"
	TransportI2C  = "i2c"
	TransportSPI  = "spi"
	TransportPCSC = "pcsc"
)

// MaxKeyNumber is the highest key number a DESFire application can hold.
const MaxKeyNumber = 13

// DefaultRetries is the number of controller bring-up attempts.
const DefaultRetries = 3

type Config struct {
	Transport TransportConfig `yaml:"transport"`
	LogFile   string          `yaml:"log_file"`
	Card      CardConfig      `yaml:"card"`
	Retries   int             `yaml:"retries"`
	Debug     bool            `yaml:"debug"`
}

type TransportConfig struct {
	Type    string        `yaml:"type"`
	Path    string        `yaml:"path"`
	Timeout time.Duration `yaml:"timeout"`
}

type CardConfig struct {
	// Application is a hex AID such as "000001" or "0xF48EF0".
	Application string `yaml:"application"`
	KeyNumbers  []int  `yaml:"key_numbers"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{Retries: DefaultRetries}
}

// Load reads path, applies it over the defaults and validates the result.
// An empty file yields the defaults.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	cfg := Default()
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.LogFile = resolvePath(filepath.Dir(path), cfg.LogFile)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	c.Transport.Type = strings.ToLower(strings.TrimSpace(c.Transport.Type))
	switch c.Transport.Type {
	case "", TransportUART, TransportI2C, TransportSPI, TransportPCSC:
	default:
		return fmt.Errorf("config.transport.type %q is not one of uart, i2c, spi, pcsc", c.Transport.Type)
	}
	if c.Transport.Type != "" && c.Transport.Type != TransportPCSC && strings.TrimSpace(c.Transport.Path) == "" {
		return fmt.Errorf("config.transport.path is required for %s", c.Transport.Type)
	}
	if c.Transport.Timeout < 0 {
		return fmt.Errorf("config.transport.timeout must be >= 0")
	}
	if c.Retries < 1 {
		return fmt.Errorf("config.retries must be >= 1")
	}
	if _, _, err := c.Card.ApplicationID(); err != nil {
		return err
	}
	for _, k := range c.Card.KeyNumbers {
		if k < 0 || k > MaxKeyNumber {
			return fmt.Errorf("config.card.key_numbers: %d must be 0..%d", k, MaxKeyNumber)
		}
	}
	return nil
}

// ApplicationID parses the configured AID. ok is false when no application
// is configured.
func (c CardConfig) ApplicationID() (aid uint32, ok bool, err error) {
	s := strings.TrimSpace(c.Application)
	if s == "" {
		return 0, false, nil
	}
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 24)
	if err != nil {
		return 0, false, fmt.Errorf("config.card.application %q must be a 3 byte hex AID", c.Application)
	}
	return uint32(v), true, nil
}

// InferTransport guesses the transport from a device path when no type is
// configured: I2C and SPI bus names contain their kind, anything else is a
// serial port.
func InferTransport(path string) string {
	lower := strings.ToLower(path)
	switch {
	case strings.Contains(lower, "i2c"):
		return TransportI2C
	case strings.Contains(lower, "spi"):
		return TransportSPI
	case path == "":
		return TransportPCSC
	default:
		return TransportUART
	}
}

func resolvePath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Clean(filepath.Join(baseDir, trimmed))
}
