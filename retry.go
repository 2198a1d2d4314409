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
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"
)

// RetryConfig is the caller-side policy for bringing a controller up or
// repeating a controller command. It is not applied to card exchanges: once
// a card command fails its session is gone and a resend would run unauthenticated.
type RetryConfig struct {
	// OnRetry, if set, is called before each wait with the failed attempt
	// (1-based), its error and the delay about to be slept.
	OnRetry func(attempt int, err error, wait time.Duration)

	MaxAttempts       int // 0 runs once without retrying
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	Jitter            float64       // extra random fraction of each delay, 0 to 1
	RetryTimeout      time.Duration // bounds all attempts together
}

func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    10 * time.Millisecond,
		MaxBackoff:        time.Second,
		BackoffMultiplier: 2,
		Jitter:            0.1,
		RetryTimeout:      5 * time.Second,
	}
}

// ConnectionRetryConfig returns the policy used while opening a controller.
// attempts <= 0 selects DefaultConnectionRetries.
func ConnectionRetryConfig(attempts int) *RetryConfig {
	if attempts <= 0 {
		attempts = DefaultConnectionRetries
	}
	return &RetryConfig{
		MaxAttempts:       attempts,
		InitialBackoff:    ConnectionInitialBackoff,
		MaxBackoff:        ConnectionMaxBackoff,
		BackoffMultiplier: ConnectionBackoffMultiplier,
		Jitter:            ConnectionJitter,
		RetryTimeout:      ConnectionRetryTimeout,
	}
}

// delay is the pause after the given failed attempt, before jitter.
func (c *RetryConfig) delay(attempt int) time.Duration {
	d := float64(c.InitialBackoff)
	for range attempt - 1 {
		d *= c.BackoffMultiplier
		if d >= float64(c.MaxBackoff) {
			return c.MaxBackoff
		}
	}
	return min(time.Duration(d), c.MaxBackoff)
}

// RetryWithConfig calls fn until it succeeds or fails in a way IsRetryable
// rejects. When the attempts or RetryTimeout run out, the last error of fn
// is returned. A lost device is never retried since IsRetryable rejects it.
func RetryWithConfig(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	if config.MaxAttempts <= 0 {
		return fn()
	}
	if config.RetryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.RetryTimeout)
		defer cancel()
	}

	var err error
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			if err == nil {
				err = fmt.Errorf("retry context cancelled: %w", ctx.Err())
			}
			return err
		}
		if err = fn(); err == nil || !IsRetryable(err) {
			return err
		}
		if attempt == config.MaxAttempts {
			Debugf("giving up after %d attempts: %v", attempt, err)
			return err
		}

		wait := jittered(config.delay(attempt), config.Jitter)
		Debugf("attempt %d/%d failed, next in %v: %v", attempt, config.MaxAttempts, wait, err)
		if config.OnRetry != nil {
			config.OnRetry(attempt, err, wait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

// jittered adds up to factor*base of random delay.
func jittered(base time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return base
	}
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return base
	}
	frac := float64(binary.LittleEndian.Uint64(b[:])>>11) / (1 << 53)
	return base + time.Duration(frac*factor*float64(base))
}
