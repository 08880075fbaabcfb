// Copyright 2023 Rivian Automotive, Inc.
// Licensed under the Apache License, Version 2.0 (the “License”);
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an “AS IS” BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package statelock

import (
	"math"
	"math/rand"
	"time"
)

const (
	DefaultBackoffBase   time.Duration = 100 * time.Millisecond
	DefaultBackoffFactor float64       = 1.5
	DefaultBackoffCap    time.Duration = 30 * time.Second

	minRandomNoiseMilliSec float64 = 50
	maxRandomNoiseMilliSec float64 = 250
)

// Backoff computes the wait between acquire retries. It is a pure function of
// the attempt number and its configuration; it holds no state.
type Backoff struct {
	// Base is the delay before the first retry.
	Base time.Duration
	// Factor is the multiplicative growth per attempt.
	Factor float64
	// Cap bounds the exponential term. Jitter is added on top of the cap.
	Cap time.Duration
}

// Sets the default options
func (b *Backoff) setOptionsDefaults() {
	if b.Base == 0 {
		b.Base = DefaultBackoffBase
	}
	if b.Factor == 0 {
		b.Factor = DefaultBackoffFactor
	}
	if b.Cap == 0 {
		b.Cap = DefaultBackoffCap
	}
}

// Delay returns the wait before retry number attempt (0-based).
// Computes base * (factor ^ attempt) + random noise, with the exponential
// term capped.
func (b Backoff) Delay(attempt int) time.Duration {
	delay := float64(b.Base) * math.Pow(b.Factor, float64(attempt))
	if b.Cap > 0 && delay > float64(b.Cap) {
		delay = float64(b.Cap)
	}
	noise := (rand.Float64()*(maxRandomNoiseMilliSec-minRandomNoiseMilliSec) + minRandomNoiseMilliSec) * float64(time.Millisecond)
	return time.Duration(delay + noise)
}
