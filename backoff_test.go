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
	"testing"
	"time"
)

func TestBackoffDefaults(t *testing.T) {
	var b Backoff
	b.setOptionsDefaults()
	if b.Base != DefaultBackoffBase {
		t.Errorf("expected base %s, got %s", DefaultBackoffBase, b.Base)
	}
	if b.Factor != DefaultBackoffFactor {
		t.Errorf("expected factor %f, got %f", DefaultBackoffFactor, b.Factor)
	}
	if b.Cap != DefaultBackoffCap {
		t.Errorf("expected cap %s, got %s", DefaultBackoffCap, b.Cap)
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Factor: 2, Cap: 10 * time.Second}

	for attempt := 0; attempt < 6; attempt++ {
		exponential := time.Duration(float64(b.Base) * pow(b.Factor, attempt))
		min := exponential + time.Duration(minRandomNoiseMilliSec)*time.Millisecond
		max := exponential + time.Duration(maxRandomNoiseMilliSec)*time.Millisecond
		for i := 0; i < 20; i++ {
			delay := b.Delay(attempt)
			if delay < min || delay > max {
				t.Errorf("attempt %d: delay %s outside [%s, %s]", attempt, delay, min, max)
			}
		}
	}
}

func TestBackoffDelayCapped(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Factor: 10, Cap: 1 * time.Second}

	// At attempt 3 the exponential term is 100s, far past the cap
	max := b.Cap + time.Duration(maxRandomNoiseMilliSec)*time.Millisecond
	for i := 0; i < 20; i++ {
		if delay := b.Delay(3); delay > max {
			t.Errorf("delay %s exceeds capped maximum %s", delay, max)
		}
	}
}

func pow(factor float64, attempt int) float64 {
	result := 1.0
	for i := 0; i < attempt; i++ {
		result *= factor
	}
	return result
}
