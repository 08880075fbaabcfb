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
package lock

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRecordIsStale(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	record := Record{Identity: "state", Owner: "host-1", AcquiredAt: now.Add(-90 * time.Second)}

	if !record.IsStale(1*time.Minute, now) {
		t.Error("expected the record to be stale past the TTL")
	}
	if record.IsStale(2*time.Minute, now) {
		t.Error("expected the record to be fresh within the TTL")
	}
	if record.IsStale(0, now) {
		t.Error("expected a zero TTL to never report staleness")
	}
}

func TestHeldErrorUnwrapsToAlreadyLocked(t *testing.T) {
	err := error(&HeldError{Owner: "host-1", AcquiredAt: time.Now().UTC()})
	if !errors.Is(err, ErrAlreadyLocked) {
		t.Error("expected HeldError to match ErrAlreadyLocked")
	}

	var held *HeldError
	if !errors.As(err, &held) {
		t.Error("expected errors.As to recover the HeldError")
	}
	if held.Owner != "host-1" {
		t.Errorf("expected owner 'host-1', got %s", held.Owner)
	}
}

func TestHeldErrorMessageMentionsStaleness(t *testing.T) {
	fresh := &HeldError{Owner: "host-1", AcquiredAt: time.Now().UTC()}
	if strings.Contains(fresh.Error(), "stale") {
		t.Errorf("expected no staleness in %q", fresh.Error())
	}
	stale := &HeldError{Owner: "host-1", AcquiredAt: time.Now().UTC(), Stale: true}
	if !strings.Contains(stale.Error(), "stale") {
		t.Errorf("expected staleness in %q", stale.Error())
	}
}

func TestNewOwner(t *testing.T) {
	owner := NewOwner("worker")
	if !strings.HasPrefix(owner, "worker-") {
		t.Errorf("expected the hint prefix, got %s", owner)
	}
	if owner == NewOwner("worker") {
		t.Error("expected distinct owner identifiers per call")
	}
	if NewOwner("") == "" {
		t.Error("expected a non-empty owner without a hint")
	}
}
