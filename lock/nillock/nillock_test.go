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
package nillock

import (
	"context"
	"errors"
	"testing"

	"github.com/rivian/statelock/lock"
)

func TestAcquireAlwaysSucceeds(t *testing.T) {
	l := New()
	ctx := context.Background()

	first, err := l.Acquire(ctx, "state", "host-x")
	if err != nil {
		t.Fatalf("expected acquire to succeed, got %v", err)
	}
	second, err := l.Acquire(ctx, "state", "host-y")
	if err != nil {
		t.Fatalf("expected overlapping acquire to succeed, got %v", err)
	}

	if err := l.Release(ctx, first); err != nil {
		t.Errorf("expected release to succeed, got %v", err)
	}
	if err := l.Release(ctx, second); err != nil {
		t.Errorf("expected release to succeed, got %v", err)
	}
}

func TestInspectNeverReportsAHolder(t *testing.T) {
	l := New()
	if _, err := l.Inspect(context.Background(), "state"); !errors.Is(err, lock.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
