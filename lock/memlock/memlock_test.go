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
package memlock

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rivian/statelock/lock"
	"golang.org/x/sync/errgroup"
)

func TestAcquireAndRelease(t *testing.T) {
	l := New(Options{})
	ctx := context.Background()

	handle, err := l.Acquire(ctx, "state", "host-x")
	if err != nil {
		t.Fatalf("expected acquire to succeed, got %v", err)
	}

	record, err := l.Inspect(ctx, "state")
	if err != nil {
		t.Fatalf("expected inspect to succeed, got %v", err)
	}
	if record.Owner != "host-x" {
		t.Errorf("expected owner 'host-x', got %s", record.Owner)
	}

	if err := l.Release(ctx, handle); err != nil {
		t.Errorf("expected release to succeed, got %v", err)
	}
	if _, err := l.Inspect(ctx, "state"); !errors.Is(err, lock.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAcquireContention(t *testing.T) {
	l := New(Options{})
	ctx := context.Background()

	if _, err := l.Acquire(ctx, "state", "host-x"); err != nil {
		t.Fatalf("expected acquire to succeed, got %v", err)
	}

	_, err := l.Acquire(ctx, "state", "host-y")
	var held *lock.HeldError
	if !errors.As(err, &held) {
		t.Fatalf("expected a HeldError, got %v", err)
	}
	if held.Owner != "host-x" {
		t.Errorf("expected the holder to be 'host-x', got %s", held.Owner)
	}
}

func TestReleaseAfterForceReleaseReportsLockLost(t *testing.T) {
	l := New(Options{})
	ctx := context.Background()

	handle, err := l.Acquire(ctx, "state", "host-x")
	if err != nil {
		t.Fatalf("expected acquire to succeed, got %v", err)
	}
	if err := l.ForceRelease(ctx, "state"); err != nil {
		t.Fatalf("expected force release to succeed, got %v", err)
	}
	if _, err := l.Acquire(ctx, "state", "host-y"); err != nil {
		t.Fatalf("expected acquire after force release to succeed, got %v", err)
	}
	if err := l.Release(ctx, handle); !errors.Is(err, lock.ErrLockLost) {
		t.Errorf("expected ErrLockLost, got %v", err)
	}
}

func TestForceReleaseMissing(t *testing.T) {
	l := New(Options{})
	if err := l.ForceRelease(context.Background(), "state"); !errors.Is(err, lock.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestReclaimStale(t *testing.T) {
	l := New(Options{TTL: 20 * time.Millisecond, ReclaimStale: true})
	ctx := context.Background()

	abandoned, err := l.Acquire(ctx, "state", "host-x")
	if err != nil {
		t.Fatalf("expected acquire to succeed, got %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	handle, err := l.Acquire(ctx, "state", "host-y")
	if err != nil {
		t.Fatalf("expected the stale lock to be reclaimed, got %v", err)
	}
	if err := l.Release(ctx, abandoned); !errors.Is(err, lock.ErrLockLost) {
		t.Errorf("expected the abandoned handle to report ErrLockLost, got %v", err)
	}
	if err := l.Release(ctx, handle); err != nil {
		t.Errorf("expected release to succeed, got %v", err)
	}
}

func TestMutualExclusion(t *testing.T) {
	l := New(Options{})
	ctx := context.Background()

	var inside atomic.Int32
	var acquired atomic.Int32

	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < 32; i++ {
		owner := lock.NewOwner("contender")
		group.Go(func() error {
			for {
				handle, err := l.Acquire(ctx, "state", owner)
				if errors.Is(err, lock.ErrAlreadyLocked) || errors.Is(err, lock.ErrTransient) {
					time.Sleep(100 * time.Microsecond)
					continue
				}
				if err != nil {
					return err
				}
				if inside.Add(1) != 1 {
					return errors.New("two holders inside the critical section")
				}
				inside.Add(-1)
				acquired.Add(1)
				return l.Release(ctx, handle)
			}
		})
	}
	if err := group.Wait(); err != nil {
		t.Fatal(err)
	}
	if acquired.Load() != 32 {
		t.Errorf("expected 32 successful critical sections, got %d", acquired.Load())
	}
}
