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

// Package memlock implements an in-process lock strategy. It provides no
// cross-process exclusion and exists for unit tests and single-process
// callers.
package memlock

import (
	"context"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rivian/statelock/lock"
)

type entry struct {
	record lock.Record
	token  string
}

// MemLock acquires locks by conditionally inserting entries into a
// concurrent map.
type MemLock struct {
	entries cmap.ConcurrentMap[string, entry]
	opts    Options
}

// Compile time check that MemLock implements lock.Locker
var _ lock.Locker = (*MemLock)(nil)

// Options contains settings that can be adjusted to change the behavior of a
// MemLock.
type Options struct {
	// TTL is the entry age beyond which other callers may treat the lock as
	// stale. Zero means locks never go stale.
	TTL time.Duration
	// ReclaimStale enables automatic recovery of stale entries during Acquire.
	ReclaimStale bool
}

// New creates a new MemLock instance.
func New(opts Options) *MemLock {
	l := new(MemLock)
	l.entries = cmap.New[entry]()
	l.opts = opts
	return l
}

// Acquire attempts a conditional insert into the map.
func (l *MemLock) Acquire(ctx context.Context, identity string, owner string) (*lock.Handle, error) {
	e := entry{
		record: lock.Record{Identity: identity, Owner: owner, AcquiredAt: time.Now().UTC()},
		token:  uuid.NewString(),
	}
	if l.entries.SetIfAbsent(identity, e) {
		return l.handle(e), nil
	}

	existing, ok := l.entries.Get(identity)
	if !ok {
		// Released between our insert attempt and the read; let the caller retry
		return nil, lock.ErrTransient
	}

	stale := existing.record.IsStale(l.opts.TTL, time.Now().UTC())
	if stale && l.opts.ReclaimStale {
		l.entries.RemoveCb(identity, func(_ string, v entry, exists bool) bool {
			return exists && v.token == existing.token
		})
		if l.entries.SetIfAbsent(identity, e) {
			return l.handle(e), nil
		}
		if existing, ok = l.entries.Get(identity); !ok {
			return nil, lock.ErrTransient
		}
		return nil, &lock.HeldError{Owner: existing.record.Owner, AcquiredAt: existing.record.AcquiredAt}
	}

	return nil, &lock.HeldError{Owner: existing.record.Owner, AcquiredAt: existing.record.AcquiredAt, Stale: stale}
}

func (l *MemLock) handle(e entry) *lock.Handle {
	return &lock.Handle{
		Identity:     e.record.Identity,
		Owner:        e.record.Owner,
		AcquiredAt:   e.record.AcquiredAt,
		FencingToken: e.token,
		TTL:          l.opts.TTL,
	}
}

// Release removes the entry only if the fencing token still matches.
func (l *MemLock) Release(ctx context.Context, handle *lock.Handle) error {
	removed := l.entries.RemoveCb(handle.Identity, func(_ string, v entry, exists bool) bool {
		return exists && v.token == handle.FencingToken
	})
	if !removed {
		return lock.ErrLockLost
	}
	return nil
}

// ForceRelease removes the entry unconditionally.
func (l *MemLock) ForceRelease(ctx context.Context, identity string) error {
	if _, existed := l.entries.Pop(identity); !existed {
		return lock.ErrNotFound
	}
	return nil
}

// Inspect returns the current entry without creating or deleting anything.
func (l *MemLock) Inspect(ctx context.Context, identity string) (lock.Record, error) {
	existing, ok := l.entries.Get(identity)
	if !ok {
		return lock.Record{}, lock.ErrNotFound
	}
	return existing.record, nil
}
