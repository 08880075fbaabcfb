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

// Package lock contains the resources required to create a lock.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrAlreadyLocked is returned when a lock is held by another owner.
	ErrAlreadyLocked error = errors.New("the lock is held by another owner")
	// ErrTransient is returned when the lock backend fails in a retryable way.
	ErrTransient error = errors.New("transient lock backend failure")
	// ErrLockLost is returned when a release finds the fencing token no longer
	// matches the backend record. The protected operation may have run
	// concurrently with another holder and its result must be treated as
	// unverified.
	ErrLockLost error = errors.New("the lock was lost before it could be released")
	// ErrNotFound is returned when inspecting or force releasing a lock that
	// does not exist.
	ErrNotFound error = errors.New("the lock does not exist")
)

// Handle is the client side proof of a successful acquire. The backend record
// is the source of truth; the handle only carries what is needed to release
// it with fencing.
type Handle struct {
	// Identity names the protected resource
	Identity string
	// Owner is the unique identifier of the acquiring process
	Owner string
	// AcquiredAt is when the backend record was created
	AcquiredAt time.Time
	// FencingToken proves the acquisition is still the currently valid one.
	// It must be presented on release.
	FencingToken string
	// TTL is the age after which other clients may consider the record stale.
	// Zero means the lock does not expire.
	TTL time.Duration
}

// Record is the backend resident lock marker as observed by Inspect.
type Record struct {
	Identity   string    `json:"identity"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// Age returns how long ago the record was created.
func (r Record) Age(now time.Time) time.Duration {
	return now.Sub(r.AcquiredAt)
}

// IsStale reports whether the record is older than ttl. A zero ttl means
// records never go stale.
func (r Record) IsStale(ttl time.Duration, now time.Time) bool {
	return ttl > 0 && r.Age(now) > ttl
}

// HeldError reports a failed acquire due to contention, carrying the current
// holder for diagnostics. It unwraps to ErrAlreadyLocked.
type HeldError struct {
	Owner      string
	AcquiredAt time.Time
	// Stale is set when the holder's record exceeded the configured TTL and
	// the strategy did not (or could not) reclaim it.
	Stale bool
}

func (e *HeldError) Error() string {
	if e.Stale {
		return fmt.Sprintf("the lock is held by %s since %s and appears stale", e.Owner, e.AcquiredAt.Format(time.RFC3339))
	}
	return fmt.Sprintf("the lock is held by %s since %s", e.Owner, e.AcquiredAt.Format(time.RFC3339))
}

func (e *HeldError) Unwrap() error {
	return ErrAlreadyLocked
}

// Locker is the abstract interface for a lock strategy. Implementations must
// create the backend record with a single atomic conditional operation;
// mutual exclusion rests entirely on that atomicity.
type Locker interface {
	// Acquire attempts to create the lock record for identity on behalf of
	// owner. On contention it returns a *HeldError; backend hiccups are
	// returned joined with ErrTransient.
	Acquire(ctx context.Context, identity string, owner string) (*Handle, error)

	// Release deletes the lock record, guarded by the handle's fencing token.
	// Returns ErrLockLost if the record was deleted or recreated by someone
	// else in the meantime.
	Release(ctx context.Context, handle *Handle) error

	// ForceRelease deletes the lock record unconditionally, bypassing the
	// fencing token. It is intended for operator invoked recovery only.
	// Returns ErrNotFound if there is no record.
	ForceRelease(ctx context.Context, identity string) error

	// Inspect returns the current lock record without creating or deleting
	// anything. Returns ErrNotFound if there is no record.
	Inspect(ctx context.Context, identity string) (Record, error)
}

// NewOwner builds a globally unique owner identifier for this process
// instance: hint (or hostname), pid, and a random session nonce. The nonce
// disambiguates stale records after a pid is reused.
func NewOwner(hint string) string {
	if hint == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown-host"
		}
		hint = hostname
	}
	return fmt.Sprintf("%s-%d-%s", hint, os.Getpid(), uuid.NewString())
}
