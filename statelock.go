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

// Package statelock coordinates protected operations on a remotely stored
// state object under a distributed lock. The coordinator acquires the lock
// through a configured strategy, runs the caller's operation exactly once,
// and releases the lock on every exit path, retrying contended acquires with
// exponential backoff.
package statelock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rivian/statelock/lock"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrExceededAcquireRetryAttempts is returned when the retry budget is
	// exhausted before the lock could be acquired. The protected operation
	// was never invoked.
	ErrExceededAcquireRetryAttempts error = errors.New("exceeded lock acquire retry attempts")
)

// Operation is the protected operation supplied by the caller. It is invoked
// exactly once per successful acquire and its error is passed through
// unmodified.
type Operation func(ctx context.Context) error

// Options contains settings that can be adjusted to change the behavior of a
// Coordinator.
type Options struct {
	// OwnerHint is combined with pid and a session nonce into the owner
	// identifier. Defaults to the hostname.
	OwnerHint string
	// TTL mirrors the lock strategy's TTL and is used to report staleness in
	// Status. Zero means locks never go stale.
	TTL time.Duration
	// MaxAttempts bounds the number of acquire attempts. Zero means
	// unbounded; rely on MaxElapsed or context cancellation instead.
	MaxAttempts uint32
	// MaxElapsed bounds the total time spent acquiring. Zero means unbounded.
	MaxElapsed time.Duration
	// Backoff controls the wait between acquire retries.
	Backoff Backoff
}

// Sets the default options
func (opts *Options) setOptionsDefaults() {
	opts.Backoff.setOptionsDefaults()
}

// Report describes what happened during a Run.
type Report struct {
	// Attempts is the number of acquire attempts made.
	Attempts int
	// Handle is the lock handle that protected the operation, if the lock
	// was acquired.
	Handle *lock.Handle
	// ReleaseWarning is set when the protected operation completed but the
	// release failed. A wrapped lock.ErrLockLost means the lock was taken
	// over while the operation ran and its result must be treated as
	// unverified.
	ReleaseWarning error
}

// Coordinator runs protected operations under a named lock.
type Coordinator struct {
	locker lock.Locker
	opts   Options
}

// New creates a new Coordinator instance using the given lock strategy.
func New(locker lock.Locker, opts Options) *Coordinator {
	opts.setOptionsDefaults()

	c := new(Coordinator)
	c.locker = locker
	c.opts = opts
	return c
}

// Run acquires the lock for identity, invokes operation, and releases the
// lock. Release is attempted on every exit path: operation success, operation
// error, panic, and cancellation while held. A release failure after a
// successful operation does not fail the result; it is reported in
// Report.ReleaseWarning.
func (c *Coordinator) Run(ctx context.Context, identity string, operation Operation) (report Report, err error) {
	owner := lock.NewOwner(c.opts.OwnerHint)

	handle, acquireErr := c.acquire(ctx, identity, owner, &report)
	if acquireErr != nil {
		return report, acquireErr
	}
	report.Handle = handle

	defer func() {
		// WithoutCancel so a canceled caller context cannot prevent release
		relErr := c.locker.Release(context.WithoutCancel(ctx), handle)
		if relErr == nil {
			return
		}
		report.ReleaseWarning = relErr
		if errors.Is(relErr, lock.ErrLockLost) {
			log.Warnf("statelock: Lock %s was lost while the protected operation ran; treat its result as unverified", identity)
		} else {
			log.Warnf("statelock: Failed to release %s. %v", identity, relErr)
		}
	}()

	err = operation(ctx)
	return report, err
}

// acquire retries contended and transient failures with backoff until the
// retry budget is exhausted or ctx is canceled. The backoff wait is
// interruptible; the acquire call itself is not.
func (c *Coordinator) acquire(ctx context.Context, identity string, owner string, report *Report) (*lock.Handle, error) {
	start := time.Now()
	attempt := 0

	for {
		handle, err := c.locker.Acquire(ctx, identity, owner)
		attempt++
		report.Attempts = attempt
		if err == nil {
			return handle, nil
		}
		if !errors.Is(err, lock.ErrAlreadyLocked) && !errors.Is(err, lock.ErrTransient) {
			return nil, err
		}

		if c.opts.MaxAttempts > 0 && attempt >= int(c.opts.MaxAttempts) {
			log.Debugf("statelock: Acquire of %s failed. Attempts exhausted beyond MaxAttempts of %d so failing.", identity, c.opts.MaxAttempts)
			return nil, budgetError(err)
		}
		delay := c.opts.Backoff.Delay(attempt - 1)
		if c.opts.MaxElapsed > 0 && time.Since(start)+delay > c.opts.MaxElapsed {
			log.Debugf("statelock: Acquire of %s failed. Elapsed time plus the next delay exceeds MaxElapsed of %s so failing.", identity, c.opts.MaxElapsed)
			return nil, budgetError(err)
		}

		log.Debugf("statelock: Acquire of %s failed with '%v'. Retrying in %s (attempt %d).", identity, err, delay, attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// budgetError wraps the last acquire failure, naming the current holder when
// it is known so the operator can decide about a force unlock.
func budgetError(last error) error {
	var held *lock.HeldError
	if errors.As(last, &held) {
		return errors.Join(ErrExceededAcquireRetryAttempts,
			fmt.Errorf("the resource is locked by %s since %s; if that holder is no longer running, release it with a force unlock", held.Owner, held.AcquiredAt.Format(time.RFC3339)))
	}
	return errors.Join(ErrExceededAcquireRetryAttempts, last)
}

// Status describes the lock state for an identity.
type Status struct {
	Held          bool
	Owner         string
	AcquiredAt    time.Time
	AgeExceedsTTL bool
}

// Status reports whether the lock for identity is currently held and by
// whom. It never creates or deletes anything.
func (c *Coordinator) Status(ctx context.Context, identity string) (Status, error) {
	record, err := c.locker.Inspect(ctx, identity)
	if errors.Is(err, lock.ErrNotFound) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, err
	}
	return Status{
		Held:          true,
		Owner:         record.Owner,
		AcquiredAt:    record.AcquiredAt,
		AgeExceedsTTL: record.IsStale(c.opts.TTL, time.Now().UTC()),
	}, nil
}

// ForceUnlock deletes the lock record for identity unconditionally. This is
// an operator action; it bypasses fencing and must never be called
// automatically.
func (c *Coordinator) ForceUnlock(ctx context.Context, identity string) error {
	return c.locker.ForceRelease(ctx, identity)
}
