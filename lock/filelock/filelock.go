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

// Package filelock implements a lock strategy backed by OS file locks via
// gofrs/flock. It only excludes processes on the same host that share the
// lock directory, and its fencing is advisory, so it is intended for local
// development and tests rather than production use.
package filelock

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/rivian/statelock/lock"
	"github.com/rivian/statelock/storage"
	log "github.com/sirupsen/logrus"
)

const (
	lockSuffix   string = ".lock"
	recordSuffix string = ".holder"
)

// FileLock acquires locks as flock file locks in a shared directory, with a
// JSON record file next to each lock file describing the holder.
type FileLock struct {
	baseURI storage.Path
	opts    Options

	mu   sync.Mutex
	held map[string]heldFlock
}

type heldFlock struct {
	fl    *flock.Flock
	token string
}

// Compile time check that FileLock implements lock.Locker
var _ lock.Locker = (*FileLock)(nil)

// Options contains settings that can be adjusted to change the behavior of a
// FileLock.
type Options struct {
	// TTL is the record age beyond which other callers may treat the lock as
	// stale. The flock itself does not expire; a crashed process drops it
	// automatically, leaving only the record file behind. Zero means locks
	// never go stale.
	TTL time.Duration
}

// New creates a new FileLock instance over a lock directory.
func New(baseURI storage.Path, opts Options) (*FileLock, error) {
	if err := os.MkdirAll(baseURI.Raw, 0766); err != nil {
		return nil, err
	}

	l := new(FileLock)
	l.baseURI = baseURI
	l.opts = opts
	l.held = make(map[string]heldFlock)
	return l, nil
}

func (l *FileLock) lockPath(identity string) string {
	return filepath.Join(l.baseURI.Raw, identity+lockSuffix)
}

func (l *FileLock) recordPath(identity string) string {
	return filepath.Join(l.baseURI.Raw, identity+recordSuffix)
}

// Acquire attempts a non blocking flock on the lock file, then writes the
// holder record.
func (l *FileLock) Acquire(ctx context.Context, identity string, owner string) (*lock.Handle, error) {
	fl := flock.New(l.lockPath(identity))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, errors.Join(lock.ErrTransient, err)
	}
	if !locked {
		existing, inspectErr := l.Inspect(ctx, identity)
		if inspectErr == nil {
			return nil, &lock.HeldError{Owner: existing.Owner, AcquiredAt: existing.AcquiredAt}
		}
		return nil, lock.ErrAlreadyLocked
	}

	record := lock.Record{Identity: identity, Owner: owner, AcquiredAt: time.Now().UTC()}
	data, err := json.Marshal(record)
	if err != nil {
		fl.Unlock()
		return nil, err
	}
	if err := os.WriteFile(l.recordPath(identity), data, 0666); err != nil {
		fl.Unlock()
		return nil, errors.Join(lock.ErrTransient, err)
	}

	handle := &lock.Handle{
		Identity:     identity,
		Owner:        owner,
		AcquiredAt:   record.AcquiredAt,
		FencingToken: uuid.NewString(),
		TTL:          l.opts.TTL,
	}

	l.mu.Lock()
	l.held[identity] = heldFlock{fl: fl, token: handle.FencingToken}
	l.mu.Unlock()

	log.Debugf("statelock: Acquired %s for %s", identity, owner)
	return handle, nil
}

// Release removes the holder record and drops the flock.
func (l *FileLock) Release(ctx context.Context, handle *lock.Handle) error {
	l.mu.Lock()
	held, ok := l.held[handle.Identity]
	if ok && held.token == handle.FencingToken {
		delete(l.held, handle.Identity)
	}
	l.mu.Unlock()

	if !ok || held.token != handle.FencingToken {
		return lock.ErrLockLost
	}

	if err := os.Remove(l.recordPath(handle.Identity)); err != nil && !os.IsNotExist(err) {
		return errors.Join(lock.ErrTransient, err)
	}
	if err := held.fl.Unlock(); err != nil {
		return errors.Join(lock.ErrTransient, err)
	}
	log.Debugf("statelock: Released %s for %s", handle.Identity, handle.Owner)
	return nil
}

// ForceRelease removes the holder record and lock file. It cannot break a
// flock still held by a live process; it recovers locks whose holder has
// exited.
func (l *FileLock) ForceRelease(ctx context.Context, identity string) error {
	err := os.Remove(l.recordPath(identity))
	if os.IsNotExist(err) {
		return lock.ErrNotFound
	}
	if err != nil {
		return errors.Join(lock.ErrTransient, err)
	}
	if err := os.Remove(l.lockPath(identity)); err != nil && !os.IsNotExist(err) {
		return errors.Join(lock.ErrTransient, err)
	}
	log.Infof("statelock: Force released %s", identity)
	return nil
}

// Inspect decodes the holder record file.
func (l *FileLock) Inspect(ctx context.Context, identity string) (lock.Record, error) {
	data, err := os.ReadFile(l.recordPath(identity))
	if os.IsNotExist(err) {
		return lock.Record{}, lock.ErrNotFound
	}
	if err != nil {
		return lock.Record{}, errors.Join(lock.ErrTransient, err)
	}

	record := lock.Record{Identity: identity, Owner: "unknown"}
	if err := json.Unmarshal(data, &record); err != nil {
		log.Warnf("statelock: Lock %s has an unreadable holder record", identity)
	}
	record.Identity = identity
	return record, nil
}
