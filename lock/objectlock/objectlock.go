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

// Package objectlock implements a lock strategy on top of an object store
// with atomic conditional writes. The lock record is a marker object at a key
// derived from the lock identity; the store's precondition token for the
// marker version is the fencing token.
package objectlock

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rivian/statelock/lock"
	"github.com/rivian/statelock/storage"
	log "github.com/sirupsen/logrus"
)

// DefaultMarkerSuffix is appended to the lock identity to derive the marker
// object key.
const DefaultMarkerSuffix string = ".lock"

// ObjectLock acquires locks by conditionally creating marker objects.
type ObjectLock struct {
	store storage.ObjectStore
	opts  Options
}

// Compile time check that ObjectLock implements lock.Locker
var _ lock.Locker = (*ObjectLock)(nil)

// Options contains settings that can be adjusted to change the behavior of an
// ObjectLock.
type Options struct {
	// TTL is the marker age beyond which other clients may treat the lock as
	// stale. Zero means locks never go stale.
	TTL time.Duration
	// ReclaimStale enables automatic recovery of stale markers during
	// Acquire. When false (the default), stale locks are only reported and
	// recovery is left to an operator calling ForceRelease.
	ReclaimStale bool
	// MarkerSuffix overrides DefaultMarkerSuffix.
	MarkerSuffix string
}

// Sets the default options
func (opts *Options) setOptionsDefaults() {
	if opts.MarkerSuffix == "" {
		opts.MarkerSuffix = DefaultMarkerSuffix
	}
}

// New creates a new ObjectLock instance.
func New(store storage.ObjectStore, opts Options) *ObjectLock {
	opts.setOptionsDefaults()

	l := new(ObjectLock)
	l.store = store
	l.opts = opts
	return l
}

func (l *ObjectLock) markerPath(identity string) storage.Path {
	return storage.NewPath(identity + l.opts.MarkerSuffix)
}

// Acquire attempts a conditional put of the marker object. On contention it
// reads the existing marker to evaluate staleness and either reclaims it or
// reports the current holder.
func (l *ObjectLock) Acquire(ctx context.Context, identity string, owner string) (*lock.Handle, error) {
	record := lock.Record{Identity: identity, Owner: owner, AcquiredAt: time.Now().UTC()}
	body, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}

	token, err := l.store.PutIfAbsent(l.markerPath(identity), body)
	if errors.Is(err, storage.ErrObjectAlreadyExists) {
		return l.contend(ctx, identity, owner)
	}
	if err != nil {
		return nil, errors.Join(lock.ErrTransient, err)
	}

	log.Debugf("statelock: Acquired %s for %s with token %s", identity, owner, token)
	return &lock.Handle{
		Identity:     identity,
		Owner:        owner,
		AcquiredAt:   record.AcquiredAt,
		FencingToken: token,
		TTL:          l.opts.TTL,
	}, nil
}

// contend handles a rejected conditional put: read the existing marker,
// evaluate staleness, and reclaim once if configured to.
func (l *ObjectLock) contend(ctx context.Context, identity string, owner string) (*lock.Handle, error) {
	record, meta, err := l.readMarker(identity)
	if errors.Is(err, storage.ErrObjectDoesNotExist) {
		// The marker disappeared between the rejected put and our read;
		// let the caller retry
		return nil, errors.Join(lock.ErrTransient, err)
	}
	if err != nil {
		return nil, errors.Join(lock.ErrTransient, err)
	}

	stale := record.IsStale(l.opts.TTL, time.Now().UTC())
	if !stale || !l.opts.ReclaimStale {
		return nil, &lock.HeldError{Owner: record.Owner, AcquiredAt: record.AcquiredAt, Stale: stale}
	}

	// Reclaim: conditionally delete the exact marker version we observed,
	// then make one fresh conditional create attempt. Losing either race to
	// another client is just contention again.
	log.Infof("statelock: Reclaiming stale lock %s held by %s since %s", identity, record.Owner, record.AcquiredAt.Format(time.RFC3339))
	err = l.store.DeleteIfMatch(l.markerPath(identity), meta.ETag)
	if err != nil && !errors.Is(err, storage.ErrPreconditionFailed) && !errors.Is(err, storage.ErrObjectDoesNotExist) {
		return nil, errors.Join(lock.ErrTransient, err)
	}

	fresh := lock.Record{Identity: identity, Owner: owner, AcquiredAt: time.Now().UTC()}
	body, err := json.Marshal(fresh)
	if err != nil {
		return nil, err
	}
	token, err := l.store.PutIfAbsent(l.markerPath(identity), body)
	if errors.Is(err, storage.ErrObjectAlreadyExists) {
		record, _, readErr := l.readMarker(identity)
		if readErr != nil {
			return nil, errors.Join(lock.ErrTransient, readErr)
		}
		return nil, &lock.HeldError{Owner: record.Owner, AcquiredAt: record.AcquiredAt}
	}
	if err != nil {
		return nil, errors.Join(lock.ErrTransient, err)
	}

	return &lock.Handle{
		Identity:     identity,
		Owner:        owner,
		AcquiredAt:   fresh.AcquiredAt,
		FencingToken: token,
		TTL:          l.opts.TTL,
	}, nil
}

// readMarker fetches and decodes the marker object. If the body cannot be
// decoded the store's object metadata is used as a fallback.
func (l *ObjectLock) readMarker(identity string) (lock.Record, storage.ObjectMeta, error) {
	path := l.markerPath(identity)
	meta, err := l.store.Head(path)
	if err != nil {
		return lock.Record{}, meta, err
	}
	body, err := l.store.Get(path)
	if err != nil {
		return lock.Record{}, meta, err
	}

	var record lock.Record
	if err := json.Unmarshal(body, &record); err != nil || record.AcquiredAt.IsZero() {
		log.Warnf("statelock: Marker %s has an unreadable body, falling back to object metadata", path.Raw)
		record = lock.Record{Identity: identity, Owner: "unknown", AcquiredAt: meta.LastModified}
	}
	record.Identity = identity
	return record, meta, nil
}

// Release conditionally deletes the marker, guarded by the fencing token
// captured at acquire time.
func (l *ObjectLock) Release(ctx context.Context, handle *lock.Handle) error {
	err := l.store.DeleteIfMatch(l.markerPath(handle.Identity), handle.FencingToken)
	if errors.Is(err, storage.ErrPreconditionFailed) || errors.Is(err, storage.ErrObjectDoesNotExist) {
		log.Warnf("statelock: Lock %s was lost before release by %s", handle.Identity, handle.Owner)
		return errors.Join(lock.ErrLockLost, err)
	}
	if err != nil {
		return errors.Join(lock.ErrTransient, err)
	}
	log.Debugf("statelock: Released %s for %s", handle.Identity, handle.Owner)
	return nil
}

// ForceRelease unconditionally deletes the marker, bypassing the fencing
// token check deliberately.
func (l *ObjectLock) ForceRelease(ctx context.Context, identity string) error {
	err := l.store.Delete(l.markerPath(identity))
	if errors.Is(err, storage.ErrObjectDoesNotExist) {
		return errors.Join(lock.ErrNotFound, err)
	}
	if err != nil {
		return errors.Join(lock.ErrTransient, err)
	}
	log.Infof("statelock: Force released %s", identity)
	return nil
}

// Inspect returns the current marker contents without creating or deleting
// anything.
func (l *ObjectLock) Inspect(ctx context.Context, identity string) (lock.Record, error) {
	record, _, err := l.readMarker(identity)
	if errors.Is(err, storage.ErrObjectDoesNotExist) {
		return lock.Record{}, errors.Join(lock.ErrNotFound, err)
	}
	if err != nil {
		return lock.Record{}, errors.Join(lock.ErrTransient, err)
	}
	return record, nil
}
