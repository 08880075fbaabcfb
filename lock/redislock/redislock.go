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

// Package redislock implements a lock strategy on top of redsync. The lock
// record is the redsync mutex value, which carries the owner and acquire
// time as JSON; Redis key expiry enforces the TTL natively, so stale locks
// disappear on their own and ReclaimStale has no equivalent here.
package redislock

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/google/uuid"
	goredislib "github.com/redis/go-redis/v9"
	"github.com/rivian/statelock/lock"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultTTL time.Duration = 60 * time.Second
)

// RedisLock acquires locks as redsync mutexes.
type RedisLock struct {
	rs     *redsync.Redsync
	client goredislib.UniversalClient
	opts   Options

	mu   sync.Mutex
	held map[string]*redsync.Mutex
}

// Compile time check that RedisLock implements lock.Locker
var _ lock.Locker = (*RedisLock)(nil)

// Options contains settings that can be adjusted to change the behavior of a
// RedisLock.
type Options struct {
	// TTL is the Redis key expiry. Redis drops the lock on its own once the
	// TTL passes, so it doubles as the stale lock recovery mechanism.
	TTL time.Duration
}

// Sets the default options
func (opts *Options) setOptionsDefaults() {
	if opts.TTL == 0 {
		opts.TTL = DefaultTTL
	}
}

// mutexValue is stored as the redsync mutex value. The nonce keeps values
// unique across acquisitions, which redsync's fenced unlock depends on.
type mutexValue struct {
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquiredAt"`
	Nonce      string    `json:"nonce"`
}

// NewFromClient creates a new RedisLock instance from a single Redis client.
func NewFromClient(client goredislib.UniversalClient, opts Options) *RedisLock {
	opts.setOptionsDefaults()

	pool := goredis.NewPool(client)

	l := new(RedisLock)
	l.rs = redsync.New(pool)
	l.client = client
	l.opts = opts
	l.held = make(map[string]*redsync.Mutex)
	return l
}

// Acquire attempts to take the redsync mutex without redsync's own retries;
// the coordinator owns the backoff policy.
func (l *RedisLock) Acquire(ctx context.Context, identity string, owner string) (*lock.Handle, error) {
	acquiredAt := time.Now().UTC()
	value, err := json.Marshal(mutexValue{Owner: owner, AcquiredAt: acquiredAt, Nonce: uuid.NewString()})
	if err != nil {
		return nil, err
	}

	mutex := l.rs.NewMutex(identity,
		redsync.WithExpiry(l.opts.TTL),
		redsync.WithTries(1),
		redsync.WithGenValueFunc(func() (string, error) { return string(value), nil }),
	)

	if err := mutex.TryLockContext(ctx); err != nil {
		existing, inspectErr := l.Inspect(ctx, identity)
		if inspectErr == nil {
			return nil, &lock.HeldError{Owner: existing.Owner, AcquiredAt: existing.AcquiredAt}
		}
		// The key expired or was released between the failed lock and our
		// read, or the read itself failed; let the caller retry
		return nil, errors.Join(lock.ErrTransient, err)
	}

	handle := &lock.Handle{
		Identity:     identity,
		Owner:        owner,
		AcquiredAt:   acquiredAt,
		FencingToken: mutex.Value(),
		TTL:          l.opts.TTL,
	}

	l.mu.Lock()
	l.held[identity] = mutex
	l.mu.Unlock()

	log.Debugf("statelock: Acquired %s for %s", identity, owner)
	return handle, nil
}

// Release unlocks the redsync mutex, which verifies the stored value before
// deleting the key.
func (l *RedisLock) Release(ctx context.Context, handle *lock.Handle) error {
	l.mu.Lock()
	mutex, ok := l.held[handle.Identity]
	if ok && mutex.Value() == handle.FencingToken {
		delete(l.held, handle.Identity)
	}
	l.mu.Unlock()

	if !ok || mutex.Value() != handle.FencingToken {
		return lock.ErrLockLost
	}

	released, err := mutex.UnlockContext(ctx)
	if !released || errors.Is(err, redsync.ErrLockAlreadyExpired) {
		log.Warnf("statelock: Lock %s was lost before release by %s", handle.Identity, handle.Owner)
		return errors.Join(lock.ErrLockLost, err)
	}
	if err != nil {
		return errors.Join(lock.ErrTransient, err)
	}
	log.Debugf("statelock: Released %s for %s", handle.Identity, handle.Owner)
	return nil
}

// ForceRelease deletes the Redis key directly, bypassing the value check.
func (l *RedisLock) ForceRelease(ctx context.Context, identity string) error {
	deleted, err := l.client.Del(ctx, identity).Result()
	if err != nil {
		return errors.Join(lock.ErrTransient, err)
	}
	if deleted == 0 {
		return lock.ErrNotFound
	}
	log.Infof("statelock: Force released %s", identity)
	return nil
}

// Inspect reads the mutex value and decodes the holder record.
func (l *RedisLock) Inspect(ctx context.Context, identity string) (lock.Record, error) {
	value, err := l.client.Get(ctx, identity).Result()
	if errors.Is(err, goredislib.Nil) {
		return lock.Record{}, lock.ErrNotFound
	}
	if err != nil {
		return lock.Record{}, errors.Join(lock.ErrTransient, err)
	}

	record := lock.Record{Identity: identity, Owner: "unknown"}
	var stored mutexValue
	if err := json.Unmarshal([]byte(value), &stored); err != nil {
		log.Warnf("statelock: Lock %s has an unreadable value", identity)
	} else {
		record.Owner = stored.Owner
		record.AcquiredAt = stored.AcquiredAt
	}
	return record, nil
}
