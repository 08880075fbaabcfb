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
	"time"

	"github.com/rivian/statelock/lock"
)

// / A NilLock implements the Locker interface but is not backed by anything
// / It is intended for use in a scenario where there is guaranteed to be only
// / one process mutating the state object so that locking is not necessary
// /
// / WARNING:
// / It provides NO concurrency support.
// / Every Acquire succeeds, including concurrent ones, so overlapping
// / mutations will overwrite each other.
// / This is intended only for testing, or for strictly single-writer setups.
type NilLock struct {
}

// Compile time check that NilLock implements lock.Locker
var _ lock.Locker = (*NilLock)(nil)

func New() *NilLock {
	return new(NilLock)
}

// Always succeeds
func (*NilLock) Acquire(_ context.Context, identity string, owner string) (*lock.Handle, error) {
	return &lock.Handle{Identity: identity, Owner: owner, AcquiredAt: time.Now().UTC()}, nil
}

// Does nothing
func (*NilLock) Release(_ context.Context, _ *lock.Handle) error {
	return nil
}

// Does nothing
func (*NilLock) ForceRelease(_ context.Context, _ string) error {
	return lock.ErrNotFound
}

// Never reports a holder
func (*NilLock) Inspect(_ context.Context, _ string) (lock.Record, error) {
	return lock.Record{}, lock.ErrNotFound
}
