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

// Package leaselock implements a lease based lock strategy on top of
// cirello.io/dynamolock. Unlike the ledger strategy, the lease is renewed by
// a heartbeat while held and expires on its own after a crash, so stale lock
// recovery is automatic. Fencing on release is handled by dynamolock's
// record version number rather than a token carried in the handle.
package leaselock

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"cirello.io/dynamolock/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rivian/statelock/internal/dynamodbutils"
	"github.com/rivian/statelock/lock"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultTTL       time.Duration = 60 * time.Second
	DefaultHeartbeat time.Duration = 1 * time.Second

	partitionKeyName  string = "key"
	dataAttributeName string = "data"
)

// LeaseLock acquires locks as dynamolock leases in a DynamoDB table.
type LeaseLock struct {
	tableName    string
	lockClient   *dynamolock.Client
	dynamoClient dynamodbutils.Client
	opts         Options

	mu   sync.Mutex
	held map[string]heldLease
}

type heldLease struct {
	item  *dynamolock.Lock
	token string
}

// Compile time check that LeaseLock implements lock.Locker
var _ lock.Locker = (*LeaseLock)(nil)

// Options contains settings that can be adjusted to change the behavior of a
// LeaseLock.
type Options struct {
	// TTL is the lease duration. The lease expires this long after the last
	// heartbeat.
	TTL time.Duration
	// Heartbeat is the lease renewal period. It must be shorter than TTL.
	Heartbeat time.Duration
}

// Sets the default options
func (opts *Options) setOptionsDefaults() {
	if opts.TTL == 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Heartbeat == 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
}

// New creates a new LeaseLock instance, creating the lease table if it does
// not exist yet.
func New(client dynamodbutils.Client, tableName string, opts Options) (*LeaseLock, error) {
	opts.setOptionsDefaults()

	lc, err := dynamolock.New(client,
		tableName,
		dynamolock.WithLeaseDuration(opts.TTL),
		dynamolock.WithHeartbeatPeriod(opts.Heartbeat),
	)
	if err != nil {
		return nil, err
	}

	createTableInput := dynamodb.CreateTableInput{
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String(partitionKeyName),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String(partitionKeyName),
				KeyType:       types.KeyTypeHash,
			},
		},
		ProvisionedThroughput: &types.ProvisionedThroughput{
			ReadCapacityUnits:  aws.Int64(5),
			WriteCapacityUnits: aws.Int64(5),
		},
		TableName: aws.String(tableName),
	}
	if err := dynamodbutils.CreateTableIfNotExists(client, tableName, createTableInput, 20); err != nil {
		return nil, err
	}

	l := new(LeaseLock)
	l.tableName = tableName
	l.lockClient = lc
	l.dynamoClient = client
	l.opts = opts
	l.held = make(map[string]heldLease)
	return l, nil
}

// Close stops the lease heartbeats and releases the underlying client.
func (l *LeaseLock) Close() {
	l.lockClient.Close()
}

// Acquire attempts to take the lease without waiting out an existing one.
func (l *LeaseLock) Acquire(ctx context.Context, identity string, owner string) (*lock.Handle, error) {
	record := lock.Record{Identity: identity, Owner: owner, AcquiredAt: time.Now().UTC()}
	data, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}

	item, err := l.lockClient.AcquireLockWithContext(ctx, identity,
		dynamolock.WithData(data),
		dynamolock.FailIfLocked(),
	)
	if err != nil {
		existing, inspectErr := l.Inspect(ctx, identity)
		if inspectErr == nil {
			return nil, &lock.HeldError{Owner: existing.Owner, AcquiredAt: existing.AcquiredAt}
		}
		return nil, errors.Join(lock.ErrTransient, err)
	}

	handle := &lock.Handle{
		Identity:     identity,
		Owner:        owner,
		AcquiredAt:   record.AcquiredAt,
		FencingToken: identity + "/" + record.AcquiredAt.Format(time.RFC3339Nano),
		TTL:          l.opts.TTL,
	}

	l.mu.Lock()
	l.held[identity] = heldLease{item: item, token: handle.FencingToken}
	l.mu.Unlock()

	log.Debugf("statelock: Acquired lease %s for %s", identity, owner)
	return handle, nil
}

// Release lets dynamolock verify its record version number before deleting
// the lease row.
func (l *LeaseLock) Release(ctx context.Context, handle *lock.Handle) error {
	l.mu.Lock()
	lease, ok := l.held[handle.Identity]
	if ok && lease.token == handle.FencingToken {
		delete(l.held, handle.Identity)
	}
	l.mu.Unlock()

	if !ok || lease.token != handle.FencingToken {
		return lock.ErrLockLost
	}

	success, err := l.lockClient.ReleaseLockWithContext(ctx, lease.item, dynamolock.WithDeleteLock(true))
	if !success {
		log.Warnf("statelock: Lease %s was lost before release by %s", handle.Identity, handle.Owner)
		return errors.Join(lock.ErrLockLost, err)
	}
	if err != nil {
		return errors.Join(lock.ErrTransient, err)
	}
	log.Debugf("statelock: Released lease %s for %s", handle.Identity, handle.Owner)
	return nil
}

// ForceRelease deletes the lease row directly, bypassing dynamolock.
func (l *LeaseLock) ForceRelease(ctx context.Context, identity string) error {
	result, err := l.dynamoClient.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(l.tableName),
		Key:            map[string]types.AttributeValue{partitionKeyName: &types.AttributeValueMemberS{Value: identity}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return errors.Join(lock.ErrTransient, err)
	}
	if result.Item == nil {
		return lock.ErrNotFound
	}
	_, err = l.dynamoClient.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(l.tableName),
		Key:       map[string]types.AttributeValue{partitionKeyName: &types.AttributeValueMemberS{Value: identity}},
	})
	if err != nil {
		return errors.Join(lock.ErrTransient, err)
	}
	log.Infof("statelock: Force released lease %s", identity)
	return nil
}

// Inspect reads the lease row directly and decodes the record stored in its
// data attribute.
func (l *LeaseLock) Inspect(ctx context.Context, identity string) (lock.Record, error) {
	result, err := l.dynamoClient.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(l.tableName),
		Key:            map[string]types.AttributeValue{partitionKeyName: &types.AttributeValueMemberS{Value: identity}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return lock.Record{}, errors.Join(lock.ErrTransient, err)
	}
	if result.Item == nil {
		return lock.Record{}, lock.ErrNotFound
	}

	record := lock.Record{Identity: identity, Owner: "unknown"}
	if attr, ok := result.Item[dataAttributeName].(*types.AttributeValueMemberB); ok {
		if err := json.Unmarshal(attr.Value, &record); err != nil {
			log.Warnf("statelock: Lease %s has an unreadable data attribute", identity)
		}
	}
	record.Identity = identity
	return record, nil
}
