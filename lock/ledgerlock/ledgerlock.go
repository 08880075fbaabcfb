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

// Package ledgerlock implements a lock strategy on top of a DynamoDB table.
// The lock record is a row keyed by the lock identity; a per-row version
// attribute written on insert is the fencing token, and deletes are guarded
// by a condition expression on that version. Unlike the object store
// strategy, the ledger is enumerable, so held locks can be listed.
package ledgerlock

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/rivian/statelock/internal/dynamodbutils"
	"github.com/rivian/statelock/lock"
	log "github.com/sirupsen/logrus"
)

// DynamoDB table attribute names
const (
	AttrKey        string = "key"
	AttrOwner      string = "owner"
	AttrAcquiredAt string = "acquiredAt"
	AttrVersion    string = "version"
)

const (
	DefaultMaxRetryTableCreateAttempts uint16 = 20
	DefaultRCU                         int64  = 5
	DefaultWCU                         int64  = 5
)

// LedgerLock acquires locks by conditionally inserting rows into a DynamoDB
// table.
type LedgerLock struct {
	client    dynamodbutils.Client
	tableName string
	opts      Options
}

// Compile time check that LedgerLock implements lock.Locker
var _ lock.Locker = (*LedgerLock)(nil)

// Options contains settings that can be adjusted to change the behavior of a
// LedgerLock.
type Options struct {
	// TTL is the row age beyond which other clients may treat the lock as
	// stale. Zero means locks never go stale.
	TTL time.Duration
	// ReclaimStale enables automatic recovery of stale rows during Acquire.
	ReclaimStale                bool
	MaxRetryTableCreateAttempts uint16
	// The number of read capacity units which can be consumed per second (https://aws.amazon.com/dynamodb/pricing/provisioned/)
	RCU int64
	// The number of write capacity units which can be consumed per second (https://aws.amazon.com/dynamodb/pricing/provisioned/)
	WCU int64
}

// Sets the default options
func (opts *Options) setOptionsDefaults() {
	if opts.MaxRetryTableCreateAttempts == 0 {
		opts.MaxRetryTableCreateAttempts = DefaultMaxRetryTableCreateAttempts
	}
	if opts.RCU == 0 {
		opts.RCU = DefaultRCU
	}
	if opts.WCU == 0 {
		opts.WCU = DefaultWCU
	}
}

// New creates a new LedgerLock instance, creating the lock table if it does
// not exist yet.
func New(client dynamodbutils.Client, tableName string, opts Options) (*LedgerLock, error) {
	opts.setOptionsDefaults()

	createTableInput := dynamodb.CreateTableInput{
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String(AttrKey),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String(AttrKey),
				KeyType:       types.KeyTypeHash,
			},
		},
		ProvisionedThroughput: &types.ProvisionedThroughput{
			ReadCapacityUnits:  aws.Int64(opts.RCU),
			WriteCapacityUnits: aws.Int64(opts.WCU),
		},
		TableName: aws.String(tableName),
	}
	if err := dynamodbutils.CreateTableIfNotExists(client, tableName, createTableInput, opts.MaxRetryTableCreateAttempts); err != nil {
		return nil, err
	}

	l := new(LedgerLock)
	l.client = client
	l.tableName = tableName
	l.opts = opts
	return l, nil
}

// isConditionalCheckFailed reports whether an error is DynamoDB rejecting a
// condition expression.
func isConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func (l *LedgerLock) keyAttribute(identity string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		AttrKey: &types.AttributeValueMemberS{Value: identity},
	}
}

func (l *LedgerLock) insert(ctx context.Context, identity string, owner string) (*lock.Handle, error) {
	version := uuid.NewString()
	acquiredAt := time.Now().UTC()

	_, err := l.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(l.tableName),
		Item: map[string]types.AttributeValue{
			AttrKey:        &types.AttributeValueMemberS{Value: identity},
			AttrOwner:      &types.AttributeValueMemberS{Value: owner},
			AttrAcquiredAt: &types.AttributeValueMemberS{Value: acquiredAt.Format(time.RFC3339Nano)},
			AttrVersion:    &types.AttributeValueMemberS{Value: version},
		},
		ConditionExpression:      aws.String("attribute_not_exists(#k)"),
		ExpressionAttributeNames: map[string]string{"#k": AttrKey},
	})
	if err != nil {
		return nil, err
	}

	log.Debugf("statelock: Acquired %s for %s with version %s", identity, owner, version)
	return &lock.Handle{
		Identity:     identity,
		Owner:        owner,
		AcquiredAt:   acquiredAt,
		FencingToken: version,
		TTL:          l.opts.TTL,
	}, nil
}

// Acquire attempts a conditional row insert. On contention it reads the
// existing row to evaluate staleness and either reclaims it or reports the
// current holder.
func (l *LedgerLock) Acquire(ctx context.Context, identity string, owner string) (*lock.Handle, error) {
	handle, err := l.insert(ctx, identity, owner)
	if err == nil {
		return handle, nil
	}
	if !isConditionalCheckFailed(err) {
		return nil, errors.Join(lock.ErrTransient, err)
	}

	record, version, err := l.readRow(ctx, identity)
	if errors.Is(err, lock.ErrNotFound) {
		// The row disappeared between the rejected insert and our read;
		// let the caller retry
		return nil, errors.Join(lock.ErrTransient, err)
	}
	if err != nil {
		return nil, err
	}

	stale := record.IsStale(l.opts.TTL, time.Now().UTC())
	if !stale || !l.opts.ReclaimStale {
		return nil, &lock.HeldError{Owner: record.Owner, AcquiredAt: record.AcquiredAt, Stale: stale}
	}

	// Reclaim: conditionally delete the exact row version we observed, then
	// make one fresh conditional insert attempt
	log.Infof("statelock: Reclaiming stale lock %s held by %s since %s", identity, record.Owner, record.AcquiredAt.Format(time.RFC3339))
	err = l.deleteIfVersion(ctx, identity, version)
	if err != nil && !isConditionalCheckFailed(err) {
		return nil, errors.Join(lock.ErrTransient, err)
	}

	handle, err = l.insert(ctx, identity, owner)
	if isConditionalCheckFailed(err) {
		record, _, readErr := l.readRow(ctx, identity)
		if readErr != nil {
			return nil, readErr
		}
		return nil, &lock.HeldError{Owner: record.Owner, AcquiredAt: record.AcquiredAt}
	}
	if err != nil {
		return nil, errors.Join(lock.ErrTransient, err)
	}
	return handle, nil
}

func (l *LedgerLock) deleteIfVersion(ctx context.Context, identity string, version string) error {
	_, err := l.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                 aws.String(l.tableName),
		Key:                       l.keyAttribute(identity),
		ConditionExpression:       aws.String("#v = :v"),
		ExpressionAttributeNames:  map[string]string{"#v": AttrVersion},
		ExpressionAttributeValues: map[string]types.AttributeValue{":v": &types.AttributeValueMemberS{Value: version}},
	})
	return err
}

// readRow fetches the row with a consistent read and maps it to a Record plus
// its fencing version.
func (l *LedgerLock) readRow(ctx context.Context, identity string) (lock.Record, string, error) {
	result, err := l.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(l.tableName),
		Key:            l.keyAttribute(identity),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return lock.Record{}, "", errors.Join(lock.ErrTransient, err)
	}
	if result.Item == nil {
		return lock.Record{}, "", lock.ErrNotFound
	}
	record, version := itemToRecord(identity, result.Item)
	return record, version, nil
}

func itemToRecord(identity string, item map[string]types.AttributeValue) (lock.Record, string) {
	record := lock.Record{Identity: identity, Owner: "unknown"}
	var version string

	if attr, ok := item[AttrOwner].(*types.AttributeValueMemberS); ok {
		record.Owner = attr.Value
	}
	if attr, ok := item[AttrAcquiredAt].(*types.AttributeValueMemberS); ok {
		acquiredAt, err := time.Parse(time.RFC3339Nano, attr.Value)
		if err != nil {
			log.Warnf("statelock: Row %s has an unreadable acquiredAt attribute %q", identity, attr.Value)
		} else {
			record.AcquiredAt = acquiredAt
		}
	}
	if attr, ok := item[AttrVersion].(*types.AttributeValueMemberS); ok {
		version = attr.Value
	}
	return record, version
}

// Release conditionally deletes the row, guarded by the fencing version
// captured at acquire time.
func (l *LedgerLock) Release(ctx context.Context, handle *lock.Handle) error {
	err := l.deleteIfVersion(ctx, handle.Identity, handle.FencingToken)
	if isConditionalCheckFailed(err) {
		log.Warnf("statelock: Lock %s was lost before release by %s", handle.Identity, handle.Owner)
		return errors.Join(lock.ErrLockLost, err)
	}
	if err != nil {
		return errors.Join(lock.ErrTransient, err)
	}
	log.Debugf("statelock: Released %s for %s", handle.Identity, handle.Owner)
	return nil
}

// ForceRelease unconditionally deletes the row, bypassing the fencing
// version check deliberately.
func (l *LedgerLock) ForceRelease(ctx context.Context, identity string) error {
	_, _, err := l.readRow(ctx, identity)
	if err != nil {
		return err
	}
	_, err = l.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(l.tableName),
		Key:       l.keyAttribute(identity),
	})
	if err != nil {
		return errors.Join(lock.ErrTransient, err)
	}
	log.Infof("statelock: Force released %s", identity)
	return nil
}

// Inspect returns the current row without creating or deleting anything.
func (l *LedgerLock) Inspect(ctx context.Context, identity string) (lock.Record, error) {
	record, _, err := l.readRow(ctx, identity)
	return record, err
}

// List returns all currently held locks in the ledger. The object store
// strategy has no equivalent; browsable lock state is the reason to pick the
// ledger backend.
func (l *LedgerLock) List(ctx context.Context) ([]lock.Record, error) {
	result, err := l.client.Scan(ctx, &dynamodb.ScanInput{
		TableName:      aws.String(l.tableName),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, errors.Join(lock.ErrTransient, err)
	}

	records := make([]lock.Record, 0, len(result.Items))
	for _, item := range result.Items {
		identity := ""
		if attr, ok := item[AttrKey].(*types.AttributeValueMemberS); ok {
			identity = attr.Value
		}
		record, _ := itemToRecord(identity, item)
		records = append(records, record)
	}
	return records, nil
}
