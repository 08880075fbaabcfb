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
package leaselock

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rivian/statelock/internal/dynamodbutils"
	"github.com/rivian/statelock/lock"
)

const testTable = "test_leases"

func newTestLock(t *testing.T) (*LeaseLock, *dynamodbutils.MockClient) {
	t.Helper()
	client := dynamodbutils.NewMockClient()
	l, err := New(client, testTable, Options{})
	if err != nil {
		t.Fatalf("expected New to succeed, got %v", err)
	}
	t.Cleanup(l.Close)
	return l, client
}

// putLeaseRow inserts a lease row the way a holder would have left it.
func putLeaseRow(t *testing.T, client *dynamodbutils.MockClient, identity string, owner string) {
	t.Helper()
	data, err := json.Marshal(lock.Record{Identity: identity, Owner: owner, AcquiredAt: time.Now().UTC()})
	if err != nil {
		t.Fatal(err)
	}
	_, err = client.PutItem(context.Background(), &dynamodb.PutItemInput{
		TableName: aws.String(testTable),
		Item: map[string]types.AttributeValue{
			partitionKeyName:  &types.AttributeValueMemberS{Value: identity},
			dataAttributeName: &types.AttributeValueMemberB{Value: data},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestNewCreatesTable(t *testing.T) {
	_, client := newTestLock(t)
	if items := client.TableItems(testTable); items == nil {
		t.Error("expected the lease table to exist")
	}
}

func TestInspectDecodesLeaseData(t *testing.T) {
	l, client := newTestLock(t)
	putLeaseRow(t, client, "state", "host-x")

	record, err := l.Inspect(context.Background(), "state")
	if err != nil {
		t.Fatalf("expected inspect to succeed, got %v", err)
	}
	if record.Owner != "host-x" {
		t.Errorf("expected owner 'host-x', got %s", record.Owner)
	}
	if record.AcquiredAt.IsZero() {
		t.Error("expected a decoded acquire time")
	}
}

func TestInspectMissing(t *testing.T) {
	l, _ := newTestLock(t)
	if _, err := l.Inspect(context.Background(), "state"); !errors.Is(err, lock.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestForceRelease(t *testing.T) {
	l, client := newTestLock(t)
	putLeaseRow(t, client, "state", "host-x")

	if err := l.ForceRelease(context.Background(), "state"); err != nil {
		t.Fatalf("expected force release to succeed, got %v", err)
	}
	if items := client.TableItems(testTable); len(items) != 0 {
		t.Errorf("expected 0 rows, got %d", len(items))
	}
}

func TestForceReleaseMissing(t *testing.T) {
	l, _ := newTestLock(t)
	if err := l.ForceRelease(context.Background(), "state"); !errors.Is(err, lock.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestReleaseWithUnknownHandle(t *testing.T) {
	l, _ := newTestLock(t)
	handle := &lock.Handle{Identity: "state", Owner: "host-x", FencingToken: "stale"}
	if err := l.Release(context.Background(), handle); !errors.Is(err, lock.ErrLockLost) {
		t.Errorf("expected ErrLockLost, got %v", err)
	}
}
