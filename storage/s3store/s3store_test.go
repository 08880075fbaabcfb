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
package s3store

import (
	"errors"
	"testing"

	"github.com/rivian/statelock/internal/s3utils"
	"github.com/rivian/statelock/storage"
)

func newTestStore(t *testing.T) (*S3ObjectStore, *s3utils.MockClient) {
	t.Helper()
	client := s3utils.NewMockClient(t)
	store, err := New(client, storage.NewPath("s3://test-bucket/locks"))
	if err != nil {
		t.Fatalf("expected New to succeed, got %v", err)
	}
	return store, client
}

func TestNewParsesBaseURI(t *testing.T) {
	store, _ := newTestStore(t)
	if store.bucket != "test-bucket" {
		t.Errorf("expected bucket 'test-bucket', got %s", store.bucket)
	}
	if store.path != "locks" {
		t.Errorf("expected path 'locks', got %s", store.path)
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)

	putPath := storage.NewPath("state.lock")
	if err := store.Put(putPath, []byte("some data")); err != nil {
		t.Errorf("err = %e;", err)
	}

	data, err := store.Get(putPath)
	if err != nil {
		t.Errorf("err = %e;", err)
	}
	if string(data) != "some data" {
		t.Errorf("object has: %s, want 'some data'", string(data))
	}

	meta, err := store.Head(putPath)
	if err != nil {
		t.Errorf("err = %e;", err)
	}
	if meta.Size != 9 {
		t.Errorf("object size: %d, want size=9", meta.Size)
	}
	if meta.ETag == "" {
		t.Errorf("Expected an ETag in the metadata")
	}
}

func TestGetMissing(t *testing.T) {
	store, _ := newTestStore(t)
	if _, err := store.Get(storage.NewPath("missing")); !errors.Is(err, storage.ErrObjectDoesNotExist) {
		t.Errorf("err = %e;", err)
	}
	if _, err := store.Head(storage.NewPath("missing")); !errors.Is(err, storage.ErrObjectDoesNotExist) {
		t.Errorf("err = %e;", err)
	}
}

func TestPutIfAbsent(t *testing.T) {
	store, _ := newTestStore(t)

	putPath := storage.NewPath("state.lock")
	token, err := store.PutIfAbsent(putPath, []byte("some data"))
	if err != nil {
		t.Errorf("err = %e;", err)
	}
	if token == "" {
		t.Errorf("Expected an ETag from the conditional put")
	}

	// A second conditional put on the same key must be rejected
	_, err = store.PutIfAbsent(putPath, []byte("other data"))
	if !errors.Is(err, storage.ErrObjectAlreadyExists) {
		t.Errorf("err = %e;", err)
	}

	data, err := store.Get(putPath)
	if err != nil {
		t.Errorf("err = %e;", err)
	}
	if string(data) != "some data" {
		t.Errorf("object has: %s, want 'some data'", string(data))
	}
}

func TestDeleteIfMatch(t *testing.T) {
	store, _ := newTestStore(t)

	putPath := storage.NewPath("state.lock")
	token, err := store.PutIfAbsent(putPath, []byte("some data"))
	if err != nil {
		t.Errorf("err = %e;", err)
	}

	// A mismatched token must not delete anything
	err = store.DeleteIfMatch(putPath, "mismatch")
	if !errors.Is(err, storage.ErrPreconditionFailed) {
		t.Errorf("err = %e;", err)
	}
	if _, err := store.Head(putPath); err != nil {
		t.Errorf("Object was deleted despite the token mismatch: %e", err)
	}

	if err := store.DeleteIfMatch(putPath, token); err != nil {
		t.Errorf("err = %e;", err)
	}
	if err := store.DeleteIfMatch(putPath, token); !errors.Is(err, storage.ErrObjectDoesNotExist) {
		t.Errorf("err = %e;", err)
	}
}

func TestDeleteMissing(t *testing.T) {
	store, _ := newTestStore(t)
	if err := store.Delete(storage.NewPath("missing")); !errors.Is(err, storage.ErrObjectDoesNotExist) {
		t.Errorf("err = %e;", err)
	}
}

func TestListAll(t *testing.T) {
	store, _ := newTestStore(t)

	filePaths := []string{"a.lock", "b.lock", "nested/c.lock"}
	for _, filePath := range filePaths {
		if err := store.Put(storage.NewPath(filePath), []byte("some data")); err != nil {
			t.Fatalf("Error setting up TestListAll: %e", err)
		}
	}

	results, err := store.ListAll(storage.NewPath(""))
	if err != nil {
		t.Errorf("err = %e;", err)
	}
	found := map[string]bool{}
	for _, r := range results.Objects {
		found[r.Location.Raw] = true
	}
	for _, filePath := range filePaths {
		if !found[filePath] {
			t.Errorf("expected %s in the listing, got %v", filePath, found)
		}
	}
}
