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

// Package storage contains the resources required to interact with an object store.
package storage

import (
	"errors"
	"net/url"
	"path/filepath"
	"time"
)

var (
	// ErrObjectAlreadyExists is returned when a conditional put finds an existing object.
	ErrObjectAlreadyExists error = errors.New("the object already exists")
	// ErrObjectDoesNotExist is returned when an object does not exist.
	ErrObjectDoesNotExist error = errors.New("the object does not exist")
	// ErrPreconditionFailed is returned when a conditional delete finds a token mismatch.
	ErrPreconditionFailed error = errors.New("the object precondition token does not match")
	// ErrPutObject is returned when an object cannot be created.
	ErrPutObject error = errors.New("error while putting the object")
	// ErrGetObject is returned when an object cannot be retrieved.
	ErrGetObject error = errors.New("error while getting the object")
	// ErrHeadObject is returned when an object's metadata cannot be retrieved.
	ErrHeadObject error = errors.New("error while getting the object head")
	// ErrDeleteObject is returned when an object cannot be deleted.
	ErrDeleteObject error = errors.New("error while deleting the object")
	// ErrURLJoinPath is returned when paths cannot be joined.
	ErrURLJoinPath error = errors.New("error during url.JoinPath")
	// ErrListObjects is returned when objects cannot be listed.
	ErrListObjects error = errors.New("error while listing objects")
)

// Path stores the location of an object.
type Path struct {
	Raw string
}

// NewPath creates a new Path instance.
func NewPath(raw string) Path {
	p := new(Path)
	p.Raw = raw
	return *p
}

// ParseURL parses a raw path into a URL structure.
func (p Path) ParseURL() (*url.URL, error) {
	return url.Parse(p.Raw)
}

// Base returns the base of a path.
func (p Path) Base() string {
	return filepath.Base(p.Raw)
}

// Join joins two paths.
func (p Path) Join(path Path) Path {
	return Path{Raw: filepath.Join(p.Raw, path.Raw)}
}

// ObjectMeta is the metadata that describes an object.
type ObjectMeta struct {
	// The full path to the object
	Location Path
	// The last modified time
	LastModified time.Time
	// The size in bytes of the object
	Size int64
	// The store's precondition token for the current object version.
	// For S3 this is the ETag; for the file store it is an md5 content hash.
	ETag string
}

// ListResult is the result of a list call.
type ListResult struct {
	Objects   []ObjectMeta
	NextToken string
}

// ObjectStore is a universal API to multiple object store services.
//
// PutIfAbsent and DeleteIfMatch must be true atomic conditional operations on
// the backing store. Locking built on this interface depends on that; a store
// that emulates them with a read followed by a write must not be used.
type ObjectStore interface {
	// Save the provided bytes to the specified location, overwriting any
	// existing object.
	Put(location Path, data []byte) error

	// Save the provided bytes to the specified location only if no object
	// exists there yet. Returns the store's precondition token for the new
	// object version. Returns ErrObjectAlreadyExists if the location is
	// occupied.
	PutIfAbsent(location Path, data []byte) (string, error)

	// Return the bytes stored at the specified location.
	Get(location Path) ([]byte, error)

	// Return the metadata for the specified location.
	Head(location Path) (ObjectMeta, error)

	// Delete the object at the specified location unconditionally.
	Delete(location Path) error

	// Delete the object at the specified location only if its current
	// precondition token matches the given token. Returns
	// ErrPreconditionFailed on a mismatch and ErrObjectDoesNotExist if there
	// is no object.
	DeleteIfMatch(location Path, token string) error

	// List all objects with the given prefix, paging internally as required.
	//
	// Prefixes are evaluated on a path segment basis, i.e. `foo/bar/` is a
	// prefix of `foo/bar/x` but not of `foo/bar_baz/x`.
	ListAll(prefix Path) (ListResult, error)

	// BaseURI gets a store's base URI.
	BaseURI() Path
}
