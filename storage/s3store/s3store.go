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

// Package s3store provides an ObjectStore backed by S3. The conditional
// operations use S3 conditional writes (If-None-Match on PutObject and
// If-Match on DeleteObject) and require a bucket with strong consistency,
// which all general purpose S3 buckets have.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rivian/statelock/internal/s3utils"
	"github.com/rivian/statelock/storage"
)

// S3ObjectStore provides S3 storage
type S3ObjectStore struct {
	Client  s3utils.Client
	baseURI storage.Path
	bucket  string
	path    string
}

// Compile time check that S3ObjectStore implements storage.ObjectStore
var _ storage.ObjectStore = (*S3ObjectStore)(nil)

// New creates a new S3ObjectStore instance from a client and a base URI of
// the form s3://bucket/prefix.
func New(client s3utils.Client, baseURI storage.Path) (*S3ObjectStore, error) {
	store := new(S3ObjectStore)
	store.Client = client
	store.baseURI = baseURI

	baseURL, err := baseURI.ParseURL()
	if err != nil {
		return nil, err
	}

	store.bucket = baseURL.Host
	store.path = strings.TrimPrefix(baseURL.Path, "/")

	return store, nil
}

// httpStatus extracts the HTTP status code from an S3 client error, or 0.
func httpStatus(err error) int {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode()
	}
	return 0
}

func (s *S3ObjectStore) key(location storage.Path) (string, error) {
	key, err := url.JoinPath(s.path, location.Raw)
	if err != nil {
		return "", errors.Join(storage.ErrURLJoinPath, err)
	}
	return key, nil
}

func (s *S3ObjectStore) Put(location storage.Path, data []byte) error {
	key, err := s.key(location)
	if err != nil {
		return err
	}
	_, err = s.Client.PutObject(context.Background(),
		&s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		})
	if err != nil {
		return errors.Join(storage.ErrPutObject, err)
	}
	return nil
}

func (s *S3ObjectStore) PutIfAbsent(location storage.Path, data []byte) (string, error) {
	key, err := s.key(location)
	if err != nil {
		return "", err
	}
	result, err := s.Client.PutObject(context.Background(),
		&s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			IfNoneMatch: aws.String("*"),
		})
	// 412 is the precondition failure; 409 is returned when a concurrent
	// conditional write on the same key is in flight
	if status := httpStatus(err); status == http.StatusPreconditionFailed || status == http.StatusConflict {
		return "", errors.Join(storage.ErrObjectAlreadyExists, err)
	}
	if err != nil {
		return "", errors.Join(storage.ErrPutObject, err)
	}
	return aws.ToString(result.ETag), nil
}

func (s *S3ObjectStore) Get(location storage.Path) ([]byte, error) {
	key, err := s.key(location)
	if err != nil {
		return nil, err
	}
	resp, err := s.Client.GetObject(context.Background(),
		&s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
	if httpStatus(err) == http.StatusNotFound {
		return nil, errors.Join(storage.ErrObjectDoesNotExist, err)
	}
	if err != nil {
		return nil, errors.Join(storage.ErrGetObject, err)
	}
	defer resp.Body.Close()
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Join(storage.ErrGetObject, err)
	}
	return bodyBytes, nil
}

func (s *S3ObjectStore) Head(location storage.Path) (storage.ObjectMeta, error) {
	var m storage.ObjectMeta
	key, err := s.key(location)
	if err != nil {
		return m, err
	}
	result, err := s.Client.HeadObject(context.Background(),
		&s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
	if httpStatus(err) == http.StatusNotFound {
		return m, errors.Join(storage.ErrObjectDoesNotExist, err)
	}
	if err != nil {
		return m, errors.Join(storage.ErrHeadObject, err)
	}

	m.Location = location
	m.LastModified = *result.LastModified
	m.Size = aws.ToInt64(result.ContentLength)
	m.ETag = aws.ToString(result.ETag)

	return m, nil
}

func (s *S3ObjectStore) Delete(location storage.Path) error {
	key, err := s.key(location)
	if err != nil {
		return err
	}
	// S3 deletes of missing keys succeed, so check first to report a
	// missing object. This is best effort only and is used for operator
	// recovery reporting, not for correctness.
	if _, err := s.Head(location); errors.Is(err, storage.ErrObjectDoesNotExist) {
		return err
	}
	_, err = s.Client.DeleteObject(context.Background(),
		&s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
	if err != nil {
		return errors.Join(storage.ErrDeleteObject, err)
	}
	return nil
}

func (s *S3ObjectStore) DeleteIfMatch(location storage.Path, token string) error {
	key, err := s.key(location)
	if err != nil {
		return err
	}
	_, err = s.Client.DeleteObject(context.Background(),
		&s3.DeleteObjectInput{
			Bucket:  aws.String(s.bucket),
			Key:     aws.String(key),
			IfMatch: aws.String(token),
		})
	switch httpStatus(err) {
	case http.StatusNotFound:
		return errors.Join(storage.ErrObjectDoesNotExist, err)
	case http.StatusPreconditionFailed, http.StatusConflict:
		return errors.Join(storage.ErrPreconditionFailed, err)
	}
	if err != nil {
		return errors.Join(storage.ErrDeleteObject, err)
	}
	return nil
}

func (s *S3ObjectStore) ListAll(prefix storage.Path) (storage.ListResult, error) {
	// We will need the store path with the trailing / for trimming results
	pathWithSeparators := s.path
	if !strings.HasSuffix(pathWithSeparators, "/") {
		pathWithSeparators = pathWithSeparators + "/"
	}

	// The fullPrefix prepends the store path so that AWS uses the entire path
	// for pattern matching the key
	var fullPrefix string
	var err error
	if prefix.Raw == "" {
		fullPrefix = pathWithSeparators
	} else {
		fullPrefix, err = url.JoinPath(s.path, prefix.Raw)
		if err != nil {
			return storage.ListResult{}, errors.Join(storage.ErrURLJoinPath, err)
		}
	}

	listInput := s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(fullPrefix),
	}

	var listResult storage.ListResult
	p := s3.NewListObjectsV2Paginator(s.Client, &listInput)
	for p.HasMorePages() {
		page, err := p.NextPage(context.TODO())
		if err != nil {
			return listResult, errors.Join(storage.ErrListObjects, err)
		}

		for _, result := range page.Contents {
			location := strings.TrimPrefix(*result.Key, pathWithSeparators)
			listResult.Objects = append(listResult.Objects, storage.ObjectMeta{
				Location:     storage.NewPath(location),
				LastModified: *result.LastModified,
				Size:         aws.ToInt64(result.Size),
				ETag:         aws.ToString(result.ETag),
			})
		}
	}

	return listResult, nil
}

// BaseURI gets the store's base URI.
func (s *S3ObjectStore) BaseURI() storage.Path {
	return s.baseURI
}
