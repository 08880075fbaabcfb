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
package s3utils

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/rivian/statelock/storage"
	"github.com/rivian/statelock/storage/filestore"
)

// MockClient mocks the small slice of the S3 API we use, including the
// conditional write and delete behavior, on top of a FileObjectStore.
type MockClient struct {
	// Use a FileObjectStore to mock S3 storage
	fileStore *filestore.FileObjectStore
	// For testing: if MockError is set, any Client function called will return that error
	MockError error
	// For testing: disable object deleting
	DisableObjectDeleting bool
}

// Compile time check that MockClient implements Client
var _ Client = (*MockClient)(nil)

// NewMockClient creates a mock S3 client that uses a filestore in a temporary
// directory to store, retrieve, and manipulate objects.
func NewMockClient(t *testing.T) *MockClient {
	tmpDir := t.TempDir()
	client := new(MockClient)
	client.fileStore = filestore.New(storage.NewPath(tmpDir))
	return client
}

// FileStore gets the file store.
func (m *MockClient) FileStore() *filestore.FileObjectStore {
	return m.fileStore
}

// responseError builds the error shape the real S3 client returns for a
// given HTTP status, so callers can classify with awshttp.ResponseError.
func responseError(status int) error {
	return &awshttp.ResponseError{
		ResponseError: &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status}},
			Err:      errors.New(http.StatusText(status)),
		},
	}
}

// getFilePathFromS3Input generates the local file path from the S3 bucket and key
func getFilePathFromS3Input(bucket string, key string) (storage.Path, error) {
	filePath, err := url.JoinPath(bucket, key)
	if err != nil {
		return storage.NewPath(""), err
	}
	return storage.NewPath(filePath), nil
}

func (m *MockClient) HeadObject(ctx context.Context, input *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if m.MockError != nil {
		return nil, m.MockError
	}

	filePath, err := getFilePathFromS3Input(*input.Bucket, *input.Key)
	if err != nil {
		return nil, err
	}
	meta, err := m.fileStore.Head(filePath)
	if errors.Is(err, storage.ErrObjectDoesNotExist) {
		return nil, responseError(http.StatusNotFound)
	}
	if err != nil {
		return nil, err
	}

	headObjectOutput := new(s3.HeadObjectOutput)
	headObjectOutput.LastModified = &meta.LastModified
	headObjectOutput.ContentLength = aws.Int64(meta.Size)
	headObjectOutput.ETag = aws.String(meta.ETag)
	return headObjectOutput, nil
}

func (m *MockClient) GetObject(ctx context.Context, input *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if m.MockError != nil {
		return nil, m.MockError
	}

	filePath, err := getFilePathFromS3Input(*input.Bucket, *input.Key)
	if err != nil {
		return nil, err
	}
	meta, err := m.fileStore.Head(filePath)
	if errors.Is(err, storage.ErrObjectDoesNotExist) {
		return nil, responseError(http.StatusNotFound)
	}
	if err != nil {
		return nil, err
	}
	data, err := m.fileStore.Get(filePath)
	if err != nil {
		return nil, err
	}

	getObjectOutput := new(s3.GetObjectOutput)
	getObjectOutput.Body = io.NopCloser(bytes.NewReader(data))
	getObjectOutput.ContentLength = aws.Int64(int64(len(data)))
	getObjectOutput.ETag = aws.String(meta.ETag)
	getObjectOutput.LastModified = &meta.LastModified
	return getObjectOutput, nil
}

func (m *MockClient) PutObject(ctx context.Context, input *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.MockError != nil {
		return nil, m.MockError
	}

	filePath, err := getFilePathFromS3Input(*input.Bucket, *input.Key)
	if err != nil {
		return nil, err
	}

	buffer := new(bytes.Buffer)
	buffer.ReadFrom(input.Body)

	if aws.ToString(input.IfNoneMatch) == "*" {
		token, err := m.fileStore.PutIfAbsent(filePath, buffer.Bytes())
		if errors.Is(err, storage.ErrObjectAlreadyExists) {
			return nil, responseError(http.StatusPreconditionFailed)
		}
		if err != nil {
			return nil, err
		}
		putObjectOutput := new(s3.PutObjectOutput)
		putObjectOutput.ETag = aws.String(token)
		return putObjectOutput, nil
	}

	err = m.fileStore.Put(filePath, buffer.Bytes())
	if err != nil {
		return nil, err
	}
	meta, err := m.fileStore.Head(filePath)
	if err != nil {
		return nil, err
	}
	putObjectOutput := new(s3.PutObjectOutput)
	putObjectOutput.ETag = aws.String(meta.ETag)
	return putObjectOutput, nil
}

func (m *MockClient) DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if m.DisableObjectDeleting {
		return nil, storage.ErrDeleteObject
	}

	if m.MockError != nil {
		return nil, m.MockError
	}

	filePath, err := getFilePathFromS3Input(*input.Bucket, *input.Key)
	if err != nil {
		return nil, err
	}

	if input.IfMatch != nil {
		err = m.fileStore.DeleteIfMatch(filePath, aws.ToString(input.IfMatch))
		if errors.Is(err, storage.ErrObjectDoesNotExist) {
			return nil, responseError(http.StatusNotFound)
		}
		if errors.Is(err, storage.ErrPreconditionFailed) {
			return nil, responseError(http.StatusPreconditionFailed)
		}
		if err != nil {
			return nil, err
		}
		return new(s3.DeleteObjectOutput), nil
	}

	err = m.fileStore.Delete(filePath)
	// S3 deletes are idempotent; a missing key is not an error
	if err != nil && !errors.Is(err, storage.ErrObjectDoesNotExist) {
		return nil, err
	}
	return new(s3.DeleteObjectOutput), nil
}

func (m *MockClient) ListObjectsV2(ctx context.Context, input *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if m.MockError != nil {
		return nil, m.MockError
	}

	prefix, err := getFilePathFromS3Input(*input.Bucket, *input.Prefix)
	if err != nil {
		return nil, err
	}

	output, err := m.fileStore.ListAll(prefix)
	if err != nil {
		return nil, err
	}

	listObjectsOutput := new(s3.ListObjectsV2Output)
	listObjectsOutput.Contents = make([]types.Object, 0, len(output.Objects))
	for _, r := range output.Objects {
		// The filestore keys include the bucket; real S3 keys do not
		key := strings.TrimPrefix(r.Location.Raw, *input.Bucket+"/")
		lastModified := r.LastModified
		listObjectsOutput.Contents = append(listObjectsOutput.Contents, types.Object{
			Key:          &key,
			Size:         aws.Int64(r.Size),
			LastModified: &lastModified,
		})
	}
	listObjectsOutput.KeyCount = aws.Int32(int32(len(listObjectsOutput.Contents)))
	return listObjectsOutput, nil
}
