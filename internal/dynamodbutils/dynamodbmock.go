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
package dynamodbutils

import (
	"context"
	"errors"
	"regexp"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/exp/slices"
)

var (
	// ErrTableDoesNotExist is returned by the mock for operations on unknown tables.
	ErrTableDoesNotExist error = errors.New("table does not exist")
)

// MockClient mocks the slice of the DynamoDB API used by the ledger lock,
// including attribute_not_exists conditions on PutItem and attribute equality
// conditions on DeleteItem. Failed conditions return a real
// types.ConditionalCheckFailedException so callers can classify with
// errors.As, the same way they would against DynamoDB.
type MockClient struct {
	Client
	mu               sync.Mutex
	tablesToKeyAttrs map[string]string
	tablesToItems    map[string][]map[string]types.AttributeValue
	// For testing: if MockError is set, any Client function called will return that error
	MockError error
}

// Compile time check that MockClient implements Client
var _ Client = (*MockClient)(nil)

var (
	notExistsPattern = regexp.MustCompile(`attribute_not_exists\((\S+)\)`)
	equalityPattern  = regexp.MustCompile(`(\S+) = (:\S+)`)
)

// NewMockClient creates a new MockClient instance.
func NewMockClient() *MockClient {
	m := new(MockClient)
	m.tablesToKeyAttrs = make(map[string]string)
	m.tablesToItems = make(map[string][]map[string]types.AttributeValue)
	return m
}

// TableItems returns the raw items of a mock table, for use in unit tests.
func (m *MockClient) TableItems(tableName string) []map[string]types.AttributeValue {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.tablesToItems[tableName])
}

// resolveName substitutes an expression attribute name placeholder like #k.
func resolveName(name string, names map[string]string) string {
	if resolved, ok := names[name]; ok {
		return resolved
	}
	return name
}

func (m *MockClient) findItem(tableName string, key map[string]types.AttributeValue) int {
	return slices.IndexFunc(m.tablesToItems[tableName], func(item map[string]types.AttributeValue) bool {
		for k, v := range key {
			if !cmp.Equal(item[k], v, cmp.AllowUnexported(types.AttributeValueMemberS{}, types.AttributeValueMemberN{})) {
				return false
			}
		}
		return true
	})
}

// GetItem gets an item from a mock DynamoDB table
func (m *MockClient) GetItem(_ context.Context, input *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.MockError != nil {
		return nil, m.MockError
	}

	_, ok := m.tablesToItems[*input.TableName]
	if !ok {
		return &dynamodb.GetItemOutput{}, ErrTableDoesNotExist
	}

	pos := m.findItem(*input.TableName, input.Key)
	if pos == -1 {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: m.tablesToItems[*input.TableName][pos]}, nil
}

// PutItem puts an item into a mock DynamoDB table
func (m *MockClient) PutItem(_ context.Context, input *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.MockError != nil {
		return nil, m.MockError
	}

	keyAttr, ok := m.tablesToKeyAttrs[*input.TableName]
	if !ok {
		return &dynamodb.PutItemOutput{}, ErrTableDoesNotExist
	}

	key := map[string]types.AttributeValue{keyAttr: input.Item[keyAttr]}
	pos := m.findItem(*input.TableName, key)

	if input.ConditionExpression != nil {
		subStrs := notExistsPattern.FindStringSubmatch(*input.ConditionExpression)
		if subStrs != nil && pos != -1 {
			attr := resolveName(subStrs[1], input.ExpressionAttributeNames)
			if _, exists := m.tablesToItems[*input.TableName][pos][attr]; exists {
				return &dynamodb.PutItemOutput{}, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
			}
		}
	}

	if pos != -1 {
		m.tablesToItems[*input.TableName][pos] = input.Item
	} else {
		m.tablesToItems[*input.TableName] = append(m.tablesToItems[*input.TableName], input.Item)
	}
	return &dynamodb.PutItemOutput{}, nil
}

// UpdateItem updates an item in a mock DynamoDB table
func (m *MockClient) UpdateItem(_ context.Context, input *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	if m.MockError != nil {
		return nil, m.MockError
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

// DeleteItem deletes an item from a mock DynamoDB table
func (m *MockClient) DeleteItem(_ context.Context, input *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.MockError != nil {
		return nil, m.MockError
	}

	_, ok := m.tablesToItems[*input.TableName]
	if !ok {
		return &dynamodb.DeleteItemOutput{}, ErrTableDoesNotExist
	}

	pos := m.findItem(*input.TableName, input.Key)

	if input.ConditionExpression != nil {
		// A condition on a missing item fails the same way DynamoDB fails it
		if pos == -1 {
			return &dynamodb.DeleteItemOutput{}, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
		}
		subStrs := equalityPattern.FindStringSubmatch(*input.ConditionExpression)
		if subStrs != nil {
			attr := resolveName(subStrs[1], input.ExpressionAttributeNames)
			expected := input.ExpressionAttributeValues[subStrs[2]]
			actual := m.tablesToItems[*input.TableName][pos][attr]
			if !cmp.Equal(actual, expected, cmp.AllowUnexported(types.AttributeValueMemberS{}, types.AttributeValueMemberN{})) {
				return &dynamodb.DeleteItemOutput{}, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
			}
		}
	}

	if pos != -1 {
		m.tablesToItems[*input.TableName] = slices.Delete(m.tablesToItems[*input.TableName], pos, pos+1)
	}
	return &dynamodb.DeleteItemOutput{}, nil
}

// Scan scans a mock DynamoDB table
func (m *MockClient) Scan(_ context.Context, input *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.MockError != nil {
		return nil, m.MockError
	}

	items, ok := m.tablesToItems[*input.TableName]
	if !ok {
		return &dynamodb.ScanOutput{}, ErrTableDoesNotExist
	}
	return &dynamodb.ScanOutput{Items: slices.Clone(items), Count: int32(len(items))}, nil
}

// CreateTable creates a mock DynamoDB table
func (m *MockClient) CreateTable(_ context.Context, input *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos := slices.IndexFunc(input.KeySchema, func(kse types.KeySchemaElement) bool {
		return kse.KeyType == types.KeyTypeHash
	})
	if pos != -1 {
		m.tablesToKeyAttrs[*input.TableName] = *input.KeySchema[pos].AttributeName
	}

	if _, ok := m.tablesToItems[*input.TableName]; !ok {
		m.tablesToItems[*input.TableName] = []map[string]types.AttributeValue{}
	}
	return &dynamodb.CreateTableOutput{}, nil
}

// DescribeTable describes a mock DynamoDB table
func (m *MockClient) DescribeTable(_ context.Context, input *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.tablesToItems[*input.TableName]
	if ok {
		return &dynamodb.DescribeTableOutput{Table: &types.TableDescription{TableStatus: "ACTIVE"}}, nil
	}

	return &dynamodb.DescribeTableOutput{}, ErrTableDoesNotExist
}
