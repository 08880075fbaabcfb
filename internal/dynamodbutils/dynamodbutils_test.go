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
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const testTable = "test_table"

func createTestTable(t *testing.T, client *MockClient) {
	t.Helper()
	input := dynamodb.CreateTableInput{
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("key"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("key"), KeyType: types.KeyTypeHash},
		},
		TableName: aws.String(testTable),
	}
	if err := CreateTableIfNotExists(client, testTable, input, 3); err != nil {
		t.Fatalf("expected table creation to succeed, got %v", err)
	}
}

func keyOf(identity string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"key": &types.AttributeValueMemberS{Value: identity}}
}

func TestCreateTableIfNotExists(t *testing.T) {
	client := NewMockClient()
	createTestTable(t, client)

	// A second call must be a no-op
	createTestTable(t, client)

	result, err := client.DescribeTable(context.Background(), &dynamodb.DescribeTableInput{TableName: aws.String(testTable)})
	if err != nil {
		t.Fatalf("expected describe to succeed, got %v", err)
	}
	if result.Table.TableStatus != "ACTIVE" {
		t.Errorf("expected an active table, got %s", result.Table.TableStatus)
	}
}

func TestConditionalPutItem(t *testing.T) {
	client := NewMockClient()
	createTestTable(t, client)
	ctx := context.Background()

	item := map[string]types.AttributeValue{
		"key":   &types.AttributeValueMemberS{Value: "state"},
		"owner": &types.AttributeValueMemberS{Value: "host-x"},
	}
	input := &dynamodb.PutItemInput{
		TableName:                aws.String(testTable),
		Item:                     item,
		ConditionExpression:      aws.String("attribute_not_exists(#k)"),
		ExpressionAttributeNames: map[string]string{"#k": "key"},
	}
	if _, err := client.PutItem(ctx, input); err != nil {
		t.Fatalf("expected the first conditional put to succeed, got %v", err)
	}

	_, err := client.PutItem(ctx, input)
	var ccf *types.ConditionalCheckFailedException
	if !errors.As(err, &ccf) {
		t.Fatalf("expected a ConditionalCheckFailedException, got %v", err)
	}
	if len(client.TableItems(testTable)) != 1 {
		t.Errorf("expected 1 row, got %d", len(client.TableItems(testTable)))
	}
}

func TestConditionalDeleteItem(t *testing.T) {
	client := NewMockClient()
	createTestTable(t, client)
	ctx := context.Background()

	_, err := client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(testTable),
		Item: map[string]types.AttributeValue{
			"key":     &types.AttributeValueMemberS{Value: "state"},
			"version": &types.AttributeValueMemberS{Value: "v1"},
		},
	})
	if err != nil {
		t.Fatalf("expected put to succeed, got %v", err)
	}

	deleteWithVersion := func(version string) error {
		_, err := client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName:                 aws.String(testTable),
			Key:                       keyOf("state"),
			ConditionExpression:       aws.String("#v = :v"),
			ExpressionAttributeNames:  map[string]string{"#v": "version"},
			ExpressionAttributeValues: map[string]types.AttributeValue{":v": &types.AttributeValueMemberS{Value: version}},
		})
		return err
	}

	var ccf *types.ConditionalCheckFailedException
	if err := deleteWithVersion("v2"); !errors.As(err, &ccf) {
		t.Fatalf("expected a ConditionalCheckFailedException on version mismatch, got %v", err)
	}
	if err := deleteWithVersion("v1"); err != nil {
		t.Fatalf("expected the matching delete to succeed, got %v", err)
	}
	// A condition on a now missing row must also fail the check
	if err := deleteWithVersion("v1"); !errors.As(err, &ccf) {
		t.Fatalf("expected a ConditionalCheckFailedException on a missing row, got %v", err)
	}
}

func TestGetItemMissing(t *testing.T) {
	client := NewMockClient()
	createTestTable(t, client)

	result, err := client.GetItem(context.Background(), &dynamodb.GetItemInput{
		TableName: aws.String(testTable),
		Key:       keyOf("missing"),
	})
	if err != nil {
		t.Fatalf("expected get to succeed, got %v", err)
	}
	if result.Item != nil {
		t.Errorf("expected no item, got %v", result.Item)
	}
}
