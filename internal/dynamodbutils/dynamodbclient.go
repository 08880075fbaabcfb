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
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrFailedToCreateTable is returned when table creation retry attempts are exhausted.
	ErrFailedToCreateTable error = errors.New("failed to create table")
)

// Client defines the methods implemented by dynamodb.Client that we use.
type Client interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// CreateTableIfNotExists creates a DynamoDB table only if it doesn't exist,
// waiting until it becomes active.
func CreateTableIfNotExists(client Client, tableName string, createTableInput dynamodb.CreateTableInput, maxRetryTableCreateAttempts uint16) error {
	attemptNumber := 0
	created := false

	for {
		if attemptNumber >= int(maxRetryTableCreateAttempts) {
			log.Debugf("statelock: Table create attempt failed. Attempts exhausted beyond maxRetryTableCreateAttempts of %d so failing.", maxRetryTableCreateAttempts)
			return ErrFailedToCreateTable
		}

		status := "CREATING"

		result, err := client.DescribeTable(context.TODO(), &dynamodb.DescribeTableInput{
			TableName: aws.String(tableName),
		})
		if err != nil {
			log.Infof("statelock: DynamoDB table %s does not exist. Creating it now.", tableName)
			_, err := client.CreateTable(context.TODO(), &createTableInput)
			if err != nil {
				log.Debugf("statelock: Table %s just created by concurrent process. %v", tableName, err)
			}

			created = true
		}

		if result == nil || result.Table == nil {
			attemptNumber++
			log.Infof("statelock: Waiting for %s table creation", tableName)
			time.Sleep(1 * time.Second)
			continue
		} else {
			status = string(result.Table.TableStatus)
		}

		if status == "ACTIVE" {
			if created {
				log.Infof("statelock: Successfully created DynamoDB table %s", tableName)
			} else {
				log.Debugf("statelock: Table %s already exists", tableName)
			}
		} else if status == "CREATING" {
			attemptNumber++
			log.Infof("statelock: Waiting for %s table creation", tableName)
			time.Sleep(1 * time.Second)
		} else {
			attemptNumber++
			log.Debugf("statelock: Table %s status: %s. Incrementing attempt number to %d and retrying. %v", tableName, status, attemptNumber, err)
			continue
		}

		return nil
	}
}
