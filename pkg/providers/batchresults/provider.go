/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package batchresults reads the event-driven scan units produced by the
// ingestor. Rows are created elsewhere; the executor only stamps outcomes.
package batchresults

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/epam/ecc/pkg/apis"
	"github.com/epam/ecc/pkg/aws/sdk"
)

type Provider interface {
	// Get returns the batch results row or nil when it does not exist.
	Get(ctx context.Context, id string) (*apis.BatchResults, error)
	// Complete stamps the outcome and stop time of an executed row.
	Complete(ctx context.Context, id string, status apis.JobStatus, reason string, stoppedAt time.Time) error
}

type DefaultProvider struct {
	api   sdk.DynamoDBAPI
	table string
}

func NewDefaultProvider(api sdk.DynamoDBAPI, table string) *DefaultProvider {
	return &DefaultProvider{api: api, table: table}
}

func (p *DefaultProvider) Get(ctx context.Context, id string) (*apis.BatchResults, error) {
	out, err := p.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(p.table),
		Key:       map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}},
	})
	if err != nil {
		return nil, fmt.Errorf("getting batch results %q, %w", id, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	results := &apis.BatchResults{}
	if err := attributevalue.UnmarshalMap(out.Item, results); err != nil {
		return nil, fmt.Errorf("unmarshaling batch results %q, %w", id, err)
	}
	return results, nil
}

func (p *DefaultProvider) Complete(ctx context.Context, id string, status apis.JobStatus, reason string, stoppedAt time.Time) error {
	names := map[string]string{"#s": "status", "#st": "stoppedAt"}
	values := map[string]types.AttributeValue{
		":s":  &types.AttributeValueMemberS{Value: string(status)},
		":st": &types.AttributeValueMemberS{Value: stoppedAt.UTC().Format(time.RFC3339Nano)},
	}
	set := []string{"#s = :s", "#st = :st"}
	if reason != "" {
		names["#r"] = "reason"
		values[":r"] = &types.AttributeValueMemberS{Value: reason}
		set = append(set, "#r = :r")
	}
	if _, err := p.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(p.table),
		Key:                       map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}},
		UpdateExpression:          aws.String("SET " + strings.Join(set, ", ")),
		ConditionExpression:       aws.String("attribute_exists(id)"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	}); err != nil {
		return fmt.Errorf("completing batch results %q, %w", id, err)
	}
	return nil
}
