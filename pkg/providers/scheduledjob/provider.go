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

// Package scheduledjob persists recurring scan registrations. Execution time
// stamps are conditional so at-least-once firing can never move
// lastExecutionTime backwards.
package scheduledjob

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/samber/lo"

	"github.com/epam/ecc/pkg/apis"
	"github.com/epam/ecc/pkg/aws/sdk"
	"github.com/epam/ecc/pkg/errors"
)

// CustomerIndex serves per-customer listings.
const CustomerIndex = "customer-index"

// Patch mutates the mutable fields of a registration. Nil fields are kept.
type Patch struct {
	Enabled  *bool
	Schedule *string
}

type Provider interface {
	// Create registers the job; an existing name surfaces as a conditional
	// check failure.
	Create(ctx context.Context, job *apis.ScheduledJob) error
	// Get returns the registration or nil when it does not exist.
	Get(ctx context.Context, name string) (*apis.ScheduledJob, error)
	// List returns the customer's registrations, optionally narrowed to a
	// tenant set.
	List(ctx context.Context, customer string, tenants []string) ([]*apis.ScheduledJob, error)
	Update(ctx context.Context, name string, patch Patch) error
	Delete(ctx context.Context, name string) error
	// StampExecution records a fire; stamps older than the stored one are
	// dropped silently.
	StampExecution(ctx context.Context, name string, at time.Time) error
}

type DefaultProvider struct {
	api   sdk.DynamoDBAPI
	table string
}

func NewDefaultProvider(api sdk.DynamoDBAPI, table string) *DefaultProvider {
	return &DefaultProvider{api: api, table: table}
}

func (p *DefaultProvider) Create(ctx context.Context, job *apis.ScheduledJob) error {
	item, err := attributevalue.MarshalMap(job)
	if err != nil {
		return fmt.Errorf("marshaling scheduled job %q, %w", job.Name, err)
	}
	if _, err = p.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(p.table),
		Item:                     item,
		ConditionExpression:      aws.String("attribute_not_exists(#n)"),
		ExpressionAttributeNames: map[string]string{"#n": "name"},
	}); err != nil {
		return fmt.Errorf("creating scheduled job %q, %w", job.Name, err)
	}
	return nil
}

func (p *DefaultProvider) Get(ctx context.Context, name string) (*apis.ScheduledJob, error) {
	out, err := p.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(p.table),
		Key:       map[string]types.AttributeValue{"name": &types.AttributeValueMemberS{Value: name}},
	})
	if err != nil {
		return nil, fmt.Errorf("getting scheduled job %q, %w", name, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	job := &apis.ScheduledJob{}
	if err := attributevalue.UnmarshalMap(out.Item, job); err != nil {
		return nil, fmt.Errorf("unmarshaling scheduled job %q, %w", name, err)
	}
	return job, nil
}

func (p *DefaultProvider) List(ctx context.Context, customer string, tenants []string) ([]*apis.ScheduledJob, error) {
	var jobs []*apis.ScheduledJob
	var startKey map[string]types.AttributeValue
	for {
		out, err := p.api.Query(ctx, &dynamodb.QueryInput{
			TableName:                aws.String(p.table),
			IndexName:                aws.String(CustomerIndex),
			KeyConditionExpression:   aws.String("#c = :c"),
			ExpressionAttributeNames: map[string]string{"#c": "customer"},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":c": &types.AttributeValueMemberS{Value: customer},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("listing scheduled jobs of customer %q, %w", customer, err)
		}
		for _, item := range out.Items {
			job := &apis.ScheduledJob{}
			if err := attributevalue.UnmarshalMap(item, job); err != nil {
				return nil, fmt.Errorf("unmarshaling scheduled job item, %w", err)
			}
			jobs = append(jobs, job)
		}
		if startKey = out.LastEvaluatedKey; len(startKey) == 0 {
			break
		}
	}
	if len(tenants) > 0 {
		jobs = lo.Filter(jobs, func(job *apis.ScheduledJob, _ int) bool {
			return lo.Contains(tenants, job.TenantName)
		})
	}
	return jobs, nil
}

func (p *DefaultProvider) Update(ctx context.Context, name string, patch Patch) error {
	names := map[string]string{"#n": "name"}
	values := map[string]types.AttributeValue{}
	var set []string
	if patch.Enabled != nil {
		names["#e"] = "enabled"
		values[":e"] = &types.AttributeValueMemberBOOL{Value: *patch.Enabled}
		set = append(set, "#e = :e")
	}
	if patch.Schedule != nil {
		names["#s"] = "schedule"
		values[":s"] = &types.AttributeValueMemberS{Value: *patch.Schedule}
		set = append(set, "#s = :s")
	}
	if len(set) == 0 {
		return nil
	}
	if _, err := p.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(p.table),
		Key:                       map[string]types.AttributeValue{"name": &types.AttributeValueMemberS{Value: name}},
		UpdateExpression:          aws.String("SET " + strings.Join(set, ", ")),
		ConditionExpression:       aws.String("attribute_exists(#n)"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	}); err != nil {
		return fmt.Errorf("updating scheduled job %q, %w", name, err)
	}
	return nil
}

func (p *DefaultProvider) Delete(ctx context.Context, name string) error {
	if _, err := p.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(p.table),
		Key:       map[string]types.AttributeValue{"name": &types.AttributeValueMemberS{Value: name}},
	}); err != nil {
		return fmt.Errorf("deleting scheduled job %q, %w", name, err)
	}
	return nil
}

func (p *DefaultProvider) StampExecution(ctx context.Context, name string, at time.Time) error {
	if _, err := p.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(p.table),
		Key:                 map[string]types.AttributeValue{"name": &types.AttributeValueMemberS{Value: name}},
		UpdateExpression:    aws.String("SET #t = :t"),
		ConditionExpression: aws.String("attribute_exists(#n) AND (attribute_not_exists(#t) OR #t <= :t)"),
		ExpressionAttributeNames: map[string]string{
			"#n": "name",
			"#t": "lastExecutionTime",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t": &types.AttributeValueMemberS{Value: at.UTC().Format(time.RFC3339Nano)},
		},
	}); err != nil {
		if errors.IsConditionalCheckFailed(err) {
			return nil
		}
		return fmt.Errorf("stamping execution of scheduled job %q, %w", name, err)
	}
	return nil
}
