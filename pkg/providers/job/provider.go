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

// Package job persists scan jobs. Status transitions out of the two terminal
// states are rejected at the store layer so a late executor write can never
// resurrect a cancelled job.
package job

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

const (
	// CustomerIndex orders a customer's jobs by submission time.
	CustomerIndex = "customer-submittedAt-index"
	// TenantIndex orders a tenant's jobs by submission time.
	TenantIndex = "tenantName-submittedAt-index"

	defaultListLimit = 10
	maxListLimit     = 50
)

// StatusPatch mutates the lifecycle fields of a job.
type StatusPatch struct {
	Status    apis.JobStatus
	Reason    string
	StartedAt *time.Time
	StoppedAt *time.Time
}

// ListRequest scopes a job listing.
type ListRequest struct {
	Customer   string
	TenantName string
	Limit      int
}

type Provider interface {
	Create(ctx context.Context, job *apis.Job) error
	// Get returns the job or nil when it does not exist.
	Get(ctx context.Context, id string) (*apis.Job, error)
	List(ctx context.Context, req ListRequest) ([]*apis.Job, error)
	// LatestSucceeded returns the tenant's most recently submitted succeeded
	// job, or nil when the tenant has none.
	LatestSucceeded(ctx context.Context, tenantName string) (*apis.Job, error)
	// UpdateStatus applies the patch unless the job is already terminal, in
	// which case the returned error satisfies errors.IsConditionalCheckFailed.
	UpdateStatus(ctx context.Context, id string, patch StatusPatch) error
}

type DefaultProvider struct {
	api   sdk.DynamoDBAPI
	table string
}

func NewDefaultProvider(api sdk.DynamoDBAPI, table string) *DefaultProvider {
	return &DefaultProvider{api: api, table: table}
}

func (p *DefaultProvider) Create(ctx context.Context, job *apis.Job) error {
	item, err := attributevalue.MarshalMap(job)
	if err != nil {
		return fmt.Errorf("marshaling job %q, %w", job.ID, err)
	}
	if _, err = p.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(p.table),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("creating job %q, %w", job.ID, err)
	}
	return nil
}

func (p *DefaultProvider) Get(ctx context.Context, id string) (*apis.Job, error) {
	out, err := p.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(p.table),
		Key:       map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}},
	})
	if err != nil {
		return nil, fmt.Errorf("getting job %q, %w", id, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	job := &apis.Job{}
	if err := attributevalue.UnmarshalMap(out.Item, job); err != nil {
		return nil, fmt.Errorf("unmarshaling job %q, %w", id, err)
	}
	return job, nil
}

func (p *DefaultProvider) List(ctx context.Context, req ListRequest) ([]*apis.Job, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	input := &dynamodb.QueryInput{
		TableName:        aws.String(p.table),
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	}
	if req.TenantName != "" {
		input.IndexName = aws.String(TenantIndex)
		input.KeyConditionExpression = aws.String("#t = :t")
		input.ExpressionAttributeNames = map[string]string{"#t": "tenantName", "#c": "customer"}
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":t": &types.AttributeValueMemberS{Value: req.TenantName},
			":c": &types.AttributeValueMemberS{Value: req.Customer},
		}
		input.FilterExpression = aws.String("#c = :c")
	} else {
		input.IndexName = aws.String(CustomerIndex)
		input.KeyConditionExpression = aws.String("#c = :c")
		input.ExpressionAttributeNames = map[string]string{"#c": "customer"}
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":c": &types.AttributeValueMemberS{Value: req.Customer},
		}
	}
	out, err := p.api.Query(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("listing jobs for customer %q, %w", req.Customer, err)
	}
	jobs := make([]*apis.Job, 0, len(out.Items))
	for _, item := range out.Items {
		job := &apis.Job{}
		if err := attributevalue.UnmarshalMap(item, job); err != nil {
			return nil, fmt.Errorf("unmarshaling job item, %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (p *DefaultProvider) LatestSucceeded(ctx context.Context, tenantName string) (*apis.Job, error) {
	var startKey map[string]types.AttributeValue
	for {
		out, err := p.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(p.table),
			IndexName:              aws.String(TenantIndex),
			ScanIndexForward:       aws.Bool(false),
			KeyConditionExpression: aws.String("#t = :t"),
			FilterExpression:       aws.String("#s = :s"),
			ExpressionAttributeNames: map[string]string{
				"#t": "tenantName",
				"#s": "status",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":t": &types.AttributeValueMemberS{Value: tenantName},
				":s": &types.AttributeValueMemberS{Value: string(apis.JobSucceeded)},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("querying succeeded jobs of tenant %q, %w", tenantName, err)
		}
		if len(out.Items) > 0 {
			job := &apis.Job{}
			if err := attributevalue.UnmarshalMap(out.Items[0], job); err != nil {
				return nil, fmt.Errorf("unmarshaling job item, %w", err)
			}
			return job, nil
		}
		if startKey = out.LastEvaluatedKey; len(startKey) == 0 {
			return nil, nil
		}
	}
}

func (p *DefaultProvider) UpdateStatus(ctx context.Context, id string, patch StatusPatch) error {
	names := map[string]string{"#s": "status"}
	values := map[string]types.AttributeValue{
		":s":         &types.AttributeValueMemberS{Value: string(patch.Status)},
		":failed":    &types.AttributeValueMemberS{Value: string(apis.JobFailed)},
		":succeeded": &types.AttributeValueMemberS{Value: string(apis.JobSucceeded)},
	}
	set := []string{"#s = :s"}
	if patch.Reason != "" {
		names["#r"] = "reason"
		values[":r"] = &types.AttributeValueMemberS{Value: patch.Reason}
		set = append(set, "#r = :r")
	}
	if patch.StartedAt != nil {
		names["#sa"] = "startedAt"
		values[":sa"] = &types.AttributeValueMemberS{Value: patch.StartedAt.UTC().Format(time.RFC3339Nano)}
		set = append(set, "#sa = :sa")
	}
	if patch.StoppedAt != nil {
		names["#st"] = "stoppedAt"
		values[":st"] = &types.AttributeValueMemberS{Value: patch.StoppedAt.UTC().Format(time.RFC3339Nano)}
		set = append(set, "#st = :st")
	}
	if _, err := p.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(p.table),
		Key:                       map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}},
		UpdateExpression:          aws.String("SET " + strings.Join(set, ", ")),
		ConditionExpression:       aws.String("attribute_exists(id) AND #s <> :failed AND #s <> :succeeded"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	}); err != nil {
		return fmt.Errorf("updating status of job %q to %s, %w", id, patch.Status, err)
	}
	return nil
}
