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

// Package joblock enforces at-most-one active job per tenant. The lock is a
// tenant-setting row written with a conditional put so two concurrent
// submissions cannot both win.
package joblock

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/epam/ecc/pkg/apis"
	"github.com/epam/ecc/pkg/aws/sdk"
	"github.com/epam/ecc/pkg/errors"
)

type Provider interface {
	// Acquire stores the lock; a held lock surfaces as *errors.LockedError.
	Acquire(ctx context.Context, tenantName, jobID string, regions []string) error
	Release(ctx context.Context, tenantName string) error
	// IsLocked reports the holder's job id when the lock is held.
	IsLocked(ctx context.Context, tenantName string) (bool, string, error)
}

type DefaultProvider struct {
	api   sdk.DynamoDBAPI
	table string
	// Disabled permits parallel scans of one tenant: every operation becomes
	// a no-op and IsLocked always reports free.
	disabled bool
}

func NewDefaultProvider(api sdk.DynamoDBAPI, table string, disabled bool) *DefaultProvider {
	return &DefaultProvider{api: api, table: table, disabled: disabled}
}

func (p *DefaultProvider) key(tenantName string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"name": &types.AttributeValueMemberS{Value: tenantName},
		"key":  &types.AttributeValueMemberS{Value: apis.SettingJobLock},
	}
}

func (p *DefaultProvider) Acquire(ctx context.Context, tenantName, jobID string, regions []string) error {
	if p.disabled {
		return nil
	}
	value, err := attributevalue.Marshal(apis.JobLockValue{JobID: jobID, Regions: regions})
	if err != nil {
		return fmt.Errorf("marshaling lock value for tenant %q, %w", tenantName, err)
	}
	item := p.key(tenantName)
	item["value"] = value
	if _, err = p.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(p.table),
		Item:                     item,
		ConditionExpression:      aws.String("attribute_not_exists(#n)"),
		ExpressionAttributeNames: map[string]string{"#n": "name"},
	}); err != nil {
		if errors.IsConditionalCheckFailed(err) {
			_, holder, lerr := p.IsLocked(ctx, tenantName)
			if lerr != nil {
				holder = ""
			}
			return &errors.LockedError{TenantName: tenantName, JobID: holder}
		}
		return fmt.Errorf("acquiring job lock for tenant %q, %w", tenantName, err)
	}
	return nil
}

func (p *DefaultProvider) Release(ctx context.Context, tenantName string) error {
	if p.disabled {
		return nil
	}
	if _, err := p.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(p.table),
		Key:       p.key(tenantName),
	}); err != nil {
		return fmt.Errorf("releasing job lock for tenant %q, %w", tenantName, err)
	}
	return nil
}

func (p *DefaultProvider) IsLocked(ctx context.Context, tenantName string) (bool, string, error) {
	if p.disabled {
		return false, "", nil
	}
	out, err := p.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(p.table),
		Key:            p.key(tenantName),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, "", fmt.Errorf("reading job lock for tenant %q, %w", tenantName, err)
	}
	if len(out.Item) == 0 {
		return false, "", nil
	}
	var row struct {
		Value apis.JobLockValue `dynamodbav:"value"`
	}
	if err := attributevalue.UnmarshalMap(out.Item, &row); err != nil {
		return false, "", fmt.Errorf("unmarshaling job lock for tenant %q, %w", tenantName, err)
	}
	return true, row.Value.JobID, nil
}
