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

// Package tenant resolves tenants, platforms and their linked applications.
// Entities reference each other by id only; this provider is the single
// place those ids are dereferenced.
package tenant

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/epam/ecc/pkg/apis"
	"github.com/epam/ecc/pkg/aws/sdk"
)

type Provider interface {
	// Get returns the tenant or nil when it does not exist.
	Get(ctx context.Context, name string) (*apis.Tenant, error)
	// GetPlatform returns the platform or nil when it does not exist.
	GetPlatform(ctx context.Context, id string) (*apis.Platform, error)
	// GetApplication returns the application or nil when it does not exist.
	GetApplication(ctx context.Context, id string) (*apis.Application, error)
	// ApplicationFor dereferences the tenant's parent application of the
	// given type; nil when the tenant has no such parent.
	ApplicationFor(ctx context.Context, tenant *apis.Tenant, typ apis.ApplicationType) (*apis.Application, error)
}

type DefaultProvider struct {
	api               sdk.DynamoDBAPI
	tenantsTable      string
	platformsTable    string
	applicationsTable string
}

func NewDefaultProvider(api sdk.DynamoDBAPI, tenantsTable, platformsTable, applicationsTable string) *DefaultProvider {
	return &DefaultProvider{
		api:               api,
		tenantsTable:      tenantsTable,
		platformsTable:    platformsTable,
		applicationsTable: applicationsTable,
	}
}

func (p *DefaultProvider) Get(ctx context.Context, name string) (*apis.Tenant, error) {
	out, err := p.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(p.tenantsTable),
		Key:       map[string]types.AttributeValue{"name": &types.AttributeValueMemberS{Value: name}},
	})
	if err != nil {
		return nil, fmt.Errorf("getting tenant %q, %w", name, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	tenant := &apis.Tenant{}
	if err := attributevalue.UnmarshalMap(out.Item, tenant); err != nil {
		return nil, fmt.Errorf("unmarshaling tenant %q, %w", name, err)
	}
	return tenant, nil
}

func (p *DefaultProvider) GetPlatform(ctx context.Context, id string) (*apis.Platform, error) {
	out, err := p.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(p.platformsTable),
		Key:       map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}},
	})
	if err != nil {
		return nil, fmt.Errorf("getting platform %q, %w", id, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	platform := &apis.Platform{}
	if err := attributevalue.UnmarshalMap(out.Item, platform); err != nil {
		return nil, fmt.Errorf("unmarshaling platform %q, %w", id, err)
	}
	return platform, nil
}

func (p *DefaultProvider) GetApplication(ctx context.Context, id string) (*apis.Application, error) {
	out, err := p.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(p.applicationsTable),
		Key:       map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}},
	})
	if err != nil {
		return nil, fmt.Errorf("getting application %q, %w", id, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	application := &apis.Application{}
	if err := attributevalue.UnmarshalMap(out.Item, application); err != nil {
		return nil, fmt.Errorf("unmarshaling application %q, %w", id, err)
	}
	return application, nil
}

func (p *DefaultProvider) ApplicationFor(ctx context.Context, tenant *apis.Tenant, typ apis.ApplicationType) (*apis.Application, error) {
	id, ok := tenant.Parents[typ]
	if !ok || id == "" {
		return nil, nil
	}
	application, err := p.GetApplication(ctx, id)
	if err != nil {
		return nil, err
	}
	if application != nil && application.Type != typ {
		return nil, fmt.Errorf("tenant %q parent %q has type %q, want %q", tenant.Name, id, application.Type, typ)
	}
	return application, nil
}
