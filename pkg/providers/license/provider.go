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

// Package license resolves license rows. A tenant reaches its license through
// the CUSTODIAN_LICENSES parent application, whose meta maps each cloud to a
// license key.
package license

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/patrickmn/go-cache"

	"github.com/epam/ecc/pkg/apis"
	"github.com/epam/ecc/pkg/aws/sdk"
)

type Provider interface {
	// Get returns the license or nil when the key is unknown.
	Get(ctx context.Context, key string) (*apis.License, error)
	// ForApplication resolves the license the application grants for the
	// cloud; nil when the application carries no key for it.
	ForApplication(ctx context.Context, application *apis.Application, cloud apis.Cloud) (*apis.License, error)
}

type DefaultProvider struct {
	sync.Mutex
	api   sdk.DynamoDBAPI
	table string
	cache *cache.Cache
}

func NewDefaultProvider(api sdk.DynamoDBAPI, table string, licenseCache *cache.Cache) *DefaultProvider {
	return &DefaultProvider{api: api, table: table, cache: licenseCache}
}

func (p *DefaultProvider) Get(ctx context.Context, key string) (*apis.License, error) {
	p.Lock()
	defer p.Unlock()
	if cached, ok := p.cache.Get(key); ok {
		return cached.(*apis.License), nil
	}
	out, err := p.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(p.table),
		Key:       map[string]types.AttributeValue{"licenseKey": &types.AttributeValueMemberS{Value: key}},
	})
	if err != nil {
		return nil, fmt.Errorf("getting license %q, %w", key, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	license := &apis.License{}
	if err := attributevalue.UnmarshalMap(out.Item, license); err != nil {
		return nil, fmt.Errorf("unmarshaling license %q, %w", key, err)
	}
	p.cache.SetDefault(key, license)
	return license, nil
}

func (p *DefaultProvider) ForApplication(ctx context.Context, application *apis.Application, cloud apis.Cloud) (*apis.License, error) {
	if application == nil {
		return nil, nil
	}
	key, ok := application.Meta[string(cloud)]
	if !ok || key == "" {
		return nil, nil
	}
	return p.Get(ctx, key)
}
