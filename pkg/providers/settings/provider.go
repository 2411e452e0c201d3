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

// Package settings reads customer- and tenant-scoped configuration rows.
package settings

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"

	"github.com/epam/ecc/pkg/apis"
	"github.com/epam/ecc/pkg/aws/sdk"
)

type Provider interface {
	// RulesToExclude unions the customer- and tenant-level exclusion lists.
	RulesToExclude(ctx context.Context, customer, tenantName string) ([]string, error)
	// LastScanThreshold returns the customer's cooldown, zero when unset.
	LastScanThreshold(ctx context.Context, customer string) (time.Duration, error)
}

type DefaultProvider struct {
	sync.Mutex
	api            sdk.DynamoDBAPI
	customersTable string
	tenantsTable   string
	cache          *cache.Cache
}

func NewDefaultProvider(api sdk.DynamoDBAPI, customersTable, tenantsTable string, settingsCache *cache.Cache) *DefaultProvider {
	return &DefaultProvider{
		api:            api,
		customersTable: customersTable,
		tenantsTable:   tenantsTable,
		cache:          settingsCache,
	}
}

// get reads one setting row; the value attribute is unmarshaled into out.
// Returns false when the row does not exist.
func (p *DefaultProvider) get(ctx context.Context, table, name, key string, out any) (bool, error) {
	cacheKey := fmt.Sprintf("%s/%s/%s", table, name, key)
	p.Lock()
	defer p.Unlock()
	item, ok := p.cache.Get(cacheKey)
	if !ok {
		resp, err := p.api.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String(table),
			Key: map[string]types.AttributeValue{
				"name": &types.AttributeValueMemberS{Value: name},
				"key":  &types.AttributeValueMemberS{Value: key},
			},
		})
		if err != nil {
			return false, fmt.Errorf("getting setting %q of %q, %w", key, name, err)
		}
		var value types.AttributeValue
		if len(resp.Item) > 0 {
			value = resp.Item["value"]
		}
		p.cache.SetDefault(cacheKey, value)
		item = value
	}
	value, _ := item.(types.AttributeValue)
	if value == nil {
		return false, nil
	}
	if err := attributevalue.Unmarshal(value, out); err != nil {
		return false, fmt.Errorf("unmarshaling setting %q of %q, %w", key, name, err)
	}
	return true, nil
}

func (p *DefaultProvider) RulesToExclude(ctx context.Context, customer, tenantName string) ([]string, error) {
	var fromCustomer, fromTenant []string
	if _, err := p.get(ctx, p.customersTable, customer, apis.SettingRulesToExclude, &fromCustomer); err != nil {
		return nil, err
	}
	if tenantName != "" {
		if _, err := p.get(ctx, p.tenantsTable, tenantName, apis.SettingRulesToExclude, &fromTenant); err != nil {
			return nil, err
		}
	}
	return lo.Uniq(append(fromCustomer, fromTenant...)), nil
}

func (p *DefaultProvider) LastScanThreshold(ctx context.Context, customer string) (time.Duration, error) {
	var raw string
	ok, err := p.get(ctx, p.customersTable, customer, apis.SettingLastScanThreshold, &raw)
	if err != nil || !ok {
		return 0, err
	}
	seconds, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing last scan threshold %q of %q, %w", raw, customer, err)
	}
	return time.Duration(seconds) * time.Second, nil
}
