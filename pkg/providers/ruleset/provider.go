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

// Package ruleset resolves ruleset rows and their policy content. Content is
// immutable per (name, version) so fetches are cached aggressively.
package ruleset

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/gzip"
	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	"sigs.k8s.io/yaml"

	"github.com/epam/ecc/pkg/apis"
	"github.com/epam/ecc/pkg/aws/sdk"
)

// CustomerIndex serves per-customer ruleset listings.
const CustomerIndex = "customer-index"

// ListRequest scopes a ruleset listing. Zero fields do not filter.
type ListRequest struct {
	Customer   string
	Cloud      apis.Cloud
	Licensed   *bool
	ActiveOnly bool
	// Names keeps only rulesets whose name is in the set when non-empty.
	Names []string
}

type Provider interface {
	List(ctx context.Context, req ListRequest) ([]*apis.Ruleset, error)
	// Get returns the ruleset or nil when it does not exist.
	Get(ctx context.Context, id string) (*apis.Ruleset, error)
	// Content fetches the policy descriptors of a standard ruleset from its
	// bucket location.
	Content(ctx context.Context, path apis.S3Path) ([]map[string]any, error)
	// ContentURL fetches policy descriptors from a pre-signed license manager
	// URL.
	ContentURL(ctx context.Context, url string) ([]map[string]any, error)
}

type DefaultProvider struct {
	sync.Mutex
	api   sdk.DynamoDBAPI
	s3api sdk.S3API
	http  *http.Client
	table string
	cache *cache.Cache
}

func NewDefaultProvider(api sdk.DynamoDBAPI, s3api sdk.S3API, httpClient *http.Client, table string, contentCache *cache.Cache) *DefaultProvider {
	return &DefaultProvider{
		api:   api,
		s3api: s3api,
		http:  httpClient,
		table: table,
		cache: contentCache,
	}
}

func (p *DefaultProvider) List(ctx context.Context, req ListRequest) ([]*apis.Ruleset, error) {
	var rulesets []*apis.Ruleset
	var startKey map[string]types.AttributeValue
	for {
		out, err := p.api.Query(ctx, &dynamodb.QueryInput{
			TableName:                aws.String(p.table),
			IndexName:                aws.String(CustomerIndex),
			KeyConditionExpression:   aws.String("#c = :c"),
			ExpressionAttributeNames: map[string]string{"#c": "customer"},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":c": &types.AttributeValueMemberS{Value: req.Customer},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("listing rulesets of customer %q, %w", req.Customer, err)
		}
		for _, item := range out.Items {
			rs := &apis.Ruleset{}
			if err := attributevalue.UnmarshalMap(item, rs); err != nil {
				return nil, fmt.Errorf("unmarshaling ruleset item, %w", err)
			}
			rulesets = append(rulesets, rs)
		}
		if startKey = out.LastEvaluatedKey; len(startKey) == 0 {
			break
		}
	}
	return lo.Filter(rulesets, func(rs *apis.Ruleset, _ int) bool {
		if req.Cloud != "" && rs.Cloud != req.Cloud {
			return false
		}
		if req.Licensed != nil && rs.Licensed != *req.Licensed {
			return false
		}
		if req.ActiveOnly && !rs.Active {
			return false
		}
		if len(req.Names) > 0 && !lo.Contains(req.Names, rs.Name) {
			return false
		}
		return true
	}), nil
}

func (p *DefaultProvider) Get(ctx context.Context, id string) (*apis.Ruleset, error) {
	out, err := p.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(p.table),
		Key:       map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}},
	})
	if err != nil {
		return nil, fmt.Errorf("getting ruleset %q, %w", id, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	rs := &apis.Ruleset{}
	if err := attributevalue.UnmarshalMap(out.Item, rs); err != nil {
		return nil, fmt.Errorf("unmarshaling ruleset %q, %w", id, err)
	}
	return rs, nil
}

func (p *DefaultProvider) Content(ctx context.Context, path apis.S3Path) ([]map[string]any, error) {
	cacheKey := fmt.Sprintf("s3://%s/%s", path.Bucket, path.Key)
	p.Lock()
	defer p.Unlock()
	if cached, ok := p.cache.Get(cacheKey); ok {
		return cached.([]map[string]any), nil
	}
	out, err := p.s3api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(path.Bucket),
		Key:    aws.String(path.Key),
	})
	if err != nil {
		return nil, fmt.Errorf("getting ruleset content %q, %w", cacheKey, err)
	}
	defer out.Body.Close()
	descriptors, err := decodeContent(out.Body, strings.HasSuffix(path.Key, ".gz"))
	if err != nil {
		return nil, fmt.Errorf("decoding ruleset content %q, %w", cacheKey, err)
	}
	p.cache.SetDefault(cacheKey, descriptors)
	return descriptors, nil
}

func (p *DefaultProvider) ContentURL(ctx context.Context, url string) ([]map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building ruleset content request, %w", err)
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching licensed ruleset content, %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching licensed ruleset content, unexpected status %d", resp.StatusCode)
	}
	descriptors, err := decodeContent(resp.Body, resp.Header.Get("Content-Encoding") == "gzip" || strings.Contains(url, ".json.gz"))
	if err != nil {
		return nil, fmt.Errorf("decoding licensed ruleset content, %w", err)
	}
	return descriptors, nil
}

// decodeContent accepts both a bare descriptor list and the wrapped
// {"policies": [...]} document rulesets are distributed as. Bundles are
// authored in YAML or JSON; JSON parses as YAML so one path covers both.
func decodeContent(r io.Reader, gzipped bool) ([]map[string]any, error) {
	if gzipped {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	raw, err = yaml.YAMLToJSON(raw)
	if err != nil {
		return nil, err
	}
	var wrapped struct {
		Policies []map[string]any `json:"policies"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Policies != nil {
		return wrapped.Policies, nil
	}
	var bare []map[string]any
	if err := json.Unmarshal(raw, &bare); err != nil {
		return nil, err
	}
	return bare, nil
}
