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

// Package policy turns raw rule descriptors into executable, region-bound
// policies. The evaluation engine itself is external; this package owns which
// descriptors are instantiated, for which regions, and exactly once for
// global AWS rules.
package policy

import (
	"context"
	"strings"

	"github.com/epam/ecc/pkg/apis"
)

// Descriptor is one raw policy mapping as distributed inside a ruleset.
type Descriptor map[string]any

func (d Descriptor) str(key string) string {
	v, _ := d[key].(string)
	return v
}

// Name returns the policy name; descriptors without one are invalid.
func (d Descriptor) Name() string { return d.str("name") }

// Resource returns the full resource type, e.g. "aws.ec2" or "s3".
func (d Descriptor) Resource() string { return d.str("resource") }

// Comment returns the flag-encoding comment attached by the rule author.
func (d Descriptor) Comment() string { return d.str("comment") }

// Provider returns the cloud prefix of the resource type. A bare resource
// type such as "s3" belongs to aws.
func (d Descriptor) Provider() string {
	resource := d.Resource()
	if provider, _, found := strings.Cut(resource, "."); found {
		return provider
	}
	return "aws"
}

// Service returns the resource type without its provider prefix.
func (d Descriptor) Service() string {
	resource := d.Resource()
	if _, service, found := strings.Cut(resource, "."); found {
		return service
	}
	return resource
}

// ResourceInfo describes a registered resource type.
type ResourceInfo struct {
	// GlobalResource marks resource types that exist outside any region.
	GlobalResource bool
	Service        string
}

// Runner is a single prepared policy execution returning the matched
// resources.
type Runner interface {
	Run(ctx context.Context) ([]map[string]any, error)
}

// Engine is the embedded policy evaluation engine contract. Prepare
// pre-registers the resource types a load will need; Build instantiates one
// descriptor for one region, expanding variables and validating it.
type Engine interface {
	Prepare(ctx context.Context, resourceTypes []string) error
	Build(ctx context.Context, d Descriptor, region string) (Runner, error)
	ResourceInfo(resourceType string) (ResourceInfo, bool)
}

// Policy is an executable policy bound to a region or to the synthetic
// global bucket.
type Policy struct {
	Name     string
	Resource string
	Region   string
	runner   Runner
}

// Run invokes the policy synchronously.
func (p *Policy) Run(ctx context.Context) ([]map[string]any, error) {
	return p.runner.Run(ctx)
}

// IsGlobal reports whether the policy is bound to the global bucket.
func (p *Policy) IsGlobal() bool {
	return p.Region == apis.GlobalRegion
}
