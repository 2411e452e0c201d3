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

package policy

import (
	"context"
	"sort"

	"github.com/samber/lo"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/epam/ecc/pkg/apis"
	"github.com/epam/ecc/pkg/logging"
)

// LoaderOptions narrow what a load instantiates.
type LoaderOptions struct {
	// Regions whitelists the regions regional policies are instantiated for.
	Regions []string
	// LoadGlobal keeps global policies regardless of the region whitelist.
	LoadGlobal bool
	// Names keeps only the listed policies when non-empty.
	Names []string
	// Exclude drops the listed policies.
	Exclude []string
}

// Loader instantiates descriptors through the engine. Descriptors that fail
// to build are skipped with a warning; a broken rule must not sink the scan.
type Loader struct {
	engine  Engine
	cloud   apis.Cloud
	opts    LoaderOptions
	names   sets.Set[string]
	exclude sets.Set[string]
}

func NewLoader(engine Engine, cloud apis.Cloud, opts LoaderOptions) *Loader {
	return &Loader{
		engine:  engine,
		cloud:   cloud,
		opts:    opts,
		names:   sets.New(opts.Names...),
		exclude: sets.New(opts.Exclude...),
	}
}

// IsGlobal implements the AWS global-policy rule: a policy is global iff its
// provider is not aws, its comment marks it global, its resource type is
// declared global, or its service is s3. Non-AWS clouds have no global
// policies; their whole scan is one logical location.
func (l *Loader) IsGlobal(d Descriptor) bool {
	if l.cloud != apis.CloudAWS {
		return false
	}
	if d.Provider() != "aws" {
		return true
	}
	if comment := d.Comment(); comment != "" && RuleIndex(comment).IsGlobal() {
		return true
	}
	if info, ok := l.engine.ResourceInfo(d.Resource()); ok && info.GlobalResource {
		return true
	}
	return d.Service() == "s3"
}

// Load instantiates every kept descriptor for its target regions. Global
// policies are emitted exactly once, bound to the global bucket.
func (l *Loader) Load(ctx context.Context, descriptors []Descriptor) ([]*Policy, error) {
	kept := l.keep(descriptors)
	if err := l.prepare(ctx, kept); err != nil {
		return nil, err
	}
	var policies []*Policy
	emitted := sets.New[string]()
	for _, d := range kept {
		if l.IsGlobal(d) {
			if !l.opts.LoadGlobal || emitted.Has(d.Name()) {
				continue
			}
			emitted.Insert(d.Name())
			if p := l.build(ctx, d, apis.GlobalRegion); p != nil {
				policies = append(policies, p)
			}
			continue
		}
		for _, region := range l.opts.Regions {
			if p := l.build(ctx, d, region); p != nil {
				policies = append(policies, p)
			}
		}
	}
	return policies, nil
}

// LoadFromRegionsToRules instantiates only the rules an event names, bound to
// the affected regions. A global policy is kept iff its name appears under
// any region.
func (l *Loader) LoadFromRegionsToRules(ctx context.Context, descriptors []Descriptor, mapping map[string][]string) ([]*Policy, error) {
	union := sets.New[string]()
	for _, rules := range mapping {
		union.Insert(rules...)
	}
	kept := lo.Filter(l.keep(descriptors), func(d Descriptor, _ int) bool {
		return union.Has(d.Name())
	})
	if err := l.prepare(ctx, kept); err != nil {
		return nil, err
	}
	regions := lo.Keys(mapping)
	sort.Strings(regions)
	var policies []*Policy
	emitted := sets.New[string]()
	for _, d := range kept {
		if l.IsGlobal(d) {
			if emitted.Has(d.Name()) {
				continue
			}
			emitted.Insert(d.Name())
			if p := l.build(ctx, d, apis.GlobalRegion); p != nil {
				policies = append(policies, p)
			}
			continue
		}
		for _, region := range regions {
			if !lo.Contains(mapping[region], d.Name()) {
				continue
			}
			if p := l.build(ctx, d, region); p != nil {
				policies = append(policies, p)
			}
		}
	}
	return policies, nil
}

func (l *Loader) keep(descriptors []Descriptor) []Descriptor {
	return lo.Filter(descriptors, func(d Descriptor, _ int) bool {
		name := d.Name()
		if name == "" || d.Resource() == "" {
			return false
		}
		if l.exclude.Has(name) {
			return false
		}
		return l.names.Len() == 0 || l.names.Has(name)
	})
}

// prepare registers only the union of resource types the kept descriptors
// need, grouped by provider so each provider initializes once.
func (l *Loader) prepare(ctx context.Context, descriptors []Descriptor) error {
	byProvider := lo.GroupBy(descriptors, func(d Descriptor) string { return d.Provider() })
	providers := lo.Keys(byProvider)
	sort.Strings(providers)
	for _, provider := range providers {
		resourceTypes := sets.New(lo.Map(byProvider[provider], func(d Descriptor, _ int) string {
			return d.Resource()
		})...)
		if err := l.engine.Prepare(ctx, sets.List(resourceTypes)); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) build(ctx context.Context, d Descriptor, region string) *Policy {
	runner, err := l.engine.Build(ctx, d, region)
	if err != nil {
		logging.FromContext(ctx).Info("skipping policy that failed to load", "policy", d.Name(), "region", region, "error", err.Error())
		return nil
	}
	return &Policy{Name: d.Name(), Resource: d.Resource(), Region: region, runner: runner}
}
