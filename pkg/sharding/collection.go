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

package sharding

import (
	"context"
	"fmt"
	"sort"

	"github.com/mitchellh/hashstructure/v2"
	"k8s.io/apimachinery/pkg/util/sets"
)

// IO persists shards and meta for one collection binding (a job's key space,
// the latest state, or a difference).
type IO interface {
	// ReadShard returns the parts of one shard; nil when never written.
	ReadShard(ctx context.Context, index int) ([]Part, error)
	WriteShard(ctx context.Context, index int, parts []Part) error
	ReadMeta(ctx context.Context) (map[string]RuleMeta, error)
	WriteMeta(ctx context.Context, meta map[string]RuleMeta) error
}

// Collection aggregates findings into shards and carries the attached rule
// descriptors. All mutation is single-goroutine by design; the executor owns
// one collection per artifact.
type Collection struct {
	distributor Distributor
	io          IO
	shards      map[int]*Shard
	Meta        map[string]RuleMeta
}

func NewCollection(distributor Distributor, io IO) *Collection {
	return &Collection{
		distributor: distributor,
		io:          io,
		shards:      map[int]*Shard{},
		Meta:        map[string]RuleMeta{},
	}
}

func (c *Collection) shard(index int) *Shard {
	s, ok := c.shards[index]
	if !ok {
		s = NewShard()
		c.shards[index] = s
	}
	return s
}

// PutParts appends parts, routing each to its shard.
func (c *Collection) PutParts(parts ...Part) {
	for _, p := range parts {
		c.shard(c.distributor.Index(p.Location)).Put(p)
	}
}

// Indexes returns the populated shard indexes in ascending order.
func (c *Collection) Indexes() []int {
	indexes := make([]int, 0, len(c.shards))
	for i := range c.shards {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	return indexes
}

// Parts returns every part across all shards in shard, then part order.
func (c *Collection) Parts() []Part {
	var out []Part
	for _, i := range c.Indexes() {
		out = append(out, c.shards[i].Parts()...)
	}
	return out
}

// Empty reports whether the collection holds no parts.
func (c *Collection) Empty() bool {
	for _, s := range c.shards {
		if s.Len() > 0 {
			return false
		}
	}
	return true
}

// WriteAll persists every populated shard. Identical inputs produce
// byte-identical objects, which makes replays harmless.
func (c *Collection) WriteAll(ctx context.Context) error {
	for _, i := range c.Indexes() {
		if err := c.io.WriteShard(ctx, i, c.shards[i].Parts()); err != nil {
			return fmt.Errorf("writing shard %d, %w", i, err)
		}
	}
	return nil
}

// WriteMeta persists the attached rule descriptors.
func (c *Collection) WriteMeta(ctx context.Context) error {
	if err := c.io.WriteMeta(ctx, c.Meta); err != nil {
		return fmt.Errorf("writing meta, %w", err)
	}
	return nil
}

// FetchByIndexes materializes only the requested shards from storage,
// replacing any in-memory content for them.
func (c *Collection) FetchByIndexes(ctx context.Context, indexes []int) error {
	for _, i := range indexes {
		parts, err := c.io.ReadShard(ctx, i)
		if err != nil {
			return fmt.Errorf("fetching shard %d, %w", i, err)
		}
		shard := NewShard()
		for _, p := range parts {
			shard.Put(p)
		}
		c.shards[i] = shard
	}
	return nil
}

// FetchMeta loads previously persisted rule descriptors.
func (c *Collection) FetchMeta(ctx context.Context) error {
	meta, err := c.io.ReadMeta(ctx)
	if err != nil {
		return fmt.Errorf("fetching meta, %w", err)
	}
	if meta == nil {
		meta = map[string]RuleMeta{}
	}
	c.Meta = meta
	return nil
}

// Update merges other into c; per (policy, location) the higher timestamp
// wins. Both collections must share a shard layout.
func (c *Collection) Update(other *Collection) {
	for i, shard := range other.shards {
		for _, p := range shard.Parts() {
			c.shard(i).Put(p)
		}
	}
}

// UpdateMeta merges other's rule descriptors over c's.
func (c *Collection) UpdateMeta(meta map[string]RuleMeta) {
	for rule, m := range meta {
		c.Meta[rule] = m
	}
}

// Subtract returns a collection holding, per shard, the findings of c absent
// from other. Parts left without resources are dropped. The result is bound
// to io, which may differ from c's binding.
func (c *Collection) Subtract(other *Collection, io IO) *Collection {
	difference := NewCollection(c.distributor, io)
	for i, shard := range c.shards {
		otherShard, ok := other.shards[i]
		for _, p := range shard.Parts() {
			if !ok {
				difference.shard(i).Put(p)
				continue
			}
			base, found := otherShard.Get(p.Policy, p.Location)
			if !found {
				difference.shard(i).Put(p)
				continue
			}
			kept := subtractResources(p.Resources, base.Resources)
			if len(kept) == 0 {
				continue
			}
			difference.shard(i).Put(Part{
				Policy:    p.Policy,
				Location:  p.Location,
				Timestamp: p.Timestamp,
				Resources: kept,
			})
		}
	}
	return difference
}

// subtractResources keeps the resources of a absent from b, compared by a
// structural hash so key order and float encoding do not matter.
func subtractResources(a, b []map[string]any) []map[string]any {
	seen := sets.New[uint64]()
	for _, resource := range b {
		if h, err := hashResource(resource); err == nil {
			seen.Insert(h)
		}
	}
	var kept []map[string]any
	for _, resource := range a {
		h, err := hashResource(resource)
		if err != nil || !seen.Has(h) {
			kept = append(kept, resource)
		}
	}
	return kept
}

func hashResource(resource map[string]any) (uint64, error) {
	return hashstructure.Hash(resource, hashstructure.FormatV2, nil)
}
