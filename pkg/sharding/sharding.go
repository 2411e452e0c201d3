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

// Package sharding partitions scan findings into stable shards keyed by the
// policy's region and diffs collections against each other. Shard files are
// gzipped JSON lists of parts with single-letter field names; the format is
// shared with downstream report consumers and must stay stable.
package sharding

import (
	"encoding/json"
	"sort"
	"time"
)

// Part carries the findings of one policy in one location.
type Part struct {
	Policy    string           `json:"p"`
	Location  string           `json:"l"`
	Timestamp float64          `json:"t"`
	Resources []map[string]any `json:"r"`
}

// NewPart stamps the part with the supplied wall-clock instant.
func NewPart(policy, location string, at time.Time, resources []map[string]any) Part {
	return Part{
		Policy:    policy,
		Location:  location,
		Timestamp: float64(at.UnixNano()) / float64(time.Second),
		Resources: resources,
	}
}

type partKey struct {
	policy   string
	location string
}

// Shard holds at most one part per (policy, location). Put keeps the part
// with the higher timestamp so replayed writes cannot regress state.
type Shard struct {
	parts map[partKey]Part
}

func NewShard() *Shard {
	return &Shard{parts: map[partKey]Part{}}
}

func (s *Shard) Put(p Part) {
	key := partKey{policy: p.Policy, location: p.Location}
	if existing, ok := s.parts[key]; ok && existing.Timestamp > p.Timestamp {
		return
	}
	s.parts[key] = p
}

// Get returns the part for the key, if present.
func (s *Shard) Get(policy, location string) (Part, bool) {
	p, ok := s.parts[partKey{policy: policy, location: location}]
	return p, ok
}

// Parts returns the parts in a deterministic order.
func (s *Shard) Parts() []Part {
	out := make([]Part, 0, len(s.parts))
	for _, p := range s.parts {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Policy != out[j].Policy {
			return out[i].Policy < out[j].Policy
		}
		return out[i].Location < out[j].Location
	})
	return out
}

func (s *Shard) Len() int {
	return len(s.parts)
}

// MarshalJSON serializes the shard as a sorted part list, which keeps
// identical inputs byte-identical on disk.
func (s *Shard) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Parts())
}

func (s *Shard) UnmarshalJSON(data []byte) error {
	var parts []Part
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	s.parts = make(map[partKey]Part, len(parts))
	for _, p := range parts {
		s.Put(p)
	}
	return nil
}

// RuleMeta describes one rule for report consumers; persisted alongside the
// latest state as meta.json.
type RuleMeta struct {
	Resource    string `json:"resource,omitempty"`
	Description string `json:"description,omitempty"`
	Comment     string `json:"comment,omitempty"`
}
