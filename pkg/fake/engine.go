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

package fake

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/aws/smithy-go"

	"github.com/epam/ecc/pkg/executor"
	"github.com/epam/ecc/pkg/policy"
)

// APIError builds a service error carrying the given code, for exercising the
// runner's classification.
func APIError(code, message string) error {
	return &smithy.GenericAPIError{Code: code, Message: message}
}

// Outcome scripts one policy execution.
type Outcome struct {
	Resources []map[string]any
	Err       error
}

// Engine implements policy.Engine with scripted outcomes. Results are keyed
// by "name/region" first, then by bare name.
type Engine struct {
	mu sync.Mutex
	// Resources registers resource-type info consulted by the loader.
	Resources map[string]policy.ResourceInfo
	Results   map[string]Outcome
	Prepared  []string
	// BuildError fails the next Build calls; the loader skips such policies.
	BuildError AtomicError
}

func NewEngine() *Engine {
	e := &Engine{}
	e.Reset()
	return e
}

func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Resources = map[string]policy.ResourceInfo{}
	e.Results = map[string]Outcome{}
	e.Prepared = nil
	e.BuildError.Reset()
}

// Script sets the outcome of one policy in one region; an empty region
// scripts every region.
func (e *Engine) Script(name, region string, outcome Outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := name
	if region != "" {
		key = name + "/" + region
	}
	e.Results[key] = outcome
}

func (e *Engine) Prepare(_ context.Context, resourceTypes []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Prepared = append(e.Prepared, resourceTypes...)
	return nil
}

func (e *Engine) Build(_ context.Context, d policy.Descriptor, region string) (policy.Runner, error) {
	if err := e.BuildError.Get(); err != nil {
		return nil, err
	}
	name := d.Name()
	return runnerFunc(func(context.Context) ([]map[string]any, error) {
		e.mu.Lock()
		outcome, ok := e.Results[name+"/"+region]
		if !ok {
			outcome = e.Results[name]
		}
		e.mu.Unlock()
		return outcome.Resources, outcome.Err
	}), nil
}

func (e *Engine) ResourceInfo(resourceType string) (policy.ResourceInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	info, ok := e.Resources[resourceType]
	return info, ok
}

type runnerFunc func(ctx context.Context) ([]map[string]any, error)

func (f runnerFunc) Run(ctx context.Context) ([]map[string]any, error) {
	return f(ctx)
}

// Spawner implements executor.Spawner with canned per-region results.
type Spawner struct {
	mu sync.Mutex
	// Results keyed by region; event-driven tasks carry no region and map to
	// the empty key.
	Results map[string]*executor.RegionResult
	Errs    map[string]error
	Tasks   []*executor.RegionTask
	Envs    [][]string
}

func NewSpawner() *Spawner {
	s := &Spawner{}
	s.Reset()
	return s
}

func (s *Spawner) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Results = map[string]*executor.RegionResult{}
	s.Errs = map[string]error{}
	s.Tasks = nil
	s.Envs = nil
}

func (s *Spawner) Spawn(_ context.Context, task *executor.RegionTask, extraEnv []string) (*executor.RegionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Tasks = append(s.Tasks, task)
	s.Envs = append(s.Envs, extraEnv)
	if err, ok := s.Errs[task.Region]; ok {
		return nil, err
	}
	if result, ok := s.Results[task.Region]; ok {
		return result, nil
	}
	return &executor.RegionResult{}, nil
}

// InProcessSpawner runs region tasks through the real child entrypoint
// without forking, backed by the given engine.
type InProcessSpawner struct {
	Engine policy.Engine
}

func (s *InProcessSpawner) Spawn(ctx context.Context, task *executor.RegionTask, _ []string) (*executor.RegionResult, error) {
	file, err := os.CreateTemp("", "region-task-*.json")
	if err != nil {
		return nil, err
	}
	defer os.Remove(file.Name())
	if err := json.NewEncoder(file).Encode(task); err != nil {
		file.Close()
		return nil, err
	}
	if err := file.Close(); err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if err := executor.RunRegionTask(ctx, s.Engine, file.Name(), &out); err != nil {
		return nil, fmt.Errorf("running region %q in process, %w", task.Region, err)
	}
	result := &executor.RegionResult{}
	if err := json.Unmarshal(out.Bytes(), result); err != nil {
		return nil, err
	}
	return result, nil
}
