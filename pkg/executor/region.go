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

package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/epam/ecc/pkg/apis"
	"github.com/epam/ecc/pkg/policy"
	"github.com/epam/ecc/pkg/runner"
	"github.com/epam/ecc/pkg/sharding"
)

// RegionTaskFlag is the argument marking a process as a region child.
const RegionTaskFlag = "--region-task"

// RegionTask is the work order handed to one child process. Credentials never
// ride in the task; they are exported into the child environment only.
type RegionTask struct {
	Cloud    apis.Cloud `json:"cloud"`
	Region   string     `json:"region,omitempty"`
	Deadline time.Time  `json:"deadline"`
	// DescriptorsFile points at the serialized policy descriptors.
	DescriptorsFile string   `json:"descriptors_file"`
	Names           []string `json:"names,omitempty"`
	Exclude         []string `json:"exclude,omitempty"`
	// RegionRules switches the loader into event-driven mode when non-empty.
	RegionRules map[string][]string `json:"region_rules,omitempty"`
}

// RegionResult is the child's answer, written as JSON to its stdout.
type RegionResult struct {
	Parts      []sharding.Part      `json:"parts"`
	Statistics []apis.RuleStatistic `json:"statistics"`
}

// CredentialsInvalid reports whether the run died on unusable credentials.
func (r *RegionResult) CredentialsInvalid() bool {
	for _, s := range r.Statistics {
		if s.Status == apis.PolicyCredentials {
			return true
		}
	}
	return false
}

// RunRegionTask is the child-process entrypoint: load the policies the task
// names, run them under the deadline and stream the result to out. The cloud
// SDK credentials are taken from the ambient environment the parent staged.
func RunRegionTask(ctx context.Context, engine policy.Engine, taskFile string, out io.Writer) error {
	raw, err := os.ReadFile(taskFile)
	if err != nil {
		return fmt.Errorf("reading region task %q, %w", taskFile, err)
	}
	task := &RegionTask{}
	if err := json.Unmarshal(raw, task); err != nil {
		return fmt.Errorf("unmarshaling region task %q, %w", taskFile, err)
	}
	descriptors, err := readDescriptors(task.DescriptorsFile)
	if err != nil {
		return err
	}
	loader := policy.NewLoader(engine, task.Cloud, policy.LoaderOptions{
		Regions:    regionWhitelist(task),
		LoadGlobal: task.Region == apis.GlobalRegion || len(task.RegionRules) > 0,
		Names:      task.Names,
		Exclude:    task.Exclude,
	})
	var policies []*policy.Policy
	if len(task.RegionRules) > 0 {
		policies, err = loader.LoadFromRegionsToRules(ctx, descriptors, task.RegionRules)
	} else {
		policies, err = loader.Load(ctx, descriptors)
	}
	if err != nil {
		return err
	}
	report := runner.New(task.Cloud, policies, task.Deadline).Run(ctx)
	return json.NewEncoder(out).Encode(resultOf(report))
}

func regionWhitelist(task *RegionTask) []string {
	if task.Region == "" || task.Region == apis.GlobalRegion {
		return nil
	}
	return []string{task.Region}
}

func readDescriptors(file string) ([]policy.Descriptor, error) {
	raw, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("reading descriptors %q, %w", file, err)
	}
	var descriptors []policy.Descriptor
	if err := json.Unmarshal(raw, &descriptors); err != nil {
		return nil, fmt.Errorf("unmarshaling descriptors %q, %w", file, err)
	}
	return descriptors, nil
}

func resultOf(report *runner.Report) *RegionResult {
	result := &RegionResult{}
	for _, o := range report.Outcomes {
		if o.Status == apis.PolicySucceeded {
			result.Parts = append(result.Parts, sharding.NewPart(o.Policy, o.Region, o.FinishedAt, o.Resources))
		}
		result.Statistics = append(result.Statistics, apis.RuleStatistic{
			Region:    o.Region,
			Rule:      o.Policy,
			Status:    o.Status,
			Message:   o.Message,
			Traceback: o.Traceback,
		})
	}
	return result
}

// Spawner runs one region task in isolation and returns its result. The
// default implementation forks the executor binary; tests run tasks in-process.
type Spawner interface {
	Spawn(ctx context.Context, task *RegionTask, extraEnv []string) (*RegionResult, error)
}

// ProcessSpawner re-executes the running binary as a child per region so a
// misbehaving engine or an engine crash cannot take the driver down.
type ProcessSpawner struct {
	// Path is the executor binary; the running executable when empty.
	Path string
}

func (s *ProcessSpawner) Spawn(ctx context.Context, task *RegionTask, extraEnv []string) (*RegionResult, error) {
	path := s.Path
	if path == "" {
		var err error
		if path, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("locating executor binary, %w", err)
		}
	}
	file, err := os.CreateTemp("", "region-task-*.json")
	if err != nil {
		return nil, fmt.Errorf("staging region task, %w", err)
	}
	defer os.Remove(file.Name())
	if err := json.NewEncoder(file).Encode(task); err != nil {
		file.Close()
		return nil, fmt.Errorf("staging region task, %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("staging region task, %w", err)
	}
	cmd := exec.CommandContext(ctx, path, RegionTaskFlag, file.Name())
	cmd.Env = append(os.Environ(), extraEnv...)
	cmd.Stderr = os.Stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("running region %q, %w", task.Region, err)
	}
	result := &RegionResult{}
	if err := json.Unmarshal(out, result); err != nil {
		return nil, fmt.Errorf("decoding region %q result, %w", task.Region, err)
	}
	return result, nil
}
