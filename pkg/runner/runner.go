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

// Package runner executes a prepared list of policies against one region
// under a wall-clock deadline. Failures never cross a policy boundary except
// to be classified; invalid credentials are terminal for the remainder of
// the run since no later policy can succeed with them.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/epam/ecc/pkg/apis"
	"github.com/epam/ecc/pkg/logging"
	"github.com/epam/ecc/pkg/policy"
)

// DeadlineExceededMessage annotates policies skipped after the deadline.
const DeadlineExceededMessage = "Job time exceeded the maximum possible execution time"

// Outcome is the result of one policy in one region.
type Outcome struct {
	Policy     string
	Resource   string
	Region     string
	Status     apis.PolicyStatus
	Message    string
	Traceback  []string
	Resources  []map[string]any
	FinishedAt time.Time
}

// Report aggregates the outcomes of one regional run in execution order.
type Report struct {
	Outcomes []Outcome
}

// Failures returns the outcomes that did not succeed.
func (r *Report) Failures() []Outcome {
	var failed []Outcome
	for _, o := range r.Outcomes {
		if o.Status != apis.PolicySucceeded {
			failed = append(failed, o)
		}
	}
	return failed
}

// carryOver is the failure stamped onto every remaining policy once the run
// stops invoking the engine.
type carryOver struct {
	status  apis.PolicyStatus
	message string
}

type Runner struct {
	cloud    apis.Cloud
	policies []*policy.Policy
	deadline time.Time

	clock func() time.Time
}

func New(cloud apis.Cloud, policies []*policy.Policy, deadline time.Time) *Runner {
	return &Runner{cloud: cloud, policies: policies, deadline: deadline, clock: time.Now}
}

// Run executes the policies sequentially. The context cancels between
// policies only; a single policy invocation is bounded by the deadline check
// preceding it.
func (r *Runner) Run(ctx context.Context) *Report {
	log := logging.FromContext(ctx)
	report := &Report{}
	ongoing := true
	var carry carryOver
	for _, p := range r.policies {
		if ongoing && !r.deadline.IsZero() && !r.clock().Before(r.deadline) {
			ongoing = false
			carry = carryOver{status: apis.PolicySkipped, message: DeadlineExceededMessage}
			log.Info("deadline crossed, skipping remaining policies", "region", p.Region, "policy", p.Name)
		}
		if !ongoing {
			report.Outcomes = append(report.Outcomes, Outcome{
				Policy:     p.Name,
				Resource:   p.Resource,
				Region:     p.Region,
				Status:     carry.status,
				Message:    carry.message,
				FinishedAt: r.clock(),
			})
			continue
		}
		resources, err := p.Run(ctx)
		if err == nil {
			report.Outcomes = append(report.Outcomes, Outcome{
				Policy:     p.Name,
				Resource:   p.Resource,
				Region:     p.Region,
				Status:     apis.PolicySucceeded,
				Resources:  resources,
				FinishedAt: r.clock(),
			})
			continue
		}
		status := Classify(r.cloud, err)
		message := err.Error()
		report.Outcomes = append(report.Outcomes, Outcome{
			Policy:     p.Name,
			Resource:   p.Resource,
			Region:     p.Region,
			Status:     status,
			Message:    message,
			Traceback:  traceback(err),
			FinishedAt: r.clock(),
		})
		log.Info("policy failed", "region", p.Region, "policy", p.Name, "status", string(status), "error", message)
		if status == apis.PolicyCredentials {
			ongoing = false
			carry = carryOver{
				status:  apis.PolicyCredentials,
				message: fmt.Sprintf("skipped because of invalid credentials: %s", message),
			}
		}
	}
	return report
}

func traceback(err error) []string {
	var trace []string
	for ; err != nil; err = unwrap(err) {
		trace = append(trace, err.Error())
	}
	return trace
}

func unwrap(err error) error {
	u, ok := err.(interface{ Unwrap() error })
	if !ok {
		return nil
	}
	return u.Unwrap()
}
