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

package jobs

import (
	"time"

	"github.com/epam/ecc/pkg/apis"
)

// SubmitCommand is the typed request of one submission. The HTTP layer fills
// it from the validated body; nothing here is a dynamic map.
type SubmitCommand struct {
	Customer   string
	Owner      string
	TenantName string
	// TargetRegions narrows the tenant's active regions; empty means all.
	TargetRegions []string
	// TargetRulesets names the rulesets to run; empty means every active one.
	TargetRulesets []string
	// RulesToScan narrows the rules inside the selected rulesets.
	RulesToScan []string
	// Credentials optionally carries inline cloud credentials to stage.
	Credentials map[string]any
}

// SubmitK8sCommand submits a platform scan.
type SubmitK8sCommand struct {
	Customer       string
	Owner          string
	PlatformID     string
	TargetRulesets []string
	RulesToScan    []string
	// Token optionally overrides the stored cluster token.
	Token string
}

// GetCommand scopes a single-job read.
type GetCommand struct {
	Customer string
	JobID    string
}

// ListCommand scopes a job listing.
type ListCommand struct {
	Customer   string
	TenantName string
	Limit      int
}

// TerminateCommand cancels a live job.
type TerminateCommand struct {
	Customer string
	User     string
	JobID    string
}

// DTO is the user-facing job representation.
type DTO struct {
	ID          string     `json:"id"`
	TenantName  string     `json:"tenant_name"`
	Customer    string     `json:"customer"`
	Owner       string     `json:"owner"`
	Status      string     `json:"status"`
	PlatformID  string     `json:"platform_id,omitempty"`
	Regions     []string   `json:"regions,omitempty"`
	Rulesets    []string   `json:"rulesets,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	StoppedAt   *time.Time `json:"stopped_at,omitempty"`
}

func toDTO(job *apis.Job) *DTO {
	return &DTO{
		ID:          job.ID,
		TenantName:  job.TenantName,
		Customer:    job.Customer,
		Owner:       job.Owner,
		Status:      string(job.Status),
		PlatformID:  job.PlatformID,
		Regions:     job.Regions,
		Rulesets:    job.RulesetIDs,
		Reason:      job.Reason,
		SubmittedAt: job.SubmittedAt,
		StartedAt:   job.StartedAt,
		StoppedAt:   job.StoppedAt,
	}
}
