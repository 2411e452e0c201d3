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

// Package scheduledjobs manages recurring scan registrations. The store row
// is authoritative; the scheduling backend mirrors it.
package scheduledjobs

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/epam/ecc/pkg/apis"
	"github.com/epam/ecc/pkg/controllers/jobs"
	"github.com/epam/ecc/pkg/errors"
	"github.com/epam/ecc/pkg/logging"
	"github.com/epam/ecc/pkg/operator/options"
	"github.com/epam/ecc/pkg/providers/scheduledjob"
	"github.com/epam/ecc/pkg/providers/tenant"
	"github.com/epam/ecc/pkg/scheduler"
)

// RegisterCommand creates one recurring scan.
type RegisterCommand struct {
	Customer   string
	TenantName string
	// Name is optional; a default is derived from the tenant.
	Name     string
	Schedule string
	// Enabled defaults to true when nil.
	Enabled        *bool
	TargetRegions  []string
	TargetRulesets []string
	RulesToScan    []string
}

// UpdateCommand patches a registration. Nil fields are kept.
type UpdateCommand struct {
	Customer string
	Name     string
	Enabled  *bool
	Schedule *string
}

// DTO is the user-facing registration representation.
type DTO struct {
	Name              string     `json:"name"`
	TenantName        string     `json:"tenant_name"`
	Customer          string     `json:"customer"`
	Schedule          string     `json:"schedule"`
	Enabled           bool       `json:"enabled"`
	TargetRegions     []string   `json:"target_regions,omitempty"`
	TargetRulesets    []string   `json:"target_rulesets,omitempty"`
	LastExecutionTime *time.Time `json:"last_execution_time,omitempty"`
}

func toDTO(job *apis.ScheduledJob) *DTO {
	return &DTO{
		Name:          job.Name,
		TenantName:    job.TenantName,
		Customer:      job.Customer,
		Schedule:      job.Schedule,
		Enabled:       job.Enabled,
		TargetRegions: job.TargetRegions,
		TargetRulesets: lo.Map(job.TargetRulesets, func(t apis.RulesetTriple, _ int) string {
			return t.Name
		}),
		LastExecutionTime: job.LastExecutionTime,
	}
}

type Controller struct {
	opts      *options.Options
	tenants   tenant.Provider
	targets   *jobs.TargetResolver
	store     scheduledjob.Provider
	scheduler scheduler.Scheduler
	clock     func() time.Time
}

func NewController(opts *options.Options, tenants tenant.Provider, targets *jobs.TargetResolver,
	store scheduledjob.Provider, sched scheduler.Scheduler) *Controller {
	return &Controller{
		opts:      opts,
		tenants:   tenants,
		targets:   targets,
		store:     store,
		scheduler: sched,
		clock:     time.Now,
	}
}

const (
	defaultNamePrefix = "ecc-job-"
	maxNameStemLength = 48
	nameSuffixLength  = 8
)

var nameSanitizer = regexp.MustCompile(`[^A-Za-z0-9\-_.]`)

// defaultName derives a unique rule name from the tenant.
func defaultName(tenantName string) string {
	stem := nameSanitizer.ReplaceAllString(defaultNamePrefix+tenantName, "_")
	if len(stem) > maxNameStemLength {
		stem = stem[:maxNameStemLength]
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:nameSuffixLength]
	return stem + "-" + suffix
}

func (c *Controller) Register(ctx context.Context, cmd RegisterCommand) (*DTO, error) {
	now := c.clock().UTC()
	t, err := c.tenants.Get(ctx, cmd.TenantName)
	if err != nil {
		return nil, err
	}
	if t == nil || !t.Active {
		return nil, errors.NewNotFound("active tenant %q is not found", cmd.TenantName)
	}
	if !c.opts.CloudAllowed(t.Cloud) {
		return nil, errors.NewForbidden("scans of cloud %s are disabled", t.Cloud)
	}
	regions, err := jobs.ResolveRegions(t, cmd.TargetRegions)
	if err != nil {
		return nil, err
	}
	var targets *jobs.ScanTargets
	if _, licensed := t.Parents[apis.ApplicationCustodianLicenses]; licensed {
		targets, err = c.targets.ResolveLicensed(ctx, t, cmd.TargetRulesets, cmd.RulesToScan, now)
	} else {
		targets, err = c.targets.Resolve(ctx, t, cmd.TargetRulesets, cmd.RulesToScan)
	}
	if err != nil {
		return nil, err
	}
	name := cmd.Name
	if name == "" {
		name = defaultName(t.Name)
	}
	row := &apis.ScheduledJob{
		Name:             name,
		Customer:         cmd.Customer,
		TenantName:       t.Name,
		Schedule:         cmd.Schedule,
		Enabled:          cmd.Enabled == nil || *cmd.Enabled,
		Type:             apis.JobTypeScheduled,
		TargetRegions:    regions,
		TargetRulesets:   targets.Rulesets,
		LicensedRulesets: targets.LicensedRulesets,
		AffectedLicenses: targets.AffectedLicenses,
	}
	if err := c.store.Create(ctx, row); err != nil {
		if errors.IsConditionalCheckFailed(err) {
			return nil, errors.NewValidation("scheduled job %q already exists", name)
		}
		return nil, err
	}
	// The fired jobs carry no pre-generated id; the executor mints one per
	// fire so every run gets its own job row.
	envelope := &apis.Envelope{
		JobType:          apis.JobTypeScheduled,
		TenantName:       t.Name,
		TargetRegions:    regions,
		TargetRulesets:   targets.Rulesets,
		LicensedRulesets: targets.LicensedRulesets,
		AffectedLicenses: targets.AffectedLicenses,
		JobLifetime:      c.opts.BatchJobLifetime,
		ScheduledJobName: name,
	}
	if err := c.scheduler.Register(ctx, row, envelope); err != nil {
		if derr := c.store.Delete(ctx, name); derr != nil {
			logging.FromContext(ctx).Error(derr, "rolling back scheduled job row", "name", name)
		}
		return nil, err
	}
	return toDTO(row), nil
}

func (c *Controller) Get(ctx context.Context, customer, name string) (*DTO, error) {
	row, err := c.scoped(ctx, customer, name)
	if err != nil {
		return nil, err
	}
	return toDTO(row), nil
}

func (c *Controller) List(ctx context.Context, customer string, tenants []string) ([]*DTO, error) {
	found, err := c.store.List(ctx, customer, tenants)
	if err != nil {
		return nil, err
	}
	return lo.Map(found, func(job *apis.ScheduledJob, _ int) *DTO { return toDTO(job) }), nil
}

func (c *Controller) Update(ctx context.Context, cmd UpdateCommand) (*DTO, error) {
	row, err := c.scoped(ctx, cmd.Customer, cmd.Name)
	if err != nil {
		return nil, err
	}
	if cmd.Schedule != nil && *cmd.Schedule != row.Schedule {
		if err := c.scheduler.SetSchedule(ctx, row.Name, *cmd.Schedule); err != nil {
			return nil, err
		}
		row.Schedule = *cmd.Schedule
	}
	if cmd.Enabled != nil && *cmd.Enabled != row.Enabled {
		if err := c.scheduler.SetEnabled(ctx, row.Name, *cmd.Enabled); err != nil {
			return nil, err
		}
		row.Enabled = *cmd.Enabled
	}
	if err := c.store.Update(ctx, row.Name, scheduledjob.Patch{
		Enabled:  cmd.Enabled,
		Schedule: cmd.Schedule,
	}); err != nil {
		return nil, err
	}
	return toDTO(row), nil
}

func (c *Controller) Delete(ctx context.Context, customer, name string) error {
	row, err := c.scoped(ctx, customer, name)
	if err != nil {
		return err
	}
	if err := c.scheduler.Deregister(ctx, row.Name); err != nil {
		return err
	}
	return c.store.Delete(ctx, row.Name)
}

func (c *Controller) scoped(ctx context.Context, customer, name string) (*apis.ScheduledJob, error) {
	row, err := c.store.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if row == nil || row.Customer != customer {
		return nil, errors.NewNotFound("scheduled job %q is not found", name)
	}
	return row, nil
}
