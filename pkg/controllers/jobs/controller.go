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

// Package jobs implements the submission controller. Every validation runs
// before any side-effect; the per-tenant lock is acquired last so a refused
// submission never leaves a tenant locked.
package jobs

import (
	"context"
	"fmt"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awscredentials "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/epam/ecc/pkg/apis"
	"github.com/epam/ecc/pkg/aws/sdk"
	"github.com/epam/ecc/pkg/batch"
	"github.com/epam/ecc/pkg/errors"
	"github.com/epam/ecc/pkg/logging"
	"github.com/epam/ecc/pkg/metrics"
	"github.com/epam/ecc/pkg/operator/options"
	"github.com/epam/ecc/pkg/providers/job"
	"github.com/epam/ecc/pkg/providers/joblock"
	"github.com/epam/ecc/pkg/providers/secrets"
	"github.com/epam/ecc/pkg/providers/settings"
	"github.com/epam/ecc/pkg/providers/tenant"
)

// credentialsKeyFormat names the staged-secret parameter of one job.
const credentialsKeyFormat = "ecc.jobs.%s.credentials"

// STSClientFactory builds an STS client bound to the inline credentials under
// validation. Tests substitute fakes here.
type STSClientFactory func(ctx context.Context, env map[string]string) (sdk.STSAPI, error)

// DefaultSTSClientFactory builds a real SDK client from static credentials.
func DefaultSTSClientFactory(ctx context.Context, env map[string]string) (sdk.STSAPI, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(apis.DefaultAWSRegion),
		config.WithCredentialsProvider(awscredentials.NewStaticCredentialsProvider(
			env[apis.EnvAWSAccessKeyID], env[apis.EnvAWSSecretKey], env[apis.EnvAWSSessionToken])),
	)
	if err != nil {
		return nil, fmt.Errorf("loading aws config for credential validation, %w", err)
	}
	return sts.NewFromConfig(cfg), nil
}

type Controller struct {
	opts     *options.Options
	tenants  tenant.Provider
	jobs     job.Provider
	locks    joblock.Provider
	settings settings.Provider
	targets  *TargetResolver
	secrets  secrets.Provider
	batch    batch.Client
	stsFor   STSClientFactory
	clock    func() time.Time
}

func NewController(opts *options.Options, tenants tenant.Provider, jobs job.Provider, locks joblock.Provider,
	settingsProvider settings.Provider, targets *TargetResolver, secretsProvider secrets.Provider,
	batchClient batch.Client, stsFactory STSClientFactory) *Controller {
	return &Controller{
		opts:     opts,
		tenants:  tenants,
		jobs:     jobs,
		locks:    locks,
		settings: settingsProvider,
		targets:  targets,
		secrets:  secretsProvider,
		batch:    batchClient,
		stsFor:   stsFactory,
		clock:    time.Now,
	}
}

func (c *Controller) SubmitStandard(ctx context.Context, cmd SubmitCommand) (*DTO, error) {
	dto, err := c.submit(ctx, apis.JobTypeStandard, cmd, nil, false)
	return dto, rejected(apis.JobTypeStandard, err)
}

func (c *Controller) SubmitLicensed(ctx context.Context, cmd SubmitCommand) (*DTO, error) {
	dto, err := c.submit(ctx, apis.JobTypeStandard, cmd, nil, true)
	return dto, rejected(apis.JobTypeStandard, err)
}

func (c *Controller) SubmitK8s(ctx context.Context, cmd SubmitK8sCommand) (*DTO, error) {
	dto, err := c.submitK8s(ctx, cmd)
	return dto, rejected(apis.JobTypeStandard, err)
}

func (c *Controller) submitK8s(ctx context.Context, cmd SubmitK8sCommand) (*DTO, error) {
	platform, err := c.tenants.GetPlatform(ctx, cmd.PlatformID)
	if err != nil {
		return nil, err
	}
	if platform == nil || platform.Customer != cmd.Customer {
		return nil, errors.NewNotFound("platform %q is not found", cmd.PlatformID)
	}
	// a submitted token is staged like inline credentials so the worker
	// authenticates with it instead of the stored application secret
	var creds map[string]any
	if cmd.Token != "" {
		creds = map[string]any{"token": cmd.Token}
	}
	return c.submit(ctx, apis.JobTypeStandard, SubmitCommand{
		Customer:       cmd.Customer,
		Owner:          cmd.Owner,
		TenantName:     platform.TenantName,
		TargetRulesets: cmd.TargetRulesets,
		RulesToScan:    cmd.RulesToScan,
		Credentials:    creds,
	}, platform, true)
}

// submit is the shared pipeline of every submission flavour. Steps run in the
// documented order; everything up to the batch submit is read-only apart from
// staging inline credentials.
func (c *Controller) submit(ctx context.Context, jobType apis.JobType, cmd SubmitCommand, platform *apis.Platform, licensed bool) (*DTO, error) {
	now := c.clock().UTC()
	jobID := uuid.NewString()

	t, err := c.tenants.Get(ctx, cmd.TenantName)
	if err != nil {
		return nil, err
	}
	if t == nil || !t.Active {
		return nil, errors.NewNotFound("active tenant %q is not found", cmd.TenantName)
	}
	var credentialsKey string
	if len(cmd.Credentials) > 0 {
		// platform payloads carry an opaque bearer token, not cloud
		// credentials; only the latter can be checked against the account
		if platform == nil {
			if err := c.validateCredentials(ctx, t, cmd.Credentials); err != nil {
				return nil, err
			}
		}
		credentialsKey = fmt.Sprintf(credentialsKeyFormat, jobID)
		if err := secrets.PutJSON(ctx, c.secrets, credentialsKey, cmd.Credentials); err != nil {
			return nil, err
		}
	}
	if !c.opts.CloudAllowed(t.Cloud) {
		return nil, errors.NewForbidden("scans of cloud %s are disabled", t.Cloud)
	}
	locked, holder, err := c.locks.IsLocked(ctx, t.Name)
	if err != nil {
		return nil, err
	}
	if locked {
		return nil, errors.NewForbidden("tenant %q is already being scanned by job %q", t.Name, holder)
	}
	if err := c.checkCooldown(ctx, t, now); err != nil {
		return nil, err
	}
	var regions []string
	if platform == nil {
		if regions, err = ResolveRegions(t, cmd.TargetRegions); err != nil {
			return nil, err
		}
	}
	var targets *ScanTargets
	if licensed {
		targets, err = c.targets.ResolveLicensed(ctx, t, cmd.TargetRulesets, cmd.RulesToScan, now)
	} else {
		targets, err = c.targets.Resolve(ctx, t, cmd.TargetRulesets, cmd.RulesToScan)
	}
	if err != nil {
		return nil, err
	}
	envelope := &apis.Envelope{
		JobID:            jobID,
		JobType:          jobType,
		TenantName:       t.Name,
		TargetRegions:    regions,
		TargetRulesets:   targets.Rulesets,
		LicensedRulesets: targets.LicensedRulesets,
		AffectedLicenses: targets.AffectedLicenses,
		CredentialsKey:   credentialsKey,
		SubmittedAt:      now,
		JobLifetime:      c.opts.BatchJobLifetime,
	}
	if platform != nil {
		envelope.PlatformID = platform.ID
	}
	batchID, err := c.batch.Submit(ctx, BatchJobName(t.Name, cmd.Owner, now), envelope)
	if err != nil || batchID == "" {
		logging.FromContext(ctx).Error(err, "submitting job to the batch backend", "tenant", t.Name)
		return nil, errors.NewUpstreamUnavailable("the scan backend refused the job")
	}
	row := &apis.Job{
		ID:          jobID,
		Customer:    cmd.Customer,
		TenantName:  t.Name,
		Owner:       cmd.Owner,
		Status:      apis.JobSubmitted,
		BatchJobID:  batchID,
		RulesetIDs:  lo.Map(targets.Rulesets, func(tr apis.RulesetTriple, _ int) string { return tr.ID }),
		RulesToScan: cmd.RulesToScan,
		Regions:     regions,
		SubmittedAt: now,
		TTL:         now.Add(c.opts.JobTTL).Unix(),
	}
	if platform != nil {
		row.PlatformID = platform.ID
	}
	if err := c.jobs.Create(ctx, row); err != nil {
		return nil, err
	}
	if err := c.locks.Acquire(ctx, t.Name, jobID, regions); err != nil {
		if lockErr, ok := errors.IsLocked(err); ok {
			return nil, errors.NewForbidden("%s", lockErr.Error())
		}
		return nil, err
	}
	metrics.JobsSubmitted.WithLabelValues(string(jobType), string(t.Cloud)).Inc()
	return toDTO(row), nil
}

// validateCredentials checks the inline credentials actually belong to the
// tenant's account before they are staged.
func (c *Controller) validateCredentials(ctx context.Context, t *apis.Tenant, raw map[string]any) error {
	switch t.Cloud {
	case apis.CloudAWS:
		env := map[string]string{}
		for k, v := range raw {
			if s, ok := v.(string); ok {
				env[k] = s
			}
		}
		api, err := c.stsFor(ctx, env)
		if err != nil {
			return err
		}
		out, err := api.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
		if err != nil {
			return errors.NewValidation("the provided credentials are not valid")
		}
		if account := awssdk.ToString(out.Account); account != t.Project {
			return errors.NewValidation("the provided credentials belong to account %s, not to tenant account %s", account, t.Project)
		}
	case apis.CloudGoogle:
		if project, _ := raw["project_id"].(string); project != t.Project {
			return errors.NewValidation("the provided credentials belong to project %q, not to tenant project %q", project, t.Project)
		}
	case apis.CloudAzure:
		// Subscription ownership cannot be checked without a management API
		// round-trip; the executor surfaces invalid credentials instead.
	}
	return nil
}

func (c *Controller) checkCooldown(ctx context.Context, t *apis.Tenant, now time.Time) error {
	threshold, err := c.settings.LastScanThreshold(ctx, t.Customer)
	if err != nil || threshold <= 0 {
		return err
	}
	latest, err := c.jobs.LatestSucceeded(ctx, t.Name)
	if err != nil || latest == nil {
		return err
	}
	next := latest.SubmittedAt.Add(threshold)
	if now.Before(next) {
		return errors.NewForbidden("the next scan of tenant %q is allowed in %s", t.Name, next.Sub(now).Round(time.Second))
	}
	return nil
}

func (c *Controller) Get(ctx context.Context, cmd GetCommand) (*DTO, error) {
	j, err := c.jobs.Get(ctx, cmd.JobID)
	if err != nil {
		return nil, err
	}
	if j == nil || j.Customer != cmd.Customer {
		return nil, errors.NewNotFound("job %q is not found", cmd.JobID)
	}
	return toDTO(j), nil
}

func (c *Controller) List(ctx context.Context, cmd ListCommand) ([]*DTO, error) {
	found, err := c.jobs.List(ctx, job.ListRequest{
		Customer:   cmd.Customer,
		TenantName: cmd.TenantName,
		Limit:      cmd.Limit,
	})
	if err != nil {
		return nil, err
	}
	return lo.Map(found, func(j *apis.Job, _ int) *DTO { return toDTO(j) }), nil
}

// Terminate fails a live job on behalf of a user. The status write is
// conditional so a finished job cannot be resurrected; the batch kill is
// best-effort because the worker may already be gone.
func (c *Controller) Terminate(ctx context.Context, cmd TerminateCommand) error {
	j, err := c.jobs.Get(ctx, cmd.JobID)
	if err != nil {
		return err
	}
	if j == nil || j.Customer != cmd.Customer {
		return errors.NewNotFound("job %q is not found", cmd.JobID)
	}
	if j.Status.IsTerminal() {
		return errors.NewValidation("job %q is already %s", j.ID, j.Status)
	}
	reason := fmt.Sprintf("Initiated by user '%s' (customer '%s')", cmd.User, cmd.Customer)
	stopped := c.clock().UTC()
	if err := c.jobs.UpdateStatus(ctx, j.ID, job.StatusPatch{
		Status:    apis.JobFailed,
		Reason:    reason,
		StoppedAt: &stopped,
	}); err != nil {
		if errors.IsConditionalCheckFailed(err) {
			return errors.NewValidation("job %q has already finished", j.ID)
		}
		return err
	}
	if err := c.locks.Release(ctx, j.TenantName); err != nil {
		return err
	}
	if j.BatchJobID != "" {
		if err := c.batch.Terminate(ctx, j.BatchJobID, reason); err != nil {
			logging.FromContext(ctx).Error(err, "terminating batch job", "batch-job-id", j.BatchJobID)
		}
	}
	metrics.JobsTerminated.Inc()
	return nil
}

// rejected counts refused submissions by their API error kind.
func rejected(jobType apis.JobType, err error) error {
	if err == nil {
		return nil
	}
	if apiErr, ok := errors.AsAPIError(err); ok {
		metrics.JobsRejected.WithLabelValues(string(jobType), string(apiErr.Kind)).Inc()
	}
	return err
}
