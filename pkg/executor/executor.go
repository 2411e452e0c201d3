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

// Package executor drives one scan job from the decoded envelope to persisted
// shards. The driver itself never evaluates policies; every region runs in a
// child process so the engine cannot take the bookkeeping down with it.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"sort"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/samber/lo"

	"github.com/epam/ecc/pkg/apis"
	"github.com/epam/ecc/pkg/aws/sdk"
	"github.com/epam/ecc/pkg/batch"
	"github.com/epam/ecc/pkg/errors"
	"github.com/epam/ecc/pkg/licensemanager"
	"github.com/epam/ecc/pkg/logging"
	"github.com/epam/ecc/pkg/operator/options"
	"github.com/epam/ecc/pkg/providers/batchresults"
	"github.com/epam/ecc/pkg/providers/credentials"
	"github.com/epam/ecc/pkg/providers/job"
	"github.com/epam/ecc/pkg/providers/joblock"
	"github.com/epam/ecc/pkg/providers/ruleset"
	"github.com/epam/ecc/pkg/providers/scheduledjob"
	"github.com/epam/ecc/pkg/providers/settings"
	"github.com/epam/ecc/pkg/providers/tenant"
	"github.com/epam/ecc/pkg/reports"
	"github.com/epam/ecc/pkg/sharding"
	"github.com/epam/ecc/pkg/siem"
)

// envBatchJobID is set by the batch backend on its workers.
const envBatchJobID = "AWS_BATCH_JOB_ID"

type Executor struct {
	opts         *options.Options
	tenants      tenant.Provider
	jobs         job.Provider
	locks        joblock.Provider
	settings     settings.Provider
	rulesets     ruleset.Provider
	batchResults batchresults.Provider
	scheduled    scheduledjob.Provider
	resolver     credentials.Resolver
	lm           licensemanager.Client
	batch        batch.Client
	s3           sdk.S3API
	siem         *siem.Uploader
	spawner      Spawner
	clock        func() time.Time
}

func New(opts *options.Options, tenants tenant.Provider, jobs job.Provider, locks joblock.Provider,
	settingsProvider settings.Provider, rulesets ruleset.Provider, batchResults batchresults.Provider,
	scheduled scheduledjob.Provider, resolver credentials.Resolver, lm licensemanager.Client,
	batchClient batch.Client, s3api sdk.S3API, uploader *siem.Uploader, spawner Spawner) *Executor {
	return &Executor{
		opts:         opts,
		tenants:      tenants,
		jobs:         jobs,
		locks:        locks,
		settings:     settingsProvider,
		rulesets:     rulesets,
		batchResults: batchResults,
		scheduled:    scheduled,
		resolver:     resolver,
		lm:           lm,
		batch:        batchClient,
		s3:           s3api,
		siem:         uploader,
		spawner:      spawner,
		clock:        time.Now,
	}
}

// Run executes the job the environment describes and returns the process exit
// code.
func (e *Executor) Run(ctx context.Context) int {
	log := logging.FromContext(ctx)
	envelope, err := apis.ReadEnvelope()
	if err != nil {
		log.Error(err, "decoding the job envelope")
		return apis.ExitCodeFailed
	}
	switch envelope.JobType {
	case apis.JobTypeEventDriven:
		return e.runEventDriven(ctx, envelope, envelope.BatchResultsID)
	case apis.JobTypeEventDrivenMultiAccount:
		return e.runMulti(ctx, envelope)
	default:
		return e.runStandard(ctx, envelope)
	}
}

func (e *Executor) runStandard(ctx context.Context, envelope *apis.Envelope) int {
	log := logging.FromContext(ctx)
	started := e.clock().UTC()
	if envelope.JobID == "" {
		// Scheduled fires share a static envelope template; each run mints
		// its own identity here.
		envelope.JobID = uuid.NewString()
	}
	ctx = logging.WithValues(ctx, "job-id", envelope.JobID, "tenant", envelope.TenantName)
	log = logging.FromContext(ctx)
	t, err := e.tenants.Get(ctx, envelope.TenantName)
	if err != nil || t == nil {
		log.Error(err, "resolving the job tenant")
		return apis.ExitCodeFailed
	}
	var platform *apis.Platform
	if envelope.PlatformID != "" {
		if platform, err = e.tenants.GetPlatform(ctx, envelope.PlatformID); err != nil || platform == nil {
			log.Error(err, "resolving the job platform", "platform-id", envelope.PlatformID)
			return apis.ExitCodeFailed
		}
	}
	row, err := e.jobs.Get(ctx, envelope.JobID)
	if err != nil {
		log.Error(err, "reading the job row")
		return apis.ExitCodeFailed
	}
	if row != nil && row.Status.IsTerminal() {
		// A replayed fire of an already finished job is a no-op.
		log.Info("job already finished, nothing to do", "status", string(row.Status))
		return apis.ExitCodeOK
	}
	if row == nil {
		row = &apis.Job{
			ID:                envelope.JobID,
			Customer:          t.Customer,
			TenantName:        t.Name,
			Owner:             t.Customer,
			Status:            apis.JobRunning,
			PlatformID:        envelope.PlatformID,
			RulesetIDs:        lo.Map(envelope.TargetRulesets, func(tr apis.RulesetTriple, _ int) string { return tr.ID }),
			Regions:           envelope.TargetRegions,
			ScheduledRuleName: envelope.ScheduledJobName,
			SubmittedAt:       lo.Ternary(envelope.SubmittedAt.IsZero(), started, envelope.SubmittedAt),
			StartedAt:         &started,
			TTL:               started.Add(e.opts.JobTTL).Unix(),
		}
		if err := e.jobs.Create(ctx, row); err != nil {
			log.Error(err, "creating the job row")
			return apis.ExitCodeFailed
		}
	} else if err := e.jobs.UpdateStatus(ctx, row.ID, job.StatusPatch{Status: apis.JobRunning, StartedAt: &started}); err != nil {
		log.Error(err, "marking the job running")
	}
	code, scanErr := e.scan(ctx, envelope, t, platform, row, started)
	status := apis.JobSucceeded
	reason := ""
	if scanErr != nil {
		status = apis.JobFailed
		reason = scanErr.Error()
		log.Error(scanErr, "scan failed")
	}
	e.conclude(ctx, envelope, t, status, reason, started)
	return code
}

// scan runs the whole pipeline of one tenant-scoped job. The returned error
// becomes the job's failure reason.
func (e *Executor) scan(ctx context.Context, envelope *apis.Envelope, t *apis.Tenant, platform *apis.Platform, row *apis.Job, started time.Time) (int, error) {
	log := logging.FromContext(ctx)
	childEnv, cleanup, err := e.stageCredentials(ctx, envelope, t, platform, nil)
	if err != nil {
		return apis.ExitCodeFailed, err
	}
	defer cleanup()
	if envelope.ScheduledJobName != "" {
		if err := e.scheduled.StampExecution(ctx, envelope.ScheduledJobName, e.clock().UTC()); err != nil {
			log.Error(err, "stamping scheduled job execution", "name", envelope.ScheduledJobName)
		}
	}
	excluded, err := e.settings.RulesToExclude(ctx, t.Customer, t.Name)
	if err != nil {
		return apis.ExitCodeFailed, err
	}
	descriptors, err := e.descriptors(ctx, envelope, t, row.ID)
	if err != nil {
		if stderrors.Is(err, errors.ErrLicenseDenied) {
			return apis.ExitCodeLMDenied, err
		}
		return apis.ExitCodeFailed, err
	}
	descriptorsFile, err := stageDescriptors(descriptors)
	if err != nil {
		return apis.ExitCodeFailed, err
	}
	defer os.Remove(descriptorsFile)
	deadline := e.deadline(ctx, envelope)
	var parts []sharding.Part
	var stats []apis.RuleStatistic
	var credsInvalid string
	for _, region := range scanRegions(t.Cloud, envelope.TargetRegions) {
		result, err := e.spawner.Spawn(ctx, &RegionTask{
			Cloud:           t.Cloud,
			Region:          region,
			Deadline:        deadline,
			DescriptorsFile: descriptorsFile,
			Names:           row.RulesToScan,
			Exclude:         excluded,
		}, childEnv)
		if err != nil {
			return apis.ExitCodeFailed, err
		}
		parts = append(parts, result.Parts...)
		stats = append(stats, result.Statistics...)
		if result.CredentialsInvalid() {
			// No later region can succeed with the same credentials.
			credsInvalid = credentialsFailureMessage(result.Statistics)
			break
		}
	}
	scope := t.Name
	if platform != nil {
		scope = platform.ID
	}
	collection := e.newCollection(t.Cloud, scope, row.ID)
	collection.PutParts(parts...)
	collection.UpdateMeta(metaOf(descriptors))
	if e.siem != nil {
		e.siem.Upload(ctx, row, collection)
	}
	if err := e.persist(ctx, t.Cloud, scope, row.ID, collection); err != nil {
		return apis.ExitCodeFailed, err
	}
	if err := e.writeStatistics(ctx, row.ID, apis.Statistics{
		Tenant:    scope,
		StartedAt: started,
		StoppedAt: e.clock().UTC(),
		PerRule:   sortedStatistics(stats),
	}); err != nil {
		return apis.ExitCodeFailed, err
	}
	if credsInvalid != "" {
		return apis.ExitCodeFailed, fmt.Errorf("the resolved credentials are not usable: %s", credsInvalid)
	}
	return apis.ExitCodeOK, nil
}

// persist runs the latest-state protocol: the difference is computed and
// written strictly before the latest state absorbs the new findings, then the
// job's own shards are written.
func (e *Executor) persist(ctx context.Context, cloud apis.Cloud, scope, jobID string, collection *sharding.Collection) error {
	distributor := sharding.ForCloud(cloud)
	latest := sharding.NewCollection(distributor, sharding.NewS3IO(e.s3, e.opts.ReportsBucket,
		func(i int) string { return reports.LatestShardKey(scope, i) }, reports.LatestMetaKey(scope)))
	if err := latest.FetchByIndexes(ctx, collection.Indexes()); err != nil {
		return err
	}
	if err := latest.FetchMeta(ctx); err != nil {
		return err
	}
	difference := collection.Subtract(latest, sharding.NewS3IO(e.s3, e.opts.ReportsBucket,
		func(i int) string { return reports.DifferenceKey(scope, jobID, i) }, ""))
	if err := difference.WriteAll(ctx); err != nil {
		return err
	}
	latest.Update(collection)
	latest.UpdateMeta(collection.Meta)
	if err := latest.WriteAll(ctx); err != nil {
		return err
	}
	if err := latest.WriteMeta(ctx); err != nil {
		return err
	}
	return collection.WriteAll(ctx)
}

func (e *Executor) runEventDriven(ctx context.Context, envelope *apis.Envelope, batchResultsID string) int {
	ctx = logging.WithValues(ctx, "batch-results-id", batchResultsID)
	log := logging.FromContext(ctx)
	row, err := e.batchResults.Get(ctx, batchResultsID)
	if err != nil || row == nil {
		log.Error(err, "resolving the batch results row")
		return apis.ExitCodeFailed
	}
	if row.Status == apis.JobSucceeded {
		log.Info("batch results already processed, nothing to do")
		return apis.ExitCodeOK
	}
	t, err := e.tenants.Get(ctx, row.TenantName)
	if err != nil || t == nil {
		log.Error(err, "resolving the batch results tenant", "tenant", row.TenantName)
		return apis.ExitCodeFailed
	}
	code, scanErr := e.scanEventDriven(ctx, envelope, t, row)
	status := apis.JobSucceeded
	reason := ""
	if scanErr != nil {
		status = apis.JobFailed
		reason = scanErr.Error()
		log.Error(scanErr, "event-driven scan failed")
	}
	if err := e.batchResults.Complete(ctx, row.ID, status, reason, e.clock().UTC()); err != nil {
		log.Error(err, "completing the batch results row")
	}
	return code
}

func (e *Executor) scanEventDriven(ctx context.Context, envelope *apis.Envelope, t *apis.Tenant, row *apis.BatchResults) (int, error) {
	creds, err := e.resolver.Resolve(ctx, credentials.ResolveRequest{
		Tenant:         t,
		CredentialsKey: envelope.CredentialsKey,
		BatchResults:   row,
	})
	if err != nil {
		if stderrors.Is(err, errors.ErrNoCredentials) {
			return apis.ExitCodeRecoverable, err
		}
		return apis.ExitCodeFailed, err
	}
	defer creds.Close()
	excluded, err := e.settings.RulesToExclude(ctx, t.Customer, t.Name)
	if err != nil {
		return apis.ExitCodeFailed, err
	}
	descriptors, err := e.descriptors(ctx, envelope, t, row.ID)
	if err != nil {
		if stderrors.Is(err, errors.ErrLicenseDenied) {
			return apis.ExitCodeLMDenied, err
		}
		return apis.ExitCodeFailed, err
	}
	descriptorsFile, err := stageDescriptors(descriptors)
	if err != nil {
		return apis.ExitCodeFailed, err
	}
	defer os.Remove(descriptorsFile)
	result, err := e.spawner.Spawn(ctx, &RegionTask{
		Cloud:           t.Cloud,
		Deadline:        e.deadline(ctx, envelope),
		DescriptorsFile: descriptorsFile,
		Exclude:         excluded,
		RegionRules:     row.RegionsToRules,
	}, creds.Environ())
	if err != nil {
		return apis.ExitCodeFailed, err
	}
	if result.CredentialsInvalid() {
		// The backend may retry once the ingestor refreshes the credentials.
		return apis.ExitCodeRecoverable, fmt.Errorf("the resolved credentials are not usable: %s", credentialsFailureMessage(result.Statistics))
	}
	// Event-driven findings are a changelog, not a full state: only the
	// difference keys are written and the latest state stays untouched.
	difference := sharding.NewCollection(sharding.NewSingleShardDistributor(), sharding.NewS3IO(e.s3, e.opts.ReportsBucket,
		func(i int) string { return reports.DifferenceKey(t.Name, row.ID, i) }, ""))
	difference.PutParts(result.Parts...)
	if err := difference.WriteAll(ctx); err != nil {
		return apis.ExitCodeFailed, err
	}
	if err := e.writeStatistics(ctx, row.ID, apis.Statistics{
		Tenant:    t.Name,
		StartedAt: row.SubmittedAt,
		StoppedAt: e.clock().UTC(),
		PerRule:   sortedStatistics(result.Statistics),
	}); err != nil {
		return apis.ExitCodeFailed, err
	}
	return apis.ExitCodeOK, nil
}

func (e *Executor) runMulti(ctx context.Context, envelope *apis.Envelope) int {
	worst := apis.ExitCodeOK
	for _, id := range envelope.BatchResultsIDs {
		if code := e.runEventDriven(ctx, envelope, id); code > worst {
			worst = code
		}
	}
	return worst
}

// stageCredentials resolves the scan credentials and renders them as child
// environment variables. Platform scans get a materialized kubeconfig file.
func (e *Executor) stageCredentials(ctx context.Context, envelope *apis.Envelope, t *apis.Tenant, platform *apis.Platform, row *apis.BatchResults) ([]string, func(), error) {
	if platform != nil {
		kubeconfig, err := e.resolver.ResolvePlatform(ctx, platform, envelope.CredentialsKey)
		if err != nil {
			return nil, nil, err
		}
		file, err := os.CreateTemp("", "kubeconfig-*")
		if err != nil {
			return nil, nil, fmt.Errorf("staging kubeconfig, %w", err)
		}
		if _, err = file.Write(kubeconfig); err != nil {
			file.Close()
			os.Remove(file.Name())
			return nil, nil, fmt.Errorf("staging kubeconfig, %w", err)
		}
		if err = file.Close(); err != nil {
			os.Remove(file.Name())
			return nil, nil, fmt.Errorf("staging kubeconfig, %w", err)
		}
		return []string{apis.EnvKubeconfig + "=" + file.Name()}, func() { os.Remove(file.Name()) }, nil
	}
	creds, err := e.resolver.Resolve(ctx, credentials.ResolveRequest{
		Tenant:         t,
		CredentialsKey: envelope.CredentialsKey,
		BatchResults:   row,
	})
	if err != nil {
		return nil, nil, err
	}
	return creds.Environ(), func() { creds.Close() }, nil
}

// descriptors assembles the full policy list: licensed content through the
// license manager's pre-signed URLs, standard content from the bucket.
func (e *Executor) descriptors(ctx context.Context, envelope *apis.Envelope, t *apis.Tenant, jobID string) ([]map[string]any, error) {
	var out []map[string]any
	if len(envelope.LicensedRulesets) > 0 {
		var lmIDs []string
		for _, raw := range envelope.LicensedRulesets {
			id, err := apis.ParseLicensedRulesetID(raw)
			if err != nil {
				return nil, err
			}
			lmIDs = append(lmIDs, id)
		}
		urls, err := e.lm.PostJob(ctx, jobID, t.Customer, t.Name, lmIDs)
		if err != nil {
			return nil, err
		}
		ids := lo.Keys(urls)
		sort.Strings(ids)
		for _, id := range ids {
			content, err := e.rulesets.ContentURL(ctx, urls[id])
			if err != nil {
				return nil, err
			}
			out = append(out, content...)
		}
	}
	for _, triple := range envelope.TargetRulesets {
		rs, err := e.rulesets.Get(ctx, triple.ID)
		if err != nil {
			return nil, err
		}
		// Licensed content already arrived through the license manager.
		if rs == nil || rs.Licensed {
			continue
		}
		content, err := e.rulesets.Content(ctx, rs.Source)
		if err != nil {
			return nil, err
		}
		out = append(out, content...)
	}
	return out, nil
}

// conclude finishes the job's bookkeeping regardless of outcome: conditional
// status write, lock release, best-effort license manager report.
func (e *Executor) conclude(ctx context.Context, envelope *apis.Envelope, t *apis.Tenant, status apis.JobStatus, reason string, started time.Time) {
	log := logging.FromContext(ctx)
	stopped := e.clock().UTC()
	if err := e.jobs.UpdateStatus(ctx, envelope.JobID, job.StatusPatch{
		Status:    status,
		Reason:    reason,
		StoppedAt: &stopped,
	}); err != nil && !errors.IsConditionalCheckFailed(err) {
		log.Error(err, "updating the final job status", "status", string(status))
	}
	if err := e.locks.Release(ctx, t.Name); err != nil {
		log.Error(err, "releasing the job lock")
	}
	if len(envelope.AffectedLicenses) > 0 {
		if err := e.lm.UpdateJob(ctx, licensemanager.UpdateJobRequest{
			JobID:     envelope.JobID,
			Customer:  t.Customer,
			CreatedAt: envelope.SubmittedAt,
			StartedAt: &started,
			StoppedAt: &stopped,
			Status:    status,
		}); err != nil {
			log.Error(err, "reporting the job to the license manager")
		}
	}
}

// deadline anchors the wall-clock budget at the backend's start time when it
// is known, the submission time otherwise.
func (e *Executor) deadline(ctx context.Context, envelope *apis.Envelope) time.Time {
	start := envelope.SubmittedAt
	if batchID := os.Getenv(envBatchJobID); batchID != "" {
		if started, err := e.batch.StartedAt(ctx, batchID); err == nil && started != nil {
			start = *started
		}
	}
	if start.IsZero() {
		start = e.clock().UTC()
	}
	return start.Add(envelope.JobLifetime)
}

func (e *Executor) newCollection(cloud apis.Cloud, scope, jobID string) *sharding.Collection {
	return sharding.NewCollection(sharding.ForCloud(cloud), sharding.NewS3IO(e.s3, e.opts.ReportsBucket,
		func(i int) string { return reports.ShardKey(scope, jobID, i) }, ""))
}

func (e *Executor) writeStatistics(ctx context.Context, jobID string, statistics apis.Statistics) error {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := json.NewEncoder(gz).Encode(statistics); err != nil {
		return fmt.Errorf("encoding statistics of job %q, %w", jobID, err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("compressing statistics of job %q, %w", jobID, err)
	}
	key := reports.StatisticsKey(jobID)
	if _, err := e.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          awssdk.String(e.opts.StatisticsBucketName()),
		Key:             awssdk.String(key),
		Body:            bytes.NewReader(buf.Bytes()),
		ContentType:     awssdk.String("application/json"),
		ContentEncoding: awssdk.String("gzip"),
	}); err != nil {
		return fmt.Errorf("putting statistics of job %q, %w", jobID, err)
	}
	return nil
}

// scanRegions orders the child runs: the global bucket first, then the target
// regions sorted. Non-AWS clouds have no global bucket except Kubernetes,
// whose whole scan is one logical location.
func scanRegions(cloud apis.Cloud, target []string) []string {
	sorted := append([]string(nil), target...)
	sort.Strings(sorted)
	switch cloud {
	case apis.CloudAWS:
		return append([]string{apis.GlobalRegion}, sorted...)
	case apis.CloudKubernetes:
		return []string{apis.GlobalRegion}
	default:
		return sorted
	}
}

func stageDescriptors(descriptors []map[string]any) (string, error) {
	file, err := os.CreateTemp("", "policies-*.json")
	if err != nil {
		return "", fmt.Errorf("staging policy descriptors, %w", err)
	}
	if err := json.NewEncoder(file).Encode(descriptors); err != nil {
		file.Close()
		os.Remove(file.Name())
		return "", fmt.Errorf("staging policy descriptors, %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(file.Name())
		return "", fmt.Errorf("staging policy descriptors, %w", err)
	}
	return file.Name(), nil
}

func metaOf(descriptors []map[string]any) map[string]sharding.RuleMeta {
	meta := map[string]sharding.RuleMeta{}
	for _, raw := range descriptors {
		name, _ := raw["name"].(string)
		if name == "" {
			continue
		}
		resource, _ := raw["resource"].(string)
		description, _ := raw["description"].(string)
		comment, _ := raw["comment"].(string)
		meta[name] = sharding.RuleMeta{Resource: resource, Description: description, Comment: comment}
	}
	return meta
}

func sortedStatistics(stats []apis.RuleStatistic) []apis.RuleStatistic {
	sorted := append([]apis.RuleStatistic(nil), stats...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].SortKey() < sorted[j].SortKey()
	})
	return sorted
}

func credentialsFailureMessage(stats []apis.RuleStatistic) string {
	for _, s := range stats {
		if s.Status == apis.PolicyCredentials {
			return s.Message
		}
	}
	return "invalid credentials"
}
