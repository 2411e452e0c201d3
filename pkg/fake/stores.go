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

// Package fake provides in-memory doubles for the storage providers and
// external clients. Every fake is safe for concurrent use and resettable
// between specs.
package fake

import (
	"context"
	"sort"
	"sync"
	"time"

	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/samber/lo"

	"github.com/epam/ecc/pkg/apis"
	"github.com/epam/ecc/pkg/errors"
	"github.com/epam/ecc/pkg/providers/job"
	"github.com/epam/ecc/pkg/providers/ruleset"
	"github.com/epam/ecc/pkg/providers/scheduledjob"
)

func conditionalCheckFailed() error {
	return &ddbtypes.ConditionalCheckFailedException{Message: lo.ToPtr("The conditional request failed")}
}

// TenantStore implements tenant.Provider over maps.
type TenantStore struct {
	mu           sync.Mutex
	Tenants      map[string]*apis.Tenant
	Platforms    map[string]*apis.Platform
	Applications map[string]*apis.Application
	NextError    AtomicError
}

func NewTenantStore() *TenantStore {
	s := &TenantStore{}
	s.Reset()
	return s
}

func (s *TenantStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Tenants = map[string]*apis.Tenant{}
	s.Platforms = map[string]*apis.Platform{}
	s.Applications = map[string]*apis.Application{}
	s.NextError.Reset()
}

func (s *TenantStore) Add(t *apis.Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Tenants[t.Name] = t
}

func (s *TenantStore) AddPlatform(p *apis.Platform) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Platforms[p.ID] = p
}

func (s *TenantStore) AddApplication(a *apis.Application) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Applications[a.ID] = a
}

func (s *TenantStore) Get(_ context.Context, name string) (*apis.Tenant, error) {
	if err := s.NextError.Get(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Tenants[name], nil
}

func (s *TenantStore) GetPlatform(_ context.Context, id string) (*apis.Platform, error) {
	if err := s.NextError.Get(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Platforms[id], nil
}

func (s *TenantStore) GetApplication(_ context.Context, id string) (*apis.Application, error) {
	if err := s.NextError.Get(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Applications[id], nil
}

func (s *TenantStore) ApplicationFor(ctx context.Context, tenant *apis.Tenant, typ apis.ApplicationType) (*apis.Application, error) {
	id, ok := tenant.Parents[typ]
	if !ok {
		return nil, nil
	}
	return s.GetApplication(ctx, id)
}

// JobStore implements job.Provider over a map, preserving the terminal-state
// guard of the real conditional update.
type JobStore struct {
	mu        sync.Mutex
	Jobs      map[string]*apis.Job
	NextError AtomicError
}

func NewJobStore() *JobStore {
	s := &JobStore{}
	s.Reset()
	return s
}

func (s *JobStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Jobs = map[string]*apis.Job{}
	s.NextError.Reset()
}

func (s *JobStore) Create(_ context.Context, j *apis.Job) error {
	if err := s.NextError.Get(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *j
	s.Jobs[j.ID] = &cp
	return nil
}

func (s *JobStore) Get(_ context.Context, id string) (*apis.Job, error) {
	if err := s.NextError.Get(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.Jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (s *JobStore) List(_ context.Context, req job.ListRequest) ([]*apis.Job, error) {
	if err := s.NextError.Get(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*apis.Job
	for _, j := range s.Jobs {
		if req.Customer != "" && j.Customer != req.Customer {
			continue
		}
		if req.TenantName != "" && j.TenantName != req.TenantName {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].SubmittedAt.After(out[k].SubmittedAt) })
	if req.Limit > 0 && len(out) > req.Limit {
		out = out[:req.Limit]
	}
	return out, nil
}

func (s *JobStore) LatestSucceeded(_ context.Context, tenantName string) (*apis.Job, error) {
	if err := s.NextError.Get(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *apis.Job
	for _, j := range s.Jobs {
		if j.TenantName != tenantName || j.Status != apis.JobSucceeded {
			continue
		}
		if latest == nil || j.SubmittedAt.After(latest.SubmittedAt) {
			latest = j
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (s *JobStore) UpdateStatus(_ context.Context, id string, patch job.StatusPatch) error {
	if err := s.NextError.Get(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.Jobs[id]
	if !ok || j.Status.IsTerminal() {
		return conditionalCheckFailed()
	}
	j.Status = patch.Status
	if patch.Reason != "" {
		j.Reason = patch.Reason
	}
	if patch.StartedAt != nil {
		j.StartedAt = patch.StartedAt
	}
	if patch.StoppedAt != nil {
		j.StoppedAt = patch.StoppedAt
	}
	return nil
}

// LockStore implements joblock.Provider.
type LockStore struct {
	mu       sync.Mutex
	Locks    map[string]string
	Disabled bool
}

func NewLockStore() *LockStore {
	s := &LockStore{}
	s.Reset()
	return s
}

func (s *LockStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Locks = map[string]string{}
	s.Disabled = false
}

func (s *LockStore) Acquire(_ context.Context, tenantName, jobID string, _ []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Disabled {
		return nil
	}
	if holder, held := s.Locks[tenantName]; held {
		return &errors.LockedError{TenantName: tenantName, JobID: holder}
	}
	s.Locks[tenantName] = jobID
	return nil
}

func (s *LockStore) Release(_ context.Context, tenantName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.Locks, tenantName)
	return nil
}

func (s *LockStore) IsLocked(_ context.Context, tenantName string) (bool, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Disabled {
		return false, "", nil
	}
	holder, held := s.Locks[tenantName]
	return held, holder, nil
}

// SettingsStore implements settings.Provider.
type SettingsStore struct {
	mu             sync.Mutex
	CustomerRules  map[string][]string
	TenantRules    map[string][]string
	ScanThresholds map[string]time.Duration
}

func NewSettingsStore() *SettingsStore {
	s := &SettingsStore{}
	s.Reset()
	return s
}

func (s *SettingsStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CustomerRules = map[string][]string{}
	s.TenantRules = map[string][]string{}
	s.ScanThresholds = map[string]time.Duration{}
}

func (s *SettingsStore) RulesToExclude(_ context.Context, customer, tenantName string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Uniq(append(append([]string{}, s.CustomerRules[customer]...), s.TenantRules[tenantName]...)), nil
}

func (s *SettingsStore) LastScanThreshold(_ context.Context, customer string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ScanThresholds[customer], nil
}

// SecretsStore implements secrets.Provider.
type SecretsStore struct {
	mu      sync.Mutex
	Secrets map[string]string
	// Deleted records every deleted name for consumption assertions.
	Deleted []string
}

func NewSecretsStore() *SecretsStore {
	s := &SecretsStore{}
	s.Reset()
	return s
}

func (s *SecretsStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Secrets = map[string]string{}
	s.Deleted = nil
}

func (s *SecretsStore) Get(_ context.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Secrets[name], nil
}

func (s *SecretsStore) Put(_ context.Context, name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Secrets[name] = value
	return nil
}

func (s *SecretsStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.Secrets, name)
	s.Deleted = append(s.Deleted, name)
	return nil
}

// LicenseStore implements license.Provider.
type LicenseStore struct {
	mu       sync.Mutex
	Licenses map[string]*apis.License
	// Grants maps application id + cloud to a license key.
	Grants map[string]string
}

func NewLicenseStore() *LicenseStore {
	s := &LicenseStore{}
	s.Reset()
	return s
}

func (s *LicenseStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Licenses = map[string]*apis.License{}
	s.Grants = map[string]string{}
}

func (s *LicenseStore) Add(l *apis.License) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Licenses[l.Key] = l
}

func (s *LicenseStore) Grant(applicationID string, cloud apis.Cloud, licenseKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Grants[applicationID+"/"+string(cloud)] = licenseKey
}

func (s *LicenseStore) Get(_ context.Context, key string) (*apis.License, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Licenses[key], nil
}

func (s *LicenseStore) ForApplication(_ context.Context, application *apis.Application, cloud apis.Cloud) (*apis.License, error) {
	if application == nil {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.Grants[application.ID+"/"+string(cloud)]
	if !ok {
		return nil, nil
	}
	return s.Licenses[key], nil
}

// RulesetStore implements ruleset.Provider; content is keyed by bucket/key
// and by URL.
type RulesetStore struct {
	mu         sync.Mutex
	Rulesets   map[string]*apis.Ruleset
	Sources    map[string][]map[string]any
	URLContent map[string][]map[string]any
}

func NewRulesetStore() *RulesetStore {
	s := &RulesetStore{}
	s.Reset()
	return s
}

func (s *RulesetStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Rulesets = map[string]*apis.Ruleset{}
	s.Sources = map[string][]map[string]any{}
	s.URLContent = map[string][]map[string]any{}
}

func (s *RulesetStore) Add(rs *apis.Ruleset, content []map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Rulesets[rs.ID] = rs
	if content != nil {
		s.Sources[rs.Source.Bucket+"/"+rs.Source.Key] = content
	}
}

func (s *RulesetStore) AddURL(url string, content []map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.URLContent[url] = content
}

func (s *RulesetStore) List(_ context.Context, req ruleset.ListRequest) ([]*apis.Ruleset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*apis.Ruleset
	for _, rs := range s.Rulesets {
		if req.Customer != "" && rs.Customer != req.Customer {
			continue
		}
		if req.Cloud != "" && rs.Cloud != req.Cloud {
			continue
		}
		if req.Licensed != nil && rs.Licensed != *req.Licensed {
			continue
		}
		if req.ActiveOnly && !rs.Active {
			continue
		}
		if len(req.Names) > 0 && !lo.Contains(req.Names, rs.Name) {
			continue
		}
		out = append(out, rs)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (s *RulesetStore) Get(_ context.Context, id string) (*apis.Ruleset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Rulesets[id], nil
}

func (s *RulesetStore) Content(_ context.Context, path apis.S3Path) ([]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Sources[path.Bucket+"/"+path.Key], nil
}

func (s *RulesetStore) ContentURL(_ context.Context, url string) ([]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.URLContent[url], nil
}

// BatchResultsStore implements batchresults.Provider.
type BatchResultsStore struct {
	mu   sync.Mutex
	Rows map[string]*apis.BatchResults
}

func NewBatchResultsStore() *BatchResultsStore {
	s := &BatchResultsStore{}
	s.Reset()
	return s
}

func (s *BatchResultsStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Rows = map[string]*apis.BatchResults{}
}

func (s *BatchResultsStore) Add(row *apis.BatchResults) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Rows[row.ID] = row
}

func (s *BatchResultsStore) Get(_ context.Context, id string) (*apis.BatchResults, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.Rows[id]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (s *BatchResultsStore) Complete(_ context.Context, id string, status apis.JobStatus, reason string, stoppedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.Rows[id]
	if !ok {
		return conditionalCheckFailed()
	}
	row.Status = status
	row.Reason = reason
	row.StoppedAt = &stoppedAt
	return nil
}

// ScheduledJobStore implements scheduledjob.Provider, keeping the monotone
// execution stamp of the real conditional update.
type ScheduledJobStore struct {
	mu   sync.Mutex
	Rows map[string]*apis.ScheduledJob
}

func NewScheduledJobStore() *ScheduledJobStore {
	s := &ScheduledJobStore{}
	s.Reset()
	return s
}

func (s *ScheduledJobStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Rows = map[string]*apis.ScheduledJob{}
}

func (s *ScheduledJobStore) Create(_ context.Context, j *apis.ScheduledJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.Rows[j.Name]; exists {
		return conditionalCheckFailed()
	}
	cp := *j
	s.Rows[j.Name] = &cp
	return nil
}

func (s *ScheduledJobStore) Get(_ context.Context, name string) (*apis.ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.Rows[name]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (s *ScheduledJobStore) List(_ context.Context, customer string, tenants []string) ([]*apis.ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*apis.ScheduledJob
	for _, row := range s.Rows {
		if row.Customer != customer {
			continue
		}
		if len(tenants) > 0 && !lo.Contains(tenants, row.TenantName) {
			continue
		}
		cp := *row
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out, nil
}

func (s *ScheduledJobStore) Update(_ context.Context, name string, patch scheduledjob.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.Rows[name]
	if !ok {
		return conditionalCheckFailed()
	}
	if patch.Enabled != nil {
		row.Enabled = *patch.Enabled
	}
	if patch.Schedule != nil {
		row.Schedule = *patch.Schedule
	}
	return nil
}

func (s *ScheduledJobStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.Rows, name)
	return nil
}

func (s *ScheduledJobStore) StampExecution(_ context.Context, name string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.Rows[name]
	if !ok {
		return conditionalCheckFailed()
	}
	if row.LastExecutionTime != nil && row.LastExecutionTime.After(at) {
		return nil
	}
	row.LastExecutionTime = &at
	return nil
}
