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
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/epam/ecc/pkg/apis"
	"github.com/epam/ecc/pkg/errors"
	"github.com/epam/ecc/pkg/licensemanager"
	"github.com/epam/ecc/pkg/providers/credentials"
)

// Submission records one batch submit for assertions.
type Submission struct {
	Name     string
	Envelope *apis.Envelope
}

// BatchClient implements batch.Client, minting sequential job ids.
type BatchClient struct {
	mu          sync.Mutex
	Submissions []Submission
	Terminated  map[string]string
	Started     map[string]time.Time
	// RefuseNext makes the next submit return an empty id.
	RefuseNext bool
	NextError  AtomicError
	next       int
}

func NewBatchClient() *BatchClient {
	c := &BatchClient{}
	c.Reset()
	return c
}

func (c *BatchClient) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Submissions = nil
	c.Terminated = map[string]string{}
	c.Started = map[string]time.Time{}
	c.RefuseNext = false
	c.NextError.Reset()
	c.next = 0
}

func (c *BatchClient) Submit(_ context.Context, name string, envelope *apis.Envelope) (string, error) {
	if err := c.NextError.Get(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *envelope
	c.Submissions = append(c.Submissions, Submission{Name: name, Envelope: &cp})
	if c.RefuseNext {
		c.RefuseNext = false
		return "", nil
	}
	c.next++
	return fmt.Sprintf("batch-job-%d", c.next), nil
}

// Submitted snapshots the submissions for assertions racing the cron runner.
func (c *BatchClient) Submitted() []Submission {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Submission(nil), c.Submissions...)
}

func (c *BatchClient) Terminate(_ context.Context, jobID, reason string) error {
	if err := c.NextError.Get(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Terminated[jobID] = reason
	return nil
}

func (c *BatchClient) StartedAt(_ context.Context, jobID string) (*time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.Started[jobID]
	if !ok {
		return nil, nil
	}
	return &at, nil
}

// LicenseManagerClient implements licensemanager.Client.
type LicenseManagerClient struct {
	mu sync.Mutex
	// Allowed gates IsAllowed; defaults to true.
	Allowed bool
	// DenyPostJob makes PostJob fail with the license-denied sentinel.
	DenyPostJob bool
	// ContentURLs is returned by PostJob keyed by ruleset id.
	ContentURLs map[string]string
	JobUpdates  []licensemanager.UpdateJobRequest
	PostedJobs  []string
}

func NewLicenseManagerClient() *LicenseManagerClient {
	c := &LicenseManagerClient{}
	c.Reset()
	return c
}

func (c *LicenseManagerClient) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Allowed = true
	c.DenyPostJob = false
	c.ContentURLs = map[string]string{}
	c.JobUpdates = nil
	c.PostedJobs = nil
}

func (c *LicenseManagerClient) PostJob(_ context.Context, jobID, _, _ string, rulesetIDs []string) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.DenyPostJob {
		return nil, fmt.Errorf("posting job %q, %w", jobID, errors.ErrLicenseDenied)
	}
	c.PostedJobs = append(c.PostedJobs, jobID)
	urls := map[string]string{}
	for _, id := range rulesetIDs {
		if url, ok := c.ContentURLs[id]; ok {
			urls[id] = url
		}
	}
	return urls, nil
}

func (c *LicenseManagerClient) IsAllowed(_ context.Context, _, _ string, _ []string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Allowed, nil
}

func (c *LicenseManagerClient) UpdateJob(_ context.Context, req licensemanager.UpdateJobRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.JobUpdates = append(c.JobUpdates, req)
	return nil
}

// ScheduleEntry mirrors one registered schedule.
type ScheduleEntry struct {
	Schedule string
	Enabled  bool
	Envelope *apis.Envelope
}

// Scheduler implements scheduler.Scheduler over a map.
type Scheduler struct {
	mu        sync.Mutex
	Entries   map[string]*ScheduleEntry
	NextError AtomicError
}

func NewScheduler() *Scheduler {
	s := &Scheduler{}
	s.Reset()
	return s
}

func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Entries = map[string]*ScheduleEntry{}
	s.NextError.Reset()
}

func (s *Scheduler) Register(_ context.Context, job *apis.ScheduledJob, envelope *apis.Envelope) error {
	if err := s.NextError.Get(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *envelope
	s.Entries[job.Name] = &ScheduleEntry{Schedule: job.Schedule, Enabled: job.Enabled, Envelope: &cp}
	return nil
}

func (s *Scheduler) SetEnabled(_ context.Context, name string, enabled bool) error {
	if err := s.NextError.Get(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.Entries[name]
	if !ok {
		return fmt.Errorf("schedule %q is not registered", name)
	}
	entry.Enabled = enabled
	return nil
}

func (s *Scheduler) SetSchedule(_ context.Context, name, schedule string) error {
	if err := s.NextError.Get(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.Entries[name]
	if !ok {
		return fmt.Errorf("schedule %q is not registered", name)
	}
	entry.Schedule = schedule
	return nil
}

func (s *Scheduler) Deregister(_ context.Context, name string) error {
	if err := s.NextError.Get(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.Entries, name)
	return nil
}

// CredentialsResolver implements credentials.Resolver with canned answers.
type CredentialsResolver struct {
	mu sync.Mutex
	// Env is handed out by Resolve for every tenant; nil means the chain is
	// exhausted and Resolve fails with ErrNoCredentials.
	Env        map[string]string
	Cloud      apis.Cloud
	Kubeconfig []byte
	Resolved   int
	// PlatformKeys records the staged-secret pointers handed to
	// ResolvePlatform.
	PlatformKeys []string
}

func NewCredentialsResolver() *CredentialsResolver {
	r := &CredentialsResolver{}
	r.Reset()
	return r
}

func (r *CredentialsResolver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Env = map[string]string{}
	r.Cloud = apis.CloudAWS
	r.Kubeconfig = nil
	r.Resolved = 0
	r.PlatformKeys = nil
}

func (r *CredentialsResolver) Resolve(_ context.Context, req credentials.ResolveRequest) (*credentials.Credentials, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Env == nil {
		return nil, errors.ErrNoCredentials
	}
	r.Resolved++
	cloud := r.Cloud
	if req.Tenant != nil {
		cloud = req.Tenant.Cloud
	}
	env := map[string]string{}
	for k, v := range r.Env {
		env[k] = v
	}
	return &credentials.Credentials{Cloud: cloud, Env: env}, nil
}

func (r *CredentialsResolver) ResolvePlatform(_ context.Context, _ *apis.Platform, credentialsKey string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.PlatformKeys = append(r.PlatformKeys, credentialsKey)
	if r.Kubeconfig == nil {
		return nil, errors.ErrNoCredentials
	}
	r.Resolved++
	return r.Kubeconfig, nil
}
