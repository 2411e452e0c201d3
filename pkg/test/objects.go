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

// Package test builds domain objects with sensible defaults for suites.
// Every builder accepts at most one options struct; zero fields keep the
// defaults.
package test

import (
	"fmt"
	"strings"
	"time"

	"github.com/Pallinder/go-randomdata"
	"github.com/samber/lo"

	"github.com/epam/ecc/pkg/apis"
)

// DefaultCustomer owns every test object unless overridden.
const DefaultCustomer = "EPAM"

func name(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, strings.ToLower(randomdata.SillyName()))
}

type TenantOptions struct {
	Name     string
	Customer string
	Cloud    apis.Cloud
	Project  string
	Regions  []string
	Inactive bool
	Parents  map[apis.ApplicationType]string
}

func Tenant(overrides ...TenantOptions) *apis.Tenant {
	opts := options(overrides)
	return &apis.Tenant{
		Name:     lo.Ternary(opts.Name != "", opts.Name, name("tenant")),
		Customer: lo.Ternary(opts.Customer != "", opts.Customer, DefaultCustomer),
		Cloud:    lo.Ternary(opts.Cloud != "", opts.Cloud, apis.CloudAWS),
		Project:  lo.Ternary(opts.Project != "", opts.Project, "123456789012"),
		Regions:  lo.Ternary(opts.Regions != nil, opts.Regions, []string{"eu-west-1", "us-east-1"}),
		Active:   !opts.Inactive,
		Parents:  opts.Parents,
	}
}

type PlatformOptions struct {
	ID            string
	TenantName    string
	Customer      string
	Type          apis.PlatformType
	Region        string
	Name          string
	ApplicationID string
}

func Platform(overrides ...PlatformOptions) *apis.Platform {
	opts := options(overrides)
	return &apis.Platform{
		ID:            lo.Ternary(opts.ID != "", opts.ID, name("platform")),
		TenantName:    opts.TenantName,
		Customer:      lo.Ternary(opts.Customer != "", opts.Customer, DefaultCustomer),
		Type:          lo.Ternary(opts.Type != "", opts.Type, apis.PlatformEKS),
		Region:        lo.Ternary(opts.Region != "", opts.Region, "eu-west-1"),
		Name:          lo.Ternary(opts.Name != "", opts.Name, name("cluster")),
		ApplicationID: opts.ApplicationID,
	}
}

type ApplicationOptions struct {
	ID         string
	Customer   string
	Type       apis.ApplicationType
	SecretName string
	Meta       map[string]string
}

func Application(overrides ...ApplicationOptions) *apis.Application {
	opts := options(overrides)
	return &apis.Application{
		ID:         lo.Ternary(opts.ID != "", opts.ID, name("application")),
		Customer:   lo.Ternary(opts.Customer != "", opts.Customer, DefaultCustomer),
		Type:       lo.Ternary(opts.Type != "", opts.Type, apis.ApplicationCustodianAccess),
		SecretName: opts.SecretName,
		Meta:       opts.Meta,
	}
}

type LicenseOptions struct {
	Key        string
	Expiration time.Time
	RulesetIDs []string
	Customers  map[string]apis.LicenseCustomer
}

func License(overrides ...LicenseOptions) *apis.License {
	opts := options(overrides)
	expiration := opts.Expiration
	if expiration.IsZero() {
		expiration = time.Now().UTC().Add(365 * 24 * time.Hour)
	}
	customers := opts.Customers
	if customers == nil {
		customers = map[string]apis.LicenseCustomer{
			DefaultCustomer: {TenantLicenseKey: "tlk-" + randomdata.Alphanumeric(8)},
		}
	}
	return &apis.License{
		Key:        lo.Ternary(opts.Key != "", opts.Key, name("license")),
		Expiration: expiration,
		RulesetIDs: opts.RulesetIDs,
		Customers:  customers,
	}
}

type RulesetOptions struct {
	ID              string
	Customer        string
	Name            string
	Version         string
	Cloud           apis.Cloud
	Licensed        bool
	LicenseManagerID string
	Inactive        bool
	Source          apis.S3Path
	Rules           []string
}

func Ruleset(overrides ...RulesetOptions) *apis.Ruleset {
	opts := options(overrides)
	rsName := lo.Ternary(opts.Name != "", opts.Name, name("ruleset"))
	version := lo.Ternary(opts.Version != "", opts.Version, "1.0")
	customer := lo.Ternary(opts.Customer != "", opts.Customer, DefaultCustomer)
	rs := &apis.Ruleset{
		Customer:         customer,
		Name:             rsName,
		Version:          version,
		Cloud:            lo.Ternary(opts.Cloud != "", opts.Cloud, apis.CloudAWS),
		Licensed:         opts.Licensed,
		LicenseManagerID: opts.LicenseManagerID,
		Active:           !opts.Inactive,
		Source:           opts.Source,
		Rules:            opts.Rules,
	}
	rs.ID = lo.Ternary(opts.ID != "", opts.ID, apis.RulesetID(customer, opts.Licensed, rsName, version))
	if rs.Source.Bucket == "" {
		rs.Source = apis.S3Path{Bucket: "rulesets", Key: rsName + "/" + version + ".json.gz"}
	}
	return rs
}

type JobOptions struct {
	ID          string
	Customer    string
	TenantName  string
	Owner       string
	Status      apis.JobStatus
	SubmittedAt time.Time
	Regions     []string
	RulesetIDs  []string
	RulesToScan []string
}

func Job(overrides ...JobOptions) *apis.Job {
	opts := options(overrides)
	submitted := opts.SubmittedAt
	if submitted.IsZero() {
		submitted = time.Now().UTC()
	}
	return &apis.Job{
		ID:          lo.Ternary(opts.ID != "", opts.ID, name("job")),
		Customer:    lo.Ternary(opts.Customer != "", opts.Customer, DefaultCustomer),
		TenantName:  opts.TenantName,
		Owner:       lo.Ternary(opts.Owner != "", opts.Owner, DefaultCustomer),
		Status:      lo.Ternary(opts.Status != "", opts.Status, apis.JobSubmitted),
		SubmittedAt: submitted,
		Regions:     opts.Regions,
		RulesetIDs:  opts.RulesetIDs,
		RulesToScan: opts.RulesToScan,
	}
}

type BatchResultsOptions struct {
	ID             string
	Customer       string
	TenantName     string
	CredentialsKey string
	RegionsToRules map[string][]string
	Status         apis.JobStatus
	SubmittedAt    time.Time
}

func BatchResults(overrides ...BatchResultsOptions) *apis.BatchResults {
	opts := options(overrides)
	submitted := opts.SubmittedAt
	if submitted.IsZero() {
		submitted = time.Now().UTC()
	}
	return &apis.BatchResults{
		ID:             lo.Ternary(opts.ID != "", opts.ID, name("batch-results")),
		Customer:       lo.Ternary(opts.Customer != "", opts.Customer, DefaultCustomer),
		TenantName:     opts.TenantName,
		CredentialsKey: opts.CredentialsKey,
		RegionsToRules: opts.RegionsToRules,
		Status:         opts.Status,
		SubmittedAt:    submitted,
	}
}

type ScheduledJobOptions struct {
	Name       string
	Customer   string
	TenantName string
	Schedule   string
	Disabled   bool
}

func ScheduledJob(overrides ...ScheduledJobOptions) *apis.ScheduledJob {
	opts := options(overrides)
	return &apis.ScheduledJob{
		Name:       lo.Ternary(opts.Name != "", opts.Name, name("schedule")),
		Customer:   lo.Ternary(opts.Customer != "", opts.Customer, DefaultCustomer),
		TenantName: opts.TenantName,
		Schedule:   lo.Ternary(opts.Schedule != "", opts.Schedule, "rate(1 day)"),
		Enabled:    !opts.Disabled,
		Type:       apis.JobTypeScheduled,
	}
}

// Descriptor builds a raw policy mapping the loader accepts.
func Descriptor(policyName, resource string, extra ...map[string]any) map[string]any {
	d := map[string]any{
		"name":        policyName,
		"resource":    resource,
		"description": "test policy " + policyName,
	}
	for _, m := range extra {
		for k, v := range m {
			d[k] = v
		}
	}
	return d
}

func options[T any](overrides []T) T {
	var opts T
	if len(overrides) > 0 {
		opts = overrides[0]
	}
	return opts
}
