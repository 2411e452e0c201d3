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

package apis

import (
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
)

// Tenant is a customer-owned cloud account, subscription or project.
// Parent applications are referenced by id, never by pointer.
type Tenant struct {
	Name     string                     `json:"name" dynamodbav:"name"`
	Customer string                     `json:"customer" dynamodbav:"customer"`
	Cloud    Cloud                      `json:"cloud" dynamodbav:"cloud"`
	Project  string                     `json:"project" dynamodbav:"project"`
	Regions  []string                   `json:"regions" dynamodbav:"regions,stringset,omitempty"`
	Active   bool                       `json:"active" dynamodbav:"active"`
	Parents  map[ApplicationType]string `json:"parents,omitempty" dynamodbav:"parents,omitempty"`
}

// HasRegion reports whether the region is activated for the tenant.
func (t *Tenant) HasRegion(region string) bool {
	return lo.Contains(t.Regions, region)
}

// Platform describes a Kubernetes cluster bound to a tenant.
type Platform struct {
	ID            string       `json:"id" dynamodbav:"id"`
	TenantName    string       `json:"tenant_name" dynamodbav:"tenantName"`
	Customer      string       `json:"customer" dynamodbav:"customer"`
	Type          PlatformType `json:"type" dynamodbav:"type"`
	Region        string       `json:"region,omitempty" dynamodbav:"region,omitempty"`
	Name          string       `json:"name" dynamodbav:"name"`
	ApplicationID string       `json:"application_id,omitempty" dynamodbav:"applicationId,omitempty"`
}

// Application is an arena-stored integration record. Its credentials live in
// the secret store under SecretName; Meta carries type-specific attributes
// such as the per-cloud license keys of a CUSTODIAN_LICENSES application.
type Application struct {
	ID         string            `json:"id" dynamodbav:"id"`
	Customer   string            `json:"customer" dynamodbav:"customer"`
	Type       ApplicationType   `json:"type" dynamodbav:"type"`
	SecretName string            `json:"secret_name,omitempty" dynamodbav:"secretName,omitempty"`
	Meta       map[string]string `json:"meta,omitempty" dynamodbav:"meta,omitempty"`
}

// LicenseCustomer is the per-customer attachment of a license.
type LicenseCustomer struct {
	TenantLicenseKey string `json:"tenant_license_key" dynamodbav:"tenantLicenseKey"`
}

// License gates access to licensed rulesets.
type License struct {
	Key        string                     `json:"license_key" dynamodbav:"licenseKey"`
	Expiration time.Time                  `json:"expiration" dynamodbav:"expiration"`
	RulesetIDs []string                   `json:"ruleset_ids" dynamodbav:"rulesetIds,stringset,omitempty"`
	Customers  map[string]LicenseCustomer `json:"customers" dynamodbav:"customers"`
}

// IsExpired reports whether the license has expired at the supplied instant.
func (l *License) IsExpired(now time.Time) bool {
	return !l.Expiration.IsZero() && now.After(l.Expiration)
}

// S3Path locates an object in a bucket.
type S3Path struct {
	Bucket string `json:"bucket" dynamodbav:"bucket"`
	Key    string `json:"key" dynamodbav:"key"`
}

// Ruleset is an immutable versioned bundle of rules for one cloud.
// The id is `customer#L|S#name#version`; L marks licensed rulesets.
type Ruleset struct {
	ID               string   `json:"id" dynamodbav:"id"`
	Customer         string   `json:"customer" dynamodbav:"customer"`
	Name             string   `json:"name" dynamodbav:"name"`
	Version          string   `json:"version" dynamodbav:"version"`
	Cloud            Cloud    `json:"cloud" dynamodbav:"cloud"`
	Licensed         bool     `json:"licensed" dynamodbav:"licensed"`
	LicenseManagerID string   `json:"license_manager_id,omitempty" dynamodbav:"licenseManagerId,omitempty"`
	Active           bool     `json:"active" dynamodbav:"active"`
	Source           S3Path   `json:"source" dynamodbav:"source"`
	Rules            []string `json:"rules,omitempty" dynamodbav:"rules,stringset,omitempty"`
}

const (
	rulesetLicensedTag = "L"
	rulesetStandardTag = "S"
)

// RulesetID builds the compound ruleset id.
func RulesetID(customer string, licensed bool, name, version string) string {
	tag := rulesetStandardTag
	if licensed {
		tag = rulesetLicensedTag
	}
	return strings.Join([]string{customer, tag, name, version}, "#")
}

// Job is a single scan execution. Created by the submission controller,
// mutated only by the executor and the lock release path.
type Job struct {
	ID                string     `json:"id" dynamodbav:"id"`
	Customer          string     `json:"customer" dynamodbav:"customer"`
	TenantName        string     `json:"tenant_name" dynamodbav:"tenantName"`
	Owner             string     `json:"owner" dynamodbav:"owner"`
	Status            JobStatus  `json:"status" dynamodbav:"status"`
	BatchJobID        string     `json:"batch_job_id,omitempty" dynamodbav:"batchJobId,omitempty"`
	PlatformID        string     `json:"platform_id,omitempty" dynamodbav:"platformId,omitempty"`
	RulesetIDs        []string   `json:"rulesets,omitempty" dynamodbav:"rulesets,stringset,omitempty"`
	RulesToScan       []string   `json:"rules_to_scan,omitempty" dynamodbav:"rulesToScan,stringset,omitempty"`
	Regions           []string   `json:"regions,omitempty" dynamodbav:"regions,stringset,omitempty"`
	ScheduledRuleName string     `json:"scheduled_rule_name,omitempty" dynamodbav:"scheduledRuleName,omitempty"`
	Reason            string     `json:"reason,omitempty" dynamodbav:"reason,omitempty"`
	SubmittedAt       time.Time  `json:"submitted_at" dynamodbav:"submittedAt"`
	StartedAt         *time.Time `json:"started_at,omitempty" dynamodbav:"startedAt,omitempty"`
	StoppedAt         *time.Time `json:"stopped_at,omitempty" dynamodbav:"stoppedAt,omitempty"`
	TTL               int64      `json:"-" dynamodbav:"ttl,omitempty"`
}

// BatchResults is an event-driven scan unit produced by an external ingestor:
// the set of rules to re-evaluate per affected region.
type BatchResults struct {
	ID             string              `json:"id" dynamodbav:"id"`
	Customer       string              `json:"customer" dynamodbav:"customer"`
	TenantName     string              `json:"tenant_name" dynamodbav:"tenantName"`
	CredentialsKey string              `json:"credentials_key,omitempty" dynamodbav:"credentialsKey,omitempty"`
	RegionsToRules map[string][]string `json:"regions_to_rules" dynamodbav:"regionsToRules"`
	Status         JobStatus           `json:"status,omitempty" dynamodbav:"status,omitempty"`
	Reason         string              `json:"reason,omitempty" dynamodbav:"reason,omitempty"`
	SubmittedAt    time.Time           `json:"submitted_at" dynamodbav:"submittedAt"`
	StoppedAt      *time.Time          `json:"stopped_at,omitempty" dynamodbav:"stoppedAt,omitempty"`
}

// RuleUnion returns the union of rule ids across all regions.
func (b *BatchResults) RuleUnion() []string {
	return lo.Uniq(lo.Flatten(lo.Values(b.RegionsToRules)))
}

// ScheduledJob is a recurring scan registration. Context fields mirror the
// submission request so each fire rebuilds the same envelope with a fresh id.
type ScheduledJob struct {
	Name              string          `json:"name" dynamodbav:"name"`
	Customer          string          `json:"customer" dynamodbav:"customer"`
	TenantName        string          `json:"tenant_name" dynamodbav:"tenantName"`
	Schedule          string          `json:"schedule" dynamodbav:"schedule"`
	Enabled           bool            `json:"enabled" dynamodbav:"enabled"`
	Type              JobType         `json:"type" dynamodbav:"type"`
	TargetRegions     []string        `json:"target_regions,omitempty" dynamodbav:"targetRegions,stringset,omitempty"`
	TargetRulesets    []RulesetTriple `json:"target_rulesets,omitempty" dynamodbav:"targetRulesets,omitempty"`
	LicensedRulesets  []string        `json:"licensed_rulesets,omitempty" dynamodbav:"licensedRulesets,stringset,omitempty"`
	AffectedLicenses  []string        `json:"affected_licenses,omitempty" dynamodbav:"affectedLicenses,stringset,omitempty"`
	LastExecutionTime *time.Time      `json:"last_execution_time,omitempty" dynamodbav:"lastExecutionTime,omitempty"`
}

// JobLockValue is the payload stored under the per-tenant job lock key.
type JobLockValue struct {
	JobID   string   `json:"jid" dynamodbav:"jid"`
	Regions []string `json:"regions,omitempty" dynamodbav:"regions,stringset,omitempty"`
}

// Statistics is the per-job operator-facing report persisted next to shards.
type Statistics struct {
	Tenant    string          `json:"tenant"`
	StartedAt time.Time       `json:"started_at"`
	StoppedAt time.Time       `json:"stopped_at"`
	PerRule   []RuleStatistic `json:"per_rule"`
}

// RuleStatistic is the outcome of one policy in one region.
type RuleStatistic struct {
	Region    string       `json:"region"`
	Rule      string       `json:"rule"`
	Status    PolicyStatus `json:"status"`
	Message   string       `json:"message,omitempty"`
	Traceback []string     `json:"traceback,omitempty"`
}

// SortKey orders statistics deterministically for persistence.
func (r RuleStatistic) SortKey() string {
	return fmt.Sprintf("%s/%s", r.Region, r.Rule)
}
