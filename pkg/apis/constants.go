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

// Package apis holds the domain vocabulary shared by the submission service
// and the scan executor: clouds, job lifecycle, the batch envelope contract
// and the entities persisted by the stores.
package apis

import (
	"strings"
	"time"
)

// Cloud is the domain a tenant (and its rulesets) belongs to.
type Cloud string

const (
	CloudAWS        Cloud = "AWS"
	CloudAzure      Cloud = "AZURE"
	CloudGoogle     Cloud = "GOOGLE"
	CloudKubernetes Cloud = "KUBERNETES"
)

// Clouds lists every supported cloud.
func Clouds() []Cloud {
	return []Cloud{CloudAWS, CloudAzure, CloudGoogle, CloudKubernetes}
}

// ParseCloud resolves the case-insensitive name of a cloud.
func ParseCloud(s string) (Cloud, bool) {
	for _, c := range Clouds() {
		if string(c) == s || strings.EqualFold(string(c), s) {
			return c, true
		}
	}
	return "", false
}

// JobStatus mirrors the batch runtime lifecycle plus the two terminal states
// owned by this system.
type JobStatus string

const (
	JobSubmitted JobStatus = "SUBMITTED"
	JobPending   JobStatus = "PENDING"
	JobRunnable  JobStatus = "RUNNABLE"
	JobStarting  JobStatus = "STARTING"
	JobRunning   JobStatus = "RUNNING"
	JobFailed    JobStatus = "FAILED"
	JobSucceeded JobStatus = "SUCCEEDED"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s JobStatus) IsTerminal() bool {
	return s == JobFailed || s == JobSucceeded
}

// JobType selects the executor flow.
type JobType string

const (
	JobTypeStandard                JobType = "standard"
	JobTypeEventDriven             JobType = "event-driven"
	JobTypeEventDrivenMultiAccount JobType = "event-driven-multi-account"
	JobTypeScheduled               JobType = "scheduled"
)

// PlatformType distinguishes managed EKS clusters from self-hosted ones.
type PlatformType string

const (
	PlatformEKS    PlatformType = "EKS"
	PlatformNative PlatformType = "NATIVE"
)

// ApplicationType tags the parent applications a tenant may link to.
type ApplicationType string

const (
	ApplicationCustodianAccess   ApplicationType = "CUSTODIAN_ACCESS"
	ApplicationCustodianLicenses ApplicationType = "CUSTODIAN_LICENSES"
	ApplicationManagement        ApplicationType = "MANAGEMENT"
)

// PolicyStatus is the per-policy outcome recorded in job statistics.
type PolicyStatus string

const (
	PolicySucceeded   PolicyStatus = "SUCCEEDED"
	PolicySkipped     PolicyStatus = "SKIPPED"
	PolicyAccess      PolicyStatus = "ACCESS"
	PolicyCredentials PolicyStatus = "CREDENTIALS"
	PolicyClient      PolicyStatus = "CLIENT"
	PolicyInternal    PolicyStatus = "INTERNAL"
)

// Setting keys for the customer and tenant setting tables.
const (
	SettingRulesToExclude    = "RULES_TO_EXCLUDE"
	SettingLastScanThreshold = "LAST_SCAN_THRESHOLD_SECONDS"
	SettingJobLock           = "JOB_LOCK"
)

// Executor exit codes. The batch backend retries 126 on event-driven jobs;
// everything else is final.
const (
	ExitCodeOK          = 0
	ExitCodeFailed      = 1
	ExitCodeLMDenied    = 2
	ExitCodeRecoverable = 126
)

const (
	// GlobalRegion is the synthetic bucket regionless policies are bound to.
	GlobalRegion = "global"
	// GoogleMultiregion is the single pseudo-region every GCP scan collapses to.
	GoogleMultiregion = "multiregion"
	// DefaultAWSRegion anchors global AWS policies and SDK clients without an
	// explicit region.
	DefaultAWSRegion = "us-east-1"
	// DefaultJobLifetime bounds a scan when the envelope carries no explicit
	// lifetime.
	DefaultJobLifetime = 55 * time.Minute
)

// Cloud SDK variables exported into the per-region child environment when
// staging resolved credentials.
const (
	EnvAWSAccessKeyID    = "AWS_ACCESS_KEY_ID"
	EnvAWSSecretKey      = "AWS_SECRET_ACCESS_KEY"
	EnvAWSSessionToken   = "AWS_SESSION_TOKEN"
	EnvAWSDefaultRegion  = "AWS_DEFAULT_REGION"
	EnvAzureTenantID     = "AZURE_TENANT_ID"
	EnvAzureClientID     = "AZURE_CLIENT_ID"
	EnvAzureClientSecret = "AZURE_CLIENT_SECRET"
	EnvAzureSubscription = "AZURE_SUBSCRIPTION_ID"
	EnvGoogleCredentials = "GOOGLE_APPLICATION_CREDENTIALS"
	EnvGoogleProject     = "CLOUDSDK_CORE_PROJECT"
	EnvKubeconfig        = "KUBECONFIG"
)
