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
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
)

// Envelope variable names. The flat environment bundle is the only interface
// between the submission controller and the executor.
const (
	EnvTenantName       = "TENANT_NAME"
	EnvPlatformID       = "PLATFORM_ID"
	EnvJobID            = "JOB_ID"
	EnvJobType          = "JOB_TYPE"
	EnvBatchResultsID   = "BATCH_RESULTS_ID"
	EnvBatchResultsIDs  = "BATCH_RESULTS_IDS"
	EnvTargetRegions    = "TARGET_REGIONS"
	EnvTargetRulesets   = "TARGET_RULESETS"
	EnvLicensedRulesets = "LICENSED_RULESETS"
	EnvAffectedLicenses = "AFFECTED_LICENSES"
	EnvCredentialsKey   = "CREDENTIALS_KEY"
	EnvSubmittedAt      = "SUBMITTED_AT"
	EnvJobLifetimeMin   = "JOB_LIFETIME_MIN"
	EnvScheduledJobName = "SCHEDULED_JOB_NAME"
	EnvAWSRegion        = "AWS_REGION"
)

// SubmittedAtPlaceholder is substituted by the scheduler's input transformer
// with the fire time of the rule.
const SubmittedAtPlaceholder = "<submitted_at>"

// licensedRulesetTag prefixes license-manager ruleset ids in the envelope to
// keep them apart from store-native ids.
const licensedRulesetTag = "0"

// RulesetTriple is the authoritative wire identity of a ruleset.
type RulesetTriple struct {
	ID      string `json:"id" dynamodbav:"id"`
	Name    string `json:"name" dynamodbav:"name"`
	Version string `json:"version" dynamodbav:"version"`
}

func (r RulesetTriple) String() string {
	return strings.Join([]string{r.ID, r.Name, r.Version}, ":")
}

// ParseRulesetTriple parses "id:name:version". The id may itself contain
// colons, so splitting is anchored at the right.
func ParseRulesetTriple(s string) (RulesetTriple, error) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return RulesetTriple{}, fmt.Errorf("malformed ruleset triple %q", s)
	}
	j := strings.LastIndex(s[:i], ":")
	if j < 0 {
		return RulesetTriple{}, fmt.Errorf("malformed ruleset triple %q", s)
	}
	return RulesetTriple{ID: s[:j], Name: s[j+1 : i], Version: s[i+1:]}, nil
}

// LicensedRulesetID formats a license-manager ruleset id for the envelope.
func LicensedRulesetID(lmID string) string {
	return licensedRulesetTag + ":" + lmID
}

// ParseLicensedRulesetID extracts the license-manager id from its envelope
// form, rejecting anything without the reserved tag.
func ParseLicensedRulesetID(s string) (string, error) {
	tag, id, found := strings.Cut(s, ":")
	if !found || tag != licensedRulesetTag || id == "" {
		return "", fmt.Errorf("malformed licensed ruleset id %q", s)
	}
	return id, nil
}

// Envelope is the decoded worker contract.
type Envelope struct {
	JobID            string
	JobType          JobType
	TenantName       string
	PlatformID       string
	BatchResultsID   string
	BatchResultsIDs  []string
	TargetRegions    []string
	TargetRulesets   []RulesetTriple
	LicensedRulesets []string
	AffectedLicenses []string
	CredentialsKey   string
	SubmittedAt      time.Time
	JobLifetime      time.Duration
	ScheduledJobName string
	AWSRegion        string
}

// Vars encodes the envelope into its environment form, omitting empty
// fields. Keys are returned in a deterministic order by Environ.
func (e *Envelope) Vars() map[string]string {
	vars := map[string]string{}
	put := func(k, v string) {
		if v != "" {
			vars[k] = v
		}
	}
	put(EnvJobID, e.JobID)
	put(EnvJobType, string(e.JobType))
	put(EnvTenantName, e.TenantName)
	put(EnvPlatformID, e.PlatformID)
	put(EnvBatchResultsID, e.BatchResultsID)
	put(EnvBatchResultsIDs, strings.Join(e.BatchResultsIDs, ","))
	put(EnvTargetRegions, strings.Join(e.TargetRegions, ","))
	put(EnvTargetRulesets, strings.Join(lo.Map(e.TargetRulesets, func(t RulesetTriple, _ int) string {
		return t.String()
	}), ";"))
	put(EnvLicensedRulesets, strings.Join(e.LicensedRulesets, ","))
	put(EnvAffectedLicenses, strings.Join(e.AffectedLicenses, ","))
	put(EnvCredentialsKey, e.CredentialsKey)
	if !e.SubmittedAt.IsZero() {
		put(EnvSubmittedAt, e.SubmittedAt.UTC().Format(time.RFC3339))
	}
	if e.JobLifetime > 0 {
		put(EnvJobLifetimeMin, strconv.Itoa(int(e.JobLifetime.Minutes())))
	}
	put(EnvScheduledJobName, e.ScheduledJobName)
	put(EnvAWSRegion, e.AWSRegion)
	return vars
}

// Environ renders the envelope as sorted "KEY=VALUE" pairs for child
// processes and container overrides.
func (e *Envelope) Environ() []string {
	vars := e.Vars()
	keys := lo.Keys(vars)
	sort.Strings(keys)
	return lo.Map(keys, func(k string, _ int) string {
		return k + "=" + vars[k]
	})
}

// ReadEnvelope decodes the envelope from the process environment.
func ReadEnvelope() (*Envelope, error) {
	return DecodeEnvelope(os.LookupEnv)
}

// DecodeEnvelope decodes the envelope from the supplied lookup. Decoding is
// total for any envelope produced by Vars.
func DecodeEnvelope(lookup func(string) (string, bool)) (*Envelope, error) {
	get := func(k string) string {
		v, _ := lookup(k)
		return v
	}
	split := func(v, sep string) []string {
		if v == "" {
			return nil
		}
		return strings.Split(v, sep)
	}
	e := &Envelope{
		JobID:            get(EnvJobID),
		JobType:          JobType(get(EnvJobType)),
		TenantName:       get(EnvTenantName),
		PlatformID:       get(EnvPlatformID),
		BatchResultsID:   get(EnvBatchResultsID),
		BatchResultsIDs:  split(get(EnvBatchResultsIDs), ","),
		TargetRegions:    split(get(EnvTargetRegions), ","),
		LicensedRulesets: split(get(EnvLicensedRulesets), ","),
		AffectedLicenses: split(get(EnvAffectedLicenses), ","),
		CredentialsKey:   get(EnvCredentialsKey),
		ScheduledJobName: get(EnvScheduledJobName),
		AWSRegion:        get(EnvAWSRegion),
	}
	if e.JobType == "" {
		e.JobType = JobTypeStandard
	}
	for _, raw := range split(get(EnvTargetRulesets), ";") {
		triple, err := ParseRulesetTriple(raw)
		if err != nil {
			return nil, fmt.Errorf("decoding %s, %w", EnvTargetRulesets, err)
		}
		e.TargetRulesets = append(e.TargetRulesets, triple)
	}
	if raw := get(EnvSubmittedAt); raw != "" && raw != SubmittedAtPlaceholder {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("decoding %s, %w", EnvSubmittedAt, err)
		}
		e.SubmittedAt = t
	}
	if raw := get(EnvJobLifetimeMin); raw != "" {
		m, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("decoding %s, %w", EnvJobLifetimeMin, err)
		}
		e.JobLifetime = time.Duration(m) * time.Minute
	}
	if e.JobLifetime <= 0 {
		e.JobLifetime = DefaultJobLifetime
	}
	return e, nil
}
