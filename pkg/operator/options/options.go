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

package options

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/epam/ecc/pkg/apis"
	"github.com/epam/ecc/pkg/utils/env"
)

// Options for running this binary
type Options struct {
	*flag.FlagSet
	// Vendor Neutral
	HTTPPort       int
	Debug          bool
	SystemCustomer string
	// Storage
	TablePrefix      string
	ReportsBucket    string
	StatisticsBucket string
	RulesetsBucket   string
	JobTTL           time.Duration
	// Submission
	AllowedClouds          string
	AllowSimultaneousJobs  bool
	AllowManagementCreds   bool
	BatchJobQueue          string
	BatchJobDefinition     string
	BatchJobLifetime       time.Duration
	EventBridgeTargetRole  string
	OnPrem                 bool
	ExecutorPath           string
	LicenseManagerURL      string
	LicenseManagerTokenKey string
}

// New creates an Options struct and registers CLI flags and environment variables to fill-in the Options struct fields
func New() *Options {
	opts := &Options{}
	f := flag.NewFlagSet("ecc", flag.ContinueOnError)
	opts.FlagSet = f

	// Vendor Neutral
	f.IntVar(&opts.HTTPPort, "http-port", env.WithDefaultInt("HTTP_PORT", 8080), "The port the API, health and metrics endpoints bind to")
	f.BoolVar(&opts.Debug, "debug", env.WithDefaultBool("DEBUG", false), "Enable debug logging")
	f.StringVar(&opts.SystemCustomer, "system-customer", env.WithDefaultString("SYSTEM_CUSTOMER", "SYSTEM"), "The customer name owning system-wide entities")

	// Storage
	f.StringVar(&opts.TablePrefix, "table-prefix", env.WithDefaultString("TABLE_PREFIX", "Custodian"), "The prefix of every DynamoDB table name")
	f.StringVar(&opts.ReportsBucket, "reports-bucket", env.WithDefaultString("REPORTS_BUCKET", ""), "The bucket keeping job shards, latest state and differences")
	f.StringVar(&opts.StatisticsBucket, "statistics-bucket", env.WithDefaultString("STATISTICS_BUCKET", ""), "The bucket keeping per-job statistics. Defaults to the reports bucket")
	f.StringVar(&opts.RulesetsBucket, "rulesets-bucket", env.WithDefaultString("RULESETS_BUCKET", ""), "The bucket keeping standard ruleset content")
	f.DurationVar(&opts.JobTTL, "job-ttl", env.WithDefaultDuration("JOB_TTL", 30*24*time.Hour), "How long job rows are retained before the store expires them")

	// Submission
	f.StringVar(&opts.AllowedClouds, "allowed-clouds", env.WithDefaultString("ALLOWED_CLOUDS", "AWS,AZURE,GOOGLE,KUBERNETES"), "The clouds tenants may be scanned in")
	f.BoolVar(&opts.AllowSimultaneousJobs, "allow-simultaneous-jobs", env.WithDefaultBool("ALLOW_SIMULTANEOUS_JOBS", false), "Disable the per-tenant job lock and permit parallel scans of one tenant")
	f.BoolVar(&opts.AllowManagementCreds, "allow-management-creds", env.WithDefaultBool("ALLOW_MANAGEMENT_CREDS", false), "Permit the executor to fall back to management-parent credentials")
	f.StringVar(&opts.BatchJobQueue, "batch-job-queue", env.WithDefaultString("BATCH_JOB_QUEUE", ""), "The batch queue scan jobs are submitted to")
	f.StringVar(&opts.BatchJobDefinition, "batch-job-definition", env.WithDefaultString("BATCH_JOB_DEFINITION", ""), "The batch job definition running the executor image")
	f.DurationVar(&opts.BatchJobLifetime, "batch-job-lifetime", env.WithDefaultDuration("BATCH_JOB_LIFETIME", apis.DefaultJobLifetime), "The wall-clock budget of one scan job")
	f.StringVar(&opts.EventBridgeTargetRole, "eventbridge-target-role", env.WithDefaultString("EVENTBRIDGE_TARGET_ROLE", ""), "The role assumed by scheduled rules to submit batch jobs")
	f.BoolVar(&opts.OnPrem, "on-prem", env.WithDefaultBool("ON_PREM", false), "Run without AWS Batch and EventBridge: jobs execute as local subprocesses and schedules fire in-process")
	f.StringVar(&opts.ExecutorPath, "executor-path", env.WithDefaultString("EXECUTOR_PATH", "/usr/local/bin/ecc-executor"), "The executor binary launched for on-prem jobs")
	f.StringVar(&opts.LicenseManagerURL, "license-manager-url", env.WithDefaultString("LICENSE_MANAGER_URL", ""), "The license manager API base URL")
	f.StringVar(&opts.LicenseManagerTokenKey, "license-manager-token-key", env.WithDefaultString("LICENSE_MANAGER_TOKEN_KEY", ""), "The secret store key holding the license manager auth token")
	return opts
}

// MustParse reads the user passed flags, environment variables, and default values.
// Options are validated and panics if an error is returned
func (o *Options) MustParse() *Options {
	err := o.Parse(os.Args[1:])

	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		panic(err)
	}
	if err := o.Validate(); err != nil {
		panic(err)
	}
	return o
}

func (o Options) Validate() (err error) {
	if o.ReportsBucket == "" {
		err = multierr.Append(err, fmt.Errorf("REPORTS_BUCKET is required"))
	}
	if !o.OnPrem && (o.BatchJobQueue == "" || o.BatchJobDefinition == "") {
		err = multierr.Append(err, fmt.Errorf("BATCH_JOB_QUEUE and BATCH_JOB_DEFINITION are required outside on-prem mode"))
	}
	for _, c := range o.Clouds() {
		if _, ok := apis.ParseCloud(string(c)); !ok {
			err = multierr.Append(err, fmt.Errorf("allowed-clouds contains unknown cloud %q", c))
		}
	}
	if o.LicenseManagerURL != "" {
		if u, uerr := url.Parse(o.LicenseManagerURL); uerr != nil || !u.IsAbs() || u.Hostname() == "" {
			err = multierr.Append(err, fmt.Errorf("%q is not a valid LICENSE_MANAGER_URL", o.LicenseManagerURL))
		}
	}
	return err
}

// Clouds returns the parsed allow-list.
func (o Options) Clouds() []apis.Cloud {
	var out []apis.Cloud
	for _, s := range strings.Split(o.AllowedClouds, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, apis.Cloud(s))
		}
	}
	return out
}

// CloudAllowed reports whether the tenant cloud may be scanned.
func (o Options) CloudAllowed(cloud apis.Cloud) bool {
	for _, c := range o.Clouds() {
		if c == cloud {
			return true
		}
	}
	return false
}

// StatisticsBucketName falls back to the reports bucket when no dedicated
// statistics bucket is configured.
func (o Options) StatisticsBucketName() string {
	if o.StatisticsBucket != "" {
		return o.StatisticsBucket
	}
	return o.ReportsBucket
}

type optionsKey struct{}

// ToContext injects the options for retrieval further down the call tree.
func ToContext(ctx context.Context, opts *Options) context.Context {
	return context.WithValue(ctx, optionsKey{}, opts)
}

// FromContext retrieves the injected options; callers own ensuring injection.
func FromContext(ctx context.Context) *Options {
	retval := ctx.Value(optionsKey{})
	if retval == nil {
		panic("options doesn't exist in context")
	}
	return retval.(*Options)
}
