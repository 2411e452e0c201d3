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

// Package operator assembles the dependency graph both binaries share: AWS
// clients, storage providers, the batch backend and the scheduler. The
// on-prem option swaps the cloud backends for local ones without touching
// any consumer.
package operator

import (
	"context"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/config"
	awsbatch "github.com/aws/aws-sdk-go-v2/service/batch"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/patrickmn/go-cache"

	"github.com/epam/ecc/pkg/apis"
	"github.com/epam/ecc/pkg/aws/sdk"
	"github.com/epam/ecc/pkg/batch"
	ecccache "github.com/epam/ecc/pkg/cache"
	"github.com/epam/ecc/pkg/licensemanager"
	"github.com/epam/ecc/pkg/logging"
	"github.com/epam/ecc/pkg/operator/options"
	"github.com/epam/ecc/pkg/providers/batchresults"
	"github.com/epam/ecc/pkg/providers/credentials"
	"github.com/epam/ecc/pkg/providers/job"
	"github.com/epam/ecc/pkg/providers/joblock"
	"github.com/epam/ecc/pkg/providers/license"
	"github.com/epam/ecc/pkg/providers/ruleset"
	"github.com/epam/ecc/pkg/providers/scheduledjob"
	"github.com/epam/ecc/pkg/providers/secrets"
	"github.com/epam/ecc/pkg/providers/settings"
	"github.com/epam/ecc/pkg/providers/tenant"
	"github.com/epam/ecc/pkg/scheduler"
	"github.com/epam/ecc/pkg/siem"
)

// Table name suffixes appended to the configured prefix.
const (
	tenantsTable          = "Tenants"
	platformsTable        = "Platforms"
	applicationsTable     = "Applications"
	jobsTable             = "Jobs"
	rulesetsTable         = "Rulesets"
	licensesTable         = "Licenses"
	batchResultsTable     = "BatchResults"
	scheduledJobsTable    = "ScheduledJobs"
	customerSettingsTable = "CustomerSettings"
	tenantSettingsTable   = "TenantSettings"
)

// Operator is the shared dependency container injected into the controllers
// and the executor.
type Operator struct {
	Options *options.Options
	Config  aws.Config

	DynamoDB sdk.DynamoDBAPI
	S3       sdk.S3API
	SSM      sdk.SSMAPI
	STS      sdk.STSAPI

	Tenants        tenant.Provider
	Jobs           job.Provider
	Locks          joblock.Provider
	Settings       settings.Provider
	Rulesets       ruleset.Provider
	Licenses       license.Provider
	BatchResults   batchresults.Provider
	ScheduledJobs  scheduledjob.Provider
	Secrets        secrets.Provider
	Credentials    credentials.Resolver
	LicenseManager licensemanager.Client
	Batch          batch.Client
	Scheduler      scheduler.Scheduler
	SIEM           *siem.Uploader
}

// NewOperator loads the AWS configuration and wires every provider. It exits
// the process when the SDK configuration cannot be assembled; nothing can run
// without it.
func NewOperator(ctx context.Context, opts *options.Options) (context.Context, *Operator) {
	log := logging.FromContext(ctx)
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRetryer(func() aws.Retryer {
			return retry.NewStandard(func(o *retry.StandardOptions) {
				o.MaxAttempts = 5
			})
		}),
	)
	if err != nil {
		log.Error(err, "loading AWS configuration")
		os.Exit(1)
	}
	if cfg.Region == "" {
		cfg.Region = apis.DefaultAWSRegion
	}

	dynamoAPI := dynamodb.NewFromConfig(cfg)
	s3API := s3.NewFromConfig(cfg)
	ssmAPI := ssm.NewFromConfig(cfg)
	stsAPI := sts.NewFromConfig(cfg)

	table := func(suffix string) string { return opts.TablePrefix + suffix }

	secretsProvider := secrets.NewDefaultProvider(ssmAPI)
	tenants := tenant.NewDefaultProvider(dynamoAPI, table(tenantsTable), table(platformsTable), table(applicationsTable))
	jobs := job.NewDefaultProvider(dynamoAPI, table(jobsTable))
	locks := joblock.NewDefaultProvider(dynamoAPI, table(tenantSettingsTable), opts.AllowSimultaneousJobs)
	settingsProvider := settings.NewDefaultProvider(dynamoAPI, table(customerSettingsTable), table(tenantSettingsTable),
		cache.New(ecccache.SettingsTTL, ecccache.DefaultCleanupInterval))
	rulesets := ruleset.NewDefaultProvider(dynamoAPI, s3API, cleanhttp.DefaultPooledClient(), table(rulesetsTable),
		cache.New(ecccache.RulesetContentTTL, ecccache.DefaultCleanupInterval))
	licenses := license.NewDefaultProvider(dynamoAPI, table(licensesTable),
		cache.New(ecccache.LicenseTTL, ecccache.DefaultCleanupInterval))
	batchResults := batchresults.NewDefaultProvider(dynamoAPI, table(batchResultsTable))
	scheduledJobs := scheduledjob.NewDefaultProvider(dynamoAPI, table(scheduledJobsTable))
	resolver := credentials.NewDefaultResolver(secretsProvider, tenants, stsAPI,
		credentials.DefaultEKSClientFactory, opts.AllowManagementCreds)
	lm := licensemanager.NewDefaultClient(opts.LicenseManagerURL, secretsProvider, opts.LicenseManagerTokenKey)

	var batchClient batch.Client
	var sched scheduler.Scheduler
	if opts.OnPrem {
		local := batch.NewSubprocessClient(opts.ExecutorPath)
		batchClient = local
		sched = scheduler.NewCronScheduler(local)
	} else {
		batchClient = batch.NewAWSClient(awsbatch.NewFromConfig(cfg), opts.BatchJobQueue, opts.BatchJobDefinition)
		sched = scheduler.NewEventBridgeScheduler(eventbridge.NewFromConfig(cfg),
			opts.BatchJobQueue, opts.BatchJobDefinition, opts.EventBridgeTargetRole)
	}

	return options.ToContext(ctx, opts), &Operator{
		Options:        opts,
		Config:         cfg,
		DynamoDB:       dynamoAPI,
		S3:             s3API,
		SSM:            ssmAPI,
		STS:            stsAPI,
		Tenants:        tenants,
		Jobs:           jobs,
		Locks:          locks,
		Settings:       settingsProvider,
		Rulesets:       rulesets,
		Licenses:       licenses,
		BatchResults:   batchResults,
		ScheduledJobs:  scheduledJobs,
		Secrets:        secretsProvider,
		Credentials:    resolver,
		LicenseManager: lm,
		Batch:          batchClient,
		Scheduler:      sched,
		SIEM:           &siem.Uploader{},
	}
}
