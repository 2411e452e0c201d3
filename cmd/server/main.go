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

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/epam/ecc/pkg/apiserver"
	"github.com/epam/ecc/pkg/controllers/jobs"
	"github.com/epam/ecc/pkg/controllers/scheduledjobs"
	"github.com/epam/ecc/pkg/logging"
	"github.com/epam/ecc/pkg/metrics"
	"github.com/epam/ecc/pkg/operator"
	"github.com/epam/ecc/pkg/operator/options"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	opts := options.New().MustParse()
	logger := logging.NewLogger(opts.Debug)
	ctx = logging.WithLogger(ctx, logger)
	ctx, op := operator.NewOperator(ctx, opts)

	targets := jobs.NewTargetResolver(op.Tenants, op.Rulesets, op.Licenses, op.LicenseManager)
	jobsController := jobs.NewController(opts, op.Tenants, op.Jobs, op.Locks, op.Settings,
		targets, op.Secrets, op.Batch, jobs.DefaultSTSClientFactory)
	scheduledController := scheduledjobs.NewController(opts, op.Tenants, targets, op.ScheduledJobs, op.Scheduler)

	server := apiserver.NewServer(opts.HTTPPort, jobsController, scheduledController, metrics.Registry())
	if err := server.ListenAndServe(ctx); err != nil {
		logger.Error(err, "running the API server")
		os.Exit(1)
	}
}
