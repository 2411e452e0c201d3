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
	"errors"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/epam/ecc/pkg/apis"
	"github.com/epam/ecc/pkg/executor"
	"github.com/epam/ecc/pkg/logging"
	"github.com/epam/ecc/pkg/operator"
	"github.com/epam/ecc/pkg/operator/options"
	"github.com/epam/ecc/pkg/policy"
)

// newEngine returns the policy evaluation engine compiled into this binary.
// The engine ships separately; builds without one can only fail region tasks.
var newEngine = func(ctx context.Context) (policy.Engine, error) {
	return nil, errors.New("no policy engine is linked into this build")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	debug, _ := strconv.ParseBool(os.Getenv("DEBUG"))
	logger := logging.NewLogger(debug)
	ctx = logging.WithLogger(ctx, logger)

	// Child mode runs one region and must not touch the flag set or any
	// storage; everything it needs is in the task file and the environment.
	if len(os.Args) > 2 && os.Args[1] == executor.RegionTaskFlag {
		engine, err := newEngine(ctx)
		if err != nil {
			logger.Error(err, "constructing the policy engine")
			os.Exit(apis.ExitCodeFailed)
		}
		if err := executor.RunRegionTask(ctx, engine, os.Args[2], os.Stdout); err != nil {
			logger.Error(err, "running the region task")
			os.Exit(apis.ExitCodeFailed)
		}
		return
	}

	opts := options.New().MustParse()
	ctx, op := operator.NewOperator(ctx, opts)
	driver := executor.New(opts, op.Tenants, op.Jobs, op.Locks, op.Settings, op.Rulesets,
		op.BatchResults, op.ScheduledJobs, op.Credentials, op.LicenseManager, op.Batch,
		op.S3, op.SIEM, &executor.ProcessSpawner{})
	os.Exit(driver.Run(ctx))
}
