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

// Package scheduler registers recurring scan jobs with a firing backend.
// SAAS installations use EventBridge rules targeting the batch queue;
// on-prem installations fire in-process through a cron runner. Both deliver
// at-least-once; the executor deduplicates by job id.
package scheduler

import (
	"context"

	"github.com/epam/ecc/pkg/apis"
)

type Scheduler interface {
	// Register binds the schedule to the envelope. The envelope's
	// SUBMITTED_AT carries the fire-time placeholder; the backend substitutes
	// the actual instant on every fire.
	Register(ctx context.Context, job *apis.ScheduledJob, envelope *apis.Envelope) error
	SetEnabled(ctx context.Context, name string, enabled bool) error
	SetSchedule(ctx context.Context, name, schedule string) error
	Deregister(ctx context.Context, name string) error
}
