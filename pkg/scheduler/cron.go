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

package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/epam/ecc/pkg/apis"
	"github.com/epam/ecc/pkg/batch"
	"github.com/epam/ecc/pkg/errors"
	"github.com/epam/ecc/pkg/logging"
)

// CronScheduler fires scheduled jobs in-process for on-prem installations.
// Each fire submits the executor with a fresh job id; missed fires while the
// process is down are lost, which at-least-once tolerates.
type CronScheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	batch   batch.Client
	entries map[string]cron.EntryID
	// envelopes remembers the registration so toggles can re-arm a name.
	envelopes map[string]*apis.Envelope
	schedules map[string]string
}

func NewCronScheduler(batchClient batch.Client) *CronScheduler {
	c := &CronScheduler{
		cron:      cron.New(),
		batch:     batchClient,
		entries:   map[string]cron.EntryID{},
		envelopes: map[string]*apis.Envelope{},
		schedules: map[string]string{},
	}
	c.cron.Start()
	return c
}

// translate converts EventBridge schedule expressions to cron-runner specs
// so one stored schedule works against both backends.
func translate(schedule string) (string, error) {
	if rest, ok := strings.CutPrefix(schedule, "rate("); ok {
		inner := strings.TrimSuffix(rest, ")")
		fields := strings.Fields(inner)
		if len(fields) != 2 {
			return "", errors.NewValidation("schedule %q is not a valid rate() or cron() expression", schedule)
		}
		var unit time.Duration
		switch strings.TrimSuffix(fields[1], "s") {
		case "minute":
			unit = time.Minute
		case "hour":
			unit = time.Hour
		case "day":
			unit = 24 * time.Hour
		default:
			return "", errors.NewValidation("schedule %q is not a valid rate() or cron() expression", schedule)
		}
		var n int
		if _, err := fmt.Sscanf(fields[0], "%d", &n); err != nil || n <= 0 {
			return "", errors.NewValidation("schedule %q is not a valid rate() or cron() expression", schedule)
		}
		return fmt.Sprintf("@every %s", time.Duration(n)*unit), nil
	}
	if rest, ok := strings.CutPrefix(schedule, "cron("); ok {
		inner := strings.TrimSuffix(rest, ")")
		fields := strings.Fields(inner)
		// EventBridge cron carries a trailing year field the runner lacks
		if len(fields) == 6 {
			fields = fields[:5]
		}
		return strings.ReplaceAll(strings.Join(fields, " "), "?", "*"), nil
	}
	return schedule, nil
}

func (s *CronScheduler) Register(ctx context.Context, job *apis.ScheduledJob, envelope *apis.Envelope) error {
	spec, err := translate(job.Schedule)
	if err != nil {
		return err
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return errors.NewValidation("schedule %q is not a valid rate() or cron() expression", job.Schedule)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envelopes[job.Name] = envelope
	s.schedules[job.Name] = spec
	if job.Enabled {
		return s.arm(ctx, job.Name, spec)
	}
	return nil
}

// arm must run under the mutex.
func (s *CronScheduler) arm(ctx context.Context, name, spec string) error {
	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
	}
	log := logging.FromContext(ctx)
	envelope := s.envelopes[name]
	id, err := s.cron.AddFunc(spec, func() {
		fire := *envelope
		fire.JobID = uuid.NewString()
		fire.SubmittedAt = time.Now().UTC()
		if _, err := s.batch.Submit(context.Background(), name, &fire); err != nil {
			log.Error(err, "firing scheduled job", "name", name)
		}
	})
	if err != nil {
		return fmt.Errorf("arming scheduled job %q, %w", name, err)
	}
	s.entries[name] = id
	return nil
}

func (s *CronScheduler) SetEnabled(ctx context.Context, name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !enabled {
		if id, ok := s.entries[name]; ok {
			s.cron.Remove(id)
			delete(s.entries, name)
		}
		return nil
	}
	spec, ok := s.schedules[name]
	if !ok {
		return fmt.Errorf("scheduled job %q is not registered with this scheduler", name)
	}
	return s.arm(ctx, name, spec)
}

func (s *CronScheduler) SetSchedule(ctx context.Context, name, schedule string) error {
	spec, err := translate(schedule)
	if err != nil {
		return err
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return errors.NewValidation("schedule %q is not a valid rate() or cron() expression", schedule)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[name] = spec
	if _, armed := s.entries[name]; armed {
		return s.arm(ctx, name, spec)
	}
	return nil
}

func (s *CronScheduler) Deregister(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		delete(s.entries, name)
	}
	delete(s.envelopes, name)
	delete(s.schedules, name)
	return nil
}
