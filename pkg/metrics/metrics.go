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

// Package metrics registers the submission-side counters exposed on
// /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "ecc"
	subsystem = "jobs"
)

var (
	// JobsSubmitted counts accepted submissions by job type.
	JobsSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "submitted_total",
		Help:      "Number of scan jobs accepted for execution.",
	}, []string{"type", "cloud"})
	// JobsRejected counts refused submissions by reason.
	JobsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "rejected_total",
		Help:      "Number of scan job submissions refused before reaching the batch backend.",
	}, []string{"type", "reason"})
	// JobsTerminated counts user-initiated terminations.
	JobsTerminated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "terminated_total",
		Help:      "Number of scan jobs terminated by users.",
	})
)

// Registry carries every collector this process exposes.
func Registry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(JobsSubmitted, JobsRejected, JobsTerminated)
	return registry
}
