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

package job

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vigilsec/vigil/pkg/apis/core"
	"github.com/vigilsec/vigil/pkg/metrics"
)

var (
	jobsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "jobs",
			Name:      "submitted_total",
			Help:      "Job records created, by job type.",
		},
		[]string{"type"},
	)
	jobsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "jobs",
			Name:      "completed_total",
			Help:      "Jobs that reached a terminal state.",
		},
		[]string{"status"},
	)
	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Time from submission to a terminal state.",
			// Jobs run up to the 3h cap, well past the shared store buckets.
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200, 10800, 14400},
		},
		[]string{"status"},
	)
)

func init() {
	metrics.Registry.MustRegister(jobsSubmitted, jobsCompleted, jobDuration)
}

func observeSubmitted(job *core.Job) {
	jobsSubmitted.WithLabelValues(string(job.Type)).Inc()
}

func observeCompleted(job *core.Job, now time.Time) {
	jobsCompleted.WithLabelValues(string(job.Status)).Inc()
	jobDuration.WithLabelValues(string(job.Status)).Observe(now.Sub(job.SubmittedAt).Seconds())
}
