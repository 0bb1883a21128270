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

package reports

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vigilsec/vigil/pkg/metrics"
)

var (
	reportRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "reports",
			Name:      "runs_total",
			Help:      "Completed reporting passes across all customers.",
		},
	)
	recordsComputed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "reports",
			Name:      "records_total",
			Help:      "Metric records computed and stored.",
		},
		[]string{"scope"},
	)
	partitionFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "reports",
			Name:      "failures_total",
			Help:      "Report partitions that ended in a FAILED status.",
		},
	)
	tenantsArchived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "reports",
			Name:      "archived_total",
			Help:      "Tenants whose findings moved to cold storage for staleness.",
		},
	)
	runDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "reports",
			Name:      "run_duration_seconds",
			Help:      "Wall time of one reporting pass.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)
)

func init() {
	metrics.Registry.MustRegister(reportRuns, recordsComputed, partitionFailures, tenantsArchived, runDuration)
}
