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

package workers

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vigilsec/vigil/pkg/apis/core"
	"github.com/vigilsec/vigil/pkg/metrics"
)

var (
	scanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "workers",
			Name:      "scan_duration_seconds",
			Help:      "Wall time of completed scans.",
			Buckets:   metrics.DurationBuckets(),
		},
		[]string{"cloud"},
	)
	scanChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "workers",
			Name:      "checks_total",
			Help:      "Rule executions by outcome.",
		},
		[]string{"cloud", "outcome"},
	)
	scanFindings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "workers",
			Name:      "findings_total",
			Help:      "Violating resources recorded by completed scans.",
		},
		[]string{"cloud"},
	)
)

func init() {
	metrics.Registry.MustRegister(scanDuration, scanChecks, scanFindings)
}

func observeScan(cloud core.Cloud, stats *core.JobStatistics, elapsed time.Duration) {
	scanDuration.WithLabelValues(string(cloud)).Observe(elapsed.Seconds())
	scanChecks.WithLabelValues(string(cloud), "succeeded").Add(float64(stats.Succeeded))
	scanChecks.WithLabelValues(string(cloud), "failed").Add(float64(stats.Failed))
	scanFindings.WithLabelValues(string(cloud)).Add(float64(stats.ResourcesViolated))
}
