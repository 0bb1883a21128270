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

package object

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	vigilerrors "github.com/vigilsec/vigil/pkg/errors"
	"github.com/vigilsec/vigil/pkg/metrics"
)

var (
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "object_store",
			Name:      "request_duration_seconds",
			Help:      "Latency of object store operations.",
			Buckets:   metrics.DurationBuckets(),
		},
		[]string{"operation"},
	)
	requestErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "object_store",
			Name:      "request_errors_total",
			Help:      "Count of failed object store operations by error kind.",
		},
		[]string{"operation", "kind"},
	)
)

func init() {
	metrics.Registry.MustRegister(requestDuration, requestErrors)
}

func observe(operation string, start time.Time) {
	requestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func countError(operation string, err error) {
	requestErrors.WithLabelValues(operation, string(vigilerrors.KindOf(vigilerrors.FromAWS(err)))).Inc()
}
