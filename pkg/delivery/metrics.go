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

package delivery

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vigilsec/vigil/pkg/metrics"
)

var (
	reportsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "delivery",
			Name:      "delivered_total",
			Help:      "Reports delivered, by sink.",
		},
		[]string{"sink"},
	)
	deliveryFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "delivery",
			Name:      "failures_total",
			Help:      "Delivery rounds that left a report FAILED.",
		},
	)
	reportsSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "delivery",
			Name:      "skipped_total",
			Help:      "Reports kept undelivered because the customer toggle is off.",
		},
	)
	reportsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "delivery",
			Name:      "expired_total",
			Help:      "Failed reports parked after outliving the retry window.",
		},
	)
)

func init() {
	metrics.Registry.MustRegister(reportsDelivered, deliveryFailures, reportsSkipped, reportsExpired)
}
