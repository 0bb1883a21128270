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

package events

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vigilsec/vigil/pkg/metrics"
)

var (
	eventsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "events",
			Name:      "ingested_total",
			Help:      "Cloud events accepted for batching.",
		},
		[]string{"cloud"},
	)
	eventsDeduplicated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "events",
			Name:      "deduplicated_total",
			Help:      "Events dropped as duplicate deliveries within one window.",
		},
	)
	batchesDrained = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "events",
			Name:      "batches_total",
			Help:      "Event batches drained into jobs.",
		},
	)
)

func init() {
	metrics.Registry.MustRegister(eventsIngested, eventsDeduplicated, batchesDrained)
}
