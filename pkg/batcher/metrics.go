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

package batcher

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vigilsec/vigil/pkg/metrics"
)

var (
	batchWindowDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "batcher",
			Name:      "batch_time_seconds",
			Help:      "How long a batch window stayed open before executing.",
			Buckets:   metrics.DurationBuckets(),
		},
		[]string{"batcher"},
	)
	batchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "batcher",
			Name:      "batch_size",
			Help:      "Requests coalesced into one executor call.",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024},
		},
		[]string{"batcher"},
	)
)

func init() {
	metrics.Registry.MustRegister(batchWindowDuration, batchSize)
}
