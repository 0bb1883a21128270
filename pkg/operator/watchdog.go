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

package operator

import (
	"context"
	"fmt"
	"time"

	"k8s.io/utils/clock"

	"github.com/vigilsec/vigil/pkg/logging"
)

// storageProbeInterval is how often the watchdog re-checks the document
// store. Several probes fit inside even the shortest sensible grace period.
const storageProbeInterval = 15 * time.Second

// StorageWatchdog keeps probing the document store after startup. Losing the
// store means every surface is failing at once, and past the grace period a
// crash-restart beats a process that keeps timing out on its own tables.
// Brief outages and throttling recover on the next probe without a trace.
type StorageWatchdog struct {
	probe  func(context.Context) error
	grace  time.Duration
	clk    clock.WithTicker
	lostAt time.Time
}

func NewStorageWatchdog(probe func(context.Context) error, grace time.Duration, clk clock.WithTicker) *StorageWatchdog {
	return &StorageWatchdog{probe: probe, grace: grace, clk: clk}
}

// Check runs one probe. It returns an error only once the store has been
// unreachable for longer than the grace period; the window opens at the
// first failed probe and closes on any success.
func (w *StorageWatchdog) Check(ctx context.Context) error {
	log := logging.FromContext(ctx)
	if err := w.probe(ctx); err != nil {
		now := w.clk.Now()
		if w.lostAt.IsZero() {
			w.lostAt = now
			log.Errorf("document store unreachable: %s", err)
			return nil
		}
		if down := now.Sub(w.lostAt); down >= w.grace {
			return fmt.Errorf("document store unreachable for %s, %w", down.Round(time.Second), err)
		}
		log.Errorf("document store still unreachable: %s", err)
		return nil
	}
	if !w.lostAt.IsZero() {
		log.Infof("document store reachable again")
		w.lostAt = time.Time{}
	}
	return nil
}

// Run probes until the context ends or the grace period is exceeded.
func (w *StorageWatchdog) Run(ctx context.Context) error {
	ticker := w.clk.NewTicker(storageProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			if err := w.Check(ctx); err != nil {
				return err
			}
		}
	}
}
