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
	"context"
	"fmt"
	"time"

	"github.com/vigilsec/vigil/pkg/apis/core"
	vigilerrors "github.com/vigilsec/vigil/pkg/errors"
	"github.com/vigilsec/vigil/pkg/logging"
	"github.com/vigilsec/vigil/pkg/storage/document"
)

// Sweep times out stuck jobs: SUBMITTED ones no worker picked up within the
// start grace and RUNNING ones past their cap. The scheduler runs it
// periodically; one pass walks the whole table.
func (c *Controller) Sweep(ctx context.Context) error {
	now := c.clk.Now().UTC()
	swept := 0
	token := ""
	for {
		var jobs []*core.Job
		next, err := c.store.Scan(ctx, document.ScanInput{Table: c.table, NextToken: token}, &jobs)
		if err != nil {
			return fmt.Errorf("scanning jobs, %w", err)
		}
		for _, job := range jobs {
			if reason, due := overdue(job, now); due {
				c.timeOut(ctx, job, reason)
				swept++
			}
		}
		if next == "" {
			break
		}
		token = next
	}
	if swept > 0 {
		logging.FromContext(ctx).Infof("timed out %d stuck jobs", swept)
	}
	return nil
}

// overdue decides whether the job blew its window at the given instant.
func overdue(job *core.Job, now time.Time) (string, bool) {
	switch job.Status {
	case core.JobStatusSubmitted:
		if now.Sub(job.SubmittedAt) > DefaultStartGrace {
			return fmt.Sprintf("job was not picked up within %s", DefaultStartGrace), true
		}
	case core.JobStatusRunning:
		limit := DefaultRunCap
		if job.TimeoutHours > 0 {
			limit = time.Duration(job.TimeoutHours * float64(time.Hour))
		}
		if job.StartedAt != nil && now.Sub(*job.StartedAt) > limit {
			return fmt.Sprintf("job exceeded its %s run cap", limit), true
		}
	}
	return "", false
}

// timeOut forcibly finishes a stuck job. The unguarded unlock covers workers
// that died without releasing their tenant.
func (c *Controller) timeOut(ctx context.Context, job *core.Job, reason string) {
	log := logging.FromContext(ctx).With("job", job.ID, "tenant", job.Tenant)
	c.closeCancel(job.ID)
	if err := c.transition(ctx, job, core.JobStatusTimedOut, reason); err != nil {
		if !vigilerrors.IsConflict(err) {
			log.Errorf("timing out job: %s", err)
		}
		c.dropCancel(job.ID)
		return
	}
	if err := c.tenants.ForceUnlock(ctx, job.Customer, job.Tenant); err != nil {
		log.Errorf("force releasing tenant lock: %s", err)
	}
	if err := c.licenses.Notify(ctx, job, nil); err != nil {
		log.Errorf("notifying license manager: %s", err)
	}
	observeCompleted(job, c.clk.Now())
	c.dropCancel(job.ID)
	log.Infof("timed out job: %s", reason)
}
