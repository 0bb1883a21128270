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

// Package scheduledjob keeps the catalog of recurring scan schedules and
// fires the due ones into the job controller.
package scheduledjob

import (
	"context"
	"fmt"
	"time"

	"github.com/imdario/mergo"
	"github.com/robfig/cron"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"

	"github.com/vigilsec/vigil/pkg/apis/core"
	"github.com/vigilsec/vigil/pkg/controllers/job"
	vigilerrors "github.com/vigilsec/vigil/pkg/errors"
	"github.com/vigilsec/vigil/pkg/logging"
	"github.com/vigilsec/vigil/pkg/storage/document"
)

type Controller struct {
	store document.Store
	table string
	jobs  *job.Controller
	clk   clock.Clock
}

func NewController(store document.Store, table string, jobs *job.Controller, clk clock.Clock) *Controller {
	return &Controller{store: store, table: table, jobs: jobs, clk: clk}
}

func (c *Controller) Create(ctx context.Context, schedule *core.ScheduledJob) error {
	if err := validate(schedule); err != nil {
		return err
	}
	schedule.CreatedAt = c.clk.Now().UTC()
	schedule.LastRun = nil
	if err := c.store.Put(ctx, c.table, schedule, &document.Condition{AttributeNotExists: []string{"name"}}); err != nil {
		if vigilerrors.IsConflict(err) {
			return vigilerrors.Newf(vigilerrors.KindConflict, "scheduled job %s already exists", schedule.Name)
		}
		return err
	}
	return nil
}

func (c *Controller) Get(ctx context.Context, customer, name string) (*core.ScheduledJob, error) {
	schedule := &core.ScheduledJob{}
	if err := c.store.Get(ctx, c.table, document.Key{"customer": customer, "name": name}, schedule); err != nil {
		if vigilerrors.IsNotFound(err) {
			return nil, vigilerrors.Newf(vigilerrors.KindNotFound, "scheduled job %s not found", name)
		}
		return nil, err
	}
	return schedule, nil
}

func (c *Controller) List(ctx context.Context, customer string, limit int32, nextToken string) ([]*core.ScheduledJob, string, error) {
	if customer == "" {
		return nil, "", vigilerrors.Validation("customer is required", "customer")
	}
	var schedules []*core.ScheduledJob
	next, err := c.store.Query(ctx, document.QueryInput{
		Table:     c.table,
		Equals:    document.Key{"customer": customer},
		Limit:     limit,
		NextToken: nextToken,
	}, &schedules)
	if err != nil {
		return nil, "", err
	}
	return schedules, next, nil
}

// Update replaces the expression, template and enabled flag. The creation
// time and activation bookkeeping stay as they are.
func (c *Controller) Update(ctx context.Context, schedule *core.ScheduledJob) error {
	if err := validate(schedule); err != nil {
		return err
	}
	existing, err := c.Get(ctx, schedule.Customer, schedule.Name)
	if err != nil {
		return err
	}
	schedule.CreatedAt = existing.CreatedAt
	schedule.LastRun = existing.LastRun
	return c.store.Put(ctx, c.table, schedule, &document.Condition{Equals: map[string]any{"name": schedule.Name}})
}

func (c *Controller) Delete(ctx context.Context, customer, name string) error {
	return c.store.Delete(ctx, c.table, document.Key{"customer": customer, "name": name}, nil)
}

// Tick fires every enabled schedule whose next activation has passed. The
// activation is claimed with a guarded write first, so operators sharing the
// table fire each schedule once.
func (c *Controller) Tick(ctx context.Context) error {
	now := c.clk.Now().UTC()
	var errs error
	token := ""
	for {
		var page []*core.ScheduledJob
		next, err := c.store.Scan(ctx, document.ScanInput{Table: c.table, NextToken: token}, &page)
		if err != nil {
			return fmt.Errorf("scanning scheduled jobs, %w", err)
		}
		for _, schedule := range page {
			if err := c.evaluate(ctx, schedule, now); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("evaluating schedule %s/%s, %w", schedule.Customer, schedule.Name, err))
			}
		}
		if next == "" {
			break
		}
		token = next
	}
	return errs
}

func (c *Controller) evaluate(ctx context.Context, schedule *core.ScheduledJob, now time.Time) error {
	if !schedule.Enabled {
		return nil
	}
	parsed, err := parse(schedule.Expression)
	if err != nil {
		return err
	}
	anchor := schedule.CreatedAt
	if schedule.LastRun != nil {
		anchor = *schedule.LastRun
	}
	if parsed.Next(anchor).After(now) {
		return nil
	}
	return c.fire(ctx, schedule, now)
}

func (c *Controller) fire(ctx context.Context, schedule *core.ScheduledJob, now time.Time) error {
	// Claim the activation before submitting; losing the guard means another
	// operator got there first.
	guard := &document.Condition{Equals: map[string]any{"enabled": true}}
	if schedule.LastRun != nil {
		guard.Equals["last_run"] = *schedule.LastRun
	} else {
		guard.AttributeNotExists = []string{"last_run"}
	}
	if err := c.store.Update(ctx, c.table,
		document.Key{"customer": schedule.Customer, "name": schedule.Name},
		document.Update{Set: map[string]any{"last_run": now}}, guard); err != nil {
		if vigilerrors.IsConflict(err) {
			return nil
		}
		return fmt.Errorf("claiming activation, %w", err)
	}
	log := logging.FromContext(ctx).With("customer", schedule.Customer, "schedule", schedule.Name)
	submitted, err := c.jobs.Submit(ctx, materialize(schedule), nil)
	if err != nil {
		// A busy tenant skips this activation; the next due tick tries again.
		if vigilerrors.IsConflict(err) {
			log.Debugf("tenant is busy, skipping scheduled run")
			return nil
		}
		return fmt.Errorf("submitting scheduled job, %w", err)
	}
	schedulesFired.Inc()
	log.With("job", submitted.ID).Infof("fired scheduled job")
	return nil
}

// materialize lays the template over the fields the schedule owns; the
// template cannot override the customer or the job type.
func materialize(schedule *core.ScheduledJob) *core.JobRequest {
	request := &core.JobRequest{
		Customer: schedule.Customer,
		Type:     core.JobTypeScheduled,
	}
	lo.Must0(mergo.Merge(request, schedule.Template))
	return request
}

func validate(schedule *core.ScheduledJob) error {
	if schedule.Customer == "" {
		return vigilerrors.Validation("customer is required", "customer")
	}
	if schedule.Name == "" {
		return vigilerrors.Validation("name is required", "name")
	}
	if _, err := parse(schedule.Expression); err != nil {
		return vigilerrors.Validation(err.Error(), "expression")
	}
	if schedule.Template.Tenant == "" {
		return vigilerrors.Validation("template needs a tenant", "template")
	}
	if schedule.Template.Customer != "" && schedule.Template.Customer != schedule.Customer {
		return vigilerrors.Validation("template customer must match the schedule", "template")
	}
	return nil
}

func parse(expression string) (cron.Schedule, error) {
	normalized, err := core.RateToCron(expression)
	if err != nil {
		return nil, err
	}
	parsed, err := cron.ParseStandard(normalized)
	if err != nil {
		return nil, fmt.Errorf("parsing expression %q, %w", expression, err)
	}
	return parsed, nil
}
