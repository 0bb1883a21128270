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
	"time"

	"k8s.io/utils/clock"

	"github.com/vigilsec/vigil/pkg/controllers/events"
	"github.com/vigilsec/vigil/pkg/controllers/job"
	"github.com/vigilsec/vigil/pkg/controllers/scheduledjob"
	"github.com/vigilsec/vigil/pkg/delivery"
	"github.com/vigilsec/vigil/pkg/findings"
	"github.com/vigilsec/vigil/pkg/logging"
	"github.com/vigilsec/vigil/pkg/providers/license"
	"github.com/vigilsec/vigil/pkg/reports"
)

// SchedulerConfig carries the cadence knobs. Tick is how often the scheduler
// wakes up; the remaining intervals gate how often each duty actually fires
// within those wakeups.
type SchedulerConfig struct {
	Tick           time.Duration
	DrainWindow    time.Duration
	DrainInterval  time.Duration
	RetryInterval  time.Duration
	ResyncInterval time.Duration
}

// Scheduler drives the recurring work of the control plane off a single
// ticker: matching scheduled jobs, sweeping stuck jobs, draining event
// batches, the daily report run and its delivery, failed delivery retries
// and license resyncs. Every duty is idempotent, so a duty that fails is
// simply logged and retried on a later pass.
type Scheduler struct {
	jobs       *job.Controller
	schedules  *scheduledjob.Controller
	events     *events.Controller
	engine     *reports.Engine
	dispatcher *delivery.Dispatcher
	licenses   license.Provider
	clk        clock.WithTicker

	tick           time.Duration
	drainWindow    time.Duration
	drainInterval  time.Duration
	retryInterval  time.Duration
	resyncInterval time.Duration

	lastDrain      time.Time
	lastRetry      time.Time
	lastResync     time.Time
	lastReportDate string
}

func NewScheduler(cfg SchedulerConfig, jobs *job.Controller, schedules *scheduledjob.Controller,
	eventsController *events.Controller, engine *reports.Engine, dispatcher *delivery.Dispatcher,
	licenses license.Provider, clk clock.WithTicker) *Scheduler {
	return &Scheduler{
		jobs:           jobs,
		schedules:      schedules,
		events:         eventsController,
		engine:         engine,
		dispatcher:     dispatcher,
		licenses:       licenses,
		clk:            clk,
		tick:           cfg.Tick,
		drainWindow:    cfg.DrainWindow,
		drainInterval:  cfg.DrainInterval,
		retryInterval:  cfg.RetryInterval,
		resyncInterval: cfg.ResyncInterval,
	}
}

// Run ticks until the context ends. It never returns an error of its own,
// duty failures stay inside their pass.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.clk.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			s.Pass(ctx)
		}
	}
}

// Pass runs one scheduler iteration, firing whichever duties are due at the
// current instant. Scheduled job matching and the stuck job sweep run every
// pass; the interval duties keep their own last-fired markers. The daily
// report duty runs once per calendar date for the previous UTC day, and a
// failed day is retried on the next pass rather than skipped.
func (s *Scheduler) Pass(ctx context.Context) {
	now := s.clk.Now().UTC()
	log := logging.FromContext(ctx)

	if err := s.schedules.Tick(ctx); err != nil {
		log.Errorf("matching scheduled jobs: %s", err)
	}
	if err := s.jobs.Sweep(ctx); err != nil {
		log.Errorf("sweeping stuck jobs: %s", err)
	}

	if now.Sub(s.lastDrain) >= s.drainInterval {
		s.lastDrain = now
		if err := s.events.Drain(ctx, s.drainWindow); err != nil {
			log.Errorf("draining event batches: %s", err)
		}
	}

	if date := now.AddDate(0, 0, -1).Format(findings.DateLayout); date != s.lastReportDate {
		if err := s.runReports(ctx, date); err != nil {
			log.Errorf("daily report run for %s: %s", date, err)
		} else {
			s.lastReportDate = date
			log.Infof("completed daily report run for %s", date)
		}
	}

	if now.Sub(s.lastRetry) >= s.retryInterval {
		s.lastRetry = now
		if err := s.dispatcher.RetryFailed(ctx); err != nil {
			log.Errorf("retrying failed deliveries: %s", err)
		}
	}

	if now.Sub(s.lastResync) >= s.resyncInterval {
		s.lastResync = now
		synced, err := s.licenses.SyncDue(ctx, s.resyncInterval)
		if err != nil {
			log.Errorf("resyncing licenses: %s", err)
		}
		if synced > 0 {
			log.Infof("resynced %d licenses", synced)
		}
	}
}

// runReports generates the metric records and report artifacts for the given
// date, then hands the finished reports to delivery. Dispatch only runs when
// generation succeeded; a partial day would push incomplete reports at
// integrations that have no way to reconcile them.
func (s *Scheduler) runReports(ctx context.Context, date string) error {
	if err := s.engine.Run(ctx, date); err != nil {
		return err
	}
	return s.dispatcher.Dispatch(ctx, date)
}
