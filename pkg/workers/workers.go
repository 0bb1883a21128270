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

// Package workers executes one scan: region-parallel enumeration and rule
// evaluation through a cloud adapter, findings collected into shards and
// statistics rows. Regions run in parallel on a bounded pool; inside a region
// rules run single-threaded and yield for cancellation at rule boundaries and
// every few hundred resources.
package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/vigilsec/vigil/pkg/apis/core"
	"github.com/vigilsec/vigil/pkg/cloudadapter"
	vigilerrors "github.com/vigilsec/vigil/pkg/errors"
	"github.com/vigilsec/vigil/pkg/findings"
	"github.com/vigilsec/vigil/pkg/logging"
	"github.com/vigilsec/vigil/pkg/providers/credentials"
	"github.com/vigilsec/vigil/pkg/storage/document"
	"github.com/vigilsec/vigil/pkg/storage/object"
)

// Exit codes form the observable contract between a worker and whoever
// dispatched it, local pool and remote batch runners alike.
const (
	ExitSuccess        = 0
	ExitFailure        = 1
	ExitLicenseDenied  = 2
	ExitRetryableCreds = 126
)

// DefaultResourceYield is how many resources a region scans between
// cancellation polls.
const DefaultResourceYield = 250

var errCancelled = errors.New("job cancelled")

// Work is everything one scan needs, fully resolved by the job controller:
// the rules to run, the regions to cover and the credentials to use. Cancel
// closes when the job is terminated; the engine checks it at suspension
// points.
type Work struct {
	Job         *core.Job
	Tenant      *core.Tenant
	Regions     []string
	Rules       []*core.Rule
	Credentials *credentials.Credentials
	Cancel      <-chan struct{}
}

// Result reports how a scan ended. Statistics is non-nil exactly when the
// exit code is ExitSuccess.
type Result struct {
	ExitCode   int
	Reason     string
	Statistics *core.JobStatistics
}

type Engine struct {
	adapters   cloudadapter.Registry
	findings   *findings.Store
	objects    object.Store
	store      document.Store
	statsTable string
	clk        clock.Clock
	yield      int
}

func NewEngine(adapters cloudadapter.Registry, findingsStore *findings.Store, objects object.Store,
	store document.Store, statsTable string, clk clock.Clock) *Engine {
	return &Engine{
		adapters:   adapters,
		findings:   findingsStore,
		objects:    objects,
		store:      store,
		statsTable: statsTable,
		clk:        clk,
		yield:      DefaultResourceYield,
	}
}

// StatisticsKey is the object store location of a job's statistics blob.
func StatisticsKey(jobID string) string {
	return fmt.Sprintf("statistics/%s.json.gz", jobID)
}

// Execute runs the scan to completion. Per-rule errors land in statistics,
// an authentication failure fails its region only, and the job succeeds as
// long as one region completes cleanly. Findings merge into the tenant's
// shards only on success, so a cancelled or failed run leaves them untouched.
func (e *Engine) Execute(ctx context.Context, work Work) (*Result, error) {
	started := e.clk.Now()
	adapter, err := e.adapters.ForCloud(work.Tenant.Cloud)
	if err != nil {
		return &Result{ExitCode: ExitFailure, Reason: err.Error()}, nil
	}
	if len(work.Regions) == 0 {
		stats := e.statistics(work, nil, started)
		if err := e.persistStatistics(ctx, work.Job, stats); err != nil {
			return nil, err
		}
		return &Result{ExitCode: ExitSuccess, Statistics: stats}, nil
	}

	outcomes := make([]*regionOutcome, len(work.Regions))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(lo.Min([]int{len(work.Regions), 2 * runtime.NumCPU()}))
	for i, region := range work.Regions {
		i, region := i, region
		group.Go(func() error {
			outcomes[i] = e.runRegion(gctx, adapter, work, region)
			if outcomes[i].cancelled {
				return errCancelled
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return &Result{ExitCode: ExitFailure, Reason: "job cancelled before completion"}, nil
	}

	clean := lo.Filter(outcomes, func(o *regionOutcome, _ int) bool { return o.authErr == nil })
	if len(clean) == 0 {
		return &Result{ExitCode: ExitRetryableCreds, Reason: authReason(outcomes)}, nil
	}

	stats := e.statistics(work, clean, started)
	var all []findings.Finding
	for _, outcome := range clean {
		all = append(all, outcome.findings...)
	}
	executed := findings.NewPairSet(stats.ExecutedRules(), lo.Map(clean, func(o *regionOutcome, _ int) string { return o.region }))
	now := e.clk.Now()
	if err := e.findings.MergeInto(ctx, work.Tenant.Name, work.Tenant.Cloud, all, executed, now); err != nil {
		return nil, err
	}
	if err := e.persistStatistics(ctx, work.Job, stats); err != nil {
		return nil, err
	}
	observeScan(work.Tenant.Cloud, stats, e.clk.Since(started))
	logging.FromContext(ctx).With(
		"job", work.Job.ID,
		"tenant", work.Tenant.Name,
		"regions", len(clean),
		"checks", stats.TotalChecks,
		"violations", stats.ResourcesViolated,
	).Infof("scan finished")
	return &Result{ExitCode: ExitSuccess, Reason: authReason(outcomes), Statistics: stats}, nil
}

type regionOutcome struct {
	region    string
	findings  []findings.Finding
	stats     map[string]core.RuleStat
	authErr   error
	cancelled bool
}

// runRegion evaluates every rule against the region's resources. Enumeration
// is memoized per service section so rules sharing a section scan one
// listing.
func (e *Engine) runRegion(ctx context.Context, adapter cloudadapter.Adapter, work Work, region string) *regionOutcome {
	outcome := &regionOutcome{region: region, stats: map[string]core.RuleStat{}}
	inventory := map[string][]cloudadapter.Resource{}
	scanned := 0
	for _, rule := range work.Rules {
		if interrupted(ctx, work.Cancel) {
			outcome.cancelled = true
			return outcome
		}
		ruleStarted := e.clk.Now()
		stat := core.RuleStat{Performed: 1}
		resources, listed := inventory[rule.ServiceSection]
		if !listed {
			var err error
			resources, err = adapter.Enumerate(ctx, work.Credentials, work.Tenant, rule.ServiceSection, region)
			if err != nil {
				if cloudadapter.IsAuthFailure(err) {
					outcome.authErr = err
					return outcome
				}
				stat.Failed = 1
				stat.ErrorsByKind = map[string]int{string(vigilerrors.KindOf(err)): 1}
				stat.DurationSeconds = e.clk.Since(ruleStarted).Seconds()
				outcome.stats[rule.ID] = stat
				continue
			}
			inventory[rule.ServiceSection] = resources
		}
		for _, resource := range resources {
			scanned++
			if scanned%e.yield == 0 && interrupted(ctx, work.Cancel) {
				outcome.cancelled = true
				return outcome
			}
			if rule.Resource != "" && resource.Type != rule.Resource {
				continue
			}
			compliant, err := adapter.Evaluate(ctx, rule, resource)
			if err != nil {
				if stat.ErrorsByKind == nil {
					stat.ErrorsByKind = map[string]int{}
				}
				stat.ErrorsByKind[string(vigilerrors.KindOf(err))]++
				continue
			}
			if !compliant {
				stat.ResourcesViolated++
				outcome.findings = append(outcome.findings, findings.Finding{
					RuleID:   rule.ID,
					Region:   region,
					Resource: resource.ID,
					Severity: rule.Severity,
				})
			}
		}
		if len(stat.ErrorsByKind) > 0 {
			stat.Failed = 1
		} else {
			stat.Succeeded = 1
		}
		stat.DurationSeconds = e.clk.Since(ruleStarted).Seconds()
		outcome.stats[rule.ID] = stat
	}
	logging.FromContext(ctx).With("job", work.Job.ID, "region", region, "findings", len(outcome.findings)).Debugf("region scanned")
	return outcome
}

// statistics folds the per-region rule stats into the job's weekly row.
// TotalChecks counts rule executions, so it always equals Succeeded+Failed.
func (e *Engine) statistics(work Work, clean []*regionOutcome, started time.Time) *core.JobStatistics {
	byRule := map[string]*core.Rule{}
	for _, rule := range work.Rules {
		byRule[rule.ID] = rule
	}
	stats := &core.JobStatistics{
		JobID:          work.Job.ID,
		Customer:       work.Job.Customer,
		Tenant:         work.Job.Tenant,
		Cloud:          work.Tenant.Cloud,
		Week:           core.WeekOf(e.clk.Now().UTC()),
		RuntimeSeconds: e.clk.Since(started).Seconds(),
		Rules:          map[string]core.RuleStat{},
	}
	for _, outcome := range clean {
		for id, stat := range outcome.stats {
			merged := stats.Rules[id]
			merged.Performed += stat.Performed
			merged.Succeeded += stat.Succeeded
			merged.Failed += stat.Failed
			merged.ResourcesViolated += stat.ResourcesViolated
			merged.DurationSeconds += stat.DurationSeconds
			for kind, count := range stat.ErrorsByKind {
				if merged.ErrorsByKind == nil {
					merged.ErrorsByKind = map[string]int{}
				}
				merged.ErrorsByKind[kind] += count
			}
			stats.Rules[id] = merged
		}
		for _, finding := range outcome.findings {
			if stats.BySeverity == nil {
				stats.BySeverity = map[string]int{}
			}
			stats.BySeverity[string(finding.Severity)]++
			if rule, ok := byRule[finding.RuleID]; ok {
				if stats.ByServiceSection == nil {
					stats.ByServiceSection = map[string]int{}
				}
				stats.ByServiceSection[rule.ServiceSection]++
			}
			stats.ResourcesViolated++
		}
	}
	for _, stat := range stats.Rules {
		stats.TotalChecks += stat.Performed
		stats.Succeeded += stat.Succeeded
		stats.Failed += stat.Failed
		for kind, count := range stat.ErrorsByKind {
			if stats.ErrorsByKind == nil {
				stats.ErrorsByKind = map[string]int{}
			}
			stats.ErrorsByKind[kind] += count
		}
	}
	return stats
}

// persistStatistics writes the weekly row and the per-job blob. Exactly one
// row exists per succeeded job, keyed by job id.
func (e *Engine) persistStatistics(ctx context.Context, job *core.Job, stats *core.JobStatistics) error {
	if err := e.store.Put(ctx, e.statsTable, stats, nil); err != nil {
		return fmt.Errorf("storing statistics row for job %s, %w", job.ID, err)
	}
	raw, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("encoding statistics for job %s, %w", job.ID, err)
	}
	if err := e.objects.Put(ctx, StatisticsKey(job.ID), raw, &object.PutOptions{Gzip: true, ContentType: "application/json"}); err != nil {
		return fmt.Errorf("storing statistics blob for job %s, %w", job.ID, err)
	}
	return nil
}

func authReason(outcomes []*regionOutcome) string {
	failed := lo.Filter(outcomes, func(o *regionOutcome, _ int) bool { return o.authErr != nil })
	if len(failed) == 0 {
		return ""
	}
	return strings.Join(lo.Map(failed, func(o *regionOutcome, _ int) string {
		return fmt.Sprintf("authentication failed in region %s: %s", o.region, o.authErr)
	}), "; ")
}

// interrupted polls the job's cancel channel and the run context without
// blocking. Suspension points call it so cancellation lands within one
// quantum.
func interrupted(ctx context.Context, cancel <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-cancel:
		return true
	default:
		return false
	}
}
