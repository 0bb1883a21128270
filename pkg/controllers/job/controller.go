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

// Package job drives a scan from submission to its terminal state: it
// validates and admits new jobs, dispatches them to workers, records
// execution outcomes, cancels cooperatively and times out whatever got
// stuck. Every status change is a guarded write conditioned on the status it
// was computed from, so illegal transitions and lost races degrade to no-ops
// instead of clobbering terminal states.
package job

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/vigilsec/vigil/pkg/apis/core"
	vigilerrors "github.com/vigilsec/vigil/pkg/errors"
	"github.com/vigilsec/vigil/pkg/logging"
	"github.com/vigilsec/vigil/pkg/providers/credentials"
	"github.com/vigilsec/vigil/pkg/providers/license"
	"github.com/vigilsec/vigil/pkg/providers/ruleset"
	"github.com/vigilsec/vigil/pkg/providers/tenant"
	"github.com/vigilsec/vigil/pkg/storage/document"
	"github.com/vigilsec/vigil/pkg/workers"
)

const (
	// ReasonLicenseDenied is stamped on jobs the License Manager refused and
	// on jobs whose admission retry window ran out.
	ReasonLicenseDenied = "License manager does not allow this job"

	// DefaultStartGrace is how long a job may sit in SUBMITTED before the
	// sweeper times it out.
	DefaultStartGrace = 10 * time.Minute
	// DefaultRunCap bounds RUNNING time for jobs that carry no timeout of
	// their own.
	DefaultRunCap = 3 * time.Hour
)

// Admission retries ride out short License Manager outages while the job
// stays visible in SUBMITTED. Tests shrink the delay.
var (
	AdmitRetryAttempts uint = 3
	AdmitRetryDelay         = 2 * time.Second
)

type Controller struct {
	store       document.Store
	table       string
	tenants     tenant.Provider
	rulesets    ruleset.Provider
	credentials credentials.Provider
	licenses    license.Provider
	engine      *workers.Engine
	dispatcher  Dispatcher
	clk         clock.Clock

	mu      sync.Mutex
	cancels map[string]chan struct{}
}

func NewController(store document.Store, table string, tenants tenant.Provider, rulesets ruleset.Provider,
	creds credentials.Provider, licenses license.Provider, engine *workers.Engine,
	dispatcher Dispatcher, clk clock.Clock) *Controller {
	return &Controller{
		store:       store,
		table:       table,
		tenants:     tenants,
		rulesets:    rulesets,
		credentials: creds,
		licenses:    licenses,
		engine:      engine,
		dispatcher:  dispatcher,
		clk:         clk,
		cancels:     map[string]chan struct{}{},
	}
}

// Submit validates, locks, licenses and dispatches one scan request.
// Request-supplied credentials travel to the worker in memory only. A
// submission rejected before the tenant lock leaves no job record; after the
// lock, failures surface as a persisted job already in FAILED with a
// human-readable reason, because by then the caller owns a job either way.
func (c *Controller) Submit(ctx context.Context, req *core.JobRequest, creds *credentials.Credentials) (*core.Job, error) {
	log := logging.FromContext(ctx).With("customer", req.Customer, "tenant", req.Tenant)
	tenantRecord, err := c.tenants.Get(ctx, req.Customer, req.Tenant)
	if err != nil {
		return nil, err
	}
	if len(req.Rulesets) == 0 {
		return nil, vigilerrors.Validation("at least one ruleset is required", "rulesets")
	}
	regions := req.Regions
	if len(regions) == 0 {
		regions = tenantRecord.ActiveRegions
	} else if unknown, _ := lo.Difference(regions, tenantRecord.ActiveRegions); len(unknown) > 0 {
		return nil, vigilerrors.Validation(
			fmt.Sprintf("regions %s are not active for tenant %s", strings.Join(unknown, ", "), req.Tenant), "regions")
	}

	resolved, err := c.rulesets.Resolve(ctx, req.Customer, tenantRecord.Cloud, req.Rulesets)
	if err != nil {
		return nil, err
	}
	licensed := lo.Filter(resolved, func(rs *core.Ruleset, _ int) bool { return rs.Licensed })
	var allowance *license.Allowance
	if len(licensed) > 0 {
		if allowance, err = c.licenses.Allowance(ctx, req.Customer, req.Tenant, tenantRecord.Cloud); err != nil {
			return nil, err
		}
		for _, rs := range licensed {
			if !allowance.Covers(rs.Name) {
				return nil, vigilerrors.Newf(vigilerrors.KindForbidden,
					"no active license covers ruleset %s for tenant %s", rs.Name, req.Tenant)
			}
		}
	}

	now := c.clk.Now().UTC()
	job := &core.Job{
		ID:                uuid.NewString(),
		Customer:          req.Customer,
		Tenant:            req.Tenant,
		Type:              lo.Ternary(req.Type != "", req.Type, core.JobTypeManual),
		Status:            core.JobStatusSubmitted,
		SubmittedAt:       now,
		RequestedRegions:  regions,
		RequestedRulesets: req.Rulesets,
		// Pin the versions Resolve picked so the worker scans exactly what was
		// admitted, even if a release lands in between.
		ResolvedRulesets: lo.Map(resolved, func(rs *core.Ruleset, _ int) string {
			return fmt.Sprintf("%s@%d", rs.Name, rs.Version)
		}),
		RuleIDs:       req.RuleIDs,
		BatchResultID: req.BatchResultID,
		TimeoutHours:  req.TimeoutHours,
	}
	log = log.With("job", job.ID)

	// One job per tenant at a time. A lock conflict surfaces to the caller
	// untouched and leaves no job record behind.
	if err := c.tenants.Lock(ctx, req.Customer, req.Tenant, job.ID); err != nil {
		return nil, err
	}

	resolvedCreds, err := c.credentials.Resolve(ctx, tenantRecord, creds)
	if err != nil {
		log.Errorf("resolving credentials: %s", err)
		job.Status = core.JobStatusFailed
		job.Reason = credentials.ReasonUnresolved
		job.StoppedAt = &now
		if perr := c.store.Put(ctx, c.table, job, &document.Condition{AttributeNotExists: []string{"id"}}); perr != nil {
			c.unlock(ctx, job)
			return nil, perr
		}
		c.unlock(ctx, job)
		observeSubmitted(job)
		observeCompleted(job, now)
		return job, nil
	}

	if err := c.store.Put(ctx, c.table, job, &document.Condition{AttributeNotExists: []string{"id"}}); err != nil {
		c.unlock(ctx, job)
		return nil, err
	}
	observeSubmitted(job)

	if len(licensed) > 0 {
		admission, err := c.admit(ctx, job, tenantRecord.Cloud, licensed, allowance)
		if err != nil || !admission.Allowed {
			if err != nil {
				log.Errorf("license admission did not complete: %s", err)
			} else {
				log.With("reason", admission.Reason).Infof("license manager denied job")
			}
			if terr := c.transition(ctx, job, core.JobStatusFailed, ReasonLicenseDenied); terr != nil {
				return nil, terr
			}
			c.unlock(ctx, job)
			observeCompleted(job, c.clk.Now())
			return job, nil
		}
		job.IsLicensed = true
		job.LicenseKey = admission.LicenseKey
		job.LMJobHandle = admission.Handle
		if err := c.store.Update(ctx, c.table, document.Key{"id": job.ID}, document.Update{Set: map[string]any{
			"is_licensed":   true,
			"license_key":   admission.LicenseKey,
			"lm_job_handle": admission.Handle,
		}}, nil); err != nil {
			return nil, err
		}
	}

	c.dispatcher.Dispatch(Assignment{JobID: job.ID, Credentials: resolvedCreds})
	log.With("type", string(job.Type)).Infof("submitted job")
	return job, nil
}

// admit asks the License Manager to admit the job, riding out short outages
// inside the AdmitRetryAttempts*AdmitRetryDelay window. Denials are answers,
// not errors, and end the window immediately.
func (c *Controller) admit(ctx context.Context, job *core.Job, cloud core.Cloud,
	licensed []*core.Ruleset, allowance *license.Allowance) (*license.Admission, error) {
	recorded := lo.Uniq(lo.Flatten(lo.Map(licensed, func(rs *core.Ruleset, _ int) []string { return rs.LicenseKeys })))
	keys := lo.Intersect(allowance.LicenseKeys, recorded)
	if len(keys) == 0 {
		// The assemble-time license snapshot lapsed; fall back to every license
		// covering the tenant.
		keys = allowance.LicenseKeys
	}
	req := license.AdmitRequest{
		JobID:       job.ID,
		Customer:    job.Customer,
		Tenant:      job.Tenant,
		Cloud:       cloud,
		Rulesets:    lo.Map(licensed, func(rs *core.Ruleset, _ int) string { return rs.Name }),
		LicenseKeys: keys,
	}
	var admission *license.Admission
	err := retry.Do(
		func() error {
			var admitErr error
			admission, admitErr = c.licenses.Admit(ctx, req)
			return admitErr
		},
		retry.Attempts(AdmitRetryAttempts),
		retry.Delay(AdmitRetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(vigilerrors.IsUnavailable),
		retry.Context(ctx),
	)
	if err != nil {
		return nil, err
	}
	return admission, nil
}

// Terminate cancels a job. SUBMITTED jobs are cancelled in place; RUNNING
// jobs get their cancel channel closed and finish cancelling themselves at
// the next suspension point. Terminating a job already in a terminal state
// is an acknowledged no-op.
func (c *Controller) Terminate(ctx context.Context, jobID string) (*core.Job, error) {
	job, err := c.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	log := logging.FromContext(ctx).With("job", job.ID, "tenant", job.Tenant)
	switch job.Status {
	case core.JobStatusSubmitted:
		if err := c.transition(ctx, job, core.JobStatusCancelled, "cancelled by request"); err != nil {
			if vigilerrors.IsConflict(err) {
				// A worker claimed the job first; cancel it in flight instead.
				c.closeCancel(job.ID)
				return c.Get(ctx, jobID)
			}
			return nil, err
		}
		c.unlock(ctx, job)
		if err := c.licenses.Notify(ctx, job, nil); err != nil {
			log.Errorf("notifying license manager: %s", err)
		}
		observeCompleted(job, c.clk.Now())
		c.dropCancel(job.ID)
		log.Infof("cancelled job before execution")
		return job, nil
	case core.JobStatusRunning:
		c.closeCancel(job.ID)
		log.Infof("cancellation requested, job yields at its next suspension point")
		return job, nil
	default:
		return job, nil
	}
}

func (c *Controller) Get(ctx context.Context, jobID string) (*core.Job, error) {
	job := &core.Job{}
	if err := c.store.Get(ctx, c.table, document.Key{"id": jobID}, job); err != nil {
		if vigilerrors.IsNotFound(err) {
			return nil, vigilerrors.Newf(vigilerrors.KindNotFound, "job %s not found", jobID)
		}
		return nil, err
	}
	return job, nil
}

// Filter narrows Query. Customer is required; everything else is optional.
type Filter struct {
	Customer  string
	Tenant    string
	Status    core.JobStatus
	Type      core.JobType
	Limit     int32
	NextToken string
}

func (c *Controller) Query(ctx context.Context, filter Filter) ([]*core.Job, string, error) {
	if filter.Customer == "" {
		return nil, "", vigilerrors.Validation("customer is required", "customer")
	}
	where := map[string]any{}
	if filter.Tenant != "" {
		where["tenant"] = filter.Tenant
	}
	if filter.Status != "" {
		where["status"] = filter.Status
	}
	if filter.Type != "" {
		where["type"] = filter.Type
	}
	var jobs []*core.Job
	next, err := c.store.Query(ctx, document.QueryInput{
		Table:     c.table,
		Index:     "customer",
		Equals:    document.Key{"customer": filter.Customer},
		Filter:    where,
		Limit:     filter.Limit,
		NextToken: filter.NextToken,
	}, &jobs)
	if err != nil {
		return nil, "", err
	}
	return jobs, next, nil
}

// transition moves a persisted job one legal step through the state machine.
// The write is conditioned on the status the step was computed from, so a
// lost race or an illegal step surfaces as CONFLICT and the job keeps
// whatever outcome won.
func (c *Controller) transition(ctx context.Context, job *core.Job, next core.JobStatus, reason string) error {
	if !job.Status.CanTransition(next) {
		return vigilerrors.Newf(vigilerrors.KindConflict, "job %s cannot move from %s to %s", job.ID, job.Status, next)
	}
	now := c.clk.Now().UTC()
	set := map[string]any{"status": next}
	if next == core.JobStatusRunning {
		set["started_at"] = now
	}
	if next.Terminal() {
		set["stopped_at"] = now
	}
	if reason != "" {
		set["reason"] = reason
	}
	if err := c.store.Update(ctx, c.table, document.Key{"id": job.ID},
		document.Update{Set: set},
		&document.Condition{Equals: map[string]any{"status": job.Status}},
	); err != nil {
		return err
	}
	job.Status = next
	if next == core.JobStatusRunning {
		job.StartedAt = &now
	}
	if next.Terminal() {
		job.StoppedAt = &now
	}
	if reason != "" {
		job.Reason = reason
	}
	return nil
}

// complete drives a job to a terminal state and releases everything attached
// to it. Losing the guarded write means a concurrent Terminate or sweep got
// there first; that winner owns the lock release and the notification.
func (c *Controller) complete(ctx context.Context, job *core.Job, status core.JobStatus, reason string, stats *core.JobStatistics) {
	log := logging.FromContext(ctx).With("job", job.ID, "tenant", job.Tenant, "status", string(status))
	if err := c.transition(ctx, job, status, reason); err != nil {
		if vigilerrors.IsConflict(err) {
			log.Debugf("job already reached a terminal state")
		} else {
			log.Errorf("recording job outcome: %s", err)
		}
		c.dropCancel(job.ID)
		return
	}
	c.unlock(ctx, job)
	if err := c.licenses.Notify(ctx, job, notifyStatistics(stats)); err != nil {
		log.Errorf("notifying license manager: %s", err)
	}
	observeCompleted(job, c.clk.Now())
	c.dropCancel(job.ID)
	if reason != "" {
		log = log.With("reason", reason)
	}
	log.Infof("job finished")
}

func (c *Controller) unlock(ctx context.Context, job *core.Job) {
	if err := c.tenants.Unlock(ctx, job.Customer, job.Tenant, job.ID); err != nil && !vigilerrors.IsConflict(err) {
		logging.FromContext(ctx).With("job", job.ID, "tenant", job.Tenant).Errorf("releasing tenant lock: %s", err)
	}
}

// notifyStatistics flattens the aggregates the License Manager receives with
// a terminal notification.
func notifyStatistics(stats *core.JobStatistics) map[string]int {
	if stats == nil {
		return nil
	}
	return map[string]int{
		"total_checks":       stats.TotalChecks,
		"succeeded":          stats.Succeeded,
		"failed":             stats.Failed,
		"resources_violated": stats.ResourcesViolated,
	}
}

// registerCancel hands the worker its cancel channel. Terminate may have
// left a pre-closed one behind if it raced the claim.
func (c *Controller) registerCancel(jobID string) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.cancels[jobID]
	if !ok {
		ch = make(chan struct{})
		c.cancels[jobID] = ch
	}
	return ch
}

// closeCancel signals a running job to stop. When the worker has not
// registered yet it leaves a pre-closed channel for it to pick up.
func (c *Controller) closeCancel(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.cancels[jobID]
	if !ok {
		ch = make(chan struct{})
		c.cancels[jobID] = ch
	}
	select {
	case <-ch:
	default:
		close(ch)
	}
}

func (c *Controller) dropCancel(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cancels, jobID)
}
