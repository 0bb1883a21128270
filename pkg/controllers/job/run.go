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
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/vigilsec/vigil/pkg/apis/core"
	vigilerrors "github.com/vigilsec/vigil/pkg/errors"
	"github.com/vigilsec/vigil/pkg/logging"
	"github.com/vigilsec/vigil/pkg/providers/credentials"
	"github.com/vigilsec/vigil/pkg/workers"
)

// Run executes one assignment end to end: claim the job, rebuild its pinned
// rule bundle, resolve credentials unless the assignment carries them, run
// the scan and record the outcome. Any dispatcher may drive it; losing the
// claim means the job was cancelled or timed out in the meantime and the
// assignment is dropped.
func (c *Controller) Run(ctx context.Context, assignment Assignment) {
	log := logging.FromContext(ctx).With("job", assignment.JobID)
	job, err := c.Get(ctx, assignment.JobID)
	if err != nil {
		log.Errorf("loading assigned job: %s", err)
		return
	}
	if err := c.transition(ctx, job, core.JobStatusRunning, ""); err != nil {
		if vigilerrors.IsConflict(err) {
			log.Debugf("job is not runnable anymore, dropping assignment")
		} else {
			log.Errorf("claiming job: %s", err)
		}
		return
	}
	tenantRecord, err := c.tenants.Get(ctx, job.Customer, job.Tenant)
	if err != nil {
		c.complete(ctx, job, core.JobStatusFailed, fmt.Sprintf("loading tenant %s, %s", job.Tenant, err), nil)
		return
	}
	rules, err := c.bundle(ctx, job, tenantRecord.Cloud)
	if err != nil {
		c.complete(ctx, job, core.JobStatusFailed, err.Error(), nil)
		return
	}
	creds := assignment.Credentials
	if creds == nil {
		if creds, err = c.credentials.Resolve(ctx, tenantRecord, nil); err != nil {
			c.complete(ctx, job, core.JobStatusFailed, credentials.ReasonUnresolved, nil)
			return
		}
	}

	cancel := c.registerCancel(job.ID)
	result, err := c.engine.Execute(ctx, workers.Work{
		Job:         job,
		Tenant:      tenantRecord,
		Regions:     job.RequestedRegions,
		Rules:       rules,
		Credentials: creds,
		Cancel:      cancel,
	})
	if err != nil {
		c.complete(ctx, job, core.JobStatusFailed, fmt.Sprintf("executing scan, %s", err), nil)
		return
	}

	switch result.ExitCode {
	case workers.ExitSuccess:
		c.complete(ctx, job, core.JobStatusSucceeded, result.Reason, result.Statistics)
	case workers.ExitLicenseDenied:
		c.complete(ctx, job, core.JobStatusFailed, ReasonLicenseDenied, nil)
	case workers.ExitRetryableCreds:
		c.complete(ctx, job, core.JobStatusFailed, result.Reason, nil)
	default:
		status := core.JobStatusFailed
		select {
		case <-cancel:
			status = core.JobStatusCancelled
		default:
		}
		c.complete(ctx, job, status, result.Reason, nil)
	}
}

// bundle rebuilds the job's rule list from its pinned ruleset versions,
// deduplicated across rulesets and narrowed to the job's explicit rule
// subset when it carries one.
func (c *Controller) bundle(ctx context.Context, job *core.Job, cloud core.Cloud) ([]*core.Rule, error) {
	var rules []*core.Rule
	for _, pin := range job.ResolvedRulesets {
		name, version, err := parsePin(pin)
		if err != nil {
			return nil, err
		}
		rs, err := c.rulesets.Get(ctx, job.Customer, cloud, name, version)
		if err != nil {
			return nil, fmt.Errorf("loading ruleset %s, %w", pin, err)
		}
		bundled, err := c.rulesets.Bundle(ctx, rs)
		if err != nil {
			return nil, fmt.Errorf("loading bundle of ruleset %s, %w", pin, err)
		}
		rules = append(rules, bundled...)
	}
	rules = lo.UniqBy(rules, func(r *core.Rule) string { return r.ID })
	if len(job.RuleIDs) > 0 {
		rules = lo.Filter(rules, func(r *core.Rule, _ int) bool { return lo.Contains(job.RuleIDs, r.ID) })
	}
	return rules, nil
}

// parsePin splits a "name@version" ruleset pin.
func parsePin(pin string) (string, int, error) {
	name, version, ok := strings.Cut(pin, "@")
	if !ok {
		return "", 0, fmt.Errorf("malformed ruleset pin %q", pin)
	}
	n, err := strconv.Atoi(version)
	if err != nil {
		return "", 0, fmt.Errorf("malformed ruleset pin %q, %w", pin, err)
	}
	return name, n, nil
}
