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
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"

	"github.com/vigilsec/vigil/pkg/apis/core"
	"github.com/vigilsec/vigil/pkg/controllers/job"
	vigilerrors "github.com/vigilsec/vigil/pkg/errors"
	"github.com/vigilsec/vigil/pkg/logging"
	"github.com/vigilsec/vigil/pkg/providers/license"
	"github.com/vigilsec/vigil/pkg/providers/ruleset"
	"github.com/vigilsec/vigil/pkg/providers/tenant"
	"github.com/vigilsec/vigil/pkg/storage/document"
)

const (
	// DefaultWindow is how far back a drain looks when the caller does not
	// say. Windows slide, so consecutive drains overlap rather than gap.
	DefaultWindow = 15 * time.Minute

	// Partitions spreads event writes across this many shard keys so a burst
	// never hammers a single partition.
	Partitions = 16
)

// Controller ingests raw cloud events and periodically drains them into
// event-driven jobs, one batch per tenant and window.
type Controller struct {
	store        document.Store
	eventsTable  string
	batchesTable string
	tenants      tenant.Provider
	rulesets     ruleset.Provider
	licenses     license.Provider
	jobs         *job.Controller
	rules        RuleMap
	accounts     *cache.Cache
	clk          clock.Clock
}

func NewController(store document.Store, eventsTable, batchesTable string, tenants tenant.Provider,
	rulesets ruleset.Provider, licenses license.Provider, jobs *job.Controller, rules RuleMap,
	accounts *cache.Cache, clk clock.Clock) *Controller {
	return &Controller{
		store:        store,
		eventsTable:  eventsTable,
		batchesTable: batchesTable,
		tenants:      tenants,
		rulesets:     rulesets,
		licenses:     licenses,
		jobs:         jobs,
		rules:        rules,
		accounts:     accounts,
		clk:          clk,
	}
}

// Ingest validates and normalizes one envelope and persists it for the next
// drain. Events from accounts no tenant has registered are rejected with
// NOT_FOUND so pollers can drop them for good.
func (c *Controller) Ingest(ctx context.Context, envelope Envelope) (*core.Event, error) {
	cloud, err := envelope.cloud()
	if err != nil {
		return nil, err
	}
	if envelope.AccountID == "" {
		return nil, vigilerrors.Validation("event carries no account id", "account")
	}
	if envelope.Region == "" {
		return nil, vigilerrors.Validation("event carries no region", "region")
	}
	name, source := envelope.eventName()
	if name == "" {
		return nil, vigilerrors.Validation("event carries no name", "detail-type")
	}
	owner, err := c.owner(ctx, cloud, envelope.AccountID)
	if err != nil {
		return nil, err
	}
	timestamp := envelope.Time
	if timestamp.IsZero() {
		timestamp = c.clk.Now()
	}
	event := &core.Event{
		Partition:   fmt.Sprintf("p%02d", rand.Intn(Partitions)),
		ID:          uuid.NewString(),
		Customer:    owner.Customer,
		Tenant:      owner.Name,
		Cloud:       cloud,
		AccountID:   envelope.AccountID,
		Region:      envelope.Region,
		EventName:   name,
		EventSource: source,
		Timestamp:   timestamp.UTC(),
		Fingerprint: envelope.fingerprint(),
	}
	if err := c.store.Put(ctx, c.eventsTable, event, nil); err != nil {
		return nil, fmt.Errorf("persisting event, %w", err)
	}
	eventsIngested.WithLabelValues(string(cloud)).Inc()
	return event, nil
}

// Drain batches the events of the trailing window per tenant and submits one
// event-driven job per batch. Safe to call repeatedly: events a recorded
// batch already consumed are skipped, so overlapping windows cannot
// double-submit.
func (c *Controller) Drain(ctx context.Context, window time.Duration) error {
	if window <= 0 {
		window = DefaultWindow
	}
	end := c.clk.Now().UTC()
	start := end.Add(-window)
	events, err := c.windowed(ctx, start, end)
	if err != nil {
		return err
	}
	var errs error
	for key, group := range lo.GroupBy(events, func(e *core.Event) batchKey {
		return batchKey{customer: e.Customer, tenant: e.Tenant, cloud: e.Cloud}
	}) {
		if err := c.drainBatch(ctx, key, group, start, end); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("draining events of tenant %s/%s, %w", key.customer, key.tenant, err))
		}
	}
	return errs
}

type batchKey struct {
	customer string
	tenant   string
	cloud    core.Cloud
}

// changeKey identifies the logical change an event describes; deliveries of
// the same change collide on it regardless of event id.
func changeKey(e *core.Event) string {
	return e.EventName + "\x00" + e.Fingerprint
}

func (c *Controller) drainBatch(ctx context.Context, key batchKey, group []*core.Event, start, end time.Time) error {
	log := logging.FromContext(ctx).With("customer", key.customer, "tenant", key.tenant)
	consumed, err := c.consumed(ctx, key, start)
	if err != nil {
		return err
	}
	fresh := lo.Filter(group, func(e *core.Event, _ int) bool { return !consumed[e.ID] })
	if len(fresh) == 0 {
		return nil
	}

	// A redelivery can land after the original was already drained. Its new
	// event id passes the consumed filter, but it hashes to a change a batch
	// in this window already owns, so it must not open another one. Such
	// events slide out with the window instead of being recorded again.
	seen := lo.SliceToMap(
		lo.Filter(group, func(e *core.Event, _ int) bool { return consumed[e.ID] }),
		func(e *core.Event) (string, struct{}) { return changeKey(e), struct{}{} })
	redelivered := lo.CountBy(fresh, func(e *core.Event) bool { return lo.HasKey(seen, changeKey(e)) })
	if redelivered > 0 {
		eventsDeduplicated.Add(float64(redelivered))
		fresh = lo.Filter(fresh, func(e *core.Event, _ int) bool { return !lo.HasKey(seen, changeKey(e)) })
		if len(fresh) == 0 {
			return nil
		}
	}

	// Keep the earliest occurrence of every (name, fingerprint) pair; later
	// deliveries describe the same change.
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].Timestamp.Before(fresh[j].Timestamp) })
	unique := lo.UniqBy(fresh, changeKey)
	eventsDeduplicated.Add(float64(len(fresh) - len(unique)))

	mapped := lo.Uniq(lo.FlatMap(unique, func(e *core.Event, _ int) []string { return c.rules[e.EventName] }))
	batchID := core.BatchResultID(key.customer, key.tenant, key.cloud, start)
	if len(mapped) == 0 {
		// No rule cares about these events. Record them as consumed so they
		// are not reconsidered on every drain.
		log.With("events", len(fresh)).Debugf("no rules mapped, consuming events without a job")
		return c.record(ctx, batchID, key, start, end, fresh, nil, "")
	}

	names, allowed, err := c.scope(ctx, key, mapped)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		log.With("events", len(fresh), "rules", len(mapped)).Debugf("no permitted ruleset carries the mapped rules, consuming events without a job")
		return c.record(ctx, batchID, key, start, end, fresh, nil, "")
	}

	submitted, err := c.jobs.Submit(ctx, &core.JobRequest{
		Customer:      key.customer,
		Tenant:        key.tenant,
		Type:          core.JobTypeEventDriven,
		Rulesets:      names,
		RuleIDs:       allowed,
		BatchResultID: batchID,
	}, nil)
	if err != nil {
		// A lock conflict means a job is already scanning this tenant. The
		// events stay unconsumed and ride the next window.
		if vigilerrors.IsConflict(err) {
			log.Debugf("tenant is busy, deferring event batch")
			return nil
		}
		return fmt.Errorf("submitting event-driven job, %w", err)
	}
	if err := c.record(ctx, batchID, key, start, end, fresh, allowed, submitted.ID); err != nil {
		return err
	}
	batchesDrained.Inc()
	log.With("job", submitted.ID, "events", len(fresh), "rules", len(allowed)).Infof("drained event batch into job")
	return nil
}

// owner maps a cloud account to the tenant that registered it. The lookup is
// cached because event bursts hit the same handful of accounts.
func (c *Controller) owner(ctx context.Context, cloud core.Cloud, accountID string) (*core.Tenant, error) {
	key := fmt.Sprintf("%s/%s", cloud, accountID)
	if cached, ok := c.accounts.Get(key); ok {
		return cached.(*core.Tenant), nil
	}
	all, err := c.tenants.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing tenants, %w", err)
	}
	owner, found := lo.Find(all, func(t *core.Tenant) bool {
		return t.Cloud == cloud && t.CloudIdentifier == accountID
	})
	if !found {
		return nil, vigilerrors.Newf(vigilerrors.KindNotFound, "no tenant registered for %s account %s", cloud, accountID)
	}
	c.accounts.SetDefault(key, owner)
	return owner, nil
}

// windowed returns the events inside [start, end]. The time bounds apply
// here because the document filter matches equality only.
func (c *Controller) windowed(ctx context.Context, start, end time.Time) ([]*core.Event, error) {
	var all []*core.Event
	token := ""
	for {
		var page []*core.Event
		next, err := c.store.Scan(ctx, document.ScanInput{Table: c.eventsTable, NextToken: token}, &page)
		if err != nil {
			return nil, fmt.Errorf("scanning events, %w", err)
		}
		all = append(all, page...)
		if next == "" {
			break
		}
		token = next
	}
	return lo.Filter(all, func(e *core.Event, _ int) bool {
		return !e.Timestamp.Before(start) && !e.Timestamp.After(end)
	}), nil
}

// consumed returns the ids of events already captured by a batch whose
// window overlaps the one being drained. Event ids are unique, so scooping
// up an older batch costs nothing but a larger set.
func (c *Controller) consumed(ctx context.Context, key batchKey, since time.Time) (map[string]bool, error) {
	ids := map[string]bool{}
	token := ""
	for {
		var page []*core.BatchResult
		next, err := c.store.Query(ctx, document.QueryInput{
			Table:     c.batchesTable,
			Index:     "customer",
			Equals:    document.Key{"customer": key.customer},
			Filter:    map[string]any{"tenant": key.tenant, "cloud": string(key.cloud)},
			NextToken: token,
		}, &page)
		if err != nil {
			return nil, fmt.Errorf("listing recorded batches, %w", err)
		}
		for _, batch := range page {
			if batch.WindowEnd.Before(since) {
				continue
			}
			for _, id := range batch.EventIDs {
				ids[id] = true
			}
		}
		if next == "" {
			break
		}
		token = next
	}
	return ids, nil
}

// scope picks the active rulesets entitled to run the mapped rules and
// narrows the rule ids to what those rulesets actually carry. Licensed
// rulesets outside the tenant's allowance are skipped rather than failing
// the batch.
func (c *Controller) scope(ctx context.Context, key batchKey, mapped []string) (names, allowed []string, err error) {
	active, err := c.active(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	var allowance *license.Allowance
	for _, rs := range active {
		if rs.Licensed {
			if allowance == nil {
				if allowance, err = c.licenses.Allowance(ctx, key.customer, key.tenant, key.cloud); err != nil {
					return nil, nil, fmt.Errorf("loading license allowance, %w", err)
				}
			}
			if !allowance.Covers(rs.Name) {
				continue
			}
		}
		overlap := lo.Intersect(rs.RuleIDs, mapped)
		if len(overlap) == 0 {
			continue
		}
		names = append(names, rs.Name)
		allowed = append(allowed, overlap...)
	}
	sort.Strings(names)
	allowed = lo.Uniq(allowed)
	sort.Strings(allowed)
	return names, allowed, nil
}

func (c *Controller) active(ctx context.Context, key batchKey) ([]*core.Ruleset, error) {
	var out []*core.Ruleset
	token := ""
	for {
		page, next, err := c.rulesets.List(ctx, key.customer, 0, token)
		if err != nil {
			return nil, fmt.Errorf("listing rulesets, %w", err)
		}
		out = append(out, lo.Filter(page, func(rs *core.Ruleset, _ int) bool {
			return rs.Cloud == key.cloud && rs.Active && rs.Status == core.RulesetStatusReadyToScan
		})...)
		if next == "" {
			break
		}
		token = next
	}
	return out, nil
}

// record writes the batch outcome. A second drain of the exact same window
// extends the existing record instead of failing, merging event and rule ids.
func (c *Controller) record(ctx context.Context, id string, key batchKey, start, end time.Time,
	events []*core.Event, ruleIDs []string, jobID string) error {
	eventIDs := lo.Map(events, func(e *core.Event, _ int) string { return e.ID })
	sort.Strings(eventIDs)
	batch := &core.BatchResult{
		ID:          id,
		Customer:    key.customer,
		Tenant:      key.tenant,
		Cloud:       key.cloud,
		WindowStart: start,
		WindowEnd:   end,
		EventIDs:    eventIDs,
		RuleIDs:     ruleIDs,
		JobID:       jobID,
		SubmittedAt: c.clk.Now().UTC(),
	}
	err := c.store.Put(ctx, c.batchesTable, batch, &document.Condition{AttributeNotExists: []string{"id"}})
	if err == nil {
		return nil
	}
	if !vigilerrors.IsConflict(err) {
		return fmt.Errorf("recording batch, %w", err)
	}
	existing := &core.BatchResult{}
	if err := c.store.Get(ctx, c.batchesTable, document.Key{"id": id}, existing); err != nil {
		return fmt.Errorf("loading batch to extend, %w", err)
	}
	merged := lo.Uniq(append(existing.EventIDs, eventIDs...))
	sort.Strings(merged)
	rules := lo.Uniq(append(existing.RuleIDs, ruleIDs...))
	sort.Strings(rules)
	update := document.Update{Set: map[string]any{
		"event_ids":  merged,
		"rule_ids":   rules,
		"window_end": end,
	}}
	if existing.JobID == "" && jobID != "" {
		update.Set["job_id"] = jobID
	}
	if err := c.store.Update(ctx, c.batchesTable, document.Key{"id": id}, update, nil); err != nil {
		return fmt.Errorf("extending batch, %w", err)
	}
	return nil
}
