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

package reports

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/vigilsec/vigil/pkg/apis/core"
	vigilerrors "github.com/vigilsec/vigil/pkg/errors"
	"github.com/vigilsec/vigil/pkg/findings"
	"github.com/vigilsec/vigil/pkg/logging"
	"github.com/vigilsec/vigil/pkg/providers/customer"
	"github.com/vigilsec/vigil/pkg/providers/exception"
	"github.com/vigilsec/vigil/pkg/providers/tenant"
	"github.com/vigilsec/vigil/pkg/storage/document"
	"github.com/vigilsec/vigil/pkg/storage/object"
)

const (
	// Workers bounds the fan-out of each stage across its partitions.
	Workers = 8
	// TopN caps the ranking lists on department rollups.
	TopN = 5
	// ArchiveAfter is how stale a tenant's freshest findings may get before
	// its shards move to cold storage and it drops out of every rollup.
	ArchiveAfter = 4 * 7 * 24 * time.Hour
)

// clevelSubject is the fixed subject of the single customer-wide record.
const clevelSubject = "customer"

// Engine computes the dated metric records and rendered report bundles for
// every customer. Records cache each aggregation so rollups and deltas read
// them back instead of rescanning findings shards.
type Engine struct {
	store        document.Store
	objects      object.Store
	metricsTable string
	statusTable  string
	statsTable   string
	rulesTable   string
	customers    customer.Provider
	tenants      tenant.Provider
	exceptions   exception.Provider
	findings     *findings.Store
	clk          clock.Clock
}

func NewEngine(store document.Store, objects object.Store, metricsTable, statusTable, statsTable, rulesTable string,
	customers customer.Provider, tenants tenant.Provider, exceptions exception.Provider,
	findingsStore *findings.Store, clk clock.Clock) *Engine {
	return &Engine{
		store:        store,
		objects:      objects,
		metricsTable: metricsTable,
		statusTable:  statusTable,
		statsTable:   statsTable,
		rulesTable:   rulesTable,
		customers:    customers,
		tenants:      tenants,
		exceptions:   exceptions,
		findings:     findingsStore,
		clk:          clk,
	}
}

// run carries the per-customer state of one reporting pass: the inputs every
// stage shares and the records emitted so far. Findings reads are memoized
// so the operational and finops stages hit each tenant's shards once.
type run struct {
	customer   string
	date       string
	asOf       time.Time
	rules      Catalog
	exceptions []*core.Exception

	mu      sync.Mutex
	cache   map[string][]findings.Finding
	records []*core.MetricRecord
}

func (st *run) snapshot() []*core.MetricRecord {
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]*core.MetricRecord{}, st.records...)
}

// Run computes every report partition of every customer for the given date.
// Payload content derives from the date and the stored inputs alone, so
// re-running a date reproduces the same records and artifacts; only the
// ComputedAt metadata moves.
func (e *Engine) Run(ctx context.Context, date string) error {
	if err := findings.ValidateDate(date); err != nil {
		return err
	}
	start := e.clk.Now()
	rules, err := e.catalog(ctx)
	if err != nil {
		return fmt.Errorf("loading rule catalog, %w", err)
	}
	customers, err := e.customers.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("listing customers, %w", err)
	}
	var errs error
	for _, c := range customers {
		if err := e.runCustomer(ctx, c.Name, date, rules); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("reporting customer %s, %w", c.Name, err))
		}
	}
	runDuration.Observe(e.clk.Since(start).Seconds())
	reportRuns.Inc()
	return errs
}

// runCustomer drives the stage pipeline for one customer. Stages fan out
// across their partitions, and every rollup stage starts only after the
// tenant stage it reads from has fully finished; rollups consume the stored
// tenant records, never the shards. A failed partition records a FAILED
// status and the run moves on, so one broken tenant cannot take down a
// customer's report day.
func (e *Engine) runCustomer(ctx context.Context, customerName, date string, rules Catalog) error {
	st := &run{
		customer: customerName,
		date:     date,
		asOf:     lo.Must(time.Parse(findings.DateLayout, date)),
		rules:    rules,
		cache:    map[string][]findings.Finding{},
	}
	var err error
	if st.exceptions, err = e.exceptions.Active(ctx, customerName); err != nil {
		return fmt.Errorf("loading exceptions, %w", err)
	}
	tenants, err := e.listTenants(ctx, customerName)
	if err != nil {
		return fmt.Errorf("listing tenants, %w", err)
	}
	tenants = lo.Filter(tenants, func(t *core.Tenant, _ int) bool { return t.Activated })
	live := e.sweep(ctx, st, tenants)

	byName := lo.SliceToMap(live, func(t *core.Tenant) (string, *core.Tenant) { return t.Name, t })
	names := lo.Keys(byName)
	sort.Strings(names)

	e.fanOut(ctx, st, core.MetricScopeTenant, names, func(ctx context.Context, name string) error {
		return e.reportTenant(ctx, st, byName[name])
	})

	projects := lo.GroupBy(
		lo.Filter(live, func(t *core.Tenant, _ int) bool { return t.Project != "" }),
		func(t *core.Tenant) string { return t.Project })
	projectNames := lo.Keys(projects)
	sort.Strings(projectNames)
	e.fanOut(ctx, st, core.MetricScopeProject, projectNames, func(ctx context.Context, project string) error {
		return e.reportProject(ctx, st, project, projects[project])
	})

	clouds := lo.Uniq(lo.Map(live, func(t *core.Tenant, _ int) string { return string(t.Cloud) }))
	sort.Strings(clouds)
	e.fanOut(ctx, st, core.MetricScopeDepartment, clouds, func(ctx context.Context, cloud string) error {
		return e.reportDepartment(ctx, st, cloud, live)
	})

	e.fanOut(ctx, st, core.MetricScopeCLevel, []string{clevelSubject}, func(ctx context.Context, _ string) error {
		return e.reportCLevel(ctx, st)
	})

	e.fanOut(ctx, st, core.MetricScopeTenant, names, func(ctx context.Context, name string) error {
		return e.reportFinOps(ctx, st, byName[name])
	})

	k8sNames := lo.Filter(names, func(name string, _ int) bool { return byName[name].Cloud == core.CloudKubernetes })
	e.fanOut(ctx, st, core.MetricScopeTenant, k8sNames, func(ctx context.Context, name string) error {
		return e.reportKubernetes(ctx, st, byName[name])
	})

	e.computeDeltas(ctx, st)
	e.render(ctx, st)
	return nil
}

// fanOut runs fn for every subject with bounded parallelism and waits for
// all of them. Errors are absorbed into per-subject FAILED statuses rather
// than returned, so sibling partitions never see each other's failures.
func (e *Engine) fanOut(ctx context.Context, st *run, scope core.MetricScope, subjects []string, fn func(context.Context, string) error) {
	g := &errgroup.Group{}
	g.SetLimit(Workers)
	for _, subject := range subjects {
		subject := subject
		g.Go(func() error {
			if err := fn(ctx, subject); err != nil {
				e.fail(ctx, st, scope, subject, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// sweep moves tenants whose freshest findings predate the retention cutoff
// to cold storage before any stage runs, so a stale account drops out of
// every aggregation level at once. It returns the tenants still reportable;
// never-scanned tenants are skipped without records or statuses.
func (e *Engine) sweep(ctx context.Context, st *run, tenants []*core.Tenant) []*core.Tenant {
	cutoff := st.asOf.Add(-ArchiveAfter)
	var live []*core.Tenant
	for _, t := range tenants {
		latest, ok, err := e.findings.LatestDate(ctx, t.Name, t.Cloud)
		if err != nil {
			e.fail(ctx, st, core.MetricScopeTenant, t.Name, fmt.Errorf("checking findings age, %w", err))
			continue
		}
		if !ok {
			continue
		}
		if lo.Must(time.Parse(findings.DateLayout, latest)).Before(cutoff) {
			if err := e.findings.Archive(ctx, t.Name); err != nil {
				e.fail(ctx, st, core.MetricScopeTenant, t.Name, fmt.Errorf("archiving findings, %w", err))
				continue
			}
			if err := e.markArchived(ctx, st, t.Name); err != nil {
				e.fail(ctx, st, core.MetricScopeTenant, t.Name, fmt.Errorf("flagging archived records, %w", err))
				continue
			}
			tenantsArchived.Inc()
			logging.FromContext(ctx).With("customer", st.customer).With("tenant", t.Name).Infof("archived stale tenant")
			continue
		}
		live = append(live, t)
	}
	return live
}

// markArchived flags the latest record of each family so readers can tell an
// archived tenant's trailing numbers from a live report.
func (e *Engine) markArchived(ctx context.Context, st *run, tenantName string) error {
	latest := map[core.MetricType]*core.MetricRecord{}
	nextToken := ""
	for {
		var page []*core.MetricRecord
		token, err := e.store.Scan(ctx, document.ScanInput{
			Table: e.metricsTable,
			Filter: map[string]any{
				"customer": st.customer,
				"scope":    string(core.MetricScopeTenant),
				"subject":  tenantName,
			},
			NextToken: nextToken,
		}, &page)
		if err != nil {
			return err
		}
		for _, rec := range page {
			if cur, ok := latest[rec.Type]; !ok || rec.Date > cur.Date {
				latest[rec.Type] = rec
			}
		}
		if token == "" {
			break
		}
		nextToken = token
	}
	for _, rec := range latest {
		rec.Archived = true
		if err := e.store.Put(ctx, e.metricsTable, rec, nil); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) reportTenant(ctx context.Context, st *run, t *core.Tenant) error {
	found, err := e.findingsOf(ctx, st, t)
	if err != nil {
		return err
	}
	for typ, payload := range BuildOperational(t, found, st.rules, st.exceptions, st.asOf) {
		if err := e.emit(ctx, st, core.MetricScopeTenant, t.Name, typ, payload); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) reportProject(ctx context.Context, st *run, project string, members []*core.Tenant) error {
	members = append([]*core.Tenant{}, members...)
	sort.Slice(members, func(i, j int) bool { return members[i].Name < members[j].Name })
	var sets []*operationalSet
	for _, member := range members {
		set, ok, err := e.loadOperational(ctx, st, member.Name)
		if err != nil {
			return err
		}
		if ok {
			sets = append(sets, set)
		}
	}
	if len(sets) == 0 {
		return nil
	}
	merged := map[core.MetricType]any{
		core.MetricTypeOverview:   MergeOverviews(lo.Map(sets, func(s *operationalSet, _ int) Overview { return s.Overview })),
		core.MetricTypeCompliance: MergeCompliance(lo.Map(sets, func(s *operationalSet, _ int) Compliance { return s.Compliance })),
		core.MetricTypeResources:  MergeResources(lo.Map(sets, func(s *operationalSet, _ int) Resources { return s.Resources })),
		core.MetricTypeRules:      MergeRules(lo.Map(sets, func(s *operationalSet, _ int) Rules { return s.Rules })),
		core.MetricTypeMitre:      MergeMitre(lo.Map(sets, func(s *operationalSet, _ int) Mitre { return s.Mitre })),
	}
	for typ, payload := range merged {
		if err := e.emit(ctx, st, core.MetricScopeProject, project, typ, payload); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) reportDepartment(ctx context.Context, st *run, cloud string, live []*core.Tenant) error {
	members := lo.Filter(live, func(t *core.Tenant, _ int) bool { return string(t.Cloud) == cloud })
	sort.Slice(members, func(i, j int) bool { return members[i].Name < members[j].Name })
	var entries []DepartmentEntry
	for _, member := range members {
		set, ok, err := e.loadOperational(ctx, st, member.Name)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		entries = append(entries, DepartmentEntry{
			Tenant:     member.Name,
			Overview:   set.Overview,
			Compliance: set.Compliance,
			Resources:  set.Resources,
			Mitre:      set.Mitre,
		})
	}
	if len(entries) == 0 {
		return nil
	}
	return e.emit(ctx, st, core.MetricScopeDepartment, cloud, core.MetricTypeOverview, BuildDepartment(entries, TopN))
}

func (e *Engine) reportCLevel(ctx context.Context, st *run) error {
	week := core.WeekOf(st.asOf)
	var stats []*core.JobStatistics
	nextToken := ""
	for {
		var page []*core.JobStatistics
		token, err := e.store.Scan(ctx, document.ScanInput{
			Table:     e.statsTable,
			Filter:    map[string]any{"customer": st.customer, "week": week},
			NextToken: nextToken,
		}, &page)
		if err != nil {
			return fmt.Errorf("loading job statistics, %w", err)
		}
		stats = append(stats, page...)
		if token == "" {
			break
		}
		nextToken = token
	}
	return e.emit(ctx, st, core.MetricScopeCLevel, clevelSubject, core.MetricTypeOverview, BuildCLevel(week, stats))
}

func (e *Engine) reportFinOps(ctx context.Context, st *run, t *core.Tenant) error {
	found, err := e.findingsOf(ctx, st, t)
	if err != nil {
		return err
	}
	return e.emit(ctx, st, core.MetricScopeTenant, t.Name, core.MetricTypeFinOps,
		BuildFinOps(t.Name, found, st.rules, st.exceptions, st.asOf))
}

func (e *Engine) reportKubernetes(ctx context.Context, st *run, t *core.Tenant) error {
	found, err := e.findingsOf(ctx, st, t)
	if err != nil {
		return err
	}
	return e.emit(ctx, st, core.MetricScopeTenant, t.Name, core.MetricTypeKubernetes,
		BuildKubernetes(t, found, st.rules, st.exceptions, st.asOf))
}

// computeDeltas runs after every family has been emitted so finops and
// kubernetes records pick up deltas too. The prior week's record of the same
// ID is the baseline; a partition whose delta fails keeps its data and gets
// a FAILED status.
func (e *Engine) computeDeltas(ctx context.Context, st *run) {
	prior := st.asOf.AddDate(0, 0, -7).Format(findings.DateLayout)
	for _, rec := range st.snapshot() {
		prevRec, err := e.lookup(ctx, rec.ID, prior)
		if err != nil {
			e.fail(ctx, st, rec.Scope, rec.Subject, fmt.Errorf("loading prior week record, %w", err))
			continue
		}
		var prevData []byte
		if prevRec != nil {
			prevData = prevRec.Data
		}
		delta, err := DeltaOf(rec.Scope, rec.Type, rec.Data, prevData)
		if err != nil {
			e.fail(ctx, st, rec.Scope, rec.Subject, fmt.Errorf("computing %s delta, %w", rec.Type, err))
			continue
		}
		rec.Delta = delta
		if err := e.store.Put(ctx, e.metricsTable, rec, nil); err != nil {
			e.fail(ctx, st, rec.Scope, rec.Subject, fmt.Errorf("storing %s delta, %w", rec.Type, err))
		}
	}
}

// render bundles the run's records into one artifact per (scope, subject)
// and flips the partition's status to READY. Partitions that produced no
// records produce no artifact either.
func (e *Engine) render(ctx context.Context, st *run) {
	groups := lo.GroupBy(st.snapshot(), func(r *core.MetricRecord) string {
		return string(r.Scope) + "\x00" + r.Subject
	})
	keys := lo.Keys(groups)
	sort.Strings(keys)
	for _, key := range keys {
		parts := strings.SplitN(key, "\x00", 2)
		scope, subject := core.MetricScope(parts[0]), parts[1]
		bundle := Artifact{
			Customer: st.customer,
			Scope:    scope,
			Subject:  subject,
			Date:     st.date,
			Reports:  map[core.MetricType]Section{},
		}
		failed := false
		for _, rec := range groups[key] {
			bundle.Reports[rec.Type] = Section{Data: rec.Data, Delta: rec.Delta}
			snapshot := lo.Must(json.Marshal(Section{Data: rec.Data, Delta: rec.Delta}))
			if err := e.objects.Put(ctx, MetricKey(st.customer, st.date, rec.Type, subject), snapshot,
				&object.PutOptions{ContentType: "application/json", Gzip: true}); err != nil {
				e.fail(ctx, st, scope, subject, fmt.Errorf("storing %s metric snapshot, %w", rec.Type, err))
				failed = true
				break
			}
		}
		if failed {
			continue
		}
		objectKey := ArtifactKey(st.customer, st.date, scope, subject)
		if err := e.objects.Put(ctx, objectKey, lo.Must(json.Marshal(bundle)), &object.PutOptions{ContentType: "application/json", Gzip: true}); err != nil {
			e.fail(ctx, st, scope, subject, fmt.Errorf("rendering report, %w", err))
			continue
		}
		e.ready(ctx, st, scope, subject, objectKey)
	}
}

func (e *Engine) ready(ctx context.Context, st *run, scope core.MetricScope, subject, objectKey string) {
	status := &core.ReportStatus{
		ID:        StatusID(st.customer, st.date, scope, subject),
		Customer:  st.customer,
		Date:      st.date,
		Key:       objectKey,
		State:     core.ReportStateReady,
		UpdatedAt: e.clk.Now().UTC(),
	}
	if err := e.store.Put(ctx, e.statusTable, status, nil); err != nil {
		e.fail(ctx, st, scope, subject, fmt.Errorf("storing report status, %w", err))
	}
}

// fail records one partition's failure and lets the run continue. The FAILED
// status overwrites any earlier state for the partition, so a partial
// success that breaks later in the pipeline still surfaces as failed.
func (e *Engine) fail(ctx context.Context, st *run, scope core.MetricScope, subject string, cause error) {
	logging.FromContext(ctx).
		With("customer", st.customer).
		With("scope", string(scope)).
		With("subject", subject).
		Errorf("reporting partition failed: %s", cause)
	partitionFailures.Inc()
	status := &core.ReportStatus{
		ID:        StatusID(st.customer, st.date, scope, subject),
		Customer:  st.customer,
		Date:      st.date,
		State:     core.ReportStateFailed,
		Reason:    cause.Error(),
		UpdatedAt: e.clk.Now().UTC(),
	}
	if err := e.store.Put(ctx, e.statusTable, status, nil); err != nil {
		logging.FromContext(ctx).Errorf("storing failure status: %s", err)
	}
}

func (e *Engine) emit(ctx context.Context, st *run, scope core.MetricScope, subject string, typ core.MetricType, payload any) error {
	record := &core.MetricRecord{
		ID:         core.MetricRecordID(st.customer, scope, subject, typ),
		Customer:   st.customer,
		Scope:      scope,
		Subject:    subject,
		Type:       typ,
		Date:       st.date,
		Data:       lo.Must(json.Marshal(payload)),
		ComputedAt: e.clk.Now().UTC(),
	}
	if err := e.store.Put(ctx, e.metricsTable, record, nil); err != nil {
		return fmt.Errorf("storing %s record, %w", typ, err)
	}
	st.mu.Lock()
	st.records = append(st.records, record)
	st.mu.Unlock()
	recordsComputed.WithLabelValues(string(scope)).Inc()
	return nil
}

// operationalSet is the tenant-scope record set rollup stages read back.
type operationalSet struct {
	Overview   Overview
	Compliance Compliance
	Resources  Resources
	Rules      Rules
	Mitre      Mitre
}

// loadOperational reads a tenant's five operational records for the run's
// date. ok is false when any of them is missing, which keeps partially
// reported tenants out of rollups instead of skewing them with zeros.
func (e *Engine) loadOperational(ctx context.Context, st *run, subject string) (*operationalSet, bool, error) {
	set := &operationalSet{}
	for typ, out := range map[core.MetricType]any{
		core.MetricTypeOverview:   &set.Overview,
		core.MetricTypeCompliance: &set.Compliance,
		core.MetricTypeResources:  &set.Resources,
		core.MetricTypeRules:      &set.Rules,
		core.MetricTypeMitre:      &set.Mitre,
	} {
		rec, err := e.lookup(ctx, core.MetricRecordID(st.customer, core.MetricScopeTenant, subject, typ), st.date)
		if err != nil {
			return nil, false, fmt.Errorf("loading %s record of %s, %w", typ, subject, err)
		}
		if rec == nil {
			return nil, false, nil
		}
		if err := json.Unmarshal(rec.Data, out); err != nil {
			return nil, false, fmt.Errorf("decoding %s record of %s, %w", typ, subject, err)
		}
	}
	return set, true, nil
}

func (e *Engine) lookup(ctx context.Context, id, date string) (*core.MetricRecord, error) {
	record := &core.MetricRecord{}
	if err := e.store.Get(ctx, e.metricsTable, document.Key{"id": id, "date": date}, record); err != nil {
		if vigilerrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

// Record returns one cached aggregation by its coordinates. A date no pass
// has computed yet reads back as NOT_FOUND.
func (e *Engine) Record(ctx context.Context, customerName string, scope core.MetricScope, subject string, typ core.MetricType, date string) (*core.MetricRecord, error) {
	if err := findings.ValidateDate(date); err != nil {
		return nil, err
	}
	record, err := e.lookup(ctx, core.MetricRecordID(customerName, scope, subject, typ), date)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, vigilerrors.Newf(vigilerrors.KindNotFound, "no %s record for %s %s on %s", typ, scope, subject, date)
	}
	return record, nil
}

// Status returns one report partition's pipeline status row.
func (e *Engine) Status(ctx context.Context, id string) (*core.ReportStatus, error) {
	status := &core.ReportStatus{}
	if err := e.store.Get(ctx, e.statusTable, document.Key{"id": id}, status); err != nil {
		if vigilerrors.IsNotFound(err) {
			return nil, vigilerrors.Newf(vigilerrors.KindNotFound, "report status %s not found", id)
		}
		return nil, err
	}
	return status, nil
}

// Statuses lists every partition status of a customer's reporting date.
func (e *Engine) Statuses(ctx context.Context, customerName, date string) ([]*core.ReportStatus, error) {
	if err := findings.ValidateDate(date); err != nil {
		return nil, err
	}
	var out []*core.ReportStatus
	nextToken := ""
	for {
		var page []*core.ReportStatus
		token, err := e.store.Scan(ctx, document.ScanInput{
			Table:     e.statusTable,
			Filter:    map[string]any{"customer": customerName, "date": date},
			NextToken: nextToken,
		}, &page)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if token == "" {
			return out, nil
		}
		nextToken = token
	}
}

// WeeklyStatistics returns the per-job digest rows one tenant produced in an
// ISO week.
func (e *Engine) WeeklyStatistics(ctx context.Context, customerName, tenantName, week string) ([]*core.JobStatistics, error) {
	var out []*core.JobStatistics
	nextToken := ""
	for {
		var page []*core.JobStatistics
		token, err := e.store.Scan(ctx, document.ScanInput{
			Table:     e.statsTable,
			Filter:    map[string]any{"customer": customerName, "tenant": tenantName, "week": week},
			NextToken: nextToken,
		}, &page)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if token == "" {
			return out, nil
		}
		nextToken = token
	}
}

// findingsOf memoizes ReadLatest per tenant so the operational and finops
// stages together read each tenant's shards once.
func (e *Engine) findingsOf(ctx context.Context, st *run, t *core.Tenant) ([]findings.Finding, error) {
	st.mu.Lock()
	cached, ok := st.cache[t.Name]
	st.mu.Unlock()
	if ok {
		return cached, nil
	}
	found, err := e.findings.ReadLatest(ctx, t.Name, t.Cloud)
	if err != nil {
		return nil, fmt.Errorf("reading findings of tenant %s, %w", t.Name, err)
	}
	st.mu.Lock()
	st.cache[t.Name] = found
	st.mu.Unlock()
	return found, nil
}

func (e *Engine) listTenants(ctx context.Context, customerName string) ([]*core.Tenant, error) {
	var out []*core.Tenant
	nextToken := ""
	for {
		page, token, err := e.tenants.List(ctx, customerName, 100, nextToken)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if token == "" {
			return out, nil
		}
		nextToken = token
	}
}

func (e *Engine) catalog(ctx context.Context) (Catalog, error) {
	out := Catalog{}
	nextToken := ""
	for {
		var page []*core.Rule
		token, err := e.store.Scan(ctx, document.ScanInput{Table: e.rulesTable, NextToken: nextToken}, &page)
		if err != nil {
			return nil, err
		}
		for _, rule := range page {
			out[rule.ID] = rule
		}
		if token == "" {
			return out, nil
		}
		nextToken = token
	}
}

// Artifact is the rendered bundle delivery picks up: every family computed
// for one (scope, subject) on one date, data and delta side by side.
type Artifact struct {
	Customer string                      `json:"customer"`
	Scope    core.MetricScope            `json:"scope"`
	Subject  string                      `json:"subject"`
	Date     string                      `json:"date"`
	Reports  map[core.MetricType]Section `json:"reports"`
}

type Section struct {
	Data  json.RawMessage `json:"data"`
	Delta json.RawMessage `json:"delta,omitempty"`
}

// StatusID keys one report partition's status row.
func StatusID(customer, date string, scope core.MetricScope, subject string) string {
	return fmt.Sprintf("%s#%s#%s#%s", customer, date, scope, subject)
}

// ArtifactKey is the object key a rendered bundle lands under.
func ArtifactKey(customer, date string, scope core.MetricScope, subject string) string {
	return path.Join("reports", customer, Folder(date), date, string(scope), subject+".json.gz")
}

// MetricKey is the object key of one family's dated snapshot, mirroring the
// findings layout so a reader can walk a customer's metrics by date without
// touching the document store.
func MetricKey(customer, date string, typ core.MetricType, subject string) string {
	return path.Join("metrics", customer, date, strings.ToLower(string(typ)), subject+".json.gz")
}

// Folder maps a report date to its monthly folder, named for the month the
// date's ISO week ends in: a week straddling a month boundary files whole
// under the later month.
func Folder(date string) string {
	t := lo.Must(time.Parse(findings.DateLayout, date))
	weekEnd := t.AddDate(0, 0, 7-isoWeekday(t))
	return weekEnd.Format("2006-01")
}

func isoWeekday(t time.Time) int {
	if wd := int(t.Weekday()); wd != 0 {
		return wd
	}
	return 7
}
