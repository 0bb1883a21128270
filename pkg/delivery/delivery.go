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

// Package delivery ships rendered report artifacts out of the platform:
// onto the message bus, chunked when they outgrow one request, and to the
// HTTP integrations activated for their tenants. Sink errors never surface
// to callers; they land on the report status record and the retry schedule
// drains them later.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/vigilsec/vigil/pkg/apis/core"
	vigilerrors "github.com/vigilsec/vigil/pkg/errors"
	"github.com/vigilsec/vigil/pkg/findings"
	"github.com/vigilsec/vigil/pkg/logging"
	"github.com/vigilsec/vigil/pkg/providers/customer"
	"github.com/vigilsec/vigil/pkg/providers/integration"
	"github.com/vigilsec/vigil/pkg/reports"
	"github.com/vigilsec/vigil/pkg/storage/document"
	"github.com/vigilsec/vigil/pkg/storage/object"
)

const (
	// Workers bounds how many reports dispatch concurrently.
	Workers = 8
	// SendAttempts caps the in-process tries per report per sink. Reports
	// still failing after that wait for the retry schedule.
	SendAttempts = 5
	// RetryDelay seeds the backoff between attempts; jitter rides on top.
	RetryDelay = 200 * time.Millisecond
	// ExpireAfter is how long past its report date a failed delivery keeps
	// qualifying for the retry schedule before it is parked EXPIRED.
	ExpireAfter = 7 * 24 * time.Hour
)

// Dispatcher moves READY report artifacts through the configured sinks. One
// report failing never blocks its siblings, and a customer whose
// send_reports toggle is off keeps its artifacts without any sink seeing
// them.
type Dispatcher struct {
	store        document.Store
	objects      object.Store
	statusTable  string
	customers    customer.Provider
	integrations integration.Provider
	bus          *BusSink
	pushers      map[core.IntegrationKind]Pusher
	clk          clock.Clock
}

func NewDispatcher(store document.Store, objects object.Store, statusTable string,
	customers customer.Provider, integrations integration.Provider,
	bus *BusSink, pushers map[core.IntegrationKind]Pusher, clk clock.Clock) *Dispatcher {
	return &Dispatcher{
		store:        store,
		objects:      objects,
		statusTable:  statusTable,
		customers:    customers,
		integrations: integrations,
		bus:          bus,
		pushers:      pushers,
		clk:          clk,
	}
}

// Dispatch ships every READY report of the given date. Sink failures are
// absorbed into the status records; only listing problems surface.
func (d *Dispatcher) Dispatch(ctx context.Context, date string) error {
	if err := findings.ValidateDate(date); err != nil {
		return err
	}
	statuses, err := d.statuses(ctx, map[string]any{
		"date":  date,
		"state": string(core.ReportStateReady),
	})
	if err != nil {
		return fmt.Errorf("listing ready reports, %w", err)
	}
	d.fan(ctx, statuses)
	return nil
}

// RetryFailed drains the failure queue: every FAILED status that still has
// an artifact gets another delivery round. Failures older than ExpireAfter
// are parked EXPIRED instead; compute failures without an artifact are the
// report engine's to heal.
func (d *Dispatcher) RetryFailed(ctx context.Context) error {
	statuses, err := d.statuses(ctx, map[string]any{
		"state": string(core.ReportStateFailed),
	})
	if err != nil {
		return fmt.Errorf("listing failed reports, %w", err)
	}
	log := logging.FromContext(ctx)
	now := d.clk.Now().UTC()
	retriable := make([]*core.ReportStatus, 0, len(statuses))
	for _, status := range statuses {
		if status.Key == "" {
			continue
		}
		stamp, err := time.Parse(findings.DateLayout, status.Date)
		if err != nil {
			log.Errorf("skipping report %s with unreadable date: %s", status.ID, err)
			continue
		}
		if now.Sub(stamp) > ExpireAfter {
			d.expire(ctx, status)
			continue
		}
		retriable = append(retriable, status)
	}
	d.fan(ctx, retriable)
	return nil
}

// PushTo re-pushes one customer's READY reports of a date through a single
// integration kind, optionally narrowed to one tenant. Sink failures land on
// the status rows exactly like scheduled rounds; the returned ids name the
// reports that matched an activated integration and were attempted.
func (d *Dispatcher) PushTo(ctx context.Context, customerName, date string, kind core.IntegrationKind, tenantName string) ([]string, error) {
	if err := findings.ValidateDate(date); err != nil {
		return nil, err
	}
	if _, ok := d.pushers[kind]; !ok {
		return nil, vigilerrors.Newf(vigilerrors.KindValidation, "no pusher wired for %s integrations", kind)
	}
	if !d.customers.SendReports(ctx, customerName) {
		return nil, vigilerrors.Newf(vigilerrors.KindForbidden, "customer %s has report delivery disabled", customerName)
	}
	statuses, err := d.statuses(ctx, map[string]any{
		"customer": customerName,
		"date":     date,
		"state":    string(core.ReportStateReady),
	})
	if err != nil {
		return nil, fmt.Errorf("listing ready reports, %w", err)
	}
	var mu sync.Mutex
	var pushed []string
	g := &errgroup.Group{}
	g.SetLimit(Workers)
	for _, status := range statuses {
		status := status
		g.Go(func() error {
			if d.pushOne(ctx, status, kind, tenantName) {
				mu.Lock()
				pushed = append(pushed, status.ID)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(pushed)
	return pushed, nil
}

// pushOne sends one artifact through a single integration kind. Returns
// whether the report matched the requested slice and had somewhere to go.
func (d *Dispatcher) pushOne(ctx context.Context, status *core.ReportStatus, kind core.IntegrationKind, tenantName string) bool {
	payload, err := d.objects.Get(ctx, status.Key)
	if err != nil {
		d.recordFailure(ctx, status, fmt.Errorf("loading report artifact, %w", err))
		return false
	}
	artifact := &reports.Artifact{}
	if err := json.Unmarshal(payload, artifact); err != nil {
		d.recordFailure(ctx, status, fmt.Errorf("decoding report artifact, %w", err))
		return false
	}
	if artifact.Scope != core.MetricScopeTenant {
		return false
	}
	if tenantName != "" && artifact.Subject != tenantName {
		return false
	}
	targets := lo.Filter(d.targets(ctx, artifact), func(i *core.Integration, _ int) bool { return i.Kind == kind })
	if len(targets) == 0 {
		return false
	}
	pusher := d.pushers[kind]
	var errs error
	for _, target := range targets {
		if err := d.withRetry(ctx, func() error {
			return pusher.Push(ctx, target, artifact, payload)
		}); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s delivery to %s, %w", target.Kind, target.ID, err))
			continue
		}
		reportsDelivered.WithLabelValues(string(target.Kind)).Inc()
	}
	if errs != nil {
		d.recordFailure(ctx, status, errs)
		return true
	}
	d.recordDelivered(ctx, status)
	return true
}

func (d *Dispatcher) fan(ctx context.Context, statuses []*core.ReportStatus) {
	g := &errgroup.Group{}
	g.SetLimit(Workers)
	for _, status := range statuses {
		status := status
		g.Go(func() error {
			d.deliver(ctx, status)
			return nil
		})
	}
	_ = g.Wait()
}

// deliver runs one report through every sink and records the outcome on its
// status row. Nothing escapes: every failure mode ends in a FAILED record.
func (d *Dispatcher) deliver(ctx context.Context, status *core.ReportStatus) {
	log := logging.FromContext(ctx).With("report", status.ID)
	if !d.customers.SendReports(ctx, status.Customer) {
		reportsSkipped.Inc()
		log.Debugf("delivery disabled, keeping artifact")
		return
	}
	payload, err := d.objects.Get(ctx, status.Key)
	if err != nil {
		d.recordFailure(ctx, status, fmt.Errorf("loading report artifact, %w", err))
		return
	}
	artifact := &reports.Artifact{}
	if err := json.Unmarshal(payload, artifact); err != nil {
		d.recordFailure(ctx, status, fmt.Errorf("decoding report artifact, %w", err))
		return
	}
	if err := d.send(ctx, status, artifact, payload); err != nil {
		d.recordFailure(ctx, status, err)
		return
	}
	d.recordDelivered(ctx, status)
}

// send pushes one artifact through the bus and every activated integration.
// Sinks fail independently; the joined error carries whatever went wrong
// anywhere.
func (d *Dispatcher) send(ctx context.Context, status *core.ReportStatus, artifact *reports.Artifact, payload []byte) error {
	var errs error
	if err := d.withRetry(ctx, func() error {
		return d.bus.Send(ctx, status.ID, status.Customer, payload)
	}); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("bus delivery, %w", err))
	} else {
		reportsDelivered.WithLabelValues("bus").Inc()
	}
	for _, target := range d.targets(ctx, artifact) {
		pusher, ok := d.pushers[target.Kind]
		if !ok {
			logging.FromContext(ctx).Errorf("no pusher wired for %s integrations", target.Kind)
			continue
		}
		if err := d.withRetry(ctx, func() error {
			return pusher.Push(ctx, target, artifact, payload)
		}); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s delivery to %s, %w", target.Kind, target.ID, err))
			continue
		}
		reportsDelivered.WithLabelValues(string(target.Kind)).Inc()
	}
	return errs
}

// targets resolves the push integrations that want this artifact. Pushes
// are tenant-granular; rollup artifacts ride the bus only.
func (d *Dispatcher) targets(ctx context.Context, artifact *reports.Artifact) []*core.Integration {
	if artifact.Scope != core.MetricScopeTenant {
		return nil
	}
	active, err := d.integrations.Active(ctx, artifact.Customer)
	if err != nil {
		logging.FromContext(ctx).Errorf("listing integrations of %s: %s", artifact.Customer, err)
		return nil
	}
	return lo.Filter(active, func(i *core.Integration, _ int) bool { return i.Covers(artifact.Subject) })
}

func (d *Dispatcher) withRetry(ctx context.Context, fn func() error) error {
	return retry.Do(fn,
		retry.Attempts(SendAttempts),
		retry.Delay(RetryDelay),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.MaxJitter(RetryDelay/2),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
}

func (d *Dispatcher) recordDelivered(ctx context.Context, status *core.ReportStatus) {
	status.State = core.ReportStateReady
	status.Reason = ""
	status.Attempts++
	status.UpdatedAt = d.clk.Now().UTC()
	if err := d.store.Put(ctx, d.statusTable, status, nil); err != nil {
		logging.FromContext(ctx).Errorf("storing delivery outcome: %s", err)
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, status *core.ReportStatus, cause error) {
	logging.FromContext(ctx).With("report", status.ID).Errorf("report delivery failed: %s", cause)
	deliveryFailures.Inc()
	status.State = core.ReportStateFailed
	status.Reason = cause.Error()
	status.Attempts++
	status.UpdatedAt = d.clk.Now().UTC()
	if err := d.store.Put(ctx, d.statusTable, status, nil); err != nil {
		logging.FromContext(ctx).Errorf("storing delivery failure: %s", err)
	}
}

func (d *Dispatcher) expire(ctx context.Context, status *core.ReportStatus) {
	logging.FromContext(ctx).With("report", status.ID).Infof("parking undeliverable report")
	reportsExpired.Inc()
	status.State = core.ReportStateExpired
	status.UpdatedAt = d.clk.Now().UTC()
	if err := d.store.Put(ctx, d.statusTable, status, nil); err != nil {
		logging.FromContext(ctx).Errorf("storing expired status: %s", err)
	}
}

func (d *Dispatcher) statuses(ctx context.Context, filter map[string]any) ([]*core.ReportStatus, error) {
	var out []*core.ReportStatus
	token := ""
	for {
		var page []*core.ReportStatus
		next, err := d.store.Scan(ctx, document.ScanInput{
			Table:     d.statusTable,
			Filter:    filter,
			NextToken: token,
		}, &page)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if next == "" {
			return out, nil
		}
		token = next
	}
}
