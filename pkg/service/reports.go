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

package service

import (
	"context"
	"encoding/json"
	"regexp"
	"time"

	"github.com/vigilsec/vigil/pkg/apis/core"
	vigilerrors "github.com/vigilsec/vigil/pkg/errors"
	"github.com/vigilsec/vigil/pkg/findings"
)

// reportKinds maps the browse families to the record coordinates backing
// them. Tenant families read the tenant-scoped record of their type; the
// rollup families read the OVERVIEW record of their scope.
var reportKinds = map[string]struct {
	scope core.MetricScope
	typ   core.MetricType
}{
	"operational": {core.MetricScopeTenant, core.MetricTypeOverview},
	"compliance":  {core.MetricScopeTenant, core.MetricTypeCompliance},
	"resources":   {core.MetricScopeTenant, core.MetricTypeResources},
	"rules":       {core.MetricScopeTenant, core.MetricTypeRules},
	"mitre":       {core.MetricScopeTenant, core.MetricTypeMitre},
	"finops":      {core.MetricScopeTenant, core.MetricTypeFinOps},
	"kubernetes":  {core.MetricScopeTenant, core.MetricTypeKubernetes},
	"project":     {core.MetricScopeProject, core.MetricTypeOverview},
	"department":  {core.MetricScopeDepartment, core.MetricTypeOverview},
}

// ReportView is the API shape of one cached aggregation: the payload and its
// weekly delta decoded next to the record coordinates.
type ReportView struct {
	Customer   string           `json:"customer"`
	Scope      core.MetricScope `json:"scope"`
	Subject    string           `json:"subject"`
	Type       core.MetricType  `json:"type"`
	Date       string           `json:"date"`
	Archived   bool             `json:"archived,omitempty"`
	ComputedAt time.Time        `json:"computed_at"`
	Data       json.RawMessage  `json:"data"`
	Delta      json.RawMessage  `json:"delta,omitempty"`
}

func viewOf(record *core.MetricRecord) ReportView {
	return ReportView{
		Customer:   record.Customer,
		Scope:      record.Scope,
		Subject:    record.Subject,
		Type:       record.Type,
		Date:       record.Date,
		Archived:   record.Archived,
		ComputedAt: record.ComputedAt,
		Data:       record.Data,
		Delta:      record.Delta,
	}
}

func (s *Service) recordReport(ctx context.Context, req *Request) (Response, error) {
	kind, ok := reportKinds[req.Param("kind")]
	if !ok {
		return Response{}, vigilerrors.Newf(vigilerrors.KindNotFound, "no report family %s", req.Param("kind"))
	}
	customer, err := requireQuery(req, "customer")
	if err != nil {
		return Response{}, err
	}
	date, err := requireQuery(req, "date")
	if err != nil {
		return Response{}, err
	}
	record, err := s.reports.Record(ctx, customer, kind.scope, req.Param("subject"), kind.typ, date)
	if err != nil {
		return Response{}, err
	}
	return req.ok(viewOf(record))
}

// clevelReport reads the single customer-wide rollup; its subject is fixed
// so the path carries none.
func (s *Service) clevelReport(ctx context.Context, req *Request) (Response, error) {
	customer, err := requireQuery(req, "customer")
	if err != nil {
		return Response{}, err
	}
	date, err := requireQuery(req, "date")
	if err != nil {
		return Response{}, err
	}
	record, err := s.reports.Record(ctx, customer, core.MetricScopeCLevel, "customer", core.MetricTypeOverview, date)
	if err != nil {
		return Response{}, err
	}
	return req.ok(viewOf(record))
}

var weekPattern = regexp.MustCompile(`^\d{4}-W\d{2}$`)

// weekParam resolves the ISO week of a weekly route: either a literal week
// or derived from a date.
func weekParam(req *Request) (string, error) {
	if week := req.Query.Get("week"); week != "" {
		if !weekPattern.MatchString(week) {
			return "", vigilerrors.Validation("week must look like 2026-W34", "week")
		}
		return week, nil
	}
	if date := req.Query.Get("date"); date != "" {
		if err := findings.ValidateDate(date); err != nil {
			return "", err
		}
		t, _ := time.Parse(findings.DateLayout, date)
		return core.WeekOf(t), nil
	}
	return "", vigilerrors.Validation("week or date query parameter is required", "week")
}

// digestsReport lists the per-job digests one tenant produced in a week.
func (s *Service) digestsReport(ctx context.Context, req *Request) (Response, error) {
	customer, err := requireQuery(req, "customer")
	if err != nil {
		return Response{}, err
	}
	week, err := weekParam(req)
	if err != nil {
		return Response{}, err
	}
	stats, err := s.reports.WeeklyStatistics(ctx, customer, req.Param("tenant"), week)
	if err != nil {
		return Response{}, err
	}
	return collection(stats, "")
}

// ErrorsReport aggregates the error classes of one tenant's scan week.
type ErrorsReport struct {
	Customer     string         `json:"customer"`
	Tenant       string         `json:"tenant"`
	Week         string         `json:"week"`
	Jobs         int            `json:"jobs"`
	ErrorsByKind map[string]int `json:"errors_by_kind"`
	// Rules carries the per-kind counts of every rule that failed at least
	// once.
	Rules map[string]map[string]int `json:"rules,omitempty"`
}

func (s *Service) errorsReport(ctx context.Context, req *Request) (Response, error) {
	customer, err := requireQuery(req, "customer")
	if err != nil {
		return Response{}, err
	}
	week, err := weekParam(req)
	if err != nil {
		return Response{}, err
	}
	stats, err := s.reports.WeeklyStatistics(ctx, customer, req.Param("tenant"), week)
	if err != nil {
		return Response{}, err
	}
	report := ErrorsReport{
		Customer:     customer,
		Tenant:       req.Param("tenant"),
		Week:         week,
		Jobs:         len(stats),
		ErrorsByKind: map[string]int{},
	}
	for _, stat := range stats {
		for kind, n := range stat.ErrorsByKind {
			report.ErrorsByKind[kind] += n
		}
		for id, rule := range stat.Rules {
			if len(rule.ErrorsByKind) == 0 {
				continue
			}
			if report.Rules == nil {
				report.Rules = map[string]map[string]int{}
			}
			if report.Rules[id] == nil {
				report.Rules[id] = map[string]int{}
			}
			for kind, n := range rule.ErrorsByKind {
				report.Rules[id][kind] += n
			}
		}
	}
	return req.ok(report)
}

// rawReport streams a tenant's findings back out: a pinned scan date or the
// freshest one.
func (s *Service) rawReport(ctx context.Context, req *Request) (Response, error) {
	customer, err := requireQuery(req, "customer")
	if err != nil {
		return Response{}, err
	}
	t, err := s.tenants.Get(ctx, customer, req.Param("tenant"))
	if err != nil {
		return Response{}, err
	}
	var found []findings.Finding
	if date := req.Query.Get("date"); date != "" {
		found, err = s.findings.Read(ctx, t.Name, t.Cloud, date)
	} else {
		found, err = s.findings.ReadLatest(ctx, t.Name, t.Cloud)
	}
	if err != nil {
		return Response{}, err
	}
	return collection(found, "")
}

// diagnosticReport lists every partition status of a customer's reporting
// date, the failed ones included.
func (s *Service) diagnosticReport(ctx context.Context, req *Request) (Response, error) {
	customer, err := requireQuery(req, "customer")
	if err != nil {
		return Response{}, err
	}
	date, err := requireQuery(req, "date")
	if err != nil {
		return Response{}, err
	}
	statuses, err := s.reports.Statuses(ctx, customer, date)
	if err != nil {
		return Response{}, err
	}
	return collection(statuses, "")
}

func (s *Service) reportStatus(ctx context.Context, req *Request) (Response, error) {
	status, err := s.reports.Status(ctx, req.Param("id"))
	if err != nil {
		return Response{}, err
	}
	return req.ok(status)
}

// PushRequest re-pushes a customer's reports of a date through one
// integration kind.
type PushRequest struct {
	Customer string `json:"customer" validate:"required"`
	Date     string `json:"date" validate:"required"`
	Tenant   string `json:"tenant,omitempty"`
}

// PushReceipt acknowledges a push round: the status ids of every report
// that matched an activated integration. Sink failures do not surface here;
// they land on the status rows.
type PushReceipt struct {
	Reports []string `json:"reports"`
}

func (s *Service) pushDojo(ctx context.Context, req *Request) (Response, error) {
	dto := &PushRequest{}
	if err := decode(req.Body, dto); err != nil {
		return Response{}, err
	}
	ids, err := s.dispatcher.PushTo(ctx, dto.Customer, dto.Date, core.IntegrationDojo, dto.Tenant)
	if err != nil {
		return Response{}, err
	}
	return req.accepted(PushReceipt{Reports: ids})
}

// pushDojoForJob re-pushes the reports of the date a job finished on,
// narrowed to the job's tenant.
func (s *Service) pushDojoForJob(ctx context.Context, req *Request) (Response, error) {
	scan, err := s.jobs.Get(ctx, req.Param("job_id"))
	if err != nil {
		return Response{}, err
	}
	if scan.StoppedAt == nil {
		return Response{}, vigilerrors.Newf(vigilerrors.KindValidation, "job %s has not finished, nothing to push", scan.ID)
	}
	date := scan.StoppedAt.UTC().Format(findings.DateLayout)
	ids, err := s.dispatcher.PushTo(ctx, scan.Customer, date, core.IntegrationDojo, scan.Tenant)
	if err != nil {
		return Response{}, err
	}
	return req.accepted(PushReceipt{Reports: ids})
}
