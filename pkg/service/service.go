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

// Package service is the REST surface of the platform. It owns request
// decoding, validation and the response envelope contract, and hands every
// operation to the controller or provider that implements it. The package
// speaks in terms of Request and Response values so any transport that can
// produce a method, a path and a body can drive it.
package service

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/vigilsec/vigil/pkg/controllers/events"
	"github.com/vigilsec/vigil/pkg/controllers/job"
	"github.com/vigilsec/vigil/pkg/controllers/scheduledjob"
	"github.com/vigilsec/vigil/pkg/delivery"
	vigilerrors "github.com/vigilsec/vigil/pkg/errors"
	"github.com/vigilsec/vigil/pkg/findings"
	"github.com/vigilsec/vigil/pkg/logging"
	"github.com/vigilsec/vigil/pkg/providers/license"
	"github.com/vigilsec/vigil/pkg/providers/rulesource"
	"github.com/vigilsec/vigil/pkg/providers/ruleset"
	"github.com/vigilsec/vigil/pkg/providers/tenant"
	"github.com/vigilsec/vigil/pkg/reports"
)

// Request is one API call, already lifted out of its transport.
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	Body    []byte
	TraceID string

	params map[string]string
}

// Param returns a path parameter captured during routing.
func (r *Request) Param(name string) string {
	return r.params[name]
}

// Response is a complete reply: the status code and a body that marshals to
// the envelope contract.
type Response struct {
	Status int
	Body   any
}

// Service routes requests to the platform's controllers and providers.
type Service struct {
	jobs       *job.Controller
	events     *events.Controller
	schedules  *scheduledjob.Controller
	rulesets   ruleset.Provider
	sources    rulesource.Provider
	licenses   license.Provider
	tenants    tenant.Provider
	reports    *reports.Engine
	findings   *findings.Store
	dispatcher *delivery.Dispatcher
	routes     []route
}

func NewService(jobs *job.Controller, eventsController *events.Controller, schedules *scheduledjob.Controller,
	rulesets ruleset.Provider, sources rulesource.Provider, licenses license.Provider, tenants tenant.Provider,
	engine *reports.Engine, findingsStore *findings.Store, dispatcher *delivery.Dispatcher) *Service {
	s := &Service{
		jobs:       jobs,
		events:     eventsController,
		schedules:  schedules,
		rulesets:   rulesets,
		sources:    sources,
		licenses:   licenses,
		tenants:    tenants,
		reports:    engine,
		findings:   findingsStore,
		dispatcher: dispatcher,
	}
	s.routes = s.routeTable()
	return s
}

type handlerFunc func(ctx context.Context, req *Request) (Response, error)

type route struct {
	method  string
	pattern []string
	handle  handlerFunc
}

// routeTable lists every operation. First match wins, so literal segments
// must precede parameter captures sharing a prefix.
func (s *Service) routeTable() []route {
	r := func(method, pattern string, handle handlerFunc) route {
		return route{method: method, pattern: strings.Split(strings.Trim(pattern, "/"), "/"), handle: handle}
	}
	return []route{
		r(http.MethodPost, "/jobs/k8s", s.submitPlatformJob),
		r(http.MethodPost, "/jobs", s.submitJob),
		r(http.MethodGet, "/jobs", s.listJobs),
		r(http.MethodGet, "/jobs/{id}", s.getJob),
		r(http.MethodDelete, "/jobs/{id}", s.terminateJob),

		r(http.MethodPost, "/event", s.ingestEvent),

		r(http.MethodPost, "/scheduled-job", s.createSchedule),
		r(http.MethodGet, "/scheduled-job", s.listSchedules),
		r(http.MethodGet, "/scheduled-job/{name}", s.getSchedule),
		r(http.MethodPatch, "/scheduled-job/{name}", s.updateSchedule),
		r(http.MethodDelete, "/scheduled-job/{name}", s.deleteSchedule),

		r(http.MethodPost, "/rulesets/release", s.releaseRuleset),
		r(http.MethodPost, "/rulesets", s.assembleRuleset),
		r(http.MethodGet, "/rulesets", s.getRulesets),
		r(http.MethodPatch, "/rulesets", s.activateRuleset),
		r(http.MethodDelete, "/rulesets", s.deleteRuleset),

		r(http.MethodPost, "/rule-sources/sync", s.syncRuleSource),
		r(http.MethodPost, "/rule-sources", s.createRuleSource),
		r(http.MethodGet, "/rule-sources", s.getRuleSources),
		r(http.MethodPatch, "/rule-sources", s.updateRuleSource),
		r(http.MethodDelete, "/rule-sources", s.deleteRuleSource),

		r(http.MethodPost, "/licenses", s.activateLicense),
		r(http.MethodGet, "/licenses", s.listLicenses),
		r(http.MethodGet, "/licenses/{key}", s.getLicense),
		r(http.MethodDelete, "/licenses/{key}", s.deleteLicense),
		r(http.MethodPost, "/licenses/{key}/sync", s.syncLicense),
		r(http.MethodPut, "/licenses/{key}/activation", s.putActivation),
		r(http.MethodGet, "/licenses/{key}/activation", s.getActivation),
		r(http.MethodPatch, "/licenses/{key}/activation", s.patchActivation),
		r(http.MethodDelete, "/licenses/{key}/activation", s.deleteActivation),

		r(http.MethodGet, "/reports/status/{id}", s.reportStatus),
		r(http.MethodPost, "/reports/push/dojo/{job_id}", s.pushDojoForJob),
		r(http.MethodPost, "/reports/push/dojo", s.pushDojo),
		r(http.MethodGet, "/reports/clevel", s.clevelReport),
		r(http.MethodGet, "/reports/diagnostic", s.diagnosticReport),
		r(http.MethodGet, "/reports/digests/{tenant}", s.digestsReport),
		r(http.MethodGet, "/reports/errors/{tenant}", s.errorsReport),
		r(http.MethodGet, "/reports/raw/{tenant}", s.rawReport),
		r(http.MethodGet, "/reports/{kind}/{subject}", s.recordReport),

		r(http.MethodGet, "/health", s.health),
		r(http.MethodGet, "/health/{id}", s.healthOf),
	}
}

// Handle routes one request. The response is always complete and writable,
// the error envelope included; the returned error repeats the domain failure
// already classified, so transports can log or count without reparsing the
// body.
func (s *Service) Handle(ctx context.Context, req *Request) (Response, error) {
	if req.TraceID == "" {
		req.TraceID = uuid.NewString()
	}
	segments := strings.Split(strings.Trim(req.Path, "/"), "/")
	for _, rt := range s.routes {
		if rt.method != req.Method {
			continue
		}
		params, ok := match(rt.pattern, segments)
		if !ok {
			continue
		}
		req.params = params
		resp, err := rt.handle(ctx, req)
		if err != nil {
			if vigilerrors.HTTPStatus(err) >= http.StatusInternalServerError {
				logging.FromContext(ctx).With("trace_id", req.TraceID).Errorf("handling %s %s: %s", req.Method, req.Path, err)
			}
			return errorResponse(req.TraceID, err), err
		}
		return resp, nil
	}
	err := vigilerrors.Newf(vigilerrors.KindNotFound, "no route for %s %s", req.Method, req.Path)
	return errorResponse(req.TraceID, err), err
}

func match(pattern, segments []string) (map[string]string, bool) {
	if len(pattern) != len(segments) {
		return nil, false
	}
	var params map[string]string
	for i, part := range pattern {
		if strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") {
			if segments[i] == "" {
				return nil, false
			}
			if params == nil {
				params = map[string]string{}
			}
			params[strings.Trim(part, "{}")] = segments[i]
			continue
		}
		if part != segments[i] {
			return nil, false
		}
	}
	return params, true
}

// health is the liveness probe.
func (s *Service) health(ctx context.Context, req *Request) (Response, error) {
	return req.ok(map[string]string{"status": "ok"})
}

// HealthView is the poll target for callers holding an id a 202 response
// handed back: jobs and report partitions both answer here.
type HealthView struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func (s *Service) healthOf(ctx context.Context, req *Request) (Response, error) {
	id := req.Param("id")
	scan, err := s.jobs.Get(ctx, id)
	if err == nil {
		return req.ok(HealthView{ID: scan.ID, Kind: "job", Status: string(scan.Status), Reason: scan.Reason})
	}
	if !vigilerrors.IsNotFound(err) {
		return Response{}, err
	}
	status, err := s.reports.Status(ctx, id)
	if err != nil {
		if vigilerrors.IsNotFound(err) {
			return Response{}, vigilerrors.Newf(vigilerrors.KindNotFound, "no job or report with id %s", id)
		}
		return Response{}, err
	}
	return req.ok(HealthView{ID: status.ID, Kind: "report", Status: string(status.State), Reason: status.Reason})
}
