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

	"github.com/vigilsec/vigil/pkg/apis/core"
	"github.com/vigilsec/vigil/pkg/controllers/events"
	"github.com/vigilsec/vigil/pkg/controllers/job"
	vigilerrors "github.com/vigilsec/vigil/pkg/errors"
	"github.com/vigilsec/vigil/pkg/providers/credentials"
)

// SubmitJobRequest is the wire shape of a scan submission. Credentials ride
// the request only; they are handed to the resolver in memory and never
// persisted.
type SubmitJobRequest struct {
	Customer     string              `json:"customer" validate:"required"`
	Tenant       string              `json:"tenant" validate:"required"`
	Regions      []string            `json:"regions,omitempty"`
	Rulesets     []string            `json:"rulesets" validate:"required,min=1"`
	RuleIDs      []string            `json:"rule_ids,omitempty"`
	TimeoutHours float64             `json:"timeout_hours,omitempty" validate:"omitempty,gte=0"`
	Credentials  *RequestCredentials `json:"credentials,omitempty"`
}

// RequestCredentials carries caller-supplied short-lived cloud credentials.
type RequestCredentials struct {
	AccessKeyID  string `json:"access_key_id" validate:"required"`
	SecretKey    string `json:"secret_key" validate:"required"`
	SessionToken string `json:"session_token,omitempty"`
}

func (s *Service) submitJob(ctx context.Context, req *Request) (Response, error) {
	return s.submit(ctx, req, core.JobTypeManual)
}

// submitPlatformJob submits a scan of a registered kubernetes tenant. The
// flow is the manual one with the type pinned.
func (s *Service) submitPlatformJob(ctx context.Context, req *Request) (Response, error) {
	return s.submit(ctx, req, core.JobTypeK8s)
}

func (s *Service) submit(ctx context.Context, req *Request, typ core.JobType) (Response, error) {
	dto := &SubmitJobRequest{}
	if err := decode(req.Body, dto); err != nil {
		return Response{}, err
	}
	var creds *credentials.Credentials
	if dto.Credentials != nil {
		creds = &credentials.Credentials{
			AccessKeyID:  dto.Credentials.AccessKeyID,
			SecretKey:    dto.Credentials.SecretKey,
			SessionToken: dto.Credentials.SessionToken,
		}
	}
	submitted, err := s.jobs.Submit(ctx, &core.JobRequest{
		Customer:     dto.Customer,
		Tenant:       dto.Tenant,
		Type:         typ,
		Regions:      dto.Regions,
		Rulesets:     dto.Rulesets,
		RuleIDs:      dto.RuleIDs,
		TimeoutHours: dto.TimeoutHours,
	}, creds)
	if err != nil {
		return Response{}, err
	}
	return req.accepted(submitted)
}

func (s *Service) getJob(ctx context.Context, req *Request) (Response, error) {
	scan, err := s.jobs.Get(ctx, req.Param("id"))
	if err != nil {
		return Response{}, err
	}
	return req.ok(scan)
}

func (s *Service) listJobs(ctx context.Context, req *Request) (Response, error) {
	limit, err := limitParam(req)
	if err != nil {
		return Response{}, err
	}
	jobs, nextToken, err := s.jobs.Query(ctx, job.Filter{
		Customer:  req.Query.Get("customer"),
		Tenant:    req.Query.Get("tenant"),
		Status:    core.JobStatus(req.Query.Get("status")),
		Type:      core.JobType(req.Query.Get("type")),
		Limit:     limit,
		NextToken: req.Query.Get("next_token"),
	})
	if err != nil {
		return Response{}, err
	}
	return collection(jobs, nextToken)
}

func (s *Service) terminateJob(ctx context.Context, req *Request) (Response, error) {
	scan, err := s.jobs.Terminate(ctx, req.Param("id"))
	if err != nil {
		return Response{}, err
	}
	return req.ok(scan)
}

// ingestEvent accepts one bus notification. The envelope is decoded
// leniently: bus payloads grow fields over time and a delivery must not
// bounce on one we do not know. Semantic validation happens in Ingest.
func (s *Service) ingestEvent(ctx context.Context, req *Request) (Response, error) {
	envelope := events.Envelope{}
	if err := json.Unmarshal(req.Body, &envelope); err != nil {
		return Response{}, vigilerrors.Validation("event envelope is not valid json")
	}
	event, err := s.events.Ingest(ctx, envelope)
	if err != nil {
		return Response{}, err
	}
	return req.accepted(event)
}
