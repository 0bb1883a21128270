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

	"github.com/vigilsec/vigil/pkg/apis/core"
)

// ScheduleRequest creates a recurring scan. The template is what each tick
// submits, minus customer and type, which the schedule supplies.
type ScheduleRequest struct {
	Name       string      `json:"name" validate:"required"`
	Customer   string      `json:"customer" validate:"required"`
	Expression string      `json:"expression" validate:"required"`
	Template   JobTemplate `json:"template"`
	Enabled    bool        `json:"enabled"`
}

type JobTemplate struct {
	Tenant       string   `json:"tenant" validate:"required"`
	Regions      []string `json:"regions,omitempty"`
	Rulesets     []string `json:"rulesets" validate:"required,min=1"`
	RuleIDs      []string `json:"rule_ids,omitempty"`
	TimeoutHours float64  `json:"timeout_hours,omitempty" validate:"omitempty,gte=0"`
}

// ScheduleUpdate carries the mutable fields of a schedule. Absent fields
// keep their stored values; Enabled is a pointer so false can be said.
type ScheduleUpdate struct {
	Expression string       `json:"expression,omitempty"`
	Template   *JobTemplate `json:"template,omitempty"`
	Enabled    *bool        `json:"enabled,omitempty"`
}

func templateRequest(customer string, t JobTemplate) core.JobRequest {
	return core.JobRequest{
		Customer:     customer,
		Tenant:       t.Tenant,
		Regions:      t.Regions,
		Rulesets:     t.Rulesets,
		RuleIDs:      t.RuleIDs,
		TimeoutHours: t.TimeoutHours,
	}
}

func (s *Service) createSchedule(ctx context.Context, req *Request) (Response, error) {
	dto := &ScheduleRequest{}
	if err := decode(req.Body, dto); err != nil {
		return Response{}, err
	}
	schedule := &core.ScheduledJob{
		Name:       dto.Name,
		Customer:   dto.Customer,
		Expression: dto.Expression,
		Template:   templateRequest(dto.Customer, dto.Template),
		Enabled:    dto.Enabled,
	}
	if err := s.schedules.Create(ctx, schedule); err != nil {
		return Response{}, err
	}
	return req.created(schedule)
}

func (s *Service) listSchedules(ctx context.Context, req *Request) (Response, error) {
	customer, err := requireQuery(req, "customer")
	if err != nil {
		return Response{}, err
	}
	limit, err := limitParam(req)
	if err != nil {
		return Response{}, err
	}
	schedules, nextToken, err := s.schedules.List(ctx, customer, limit, req.Query.Get("next_token"))
	if err != nil {
		return Response{}, err
	}
	return collection(schedules, nextToken)
}

func (s *Service) getSchedule(ctx context.Context, req *Request) (Response, error) {
	customer, err := requireQuery(req, "customer")
	if err != nil {
		return Response{}, err
	}
	schedule, err := s.schedules.Get(ctx, customer, req.Param("name"))
	if err != nil {
		return Response{}, err
	}
	return req.ok(schedule)
}

func (s *Service) updateSchedule(ctx context.Context, req *Request) (Response, error) {
	customer, err := requireQuery(req, "customer")
	if err != nil {
		return Response{}, err
	}
	schedule, err := s.schedules.Get(ctx, customer, req.Param("name"))
	if err != nil {
		return Response{}, err
	}
	dto := &ScheduleUpdate{}
	if err := decode(req.Body, dto); err != nil {
		return Response{}, err
	}
	if dto.Expression != "" {
		schedule.Expression = dto.Expression
	}
	if dto.Template != nil {
		schedule.Template = templateRequest(customer, *dto.Template)
	}
	if dto.Enabled != nil {
		schedule.Enabled = *dto.Enabled
	}
	if err := s.schedules.Update(ctx, schedule); err != nil {
		return Response{}, err
	}
	return req.ok(schedule)
}

func (s *Service) deleteSchedule(ctx context.Context, req *Request) (Response, error) {
	customer, err := requireQuery(req, "customer")
	if err != nil {
		return Response{}, err
	}
	schedule, err := s.schedules.Get(ctx, customer, req.Param("name"))
	if err != nil {
		return Response{}, err
	}
	if err := s.schedules.Delete(ctx, customer, schedule.Name); err != nil {
		return Response{}, err
	}
	return req.ok(schedule)
}
