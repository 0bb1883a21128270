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
	"fmt"
	"strconv"

	"github.com/vigilsec/vigil/pkg/apis/core"
	vigilerrors "github.com/vigilsec/vigil/pkg/errors"
	"github.com/vigilsec/vigil/pkg/providers/ruleset"
)

// AssembleRulesetRequest names the ruleset to build and how to select its
// rules. Assembly is synchronous; the response carries the outcome.
type AssembleRulesetRequest struct {
	Customer    string          `json:"customer" validate:"required"`
	Cloud       string          `json:"cloud" validate:"required,oneof=aws azure gcp kubernetes"`
	Name        string          `json:"name" validate:"required"`
	DisplayName string          `json:"display_name,omitempty"`
	Licensed    bool            `json:"licensed,omitempty"`
	LicenseKeys []string        `json:"license_keys,omitempty"`
	Selector    RulesetSelector `json:"selector"`
}

type RulesetSelector struct {
	AllForCloud    bool     `json:"all_for_cloud,omitempty"`
	Standard       string   `json:"standard,omitempty"`
	ServiceSection string   `json:"service_section,omitempty"`
	RuleIDs        []string `json:"rule_ids,omitempty"`
	GitProjectID   string   `json:"git_project_id,omitempty"`
	GitRef         string   `json:"git_ref,omitempty"`
}

// ReleaseRulesetRequest publishes an assembled version as the active
// default of its name.
type ReleaseRulesetRequest struct {
	Customer    string `json:"customer" validate:"required"`
	Cloud       string `json:"cloud" validate:"required,oneof=aws azure gcp kubernetes"`
	Name        string `json:"name" validate:"required"`
	Version     int    `json:"version" validate:"required,gt=0"`
	DisplayName string `json:"display_name,omitempty"`
	Overwrite   bool   `json:"overwrite,omitempty"`
}

// ActivateRulesetRequest switches the active default to an already released
// version.
type ActivateRulesetRequest struct {
	Customer string `json:"customer" validate:"required"`
	Cloud    string `json:"cloud" validate:"required,oneof=aws azure gcp kubernetes"`
	Name     string `json:"name" validate:"required"`
	Version  int    `json:"version" validate:"required,gt=0"`
}

func (s *Service) assembleRuleset(ctx context.Context, req *Request) (Response, error) {
	dto := &AssembleRulesetRequest{}
	if err := decode(req.Body, dto); err != nil {
		return Response{}, err
	}
	rs, err := s.rulesets.Assemble(ctx, ruleset.AssembleRequest{
		Customer:    dto.Customer,
		Cloud:       core.Cloud(dto.Cloud),
		Name:        dto.Name,
		DisplayName: dto.DisplayName,
		Licensed:    dto.Licensed,
		LicenseKeys: dto.LicenseKeys,
		Selector: ruleset.Selector{
			AllForCloud:    dto.Selector.AllForCloud,
			Standard:       dto.Selector.Standard,
			ServiceSection: dto.Selector.ServiceSection,
			RuleIDs:        dto.Selector.RuleIDs,
			GitProjectID:   dto.Selector.GitProjectID,
			GitRef:         dto.Selector.GitRef,
		},
	})
	if err != nil {
		return Response{}, err
	}
	return req.created(rs)
}

func (s *Service) releaseRuleset(ctx context.Context, req *Request) (Response, error) {
	dto := &ReleaseRulesetRequest{}
	if err := decode(req.Body, dto); err != nil {
		return Response{}, err
	}
	rs, err := s.rulesets.Release(ctx, dto.Customer, core.Cloud(dto.Cloud), dto.Name, dto.Version, dto.DisplayName, dto.Overwrite)
	if err != nil {
		return Response{}, err
	}
	return req.ok(rs)
}

func (s *Service) activateRuleset(ctx context.Context, req *Request) (Response, error) {
	dto := &ActivateRulesetRequest{}
	if err := decode(req.Body, dto); err != nil {
		return Response{}, err
	}
	rs, err := s.rulesets.Activate(ctx, dto.Customer, core.Cloud(dto.Cloud), dto.Name, dto.Version)
	if err != nil {
		return Response{}, err
	}
	return req.ok(rs)
}

// getRulesets serves the browse modes off one path: a customer's catalog,
// one name's version history, a pinned version, or the active default.
func (s *Service) getRulesets(ctx context.Context, req *Request) (Response, error) {
	customer, err := requireQuery(req, "customer")
	if err != nil {
		return Response{}, err
	}
	name := req.Query.Get("name")
	if name == "" {
		limit, err := limitParam(req)
		if err != nil {
			return Response{}, err
		}
		rulesets, nextToken, err := s.rulesets.List(ctx, customer, limit, req.Query.Get("next_token"))
		if err != nil {
			return Response{}, err
		}
		return collection(rulesets, nextToken)
	}
	cloud, err := cloudParam(req.Query.Get("cloud"))
	if err != nil {
		return Response{}, err
	}
	if raw := req.Query.Get("version"); raw != "" {
		version, err := versionParam(raw)
		if err != nil {
			return Response{}, err
		}
		rs, err := s.rulesets.Get(ctx, customer, cloud, name, version)
		if err != nil {
			return Response{}, err
		}
		return req.ok(rs)
	}
	if req.Query.Get("active") == "true" {
		rs, err := s.rulesets.GetActive(ctx, customer, cloud, name)
		if err != nil {
			return Response{}, err
		}
		return req.ok(rs)
	}
	versions, err := s.rulesets.Versions(ctx, customer, cloud, name)
	if err != nil {
		return Response{}, err
	}
	return collection(versions, "")
}

func (s *Service) deleteRuleset(ctx context.Context, req *Request) (Response, error) {
	customer, err := requireQuery(req, "customer")
	if err != nil {
		return Response{}, err
	}
	name, err := requireQuery(req, "name")
	if err != nil {
		return Response{}, err
	}
	cloud, err := cloudParam(req.Query.Get("cloud"))
	if err != nil {
		return Response{}, err
	}
	raw, err := requireQuery(req, "version")
	if err != nil {
		return Response{}, err
	}
	version, err := versionParam(raw)
	if err != nil {
		return Response{}, err
	}
	rs, err := s.rulesets.Get(ctx, customer, cloud, name, version)
	if err != nil {
		return Response{}, err
	}
	if err := s.rulesets.Delete(ctx, customer, cloud, name, version); err != nil {
		return Response{}, err
	}
	return req.ok(rs)
}

func cloudParam(raw string) (core.Cloud, error) {
	cloud := core.Cloud(raw)
	if !cloud.Valid() {
		return "", vigilerrors.Validation(fmt.Sprintf("cloud %q is not supported", raw), "cloud")
	}
	return cloud, nil
}

func versionParam(raw string) (int, error) {
	version, err := strconv.Atoi(raw)
	if err != nil || version <= 0 {
		return 0, vigilerrors.Validation("version must be a positive integer", "version")
	}
	return version, nil
}

// RuleSourceRequest registers or updates a git-backed rule source.
type RuleSourceRequest struct {
	ID          string `json:"id,omitempty"`
	Customer    string `json:"customer" validate:"required"`
	GitURL      string `json:"git_url,omitempty" validate:"omitempty,url"`
	GitRef      string `json:"git_ref,omitempty"`
	GitPrefix   string `json:"git_prefix,omitempty"`
	ReleaseTag  string `json:"release_tag,omitempty"`
	SecretName  string `json:"secret_name,omitempty"`
	Priority    int    `json:"priority,omitempty" validate:"omitempty,gte=0"`
	Description string `json:"description,omitempty"`
}

func (r *RuleSourceRequest) source() *core.RuleSource {
	return &core.RuleSource{
		ID:          r.ID,
		Customer:    r.Customer,
		GitURL:      r.GitURL,
		GitRef:      r.GitRef,
		GitPrefix:   r.GitPrefix,
		ReleaseTag:  r.ReleaseTag,
		SecretName:  r.SecretName,
		Priority:    r.Priority,
		Description: r.Description,
	}
}

func (s *Service) createRuleSource(ctx context.Context, req *Request) (Response, error) {
	dto := &RuleSourceRequest{}
	if err := decode(req.Body, dto); err != nil {
		return Response{}, err
	}
	source := dto.source()
	if err := s.sources.Create(ctx, source); err != nil {
		return Response{}, err
	}
	return req.created(source)
}

func (s *Service) getRuleSources(ctx context.Context, req *Request) (Response, error) {
	if id := req.Query.Get("id"); id != "" {
		source, err := s.sources.Get(ctx, id)
		if err != nil {
			return Response{}, err
		}
		return req.ok(source)
	}
	customer, err := requireQuery(req, "customer")
	if err != nil {
		return Response{}, err
	}
	limit, err := limitParam(req)
	if err != nil {
		return Response{}, err
	}
	sources, nextToken, err := s.sources.List(ctx, customer, limit, req.Query.Get("next_token"))
	if err != nil {
		return Response{}, err
	}
	return collection(sources, nextToken)
}

func (s *Service) updateRuleSource(ctx context.Context, req *Request) (Response, error) {
	dto := &RuleSourceRequest{}
	if err := decode(req.Body, dto); err != nil {
		return Response{}, err
	}
	if dto.ID == "" {
		return Response{}, vigilerrors.Validation("id is required", "id")
	}
	source := dto.source()
	if err := s.sources.Update(ctx, source); err != nil {
		return Response{}, err
	}
	return req.ok(source)
}

func (s *Service) deleteRuleSource(ctx context.Context, req *Request) (Response, error) {
	id, err := requireQuery(req, "id")
	if err != nil {
		return Response{}, err
	}
	source, err := s.sources.Get(ctx, id)
	if err != nil {
		return Response{}, err
	}
	if err := s.sources.Delete(ctx, id); err != nil {
		return Response{}, err
	}
	return req.ok(source)
}

// SyncRuleSourceRequest triggers one source's catalog refresh.
type SyncRuleSourceRequest struct {
	ID string `json:"id" validate:"required"`
}

func (s *Service) syncRuleSource(ctx context.Context, req *Request) (Response, error) {
	dto := &SyncRuleSourceRequest{}
	if err := decode(req.Body, dto); err != nil {
		return Response{}, err
	}
	result, err := s.sources.Sync(ctx, dto.ID)
	if err != nil {
		return Response{}, err
	}
	return req.ok(result)
}
