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

// ActivateLicenseRequest registers a license key with the manager on behalf
// of a customer. Algorithm and signing key ref fall back to the provider
// defaults when absent.
type ActivateLicenseRequest struct {
	LicenseKey    string `json:"license_key" validate:"required"`
	Customer      string `json:"customer" validate:"required"`
	Algorithm     string `json:"algorithm,omitempty"`
	SigningKeyRef string `json:"signing_key_ref,omitempty"`
}

func (s *Service) activateLicense(ctx context.Context, req *Request) (Response, error) {
	dto := &ActivateLicenseRequest{}
	if err := decode(req.Body, dto); err != nil {
		return Response{}, err
	}
	activated, err := s.licenses.Activate(ctx, &core.License{
		LicenseKey:    dto.LicenseKey,
		Customer:      dto.Customer,
		Algorithm:     dto.Algorithm,
		SigningKeyRef: dto.SigningKeyRef,
	})
	if err != nil {
		return Response{}, err
	}
	return req.created(activated)
}

func (s *Service) listLicenses(ctx context.Context, req *Request) (Response, error) {
	customer, err := requireQuery(req, "customer")
	if err != nil {
		return Response{}, err
	}
	licenses, err := s.licenses.List(ctx, customer)
	if err != nil {
		return Response{}, err
	}
	return collection(licenses, "")
}

func (s *Service) getLicense(ctx context.Context, req *Request) (Response, error) {
	license, err := s.licenses.Get(ctx, req.Param("key"))
	if err != nil {
		return Response{}, err
	}
	return req.ok(license)
}

func (s *Service) deleteLicense(ctx context.Context, req *Request) (Response, error) {
	license, err := s.licenses.Get(ctx, req.Param("key"))
	if err != nil {
		return Response{}, err
	}
	if err := s.licenses.Delete(ctx, license.LicenseKey); err != nil {
		return Response{}, err
	}
	return req.ok(license)
}

// syncLicense refreshes the local mirror from the manager on demand instead
// of waiting for the resync schedule.
func (s *Service) syncLicense(ctx context.Context, req *Request) (Response, error) {
	license, err := s.licenses.Sync(ctx, req.Param("key"))
	if err != nil {
		return Response{}, err
	}
	return req.ok(license)
}

// ActivationRequest scopes a license to tenants. Either the whole customer
// or an explicit list; the provider rejects an empty scope.
type ActivationRequest struct {
	AllTenants bool     `json:"all_tenants,omitempty"`
	Tenants    []string `json:"tenants,omitempty"`
}

// ActivationUpdate carries partial activation changes. Pointer fields
// distinguish absent from cleared.
type ActivationUpdate struct {
	AllTenants *bool     `json:"all_tenants,omitempty"`
	Tenants    *[]string `json:"tenants,omitempty"`
}

func (s *Service) putActivation(ctx context.Context, req *Request) (Response, error) {
	license, err := s.licenses.Get(ctx, req.Param("key"))
	if err != nil {
		return Response{}, err
	}
	dto := &ActivationRequest{}
	if err := decode(req.Body, dto); err != nil {
		return Response{}, err
	}
	activation := &core.Activation{
		LicenseKey: license.LicenseKey,
		Customer:   license.Customer,
		AllTenants: dto.AllTenants,
		Tenants:    dto.Tenants,
	}
	if err := s.licenses.SetActivation(ctx, activation); err != nil {
		return Response{}, err
	}
	return req.ok(activation)
}

func (s *Service) getActivation(ctx context.Context, req *Request) (Response, error) {
	activation, err := s.licenses.GetActivation(ctx, req.Param("key"))
	if err != nil {
		return Response{}, err
	}
	return req.ok(activation)
}

func (s *Service) patchActivation(ctx context.Context, req *Request) (Response, error) {
	activation, err := s.licenses.GetActivation(ctx, req.Param("key"))
	if err != nil {
		return Response{}, err
	}
	dto := &ActivationUpdate{}
	if err := decode(req.Body, dto); err != nil {
		return Response{}, err
	}
	if dto.AllTenants != nil {
		activation.AllTenants = *dto.AllTenants
	}
	if dto.Tenants != nil {
		activation.Tenants = *dto.Tenants
	}
	if err := s.licenses.SetActivation(ctx, activation); err != nil {
		return Response{}, err
	}
	return req.ok(activation)
}

func (s *Service) deleteActivation(ctx context.Context, req *Request) (Response, error) {
	activation, err := s.licenses.GetActivation(ctx, req.Param("key"))
	if err != nil {
		return Response{}, err
	}
	if err := s.licenses.DeleteActivation(ctx, activation.LicenseKey); err != nil {
		return Response{}, err
	}
	return req.ok(activation)
}
