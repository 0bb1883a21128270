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

// Package cloudadapter is the boundary between the scan engine and the cloud
// platforms. Adapters own every SDK call; the engine only enumerates and
// evaluates through them, so a platform can be swapped or faked wholesale.
package cloudadapter

import (
	"context"

	"github.com/vigilsec/vigil/pkg/apis/core"
	vigilerrors "github.com/vigilsec/vigil/pkg/errors"
	"github.com/vigilsec/vigil/pkg/providers/credentials"
)

// Resource is one enumerated cloud resource as presented to rule evaluation.
// ID is the stable descriptor for the resource (ARN, self-link, UID); two
// scans of the same resource must produce the same ID.
type Resource struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Region     string            `json:"region"`
	Tags       map[string]string `json:"tags,omitempty"`
	Attributes map[string]any    `json:"attributes,omitempty"`
}

// Adapter scans one cloud platform. Enumerate lists the resources of a
// service section in one region under the given credentials; Evaluate applies
// a single rule to a single resource and reports compliance.
type Adapter interface {
	Cloud() core.Cloud
	Enumerate(ctx context.Context, creds *credentials.Credentials, tenant *core.Tenant, serviceSection, region string) ([]Resource, error)
	Evaluate(ctx context.Context, rule *core.Rule, resource Resource) (bool, error)
}

// Registry resolves the adapter responsible for a cloud.
type Registry map[core.Cloud]Adapter

func NewRegistry(adapters ...Adapter) Registry {
	registry := make(Registry, len(adapters))
	for _, adapter := range adapters {
		registry[adapter.Cloud()] = adapter
	}
	return registry
}

func (r Registry) ForCloud(cloud core.Cloud) (Adapter, error) {
	adapter, ok := r[cloud]
	if !ok {
		return nil, vigilerrors.Newf(vigilerrors.KindValidation, "no cloud adapter registered for cloud %s", cloud)
	}
	return adapter, nil
}

// IsAuthFailure classifies an enumeration error as a regional authentication
// or authorization failure. Such failures fail the region, not the job.
func IsAuthFailure(err error) bool {
	return vigilerrors.IsUnauthorized(err) || vigilerrors.IsForbidden(err)
}
