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

package fake

import (
	"context"
	"sync"

	"github.com/samber/lo"

	"github.com/vigilsec/vigil/pkg/apis/core"
	"github.com/vigilsec/vigil/pkg/cloudadapter"
	"github.com/vigilsec/vigil/pkg/providers/credentials"
)

type EnumerateInput struct {
	Tenant         string
	ServiceSection string
	Region         string
}

type EvaluateInput struct {
	RuleID   string
	Resource cloudadapter.Resource
}

// CloudAdapter is an in-memory cloud. Tests seed resources per (service
// section, region) and mark which resources violate which rules; unseeded
// sections enumerate empty and unmarked resources evaluate compliant.
type CloudAdapter struct {
	EnumerateBehavior MockedFunction[EnumerateInput, []cloudadapter.Resource]
	EvaluateBehavior  MockedFunction[EvaluateInput, bool]

	cloud core.Cloud

	mu           sync.RWMutex
	inventory    map[string][]cloudadapter.Resource
	violations   map[string]map[string]struct{}
	regionErrors map[string]error
}

func NewCloudAdapter(cloud core.Cloud) *CloudAdapter {
	return &CloudAdapter{
		cloud:        cloud,
		inventory:    map[string][]cloudadapter.Resource{},
		violations:   map[string]map[string]struct{}{},
		regionErrors: map[string]error{},
	}
}

func (a *CloudAdapter) Reset() {
	a.EnumerateBehavior.Reset()
	a.EvaluateBehavior.Reset()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inventory = map[string][]cloudadapter.Resource{}
	a.violations = map[string]map[string]struct{}{}
	a.regionErrors = map[string]error{}
}

// Seed registers resources returned for one service section in one region.
func (a *CloudAdapter) Seed(serviceSection, region string, resources ...cloudadapter.Resource) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range resources {
		if resources[i].Region == "" {
			resources[i].Region = region
		}
	}
	a.inventory[inventoryKey(serviceSection, region)] = append(a.inventory[inventoryKey(serviceSection, region)], resources...)
}

// Violate marks resources as violating a rule; Evaluate reports them
// non-compliant.
func (a *CloudAdapter) Violate(ruleID string, resourceIDs ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.violations[ruleID] == nil {
		a.violations[ruleID] = map[string]struct{}{}
	}
	for _, id := range resourceIDs {
		a.violations[ruleID][id] = struct{}{}
	}
}

// FailRegion makes every enumeration in the region fail with err.
func (a *CloudAdapter) FailRegion(region string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.regionErrors[region] = err
}

func (a *CloudAdapter) Cloud() core.Cloud {
	if a.cloud == "" {
		return core.CloudAWS
	}
	return a.cloud
}

func (a *CloudAdapter) Enumerate(_ context.Context, _ *credentials.Credentials, tenant *core.Tenant, serviceSection, region string) ([]cloudadapter.Resource, error) {
	out, err := a.EnumerateBehavior.Invoke(&EnumerateInput{Tenant: tenant.Name, ServiceSection: serviceSection, Region: region},
		func(*EnumerateInput) (*[]cloudadapter.Resource, error) {
			a.mu.RLock()
			defer a.mu.RUnlock()
			if err := a.regionErrors[region]; err != nil {
				return nil, err
			}
			resources := append([]cloudadapter.Resource{}, a.inventory[inventoryKey(serviceSection, region)]...)
			return &resources, nil
		})
	if err != nil {
		return nil, err
	}
	return *out, nil
}

func (a *CloudAdapter) Evaluate(_ context.Context, rule *core.Rule, resource cloudadapter.Resource) (bool, error) {
	out, err := a.EvaluateBehavior.Invoke(&EvaluateInput{RuleID: rule.ID, Resource: resource},
		func(*EvaluateInput) (*bool, error) {
			a.mu.RLock()
			defer a.mu.RUnlock()
			_, violating := a.violations[rule.ID][resource.ID]
			return lo.ToPtr(!violating), nil
		})
	if err != nil {
		return false, err
	}
	return *out, nil
}

func inventoryKey(serviceSection, region string) string {
	return serviceSection + "\x1f" + region
}
