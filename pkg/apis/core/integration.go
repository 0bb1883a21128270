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

package core

import (
	"time"

	"github.com/samber/lo"
)

// IntegrationKind names the wire dialect an integration endpoint speaks.
type IntegrationKind string

const (
	IntegrationDojo      IntegrationKind = "dojo"
	IntegrationChronicle IntegrationKind = "chronicle"
)

// Integration is an HTTP push destination for rendered reports. The
// activation binds it to a set of tenants, mirroring license activations:
// either an explicit name list or every tenant of the customer. The
// credential never lands in the table; SecretRef points into the secret
// store.
type Integration struct {
	ID       string          `json:"id" dynamodbav:"id"`
	Customer string          `json:"customer" dynamodbav:"customer"`
	Kind     IntegrationKind `json:"kind" dynamodbav:"kind"`
	Endpoint string          `json:"endpoint" dynamodbav:"endpoint"`

	SecretRef string `json:"secret_ref,omitempty" dynamodbav:"secret_ref,omitempty"`

	AllTenants bool     `json:"all_tenants" dynamodbav:"all_tenants"`
	Tenants    []string `json:"tenants,omitempty" dynamodbav:"tenants,omitempty"`

	Enabled   bool      `json:"enabled" dynamodbav:"enabled"`
	CreatedAt time.Time `json:"created_at" dynamodbav:"created_at"`
}

// Covers reports whether the integration is activated for the tenant.
func (i Integration) Covers(tenant string) bool {
	return i.AllTenants || lo.Contains(i.Tenants, tenant)
}
