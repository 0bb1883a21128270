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

// License mirrors what the remote License Manager granted a customer: the
// rulesets it may scan with, on which clouds, under which quota. The signing
// key itself lives in the secret store; only its reference is recorded.
type License struct {
	LicenseKey string `json:"license_key" dynamodbav:"license_key"`
	Customer   string `json:"customer" dynamodbav:"customer"`

	AllowedRulesets []string `json:"allowed_rulesets,omitempty" dynamodbav:"allowed_rulesets,omitempty"`
	AllowedClouds   []Cloud  `json:"allowed_clouds,omitempty" dynamodbav:"allowed_clouds,omitempty"`

	// Quota is the granted scan budget per period; Balance is what is left.
	// Balance is decremented before a job starts and refunded only when
	// admission fails, never when execution fails.
	Quota   int `json:"quota" dynamodbav:"quota"`
	Balance int `json:"balance" dynamodbav:"balance"`

	Expiration    time.Time `json:"expiration" dynamodbav:"expiration"`
	SigningKeyRef string    `json:"signing_key_ref,omitempty" dynamodbav:"signing_key_ref,omitempty"`
	Algorithm     string    `json:"algorithm,omitempty" dynamodbav:"algorithm,omitempty"`
	// LicenseManagerID identifies the grant on the License Manager side.
	LicenseManagerID string `json:"license_manager_id,omitempty" dynamodbav:"license_manager_id,omitempty"`

	// NonceFloor is the highest request nonce issued under this license. It is
	// persisted so signatures stay strictly monotonic across restarts.
	NonceFloor int64 `json:"-" dynamodbav:"nonce_floor,omitempty"`

	SyncedAt time.Time `json:"synced_at" dynamodbav:"synced_at"`
}

// Expired reports whether the license has lapsed at the given instant.
func (l License) Expired(now time.Time) bool {
	return !l.Expiration.IsZero() && now.After(l.Expiration)
}

// Activation binds a license to tenants: either an explicit name set or all
// of the customer's tenants.
type Activation struct {
	LicenseKey string   `json:"license_key" dynamodbav:"license_key"`
	Customer   string   `json:"customer" dynamodbav:"customer"`
	AllTenants bool     `json:"all_tenants" dynamodbav:"all_tenants"`
	Tenants    []string `json:"tenants,omitempty" dynamodbav:"tenants,omitempty"`

	UpdatedAt time.Time `json:"updated_at" dynamodbav:"updated_at"`
}

// Covers reports whether the activation extends the license to the tenant.
func (a Activation) Covers(tenant string) bool {
	return a.AllTenants || lo.Contains(a.Tenants, tenant)
}
