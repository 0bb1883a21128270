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
	"strings"
	"time"

	"github.com/samber/lo"
)

// Cloud identifies the platform a tenant lives on. A tenant has exactly one.
type Cloud string

const (
	CloudAWS        Cloud = "aws"
	CloudAzure      Cloud = "azure"
	CloudGCP        Cloud = "gcp"
	CloudKubernetes Cloud = "kubernetes"
)

var allClouds = []Cloud{CloudAWS, CloudAzure, CloudGCP, CloudKubernetes}

func (c Cloud) Valid() bool {
	for _, known := range allClouds {
		if c == known {
			return true
		}
	}
	return false
}

// Severity buckets findings and statistics. Order matters for report
// rollups: later entries outrank earlier ones.
type Severity string

const (
	SeverityInfo     Severity = "Info"
	SeverityLow      Severity = "Low"
	SeverityMedium   Severity = "Medium"
	SeverityHigh     Severity = "High"
	SeverityCritical Severity = "Critical"
)

// Severities lists all severities from least to most severe.
var Severities = []Severity{SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

func (s Severity) Valid() bool {
	return lo.Contains(Severities, s)
}

// Rank orders severities for rollups; higher is more severe. Unknown
// severities rank below Info.
func (s Severity) Rank() int {
	return lo.IndexOf(Severities, s)
}

// Customer is the top-level tenant boundary. Customers are created
// externally and referenced by name everywhere else.
type Customer struct {
	Name        string    `json:"name" dynamodbav:"name"`
	DisplayName string    `json:"display_name" dynamodbav:"display_name"`
	Admins      []string  `json:"admins,omitempty" dynamodbav:"admins,omitempty"`
	SendReports bool      `json:"send_reports" dynamodbav:"send_reports"`
	CreatedAt   time.Time `json:"created_at" dynamodbav:"created_at"`
}

// Contacts carries the notification targets attached to a tenant.
type Contacts struct {
	Primary   []string `json:"primary,omitempty" dynamodbav:"primary,omitempty"`
	Secondary []string `json:"secondary,omitempty" dynamodbav:"secondary,omitempty"`
	Manager   []string `json:"manager,omitempty" dynamodbav:"manager,omitempty"`
}

// Tenant is one cloud account: an AWS account, an Azure subscription, a GCP
// project or a Kubernetes cluster. Name is unique within a customer;
// CloudIdentifier is unique per cloud within a customer.
type Tenant struct {
	Customer        string   `json:"customer" dynamodbav:"customer"`
	Name            string   `json:"name" dynamodbav:"name"`
	Cloud           Cloud    `json:"cloud" dynamodbav:"cloud"`
	CloudIdentifier string   `json:"cloud_identifier" dynamodbav:"cloud_identifier"`
	ActiveRegions   []string `json:"active_regions,omitempty" dynamodbav:"active_regions,omitempty"`
	Contacts        Contacts `json:"contacts,omitempty" dynamodbav:"contacts,omitempty"`
	// Project clusters tenants for project-level reports.
	Project   string    `json:"project,omitempty" dynamodbav:"project,omitempty"`
	Activated bool      `json:"activated" dynamodbav:"activated"`
	CreatedAt time.Time `json:"created_at" dynamodbav:"created_at"`

	// CurrentJob is the tenant-job lock: the id of the only job allowed to
	// run against this tenant right now. Empty means unlocked. Mutated only
	// through conditional writes.
	CurrentJob string `json:"current_job,omitempty" dynamodbav:"current_job,omitempty"`
}

// ApplicationType distinguishes how a credentials application authenticates.
type ApplicationType string

const (
	ApplicationTypeStaticKeys ApplicationType = "static_keys"
	ApplicationTypeRoleARN    ApplicationType = "role_arn"
)

// Application is a credentials-access application linked to a tenant or, when
// Tenant is empty, to the whole customer. Static keys are referenced through
// the secret store and never embedded.
type Application struct {
	ID         string          `json:"id" dynamodbav:"id"`
	Customer   string          `json:"customer" dynamodbav:"customer"`
	Tenant     string          `json:"tenant,omitempty" dynamodbav:"tenant,omitempty"`
	Cloud      Cloud           `json:"cloud" dynamodbav:"cloud"`
	Type       ApplicationType `json:"type" dynamodbav:"type"`
	RoleARN    string          `json:"role_arn,omitempty" dynamodbav:"role_arn,omitempty"`
	SecretName string          `json:"secret_name,omitempty" dynamodbav:"secret_name,omitempty"`
	CreatedAt  time.Time       `json:"created_at" dynamodbav:"created_at"`
}

// Exception suppresses findings from reports for a customer or a single
// tenant. Expired exceptions are ignored.
type Exception struct {
	ID               string    `json:"id" dynamodbav:"id"`
	Customer         string    `json:"customer" dynamodbav:"customer"`
	Tenant           string    `json:"tenant,omitempty" dynamodbav:"tenant,omitempty"`
	ResourceSelector string    `json:"resource_selector,omitempty" dynamodbav:"resource_selector,omitempty"`
	RuleIDs          []string  `json:"rule_ids,omitempty" dynamodbav:"rule_ids,omitempty"`
	Expiration       time.Time `json:"expiration" dynamodbav:"expiration"`
}

// Matches reports whether a finding for the given rule, tenant and resource
// descriptor is suppressed by this exception at the given instant.
func (e Exception) Matches(tenant, ruleID, resource string, now time.Time) bool {
	if !e.Expiration.IsZero() && now.After(e.Expiration) {
		return false
	}
	if e.Tenant != "" && e.Tenant != tenant {
		return false
	}
	if len(e.RuleIDs) > 0 && !lo.Contains(e.RuleIDs, ruleID) {
		return false
	}
	if e.ResourceSelector != "" && !selectorMatches(e.ResourceSelector, resource) {
		return false
	}
	return true
}

// selectorMatches supports exact matches and a single trailing wildcard,
// which covers every selector shape the API accepts.
func selectorMatches(selector, resource string) bool {
	if strings.HasSuffix(selector, "*") {
		return strings.HasPrefix(resource, strings.TrimSuffix(selector, "*"))
	}
	return selector == resource
}
