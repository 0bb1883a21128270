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
	"fmt"
	"regexp"
	"strings"
	"time"
)

type RuleSourceStatus string

const (
	RuleSourceStatusIdle    RuleSourceStatus = "IDLE"
	RuleSourceStatusSyncing RuleSourceStatus = "SYNCING"
	RuleSourceStatusSynced  RuleSourceStatus = "SYNCED"
	RuleSourceStatusFailed  RuleSourceStatus = "FAILED"
)

// RuleSource points at an external content origin rules are pulled from:
// either a git repository at a ref (optionally under a prefix) or a tagged
// release. The access secret lives in the secret store under SecretName.
type RuleSource struct {
	ID       string `json:"id" dynamodbav:"id"`
	Customer string `json:"customer" dynamodbav:"customer"`

	GitURL     string `json:"git_url,omitempty" dynamodbav:"git_url,omitempty"`
	GitRef     string `json:"git_ref,omitempty" dynamodbav:"git_ref,omitempty"`
	GitPrefix  string `json:"git_prefix,omitempty" dynamodbav:"git_prefix,omitempty"`
	ReleaseTag string `json:"release_tag,omitempty" dynamodbav:"release_tag,omitempty"`
	SecretName string `json:"secret_name,omitempty" dynamodbav:"secret_name,omitempty"`

	// Priority breaks ties between sources publishing the same rule id at the
	// same version. Higher wins.
	Priority int `json:"priority,omitempty" dynamodbav:"priority,omitempty"`

	Description string           `json:"description,omitempty" dynamodbav:"description,omitempty"`
	Status      RuleSourceStatus `json:"status" dynamodbav:"status"`
	StatusReason string          `json:"status_reason,omitempty" dynamodbav:"status_reason,omitempty"`
	LastSyncAt  *time.Time       `json:"last_sync_at,omitempty" dynamodbav:"last_sync_at,omitempty"`
}

// MitreMapping attributes a rule to the MITRE ATT&CK matrix.
type MitreMapping struct {
	Tactic       string `json:"tactic" dynamodbav:"tactic"`
	Technique    string `json:"technique" dynamodbav:"technique"`
	SubTechnique string `json:"sub_technique,omitempty" dynamodbav:"sub_technique,omitempty"`
}

// Rule is one atomic policy. Rules are mutable only through rule source
// syncs; everything else treats them as read-only.
type Rule struct {
	// ID has the canonical form <source>-<cloud>-<n>-<slug>_<version>.
	ID       string `json:"id" dynamodbav:"id"`
	SourceID string `json:"rule_source_id" dynamodbav:"rule_source_id"`
	Cloud    Cloud  `json:"cloud" dynamodbav:"cloud"`

	Description    string   `json:"description,omitempty" dynamodbav:"description,omitempty"`
	ServiceSection string   `json:"service_section,omitempty" dynamodbav:"service_section,omitempty"`
	Resource       string   `json:"resource,omitempty" dynamodbav:"resource,omitempty"`
	Severity       Severity `json:"severity" dynamodbav:"severity"`

	Mitre []MitreMapping `json:"mitre,omitempty" dynamodbav:"mitre,omitempty"`
	// Standards maps a standard name to the points it covers,
	// e.g. {"PCI DSS": ["1.2", "1.3.1"]}.
	Standards map[string][]string `json:"standards,omitempty" dynamodbav:"standards,omitempty"`

	Article     string `json:"article,omitempty" dynamodbav:"article,omitempty"`
	Remediation string `json:"remediation,omitempty" dynamodbav:"remediation,omitempty"`
	Version     string `json:"version" dynamodbav:"version"`

	// FinOps marks rules feeding the FinOps report family.
	FinOps bool `json:"finops,omitempty" dynamodbav:"finops,omitempty"`

	UpdatedAt time.Time `json:"updated_at" dynamodbav:"updated_at"`
}

var ruleIDPattern = regexp.MustCompile(`^([a-z0-9]+)-([a-z0-9]+)-(\d+)-([a-z0-9-]+)_([0-9.]+)$`)

// RuleName is a rule id stripped of its version suffix. Two versions of the
// same policy share a name.
func (r Rule) Name() string {
	if i := strings.LastIndex(r.ID, "_"); i > 0 {
		return r.ID[:i]
	}
	return r.ID
}

// ParseRuleID splits a canonical rule id into its source, cloud, number,
// slug and version parts.
func ParseRuleID(id string) (source string, cloud Cloud, number string, slug string, version string, err error) {
	m := ruleIDPattern.FindStringSubmatch(id)
	if m == nil {
		return "", "", "", "", "", fmt.Errorf("rule id %q is not of the form <source>-<cloud>-<n>-<slug>_<version>", id)
	}
	return m[1], Cloud(m[2]), m[3], m[4], m[5], nil
}

type RulesetStatus string

const (
	RulesetStatusAssembling  RulesetStatus = "ASSEMBLING"
	RulesetStatusReadyToScan RulesetStatus = "READY_TO_SCAN"
	RulesetStatusFailed      RulesetStatus = "FAILED"
)

// Ruleset is an immutable named version of a rule collection. Versions only
// grow; the Active flag picks the default version for a name.
type Ruleset struct {
	Customer string `json:"customer" dynamodbav:"customer"`
	Name     string `json:"name" dynamodbav:"name"`
	Version  int    `json:"version" dynamodbav:"version"`
	Cloud    Cloud  `json:"cloud" dynamodbav:"cloud"`

	Licensed bool `json:"licensed" dynamodbav:"licensed"`
	// LicenseKeys lists the licenses that granted this ruleset, when licensed.
	LicenseKeys []string `json:"license_keys,omitempty" dynamodbav:"license_keys,omitempty"`

	RuleIDs     []string `json:"rule_ids,omitempty" dynamodbav:"rule_ids,omitempty"`
	RulesNumber int      `json:"rules_number" dynamodbav:"rules_number"`

	Status       RulesetStatus `json:"status" dynamodbav:"status"`
	StatusReason string        `json:"status_reason,omitempty" dynamodbav:"status_reason,omitempty"`
	Active       bool          `json:"active" dynamodbav:"active"`
	DisplayName  string        `json:"display_name,omitempty" dynamodbav:"display_name,omitempty"`

	// BundleKey locates the compressed rule bundle in the object store.
	BundleKey string `json:"bundle_key,omitempty" dynamodbav:"bundle_key,omitempty"`

	CreatedAt  time.Time  `json:"created_at" dynamodbav:"created_at"`
	ReleasedAt *time.Time `json:"released_at,omitempty" dynamodbav:"released_at,omitempty"`
}

// RulesetID keys a ruleset name within a customer and cloud. The version
// completes the primary key.
func RulesetID(customer string, cloud Cloud, name string) string {
	return fmt.Sprintf("%s#%s#%s", customer, cloud, name)
}

// ID returns the ruleset's partition key.
func (r Ruleset) ID() string {
	return RulesetID(r.Customer, r.Cloud, r.Name)
}
