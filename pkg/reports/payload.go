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

// Package reports reduces findings shards and job statistics into the dated
// metric records and report artifacts the delivery layer ships. Aggregation
// runs in stages: operational families per tenant, project rollups,
// department rankings, the C-level digest, the FinOps and Kubernetes
// families, then week-over-week deltas. All payloads marshal
// deterministically so re-running a date reproduces the same bytes.
package reports

import (
	"math"
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/vigilsec/vigil/pkg/apis/core"
	"github.com/vigilsec/vigil/pkg/findings"
)

// Catalog indexes rule metadata by rule id for the aggregation builders.
type Catalog map[string]*core.Rule

// Overview is the OVERVIEW payload. Resources carries the distinct violated
// resource descriptors so project rollups can dedupe across tenants; it is
// dropped at scopes above tenant.
type Overview struct {
	TotalFindings     int            `json:"total_findings"`
	ResourcesViolated int            `json:"resources_violated"`
	BySeverity        map[string]int `json:"by_severity,omitempty"`
	ByServiceSection  map[string]int `json:"by_service_section,omitempty"`
	Resources         []string       `json:"resources,omitempty"`
}

// StandardCoverage is one standard's weighted coverage: every point the
// catalog attributes to the standard weighs the same.
type StandardCoverage struct {
	Points   int     `json:"points"`
	Violated int     `json:"violated"`
	Percent  float64 `json:"percent"`
}

// Compliance is the COMPLIANCE payload.
type Compliance struct {
	Standards map[string]StandardCoverage `json:"standards,omitempty"`
}

// ResourceBucket counts distinct violated resources in one grouping.
type ResourceBucket struct {
	Count     int      `json:"count"`
	Resources []string `json:"resources,omitempty"`
}

// Resources is the RESOURCES payload, grouped by the rule's resource type
// annotation.
type Resources struct {
	ByType map[string]ResourceBucket `json:"by_type,omitempty"`
}

// RuleAggregate is one rule's footprint in the RULES payload.
type RuleAggregate struct {
	RuleID    string   `json:"rule_id"`
	Severity  string   `json:"severity,omitempty"`
	Count     int      `json:"count"`
	Regions   []string `json:"regions,omitempty"`
	Resources []string `json:"resources,omitempty"`
}

// Rules is the RULES payload, sorted by rule id.
type Rules struct {
	Rules []RuleAggregate `json:"rules,omitempty"`
}

// MitreAttribution counts violated resources on one ATT&CK path.
type MitreAttribution struct {
	Tactic       string   `json:"tactic"`
	Technique    string   `json:"technique"`
	SubTechnique string   `json:"sub_technique,omitempty"`
	Count        int      `json:"count"`
	Resources    []string `json:"resources,omitempty"`
}

// Mitre is the MITRE payload, sorted by (tactic, technique, sub-technique).
type Mitre struct {
	Attribution []MitreAttribution `json:"attribution,omitempty"`
}

// FinOps is the FINOPS payload, fed only by rules annotated finops. Service
// buckets with no findings are never emitted. New marks a delta computed
// against an absent baseline; the values are then absolute.
type FinOps struct {
	Total    int                       `json:"total"`
	Services map[string]ResourceBucket `json:"services,omitempty"`
	New      bool                      `json:"new,omitempty"`
}

// Recommendation is one violated rule instance on a Kubernetes platform.
type Recommendation struct {
	RuleID      string `json:"rule_id"`
	Severity    string `json:"severity,omitempty"`
	Resource    string `json:"resource"`
	Remediation string `json:"remediation,omitempty"`
}

// Kubernetes is the KUBERNETES payload. Recommendations list every violated
// rule regardless of severity.
type Kubernetes struct {
	Platform        string           `json:"platform,omitempty"`
	Total           int              `json:"total"`
	BySeverity      map[string]int   `json:"by_severity,omitempty"`
	Recommendations []Recommendation `json:"recommendations,omitempty"`
}

// Ranking is one entry of a department top-N list.
type Ranking struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// Department is the per-cloud rankings payload.
type Department struct {
	TopResourceTypes []Ranking `json:"top_resource_types,omitempty"`
	TopTenants       []Ranking `json:"top_tenants,omitempty"`
	TopAttackVectors []Ranking `json:"top_attack_vectors,omitempty"`
}

// CLevel is the customer-wide executive digest built from the weekly job
// statistics rows, never from shards.
type CLevel struct {
	Week              string         `json:"week"`
	Jobs              int            `json:"jobs"`
	TotalChecks       int            `json:"total_checks"`
	Succeeded         int            `json:"succeeded"`
	Failed            int            `json:"failed"`
	ResourcesViolated int            `json:"resources_violated"`
	BySeverity        map[string]int `json:"by_severity,omitempty"`
	ByServiceSection  map[string]int `json:"by_service_section,omitempty"`
	TenantsCovered    int            `json:"tenants_covered"`
	RuntimeSeconds    float64        `json:"runtime_seconds"`
}

// Suppress drops findings matched by an active exception. Expiry is judged
// against asOf so a dated re-run sees the exceptions the original run saw.
func Suppress(tenant string, found []findings.Finding, exceptions []*core.Exception, asOf time.Time) []findings.Finding {
	if len(exceptions) == 0 {
		return found
	}
	return lo.Filter(found, func(f findings.Finding, _ int) bool {
		return !lo.SomeBy(exceptions, func(e *core.Exception) bool {
			return e.Matches(tenant, f.RuleID, f.Resource, asOf)
		})
	})
}

// section resolves a rule's service section, bucketing findings whose rule
// metadata is gone.
func section(rules Catalog, ruleID string) string {
	if r, ok := rules[ruleID]; ok && r.ServiceSection != "" {
		return r.ServiceSection
	}
	return "uncategorized"
}

// coverage is the compliant share of a standard's points, rounded so
// serialized payloads stay byte-stable.
func coverage(points, violated int) float64 {
	if points == 0 {
		return 0
	}
	return math.Round(float64(points-violated)/float64(points)*10000) / 100
}

func addCounts(dst, src map[string]int) map[string]int {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = map[string]int{}
	}
	for k, v := range src {
		dst[k] += v
	}
	return dst
}

func sortedSet(set map[string]struct{}) []string {
	out := lo.Keys(set)
	sort.Strings(out)
	return out
}
