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

package reports

import (
	"sort"
)

// DepartmentEntry is one tenant's operational slice feeding the rankings of
// its cloud bucket.
type DepartmentEntry struct {
	Tenant     string
	Overview   Overview
	Compliance Compliance
	Resources  Resources
	Mitre      Mitre
}

// BuildDepartment ranks the tenants of one cloud: most violated resource
// types, most compliant tenants, and the attack tactics with the widest
// blast radius.
func BuildDepartment(entries []DepartmentEntry, topN int) Department {
	resourceTypes := map[string]int{}
	tactics := map[string]int{}
	tenants := make([]Ranking, 0, len(entries))
	for _, e := range entries {
		for typ, bucket := range e.Resources.ByType {
			resourceTypes[typ] += bucket.Count
		}
		for _, a := range e.Mitre.Attribution {
			tactics[a.Tactic] += a.Count
		}
		tenants = append(tenants, Ranking{Name: e.Tenant, Value: overallCompliance(e.Compliance)})
	}
	return Department{
		TopResourceTypes: topCounts(resourceTypes, topN),
		TopTenants:       top(tenants, topN),
		TopAttackVectors: topCounts(tactics, topN),
	}
}

// overallCompliance folds a tenant's standards into one percent on the
// combined denominators.
func overallCompliance(c Compliance) float64 {
	var points, violated int
	for _, s := range c.Standards {
		points += s.Points
		violated += s.Violated
	}
	return coverage(points, violated)
}

func topCounts(counts map[string]int, n int) []Ranking {
	rankings := make([]Ranking, 0, len(counts))
	for name, count := range counts {
		rankings = append(rankings, Ranking{Name: name, Value: float64(count)})
	}
	return top(rankings, n)
}

// top orders by value descending, name ascending on ties, and keeps n.
func top(rankings []Ranking, n int) []Ranking {
	sort.Slice(rankings, func(i, j int) bool {
		if rankings[i].Value != rankings[j].Value {
			return rankings[i].Value > rankings[j].Value
		}
		return rankings[i].Name < rankings[j].Name
	})
	if len(rankings) > n {
		rankings = rankings[:n]
	}
	if len(rankings) == 0 {
		return nil
	}
	return rankings
}
