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
	"time"

	"github.com/samber/lo"

	"github.com/vigilsec/vigil/pkg/apis/core"
	"github.com/vigilsec/vigil/pkg/findings"
)

// BuildOperational reduces one tenant's canonical findings into the five
// operational payloads. Suppressed findings drop before any aggregation so
// every family agrees with the exceptions.
func BuildOperational(tenant *core.Tenant, found []findings.Finding, rules Catalog, exceptions []*core.Exception, asOf time.Time) map[core.MetricType]any {
	visible := Suppress(tenant.Name, found, exceptions, asOf)
	return map[core.MetricType]any{
		core.MetricTypeOverview:   buildOverview(visible, rules),
		core.MetricTypeCompliance: buildCompliance(tenant.Cloud, visible, rules),
		core.MetricTypeResources:  buildResources(visible, rules),
		core.MetricTypeRules:      buildRules(visible, rules),
		core.MetricTypeMitre:      buildMitre(visible, rules),
	}
}

func buildOverview(found []findings.Finding, rules Catalog) Overview {
	resources := lo.Uniq(lo.Map(found, func(f findings.Finding, _ int) string { return f.Resource }))
	sort.Strings(resources)
	out := Overview{
		TotalFindings:     len(found),
		ResourcesViolated: len(resources),
		Resources:         resources,
	}
	if len(found) == 0 {
		return out
	}
	out.BySeverity = map[string]int{}
	out.ByServiceSection = map[string]int{}
	for _, f := range found {
		out.BySeverity[string(f.Severity)]++
		out.ByServiceSection[section(rules, f.RuleID)]++
	}
	return out
}

// buildCompliance weighs each standard by its points: the catalog's rules for
// the tenant's cloud define the denominator, rules with at least one visible
// finding mark their points violated.
func buildCompliance(cloud core.Cloud, found []findings.Finding, rules Catalog) Compliance {
	violated := map[string]struct{}{}
	for _, f := range found {
		violated[f.RuleID] = struct{}{}
	}
	type pointSet struct {
		total    map[string]struct{}
		violated map[string]struct{}
	}
	standards := map[string]*pointSet{}
	for _, rule := range rules {
		if rule.Cloud != cloud {
			continue
		}
		for std, points := range rule.Standards {
			set, ok := standards[std]
			if !ok {
				set = &pointSet{total: map[string]struct{}{}, violated: map[string]struct{}{}}
				standards[std] = set
			}
			_, bad := violated[rule.ID]
			for _, point := range points {
				set.total[point] = struct{}{}
				if bad {
					set.violated[point] = struct{}{}
				}
			}
		}
	}
	out := Compliance{}
	if len(standards) == 0 {
		return out
	}
	out.Standards = map[string]StandardCoverage{}
	for std, set := range standards {
		points, bad := len(set.total), len(set.violated)
		out.Standards[std] = StandardCoverage{Points: points, Violated: bad, Percent: coverage(points, bad)}
	}
	return out
}

func buildResources(found []findings.Finding, rules Catalog) Resources {
	byType := map[string]map[string]struct{}{}
	for _, f := range found {
		typ := "unknown"
		if r, ok := rules[f.RuleID]; ok && r.Resource != "" {
			typ = r.Resource
		}
		if byType[typ] == nil {
			byType[typ] = map[string]struct{}{}
		}
		byType[typ][f.Resource] = struct{}{}
	}
	out := Resources{}
	if len(byType) == 0 {
		return out
	}
	out.ByType = map[string]ResourceBucket{}
	for typ, set := range byType {
		out.ByType[typ] = ResourceBucket{Count: len(set), Resources: sortedSet(set)}
	}
	return out
}

func buildRules(found []findings.Finding, rules Catalog) Rules {
	type footprint struct {
		severity  core.Severity
		resources map[string]struct{}
		regions   map[string]struct{}
	}
	byRule := map[string]*footprint{}
	for _, f := range found {
		fp, ok := byRule[f.RuleID]
		if !ok {
			fp = &footprint{severity: f.Severity, resources: map[string]struct{}{}, regions: map[string]struct{}{}}
			byRule[f.RuleID] = fp
		}
		fp.resources[f.Resource] = struct{}{}
		fp.regions[f.Region] = struct{}{}
	}
	out := Rules{}
	for id, fp := range byRule {
		severity := fp.severity
		if r, ok := rules[id]; ok && r.Severity != "" {
			severity = r.Severity
		}
		out.Rules = append(out.Rules, RuleAggregate{
			RuleID:    id,
			Severity:  string(severity),
			Count:     len(fp.resources),
			Regions:   sortedSet(fp.regions),
			Resources: sortedSet(fp.resources),
		})
	}
	sort.Slice(out.Rules, func(i, j int) bool { return out.Rules[i].RuleID < out.Rules[j].RuleID })
	return out
}

func buildMitre(found []findings.Finding, rules Catalog) Mitre {
	type path struct{ tactic, technique, sub string }
	attribution := map[path]map[string]struct{}{}
	for _, f := range found {
		rule, ok := rules[f.RuleID]
		if !ok {
			continue
		}
		for _, m := range rule.Mitre {
			key := path{m.Tactic, m.Technique, m.SubTechnique}
			if attribution[key] == nil {
				attribution[key] = map[string]struct{}{}
			}
			attribution[key][f.Resource] = struct{}{}
		}
	}
	out := Mitre{}
	for key, set := range attribution {
		out.Attribution = append(out.Attribution, MitreAttribution{
			Tactic:       key.tactic,
			Technique:    key.technique,
			SubTechnique: key.sub,
			Count:        len(set),
			Resources:    sortedSet(set),
		})
	}
	sort.Slice(out.Attribution, func(i, j int) bool {
		a, b := out.Attribution[i], out.Attribution[j]
		if a.Tactic != b.Tactic {
			return a.Tactic < b.Tactic
		}
		if a.Technique != b.Technique {
			return a.Technique < b.Technique
		}
		return a.SubTechnique < b.SubTechnique
	})
	return out
}
