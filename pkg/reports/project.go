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

// Project rollups fold the tenant-scope payloads of one project. Resource
// counts dedupe on the identity sets the tenant records carry; the merged
// payloads keep counts only, identity stops at the project boundary.

func MergeOverviews(parts []Overview) Overview {
	merged := Overview{}
	resources := map[string]struct{}{}
	for _, p := range parts {
		merged.TotalFindings += p.TotalFindings
		merged.BySeverity = addCounts(merged.BySeverity, p.BySeverity)
		merged.ByServiceSection = addCounts(merged.ByServiceSection, p.ByServiceSection)
		for _, r := range p.Resources {
			resources[r] = struct{}{}
		}
	}
	merged.ResourcesViolated = len(resources)
	return merged
}

// MergeCompliance recomputes each standard's percent on the combined
// denominators, never by averaging member percents.
func MergeCompliance(parts []Compliance) Compliance {
	merged := Compliance{}
	for _, p := range parts {
		for std, c := range p.Standards {
			if merged.Standards == nil {
				merged.Standards = map[string]StandardCoverage{}
			}
			sum := merged.Standards[std]
			sum.Points += c.Points
			sum.Violated += c.Violated
			merged.Standards[std] = sum
		}
	}
	for std, c := range merged.Standards {
		c.Percent = coverage(c.Points, c.Violated)
		merged.Standards[std] = c
	}
	return merged
}

func MergeResources(parts []Resources) Resources {
	byType := map[string]map[string]struct{}{}
	for _, p := range parts {
		for typ, bucket := range p.ByType {
			if byType[typ] == nil {
				byType[typ] = map[string]struct{}{}
			}
			for _, r := range bucket.Resources {
				byType[typ][r] = struct{}{}
			}
		}
	}
	merged := Resources{}
	if len(byType) == 0 {
		return merged
	}
	merged.ByType = map[string]ResourceBucket{}
	for typ, set := range byType {
		merged.ByType[typ] = ResourceBucket{Count: len(set)}
	}
	return merged
}

func MergeRules(parts []Rules) Rules {
	type footprint struct {
		severity  string
		resources map[string]struct{}
		regions   map[string]struct{}
	}
	byRule := map[string]*footprint{}
	for _, p := range parts {
		for _, agg := range p.Rules {
			fp, ok := byRule[agg.RuleID]
			if !ok {
				fp = &footprint{severity: agg.Severity, resources: map[string]struct{}{}, regions: map[string]struct{}{}}
				byRule[agg.RuleID] = fp
			}
			for _, r := range agg.Resources {
				fp.resources[r] = struct{}{}
			}
			for _, r := range agg.Regions {
				fp.regions[r] = struct{}{}
			}
		}
	}
	merged := Rules{}
	for id, fp := range byRule {
		merged.Rules = append(merged.Rules, RuleAggregate{
			RuleID:   id,
			Severity: fp.severity,
			Count:    len(fp.resources),
			Regions:  sortedSet(fp.regions),
		})
	}
	sort.Slice(merged.Rules, func(i, j int) bool { return merged.Rules[i].RuleID < merged.Rules[j].RuleID })
	return merged
}

// MergeMitre dedupes each attack path's resources across the project's
// tenants before counting.
func MergeMitre(parts []Mitre) Mitre {
	type path struct{ tactic, technique, sub string }
	attribution := map[path]map[string]struct{}{}
	for _, p := range parts {
		for _, a := range p.Attribution {
			key := path{a.Tactic, a.Technique, a.SubTechnique}
			if attribution[key] == nil {
				attribution[key] = map[string]struct{}{}
			}
			for _, r := range a.Resources {
				attribution[key][r] = struct{}{}
			}
		}
	}
	merged := Mitre{}
	for key, set := range attribution {
		merged.Attribution = append(merged.Attribution, MitreAttribution{
			Tactic:       key.tactic,
			Technique:    key.technique,
			SubTechnique: key.sub,
			Count:        len(set),
		})
	}
	sort.Slice(merged.Attribution, func(i, j int) bool {
		a, b := merged.Attribution[i], merged.Attribution[j]
		if a.Tactic != b.Tactic {
			return a.Tactic < b.Tactic
		}
		if a.Technique != b.Technique {
			return a.Technique < b.Technique
		}
		return a.SubTechnique < b.SubTechnique
	})
	return merged
}
