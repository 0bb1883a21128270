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
	"encoding/json"
	"fmt"
	"sort"

	"github.com/samber/lo"

	"github.com/vigilsec/vigil/pkg/apis/core"
)

// DeltaOf computes the week-over-week difference between two serialized
// payloads of the same record. prev is nil when no prior week exists; every
// field then diffs against zero, so the delta equals the current values.
// Identity and recommendation lists never appear in deltas, only numbers do.
func DeltaOf(scope core.MetricScope, t core.MetricType, cur, prev []byte) ([]byte, error) {
	switch {
	case t == core.MetricTypeOverview && scope == core.MetricScopeDepartment:
		c, p, err := decodePair[Department](cur, prev)
		if err != nil {
			return nil, err
		}
		return lo.Must(json.Marshal(departmentDelta(c, p))), nil
	case t == core.MetricTypeOverview && scope == core.MetricScopeCLevel:
		c, p, err := decodePair[CLevel](cur, prev)
		if err != nil {
			return nil, err
		}
		return lo.Must(json.Marshal(clevelDelta(c, p))), nil
	case t == core.MetricTypeOverview:
		c, p, err := decodePair[Overview](cur, prev)
		if err != nil {
			return nil, err
		}
		return lo.Must(json.Marshal(overviewDelta(c, p))), nil
	case t == core.MetricTypeCompliance:
		c, p, err := decodePair[Compliance](cur, prev)
		if err != nil {
			return nil, err
		}
		return lo.Must(json.Marshal(complianceDelta(c, p))), nil
	case t == core.MetricTypeResources:
		c, p, err := decodePair[Resources](cur, prev)
		if err != nil {
			return nil, err
		}
		return lo.Must(json.Marshal(resourcesDelta(c, p))), nil
	case t == core.MetricTypeRules:
		c, p, err := decodePair[Rules](cur, prev)
		if err != nil {
			return nil, err
		}
		return lo.Must(json.Marshal(rulesDelta(c, p))), nil
	case t == core.MetricTypeMitre:
		c, p, err := decodePair[Mitre](cur, prev)
		if err != nil {
			return nil, err
		}
		return lo.Must(json.Marshal(mitreDelta(c, p))), nil
	case t == core.MetricTypeFinOps:
		c, p, err := decodePair[FinOps](cur, prev)
		if err != nil {
			return nil, err
		}
		return lo.Must(json.Marshal(finopsDelta(c, p, len(prev) > 0))), nil
	case t == core.MetricTypeKubernetes:
		c, p, err := decodePair[Kubernetes](cur, prev)
		if err != nil {
			return nil, err
		}
		return lo.Must(json.Marshal(kubernetesDelta(c, p))), nil
	default:
		return nil, fmt.Errorf("no delta defined for %s records", t)
	}
}

func decodePair[T any](cur, prev []byte) (T, T, error) {
	var c, p T
	if err := json.Unmarshal(cur, &c); err != nil {
		return c, p, fmt.Errorf("decoding current payload, %w", err)
	}
	if len(prev) > 0 {
		if err := json.Unmarshal(prev, &p); err != nil {
			return c, p, fmt.Errorf("decoding prior payload, %w", err)
		}
	}
	return c, p, nil
}

func overviewDelta(c, p Overview) Overview {
	return Overview{
		TotalFindings:     c.TotalFindings - p.TotalFindings,
		ResourcesViolated: c.ResourcesViolated - p.ResourcesViolated,
		BySeverity:        diffCounts(c.BySeverity, p.BySeverity),
		ByServiceSection:  diffCounts(c.ByServiceSection, p.ByServiceSection),
	}
}

func complianceDelta(c, p Compliance) Compliance {
	out := Compliance{}
	for _, std := range unionKeys(c.Standards, p.Standards) {
		cur, prev := c.Standards[std], p.Standards[std]
		d := StandardCoverage{
			Points:   cur.Points - prev.Points,
			Violated: cur.Violated - prev.Violated,
			Percent:  cur.Percent - prev.Percent,
		}
		if d == (StandardCoverage{}) {
			continue
		}
		if out.Standards == nil {
			out.Standards = map[string]StandardCoverage{}
		}
		out.Standards[std] = d
	}
	return out
}

func resourcesDelta(c, p Resources) Resources {
	out := Resources{}
	for _, typ := range unionKeys(c.ByType, p.ByType) {
		d := c.ByType[typ].Count - p.ByType[typ].Count
		if d == 0 {
			continue
		}
		if out.ByType == nil {
			out.ByType = map[string]ResourceBucket{}
		}
		out.ByType[typ] = ResourceBucket{Count: d}
	}
	return out
}

func rulesDelta(c, p Rules) Rules {
	byID := func(r Rules) map[string]RuleAggregate {
		return lo.SliceToMap(r.Rules, func(a RuleAggregate) (string, RuleAggregate) { return a.RuleID, a })
	}
	cur, prev := byID(c), byID(p)
	out := Rules{}
	for _, id := range unionKeys(cur, prev) {
		d := cur[id].Count - prev[id].Count
		if d == 0 {
			continue
		}
		severity := cur[id].Severity
		if severity == "" {
			severity = prev[id].Severity
		}
		out.Rules = append(out.Rules, RuleAggregate{RuleID: id, Severity: severity, Count: d})
	}
	sort.Slice(out.Rules, func(i, j int) bool { return out.Rules[i].RuleID < out.Rules[j].RuleID })
	return out
}

func mitreDelta(c, p Mitre) Mitre {
	type path struct{ tactic, technique, sub string }
	index := func(m Mitre) map[path]int {
		out := map[path]int{}
		for _, a := range m.Attribution {
			out[path{a.Tactic, a.Technique, a.SubTechnique}] = a.Count
		}
		return out
	}
	cur, prev := index(c), index(p)
	out := Mitre{}
	for _, key := range unionKeys(cur, prev) {
		d := cur[key] - prev[key]
		if d == 0 {
			continue
		}
		out.Attribution = append(out.Attribution, MitreAttribution{
			Tactic:       key.tactic,
			Technique:    key.technique,
			SubTechnique: key.sub,
			Count:        d,
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

// finopsDelta flags a missing baseline instead of pretending last week was
// all zeros: the values shown are then the absolute current picture.
func finopsDelta(c, p FinOps, baseline bool) FinOps {
	if !baseline {
		out := FinOps{Total: c.Total, New: true}
		if len(c.Services) > 0 {
			out.Services = map[string]ResourceBucket{}
			for svc, bucket := range c.Services {
				out.Services[svc] = ResourceBucket{Count: bucket.Count}
			}
		}
		return out
	}
	out := FinOps{Total: c.Total - p.Total}
	for _, svc := range unionKeys(c.Services, p.Services) {
		d := c.Services[svc].Count - p.Services[svc].Count
		if d == 0 {
			continue
		}
		if out.Services == nil {
			out.Services = map[string]ResourceBucket{}
		}
		out.Services[svc] = ResourceBucket{Count: d}
	}
	return out
}

func kubernetesDelta(c, p Kubernetes) Kubernetes {
	return Kubernetes{
		Platform:   c.Platform,
		Total:      c.Total - p.Total,
		BySeverity: diffCounts(c.BySeverity, p.BySeverity),
	}
}

func departmentDelta(c, p Department) Department {
	return Department{
		TopResourceTypes: rankingDelta(c.TopResourceTypes, p.TopResourceTypes),
		TopTenants:       rankingDelta(c.TopTenants, p.TopTenants),
		TopAttackVectors: rankingDelta(c.TopAttackVectors, p.TopAttackVectors),
	}
}

func rankingDelta(cur, prev []Ranking) []Ranking {
	index := func(rankings []Ranking) map[string]float64 {
		return lo.SliceToMap(rankings, func(r Ranking) (string, float64) { return r.Name, r.Value })
	}
	c, p := index(cur), index(prev)
	var out []Ranking
	for _, name := range unionKeys(c, p) {
		if d := c[name] - p[name]; d != 0 {
			out = append(out, Ranking{Name: name, Value: d})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func clevelDelta(c, p CLevel) CLevel {
	return CLevel{
		Week:              c.Week,
		Jobs:              c.Jobs - p.Jobs,
		TotalChecks:       c.TotalChecks - p.TotalChecks,
		Succeeded:         c.Succeeded - p.Succeeded,
		Failed:            c.Failed - p.Failed,
		ResourcesViolated: c.ResourcesViolated - p.ResourcesViolated,
		BySeverity:        diffCounts(c.BySeverity, p.BySeverity),
		ByServiceSection:  diffCounts(c.ByServiceSection, p.ByServiceSection),
		TenantsCovered:    c.TenantsCovered - p.TenantsCovered,
		RuntimeSeconds:    c.RuntimeSeconds - p.RuntimeSeconds,
	}
}

// diffCounts subtracts two count maps field-wise, treating missing keys as
// zero and dropping entries that did not move.
func diffCounts(cur, prev map[string]int) map[string]int {
	var out map[string]int
	for _, key := range unionKeys(cur, prev) {
		if d := cur[key] - prev[key]; d != 0 {
			if out == nil {
				out = map[string]int{}
			}
			out[key] = d
		}
	}
	return out
}

func unionKeys[K comparable, V any](a, b map[K]V) []K {
	return lo.Uniq(append(lo.Keys(a), lo.Keys(b)...))
}
