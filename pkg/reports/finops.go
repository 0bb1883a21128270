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
	"time"

	"github.com/vigilsec/vigil/pkg/apis/core"
	"github.com/vigilsec/vigil/pkg/findings"
)

// BuildFinOps aggregates the disjoint finops-annotated rule subset per
// service section. Only sections with findings appear; the payload never
// carries empty buckets.
func BuildFinOps(tenant string, found []findings.Finding, rules Catalog, exceptions []*core.Exception, asOf time.Time) FinOps {
	visible := Suppress(tenant, found, exceptions, asOf)
	services := map[string]map[string]struct{}{}
	total := map[string]struct{}{}
	for _, f := range visible {
		rule, ok := rules[f.RuleID]
		if !ok || !rule.FinOps {
			continue
		}
		svc := section(rules, f.RuleID)
		if services[svc] == nil {
			services[svc] = map[string]struct{}{}
		}
		services[svc][f.Resource] = struct{}{}
		total[f.Resource] = struct{}{}
	}
	out := FinOps{Total: len(total)}
	if len(services) == 0 {
		return out
	}
	out.Services = map[string]ResourceBucket{}
	for svc, set := range services {
		out.Services[svc] = ResourceBucket{Count: len(set), Resources: sortedSet(set)}
	}
	return out
}
