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

	"github.com/vigilsec/vigil/pkg/apis/core"
	"github.com/vigilsec/vigil/pkg/findings"
)

// BuildKubernetes digests one cluster tenant. The recommendation list keeps
// every severity, down to Info.
func BuildKubernetes(tenant *core.Tenant, found []findings.Finding, rules Catalog, exceptions []*core.Exception, asOf time.Time) Kubernetes {
	visible := Suppress(tenant.Name, found, exceptions, asOf)
	out := Kubernetes{Platform: tenant.CloudIdentifier, Total: len(visible)}
	if len(visible) == 0 {
		return out
	}
	out.BySeverity = map[string]int{}
	for _, f := range visible {
		out.BySeverity[string(f.Severity)]++
		rec := Recommendation{RuleID: f.RuleID, Severity: string(f.Severity), Resource: f.Resource}
		if rule, ok := rules[f.RuleID]; ok {
			rec.Remediation = rule.Remediation
		}
		out.Recommendations = append(out.Recommendations, rec)
	}
	sort.Slice(out.Recommendations, func(i, j int) bool {
		a, b := out.Recommendations[i], out.Recommendations[j]
		if a.RuleID != b.RuleID {
			return a.RuleID < b.RuleID
		}
		return a.Resource < b.Resource
	})
	return out
}
