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

	"github.com/vigilsec/vigil/pkg/apis/core"
)

// BuildCLevel digests one week of job statistics rows. Rows are folded in
// job id order so float sums reproduce bit-identically.
func BuildCLevel(week string, stats []*core.JobStatistics) CLevel {
	sort.Slice(stats, func(i, j int) bool { return stats[i].JobID < stats[j].JobID })
	out := CLevel{Week: week}
	tenants := map[string]struct{}{}
	for _, s := range stats {
		out.Jobs++
		out.TotalChecks += s.TotalChecks
		out.Succeeded += s.Succeeded
		out.Failed += s.Failed
		out.ResourcesViolated += s.ResourcesViolated
		out.RuntimeSeconds += s.RuntimeSeconds
		out.BySeverity = addCounts(out.BySeverity, s.BySeverity)
		out.ByServiceSection = addCounts(out.ByServiceSection, s.ByServiceSection)
		tenants[s.Tenant] = struct{}{}
	}
	out.TenantsCovered = len(tenants)
	return out
}
