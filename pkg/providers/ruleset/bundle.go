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

package ruleset

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/vigilsec/vigil/pkg/apis/core"
	"github.com/vigilsec/vigil/pkg/storage/object"
)

// BundleKey is the object store location of a version's rule bundle.
func BundleKey(rs *core.Ruleset) string {
	return fmt.Sprintf("rulesets/%s/%s/%s/%d.json.gz", rs.Customer, rs.Cloud, rs.Name, rs.Version)
}

// writeBundle stores the full rule records as canonical JSON, sorted by id
// so re-assembling identical content produces identical bytes.
func (p *DefaultProvider) writeBundle(ctx context.Context, key string, rules []*core.Rule) error {
	sortRules(rules)
	raw, err := json.Marshal(rules)
	if err != nil {
		return fmt.Errorf("encoding bundle, %w", err)
	}
	if err := p.objects.Put(ctx, key, raw, &object.PutOptions{Gzip: true, ContentType: "application/json"}); err != nil {
		return fmt.Errorf("storing bundle %q, %w", key, err)
	}
	return nil
}

func decodeBundle(raw []byte) ([]*core.Rule, error) {
	var rules []*core.Rule
	if err := json.Unmarshal(raw, &rules); err != nil {
		return nil, err
	}
	return rules, nil
}

func sortRules(rules []*core.Rule) {
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
}
