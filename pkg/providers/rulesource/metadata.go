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

package rulesource

import (
	"fmt"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/vigilsec/vigil/pkg/apis/core"
)

// ruleMetadata is the YAML shape of a rule definition file. The name carries
// everything but the version; the canonical rule id is name_version.
type ruleMetadata struct {
	Name           string              `json:"name"`
	Version        string              `json:"version"`
	Cloud          core.Cloud          `json:"cloud"`
	Severity       core.Severity       `json:"severity"`
	ServiceSection string              `json:"service_section"`
	Resource       string              `json:"resource,omitempty"`
	Description    string              `json:"description,omitempty"`
	Article        string              `json:"article,omitempty"`
	Remediation    string              `json:"remediation,omitempty"`
	FinOps         bool                `json:"finops,omitempty"`
	Mitre          []core.MitreMapping `json:"mitre,omitempty"`
	Standards      map[string][]string `json:"standards,omitempty"`
}

// parseRule turns one source file into a rule record, rejecting anything
// that would break the canonical id form or carry an unknown cloud or
// severity.
func parseRule(data []byte, now time.Time) (*core.Rule, error) {
	meta := ruleMetadata{}
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parsing rule metadata, %w", err)
	}
	if meta.Name == "" {
		return nil, fmt.Errorf("rule metadata has no name")
	}
	if meta.Version == "" {
		return nil, fmt.Errorf("rule %q has no version", meta.Name)
	}
	id := fmt.Sprintf("%s_%s", meta.Name, meta.Version)
	_, idCloud, _, _, _, err := core.ParseRuleID(id)
	if err != nil {
		return nil, err
	}
	if !meta.Cloud.Valid() {
		return nil, fmt.Errorf("rule %q has unknown cloud %q", meta.Name, meta.Cloud)
	}
	if meta.Cloud != idCloud {
		return nil, fmt.Errorf("rule %q declares cloud %q but its id encodes %q", meta.Name, meta.Cloud, idCloud)
	}
	if !meta.Severity.Valid() {
		return nil, fmt.Errorf("rule %q has unknown severity %q", meta.Name, meta.Severity)
	}
	return &core.Rule{
		ID:             id,
		Cloud:          meta.Cloud,
		Description:    meta.Description,
		ServiceSection: meta.ServiceSection,
		Resource:       meta.Resource,
		Severity:       meta.Severity,
		Mitre:          meta.Mitre,
		Standards:      meta.Standards,
		Article:        meta.Article,
		Remediation:    meta.Remediation,
		Version:        meta.Version,
		FinOps:         meta.FinOps,
		UpdatedAt:      now,
	}, nil
}
