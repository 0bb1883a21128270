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

package events

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"github.com/pelletier/go-toml/v2"
	"github.com/samber/lo"

	"github.com/vigilsec/vigil/pkg/apis/core"
	vigilerrors "github.com/vigilsec/vigil/pkg/errors"
)

// Envelope is one change notification as the cloud's event bus delivers it.
// The metadata mirrors the EventBridge envelope; Detail stays raw because
// only normalization and the fingerprint ever look inside it.
type Envelope struct {
	Version    string          `json:"version,omitempty"`
	ID         string          `json:"id,omitempty"`
	Source     string          `json:"source"`
	DetailType string          `json:"detail-type,omitempty"`
	AccountID  string          `json:"account"`
	Region     string          `json:"region"`
	Resources  []string        `json:"resources,omitempty"`
	Time       time.Time       `json:"time,omitempty"`
	Detail     json.RawMessage `json:"detail,omitempty"`
}

// cloud derives the provider from the source field, which arrives in
// "aws.ec2" form.
func (e Envelope) cloud() (core.Cloud, error) {
	prefix, _, _ := strings.Cut(e.Source, ".")
	cloud := core.Cloud(prefix)
	if !cloud.Valid() {
		return "", vigilerrors.Validation(fmt.Sprintf("unknown event source %q", e.Source), "source")
	}
	return cloud, nil
}

// eventName prefers the CloudTrail-style name carried inside the detail and
// falls back to the envelope detail-type for native bus events.
func (e Envelope) eventName() (name, source string) {
	parsed := struct {
		EventName   string `json:"eventName"`
		EventSource string `json:"eventSource"`
	}{}
	_ = json.Unmarshal(e.Detail, &parsed)
	name = lo.Ternary(parsed.EventName != "", parsed.EventName, e.DetailType)
	source = lo.Ternary(parsed.EventSource != "", parsed.EventSource, e.Source)
	return name, source
}

// fingerprint hashes what identifies the change, not the delivery: repeated
// notifications about the same change must collide even though every record
// carries a fresh id and timestamp of its own.
func (e Envelope) fingerprint() string {
	var detail any
	if err := json.Unmarshal(e.Detail, &detail); err != nil {
		detail = string(e.Detail)
	}
	if payload, ok := detail.(map[string]any); ok {
		// CloudTrail stamps per-record identifiers inside the detail.
		delete(payload, "eventID")
		delete(payload, "eventTime")
		delete(payload, "requestID")
	}
	digest := lo.Must(hashstructure.Hash(struct {
		Region    string
		Resources []string
		Detail    any
	}{e.Region, e.Resources, detail}, hashstructure.FormatV2, &hashstructure.HashOptions{SlicesAsSets: true}))
	return fmt.Sprintf("%016x", digest)
}

// RuleMap routes event names to the rule ids a change makes worth
// re-checking. Event names without an entry are batched but never trigger a
// job on their own.
type RuleMap map[string][]string

// ParseRuleMap reads a TOML mapping of the form:
//
//	[events]
//	"RunInstances" = ["ec2-imdsv2", "ec2-public-ip"]
func ParseRuleMap(data []byte) (RuleMap, error) {
	doc := struct {
		Events map[string][]string `toml:"events"`
	}{}
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing event rule map, %w", err)
	}
	if doc.Events == nil {
		doc.Events = map[string][]string{}
	}
	return doc.Events, nil
}

// LoadRuleMap reads the mapping from disk. An empty path yields an empty map
// so ingestion can run before any routes are configured.
func LoadRuleMap(path string) (RuleMap, error) {
	if path == "" {
		return RuleMap{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading event rule map %s, %w", path, err)
	}
	return ParseRuleMap(data)
}
