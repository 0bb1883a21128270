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

package findings

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"github.com/samber/lo"

	"github.com/vigilsec/vigil/pkg/apis/core"
)

// Finding is one violating resource observed by a rule in a region. Resource
// is the stable descriptor the scanner derived for the resource; two scans of
// the same resource produce the same descriptor.
type Finding struct {
	RuleID    string        `json:"rule_id"`
	Region    string        `json:"region"`
	Resource  string        `json:"resource"`
	Severity  core.Severity `json:"severity"`
	FirstSeen time.Time     `json:"first_seen"`
	LastSeen  time.Time     `json:"last_seen"`
	Tags      []string      `json:"tags,omitempty"`
}

// shardKeyInput pins the attributes participating in shard addressing. The
// hash must never change shape or existing shards become unaddressable.
type shardKeyInput struct {
	RuleID string
	Region string
}

// ShardKey assigns a finding to one of n shards. The key is a pure function
// of (rule_id, region) so re-running a scan lands findings in the same shard.
func ShardKey(ruleID, region string, n int) int {
	h := lo.Must(hashstructure.Hash(shardKeyInput{RuleID: ruleID, Region: region}, hashstructure.FormatV2, nil))
	return int(h % uint64(n))
}

// Canonicalize sorts findings into the canonical order (rule_id, region,
// resource ascending) and normalizes timestamps to UTC, so encoding the same
// logical content always yields the same bytes.
func Canonicalize(findings []Finding) []Finding {
	out := make([]Finding, len(findings))
	for i, f := range findings {
		f.FirstSeen = f.FirstSeen.UTC()
		f.LastSeen = f.LastSeen.UTC()
		sort.Strings(f.Tags)
		out[i] = f
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RuleID != out[j].RuleID {
			return out[i].RuleID < out[j].RuleID
		}
		if out[i].Region != out[j].Region {
			return out[i].Region < out[j].Region
		}
		return out[i].Resource < out[j].Resource
	})
	return out
}

// Encode renders findings into the canonical shard form. Decode of the
// result round-trips to the same canonical slice.
func Encode(findings []Finding) ([]byte, error) {
	raw, err := json.Marshal(Canonicalize(findings))
	if err != nil {
		return nil, fmt.Errorf("encoding shard, %w", err)
	}
	return raw, nil
}

func Decode(data []byte) ([]Finding, error) {
	var findings []Finding
	if err := json.Unmarshal(data, &findings); err != nil {
		return nil, fmt.Errorf("decoding shard, %w", err)
	}
	return findings, nil
}

// Digest is the content address of a shard: the hex sha256 of its canonical
// encoding.
func Digest(findings []Finding) string {
	raw := lo.Must(Encode(findings))
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// PairSet marks which (rule, region) pairs a job actually executed. Merging
// trusts it to tell remediated findings apart from never-rechecked ones.
type PairSet map[string]struct{}

func pairKey(ruleID, region string) string {
	return ruleID + "\x1f" + region
}

// NewPairSet builds the executed set as the cross product of the rules that
// ran and the regions the job scanned.
func NewPairSet(ruleIDs, regions []string) PairSet {
	set := make(PairSet, len(ruleIDs)*len(regions))
	for _, rule := range ruleIDs {
		for _, region := range regions {
			set[pairKey(rule, region)] = struct{}{}
		}
	}
	return set
}

func (s PairSet) Has(ruleID, region string) bool {
	_, ok := s[pairKey(ruleID, region)]
	return ok
}

// Merge folds the findings of one successful job into a tenant's previous
// findings and returns a new canonical slice. Per (rule, region):
//
//   - present in incoming: the incoming resource set replaces the previous
//     one. FirstSeen carries over for resources seen before; LastSeen is now.
//   - absent from incoming but executed: previous entries drop, the
//     violations were remediated.
//   - not executed: previous entries survive untouched.
func Merge(previous, incoming []Finding, executed PairSet, now time.Time) []Finding {
	now = now.UTC()
	firstSeen := map[string]time.Time{}
	for _, f := range previous {
		firstSeen[pairKey(f.RuleID, f.Region)+"\x1f"+f.Resource] = f.FirstSeen
	}
	covered := map[string]struct{}{}
	merged := make([]Finding, 0, len(incoming))
	for _, f := range incoming {
		covered[pairKey(f.RuleID, f.Region)] = struct{}{}
		if seen, ok := firstSeen[pairKey(f.RuleID, f.Region)+"\x1f"+f.Resource]; ok {
			f.FirstSeen = seen
		} else {
			f.FirstSeen = now
		}
		f.LastSeen = now
		merged = append(merged, f)
	}
	for _, f := range previous {
		if _, replaced := covered[pairKey(f.RuleID, f.Region)]; replaced {
			continue
		}
		if executed.Has(f.RuleID, f.Region) {
			continue
		}
		merged = append(merged, f)
	}
	return Canonicalize(merged)
}

// Diff reports the findings added and removed between two shard states,
// matching on (rule, region, resource).
func Diff(previous, current []Finding) (added, removed []Finding) {
	identity := func(f Finding) string {
		return pairKey(f.RuleID, f.Region) + "\x1f" + f.Resource
	}
	before := lo.SliceToMap(previous, func(f Finding) (string, Finding) { return identity(f), f })
	after := lo.SliceToMap(current, func(f Finding) (string, Finding) { return identity(f), f })
	for id, f := range after {
		if _, ok := before[id]; !ok {
			added = append(added, f)
		}
	}
	for id, f := range before {
		if _, ok := after[id]; !ok {
			removed = append(removed, f)
		}
	}
	return Canonicalize(added), Canonicalize(removed)
}

// Split buckets findings into shards by key.
func Split(findings []Finding, n int) map[int][]Finding {
	shards := map[int][]Finding{}
	for _, f := range findings {
		key := ShardKey(f.RuleID, f.Region, n)
		shards[key] = append(shards[key], f)
	}
	return shards
}
