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
	"fmt"
	"strconv"
	"strings"

	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/vigilsec/vigil/pkg/apis/core"
	vigilerrors "github.com/vigilsec/vigil/pkg/errors"
	"github.com/vigilsec/vigil/pkg/logging"
	"github.com/vigilsec/vigil/pkg/providers/rulesource"
	"github.com/vigilsec/vigil/pkg/storage/document"
	"github.com/vigilsec/vigil/pkg/storage/object"
)

// Selector picks the rules an assembly pulls from the catalog. Exactly one
// selection mode must be set.
type Selector struct {
	AllForCloud    bool     `json:"all_for_cloud,omitempty"`
	Standard       string   `json:"standard,omitempty"`
	ServiceSection string   `json:"service_section,omitempty"`
	RuleIDs        []string `json:"rule_ids,omitempty"`
	GitProjectID   string   `json:"git_project_id,omitempty"`
	GitRef         string   `json:"git_ref,omitempty"`
}

func (s Selector) modes() int {
	n := 0
	if s.AllForCloud {
		n++
	}
	if s.Standard != "" {
		n++
	}
	if s.ServiceSection != "" {
		n++
	}
	if len(s.RuleIDs) > 0 {
		n++
	}
	if s.GitProjectID != "" {
		n++
	}
	return n
}

// AssembleRequest names the ruleset to build and how to select its rules.
type AssembleRequest struct {
	Customer    string
	Cloud       core.Cloud
	Name        string
	DisplayName string
	Licensed    bool
	LicenseKeys []string
	Selector    Selector
}

// Provider assembles, releases and serves rulesets and their rule bundles.
type Provider interface {
	Assemble(ctx context.Context, req AssembleRequest) (*core.Ruleset, error)
	Release(ctx context.Context, customer string, cloud core.Cloud, name string, version int, displayName string, overwrite bool) (*core.Ruleset, error)
	Activate(ctx context.Context, customer string, cloud core.Cloud, name string, version int) (*core.Ruleset, error)
	Get(ctx context.Context, customer string, cloud core.Cloud, name string, version int) (*core.Ruleset, error)
	GetActive(ctx context.Context, customer string, cloud core.Cloud, name string) (*core.Ruleset, error)
	Versions(ctx context.Context, customer string, cloud core.Cloud, name string) ([]*core.Ruleset, error)
	List(ctx context.Context, customer string, limit int32, nextToken string) ([]*core.Ruleset, string, error)
	Delete(ctx context.Context, customer string, cloud core.Cloud, name string, version int) error
	Bundle(ctx context.Context, ruleset *core.Ruleset) ([]*core.Rule, error)
	Resolve(ctx context.Context, customer string, cloud core.Cloud, names []string) ([]*core.Ruleset, error)
	Referenced(ctx context.Context, ruleID string) (bool, error)
}

type DefaultProvider struct {
	store   document.Store
	objects object.Store
	catalog rulesource.Provider
	table   string
	cache   *cache.Cache
	clk     clock.Clock
}

func NewDefaultProvider(store document.Store, objects object.Store, catalog rulesource.Provider,
	table string, cache *cache.Cache, clk clock.Clock) *DefaultProvider {
	return &DefaultProvider{
		store:   store,
		objects: objects,
		catalog: catalog,
		table:   table,
		cache:   cache,
		clk:     clk,
	}
}

// Assemble selects rules from the catalog, resolves duplicate rule names to
// the highest version (source priority breaks ties), writes the bundle to
// the object store and records the ruleset. Versions of a name only grow.
func (p *DefaultProvider) Assemble(ctx context.Context, req AssembleRequest) (*core.Ruleset, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	versions, err := p.Versions(ctx, req.Customer, req.Cloud, req.Name)
	if err != nil {
		return nil, err
	}
	next := 1
	for _, existing := range versions {
		if existing.Version >= next {
			next = existing.Version + 1
		}
	}

	rs := &core.Ruleset{
		Customer:    req.Customer,
		Name:        req.Name,
		Version:     next,
		Cloud:       req.Cloud,
		Licensed:    req.Licensed,
		LicenseKeys: req.LicenseKeys,
		DisplayName: req.DisplayName,
		Status:      core.RulesetStatusAssembling,
		CreatedAt:   p.clk.Now().UTC(),
	}
	if err := p.store.Put(ctx, p.table, record(rs), &document.Condition{AttributeNotExists: []string{"version"}}); err != nil {
		if vigilerrors.IsConflict(err) {
			return nil, vigilerrors.Newf(vigilerrors.KindConflict, "ruleset %s version %d already exists", rs.Name, rs.Version)
		}
		return nil, err
	}

	rules, err := p.selectRules(ctx, req)
	if err != nil {
		return nil, p.fail(ctx, rs, err)
	}
	rules, err = p.dedupe(ctx, rules)
	if err != nil {
		return nil, p.fail(ctx, rs, err)
	}
	if len(rules) == 0 {
		return nil, p.fail(ctx, rs, vigilerrors.Newf(vigilerrors.KindValidation, "selector matched no rules for cloud %s", req.Cloud))
	}

	bundleKey := BundleKey(rs)
	if err := p.writeBundle(ctx, bundleKey, rules); err != nil {
		return nil, p.fail(ctx, rs, err)
	}

	rs.RuleIDs = lo.Map(rules, func(r *core.Rule, _ int) string { return r.ID })
	rs.RulesNumber = len(rs.RuleIDs)
	rs.BundleKey = bundleKey
	rs.Status = core.RulesetStatusReadyToScan
	if err := p.store.Put(ctx, p.table, record(rs), nil); err != nil {
		return nil, err
	}
	logging.FromContext(ctx).With(
		"customer", rs.Customer,
		"ruleset", rs.Name,
		"version", rs.Version,
		"rules", rs.RulesNumber,
	).Infof("assembled ruleset")
	return rs, nil
}

// Release publishes an assembled version: it becomes the active default for
// its name and is immutable afterwards. Re-releasing an already released
// version fails with CONFLICT unless overwrite is set.
func (p *DefaultProvider) Release(ctx context.Context, customer string, cloud core.Cloud, name string, version int, displayName string, overwrite bool) (*core.Ruleset, error) {
	rs, err := p.Get(ctx, customer, cloud, name, version)
	if err != nil {
		return nil, err
	}
	if rs.Status != core.RulesetStatusReadyToScan {
		return nil, vigilerrors.Newf(vigilerrors.KindValidation, "ruleset %s version %d is %s, only READY_TO_SCAN versions release", name, version, rs.Status)
	}
	if rs.ReleasedAt != nil && !overwrite {
		return nil, vigilerrors.Newf(vigilerrors.KindConflict, "ruleset %s version %d is already released", name, version)
	}
	siblings, err := p.Versions(ctx, customer, cloud, name)
	if err != nil {
		return nil, err
	}
	for _, sibling := range siblings {
		if sibling.Version == version || !sibling.Active {
			continue
		}
		if err := p.store.Update(ctx, p.table,
			key(customer, cloud, name, sibling.Version),
			document.Update{Set: map[string]any{"active": false}},
			nil,
		); err != nil {
			return nil, err
		}
	}
	now := p.clk.Now().UTC()
	rs.Active = true
	rs.ReleasedAt = &now
	if displayName != "" {
		rs.DisplayName = displayName
	}
	if err := p.store.Put(ctx, p.table, record(rs), nil); err != nil {
		return nil, err
	}
	logging.FromContext(ctx).With("customer", customer, "ruleset", name, "version", version).Infof("released ruleset")
	return rs, nil
}

// Activate switches the active default of a name to a previously released
// version. Rolling back to an older release goes through here.
func (p *DefaultProvider) Activate(ctx context.Context, customer string, cloud core.Cloud, name string, version int) (*core.Ruleset, error) {
	rs, err := p.Get(ctx, customer, cloud, name, version)
	if err != nil {
		return nil, err
	}
	if rs.ReleasedAt == nil {
		return nil, vigilerrors.Newf(vigilerrors.KindValidation, "ruleset %s version %d was never released", name, version)
	}
	if rs.Active {
		return rs, nil
	}
	siblings, err := p.Versions(ctx, customer, cloud, name)
	if err != nil {
		return nil, err
	}
	for _, sibling := range siblings {
		if sibling.Version == version || !sibling.Active {
			continue
		}
		if err := p.store.Update(ctx, p.table,
			key(customer, cloud, name, sibling.Version),
			document.Update{Set: map[string]any{"active": false}},
			nil,
		); err != nil {
			return nil, err
		}
	}
	if err := p.store.Update(ctx, p.table,
		key(customer, cloud, name, version),
		document.Update{Set: map[string]any{"active": true}},
		nil,
	); err != nil {
		return nil, err
	}
	rs.Active = true
	logging.FromContext(ctx).With("customer", customer, "ruleset", name, "version", version).Infof("activated ruleset version")
	return rs, nil
}

func (p *DefaultProvider) Get(ctx context.Context, customer string, cloud core.Cloud, name string, version int) (*core.Ruleset, error) {
	rs := &core.Ruleset{}
	if err := p.store.Get(ctx, p.table, key(customer, cloud, name, version), rs); err != nil {
		if vigilerrors.IsNotFound(err) {
			return nil, vigilerrors.Newf(vigilerrors.KindNotFound, "ruleset %s version %d not found", name, version)
		}
		return nil, err
	}
	return rs, nil
}

// GetActive returns the released default version for a name.
func (p *DefaultProvider) GetActive(ctx context.Context, customer string, cloud core.Cloud, name string) (*core.Ruleset, error) {
	versions, err := p.Versions(ctx, customer, cloud, name)
	if err != nil {
		return nil, err
	}
	for _, rs := range versions {
		if rs.Active {
			return rs, nil
		}
	}
	return nil, vigilerrors.Newf(vigilerrors.KindNotFound, "ruleset %s has no active version", name)
}

func (p *DefaultProvider) Versions(ctx context.Context, customer string, cloud core.Cloud, name string) ([]*core.Ruleset, error) {
	var versions []*core.Ruleset
	token := ""
	for {
		var page []*core.Ruleset
		next, err := p.store.Query(ctx, document.QueryInput{
			Table:     p.table,
			Equals:    document.Key{"id": core.RulesetID(customer, cloud, name)},
			NextToken: token,
		}, &page)
		if err != nil {
			return nil, err
		}
		versions = append(versions, page...)
		if next == "" {
			return versions, nil
		}
		token = next
	}
}

func (p *DefaultProvider) List(ctx context.Context, customer string, limit int32, nextToken string) ([]*core.Ruleset, string, error) {
	var rulesets []*core.Ruleset
	token, err := p.store.Query(ctx, document.QueryInput{
		Table:     p.table,
		Index:     "customer",
		Equals:    document.Key{"customer": customer},
		Limit:     limit,
		NextToken: nextToken,
	}, &rulesets)
	if err != nil {
		return nil, "", err
	}
	return rulesets, token, nil
}

// Delete removes a version and its bundle. Rules it referenced become
// evictable on the next source sync.
func (p *DefaultProvider) Delete(ctx context.Context, customer string, cloud core.Cloud, name string, version int) error {
	rs, err := p.Get(ctx, customer, cloud, name, version)
	if err != nil {
		return err
	}
	if err := p.store.Delete(ctx, p.table, key(customer, cloud, name, version), nil); err != nil {
		return err
	}
	if rs.BundleKey != "" {
		if err := p.objects.Delete(ctx, rs.BundleKey); err != nil {
			return fmt.Errorf("removing bundle of ruleset %s version %d, %w", name, version, err)
		}
		p.cache.Delete(rs.BundleKey)
	}
	logging.FromContext(ctx).With("customer", customer, "ruleset", name, "version", version).Debugf("deleted ruleset")
	return nil
}

// Bundle loads the full rule records of a READY_TO_SCAN version.
func (p *DefaultProvider) Bundle(ctx context.Context, ruleset *core.Ruleset) ([]*core.Rule, error) {
	if ruleset.BundleKey == "" {
		return nil, vigilerrors.Newf(vigilerrors.KindValidation, "ruleset %s version %d has no bundle", ruleset.Name, ruleset.Version)
	}
	if cached, ok := p.cache.Get(ruleset.BundleKey); ok {
		return cached.([]*core.Rule), nil
	}
	raw, err := p.objects.Get(ctx, ruleset.BundleKey)
	if err != nil {
		return nil, fmt.Errorf("loading bundle %q, %w", ruleset.BundleKey, err)
	}
	rules, err := decodeBundle(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding bundle %q, %w", ruleset.BundleKey, err)
	}
	p.cache.SetDefault(ruleset.BundleKey, rules)
	return rules, nil
}

// Resolve maps requested ruleset names to their active versions and rejects
// names that do not exist, are not scannable or target another cloud.
func (p *DefaultProvider) Resolve(ctx context.Context, customer string, cloud core.Cloud, names []string) ([]*core.Ruleset, error) {
	resolved := make([]*core.Ruleset, 0, len(names))
	for _, name := range names {
		rs, err := p.GetActive(ctx, customer, cloud, name)
		if err != nil {
			if vigilerrors.IsNotFound(err) {
				return nil, vigilerrors.Newf(vigilerrors.KindValidation, "ruleset %s has no active version for cloud %s", name, cloud)
			}
			return nil, err
		}
		if rs.Status != core.RulesetStatusReadyToScan {
			return nil, vigilerrors.Newf(vigilerrors.KindValidation, "ruleset %s version %d is not ready to scan", name, rs.Version)
		}
		resolved = append(resolved, rs)
	}
	return resolved, nil
}

// Referenced reports whether any stored ruleset version still lists the
// rule. The rule source provider consults it before evicting rules.
func (p *DefaultProvider) Referenced(ctx context.Context, ruleID string) (bool, error) {
	token := ""
	for {
		var page []*core.Ruleset
		next, err := p.store.Scan(ctx, document.ScanInput{Table: p.table, NextToken: token}, &page)
		if err != nil {
			return false, err
		}
		for _, rs := range page {
			if lo.Contains(rs.RuleIDs, ruleID) {
				return true, nil
			}
		}
		if next == "" {
			return false, nil
		}
		token = next
	}
}

func (p *DefaultProvider) selectRules(ctx context.Context, req AssembleRequest) ([]*core.Rule, error) {
	filter := rulesource.RuleFilter{Cloud: req.Cloud}
	switch {
	case req.Selector.AllForCloud:
	case req.Selector.Standard != "":
		filter.Standard = req.Selector.Standard
	case req.Selector.ServiceSection != "":
		filter.ServiceSection = req.Selector.ServiceSection
	case len(req.Selector.RuleIDs) > 0:
		filter.IDs = req.Selector.RuleIDs
	case req.Selector.GitProjectID != "":
		sources, err := p.gitSources(ctx, req.Customer, req.Selector.GitProjectID, req.Selector.GitRef)
		if err != nil {
			return nil, err
		}
		var rules []*core.Rule
		for _, source := range sources {
			part, err := p.catalog.ListRules(ctx, rulesource.RuleFilter{Cloud: req.Cloud, SourceID: source.ID})
			if err != nil {
				return nil, err
			}
			rules = append(rules, part...)
		}
		return rules, nil
	}
	rules, err := p.catalog.ListRules(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(req.Selector.RuleIDs) > 0 && len(rules) != len(lo.Uniq(req.Selector.RuleIDs)) {
		missing, _ := lo.Difference(lo.Uniq(req.Selector.RuleIDs), lo.Map(rules, func(r *core.Rule, _ int) string { return r.ID }))
		return nil, vigilerrors.Newf(vigilerrors.KindValidation, "rules do not exist or target another cloud: %s", strings.Join(missing, ", "))
	}
	return rules, nil
}

func (p *DefaultProvider) gitSources(ctx context.Context, customer, projectID, ref string) ([]*core.RuleSource, error) {
	var matched []*core.RuleSource
	token := ""
	for {
		page, next, err := p.catalog.List(ctx, customer, 0, token)
		if err != nil {
			return nil, err
		}
		for _, source := range page {
			if source.GitURL == "" || !strings.Contains(source.GitURL, projectID) {
				continue
			}
			if ref != "" && source.GitRef != ref {
				continue
			}
			matched = append(matched, source)
		}
		if next == "" {
			break
		}
		token = next
	}
	if len(matched) == 0 {
		return nil, vigilerrors.Newf(vigilerrors.KindValidation, "no rule source matches git project %q ref %q", projectID, ref)
	}
	return matched, nil
}

// dedupe collapses rules sharing a name to the highest version; ties break
// on source priority.
func (p *DefaultProvider) dedupe(ctx context.Context, rules []*core.Rule) ([]*core.Rule, error) {
	priorities := map[string]int{}
	priority := func(sourceID string) (int, error) {
		if cached, ok := priorities[sourceID]; ok {
			return cached, nil
		}
		source, err := p.catalog.Get(ctx, sourceID)
		if err != nil {
			if vigilerrors.IsNotFound(err) {
				priorities[sourceID] = 0
				return 0, nil
			}
			return 0, err
		}
		priorities[sourceID] = source.Priority
		return source.Priority, nil
	}

	byName := map[string]*core.Rule{}
	for _, rule := range rules {
		current, ok := byName[rule.Name()]
		if !ok {
			byName[rule.Name()] = rule
			continue
		}
		switch compareVersions(rule.Version, current.Version) {
		case 1:
			byName[rule.Name()] = rule
		case 0:
			rulePriority, err := priority(rule.SourceID)
			if err != nil {
				return nil, err
			}
			currentPriority, err := priority(current.SourceID)
			if err != nil {
				return nil, err
			}
			if rulePriority > currentPriority {
				byName[rule.Name()] = rule
			}
		}
	}
	out := lo.Values(byName)
	sortRules(out)
	return out, nil
}

func (p *DefaultProvider) fail(ctx context.Context, rs *core.Ruleset, cause error) error {
	rs.Status = core.RulesetStatusFailed
	rs.StatusReason = cause.Error()
	if err := p.store.Put(ctx, p.table, record(rs), nil); err != nil {
		logging.FromContext(ctx).With("ruleset", rs.Name, "version", rs.Version).Errorf("recording failed assembly: %s", err)
	}
	return cause
}

// compareVersions orders dotted numeric versions: 1.10 > 1.9 > 1.
func compareVersions(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		av, bv := 0, 0
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		if av != bv {
			if av > bv {
				return 1
			}
			return -1
		}
	}
	return 0
}

func validate(req AssembleRequest) error {
	if req.Customer == "" {
		return vigilerrors.Validation("customer is required", "customer")
	}
	if req.Name == "" {
		return vigilerrors.Validation("name is required", "name")
	}
	if !req.Cloud.Valid() {
		return vigilerrors.Validation(fmt.Sprintf("unknown cloud %q", req.Cloud), "cloud")
	}
	if req.Selector.modes() != 1 {
		return vigilerrors.Validation("exactly one selector must be set", "selector")
	}
	if req.Licensed && len(req.LicenseKeys) == 0 {
		return vigilerrors.Validation("licensed rulesets need at least one license key", "license_keys")
	}
	return nil
}

// rulesetRecord adds the composite partition key to the stored shape; reads
// unmarshal straight into core.Ruleset and drop it.
type rulesetRecord struct {
	RecordID string `dynamodbav:"id"`
	core.Ruleset
}

func record(rs *core.Ruleset) *rulesetRecord {
	return &rulesetRecord{RecordID: rs.ID(), Ruleset: *rs}
}

func key(customer string, cloud core.Cloud, name string, version int) document.Key {
	return document.Key{"id": core.RulesetID(customer, cloud, name), "version": version}
}
