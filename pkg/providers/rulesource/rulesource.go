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
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/vigilsec/vigil/pkg/apis/core"
	vigilerrors "github.com/vigilsec/vigil/pkg/errors"
	"github.com/vigilsec/vigil/pkg/logging"
	"github.com/vigilsec/vigil/pkg/storage/document"
	"github.com/vigilsec/vigil/pkg/storage/secret"
)

// RuleFile is one file pulled out of a rule source.
type RuleFile struct {
	Path string
	Data []byte
}

// ContentFetcher pulls rule definition files from an external origin. The
// git/release transport is a collaborator; the provider only sees files.
type ContentFetcher interface {
	Fetch(ctx context.Context, source core.RuleSource, accessSecret string) ([]RuleFile, error)
}

// RuleReferences reports whether any undeleted ruleset still references a
// rule id. Rules vanished from their source are retained while referenced.
type RuleReferences interface {
	Referenced(ctx context.Context, ruleID string) (bool, error)
}

// RuleReferencesFunc adapts a function to RuleReferences. The operator uses
// it to break the construction cycle with the ruleset provider.
type RuleReferencesFunc func(ctx context.Context, ruleID string) (bool, error)

func (f RuleReferencesFunc) Referenced(ctx context.Context, ruleID string) (bool, error) {
	return f(ctx, ruleID)
}

// RuleFilter narrows rule catalog listings. Zero fields match everything.
type RuleFilter struct {
	Cloud          core.Cloud
	SourceID       string
	Standard       string
	ServiceSection string
	IDs            []string
	FinOps         *bool
}

// SyncResult summarizes one source sync.
type SyncResult struct {
	Synced   int      `json:"synced"`
	Evicted  int      `json:"evicted"`
	Retained []string `json:"retained,omitempty"`
	// Failures maps file paths to their parse failure reasons.
	Failures map[string]string `json:"failures,omitempty"`
}

// Provider owns rule sources and the rule catalog they feed.
type Provider interface {
	Create(ctx context.Context, source *core.RuleSource) error
	Get(ctx context.Context, id string) (*core.RuleSource, error)
	List(ctx context.Context, customer string, limit int32, nextToken string) ([]*core.RuleSource, string, error)
	Update(ctx context.Context, source *core.RuleSource) error
	Delete(ctx context.Context, id string) error
	Sync(ctx context.Context, id string) (*SyncResult, error)
	GetRule(ctx context.Context, id string) (*core.Rule, error)
	ListRules(ctx context.Context, filter RuleFilter) ([]*core.Rule, error)
}

type DefaultProvider struct {
	store        document.Store
	secrets      secret.Store
	fetcher      ContentFetcher
	references   RuleReferences
	sourcesTable string
	rulesTable   string
	clk          clock.Clock
}

func NewDefaultProvider(store document.Store, secrets secret.Store, fetcher ContentFetcher, references RuleReferences,
	sourcesTable, rulesTable string, clk clock.Clock) *DefaultProvider {
	return &DefaultProvider{
		store:        store,
		secrets:      secrets,
		fetcher:      fetcher,
		references:   references,
		sourcesTable: sourcesTable,
		rulesTable:   rulesTable,
		clk:          clk,
	}
}

func (p *DefaultProvider) Create(ctx context.Context, source *core.RuleSource) error {
	if err := validate(source); err != nil {
		return err
	}
	if source.ID == "" {
		source.ID = uuid.NewString()
	}
	source.Status = core.RuleSourceStatusIdle
	source.StatusReason = ""
	source.LastSyncAt = nil
	if err := p.store.Put(ctx, p.sourcesTable, source, &document.Condition{AttributeNotExists: []string{"id"}}); err != nil {
		if vigilerrors.IsConflict(err) {
			return vigilerrors.Newf(vigilerrors.KindConflict, "rule source %s already exists", source.ID)
		}
		return err
	}
	logging.FromContext(ctx).With("customer", source.Customer, "rule-source", source.ID).Debugf("created rule source")
	return nil
}

func (p *DefaultProvider) Get(ctx context.Context, id string) (*core.RuleSource, error) {
	source := &core.RuleSource{}
	if err := p.store.Get(ctx, p.sourcesTable, document.Key{"id": id}, source); err != nil {
		if vigilerrors.IsNotFound(err) {
			return nil, vigilerrors.Newf(vigilerrors.KindNotFound, "rule source %s not found", id)
		}
		return nil, err
	}
	return source, nil
}

func (p *DefaultProvider) List(ctx context.Context, customer string, limit int32, nextToken string) ([]*core.RuleSource, string, error) {
	var sources []*core.RuleSource
	token, err := p.store.Query(ctx, document.QueryInput{
		Table:     p.sourcesTable,
		Index:     "customer",
		Equals:    document.Key{"customer": customer},
		Limit:     limit,
		NextToken: nextToken,
	}, &sources)
	if err != nil {
		return nil, "", err
	}
	return sources, token, nil
}

// Update rewrites the source pointer but never its sync state, which only
// Sync transitions.
func (p *DefaultProvider) Update(ctx context.Context, source *core.RuleSource) error {
	if err := validate(source); err != nil {
		return err
	}
	existing, err := p.Get(ctx, source.ID)
	if err != nil {
		return err
	}
	source.Status = existing.Status
	source.StatusReason = existing.StatusReason
	source.LastSyncAt = existing.LastSyncAt
	return p.store.Put(ctx, p.sourcesTable, source, nil)
}

// Delete removes the source and evicts its rules, except those still
// referenced by an undeleted ruleset.
func (p *DefaultProvider) Delete(ctx context.Context, id string) error {
	source, err := p.Get(ctx, id)
	if err != nil {
		return err
	}
	if _, _, err := p.evict(ctx, source.ID, map[string]struct{}{}); err != nil {
		return err
	}
	if err := p.store.Delete(ctx, p.sourcesTable, document.Key{"id": id}, nil); err != nil {
		return err
	}
	logging.FromContext(ctx).With("rule-source", id).Debugf("deleted rule source")
	return nil
}

// Sync pulls the source content and reconciles the rule catalog with it:
// parsed rules are upserted, vanished rules are evicted unless a ruleset
// still references them. The status machine guards against concurrent syncs
// of the same source.
func (p *DefaultProvider) Sync(ctx context.Context, id string) (*SyncResult, error) {
	source, err := p.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if source.Status == core.RuleSourceStatusSyncing {
		return nil, vigilerrors.Newf(vigilerrors.KindConflict, "rule source %s is already syncing", id)
	}
	// The guard on the observed status turns two racing syncs into one
	// winner and one CONFLICT.
	if err := p.store.Update(ctx, p.sourcesTable,
		document.Key{"id": id},
		document.Update{Set: map[string]any{"status": string(core.RuleSourceStatusSyncing)}},
		&document.Condition{Equals: map[string]any{"status": string(source.Status)}},
	); err != nil {
		if vigilerrors.IsConflict(err) {
			return nil, vigilerrors.Newf(vigilerrors.KindConflict, "rule source %s is already syncing", id)
		}
		return nil, err
	}

	result, err := p.sync(ctx, source)
	if err != nil {
		if ferr := p.finish(ctx, id, core.RuleSourceStatusFailed, err.Error()); ferr != nil {
			logging.FromContext(ctx).With("rule-source", id).Errorf("recording failed sync: %s", ferr)
		}
		return nil, err
	}
	reason := ""
	if len(result.Failures) > 0 {
		reason = fmt.Sprintf("%d rules failed to parse", len(result.Failures))
	}
	if err := p.finish(ctx, id, core.RuleSourceStatusSynced, reason); err != nil {
		return nil, err
	}
	logging.FromContext(ctx).With(
		"rule-source", id,
		"synced", result.Synced,
		"evicted", result.Evicted,
		"retained", len(result.Retained),
		"failed", len(result.Failures),
	).Infof("synced rule source")
	return result, nil
}

func (p *DefaultProvider) sync(ctx context.Context, source *core.RuleSource) (*SyncResult, error) {
	accessSecret := ""
	if source.SecretName != "" {
		value, err := p.secrets.Get(ctx, source.SecretName)
		if err != nil {
			return nil, fmt.Errorf("reading access secret for rule source %s, %w", source.ID, err)
		}
		accessSecret = value
	}
	files, err := p.fetcher.Fetch(ctx, *source, accessSecret)
	if err != nil {
		return nil, fmt.Errorf("fetching rule source %s, %w", source.ID, err)
	}

	now := p.clk.Now().UTC()
	failures := map[string]string{}
	fetched := map[string]struct{}{}
	var rules []*core.Rule
	for _, file := range files {
		rule, err := parseRule(file.Data, now)
		if err != nil {
			failures[file.Path] = err.Error()
			continue
		}
		rule.SourceID = source.ID
		fetched[rule.ID] = struct{}{}
		rules = append(rules, rule)
	}
	if len(rules) == 0 {
		return nil, vigilerrors.Newf(vigilerrors.KindValidation, "no rules parsed from rule source %s (%d files failed)", source.ID, len(failures))
	}
	for _, rule := range rules {
		if err := p.store.Put(ctx, p.rulesTable, rule, nil); err != nil {
			return nil, fmt.Errorf("storing rule %s, %w", rule.ID, err)
		}
	}
	evicted, retained, err := p.evict(ctx, source.ID, fetched)
	if err != nil {
		return nil, err
	}
	return &SyncResult{Synced: len(rules), Evicted: evicted, Retained: retained, Failures: failures}, nil
}

// evict deletes this source's catalog rules missing from the fetched id set,
// keeping the ones a ruleset still references.
func (p *DefaultProvider) evict(ctx context.Context, sourceID string, fetched map[string]struct{}) (int, []string, error) {
	existing, err := p.ListRules(ctx, RuleFilter{SourceID: sourceID})
	if err != nil {
		return 0, nil, err
	}
	evicted := 0
	var retained []string
	for _, rule := range existing {
		if _, ok := fetched[rule.ID]; ok {
			continue
		}
		referenced, err := p.references.Referenced(ctx, rule.ID)
		if err != nil {
			return 0, nil, fmt.Errorf("checking references of rule %s, %w", rule.ID, err)
		}
		if referenced {
			retained = append(retained, rule.ID)
			continue
		}
		if err := p.store.Delete(ctx, p.rulesTable, document.Key{"id": rule.ID}, nil); err != nil {
			return 0, nil, fmt.Errorf("evicting rule %s, %w", rule.ID, err)
		}
		evicted++
	}
	sort.Strings(retained)
	return evicted, retained, nil
}

func (p *DefaultProvider) finish(ctx context.Context, id string, status core.RuleSourceStatus, reason string) error {
	set := map[string]any{
		"status":        string(status),
		"status_reason": reason,
	}
	if status == core.RuleSourceStatusSynced {
		set["last_sync_at"] = p.clk.Now().UTC()
	}
	return p.store.Update(ctx, p.sourcesTable,
		document.Key{"id": id},
		document.Update{Set: set},
		&document.Condition{Equals: map[string]any{"status": string(core.RuleSourceStatusSyncing)}},
	)
}

func (p *DefaultProvider) GetRule(ctx context.Context, id string) (*core.Rule, error) {
	rule := &core.Rule{}
	if err := p.store.Get(ctx, p.rulesTable, document.Key{"id": id}, rule); err != nil {
		if vigilerrors.IsNotFound(err) {
			return nil, vigilerrors.Newf(vigilerrors.KindNotFound, "rule %s not found", id)
		}
		return nil, err
	}
	return rule, nil
}

func (p *DefaultProvider) ListRules(ctx context.Context, filter RuleFilter) ([]*core.Rule, error) {
	var rules []*core.Rule
	if filter.SourceID != "" {
		token := ""
		for {
			var page []*core.Rule
			next, err := p.store.Query(ctx, document.QueryInput{
				Table:     p.rulesTable,
				Index:     "rule_source_id",
				Equals:    document.Key{"rule_source_id": filter.SourceID},
				NextToken: token,
			}, &page)
			if err != nil {
				return nil, err
			}
			rules = append(rules, page...)
			if next == "" {
				break
			}
			token = next
		}
	} else {
		token := ""
		for {
			var page []*core.Rule
			next, err := p.store.Scan(ctx, document.ScanInput{Table: p.rulesTable, NextToken: token}, &page)
			if err != nil {
				return nil, err
			}
			rules = append(rules, page...)
			if next == "" {
				break
			}
			token = next
		}
	}
	return lo.Filter(rules, func(rule *core.Rule, _ int) bool { return matches(rule, filter) }), nil
}

func matches(rule *core.Rule, filter RuleFilter) bool {
	if filter.Cloud != "" && rule.Cloud != filter.Cloud {
		return false
	}
	if filter.ServiceSection != "" && rule.ServiceSection != filter.ServiceSection {
		return false
	}
	if filter.Standard != "" {
		if _, ok := rule.Standards[filter.Standard]; !ok {
			return false
		}
	}
	if len(filter.IDs) > 0 && !lo.Contains(filter.IDs, rule.ID) {
		return false
	}
	if filter.FinOps != nil && rule.FinOps != *filter.FinOps {
		return false
	}
	return true
}

func validate(source *core.RuleSource) error {
	if source.Customer == "" {
		return vigilerrors.Validation("customer is required", "customer")
	}
	if source.GitURL == "" && source.ReleaseTag == "" {
		return vigilerrors.Validation("either git_url or release_tag is required", "git_url")
	}
	if source.GitURL != "" && source.GitRef == "" {
		return vigilerrors.Validation("git_ref is required with git_url", "git_ref")
	}
	return nil
}
