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

package rulesource_test

import (
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"

	"github.com/vigilsec/vigil/pkg/apis/core"
	vigilerrors "github.com/vigilsec/vigil/pkg/errors"
	"github.com/vigilsec/vigil/pkg/fake"
	"github.com/vigilsec/vigil/pkg/providers/ruleset"
	"github.com/vigilsec/vigil/pkg/providers/rulesource"
	"github.com/vigilsec/vigil/pkg/storage/document"
	"github.com/vigilsec/vigil/pkg/test"
)

func ruleYAML(name, version string) []byte {
	return []byte(fmt.Sprintf(`name: %s
version: "%s"
cloud: aws
severity: High
service_section: storage
description: buckets must encrypt at rest
standards:
  PCI DSS: ["3.4"]
mitre:
  - tactic: Defense Evasion
    technique: T1562
`, name, version))
}

func armFetch(files ...rulesource.RuleFile) {
	env.ContentFetcher.FetchBehavior.Output.Set(&fake.FetchOutput{Files: files})
}

var _ = Describe("RuleSourceProvider", func() {
	var source *core.RuleSource

	BeforeEach(func() {
		source = test.RuleSource()
		Expect(env.RuleSourceProvider.Create(ctx, source)).To(Succeed())
	})

	Context("CRUD", func() {
		It("should create sources in IDLE", func() {
			got, err := env.RuleSourceProvider.Get(ctx, source.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(got.Status).To(Equal(core.RuleSourceStatusIdle))
			Expect(got.LastSyncAt).To(BeNil())
		})
		It("should reject a duplicate id", func() {
			err := env.RuleSourceProvider.Create(ctx, source)
			Expect(vigilerrors.IsConflict(err)).To(BeTrue())
		})
		It("should require an origin", func() {
			err := env.RuleSourceProvider.Create(ctx, &core.RuleSource{Customer: source.Customer})
			Expect(vigilerrors.IsValidation(err)).To(BeTrue())
		})
		It("should list by customer", func() {
			other := test.RuleSource()
			Expect(env.RuleSourceProvider.Create(ctx, other)).To(Succeed())
			sources, _, err := env.RuleSourceProvider.List(ctx, source.Customer, 0, "")
			Expect(err).ToNot(HaveOccurred())
			Expect(sources).To(HaveLen(1))
			Expect(sources[0].ID).To(Equal(source.ID))
		})
		It("should not let updates touch the sync state", func() {
			armFetch(rulesource.RuleFile{Path: "a.yaml", Data: ruleYAML("vigil-aws-1-s3-encryption", "1.0")})
			_, err := env.RuleSourceProvider.Sync(ctx, source.ID)
			Expect(err).ToNot(HaveOccurred())

			source.Description = "updated"
			source.Status = core.RuleSourceStatusFailed
			Expect(env.RuleSourceProvider.Update(ctx, source)).To(Succeed())

			got, err := env.RuleSourceProvider.Get(ctx, source.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(got.Description).To(Equal("updated"))
			Expect(got.Status).To(Equal(core.RuleSourceStatusSynced))
		})
	})

	Context("Sync", func() {
		It("should parse fetched rules into the catalog", func() {
			armFetch(
				rulesource.RuleFile{Path: "s3.yaml", Data: ruleYAML("vigil-aws-1-s3-encryption", "1.0")},
				rulesource.RuleFile{Path: "iam.yaml", Data: ruleYAML("vigil-aws-2-iam-mfa", "1.1")},
			)
			result, err := env.RuleSourceProvider.Sync(ctx, source.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Synced).To(Equal(2))
			Expect(result.Failures).To(BeEmpty())

			rule, err := env.RuleSourceProvider.GetRule(ctx, "vigil-aws-1-s3-encryption_1.0")
			Expect(err).ToNot(HaveOccurred())
			Expect(rule.SourceID).To(Equal(source.ID))
			Expect(rule.Severity).To(Equal(core.SeverityHigh))
			Expect(rule.Standards).To(HaveKey("PCI DSS"))

			got, err := env.RuleSourceProvider.Get(ctx, source.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(got.Status).To(Equal(core.RuleSourceStatusSynced))
			Expect(got.LastSyncAt).ToNot(BeNil())
		})
		It("should succeed with per-file failures when at least one rule parses", func() {
			armFetch(
				rulesource.RuleFile{Path: "good.yaml", Data: ruleYAML("vigil-aws-1-s3-encryption", "1.0")},
				rulesource.RuleFile{Path: "bad.yaml", Data: []byte("name: broken\n")},
			)
			result, err := env.RuleSourceProvider.Sync(ctx, source.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Synced).To(Equal(1))
			Expect(result.Failures).To(HaveKey("bad.yaml"))

			got, err := env.RuleSourceProvider.Get(ctx, source.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(got.Status).To(Equal(core.RuleSourceStatusSynced))
			Expect(got.StatusReason).To(ContainSubstring("1 rules failed"))
		})
		It("should fail when no rule parses", func() {
			armFetch(rulesource.RuleFile{Path: "bad.yaml", Data: []byte("not: a rule\n")})
			_, err := env.RuleSourceProvider.Sync(ctx, source.ID)
			Expect(vigilerrors.IsValidation(err)).To(BeTrue())

			got, gerr := env.RuleSourceProvider.Get(ctx, source.ID)
			Expect(gerr).ToNot(HaveOccurred())
			Expect(got.Status).To(Equal(core.RuleSourceStatusFailed))
			Expect(got.StatusReason).ToNot(BeEmpty())
		})
		It("should fail when the origin is unreachable", func() {
			env.ContentFetcher.FetchBehavior.Error.Set(fmt.Errorf("connection refused"))
			_, err := env.RuleSourceProvider.Sync(ctx, source.ID)
			Expect(err).To(HaveOccurred())

			got, gerr := env.RuleSourceProvider.Get(ctx, source.ID)
			Expect(gerr).ToNot(HaveOccurred())
			Expect(got.Status).To(Equal(core.RuleSourceStatusFailed))
			Expect(got.StatusReason).To(ContainSubstring("connection refused"))
		})
		It("should reject a sync while one is in flight", func() {
			Expect(env.DocumentStore.Update(ctx, test.RuleSourcesTable,
				document.Key{"id": source.ID},
				document.Update{Set: map[string]any{"status": string(core.RuleSourceStatusSyncing)}},
				nil,
			)).To(Succeed())
			_, err := env.RuleSourceProvider.Sync(ctx, source.ID)
			Expect(vigilerrors.IsConflict(err)).To(BeTrue())
		})
		It("should hand the access secret to the fetcher", func() {
			source.SecretName = "rule-sources/" + source.ID
			Expect(env.RuleSourceProvider.Update(ctx, source)).To(Succeed())
			Expect(env.SecretStore.Put(ctx, source.SecretName, "deploy-token", time.Hour)).To(Succeed())

			armFetch(rulesource.RuleFile{Path: "a.yaml", Data: ruleYAML("vigil-aws-1-s3-encryption", "1.0")})
			_, err := env.RuleSourceProvider.Sync(ctx, source.ID)
			Expect(err).ToNot(HaveOccurred())

			input := env.ContentFetcher.FetchBehavior.CalledWithInput.Pop()
			Expect(input.Secret).To(Equal("deploy-token"))
		})
		It("should leave rule ids untouched when the source content is unchanged", func() {
			armFetch(rulesource.RuleFile{Path: "a.yaml", Data: ruleYAML("vigil-aws-1-s3-encryption", "1.0")})
			first, err := env.RuleSourceProvider.Sync(ctx, source.ID)
			Expect(err).ToNot(HaveOccurred())
			second, err := env.RuleSourceProvider.Sync(ctx, source.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(second.Synced).To(Equal(first.Synced))
			Expect(second.Evicted).To(BeZero())

			rules, err := env.RuleSourceProvider.ListRules(ctx, rulesource.RuleFilter{SourceID: source.ID})
			Expect(err).ToNot(HaveOccurred())
			Expect(rules).To(HaveLen(1))
		})
	})

	Context("Eviction", func() {
		BeforeEach(func() {
			armFetch(
				rulesource.RuleFile{Path: "a.yaml", Data: ruleYAML("vigil-aws-1-s3-encryption", "1.0")},
				rulesource.RuleFile{Path: "b.yaml", Data: ruleYAML("vigil-aws-2-iam-mfa", "1.0")},
			)
			_, err := env.RuleSourceProvider.Sync(ctx, source.ID)
			Expect(err).ToNot(HaveOccurred())
		})
		It("should evict rules that vanished from the source", func() {
			armFetch(rulesource.RuleFile{Path: "a.yaml", Data: ruleYAML("vigil-aws-1-s3-encryption", "1.0")})
			result, err := env.RuleSourceProvider.Sync(ctx, source.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Evicted).To(Equal(1))

			_, err = env.RuleSourceProvider.GetRule(ctx, "vigil-aws-2-iam-mfa_1.0")
			Expect(vigilerrors.IsNotFound(err)).To(BeTrue())
		})
		It("should retain vanished rules still referenced by a ruleset", func() {
			_, err := env.RulesetProvider.Assemble(ctx, ruleset.AssembleRequest{
				Customer: source.Customer,
				Cloud:    core.CloudAWS,
				Name:     "baseline",
				Selector: ruleset.Selector{RuleIDs: []string{"vigil-aws-2-iam-mfa_1.0"}},
			})
			Expect(err).ToNot(HaveOccurred())

			armFetch(rulesource.RuleFile{Path: "a.yaml", Data: ruleYAML("vigil-aws-1-s3-encryption", "1.0")})
			result, err := env.RuleSourceProvider.Sync(ctx, source.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Evicted).To(BeZero())
			Expect(result.Retained).To(ConsistOf("vigil-aws-2-iam-mfa_1.0"))

			rule, err := env.RuleSourceProvider.GetRule(ctx, "vigil-aws-2-iam-mfa_1.0")
			Expect(err).ToNot(HaveOccurred())
			Expect(rule.ID).To(Equal("vigil-aws-2-iam-mfa_1.0"))
		})
		It("should evict unreferenced rules when the source is deleted", func() {
			Expect(env.RuleSourceProvider.Delete(ctx, source.ID)).To(Succeed())
			rules, err := env.RuleSourceProvider.ListRules(ctx, rulesource.RuleFilter{SourceID: source.ID})
			Expect(err).ToNot(HaveOccurred())
			Expect(rules).To(BeEmpty())
		})
	})

	Context("Rule Listing", func() {
		BeforeEach(func() {
			for _, rule := range []*core.Rule{
				test.Rule(core.Rule{ID: "vigil-aws-1-s3-encryption_1.0", Cloud: core.CloudAWS, ServiceSection: "storage", Standards: map[string][]string{"PCI DSS": {"3.4"}}}),
				test.Rule(core.Rule{ID: "vigil-aws-2-iam-mfa_1.0", Cloud: core.CloudAWS, ServiceSection: "identity"}),
				test.Rule(core.Rule{ID: "vigil-azure-1-blob-public_1.0", Cloud: core.CloudAzure, ServiceSection: "storage"}),
				test.Rule(core.Rule{ID: "vigil-aws-3-unused-volumes_1.0", Cloud: core.CloudAWS, ServiceSection: "storage", FinOps: true}),
			} {
				Expect(env.DocumentStore.Put(ctx, test.RulesTable, rule, nil)).To(Succeed())
			}
		})
		It("should filter by cloud", func() {
			rules, err := env.RuleSourceProvider.ListRules(ctx, rulesource.RuleFilter{Cloud: core.CloudAWS})
			Expect(err).ToNot(HaveOccurred())
			Expect(rules).To(HaveLen(3))
		})
		It("should filter by standard", func() {
			rules, err := env.RuleSourceProvider.ListRules(ctx, rulesource.RuleFilter{Standard: "PCI DSS"})
			Expect(err).ToNot(HaveOccurred())
			Expect(rules).To(HaveLen(1))
			Expect(rules[0].ID).To(Equal("vigil-aws-1-s3-encryption_1.0"))
		})
		It("should filter by service section", func() {
			rules, err := env.RuleSourceProvider.ListRules(ctx, rulesource.RuleFilter{Cloud: core.CloudAWS, ServiceSection: "storage"})
			Expect(err).ToNot(HaveOccurred())
			Expect(rules).To(HaveLen(2))
		})
		It("should filter by finops annotation", func() {
			rules, err := env.RuleSourceProvider.ListRules(ctx, rulesource.RuleFilter{FinOps: lo.ToPtr(true)})
			Expect(err).ToNot(HaveOccurred())
			Expect(rules).To(HaveLen(1))
			Expect(rules[0].ID).To(Equal("vigil-aws-3-unused-volumes_1.0"))
		})
	})
})
