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

package integration_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/vigilsec/vigil/pkg/apis/core"
	vigilerrors "github.com/vigilsec/vigil/pkg/errors"
	"github.com/vigilsec/vigil/pkg/test"
)

var _ = Describe("IntegrationProvider", func() {
	var customer string

	BeforeEach(func() {
		customer = test.RandomName()
	})

	Context("Create", func() {
		It("should persist an activation and default its identity", func() {
			created := &core.Integration{
				Customer: customer,
				Kind:     core.IntegrationDojo,
				Endpoint: "https://dojo.example.com",
			}
			Expect(env.IntegrationProvider.Create(ctx, created)).To(Succeed())
			Expect(created.ID).ToNot(BeEmpty())
			Expect(created.CreatedAt).To(Equal(env.Clock.Now().UTC()))

			stored, err := env.IntegrationProvider.Get(ctx, customer, created.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(stored.Kind).To(Equal(core.IntegrationDojo))
			Expect(stored.Endpoint).To(Equal("https://dojo.example.com"))
		})
		It("should require a customer", func() {
			err := env.IntegrationProvider.Create(ctx, &core.Integration{
				Kind:     core.IntegrationDojo,
				Endpoint: "https://dojo.example.com",
			})
			Expect(vigilerrors.IsValidation(err)).To(BeTrue())
		})
		It("should reject unknown kinds", func() {
			err := env.IntegrationProvider.Create(ctx, &core.Integration{
				Customer: customer,
				Kind:     "pagerduty",
				Endpoint: "https://pd.example.com",
			})
			Expect(vigilerrors.IsValidation(err)).To(BeTrue())
		})
		It("should reject endpoints that are not http urls", func() {
			err := env.IntegrationProvider.Create(ctx, &core.Integration{
				Customer: customer,
				Kind:     core.IntegrationChronicle,
				Endpoint: "ftp://chronicle.example.com",
			})
			Expect(vigilerrors.IsValidation(err)).To(BeTrue())
		})
		It("should reject duplicate ids", func() {
			seed := test.Integration(core.Integration{Customer: customer})
			Expect(env.IntegrationProvider.Create(ctx, seed)).To(Succeed())
			err := env.IntegrationProvider.Create(ctx, &core.Integration{
				ID:       seed.ID,
				Customer: customer,
				Kind:     core.IntegrationDojo,
				Endpoint: "https://elsewhere.example.com",
			})
			Expect(vigilerrors.IsConflict(err)).To(BeTrue())
		})
	})

	Context("Listing", func() {
		It("should scope listings to the customer", func() {
			Expect(env.IntegrationProvider.Create(ctx, test.Integration(core.Integration{Customer: customer}))).To(Succeed())
			Expect(env.IntegrationProvider.Create(ctx, test.Integration(core.Integration{Customer: customer}))).To(Succeed())
			Expect(env.IntegrationProvider.Create(ctx, test.Integration())).To(Succeed())

			integrations, err := env.IntegrationProvider.List(ctx, customer)
			Expect(err).ToNot(HaveOccurred())
			Expect(integrations).To(HaveLen(2))
		})
		It("should keep disabled activations out of Active", func() {
			enabled := test.Integration(core.Integration{Customer: customer})
			disabled := test.Integration(core.Integration{Customer: customer})
			disabled.Enabled = false
			Expect(env.IntegrationProvider.Create(ctx, enabled)).To(Succeed())
			Expect(env.IntegrationProvider.Create(ctx, disabled)).To(Succeed())

			active, err := env.IntegrationProvider.Active(ctx, customer)
			Expect(err).ToNot(HaveOccurred())
			Expect(active).To(HaveLen(1))
			Expect(active[0].ID).To(Equal(enabled.ID))
		})
	})

	Context("Coverage", func() {
		It("should cover every tenant without an explicit list", func() {
			integration := test.Integration(core.Integration{Customer: customer})
			Expect(integration.AllTenants).To(BeTrue())
			Expect(integration.Covers(test.RandomName())).To(BeTrue())
		})
		It("should cover only the listed tenants", func() {
			integration := test.Integration(core.Integration{
				Customer: customer,
				Tenants:  []string{"prod", "staging"},
			})
			Expect(integration.Covers("prod")).To(BeTrue())
			Expect(integration.Covers("dev")).To(BeFalse())
		})
	})

	Context("Delete", func() {
		It("should remove the activation", func() {
			seed := test.Integration(core.Integration{Customer: customer})
			Expect(env.IntegrationProvider.Create(ctx, seed)).To(Succeed())
			Expect(env.IntegrationProvider.Delete(ctx, customer, seed.ID)).To(Succeed())

			_, err := env.IntegrationProvider.Get(ctx, customer, seed.ID)
			Expect(vigilerrors.IsNotFound(err)).To(BeTrue())
		})
		It("should surface a named error for missing activations", func() {
			_, err := env.IntegrationProvider.Get(ctx, customer, "ghost")
			Expect(err).To(MatchError(ContainSubstring("integration ghost not found")))
		})
	})
})
