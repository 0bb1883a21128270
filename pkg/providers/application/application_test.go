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

package application_test

import (
	"github.com/samber/lo"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/vigilsec/vigil/pkg/apis/core"
	vigilerrors "github.com/vigilsec/vigil/pkg/errors"
	"github.com/vigilsec/vigil/pkg/test"
)

var _ = Describe("ApplicationProvider", func() {
	var customer string

	BeforeEach(func() {
		customer = test.RandomName()
	})

	Context("Create", func() {
		It("should persist an application and default its identity", func() {
			created := &core.Application{
				Customer:   customer,
				Cloud:      core.CloudAWS,
				Type:       core.ApplicationTypeStaticKeys,
				SecretName: "applications/acme/keys",
			}
			Expect(env.ApplicationProvider.Create(ctx, created)).To(Succeed())
			Expect(created.ID).ToNot(BeEmpty())
			Expect(created.CreatedAt).To(Equal(env.Clock.Now().UTC()))

			stored, err := env.ApplicationProvider.Get(ctx, customer, created.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(stored.SecretName).To(Equal("applications/acme/keys"))
		})
		It("should require a customer", func() {
			err := env.ApplicationProvider.Create(ctx, &core.Application{
				Cloud: core.CloudAWS, Type: core.ApplicationTypeStaticKeys, SecretName: "s",
			})
			Expect(vigilerrors.IsValidation(err)).To(BeTrue())
		})
		It("should reject unknown clouds", func() {
			err := env.ApplicationProvider.Create(ctx, &core.Application{
				Customer: customer, Cloud: "digitalocean", Type: core.ApplicationTypeStaticKeys, SecretName: "s",
			})
			Expect(vigilerrors.IsValidation(err)).To(BeTrue())
		})
		It("should require a secret name for static key applications", func() {
			err := env.ApplicationProvider.Create(ctx, &core.Application{
				Customer: customer, Cloud: core.CloudAWS, Type: core.ApplicationTypeStaticKeys,
			})
			Expect(vigilerrors.IsValidation(err)).To(BeTrue())
		})
		It("should require an arn for role applications", func() {
			err := env.ApplicationProvider.Create(ctx, &core.Application{
				Customer: customer, Cloud: core.CloudAWS, Type: core.ApplicationTypeRoleARN,
			})
			Expect(vigilerrors.IsValidation(err)).To(BeTrue())
		})
		It("should reject unknown application types", func() {
			err := env.ApplicationProvider.Create(ctx, &core.Application{
				Customer: customer, Cloud: core.CloudAWS, Type: "oauth",
			})
			Expect(vigilerrors.IsValidation(err)).To(BeTrue())
		})
		It("should reject duplicate ids", func() {
			seed := test.Application(core.Application{Customer: customer})
			Expect(env.ApplicationProvider.Create(ctx, seed)).To(Succeed())

			err := env.ApplicationProvider.Create(ctx, test.Application(core.Application{
				Customer: customer, ID: seed.ID,
			}))
			Expect(vigilerrors.IsConflict(err)).To(BeTrue())
		})
	})

	Context("Listing", func() {
		It("should scope listings to the customer", func() {
			Expect(env.ApplicationProvider.Create(ctx, test.Application(core.Application{Customer: customer}))).To(Succeed())
			Expect(env.ApplicationProvider.Create(ctx, test.Application(core.Application{Customer: customer}))).To(Succeed())
			Expect(env.ApplicationProvider.Create(ctx, test.Application())).To(Succeed())

			apps, err := env.ApplicationProvider.List(ctx, customer)
			Expect(err).ToNot(HaveOccurred())
			Expect(apps).To(HaveLen(2))
		})
	})

	Context("ForTenant", func() {
		It("should order tenant-linked applications before customer-wide ones", func() {
			tenant := test.Tenant(core.Tenant{Customer: customer})
			wide := test.Application(core.Application{Customer: customer})
			linked := test.Application(core.Application{Customer: customer, Tenant: tenant.Name})
			other := test.Application(core.Application{Customer: customer, Tenant: "someone-else"})
			Expect(env.ApplicationProvider.Create(ctx, wide)).To(Succeed())
			Expect(env.ApplicationProvider.Create(ctx, linked)).To(Succeed())
			Expect(env.ApplicationProvider.Create(ctx, other)).To(Succeed())

			apps, err := env.ApplicationProvider.ForTenant(ctx, tenant)
			Expect(err).ToNot(HaveOccurred())
			Expect(lo.Map(apps, func(a *core.Application, _ int) string { return a.ID })).
				To(Equal([]string{linked.ID, wide.ID}))
		})
		It("should filter applications to the tenant's cloud", func() {
			tenant := test.Tenant(core.Tenant{Customer: customer, Cloud: core.CloudGCP})
			Expect(env.ApplicationProvider.Create(ctx, test.Application(core.Application{Customer: customer}))).To(Succeed())
			match := test.Application(core.Application{Customer: customer, Cloud: core.CloudGCP})
			Expect(env.ApplicationProvider.Create(ctx, match)).To(Succeed())

			apps, err := env.ApplicationProvider.ForTenant(ctx, tenant)
			Expect(err).ToNot(HaveOccurred())
			Expect(apps).To(HaveLen(1))
			Expect(apps[0].ID).To(Equal(match.ID))
		})
	})

	Context("Delete", func() {
		It("should remove the application", func() {
			seed := test.Application(core.Application{Customer: customer})
			Expect(env.ApplicationProvider.Create(ctx, seed)).To(Succeed())
			Expect(env.ApplicationProvider.Delete(ctx, customer, seed.ID)).To(Succeed())

			_, err := env.ApplicationProvider.Get(ctx, customer, seed.ID)
			Expect(vigilerrors.IsNotFound(err)).To(BeTrue())
			Expect(err).To(MatchError(ContainSubstring("not found")))
		})
	})
})
