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

package customer_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/vigilsec/vigil/pkg/apis/core"
	vigilerrors "github.com/vigilsec/vigil/pkg/errors"
	"github.com/vigilsec/vigil/pkg/storage/document"
	"github.com/vigilsec/vigil/pkg/test"
)

var _ = Describe("CustomerProvider", func() {
	Context("Create", func() {
		It("should persist a customer and default its creation time", func() {
			created := &core.Customer{Name: "acme", DisplayName: "Acme Corp"}
			Expect(env.CustomerProvider.Create(ctx, created)).To(Succeed())
			Expect(created.CreatedAt).To(Equal(env.Clock.Now().UTC()))

			stored, err := env.CustomerProvider.Get(ctx, "acme")
			Expect(err).ToNot(HaveOccurred())
			Expect(stored.DisplayName).To(Equal("Acme Corp"))
		})
		It("should require a name", func() {
			err := env.CustomerProvider.Create(ctx, &core.Customer{DisplayName: "Nameless"})
			Expect(vigilerrors.IsValidation(err)).To(BeTrue())
		})
		It("should reject duplicate names", func() {
			seed := test.Customer()
			Expect(env.CustomerProvider.Create(ctx, seed)).To(Succeed())

			err := env.CustomerProvider.Create(ctx, test.Customer(core.Customer{Name: seed.Name}))
			Expect(vigilerrors.IsConflict(err)).To(BeTrue())
			Expect(err).To(MatchError(ContainSubstring("already exists")))
		})
	})

	Context("Get", func() {
		It("should surface a named error for missing customers", func() {
			_, err := env.CustomerProvider.Get(ctx, "ghost")
			Expect(vigilerrors.IsNotFound(err)).To(BeTrue())
			Expect(err).To(MatchError(ContainSubstring("customer ghost not found")))
		})
		It("should serve repeated reads from cache", func() {
			seed := test.Customer()
			Expect(env.CustomerProvider.Create(ctx, seed)).To(Succeed())
			_, err := env.CustomerProvider.Get(ctx, seed.Name)
			Expect(err).ToNot(HaveOccurred())

			Expect(env.DocumentStore.Delete(ctx, test.CustomersTable,
				document.Key{"name": seed.Name}, nil)).To(Succeed())

			cached, err := env.CustomerProvider.Get(ctx, seed.Name)
			Expect(err).ToNot(HaveOccurred())
			Expect(cached.Name).To(Equal(seed.Name))

			env.CustomerCache.Flush()
			_, err = env.CustomerProvider.Get(ctx, seed.Name)
			Expect(vigilerrors.IsNotFound(err)).To(BeTrue())
		})
	})

	Context("Listing", func() {
		It("should list every customer", func() {
			Expect(env.CustomerProvider.Create(ctx, test.Customer())).To(Succeed())
			Expect(env.CustomerProvider.Create(ctx, test.Customer())).To(Succeed())
			Expect(env.CustomerProvider.Create(ctx, test.Customer())).To(Succeed())

			customers, err := env.CustomerProvider.ListAll(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(customers).To(HaveLen(3))
		})
	})

	Context("Update", func() {
		It("should rewrite attributes while preserving creation time", func() {
			seed := test.Customer()
			Expect(env.CustomerProvider.Create(ctx, seed)).To(Succeed())

			update := test.Customer(core.Customer{Name: seed.Name, DisplayName: "Renamed"})
			update.CreatedAt = env.Clock.Now().UTC().Add(-48 * time.Hour)
			Expect(env.CustomerProvider.Update(ctx, update)).To(Succeed())

			stored, err := env.CustomerProvider.Get(ctx, seed.Name)
			Expect(err).ToNot(HaveOccurred())
			Expect(stored.DisplayName).To(Equal("Renamed"))
			Expect(stored.CreatedAt).To(Equal(seed.CreatedAt))
		})
		It("should fail for missing customers", func() {
			err := env.CustomerProvider.Update(ctx, test.Customer(core.Customer{Name: "ghost"}))
			Expect(vigilerrors.IsNotFound(err)).To(BeTrue())
		})
	})

	Context("Delete", func() {
		It("should remove the customer", func() {
			seed := test.Customer()
			Expect(env.CustomerProvider.Create(ctx, seed)).To(Succeed())
			Expect(env.CustomerProvider.Delete(ctx, seed.Name)).To(Succeed())

			_, err := env.CustomerProvider.Get(ctx, seed.Name)
			Expect(vigilerrors.IsNotFound(err)).To(BeTrue())
		})
	})

	Context("SendReports", func() {
		It("should default to off for missing customers", func() {
			Expect(env.CustomerProvider.SendReports(ctx, "ghost")).To(BeFalse())
		})
		It("should reflect the customer's toggle", func() {
			quiet := test.Customer()
			loud := test.Customer(core.Customer{SendReports: true})
			Expect(env.CustomerProvider.Create(ctx, quiet)).To(Succeed())
			Expect(env.CustomerProvider.Create(ctx, loud)).To(Succeed())

			Expect(env.CustomerProvider.SendReports(ctx, quiet.Name)).To(BeFalse())
			Expect(env.CustomerProvider.SendReports(ctx, loud.Name)).To(BeTrue())
		})
	})
})
