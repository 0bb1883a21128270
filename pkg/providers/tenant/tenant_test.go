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

package tenant_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/vigilsec/vigil/pkg/apis/core"
	vigilerrors "github.com/vigilsec/vigil/pkg/errors"
	"github.com/vigilsec/vigil/pkg/storage/document"
	"github.com/vigilsec/vigil/pkg/test"
)

var _ = Describe("TenantProvider", func() {
	var customer string

	BeforeEach(func() {
		customer = test.RandomName()
	})

	Context("Create", func() {
		It("should persist a tenant and default its creation time", func() {
			created := &core.Tenant{
				Customer:        customer,
				Name:            "prod",
				Cloud:           core.CloudAWS,
				CloudIdentifier: "111122223333",
			}
			Expect(env.TenantProvider.Create(ctx, created)).To(Succeed())
			Expect(created.CreatedAt).To(Equal(env.Clock.Now().UTC()))

			stored, err := env.TenantProvider.Get(ctx, customer, "prod")
			Expect(err).ToNot(HaveOccurred())
			Expect(stored.Cloud).To(Equal(core.CloudAWS))
			Expect(stored.CloudIdentifier).To(Equal("111122223333"))
		})
		It("should strip any caller-supplied lock", func() {
			seed := test.Tenant(core.Tenant{Customer: customer, CurrentJob: "sneaky"})
			Expect(env.TenantProvider.Create(ctx, seed)).To(Succeed())

			stored, err := env.TenantProvider.Get(ctx, customer, seed.Name)
			Expect(err).ToNot(HaveOccurred())
			Expect(stored.CurrentJob).To(BeEmpty())
		})
		It("should reject tenants missing required fields", func() {
			Expect(vigilerrors.IsValidation(env.TenantProvider.Create(ctx, &core.Tenant{
				Name: "prod", Cloud: core.CloudAWS, CloudIdentifier: "111122223333",
			}))).To(BeTrue())
			Expect(vigilerrors.IsValidation(env.TenantProvider.Create(ctx, &core.Tenant{
				Customer: customer, Cloud: core.CloudAWS, CloudIdentifier: "111122223333",
			}))).To(BeTrue())
			Expect(vigilerrors.IsValidation(env.TenantProvider.Create(ctx, &core.Tenant{
				Customer: customer, Name: "prod", Cloud: "digitalocean", CloudIdentifier: "111122223333",
			}))).To(BeTrue())
			Expect(vigilerrors.IsValidation(env.TenantProvider.Create(ctx, &core.Tenant{
				Customer: customer, Name: "prod", Cloud: core.CloudAWS,
			}))).To(BeTrue())
		})
		It("should reject duplicate names", func() {
			seed := test.Tenant(core.Tenant{Customer: customer})
			Expect(env.TenantProvider.Create(ctx, seed)).To(Succeed())

			err := env.TenantProvider.Create(ctx, test.Tenant(core.Tenant{Customer: customer, Name: seed.Name}))
			Expect(vigilerrors.IsConflict(err)).To(BeTrue())
			Expect(err).To(MatchError(ContainSubstring("already exists")))
		})
		It("should reject a second tenant for the same cloud identifier", func() {
			seed := test.Tenant(core.Tenant{Customer: customer, CloudIdentifier: "111122223333"})
			Expect(env.TenantProvider.Create(ctx, seed)).To(Succeed())

			err := env.TenantProvider.Create(ctx, test.Tenant(core.Tenant{Customer: customer, CloudIdentifier: "111122223333"}))
			Expect(vigilerrors.IsConflict(err)).To(BeTrue())
			Expect(err).To(MatchError(ContainSubstring("already registered")))
		})
		It("should allow the same cloud identifier on another cloud", func() {
			Expect(env.TenantProvider.Create(ctx, test.Tenant(core.Tenant{
				Customer: customer, CloudIdentifier: "111122223333",
			}))).To(Succeed())
			Expect(env.TenantProvider.Create(ctx, test.Tenant(core.Tenant{
				Customer: customer, Cloud: core.CloudAzure, CloudIdentifier: "111122223333",
			}))).To(Succeed())
		})
		It("should allow the same cloud identifier for another customer", func() {
			Expect(env.TenantProvider.Create(ctx, test.Tenant(core.Tenant{
				Customer: customer, CloudIdentifier: "111122223333",
			}))).To(Succeed())
			Expect(env.TenantProvider.Create(ctx, test.Tenant(core.Tenant{
				Customer: test.RandomName(), CloudIdentifier: "111122223333",
			}))).To(Succeed())
		})
	})

	Context("Get", func() {
		It("should surface a named error for missing tenants", func() {
			_, err := env.TenantProvider.Get(ctx, customer, "ghost")
			Expect(vigilerrors.IsNotFound(err)).To(BeTrue())
			Expect(err).To(MatchError(ContainSubstring("tenant ghost not found")))
		})
		It("should serve repeated reads from cache", func() {
			seed := test.Tenant(core.Tenant{Customer: customer})
			Expect(env.TenantProvider.Create(ctx, seed)).To(Succeed())
			_, err := env.TenantProvider.Get(ctx, customer, seed.Name)
			Expect(err).ToNot(HaveOccurred())

			// Remove the row behind the provider's back; the cached copy keeps
			// serving until it is invalidated.
			Expect(env.DocumentStore.Delete(ctx, test.TenantsTable,
				document.Key{"customer": customer, "name": seed.Name}, nil)).To(Succeed())

			cached, err := env.TenantProvider.Get(ctx, customer, seed.Name)
			Expect(err).ToNot(HaveOccurred())
			Expect(cached.Name).To(Equal(seed.Name))

			env.TenantCache.Flush()
			_, err = env.TenantProvider.Get(ctx, customer, seed.Name)
			Expect(vigilerrors.IsNotFound(err)).To(BeTrue())
		})
	})

	Context("Listing", func() {
		It("should page through a customer's tenants", func() {
			for i := 0; i < 5; i++ {
				Expect(env.TenantProvider.Create(ctx, test.Tenant(core.Tenant{Customer: customer}))).To(Succeed())
			}
			Expect(env.TenantProvider.Create(ctx, test.Tenant())).To(Succeed())

			page, token, err := env.TenantProvider.List(ctx, customer, 2, "")
			Expect(err).ToNot(HaveOccurred())
			Expect(page).To(HaveLen(2))
			Expect(token).ToNot(BeEmpty())

			var all []*core.Tenant
			token = ""
			for {
				page, next, err := env.TenantProvider.List(ctx, customer, 2, token)
				Expect(err).ToNot(HaveOccurred())
				all = append(all, page...)
				if next == "" {
					break
				}
				token = next
			}
			Expect(all).To(HaveLen(5))
			for _, tenant := range all {
				Expect(tenant.Customer).To(Equal(customer))
			}
		})
		It("should list tenants across customers", func() {
			Expect(env.TenantProvider.Create(ctx, test.Tenant(core.Tenant{Customer: customer}))).To(Succeed())
			Expect(env.TenantProvider.Create(ctx, test.Tenant())).To(Succeed())

			all, err := env.TenantProvider.ListAll(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(all).To(HaveLen(2))
		})
	})

	Context("Update", func() {
		It("should rewrite attributes while preserving creation time and lock", func() {
			seed := test.Tenant(core.Tenant{Customer: customer})
			Expect(env.TenantProvider.Create(ctx, seed)).To(Succeed())
			Expect(env.TenantProvider.Lock(ctx, customer, seed.Name, "job-1")).To(Succeed())

			update := test.Tenant(core.Tenant{
				Customer:        customer,
				Name:            seed.Name,
				CloudIdentifier: seed.CloudIdentifier,
				Project:         "payments",
			})
			Expect(env.TenantProvider.Update(ctx, update)).To(Succeed())

			stored, err := env.TenantProvider.Get(ctx, customer, seed.Name)
			Expect(err).ToNot(HaveOccurred())
			Expect(stored.Project).To(Equal("payments"))
			Expect(stored.CreatedAt).To(Equal(seed.CreatedAt))
			Expect(stored.CurrentJob).To(Equal("job-1"))
		})
		It("should reject invalid updates", func() {
			err := env.TenantProvider.Update(ctx, &core.Tenant{Customer: customer})
			Expect(vigilerrors.IsValidation(err)).To(BeTrue())
		})
		It("should conflict when the lock changes between read and write", func() {
			seed := test.Tenant(core.Tenant{Customer: customer})
			Expect(env.TenantProvider.Create(ctx, seed)).To(Succeed())
			_, err := env.TenantProvider.Get(ctx, customer, seed.Name)
			Expect(err).ToNot(HaveOccurred())

			// Take the lock behind the provider's back so its cache still
			// holds the unlocked version.
			Expect(env.DocumentStore.Update(ctx, test.TenantsTable,
				document.Key{"customer": customer, "name": seed.Name},
				document.Update{Set: map[string]any{"current_job": "job-7"}}, nil)).To(Succeed())

			err = env.TenantProvider.Update(ctx, test.Tenant(core.Tenant{
				Customer:        customer,
				Name:            seed.Name,
				CloudIdentifier: seed.CloudIdentifier,
			}))
			Expect(vigilerrors.IsConflict(err)).To(BeTrue())
			Expect(err).To(MatchError(ContainSubstring("changed concurrently")))
		})
	})

	Context("Delete", func() {
		It("should remove the tenant", func() {
			seed := test.Tenant(core.Tenant{Customer: customer})
			Expect(env.TenantProvider.Create(ctx, seed)).To(Succeed())
			Expect(env.TenantProvider.Delete(ctx, customer, seed.Name)).To(Succeed())

			_, err := env.TenantProvider.Get(ctx, customer, seed.Name)
			Expect(vigilerrors.IsNotFound(err)).To(BeTrue())
		})
		It("should refuse to remove a locked tenant", func() {
			seed := test.Tenant(core.Tenant{Customer: customer})
			Expect(env.TenantProvider.Create(ctx, seed)).To(Succeed())
			Expect(env.TenantProvider.Lock(ctx, customer, seed.Name, "job-1")).To(Succeed())

			err := env.TenantProvider.Delete(ctx, customer, seed.Name)
			Expect(vigilerrors.IsConflict(err)).To(BeTrue())
			Expect(err).To(MatchError(ContainSubstring("job in flight")))

			Expect(env.TenantProvider.Unlock(ctx, customer, seed.Name, "job-1")).To(Succeed())
			Expect(env.TenantProvider.Delete(ctx, customer, seed.Name)).To(Succeed())
		})
	})

	Context("Locking", func() {
		var name string

		BeforeEach(func() {
			seed := test.Tenant(core.Tenant{Customer: customer})
			name = seed.Name
			Expect(env.TenantProvider.Create(ctx, seed)).To(Succeed())
		})

		It("should record the owning job", func() {
			Expect(env.TenantProvider.Lock(ctx, customer, name, "job-1")).To(Succeed())

			stored, err := env.TenantProvider.Get(ctx, customer, name)
			Expect(err).ToNot(HaveOccurred())
			Expect(stored.CurrentJob).To(Equal("job-1"))
		})
		It("should never hand the lock to a second job", func() {
			Expect(env.TenantProvider.Lock(ctx, customer, name, "job-1")).To(Succeed())

			err := env.TenantProvider.Lock(ctx, customer, name, "job-2")
			Expect(vigilerrors.IsConflict(err)).To(BeTrue())
			Expect(err).To(MatchError(ContainSubstring("already has a job in flight")))

			stored, getErr := env.TenantProvider.Get(ctx, customer, name)
			Expect(getErr).ToNot(HaveOccurred())
			Expect(stored.CurrentJob).To(Equal("job-1"))
		})
		It("should only let the owner unlock", func() {
			Expect(env.TenantProvider.Lock(ctx, customer, name, "job-1")).To(Succeed())

			err := env.TenantProvider.Unlock(ctx, customer, name, "job-9")
			Expect(vigilerrors.IsConflict(err)).To(BeTrue())
			Expect(err).To(MatchError(ContainSubstring("not locked by job")))

			Expect(env.TenantProvider.Unlock(ctx, customer, name, "job-1")).To(Succeed())
			stored, getErr := env.TenantProvider.Get(ctx, customer, name)
			Expect(getErr).ToNot(HaveOccurred())
			Expect(stored.CurrentJob).To(BeEmpty())
		})
		It("should free the tenant for the next job after unlock", func() {
			Expect(env.TenantProvider.Lock(ctx, customer, name, "job-1")).To(Succeed())
			Expect(env.TenantProvider.Unlock(ctx, customer, name, "job-1")).To(Succeed())
			Expect(env.TenantProvider.Lock(ctx, customer, name, "job-2")).To(Succeed())
		})
		It("should force the lock open regardless of owner", func() {
			Expect(env.TenantProvider.Lock(ctx, customer, name, "job-1")).To(Succeed())
			Expect(env.TenantProvider.ForceUnlock(ctx, customer, name)).To(Succeed())

			stored, err := env.TenantProvider.Get(ctx, customer, name)
			Expect(err).ToNot(HaveOccurred())
			Expect(stored.CurrentJob).To(BeEmpty())
		})
	})
})
