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

package secret_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	vigilerrors "github.com/vigilsec/vigil/pkg/errors"
)

var _ = Describe("SecretStore", func() {
	Context("Put and Get", func() {
		It("should round trip a secret", func() {
			Expect(env.SecretStore.Put(ctx, "applications/acme/keys", "super-secret", 0)).To(Succeed())

			value, err := env.SecretStore.Get(ctx, "applications/acme/keys")
			Expect(err).ToNot(HaveOccurred())
			Expect(value).To(Equal("super-secret"))
		})
		It("should wrap the stored value in an envelope", func() {
			Expect(env.SecretStore.Put(ctx, "applications/acme/keys", "super-secret", 0)).To(Succeed())

			raw := env.SSMAPI.Parameters["applications/acme/keys"]
			Expect(raw).ToNot(Equal("super-secret"))
			Expect(raw).To(ContainSubstring(`"value":"super-secret"`))
		})
		It("should surface a named error for missing secrets", func() {
			_, err := env.SecretStore.Get(ctx, "applications/ghost/keys")
			Expect(vigilerrors.IsNotFound(err)).To(BeTrue())
			Expect(err).To(MatchError(ContainSubstring("secret applications/ghost/keys not found")))
		})
	})

	Context("Expiry", func() {
		It("should treat a lapsed secret as missing and purge it", func() {
			Expect(env.SecretStore.Put(ctx, "sessions/acme/token", "short-lived", time.Hour)).To(Succeed())

			env.Clock.Step(30 * time.Minute)
			value, err := env.SecretStore.Get(ctx, "sessions/acme/token")
			Expect(err).ToNot(HaveOccurred())
			Expect(value).To(Equal("short-lived"))

			env.Clock.Step(31 * time.Minute)
			_, err = env.SecretStore.Get(ctx, "sessions/acme/token")
			Expect(vigilerrors.IsNotFound(err)).To(BeTrue())
			Expect(env.SSMAPI.Parameters).ToNot(HaveKey("sessions/acme/token"))
		})
		It("should keep secrets without a ttl forever", func() {
			Expect(env.SecretStore.Put(ctx, "licenses/acme/signing-key", "pem", 0)).To(Succeed())

			env.Clock.Step(24 * 365 * time.Hour)
			value, err := env.SecretStore.Get(ctx, "licenses/acme/signing-key")
			Expect(err).ToNot(HaveOccurred())
			Expect(value).To(Equal("pem"))
		})
	})

	Context("Caching", func() {
		It("should serve repeated reads from cache until invalidated", func() {
			Expect(env.SecretStore.Put(ctx, "applications/acme/keys", "one", 0)).To(Succeed())

			// Rotate behind the store's back; the cached copy keeps serving.
			env.SSMAPI.Parameters["applications/acme/keys"] = `{"value":"two"}`
			value, err := env.SecretStore.Get(ctx, "applications/acme/keys")
			Expect(err).ToNot(HaveOccurred())
			Expect(value).To(Equal("one"))

			env.SecretCache.Flush()
			value, err = env.SecretStore.Get(ctx, "applications/acme/keys")
			Expect(err).ToNot(HaveOccurred())
			Expect(value).To(Equal("two"))
		})
	})

	Context("Delete", func() {
		It("should remove the secret", func() {
			Expect(env.SecretStore.Put(ctx, "applications/acme/keys", "super-secret", 0)).To(Succeed())
			Expect(env.SecretStore.Delete(ctx, "applications/acme/keys")).To(Succeed())

			_, err := env.SecretStore.Get(ctx, "applications/acme/keys")
			Expect(vigilerrors.IsNotFound(err)).To(BeTrue())
		})
		It("should tolerate deleting a missing secret", func() {
			Expect(env.SecretStore.Delete(ctx, "applications/ghost/keys")).To(Succeed())
		})
	})
})
