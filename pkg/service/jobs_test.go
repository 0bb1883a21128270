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

package service_test

import (
	"encoding/json"
	"fmt"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/google/uuid"

	"github.com/vigilsec/vigil/pkg/apis/core"
	vigilerrors "github.com/vigilsec/vigil/pkg/errors"
	"github.com/vigilsec/vigil/pkg/providers/ruleset"
	"github.com/vigilsec/vigil/pkg/service"
	"github.com/vigilsec/vigil/pkg/storage/document"
	"github.com/vigilsec/vigil/pkg/test"
)

var _ = Describe("Jobs API", func() {
	var customer string
	var tenantRecord *core.Tenant

	submitBody := func() service.SubmitJobRequest {
		return service.SubmitJobRequest{
			Customer: customer,
			Tenant:   tenantRecord.Name,
			Rulesets: []string{"baseline"},
			Credentials: &service.RequestCredentials{
				AccessKeyID: "AKIAEXAMPLE",
				SecretKey:   "example",
			},
		}
	}

	BeforeEach(func() {
		customer = test.RandomName()
		tenantRecord = test.Tenant(core.Tenant{Customer: customer, ActiveRegions: []string{"eu-west-1"}})
		Expect(env.TenantProvider.Create(ctx, tenantRecord)).To(Succeed())
		Expect(env.DocumentStore.Put(ctx, test.RulesTable, test.Rule(core.Rule{}), nil)).To(Succeed())
		rs, err := env.RulesetProvider.Assemble(ctx, ruleset.AssembleRequest{
			Customer: customer,
			Cloud:    core.CloudAWS,
			Name:     "baseline",
			Selector: ruleset.Selector{AllForCloud: true},
		})
		Expect(err).ToNot(HaveOccurred())
		_, err = env.RulesetProvider.Release(ctx, customer, core.CloudAWS, "baseline", rs.Version, "", false)
		Expect(err).ToNot(HaveOccurred())
	})

	Context("Submission", func() {
		It("should accept a scan and hand back the pending job", func() {
			resp, err := invoke(http.MethodPost, "/jobs", submitBody())
			Expect(err).ToNot(HaveOccurred())
			Expect(resp.Status).To(Equal(http.StatusAccepted))

			submitted := data[core.Job](resp)
			Expect(submitted.ID).ToNot(BeEmpty())
			Expect(submitted.Status).To(Equal(core.JobStatusSubmitted))
			Expect(submitted.Type).To(Equal(core.JobTypeManual))
			Expect(env.JobDispatcher.Dispatched()).To(HaveLen(1))
		})
		It("should pin the k8s type on platform submissions", func() {
			cluster := test.Tenant(core.Tenant{Customer: customer, Cloud: core.CloudKubernetes, CloudIdentifier: "cluster-1"})
			Expect(env.TenantProvider.Create(ctx, cluster)).To(Succeed())
			Expect(env.DocumentStore.Put(ctx, test.RulesTable,
				test.Rule(core.Rule{ID: test.RuleID(core.CloudKubernetes, "psp", "1.0"), Cloud: core.CloudKubernetes}), nil)).To(Succeed())
			rs, err := env.RulesetProvider.Assemble(ctx, ruleset.AssembleRequest{
				Customer: customer,
				Cloud:    core.CloudKubernetes,
				Name:     "k8s-baseline",
				Selector: ruleset.Selector{AllForCloud: true},
			})
			Expect(err).ToNot(HaveOccurred())
			_, err = env.RulesetProvider.Release(ctx, customer, core.CloudKubernetes, "k8s-baseline", rs.Version, "", false)
			Expect(err).ToNot(HaveOccurred())

			resp, err := invoke(http.MethodPost, "/jobs/k8s", service.SubmitJobRequest{
				Customer: customer,
				Tenant:   cluster.Name,
				Rulesets: []string{"k8s-baseline"},
				Credentials: &service.RequestCredentials{
					AccessKeyID: "AKIAEXAMPLE",
					SecretKey:   "example",
				},
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(resp.Status).To(Equal(http.StatusAccepted))
			Expect(data[core.Job](resp).Type).To(Equal(core.JobTypeK8s))
		})
		It("should surface domain validation with its location", func() {
			body := submitBody()
			body.Rulesets = []string{"ghost"}
			resp, err := invoke(http.MethodPost, "/jobs", body)
			Expect(vigilerrors.IsValidation(err)).To(BeTrue())
			Expect(resp.Status).To(Equal(http.StatusBadRequest))
			Expect(errorEntries(resp)[0].Location).To(Equal([]string{"rulesets"}))
		})
		It("should translate a held tenant lock into 409", func() {
			_, err := invoke(http.MethodPost, "/jobs", submitBody())
			Expect(err).ToNot(HaveOccurred())

			resp, err := invoke(http.MethodPost, "/jobs", submitBody())
			Expect(vigilerrors.IsConflict(err)).To(BeTrue())
			Expect(resp.Status).To(Equal(http.StatusConflict))
		})
	})

	Context("Lookup", func() {
		It("should serve a job by id", func() {
			resp, err := invoke(http.MethodPost, "/jobs", submitBody())
			Expect(err).ToNot(HaveOccurred())
			submitted := data[core.Job](resp)

			resp, err = invoke(http.MethodGet, "/jobs/"+submitted.ID, nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(resp.Status).To(Equal(http.StatusOK))
			Expect(data[core.Job](resp).ID).To(Equal(submitted.ID))
		})
		It("should 404 unknown jobs", func() {
			resp, err := invoke(http.MethodGet, "/jobs/"+uuid.NewString(), nil)
			Expect(vigilerrors.IsNotFound(err)).To(BeTrue())
			Expect(resp.Status).To(Equal(http.StatusNotFound))
		})
		It("should filter the listing by query parameters", func() {
			_, err := invoke(http.MethodPost, "/jobs", submitBody())
			Expect(err).ToNot(HaveOccurred())

			resp, err := invoke(http.MethodGet, fmt.Sprintf("/jobs?customer=%s&status=SUBMITTED", customer), nil)
			Expect(err).ToNot(HaveOccurred())
			listed, _ := items[*core.Job](resp)
			Expect(listed).To(HaveLen(1))

			resp, err = invoke(http.MethodGet, fmt.Sprintf("/jobs?customer=%s&status=FAILED", customer), nil)
			Expect(err).ToNot(HaveOccurred())
			listed, _ = items[*core.Job](resp)
			Expect(listed).To(BeEmpty())
		})
		It("should require a customer on listings", func() {
			resp, err := invoke(http.MethodGet, "/jobs", nil)
			Expect(vigilerrors.IsValidation(err)).To(BeTrue())
			Expect(resp.Status).To(Equal(http.StatusBadRequest))
			Expect(errorEntries(resp)[0].Location).To(Equal([]string{"customer"}))
		})
	})

	Context("Termination", func() {
		It("should cancel a pending job in place", func() {
			resp, err := invoke(http.MethodPost, "/jobs", submitBody())
			Expect(err).ToNot(HaveOccurred())
			submitted := data[core.Job](resp)

			resp, err = invoke(http.MethodDelete, "/jobs/"+submitted.ID, nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(resp.Status).To(Equal(http.StatusOK))
			Expect(data[core.Job](resp).Status).To(Equal(core.JobStatusCancelled))
		})
	})

	Context("Events", func() {
		var account string

		BeforeEach(func() {
			account = uuid.NewString()
			registered := test.Tenant(core.Tenant{Customer: customer, CloudIdentifier: account})
			Expect(env.TenantProvider.Create(ctx, registered)).To(Succeed())
		})

		It("should accept a bus envelope and resolve its tenant", func() {
			body := fmt.Sprintf(`{
				"version": "0",
				"id": %q,
				"source": "aws.ec2",
				"detail-type": "AWS API Call via CloudTrail",
				"account": %q,
				"region": "eu-west-1",
				"time": "2026-08-20T09:00:00Z",
				"detail": {"eventName": "RunInstances", "eventID": %q},
				"new-bus-field": "ignored"
			}`, uuid.NewString(), account, uuid.NewString())

			resp, err := invoke(http.MethodPost, "/event", body)
			Expect(err).ToNot(HaveOccurred())
			Expect(resp.Status).To(Equal(http.StatusAccepted))
			event := data[core.Event](resp)
			Expect(event.Customer).To(Equal(customer))
			Expect(event.EventName).To(Equal("RunInstances"))
		})
		It("should 404 events from unregistered accounts", func() {
			body := fmt.Sprintf(`{
				"source": "aws.ec2",
				"detail-type": "AWS API Call via CloudTrail",
				"account": %q,
				"region": "eu-west-1",
				"detail": {"eventName": "RunInstances", "eventID": %q}
			}`, uuid.NewString(), uuid.NewString())

			resp, err := invoke(http.MethodPost, "/event", body)
			Expect(vigilerrors.IsNotFound(err)).To(BeTrue())
			Expect(resp.Status).To(Equal(http.StatusNotFound))
		})
		It("should reject envelopes that are not json", func() {
			resp, _ := invoke(http.MethodPost, "/event", "<xml/>")
			Expect(resp.Status).To(Equal(http.StatusBadRequest))
		})
	})

	It("should round-trip credentials without persisting them", func() {
		resp, err := invoke(http.MethodPost, "/jobs", submitBody())
		Expect(err).ToNot(HaveOccurred())
		submitted := data[core.Job](resp)

		raw := map[string]any{}
		Expect(env.DocumentStore.Get(ctx, test.JobsTable, document.Key{"id": submitted.ID}, &raw)).To(Succeed())
		flattened, err := json.Marshal(raw)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(flattened)).ToNot(ContainSubstring("AKIAEXAMPLE"))
	})
})
