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
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/vigilsec/vigil/pkg/apis/core"
	vigilerrors "github.com/vigilsec/vigil/pkg/errors"
	"github.com/vigilsec/vigil/pkg/reports"
	"github.com/vigilsec/vigil/pkg/service"
	"github.com/vigilsec/vigil/pkg/test"
)

var _ = Describe("Service", func() {
	Context("Routing", func() {
		It("should 404 unknown paths", func() {
			resp, err := invoke(http.MethodGet, "/nope", nil)
			Expect(vigilerrors.IsNotFound(err)).To(BeTrue())
			Expect(resp.Status).To(Equal(http.StatusNotFound))
			entries := errorEntries(resp)
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].Message).To(ContainSubstring("no route"))
		})
		It("should 404 known paths with the wrong method", func() {
			resp, err := invoke(http.MethodPut, "/jobs", nil)
			Expect(vigilerrors.IsNotFound(err)).To(BeTrue())
			Expect(resp.Status).To(Equal(http.StatusNotFound))
		})
		It("should echo the caller's trace id", func() {
			resp, err := env.Service.Handle(ctx, &service.Request{
				Method:  http.MethodGet,
				Path:    "/health",
				TraceID: "trace-abc",
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(resp.Body.(service.Envelope).TraceID).To(Equal("trace-abc"))
		})
		It("should mint a trace id when the caller sent none", func() {
			resp, err := invoke(http.MethodGet, "/health", nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(resp.Body.(service.Envelope).TraceID).ToNot(BeEmpty())
		})
		It("should carry the trace id on error bodies", func() {
			resp, _ := invoke(http.MethodGet, "/nope", nil)
			Expect(resp.Body.(service.ErrorBody).TraceID).ToNot(BeEmpty())
		})
	})

	Context("Decoding", func() {
		It("should reject unknown fields with their location", func() {
			resp, err := invoke(http.MethodPost, "/jobs", `{"customer":"acme","tenant":"prod","rulesets":["baseline"],"bogus":true}`)
			Expect(vigilerrors.IsValidation(err)).To(BeTrue())
			Expect(resp.Status).To(Equal(http.StatusBadRequest))
			entries := errorEntries(resp)
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].Location).To(Equal([]string{"bogus"}))
			Expect(entries[0].Message).To(ContainSubstring("unknown field"))
		})
		It("should reject type mismatches with their location", func() {
			resp, _ := invoke(http.MethodPost, "/jobs", `{"customer":"acme","tenant":"prod","rulesets":"baseline"}`)
			Expect(resp.Status).To(Equal(http.StatusBadRequest))
			entries := errorEntries(resp)
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].Location).To(Equal([]string{"rulesets"}))
		})
		It("should report every missing field at once", func() {
			resp, err := invoke(http.MethodPost, "/jobs", `{}`)
			Expect(vigilerrors.IsValidation(err)).To(BeTrue())
			Expect(resp.Status).To(Equal(http.StatusBadRequest))
			entries := errorEntries(resp)
			Expect(entries).To(HaveLen(3))
			var fields []string
			for _, entry := range entries {
				Expect(entry.Location).To(HaveLen(1))
				fields = append(fields, entry.Location[0])
			}
			Expect(fields).To(ConsistOf("customer", "tenant", "rulesets"))
		})
		It("should reject bodies that are not json", func() {
			resp, _ := invoke(http.MethodPost, "/jobs", "not json")
			Expect(resp.Status).To(Equal(http.StatusBadRequest))
			Expect(errorEntries(resp)[0].Message).To(ContainSubstring("not valid json"))
		})
		It("should report nested locations by wire path", func() {
			body := `{"name":"nightly","customer":"acme","expression":"0 2 * * *","template":{"rulesets":["baseline"]}}`
			resp, _ := invoke(http.MethodPost, "/scheduled-job", body)
			Expect(resp.Status).To(Equal(http.StatusBadRequest))
			entries := errorEntries(resp)
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].Location).To(Equal([]string{"template", "tenant"}))
		})
		It("should reject junk limit parameters", func() {
			resp, _ := invoke(http.MethodGet, "/jobs?customer=acme&limit=lots", nil)
			Expect(resp.Status).To(Equal(http.StatusBadRequest))
			Expect(errorEntries(resp)[0].Location).To(Equal([]string{"limit"}))
		})
	})

	Context("Health", func() {
		It("should answer the liveness probe", func() {
			resp, err := invoke(http.MethodGet, "/health", nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(resp.Status).To(Equal(http.StatusOK))
			Expect(data[map[string]string](resp)).To(HaveKeyWithValue("status", "ok"))
		})
		It("should answer job probes by id", func() {
			scan := test.Job(core.Job{Status: core.JobStatusRunning})
			Expect(env.DocumentStore.Put(ctx, test.JobsTable, scan, nil)).To(Succeed())

			resp, err := invoke(http.MethodGet, "/health/"+scan.ID, nil)
			Expect(err).ToNot(HaveOccurred())
			view := data[service.HealthView](resp)
			Expect(view.Kind).To(Equal("job"))
			Expect(view.Status).To(Equal("RUNNING"))
		})
		It("should answer report probes by status id", func() {
			status := &core.ReportStatus{
				ID:       reports.StatusID("acme", "2026-08-20", core.MetricScopeTenant, "prod"),
				Customer: "acme",
				Date:     "2026-08-20",
				State:    core.ReportStateFailed,
				Reason:   "bus delivery, throttled",
			}
			Expect(env.DocumentStore.Put(ctx, test.ReportStatusTable, status, nil)).To(Succeed())

			resp, err := invoke(http.MethodGet, "/health/"+status.ID, nil)
			Expect(err).ToNot(HaveOccurred())
			view := data[service.HealthView](resp)
			Expect(view.Kind).To(Equal("report"))
			Expect(view.Status).To(Equal("FAILED"))
			Expect(view.Reason).To(ContainSubstring("throttled"))
		})
		It("should 404 ids that are neither", func() {
			resp, err := invoke(http.MethodGet, "/health/ghost", nil)
			Expect(vigilerrors.IsNotFound(err)).To(BeTrue())
			Expect(resp.Status).To(Equal(http.StatusNotFound))
		})
	})
})
