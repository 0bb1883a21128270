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
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"

	"github.com/vigilsec/vigil/pkg/apis/core"
	vigilerrors "github.com/vigilsec/vigil/pkg/errors"
	"github.com/vigilsec/vigil/pkg/findings"
	"github.com/vigilsec/vigil/pkg/reports"
	"github.com/vigilsec/vigil/pkg/service"
	"github.com/vigilsec/vigil/pkg/test"
)

var _ = Describe("Reports API", func() {
	var customer, tenant, date string

	seedRecord := func(scope core.MetricScope, subject string, typ core.MetricType, payload string) {
		GinkgoHelper()
		Expect(env.DocumentStore.Put(ctx, test.MetricRecordsTable, &core.MetricRecord{
			ID:         core.MetricRecordID(customer, scope, subject, typ),
			Customer:   customer,
			Scope:      scope,
			Subject:    subject,
			Type:       typ,
			Date:       date,
			Data:       []byte(payload),
			ComputedAt: env.Clock.Now().UTC(),
		}, nil)).To(Succeed())
	}

	putReport := func(scope core.MetricScope, subject string) *core.ReportStatus {
		GinkgoHelper()
		artifact := &reports.Artifact{
			Customer: customer,
			Scope:    scope,
			Subject:  subject,
			Date:     date,
			Reports: map[core.MetricType]reports.Section{
				core.MetricTypeOverview: {Data: json.RawMessage(`{"score":82}`)},
			},
		}
		payload, err := json.Marshal(artifact)
		Expect(err).ToNot(HaveOccurred())
		key := reports.ArtifactKey(customer, date, scope, subject)
		Expect(env.ObjectStore.Put(ctx, key, payload, nil)).To(Succeed())
		status := &core.ReportStatus{
			ID:        reports.StatusID(customer, date, scope, subject),
			Customer:  customer,
			Date:      date,
			Key:       key,
			State:     core.ReportStateReady,
			UpdatedAt: env.Clock.Now().UTC(),
		}
		Expect(env.DocumentStore.Put(ctx, test.ReportStatusTable, status, nil)).To(Succeed())
		return status
	}

	BeforeEach(func() {
		env.Clock.SetTime(time.Date(2026, 3, 18, 9, 0, 0, 0, time.UTC))
		customer = test.RandomName()
		tenant = test.RandomName()
		date = "2026-03-17"
	})

	Context("Record browse", func() {
		It("should serve the tenant families off their records", func() {
			seedRecord(core.MetricScopeTenant, tenant, core.MetricTypeCompliance, `{"checks":12}`)

			resp, err := invoke(http.MethodGet,
				fmt.Sprintf("/reports/compliance/%s?customer=%s&date=%s", tenant, customer, date), nil)
			Expect(err).ToNot(HaveOccurred())
			view := data[service.ReportView](resp)
			Expect(view.Type).To(Equal(core.MetricTypeCompliance))
			Expect(view.Subject).To(Equal(tenant))
			Expect(string(view.Data)).To(MatchJSON(`{"checks":12}`))
		})
		It("should serve the project and department rollups", func() {
			seedRecord(core.MetricScopeProject, "checkout", core.MetricTypeOverview, `{"score":70}`)
			seedRecord(core.MetricScopeDepartment, "aws", core.MetricTypeOverview, `{"score":61}`)

			resp, err := invoke(http.MethodGet,
				fmt.Sprintf("/reports/project/checkout?customer=%s&date=%s", customer, date), nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(data[service.ReportView](resp).Scope).To(Equal(core.MetricScopeProject))

			resp, err = invoke(http.MethodGet,
				fmt.Sprintf("/reports/department/aws?customer=%s&date=%s", customer, date), nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(data[service.ReportView](resp).Scope).To(Equal(core.MetricScopeDepartment))
		})
		It("should serve the customer-wide rollup without a subject", func() {
			seedRecord(core.MetricScopeCLevel, "customer", core.MetricTypeOverview, `{"score":55}`)

			resp, err := invoke(http.MethodGet,
				fmt.Sprintf("/reports/clevel?customer=%s&date=%s", customer, date), nil)
			Expect(err).ToNot(HaveOccurred())
			view := data[service.ReportView](resp)
			Expect(view.Scope).To(Equal(core.MetricScopeCLevel))
			Expect(view.Subject).To(Equal("customer"))
		})
		It("should 404 unknown report families", func() {
			_, err := invoke(http.MethodGet,
				fmt.Sprintf("/reports/quarterly/%s?customer=%s&date=%s", tenant, customer, date), nil)
			Expect(vigilerrors.IsNotFound(err)).To(BeTrue())
		})
		It("should 404 dates no pass computed", func() {
			seedRecord(core.MetricScopeTenant, tenant, core.MetricTypeCompliance, `{"checks":12}`)

			_, err := invoke(http.MethodGet,
				fmt.Sprintf("/reports/compliance/%s?customer=%s&date=2026-03-10", tenant, customer), nil)
			Expect(vigilerrors.IsNotFound(err)).To(BeTrue())
		})
		It("should demand the date up front", func() {
			resp, err := invoke(http.MethodGet,
				fmt.Sprintf("/reports/compliance/%s?customer=%s", tenant, customer), nil)
			Expect(vigilerrors.IsValidation(err)).To(BeTrue())
			Expect(errorEntries(resp)[0].Location).To(Equal([]string{"date"}))
		})
	})

	Context("Weekly digests", func() {
		var week string

		seedStats := func(stats core.JobStatistics) {
			GinkgoHelper()
			Expect(env.DocumentStore.Put(ctx, test.JobStatisticsTable, &stats, nil)).To(Succeed())
		}

		BeforeEach(func() {
			week = core.WeekOf(time.Date(2026, 3, 17, 0, 0, 0, 0, time.UTC))
			seedStats(core.JobStatistics{
				JobID: "job-1", Customer: customer, Tenant: tenant, Cloud: core.CloudAWS, Week: week,
				TotalChecks: 10, Succeeded: 9, Failed: 1,
				ErrorsByKind: map[string]int{"throttle": 2},
				Rules: map[string]core.RuleStat{
					"vigil-aws-1-s3-encryption_1.0": {Performed: 5, Failed: 1, ErrorsByKind: map[string]int{"throttle": 1}},
					"vigil-aws-2-iam-mfa_1.0":       {Performed: 5, Succeeded: 5},
				},
			})
			seedStats(core.JobStatistics{
				JobID: "job-2", Customer: customer, Tenant: tenant, Cloud: core.CloudAWS, Week: week,
				TotalChecks: 8, Succeeded: 8,
				ErrorsByKind: map[string]int{"throttle": 1, "auth": 3},
			})
			seedStats(core.JobStatistics{
				JobID: "job-3", Customer: customer, Tenant: "other", Cloud: core.CloudAWS, Week: week,
				TotalChecks: 4, Succeeded: 4,
			})
		})

		It("should list one tenant's digest rows", func() {
			resp, err := invoke(http.MethodGet,
				fmt.Sprintf("/reports/digests/%s?customer=%s&week=%s", tenant, customer, week), nil)
			Expect(err).ToNot(HaveOccurred())
			digests, _ := items[*core.JobStatistics](resp)
			Expect(digests).To(HaveLen(2))
		})
		It("should derive the week from a date", func() {
			resp, err := invoke(http.MethodGet,
				fmt.Sprintf("/reports/digests/%s?customer=%s&date=%s", tenant, customer, date), nil)
			Expect(err).ToNot(HaveOccurred())
			digests, _ := items[*core.JobStatistics](resp)
			Expect(digests).To(HaveLen(2))
		})
		It("should reject malformed weeks", func() {
			resp, err := invoke(http.MethodGet,
				fmt.Sprintf("/reports/digests/%s?customer=%s&week=W12", tenant, customer), nil)
			Expect(vigilerrors.IsValidation(err)).To(BeTrue())
			Expect(errorEntries(resp)[0].Location).To(Equal([]string{"week"}))
		})
		It("should demand a week or a date", func() {
			_, err := invoke(http.MethodGet,
				fmt.Sprintf("/reports/digests/%s?customer=%s", tenant, customer), nil)
			Expect(vigilerrors.IsValidation(err)).To(BeTrue())
		})
		It("should fold the week's errors into one report", func() {
			resp, err := invoke(http.MethodGet,
				fmt.Sprintf("/reports/errors/%s?customer=%s&week=%s", tenant, customer, week), nil)
			Expect(err).ToNot(HaveOccurred())
			report := data[service.ErrorsReport](resp)
			Expect(report.Jobs).To(Equal(2))
			Expect(report.ErrorsByKind).To(Equal(map[string]int{"throttle": 3, "auth": 3}))
			Expect(report.Rules).To(HaveKey("vigil-aws-1-s3-encryption_1.0"))
			Expect(report.Rules).ToNot(HaveKey("vigil-aws-2-iam-mfa_1.0"))
		})
	})

	Context("Raw findings", func() {
		BeforeEach(func() {
			Expect(env.TenantProvider.Create(ctx, test.Tenant(core.Tenant{
				Customer: customer,
				Name:     tenant,
			}))).To(Succeed())
		})

		It("should stream a pinned scan date back out", func() {
			Expect(env.FindingsStore.Write(ctx, tenant, core.CloudAWS, date, []findings.Finding{
				test.Finding(), test.Finding(),
			})).To(Succeed())

			resp, err := invoke(http.MethodGet,
				fmt.Sprintf("/reports/raw/%s?customer=%s&date=%s", tenant, customer, date), nil)
			Expect(err).ToNot(HaveOccurred())
			found, _ := items[findings.Finding](resp)
			Expect(found).To(HaveLen(2))
		})
		It("should fall back to the freshest scan", func() {
			Expect(env.FindingsStore.Write(ctx, tenant, core.CloudAWS, "2026-03-10", []findings.Finding{
				test.Finding(),
			})).To(Succeed())
			Expect(env.FindingsStore.Write(ctx, tenant, core.CloudAWS, date, []findings.Finding{
				test.Finding(), test.Finding(), test.Finding(),
			})).To(Succeed())

			resp, err := invoke(http.MethodGet,
				fmt.Sprintf("/reports/raw/%s?customer=%s", tenant, customer), nil)
			Expect(err).ToNot(HaveOccurred())
			found, _ := items[findings.Finding](resp)
			Expect(found).To(HaveLen(3))
		})
		It("should 404 tenants the customer does not own", func() {
			_, err := invoke(http.MethodGet,
				fmt.Sprintf("/reports/raw/ghost?customer=%s", customer), nil)
			Expect(vigilerrors.IsNotFound(err)).To(BeTrue())
		})
	})

	Context("Diagnostics", func() {
		It("should list every partition status of the date", func() {
			ready := putReport(core.MetricScopeTenant, tenant)
			failed := &core.ReportStatus{
				ID:       reports.StatusID(customer, date, core.MetricScopeTenant, "other"),
				Customer: customer,
				Date:     date,
				State:    core.ReportStateFailed,
				Reason:   "tenant shards unreadable",
			}
			Expect(env.DocumentStore.Put(ctx, test.ReportStatusTable, failed, nil)).To(Succeed())

			resp, err := invoke(http.MethodGet,
				fmt.Sprintf("/reports/diagnostic?customer=%s&date=%s", customer, date), nil)
			Expect(err).ToNot(HaveOccurred())
			statuses, _ := items[*core.ReportStatus](resp)
			Expect(statuses).To(HaveLen(2))
			Expect(lo.Map(statuses, func(s *core.ReportStatus, _ int) string { return s.ID })).
				To(ConsistOf(ready.ID, failed.ID))
		})
		It("should serve one status row by id", func() {
			status := putReport(core.MetricScopeTenant, tenant)

			resp, err := invoke(http.MethodGet, "/reports/status/"+status.ID, nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(data[core.ReportStatus](resp).State).To(Equal(core.ReportStateReady))
		})
		It("should 404 unknown status ids", func() {
			_, err := invoke(http.MethodGet, "/reports/status/nope", nil)
			Expect(vigilerrors.IsNotFound(err)).To(BeTrue())
		})
	})

	Context("Manual push", func() {
		BeforeEach(func() {
			Expect(env.CustomerProvider.Create(ctx, test.Customer(core.Customer{
				Name:        customer,
				SendReports: true,
			}))).To(Succeed())
			Expect(env.IntegrationProvider.Create(ctx, test.Integration(core.Integration{
				Customer: customer,
				Kind:     core.IntegrationDojo,
				Tenants:  []string{tenant},
			}))).To(Succeed())
		})

		It("should accept a push round and list what shipped", func() {
			status := putReport(core.MetricScopeTenant, tenant)

			resp, err := invoke(http.MethodPost, "/reports/push/dojo", service.PushRequest{
				Customer: customer,
				Date:     date,
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(resp.Status).To(Equal(http.StatusAccepted))
			Expect(data[service.PushReceipt](resp).Reports).To(Equal([]string{status.ID}))
			Expect(env.DojoPusher.Pushed()).To(HaveLen(1))
		})
		It("should push the reports behind a finished job", func() {
			status := putReport(core.MetricScopeTenant, tenant)
			scan := test.Job(core.Job{
				Customer:  customer,
				Tenant:    tenant,
				Status:    core.JobStatusSucceeded,
				StoppedAt: lo.ToPtr(time.Date(2026, 3, 17, 18, 30, 0, 0, time.UTC)),
			})
			Expect(env.DocumentStore.Put(ctx, test.JobsTable, scan, nil)).To(Succeed())

			resp, err := invoke(http.MethodPost, "/reports/push/dojo/"+scan.ID, nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(resp.Status).To(Equal(http.StatusAccepted))
			Expect(data[service.PushReceipt](resp).Reports).To(Equal([]string{status.ID}))
		})
		It("should refuse pushing unfinished jobs", func() {
			scan := test.Job(core.Job{Customer: customer, Tenant: tenant, Status: core.JobStatusRunning})
			Expect(env.DocumentStore.Put(ctx, test.JobsTable, scan, nil)).To(Succeed())

			_, err := invoke(http.MethodPost, "/reports/push/dojo/"+scan.ID, nil)
			Expect(vigilerrors.IsValidation(err)).To(BeTrue())
		})
		It("should 404 pushes for unknown jobs", func() {
			_, err := invoke(http.MethodPost, "/reports/push/dojo/no-such-job", nil)
			Expect(vigilerrors.IsNotFound(err)).To(BeTrue())
		})
	})
})
