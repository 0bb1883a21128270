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

package delivery_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"

	"github.com/vigilsec/vigil/pkg/apis/core"
	"github.com/vigilsec/vigil/pkg/delivery"
	vigilerrors "github.com/vigilsec/vigil/pkg/errors"
	"github.com/vigilsec/vigil/pkg/fake"
	"github.com/vigilsec/vigil/pkg/findings"
	"github.com/vigilsec/vigil/pkg/reports"
	"github.com/vigilsec/vigil/pkg/storage/document"
	"github.com/vigilsec/vigil/pkg/test"
)

var _ = Describe("Dispatcher", func() {
	var customer, tenant, date string

	// putReport stores a rendered artifact and its READY status row, the
	// exact state the report engine leaves behind.
	putReport := func(customer string, scope core.MetricScope, subject string) *core.ReportStatus {
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

	getStatus := func(id string) *core.ReportStatus {
		GinkgoHelper()
		status := &core.ReportStatus{}
		Expect(env.DocumentStore.Get(ctx, test.ReportStatusTable, document.Key{"id": id}, status)).To(Succeed())
		return status
	}

	// busChunks decodes every entry that reached the bus, across batch calls.
	busChunks := func() []delivery.Chunk {
		var chunks []delivery.Chunk
		env.SQSAPI.SendMessageBatchBehavior.CalledWithInput.ForEach(func(in *sqs.SendMessageBatchInput) {
			for _, entry := range in.Entries {
				chunk := delivery.Chunk{}
				Expect(json.Unmarshal([]byte(lo.FromPtr(entry.MessageBody)), &chunk)).To(Succeed())
				chunks = append(chunks, chunk)
			}
		})
		return chunks
	}

	BeforeEach(func() {
		env.Clock.SetTime(time.Date(2026, 3, 18, 9, 0, 0, 0, time.UTC))
		customer = test.RandomName()
		tenant = test.RandomName()
		date = "2026-03-17"
		Expect(env.CustomerProvider.Create(ctx, test.Customer(core.Customer{
			Name:        customer,
			SendReports: true,
		}))).To(Succeed())
	})

	Context("Dispatch", func() {
		It("should ship a ready report onto the bus", func() {
			status := putReport(customer, core.MetricScopeTenant, tenant)
			Expect(env.ReportDispatcher.Dispatch(ctx, date)).To(Succeed())

			chunks := busChunks()
			Expect(chunks).To(HaveLen(1))
			Expect(chunks[0].ReportID).To(Equal(status.ID))
			Expect(chunks[0].Customer).To(Equal(customer))
			Expect(chunks[0].Seq).To(Equal(1))
			Expect(chunks[0].Total).To(Equal(1))
			shipped := &reports.Artifact{}
			Expect(json.Unmarshal(chunks[0].Data, shipped)).To(Succeed())
			Expect(shipped.Subject).To(Equal(tenant))

			after := getStatus(status.ID)
			Expect(after.State).To(Equal(core.ReportStateReady))
			Expect(after.Attempts).To(Equal(1))
			Expect(after.UpdatedAt).To(Equal(env.Clock.Now().UTC()))
		})
		It("should split oversized reports into an ordered chunk sequence", func() {
			blob := strings.Repeat("v", 5<<20/2)
			artifact := &reports.Artifact{
				Customer: customer,
				Scope:    core.MetricScopeTenant,
				Subject:  tenant,
				Date:     date,
				Reports: map[core.MetricType]reports.Section{
					core.MetricTypeResources: {Data: json.RawMessage(fmt.Sprintf("{\"blob\":%q}", blob))},
				},
			}
			payload, err := json.Marshal(artifact)
			Expect(err).ToNot(HaveOccurred())
			key := reports.ArtifactKey(customer, date, core.MetricScopeTenant, tenant)
			Expect(env.ObjectStore.Put(ctx, key, payload, nil)).To(Succeed())
			status := &core.ReportStatus{
				ID:       reports.StatusID(customer, date, core.MetricScopeTenant, tenant),
				Customer: customer,
				Date:     date,
				Key:      key,
				State:    core.ReportStateReady,
			}
			Expect(env.DocumentStore.Put(ctx, test.ReportStatusTable, status, nil)).To(Succeed())

			Expect(env.ReportDispatcher.Dispatch(ctx, date)).To(Succeed())

			chunks := busChunks()
			Expect(len(chunks)).To(BeNumerically(">", 1))
			var reassembled []byte
			for i, chunk := range chunks {
				Expect(chunk.Seq).To(Equal(i + 1))
				Expect(chunk.Total).To(Equal(len(chunks)))
				reassembled = append(reassembled, chunk.Data...)
			}
			Expect(reassembled).To(Equal(payload))
			Expect(getStatus(status.ID).State).To(Equal(core.ReportStateReady))
		})
		It("should keep artifacts of customers with delivery disabled", func() {
			off := test.RandomName()
			Expect(env.CustomerProvider.Create(ctx, test.Customer(core.Customer{Name: off}))).To(Succeed())
			status := putReport(off, core.MetricScopeTenant, tenant)

			Expect(env.ReportDispatcher.Dispatch(ctx, date)).To(Succeed())

			Expect(busChunks()).To(BeEmpty())
			Expect(env.DojoPusher.Pushed()).To(BeEmpty())
			after := getStatus(status.ID)
			Expect(after.State).To(Equal(core.ReportStateReady))
			Expect(after.Attempts).To(BeZero())
			_, err := env.ObjectStore.Get(ctx, status.Key)
			Expect(err).ToNot(HaveOccurred())
		})
		It("should reject malformed dates", func() {
			err := env.ReportDispatcher.Dispatch(ctx, "17-03-2026")
			Expect(vigilerrors.IsValidation(err)).To(BeTrue())
		})
	})

	Context("Push integrations", func() {
		It("should push tenant reports to covering integrations only", func() {
			putReport(customer, core.MetricScopeTenant, tenant)
			covering := test.Integration(core.Integration{
				Customer: customer,
				Kind:     core.IntegrationDojo,
				Tenants:  []string{tenant},
			})
			Expect(env.IntegrationProvider.Create(ctx, covering)).To(Succeed())
			Expect(env.IntegrationProvider.Create(ctx, test.Integration(core.Integration{
				Customer: customer,
				Kind:     core.IntegrationChronicle,
				Tenants:  []string{"elsewhere"},
			}))).To(Succeed())

			Expect(env.ReportDispatcher.Dispatch(ctx, date)).To(Succeed())

			pushes := env.DojoPusher.Pushed()
			Expect(pushes).To(HaveLen(1))
			Expect(pushes[0].Integration.ID).To(Equal(covering.ID))
			Expect(pushes[0].Artifact.Subject).To(Equal(tenant))
			Expect(env.ChroniclePusher.Pushed()).To(BeEmpty())
		})
		It("should keep rollup reports off the push integrations", func() {
			putReport(customer, core.MetricScopeDepartment, "aws")
			Expect(env.IntegrationProvider.Create(ctx, test.Integration(core.Integration{
				Customer: customer,
			}))).To(Succeed())

			Expect(env.ReportDispatcher.Dispatch(ctx, date)).To(Succeed())

			Expect(env.DojoPusher.Pushed()).To(BeEmpty())
			Expect(busChunks()).To(HaveLen(1))
		})
		It("should skip disabled integrations", func() {
			putReport(customer, core.MetricScopeTenant, tenant)
			disabled := test.Integration(core.Integration{Customer: customer})
			disabled.Enabled = false
			Expect(env.IntegrationProvider.Create(ctx, disabled)).To(Succeed())

			Expect(env.ReportDispatcher.Dispatch(ctx, date)).To(Succeed())
			Expect(env.DojoPusher.Pushed()).To(BeEmpty())
		})
	})

	Context("Failures", func() {
		It("should record push failures without blocking the bus or siblings", func() {
			broken := putReport(customer, core.MetricScopeTenant, tenant)
			healthy := putReport(customer, core.MetricScopeTenant, tenant+"-b")
			Expect(env.IntegrationProvider.Create(ctx, test.Integration(core.Integration{
				Customer: customer,
				Kind:     core.IntegrationDojo,
				Tenants:  []string{tenant},
			}))).To(Succeed())
			env.DojoPusher.Error.Set(retry.Unrecoverable(errors.New("bad payload")), fake.MaxCalls(0))

			Expect(env.ReportDispatcher.Dispatch(ctx, date)).To(Succeed())

			after := getStatus(broken.ID)
			Expect(after.State).To(Equal(core.ReportStateFailed))
			Expect(after.Reason).To(ContainSubstring("dojo delivery"))
			Expect(after.Reason).To(ContainSubstring("bad payload"))
			Expect(after.Attempts).To(Equal(1))

			Expect(getStatus(healthy.ID).State).To(Equal(core.ReportStateReady))
			Expect(busChunks()).To(HaveLen(2))
		})
		It("should retry transient bus failures within the round", func() {
			status := putReport(customer, core.MetricScopeTenant, tenant)
			env.SQSAPI.SendMessageBatchBehavior.Error.Set(errors.New("throttled"))

			Expect(env.ReportDispatcher.Dispatch(ctx, date)).To(Succeed())

			Expect(env.SQSAPI.SendMessageBatchBehavior.FailedCalls()).To(Equal(1))
			Expect(busChunks()).To(HaveLen(1))
			after := getStatus(status.ID)
			Expect(after.State).To(Equal(core.ReportStateReady))
			Expect(after.Attempts).To(Equal(1))
		})
		It("should fail the report when the artifact is missing", func() {
			status := putReport(customer, core.MetricScopeTenant, tenant)
			Expect(env.ObjectStore.Delete(ctx, status.Key)).To(Succeed())

			Expect(env.ReportDispatcher.Dispatch(ctx, date)).To(Succeed())

			after := getStatus(status.ID)
			Expect(after.State).To(Equal(core.ReportStateFailed))
			Expect(after.Reason).To(ContainSubstring("loading report artifact"))
		})
		It("should fail the report when the artifact does not decode", func() {
			status := putReport(customer, core.MetricScopeTenant, tenant)
			Expect(env.ObjectStore.Put(ctx, status.Key, []byte("not a report"), nil)).To(Succeed())

			Expect(env.ReportDispatcher.Dispatch(ctx, date)).To(Succeed())

			after := getStatus(status.ID)
			Expect(after.State).To(Equal(core.ReportStateFailed))
			Expect(after.Reason).To(ContainSubstring("decoding report artifact"))
		})
	})

	Context("Retry schedule", func() {
		It("should drain the failure queue once the sink recovers", func() {
			status := putReport(customer, core.MetricScopeTenant, tenant)
			Expect(env.IntegrationProvider.Create(ctx, test.Integration(core.Integration{
				Customer: customer,
				Kind:     core.IntegrationDojo,
				Tenants:  []string{tenant},
			}))).To(Succeed())
			env.DojoPusher.Error.Set(retry.Unrecoverable(errors.New("collector down")), fake.MaxCalls(0))
			Expect(env.ReportDispatcher.Dispatch(ctx, date)).To(Succeed())
			Expect(getStatus(status.ID).State).To(Equal(core.ReportStateFailed))

			env.DojoPusher.Error.Reset()
			Expect(env.ReportDispatcher.RetryFailed(ctx)).To(Succeed())

			after := getStatus(status.ID)
			Expect(after.State).To(Equal(core.ReportStateReady))
			Expect(after.Reason).To(BeEmpty())
			Expect(after.Attempts).To(Equal(2))
			Expect(env.DojoPusher.Pushed()).To(HaveLen(1))
		})
		It("should park failures that outlive the retry window", func() {
			old := env.Clock.Now().UTC().AddDate(0, 0, -10).Format(findings.DateLayout)
			status := &core.ReportStatus{
				ID:       reports.StatusID(customer, old, core.MetricScopeTenant, tenant),
				Customer: customer,
				Date:     old,
				Key:      reports.ArtifactKey(customer, old, core.MetricScopeTenant, tenant),
				State:    core.ReportStateFailed,
				Reason:   "bus delivery, throttled",
				Attempts: 4,
			}
			Expect(env.DocumentStore.Put(ctx, test.ReportStatusTable, status, nil)).To(Succeed())

			Expect(env.ReportDispatcher.RetryFailed(ctx)).To(Succeed())

			after := getStatus(status.ID)
			Expect(after.State).To(Equal(core.ReportStateExpired))
			Expect(after.Attempts).To(Equal(4))
			Expect(busChunks()).To(BeEmpty())
		})
		It("should leave compute failures to the report engine", func() {
			status := &core.ReportStatus{
				ID:       reports.StatusID(customer, date, core.MetricScopeTenant, tenant),
				Customer: customer,
				Date:     date,
				State:    core.ReportStateFailed,
				Reason:   "computing overview metrics, boom",
			}
			Expect(env.DocumentStore.Put(ctx, test.ReportStatusTable, status, nil)).To(Succeed())

			Expect(env.ReportDispatcher.RetryFailed(ctx)).To(Succeed())

			after := getStatus(status.ID)
			Expect(after.State).To(Equal(core.ReportStateFailed))
			Expect(after.Attempts).To(BeZero())
			Expect(busChunks()).To(BeEmpty())
		})
	})

	Context("Manual push", func() {
		BeforeEach(func() {
			Expect(env.IntegrationProvider.Create(ctx, test.Integration(core.Integration{
				Customer: customer,
				Kind:     core.IntegrationDojo,
				Tenants:  []string{tenant},
			}))).To(Succeed())
		})
		It("should re-push matching tenant reports through one kind and skip the bus", func() {
			status := putReport(customer, core.MetricScopeTenant, tenant)
			putReport(customer, core.MetricScopeDepartment, "aws")

			pushed, err := env.ReportDispatcher.PushTo(ctx, customer, date, core.IntegrationDojo, "")
			Expect(err).ToNot(HaveOccurred())

			Expect(pushed).To(Equal([]string{status.ID}))
			Expect(env.DojoPusher.Pushed()).To(HaveLen(1))
			Expect(busChunks()).To(BeEmpty())
			Expect(getStatus(status.ID).Attempts).To(Equal(1))
		})
		It("should narrow the round to one tenant", func() {
			putReport(customer, core.MetricScopeTenant, tenant)
			putReport(customer, core.MetricScopeTenant, tenant+"-b")
			Expect(env.IntegrationProvider.Create(ctx, test.Integration(core.Integration{
				Customer: customer,
				Kind:     core.IntegrationDojo,
				Tenants:  []string{tenant + "-b"},
			}))).To(Succeed())

			pushed, err := env.ReportDispatcher.PushTo(ctx, customer, date, core.IntegrationDojo, tenant)
			Expect(err).ToNot(HaveOccurred())

			Expect(pushed).To(HaveLen(1))
			Expect(env.DojoPusher.Pushed()).To(HaveLen(1))
			Expect(env.DojoPusher.Pushed()[0].Artifact.Subject).To(Equal(tenant))
		})
		It("should skip reports no integration of the kind covers", func() {
			putReport(customer, core.MetricScopeTenant, "uncovered")

			pushed, err := env.ReportDispatcher.PushTo(ctx, customer, date, core.IntegrationDojo, "")
			Expect(err).ToNot(HaveOccurred())

			Expect(pushed).To(BeEmpty())
			Expect(env.DojoPusher.Pushed()).To(BeEmpty())
		})
		It("should absorb sink failures into the status rows", func() {
			status := putReport(customer, core.MetricScopeTenant, tenant)
			env.DojoPusher.Error.Set(retry.Unrecoverable(errors.New("collector down")), fake.MaxCalls(0))

			pushed, err := env.ReportDispatcher.PushTo(ctx, customer, date, core.IntegrationDojo, "")
			Expect(err).ToNot(HaveOccurred())

			Expect(pushed).To(Equal([]string{status.ID}))
			after := getStatus(status.ID)
			Expect(after.State).To(Equal(core.ReportStateFailed))
			Expect(after.Reason).To(ContainSubstring("collector down"))
		})
		It("should refuse customers with delivery disabled", func() {
			off := test.RandomName()
			Expect(env.CustomerProvider.Create(ctx, test.Customer(core.Customer{Name: off}))).To(Succeed())

			_, err := env.ReportDispatcher.PushTo(ctx, off, date, core.IntegrationDojo, "")
			Expect(vigilerrors.KindOf(err)).To(Equal(vigilerrors.KindForbidden))
		})
		It("should reject kinds without a wired pusher", func() {
			_, err := env.ReportDispatcher.PushTo(ctx, customer, date, core.IntegrationKind("webhook"), "")
			Expect(vigilerrors.IsValidation(err)).To(BeTrue())
		})
	})
})
