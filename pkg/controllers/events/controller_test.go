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

package events_test

import (
	"encoding/json"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/vigilsec/vigil/pkg/apis/core"
	"github.com/vigilsec/vigil/pkg/cloudadapter"
	"github.com/vigilsec/vigil/pkg/controllers/events"
	"github.com/vigilsec/vigil/pkg/controllers/job"
	vigilerrors "github.com/vigilsec/vigil/pkg/errors"
	"github.com/vigilsec/vigil/pkg/providers/license"
	"github.com/vigilsec/vigil/pkg/providers/ruleset"
	"github.com/vigilsec/vigil/pkg/storage/document"
	"github.com/vigilsec/vigil/pkg/test"
)

var _ = Describe("EventsController", func() {
	const account = "210987654321"

	var customer string
	var tenantRecord *core.Tenant
	var rules []*core.Rule

	envelope := func(name, instance string, at time.Time) events.Envelope {
		return events.Envelope{
			Version:    "0",
			ID:         uuid.NewString(),
			Source:     "aws.ec2",
			DetailType: "AWS API Call via CloudTrail",
			AccountID:  account,
			Region:     "eu-west-1",
			Time:       at,
			Detail: json.RawMessage(fmt.Sprintf(
				`{"eventName":%q,"eventSource":"ec2.amazonaws.com","eventID":%q,"eventTime":%q,"requestParameters":{"instanceId":%q}}`,
				name, uuid.NewString(), at.Format(time.RFC3339), instance)),
		}
	}
	ingest := func(name, instance string, at time.Time) *core.Event {
		GinkgoHelper()
		event, err := env.EventsController.Ingest(ctx, envelope(name, instance, at))
		Expect(err).ToNot(HaveOccurred())
		return event
	}
	assemble := func(name string, keys []string, ruleIDs ...string) *core.Ruleset {
		GinkgoHelper()
		rs, err := env.RulesetProvider.Assemble(ctx, ruleset.AssembleRequest{
			Customer:    customer,
			Cloud:       core.CloudAWS,
			Name:        name,
			Licensed:    len(keys) > 0,
			LicenseKeys: keys,
			Selector:    ruleset.Selector{RuleIDs: ruleIDs},
		})
		Expect(err).ToNot(HaveOccurred())
		released, err := env.RulesetProvider.Release(ctx, customer, core.CloudAWS, name, rs.Version, "", false)
		Expect(err).ToNot(HaveOccurred())
		return released
	}
	activate := func(names ...string) *core.License {
		GinkgoHelper()
		env.LicenseManager.ActivateBehavior.Output.Set(&license.Grant{
			LicenseManagerID: "lm-1",
			AllowedRulesets:  names,
			Quota:            5,
			Expiration:       env.Clock.Now().UTC().Add(30 * 24 * time.Hour),
		})
		activated, err := env.LicenseProvider.Activate(ctx, test.License(core.License{Customer: customer}))
		Expect(err).ToNot(HaveOccurred())
		return activated
	}
	batches := func() []*core.BatchResult {
		GinkgoHelper()
		var out []*core.BatchResult
		_, err := env.DocumentStore.Scan(ctx, document.ScanInput{Table: test.BatchResultsTable}, &out)
		Expect(err).ToNot(HaveOccurred())
		return out
	}
	eventJobs := func() []*core.Job {
		GinkgoHelper()
		listed, _, err := env.JobController.Query(ctx, job.Filter{Customer: customer, Type: core.JobTypeEventDriven})
		Expect(err).ToNot(HaveOccurred())
		return listed
	}
	runNext := func() {
		GinkgoHelper()
		assignments := env.JobDispatcher.Dispatched()
		Expect(assignments).ToNot(BeEmpty())
		env.JobController.Run(ctx, assignments[len(assignments)-1])
	}

	BeforeEach(func() {
		customer = test.RandomName()
		tenantRecord = test.Tenant(core.Tenant{Customer: customer, CloudIdentifier: account, ActiveRegions: []string{"eu-west-1"}})
		Expect(env.TenantProvider.Create(ctx, tenantRecord)).To(Succeed())
		rules = []*core.Rule{
			test.Rule(core.Rule{ID: test.RuleID(core.CloudAWS, "ec2-imdsv2", "1.0"), ServiceSection: "compute", Severity: core.SeverityHigh}),
			test.Rule(core.Rule{ID: test.RuleID(core.CloudAWS, "ec2-public-ip", "1.0"), ServiceSection: "compute", Severity: core.SeverityMedium}),
			test.Rule(core.Rule{ID: test.RuleID(core.CloudAWS, "cloudtrail-enabled", "1.0"), ServiceSection: "logging", Severity: core.SeverityCritical}),
		}
		for _, rule := range rules {
			Expect(env.DocumentStore.Put(ctx, test.RulesTable, rule, nil)).To(Succeed())
		}
		assemble("baseline", nil, rules[0].ID, rules[1].ID)
		env.EventRules["RunInstances"] = []string{rules[0].ID}

		// The drain submits without credential overrides, so the chain must
		// find an application.
		app := test.Application(core.Application{Customer: customer})
		Expect(env.SecretStore.Put(ctx, app.SecretName, `{"access_key_id":"AKIAAPP","secret_key":"app-secret"}`, 0)).To(Succeed())
		Expect(env.ApplicationProvider.Create(ctx, app)).To(Succeed())

		env.CloudAdapter.Seed("compute", "eu-west-1", cloudadapter.Resource{ID: "i-123", Type: "aws_instance"})
		env.CloudAdapter.Seed("logging", "eu-west-1", cloudadapter.Resource{ID: "trail-1", Type: "aws_cloudtrail"})
		env.CloudAdapter.Violate(rules[0].ID, "i-123")
	})

	Context("Ingestion", func() {
		It("should normalize an envelope into a stored event", func() {
			at := env.Clock.Now()
			event := ingest("RunInstances", "i-123", at)
			Expect(event.Customer).To(Equal(customer))
			Expect(event.Tenant).To(Equal(tenantRecord.Name))
			Expect(event.Cloud).To(Equal(core.CloudAWS))
			Expect(event.AccountID).To(Equal(account))
			Expect(event.Region).To(Equal("eu-west-1"))
			Expect(event.EventName).To(Equal("RunInstances"))
			Expect(event.EventSource).To(Equal("ec2.amazonaws.com"))
			Expect(event.Timestamp).To(BeTemporally("==", at.UTC()))
			Expect(event.Partition).To(MatchRegexp(`^p\d{2}$`))
			Expect(event.Fingerprint).ToNot(BeEmpty())

			stored := &core.Event{}
			Expect(env.DocumentStore.Get(ctx, test.EventsTable,
				document.Key{"partition": event.Partition, "id": event.ID}, stored)).To(Succeed())
			Expect(stored.Fingerprint).To(Equal(event.Fingerprint))
		})

		It("should fingerprint the change, not the delivery", func() {
			first := ingest("RunInstances", "i-123", env.Clock.Now())
			env.Clock.Step(2 * time.Minute)
			second := ingest("RunInstances", "i-123", env.Clock.Now())
			other := ingest("RunInstances", "i-456", env.Clock.Now())

			Expect(second.Fingerprint).To(Equal(first.Fingerprint))
			Expect(other.Fingerprint).ToNot(Equal(first.Fingerprint))
		})

		It("should fall back to the detail type for native bus events", func() {
			event, err := env.EventsController.Ingest(ctx, events.Envelope{
				Source:     "aws.health",
				DetailType: "AWS Health Event",
				AccountID:  account,
				Region:     "eu-west-1",
				Detail:     json.RawMessage(`{"service":"EC2"}`),
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(event.EventName).To(Equal("AWS Health Event"))
			Expect(event.EventSource).To(Equal("aws.health"))
			Expect(event.Timestamp).To(BeTemporally("==", env.Clock.Now()))
		})

		It("should reject events from unregistered accounts", func() {
			stray := envelope("RunInstances", "i-123", env.Clock.Now())
			stray.AccountID = "000000000000"
			_, err := env.EventsController.Ingest(ctx, stray)
			Expect(vigilerrors.IsNotFound(err)).To(BeTrue())
		})

		It("should reject envelopes from unknown sources", func() {
			stray := envelope("RunInstances", "i-123", env.Clock.Now())
			stray.Source = "martian.rover"
			_, err := env.EventsController.Ingest(ctx, stray)
			Expect(vigilerrors.IsValidation(err)).To(BeTrue())
		})

		It("should reject envelopes missing the account or region", func() {
			headless := envelope("RunInstances", "i-123", env.Clock.Now())
			headless.AccountID = ""
			_, err := env.EventsController.Ingest(ctx, headless)
			Expect(vigilerrors.IsValidation(err)).To(BeTrue())

			regionless := envelope("RunInstances", "i-123", env.Clock.Now())
			regionless.Region = ""
			_, err = env.EventsController.Ingest(ctx, regionless)
			Expect(vigilerrors.IsValidation(err)).To(BeTrue())
		})
	})

	Context("Draining", func() {
		It("should collapse duplicate deliveries into one batch and one job", func() {
			first := ingest("RunInstances", "i-123", env.Clock.Now())
			env.Clock.Step(2 * time.Minute)
			second := ingest("RunInstances", "i-123", env.Clock.Now())

			Expect(env.EventsController.Drain(ctx, 0)).To(Succeed())

			recorded := batches()
			Expect(recorded).To(HaveLen(1))
			Expect(recorded[0].EventIDs).To(ConsistOf(first.ID, second.ID))
			Expect(recorded[0].RuleIDs).To(ConsistOf(rules[0].ID))
			Expect(recorded[0].JobID).ToNot(BeEmpty())

			scans := eventJobs()
			Expect(scans).To(HaveLen(1))
			Expect(scans[0].ID).To(Equal(recorded[0].JobID))
			Expect(scans[0].BatchResultID).To(Equal(recorded[0].ID))
			Expect(scans[0].RequestedRulesets).To(ConsistOf("baseline"))
			Expect(scans[0].RuleIDs).To(ConsistOf(rules[0].ID))

			runNext()
			Expect(lo.Must(env.JobController.Get(ctx, scans[0].ID)).Status).To(Equal(core.JobStatusSucceeded))
		})

		It("should not double-submit when drains overlap", func() {
			ingest("RunInstances", "i-123", env.Clock.Now())
			Expect(env.EventsController.Drain(ctx, 0)).To(Succeed())
			runNext()

			env.Clock.Step(5 * time.Minute)
			Expect(env.EventsController.Drain(ctx, 0)).To(Succeed())

			Expect(batches()).To(HaveLen(1))
			Expect(eventJobs()).To(HaveLen(1))
		})

		It("should not reopen a batch for a redelivery of a drained change", func() {
			first := ingest("RunInstances", "i-123", env.Clock.Now())
			Expect(env.EventsController.Drain(ctx, 0)).To(Succeed())
			runNext()

			// The same change arrives again under a new delivery id while the
			// original still sits inside the window.
			env.Clock.Step(2 * time.Minute)
			again := ingest("RunInstances", "i-123", env.Clock.Now())
			Expect(again.Fingerprint).To(Equal(first.Fingerprint))
			Expect(env.EventsController.Drain(ctx, 0)).To(Succeed())

			recorded := batches()
			Expect(recorded).To(HaveLen(1))
			Expect(recorded[0].EventIDs).To(ConsistOf(first.ID))
			Expect(eventJobs()).To(HaveLen(1))
		})

		It("should open a new batch for events past the last window", func() {
			ingest("RunInstances", "i-123", env.Clock.Now())
			Expect(env.EventsController.Drain(ctx, 0)).To(Succeed())
			runNext()

			env.Clock.Step(5 * time.Minute)
			later := ingest("RunInstances", "i-456", env.Clock.Now())
			Expect(env.EventsController.Drain(ctx, 0)).To(Succeed())

			recorded := batches()
			Expect(recorded).To(HaveLen(2))
			newest := lo.MaxBy(recorded, func(a, b *core.BatchResult) bool {
				return a.SubmittedAt.After(b.SubmittedAt)
			})
			Expect(newest.EventIDs).To(ConsistOf(later.ID))
			Expect(newest.JobID).ToNot(BeEmpty())
			Expect(eventJobs()).To(HaveLen(2))
		})

		It("should consume unrouted events without submitting a job", func() {
			stray := ingest("DeleteBucket", "bucket-9", env.Clock.Now())
			Expect(env.EventsController.Drain(ctx, 0)).To(Succeed())

			recorded := batches()
			Expect(recorded).To(HaveLen(1))
			Expect(recorded[0].JobID).To(BeEmpty())
			Expect(recorded[0].EventIDs).To(ConsistOf(stray.ID))
			Expect(recorded[0].RuleIDs).To(BeEmpty())
			Expect(eventJobs()).To(BeEmpty())

			// Consumed for good: the next drain finds nothing fresh.
			Expect(env.EventsController.Drain(ctx, 0)).To(Succeed())
			Expect(batches()).To(HaveLen(1))
		})

		It("should defer the batch while the tenant runs another job", func() {
			Expect(env.TenantProvider.Lock(ctx, customer, tenantRecord.Name, "job-elsewhere")).To(Succeed())
			ingest("RunInstances", "i-123", env.Clock.Now())

			Expect(env.EventsController.Drain(ctx, 0)).To(Succeed())
			Expect(batches()).To(BeEmpty())
			Expect(eventJobs()).To(BeEmpty())

			Expect(env.TenantProvider.Unlock(ctx, customer, tenantRecord.Name, "job-elsewhere")).To(Succeed())
			Expect(env.EventsController.Drain(ctx, 0)).To(Succeed())

			recorded := batches()
			Expect(recorded).To(HaveLen(1))
			Expect(recorded[0].JobID).ToNot(BeEmpty())
		})

		It("should extend the window's record when drained again", func() {
			first := ingest("RunInstances", "i-123", env.Clock.Now())
			Expect(env.EventsController.Drain(ctx, 0)).To(Succeed())
			runNext()

			// More events land in the exact same window before the clock moves.
			stray := ingest("DeleteBucket", "bucket-9", env.Clock.Now())
			Expect(env.EventsController.Drain(ctx, 0)).To(Succeed())

			recorded := batches()
			Expect(recorded).To(HaveLen(1))
			Expect(recorded[0].EventIDs).To(ConsistOf(first.ID, stray.ID))
			Expect(recorded[0].RuleIDs).To(ConsistOf(rules[0].ID))
			Expect(recorded[0].JobID).ToNot(BeEmpty())
		})

		It("should narrow licensed rulesets to the tenant's allowance", func() {
			assemble("premium", []string{"lk-premium"}, rules[2].ID)
			env.EventRules["StopLogging"] = []string{rules[2].ID}

			ingest("RunInstances", "i-123", env.Clock.Now())
			ingest("StopLogging", "trail-1", env.Clock.Now())
			Expect(env.EventsController.Drain(ctx, 0)).To(Succeed())

			scans := eventJobs()
			Expect(scans).To(HaveLen(1))
			Expect(scans[0].RequestedRulesets).To(ConsistOf("baseline"))
			Expect(scans[0].RuleIDs).To(ConsistOf(rules[0].ID))
			runNext()

			// An activation granting premium widens the next batch.
			activate("premium")
			env.Clock.Step(20 * time.Minute)
			ingest("RunInstances", "i-456", env.Clock.Now())
			ingest("StopLogging", "trail-1", env.Clock.Now())
			Expect(env.EventsController.Drain(ctx, 0)).To(Succeed())

			pending, _, err := env.JobController.Query(ctx, job.Filter{Customer: customer, Status: core.JobStatusSubmitted})
			Expect(err).ToNot(HaveOccurred())
			Expect(pending).To(HaveLen(1))
			Expect(pending[0].RequestedRulesets).To(ConsistOf("baseline", "premium"))
			Expect(pending[0].RuleIDs).To(ConsistOf(rules[0].ID, rules[2].ID))
			Expect(pending[0].IsLicensed).To(BeTrue())
		})
	})

	Context("RuleMap", func() {
		It("should parse TOML routes", func() {
			routes, err := events.ParseRuleMap([]byte(
				"[events]\n\"RunInstances\" = [\"ec2-imdsv2\", \"ec2-public-ip\"]\n\"DeleteTrail\" = [\"cloudtrail-enabled\"]\n"))
			Expect(err).ToNot(HaveOccurred())
			Expect(routes).To(HaveLen(2))
			Expect(routes["RunInstances"]).To(ConsistOf("ec2-imdsv2", "ec2-public-ip"))
			Expect(routes["DeleteTrail"]).To(ConsistOf("cloudtrail-enabled"))
		})

		It("should reject malformed TOML", func() {
			_, err := events.ParseRuleMap([]byte("[events\nbroken"))
			Expect(err).To(HaveOccurred())
		})

		It("should default to no routes without a file", func() {
			routes, err := events.LoadRuleMap("")
			Expect(err).ToNot(HaveOccurred())
			Expect(routes).To(BeEmpty())
		})
	})
})
