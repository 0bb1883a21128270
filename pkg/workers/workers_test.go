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

package workers_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"

	"github.com/vigilsec/vigil/pkg/apis/core"
	"github.com/vigilsec/vigil/pkg/cloudadapter"
	vigilerrors "github.com/vigilsec/vigil/pkg/errors"
	"github.com/vigilsec/vigil/pkg/findings"
	"github.com/vigilsec/vigil/pkg/storage/document"
	"github.com/vigilsec/vigil/pkg/test"
	"github.com/vigilsec/vigil/pkg/workers"
)

var _ = Describe("WorkerEngine", func() {
	var tenant *core.Tenant
	var job *core.Job
	var rules []*core.Rule

	work := func(regions ...string) workers.Work {
		return workers.Work{
			Job:     job,
			Tenant:  tenant,
			Regions: regions,
			Rules:   rules,
		}
	}
	resource := func(id, resourceType string) cloudadapter.Resource {
		return cloudadapter.Resource{ID: id, Type: resourceType}
	}

	BeforeEach(func() {
		tenant = test.Tenant(core.Tenant{Cloud: core.CloudAWS, ActiveRegions: []string{"eu-west-1"}})
		job = test.Job(core.Job{Customer: tenant.Customer, Tenant: tenant.Name})
		rules = []*core.Rule{
			test.Rule(core.Rule{ID: test.RuleID(core.CloudAWS, "s3-encryption", "1.0"), ServiceSection: "storage", Severity: core.SeverityHigh}),
			test.Rule(core.Rule{ID: test.RuleID(core.CloudAWS, "s3-public", "1.0"), ServiceSection: "storage", Severity: core.SeverityCritical}),
			test.Rule(core.Rule{ID: test.RuleID(core.CloudAWS, "iam-mfa", "1.0"), ServiceSection: "identity", Severity: core.SeverityMedium}),
		}
	})

	Context("Execution", func() {
		It("should scan a region and record findings and statistics", func() {
			env.CloudAdapter.Seed("storage", "eu-west-1",
				resource("arn:aws:s3:::bucket-1", "aws_s3_bucket"),
				resource("arn:aws:s3:::bucket-2", "aws_s3_bucket"),
			)
			env.CloudAdapter.Seed("identity", "eu-west-1", resource("user-1", "aws_iam_user"))
			env.CloudAdapter.Violate(rules[0].ID, "arn:aws:s3:::bucket-1", "arn:aws:s3:::bucket-2")
			env.CloudAdapter.Violate(rules[2].ID, "user-1")

			result, err := env.WorkerEngine.Execute(ctx, work("eu-west-1"))
			Expect(err).ToNot(HaveOccurred())
			Expect(result.ExitCode).To(Equal(workers.ExitSuccess))

			stats := result.Statistics
			Expect(stats.TotalChecks).To(Equal(3))
			Expect(stats.Succeeded).To(Equal(3))
			Expect(stats.Failed).To(BeZero())
			Expect(stats.ResourcesViolated).To(Equal(3))
			Expect(stats.BySeverity).To(HaveKeyWithValue("High", 2))
			Expect(stats.BySeverity).To(HaveKeyWithValue("Medium", 1))
			Expect(stats.ByServiceSection).To(HaveKeyWithValue("storage", 2))
			Expect(stats.Week).To(Equal(core.WeekOf(env.Clock.Now())))

			stored, err := env.FindingsStore.ReadLatest(ctx, tenant.Name, core.CloudAWS)
			Expect(err).ToNot(HaveOccurred())
			Expect(lo.Map(stored, func(f findings.Finding, _ int) string { return f.Resource })).To(
				ConsistOf("arn:aws:s3:::bucket-1", "arn:aws:s3:::bucket-2", "user-1"))
			for _, f := range stored {
				Expect(f.LastSeen).To(BeTemporally("==", env.Clock.Now()))
			}
		})
		It("should persist exactly one statistics row and blob per job", func() {
			result, err := env.WorkerEngine.Execute(ctx, work("eu-west-1"))
			Expect(err).ToNot(HaveOccurred())
			Expect(result.ExitCode).To(Equal(workers.ExitSuccess))

			row := &core.JobStatistics{}
			Expect(env.DocumentStore.Get(ctx, test.JobStatisticsTable, document.Key{"job_id": job.ID}, row)).To(Succeed())
			Expect(row.Tenant).To(Equal(tenant.Name))

			exists, err := env.ObjectStore.Exists(ctx, workers.StatisticsKey(job.ID))
			Expect(err).ToNot(HaveOccurred())
			Expect(exists).To(BeTrue())
		})
		It("should enumerate each service section once per region", func() {
			env.CloudAdapter.Seed("storage", "eu-west-1", resource("arn:aws:s3:::bucket-1", "aws_s3_bucket"))

			_, err := env.WorkerEngine.Execute(ctx, work("eu-west-1"))
			Expect(err).ToNot(HaveOccurred())
			// Two storage rules share one listing; identity adds a second.
			Expect(env.CloudAdapter.EnumerateBehavior.Calls()).To(Equal(2))
		})
		It("should only evaluate resources of the rule's target type", func() {
			rules = []*core.Rule{test.Rule(core.Rule{
				ID:             test.RuleID(core.CloudAWS, "s3-encryption", "1.0"),
				ServiceSection: "storage",
				Resource:       "aws_s3_bucket",
			})}
			env.CloudAdapter.Seed("storage", "eu-west-1",
				resource("arn:aws:s3:::bucket-1", "aws_s3_bucket"),
				resource("table-1", "aws_dynamodb_table"),
			)
			env.CloudAdapter.Violate(rules[0].ID, "arn:aws:s3:::bucket-1", "table-1")

			result, err := env.WorkerEngine.Execute(ctx, work("eu-west-1"))
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Statistics.ResourcesViolated).To(Equal(1))
			Expect(env.CloudAdapter.EvaluateBehavior.Calls()).To(Equal(1))
		})
		It("should succeed immediately with empty shards when the tenant has no regions", func() {
			result, err := env.WorkerEngine.Execute(ctx, work())
			Expect(err).ToNot(HaveOccurred())
			Expect(result.ExitCode).To(Equal(workers.ExitSuccess))
			Expect(result.Statistics.TotalChecks).To(BeZero())

			objects, err := env.ObjectStore.List(ctx, "findings/"+tenant.Name+"/")
			Expect(err).ToNot(HaveOccurred())
			Expect(objects).To(BeEmpty())
		})
		It("should fail when no adapter serves the tenant's cloud", func() {
			tenant.Cloud = core.CloudGCP
			result, err := env.WorkerEngine.Execute(ctx, work("europe-west1"))
			Expect(err).ToNot(HaveOccurred())
			Expect(result.ExitCode).To(Equal(workers.ExitFailure))
			Expect(result.Reason).To(ContainSubstring("no cloud adapter"))
		})
	})

	Context("Partial failure", func() {
		It("should keep the invariant total = succeeded + failed when checks error", func() {
			env.CloudAdapter.Seed("storage", "eu-west-1", resource("arn:aws:s3:::bucket-1", "aws_s3_bucket"))
			env.CloudAdapter.EvaluateBehavior.Error.Set(vigilerrors.Newf(vigilerrors.KindInternal, "evaluator crashed"))

			result, err := env.WorkerEngine.Execute(ctx, work("eu-west-1"))
			Expect(err).ToNot(HaveOccurred())
			Expect(result.ExitCode).To(Equal(workers.ExitSuccess))

			stats := result.Statistics
			Expect(stats.TotalChecks).To(Equal(stats.Succeeded + stats.Failed))
			Expect(stats.Failed).To(Equal(1))
			Expect(stats.ErrorsByKind).To(HaveKeyWithValue("INTERNAL", 1))
		})
		It("should record a failed rule when enumeration breaks and carry on", func() {
			env.CloudAdapter.EnumerateBehavior.Error.Set(vigilerrors.Newf(vigilerrors.KindUnavailable, "api throttled"))

			result, err := env.WorkerEngine.Execute(ctx, work("eu-west-1"))
			Expect(err).ToNot(HaveOccurred())
			Expect(result.ExitCode).To(Equal(workers.ExitSuccess))

			stats := result.Statistics
			Expect(stats.Failed).To(Equal(1))
			Expect(stats.TotalChecks).To(Equal(stats.Succeeded + stats.Failed))
			Expect(stats.ErrorsByKind).To(HaveKeyWithValue("UNAVAILABLE", 1))
		})
		It("should fail only the region that cannot authenticate", func() {
			tenant.ActiveRegions = []string{"eu-west-1", "eu-central-1"}
			env.CloudAdapter.Seed("storage", "eu-west-1", resource("arn:aws:s3:::bucket-1", "aws_s3_bucket"))
			env.CloudAdapter.Violate(rules[0].ID, "arn:aws:s3:::bucket-1")
			env.CloudAdapter.FailRegion("eu-central-1", vigilerrors.Newf(vigilerrors.KindUnauthorized, "token rejected"))

			result, err := env.WorkerEngine.Execute(ctx, work("eu-west-1", "eu-central-1"))
			Expect(err).ToNot(HaveOccurred())
			Expect(result.ExitCode).To(Equal(workers.ExitSuccess))
			Expect(result.Reason).To(ContainSubstring("authentication failed in region eu-central-1"))
			Expect(result.Statistics.TotalChecks).To(Equal(3))

			stored, err := env.FindingsStore.ReadLatest(ctx, tenant.Name, core.CloudAWS)
			Expect(err).ToNot(HaveOccurred())
			Expect(stored).To(HaveLen(1))
			Expect(stored[0].Region).To(Equal("eu-west-1"))
		})
		It("should preserve previous findings of a region that could not authenticate", func() {
			tenant.ActiveRegions = []string{"eu-west-1", "eu-central-1"}
			previous := []findings.Finding{{
				RuleID:   rules[0].ID,
				Region:   "eu-central-1",
				Resource: "arn:aws:s3:::old-bucket",
				Severity: core.SeverityHigh,
			}}
			Expect(env.FindingsStore.Write(ctx, tenant.Name, core.CloudAWS,
				env.Clock.Now().UTC().AddDate(0, 0, -1).Format(findings.DateLayout), previous)).To(Succeed())
			env.CloudAdapter.FailRegion("eu-central-1", vigilerrors.Newf(vigilerrors.KindForbidden, "denied"))

			_, err := env.WorkerEngine.Execute(ctx, work("eu-west-1", "eu-central-1"))
			Expect(err).ToNot(HaveOccurred())

			stored, err := env.FindingsStore.ReadLatest(ctx, tenant.Name, core.CloudAWS)
			Expect(err).ToNot(HaveOccurred())
			Expect(stored).To(HaveLen(1))
			Expect(stored[0].Resource).To(Equal("arn:aws:s3:::old-bucket"))
		})
		It("should exit with the retryable credential code when every region fails to authenticate", func() {
			tenant.ActiveRegions = []string{"eu-west-1", "eu-central-1"}
			env.CloudAdapter.FailRegion("eu-west-1", vigilerrors.Newf(vigilerrors.KindUnauthorized, "token rejected"))
			env.CloudAdapter.FailRegion("eu-central-1", vigilerrors.Newf(vigilerrors.KindUnauthorized, "token rejected"))

			result, err := env.WorkerEngine.Execute(ctx, work("eu-west-1", "eu-central-1"))
			Expect(err).ToNot(HaveOccurred())
			Expect(result.ExitCode).To(Equal(workers.ExitRetryableCreds))
			Expect(result.Statistics).To(BeNil())

			objects, err := env.ObjectStore.List(ctx, "findings/"+tenant.Name+"/")
			Expect(err).ToNot(HaveOccurred())
			Expect(objects).To(BeEmpty())
		})
	})

	Context("Remediation", func() {
		It("should drop findings once a re-executed rule stops reporting them", func() {
			env.CloudAdapter.Seed("storage", "eu-west-1", resource("arn:aws:s3:::bucket-1", "aws_s3_bucket"))
			env.CloudAdapter.Violate(rules[0].ID, "arn:aws:s3:::bucket-1")
			_, err := env.WorkerEngine.Execute(ctx, work("eu-west-1"))
			Expect(err).ToNot(HaveOccurred())

			stored, err := env.FindingsStore.ReadLatest(ctx, tenant.Name, core.CloudAWS)
			Expect(err).ToNot(HaveOccurred())
			Expect(stored).To(HaveLen(1))

			env.CloudAdapter.Reset()
			env.CloudAdapter.Seed("storage", "eu-west-1", resource("arn:aws:s3:::bucket-1", "aws_s3_bucket"))
			_, err = env.WorkerEngine.Execute(ctx, work("eu-west-1"))
			Expect(err).ToNot(HaveOccurred())

			stored, err = env.FindingsStore.ReadLatest(ctx, tenant.Name, core.CloudAWS)
			Expect(err).ToNot(HaveOccurred())
			Expect(stored).To(BeEmpty())
		})
	})

	Context("Cancellation", func() {
		It("should stop at a suspension point without touching the tenant's shards", func() {
			env.CloudAdapter.Seed("storage", "eu-west-1", resource("arn:aws:s3:::bucket-1", "aws_s3_bucket"))
			env.CloudAdapter.Violate(rules[0].ID, "arn:aws:s3:::bucket-1")
			cancel := make(chan struct{})
			close(cancel)

			scan := work("eu-west-1")
			scan.Cancel = cancel
			result, err := env.WorkerEngine.Execute(ctx, scan)
			Expect(err).ToNot(HaveOccurred())
			Expect(result.ExitCode).To(Equal(workers.ExitFailure))
			Expect(result.Reason).To(ContainSubstring("cancelled"))

			objects, err := env.ObjectStore.List(ctx, "findings/"+tenant.Name+"/")
			Expect(err).ToNot(HaveOccurred())
			Expect(objects).To(BeEmpty())
		})
	})
})
