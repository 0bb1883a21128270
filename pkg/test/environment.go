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

package test

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	clock "k8s.io/utils/clock/testing"

	"github.com/vigilsec/vigil/pkg/apis/core"
	"github.com/vigilsec/vigil/pkg/batcher"
	vigilcache "github.com/vigilsec/vigil/pkg/cache"
	"github.com/vigilsec/vigil/pkg/cloudadapter"
	"github.com/vigilsec/vigil/pkg/controllers/events"
	"github.com/vigilsec/vigil/pkg/controllers/job"
	"github.com/vigilsec/vigil/pkg/controllers/scheduledjob"
	"github.com/vigilsec/vigil/pkg/delivery"
	"github.com/vigilsec/vigil/pkg/fake"
	"github.com/vigilsec/vigil/pkg/findings"
	"github.com/vigilsec/vigil/pkg/providers/application"
	"github.com/vigilsec/vigil/pkg/providers/credentials"
	"github.com/vigilsec/vigil/pkg/providers/customer"
	"github.com/vigilsec/vigil/pkg/providers/exception"
	"github.com/vigilsec/vigil/pkg/providers/integration"
	"github.com/vigilsec/vigil/pkg/providers/license"
	"github.com/vigilsec/vigil/pkg/providers/ruleset"
	"github.com/vigilsec/vigil/pkg/providers/rulesource"
	"github.com/vigilsec/vigil/pkg/providers/tenant"
	"github.com/vigilsec/vigil/pkg/reports"
	"github.com/vigilsec/vigil/pkg/service"
	"github.com/vigilsec/vigil/pkg/storage/document"
	"github.com/vigilsec/vigil/pkg/storage/object"
	"github.com/vigilsec/vigil/pkg/storage/secret"
	"github.com/vigilsec/vigil/pkg/workers"
)

// Table and bucket names used by every suite. The fake DynamoDB needs
// the key schema up front so conditional writes behave like the real
// service.
const (
	CustomersTable     = "vigil-customers"
	TenantsTable       = "vigil-tenants"
	ApplicationsTable  = "vigil-applications"
	ExceptionsTable    = "vigil-exceptions"
	JobsTable          = "vigil-jobs"
	RulesTable         = "vigil-rules"
	RuleSourcesTable   = "vigil-rule-sources"
	RulesetsTable      = "vigil-rulesets"
	LicensesTable      = "vigil-licenses"
	ActivationsTable   = "vigil-activations"
	EventsTable        = "vigil-events"
	BatchResultsTable  = "vigil-batch-results"
	ScheduledJobsTable = "vigil-scheduled-jobs"
	MetricRecordsTable = "vigil-metric-records"
	ReportStatusTable  = "vigil-report-status"
	JobStatisticsTable = "vigil-job-statistics"
	IntegrationsTable  = "vigil-integrations"

	Bucket       = "vigil-artifacts"
	ReportsQueue = "vigil-reports"
	ShardCount   = 4
)

type Environment struct {
	// Mock
	Clock *clock.FakeClock

	// API
	DynamoDBAPI    *fake.DynamoDBAPI
	S3API          *fake.S3API
	PresignAPI     *fake.S3PresignAPI
	SSMAPI         *fake.SSMAPI
	SQSAPI         *fake.SQSAPI
	STSAPI         *fake.STSAPI
	ContentFetcher *fake.ContentFetcher
	LicenseManager *fake.LicenseManager
	CloudAdapter   *fake.CloudAdapter
	JobDispatcher  *fake.JobDispatcher

	// Storage
	DocumentStore *document.DynamoStore
	ObjectStore   *object.S3Store
	SecretStore   *secret.SSMStore

	// Cache
	CustomerCache  *cache.Cache
	TenantCache    *cache.Cache
	SecretCache    *cache.Cache
	BundleCache    *cache.Cache
	AllowanceCache *cache.Cache
	AccountCache   *cache.Cache

	// Providers
	CustomerProvider    *customer.DefaultProvider
	TenantProvider      *tenant.DefaultProvider
	ApplicationProvider *application.DefaultProvider
	CredentialsProvider *credentials.DefaultProvider
	ExceptionProvider   *exception.DefaultProvider
	RuleSourceProvider  *rulesource.DefaultProvider
	RulesetProvider     *ruleset.DefaultProvider
	LicenseProvider     *license.DefaultProvider
	FindingsStore       *findings.Store
	WorkerEngine        *workers.Engine
	JobController       *job.Controller

	// EventRules is shared with the events controller so suites can route
	// event names to rules before ingesting.
	EventRules       events.RuleMap
	EventsController *events.Controller
	EventPump        *events.Pump

	ScheduledJobController *scheduledjob.Controller
	ReportEngine           *reports.Engine

	IntegrationProvider *integration.DefaultProvider
	SendBatcher         *batcher.SendMessageBatcher
	BusSink             *delivery.BusSink
	DojoPusher          *fake.Pusher
	ChroniclePusher     *fake.Pusher
	ReportDispatcher    *delivery.Dispatcher

	Service *service.Service
}

func NewEnvironment(ctx context.Context) *Environment {
	// Mock
	clk := &clock.FakeClock{}
	clk.SetTime(time.Now().UTC())

	// API
	dynamodbapi := fake.NewDynamoDBAPI().
		DefineTable(CustomersTable, "name").
		DefineTable(TenantsTable, "customer", "name").
		DefineTable(ApplicationsTable, "customer", "id").
		DefineTable(ExceptionsTable, "customer", "id").
		DefineTable(JobsTable, "id").
		DefineTable(RulesTable, "id").
		DefineTable(RuleSourcesTable, "id").
		DefineTable(RulesetsTable, "id", "version").
		DefineTable(LicensesTable, "license_key").
		DefineTable(ActivationsTable, "license_key").
		DefineTable(EventsTable, "partition", "id").
		DefineTable(BatchResultsTable, "id").
		DefineTable(ScheduledJobsTable, "customer", "name").
		DefineTable(MetricRecordsTable, "id", "date").
		DefineTable(ReportStatusTable, "id").
		DefineTable(JobStatisticsTable, "job_id").
		DefineTable(IntegrationsTable, "customer", "id")
	s3api := fake.NewS3API()
	presignapi := &fake.S3PresignAPI{}
	ssmapi := fake.NewSSMAPI()
	sqsapi := &fake.SQSAPI{}
	stsapi := &fake.STSAPI{}
	contentFetcher := &fake.ContentFetcher{}
	licenseManager := &fake.LicenseManager{}

	// Storage
	documentStore := document.NewDynamoStore(dynamodbapi)
	objectStore := object.NewS3Store(s3api, presignapi, Bucket)

	// Cache
	customerCache := cache.New(vigilcache.DefaultTTL, vigilcache.DefaultCleanupInterval)
	tenantCache := cache.New(vigilcache.TenantTTL, vigilcache.DefaultCleanupInterval)
	secretCache := cache.New(vigilcache.SecretTTL, vigilcache.DefaultCleanupInterval)
	bundleCache := cache.New(vigilcache.BundleTTL, vigilcache.DefaultCleanupInterval)
	allowanceCache := cache.New(vigilcache.AllowanceTTL, vigilcache.DefaultCleanupInterval)
	accountCache := cache.New(vigilcache.TenantTTL, vigilcache.DefaultCleanupInterval)

	secretStore := secret.NewSSMStore(ssmapi, secretCache, clk)

	// Providers
	customerProvider := customer.NewDefaultProvider(documentStore, CustomersTable, customerCache, clk)
	tenantProvider := tenant.NewDefaultProvider(documentStore, TenantsTable, tenantCache, clk)
	applicationProvider := application.NewDefaultProvider(documentStore, ApplicationsTable, clk)
	credentialsProvider := credentials.NewDefaultProvider(stsapi, secretStore, applicationProvider, nil)
	exceptionProvider := exception.NewDefaultProvider(documentStore, ExceptionsTable, clk)
	findingsStore := findings.NewStore(objectStore, ShardCount)

	var rulesetProvider *ruleset.DefaultProvider
	ruleSourceProvider := rulesource.NewDefaultProvider(documentStore, secretStore, contentFetcher,
		rulesource.RuleReferencesFunc(func(ctx context.Context, ruleID string) (bool, error) {
			return rulesetProvider.Referenced(ctx, ruleID)
		}), RuleSourcesTable, RulesTable, clk)
	rulesetProvider = ruleset.NewDefaultProvider(documentStore, objectStore, ruleSourceProvider, RulesetsTable, bundleCache, clk)
	licenseProvider := license.NewDefaultProvider(documentStore, licenseManager, LicensesTable, ActivationsTable, allowanceCache, clk)

	cloudAdapter := fake.NewCloudAdapter(core.CloudAWS)
	workerEngine := workers.NewEngine(cloudadapter.NewRegistry(cloudAdapter), findingsStore, objectStore,
		documentStore, JobStatisticsTable, clk)

	jobDispatcher := &fake.JobDispatcher{}
	jobController := job.NewController(documentStore, JobsTable, tenantProvider, rulesetProvider,
		credentialsProvider, licenseProvider, workerEngine, jobDispatcher, clk)

	eventRules := events.RuleMap{}
	eventsController := events.NewController(documentStore, EventsTable, BatchResultsTable,
		tenantProvider, rulesetProvider, licenseProvider, jobController, eventRules, accountCache, clk)
	eventPump := events.NewPump(sqsapi, "vigil-events", eventsController)

	scheduledJobController := scheduledjob.NewController(documentStore, ScheduledJobsTable, jobController, clk)

	reportEngine := reports.NewEngine(documentStore, objectStore, MetricRecordsTable, ReportStatusTable,
		JobStatisticsTable, RulesTable, customerProvider, tenantProvider, exceptionProvider, findingsStore, clk)

	integrationProvider := integration.NewDefaultProvider(documentStore, IntegrationsTable, clk)
	sendBatcher := batcher.NewSendMessageBatcher(ctx, sqsapi, delivery.MaxRequestSize)
	busSink := delivery.NewBusSink(sqsapi, sendBatcher, ReportsQueue, delivery.MaxRequestSize)
	dojoPusher := &fake.Pusher{}
	chroniclePusher := &fake.Pusher{}
	reportDispatcher := delivery.NewDispatcher(documentStore, objectStore, ReportStatusTable,
		customerProvider, integrationProvider, busSink, map[core.IntegrationKind]delivery.Pusher{
			core.IntegrationDojo:      dojoPusher,
			core.IntegrationChronicle: chroniclePusher,
		}, clk)

	svc := service.NewService(jobController, eventsController, scheduledJobController,
		rulesetProvider, ruleSourceProvider, licenseProvider, tenantProvider,
		reportEngine, findingsStore, reportDispatcher)

	return &Environment{
		Clock: clk,

		DynamoDBAPI:    dynamodbapi,
		S3API:          s3api,
		PresignAPI:     presignapi,
		SSMAPI:         ssmapi,
		SQSAPI:         sqsapi,
		STSAPI:         stsapi,
		ContentFetcher: contentFetcher,
		LicenseManager: licenseManager,
		CloudAdapter:   cloudAdapter,
		JobDispatcher:  jobDispatcher,

		DocumentStore: documentStore,
		ObjectStore:   objectStore,
		SecretStore:   secretStore,

		CustomerCache:  customerCache,
		TenantCache:    tenantCache,
		SecretCache:    secretCache,
		BundleCache:    bundleCache,
		AllowanceCache: allowanceCache,
		AccountCache:   accountCache,

		CustomerProvider:    customerProvider,
		TenantProvider:      tenantProvider,
		ApplicationProvider: applicationProvider,
		CredentialsProvider: credentialsProvider,
		ExceptionProvider:   exceptionProvider,
		RuleSourceProvider:  ruleSourceProvider,
		RulesetProvider:     rulesetProvider,
		LicenseProvider:     licenseProvider,
		FindingsStore:       findingsStore,
		WorkerEngine:        workerEngine,
		JobController:       jobController,

		EventRules:       eventRules,
		EventsController: eventsController,
		EventPump:        eventPump,

		ScheduledJobController: scheduledJobController,
		ReportEngine:           reportEngine,

		IntegrationProvider: integrationProvider,
		SendBatcher:         sendBatcher,
		BusSink:             busSink,
		DojoPusher:          dojoPusher,
		ChroniclePusher:     chroniclePusher,
		ReportDispatcher:    reportDispatcher,

		Service: svc,
	}
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (env *Environment) Reset() {
	env.Clock.SetTime(time.Now().UTC())
	env.DynamoDBAPI.Reset()
	env.S3API.Reset()
	env.PresignAPI.Reset()
	env.SSMAPI.Reset()
	env.SQSAPI.Reset()
	env.STSAPI.Reset()
	env.ContentFetcher.Reset()
	env.LicenseManager.Reset()
	env.CloudAdapter.Reset()
	env.JobDispatcher.Reset()
	env.DojoPusher.Reset()
	env.ChroniclePusher.Reset()
	env.CustomerCache.Flush()
	env.TenantCache.Flush()
	env.SecretCache.Flush()
	env.BundleCache.Flush()
	env.AllowanceCache.Flush()
	env.AccountCache.Flush()
	clear(env.EventRules)
}
