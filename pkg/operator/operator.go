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

package operator

import (
	"context"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/vigilsec/vigil/pkg/apis/core"
	sdk "github.com/vigilsec/vigil/pkg/aws"
	"github.com/vigilsec/vigil/pkg/batcher"
	vigilcache "github.com/vigilsec/vigil/pkg/cache"
	"github.com/vigilsec/vigil/pkg/cloudadapter"
	"github.com/vigilsec/vigil/pkg/controllers/events"
	"github.com/vigilsec/vigil/pkg/controllers/job"
	"github.com/vigilsec/vigil/pkg/controllers/scheduledjob"
	"github.com/vigilsec/vigil/pkg/delivery"
	vigilerrors "github.com/vigilsec/vigil/pkg/errors"
	"github.com/vigilsec/vigil/pkg/findings"
	"github.com/vigilsec/vigil/pkg/logging"
	"github.com/vigilsec/vigil/pkg/operator/options"
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

// Operator is the assembled control plane. Everything downstream of the AWS
// clients is injected from here so the pieces stay testable in isolation.
type Operator struct {
	Config aws.Config

	DocumentStore *document.DynamoStore
	ObjectStore   *object.S3Store
	SecretStore   *secret.SSMStore

	CustomerProvider    *customer.DefaultProvider
	TenantProvider      *tenant.DefaultProvider
	ApplicationProvider *application.DefaultProvider
	CredentialsProvider *credentials.DefaultProvider
	ExceptionProvider   *exception.DefaultProvider
	RuleSourceProvider  *rulesource.DefaultProvider
	RulesetProvider     *ruleset.DefaultProvider
	LicenseProvider     *license.DefaultProvider
	IntegrationProvider *integration.DefaultProvider
	FindingsStore       *findings.Store
	WorkerEngine        *workers.Engine

	JobPool                *job.LocalPool
	JobController          *job.Controller
	EventsController       *events.Controller
	EventPump              *events.Pump
	ScheduledJobController *scheduledjob.Controller
	ReportEngine           *reports.Engine
	ReportDispatcher       *delivery.Dispatcher

	Service         *service.Service
	Scheduler       *Scheduler
	StorageWatchdog *StorageWatchdog
}

// NewOperator wires the full dependency graph from configuration. The given
// adapters become the worker engine's cloud registry; a deployment that scans
// AWS and Azure passes one adapter per cloud. Storage connectivity is checked
// up front and any backend that is unreachable ends the process, a control
// plane that cannot read its own tables has nothing useful to do.
func NewOperator(ctx context.Context, adapters ...cloudadapter.Adapter) (context.Context, *Operator) {
	opts := options.FromContext(ctx)
	log := logging.FromContext(ctx)

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		log.Fatalf("loading AWS configuration, %s", err)
	}

	dynamodbapi := dynamodb.NewFromConfig(cfg)
	s3api := s3.NewFromConfig(cfg)
	presignapi := s3.NewPresignClient(s3api)
	ssmapi := ssm.NewFromConfig(cfg)
	sqsapi := sqs.NewFromConfig(cfg)
	stsapi := sts.NewFromConfig(cfg)

	if err := checkDocumentStore(ctx, dynamodbapi, opts.Table("customers")); err != nil {
		log.Errorf("document store connectivity check failed: %s", err)
		os.Exit(1)
	}
	if err := checkObjectStore(ctx, s3api, opts.ArtifactsBucket); err != nil {
		log.Errorf("object store connectivity check failed: %s", err)
		os.Exit(1)
	}
	if err := checkSecretStore(ctx, ssmapi); err != nil {
		log.Errorf("secret store connectivity check failed: %s", err)
		os.Exit(1)
	}
	log.Infof("storage connectivity verified in %s", cfg.Region)

	clk := clock.RealClock{}

	documentStore := document.NewDynamoStore(dynamodbapi)
	objectStore := object.NewS3Store(s3api, presignapi, opts.ArtifactsBucket)
	secretStore := secret.NewSSMStore(ssmapi, cache.New(vigilcache.SecretTTL, vigilcache.DefaultCleanupInterval), clk)

	customerProvider := customer.NewDefaultProvider(documentStore, opts.Table("customers"),
		cache.New(vigilcache.DefaultTTL, vigilcache.DefaultCleanupInterval), clk)
	tenantProvider := tenant.NewDefaultProvider(documentStore, opts.Table("tenants"),
		cache.New(vigilcache.TenantTTL, vigilcache.DefaultCleanupInterval), clk)
	applicationProvider := application.NewDefaultProvider(documentStore, opts.Table("applications"), clk)
	credentialsProvider := credentials.NewDefaultProvider(stsapi, secretStore, applicationProvider, cfg.Credentials)
	exceptionProvider := exception.NewDefaultProvider(documentStore, opts.Table("exceptions"), clk)
	findingsStore := findings.NewStore(objectStore, opts.ShardCount)

	var rulesetProvider *ruleset.DefaultProvider
	ruleSourceProvider := rulesource.NewDefaultProvider(documentStore, secretStore, rulesource.NewArchiveFetcher(),
		rulesource.RuleReferencesFunc(func(ctx context.Context, ruleID string) (bool, error) {
			return rulesetProvider.Referenced(ctx, ruleID)
		}), opts.Table("rule-sources"), opts.Table("rules"), clk)
	rulesetProvider = ruleset.NewDefaultProvider(documentStore, objectStore, ruleSourceProvider,
		opts.Table("rulesets"), cache.New(vigilcache.BundleTTL, vigilcache.DefaultCleanupInterval), clk)

	signer := license.NewSigner(secretStore, documentStore, opts.Table("licenses"),
		cache.New(vigilcache.SecretTTL, vigilcache.DefaultCleanupInterval), clk)
	licenseManager := license.NewHTTPManager(opts.LicenseManagerEndpoint, signer)
	licenseProvider := license.NewDefaultProvider(documentStore, licenseManager, opts.Table("licenses"),
		opts.Table("activations"), cache.New(vigilcache.AllowanceTTL, vigilcache.DefaultCleanupInterval), clk)

	workerEngine := workers.NewEngine(cloudadapter.NewRegistry(adapters...), findingsStore, objectStore,
		documentStore, opts.Table("job-statistics"), clk)

	jobPool := job.NewLocalPool(opts.JobQueueDepth)
	jobController := job.NewController(documentStore, opts.Table("jobs"), tenantProvider, rulesetProvider,
		credentialsProvider, licenseProvider, workerEngine, jobPool, clk)
	jobPool.Start(ctx, opts.JobWorkers, jobController.Run)

	eventRules := events.RuleMap{}
	if opts.EventRuleMapPath != "" {
		eventRules = lo.Must(events.LoadRuleMap(opts.EventRuleMapPath))
	}
	eventsController := events.NewController(documentStore, opts.Table("events"), opts.Table("batch-results"),
		tenantProvider, rulesetProvider, licenseProvider, jobController, eventRules,
		cache.New(vigilcache.TenantTTL, vigilcache.DefaultCleanupInterval), clk)
	var eventPump *events.Pump
	if opts.EventQueueName != "" {
		eventPump = events.NewPump(sqsapi, opts.EventQueueName, eventsController)
	}

	scheduledJobController := scheduledjob.NewController(documentStore, opts.Table("scheduled-jobs"), jobController, clk)

	reportEngine := reports.NewEngine(documentStore, objectStore, opts.Table("metric-records"), opts.Table("report-status"),
		opts.Table("job-statistics"), opts.Table("rules"), customerProvider, tenantProvider, exceptionProvider, findingsStore, clk)

	integrationProvider := integration.NewDefaultProvider(documentStore, opts.Table("integrations"), clk)
	sendBatcher := batcher.NewSendMessageBatcher(ctx, sqsapi, delivery.MaxRequestSize)
	busSink := delivery.NewBusSink(sqsapi, sendBatcher, opts.ReportQueueName, delivery.MaxRequestSize)
	reportDispatcher := delivery.NewDispatcher(documentStore, objectStore, opts.Table("report-status"),
		customerProvider, integrationProvider, busSink, map[core.IntegrationKind]delivery.Pusher{
			core.IntegrationDojo:      delivery.NewDojoPusher(secretStore),
			core.IntegrationChronicle: delivery.NewChroniclePusher(secretStore),
		}, clk)

	svc := service.NewService(jobController, eventsController, scheduledJobController,
		rulesetProvider, ruleSourceProvider, licenseProvider, tenantProvider,
		reportEngine, findingsStore, reportDispatcher)

	scheduler := NewScheduler(SchedulerConfig{
		Tick:           opts.TickInterval,
		DrainWindow:    opts.DrainWindow,
		DrainInterval:  opts.DrainInterval,
		RetryInterval:  opts.RetrySendInterval,
		ResyncInterval: opts.LicenseResyncInterval,
	}, jobController, scheduledJobController, eventsController, reportEngine, reportDispatcher, licenseProvider, clk)

	watchdog := NewStorageWatchdog(func(ctx context.Context) error {
		return checkDocumentStore(ctx, dynamodbapi, opts.Table("customers"))
	}, opts.StorageGracePeriod, clk)

	return ctx, &Operator{
		Config: cfg,

		DocumentStore: documentStore,
		ObjectStore:   objectStore,
		SecretStore:   secretStore,

		CustomerProvider:    customerProvider,
		TenantProvider:      tenantProvider,
		ApplicationProvider: applicationProvider,
		CredentialsProvider: credentialsProvider,
		ExceptionProvider:   exceptionProvider,
		RuleSourceProvider:  ruleSourceProvider,
		RulesetProvider:     rulesetProvider,
		LicenseProvider:     licenseProvider,
		IntegrationProvider: integrationProvider,
		FindingsStore:       findingsStore,
		WorkerEngine:        workerEngine,

		JobPool:                jobPool,
		JobController:          jobController,
		EventsController:       eventsController,
		EventPump:              eventPump,
		ScheduledJobController: scheduledJobController,
		ReportEngine:           reportEngine,
		ReportDispatcher:       reportDispatcher,

		Service:         svc,
		Scheduler:       scheduler,
		StorageWatchdog: watchdog,
	}
}

// checkDocumentStore reads one row from the customers table. Any failure,
// including a missing table, means the deployment is broken.
func checkDocumentStore(ctx context.Context, api sdk.DynamoDBAPI, table string) error {
	_, err := api.Scan(ctx, &dynamodb.ScanInput{TableName: aws.String(table), Limit: aws.Int32(1)})
	return err
}

// checkObjectStore lists one key from the artifacts bucket. A missing bucket
// surfaces here rather than on the first shard write hours later.
func checkObjectStore(ctx context.Context, api sdk.S3API, bucket string) error {
	_, err := api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: aws.String(bucket), MaxKeys: aws.Int32(1)})
	return err
}

// checkSecretStore probes a parameter that is not expected to exist. NotFound
// proves the service answered; anything else is a real failure.
func checkSecretStore(ctx context.Context, api sdk.SSMAPI) error {
	_, err := api.GetParameter(ctx, &ssm.GetParameterInput{Name: aws.String("/vigil/connectivity-probe")})
	if err != nil && !vigilerrors.IsNotFound(vigilerrors.FromAWS(err)) {
		return err
	}
	return nil
}
