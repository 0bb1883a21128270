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

package options

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/vigilsec/vigil/pkg/utils/env"
)

// Options for running this binary
type Options struct {
	*flag.FlagSet
	// Service
	APIPort         int
	MetricsPort     int
	HealthProbePort int
	RequestTimeout  time.Duration
	Debug           bool
	// Storage
	TablePrefix        string
	ArtifactsBucket    string
	EventQueueName     string
	ReportQueueName    string
	StorageGracePeriod time.Duration
	// License Manager
	LicenseManagerEndpoint string
	LicenseResyncInterval  time.Duration
	// Scan engine
	JobWorkers    int
	JobQueueDepth int
	ShardCount    int
	// Scheduler
	TickInterval      time.Duration
	EventRuleMapPath  string
	DrainWindow       time.Duration
	DrainInterval     time.Duration
	RetrySendInterval time.Duration
}

// New creates an Options struct and registers CLI flags and environment variables to fill-in the Options struct fields
func New() *Options {
	opts := &Options{}
	f := flag.NewFlagSet("vigil", flag.ContinueOnError)
	opts.FlagSet = f

	// Service
	f.IntVar(&opts.APIPort, "api-port", env.WithDefaultInt("API_PORT", 8000), "The port the REST API binds to")
	f.IntVar(&opts.MetricsPort, "metrics-port", env.WithDefaultInt("METRICS_PORT", 8080), "The port the metric endpoint binds to for operating metrics about the server itself")
	f.IntVar(&opts.HealthProbePort, "health-probe-port", env.WithDefaultInt("HEALTH_PROBE_PORT", 8081), "The port the health probe endpoint binds to for reporting server health")
	f.DurationVar(&opts.RequestTimeout, "request-timeout", env.WithDefaultDuration("REQUEST_TIMEOUT", 30*time.Second), "How long one API request may run before its context is cancelled")
	f.BoolVar(&opts.Debug, "debug", env.WithDefaultBool("DEBUG", false), "Enable debug logging with console encoding")

	// Storage
	f.StringVar(&opts.TablePrefix, "table-prefix", env.WithDefaultString("TABLE_PREFIX", "vigil"), "The prefix shared by every document table, e.g. vigil yields vigil-jobs")
	f.StringVar(&opts.ArtifactsBucket, "artifacts-bucket", env.WithDefaultString("ARTIFACTS_BUCKET", "vigil-artifacts"), "The bucket holding findings shards, ruleset bundles and report artifacts")
	f.StringVar(&opts.EventQueueName, "event-queue-name", env.WithDefaultString("EVENT_QUEUE_NAME", "vigil-events"), "The queue cloud event notifications arrive on")
	f.StringVar(&opts.ReportQueueName, "report-queue-name", env.WithDefaultString("REPORT_QUEUE_NAME", "vigil-reports"), "The queue finished reports are published to")
	f.DurationVar(&opts.StorageGracePeriod, "storage-grace-period", env.WithDefaultDuration("STORAGE_GRACE_PERIOD", 2*time.Minute), "How long the document store may stay unreachable at runtime before the process exits")

	// License Manager
	f.StringVar(&opts.LicenseManagerEndpoint, "license-manager-endpoint", env.WithDefaultString("LICENSE_MANAGER_ENDPOINT", ""), "The base URL of the remote License Manager")
	f.DurationVar(&opts.LicenseResyncInterval, "license-resync-interval", env.WithDefaultDuration("LICENSE_RESYNC_INTERVAL", 6*time.Hour), "How often license mirrors are refreshed from the License Manager")

	// Scan engine
	f.IntVar(&opts.JobWorkers, "job-workers", env.WithDefaultInt("JOB_WORKERS", 4), "How many scan jobs may execute concurrently in this process")
	f.IntVar(&opts.JobQueueDepth, "job-queue-depth", env.WithDefaultInt("JOB_QUEUE_DEPTH", 64), "How many admitted jobs may wait for a worker before submission blocks")
	f.IntVar(&opts.ShardCount, "shard-count", env.WithDefaultInt("SHARD_COUNT", 16), "How many shards a tenant's findings spread over. Changing it strands shards written under the old count")

	// Scheduler
	f.DurationVar(&opts.TickInterval, "tick-interval", env.WithDefaultDuration("TICK_INTERVAL", time.Minute), "The cadence of the scheduler loop driving reports, drains and sweeps")
	f.StringVar(&opts.EventRuleMapPath, "event-rule-map", env.WithDefaultString("EVENT_RULE_MAP", ""), "Path to the TOML file mapping cloud event names to rule ids. Empty disables event-driven jobs")
	f.DurationVar(&opts.DrainWindow, "drain-window", env.WithDefaultDuration("DRAIN_WINDOW", 15*time.Minute), "The sliding window of events one drain pass batches into jobs")
	f.DurationVar(&opts.DrainInterval, "drain-interval", env.WithDefaultDuration("DRAIN_INTERVAL", 5*time.Minute), "How often the event batcher drains its window")
	f.DurationVar(&opts.RetrySendInterval, "retry-send-interval", env.WithDefaultDuration("RETRY_SEND_INTERVAL", time.Hour), "How often failed report deliveries are retried")
	return opts
}

// Table returns the full name of a document table under the configured
// prefix.
func (o *Options) Table(suffix string) string {
	return fmt.Sprintf("%s-%s", o.TablePrefix, suffix)
}

// MustParse reads the user passed flags, environment variables, and default values.
// Options are validated and panics if an error is returned
func (o *Options) MustParse() *Options {
	err := o.Parse(os.Args[1:])

	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		panic(err)
	}
	if err := o.Validate(); err != nil {
		panic(err)
	}
	return o
}

type optionsKey struct{}

func ToContext(ctx context.Context, opts *Options) context.Context {
	return context.WithValue(ctx, optionsKey{}, opts)
}

func FromContext(ctx context.Context) *Options {
	opts, ok := ctx.Value(optionsKey{}).(*Options)
	if !ok {
		panic("options not injected into context")
	}
	return opts
}
