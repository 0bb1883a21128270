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
	"fmt"
	"net/url"
	"os"
	"time"

	"go.uber.org/multierr"
)

func (o *Options) Validate() error {
	return multierr.Combine(
		o.validateEndpoint(),
		o.validateNames(),
		o.validatePools(),
		o.validateIntervals(),
		o.validateRuleMap(),
	)
}

func (o *Options) validateEndpoint() error {
	if o.LicenseManagerEndpoint == "" {
		return fmt.Errorf("LICENSE_MANAGER_ENDPOINT is required")
	}
	endpoint, err := url.Parse(o.LicenseManagerEndpoint)
	// url.Parse() will accept a lot of input without error; make
	// sure it's a real URL
	if err != nil || !endpoint.IsAbs() || endpoint.Hostname() == "" {
		return fmt.Errorf("%q is not a valid LICENSE_MANAGER_ENDPOINT URL", o.LicenseManagerEndpoint)
	}
	return nil
}

func (o *Options) validateNames() (err error) {
	if o.TablePrefix == "" {
		err = multierr.Append(err, fmt.Errorf("table-prefix may not be empty"))
	}
	if o.ArtifactsBucket == "" {
		err = multierr.Append(err, fmt.Errorf("artifacts-bucket may not be empty"))
	}
	if o.ReportQueueName == "" {
		err = multierr.Append(err, fmt.Errorf("report-queue-name may not be empty"))
	}
	return err
}

func (o *Options) validatePools() (err error) {
	if o.JobWorkers < 1 {
		err = multierr.Append(err, fmt.Errorf("job-workers must be at least 1"))
	}
	if o.JobQueueDepth < 1 {
		err = multierr.Append(err, fmt.Errorf("job-queue-depth must be at least 1"))
	}
	if o.ShardCount < 1 {
		err = multierr.Append(err, fmt.Errorf("shard-count must be at least 1"))
	}
	return err
}

func (o *Options) validateIntervals() (err error) {
	for name, interval := range map[string]time.Duration{
		"request-timeout":         o.RequestTimeout,
		"tick-interval":           o.TickInterval,
		"drain-window":            o.DrainWindow,
		"drain-interval":          o.DrainInterval,
		"retry-send-interval":     o.RetrySendInterval,
		"license-resync-interval": o.LicenseResyncInterval,
		"storage-grace-period":    o.StorageGracePeriod,
	} {
		if interval <= 0 {
			err = multierr.Append(err, fmt.Errorf("%s must be positive", name))
		}
	}
	return err
}

func (o *Options) validateRuleMap() error {
	if o.EventRuleMapPath == "" {
		return nil
	}
	if _, serr := os.Stat(o.EventRuleMapPath); serr != nil {
		return fmt.Errorf("event-rule-map %q is not readable, %w", o.EventRuleMapPath, serr)
	}
	return nil
}
