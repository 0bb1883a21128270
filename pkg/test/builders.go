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
	"fmt"
	"strings"
	"time"

	"github.com/Pallinder/go-randomdata"
	"github.com/google/uuid"
	"github.com/imdario/mergo"

	"github.com/vigilsec/vigil/pkg/apis/core"
	"github.com/vigilsec/vigil/pkg/findings"
)

// RandomName returns a lowercase name safe for customer/tenant fields.
func RandomName() string {
	return strings.ToLower(fmt.Sprintf("%s-%s", randomdata.SillyName(), randomdata.Alphanumeric(6)))
}

func merge[T any](options *T, overrides ...T) {
	for _, override := range overrides {
		if err := mergo.Merge(options, override, mergo.WithOverride); err != nil {
			panic(fmt.Sprintf("Failed to merge settings: %s", err))
		}
	}
}

func Customer(overrides ...core.Customer) *core.Customer {
	options := core.Customer{}
	merge(&options, overrides...)
	if options.Name == "" {
		options.Name = RandomName()
	}
	if options.DisplayName == "" {
		options.DisplayName = strings.ToUpper(options.Name[:1]) + options.Name[1:]
	}
	if options.CreatedAt.IsZero() {
		options.CreatedAt = time.Now().UTC()
	}
	return &options
}

func Tenant(overrides ...core.Tenant) *core.Tenant {
	options := core.Tenant{}
	merge(&options, overrides...)
	if options.Customer == "" {
		options.Customer = RandomName()
	}
	if options.Name == "" {
		options.Name = RandomName()
	}
	if options.Cloud == "" {
		options.Cloud = core.CloudAWS
	}
	if options.CloudIdentifier == "" {
		options.CloudIdentifier = randomdata.StringNumber(4, "")
	}
	if len(options.ActiveRegions) == 0 {
		options.ActiveRegions = []string{"us-east-1", "eu-west-1"}
	}
	if options.CreatedAt.IsZero() {
		options.CreatedAt = time.Now().UTC()
	}
	return &options
}

func Application(overrides ...core.Application) *core.Application {
	options := core.Application{}
	merge(&options, overrides...)
	if options.ID == "" {
		options.ID = uuid.NewString()
	}
	if options.Customer == "" {
		options.Customer = RandomName()
	}
	if options.Cloud == "" {
		options.Cloud = core.CloudAWS
	}
	if options.Type == "" {
		options.Type = core.ApplicationTypeStaticKeys
	}
	if options.Type == core.ApplicationTypeStaticKeys && options.SecretName == "" {
		options.SecretName = fmt.Sprintf("applications/%s/%s", options.Customer, options.ID)
	}
	if options.CreatedAt.IsZero() {
		options.CreatedAt = time.Now().UTC()
	}
	return &options
}

func Exception(overrides ...core.Exception) *core.Exception {
	options := core.Exception{}
	merge(&options, overrides...)
	if options.ID == "" {
		options.ID = uuid.NewString()
	}
	if options.Customer == "" {
		options.Customer = RandomName()
	}
	if options.Expiration.IsZero() {
		options.Expiration = time.Now().UTC().Add(24 * time.Hour)
	}
	return &options
}

// RuleID composes a canonical rule id. The slug is randomized when empty.
func RuleID(cloud core.Cloud, slug, version string) string {
	if slug == "" {
		slug = strings.ToLower(randomdata.Noun())
	}
	return fmt.Sprintf("vigil-%s-%d-%s_%s", cloud, randomdata.Number(1, 999), slug, version)
}

func Rule(overrides ...core.Rule) *core.Rule {
	options := core.Rule{}
	merge(&options, overrides...)
	if options.Cloud == "" {
		options.Cloud = core.CloudAWS
	}
	if options.Version == "" {
		options.Version = "1.0"
	}
	if options.ID == "" {
		options.ID = RuleID(options.Cloud, "", options.Version)
	}
	if options.SourceID == "" {
		options.SourceID = "vigil"
	}
	if options.Severity == "" {
		options.Severity = core.SeverityMedium
	}
	if options.ServiceSection == "" {
		options.ServiceSection = "storage"
	}
	if options.UpdatedAt.IsZero() {
		options.UpdatedAt = time.Now().UTC()
	}
	return &options
}

func RuleSource(overrides ...core.RuleSource) *core.RuleSource {
	options := core.RuleSource{}
	merge(&options, overrides...)
	if options.ID == "" {
		options.ID = RandomName()
	}
	if options.Customer == "" {
		options.Customer = RandomName()
	}
	if options.GitURL == "" && options.ReleaseTag == "" {
		options.GitURL = fmt.Sprintf("https://git.example.com/%s/rules.git", options.Customer)
		options.GitRef = "main"
	}
	if options.Status == "" {
		options.Status = core.RuleSourceStatusIdle
	}
	return &options
}

func Ruleset(overrides ...core.Ruleset) *core.Ruleset {
	options := core.Ruleset{}
	merge(&options, overrides...)
	if options.Customer == "" {
		options.Customer = RandomName()
	}
	if options.Name == "" {
		options.Name = RandomName()
	}
	if options.Cloud == "" {
		options.Cloud = core.CloudAWS
	}
	if options.Version == 0 {
		options.Version = 1
	}
	if options.Status == "" {
		options.Status = core.RulesetStatusReadyToScan
	}
	if options.RulesNumber == 0 {
		options.RulesNumber = len(options.RuleIDs)
	}
	if options.CreatedAt.IsZero() {
		options.CreatedAt = time.Now().UTC()
	}
	return &options
}

func License(overrides ...core.License) *core.License {
	options := core.License{}
	merge(&options, overrides...)
	if options.LicenseKey == "" {
		options.LicenseKey = uuid.NewString()
	}
	if options.Customer == "" {
		options.Customer = RandomName()
	}
	if options.Quota == 0 {
		options.Quota = 100
	}
	if options.Balance == 0 {
		options.Balance = options.Quota
	}
	if options.Expiration.IsZero() {
		options.Expiration = time.Now().UTC().Add(30 * 24 * time.Hour)
	}
	if options.Algorithm == "" {
		options.Algorithm = "ed25519"
	}
	if options.SigningKeyRef == "" {
		options.SigningKeyRef = fmt.Sprintf("licenses/%s/signing-key", options.Customer)
	}
	return &options
}

func Activation(overrides ...core.Activation) *core.Activation {
	options := core.Activation{}
	merge(&options, overrides...)
	if options.LicenseKey == "" {
		options.LicenseKey = uuid.NewString()
	}
	if options.Customer == "" {
		options.Customer = RandomName()
	}
	if len(options.Tenants) == 0 {
		options.AllTenants = true
	}
	return &options
}

func Integration(overrides ...core.Integration) *core.Integration {
	options := core.Integration{}
	merge(&options, overrides...)
	if options.ID == "" {
		options.ID = uuid.NewString()
	}
	if options.Customer == "" {
		options.Customer = RandomName()
	}
	if options.Kind == "" {
		options.Kind = core.IntegrationDojo
	}
	if options.Endpoint == "" {
		options.Endpoint = fmt.Sprintf("https://%s.collector.example.com", options.Kind)
	}
	if options.SecretRef == "" {
		options.SecretRef = fmt.Sprintf("integrations/%s/%s", options.Customer, options.ID)
	}
	if len(options.Tenants) == 0 {
		options.AllTenants = true
	}
	options.Enabled = true
	if options.CreatedAt.IsZero() {
		options.CreatedAt = time.Now().UTC()
	}
	return &options
}

func Job(overrides ...core.Job) *core.Job {
	options := core.Job{}
	merge(&options, overrides...)
	if options.ID == "" {
		options.ID = uuid.NewString()
	}
	if options.Customer == "" {
		options.Customer = RandomName()
	}
	if options.Tenant == "" {
		options.Tenant = RandomName()
	}
	if options.Type == "" {
		options.Type = core.JobTypeManual
	}
	if options.Status == "" {
		options.Status = core.JobStatusSubmitted
	}
	if options.SubmittedAt.IsZero() {
		options.SubmittedAt = time.Now().UTC()
	}
	return &options
}

func Event(overrides ...core.Event) *core.Event {
	options := core.Event{}
	merge(&options, overrides...)
	if options.Partition == "" {
		options.Partition = strings.ToLower(randomdata.Alphanumeric(8))
	}
	if options.ID == "" {
		options.ID = uuid.NewString()
	}
	if options.Customer == "" {
		options.Customer = RandomName()
	}
	if options.Tenant == "" {
		options.Tenant = RandomName()
	}
	if options.Cloud == "" {
		options.Cloud = core.CloudAWS
	}
	if options.AccountID == "" {
		options.AccountID = randomdata.StringNumber(4, "")
	}
	if options.Region == "" {
		options.Region = "us-east-1"
	}
	if options.EventName == "" {
		options.EventName = "CreateBucket"
	}
	if options.Timestamp.IsZero() {
		options.Timestamp = time.Now().UTC()
	}
	if options.Fingerprint == "" {
		options.Fingerprint = strings.ToLower(randomdata.Alphanumeric(16))
	}
	return &options
}

func ScheduledJob(overrides ...core.ScheduledJob) *core.ScheduledJob {
	options := core.ScheduledJob{}
	merge(&options, overrides...)
	if options.Name == "" {
		options.Name = RandomName()
	}
	if options.Customer == "" {
		options.Customer = RandomName()
	}
	if options.Expression == "" {
		options.Expression = "rate(1 hour)"
	}
	if options.Template.Customer == "" {
		options.Template.Customer = options.Customer
	}
	if options.CreatedAt.IsZero() {
		options.CreatedAt = time.Now().UTC()
	}
	return &options
}

func Finding(overrides ...findings.Finding) findings.Finding {
	options := findings.Finding{}
	merge(&options, overrides...)
	if options.RuleID == "" {
		options.RuleID = RuleID(core.CloudAWS, "", "1.0")
	}
	if options.Region == "" {
		options.Region = "us-east-1"
	}
	if options.Resource == "" {
		options.Resource = fmt.Sprintf("arn:aws:s3:::%s", RandomName())
	}
	if options.Severity == "" {
		options.Severity = core.SeverityMedium
	}
	if options.FirstSeen.IsZero() {
		options.FirstSeen = time.Now().UTC().Truncate(time.Second)
	}
	if options.LastSeen.IsZero() {
		options.LastSeen = options.FirstSeen
	}
	return options
}
