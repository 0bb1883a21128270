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

package core

import (
	"time"
)

// MetricType discriminates the cached aggregation families derived from
// findings shards and job statistics.
type MetricType string

const (
	MetricTypeOverview   MetricType = "OVERVIEW"
	MetricTypeCompliance MetricType = "COMPLIANCE"
	MetricTypeResources  MetricType = "RESOURCES"
	MetricTypeRules      MetricType = "RULES"
	MetricTypeMitre      MetricType = "MITRE"
	MetricTypeFinOps     MetricType = "FINOPS"
	MetricTypeKubernetes MetricType = "KUBERNETES"
)

// MetricScope tells which aggregation level a record belongs to.
type MetricScope string

const (
	MetricScopeTenant     MetricScope = "tenant"
	MetricScopeProject    MetricScope = "project"
	MetricScopeDepartment MetricScope = "department"
	MetricScopeCLevel     MetricScope = "clevel"
)

// MetricRecord is a dated, immutable aggregation cached so reports never
// rescan shards. Data and Delta hold the serialized typed payload; the
// payload shape is discriminated by Type (see pkg/reports).
type MetricRecord struct {
	// ID is <customer>#<scope>#<subject>#<type>; Date completes the key.
	ID       string      `json:"id" dynamodbav:"id"`
	Customer string      `json:"customer" dynamodbav:"customer"`
	Scope    MetricScope `json:"scope" dynamodbav:"scope"`
	// Subject is the tenant name, project name, department bucket or the
	// literal "customer" for C-level records.
	Subject string     `json:"subject" dynamodbav:"subject"`
	Type    MetricType `json:"type" dynamodbav:"type"`
	Date    string     `json:"date" dynamodbav:"date"`

	Data  []byte `json:"data,omitempty" dynamodbav:"data,omitempty"`
	Delta []byte `json:"delta,omitempty" dynamodbav:"delta,omitempty"`

	Archived   bool      `json:"archived,omitempty" dynamodbav:"archived,omitempty"`
	ComputedAt time.Time `json:"computed_at" dynamodbav:"computed_at"`
}

// MetricRecordID builds the partition key for a metric record.
func MetricRecordID(customer string, scope MetricScope, subject string, t MetricType) string {
	return customer + "#" + string(scope) + "#" + subject + "#" + string(t)
}

// ReportState tracks the delivery lifecycle of one produced report artifact.
type ReportState string

const (
	ReportStatePending ReportState = "PENDING"
	ReportStateReady   ReportState = "READY"
	ReportStateFailed  ReportState = "FAILED"
	ReportStateExpired ReportState = "EXPIRED"
)

// ReportStatus is the status record every report run produces, whatever
// happens to the underlying computation or delivery.
type ReportStatus struct {
	ID       string      `json:"id" dynamodbav:"id"`
	Customer string      `json:"customer" dynamodbav:"customer"`
	Date     string      `json:"date" dynamodbav:"date"`
	Key      string      `json:"key,omitempty" dynamodbav:"key,omitempty"`
	State    ReportState `json:"state" dynamodbav:"state"`
	Reason   string      `json:"reason,omitempty" dynamodbav:"reason,omitempty"`
	// Attempts counts delivery tries across all sinks.
	Attempts  int       `json:"attempts,omitempty" dynamodbav:"attempts,omitempty"`
	UpdatedAt time.Time `json:"updated_at" dynamodbav:"updated_at"`
}
