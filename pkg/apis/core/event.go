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

// Event is one normalized cloud change record. The partition key is a random
// short token so that bursts of events spread across the table instead of
// hammering one partition; the timestamp index recovers time order.
type Event struct {
	Partition string `json:"partition" dynamodbav:"partition"`
	ID        string `json:"id" dynamodbav:"id"`

	Customer  string `json:"customer" dynamodbav:"customer"`
	Tenant    string `json:"tenant" dynamodbav:"tenant"`
	Cloud     Cloud  `json:"cloud" dynamodbav:"cloud"`
	AccountID string `json:"account_id" dynamodbav:"account_id"`
	Region    string `json:"region" dynamodbav:"region"`

	EventName   string `json:"event_name" dynamodbav:"event_name"`
	EventSource string `json:"event_source,omitempty" dynamodbav:"event_source,omitempty"`

	Timestamp time.Time `json:"timestamp" dynamodbav:"timestamp"`
	// Fingerprint is a stable hash of the raw payload used for dedup; the
	// payload itself is not retained.
	Fingerprint string `json:"fingerprint" dynamodbav:"fingerprint"`
}

// BatchResult records one event-driven execution: the window it covered, the
// events it consumed and the job it produced. A re-drain of the same window
// finds the BatchResult and skips already-consumed events.
type BatchResult struct {
	ID       string `json:"id" dynamodbav:"id"`
	Customer string `json:"customer" dynamodbav:"customer"`
	Tenant   string `json:"tenant" dynamodbav:"tenant"`
	Cloud    Cloud  `json:"cloud" dynamodbav:"cloud"`

	WindowStart time.Time `json:"window_start" dynamodbav:"window_start"`
	WindowEnd   time.Time `json:"window_end" dynamodbav:"window_end"`

	EventIDs []string `json:"event_ids,omitempty" dynamodbav:"event_ids,omitempty"`
	RuleIDs  []string `json:"rule_ids,omitempty" dynamodbav:"rule_ids,omitempty"`

	JobID       string    `json:"job_id,omitempty" dynamodbav:"job_id,omitempty"`
	SubmittedAt time.Time `json:"submitted_at" dynamodbav:"submitted_at"`
}

// BatchResultID keys a batch by its window and partition so that re-drains
// of the same window land on the same record.
func BatchResultID(customer, tenant string, cloud Cloud, windowStart time.Time) string {
	return customer + "#" + tenant + "#" + string(cloud) + "#" + windowStart.UTC().Format(time.RFC3339)
}
