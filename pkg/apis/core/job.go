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
	"fmt"
	"time"
)

type JobStatus string

const (
	JobStatusSubmitted JobStatus = "SUBMITTED"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusSucceeded JobStatus = "SUCCEEDED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusTimedOut  JobStatus = "TIMED_OUT"
	JobStatusCancelled JobStatus = "CANCELLED"
)

// Terminal reports whether the status is final. Terminal states are never
// left again; transitions out of them are no-ops.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusTimedOut, JobStatusCancelled:
		return true
	}
	return false
}

// legalTransitions encodes the one-way job state machine:
//
//	SUBMITTED -> RUNNING -> SUCCEEDED | FAILED | TIMED_OUT
//	SUBMITTED -> CANCELLED
//	RUNNING   -> CANCELLED
var legalTransitions = map[JobStatus][]JobStatus{
	JobStatusSubmitted: {JobStatusRunning, JobStatusCancelled, JobStatusFailed, JobStatusTimedOut},
	JobStatusRunning:   {JobStatusSucceeded, JobStatusFailed, JobStatusTimedOut, JobStatusCancelled},
}

// CanTransition reports whether moving from s to next is a legal step of the
// job state machine.
func (s JobStatus) CanTransition(next JobStatus) bool {
	for _, allowed := range legalTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type JobType string

const (
	JobTypeManual      JobType = "manual"
	JobTypeEventDriven JobType = "event-driven"
	JobTypeScheduled   JobType = "scheduled"
	JobTypeK8s         JobType = "k8s"
)

// Job tracks one scan from submission to a terminal state. Jobs reference
// their tenant and customer by name only; callers resolve the records on
// demand. Jobs are immutable after reaching a terminal state except for
// StoppedAt and Reason backfill.
type Job struct {
	ID       string    `json:"id" dynamodbav:"id"`
	Customer string    `json:"customer" dynamodbav:"customer"`
	Tenant   string    `json:"tenant" dynamodbav:"tenant"`
	Type     JobType   `json:"type" dynamodbav:"type"`
	Status   JobStatus `json:"status" dynamodbav:"status"`

	SubmittedAt time.Time  `json:"submitted_at" dynamodbav:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" dynamodbav:"started_at,omitempty"`
	StoppedAt   *time.Time `json:"stopped_at,omitempty" dynamodbav:"stopped_at,omitempty"`

	RequestedRegions  []string `json:"requested_regions,omitempty" dynamodbav:"requested_regions,omitempty"`
	RequestedRulesets []string `json:"requested_rulesets,omitempty" dynamodbav:"requested_rulesets,omitempty"`
	ResolvedRulesets  []string `json:"resolved_rulesets,omitempty" dynamodbav:"resolved_rulesets,omitempty"`
	// RuleIDs narrows execution to an explicit rule subset. Event-driven jobs
	// set it to the license-allowed rules mapped from their events.
	RuleIDs []string `json:"rule_ids,omitempty" dynamodbav:"rule_ids,omitempty"`

	Reason     string `json:"reason,omitempty" dynamodbav:"reason,omitempty"`
	IsLicensed bool   `json:"is_licensed" dynamodbav:"is_licensed"`
	// LicenseKey and LMJobHandle record which license admitted the job and the
	// License Manager's handle for it; status notifications sign with them.
	LicenseKey  string `json:"license_key,omitempty" dynamodbav:"license_key,omitempty"`
	LMJobHandle string `json:"lm_job_handle,omitempty" dynamodbav:"lm_job_handle,omitempty"`
	// BatchResultID links an event-driven job back to its batch.
	BatchResultID string `json:"batch_result_id,omitempty" dynamodbav:"batch_result_id,omitempty"`
	// TimeoutHours overrides the default hard cap when positive.
	TimeoutHours float64 `json:"timeout_hours,omitempty" dynamodbav:"timeout_hours,omitempty"`
}

// JobRequest is the persisted shape of a scan request: what to scan and with
// which rulesets. Request-supplied credentials are deliberately not part of
// it so they can never be persisted.
type JobRequest struct {
	Customer string   `json:"customer" dynamodbav:"customer"`
	Tenant   string   `json:"tenant" dynamodbav:"tenant"`
	Type     JobType  `json:"type,omitempty" dynamodbav:"type,omitempty"`
	Regions  []string `json:"regions,omitempty" dynamodbav:"regions,omitempty"`
	Rulesets []string `json:"rulesets,omitempty" dynamodbav:"rulesets,omitempty"`
	RuleIDs  []string `json:"rule_ids,omitempty" dynamodbav:"rule_ids,omitempty"`
	// BatchResultID ties an event-driven job to the batch that spawned it.
	BatchResultID string `json:"batch_result_id,omitempty" dynamodbav:"batch_result_id,omitempty"`
	// TimeoutHours overrides the job hard cap when positive.
	TimeoutHours float64 `json:"timeout_hours,omitempty" dynamodbav:"timeout_hours,omitempty"`
}

// RuleStat aggregates one rule's execution inside a single job.
type RuleStat struct {
	Performed         int            `json:"performed" dynamodbav:"performed"`
	Succeeded         int            `json:"succeeded" dynamodbav:"succeeded"`
	Failed            int            `json:"failed" dynamodbav:"failed"`
	ResourcesViolated int            `json:"resources_violated" dynamodbav:"resources_violated"`
	DurationSeconds   float64        `json:"duration_seconds" dynamodbav:"duration_seconds"`
	ErrorsByKind      map[string]int `json:"errors_by_kind,omitempty" dynamodbav:"errors_by_kind,omitempty"`
}

// JobStatistics is the per-job weekly aggregate row. Exactly one exists for
// every SUCCEEDED job. TotalChecks always equals Succeeded+Failed.
type JobStatistics struct {
	JobID    string `json:"job_id" dynamodbav:"job_id"`
	Customer string `json:"customer" dynamodbav:"customer"`
	Tenant   string `json:"tenant" dynamodbav:"tenant"`
	Cloud    Cloud  `json:"cloud" dynamodbav:"cloud"`
	// Week is the ISO week bucket, e.g. "2026-W34".
	Week string `json:"week" dynamodbav:"week"`

	TotalChecks       int `json:"total_checks" dynamodbav:"total_checks"`
	Succeeded         int `json:"succeeded" dynamodbav:"succeeded"`
	Failed            int `json:"failed" dynamodbav:"failed"`
	ResourcesViolated int `json:"resources_violated" dynamodbav:"resources_violated"`

	BySeverity       map[string]int `json:"by_severity,omitempty" dynamodbav:"by_severity,omitempty"`
	ByServiceSection map[string]int `json:"by_service_section,omitempty" dynamodbav:"by_service_section,omitempty"`
	ErrorsByKind     map[string]int `json:"errors_by_kind,omitempty" dynamodbav:"errors_by_kind,omitempty"`

	RuntimeSeconds float64 `json:"runtime_seconds" dynamodbav:"runtime_seconds"`

	// Rules carries the per-rule aggregates. Its key set is the set of rules
	// that were actually executed, which shard merging relies on.
	Rules map[string]RuleStat `json:"rules,omitempty" dynamodbav:"rules,omitempty"`
}

// ExecutedRules returns the ids of every rule that ran during the job.
func (s JobStatistics) ExecutedRules() []string {
	out := make([]string, 0, len(s.Rules))
	for id := range s.Rules {
		out = append(out, id)
	}
	return out
}

// WeekOf formats the ISO week bucket statistics are keyed by, e.g. "2026-W34".
func WeekOf(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}
