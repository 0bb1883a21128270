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
	"strings"
	"time"
)

// ScheduledJob periodically materializes its template into a scan request.
// Expression accepts either a standard five-field cron expression or an AWS
// style "rate(N unit)" shorthand.
type ScheduledJob struct {
	Name     string `json:"name" dynamodbav:"name"`
	Customer string `json:"customer" dynamodbav:"customer"`

	Expression string     `json:"expression" dynamodbav:"expression"`
	Template   JobRequest `json:"template" dynamodbav:"template"`
	Enabled    bool       `json:"enabled" dynamodbav:"enabled"`

	LastRun   *time.Time `json:"last_run,omitempty" dynamodbav:"last_run,omitempty"`
	CreatedAt time.Time  `json:"created_at" dynamodbav:"created_at"`
}

// RateToCron rewrites a "rate(N minutes|hours|days)" expression into the
// equivalent cron expression. Cron expressions pass through untouched.
func RateToCron(expression string) (string, error) {
	trimmed := strings.TrimSpace(expression)
	if !strings.HasPrefix(trimmed, "rate(") || !strings.HasSuffix(trimmed, ")") {
		return trimmed, nil
	}
	body := strings.TrimSuffix(strings.TrimPrefix(trimmed, "rate("), ")")
	fields := strings.Fields(body)
	if len(fields) != 2 {
		return "", fmt.Errorf("rate expression %q must be rate(<n> <unit>)", expression)
	}
	var n int
	if _, err := fmt.Sscanf(fields[0], "%d", &n); err != nil || n <= 0 {
		return "", fmt.Errorf("rate expression %q has a non-positive interval", expression)
	}
	switch strings.TrimSuffix(fields[1], "s") {
	case "minute":
		return fmt.Sprintf("*/%d * * * *", n), nil
	case "hour":
		return fmt.Sprintf("0 */%d * * *", n), nil
	case "day":
		return fmt.Sprintf("0 0 */%d * *", n), nil
	default:
		return "", fmt.Errorf("rate expression %q has unknown unit %q", expression, fields[1])
	}
}
