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

package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/smithy-go"
)

// Kind classifies an error for callers and for the transport boundary. Only
// the transport boundary translates kinds into HTTP statuses; everything
// below it propagates Error values through ordinary returns.
type Kind string

const (
	KindValidation   Kind = "VALIDATION"
	KindUnauthorized Kind = "UNAUTHORIZED"
	KindForbidden    Kind = "FORBIDDEN"
	KindNotFound     Kind = "NOT_FOUND"
	KindConflict     Kind = "CONFLICT"
	KindQuota        Kind = "QUOTA"
	KindUnavailable  Kind = "UNAVAILABLE"
	KindInternal     Kind = "INTERNAL"
)

// Error carries a kind, a human-readable message and, for validation
// failures, the location of the offending field.
type Error struct {
	Kind     Kind
	Message  string
	Location []string

	err error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error while keeping it unwrappable.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, err: err}
}

// Validation returns a VALIDATION error pinned to a field location.
func Validation(message string, location ...string) *Error {
	return &Error{Kind: KindValidation, Message: message, Location: location}
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s, %s", e.Message, e.err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.err
}

// KindOf walks the error chain and returns the first classified kind,
// defaulting to INTERNAL for unclassified errors and "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindInternal
}

func IsValidation(err error) bool   { return KindOf(err) == KindValidation }
func IsUnauthorized(err error) bool { return KindOf(err) == KindUnauthorized }
func IsForbidden(err error) bool    { return KindOf(err) == KindForbidden }
func IsNotFound(err error) bool     { return KindOf(err) == KindNotFound }
func IsConflict(err error) bool     { return KindOf(err) == KindConflict }
func IsQuota(err error) bool        { return KindOf(err) == KindQuota }
func IsUnavailable(err error) bool  { return KindOf(err) == KindUnavailable }

// HTTPStatus maps a kind onto the status code the transport responds with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case "":
		return http.StatusOK
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindQuota:
		return http.StatusTooManyRequests
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

var (
	// This is not an exhaustive list, add to it as needed
	notFoundErrorCodes = map[string]struct{}{
		"ResourceNotFoundException": {},
		"NoSuchKey":                 {},
		"NotFound":                  {},
		"NoSuchBucket":              {},
		"ParameterNotFound":         {},
	}
	quotaErrorCodes = map[string]struct{}{
		"ProvisionedThroughputExceededException": {},
		"ThrottlingException":                    {},
		"Throttling":                             {},
		"RequestLimitExceeded":                   {},
		"TooManyRequestsException":               {},
	}
	conflictErrorCodes = map[string]struct{}{
		"ConditionalCheckFailedException": {},
		"TransactionConflictException":    {},
	}
	unavailableErrorCodes = map[string]struct{}{
		"ServiceUnavailable":            {},
		"InternalServerError":           {},
		"InternalFailure":               {},
		"RequestTimeout":                {},
		"InternalServiceErrorException": {},
	}
)

// FromAWS classifies an AWS SDK error (even a wrapped one) into one of the
// structured kinds. Unrecognized API errors stay INTERNAL.
func FromAWS(err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return Wrap(KindUnavailable, err, "calling aws")
	}
	code := apiErr.ErrorCode()
	if _, ok := notFoundErrorCodes[code]; ok {
		return Wrap(KindNotFound, err, "resource not found")
	}
	if _, ok := quotaErrorCodes[code]; ok {
		return Wrap(KindQuota, err, "throughput exceeded")
	}
	if _, ok := conflictErrorCodes[code]; ok {
		return Wrap(KindConflict, err, "conditional check failed")
	}
	if _, ok := unavailableErrorCodes[code]; ok {
		return Wrap(KindUnavailable, err, "service unavailable")
	}
	return Wrap(KindInternal, err, code)
}

// IsConditionalCheckFailed reports whether the error is a DynamoDB
// conditional write rejection, before or after FromAWS translation.
func IsConditionalCheckFailed(err error) bool {
	if err == nil {
		return false
	}
	if IsConflict(err) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		_, ok := conflictErrorCodes[apiErr.ErrorCode()]
		return ok
	}
	return false
}
