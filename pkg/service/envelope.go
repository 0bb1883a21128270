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

package service

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/multierr"

	vigilerrors "github.com/vigilsec/vigil/pkg/errors"
)

// Envelope wraps every single-item response.
type Envelope struct {
	Data    any    `json:"data"`
	TraceID string `json:"trace_id"`
}

// Collection wraps list responses. NextToken is present only when another
// page exists.
type Collection struct {
	Items     any    `json:"items"`
	NextToken string `json:"next_token,omitempty"`
}

// ErrorBody shapes every failure response: one entry per underlying error,
// with the offending field's location when there is one.
type ErrorBody struct {
	Errors  []ErrorEntry `json:"errors"`
	TraceID string       `json:"trace_id"`
}

type ErrorEntry struct {
	Location []string `json:"location,omitempty"`
	Message  string   `json:"message"`
}

func (r *Request) ok(payload any) (Response, error) {
	return Response{Status: http.StatusOK, Body: Envelope{Data: payload, TraceID: r.TraceID}}, nil
}

func (r *Request) created(payload any) (Response, error) {
	return Response{Status: http.StatusCreated, Body: Envelope{Data: payload, TraceID: r.TraceID}}, nil
}

func (r *Request) accepted(payload any) (Response, error) {
	return Response{Status: http.StatusAccepted, Body: Envelope{Data: payload, TraceID: r.TraceID}}, nil
}

func collection(items any, nextToken string) (Response, error) {
	return Response{Status: http.StatusOK, Body: Collection{Items: items, NextToken: nextToken}}, nil
}

func errorResponse(traceID string, err error) Response {
	return Response{Status: vigilerrors.HTTPStatus(err), Body: ErrorBody{Errors: entries(err), TraceID: traceID}}
}

func entries(err error) []ErrorEntry {
	out := make([]ErrorEntry, 0, 1)
	for _, each := range multierr.Errors(err) {
		var typed *vigilerrors.Error
		if errors.As(each, &typed) {
			out = append(out, ErrorEntry{Location: typed.Location, Message: typed.Message})
			continue
		}
		out = append(out, ErrorEntry{Message: each.Error()})
	}
	return out
}

// decode strictly unmarshals a request body and validates the result.
// Unknown fields are rejected so client typos surface instead of silently
// dropping options.
func decode(body []byte, dto any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dto); err != nil {
		return jsonError(err)
	}
	return validateStruct(dto)
}

var unknownFieldPattern = regexp.MustCompile(`unknown field "([^"]+)"`)

func jsonError(err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return vigilerrors.Validation(fmt.Sprintf("field %s must be of type %s", typeErr.Field, typeErr.Type), strings.Split(typeErr.Field, ".")...)
	}
	if m := unknownFieldPattern.FindStringSubmatch(err.Error()); m != nil {
		return vigilerrors.Validation(fmt.Sprintf("unknown field %q", m[1]), m[1])
	}
	return vigilerrors.Validation("request body is not valid json")
}

// validate reports locations by wire name, not Go field name.
var validate = func() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}()

func validateStruct(dto any) error {
	err := validate.Struct(dto)
	if err == nil {
		return nil
	}
	var fields validator.ValidationErrors
	if !errors.As(err, &fields) {
		return vigilerrors.Wrap(vigilerrors.KindInternal, err, "validating request")
	}
	var out error
	for _, fe := range fields {
		out = multierr.Append(out, vigilerrors.Validation(describe(fe), location(fe)...))
	}
	return out
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "min":
		return fmt.Sprintf("%s needs at least %s entries", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of %s", fe.Field(), fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", fe.Field(), fe.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid url", fe.Field())
	default:
		return fmt.Sprintf("%s is not valid", fe.Field())
	}
}

// location is the wire path of a failed field, the enclosing DTO's type name
// stripped.
func location(fe validator.FieldError) []string {
	path := strings.Split(fe.Namespace(), ".")
	if len(path) > 1 {
		path = path[1:]
	}
	return path
}

// requireQuery pulls a mandatory query parameter.
func requireQuery(req *Request, name string) (string, error) {
	if v := req.Query.Get(name); v != "" {
		return v, nil
	}
	return "", vigilerrors.Validation(fmt.Sprintf("%s query parameter is required", name), name)
}

// limitParam parses the page size, zero when absent. Providers apply their
// own defaults and caps.
func limitParam(req *Request) (int32, error) {
	raw := req.Query.Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.ParseInt(raw, 10, 32)
	if err != nil || limit <= 0 {
		return 0, vigilerrors.Validation("limit must be a positive integer", "limit")
	}
	return int32(limit), nil
}
