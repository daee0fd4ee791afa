// Copyright 2025 Nguyen Nhat Nguyen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"gateway/modules/middleware/problem"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	nethttpmiddleware "github.com/oapi-codegen/nethttp-middleware"
)

// ValidationError represents a structured validation error with field and reason.
type ValidationError struct {
	Field  string
	Reason string
}

// LoadSpec parses and validates an OpenAPI document.
func LoadSpec(ctx context.Context, data []byte) (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, err
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, err
	}
	return doc, nil
}

// OpenAPIValidation validates requests against spec and answers violations
// with a problem document listing the offending fields. Authentication is
// left to StaticToken, so security requirements are not checked here.
func OpenAPIValidation(spec *openapi3.T) func(http.Handler) http.Handler {
	opts := &nethttpmiddleware.Options{
		Options: openapi3filter.Options{
			MultiError:         true,
			AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
		},
		DoNotValidateServers:  true,
		SilenceServersWarning: true,
		ErrorHandlerWithOpts: func(ctx context.Context, err error, w http.ResponseWriter, r *http.Request, eopts nethttpmiddleware.ErrorHandlerOpts) {
			status := eopts.StatusCode
			if status == 0 {
				status = http.StatusBadRequest
			}
			// body schema violations are 422
			if InferBodyValidationStatus(err) == http.StatusUnprocessableEntity {
				status = http.StatusUnprocessableEntity
			}
			writeValidationProblem(w, r, err, status)
		},
	}

	return nethttpmiddleware.OapiRequestValidatorWithOptions(spec, opts)
}

func writeValidationProblem(w http.ResponseWriter, r *http.Request, err error, status int) {
	popts := []problem.Option{
		problem.WithStatus(status),
		problem.WithTitle(http.StatusText(status)),
		problem.WithTraceID(RequestIDFrom(r.Context())),
	}
	switch status {
	case http.StatusNotFound:
		popts = append(popts, problem.WithDetail("no such route"))
	case http.StatusMethodNotAllowed:
		popts = append(popts, problem.WithDetail("method not allowed"))
	default:
		popts = append(popts, problem.WithDetail("request failed validation"))
		for _, ve := range ExtractValidationErrors(err) {
			popts = append(popts, problem.WithInvalidParam(ve.Field, ve.Reason))
		}
	}
	problem.Write(w, problem.New(popts...))
}

// ExtractValidationErrors extracts structured validation errors from an OpenAPI validation error.
func ExtractValidationErrors(err error) []ValidationError {
	var me openapi3.MultiError
	if errors.As(err, &me) {
		var out []ValidationError
		for _, item := range me {
			out = append(out, ExtractValidationErrors(item)...)
		}
		return out
	}
	return []ValidationError{extractSingleError(err)}
}

func extractSingleError(err error) ValidationError {
	var re *openapi3filter.RequestError
	if errors.As(err, &re) {
		var se *openapi3.SchemaError
		if errors.As(re.Err, &se) {
			if re.Parameter != nil {
				return ValidationError{Field: re.Parameter.Name, Reason: se.Reason}
			}
			return ValidationError{Field: fieldFromPointer(se.JSONPointer()), Reason: se.Reason}
		}
		// do not echo input; keep messages generic
		if re.Parameter != nil {
			return ValidationError{Field: re.Parameter.Name, Reason: SafeReason(re.Reason)}
		}
		return ValidationError{Field: "body", Reason: SafeReason(re.Reason)}
	}

	var se *openapi3.SchemaError
	if errors.As(err, &se) {
		return ValidationError{Field: fieldFromPointer(se.JSONPointer()), Reason: se.Reason}
	}

	return ValidationError{Field: "request", Reason: "invalid value"}
}

func fieldFromPointer(ptr []string) string {
	if len(ptr) == 0 || ptr[0] == "" || ptr[0] == "0" {
		return "body"
	}
	return ptr[0]
}

// InferBodyValidationStatus returns 422 for body/schema violations to avoid 400 on well-formed but semantically invalid payloads.
func InferBodyValidationStatus(err error) int {
	var me openapi3.MultiError
	if errors.As(err, &me) {
		for _, item := range me {
			if InferBodyValidationStatus(item) == http.StatusUnprocessableEntity {
				return http.StatusUnprocessableEntity
			}
		}
		return 0
	}

	var re *openapi3filter.RequestError
	if errors.As(err, &re) {
		var se *openapi3.SchemaError
		if re.RequestBody != nil || errors.As(re.Err, &se) {
			return http.StatusUnprocessableEntity
		}
		return 0
	}

	var se *openapi3.SchemaError
	if errors.As(err, &se) {
		return http.StatusUnprocessableEntity
	}
	return 0
}

// SafeReason reduces verbose reasons to avoid reflecting input data back to the client.
func SafeReason(reason string) string {
	if reason == "" {
		return "invalid value"
	}
	lower := strings.ToLower(reason)
	if strings.Contains(lower, "doesn't match schema") {
		return "doesn't match schema"
	}
	if strings.Contains(lower, "must be one of") {
		return reason
	}
	return "invalid value"
}
