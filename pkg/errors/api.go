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
)

// Kind is the request error taxonomy surfaced to API users.
type Kind string

const (
	KindValidation          Kind = "VALIDATION"
	KindNotFound            Kind = "NOT_FOUND"
	KindForbidden           Kind = "FORBIDDEN"
	KindUpstreamUnavailable Kind = "UPSTREAM_UNAVAILABLE"
)

// APIError is a user-facing request failure. Internal errors never become
// APIErrors; they surface as 500 with a generic message.
type APIError struct {
	Kind    Kind
	Message string
}

func (e *APIError) Error() string {
	return e.Message
}

// HTTPStatus maps the kind to its response status.
func (e *APIError) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// NewValidation builds a 400 error.
func NewValidation(format string, a ...any) *APIError {
	return &APIError{Kind: KindValidation, Message: fmt.Sprintf(format, a...)}
}

// NewNotFound builds a 404 error.
func NewNotFound(format string, a ...any) *APIError {
	return &APIError{Kind: KindNotFound, Message: fmt.Sprintf(format, a...)}
}

// NewForbidden builds a 403 error.
func NewForbidden(format string, a ...any) *APIError {
	return &APIError{Kind: KindForbidden, Message: fmt.Sprintf(format, a...)}
}

// NewUpstreamUnavailable builds a 503 error.
func NewUpstreamUnavailable(format string, a ...any) *APIError {
	return &APIError{Kind: KindUpstreamUnavailable, Message: fmt.Sprintf(format, a...)}
}

// AsAPIError extracts an APIError from err, even if wrapped.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
