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

// Package errors classifies cloud service errors for the regional runner and
// carries the request error taxonomy surfaced over HTTP.
package errors

import (
	"errors"
	"fmt"

	"github.com/aws/smithy-go"
	"k8s.io/apimachinery/pkg/util/sets"
)

var (
	// Terminal for a scan: subsequent calls with the same credentials
	// cannot succeed.
	awsInvalidCredentialsCodes = sets.New(
		"AuthFailure",
		"InvalidToken",
		"InvalidClientTokenId",
		"UnrecognizedClientException",
		"ExpiredToken",
		"ExpiredTokenException",
		"SignatureDoesNotMatch",
	)
	// This is not an exhaustive list, add to it as needed
	awsAccessDeniedCodes = sets.New(
		"AccessDenied",
		"AccessDeniedException",
		"UnauthorizedOperation",
		"AuthorizationError",
	)
	azureInvalidCredentialsCodes = sets.New(
		"InvalidAuthenticationTokenTenant",
		"AuthorizationFailed",
		"ClientAuthenticationError",
	)
)

func apiErrorCode(err error) (string, bool) {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode(), true
	}
	return "", false
}

// IsAWSInvalidCredentials returns true if the error is a service error (even
// if wrapped) whose code means the AWS credentials themselves are unusable.
func IsAWSInvalidCredentials(err error) bool {
	code, ok := apiErrorCode(err)
	return ok && awsInvalidCredentialsCodes.Has(code)
}

// IsAWSAccessDenied returns true if the error is a service error (even if
// wrapped) known to mean "access denied" rather than something more serious.
func IsAWSAccessDenied(err error) bool {
	code, ok := apiErrorCode(err)
	return ok && awsAccessDeniedCodes.Has(code)
}

// IsAzureInvalidCredentials returns true if the error code marks unusable
// Azure credentials.
func IsAzureInvalidCredentials(err error) bool {
	code, ok := apiErrorCode(err)
	return ok && azureInvalidCredentialsCodes.Has(code)
}

// IsServiceError returns true if the error is any service API error.
func IsServiceError(err error) bool {
	_, ok := apiErrorCode(err)
	return ok
}

// IsConditionalCheckFailed returns true if a conditional write was rejected
// by the store.
func IsConditionalCheckFailed(err error) bool {
	code, ok := apiErrorCode(err)
	return ok && code == "ConditionalCheckFailedException"
}

// IsValidationException returns true for service-side request validation
// rejections, e.g. a malformed schedule expression.
func IsValidationException(err error) bool {
	code, ok := apiErrorCode(err)
	return ok && code == "ValidationException"
}

// AuthError marks credential failures surfaced by integrations that carry no
// service error code, such as the GCP auth transport.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return e.Err.Error()
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// IsAuth returns true if the error is an AuthError, even if wrapped.
func IsAuth(err error) bool {
	if err == nil {
		return false
	}
	var authErr *AuthError
	return errors.As(err, &authErr)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// HTTPStatusOf extracts the HTTP status attached to a service error, if any.
func HTTPStatusOf(err error) (int, bool) {
	var coder httpStatusCoder
	if errors.As(err, &coder) {
		return coder.HTTPStatusCode(), true
	}
	return 0, false
}

// Sentinels for the executor exit-code mapping.
var (
	// ErrNoCredentials signals an exhausted credential resolver.
	ErrNoCredentials = errors.New("no credentials could be resolved")
	// ErrLicenseDenied signals a license manager pre-authorization refusal.
	ErrLicenseDenied = errors.New("license manager forbids the job")
)

// LockedError is returned when the per-tenant job lock is already held.
type LockedError struct {
	TenantName string
	JobID      string
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("tenant %q is already locked by job %q", e.TenantName, e.JobID)
}

// IsLocked returns true if the error is a LockedError, even if wrapped.
func IsLocked(err error) (*LockedError, bool) {
	var lockErr *LockedError
	if errors.As(err, &lockErr) {
		return lockErr, true
	}
	return nil, false
}
