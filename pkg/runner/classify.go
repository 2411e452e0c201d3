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

package runner

import (
	"net/http"

	"github.com/epam/ecc/pkg/apis"
	"github.com/epam/ecc/pkg/errors"
)

// Classify maps a policy execution error onto the per-cloud failure
// taxonomy. CREDENTIALS is the only terminal kind; callers stop invoking the
// engine when they see it.
func Classify(cloud apis.Cloud, err error) apis.PolicyStatus {
	switch cloud {
	case apis.CloudAWS:
		switch {
		case errors.IsAWSInvalidCredentials(err):
			return apis.PolicyCredentials
		case errors.IsAWSAccessDenied(err):
			return apis.PolicyAccess
		case errors.IsServiceError(err):
			return apis.PolicyClient
		}
	case apis.CloudAzure:
		switch {
		case errors.IsAzureInvalidCredentials(err):
			return apis.PolicyCredentials
		case errors.IsServiceError(err):
			return apis.PolicyClient
		}
	case apis.CloudGoogle:
		if errors.IsAuth(err) {
			return apis.PolicyCredentials
		}
		if status, ok := errors.HTTPStatusOf(err); ok {
			if status == http.StatusForbidden {
				return apis.PolicyAccess
			}
			return apis.PolicyClient
		}
	case apis.CloudKubernetes:
		return apis.PolicyInternal
	}
	return apis.PolicyInternal
}
