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

// Package licensemanager talks to the external license manager. Calls are
// retried with backoff behind a circuit breaker; a denied pre-authorization
// is a first-class outcome, not a transport failure.
package licensemanager

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/avast/retry-go"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/sony/gobreaker"

	"github.com/epam/ecc/pkg/apis"
	"github.com/epam/ecc/pkg/errors"
	"github.com/epam/ecc/pkg/logging"
	"github.com/epam/ecc/pkg/providers/secrets"
)

const (
	retryAttempts = 3
	retryDelay    = 500 * time.Millisecond
)

// UpdateJobRequest reports a finished licensed job back to the manager.
type UpdateJobRequest struct {
	JobID     string
	Customer  string
	CreatedAt time.Time
	StartedAt *time.Time
	StoppedAt *time.Time
	Status    apis.JobStatus
}

type Client interface {
	// PostJob pre-authorizes a licensed job and returns pre-signed content
	// URLs keyed by ruleset id. Denial surfaces as errors.ErrLicenseDenied.
	PostJob(ctx context.Context, jobID, customer, tenantName string, rulesetIDs []string) (map[string]string, error)
	// IsAllowed reports whether the customer's tenant may run a job under
	// the given tenant license keys.
	IsAllowed(ctx context.Context, customer, tenantName string, tenantLicenseKeys []string) (bool, error)
	// UpdateJob is best-effort; callers log and move on.
	UpdateJob(ctx context.Context, req UpdateJobRequest) error
}

type DefaultClient struct {
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker
	secrets  secrets.Provider
	baseURL  string
	tokenKey string
}

func NewDefaultClient(baseURL string, secretsProvider secrets.Provider, tokenKey string) *DefaultClient {
	return &DefaultClient{
		http: cleanhttp.DefaultPooledClient(),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "license-manager",
			Timeout: 30 * time.Second,
		}),
		secrets:  secretsProvider,
		baseURL:  baseURL,
		tokenKey: tokenKey,
	}
}

func (c *DefaultClient) PostJob(ctx context.Context, jobID, customer, tenantName string, rulesetIDs []string) (map[string]string, error) {
	body := map[string]any{
		"job_id":      jobID,
		"customer":    customer,
		"tenant_name": tenantName,
		"rulesets":    rulesetIDs,
	}
	var out struct {
		RulesetContent map[string]string `json:"ruleset_content"`
	}
	if err := c.call(ctx, http.MethodPost, "/jobs", body, &out); err != nil {
		return nil, err
	}
	return out.RulesetContent, nil
}

func (c *DefaultClient) IsAllowed(ctx context.Context, customer, tenantName string, tenantLicenseKeys []string) (bool, error) {
	body := map[string]any{
		"customer":            customer,
		"tenant_name":         tenantName,
		"tenant_license_keys": tenantLicenseKeys,
	}
	err := c.call(ctx, http.MethodPost, "/jobs/check-permission", body, nil)
	if err == nil {
		return true, nil
	}
	if stderrors.Is(err, errors.ErrLicenseDenied) {
		return false, nil
	}
	return false, err
}

func (c *DefaultClient) UpdateJob(ctx context.Context, req UpdateJobRequest) error {
	body := map[string]any{
		"job_id":     req.JobID,
		"customer":   req.Customer,
		"created_at": req.CreatedAt.UTC().Format(time.RFC3339),
		"status":     string(req.Status),
	}
	if req.StartedAt != nil {
		body["started_at"] = req.StartedAt.UTC().Format(time.RFC3339)
	}
	if req.StoppedAt != nil {
		body["stopped_at"] = req.StoppedAt.UTC().Format(time.RFC3339)
	}
	return c.call(ctx, http.MethodPatch, "/jobs", body, nil)
}

// call runs one JSON request through the breaker with retries on transport
// and 5xx failures. 4xx responses map to ErrLicenseDenied and are not
// retried.
func (c *DefaultClient) call(ctx context.Context, method, path string, body, out any) error {
	endpoint, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		return fmt.Errorf("building license manager url, %w", err)
	}
	token, err := c.token(ctx)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling license manager request, %w", err)
	}
	// Captured outside the retry loop: the retry library's unrecoverable
	// wrapper hides the sentinel from errors.Is.
	var denied error
	err = retry.Do(func() error {
		_, err := c.breaker.Execute(func() (any, error) {
			req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
			if err != nil {
				return nil, fmt.Errorf("building license manager request, %w", err)
			}
			req.Header.Set("Content-Type", "application/json")
			if token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			}
			resp, err := c.http.Do(req)
			if err != nil {
				return nil, fmt.Errorf("calling license manager %s %s, %w", method, path, err)
			}
			defer resp.Body.Close()
			raw, _ := io.ReadAll(resp.Body)
			switch {
			case resp.StatusCode >= 200 && resp.StatusCode < 300:
				if out != nil && len(raw) > 0 {
					if err := json.Unmarshal(raw, out); err != nil {
						return nil, fmt.Errorf("unmarshaling license manager response, %w", err)
					}
				}
				return nil, nil
			case resp.StatusCode >= 400 && resp.StatusCode < 500:
				logging.FromContext(ctx).Info("license manager refused the request", "status", resp.StatusCode, "body", string(raw))
				denied = fmt.Errorf("license manager returned %d, %w", resp.StatusCode, errors.ErrLicenseDenied)
				return nil, retry.Unrecoverable(denied)
			default:
				return nil, fmt.Errorf("license manager returned %d", resp.StatusCode)
			}
		})
		return err
	}, retry.Attempts(retryAttempts), retry.Delay(retryDelay), retry.LastErrorOnly(true))
	if denied != nil {
		return denied
	}
	return err
}

func (c *DefaultClient) token(ctx context.Context) (string, error) {
	if c.tokenKey == "" {
		return "", nil
	}
	token, err := c.secrets.Get(ctx, c.tokenKey)
	if err != nil {
		return "", fmt.Errorf("getting license manager token, %w", err)
	}
	return token, nil
}
