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

package licensemanager_test

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/samber/lo"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/epam/ecc/pkg/apis"
	"github.com/epam/ecc/pkg/errors"
	"github.com/epam/ecc/pkg/fake"
	"github.com/epam/ecc/pkg/licensemanager"
)

// recordedRequest keeps what the test server saw.
type recordedRequest struct {
	Method string
	Path   string
	Auth   string
	Body   map[string]any
}

var _ = Describe("DefaultClient", func() {
	var (
		mu       sync.Mutex
		requests []recordedRequest
		status   int
		response string
		server   *httptest.Server
		secrets  *fake.SecretsStore
		client   *licensemanager.DefaultClient
	)
	record := func(r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		body := map[string]any{}
		_ = json.Unmarshal(raw, &body)
		mu.Lock()
		defer mu.Unlock()
		requests = append(requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Auth:   r.Header.Get("Authorization"),
			Body:   body,
		})
	}
	BeforeEach(func() {
		requests = nil
		status = http.StatusOK
		response = ""
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			record(r)
			w.WriteHeader(status)
			_, _ = w.Write([]byte(response))
		}))
		DeferCleanup(server.Close)
		secrets = fake.NewSecretsStore()
		Expect(secrets.Put(ctx, "lm-token", "secret-token")).To(Succeed())
		client = licensemanager.NewDefaultClient(server.URL, secrets, "lm-token")
	})
	It("should pre-authorize a job and return the content urls", func() {
		response = `{"ruleset_content":{"lm-full-aws":"https://content.example.com/full-aws"}}`
		urls, err := client.PostJob(ctx, "job-1", "EPAM", "tenant-1", []string{"lm-full-aws"})
		Expect(err).ToNot(HaveOccurred())
		Expect(urls).To(HaveKeyWithValue("lm-full-aws", "https://content.example.com/full-aws"))

		Expect(requests).To(HaveLen(1))
		Expect(requests[0].Method).To(Equal(http.MethodPost))
		Expect(requests[0].Path).To(Equal("/jobs"))
		Expect(requests[0].Auth).To(Equal("Bearer secret-token"))
		Expect(requests[0].Body).To(HaveKeyWithValue("job_id", "job-1"))
		Expect(requests[0].Body).To(HaveKeyWithValue("customer", "EPAM"))
		Expect(requests[0].Body).To(HaveKeyWithValue("tenant_name", "tenant-1"))
	})
	It("should surface a refusal as the denied sentinel without retrying", func() {
		status = http.StatusForbidden
		_, err := client.PostJob(ctx, "job-1", "EPAM", "tenant-1", []string{"lm-full-aws"})
		Expect(stderrors.Is(err, errors.ErrLicenseDenied)).To(BeTrue(), "got %v", err)
		Expect(requests).To(HaveLen(1))
	})
	It("should retry server failures", func() {
		status = http.StatusBadGateway
		_, err := client.PostJob(ctx, "job-1", "EPAM", "tenant-1", []string{"lm-full-aws"})
		Expect(err).To(HaveOccurred())
		Expect(stderrors.Is(err, errors.ErrLicenseDenied)).To(BeFalse())
		Expect(requests).To(HaveLen(3))
	})
	It("should translate the permission check outcomes", func() {
		allowed, err := client.IsAllowed(ctx, "EPAM", "tenant-1", []string{"tlk-1"})
		Expect(err).ToNot(HaveOccurred())
		Expect(allowed).To(BeTrue())
		Expect(requests[0].Path).To(Equal("/jobs/check-permission"))
		Expect(requests[0].Body).To(HaveKeyWithValue("tenant_license_keys", []any{"tlk-1"}))

		status = http.StatusForbidden
		allowed, err = client.IsAllowed(ctx, "EPAM", "tenant-1", []string{"tlk-1"})
		Expect(err).ToNot(HaveOccurred())
		Expect(allowed).To(BeFalse())
	})
	It("should report finished jobs with their timestamps", func() {
		started := time.Date(2024, 5, 17, 10, 0, 0, 0, time.UTC)
		stopped := started.Add(45 * time.Minute)
		Expect(client.UpdateJob(ctx, licensemanager.UpdateJobRequest{
			JobID:     "job-1",
			Customer:  "EPAM",
			CreatedAt: started.Add(-time.Minute),
			StartedAt: lo.ToPtr(started),
			StoppedAt: lo.ToPtr(stopped),
			Status:    apis.JobSucceeded,
		})).To(Succeed())

		Expect(requests).To(HaveLen(1))
		Expect(requests[0].Method).To(Equal(http.MethodPatch))
		Expect(requests[0].Body).To(HaveKeyWithValue("status", "SUCCEEDED"))
		Expect(requests[0].Body).To(HaveKeyWithValue("started_at", "2024-05-17T10:00:00Z"))
		Expect(requests[0].Body).To(HaveKeyWithValue("stopped_at", "2024-05-17T10:45:00Z"))
	})
	It("should work unauthenticated when no token key is configured", func() {
		bare := licensemanager.NewDefaultClient(server.URL, secrets, "")
		_, err := bare.PostJob(ctx, "job-1", "EPAM", "tenant-1", nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(requests[0].Auth).To(BeEmpty())
	})
})
