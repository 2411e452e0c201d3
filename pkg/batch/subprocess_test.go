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

package batch_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/epam/ecc/pkg/apis"
	"github.com/epam/ecc/pkg/batch"
)

var _ = Describe("SubprocessClient", func() {
	It("should forget a finished job entirely", func() {
		client := batch.NewSubprocessClient("true")
		id, err := client.Submit(ctx, "scan-of-tenant", &apis.Envelope{JobID: "job-1"})
		Expect(err).ToNot(HaveOccurred())
		Expect(id).ToNot(BeEmpty())
		Eventually(func() *time.Time {
			at, err := client.StartedAt(ctx, id)
			Expect(err).ToNot(HaveOccurred())
			return at
		}).WithTimeout(3 * time.Second).Should(BeNil())
	})
	It("should treat terminating an unknown job as a no-op", func() {
		client := batch.NewSubprocessClient("true")
		Expect(client.Terminate(ctx, "missing", "user request")).To(Succeed())
	})
	It("should fail submission when the executor binary is missing", func() {
		client := batch.NewSubprocessClient("/does/not/exist")
		_, err := client.Submit(ctx, "scan-of-tenant", &apis.Envelope{JobID: "job-1"})
		Expect(err).To(HaveOccurred())
	})
})
