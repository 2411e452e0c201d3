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
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	batchtypes "github.com/aws/aws-sdk-go-v2/service/batch/types"
	"github.com/samber/lo"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/epam/ecc/pkg/apis"
)

var _ = Describe("AWSClient", func() {
	envelope := func() *apis.Envelope {
		return &apis.Envelope{
			JobID:         "job-1",
			TenantName:    "TENANT",
			TargetRegions: []string{"eu-west-1"},
			SubmittedAt:   time.Now().UTC(),
			JobLifetime:   90 * time.Minute,
		}
	}
	It("should submit the envelope under the configured queue and definition", func() {
		id, err := client.Submit(ctx, "scan-of-tenant", envelope())
		Expect(err).ToNot(HaveOccurred())
		Expect(id).To(Equal("batch-job-1"))
		input := batchapi.SubmitInputs[0]
		Expect(aws.ToString(input.JobName)).To(Equal("scan-of-tenant"))
		Expect(aws.ToString(input.JobQueue)).To(Equal("scan-queue"))
		Expect(aws.ToString(input.JobDefinition)).To(Equal("scan-definition"))
	})
	It("should render the container environment sorted by name", func() {
		_, err := client.Submit(ctx, "scan-of-tenant", envelope())
		Expect(err).ToNot(HaveOccurred())
		names := lo.Map(batchapi.SubmitInputs[0].ContainerOverrides.Environment, func(kv batchtypes.KeyValuePair, _ int) string {
			return aws.ToString(kv.Name)
		})
		Expect(names).To(ContainElement(apis.EnvJobID))
		Expect(sort.StringsAreSorted(names)).To(BeTrue())
	})
	It("should terminate by the backend id", func() {
		Expect(client.Terminate(ctx, "batch-job-1", "user request")).To(Succeed())
		Expect(batchapi.Terminated).To(Equal([]string{"batch-job-1"}))
	})
	It("should report the backend start time when the backend knows it", func() {
		started := time.Now().UTC().Truncate(time.Millisecond)
		batchapi.Add(batchtypes.JobDetail{
			JobId:     aws.String("batch-job-1"),
			StartedAt: lo.ToPtr(started.UnixMilli()),
		})
		at, err := client.StartedAt(ctx, "batch-job-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(at).ToNot(BeNil())
		Expect(at.Equal(started)).To(BeTrue())

		at, err = client.StartedAt(ctx, "batch-job-2")
		Expect(err).ToNot(HaveOccurred())
		Expect(at).To(BeNil())
	})
})
