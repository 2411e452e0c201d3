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

package scheduler_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/epam/ecc/pkg/errors"
	"github.com/epam/ecc/pkg/fake"
	"github.com/epam/ecc/pkg/scheduler"
	"github.com/epam/ecc/pkg/test"
)

var _ = Describe("CronScheduler", func() {
	var (
		batchClient *fake.BatchClient
		cronSched   *scheduler.CronScheduler
	)
	BeforeEach(func() {
		batchClient = fake.NewBatchClient()
		cronSched = scheduler.NewCronScheduler(batchClient)
	})
	It("should accept rate() and cron() expressions", func() {
		job := test.ScheduledJob(test.ScheduledJobOptions{Name: "hourly", Schedule: "rate(2 hours)", Disabled: true})
		Expect(cronSched.Register(ctx, job, envelopeFor(job))).To(Succeed())
		job = test.ScheduledJob(test.ScheduledJobOptions{Name: "noon", Schedule: "cron(0 12 * * ? *)", Disabled: true})
		Expect(cronSched.Register(ctx, job, envelopeFor(job))).To(Succeed())
	})
	It("should refuse an expression neither backend understands", func() {
		job := test.ScheduledJob(test.ScheduledJobOptions{Name: "bad", Schedule: "rate(7 fortnights)"})
		err := cronSched.Register(ctx, job, envelopeFor(job))
		apiErr, ok := errors.AsAPIError(err)
		Expect(ok).To(BeTrue(), "expected an API error, got %v", err)
		Expect(apiErr.Kind).To(Equal(errors.KindValidation))
	})
	It("should fire an armed job with a fresh identity", func() {
		job := test.ScheduledJob(test.ScheduledJobOptions{Name: "fast", TenantName: "tenant-1", Schedule: "@every 10ms"})
		Expect(cronSched.Register(ctx, job, envelopeFor(job))).To(Succeed())
		DeferCleanup(func() { Expect(cronSched.Deregister(ctx, "fast")).To(Succeed()) })

		Eventually(batchClient.Submitted).WithTimeout(3 * time.Second).ShouldNot(BeEmpty())

		fired := batchClient.Submitted()[0]
		Expect(fired.Name).To(Equal("fast"))
		Expect(fired.Envelope.JobID).ToNot(BeEmpty())
		Expect(fired.Envelope.TenantName).To(Equal("tenant-1"))
		Expect(fired.Envelope.SubmittedAt).ToNot(BeZero())
	})
	It("should not fire a disabled registration", func() {
		job := test.ScheduledJob(test.ScheduledJobOptions{Name: "idle", Schedule: "@every 10ms", Disabled: true})
		Expect(cronSched.Register(ctx, job, envelopeFor(job))).To(Succeed())
		Consistently(batchClient.Submitted).WithTimeout(100 * time.Millisecond).Should(BeEmpty())
	})
	It("should refuse enabling a name it never saw", func() {
		Expect(cronSched.SetEnabled(ctx, "missing", true)).ToNot(Succeed())
	})
	It("should stop firing after deregistration", func() {
		job := test.ScheduledJob(test.ScheduledJobOptions{Name: "fast", Schedule: "@every 10ms"})
		Expect(cronSched.Register(ctx, job, envelopeFor(job))).To(Succeed())
		Expect(cronSched.Deregister(ctx, "fast")).To(Succeed())
		Expect(cronSched.SetEnabled(ctx, "fast", true)).ToNot(Succeed())
	})
})
