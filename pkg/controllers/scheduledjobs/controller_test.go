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

package scheduledjobs_test

import (
	stderrors "errors"

	"github.com/samber/lo"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/epam/ecc/pkg/apis"
	"github.com/epam/ecc/pkg/controllers/scheduledjobs"
	"github.com/epam/ecc/pkg/errors"
	"github.com/epam/ecc/pkg/test"
)

func expectKind(err error, kind errors.Kind) {
	GinkgoHelper()
	apiErr, ok := errors.AsAPIError(err)
	Expect(ok).To(BeTrue(), "expected an API error, got %v", err)
	Expect(apiErr.Kind).To(Equal(kind))
}

var _ = Describe("Register", func() {
	var tenant *apis.Tenant
	BeforeEach(func() {
		tenant = test.Tenant()
		tenants.Add(tenant)
		rulesets.Add(test.Ruleset(test.RulesetOptions{Name: "FULL_AWS"}), nil)
	})
	It("should create the row and mirror it to the scheduling backend", func() {
		dto, err := controller.Register(ctx, scheduledjobs.RegisterCommand{
			Customer:   tenant.Customer,
			TenantName: tenant.Name,
			Name:       "nightly",
			Schedule:   "rate(1 day)",
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(dto.Enabled).To(BeTrue())

		row, rerr := store.Get(ctx, "nightly")
		Expect(rerr).ToNot(HaveOccurred())
		Expect(row).ToNot(BeNil())
		Expect(row.Type).To(Equal(apis.JobTypeScheduled))

		entry := sched.Entries["nightly"]
		Expect(entry).ToNot(BeNil())
		Expect(entry.Schedule).To(Equal("rate(1 day)"))
		Expect(entry.Envelope.JobID).To(BeEmpty())
		Expect(entry.Envelope.ScheduledJobName).To(Equal("nightly"))
		Expect(entry.Envelope.JobType).To(Equal(apis.JobTypeScheduled))
	})
	It("should derive a default name from the tenant", func() {
		dto, err := controller.Register(ctx, scheduledjobs.RegisterCommand{
			Customer:   tenant.Customer,
			TenantName: tenant.Name,
			Schedule:   "rate(12 hours)",
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(dto.Name).To(HavePrefix("ecc-job-"))
		Expect(sched.Entries).To(HaveKey(dto.Name))
	})
	It("should refuse a duplicate name", func() {
		_, err := controller.Register(ctx, scheduledjobs.RegisterCommand{
			Customer:   tenant.Customer,
			TenantName: tenant.Name,
			Name:       "nightly",
			Schedule:   "rate(1 day)",
		})
		Expect(err).ToNot(HaveOccurred())
		_, err = controller.Register(ctx, scheduledjobs.RegisterCommand{
			Customer:   tenant.Customer,
			TenantName: tenant.Name,
			Name:       "nightly",
			Schedule:   "rate(1 day)",
		})
		expectKind(err, errors.KindValidation)
	})
	It("should roll the row back when the backend refuses the schedule", func() {
		sched.NextError.Set(stderrors.New("schedule expression is not valid"))
		_, err := controller.Register(ctx, scheduledjobs.RegisterCommand{
			Customer:   tenant.Customer,
			TenantName: tenant.Name,
			Name:       "nightly",
			Schedule:   "every day at noon",
		})
		Expect(err).To(HaveOccurred())
		row, rerr := store.Get(ctx, "nightly")
		Expect(rerr).ToNot(HaveOccurred())
		Expect(row).To(BeNil())
	})
	It("should refuse unknown tenants", func() {
		_, err := controller.Register(ctx, scheduledjobs.RegisterCommand{
			Customer:   test.DefaultCustomer,
			TenantName: "missing",
			Schedule:   "rate(1 day)",
		})
		expectKind(err, errors.KindNotFound)
	})
	It("should register disabled when asked", func() {
		dto, err := controller.Register(ctx, scheduledjobs.RegisterCommand{
			Customer:   tenant.Customer,
			TenantName: tenant.Name,
			Name:       "nightly",
			Schedule:   "rate(1 day)",
			Enabled:    lo.ToPtr(false),
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(dto.Enabled).To(BeFalse())
		Expect(sched.Entries["nightly"].Enabled).To(BeFalse())
	})
})

var _ = Describe("Update", func() {
	var tenant *apis.Tenant
	BeforeEach(func() {
		tenant = test.Tenant()
		tenants.Add(tenant)
		rulesets.Add(test.Ruleset(test.RulesetOptions{Name: "FULL_AWS"}), nil)
		_, err := controller.Register(ctx, scheduledjobs.RegisterCommand{
			Customer:   tenant.Customer,
			TenantName: tenant.Name,
			Name:       "nightly",
			Schedule:   "rate(1 day)",
		})
		Expect(err).ToNot(HaveOccurred())
	})
	It("should propagate schedule and enablement to the backend and the row", func() {
		dto, err := controller.Update(ctx, scheduledjobs.UpdateCommand{
			Customer: tenant.Customer,
			Name:     "nightly",
			Schedule: lo.ToPtr("rate(2 days)"),
			Enabled:  lo.ToPtr(false),
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(dto.Schedule).To(Equal("rate(2 days)"))
		Expect(dto.Enabled).To(BeFalse())

		entry := sched.Entries["nightly"]
		Expect(entry.Schedule).To(Equal("rate(2 days)"))
		Expect(entry.Enabled).To(BeFalse())

		row, _ := store.Get(ctx, "nightly")
		Expect(row.Schedule).To(Equal("rate(2 days)"))
		Expect(row.Enabled).To(BeFalse())
	})
	It("should keep the row untouched when the backend refuses", func() {
		sched.NextError.Set(stderrors.New("backend down"))
		_, err := controller.Update(ctx, scheduledjobs.UpdateCommand{
			Customer: tenant.Customer,
			Name:     "nightly",
			Schedule: lo.ToPtr("rate(2 days)"),
		})
		Expect(err).To(HaveOccurred())
		row, _ := store.Get(ctx, "nightly")
		Expect(row.Schedule).To(Equal("rate(1 day)"))
	})
	It("should scope updates to the customer", func() {
		_, err := controller.Update(ctx, scheduledjobs.UpdateCommand{
			Customer: "OTHER",
			Name:     "nightly",
			Enabled:  lo.ToPtr(false),
		})
		expectKind(err, errors.KindNotFound)
	})
})

var _ = Describe("Delete", func() {
	var tenant *apis.Tenant
	BeforeEach(func() {
		tenant = test.Tenant()
		tenants.Add(tenant)
		rulesets.Add(test.Ruleset(test.RulesetOptions{Name: "FULL_AWS"}), nil)
		_, err := controller.Register(ctx, scheduledjobs.RegisterCommand{
			Customer:   tenant.Customer,
			TenantName: tenant.Name,
			Name:       "nightly",
			Schedule:   "rate(1 day)",
		})
		Expect(err).ToNot(HaveOccurred())
	})
	It("should remove the backend rule and the row", func() {
		Expect(controller.Delete(ctx, tenant.Customer, "nightly")).To(Succeed())
		Expect(sched.Entries).ToNot(HaveKey("nightly"))
		row, _ := store.Get(ctx, "nightly")
		Expect(row).To(BeNil())
	})
	It("should refuse to delete another customer's registration", func() {
		err := controller.Delete(ctx, "OTHER", "nightly")
		expectKind(err, errors.KindNotFound)
	})
})
