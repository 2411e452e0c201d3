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

package jobs_test

import (
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/epam/ecc/pkg/apis"
	"github.com/epam/ecc/pkg/controllers/jobs"
	"github.com/epam/ecc/pkg/errors"
	"github.com/epam/ecc/pkg/test"
)

func expectKind(err error, kind errors.Kind) {
	GinkgoHelper()
	apiErr, ok := errors.AsAPIError(err)
	Expect(ok).To(BeTrue(), "expected an API error, got %v", err)
	Expect(apiErr.Kind).To(Equal(kind))
}

var _ = Describe("SubmitStandard", func() {
	var tenant *apis.Tenant
	BeforeEach(func() {
		tenant = test.Tenant()
		tenants.Add(tenant)
		rulesets.Add(test.Ruleset(test.RulesetOptions{Name: "FULL_AWS"}), nil)
	})
	It("should submit a job and persist its row before locking the tenant", func() {
		dto, err := controller.SubmitStandard(ctx, jobs.SubmitCommand{
			Customer:   tenant.Customer,
			Owner:      "user@example.com",
			TenantName: tenant.Name,
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(dto.Status).To(Equal(string(apis.JobSubmitted)))
		Expect(dto.Regions).To(Equal([]string{"eu-west-1", "us-east-1"}))

		Expect(batchClient.Submissions).To(HaveLen(1))
		envelope := batchClient.Submissions[0].Envelope
		Expect(envelope.JobID).To(Equal(dto.ID))
		Expect(envelope.JobType).To(Equal(apis.JobTypeStandard))
		Expect(envelope.TargetRulesets).To(HaveLen(1))
		Expect(envelope.TargetRulesets[0].Name).To(Equal("FULL_AWS"))

		row, err := jobStore.Get(ctx, dto.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(row).ToNot(BeNil())
		Expect(row.BatchJobID).To(Equal("batch-job-1"))

		locked, holder, err := locks.IsLocked(ctx, tenant.Name)
		Expect(err).ToNot(HaveOccurred())
		Expect(locked).To(BeTrue())
		Expect(holder).To(Equal(dto.ID))
	})
	It("should narrow the scan to the requested regions sorted and deduplicated", func() {
		dto, err := controller.SubmitStandard(ctx, jobs.SubmitCommand{
			Customer:      tenant.Customer,
			Owner:         "user@example.com",
			TenantName:    tenant.Name,
			TargetRegions: []string{"us-east-1", "us-east-1"},
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(dto.Regions).To(Equal([]string{"us-east-1"}))
	})
	It("should reject regions the tenant does not have", func() {
		_, err := controller.SubmitStandard(ctx, jobs.SubmitCommand{
			Customer:      tenant.Customer,
			Owner:         "user@example.com",
			TenantName:    tenant.Name,
			TargetRegions: []string{"ap-south-1"},
		})
		expectKind(err, errors.KindValidation)
		Expect(batchClient.Submissions).To(BeEmpty())
	})
	It("should collapse google tenants to the multiregion pseudo-region", func() {
		gcp := test.Tenant(test.TenantOptions{Cloud: apis.CloudGoogle, Project: "my-project"})
		tenants.Add(gcp)
		rulesets.Add(test.Ruleset(test.RulesetOptions{Name: "FULL_GCP", Cloud: apis.CloudGoogle}), nil)
		dto, err := controller.SubmitStandard(ctx, jobs.SubmitCommand{
			Customer:   gcp.Customer,
			Owner:      "user@example.com",
			TenantName: gcp.Name,
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(dto.Regions).To(Equal([]string{apis.GoogleMultiregion}))
	})
	It("should refuse unknown tenants and inactive tenants alike", func() {
		_, err := controller.SubmitStandard(ctx, jobs.SubmitCommand{
			Customer:   test.DefaultCustomer,
			TenantName: "missing",
		})
		expectKind(err, errors.KindNotFound)

		inactive := test.Tenant(test.TenantOptions{Inactive: true})
		tenants.Add(inactive)
		_, err = controller.SubmitStandard(ctx, jobs.SubmitCommand{
			Customer:   inactive.Customer,
			TenantName: inactive.Name,
		})
		expectKind(err, errors.KindNotFound)
	})
	It("should refuse clouds outside the allow-list", func() {
		opts.AllowedClouds = "AZURE"
		_, err := controller.SubmitStandard(ctx, jobs.SubmitCommand{
			Customer:   tenant.Customer,
			TenantName: tenant.Name,
		})
		expectKind(err, errors.KindForbidden)
	})
	It("should refuse unknown ruleset names", func() {
		_, err := controller.SubmitStandard(ctx, jobs.SubmitCommand{
			Customer:       tenant.Customer,
			TenantName:     tenant.Name,
			TargetRulesets: []string{"NO_SUCH_RULESET"},
		})
		expectKind(err, errors.KindValidation)
	})
	It("should refuse a tenant that is already being scanned", func() {
		Expect(locks.Acquire(ctx, tenant.Name, "other-job", nil)).To(Succeed())
		_, err := controller.SubmitStandard(ctx, jobs.SubmitCommand{
			Customer:   tenant.Customer,
			TenantName: tenant.Name,
		})
		expectKind(err, errors.KindForbidden)
		Expect(batchClient.Submissions).To(BeEmpty())
	})
	It("should enforce the customer scan cooldown", func() {
		settings.ScanThresholds[tenant.Customer] = time.Hour
		jobStore.Jobs["recent"] = test.Job(test.JobOptions{
			ID:          "recent",
			TenantName:  tenant.Name,
			Status:      apis.JobSucceeded,
			SubmittedAt: time.Now().UTC().Add(-10 * time.Minute),
		})
		_, err := controller.SubmitStandard(ctx, jobs.SubmitCommand{
			Customer:   tenant.Customer,
			TenantName: tenant.Name,
		})
		expectKind(err, errors.KindForbidden)
	})
	It("should surface a batch refusal without creating a row or a lock", func() {
		batchClient.RefuseNext = true
		_, err := controller.SubmitStandard(ctx, jobs.SubmitCommand{
			Customer:   tenant.Customer,
			TenantName: tenant.Name,
		})
		expectKind(err, errors.KindUpstreamUnavailable)
		Expect(jobStore.Jobs).To(BeEmpty())
		locked, _, lerr := locks.IsLocked(ctx, tenant.Name)
		Expect(lerr).ToNot(HaveOccurred())
		Expect(locked).To(BeFalse())
	})
	Context("inline credentials", func() {
		It("should stage credentials of the tenant's account under the job key", func() {
			dto, err := controller.SubmitStandard(ctx, jobs.SubmitCommand{
				Customer:   tenant.Customer,
				TenantName: tenant.Name,
				Credentials: map[string]any{
					apis.EnvAWSAccessKeyID: "AKIAFAKE",
					apis.EnvAWSSecretKey:   "secret",
				},
			})
			Expect(err).ToNot(HaveOccurred())
			key := fmt.Sprintf("ecc.jobs.%s.credentials", dto.ID)
			value, serr := secrets.Get(ctx, key)
			Expect(serr).ToNot(HaveOccurred())
			Expect(value).To(ContainSubstring("AKIAFAKE"))
			Expect(batchClient.Submissions[0].Envelope.CredentialsKey).To(Equal(key))
		})
		It("should refuse credentials of a foreign account", func() {
			stsapi.Account = "210987654321"
			_, err := controller.SubmitStandard(ctx, jobs.SubmitCommand{
				Customer:    tenant.Customer,
				TenantName:  tenant.Name,
				Credentials: map[string]any{apis.EnvAWSAccessKeyID: "AKIAFAKE"},
			})
			expectKind(err, errors.KindValidation)
			Expect(secrets.Secrets).To(BeEmpty())
		})
		It("should refuse google credentials of a foreign project", func() {
			gcp := test.Tenant(test.TenantOptions{Cloud: apis.CloudGoogle, Project: "my-project"})
			tenants.Add(gcp)
			_, err := controller.SubmitStandard(ctx, jobs.SubmitCommand{
				Customer:    gcp.Customer,
				TenantName:  gcp.Name,
				Credentials: map[string]any{"type": "service_account", "project_id": "other-project"},
			})
			expectKind(err, errors.KindValidation)
		})
	})
})

var _ = Describe("SubmitLicensed", func() {
	var (
		tenant  *apis.Tenant
		license *apis.License
	)
	BeforeEach(func() {
		licensed := test.Ruleset(test.RulesetOptions{
			Name:             "FULL_AWS",
			Licensed:         true,
			LicenseManagerID: "lm-full-aws",
			Rules:            []string{"ecc-aws-ec2-open", "ecc-aws-rds-public"},
		})
		rulesets.Add(licensed, nil)
		application := test.Application(test.ApplicationOptions{Type: apis.ApplicationCustodianLicenses})
		tenants.AddApplication(application)
		tenant = test.Tenant(test.TenantOptions{
			Parents: map[apis.ApplicationType]string{apis.ApplicationCustodianLicenses: application.ID},
		})
		tenants.Add(tenant)
		license = test.License(test.LicenseOptions{RulesetIDs: []string{licensed.ID}})
		licenses.Add(license)
		licenses.Grant(application.ID, tenant.Cloud, license.Key)
	})
	It("should resolve the scope from the license and tag the envelope", func() {
		dto, err := controller.SubmitLicensed(ctx, jobs.SubmitCommand{
			Customer:   tenant.Customer,
			Owner:      "user@example.com",
			TenantName: tenant.Name,
		})
		Expect(err).ToNot(HaveOccurred())
		envelope := batchClient.Submissions[0].Envelope
		Expect(envelope.LicensedRulesets).To(Equal([]string{apis.LicensedRulesetID("lm-full-aws")}))
		Expect(envelope.AffectedLicenses).To(Equal([]string{license.Customers[tenant.Customer].TenantLicenseKey}))
		Expect(dto.Rulesets).To(HaveLen(1))
	})
	It("should refuse when the license manager forbids the customer", func() {
		lmClient.Allowed = false
		_, err := controller.SubmitLicensed(ctx, jobs.SubmitCommand{
			Customer:   tenant.Customer,
			TenantName: tenant.Name,
		})
		expectKind(err, errors.KindForbidden)
		Expect(jobStore.Jobs).To(BeEmpty())
		locked, _, lerr := locks.IsLocked(ctx, tenant.Name)
		Expect(lerr).ToNot(HaveOccurred())
		Expect(locked).To(BeFalse())
	})
	It("should refuse an expired license", func() {
		license.Expiration = time.Now().UTC().Add(-time.Hour)
		_, err := controller.SubmitLicensed(ctx, jobs.SubmitCommand{
			Customer:   tenant.Customer,
			TenantName: tenant.Name,
		})
		expectKind(err, errors.KindValidation)
	})
	It("should refuse rules outside the licensed universe", func() {
		_, err := controller.SubmitLicensed(ctx, jobs.SubmitCommand{
			Customer:    tenant.Customer,
			TenantName:  tenant.Name,
			RulesToScan: []string{"ecc-aws-not-licensed"},
		})
		expectKind(err, errors.KindValidation)
	})
	It("should refuse tenants without a linked license", func() {
		plain := test.Tenant()
		tenants.Add(plain)
		_, err := controller.SubmitLicensed(ctx, jobs.SubmitCommand{
			Customer:   plain.Customer,
			TenantName: plain.Name,
		})
		expectKind(err, errors.KindNotFound)
	})
})

var _ = Describe("SubmitK8s", func() {
	var (
		tenant   *apis.Tenant
		platform *apis.Platform
	)
	BeforeEach(func() {
		licensed := test.Ruleset(test.RulesetOptions{
			Name:             "FULL_K8S",
			Cloud:            apis.CloudKubernetes,
			Licensed:         true,
			LicenseManagerID: "lm-full-k8s",
		})
		rulesets.Add(licensed, nil)
		application := test.Application(test.ApplicationOptions{Type: apis.ApplicationCustodianLicenses})
		tenants.AddApplication(application)
		tenant = test.Tenant(test.TenantOptions{
			Cloud: apis.CloudKubernetes,
			Parents: map[apis.ApplicationType]string{
				apis.ApplicationCustodianLicenses: application.ID,
			},
		})
		tenants.Add(tenant)
		license := test.License(test.LicenseOptions{RulesetIDs: []string{licensed.ID}})
		licenses.Add(license)
		licenses.Grant(application.ID, tenant.Cloud, license.Key)
		platform = test.Platform(test.PlatformOptions{TenantName: tenant.Name})
		tenants.AddPlatform(platform)
	})
	It("should bind the job to the platform instead of regions", func() {
		dto, err := controller.SubmitK8s(ctx, jobs.SubmitK8sCommand{
			Customer:   tenant.Customer,
			Owner:      "user@example.com",
			PlatformID: platform.ID,
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(dto.PlatformID).To(Equal(platform.ID))
		Expect(dto.Regions).To(BeEmpty())
		Expect(batchClient.Submissions[0].Envelope.PlatformID).To(Equal(platform.ID))
	})
	It("should stage a submitted cluster token for the worker", func() {
		dto, err := controller.SubmitK8s(ctx, jobs.SubmitK8sCommand{
			Customer:   tenant.Customer,
			PlatformID: platform.ID,
			Token:      "opaque-bearer-token",
		})
		Expect(err).ToNot(HaveOccurred())
		envelope := batchClient.Submissions[0].Envelope
		Expect(envelope.CredentialsKey).To(ContainSubstring(dto.ID))
		Expect(secrets.Secrets[envelope.CredentialsKey]).To(MatchJSON(`{"token": "opaque-bearer-token"}`))
	})
	It("should not stage anything without a submitted token", func() {
		_, err := controller.SubmitK8s(ctx, jobs.SubmitK8sCommand{
			Customer:   tenant.Customer,
			PlatformID: platform.ID,
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(batchClient.Submissions[0].Envelope.CredentialsKey).To(BeEmpty())
		Expect(secrets.Secrets).To(BeEmpty())
	})
	It("should refuse platforms of another customer", func() {
		foreign := test.Platform(test.PlatformOptions{Customer: "OTHER"})
		tenants.AddPlatform(foreign)
		_, err := controller.SubmitK8s(ctx, jobs.SubmitK8sCommand{
			Customer:   tenant.Customer,
			PlatformID: foreign.ID,
		})
		expectKind(err, errors.KindNotFound)
	})
})

var _ = Describe("Get and List", func() {
	It("should scope reads to the customer", func() {
		row := test.Job()
		jobStore.Jobs[row.ID] = row
		dto, err := controller.Get(ctx, jobs.GetCommand{Customer: row.Customer, JobID: row.ID})
		Expect(err).ToNot(HaveOccurred())
		Expect(dto.ID).To(Equal(row.ID))

		_, err = controller.Get(ctx, jobs.GetCommand{Customer: "OTHER", JobID: row.ID})
		expectKind(err, errors.KindNotFound)
	})
	It("should list newest first with a limit", func() {
		now := time.Now().UTC()
		for i := 0; i < 3; i++ {
			row := test.Job(test.JobOptions{SubmittedAt: now.Add(time.Duration(i) * time.Minute)})
			jobStore.Jobs[row.ID] = row
		}
		found, err := controller.List(ctx, jobs.ListCommand{Customer: test.DefaultCustomer, Limit: 2})
		Expect(err).ToNot(HaveOccurred())
		Expect(found).To(HaveLen(2))
		Expect(found[0].SubmittedAt.After(found[1].SubmittedAt)).To(BeTrue())
	})
})

var _ = Describe("Terminate", func() {
	It("should fail the job, release the lock and kill the batch job", func() {
		row := test.Job(test.JobOptions{Status: apis.JobRunning})
		row.BatchJobID = "batch-job-7"
		jobStore.Jobs[row.ID] = row
		Expect(locks.Acquire(ctx, row.TenantName, row.ID, nil)).To(Succeed())

		Expect(controller.Terminate(ctx, jobs.TerminateCommand{
			Customer: row.Customer,
			User:     "admin@example.com",
			JobID:    row.ID,
		})).To(Succeed())

		updated, _ := jobStore.Get(ctx, row.ID)
		Expect(updated.Status).To(Equal(apis.JobFailed))
		Expect(updated.Reason).To(ContainSubstring("admin@example.com"))
		locked, _, _ := locks.IsLocked(ctx, row.TenantName)
		Expect(locked).To(BeFalse())
		Expect(batchClient.Terminated).To(HaveKey("batch-job-7"))
	})
	It("should refuse to terminate a finished job", func() {
		row := test.Job(test.JobOptions{Status: apis.JobSucceeded})
		jobStore.Jobs[row.ID] = row
		err := controller.Terminate(ctx, jobs.TerminateCommand{Customer: row.Customer, JobID: row.ID})
		expectKind(err, errors.KindValidation)
	})
})
