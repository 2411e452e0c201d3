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

package policy_test

import (
	"github.com/samber/lo"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/epam/ecc/pkg/apis"
	"github.com/epam/ecc/pkg/fake"
	"github.com/epam/ecc/pkg/policy"
	"github.com/epam/ecc/pkg/test"
)

func descriptors(raw ...map[string]any) []policy.Descriptor {
	return lo.Map(raw, func(m map[string]any, _ int) policy.Descriptor {
		return policy.Descriptor(m)
	})
}

func located(policies []*policy.Policy) []string {
	return lo.Map(policies, func(p *policy.Policy, _ int) string {
		return p.Name + "/" + p.Region
	})
}

var _ = Describe("Loader", func() {
	Context("Load", func() {
		It("should instantiate regional policies for every whitelisted region", func() {
			loader := policy.NewLoader(engine, apis.CloudAWS, policy.LoaderOptions{
				Regions: []string{"eu-west-1", "us-east-1"},
			})
			policies, err := loader.Load(ctx, descriptors(
				test.Descriptor("ecc-aws-ec2-open", "aws.ec2"),
			))
			Expect(err).ToNot(HaveOccurred())
			Expect(located(policies)).To(ConsistOf(
				"ecc-aws-ec2-open/eu-west-1",
				"ecc-aws-ec2-open/us-east-1",
			))
		})
		It("should instantiate a global policy exactly once", func() {
			loader := policy.NewLoader(engine, apis.CloudAWS, policy.LoaderOptions{
				Regions:    []string{"eu-west-1", "us-east-1"},
				LoadGlobal: true,
			})
			policies, err := loader.Load(ctx, descriptors(
				test.Descriptor("ecc-aws-s3-public", "aws.s3"),
			))
			Expect(err).ToNot(HaveOccurred())
			Expect(located(policies)).To(ConsistOf("ecc-aws-s3-public/" + apis.GlobalRegion))
		})
		It("should drop global policies unless the load asks for them", func() {
			loader := policy.NewLoader(engine, apis.CloudAWS, policy.LoaderOptions{
				Regions: []string{"eu-west-1"},
			})
			policies, err := loader.Load(ctx, descriptors(
				test.Descriptor("ecc-aws-s3-public", "aws.s3"),
				test.Descriptor("ecc-aws-ec2-open", "aws.ec2"),
			))
			Expect(err).ToNot(HaveOccurred())
			Expect(located(policies)).To(ConsistOf("ecc-aws-ec2-open/eu-west-1"))
		})
		It("should treat resource types registered as global like global services", func() {
			engine.Resources["aws.iam-user"] = policy.ResourceInfo{GlobalResource: true}
			loader := policy.NewLoader(engine, apis.CloudAWS, policy.LoaderOptions{
				Regions:    []string{"eu-west-1"},
				LoadGlobal: true,
			})
			policies, err := loader.Load(ctx, descriptors(
				test.Descriptor("ecc-aws-iam-no-mfa", "aws.iam-user"),
			))
			Expect(err).ToNot(HaveOccurred())
			Expect(located(policies)).To(ConsistOf("ecc-aws-iam-no-mfa/" + apis.GlobalRegion))
		})
		It("should read the global flag from the descriptor comment", func() {
			loader := policy.NewLoader(engine, apis.CloudAWS, policy.LoaderOptions{
				Regions:    []string{"eu-west-1"},
				LoadGlobal: true,
			})
			policies, err := loader.Load(ctx, descriptors(
				test.Descriptor("ecc-aws-account-wide", "aws.ec2", map[string]any{"comment": "010020"}),
				test.Descriptor("ecc-aws-regional", "aws.ec2", map[string]any{"comment": "011020"}),
			))
			Expect(err).ToNot(HaveOccurred())
			Expect(located(policies)).To(ConsistOf(
				"ecc-aws-account-wide/"+apis.GlobalRegion,
				"ecc-aws-regional/eu-west-1",
			))
		})
		It("should not treat any policy as global outside aws", func() {
			loader := policy.NewLoader(engine, apis.CloudAzure, policy.LoaderOptions{
				Regions:    []string{"global"},
				LoadGlobal: true,
			})
			policies, err := loader.Load(ctx, descriptors(
				test.Descriptor("ecc-azure-storage-public", "azure.storage"),
			))
			Expect(err).ToNot(HaveOccurred())
			Expect(located(policies)).To(ConsistOf("ecc-azure-storage-public/global"))
		})
		It("should keep only the named policies when a whitelist is given", func() {
			loader := policy.NewLoader(engine, apis.CloudAWS, policy.LoaderOptions{
				Regions: []string{"eu-west-1"},
				Names:   []string{"ecc-aws-ec2-open"},
			})
			policies, err := loader.Load(ctx, descriptors(
				test.Descriptor("ecc-aws-ec2-open", "aws.ec2"),
				test.Descriptor("ecc-aws-rds-public", "aws.rds"),
			))
			Expect(err).ToNot(HaveOccurred())
			Expect(located(policies)).To(ConsistOf("ecc-aws-ec2-open/eu-west-1"))
		})
		It("should drop excluded policies", func() {
			loader := policy.NewLoader(engine, apis.CloudAWS, policy.LoaderOptions{
				Regions: []string{"eu-west-1"},
				Exclude: []string{"ecc-aws-rds-public"},
			})
			policies, err := loader.Load(ctx, descriptors(
				test.Descriptor("ecc-aws-ec2-open", "aws.ec2"),
				test.Descriptor("ecc-aws-rds-public", "aws.rds"),
			))
			Expect(err).ToNot(HaveOccurred())
			Expect(located(policies)).To(ConsistOf("ecc-aws-ec2-open/eu-west-1"))
		})
		It("should drop descriptors without a name or resource", func() {
			loader := policy.NewLoader(engine, apis.CloudAWS, policy.LoaderOptions{
				Regions: []string{"eu-west-1"},
			})
			policies, err := loader.Load(ctx, descriptors(
				map[string]any{"resource": "aws.ec2"},
				map[string]any{"name": "ecc-aws-no-resource"},
				test.Descriptor("ecc-aws-ec2-open", "aws.ec2"),
			))
			Expect(err).ToNot(HaveOccurred())
			Expect(located(policies)).To(ConsistOf("ecc-aws-ec2-open/eu-west-1"))
		})
		It("should skip policies the engine refuses to build", func() {
			loader := policy.NewLoader(engine, apis.CloudAWS, policy.LoaderOptions{
				Regions: []string{"eu-west-1"},
			})
			engine.BuildError.Set(fake.APIError("PolicyValidationError", "bad filter"), fake.MaxCalls(1))
			policies, err := loader.Load(ctx, descriptors(
				test.Descriptor("ecc-aws-broken", "aws.ec2"),
				test.Descriptor("ecc-aws-ec2-open", "aws.ec2"),
			))
			Expect(err).ToNot(HaveOccurred())
			Expect(located(policies)).To(ConsistOf("ecc-aws-ec2-open/eu-west-1"))
		})
		It("should prepare only the resource types the kept descriptors need", func() {
			loader := policy.NewLoader(engine, apis.CloudAWS, policy.LoaderOptions{
				Regions: []string{"eu-west-1"},
				Names:   []string{"ecc-aws-ec2-open"},
			})
			_, err := loader.Load(ctx, descriptors(
				test.Descriptor("ecc-aws-ec2-open", "aws.ec2"),
				test.Descriptor("ecc-aws-rds-public", "aws.rds"),
			))
			Expect(err).ToNot(HaveOccurred())
			Expect(engine.Prepared).To(ConsistOf("aws.ec2"))
		})
	})
	Context("LoadFromRegionsToRules", func() {
		It("should bind each named rule to its affected regions only", func() {
			loader := policy.NewLoader(engine, apis.CloudAWS, policy.LoaderOptions{})
			policies, err := loader.LoadFromRegionsToRules(ctx, descriptors(
				test.Descriptor("ecc-aws-ec2-open", "aws.ec2"),
				test.Descriptor("ecc-aws-rds-public", "aws.rds"),
			), map[string][]string{
				"eu-west-1": {"ecc-aws-ec2-open"},
				"us-east-1": {"ecc-aws-ec2-open", "ecc-aws-rds-public"},
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(located(policies)).To(ConsistOf(
				"ecc-aws-ec2-open/eu-west-1",
				"ecc-aws-ec2-open/us-east-1",
				"ecc-aws-rds-public/us-east-1",
			))
		})
		It("should keep a global rule once even when several regions name it", func() {
			loader := policy.NewLoader(engine, apis.CloudAWS, policy.LoaderOptions{})
			policies, err := loader.LoadFromRegionsToRules(ctx, descriptors(
				test.Descriptor("ecc-aws-s3-public", "aws.s3"),
			), map[string][]string{
				"eu-west-1": {"ecc-aws-s3-public"},
				"us-east-1": {"ecc-aws-s3-public"},
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(located(policies)).To(ConsistOf("ecc-aws-s3-public/" + apis.GlobalRegion))
		})
		It("should drop rules the event does not name", func() {
			loader := policy.NewLoader(engine, apis.CloudAWS, policy.LoaderOptions{})
			policies, err := loader.LoadFromRegionsToRules(ctx, descriptors(
				test.Descriptor("ecc-aws-ec2-open", "aws.ec2"),
				test.Descriptor("ecc-aws-rds-public", "aws.rds"),
			), map[string][]string{
				"eu-west-1": {"ecc-aws-ec2-open"},
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(located(policies)).To(ConsistOf("ecc-aws-ec2-open/eu-west-1"))
		})
	})
})

var _ = Describe("Descriptor", func() {
	It("should default the provider of bare resource types to aws", func() {
		d := policy.Descriptor(test.Descriptor("ecc-aws-s3-public", "s3"))
		Expect(d.Provider()).To(Equal("aws"))
		Expect(d.Service()).To(Equal("s3"))
	})
	It("should split prefixed resource types into provider and service", func() {
		d := policy.Descriptor(test.Descriptor("ecc-gcp-bucket-public", "gcp.bucket"))
		Expect(d.Provider()).To(Equal("gcp"))
		Expect(d.Service()).To(Equal("bucket"))
	})
})

var _ = Describe("RuleIndex", func() {
	It("should read the global flag from its position", func() {
		Expect(policy.RuleIndex("010020").IsGlobal()).To(BeTrue())
		Expect(policy.RuleIndex("011020").IsGlobal()).To(BeFalse())
	})
	It("should treat comments too short for the flag as global", func() {
		Expect(policy.RuleIndex("01").IsGlobal()).To(BeTrue())
		Expect(policy.RuleIndex("").IsGlobal()).To(BeTrue())
	})
})
