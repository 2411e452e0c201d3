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

package runner_test

import (
	stderrors "errors"
	"fmt"
	"time"

	"github.com/samber/lo"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/epam/ecc/pkg/apis"
	"github.com/epam/ecc/pkg/errors"
	"github.com/epam/ecc/pkg/fake"
	"github.com/epam/ecc/pkg/policy"
	"github.com/epam/ecc/pkg/runner"
	"github.com/epam/ecc/pkg/test"
)

func load(cloud apis.Cloud, region string, raw ...map[string]any) []*policy.Policy {
	loader := policy.NewLoader(engine, cloud, policy.LoaderOptions{Regions: []string{region}})
	policies, err := loader.Load(ctx, lo.Map(raw, func(m map[string]any, _ int) policy.Descriptor {
		return policy.Descriptor(m)
	}))
	Expect(err).ToNot(HaveOccurred())
	return policies
}

func statuses(report *runner.Report) []apis.PolicyStatus {
	return lo.Map(report.Outcomes, func(o runner.Outcome, _ int) apis.PolicyStatus {
		return o.Status
	})
}

var _ = Describe("Runner", func() {
	It("should record matched resources for succeeding policies", func() {
		engine.Script("ecc-aws-ec2-open", "eu-west-1", fake.Outcome{
			Resources: []map[string]any{{"InstanceId": "i-0123456789abcdef0"}},
		})
		policies := load(apis.CloudAWS, "eu-west-1", test.Descriptor("ecc-aws-ec2-open", "aws.ec2"))
		report := runner.New(apis.CloudAWS, policies, time.Time{}).Run(ctx)
		Expect(report.Outcomes).To(HaveLen(1))
		Expect(report.Outcomes[0].Status).To(Equal(apis.PolicySucceeded))
		Expect(report.Outcomes[0].Resources).To(HaveLen(1))
		Expect(report.Failures()).To(BeEmpty())
	})
	It("should keep running after a non-terminal failure", func() {
		engine.Script("ecc-aws-ec2-open", "", fake.Outcome{
			Err: fake.APIError("AccessDenied", "not allowed"),
		})
		policies := load(apis.CloudAWS, "eu-west-1",
			test.Descriptor("ecc-aws-ec2-open", "aws.ec2"),
			test.Descriptor("ecc-aws-rds-public", "aws.rds"),
		)
		report := runner.New(apis.CloudAWS, policies, time.Time{}).Run(ctx)
		Expect(statuses(report)).To(Equal([]apis.PolicyStatus{apis.PolicyAccess, apis.PolicySucceeded}))
		Expect(report.Failures()).To(HaveLen(1))
	})
	It("should stop invoking the engine once credentials turn out invalid", func() {
		engine.Script("ecc-aws-ec2-open", "", fake.Outcome{
			Err: fake.APIError("InvalidClientTokenId", "the security token is invalid"),
		})
		engine.Script("ecc-aws-rds-public", "", fake.Outcome{
			Resources: []map[string]any{{"DBInstanceIdentifier": "db-1"}},
		})
		policies := load(apis.CloudAWS, "eu-west-1",
			test.Descriptor("ecc-aws-ec2-open", "aws.ec2"),
			test.Descriptor("ecc-aws-rds-public", "aws.rds"),
			test.Descriptor("ecc-aws-sg-open", "aws.security-group"),
		)
		report := runner.New(apis.CloudAWS, policies, time.Time{}).Run(ctx)
		Expect(statuses(report)).To(Equal([]apis.PolicyStatus{
			apis.PolicyCredentials, apis.PolicyCredentials, apis.PolicyCredentials,
		}))
		Expect(report.Outcomes[1].Message).To(ContainSubstring("skipped because of invalid credentials"))
		Expect(report.Outcomes[1].Resources).To(BeEmpty())
	})
	It("should skip every remaining policy once the deadline is crossed", func() {
		policies := load(apis.CloudAWS, "eu-west-1",
			test.Descriptor("ecc-aws-ec2-open", "aws.ec2"),
			test.Descriptor("ecc-aws-rds-public", "aws.rds"),
		)
		report := runner.New(apis.CloudAWS, policies, time.Now().Add(-time.Minute)).Run(ctx)
		Expect(statuses(report)).To(Equal([]apis.PolicyStatus{apis.PolicySkipped, apis.PolicySkipped}))
		Expect(report.Outcomes[0].Message).To(Equal(runner.DeadlineExceededMessage))
	})
	It("should run everything when no deadline is set", func() {
		policies := load(apis.CloudAWS, "eu-west-1",
			test.Descriptor("ecc-aws-ec2-open", "aws.ec2"),
		)
		report := runner.New(apis.CloudAWS, policies, time.Time{}).Run(ctx)
		Expect(statuses(report)).To(Equal([]apis.PolicyStatus{apis.PolicySucceeded}))
	})
	It("should unwrap the failure chain into the traceback", func() {
		engine.Script("ecc-aws-ec2-open", "", fake.Outcome{
			Err: fmt.Errorf("describing instances, %w", fake.APIError("AccessDenied", "not allowed")),
		})
		policies := load(apis.CloudAWS, "eu-west-1", test.Descriptor("ecc-aws-ec2-open", "aws.ec2"))
		report := runner.New(apis.CloudAWS, policies, time.Time{}).Run(ctx)
		Expect(report.Outcomes[0].Traceback).To(HaveLen(2))
	})
})

type httpError struct {
	status int
}

func (e *httpError) Error() string       { return fmt.Sprintf("http status %d", e.status) }
func (e *httpError) HTTPStatusCode() int { return e.status }

var _ = Describe("Classify", func() {
	It("should classify aws errors by service code", func() {
		Expect(runner.Classify(apis.CloudAWS, fake.APIError("ExpiredTokenException", ""))).
			To(Equal(apis.PolicyCredentials))
		Expect(runner.Classify(apis.CloudAWS, fake.APIError("UnauthorizedOperation", ""))).
			To(Equal(apis.PolicyAccess))
		Expect(runner.Classify(apis.CloudAWS, fake.APIError("ThrottlingException", ""))).
			To(Equal(apis.PolicyClient))
		Expect(runner.Classify(apis.CloudAWS, stderrors.New("boom"))).
			To(Equal(apis.PolicyInternal))
	})
	It("should classify wrapped aws errors the same way", func() {
		err := fmt.Errorf("listing buckets, %w", fake.APIError("AuthFailure", ""))
		Expect(runner.Classify(apis.CloudAWS, err)).To(Equal(apis.PolicyCredentials))
	})
	It("should classify azure errors by service code", func() {
		Expect(runner.Classify(apis.CloudAzure, fake.APIError("AuthorizationFailed", ""))).
			To(Equal(apis.PolicyCredentials))
		Expect(runner.Classify(apis.CloudAzure, fake.APIError("ResourceNotFound", ""))).
			To(Equal(apis.PolicyClient))
	})
	It("should classify google errors by auth marker and http status", func() {
		Expect(runner.Classify(apis.CloudGoogle, &errors.AuthError{Err: stderrors.New("bad key")})).
			To(Equal(apis.PolicyCredentials))
		Expect(runner.Classify(apis.CloudGoogle, &httpError{status: 403})).
			To(Equal(apis.PolicyAccess))
		Expect(runner.Classify(apis.CloudGoogle, &httpError{status: 429})).
			To(Equal(apis.PolicyClient))
		Expect(runner.Classify(apis.CloudGoogle, stderrors.New("boom"))).
			To(Equal(apis.PolicyInternal))
	})
	It("should classify every kubernetes error as internal", func() {
		Expect(runner.Classify(apis.CloudKubernetes, stderrors.New("boom"))).
			To(Equal(apis.PolicyInternal))
	})
})
