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

package fake

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsbatch "github.com/aws/aws-sdk-go-v2/service/batch"
	batchtypes "github.com/aws/aws-sdk-go-v2/service/batch/types"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	ekstypes "github.com/aws/aws-sdk-go-v2/service/eks/types"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	ebtypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	"github.com/samber/lo"
)

// S3API stores objects in a map keyed by bucket and key.
type S3API struct {
	mu        sync.Mutex
	Objects   map[string][]byte
	NextError AtomicError
}

func NewS3API() *S3API {
	a := &S3API{}
	a.Reset()
	return a
}

func (a *S3API) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Objects = map[string][]byte{}
	a.NextError.Reset()
}

func objectKey(bucket, key *string) string {
	return aws.ToString(bucket) + "/" + aws.ToString(key)
}

func (a *S3API) GetObject(_ context.Context, input *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if err := a.NextError.Get(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	body, ok := a.Objects[objectKey(input.Bucket, input.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{Message: lo.ToPtr("The specified key does not exist.")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func (a *S3API) PutObject(_ context.Context, input *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if err := a.NextError.Get(); err != nil {
		return nil, err
	}
	body, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Objects[objectKey(input.Bucket, input.Key)] = body
	return &s3.PutObjectOutput{}, nil
}

// Object returns the stored body, decompressing nothing.
func (a *S3API) Object(bucket, key string) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	body, ok := a.Objects[bucket+"/"+key]
	return body, ok
}

// STSAPI answers GetCallerIdentity with a configurable account.
type STSAPI struct {
	mu        sync.Mutex
	Account   string
	Arn       string
	NextError AtomicError
}

func NewSTSAPI() *STSAPI {
	a := &STSAPI{}
	a.Reset()
	return a
}

func (a *STSAPI) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Account = "123456789012"
	a.Arn = "arn:aws:iam::123456789012:user/fake"
	a.NextError.Reset()
}

func (a *STSAPI) GetCallerIdentity(_ context.Context, _ *sts.GetCallerIdentityInput, _ ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	if err := a.NextError.Get(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return &sts.GetCallerIdentityOutput{
		Account: aws.String(a.Account),
		Arn:     aws.String(a.Arn),
	}, nil
}

// SSMAPI is a parameter store over a map.
type SSMAPI struct {
	mu         sync.Mutex
	Parameters map[string]string
	NextError  AtomicError
}

func NewSSMAPI() *SSMAPI {
	a := &SSMAPI{}
	a.Reset()
	return a
}

func (a *SSMAPI) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Parameters = map[string]string{}
	a.NextError.Reset()
}

func (a *SSMAPI) GetParameter(_ context.Context, input *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	if err := a.NextError.Get(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	value, ok := a.Parameters[aws.ToString(input.Name)]
	if !ok {
		return nil, &ssmtypes.ParameterNotFound{Message: lo.ToPtr("parameter not found")}
	}
	return &ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{
		Name:  input.Name,
		Value: aws.String(value),
	}}, nil
}

func (a *SSMAPI) PutParameter(_ context.Context, input *ssm.PutParameterInput, _ ...func(*ssm.Options)) (*ssm.PutParameterOutput, error) {
	if err := a.NextError.Get(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Parameters[aws.ToString(input.Name)] = aws.ToString(input.Value)
	return &ssm.PutParameterOutput{}, nil
}

func (a *SSMAPI) DeleteParameter(_ context.Context, input *ssm.DeleteParameterInput, _ ...func(*ssm.Options)) (*ssm.DeleteParameterOutput, error) {
	if err := a.NextError.Get(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	name := aws.ToString(input.Name)
	if _, ok := a.Parameters[name]; !ok {
		return nil, &ssmtypes.ParameterNotFound{Message: lo.ToPtr("parameter not found")}
	}
	delete(a.Parameters, name)
	return &ssm.DeleteParameterOutput{}, nil
}

// EKSAPI describes clusters from a map.
type EKSAPI struct {
	mu       sync.Mutex
	Clusters map[string]ekstypes.Cluster
}

func NewEKSAPI() *EKSAPI {
	a := &EKSAPI{}
	a.Reset()
	return a
}

func (a *EKSAPI) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Clusters = map[string]ekstypes.Cluster{}
}

func (a *EKSAPI) Add(cluster ekstypes.Cluster) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Clusters[aws.ToString(cluster.Name)] = cluster
}

func (a *EKSAPI) DescribeCluster(_ context.Context, input *eks.DescribeClusterInput, _ ...func(*eks.Options)) (*eks.DescribeClusterOutput, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cluster, ok := a.Clusters[aws.ToString(input.Name)]
	if !ok {
		return nil, &ekstypes.ResourceNotFoundException{Message: lo.ToPtr("cluster not found")}
	}
	return &eks.DescribeClusterOutput{Cluster: &cluster}, nil
}

// STSPresignAPI presigns caller-identity URLs deterministically.
type STSPresignAPI struct {
	mu        sync.Mutex
	Presigned int
}

func (a *STSPresignAPI) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Presigned = 0
}

func (a *STSPresignAPI) PresignGetCallerIdentity(_ context.Context, _ *sts.GetCallerIdentityInput, _ ...func(*sts.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Presigned++
	return &v4.PresignedHTTPRequest{
		URL:    fmt.Sprintf("https://sts.amazonaws.com/?Action=GetCallerIdentity&fake=%d", a.Presigned),
		Method: "GET",
	}, nil
}

// Rule mirrors one EventBridge rule with its single batch target.
type Rule struct {
	Schedule string
	State    ebtypes.RuleState
	Targets  []ebtypes.Target
}

// EventBridgeAPI keeps rules in a map and rejects schedule expressions that
// are neither rate() nor cron(), like the real service.
type EventBridgeAPI struct {
	mu    sync.Mutex
	Rules map[string]*Rule
}

func NewEventBridgeAPI() *EventBridgeAPI {
	a := &EventBridgeAPI{}
	a.Reset()
	return a
}

func (a *EventBridgeAPI) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Rules = map[string]*Rule{}
}

func validationException(message string) error {
	return &smithy.GenericAPIError{Code: "ValidationException", Message: message}
}

func (a *EventBridgeAPI) PutRule(_ context.Context, input *eventbridge.PutRuleInput, _ ...func(*eventbridge.Options)) (*eventbridge.PutRuleOutput, error) {
	schedule := aws.ToString(input.ScheduleExpression)
	if !strings.HasPrefix(schedule, "rate(") && !strings.HasPrefix(schedule, "cron(") {
		return nil, validationException("Parameter ScheduleExpression is not valid.")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	name := aws.ToString(input.Name)
	rule, ok := a.Rules[name]
	if !ok {
		rule = &Rule{}
		a.Rules[name] = rule
	}
	rule.Schedule = schedule
	rule.State = input.State
	return &eventbridge.PutRuleOutput{RuleArn: aws.String("arn:aws:events:us-east-1:123456789012:rule/" + name)}, nil
}

func (a *EventBridgeAPI) PutTargets(_ context.Context, input *eventbridge.PutTargetsInput, _ ...func(*eventbridge.Options)) (*eventbridge.PutTargetsOutput, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rule, ok := a.Rules[aws.ToString(input.Rule)]
	if !ok {
		return nil, &ebtypes.ResourceNotFoundException{Message: lo.ToPtr("rule not found")}
	}
	rule.Targets = input.Targets
	return &eventbridge.PutTargetsOutput{}, nil
}

func (a *EventBridgeAPI) RemoveTargets(_ context.Context, input *eventbridge.RemoveTargetsInput, _ ...func(*eventbridge.Options)) (*eventbridge.RemoveTargetsOutput, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if rule, ok := a.Rules[aws.ToString(input.Rule)]; ok {
		rule.Targets = nil
	}
	return &eventbridge.RemoveTargetsOutput{}, nil
}

func (a *EventBridgeAPI) DeleteRule(_ context.Context, input *eventbridge.DeleteRuleInput, _ ...func(*eventbridge.Options)) (*eventbridge.DeleteRuleOutput, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.Rules, aws.ToString(input.Name))
	return &eventbridge.DeleteRuleOutput{}, nil
}

func (a *EventBridgeAPI) DescribeRule(_ context.Context, input *eventbridge.DescribeRuleInput, _ ...func(*eventbridge.Options)) (*eventbridge.DescribeRuleOutput, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rule, ok := a.Rules[aws.ToString(input.Name)]
	if !ok {
		return nil, &ebtypes.ResourceNotFoundException{Message: lo.ToPtr("rule not found")}
	}
	return &eventbridge.DescribeRuleOutput{
		Name:               input.Name,
		ScheduleExpression: aws.String(rule.Schedule),
		State:              rule.State,
	}, nil
}

func (a *EventBridgeAPI) EnableRule(_ context.Context, input *eventbridge.EnableRuleInput, _ ...func(*eventbridge.Options)) (*eventbridge.EnableRuleOutput, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rule, ok := a.Rules[aws.ToString(input.Name)]
	if !ok {
		return nil, &ebtypes.ResourceNotFoundException{Message: lo.ToPtr("rule not found")}
	}
	rule.State = ebtypes.RuleStateEnabled
	return &eventbridge.EnableRuleOutput{}, nil
}

func (a *EventBridgeAPI) DisableRule(_ context.Context, input *eventbridge.DisableRuleInput, _ ...func(*eventbridge.Options)) (*eventbridge.DisableRuleOutput, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rule, ok := a.Rules[aws.ToString(input.Name)]
	if !ok {
		return nil, &ebtypes.ResourceNotFoundException{Message: lo.ToPtr("rule not found")}
	}
	rule.State = ebtypes.RuleStateDisabled
	return &eventbridge.DisableRuleOutput{}, nil
}

// BatchAPI records submissions and serves canned job descriptions.
type BatchAPI struct {
	mu           sync.Mutex
	SubmitInputs []*awsbatch.SubmitJobInput
	Jobs         map[string]batchtypes.JobDetail
	Terminated   []string
	NextError    AtomicError
}

func NewBatchAPI() *BatchAPI {
	a := &BatchAPI{}
	a.Reset()
	return a
}

func (a *BatchAPI) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.SubmitInputs = nil
	a.Jobs = map[string]batchtypes.JobDetail{}
	a.Terminated = nil
	a.NextError.Reset()
}

func (a *BatchAPI) Add(detail batchtypes.JobDetail) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Jobs[aws.ToString(detail.JobId)] = detail
}

func (a *BatchAPI) SubmitJob(_ context.Context, input *awsbatch.SubmitJobInput, _ ...func(*awsbatch.Options)) (*awsbatch.SubmitJobOutput, error) {
	if err := a.NextError.Get(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.SubmitInputs = append(a.SubmitInputs, input)
	return &awsbatch.SubmitJobOutput{JobId: aws.String(fmt.Sprintf("batch-job-%d", len(a.SubmitInputs)))}, nil
}

func (a *BatchAPI) TerminateJob(_ context.Context, input *awsbatch.TerminateJobInput, _ ...func(*awsbatch.Options)) (*awsbatch.TerminateJobOutput, error) {
	if err := a.NextError.Get(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Terminated = append(a.Terminated, aws.ToString(input.JobId))
	return &awsbatch.TerminateJobOutput{}, nil
}

func (a *BatchAPI) DescribeJobs(_ context.Context, input *awsbatch.DescribeJobsInput, _ ...func(*awsbatch.Options)) (*awsbatch.DescribeJobsOutput, error) {
	if err := a.NextError.Get(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := &awsbatch.DescribeJobsOutput{}
	for _, id := range input.Jobs {
		if detail, ok := a.Jobs[id]; ok {
			out.Jobs = append(out.Jobs, detail)
		}
	}
	return out, nil
}
