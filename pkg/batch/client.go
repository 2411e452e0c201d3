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

// Package batch submits scan workers to the execution backend. The SAAS
// backend is AWS Batch; on-prem installations run the executor binary as a
// local subprocess instead.
package batch

import (
	"context"
	"fmt"
	"sort"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	awsbatch "github.com/aws/aws-sdk-go-v2/service/batch"
	batchtypes "github.com/aws/aws-sdk-go-v2/service/batch/types"
	"github.com/samber/lo"

	"github.com/epam/ecc/pkg/apis"
	"github.com/epam/ecc/pkg/aws/sdk"
)

type Client interface {
	// Submit hands the envelope to the backend and returns the backend's job
	// id. An empty id means the backend refused the job.
	Submit(ctx context.Context, name string, envelope *apis.Envelope) (string, error)
	// Terminate is best-effort; the worker may still finish.
	Terminate(ctx context.Context, jobID, reason string) error
	// StartedAt reports when the backend started the job, if it knows.
	StartedAt(ctx context.Context, jobID string) (*time.Time, error)
}

type AWSClient struct {
	api        sdk.BatchAPI
	queue      string
	definition string
}

func NewAWSClient(api sdk.BatchAPI, queue, definition string) *AWSClient {
	return &AWSClient{api: api, queue: queue, definition: definition}
}

func (c *AWSClient) Submit(ctx context.Context, name string, envelope *apis.Envelope) (string, error) {
	vars := envelope.Vars()
	keys := lo.Keys(vars)
	sort.Strings(keys)
	out, err := c.api.SubmitJob(ctx, &awsbatch.SubmitJobInput{
		JobName:       awssdk.String(name),
		JobQueue:      awssdk.String(c.queue),
		JobDefinition: awssdk.String(c.definition),
		ContainerOverrides: &batchtypes.ContainerOverrides{
			Environment: lo.Map(keys, func(k string, _ int) batchtypes.KeyValuePair {
				return batchtypes.KeyValuePair{Name: awssdk.String(k), Value: awssdk.String(vars[k])}
			}),
		},
	})
	if err != nil {
		return "", fmt.Errorf("submitting batch job %q, %w", name, err)
	}
	return awssdk.ToString(out.JobId), nil
}

func (c *AWSClient) Terminate(ctx context.Context, jobID, reason string) error {
	if _, err := c.api.TerminateJob(ctx, &awsbatch.TerminateJobInput{
		JobId:  awssdk.String(jobID),
		Reason: awssdk.String(reason),
	}); err != nil {
		return fmt.Errorf("terminating batch job %q, %w", jobID, err)
	}
	return nil
}

func (c *AWSClient) StartedAt(ctx context.Context, jobID string) (*time.Time, error) {
	if jobID == "" {
		return nil, nil
	}
	out, err := c.api.DescribeJobs(ctx, &awsbatch.DescribeJobsInput{Jobs: []string{jobID}})
	if err != nil {
		return nil, fmt.Errorf("describing batch job %q, %w", jobID, err)
	}
	if len(out.Jobs) == 0 || out.Jobs[0].StartedAt == nil {
		return nil, nil
	}
	started := time.UnixMilli(*out.Jobs[0].StartedAt).UTC()
	return &started, nil
}
