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

package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	ebtypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/samber/lo"

	"github.com/epam/ecc/pkg/apis"
	"github.com/epam/ecc/pkg/aws/sdk"
	"github.com/epam/ecc/pkg/errors"
)

const (
	// targetID is the single target every scheduling rule carries.
	targetID = "1"
	// fireTimeToken is the input-transformer token substituted with the
	// rule's fire time.
	fireTimeToken = "<time>"
)

// EventBridgeScheduler registers one rule per scheduled job. The rule's
// target submits the executor to the batch queue with the envelope in the
// container overrides; the fire time rides in through an input transformer.
type EventBridgeScheduler struct {
	api        sdk.EventBridgeAPI
	queueARN   string
	definition string
	roleARN    string
}

func NewEventBridgeScheduler(api sdk.EventBridgeAPI, queueARN, definition, roleARN string) *EventBridgeScheduler {
	return &EventBridgeScheduler{api: api, queueARN: queueARN, definition: definition, roleARN: roleARN}
}

func (s *EventBridgeScheduler) Register(ctx context.Context, job *apis.ScheduledJob, envelope *apis.Envelope) error {
	state := ebtypes.RuleStateDisabled
	if job.Enabled {
		state = ebtypes.RuleStateEnabled
	}
	if _, err := s.api.PutRule(ctx, &eventbridge.PutRuleInput{
		Name:               awssdk.String(job.Name),
		ScheduleExpression: awssdk.String(job.Schedule),
		State:              state,
	}); err != nil {
		if errors.IsValidationException(err) {
			return errors.NewValidation("schedule %q is not a valid rate() or cron() expression", job.Schedule)
		}
		return fmt.Errorf("putting rule %q, %w", job.Name, err)
	}
	template, err := inputTemplate(envelope)
	if err != nil {
		return err
	}
	if _, err := s.api.PutTargets(ctx, &eventbridge.PutTargetsInput{
		Rule: awssdk.String(job.Name),
		Targets: []ebtypes.Target{{
			Id:      awssdk.String(targetID),
			Arn:     awssdk.String(s.queueARN),
			RoleArn: awssdk.String(s.roleARN),
			BatchParameters: &ebtypes.BatchParameters{
				JobDefinition: awssdk.String(s.definition),
				JobName:       awssdk.String(job.Name),
			},
			InputTransformer: &ebtypes.InputTransformer{
				InputPathsMap: map[string]string{"time": "$.time"},
				InputTemplate: awssdk.String(template),
			},
		}},
	}); err != nil {
		return fmt.Errorf("putting targets of rule %q, %w", job.Name, err)
	}
	return nil
}

// inputTemplate renders the batch container overrides with the envelope's
// fire-time placeholder swapped for the transformer token.
func inputTemplate(envelope *apis.Envelope) (string, error) {
	vars := envelope.Vars()
	vars[apis.EnvSubmittedAt] = apis.SubmittedAtPlaceholder
	keys := lo.Keys(vars)
	sort.Strings(keys)
	type kv struct {
		Name  string `json:"Name"`
		Value string `json:"Value"`
	}
	overrides := struct {
		ContainerOverrides struct {
			Environment []kv `json:"Environment"`
		} `json:"ContainerOverrides"`
	}{}
	for _, name := range keys {
		overrides.ContainerOverrides.Environment = append(overrides.ContainerOverrides.Environment, kv{Name: name, Value: vars[name]})
	}
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	// The default encoder escapes the angle brackets of the transformer token.
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(overrides); err != nil {
		return "", fmt.Errorf("marshaling input template, %w", err)
	}
	raw := strings.TrimSuffix(buf.String(), "\n")
	return strings.ReplaceAll(raw, apis.SubmittedAtPlaceholder, fireTimeToken), nil
}

func (s *EventBridgeScheduler) SetEnabled(ctx context.Context, name string, enabled bool) error {
	var err error
	if enabled {
		_, err = s.api.EnableRule(ctx, &eventbridge.EnableRuleInput{Name: awssdk.String(name)})
	} else {
		_, err = s.api.DisableRule(ctx, &eventbridge.DisableRuleInput{Name: awssdk.String(name)})
	}
	if err != nil {
		return fmt.Errorf("toggling rule %q, %w", name, err)
	}
	return nil
}

func (s *EventBridgeScheduler) SetSchedule(ctx context.Context, name, schedule string) error {
	rule, err := s.api.DescribeRule(ctx, &eventbridge.DescribeRuleInput{Name: awssdk.String(name)})
	if err != nil {
		return fmt.Errorf("describing rule %q, %w", name, err)
	}
	if _, err := s.api.PutRule(ctx, &eventbridge.PutRuleInput{
		Name:               awssdk.String(name),
		ScheduleExpression: awssdk.String(schedule),
		State:              rule.State,
	}); err != nil {
		if errors.IsValidationException(err) {
			return errors.NewValidation("schedule %q is not a valid rate() or cron() expression", schedule)
		}
		return fmt.Errorf("putting rule %q, %w", name, err)
	}
	return nil
}

func (s *EventBridgeScheduler) Deregister(ctx context.Context, name string) error {
	if _, err := s.api.RemoveTargets(ctx, &eventbridge.RemoveTargetsInput{
		Rule: awssdk.String(name),
		Ids:  []string{targetID},
	}); err != nil {
		return fmt.Errorf("removing targets of rule %q, %w", name, err)
	}
	if _, err := s.api.DeleteRule(ctx, &eventbridge.DeleteRuleInput{Name: awssdk.String(name)}); err != nil {
		return fmt.Errorf("deleting rule %q, %w", name, err)
	}
	return nil
}
