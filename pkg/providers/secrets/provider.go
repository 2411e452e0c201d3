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

// Package secrets stores string secrets under opaque names. Credentials
// objects are kept as JSON-serialized SecureString parameters.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/epam/ecc/pkg/aws/sdk"
)

type Provider interface {
	// Get returns the secret value, or "" when the name does not exist.
	Get(ctx context.Context, name string) (string, error)
	Put(ctx context.Context, name, value string) error
	// Delete removes the secret; deleting an absent name is not an error.
	Delete(ctx context.Context, name string) error
}

type DefaultProvider struct {
	api sdk.SSMAPI
}

func NewDefaultProvider(api sdk.SSMAPI) *DefaultProvider {
	return &DefaultProvider{api: api}
}

func (p *DefaultProvider) Get(ctx context.Context, name string) (string, error) {
	out, err := p.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		var notFound *types.ParameterNotFound
		if errors.As(err, &notFound) {
			return "", nil
		}
		return "", fmt.Errorf("getting secret %q, %w", name, err)
	}
	return aws.ToString(out.Parameter.Value), nil
}

func (p *DefaultProvider) Put(ctx context.Context, name, value string) error {
	if _, err := p.api.PutParameter(ctx, &ssm.PutParameterInput{
		Name:      aws.String(name),
		Value:     aws.String(value),
		Type:      types.ParameterTypeSecureString,
		Overwrite: aws.Bool(true),
	}); err != nil {
		return fmt.Errorf("putting secret %q, %w", name, err)
	}
	return nil
}

func (p *DefaultProvider) Delete(ctx context.Context, name string) error {
	if _, err := p.api.DeleteParameter(ctx, &ssm.DeleteParameterInput{Name: aws.String(name)}); err != nil {
		var notFound *types.ParameterNotFound
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("deleting secret %q, %w", name, err)
	}
	return nil
}

// GetJSON unmarshals the secret into out; false when the name does not exist.
func GetJSON(ctx context.Context, p Provider, name string, out any) (bool, error) {
	raw, err := p.Get(ctx, name)
	if err != nil || raw == "" {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("unmarshaling secret %q, %w", name, err)
	}
	return true, nil
}

// PutJSON marshals value and stores it under name.
func PutJSON(ctx context.Context, p Provider, name string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshaling secret %q, %w", name, err)
	}
	return p.Put(ctx, name, string(raw))
}
