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

// Package credentials resolves usable cloud credentials for a tenant or a
// Kubernetes platform through a strict priority fallback chain.
package credentials

import (
	"context"
	"encoding/json"
	"fmt"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/epam/ecc/pkg/apis"
	"github.com/epam/ecc/pkg/aws/sdk"
	"github.com/epam/ecc/pkg/errors"
	"github.com/epam/ecc/pkg/logging"
	"github.com/epam/ecc/pkg/providers/secrets"
	"github.com/epam/ecc/pkg/providers/tenant"
)

// ResolveRequest names every source the chain may consult. Earlier non-empty
// sources win; the order is part of the contract.
type ResolveRequest struct {
	Tenant *apis.Tenant
	// CredentialsKey is the staged-secret pointer from the envelope. The
	// secret is consumed after a successful read.
	CredentialsKey string
	// BatchResults supplies the event-driven credentials pointer.
	BatchResults *apis.BatchResults
}

type Resolver interface {
	Resolve(ctx context.Context, req ResolveRequest) (*Credentials, error)
	// ResolvePlatform returns kubeconfig bytes granting access to the
	// platform's cluster. A non-empty credentialsKey points at a secret staged
	// at submission; it wins over the stored application secret and is
	// consumed after a successful read.
	ResolvePlatform(ctx context.Context, platform *apis.Platform, credentialsKey string) ([]byte, error)
}

type DefaultResolver struct {
	secrets secrets.Provider
	tenants tenant.Provider
	sts     sdk.STSAPI
	eks     EKSClientFactory
	// allowManagement opts the chain into the management-parent fallback.
	allowManagement bool
}

func NewDefaultResolver(secretsProvider secrets.Provider, tenants tenant.Provider, stsapi sdk.STSAPI, eksFactory EKSClientFactory, allowManagement bool) *DefaultResolver {
	return &DefaultResolver{
		secrets:         secretsProvider,
		tenants:         tenants,
		sts:             stsapi,
		eks:             eksFactory,
		allowManagement: allowManagement,
	}
}

func (r *DefaultResolver) Resolve(ctx context.Context, req ResolveRequest) (*Credentials, error) {
	log := logging.FromContext(ctx)
	// 1. staged secret from the envelope, consumed after use
	if req.CredentialsKey != "" {
		raw, err := r.secretPayload(ctx, req.CredentialsKey)
		if err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			creds, err := materialize(req.Tenant.Cloud, raw, req.Tenant.Project)
			if err != nil {
				return nil, err
			}
			if err := r.secrets.Delete(ctx, req.CredentialsKey); err != nil {
				log.Error(err, "consuming staged credentials secret", "key", req.CredentialsKey)
			}
			return creds, nil
		}
	}
	// 2. event-driven pointer
	if req.BatchResults != nil && req.BatchResults.CredentialsKey != "" {
		raw, err := r.secretPayload(ctx, req.BatchResults.CredentialsKey)
		if err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			return materialize(req.Tenant.Cloud, raw, req.Tenant.Project)
		}
	}
	// 3. tenant-linked access application
	if creds, err := r.fromApplication(ctx, req.Tenant, apis.ApplicationCustodianAccess); err != nil || creds != nil {
		return creds, err
	}
	// 4. management parent, opt-in only
	if r.allowManagement {
		if creds, err := r.fromApplication(ctx, req.Tenant, apis.ApplicationManagement); err != nil || creds != nil {
			return creds, err
		}
	}
	// 5. instance profile, accepted only when the ambient identity matches
	// the tenant
	if req.Tenant.Cloud == apis.CloudAWS {
		out, err := r.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
		if err == nil && awssdk.ToString(out.Account) == req.Tenant.Project {
			return &Credentials{Cloud: apis.CloudAWS, Env: map[string]string{}}, nil
		}
		if err != nil {
			log.V(1).Info("instance profile identity unavailable", "error", err)
		}
	}
	return nil, fmt.Errorf("resolving credentials for tenant %q, %w", req.Tenant.Name, errors.ErrNoCredentials)
}

func (r *DefaultResolver) fromApplication(ctx context.Context, t *apis.Tenant, typ apis.ApplicationType) (*Credentials, error) {
	application, err := r.tenants.ApplicationFor(ctx, t, typ)
	if err != nil {
		return nil, err
	}
	if application == nil || application.SecretName == "" {
		return nil, nil
	}
	raw, err := r.secretPayload(ctx, application.SecretName)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return materialize(t.Cloud, raw, t.Project)
}

func (r *DefaultResolver) secretPayload(ctx context.Context, key string) (map[string]any, error) {
	value, err := r.secrets.Get(ctx, key)
	if err != nil || value == "" {
		return nil, err
	}
	raw := map[string]any{}
	if err := json.Unmarshal([]byte(value), &raw); err != nil {
		return nil, fmt.Errorf("unmarshaling credentials secret %q, %w", key, err)
	}
	return raw, nil
}
