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

package credentials

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awscredentials "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"k8s.io/client-go/tools/clientcmd"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"

	"github.com/epam/ecc/pkg/apis"
	"github.com/epam/ecc/pkg/aws/sdk"
	"github.com/epam/ecc/pkg/errors"
	"github.com/epam/ecc/pkg/logging"
)

const (
	// tokenPrefix marks EKS bearer tokens derived from a presigned STS URL.
	tokenPrefix = "k8s-aws-v1."
	// clusterIDHeader must be part of the presigned request signature so the
	// API server can pin the token to one cluster.
	clusterIDHeader = "x-k8s-aws-id"
	// presignedURLExpiration is required by the token spec.
	presignedURLExpiration = "60"
)

// EKSClientFactory builds EKS and STS presign clients bound to explicit AWS
// credentials in a region. Tests substitute fakes here.
type EKSClientFactory func(ctx context.Context, env map[string]string, region string) (sdk.EKSAPI, sdk.STSPresignAPI, error)

// DefaultEKSClientFactory builds real SDK clients from static credentials.
func DefaultEKSClientFactory(ctx context.Context, env map[string]string, region string) (sdk.EKSAPI, sdk.STSPresignAPI, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(awscredentials.NewStaticCredentialsProvider(
			env[apis.EnvAWSAccessKeyID], env[apis.EnvAWSSecretKey], env[apis.EnvAWSSessionToken])),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("loading management aws config, %w", err)
	}
	return eks.NewFromConfig(cfg), sts.NewPresignClient(sts.NewFromConfig(cfg)), nil
}

// platformSecret is the payload stored under the platform application's
// secret name.
type platformSecret struct {
	// Kubeconfig is a base64-encoded kubeconfig document.
	Kubeconfig string `json:"kubeconfig,omitempty"`
	Token      string `json:"token,omitempty"`
}

func (r *DefaultResolver) ResolvePlatform(ctx context.Context, platform *apis.Platform, credentialsKey string) ([]byte, error) {
	var secret platformSecret
	if platform.ApplicationID != "" {
		application, err := r.tenants.GetApplication(ctx, platform.ApplicationID)
		if err != nil {
			return nil, err
		}
		if application != nil && application.SecretName != "" {
			value, err := r.secrets.Get(ctx, application.SecretName)
			if err != nil {
				return nil, err
			}
			if value != "" {
				if err := json.Unmarshal([]byte(value), &secret); err != nil {
					return nil, fmt.Errorf("unmarshaling platform %q secret, %w", platform.ID, err)
				}
			}
		}
	}
	// a secret staged at submission overrides the stored one field by field
	// and is consumed after use
	if credentialsKey != "" {
		value, err := r.secrets.Get(ctx, credentialsKey)
		if err != nil {
			return nil, err
		}
		if value != "" {
			var staged platformSecret
			if err := json.Unmarshal([]byte(value), &staged); err != nil {
				return nil, fmt.Errorf("unmarshaling staged platform secret %q, %w", credentialsKey, err)
			}
			if staged.Kubeconfig != "" {
				secret.Kubeconfig = staged.Kubeconfig
			}
			if staged.Token != "" {
				secret.Token = staged.Token
			}
			if err := r.secrets.Delete(ctx, credentialsKey); err != nil {
				logging.FromContext(ctx).Error(err, "consuming staged platform secret", "key", credentialsKey)
			}
		}
	}
	switch {
	case secret.Kubeconfig != "" && secret.Token != "":
		raw, err := base64.StdEncoding.DecodeString(secret.Kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("decoding platform %q kubeconfig, %w", platform.ID, err)
		}
		return mergeToken(raw, secret.Token)
	case secret.Kubeconfig != "":
		raw, err := base64.StdEncoding.DecodeString(secret.Kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("decoding platform %q kubeconfig, %w", platform.ID, err)
		}
		return raw, nil
	case platform.Type == apis.PlatformEKS:
		return r.eksKubeconfig(ctx, platform, secret.Token)
	}
	return nil, fmt.Errorf("resolving credentials for platform %q, %w", platform.ID, errors.ErrNoCredentials)
}

// mergeToken adds a synthetic user carrying the token, binds the existing
// cluster to it through a fresh context and makes that context current.
func mergeToken(raw []byte, token string) ([]byte, error) {
	cfg, err := clientcmd.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("loading kubeconfig, %w", err)
	}
	cluster := ""
	if current, ok := cfg.Contexts[cfg.CurrentContext]; ok {
		cluster = current.Cluster
	} else {
		for name := range cfg.Clusters {
			cluster = name
			break
		}
	}
	if cluster == "" {
		return nil, fmt.Errorf("kubeconfig names no cluster")
	}
	ts := time.Now().Unix()
	user := fmt.Sprintf("user-%d", ts)
	context := fmt.Sprintf("context-%d", ts)
	cfg.AuthInfos[user] = &clientcmdapi.AuthInfo{Token: token}
	cfg.Contexts[context] = &clientcmdapi.Context{Cluster: cluster, AuthInfo: user}
	cfg.CurrentContext = context
	out, err := clientcmd.Write(*cfg)
	if err != nil {
		return nil, fmt.Errorf("serializing kubeconfig, %w", err)
	}
	return out, nil
}

// eksKubeconfig describes the cluster with management credentials and builds
// a kubeconfig whose token is a presigned GetCallerIdentity URL. A non-empty
// overrideToken is used for cluster auth instead of presigning one.
func (r *DefaultResolver) eksKubeconfig(ctx context.Context, platform *apis.Platform, overrideToken string) ([]byte, error) {
	t, err := r.tenants.Get(ctx, platform.TenantName)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("platform %q references unknown tenant %q", platform.ID, platform.TenantName)
	}
	management, err := r.fromApplication(ctx, t, apis.ApplicationManagement)
	if err != nil {
		return nil, err
	}
	if management == nil {
		return nil, fmt.Errorf("resolving management credentials for platform %q, %w", platform.ID, errors.ErrNoCredentials)
	}
	defer management.Close()
	eksapi, presigner, err := r.eks(ctx, management.Env, platform.Region)
	if err != nil {
		return nil, err
	}
	cluster, err := eksapi.DescribeCluster(ctx, &eks.DescribeClusterInput{Name: awssdk.String(platform.Name)})
	if err != nil {
		return nil, fmt.Errorf("describing cluster %q, %w", platform.Name, err)
	}
	ca, err := base64.StdEncoding.DecodeString(awssdk.ToString(cluster.Cluster.CertificateAuthority.Data))
	if err != nil {
		return nil, fmt.Errorf("decoding cluster %q certificate authority, %w", platform.Name, err)
	}
	token := overrideToken
	if token == "" {
		if token, err = presignedToken(ctx, presigner, platform.Name); err != nil {
			return nil, err
		}
	}
	cfg := clientcmdapi.NewConfig()
	cfg.Clusters[platform.Name] = &clientcmdapi.Cluster{
		Server:                   awssdk.ToString(cluster.Cluster.Endpoint),
		CertificateAuthorityData: ca,
	}
	cfg.AuthInfos[platform.Name] = &clientcmdapi.AuthInfo{Token: token}
	cfg.Contexts[platform.Name] = &clientcmdapi.Context{Cluster: platform.Name, AuthInfo: platform.Name}
	cfg.CurrentContext = platform.Name
	out, err := clientcmd.Write(*cfg)
	if err != nil {
		return nil, fmt.Errorf("serializing kubeconfig for cluster %q, %w", platform.Name, err)
	}
	return out, nil
}

// presignedToken encodes a 60-second presigned GetCallerIdentity URL per the
// EKS token spec: the cluster name rides in a signed header and the URL is
// base64url encoded without padding.
func presignedToken(ctx context.Context, presigner sdk.STSPresignAPI, clusterName string) (string, error) {
	out, err := presigner.PresignGetCallerIdentity(ctx, &sts.GetCallerIdentityInput{}, func(po *sts.PresignOptions) {
		po.ClientOptions = append(po.ClientOptions,
			sts.WithAPIOptions(smithyhttp.AddHeaderValue(clusterIDHeader, clusterName)),
			sts.WithAPIOptions(smithyhttp.AddHeaderValue("X-Amz-Expires", presignedURLExpiration)),
		)
	})
	if err != nil {
		return "", fmt.Errorf("presigning caller identity for cluster %q, %w", clusterName, err)
	}
	return tokenPrefix + base64.RawURLEncoding.EncodeToString([]byte(out.URL)), nil
}
