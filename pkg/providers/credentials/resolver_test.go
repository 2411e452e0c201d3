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

package credentials_test

import (
	"encoding/base64"
	"encoding/json"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	ekstypes "github.com/aws/aws-sdk-go-v2/service/eks/types"
	"k8s.io/client-go/tools/clientcmd"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/epam/ecc/pkg/apis"
	"github.com/epam/ecc/pkg/errors"
	"github.com/epam/ecc/pkg/providers/credentials"
	"github.com/epam/ecc/pkg/test"
)

func kubeconfigFor(cluster, server string) *clientcmdapi.Config {
	cfg := clientcmdapi.NewConfig()
	cfg.Clusters[cluster] = &clientcmdapi.Cluster{Server: server}
	cfg.AuthInfos["admin"] = &clientcmdapi.AuthInfo{Token: "original-token"}
	cfg.Contexts["default"] = &clientcmdapi.Context{Cluster: cluster, AuthInfo: "admin"}
	cfg.CurrentContext = "default"
	return cfg
}

func storeSecret(name string, payload map[string]any) {
	raw, err := json.Marshal(payload)
	Expect(err).ToNot(HaveOccurred())
	Expect(secrets.Put(ctx, name, string(raw))).To(Succeed())
}

var _ = Describe("Resolve", func() {
	It("should prefer the staged secret and consume it", func() {
		tenant := test.Tenant()
		storeSecret("staged-key", map[string]any{
			apis.EnvAWSAccessKeyID: "AKIAFAKE",
			apis.EnvAWSSecretKey:   "secret",
		})
		creds, err := resolver.Resolve(ctx, credentials.ResolveRequest{
			Tenant:         tenant,
			CredentialsKey: "staged-key",
		})
		Expect(err).ToNot(HaveOccurred())
		defer creds.Close()
		Expect(creds.Env).To(HaveKeyWithValue(apis.EnvAWSAccessKeyID, "AKIAFAKE"))
		Expect(secrets.Deleted).To(ContainElement("staged-key"))
	})
	It("should fall back to the batch results pointer without consuming it", func() {
		tenant := test.Tenant()
		storeSecret("event-key", map[string]any{apis.EnvAWSAccessKeyID: "AKIAEVENT"})
		creds, err := resolver.Resolve(ctx, credentials.ResolveRequest{
			Tenant:       tenant,
			BatchResults: test.BatchResults(test.BatchResultsOptions{CredentialsKey: "event-key"}),
		})
		Expect(err).ToNot(HaveOccurred())
		defer creds.Close()
		Expect(creds.Env).To(HaveKeyWithValue(apis.EnvAWSAccessKeyID, "AKIAEVENT"))
		Expect(secrets.Deleted).To(BeEmpty())
	})
	It("should resolve through the tenant's access application", func() {
		application := test.Application(test.ApplicationOptions{SecretName: "application-secret"})
		tenants.AddApplication(application)
		tenant := test.Tenant(test.TenantOptions{
			Parents: map[apis.ApplicationType]string{apis.ApplicationCustodianAccess: application.ID},
		})
		tenants.Add(tenant)
		storeSecret("application-secret", map[string]any{apis.EnvAWSAccessKeyID: "AKIAAPP"})
		creds, err := resolver.Resolve(ctx, credentials.ResolveRequest{Tenant: tenant})
		Expect(err).ToNot(HaveOccurred())
		defer creds.Close()
		Expect(creds.Env).To(HaveKeyWithValue(apis.EnvAWSAccessKeyID, "AKIAAPP"))
	})
	It("should not consult the management parent unless allowed", func() {
		management := test.Application(test.ApplicationOptions{
			Type:       apis.ApplicationManagement,
			SecretName: "management-secret",
		})
		tenants.AddApplication(management)
		tenant := test.Tenant(test.TenantOptions{
			Project: "999999999999",
			Parents: map[apis.ApplicationType]string{apis.ApplicationManagement: management.ID},
		})
		tenants.Add(tenant)
		storeSecret("management-secret", map[string]any{apis.EnvAWSAccessKeyID: "AKIAMGMT"})

		_, err := resolver.Resolve(ctx, credentials.ResolveRequest{Tenant: tenant})
		Expect(err).To(MatchError(errors.ErrNoCredentials))

		allowed := credentials.NewDefaultResolver(secrets, tenants, stsapi, nil, true)
		creds, err := allowed.Resolve(ctx, credentials.ResolveRequest{Tenant: tenant})
		Expect(err).ToNot(HaveOccurred())
		defer creds.Close()
		Expect(creds.Env).To(HaveKeyWithValue(apis.EnvAWSAccessKeyID, "AKIAMGMT"))
	})
	It("should accept the instance profile only when the ambient account matches", func() {
		matching := test.Tenant(test.TenantOptions{Project: "123456789012"})
		creds, err := resolver.Resolve(ctx, credentials.ResolveRequest{Tenant: matching})
		Expect(err).ToNot(HaveOccurred())
		Expect(creds.Empty()).To(BeTrue())

		foreign := test.Tenant(test.TenantOptions{Project: "210987654321"})
		_, err = resolver.Resolve(ctx, credentials.ResolveRequest{Tenant: foreign})
		Expect(err).To(MatchError(errors.ErrNoCredentials))
	})
	It("should fail with the sentinel when the chain is exhausted", func() {
		tenant := test.Tenant(test.TenantOptions{Cloud: apis.CloudGoogle})
		_, err := resolver.Resolve(ctx, credentials.ResolveRequest{Tenant: tenant})
		Expect(err).To(MatchError(errors.ErrNoCredentials))
	})
	It("should materialize google service account blobs into a scoped file", func() {
		tenant := test.Tenant(test.TenantOptions{Cloud: apis.CloudGoogle, Project: "my-project"})
		storeSecret("staged-key", map[string]any{
			"type":         "service_account",
			"project_id":   "blob-project",
			"Client_email": "sa@blob-project.iam.gserviceaccount.com",
		})
		creds, err := resolver.Resolve(ctx, credentials.ResolveRequest{
			Tenant:         tenant,
			CredentialsKey: "staged-key",
		})
		Expect(err).ToNot(HaveOccurred())
		path := creds.Env[apis.EnvGoogleCredentials]
		Expect(path).ToNot(BeEmpty())
		Expect(creds.Env).To(HaveKeyWithValue(apis.EnvGoogleProject, "my-project"))
		blob, err := os.ReadFile(path)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(blob)).To(ContainSubstring("service_account"))

		Expect(creds.Close()).To(Succeed())
		_, err = os.Stat(path)
		Expect(os.IsNotExist(err)).To(BeTrue())
	})
})

var _ = Describe("ResolvePlatform", func() {
	kubeconfig := func() []byte {
		raw, err := clientcmd.Write(*kubeconfigFor("test-cluster", "https://cluster.example.com"))
		Expect(err).ToNot(HaveOccurred())
		return raw
	}
	It("should return the stored kubeconfig as is", func() {
		application := test.Application(test.ApplicationOptions{SecretName: "platform-secret"})
		tenants.AddApplication(application)
		platform := test.Platform(test.PlatformOptions{ApplicationID: application.ID})
		storeSecret("platform-secret", map[string]any{
			"kubeconfig": base64.StdEncoding.EncodeToString(kubeconfig()),
		})
		raw, err := resolver.ResolvePlatform(ctx, platform, "")
		Expect(err).ToNot(HaveOccurred())
		cfg, err := clientcmd.Load(raw)
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.Clusters).To(HaveKey("test-cluster"))
	})
	It("should merge a standalone token into the stored kubeconfig", func() {
		application := test.Application(test.ApplicationOptions{SecretName: "platform-secret"})
		tenants.AddApplication(application)
		platform := test.Platform(test.PlatformOptions{ApplicationID: application.ID})
		storeSecret("platform-secret", map[string]any{
			"kubeconfig": base64.StdEncoding.EncodeToString(kubeconfig()),
			"token":      "opaque-bearer-token",
		})
		raw, err := resolver.ResolvePlatform(ctx, platform, "")
		Expect(err).ToNot(HaveOccurred())
		cfg, err := clientcmd.Load(raw)
		Expect(err).ToNot(HaveOccurred())
		current := cfg.Contexts[cfg.CurrentContext]
		Expect(current.Cluster).To(Equal("test-cluster"))
		Expect(cfg.AuthInfos[current.AuthInfo].Token).To(Equal("opaque-bearer-token"))
	})
	It("should prefer a staged token over the stored one and consume it", func() {
		application := test.Application(test.ApplicationOptions{SecretName: "platform-secret"})
		tenants.AddApplication(application)
		platform := test.Platform(test.PlatformOptions{ApplicationID: application.ID})
		storeSecret("platform-secret", map[string]any{
			"kubeconfig": base64.StdEncoding.EncodeToString(kubeconfig()),
			"token":      "stored-token",
		})
		storeSecret("job-key", map[string]any{"token": "submitted-token"})
		raw, err := resolver.ResolvePlatform(ctx, platform, "job-key")
		Expect(err).ToNot(HaveOccurred())
		cfg, err := clientcmd.Load(raw)
		Expect(err).ToNot(HaveOccurred())
		current := cfg.Contexts[cfg.CurrentContext]
		Expect(cfg.AuthInfos[current.AuthInfo].Token).To(Equal("submitted-token"))
		Expect(secrets.Deleted).To(ContainElement("job-key"))
	})
	It("should build an eks kubeconfig with a presigned token", func() {
		management := test.Application(test.ApplicationOptions{
			Type:       apis.ApplicationManagement,
			SecretName: "management-secret",
		})
		tenants.AddApplication(management)
		tenant := test.Tenant(test.TenantOptions{
			Parents: map[apis.ApplicationType]string{apis.ApplicationManagement: management.ID},
		})
		tenants.Add(tenant)
		storeSecret("management-secret", map[string]any{
			apis.EnvAWSAccessKeyID: "AKIAMGMT",
			apis.EnvAWSSecretKey:   "secret",
		})
		platform := test.Platform(test.PlatformOptions{
			TenantName: tenant.Name,
			Name:       "prod-cluster",
		})
		eksapi.Add(ekstypes.Cluster{
			Name:     aws.String("prod-cluster"),
			Endpoint: aws.String("https://prod.eks.example.com"),
			CertificateAuthority: &ekstypes.Certificate{
				Data: aws.String(base64.StdEncoding.EncodeToString([]byte("fake-ca"))),
			},
		})
		raw, err := resolver.ResolvePlatform(ctx, platform, "")
		Expect(err).ToNot(HaveOccurred())
		cfg, err := clientcmd.Load(raw)
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.Clusters["prod-cluster"].Server).To(Equal("https://prod.eks.example.com"))
		Expect(cfg.AuthInfos["prod-cluster"].Token).To(HavePrefix("k8s-aws-v1."))
		Expect(presigner.Presigned).To(Equal(1))
	})
	It("should authenticate an eks cluster with a staged token instead of presigning one", func() {
		management := test.Application(test.ApplicationOptions{
			Type:       apis.ApplicationManagement,
			SecretName: "management-secret",
		})
		tenants.AddApplication(management)
		tenant := test.Tenant(test.TenantOptions{
			Parents: map[apis.ApplicationType]string{apis.ApplicationManagement: management.ID},
		})
		tenants.Add(tenant)
		storeSecret("management-secret", map[string]any{
			apis.EnvAWSAccessKeyID: "AKIAMGMT",
			apis.EnvAWSSecretKey:   "secret",
		})
		platform := test.Platform(test.PlatformOptions{
			TenantName: tenant.Name,
			Name:       "prod-cluster",
		})
		eksapi.Add(ekstypes.Cluster{
			Name:     aws.String("prod-cluster"),
			Endpoint: aws.String("https://prod.eks.example.com"),
			CertificateAuthority: &ekstypes.Certificate{
				Data: aws.String(base64.StdEncoding.EncodeToString([]byte("fake-ca"))),
			},
		})
		storeSecret("job-key", map[string]any{"token": "submitted-token"})
		raw, err := resolver.ResolvePlatform(ctx, platform, "job-key")
		Expect(err).ToNot(HaveOccurred())
		cfg, err := clientcmd.Load(raw)
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.AuthInfos["prod-cluster"].Token).To(Equal("submitted-token"))
		Expect(presigner.Presigned).To(BeZero())
		Expect(secrets.Deleted).To(ContainElement("job-key"))
	})
	It("should fail with the sentinel when nothing grants access", func() {
		platform := test.Platform(test.PlatformOptions{Type: apis.PlatformNative})
		_, err := resolver.ResolvePlatform(ctx, platform, "")
		Expect(err).To(MatchError(errors.ErrNoCredentials))
	})
})
