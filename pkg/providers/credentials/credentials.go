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
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/samber/lo"

	"github.com/epam/ecc/pkg/apis"
)

// Credentials is a resolved, cloud-tagged set of environment variables ready
// to be exported into a scan process. Close releases any materialized files.
type Credentials struct {
	Cloud apis.Cloud
	Env   map[string]string

	files []string
}

// Environ renders the variables as sorted KEY=VALUE pairs.
func (c *Credentials) Environ() []string {
	keys := lo.Keys(c.Env)
	sort.Strings(keys)
	return lo.Map(keys, func(k string, _ int) string {
		return k + "=" + c.Env[k]
	})
}

// Empty reports whether the credentials carry nothing. Empty credentials of
// an accepted instance profile are still usable: the SDK default chain picks
// them up without explicit variables.
func (c *Credentials) Empty() bool {
	return len(c.Env) == 0
}

// Close removes materialized secret files. Safe to call more than once.
func (c *Credentials) Close() error {
	var err error
	for _, f := range c.files {
		if rerr := os.Remove(f); rerr != nil && !os.IsNotExist(rerr) {
			err = rerr
		}
	}
	c.files = nil
	return err
}

// materialize shapes a raw secret payload into exportable variables. GCP
// service account blobs are written to a scoped temp file referenced through
// the standard variable.
func materialize(cloud apis.Cloud, raw map[string]any, project string) (*Credentials, error) {
	creds := &Credentials{Cloud: cloud, Env: map[string]string{}}
	if cloud == apis.CloudGoogle {
		if _, ok := raw["type"]; ok {
			blob, err := json.Marshal(raw)
			if err != nil {
				return nil, fmt.Errorf("marshaling google credentials blob, %w", err)
			}
			f, err := os.CreateTemp("", "google-creds-*.json")
			if err != nil {
				return nil, fmt.Errorf("materializing google credentials, %w", err)
			}
			if _, err = f.Write(blob); err != nil {
				f.Close()
				return nil, fmt.Errorf("materializing google credentials, %w", err)
			}
			if err = f.Close(); err != nil {
				return nil, fmt.Errorf("materializing google credentials, %w", err)
			}
			creds.files = append(creds.files, f.Name())
			creds.Env[apis.EnvGoogleCredentials] = f.Name()
			if project == "" {
				project, _ = raw["project_id"].(string)
			}
			if project != "" {
				creds.Env[apis.EnvGoogleProject] = project
			}
			return creds, nil
		}
	}
	for k, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			creds.Env[k] = s
		}
	}
	return creds, nil
}
