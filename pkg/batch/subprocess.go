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

package batch

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/epam/ecc/pkg/apis"
	"github.com/epam/ecc/pkg/logging"
)

// SubprocessClient runs the executor binary locally for on-prem
// installations. Jobs run detached from the submission request; state lives
// in the job store the worker updates, so the client only tracks enough to
// terminate.
type SubprocessClient struct {
	mu           sync.Mutex
	executorPath string
	running      map[string]*exec.Cmd
	started      map[string]time.Time
}

func NewSubprocessClient(executorPath string) *SubprocessClient {
	return &SubprocessClient{
		executorPath: executorPath,
		running:      map[string]*exec.Cmd{},
		started:      map[string]time.Time{},
	}
}

func (c *SubprocessClient) Submit(ctx context.Context, name string, envelope *apis.Envelope) (string, error) {
	log := logging.FromContext(ctx)
	id := uuid.NewString()
	// detached from the request context on purpose: the scan outlives it
	cmd := exec.Command(c.executorPath)
	cmd.Env = append(os.Environ(), envelope.Environ()...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return "", err
	}
	c.mu.Lock()
	c.running[id] = cmd
	c.started[id] = time.Now().UTC()
	c.mu.Unlock()
	go func() {
		if err := cmd.Wait(); err != nil {
			log.Error(err, "on-prem executor exited", "batch-job-id", id, "name", name)
		}
		c.mu.Lock()
		delete(c.running, id)
		delete(c.started, id)
		c.mu.Unlock()
	}()
	return id, nil
}

func (c *SubprocessClient) Terminate(_ context.Context, jobID, _ string) error {
	c.mu.Lock()
	cmd := c.running[jobID]
	c.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		return cmd.Process.Kill()
	}
	return nil
}

func (c *SubprocessClient) StartedAt(_ context.Context, jobID string) (*time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if at, ok := c.started[jobID]; ok {
		return &at, nil
	}
	return nil, nil
}
