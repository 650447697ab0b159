// Copyright 2025 OpsRelay
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeFile(t, "agent.yaml", `
mode: vpc
credentials_file: /etc/agent/credentials.yaml
control_plane:
  host: https://cp.example.com
  api_token: secret
  poll_interval: 10s
  heartbeat_interval: 2m
pool:
  workers: 16
  queue_size: 128
  shutdown_grace: 15s
engine:
  max_attempts: 5
  base_delay: 250ms
http:
  addr: ":9090"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ModeVPC, cfg.Mode)
	assert.Equal(t, "https://cp.example.com", cfg.ControlPlane.Host)
	assert.Equal(t, 10*time.Second, cfg.ControlPlane.PollInterval.Std())
	assert.Equal(t, 2*time.Minute, cfg.ControlPlane.HeartbeatInterval.Std())
	assert.Equal(t, 16, cfg.Pool.Workers)
	assert.Equal(t, 15*time.Second, cfg.Pool.ShutdownGrace.Std())
	assert.Equal(t, 5, cfg.Engine.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.BaseDelay.Std())
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
}

func TestLoadConfigInvalidDuration(t *testing.T) {
	path := writeFile(t, "agent.yaml", `
mode: mcp
control_plane:
  poll_interval: soon
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := writeFile(t, "agent.yaml", `
mode: mcp
`)
	t.Setenv("AGENT_MODE", "vpc")
	t.Setenv("CONTROL_PLANE_HOST", "https://cp.example.com")
	t.Setenv("CONTROL_PLANE_API_TOKEN", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ModeVPC, cfg.Mode)
	assert.Equal(t, "https://cp.example.com", cfg.ControlPlane.Host)
	assert.Equal(t, "from-env", cfg.ControlPlane.APIToken)
}

func TestLoadConfigRejectsVPCWithoutHost(t *testing.T) {
	path := writeFile(t, "agent.yaml", `
mode: vpc
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "control_plane.host")
}

func TestLoadConfigRejectsUnknownMode(t *testing.T) {
	path := writeFile(t, "agent.yaml", `
mode: hybrid
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid mode")
}

func TestLoadCredentials(t *testing.T) {
	path := writeFile(t, "credentials.yaml", `
sources:
  prod-grafana:
    type: grafana
    url: https://grafana.internal
    token: $GRAFANA_TOKEN
    default: true
    limit: 8
  staging-grafana:
    type: grafana
    url: https://grafana-staging.internal
    token: literal-token
  analytics:
    type: sql
    url: postgres://db.internal:5432/analytics
    username: reader
    password: hunter2
    options:
      driver: postgres
`)
	t.Setenv("GRAFANA_TOKEN", "resolved-token")

	sources, err := LoadCredentials(path)
	require.NoError(t, err)
	require.Len(t, sources, 2)

	grafana := sources["grafana"]
	require.NotNil(t, grafana)
	assert.Len(t, grafana.Credentials, 2)
	assert.Equal(t, "prod-grafana", grafana.DefaultCred)
	assert.Equal(t, 8, grafana.Limit)

	byName := map[string]string{}
	for _, cred := range grafana.Credentials {
		byName[cred.Name] = cred.Token
	}
	assert.Equal(t, "resolved-token", byName["prod-grafana"])
	assert.Equal(t, "literal-token", byName["staging-grafana"])

	sqlSrc := sources["sql"]
	require.NotNil(t, sqlSrc)
	require.Len(t, sqlSrc.Credentials, 1)
	assert.Equal(t, "reader", sqlSrc.Credentials[0].Username)
	assert.Equal(t, "postgres", sqlSrc.Credentials[0].StringOption("driver", ""))
}

func TestLoadCredentialsRequiresType(t *testing.T) {
	path := writeFile(t, "credentials.yaml", `
sources:
  mystery:
    url: https://example.com
`)
	_, err := LoadCredentials(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing a type")
}
