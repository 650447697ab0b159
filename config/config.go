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
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Agent modes
const (
	ModeVPC = "vpc"
	ModeMCP = "mcp"
)

// Duration wraps time.Duration for yaml values like "30s"
type Duration time.Duration

// UnmarshalYAML parses a duration string
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the underlying time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the agent configuration file
type Config struct {
	Mode            string             `yaml:"mode"`
	CredentialsFile string             `yaml:"credentials_file"`
	ControlPlane    ControlPlaneConfig `yaml:"control_plane"`
	Pool            PoolConfig         `yaml:"pool"`
	Engine          EngineConfig       `yaml:"engine"`
	HTTP            HTTPConfig         `yaml:"http"`
}

// ControlPlaneConfig configures the VPC-mode upstream
type ControlPlaneConfig struct {
	Host              string   `yaml:"host"`
	APIToken          string   `yaml:"api_token"`
	PollInterval      Duration `yaml:"poll_interval"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	RequestTimeout    Duration `yaml:"request_timeout"`
	BackoffBase       Duration `yaml:"backoff_base"`
	BackoffMax        Duration `yaml:"backoff_max"`
}

// PoolConfig configures the worker pool
type PoolConfig struct {
	Workers       int      `yaml:"workers"`
	QueueSize     int      `yaml:"queue_size"`
	ShutdownGrace Duration `yaml:"shutdown_grace"`
}

// EngineConfig configures retry and timeout behavior
type EngineConfig struct {
	MaxAttempts             int      `yaml:"max_attempts"`
	BaseDelay               Duration `yaml:"base_delay"`
	MaxDelay                Duration `yaml:"max_delay"`
	JitterFraction          float64  `yaml:"jitter_fraction"`
	DefaultOperationTimeout Duration `yaml:"default_operation_timeout"`
}

// HTTPConfig configures the local ops server (/health, /metrics)
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// Load reads the config file and applies environment overrides
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if cfg.Mode == "" {
		cfg.Mode = ModeVPC
	}
	if cfg.Mode != ModeVPC && cfg.Mode != ModeMCP {
		return nil, fmt.Errorf("invalid mode %q (expected %q or %q)", cfg.Mode, ModeVPC, ModeMCP)
	}
	if cfg.Mode == ModeVPC {
		if cfg.ControlPlane.Host == "" {
			return nil, fmt.Errorf("vpc mode requires control_plane.host")
		}
		if cfg.ControlPlane.APIToken == "" {
			return nil, fmt.Errorf("vpc mode requires control_plane.api_token")
		}
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	if mode := os.Getenv("AGENT_MODE"); mode != "" {
		c.Mode = mode
	}
	if host := os.Getenv("CONTROL_PLANE_HOST"); host != "" {
		c.ControlPlane.Host = host
	}
	if token := os.Getenv("CONTROL_PLANE_API_TOKEN"); token != "" {
		c.ControlPlane.APIToken = token
	}
	if file := os.Getenv("AGENT_CREDENTIALS_FILE"); file != "" {
		c.CredentialsFile = file
	}
}
