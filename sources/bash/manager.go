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

package bash

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"

	"opsrelay/shared/logger"
	"opsrelay/sources/base"
)

var operations = []base.OperationSpec{
	{
		Name:        "run",
		Description: "Run a bash command on the agent host",
		Parameters: []base.ParameterSpec{
			{Name: "cmd", Required: true, Description: "Command line to execute"},
			{Name: "workdir", Required: false, Description: "Working directory"},
			{Name: "timeout_seconds", Required: false, Description: "Command timeout (default: attempt deadline)"},
		},
	},
}

// Manager executes commands on the agent host. No credential is needed;
// remote targets reachable from the VPC are addressed inside the command
// itself (ssh, curl, ...).
type Manager struct {
	log *logger.Logger
}

// New creates a bash source manager
func New() *Manager {
	return &Manager{log: logger.New("source-bash")}
}

func (m *Manager) Type() string { return "bash" }

func (m *Manager) Operations() []base.OperationSpec { return operations }

func (m *Manager) Declares(operation string) bool {
	return base.DeclaresOperation(operations, operation)
}

// Invoke runs the declared operation. Non-zero exits are part of the
// payload, not an error: the caller asked for the command's outcome.
func (m *Manager) Invoke(ctx context.Context, operation string, params map[string]interface{}, cred *base.Credential) (interface{}, error) {
	if operation != "run" {
		return nil, base.Unsupported("bash", operation)
	}

	cmdLine, _ := params["cmd"].(string)
	if cmdLine == "" {
		return nil, base.Validationf("bash.run requires parameter %q", "cmd")
	}

	if secs, ok := params["timeout_seconds"].(float64); ok && secs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(secs*float64(time.Second)))
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "bash", "-c", cmdLine)
	if workdir, ok := params["workdir"].(string); ok && workdir != "" {
		cmd.Dir = workdir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case ctx.Err() != nil:
			return nil, base.NewTaskError(base.KindTimeout, "bash", operation, "command timed out", ctx.Err())
		case errors.As(err, &exitErr):
			exitCode = exitErr.ExitCode()
		default:
			return nil, base.Rejected("bash", operation, "failed to start command", err)
		}
	}

	m.log.Debug("", "Command executed", map[string]interface{}{
		"exit_code":   exitCode,
		"duration_ms": float64(duration) / float64(time.Millisecond),
	})

	return map[string]interface{}{
		"stdout":      stdout.String(),
		"stderr":      stderr.String(),
		"exit_code":   exitCode,
		"duration_ms": float64(duration) / float64(time.Millisecond),
	}, nil
}

// TestConnection verifies a shell is available on the host
func (m *Manager) TestConnection(ctx context.Context, cred *base.Credential) error {
	if err := exec.CommandContext(ctx, "bash", "-c", "true").Run(); err != nil {
		return base.Unavailable("bash", "test_connection", "bash is not available", err)
	}
	return nil
}
