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

package base

import (
	"context"
)

// SourceManager is the capability contract every integration implements.
// Invoke must be safe for concurrent use by multiple workers: the pool may
// run several tasks against the same manager up to its concurrency limit.
type SourceManager interface {
	// Type returns the source type key (e.g. "grafana", "bash")
	Type() string

	// Operations returns the declared operation table for this source
	Operations() []OperationSpec

	// Declares reports whether the manager implements the named operation
	Declares(operation string) bool

	// Invoke executes one declared operation against the upstream source.
	// The context carries the per-attempt deadline; implementations must
	// honor cancellation. Failures are reported as *TaskError.
	Invoke(ctx context.Context, operation string, params map[string]interface{}, cred *Credential) (interface{}, error)

	// TestConnection verifies the upstream source is reachable with the
	// given credential. Used by scheduled connection tests and the MCP
	// test_source_connection tool.
	TestConnection(ctx context.Context, cred *Credential) error
}

// OperationSpec declares one operation a source manager supports,
// with its parameter table (name -> required/optional)
type OperationSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  []ParameterSpec `json:"parameters,omitempty"`
}

// ParameterSpec declares one parameter of an operation
type ParameterSpec struct {
	Name        string `json:"name"`
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
}

// FindOperation returns the spec for the named operation, or nil
func FindOperation(mgr SourceManager, operation string) *OperationSpec {
	for _, op := range mgr.Operations() {
		if op.Name == operation {
			spec := op
			return &spec
		}
	}
	return nil
}

// DeclaresOperation is a helper for manager implementations: it answers
// Declares() from the manager's own operation table.
func DeclaresOperation(ops []OperationSpec, operation string) bool {
	for _, op := range ops {
		if op.Name == operation {
			return true
		}
	}
	return false
}

// Credential holds one configured connection for a source. It is loaded
// from the local credentials file at startup and never transmitted; tasks
// carry only a credential_ref naming one of these entries.
type Credential struct {
	Name     string                 `json:"name"`
	Type     string                 `json:"type"`
	URL      string                 `json:"url,omitempty"`
	Token    string                 `json:"-"`
	Username string                 `json:"-"`
	Password string                 `json:"-"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

// StringOption retrieves a string option from the credential config
func (c *Credential) StringOption(key, defaultValue string) string {
	if c == nil || c.Options == nil {
		return defaultValue
	}
	if val, ok := c.Options[key]; ok {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return defaultValue
}

// IntOption retrieves an integer option from the credential config
func (c *Credential) IntOption(key string, defaultValue int) int {
	if c == nil || c.Options == nil {
		return defaultValue
	}
	val, ok := c.Options[key]
	if !ok {
		return defaultValue
	}
	switch v := val.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return defaultValue
}
