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

package registry

import (
	"context"
	"fmt"
	"sort"

	"opsrelay/shared/logger"
	"opsrelay/sources/base"
)

// DefaultSourceLimit caps concurrent invocations per source when the
// registration does not specify one.
const DefaultSourceLimit = 4

// Entry is one static registration: a source manager plus its configured
// credentials and concurrency limit.
type Entry struct {
	Manager     base.SourceManager
	Credentials map[string]*base.Credential
	DefaultCred string
	Limit       int
}

// Registry maps source types to their managers. It is built once at
// process start, passed explicitly to the pool and engine, and treated as
// immutable for the process lifetime: all registrations must complete
// before the registry is shared, after which reads need no locking.
type Registry struct {
	entries map[string]*Entry
	log     *logger.Logger
}

// SourceInfo describes one registered source for upstream registration
// and the MCP list_sources tool.
type SourceInfo struct {
	Type       string               `json:"type"`
	Operations []base.OperationSpec `json:"operations"`
	Limit      int                  `json:"concurrency_limit"`
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		log:     logger.New("registry"),
	}
}

// Register adds a source manager with its credentials and concurrency
// limit. Returns an error if the source type is already registered.
// Must not be called after the registry is shared with workers.
func (r *Registry) Register(mgr base.SourceManager, creds map[string]*base.Credential, defaultCred string, limit int) error {
	sourceType := mgr.Type()
	if sourceType == "" {
		return fmt.Errorf("source manager has empty type")
	}
	if _, exists := r.entries[sourceType]; exists {
		return fmt.Errorf("source %q already registered", sourceType)
	}
	if limit <= 0 {
		limit = DefaultSourceLimit
	}
	if creds == nil {
		creds = make(map[string]*base.Credential)
	}

	if defaultCred == "" && len(creds) == 1 {
		for name := range creds {
			defaultCred = name
		}
	}
	if defaultCred != "" {
		if _, ok := creds[defaultCred]; !ok {
			return fmt.Errorf("default credential %q not found for source %q", defaultCred, sourceType)
		}
	}

	r.entries[sourceType] = &Entry{
		Manager:     mgr,
		Credentials: creds,
		DefaultCred: defaultCred,
		Limit:       limit,
	}

	r.log.Info("", "Registered source", map[string]interface{}{
		"source_type": sourceType,
		"operations":  len(mgr.Operations()),
		"limit":       limit,
	})
	return nil
}

// Resolve returns the manager for a source type
func (r *Registry) Resolve(sourceType string) (base.SourceManager, error) {
	entry, ok := r.entries[sourceType]
	if !ok {
		return nil, base.Validationf("unknown source_type %q", sourceType)
	}
	return entry.Manager, nil
}

// Credential resolves a credential reference for a source. An empty ref
// resolves to the source's default credential when exactly one is
// configured.
func (r *Registry) Credential(sourceType, ref string) (*base.Credential, error) {
	entry, ok := r.entries[sourceType]
	if !ok {
		return nil, base.Validationf("unknown source_type %q", sourceType)
	}
	if ref == "" {
		ref = entry.DefaultCred
	}
	if ref == "" {
		// Sources like bash run without a configured connection
		if len(entry.Credentials) == 0 {
			return nil, nil
		}
		return nil, base.Validationf("source %q has multiple credentials, credential_ref required", sourceType)
	}
	cred, ok := entry.Credentials[ref]
	if !ok {
		return nil, base.Validationf("credential %q not configured for source %q", ref, sourceType)
	}
	return cred, nil
}

// Limit returns the per-source concurrency limit
func (r *Registry) Limit(sourceType string) int {
	if entry, ok := r.entries[sourceType]; ok {
		return entry.Limit
	}
	return DefaultSourceLimit
}

// Types returns all registered source types, sorted
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.entries))
	for sourceType := range r.entries {
		types = append(types, sourceType)
	}
	sort.Strings(types)
	return types
}

// Count returns the number of registered sources
func (r *Registry) Count() int {
	return len(r.entries)
}

// Inventory returns the declared capabilities of every registered source,
// in sorted source-type order. Reported to the control plane at startup.
func (r *Registry) Inventory() []SourceInfo {
	inventory := make([]SourceInfo, 0, len(r.entries))
	for _, sourceType := range r.Types() {
		entry := r.entries[sourceType]
		inventory = append(inventory, SourceInfo{
			Type:       sourceType,
			Operations: entry.Manager.Operations(),
			Limit:      entry.Limit,
		})
	}
	return inventory
}

// TestConnection runs the manager's connection test against every
// configured credential for one source.
func (r *Registry) TestConnection(ctx context.Context, sourceType string) error {
	entry, ok := r.entries[sourceType]
	if !ok {
		return base.Validationf("unknown source_type %q", sourceType)
	}
	if len(entry.Credentials) == 0 {
		return entry.Manager.TestConnection(ctx, nil)
	}
	for name, cred := range entry.Credentials {
		if err := entry.Manager.TestConnection(ctx, cred); err != nil {
			return fmt.Errorf("connection test failed for %s/%s: %w", sourceType, name, err)
		}
	}
	return nil
}

// TestConnections runs connection tests for all registered sources and
// returns the per-source outcome.
func (r *Registry) TestConnections(ctx context.Context) map[string]error {
	results := make(map[string]error, len(r.entries))
	for _, sourceType := range r.Types() {
		results[sourceType] = r.TestConnection(ctx, sourceType)
	}
	return results
}
