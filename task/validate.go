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

package task

import (
	"time"

	"opsrelay/sources/base"
)

// Resolver is the registry surface the validator needs. Satisfied by
// *registry.Registry; tests supply fakes.
type Resolver interface {
	Resolve(sourceType string) (base.SourceManager, error)
	Credential(sourceType, ref string) (*base.Credential, error)
}

// Validate checks a task against the registry's declared capabilities.
// It is pure: it never contacts the upstream source. A task that fails
// validation is never queued and never retried.
func Validate(reg Resolver, t *Task, now time.Time) error {
	if t.ID == "" {
		return base.Validationf("task id is empty")
	}
	if t.SourceType == "" {
		return base.Validationf("source_type is empty")
	}

	mgr, err := reg.Resolve(t.SourceType)
	if err != nil {
		return base.Validationf("unknown source_type %q", t.SourceType)
	}

	if t.Operation == "" {
		return base.Validationf("operation is empty")
	}
	if !mgr.Declares(t.Operation) {
		return base.Validationf("source %q does not declare operation %q", t.SourceType, t.Operation)
	}

	spec := base.FindOperation(mgr, t.Operation)
	if spec != nil {
		for _, p := range spec.Parameters {
			if !p.Required {
				continue
			}
			val, ok := t.Parameters[p.Name]
			if !ok || val == nil {
				return base.Validationf("operation %q requires parameter %q", t.Operation, p.Name)
			}
			if s, isStr := val.(string); isStr && s == "" {
				return base.Validationf("operation %q requires parameter %q", t.Operation, p.Name)
			}
		}
	}

	if _, err := reg.Credential(t.SourceType, t.CredentialRef); err != nil {
		return base.Validationf("credential_ref %q not configured for source %q", t.CredentialRef, t.SourceType)
	}

	if !t.Deadline.After(now) {
		return base.Validationf("deadline %s is not in the future", t.Deadline.Format(time.RFC3339))
	}

	return nil
}
