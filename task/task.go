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

	"github.com/google/uuid"

	"opsrelay/sources/base"
)

// Task is one unit of requested work destined for a source manager.
// Tasks are immutable after creation except Attempt, which the execution
// engine increments; exactly one worker owns a task at a time.
type Task struct {
	ID            string                 `json:"id"`
	SourceType    string                 `json:"source_type"`
	Operation     string                 `json:"operation"`
	Parameters    map[string]interface{} `json:"parameters,omitempty"`
	CredentialRef string                 `json:"credential_ref,omitempty"`
	Deadline      time.Time              `json:"deadline"`
	Attempt       int                    `json:"attempt"`
}

// New builds a locally originated task (direct invocation path) with a
// generated id and a deadline relative to now. Tasks fetched from the
// control plane arrive with both already assigned.
func New(sourceType, operation string, params map[string]interface{}, timeout time.Duration) *Task {
	return &Task{
		ID:         uuid.NewString(),
		SourceType: sourceType,
		Operation:  operation,
		Parameters: params,
		Deadline:   time.Now().Add(timeout),
	}
}

// Status is the coarse result status reported upstream
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// State is the terminal lifecycle state of an executed task
type State string

const (
	Succeeded State = "Succeeded"
	Failed    State = "Failed"
	TimedOut  State = "TimedOut"
)

// Result is the outcome of a task, created exclusively by the execution
// engine and owned thereafter by whichever component delivered the task.
type Result struct {
	TaskID       string          `json:"task_id"`
	Status       Status          `json:"status"`
	State        State           `json:"state"`
	Payload      interface{}     `json:"payload,omitempty"`
	Error        *base.TaskError `json:"error,omitempty"`
	Duration     time.Duration   `json:"duration_ns"`
	AttemptCount int             `json:"attempt_count"`
}

// NewSuccess builds an ok result for t with the given payload
func NewSuccess(t *Task, payload interface{}, duration time.Duration) Result {
	return Result{
		TaskID:       t.ID,
		Status:       StatusOK,
		State:        Succeeded,
		Payload:      payload,
		Duration:     duration,
		AttemptCount: t.Attempt,
	}
}

// NewFailure builds an error result for t in the given terminal state
func NewFailure(t *Task, state State, terr *base.TaskError, duration time.Duration) Result {
	return Result{
		TaskID:       t.ID,
		Status:       StatusError,
		State:        state,
		Error:        terr,
		Duration:     duration,
		AttemptCount: t.Attempt,
	}
}
