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

package engine

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"opsrelay/shared/logger"
	"opsrelay/sources/base"
	"opsrelay/sources/registry"
	"opsrelay/task"
)

// Config holds the engine's retry and timeout parameters
type Config struct {
	MaxAttempts             int           // Maximum invocation attempts per task
	BaseDelay               time.Duration // Initial backoff delay, doubled each attempt
	MaxDelay                time.Duration // Backoff cap
	JitterFraction          float64       // Jitter factor (0-1) applied to each delay
	DefaultOperationTimeout time.Duration // Per-attempt cap when the task deadline is further out
}

// DefaultConfig returns the engine defaults
func DefaultConfig() Config {
	return Config{
		MaxAttempts:             3,
		BaseDelay:               500 * time.Millisecond,
		MaxDelay:                10 * time.Second,
		JitterFraction:          0.2,
		DefaultOperationTimeout: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.JitterFraction < 0 || c.JitterFraction > 1 {
		c.JitterFraction = d.JitterFraction
	}
	if c.DefaultOperationTimeout <= 0 {
		c.DefaultOperationTimeout = d.DefaultOperationTimeout
	}
	return c
}

// Engine executes single tasks: validate, resolve, invoke with a hard
// deadline, classify the outcome, and retry transient failures with
// exponential backoff. The engine owns retry; the pool does not.
type Engine struct {
	reg   *registry.Registry
	cfg   Config
	clock Clock
	log   *logger.Logger
}

// Option configures an Engine
type Option func(*Engine)

// WithClock injects a clock; tests use a fake to avoid real sleeping
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// New creates an execution engine bound to an explicitly constructed
// registry.
func New(reg *registry.Registry, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		reg:   reg,
		cfg:   cfg.withDefaults(),
		clock: RealClock(),
		log:   logger.New("engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one task to a terminal Result. Every failure is resolved
// to exactly one error kind before the result leaves the engine.
func (e *Engine) Execute(ctx context.Context, t *task.Task) task.Result {
	start := e.clock.Now()

	if err := task.Validate(e.reg, t, start); err != nil {
		terr := base.AsTaskError(err, t.SourceType, t.Operation)
		e.log.Warn(t.ID, "Task failed validation", map[string]interface{}{
			"source_type": t.SourceType,
			"operation":   t.Operation,
			"reason":      terr.Message,
		})
		return e.finish(t, task.NewFailure(t, task.Failed, terr, e.clock.Now().Sub(start)))
	}

	// Validation guarantees both resolve
	mgr, _ := e.reg.Resolve(t.SourceType)
	cred, _ := e.reg.Credential(t.SourceType, t.CredentialRef)

	delay := e.cfg.BaseDelay
	for {
		t.Attempt++
		payload, err := e.invokeOnce(ctx, mgr, t, cred)
		if err == nil {
			return e.finish(t, task.NewSuccess(t, payload, e.clock.Now().Sub(start)))
		}

		kind := base.KindOf(err)
		terr := base.AsTaskError(err, t.SourceType, t.Operation)
		now := e.clock.Now()

		if !base.Retryable(kind) {
			return e.finish(t, task.NewFailure(t, task.Failed, terr, now.Sub(start)))
		}
		if !now.Before(t.Deadline) {
			// The task deadline is authoritative: no further retries
			return e.finish(t, task.NewFailure(t, task.TimedOut, terr, now.Sub(start)))
		}
		if t.Attempt >= e.cfg.MaxAttempts {
			state := task.Failed
			if kind == base.KindTimeout {
				state = task.TimedOut
			}
			return e.finish(t, task.NewFailure(t, state, terr, now.Sub(start)))
		}

		sleep := e.jitter(delay)
		if now.Add(sleep).After(t.Deadline) {
			return e.finish(t, task.NewFailure(t, task.TimedOut, terr, now.Sub(start)))
		}

		promTaskRetries.WithLabelValues(t.SourceType).Inc()
		e.log.Debug(t.ID, "Retrying task after transient failure", map[string]interface{}{
			"attempt": t.Attempt,
			"kind":    string(kind),
			"backoff": sleep.String(),
		})

		select {
		case <-ctx.Done():
			terr = base.NewTaskError(base.KindTimeout, t.SourceType, t.Operation, "execution cancelled", ctx.Err())
			return e.finish(t, task.NewFailure(t, task.TimedOut, terr, e.clock.Now().Sub(start)))
		case <-e.clock.After(sleep):
		}

		delay *= 2
		if delay > e.cfg.MaxDelay {
			delay = e.cfg.MaxDelay
		}
	}
}

// invokeOnce runs a single attempt under the hard per-attempt deadline
// min(task.Deadline, now + DefaultOperationTimeout). A handler that never
// returns is abandoned at the deadline, not awaited further.
func (e *Engine) invokeOnce(ctx context.Context, mgr base.SourceManager, t *task.Task, cred *base.Credential) (interface{}, error) {
	attemptDeadline := e.clock.Now().Add(e.cfg.DefaultOperationTimeout)
	if t.Deadline.Before(attemptDeadline) {
		attemptDeadline = t.Deadline
	}
	actx, cancel := context.WithDeadline(ctx, attemptDeadline)
	defer cancel()

	promTasksInFlight.WithLabelValues(t.SourceType).Inc()
	defer promTasksInFlight.WithLabelValues(t.SourceType).Dec()

	type outcome struct {
		payload interface{}
		err     error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			// A panicking handler must not take down other in-flight tasks
			if r := recover(); r != nil {
				ch <- outcome{nil, base.Rejected(t.SourceType, t.Operation,
					fmt.Sprintf("handler panic: %v", r), nil)}
			}
		}()
		payload, err := mgr.Invoke(actx, t.Operation, t.Parameters, cred)
		ch <- outcome{payload, err}
	}()

	select {
	case o := <-ch:
		return o.payload, o.err
	case <-actx.Done():
		return nil, base.NewTaskError(base.KindTimeout, t.SourceType, t.Operation,
			"attempt deadline exceeded", actx.Err())
	}
}

func (e *Engine) jitter(delay time.Duration) time.Duration {
	if e.cfg.JitterFraction <= 0 {
		return delay
	}
	j := delay.Seconds() * e.cfg.JitterFraction * (rand.Float64()*2 - 1)
	out := delay + time.Duration(j*float64(time.Second))
	if out < 0 {
		out = 0
	}
	return out
}

func (e *Engine) finish(t *task.Task, res task.Result) task.Result {
	promTasksTotal.WithLabelValues(t.SourceType, string(res.State)).Inc()
	promTaskDuration.WithLabelValues(t.SourceType).Observe(res.Duration.Seconds())

	fields := map[string]interface{}{
		"source_type":   t.SourceType,
		"operation":     t.Operation,
		"state":         string(res.State),
		"attempt_count": res.AttemptCount,
		"duration_ms":   float64(res.Duration) / float64(time.Millisecond),
	}
	if res.Error != nil {
		fields["error_kind"] = string(res.Error.Kind)
		e.log.Warn(t.ID, "Task finished with error", fields)
	} else {
		e.log.Info(t.ID, "Task finished", fields)
	}
	return res
}
