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

package poller

import (
	"context"
	"sync"
	"time"

	"opsrelay/engine"
	"opsrelay/shared/logger"
	"opsrelay/sources/registry"
	"opsrelay/task"
)

// ControlPlane is the upstream surface the poller depends on. Satisfied
// by *Client; tests supply fakes.
type ControlPlane interface {
	FetchPendingTasks(ctx context.Context) ([]*task.Task, error)
	ReportResult(ctx context.Context, res task.Result) error
	Ping(ctx context.Context) error
	RegisterSources(ctx context.Context, inventory []registry.SourceInfo) error
}

// Config holds the poll loop parameters
type Config struct {
	PollInterval      time.Duration // Sleep between successful fetch rounds
	HeartbeatInterval time.Duration // Interval between reachability pings
	BackoffBase       time.Duration // First retry delay after a transport failure
	BackoffMax        time.Duration // Retry delay cap
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 60 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 2 * time.Minute
	}
	return c
}

// Poller is the VPC-mode loop: fetch pending tasks from the control
// plane, submit them into the worker pool, report each result back
// exactly once. Transport failures back off exponentially and retry
// forever; connectivity is expected to be transient and the agent never
// gives up.
type Poller struct {
	client ControlPlane
	pool   *engine.Pool
	reg    *registry.Registry
	cfg    Config
	clock  engine.Clock
	log    *logger.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup
}

// Option configures a Poller
type Option func(*Poller)

// WithClock injects a clock for tests
func WithClock(c engine.Clock) Option {
	return func(p *Poller) { p.clock = c }
}

// New creates a poller
func New(client ControlPlane, pool *engine.Pool, reg *registry.Registry, cfg Config, opts ...Option) *Poller {
	p := &Poller{
		client:   client,
		pool:     pool,
		reg:      reg,
		cfg:      cfg.withDefaults(),
		clock:    engine.RealClock(),
		log:      logger.New("poller"),
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes the poll loop until the context is cancelled. It first
// registers the local source inventory upstream, then starts the
// heartbeat and fetch/report cycle.
func (p *Poller) Run(ctx context.Context) error {
	p.registerSources(ctx)
	go p.heartbeat(ctx)

	bo := newBackoff(p.cfg.BackoffBase, p.cfg.BackoffMax)
	for {
		if ctx.Err() != nil {
			break
		}

		tasks, err := p.client.FetchPendingTasks(ctx)
		if err != nil {
			delay := bo.next()
			p.log.Warn("", "Fetch failed, backing off", map[string]interface{}{
				"error":   err.Error(),
				"backoff": delay.String(),
			})
			if !p.sleep(ctx, delay) {
				break
			}
			continue
		}
		bo.reset(p.clock.Now())

		for _, t := range tasks {
			p.dispatch(ctx, t)
		}

		if !p.sleep(ctx, p.cfg.PollInterval) {
			break
		}
	}

	// Let outstanding reporters deliver before returning
	p.wg.Wait()
	return ctx.Err()
}

// InFlight returns the number of fetched tasks not yet reported
func (p *Poller) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

// dispatch submits one fetched task into the pool and spawns a reporter
// for its result. A task id already in flight is skipped: the control
// plane may re-offer a task until its result is acknowledged, but the
// agent never submits the same id twice into its own pool.
func (p *Poller) dispatch(ctx context.Context, t *task.Task) {
	if !p.markInFlight(t.ID) {
		p.log.Debug(t.ID, "Skipping duplicate in-flight task", nil)
		return
	}

	resCh, err := p.pool.Submit(ctx, t)
	if err != nil {
		p.clearInFlight(t.ID)
		p.log.ErrorWithErr(t.ID, "Failed to submit task", err, nil)
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.clearInFlight(t.ID)
		// The pool guarantees exactly one result per accepted submission,
		// including during shutdown
		res := <-resCh
		p.report(ctx, res)
	}()
}

// report pushes one result upstream, retrying with backoff until the
// control plane acknowledges or the context ends. Exactly one reporter
// exists per fetched task id.
func (p *Poller) report(ctx context.Context, res task.Result) {
	bo := newBackoff(p.cfg.BackoffBase, p.cfg.BackoffMax)
	for {
		err := p.client.ReportResult(ctx, res)
		if err == nil {
			p.log.Info(res.TaskID, "Result reported", map[string]interface{}{
				"state": string(res.State),
			})
			return
		}
		delay := bo.next()
		p.log.Warn(res.TaskID, "Report failed, backing off", map[string]interface{}{
			"error":   err.Error(),
			"backoff": delay.String(),
		})
		if !p.sleep(ctx, delay) {
			return
		}
	}
}

// registerSources reports the local inventory upstream, retrying until
// the control plane accepts it.
func (p *Poller) registerSources(ctx context.Context) {
	bo := newBackoff(p.cfg.BackoffBase, p.cfg.BackoffMax)
	for {
		err := p.client.RegisterSources(ctx, p.reg.Inventory())
		if err == nil {
			p.log.Info("", "Registered sources with control plane", map[string]interface{}{
				"sources": p.reg.Count(),
			})
			return
		}
		delay := bo.next()
		p.log.Warn("", "Source registration failed, backing off", map[string]interface{}{
			"error":   err.Error(),
			"backoff": delay.String(),
		})
		if !p.sleep(ctx, delay) {
			return
		}
	}
}

func (p *Poller) heartbeat(ctx context.Context) {
	for {
		if !p.sleep(ctx, p.cfg.HeartbeatInterval) {
			return
		}
		if err := p.client.Ping(ctx); err != nil {
			p.log.Warn("", "Heartbeat failed", map[string]interface{}{"error": err.Error()})
		} else {
			p.log.Debug("", "Heartbeat ok", nil)
		}
	}
}

func (p *Poller) markInFlight(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.inflight[id]; exists {
		return false
	}
	p.inflight[id] = struct{}{}
	return true
}

func (p *Poller) clearInFlight(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, id)
}

// sleep waits for d or until ctx ends; returns false on cancellation
func (p *Poller) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-p.clock.After(d):
		return true
	}
}
