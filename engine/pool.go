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
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"opsrelay/shared/logger"
	"opsrelay/sources/base"
	"opsrelay/sources/registry"
	"opsrelay/task"
)

// PoolConfig holds the worker pool parameters
type PoolConfig struct {
	Workers       int           // Global concurrency cap
	QueueSize     int           // Inbound queue depth
	ShutdownGrace time.Duration // How long in-flight tasks may finish on shutdown
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
	return c
}

type item struct {
	task   *task.Task
	result chan task.Result
}

// Pool runs a fixed set of workers that dequeue tasks and hand each to
// the execution engine. The poller and the direct API are independent
// producers into the same queue: the poller blocks when the queue is full
// (Submit) while direct submissions fail fast with Overloaded
// (TrySubmit). Per-source concurrency caps keep one slow source from
// starving the others.
type Pool struct {
	engine *Engine
	cfg    PoolConfig
	queue  chan *item
	sems   map[string]*semaphore.Weighted

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	pending int64

	// mu guards closed. Submissions hold the read side across the enqueue
	// so shutdown cannot land between the closed check and the queue send.
	mu     sync.RWMutex
	closed bool

	log *logger.Logger
}

// NewPool creates a worker pool. Per-source semaphores are sized from the
// registry's limits; the registry is immutable after startup so the map
// is read-only once built.
func NewPool(eng *Engine, reg *registry.Registry, cfg PoolConfig) *Pool {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	sems := make(map[string]*semaphore.Weighted, reg.Count())
	for _, sourceType := range reg.Types() {
		sems[sourceType] = semaphore.NewWeighted(int64(reg.Limit(sourceType)))
	}

	return &Pool{
		engine: eng,
		cfg:    cfg,
		queue:  make(chan *item, cfg.QueueSize),
		sems:   sems,
		ctx:    ctx,
		cancel: cancel,
		log:    logger.New("pool"),
	}
}

// Start launches the worker goroutines
func (p *Pool) Start() {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
	p.log.Info("", "Worker pool started", map[string]interface{}{
		"workers":    p.cfg.Workers,
		"queue_size": p.cfg.QueueSize,
	})
}

// Submit enqueues a task, blocking while the queue is full. This is the
// poller ingress: backpressure here pauses fetching more work. The
// returned channel delivers exactly one Result.
func (p *Pool) Submit(ctx context.Context, t *task.Task) (<-chan task.Result, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, base.NewTaskError(base.KindOverloaded, t.SourceType, t.Operation, "worker pool is shut down", nil)
	}

	it := &item{task: t, result: make(chan task.Result, 1)}
	select {
	case p.queue <- it:
		atomic.AddInt64(&p.pending, 1)
		promQueueDepth.Set(float64(len(p.queue)))
		return it.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.ctx.Done():
		return nil, base.NewTaskError(base.KindOverloaded, t.SourceType, t.Operation, "worker pool is shut down", nil)
	}
}

// TrySubmit enqueues a task without blocking. This is the direct API
// ingress: a full queue surfaces Overloaded immediately rather than
// queuing unbounded latency.
func (p *Pool) TrySubmit(t *task.Task) (<-chan task.Result, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, base.NewTaskError(base.KindOverloaded, t.SourceType, t.Operation, "worker pool is shut down", nil)
	}

	it := &item{task: t, result: make(chan task.Result, 1)}
	select {
	case p.queue <- it:
		atomic.AddInt64(&p.pending, 1)
		promQueueDepth.Set(float64(len(p.queue)))
		return it.result, nil
	default:
		promOverloadRejections.Inc()
		return nil, base.NewTaskError(base.KindOverloaded, t.SourceType, t.Operation, "worker pool queue is full", nil)
	}
}

// Pending returns the number of tasks queued or executing
func (p *Pool) Pending() int {
	return int(atomic.LoadInt64(&p.pending))
}

func (p *Pool) run(id int) {
	defer p.wg.Done()

	for {
		select {
		case it := <-p.queue:
			p.process(it)
		case <-p.ctx.Done():
			// Drain whatever is still queued, reporting each as timed out
			for {
				select {
				case it := <-p.queue:
					p.abandon(it)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) process(it *item) {
	defer atomic.AddInt64(&p.pending, -1)
	promQueueDepth.Set(float64(len(p.queue)))

	// Per-source cap: at most Limit(source) concurrent invokes
	if sem := p.sems[it.task.SourceType]; sem != nil {
		if err := sem.Acquire(p.ctx, 1); err != nil {
			it.result <- task.NewFailure(it.task, task.TimedOut,
				base.NewTaskError(base.KindTimeout, it.task.SourceType, it.task.Operation, "agent shutting down", err), 0)
			return
		}
		defer sem.Release(1)
	}

	it.result <- p.engine.Execute(p.ctx, it.task)
}

func (p *Pool) abandon(it *item) {
	atomic.AddInt64(&p.pending, -1)
	it.result <- task.NewFailure(it.task, task.TimedOut,
		base.NewTaskError(base.KindTimeout, it.task.SourceType, it.task.Operation, "agent shut down before execution", nil), 0)
}

// Shutdown stops intake, lets in-flight tasks finish up to the grace
// period, then cancels the rest; cancelled tasks are reported TimedOut.
// Taking the write lock first waits out any enqueue in progress, so no
// task can reach the queue after the workers' final drain.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.log.Info("", "Worker pool draining", map[string]interface{}{
		"pending": p.Pending(),
		"grace":   p.cfg.ShutdownGrace.String(),
	})

	done := make(chan struct{})
	go func() {
		for atomic.LoadInt64(&p.pending) > 0 {
			time.Sleep(10 * time.Millisecond)
		}
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(p.cfg.ShutdownGrace):
		p.log.Warn("", "Shutdown grace expired, cancelling in-flight tasks", nil)
	case <-ctx.Done():
		err = ctx.Err()
	}

	p.cancel()
	p.wg.Wait()

	p.log.Info("", "Worker pool stopped", nil)
	return err
}
