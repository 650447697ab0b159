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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsrelay/sources/base"
	"opsrelay/sources/registry"
	"opsrelay/task"
)

// concurrencyManager records the peak number of concurrent invocations
type concurrencyManager struct {
	typ     string
	hold    time.Duration
	current int64
	peak    int64
}

func (m *concurrencyManager) Type() string { return m.typ }
func (m *concurrencyManager) Operations() []base.OperationSpec {
	return []base.OperationSpec{{Name: "op"}}
}
func (m *concurrencyManager) Declares(operation string) bool { return operation == "op" }
func (m *concurrencyManager) Invoke(ctx context.Context, operation string, params map[string]interface{}, cred *base.Credential) (interface{}, error) {
	cur := atomic.AddInt64(&m.current, 1)
	defer atomic.AddInt64(&m.current, -1)
	for {
		peak := atomic.LoadInt64(&m.peak)
		if cur <= peak || atomic.CompareAndSwapInt64(&m.peak, peak, cur) {
			break
		}
	}
	time.Sleep(m.hold)
	return "ok", nil
}
func (m *concurrencyManager) TestConnection(ctx context.Context, cred *base.Credential) error {
	return nil
}

// blockingManager holds every invocation until released
type blockingManager struct {
	typ     string
	started chan struct{}
	release chan struct{}
}

func (m *blockingManager) Type() string { return m.typ }
func (m *blockingManager) Operations() []base.OperationSpec {
	return []base.OperationSpec{{Name: "op"}}
}
func (m *blockingManager) Declares(operation string) bool { return operation == "op" }
func (m *blockingManager) Invoke(ctx context.Context, operation string, params map[string]interface{}, cred *base.Credential) (interface{}, error) {
	select {
	case m.started <- struct{}{}:
	default:
	}
	select {
	case <-m.release:
		return "released", nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
func (m *blockingManager) TestConnection(ctx context.Context, cred *base.Credential) error {
	return nil
}

func poolTask(id, sourceType string) *task.Task {
	return &task.Task{
		ID:         id,
		SourceType: sourceType,
		Operation:  "op",
		Deadline:   time.Now().Add(time.Minute),
	}
}

func TestPoolRespectsPerSourceLimit(t *testing.T) {
	mgr := &concurrencyManager{typ: "slow", hold: 30 * time.Millisecond}
	reg := registry.New()
	require.NoError(t, reg.Register(mgr, nil, "", 2))

	eng := New(reg, DefaultConfig())
	pool := NewPool(eng, reg, PoolConfig{Workers: 8, QueueSize: 16})
	pool.Start()
	defer func() { _ = pool.Shutdown(context.Background()) }()

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		resCh, err := pool.Submit(context.Background(), poolTask(fmt.Sprintf("t-%d", i), "slow"))
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := <-resCh
			assert.Equal(t, task.Succeeded, res.State)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&mgr.peak), int64(2))
}

func TestPoolTrySubmitOverloaded(t *testing.T) {
	mgr := &blockingManager{
		typ:     "slow",
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	reg := registry.New()
	require.NoError(t, reg.Register(mgr, nil, "", 4))

	eng := New(reg, DefaultConfig())
	pool := NewPool(eng, reg, PoolConfig{Workers: 1, QueueSize: 1})
	pool.Start()
	defer func() { _ = pool.Shutdown(context.Background()) }()

	// First task occupies the only worker
	first, err := pool.Submit(context.Background(), poolTask("t-1", "slow"))
	require.NoError(t, err)
	<-mgr.started

	// Second fills the queue
	second, err := pool.Submit(context.Background(), poolTask("t-2", "slow"))
	require.NoError(t, err)

	// Third has nowhere to go
	_, err = pool.TrySubmit(poolTask("t-3", "slow"))
	require.Error(t, err)
	terr := base.AsTaskError(err, "slow", "op")
	assert.Equal(t, base.KindOverloaded, terr.Kind)

	close(mgr.release)
	res1 := <-first
	res2 := <-second
	assert.Equal(t, task.Succeeded, res1.State)
	assert.Equal(t, task.Succeeded, res2.State)
}

func TestPoolShutdownDeliversPendingResults(t *testing.T) {
	mgr := &blockingManager{
		typ:     "slow",
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	reg := registry.New()
	require.NoError(t, reg.Register(mgr, nil, "", 4))

	eng := New(reg, DefaultConfig())
	pool := NewPool(eng, reg, PoolConfig{Workers: 1, QueueSize: 4, ShutdownGrace: 50 * time.Millisecond})
	pool.Start()

	executing, err := pool.Submit(context.Background(), poolTask("t-1", "slow"))
	require.NoError(t, err)
	<-mgr.started

	queued, err := pool.Submit(context.Background(), poolTask("t-2", "slow"))
	require.NoError(t, err)

	// The first task never releases, so the grace period expires and both
	// submissions still receive a terminal result
	require.NoError(t, pool.Shutdown(context.Background()))

	res1 := <-executing
	res2 := <-queued
	assert.Equal(t, task.TimedOut, res1.State)
	assert.Equal(t, task.TimedOut, res2.State)

	// Submissions after shutdown are refused
	_, err = pool.Submit(context.Background(), poolTask("t-3", "slow"))
	require.Error(t, err)
	_, err = pool.TrySubmit(poolTask("t-4", "slow"))
	require.Error(t, err)
}

func TestPoolSubmitRacingShutdownStillResolves(t *testing.T) {
	mgr := &concurrencyManager{typ: "fast"}
	reg := registry.New()
	require.NoError(t, reg.Register(mgr, nil, "", 4))

	eng := New(reg, DefaultConfig())
	pool := NewPool(eng, reg, PoolConfig{Workers: 2, QueueSize: 2, ShutdownGrace: 20 * time.Millisecond})
	pool.Start()

	// Hammer TrySubmit from several goroutines while Shutdown runs. Every
	// accepted submission must still receive its one terminal result, even
	// for enqueues that race the workers' final drain.
	var mu sync.Mutex
	var accepted []<-chan task.Result
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				resCh, err := pool.TrySubmit(poolTask(fmt.Sprintf("t-%d-%d", n, j), "fast"))
				if err != nil {
					terr := base.AsTaskError(err, "fast", "op")
					if terr.Message == "worker pool is shut down" {
						return
					}
					continue
				}
				mu.Lock()
				accepted = append(accepted, resCh)
				mu.Unlock()
			}
		}(i)
	}

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, pool.Shutdown(context.Background()))
	wg.Wait()

	require.NotEmpty(t, accepted)
	for _, resCh := range accepted {
		select {
		case <-resCh:
		case <-time.After(2 * time.Second):
			t.Fatal("accepted submission never received a result")
		}
	}
}
