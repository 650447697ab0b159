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

// Package agentd wires the agent together: it loads configuration and
// credentials, builds the source registry, engine and worker pool, and
// runs the selected mode (vpc poll loop or mcp stdio server) alongside
// the local ops HTTP server.
package agentd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"opsrelay/config"
	"opsrelay/engine"
	"opsrelay/mcpserver"
	"opsrelay/poller"
	"opsrelay/shared/logger"
	"opsrelay/sources/base"
	"opsrelay/sources/bash"
	"opsrelay/sources/grafana"
	"opsrelay/sources/kubernetes"
	"opsrelay/sources/mongodb"
	"opsrelay/sources/redis"
	"opsrelay/sources/registry"
	"opsrelay/sources/sqldb"
)

// managerFactories maps source types to their constructors. Every type
// that can appear in the credentials file is listed here.
var managerFactories = map[string]func() base.SourceManager{
	"bash":       func() base.SourceManager { return bash.New() },
	"grafana":    func() base.SourceManager { return grafana.New() },
	"sql":        func() base.SourceManager { return sqldb.New() },
	"kubernetes": func() base.SourceManager { return kubernetes.New() },
	"mongodb":    func() base.SourceManager { return mongodb.New() },
	"redis":      func() base.SourceManager { return redis.New() },
}

// Run starts the agent and blocks until shutdown
func Run(cfg *config.Config, version string) error {
	log := logger.New("agentd")

	reg, err := buildRegistry(cfg)
	if err != nil {
		return fmt.Errorf("failed to build source registry: %w", err)
	}

	eng := engine.New(reg, engine.Config{
		MaxAttempts:             cfg.Engine.MaxAttempts,
		BaseDelay:               cfg.Engine.BaseDelay.Std(),
		MaxDelay:                cfg.Engine.MaxDelay.Std(),
		JitterFraction:          cfg.Engine.JitterFraction,
		DefaultOperationTimeout: cfg.Engine.DefaultOperationTimeout.Std(),
	})

	pool := engine.NewPool(eng, reg, engine.PoolConfig{
		Workers:       cfg.Pool.Workers,
		QueueSize:     cfg.Pool.QueueSize,
		ShutdownGrace: cfg.Pool.ShutdownGrace.Std(),
	})
	pool.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpServer := startOpsServer(cfg.HTTP.Addr, reg, version, log)

	log.Info("", "Agent starting", map[string]interface{}{
		"mode":    cfg.Mode,
		"version": version,
		"sources": reg.Types(),
	})

	var runErr error
	switch cfg.Mode {
	case config.ModeVPC:
		runErr = runVPC(ctx, cfg, pool, reg)
	case config.ModeMCP:
		runErr = runMCP(ctx, pool, reg, version)
	default:
		runErr = fmt.Errorf("unknown mode %q", cfg.Mode)
	}

	log.Info("", "Agent shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Pool.ShutdownGrace.Std()+5*time.Second)
	defer cancel()
	if err := pool.Shutdown(shutdownCtx); err != nil {
		log.ErrorWithErr("", "Worker pool shutdown incomplete", err, nil)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.ErrorWithErr("", "HTTP server shutdown failed", err, nil)
	}

	if runErr != nil && runErr != context.Canceled {
		return runErr
	}
	return nil
}

func runVPC(ctx context.Context, cfg *config.Config, pool *engine.Pool, reg *registry.Registry) error {
	timeout := cfg.ControlPlane.RequestTimeout.Std()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := poller.NewClient(cfg.ControlPlane.Host, cfg.ControlPlane.APIToken, timeout)

	p := poller.New(client, pool, reg, poller.Config{
		PollInterval:      cfg.ControlPlane.PollInterval.Std(),
		HeartbeatInterval: cfg.ControlPlane.HeartbeatInterval.Std(),
		BackoffBase:       cfg.ControlPlane.BackoffBase.Std(),
		BackoffMax:        cfg.ControlPlane.BackoffMax.Std(),
	})
	return p.Run(ctx)
}

func runMCP(ctx context.Context, pool *engine.Pool, reg *registry.Registry, version string) error {
	srv := mcpserver.New(pool, reg, version)
	return srv.Start(ctx)
}

// buildRegistry loads the credentials file and registers a manager for
// every source type it configures. Bash needs no credentials and is
// always registered.
func buildRegistry(cfg *config.Config) (*registry.Registry, error) {
	reg := registry.New()

	var sourceCfgs map[string]*config.SourceConfig
	if cfg.CredentialsFile != "" {
		var err error
		sourceCfgs, err = config.LoadCredentials(cfg.CredentialsFile)
		if err != nil {
			return nil, err
		}
	}

	for sourceType, sc := range sourceCfgs {
		factory, ok := managerFactories[sourceType]
		if !ok {
			return nil, fmt.Errorf("unknown source type %q in credentials file", sourceType)
		}
		creds := make(map[string]*base.Credential, len(sc.Credentials))
		for _, cred := range sc.Credentials {
			creds[cred.Name] = cred
		}
		if err := reg.Register(factory(), creds, sc.DefaultCred, sc.Limit); err != nil {
			return nil, err
		}
	}

	if _, exists := sourceCfgs["bash"]; !exists {
		if err := reg.Register(bash.New(), nil, "", 0); err != nil {
			return nil, err
		}
	}

	return reg, nil
}
