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

package redis

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"opsrelay/shared/logger"
	"opsrelay/sources/base"
)

const defaultScanCount = 100

var operations = []base.OperationSpec{
	{
		Name:        "get",
		Description: "Get the value of a key",
		Parameters: []base.ParameterSpec{
			{Name: "key", Required: true},
		},
	},
	{
		Name:        "scan",
		Description: "Scan keys matching a pattern",
		Parameters: []base.ParameterSpec{
			{Name: "pattern", Required: true, Description: "Glob-style key pattern"},
			{Name: "count", Required: false, Description: "Max keys to return (default 100)"},
		},
	},
	{
		Name:        "info",
		Description: "Fetch server INFO",
		Parameters: []base.ParameterSpec{
			{Name: "section", Required: false, Description: "INFO section (e.g. memory, replication)"},
		},
	},
}

// Manager runs read operations against Redis. One client is built lazily
// per credential and shared across workers.
type Manager struct {
	mu      sync.Mutex
	clients map[string]*redis.Client
	log     *logger.Logger
}

// New creates a redis source manager
func New() *Manager {
	return &Manager{
		clients: make(map[string]*redis.Client),
		log:     logger.New("source-redis"),
	}
}

func (m *Manager) Type() string { return "redis" }

func (m *Manager) Operations() []base.OperationSpec { return operations }

func (m *Manager) Declares(operation string) bool {
	return base.DeclaresOperation(operations, operation)
}

// Invoke executes one declared Redis operation
func (m *Manager) Invoke(ctx context.Context, operation string, params map[string]interface{}, cred *base.Credential) (interface{}, error) {
	client, err := m.client(cred)
	if err != nil {
		return nil, err
	}

	switch operation {
	case "get":
		key, _ := params["key"].(string)
		if key == "" {
			return nil, base.Validationf("redis.get requires parameter %q", "key")
		}
		val, err := client.Get(ctx, key).Result()
		if err == redis.Nil {
			return map[string]interface{}{"key": key, "exists": false}, nil
		}
		if err != nil {
			return nil, classify(operation, err)
		}
		return map[string]interface{}{"key": key, "exists": true, "value": val}, nil

	case "scan":
		pattern, _ := params["pattern"].(string)
		if pattern == "" {
			return nil, base.Validationf("redis.scan requires parameter %q", "pattern")
		}
		count := int64(defaultScanCount)
		if v, ok := params["count"].(float64); ok && v > 0 {
			count = int64(v)
		}
		keys := make([]string, 0, count)
		var cursor uint64
		for {
			batch, next, err := client.Scan(ctx, cursor, pattern, count).Result()
			if err != nil {
				return nil, classify(operation, err)
			}
			keys = append(keys, batch...)
			cursor = next
			if cursor == 0 || int64(len(keys)) >= count {
				break
			}
		}
		if int64(len(keys)) > count {
			keys = keys[:count]
		}
		return map[string]interface{}{"keys": keys, "count": len(keys)}, nil

	case "info":
		section, _ := params["section"].(string)
		var res *redis.StringCmd
		if section != "" {
			res = client.Info(ctx, section)
		} else {
			res = client.Info(ctx)
		}
		raw, err := res.Result()
		if err != nil {
			return nil, classify(operation, err)
		}
		return map[string]interface{}{"info": parseInfo(raw)}, nil

	default:
		return nil, base.Unsupported("redis", operation)
	}
}

// TestConnection pings the configured server
func (m *Manager) TestConnection(ctx context.Context, cred *base.Credential) error {
	client, err := m.client(cred)
	if err != nil {
		return err
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return base.Unavailable("redis", "test_connection", "failed to ping server", err)
	}
	return nil
}

func (m *Manager) client(cred *base.Credential) (*redis.Client, error) {
	if cred == nil || cred.URL == "" {
		return nil, base.Validationf("redis credential with url is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if client, ok := m.clients[cred.Name]; ok {
		return client, nil
	}

	opts, err := redis.ParseURL(cred.URL)
	if err != nil {
		return nil, base.Validationf("invalid redis url for credential %q: %v", cred.Name, err)
	}
	if cred.Password != "" {
		opts.Password = cred.Password
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	m.clients[cred.Name] = client
	m.log.Info("", "Built redis client", map[string]interface{}{"credential": cred.Name})
	return client, nil
}

// Close releases all clients. Called on agent shutdown.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for name, client := range m.clients {
		if err := client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.clients, name)
	}
	return firstErr
}

// classify maps client errors onto the task error taxonomy
func classify(operation string, err error) *base.TaskError {
	if err == context.DeadlineExceeded || err == context.Canceled {
		return base.NewTaskError(base.KindTimeout, "redis", operation, "operation timed out", err)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "noauth") || strings.Contains(msg, "wrongpass") || strings.Contains(msg, "err ") {
		return base.Rejected("redis", operation, "server rejected command", err)
	}
	return base.Unavailable("redis", operation, "server unavailable", err)
}

// parseInfo splits INFO output into a flat key/value map
func parseInfo(raw string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(raw, "\r\n") {
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) == 2 {
			out[parts[0]] = parts[1]
		}
	}
	return out
}
