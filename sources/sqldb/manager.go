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

package sqldb

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "github.com/lib/pq"              // PostgreSQL driver

	"opsrelay/shared/logger"
	"opsrelay/sources/base"
)

const defaultRowLimit = 500

var operations = []base.OperationSpec{
	{
		Name:        "query",
		Description: "Run a read-only SQL query against a configured database",
		Parameters: []base.ParameterSpec{
			{Name: "query", Required: true, Description: "SQL statement"},
			{Name: "limit", Required: false, Description: "Row limit (default 500)"},
			{Name: "timeout_seconds", Required: false, Description: "Query timeout (default: attempt deadline)"},
		},
	},
}

// Manager runs SQL queries against postgres or mysql connections. One
// sql.DB pool is opened lazily per credential and shared across workers;
// database/sql handles its own concurrency.
type Manager struct {
	mu    sync.Mutex
	pools map[string]*sql.DB
	log   *logger.Logger
}

// New creates a sql source manager
func New() *Manager {
	return &Manager{
		pools: make(map[string]*sql.DB),
		log:   logger.New("source-sqldb"),
	}
}

func (m *Manager) Type() string { return "sql" }

func (m *Manager) Operations() []base.OperationSpec { return operations }

func (m *Manager) Declares(operation string) bool {
	return base.DeclaresOperation(operations, operation)
}

// Invoke executes the query operation
func (m *Manager) Invoke(ctx context.Context, operation string, params map[string]interface{}, cred *base.Credential) (interface{}, error) {
	if operation != "query" {
		return nil, base.Unsupported("sql", operation)
	}

	statement, _ := params["query"].(string)
	if statement == "" {
		return nil, base.Validationf("sql.query requires parameter %q", "query")
	}

	db, err := m.pool(cred)
	if err != nil {
		return nil, err
	}

	if secs, ok := params["timeout_seconds"].(float64); ok && secs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(secs*float64(time.Second)))
		defer cancel()
	}

	limit := defaultRowLimit
	if v, ok := params["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}

	start := time.Now()
	rows, err := db.QueryContext(ctx, statement)
	if err != nil {
		if ctx.Err() != nil {
			return nil, base.NewTaskError(base.KindTimeout, "sql", operation, "query timed out", ctx.Err())
		}
		return nil, base.Rejected("sql", operation, "query execution failed", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, base.Rejected("sql", operation, "failed to get columns", err)
	}

	results := make([]map[string]interface{}, 0)
	for rows.Next() {
		if len(results) >= limit {
			break
		}

		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, base.Rejected("sql", operation, "failed to scan row", err)
		}

		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			val := values[i]
			// Convert []byte to string for text/varchar fields
			if b, ok := val.([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = val
			}
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, base.Unavailable("sql", operation, "error during row iteration", err)
	}

	duration := time.Since(start)
	m.log.Debug("", "Query executed", map[string]interface{}{
		"rows":        len(results),
		"duration_ms": float64(duration) / float64(time.Millisecond),
	})

	return map[string]interface{}{
		"rows":        results,
		"row_count":   len(results),
		"duration_ms": float64(duration) / float64(time.Millisecond),
	}, nil
}

// TestConnection pings the configured database
func (m *Manager) TestConnection(ctx context.Context, cred *base.Credential) error {
	db, err := m.pool(cred)
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		return base.Unavailable("sql", "test_connection", "failed to ping database", err)
	}
	return nil
}

// pool returns the shared sql.DB for a credential, opening it on first use
func (m *Manager) pool(cred *base.Credential) (*sql.DB, error) {
	if cred == nil || cred.URL == "" {
		return nil, base.Validationf("sql credential with url (DSN) is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if db, ok := m.pools[cred.Name]; ok {
		return db, nil
	}

	driver := cred.StringOption("driver", "")
	if driver == "" {
		if strings.HasPrefix(cred.URL, "postgres://") || strings.HasPrefix(cred.URL, "postgresql://") {
			driver = "postgres"
		} else {
			driver = "mysql"
		}
	}

	db, err := sql.Open(driver, cred.URL)
	if err != nil {
		return nil, base.Unavailable("sql", "connect", "failed to open connection", err)
	}
	db.SetMaxOpenConns(cred.IntOption("max_open_conns", 10))
	db.SetMaxIdleConns(cred.IntOption("max_idle_conns", 2))
	db.SetConnMaxLifetime(5 * time.Minute)

	m.pools[cred.Name] = db
	m.log.Info("", "Opened database pool", map[string]interface{}{
		"credential": cred.Name,
		"driver":     driver,
	})
	return db, nil
}

// Close releases all database pools. Called on agent shutdown.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for name, db := range m.pools {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.pools, name)
	}
	return firstErr
}
