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

package mongodb

import (
	"context"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"opsrelay/shared/logger"
	"opsrelay/sources/base"
)

const defaultDocLimit = 100

var operations = []base.OperationSpec{
	{
		Name:        "find",
		Description: "Find documents in a collection",
		Parameters: []base.ParameterSpec{
			{Name: "database", Required: true},
			{Name: "collection", Required: true},
			{Name: "filter", Required: false, Description: "Query filter (JSON object)"},
			{Name: "limit", Required: false, Description: "Document limit (default 100)"},
		},
	},
	{
		Name:        "count",
		Description: "Count documents matching a filter",
		Parameters: []base.ParameterSpec{
			{Name: "database", Required: true},
			{Name: "collection", Required: true},
			{Name: "filter", Required: false},
		},
	},
	{
		Name:        "aggregate",
		Description: "Run an aggregation pipeline",
		Parameters: []base.ParameterSpec{
			{Name: "database", Required: true},
			{Name: "collection", Required: true},
			{Name: "pipeline", Required: true, Description: "Aggregation stages (JSON array)"},
		},
	},
}

// Manager runs read operations against MongoDB. One client is connected
// lazily per credential and shared across workers; the driver's client
// is safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	clients map[string]*mongo.Client
	log     *logger.Logger
}

// New creates a mongodb source manager
func New() *Manager {
	return &Manager{
		clients: make(map[string]*mongo.Client),
		log:     logger.New("source-mongodb"),
	}
}

func (m *Manager) Type() string { return "mongodb" }

func (m *Manager) Operations() []base.OperationSpec { return operations }

func (m *Manager) Declares(operation string) bool {
	return base.DeclaresOperation(operations, operation)
}

// Invoke executes one declared MongoDB operation
func (m *Manager) Invoke(ctx context.Context, operation string, params map[string]interface{}, cred *base.Credential) (interface{}, error) {
	client, err := m.client(ctx, cred)
	if err != nil {
		return nil, err
	}

	database, _ := params["database"].(string)
	collection, _ := params["collection"].(string)
	if database == "" || collection == "" {
		return nil, base.Validationf("mongodb.%s requires parameters %q and %q", operation, "database", "collection")
	}
	coll := client.Database(database).Collection(collection)

	filter := bson.M{}
	if raw, ok := params["filter"].(map[string]interface{}); ok {
		filter = bson.M(raw)
	}

	switch operation {
	case "find":
		limit := int64(defaultDocLimit)
		if v, ok := params["limit"].(float64); ok && v > 0 {
			limit = int64(v)
		}
		cursor, err := coll.Find(ctx, filter, options.Find().SetLimit(limit))
		if err != nil {
			return nil, classify(operation, err)
		}
		var docs []bson.M
		if err := cursor.All(ctx, &docs); err != nil {
			return nil, classify(operation, err)
		}
		return map[string]interface{}{"documents": docs, "count": len(docs)}, nil

	case "count":
		count, err := coll.CountDocuments(ctx, filter)
		if err != nil {
			return nil, classify(operation, err)
		}
		return map[string]interface{}{"count": count}, nil

	case "aggregate":
		rawPipeline, ok := params["pipeline"].([]interface{})
		if !ok {
			return nil, base.Validationf("mongodb.aggregate requires parameter %q as a JSON array", "pipeline")
		}
		cursor, err := coll.Aggregate(ctx, rawPipeline)
		if err != nil {
			return nil, classify(operation, err)
		}
		var docs []bson.M
		if err := cursor.All(ctx, &docs); err != nil {
			return nil, classify(operation, err)
		}
		return map[string]interface{}{"documents": docs, "count": len(docs)}, nil

	default:
		return nil, base.Unsupported("mongodb", operation)
	}
}

// TestConnection pings the configured deployment
func (m *Manager) TestConnection(ctx context.Context, cred *base.Credential) error {
	client, err := m.client(ctx, cred)
	if err != nil {
		return err
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return base.Unavailable("mongodb", "test_connection", "failed to ping deployment", err)
	}
	return nil
}

func (m *Manager) client(ctx context.Context, cred *base.Credential) (*mongo.Client, error) {
	if cred == nil || cred.URL == "" {
		return nil, base.Validationf("mongodb credential with url is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if client, ok := m.clients[cred.Name]; ok {
		return client, nil
	}

	opts := options.Client().
		ApplyURI(cred.URL).
		SetConnectTimeout(10 * time.Second).
		SetMaxPoolSize(uint64(cred.IntOption("max_pool_size", 10)))
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, base.Unavailable("mongodb", "connect", "failed to connect", err)
	}

	m.clients[cred.Name] = client
	m.log.Info("", "Connected to MongoDB", map[string]interface{}{"credential": cred.Name})
	return client, nil
}

// Close disconnects all clients. Called on agent shutdown.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for name, client := range m.clients {
		if err := client.Disconnect(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.clients, name)
	}
	return firstErr
}

// classify maps driver errors onto the task error taxonomy
func classify(operation string, err error) *base.TaskError {
	switch {
	case err == context.DeadlineExceeded || err == context.Canceled:
		return base.NewTaskError(base.KindTimeout, "mongodb", operation, "operation timed out", err)
	case mongo.IsTimeout(err):
		return base.NewTaskError(base.KindTimeout, "mongodb", operation, "operation timed out", err)
	case mongo.IsNetworkError(err):
		return base.Unavailable("mongodb", operation, "network error", err)
	default:
		return base.Rejected("mongodb", operation, "server rejected operation", err)
	}
}
