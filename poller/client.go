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
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"context"

	"opsrelay/shared/logger"
	"opsrelay/sources/base"
	"opsrelay/sources/registry"
	"opsrelay/task"
)

// Client talks to the control plane over egress-only authenticated HTTPS.
// Every call carries the agent's bearer credential; the payload schema is
// owned by the control plane.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        *logger.Logger
}

// NewClient creates a control-plane client
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		log:        logger.New("control-plane-client"),
	}
}

type fetchTasksResponse struct {
	Tasks []*task.Task `json:"tasks"`
}

// FetchPendingTasks retrieves the next batch of pending tasks
func (c *Client) FetchPendingTasks(ctx context.Context) ([]*task.Task, error) {
	var out fetchTasksResponse
	if err := c.do(ctx, http.MethodPost, "/connectors/proxy/tasks/fetch", map[string]interface{}{}, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// ReportResult pushes one task result back to the control plane
func (c *Client) ReportResult(ctx context.Context, res task.Result) error {
	body := map[string]interface{}{
		"results": []task.Result{res},
	}
	return c.do(ctx, http.MethodPost, "/connectors/proxy/tasks/results", body, nil)
}

// Ping establishes reachability with the control plane
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/connectors/proxy/ping", nil, nil)
}

// RegisterSources reports the locally configured source inventory so the
// control plane only offers tasks this agent can execute.
func (c *Client) RegisterSources(ctx context.Context, inventory []registry.SourceInfo) error {
	body := map[string]interface{}{
		"sources": inventory,
	}
	return c.do(ctx, http.MethodPost, "/connectors/proxy/register", body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return base.Unavailable("control_plane", path, "request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return base.Rejected("control_plane", path,
			fmt.Sprintf("control plane returned %d: %s", resp.StatusCode, string(data)), nil)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return base.Unavailable("control_plane", path,
			fmt.Sprintf("control plane returned %d", resp.StatusCode), nil)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return base.Unavailable("control_plane", path, "failed to decode response", err)
		}
	}
	return nil
}
