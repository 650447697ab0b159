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

package grafana

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"opsrelay/shared/logger"
	"opsrelay/sources/base"
)

var operations = []base.OperationSpec{
	{
		Name:        "prometheus_datasource_metric_execution",
		Description: "Query a Prometheus data source from Grafana",
		Parameters: []base.ParameterSpec{
			{Name: "datasource_uid", Required: true, Description: "Data source UID"},
			{Name: "promql_expression", Required: true, Description: "Query expression"},
			{Name: "start", Required: false, Description: "Range start, epoch seconds (default: 1h ago)"},
			{Name: "end", Required: false, Description: "Range end, epoch seconds (default: now)"},
			{Name: "step", Required: false, Description: "Step size in seconds (default: 60)"},
		},
	},
	{
		Name:        "query_dashboard_panel_metric",
		Description: "Run the queries of one dashboard panel",
		Parameters: []base.ParameterSpec{
			{Name: "dashboard_uid", Required: true, Description: "Dashboard UID"},
			{Name: "panel_id", Required: true, Description: "Panel ID"},
			{Name: "datasource_uid", Required: true, Description: "Data source UID for the panel queries"},
			{Name: "start", Required: false},
			{Name: "end", Required: false},
			{Name: "step", Required: false},
		},
	},
	{
		Name:        "fetch_dashboards",
		Description: "Search dashboards",
		Parameters: []base.ParameterSpec{
			{Name: "query", Required: false, Description: "Search term"},
		},
	},
}

// Manager queries the Grafana HTTP API. Credentials carry the base URL
// and an API token; a shared http.Client is safe for concurrent workers.
type Manager struct {
	httpClient *http.Client
	log        *logger.Logger
}

// New creates a grafana source manager
func New() *Manager {
	return &Manager{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        logger.New("source-grafana"),
	}
}

func (m *Manager) Type() string { return "grafana" }

func (m *Manager) Operations() []base.OperationSpec { return operations }

func (m *Manager) Declares(operation string) bool {
	return base.DeclaresOperation(operations, operation)
}

// Invoke executes one declared Grafana operation
func (m *Manager) Invoke(ctx context.Context, operation string, params map[string]interface{}, cred *base.Credential) (interface{}, error) {
	if cred == nil || cred.URL == "" {
		return nil, base.Validationf("grafana credential with url is required")
	}

	switch operation {
	case "prometheus_datasource_metric_execution":
		return m.queryRange(ctx, cred, params)
	case "query_dashboard_panel_metric":
		return m.queryDashboardPanel(ctx, cred, params)
	case "fetch_dashboards":
		return m.fetchDashboards(ctx, cred, params)
	default:
		return nil, base.Unsupported("grafana", operation)
	}
}

// TestConnection checks the Grafana health endpoint
func (m *Manager) TestConnection(ctx context.Context, cred *base.Credential) error {
	if cred == nil || cred.URL == "" {
		return base.Validationf("grafana credential with url is required")
	}
	var out map[string]interface{}
	return m.get(ctx, cred, "/api/health", nil, &out)
}

func (m *Manager) queryRange(ctx context.Context, cred *base.Credential, params map[string]interface{}) (interface{}, error) {
	dsUID, _ := params["datasource_uid"].(string)
	expr, _ := params["promql_expression"].(string)
	start, end, step := timeRange(params)

	query := url.Values{}
	query.Set("query", expr)
	query.Set("start", strconv.FormatInt(start, 10))
	query.Set("end", strconv.FormatInt(end, 10))
	query.Set("step", strconv.FormatInt(step, 10))

	path := fmt.Sprintf("/api/datasources/proxy/uid/%s/api/v1/query_range", url.PathEscape(dsUID))
	var out map[string]interface{}
	if err := m.get(ctx, cred, path, query, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Manager) queryDashboardPanel(ctx context.Context, cred *base.Credential, params map[string]interface{}) (interface{}, error) {
	dashboardUID, _ := params["dashboard_uid"].(string)
	panelID := fmt.Sprintf("%v", params["panel_id"])

	var dashboard struct {
		Dashboard struct {
			Title  string `json:"title"`
			Panels []struct {
				ID      json.Number `json:"id"`
				Title   string      `json:"title"`
				Targets []struct {
					Expr string `json:"expr"`
				} `json:"targets"`
			} `json:"panels"`
		} `json:"dashboard"`
	}
	path := "/api/dashboards/uid/" + url.PathEscape(dashboardUID)
	if err := m.get(ctx, cred, path, nil, &dashboard); err != nil {
		return nil, err
	}

	for _, panel := range dashboard.Dashboard.Panels {
		if panel.ID.String() != panelID {
			continue
		}
		results := make([]interface{}, 0, len(panel.Targets))
		for _, target := range panel.Targets {
			if target.Expr == "" {
				continue
			}
			queryParams := map[string]interface{}{
				"datasource_uid":    params["datasource_uid"],
				"promql_expression": target.Expr,
				"start":             params["start"],
				"end":               params["end"],
				"step":              params["step"],
			}
			res, err := m.queryRange(ctx, cred, queryParams)
			if err != nil {
				return nil, err
			}
			results = append(results, map[string]interface{}{
				"expression": target.Expr,
				"result":     res,
			})
		}
		return map[string]interface{}{
			"dashboard": dashboard.Dashboard.Title,
			"panel":     panel.Title,
			"queries":   results,
		}, nil
	}

	return nil, base.Rejected("grafana", "query_dashboard_panel_metric",
		fmt.Sprintf("panel %s not found in dashboard %s", panelID, dashboardUID), nil)
}

func (m *Manager) fetchDashboards(ctx context.Context, cred *base.Credential, params map[string]interface{}) (interface{}, error) {
	query := url.Values{}
	query.Set("type", "dash-db")
	if term, ok := params["query"].(string); ok && term != "" {
		query.Set("query", term)
	}
	var out []map[string]interface{}
	if err := m.get(ctx, cred, "/api/search", query, &out); err != nil {
		return nil, err
	}
	return map[string]interface{}{"dashboards": out}, nil
}

func (m *Manager) get(ctx context.Context, cred *base.Credential, path string, query url.Values, out interface{}) error {
	endpoint := strings.TrimRight(cred.URL, "/") + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return base.Rejected("grafana", path, "failed to build request", err)
	}
	if cred.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cred.Token)
	} else if cred.Username != "" {
		req.SetBasicAuth(cred.Username, cred.Password)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return base.Unavailable("grafana", path, "request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return base.Rejected("grafana", path,
			fmt.Sprintf("grafana returned %d: %s", resp.StatusCode, string(data)), nil)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return base.Unavailable("grafana", path,
			fmt.Sprintf("grafana returned %d", resp.StatusCode), nil)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return base.Rejected("grafana", path, "failed to decode response", err)
		}
	}
	return nil
}

// timeRange resolves start/end/step parameters with a default 1h window
func timeRange(params map[string]interface{}) (start, end, step int64) {
	now := time.Now().Unix()
	start = now - 3600
	end = now
	step = 60
	if v, ok := asInt64(params["start"]); ok {
		start = v
	}
	if v, ok := asInt64(params["end"]); ok {
		end = v
	}
	if v, ok := asInt64(params["step"]); ok && v > 0 {
		step = v
	}
	return start, end, step
}

func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	}
	return 0, false
}
