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
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsrelay/sources/base"
)

func testCred(serverURL string) *base.Credential {
	return &base.Credential{Name: "grafana-main", Type: "grafana", URL: serverURL, Token: "test-token"}
}

func TestManagerMetadata(t *testing.T) {
	m := New()
	assert.Equal(t, "grafana", m.Type())
	require.Len(t, m.Operations(), 3)
	assert.True(t, m.Declares("prometheus_datasource_metric_execution"))
	assert.True(t, m.Declares("fetch_dashboards"))
	assert.False(t, m.Declares("delete_dashboard"))
}

func TestInvokeRequiresCredential(t *testing.T) {
	m := New()
	_, err := m.Invoke(context.Background(), "fetch_dashboards", nil, nil)
	require.Error(t, err)
	assert.Equal(t, base.KindValidation, base.KindOf(err))

	_, err = m.Invoke(context.Background(), "fetch_dashboards", nil, &base.Credential{Name: "no-url"})
	require.Error(t, err)
	assert.Equal(t, base.KindValidation, base.KindOf(err))
}

func TestInvokeUnsupportedOperation(t *testing.T) {
	m := New()
	_, err := m.Invoke(context.Background(), "delete_dashboard", nil, testCred("http://grafana.local"))
	require.Error(t, err)
	assert.Equal(t, base.KindUnsupportedOperation, base.KindOf(err))
}

func TestQueryRangeHitsDatasourceProxy(t *testing.T) {
	var gotPath, gotAuth string
	var gotQuery url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query()
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "success",
			"data":   map[string]interface{}{"resultType": "matrix", "result": []interface{}{}},
		})
	}))
	defer server.Close()

	m := New()
	out, err := m.Invoke(context.Background(), "prometheus_datasource_metric_execution", map[string]interface{}{
		"datasource_uid":    "ds-1",
		"promql_expression": "up",
		"start":             float64(100),
		"end":               float64(200),
		"step":              float64(30),
	}, testCred(server.URL))
	require.NoError(t, err)

	assert.Equal(t, "/api/datasources/proxy/uid/ds-1/api/v1/query_range", gotPath)
	assert.Equal(t, "Bearer test-token", gotAuth)
	assert.Equal(t, "up", gotQuery.Get("query"))
	assert.Equal(t, "100", gotQuery.Get("start"))
	assert.Equal(t, "200", gotQuery.Get("end"))
	assert.Equal(t, "30", gotQuery.Get("step"))

	res, ok := out.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "success", res["status"])
}

func TestFetchDashboardsPassesSearchTerm(t *testing.T) {
	var gotQuery url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		_ = json.NewEncoder(w).Encode([]map[string]interface{}{
			{"uid": "d1", "title": "Payments"},
		})
	}))
	defer server.Close()

	m := New()
	out, err := m.Invoke(context.Background(), "fetch_dashboards", map[string]interface{}{
		"query": "payments",
	}, testCred(server.URL))
	require.NoError(t, err)

	assert.Equal(t, "dash-db", gotQuery.Get("type"))
	assert.Equal(t, "payments", gotQuery.Get("query"))

	res := out.(map[string]interface{})
	dashboards, ok := res["dashboards"].([]map[string]interface{})
	require.True(t, ok)
	require.Len(t, dashboards, 1)
	assert.Equal(t, "Payments", dashboards[0]["title"])
}

func TestQueryDashboardPanelRunsPanelTargets(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/dashboards/uid/d1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"dashboard": map[string]interface{}{
				"title": "API Overview",
				"panels": []map[string]interface{}{
					{"id": 1, "title": "Errors", "targets": []map[string]interface{}{{"expr": "errors_total"}}},
					{"id": 2, "title": "Latency", "targets": []map[string]interface{}{{"expr": "rate(latency[5m])"}}},
				},
			},
		})
	})
	var queries []string
	mux.HandleFunc("/api/datasources/proxy/uid/ds-1/api/v1/query_range", func(w http.ResponseWriter, r *http.Request) {
		queries = append(queries, r.URL.Query().Get("query"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"status": "success"})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	m := New()
	out, err := m.Invoke(context.Background(), "query_dashboard_panel_metric", map[string]interface{}{
		"dashboard_uid":  "d1",
		"panel_id":       float64(2),
		"datasource_uid": "ds-1",
	}, testCred(server.URL))
	require.NoError(t, err)

	// Only the matching panel's target runs
	require.Equal(t, []string{"rate(latency[5m])"}, queries)

	res := out.(map[string]interface{})
	assert.Equal(t, "API Overview", res["dashboard"])
	assert.Equal(t, "Latency", res["panel"])
	assert.Len(t, res["queries"], 1)
}

func TestQueryDashboardPanelNotFoundIsRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"dashboard": map[string]interface{}{"title": "Empty", "panels": []map[string]interface{}{}},
		})
	}))
	defer server.Close()

	m := New()
	_, err := m.Invoke(context.Background(), "query_dashboard_panel_metric", map[string]interface{}{
		"dashboard_uid":  "d1",
		"panel_id":       float64(9),
		"datasource_uid": "ds-1",
	}, testCred(server.URL))
	require.Error(t, err)
	assert.Equal(t, base.KindUpstreamRejected, base.KindOf(err))
	assert.Contains(t, err.Error(), "panel 9 not found")
}

func TestClientErrorIsRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer server.Close()

	m := New()
	_, err := m.Invoke(context.Background(), "fetch_dashboards", nil, testCred(server.URL))
	require.Error(t, err)
	assert.Equal(t, base.KindUpstreamRejected, base.KindOf(err))
	assert.Contains(t, err.Error(), "403")
}

func TestServerErrorIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer server.Close()

	m := New()
	_, err := m.Invoke(context.Background(), "fetch_dashboards", nil, testCred(server.URL))
	require.Error(t, err)
	assert.Equal(t, base.KindUpstreamUnavailable, base.KindOf(err))
}

func TestBasicAuthWhenNoToken(t *testing.T) {
	var gotUser, gotPass string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, _ = r.BasicAuth()
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"database": "ok"})
	}))
	defer server.Close()

	m := New()
	cred := &base.Credential{Name: "grafana-basic", Type: "grafana", URL: server.URL, Username: "viewer", Password: "secret"}
	require.NoError(t, m.TestConnection(context.Background(), cred))
	assert.Equal(t, "viewer", gotUser)
	assert.Equal(t, "secret", gotPass)
}

func TestTestConnectionHitsHealth(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"database": "ok"})
	}))
	defer server.Close()

	m := New()
	require.NoError(t, m.TestConnection(context.Background(), testCred(server.URL)))
	assert.Equal(t, "/api/health", gotPath)
}

func TestTimeRangeDefaultsAndOverrides(t *testing.T) {
	start, end, step := timeRange(nil)
	assert.Equal(t, int64(3600), end-start)
	assert.Equal(t, int64(60), step)

	start, end, step = timeRange(map[string]interface{}{
		"start": "100",
		"end":   float64(200),
		"step":  json.Number("30"),
	})
	assert.Equal(t, int64(100), start)
	assert.Equal(t, int64(200), end)
	assert.Equal(t, int64(30), step)

	// Non-positive step keeps the default
	_, _, step = timeRange(map[string]interface{}{"step": float64(0)})
	assert.Equal(t, int64(60), step)
}
