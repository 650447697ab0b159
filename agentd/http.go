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

package agentd

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"opsrelay/shared/logger"
	"opsrelay/sources/registry"
)

// startOpsServer serves /health and /metrics on the local address. It
// is informational only and never receives task traffic.
func startOpsServer(addr string, reg *registry.Registry, version string, log *logger.Logger) *http.Server {
	router := mux.NewRouter()
	router.HandleFunc("/health", healthHandler(reg, version)).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
	}).Handler(router)

	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.ErrorWithErr("", "Ops HTTP server failed", err, map[string]interface{}{
				"addr": addr,
			})
		}
	}()

	return server
}

func healthHandler(reg *registry.Registry, version string) http.HandlerFunc {
	started := time.Now()
	return func(w http.ResponseWriter, r *http.Request) {
		hostName, err := os.Hostname()
		if err != nil {
			hostName = "unknown"
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		sources := make([]map[string]interface{}, 0, reg.Count())
		for sourceType, checkErr := range reg.TestConnections(ctx) {
			status := "ok"
			if checkErr != nil {
				status = "error"
			}
			sources = append(sources, map[string]interface{}{
				"source_type": sourceType,
				"status":      status,
			})
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":         "healthy",
			"version":        version,
			"hostname":       hostName,
			"uptime_seconds": int64(time.Since(started).Seconds()),
			"sources":        sources,
		})
	}
}
