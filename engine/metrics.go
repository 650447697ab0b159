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
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics
var (
	promTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsrelay_agent_tasks_total",
			Help: "Total number of tasks executed by the agent",
		},
		[]string{"source_type", "state"},
	)
	promTaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "opsrelay_agent_task_duration_seconds",
			Help:    "Task execution duration in seconds, including retries",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"source_type"},
	)
	promTaskRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsrelay_agent_task_retries_total",
			Help: "Total number of retried task attempts",
		},
		[]string{"source_type"},
	)
	promTasksInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "opsrelay_agent_tasks_in_flight",
			Help: "Number of tasks currently executing",
		},
		[]string{"source_type"},
	)
	promQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "opsrelay_agent_queue_depth",
			Help: "Number of tasks waiting in the worker pool queue",
		},
	)
	promOverloadRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "opsrelay_agent_overload_rejections_total",
			Help: "Direct submissions rejected because the queue was full",
		},
	)
)

func init() {
	prometheus.MustRegister(promTasksTotal)
	prometheus.MustRegister(promTaskDuration)
	prometheus.MustRegister(promTaskRetries)
	prometheus.MustRegister(promTasksInFlight)
	prometheus.MustRegister(promQueueDepth)
	prometheus.MustRegister(promOverloadRejections)
}
