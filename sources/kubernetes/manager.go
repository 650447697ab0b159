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

package kubernetes

import (
	"context"
	"fmt"
	"sync"

	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"opsrelay/shared/logger"
	"opsrelay/sources/base"
)

const defaultTailLines = 200

var operations = []base.OperationSpec{
	{
		Name:        "get_pods",
		Description: "List pods with phase and restart counts",
		Parameters: []base.ParameterSpec{
			{Name: "namespace", Required: false, Description: "Namespace (default: all)"},
			{Name: "label_selector", Required: false, Description: "Label selector"},
		},
	},
	{
		Name:        "get_pod_logs",
		Description: "Fetch logs for one pod",
		Parameters: []base.ParameterSpec{
			{Name: "pod", Required: true, Description: "Pod name"},
			{Name: "namespace", Required: false, Description: "Namespace (default: default)"},
			{Name: "container", Required: false, Description: "Container name"},
			{Name: "tail_lines", Required: false, Description: "Number of trailing lines (default 200)"},
		},
	},
	{
		Name:        "get_deployments",
		Description: "List deployments with replica status",
		Parameters: []base.ParameterSpec{
			{Name: "namespace", Required: false, Description: "Namespace (default: all)"},
		},
	},
}

// Manager executes read operations against a Kubernetes cluster. One
// clientset is built lazily per credential and shared across workers.
type Manager struct {
	mu      sync.Mutex
	clients map[string]kubernetes.Interface
	log     *logger.Logger
}

// New creates a kubernetes source manager
func New() *Manager {
	return &Manager{
		clients: make(map[string]kubernetes.Interface),
		log:     logger.New("source-kubernetes"),
	}
}

func (m *Manager) Type() string { return "kubernetes" }

func (m *Manager) Operations() []base.OperationSpec { return operations }

func (m *Manager) Declares(operation string) bool {
	return base.DeclaresOperation(operations, operation)
}

// Invoke executes one declared cluster operation
func (m *Manager) Invoke(ctx context.Context, operation string, params map[string]interface{}, cred *base.Credential) (interface{}, error) {
	client, err := m.client(cred)
	if err != nil {
		return nil, err
	}

	switch operation {
	case "get_pods":
		return m.getPods(ctx, client, params)
	case "get_pod_logs":
		return m.getPodLogs(ctx, client, params)
	case "get_deployments":
		return m.getDeployments(ctx, client, params)
	default:
		return nil, base.Unsupported("kubernetes", operation)
	}
}

// TestConnection verifies the API server is reachable
func (m *Manager) TestConnection(ctx context.Context, cred *base.Credential) error {
	client, err := m.client(cred)
	if err != nil {
		return err
	}
	if _, err := client.CoreV1().Namespaces().List(ctx, metav1.ListOptions{Limit: 1}); err != nil {
		return classify("test_connection", err)
	}
	return nil
}

func (m *Manager) getPods(ctx context.Context, client kubernetes.Interface, params map[string]interface{}) (interface{}, error) {
	namespace, _ := params["namespace"].(string)
	opts := metav1.ListOptions{}
	if selector, ok := params["label_selector"].(string); ok {
		opts.LabelSelector = selector
	}

	pods, err := client.CoreV1().Pods(namespace).List(ctx, opts)
	if err != nil {
		return nil, classify("get_pods", err)
	}

	out := make([]map[string]interface{}, 0, len(pods.Items))
	for _, pod := range pods.Items {
		restarts := int32(0)
		for _, cs := range pod.Status.ContainerStatuses {
			restarts += cs.RestartCount
		}
		out = append(out, map[string]interface{}{
			"name":      pod.Name,
			"namespace": pod.Namespace,
			"phase":     string(pod.Status.Phase),
			"restarts":  restarts,
			"node":      pod.Spec.NodeName,
			"created":   pod.CreationTimestamp.Time,
		})
	}
	return map[string]interface{}{"pods": out, "count": len(out)}, nil
}

func (m *Manager) getPodLogs(ctx context.Context, client kubernetes.Interface, params map[string]interface{}) (interface{}, error) {
	podName, _ := params["pod"].(string)
	if podName == "" {
		return nil, base.Validationf("kubernetes.get_pod_logs requires parameter %q", "pod")
	}
	namespace, _ := params["namespace"].(string)
	if namespace == "" {
		namespace = "default"
	}

	tailLines := int64(defaultTailLines)
	if v, ok := params["tail_lines"].(float64); ok && v > 0 {
		tailLines = int64(v)
	}
	logOpts := &corev1.PodLogOptions{TailLines: &tailLines}
	if container, ok := params["container"].(string); ok && container != "" {
		logOpts.Container = container
	}

	raw, err := client.CoreV1().Pods(namespace).GetLogs(podName, logOpts).Do(ctx).Raw()
	if err != nil {
		return nil, classify("get_pod_logs", err)
	}
	return map[string]interface{}{
		"pod":       podName,
		"namespace": namespace,
		"logs":      string(raw),
	}, nil
}

func (m *Manager) getDeployments(ctx context.Context, client kubernetes.Interface, params map[string]interface{}) (interface{}, error) {
	namespace, _ := params["namespace"].(string)

	deployments, err := client.AppsV1().Deployments(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, classify("get_deployments", err)
	}

	out := make([]map[string]interface{}, 0, len(deployments.Items))
	for _, d := range deployments.Items {
		out = append(out, map[string]interface{}{
			"name":            d.Name,
			"namespace":       d.Namespace,
			"replicas":        d.Status.Replicas,
			"ready_replicas":  d.Status.ReadyReplicas,
			"updated":         d.Status.UpdatedReplicas,
			"available":       d.Status.AvailableReplicas,
			"generation":      d.Generation,
			"observed_gen":    d.Status.ObservedGeneration,
		})
	}
	return map[string]interface{}{"deployments": out, "count": len(out)}, nil
}

// client returns the shared clientset for a credential, building it on
// first use from a kubeconfig path or the in-cluster service account.
func (m *Manager) client(cred *base.Credential) (kubernetes.Interface, error) {
	key := "in-cluster"
	if cred != nil {
		key = cred.Name
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if client, ok := m.clients[key]; ok {
		return client, nil
	}

	var (
		cfg *rest.Config
		err error
	)
	kubeconfig := cred.StringOption("kubeconfig", "")
	if kubeconfig != "" {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	} else {
		cfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, base.Unavailable("kubernetes", "connect", "failed to build client config", err)
	}

	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, base.Unavailable("kubernetes", "connect", "failed to create clientset", err)
	}

	m.clients[key] = client
	m.log.Info("", "Built kubernetes client", map[string]interface{}{"credential": key})
	return client, nil
}

// classify maps API server errors onto the task error taxonomy
func classify(operation string, err error) *base.TaskError {
	switch {
	case k8serrors.IsUnauthorized(err), k8serrors.IsForbidden(err),
		k8serrors.IsNotFound(err), k8serrors.IsBadRequest(err), k8serrors.IsInvalid(err):
		return base.Rejected("kubernetes", operation, fmt.Sprintf("api server rejected request: %v", err), err)
	case k8serrors.IsTimeout(err), k8serrors.IsServerTimeout(err):
		return base.NewTaskError(base.KindTimeout, "kubernetes", operation, "api server timed out", err)
	default:
		return base.Unavailable("kubernetes", operation, fmt.Sprintf("api server unavailable: %v", err), err)
	}
}
