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

package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"opsrelay/task"
)

// handleInvokeTool builds a task from the call arguments, submits it into
// the worker pool without queuing (a full queue surfaces Overloaded
// immediately), and blocks until the result or the call deadline.
func (s *Server) handleInvokeTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sourceType, err := request.RequireString("source_type")
	if err != nil {
		return mcp.NewToolResultError("source_type argument is required"), nil
	}
	operation, err := request.RequireString("operation")
	if err != nil {
		return mcp.NewToolResultError("operation argument is required"), nil
	}

	args := request.GetArguments()

	params := map[string]interface{}{}
	if raw, ok := args["parameters"]; ok && raw != nil {
		if m, ok := raw.(map[string]interface{}); ok {
			params = m
		} else {
			return mcp.NewToolResultError("parameters must be a JSON object"), nil
		}
	}

	timeout := DefaultInvokeTimeout
	if raw, ok := args["timeout_seconds"]; ok && raw != nil {
		if secs, ok := raw.(float64); ok && secs > 0 {
			timeout = time.Duration(secs * float64(time.Second))
		}
	}

	t := task.New(sourceType, operation, params, timeout)
	if ref, ok := args["credential_ref"].(string); ok {
		t.CredentialRef = ref
	}

	resCh, err := s.pool.TrySubmit(t)
	if err != nil {
		s.log.Warn(t.ID, "Direct submission rejected", map[string]interface{}{
			"source_type": sourceType,
			"error":       err.Error(),
		})
		return mcp.NewToolResultError(fmt.Sprintf("Agent overloaded: %v", err)), nil
	}

	select {
	case res := <-resCh:
		return s.formatResult(res)
	case <-time.After(time.Until(t.Deadline)):
		// The engine abandons the attempt at the same deadline; the
		// queued result is discarded with the channel
		return mcp.NewToolResultError(fmt.Sprintf("Timed out after %s waiting for task %s", timeout, t.ID)), nil
	case <-ctx.Done():
		return mcp.NewToolResultError("Call cancelled"), nil
	}
}

func (s *Server) formatResult(res task.Result) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to format result: %v", err)), nil
	}
	if res.Status == task.StatusError {
		return mcp.NewToolResultError(string(data)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// handleListSources returns the registered source inventory as JSON
func (s *Server) handleListSources(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(s.reg.Inventory(), "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to format sources: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// handleTestConnection runs the connection test for one source type
func (s *Server) handleTestConnection(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sourceType, err := request.RequireString("source_type")
	if err != nil {
		return mcp.NewToolResultError("source_type argument is required"), nil
	}

	if err := s.reg.TestConnection(ctx, sourceType); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Connection test failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(`{"source_type":%q,"connection":"ok"}`, sourceType)), nil
}
