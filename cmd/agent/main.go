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

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"opsrelay/agentd"
	"opsrelay/config"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "agent",
		Short: "Task execution agent for operational data sources",
		Long: `Runs inside your network and executes read-mostly operational tasks
against configured sources (grafana, kubernetes, sql, mongodb, redis, bash).

In vpc mode the agent polls a control plane over egress-only HTTPS for
pending tasks and reports results back. In mcp mode it exposes the same
operations as MCP tools over stdio for AI assistants.`,
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var configPath string
	var mode string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if mode != "" {
				cfg.Mode = mode
			}
			return agentd.Run(cfg, version)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	cmd.Flags().StringVar(&mode, "mode", "", "Agent mode: vpc or mcp (overrides config)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}
