// Copyright 2025 Tom Barlow
//
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

	"github.com/roboppi/agentcore/internal/workflow"
)

// newRunCommand implements `agentcore run <workflow>` (§6), modeled on
// the teacher's commands/run.NewCommand local-execution path
// (run/executor_local.go) trimmed to agentcore's scope: no provider/
// profile/daemon-submission flags, since agentcore has neither an LLM
// provider catalog nor a remote-workflow fetcher.
func newRunCommand() *cobra.Command {
	var (
		workspace  string
		contextDir string
	)

	cmd := &cobra.Command{
		Use:   "run <workflow>",
		Short: "Execute a workflow to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			a, err := newApp(configPath)
			if err != nil {
				return err
			}

			ws := workspace
			if ws == "" {
				ws = a.cfg.WorkspaceDir
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			def, err := workflow.ParseDefinition(data)
			if err != nil {
				return err
			}
			if err := def.Validate(); err != nil {
				return err
			}

			run, err := a.executor.Execute(cmd.Context(), def, ws, contextDir, a.sink)
			if err != nil {
				return err
			}
			a.sink.Flush()

			fmt.Fprintf(cmd.OutOrStdout(), "workflow %s: %s\n", def.Name, run.Status)
			if code := exitCodeForWorkflow(run.Status); code != 0 {
				os.Exit(code)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "workspace directory for step execution")
	cmd.Flags().StringVar(&contextDir, "context-dir", "", "directory for per-step resolved context and management hook artifacts")
	return cmd
}
