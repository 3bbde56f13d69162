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

// Command agentcore is the daemon/CLI entrypoint. Structured on the
// teacher's cmd/conductor (cobra root + subcommand packages) and
// cmd/conductord (signal handling, graceful shutdown), collapsed into
// one binary since agentcore's daemon is just another subcommand.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "agentcore",
		Short:         "agentcore orchestrates YAML-defined agent workflows",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, buildDate),
	}
	cmd.PersistentFlags().String("config", "", "path to agentcore config file")

	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newDaemonCommand())
	cmd.AddCommand(newTriggerCommand())
	cmd.AddCommand(newPRCommand())
	cmd.AddCommand(newSuperviseCommand())
	return cmd
}
