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
)

// newPRCommand implements the `agentcore pr` stub (§1 Non-goals: PR
// creation/review is an external collaborator, not core's job).
func newPRCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pr",
		Short: "pr: not implemented in core",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), "pr: not implemented in core")
			os.Exit(1)
			return nil
		},
	}
}
