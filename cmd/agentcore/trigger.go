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

	"github.com/spf13/cobra"

	"github.com/roboppi/agentcore/internal/config"
	agerrors "github.com/roboppi/agentcore/pkg/errors"
	"github.com/roboppi/agentcore/internal/trigger"
	"github.com/roboppi/agentcore/internal/trigger/source"
)

// newTriggerCommand implements `agentcore trigger <id>` (§6's
// operationally-necessary fourth subcommand, not named in spec.md but
// required to feed source.Command). Unlike a running daemon's merged
// event loop, this one-shot invocation loads the trigger's own binding
// straight from the triggers file and dispatches a single synthesized
// event directly — it does not attach to an already-running daemon
// process, since agentcore has no IPC client for that yet (§9 open
// question, resolved here in favor of the simpler one-shot form).
func newTriggerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "trigger <id>",
		Short: "Manually fire a configured trigger once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			a, err := newApp(configPath)
			if err != nil {
				return err
			}
			if a.audit != nil {
				defer a.audit.Close()
			}

			triggerID := args[0]
			triggers, err := config.LoadTriggers(a.cfg.TriggersFile)
			if err != nil {
				return err
			}

			var tc *config.TriggerConfig
			for i := range triggers {
				if triggers[i].ID == triggerID {
					tc = &triggers[i]
					break
				}
			}
			if tc == nil {
				return &agerrors.NotFoundError{Resource: "trigger", ID: triggerID}
			}

			bindings, webhookServer, err := buildBindings([]config.TriggerConfig{*tc}, a.cfg.Listen.WebhookAddr)
			if err != nil {
				return err
			}
			if webhookServer != nil {
				defer webhookServer.Shutdown(cmd.Context())
			}

			engine := trigger.NewEngine(a.store, a.runner, a.executor, a.logger).WithAudit(a.audit)
			if err := engine.Dispatch(cmd.Context(), bindings[0].Trigger, source.Event{SourceID: triggerID, Payload: map[string]any{}}); err != nil {
				return err
			}

			a.sink.Flush()
			fmt.Fprintf(cmd.OutOrStdout(), "trigger %s dispatched\n", triggerID)
			return nil
		},
	}
}
