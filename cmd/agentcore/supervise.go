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
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roboppi/agentcore/internal/log"
	"github.com/roboppi/agentcore/internal/supervisor"
)

// newSuperviseCommand implements the split-process side of §2's data
// flow ("...spawns via the process manager...") and §4.H: it launches
// `agentcore daemon --core-child` as a separate Core subprocess, wires
// its stdio to the IPC protocol, and restarts it on a hang or crash.
// `daemon` run directly stays the in-process mode the spec also allows;
// `supervise` is what gives internal/supervisor and internal/ipc a real
// cmd/ entrypoint instead of shipping as unreached component code.
func newSuperviseCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "supervise",
		Short: "Run the daemon as a supervised Core subprocess with heartbeat health checks",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			logger := log.New(log.FromEnv())

			self, err := os.Executable()
			if err != nil {
				return err
			}

			argv := []string{self, "daemon", "--core-child"}
			if configPath != "" {
				argv = append(argv, "--config", configPath)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			restartCh := make(chan struct{}, 1)
			requestRestart := func() {
				select {
				case restartCh <- struct{}{}:
				default:
				}
			}

			sup := supervisor.New(supervisor.Config{
				Argv:               argv,
				Env:                os.Environ(),
				HeartbeatInterval:  supervisor.DefaultHeartbeatInterval,
				UnhealthyThreshold: supervisor.DefaultUnhealthyThreshold,
				OnCoreHang: func() {
					logger.Warn("supervise: core hung, restarting")
					requestRestart()
				},
				OnCoreCrash: func(err error) {
					logger.Warn("supervise: core crashed, restarting", "error", err)
					requestRestart()
				},
				Logger: logger,
			})

			if _, err := sup.Start(ctx); err != nil {
				return err
			}
			defer sup.Stop()

			logger.Info("supervise starting", "argv", argv)
			return runSuperviseLoop(ctx, sup, restartCh, logger)
		},
	}
	return cmd
}

// runSuperviseLoop blocks restarting Core each time OnCoreHang/OnCoreCrash
// signal on restartCh, until ctx is cancelled. Restart is driven from
// here rather than from inside the callbacks themselves, since Restart
// blocks on a backoff delay and calling it directly from superviseLoop's
// goroutine would stall that same loop's next tick.
func runSuperviseLoop(ctx context.Context, sup *supervisor.Supervisor, restartCh <-chan struct{}, logger *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-restartCh:
			if _, err := sup.Restart(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.Error("supervise: restart failed", "error", err)
			}
		}
	}
}
