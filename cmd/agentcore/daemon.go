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
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roboppi/agentcore/internal/config"
	agerrors "github.com/roboppi/agentcore/pkg/errors"
	"github.com/roboppi/agentcore/internal/ipc"
	"github.com/roboppi/agentcore/internal/trigger"
)

// newDaemonCommand implements `agentcore daemon` (§6), modeled on
// cmd/conductord's signal-handling/graceful-shutdown loop, generalized
// from conductord's IPC-driven job queue to agentcore's merged trigger
// event loop. --core-child is not meant to be passed by hand — it's how
// `agentcore supervise` launches a supervised instance of this same
// command with its stdio wired as the IPC Core side (§4.G/§4.H).
func newDaemonCommand() *cobra.Command {
	var coreChild bool
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the trigger/daemon engine, dispatching workflows on matching events",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			a, err := newApp(configPath)
			if err != nil {
				return err
			}
			if a.audit != nil {
				defer a.audit.Close()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if coreChild {
				var protoRef atomic.Pointer[ipc.Protocol]
				proto := ipc.NewCore(os.Stdin, os.Stdout, ipc.WithHandler(func(msg ipc.InboundMessage) {
					if msg.Type != ipc.HeartbeatIn {
						return
					}
					if p := protoRef.Load(); p != nil {
						if err := p.Reply(msg.RequestID, ipc.HeartbeatAck, nil); err != nil {
							a.logger.Warn("core-child: heartbeat reply failed", "error", err)
						}
					}
				}), ipc.WithLogger(a.logger))
				protoRef.Store(proto)
				defer proto.Stop()
			}

			triggers, err := config.LoadTriggers(a.cfg.TriggersFile)
			if err != nil {
				return err
			}

			bindings, webhookServer, err := buildBindings(triggers, a.cfg.Listen.WebhookAddr)
			if err != nil {
				return err
			}

			if webhookServer != nil {
				go func() {
					if err := webhookServer.ListenAndServe(); err != nil {
						a.logger.Warn("webhook server exited", "error", err)
					}
				}()
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = webhookServer.Shutdown(shutdownCtx)
				}()
			}

			startMetricsServer(ctx, a.cfg.Listen.MetricsAddr, a.logger)

			defer a.queue.Close()
			go pollQueueDepth(ctx, a.queue, a.backpressure)

			engine := trigger.NewEngine(a.store, a.runner, a.executor, a.logger).WithAudit(a.audit)

			a.logger.Info("daemon starting", "triggers", len(bindings))
			if err := engine.Run(ctx, bindings); err != nil && !agerrors.Is(err, context.Canceled) {
				return err
			}

			a.sink.Flush()
			return a.sink.Close()
		},
	}
	cmd.Flags().BoolVar(&coreChild, "core-child", false, "")
	_ = cmd.Flags().MarkHidden("core-child")
	return cmd
}
