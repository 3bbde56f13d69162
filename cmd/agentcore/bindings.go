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
	agcfg "github.com/roboppi/agentcore/internal/config"
	agerrors "github.com/roboppi/agentcore/pkg/errors"
	"github.com/roboppi/agentcore/internal/roboppi"
	"github.com/roboppi/agentcore/internal/secretref"
	"github.com/roboppi/agentcore/internal/trigger"
	"github.com/roboppi/agentcore/internal/trigger/source"
)

// buildBindings converts the daemon's loaded trigger configs into
// trigger.Binding values, constructing one EventSource per trigger and
// sharing a single WebhookServer across every WEBHOOK-sourced trigger
// (§4.I: "one server backs every webhook-triggered workflow").
func buildBindings(triggers []agcfg.TriggerConfig, webhookAddr string) ([]trigger.Binding, *source.WebhookServer, error) {
	var webhookServer *source.WebhookServer
	bindings := make([]trigger.Binding, 0, len(triggers))

	for _, tc := range triggers {
		src, err := buildSource(tc, webhookAddr, &webhookServer)
		if err != nil {
			return nil, nil, err
		}

		trig := &trigger.Trigger{
			ID:           tc.ID,
			WorkflowPath: tc.WorkflowPath,
			Workspace:    tc.Workspace,
			ContextDir:   tc.ContextDir,
		}

		if tc.Cooldown != "" {
			d, err := roboppi.ParseDuration(tc.Cooldown)
			if err != nil {
				return nil, nil, &agerrors.ConfigError{Key: "triggers." + tc.ID + ".cooldown", Reason: "invalid duration", Cause: err}
			}
			trig.Cooldown = d
		}

		if tc.Gate != nil {
			gate := &trigger.EvaluateGate{
				Kind:         trigger.GateKind(tc.Gate.Kind),
				Instructions: tc.Gate.Instructions,
				Worker:       tc.Gate.Worker,
			}
			if tc.Gate.Timeout != "" {
				d, err := roboppi.ParseDuration(tc.Gate.Timeout)
				if err != nil {
					return nil, nil, &agerrors.ConfigError{Key: "triggers." + tc.ID + ".gate.timeout", Reason: "invalid duration", Cause: err}
				}
				gate.Timeout = d
			}
			trig.Gate = gate
		}

		if tc.Analyzer != nil {
			analyzer := &trigger.ResultAnalyzer{
				Worker:       tc.Analyzer.Worker,
				Instructions: tc.Analyzer.Instructions,
				Outputs:      tc.Analyzer.Outputs,
			}
			if tc.Analyzer.Timeout != "" {
				d, err := roboppi.ParseDuration(tc.Analyzer.Timeout)
				if err != nil {
					return nil, nil, &agerrors.ConfigError{Key: "triggers." + tc.ID + ".analyzer.timeout", Reason: "invalid duration", Cause: err}
				}
				analyzer.Timeout = d
			}
			trig.Analyzer = analyzer
		}

		bindings = append(bindings, trigger.Binding{Trigger: trig, Source: src})
	}

	return bindings, webhookServer, nil
}

func buildSource(tc agcfg.TriggerConfig, webhookAddr string, webhookServer **source.WebhookServer) (source.EventSource, error) {
	switch tc.Source.Kind {
	case agcfg.SourceCron:
		return source.NewCronSource(tc.ID, tc.Source.Schedule)
	case agcfg.SourceInterval:
		period, err := roboppi.ParseDuration(tc.Source.Period)
		if err != nil {
			return nil, &agerrors.ConfigError{Key: "triggers." + tc.ID + ".source.period", Reason: "invalid duration", Cause: err}
		}
		return source.NewIntervalSource(tc.ID, period), nil
	case agcfg.SourceFSWatch:
		return source.NewFSWatchSource(tc.ID, tc.Source.Root, tc.Source.Patterns)
	case agcfg.SourceWebhook:
		if *webhookServer == nil {
			*webhookServer = source.NewWebhookServer(webhookAddr)
		}
		secret, err := secretref.Resolve(tc.Source.Secret)
		if err != nil {
			return nil, &agerrors.ConfigError{Key: "triggers." + tc.ID + ".source.secret", Reason: "resolving webhook secret", Cause: err}
		}
		return source.NewWebhookSourceWithSecret(tc.ID, tc.Source.Path, secret, *webhookServer), nil
	case agcfg.SourceCommand:
		return source.NewCommandSource(tc.ID), nil
	default:
		return nil, &agerrors.ConfigError{Key: "triggers." + tc.ID + ".source.kind", Reason: "unknown source kind: " + string(tc.Source.Kind)}
	}
}
