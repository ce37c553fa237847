package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-dispatch/pkg/config"
)

const telemetryShutdownTimeout = 5 * time.Second

// orderOutput is the result of the order command.
type orderOutput struct {
	Providers []providerOutput `json:"providers"`
}

type providerOutput struct {
	Name      string   `json:"name"`
	DependsOn []string `json:"dependsOn,omitempty"`
	Handlers  []string `json:"handlers,omitempty"`
}

func newOrderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "order",
		Short: "Print providers in dependency order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, m, logger, err := loadManifest(cmd)
			if err != nil {
				return err
			}
			sim, err := newSimulator(cmd.Context(), m, nil, logger)
			if err != nil {
				return err
			}

			out := orderOutput{}
			for _, name := range sim.Registry().Names() {
				out.Providers = append(out.Providers, describeProvider(m, name))
			}
			return writeJSON(cmd, out)
		},
	}
}

func describeProvider(m *config.Manifest, name string) providerOutput {
	out := providerOutput{Name: name}
	for _, p := range m.Providers {
		if p.Name != name {
			continue
		}
		out.DependsOn = p.DependsOn
		for _, h := range p.Handlers {
			out.Handlers = append(out.Handlers, h.Name)
		}
	}
	return out
}

func newExplainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "explain",
		Short: "Resolve the pipeline for a context without running it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, m, logger, err := loadManifest(cmd)
			if err != nil {
				return err
			}
			req, err := parseSimulationRequest(cmd)
			if err != nil {
				return err
			}
			sim, err := newSimulator(cmd.Context(), m, nil, logger)
			if err != nil {
				return err
			}

			resp, err := sim.Explain(cmd.Context(), req)
			if err != nil {
				return err
			}
			return writeJSON(cmd, resp)
		},
	}
	contextFlags(cmd)
	return cmd
}

func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a context through the pipeline and print the hop trace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, m, logger, err := loadManifest(cmd)
			if err != nil {
				return err
			}
			req, err := parseSimulationRequest(cmd)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			shutdown, err := setupTelemetry(ctx, m)
			if err != nil {
				return fmt.Errorf("telemetry initialization failed: %w", err)
			}
			defer shutdownTelemetry(shutdown, logger)

			sim, err := newSimulator(ctx, m, hopTrackers(m, logger), logger)
			if err != nil {
				return err
			}

			logger.Debug("simulating context", slog.Any("keys", sortedKeys(req.Context)))
			resp, err := sim.Simulate(ctx, req)
			if err != nil {
				return err
			}
			if err := writeJSON(cmd, resp); err != nil {
				return err
			}
			if resp.Error != "" {
				return fmt.Errorf("pipeline failed: %s", resp.Error)
			}
			return nil
		},
	}
	contextFlags(cmd)
	return cmd
}

func shutdownTelemetry(shutdown func(context.Context) error, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.Warn("telemetry shutdown failed", slog.Any("error", err))
	}
}
