// Package main is the entry point for the pipelines binary.
// It loads a pipeline manifest and orders, explains, simulates or serves the
// handler pipelines it declares.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/polisai/polis-dispatch/pkg/config"
	"github.com/polisai/polis-dispatch/pkg/domain"
	"github.com/polisai/polis-dispatch/pkg/engine"
	"github.com/polisai/polis-dispatch/pkg/engine/runtime"
	"github.com/polisai/polis-dispatch/pkg/logging"
	"github.com/polisai/polis-dispatch/pkg/simulator"
	"github.com/polisai/polis-dispatch/pkg/telemetry"
)

const (
	defaultManifestPath = "pipelines.yaml"
	defaultServiceName  = "pipelines"
)

// CLIConfig holds the parsed persistent flags.
type CLIConfig struct {
	Manifest string
	LogLevel string
	Pretty   bool
}

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for pipelines
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pipelines",
		Short: "Handler pipeline dispatcher",
		Long: `Loads a manifest of handler providers and dispatches contexts through the
filter-selected chain of handlers it declares.

Example:
  pipelines order -m pipelines.yaml
  pipelines simulate -m pipelines.yaml --set method=GET --set id=42`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("manifest", "m", defaultManifestPath, "Path to the pipeline manifest (YAML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level (debug, info, warn, error); overrides the manifest")
	rootCmd.PersistentFlags().Bool("pretty", false, "Enable pretty console logging")

	rootCmd.AddCommand(newOrderCmd(), newExplainCmd(), newSimulateCmd(), newServeCmd())
	return rootCmd
}

// parseCLIConfig reads the persistent flags of cmd.
func parseCLIConfig(cmd *cobra.Command) (*CLIConfig, error) {
	manifest, err := cmd.Flags().GetString("manifest")
	if err != nil {
		return nil, fmt.Errorf("failed to get manifest flag: %w", err)
	}
	logLevel, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, fmt.Errorf("failed to get log-level flag: %w", err)
	}
	pretty, err := cmd.Flags().GetBool("pretty")
	if err != nil {
		return nil, fmt.Errorf("failed to get pretty flag: %w", err)
	}
	return &CLIConfig{Manifest: manifest, LogLevel: logLevel, Pretty: pretty}, nil
}

// newLogger builds the process logger from the manifest, letting flags win.
func newLogger(cli *CLIConfig, m *config.Manifest) *slog.Logger {
	level := m.Logging.Level
	if cli.LogLevel != "" {
		level = cli.LogLevel
	}
	logger := logging.NewLogger(logging.Config{
		Level:  level,
		Pretty: cli.Pretty || m.Logging.Pretty,
	})
	slog.SetDefault(logger)
	return logger
}

// loadManifest parses the persistent flags and loads the manifest they name.
func loadManifest(cmd *cobra.Command) (*CLIConfig, *config.Manifest, *slog.Logger, error) {
	cli, err := parseCLIConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	m, err := config.Load(cli.Manifest)
	if err != nil {
		return nil, nil, nil, err
	}
	return cli, m, newLogger(cli, m), nil
}

// hopTrackers assembles the trackers the manifest asks for. Spans are only
// tracked when an OTLP endpoint is configured; extra trackers are appended.
func hopTrackers(m *config.Manifest, logger *slog.Logger, extra ...runtime.Tracker) runtime.Tracker {
	var trackers runtime.MultiTracker
	if m.Telemetry.OTLPEndpoint != "" {
		redaction := m.Telemetry.Redaction
		trackers = append(trackers, telemetry.NewSpanTracker(telemetry.SpanTrackerConfig{Redaction: &redaction}))
	}
	if m.Telemetry.LogHops {
		trackers = append(trackers, telemetry.NewLogTracker(logger, slog.LevelDebug))
	}
	trackers = append(trackers, extra...)
	return trackers
}

// setupTelemetry installs the OTLP trace exporter when the manifest
// configures one.
func setupTelemetry(ctx context.Context, m *config.Manifest) (func(context.Context) error, error) {
	serviceName := m.Telemetry.ServiceName
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	return telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: serviceName,
		Endpoint:    m.Telemetry.OTLPEndpoint,
		Insecure:    m.Telemetry.Insecure,
		SampleRatio: m.Telemetry.SampleRatio,
	})
}

// newSimulator compiles the manifest into a registry and wraps it in a
// simulator sharing one pipeline manager across runs.
func newSimulator(ctx context.Context, m *config.Manifest, tracker runtime.Tracker, logger *slog.Logger) (*simulator.Simulator, error) {
	providers, err := m.BuildProviders(ctx)
	if err != nil {
		return nil, err
	}
	registry, err := engine.NewRegistry(providers...)
	if err != nil {
		return nil, err
	}
	return simulator.New(simulator.Config{
		Registry:   registry,
		Completion: m.CompletionFunc(),
		Tracker:    tracker,
		Logger:     logger,
	}), nil
}

// contextFlags registers the flags describing the context to dispatch.
func contextFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("context", "c", "", "Context as a JSON object")
	cmd.Flags().String("context-file", "", "Path to a JSON file holding the context object")
	cmd.Flags().StringArray("set", nil, "Context entry as key=value (repeatable; JSON values are decoded)")
	cmd.Flags().String("run-id", "", "Run identifier reported in the output")
}

// parseSimulationRequest builds the request from the context flags. Later
// sources win: --context-file, then --context, then each --set in order.
func parseSimulationRequest(cmd *cobra.Command) (domain.SimulationRequest, error) {
	req := domain.SimulationRequest{Context: map[string]any{}}

	runID, err := cmd.Flags().GetString("run-id")
	if err != nil {
		return req, fmt.Errorf("failed to get run-id flag: %w", err)
	}
	req.RunID = runID

	file, err := cmd.Flags().GetString("context-file")
	if err != nil {
		return req, fmt.Errorf("failed to get context-file flag: %w", err)
	}
	if file != "" {
		// #nosec G304 -- path is from command-line flag
		data, err := os.ReadFile(file)
		if err != nil {
			return req, fmt.Errorf("failed to read context file: %w", err)
		}
		if err := mergeJSONObject(req.Context, data); err != nil {
			return req, fmt.Errorf("failed to parse context file: %w", err)
		}
	}

	inline, err := cmd.Flags().GetString("context")
	if err != nil {
		return req, fmt.Errorf("failed to get context flag: %w", err)
	}
	if inline != "" {
		if err := mergeJSONObject(req.Context, []byte(inline)); err != nil {
			return req, fmt.Errorf("failed to parse context: %w", err)
		}
	}

	sets, err := cmd.Flags().GetStringArray("set")
	if err != nil {
		return req, fmt.Errorf("failed to get set flag: %w", err)
	}
	for _, entry := range sets {
		key, value, err := parseSet(entry)
		if err != nil {
			return req, err
		}
		req.Context[key] = value
	}
	return req, nil
}

func mergeJSONObject(dst map[string]any, data []byte) error {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	for k, v := range obj {
		dst[k] = v
	}
	return nil
}

// parseSet splits key=value. Values that parse as JSON (numbers, booleans,
// null, quoted strings, objects) are decoded; anything else stays a string.
func parseSet(entry string) (string, any, error) {
	key, raw, ok := strings.Cut(entry, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return "", nil, fmt.Errorf("invalid --set %q, expected key=value", entry)
	}
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err == nil {
		return key, decoded, nil
	}
	return key, raw, nil
}

// writeJSON prints v as indented JSON.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// sortedKeys lists the keys of a context map, for log lines.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
