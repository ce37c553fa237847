// Package config loads pipeline manifests: YAML documents declaring handler
// providers, their filters and scripted handler behaviour, together with the
// logging, telemetry and policy settings of the CLI.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-dispatch/pkg/domain"
)

// DefaultCompletion is the result of the terminal step when the manifest
// does not set one.
const DefaultCompletion = "completed"

// Manifest is the root of a pipeline manifest.
type Manifest struct {
	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Policy     PolicyConfig     `yaml:"policy"`
	Completion string           `yaml:"completion"`
	Providers  []ProviderConfig `yaml:"providers"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// TelemetryConfig holds configuration for hop instrumentation.
type TelemetryConfig struct {
	OTLPEndpoint string                 `yaml:"otlp_endpoint"`
	Insecure     bool                   `yaml:"insecure"`
	ServiceName  string                 `yaml:"service_name"`
	MetricsAddr  string                 `yaml:"metrics_address"`
	SampleRatio  float64                `yaml:"sample_ratio"`
	LogHops      bool                   `yaml:"log_hops"`
	Redaction    domain.RedactionPolicy `yaml:"redaction"`
}

// PolicyConfig holds the Rego modules available to rego filters.
type PolicyConfig struct {
	Entrypoint      string            `yaml:"entrypoint"`
	Modules         map[string]string `yaml:"modules"`
	CacheMaxEntries int               `yaml:"cache_max_entries"`
}

// ProviderConfig declares one handler provider.
type ProviderConfig struct {
	Name      string          `yaml:"name"`
	DependsOn []string        `yaml:"depends_on"`
	Filters   []FilterConfig  `yaml:"filters"`
	Handlers  []HandlerConfig `yaml:"handlers"`
}

// FilterConfig declares one filter. Type selects which fields apply:
//
//	property      key, pattern
//	exact         axis (defaults to key), key, values
//	method        values
//	content_type  values
//	glob          key, values (patterns)
//	rego          axis, entrypoint, keys
type FilterConfig struct {
	Type       string   `yaml:"type"`
	Axis       string   `yaml:"axis"`
	Key        string   `yaml:"key"`
	Pattern    string   `yaml:"pattern"`
	Values     []string `yaml:"values"`
	Entrypoint string   `yaml:"entrypoint"`
	Keys       []string `yaml:"keys"`
}

// HandlerConfig declares a scripted handler. On each call it writes Set into
// the context, then either fails with Error, short-circuits with Result when
// Forward is false, or forwards (overriding its Params with With when given)
// and rewrites the downstream result with Wrap, where "{next}" stands for
// the downstream result. A handler with a RateLimit short-circuits with the
// limit's result while its bucket is empty.
type HandlerConfig struct {
	Name      string           `yaml:"name"`
	Params    []string         `yaml:"params"`
	Filters   []FilterConfig   `yaml:"filters"`
	Set       map[string]any   `yaml:"set"`
	Forward   *bool            `yaml:"forward"`
	With      []any            `yaml:"with"`
	Result    string           `yaml:"result"`
	Wrap      string           `yaml:"wrap"`
	Error     string           `yaml:"error"`
	RateLimit *RateLimitConfig `yaml:"rate_limit"`
}

// DefaultThrottledResult is the result of a rate limited handler whose limit
// does not set one.
const DefaultThrottledResult = "throttled"

// RateLimitConfig throttles a handler with a token bucket.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	Result            string  `yaml:"result"`
}

// Forwards reports whether the handler calls its continuation.
func (h HandlerConfig) Forwards() bool {
	return h.Forward == nil || *h.Forward
}

// Load reads a manifest from a file and applies environment variable
// overrides.
func Load(path string) (*Manifest, error) {
	//nolint:gosec // Manifest path is controlled by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return m, nil
}

// Parse decodes a YAML (or JSON) manifest, applies environment overrides and
// validates it.
func Parse(data []byte) (*Manifest, error) {
	m := &Manifest{
		Logging:    LoggingConfig{Level: "info"},
		Completion: DefaultCompletion,
	}
	if err := yaml.Unmarshal(data, m); err != nil {
		if jsonErr := json.Unmarshal(data, m); jsonErr != nil {
			return nil, fmt.Errorf("failed to parse manifest: %w", err)
		}
	}

	applyEnvOverrides(m)

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("manifest validation failed: %w", err)
	}
	return m, nil
}

func applyEnvOverrides(m *Manifest) {
	if val := os.Getenv("PIPELINES_LOG_LEVEL"); val != "" {
		m.Logging.Level = val
	}
	if val := os.Getenv("PIPELINES_OTLP_ENDPOINT"); val != "" {
		m.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("PIPELINES_OTLP_INSECURE"); val == "true" {
		m.Telemetry.Insecure = true
	}
	if val := os.Getenv("PIPELINES_METRICS_ADDR"); val != "" {
		m.Telemetry.MetricsAddr = val
	}
}

// Validate performs validation of the entire manifest.
func (m *Manifest) Validate() error {
	if err := m.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}

	seen := make(map[string]struct{}, len(m.Providers))
	for i := range m.Providers {
		p := &m.Providers[i]
		if err := p.Validate(); err != nil {
			return fmt.Errorf("provider %d: %w", i, err)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("provider %q declared twice", p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	return nil
}

// Validate performs validation of logging configuration.
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
		return nil
	default:
		return fmt.Errorf("invalid log level %q", c.Level)
	}
}

// Validate performs validation of a provider declaration.
func (p *ProviderConfig) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("provider name is required")
	}
	for i, f := range p.Filters {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("provider %q filter %d: %w", p.Name, i, err)
		}
	}
	for i, h := range p.Handlers {
		if err := h.Validate(); err != nil {
			return fmt.Errorf("provider %q handler %d: %w", p.Name, i, err)
		}
	}
	return nil
}

// Validate performs validation of a filter declaration.
func (f FilterConfig) Validate() error {
	switch f.Type {
	case "property":
		if f.Key == "" || f.Pattern == "" {
			return fmt.Errorf("property filter requires key and pattern")
		}
	case "exact", "glob":
		if f.Key == "" || len(f.Values) == 0 {
			return fmt.Errorf("%s filter requires key and values", f.Type)
		}
	case "method", "content_type":
		if len(f.Values) == 0 {
			return fmt.Errorf("%s filter requires values", f.Type)
		}
	case "rego":
		if len(f.Keys) == 0 {
			return fmt.Errorf("rego filter requires keys")
		}
	default:
		return fmt.Errorf("unknown filter type %q", f.Type)
	}
	return nil
}

// Validate performs validation of a handler declaration.
func (h HandlerConfig) Validate() error {
	if strings.TrimSpace(h.Name) == "" {
		return fmt.Errorf("handler name is required")
	}
	if len(h.Params) > 3 {
		return fmt.Errorf("handler %q declares %d parameters, at most 3 are supported", h.Name, len(h.Params))
	}
	if len(h.With) > 0 && len(h.With) != len(h.Params) {
		return fmt.Errorf("handler %q overrides %d of %d parameters", h.Name, len(h.With), len(h.Params))
	}
	if len(h.With) > 0 && !h.Forwards() {
		return fmt.Errorf("handler %q overrides parameters but does not forward", h.Name)
	}
	if h.RateLimit != nil && h.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("handler %q rate limit requires a positive requests_per_second", h.Name)
	}
	for i, f := range h.Filters {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("handler %q filter %d: %w", h.Name, i, err)
		}
	}
	return nil
}
