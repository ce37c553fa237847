package domain

// ================================
// Simulation Types
// ================================

// SimulationRequest represents a request to run a context through the
// manifest-defined handler pipeline.
type SimulationRequest struct {
	RunID   string         `json:"runId,omitempty" yaml:"runId,omitempty"`
	Context map[string]any `json:"context" yaml:"context"`
}

// SimulationResponse represents the result of a pipeline simulation. Result,
// Error and Trace are empty when the pipeline was only explained.
type SimulationResponse struct {
	RunID        string         `json:"runId"`
	Order        []string       `json:"order"`
	Handlers     []string       `json:"handlers"`
	ProbedKeys   []string       `json:"probedKeys"`
	Matched      []string       `json:"matched"`
	Fingerprint  string         `json:"fingerprint"`
	Chain        string         `json:"chain"`
	Result       string         `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
	FinalContext map[string]any `json:"finalContext,omitempty"`
	Trace        []TraceEntry   `json:"trace,omitempty"`
}

// TraceEntry represents a single hop in the execution trace, in start order.
type TraceEntry struct {
	Handler  string            `json:"handler"`
	Outcome  string            `json:"outcome"` // ok, error
	Duration string            `json:"duration,omitempty"`
	Error    string            `json:"error,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}
