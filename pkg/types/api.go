package types

// GenerateRequest is the payload accepted by POST /generate.
type GenerateRequest struct {
	// Required prompt text.
	// example: What is in front of the camera?
	Prompt string `json:"prompt"`
	// Optional suffix appended to the prompt.
	Suffix string `json:"suffix,omitempty"`
	// Optional base64-encoded images.
	Images []string `json:"images,omitempty"`
}

// GenerateEvent is one NDJSON line of the POST /generate stream. Partial
// events carry cumulative output; the final event has Done set together
// with the terminal state and timing fields.
type GenerateEvent struct {
	// Cumulative output text so far.
	Output string `json:"output,omitempty"`
	// True on the last event of the stream.
	Done bool `json:"done,omitempty"`
	// Terminal state: completed or cancelled.
	State string `json:"state,omitempty"`
	// Time to first token in milliseconds; final event only.
	PromptTimeMS int64 `json:"prompt_time_ms,omitempty"`
	// Decode throughput; final event only.
	TokensPerSec float64 `json:"tokens_per_sec,omitempty"`
}

// SwitchRequest is the payload accepted by POST /switch.
type SwitchRequest struct {
	// Target variant id.
	// example: fast-0.5b
	Variant Variant `json:"variant"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: unknown variant: fast-99b
	Error string `json:"error"`
	// HTTP status code.
	// example: 404
	Code int `json:"code"`
}

// HandleStatus is the observable state of the active engine handle.
type HandleStatus struct {
	// Active variant id.
	Variant Variant `json:"variant"`
	// Load state: unloaded, loading, loaded, failed.
	LoadState string `json:"load_state"`
	// Load progress in [0,1]; meaningful while loading.
	LoadProgress float64 `json:"load_progress,omitempty"`
	// Whether a generation is currently in flight.
	Running bool `json:"running"`
	// Latest (possibly partial) output text.
	Output string `json:"output"`
	// Time to first token of the latest generation, in milliseconds.
	PromptTimeMS int64 `json:"prompt_time_ms,omitempty"`
	// Decode throughput of the latest completed generation.
	TokensPerSec float64 `json:"tokens_per_sec,omitempty"`
	// Last load/generation error, if any.
	LastError string `json:"last_error,omitempty"`
	// Human-readable one-line status (variant + running/ready/...).
	StatusLine string `json:"status_line"`
}

// ResourceStatus reports the latest resource sample and classification.
type ResourceStatus struct {
	// Resident memory in bytes.
	ResidentBytes uint64 `json:"resident_bytes"`
	// Peak resident memory in bytes since monitor start.
	PeakBytes uint64 `json:"peak_bytes"`
	// Fraction of physical memory used, in [0,1].
	UsedFraction float64 `json:"used_fraction"`
	// Classification band: low, medium, high, critical.
	Band string `json:"band"`
	// Sample timestamp in unix seconds.
	SampledAtUnix int64 `json:"sampled_at_unix"`
}

// PipelineStats summarizes frame accounting since pipeline start.
type PipelineStats struct {
	// Whether the pipeline producer loop is running.
	Running bool `json:"running"`
	// Continuous-analysis mode enabled.
	Continuous bool `json:"continuous"`
	// Frames received from the source.
	Produced uint64 `json:"produced"`
	// Frames delivered to the display path.
	Displayed uint64 `json:"displayed"`
	// Frames admitted to the analysis path.
	Admitted uint64 `json:"admitted"`
	// Frames dropped before analysis, by reason.
	Dropped map[string]uint64 `json:"dropped"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Overall controller state: no_model, loading, ready, switching,
	// recovering, failed.
	State string `json:"state"`
	// Recovery attempts consumed in the current episode.
	RecoveryAttempts int `json:"recovery_attempts"`
	// Active handle, if any.
	Handle *HandleStatus `json:"handle,omitempty"`
	// Latest resource sample.
	Resources ResourceStatus `json:"resources"`
	// Frame pipeline accounting.
	Pipeline PipelineStats `json:"pipeline"`
	// Uptime of the daemon in seconds.
	UptimeSeconds int64 `json:"uptime_seconds"`
	// Server time in unix seconds.
	ServerTimeUnix int64 `json:"server_time_unix"`
}

// VariantsResponse wraps the list returned by GET /variants.
type VariantsResponse struct {
	Variants []VariantInfo `json:"variants"`
}
