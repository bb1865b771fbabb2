// Package engine defines the narrow contract to the vision-language
// inference runtime and the observable per-variant handle the rest of the
// daemon schedules against. The runtime itself (weights, tokenization,
// tensor math) lives behind the Engine interface.
package engine

// Decision controls whether generation continues after a token callback.
type Decision int

const (
	Continue Decision = iota
	Stop
)

// TokenFunc is invoked repeatedly during generation with the cumulative
// decoded text so far. Returning Stop ends generation early.
type TokenFunc func(cumulative string) Decision

// Output summarizes a completed generation.
type Output struct {
	Text         string
	Tokens       int
	TokensPerSec float64
}

// loadError signals that the engine failed to initialize. Recoverable by
// retry or a variant switch; mapped to 503 by the HTTP layer.
type loadError struct{ msg string }

func (e loadError) Error() string { return "engine load: " + e.msg }

// ErrLoad constructs a loadError.
func ErrLoad(msg string) error { return loadError{msg: msg} }

// IsLoadError reports whether err indicates a failed engine load.
func IsLoadError(err error) bool {
	_, ok := err.(loadError)
	return ok
}

// generationError signals a mid-stream failure. Recoverable by cancel and
// resubmit.
type generationError struct{ msg string }

func (e generationError) Error() string { return "generation: " + e.msg }

// ErrGeneration constructs a generationError.
func ErrGeneration(msg string) error { return generationError{msg: msg} }

// IsGenerationError reports whether err indicates a mid-stream failure.
func IsGenerationError(err error) bool {
	_, ok := err.(generationError)
	return ok
}
