package engine

import "context"

// Engine abstracts one loaded model runtime. Implementations must be safe
// for concurrent use of Running and Cancel against an in-flight Generate.
type Engine interface {
	// Load initializes the runtime. Idempotent once loaded. The progress
	// callback, when non-nil, receives values in [0,1].
	Load(ctx context.Context, progress func(float64)) error

	// Generate streams tokens for the prompt and images. onToken is invoked
	// with the cumulative decoded text; returning Stop ends generation early
	// without error. Implementations must return promptly when ctx is
	// canceled or Cancel is called.
	Generate(ctx context.Context, prompt string, images [][]byte, onToken TokenFunc) (Output, error)

	// Cancel requests a best-effort, non-blocking stop of the current
	// generation. Running eventually reports false afterwards.
	Cancel()

	// Running reports whether a generation is in flight. Eventually
	// consistent with Generate and Cancel.
	Running() bool

	// Close releases runtime resources. The engine is unusable afterwards.
	Close() error
}
