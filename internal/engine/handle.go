package engine

import (
	"fmt"
	"sync"
	"time"

	"visiond/pkg/types"
)

// LoadState is the lifecycle state of a handle's engine.
type LoadState int

const (
	Unloaded LoadState = iota
	Loading
	Loaded
	LoadFailed
)

func (s LoadState) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case LoadFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Handle owns one engine instance and its observable state. Mutable fields
// are single-writer by construction: only the coordinator or the lifecycle
// controller writes, never both at once. Readers use Snapshot.
type Handle struct {
	variant types.VariantInfo
	eng     Engine

	mu           sync.RWMutex
	loadState    LoadState
	loadProgress float64
	output       string
	promptTime   time.Duration
	tokensPerSec float64
	lastErr      string
	closed       bool
}

// NewHandle wraps an engine for the given variant. The handle starts
// Unloaded; the lifecycle controller drives Load.
func NewHandle(info types.VariantInfo, eng Engine) *Handle {
	return &Handle{variant: info, eng: eng}
}

// Variant returns the immutable variant metadata.
func (h *Handle) Variant() types.VariantInfo { return h.variant }

// Engine exposes the underlying runtime to the coordinator and lifecycle.
func (h *Handle) Engine() Engine { return h.eng }

// Running reports whether the engine has a generation in flight.
func (h *Handle) Running() bool { return h.eng.Running() }

// LoadState returns the current load state.
func (h *Handle) LoadState() LoadState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.loadState
}

// SetLoadState records a load-state transition, clearing any stale error on
// a successful load.
func (h *Handle) SetLoadState(s LoadState) {
	h.mu.Lock()
	h.loadState = s
	if s == Loaded {
		h.loadProgress = 1
		h.lastErr = ""
	}
	h.mu.Unlock()
}

// SetLoadProgress records incremental load progress in [0,1].
func (h *Handle) SetLoadProgress(p float64) {
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	h.mu.Lock()
	h.loadProgress = p
	h.mu.Unlock()
}

// SetOutput publishes (possibly partial) generation text.
func (h *Handle) SetOutput(text string) {
	h.mu.Lock()
	h.output = text
	h.mu.Unlock()
}

// Output returns the latest published text.
func (h *Handle) Output() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.output
}

// ClearOutput drops transient generation fields so stale partial text is
// never displayed after a cancel or reset.
func (h *Handle) ClearOutput() {
	h.mu.Lock()
	h.output = ""
	h.promptTime = 0
	h.mu.Unlock()
}

// SetPromptTime records time-to-first-token for the current generation.
func (h *Handle) SetPromptTime(d time.Duration) {
	h.mu.Lock()
	h.promptTime = d
	h.mu.Unlock()
}

// PromptTime returns the recorded time-to-first-token.
func (h *Handle) PromptTime() time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.promptTime
}

// SetTokensPerSec records decode throughput of the latest completion.
func (h *Handle) SetTokensPerSec(tps float64) {
	h.mu.Lock()
	h.tokensPerSec = tps
	h.mu.Unlock()
}

// SetLastError records a load or generation failure reason.
func (h *Handle) SetLastError(msg string) {
	h.mu.Lock()
	h.lastErr = msg
	h.mu.Unlock()
}

// Close releases the engine's native resources. Idempotent.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.loadState = Unloaded
	h.mu.Unlock()
	return h.eng.Close()
}

// Snapshot returns a read-only projection for display.
func (h *Handle) Snapshot() types.HandleStatus {
	running := h.eng.Running()
	h.mu.RLock()
	defer h.mu.RUnlock()
	st := types.HandleStatus{
		Variant:      h.variant.ID,
		LoadState:    h.loadState.String(),
		LoadProgress: h.loadProgress,
		Running:      running,
		Output:       h.output,
		PromptTimeMS: h.promptTime.Milliseconds(),
		TokensPerSec: h.tokensPerSec,
		LastError:    h.lastErr,
	}
	st.StatusLine = h.statusLineLocked(running)
	return st
}

// StatusLine returns a human-readable one-liner for the handle.
func (h *Handle) StatusLine() string {
	running := h.eng.Running()
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.statusLineLocked(running)
}

func (h *Handle) statusLineLocked(running bool) string {
	switch {
	case h.loadState == LoadFailed:
		return fmt.Sprintf("%s: failed, please switch model", h.variant.Name)
	case h.loadState == Loading:
		return fmt.Sprintf("%s: loading %d%%", h.variant.Name, int(h.loadProgress*100))
	case h.loadState != Loaded:
		return fmt.Sprintf("%s: not loaded", h.variant.Name)
	case running:
		return fmt.Sprintf("%s: generating", h.variant.Name)
	default:
		return fmt.Sprintf("%s: ready", h.variant.Name)
	}
}
