// Package coordinator enforces single-flight generation per engine handle:
// a new submission cancels the incumbent, waits a bounded grace period for
// the engine to quiesce, and only then starts. An engine that will not
// quiesce is reported stuck rather than waited on forever.
package coordinator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"visiond/internal/engine"
	"visiond/pkg/types"
)

// stuckEngineError signals that cancellation did not take effect within the
// grace period. Feeds recovery, never a user-visible crash.
type stuckEngineError struct{ variant types.Variant }

func (e stuckEngineError) Error() string {
	return "engine stuck: cancellation ignored on " + string(e.variant)
}

// ErrStuckEngine constructs a stuckEngineError.
func ErrStuckEngine(v types.Variant) error { return stuckEngineError{variant: v} }

// IsStuckEngine reports whether err indicates an unresponsive engine.
func IsStuckEngine(err error) bool {
	_, ok := err.(stuckEngineError)
	return ok
}

// Defaults applied when corresponding Config fields are unset.
const (
	defaultCancelGrace  = 300 * time.Millisecond
	defaultPollInterval = 10 * time.Millisecond
	defaultUpdateStride = 4
	defaultRepeatWindow = 24
)

// Config holds coordinator tunables. Zero values take package defaults.
type Config struct {
	// CancelGrace bounds how long a new submission waits for the incumbent
	// generation to quiesce after cancellation.
	CancelGrace time.Duration
	// PollInterval spaces the quiescence checks.
	PollInterval time.Duration
	// UpdateStride publishes output every Nth token (first and last are
	// always published).
	UpdateStride int
	// RepeatWindow is the trailing-window size (in bytes of decoded text)
	// for the repetition guard. Zero disables via default; negative disables
	// entirely.
	RepeatWindow int
	// OnStuck is invoked when a handle's engine ignores cancellation beyond
	// CancelGrace. Typically wired to the lifecycle controller.
	OnStuck func(h *engine.Handle)
	// OnSuccess is invoked after every completed generation. Typically
	// resets the lifecycle controller's recovery counter.
	OnSuccess func()
	Logger    zerolog.Logger
}

// slot serializes submissions against one handle.
type slot struct {
	mu      sync.Mutex
	current *Session
}

// Coordinator owns session hand-off for all handles.
type Coordinator struct {
	cfg Config

	mu    sync.Mutex
	slots map[*engine.Handle]*slot
}

// New constructs a Coordinator, applying defaults for unset Config fields.
func New(cfg Config) *Coordinator {
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = defaultCancelGrace
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.UpdateStride <= 0 {
		cfg.UpdateStride = defaultUpdateStride
	}
	if cfg.RepeatWindow == 0 {
		cfg.RepeatWindow = defaultRepeatWindow
	}
	return &Coordinator{cfg: cfg, slots: make(map[*engine.Handle]*slot)}
}

func (c *Coordinator) slotFor(h *engine.Handle) *slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[h]
	if !ok {
		s = &slot{}
		c.slots[h] = s
	}
	return s
}

// Submit starts a new session on the handle, preempting any in-flight one.
// If the incumbent's engine does not quiesce within CancelGrace, the new
// session is not started: a cancelled no-op session is returned and the
// stuck condition is reported through OnStuck.
func (c *Coordinator) Submit(ctx context.Context, req types.GenerationRequest, h *engine.Handle) *Session {
	sl := c.slotFor(h)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if cur := sl.current; cur != nil && !cur.Terminal() {
		c.cancelLocked(cur, h)
		if !c.AwaitQuiescence(h, c.cfg.CancelGrace) {
			c.cfg.Logger.Warn().
				Str("variant", string(h.Variant().ID)).
				Dur("grace", c.cfg.CancelGrace).
				Msg("engine ignored cancellation, refusing new session")
			stuckTotal.Inc()
			if c.cfg.OnStuck != nil {
				c.cfg.OnStuck(h)
			}
			return newCancelledSession(req, ErrStuckEngine(h.Variant().ID))
		}
	}

	s := newSession(req)
	sl.current = s
	go c.run(ctx, s, h)
	return s
}

// Cancel preempts the current session on the handle, if any. Idempotent and
// safe to call when no session exists; always leaves output cleared.
func (c *Coordinator) Cancel(h *engine.Handle) {
	sl := c.slotFor(h)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if cur := sl.current; cur != nil && !cur.Terminal() {
		c.cancelLocked(cur, h)
	} else {
		h.ClearOutput()
	}
}

func (c *Coordinator) cancelLocked(s *Session, h *engine.Handle) {
	s.requestCancel()
	h.Engine().Cancel()
	h.ClearOutput()
}

// clearIfCurrent clears handle output only while s still owns the slot. A
// preempted session's goroutine can outlive the hand-off (Running goes
// false before Generate returns), and must not wipe the successor's partial
// output or recorded first-token time.
func (c *Coordinator) clearIfCurrent(s *Session, h *engine.Handle) {
	sl := c.slotFor(h)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.current == s {
		h.ClearOutput()
	}
}

// AwaitQuiescence polls until the handle's engine reports not running, up to
// timeout. Returns false when the engine is still running at the bound: the
// caller must then treat the engine as stuck, never assume quiescence.
func (c *Coordinator) AwaitQuiescence(h *engine.Handle, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if !h.Running() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(c.cfg.PollInterval)
	}
}

// run executes one session to a terminal state. Runs on its own goroutine;
// it is the sole writer of handle output fields for this session.
func (c *Coordinator) run(ctx context.Context, s *Session, h *engine.Handle) {
	s.setState(PreparingInput)
	if s.cancelRequested() || ctx.Err() != nil {
		c.clearIfCurrent(s, h)
		s.finish(Cancelled, engine.Output{}, context.Canceled)
		return
	}

	s.setState(Generating)
	start := time.Now()
	tokens := 0
	onToken := func(cum string) engine.Decision {
		tokens++
		if tokens == 1 {
			h.SetPromptTime(time.Since(start))
			h.SetOutput(cum)
			s.publish(cum)
		} else if tokens%c.cfg.UpdateStride == 0 {
			h.SetOutput(cum)
			s.publish(cum)
		}
		if c.repeats(cum) {
			return engine.Stop
		}
		if s.cancelRequested() {
			return engine.Stop
		}
		return engine.Continue
	}

	out, err := h.Engine().Generate(ctx, s.req.FullPrompt(), s.req.Images, onToken)

	switch {
	case s.cancelRequested() || err == context.Canceled || ctx.Err() != nil:
		c.clearIfCurrent(s, h)
		sessionsTotal.WithLabelValues("cancelled").Inc()
		s.finish(Cancelled, engine.Output{}, context.Canceled)
	case err != nil:
		h.SetLastError(err.Error())
		sessionsTotal.WithLabelValues("failed").Inc()
		c.cfg.Logger.Error().Err(err).
			Str("variant", string(h.Variant().ID)).
			Msg("generation failed")
		s.finish(Failed, engine.Output{}, err)
	default:
		h.SetOutput(out.Text)
		h.SetTokensPerSec(out.TokensPerSec)
		sessionsTotal.WithLabelValues("completed").Inc()
		ttftMillis.Observe(float64(h.PromptTime().Milliseconds()))
		if c.cfg.OnSuccess != nil {
			c.cfg.OnSuccess()
		}
		s.finish(Completed, out, nil)
	}
}

// repeats reports whether the trailing window of cum equals the window
// immediately before it. Degenerate looping output is stopped early as a
// completion, keeping latency bounded on any engine.
func (c *Coordinator) repeats(cum string) bool {
	w := c.cfg.RepeatWindow
	if w <= 0 || len(cum) < 2*w {
		return false
	}
	return strings.HasSuffix(cum[:len(cum)-w], cum[len(cum)-w:])
}
