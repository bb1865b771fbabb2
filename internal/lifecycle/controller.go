// Package lifecycle owns the active engine handle: which variant is loaded,
// hot-swapping between variants, and bounded emergency recovery when the
// engine stops responding or memory crosses the critical watermark.
package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"visiond/internal/coordinator"
	"visiond/internal/engine"
	"visiond/internal/resmon"
	"visiond/pkg/types"
)

// State is the controller's lifecycle state.
type State string

const (
	StateNoModel    State = "no_model"
	StateLoading    State = "loading"
	StateReady      State = "ready"
	StateSwitching  State = "switching"
	StateRecovering State = "recovering"
	StateFailed     State = "failed"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultSwitchQuiesce       = 1 * time.Second
	defaultMaxRecoveryAttempts = 3
	defaultPressureCooldown    = 5 * time.Second
)

// Config holds controller tunables and collaborators.
type Config struct {
	// Factory builds a fresh engine per variant selection.
	Factory engine.Factory
	// Coordinator is used to cancel sessions and await quiescence.
	Coordinator *coordinator.Coordinator
	// Monitor supplies the pressure band consulted before scheduling
	// emergency recovery.
	Monitor *resmon.Monitor
	// SwitchQuiesce bounds the wait for the old handle to stop generating
	// during a switch or recovery.
	SwitchQuiesce time.Duration
	// MaxRecoveryAttempts bounds consecutive failed reloads within one
	// recovery episode.
	MaxRecoveryAttempts int
	// PressureCooldown debounces repeated pressure triggers.
	PressureCooldown time.Duration
	// FallbackVariant is switched to as a last resort once recovery is
	// exhausted. Empty disables the fallback.
	FallbackVariant types.Variant

	// BandChanges delivers resource monitor transitions.
	BandChanges <-chan resmon.BandChange
	// MemoryWarnings delivers OS-level memory warnings.
	MemoryWarnings <-chan struct{}
	// Backgrounds delivers app background (true) / foreground (false)
	// transitions.
	Backgrounds <-chan bool

	Publisher EventPublisher
	Logger    zerolog.Logger
}

// Controller is the model lifecycle state machine. State reads never block
// on switches or recovery.
type Controller struct {
	cfg Config

	mu       sync.RWMutex
	state    State
	active   *engine.Handle
	errMsg   string
	attempts int

	lastPressureMu sync.Mutex
	lastPressure   time.Time

	switchMu     sync.Mutex
	isRecovering atomic.Bool
}

// New constructs a Controller, applying defaults for unset Config fields.
func New(cfg Config) *Controller {
	if cfg.SwitchQuiesce <= 0 {
		cfg.SwitchQuiesce = defaultSwitchQuiesce
	}
	if cfg.MaxRecoveryAttempts <= 0 {
		cfg.MaxRecoveryAttempts = defaultMaxRecoveryAttempts
	}
	if cfg.PressureCooldown <= 0 {
		cfg.PressureCooldown = defaultPressureCooldown
	}
	if cfg.Publisher == nil {
		cfg.Publisher = noopPublisher{}
	}
	return &Controller{cfg: cfg, state: StateNoModel}
}

// Active returns the current handle, or nil before the first switch.
func (c *Controller) Active() *engine.Handle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// RecoveryAttempts returns the attempts consumed in the current episode.
func (c *Controller) RecoveryAttempts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attempts
}

// LastError returns the most recent surfaced failure reason.
func (c *Controller) LastError() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.errMsg
}

func (c *Controller) setState(s State, errMsg string) {
	c.mu.Lock()
	c.state = s
	c.errMsg = errMsg
	c.mu.Unlock()
}

// ResetRecoveryAttempts zeroes the episode counter. Wired to the
// coordinator's OnSuccess: only a verified successful generation or load
// resets the budget, never time.
func (c *Controller) ResetRecoveryAttempts() {
	c.mu.Lock()
	c.attempts = 0
	c.mu.Unlock()
}

// SwitchTo makes variant the active model. No-op when it is already active
// and loaded. A concurrent switch is rejected with ErrSwitchInProgress so
// two handles can never be loading at once.
func (c *Controller) SwitchTo(ctx context.Context, variant types.Variant) error {
	if !c.switchMu.TryLock() {
		return ErrSwitchInProgress
	}
	defer c.switchMu.Unlock()
	return c.switchLocked(ctx, variant)
}

// switchLocked performs the switch; callers hold switchMu.
func (c *Controller) switchLocked(ctx context.Context, variant types.Variant) error {
	old := c.Active()
	if old != nil && old.Variant().ID == variant && old.LoadState() == engine.Loaded {
		return nil
	}
	info, ok := types.LookupVariant(variant)
	if !ok {
		return ErrUnknownVariant(string(variant))
	}

	c.cfg.Logger.Info().Str("variant", string(variant)).Msg("model switch start")
	c.cfg.Publisher.Publish(Event{Name: "switch_start", Variant: string(variant)})
	if old != nil {
		c.setState(StateSwitching, "")
		c.cfg.Coordinator.Cancel(old)
		if !c.cfg.Coordinator.AwaitQuiescence(old, c.cfg.SwitchQuiesce) {
			// The old runtime would not stop; it is discarded anyway, the
			// replacement must not wait on it forever.
			c.cfg.Publisher.Publish(Event{Name: "switch_quiesce_timeout", Variant: string(old.Variant().ID)})
		}
		_ = old.Close()
	} else {
		c.setState(StateLoading, "")
	}

	h := engine.NewHandle(info, c.cfg.Factory(info))
	c.mu.Lock()
	c.active = h
	c.mu.Unlock()

	if err := c.loadHandle(ctx, h); err != nil {
		c.setState(StateFailed, err.Error())
		c.cfg.Publisher.Publish(Event{Name: "switch_failed", Variant: string(variant), Fields: map[string]any{"error": err.Error()}})
		c.cfg.Logger.Error().Err(err).Str("variant", string(variant)).Msg("model switch failed")
		return err
	}

	c.mu.Lock()
	c.state = StateReady
	c.errMsg = ""
	c.attempts = 0
	c.mu.Unlock()
	c.cfg.Publisher.Publish(Event{Name: "switch_ready", Variant: string(variant)})
	c.cfg.Logger.Info().Str("variant", string(variant)).Msg("model switch ready")
	switchesTotal.WithLabelValues(string(variant)).Inc()
	return nil
}

// loadHandle drives one engine load with progress reporting.
func (c *Controller) loadHandle(ctx context.Context, h *engine.Handle) error {
	h.SetLoadState(engine.Loading)
	err := h.Engine().Load(ctx, func(p float64) {
		h.SetLoadProgress(p)
		c.cfg.Publisher.Publish(Event{Name: "load_progress", Variant: string(h.Variant().ID), Fields: map[string]any{"progress": p}})
	})
	if err != nil {
		h.SetLoadState(engine.LoadFailed)
		h.SetLastError(err.Error())
		return err
	}
	h.SetLoadState(engine.Loaded)
	return nil
}

// Status assembles the controller's contribution to GET /status.
func (c *Controller) Status() (State, int, *types.HandleStatus) {
	c.mu.RLock()
	state := c.state
	attempts := c.attempts
	h := c.active
	c.mu.RUnlock()
	if h == nil {
		return state, attempts, nil
	}
	snap := h.Snapshot()
	if state == StateRecovering {
		snap.StatusLine = h.Variant().Name + ": recovering"
	} else if state == StateFailed && attempts < c.cfg.MaxRecoveryAttempts {
		snap.StatusLine = h.Variant().Name + ": temporary failure, retrying"
	}
	return state, attempts, &snap
}

// Run consumes pressure and background signals until ctx is done. Intended
// to run on its own goroutine.
func (c *Controller) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-c.cfg.BandChanges:
			if !ok {
				return
			}
			if ch.To >= resmon.BandHigh {
				c.HandleMemoryPressure(ctx)
			}
		case _, ok := <-c.cfg.MemoryWarnings:
			if !ok {
				return
			}
			c.HandleMemoryPressure(ctx)
		case bg, ok := <-c.cfg.Backgrounds:
			if !ok {
				return
			}
			if bg {
				if h := c.Active(); h != nil {
					c.cfg.Coordinator.Cancel(h)
					c.cfg.Publisher.Publish(Event{Name: "background_cancel", Variant: string(h.Variant().ID)})
				}
			}
		}
	}
}

// HandleMemoryPressure sheds load: it always cancels the current session
// and clears output (cheap, always-safe), then schedules emergency recovery
// only when usage is past the critical watermark. Repeat triggers inside
// the cool-down window are ignored.
func (c *Controller) HandleMemoryPressure(ctx context.Context) {
	c.lastPressureMu.Lock()
	if since := time.Since(c.lastPressure); since < c.cfg.PressureCooldown {
		c.lastPressureMu.Unlock()
		c.cfg.Publisher.Publish(Event{Name: "pressure_debounced"})
		return
	}
	h := c.Active()
	if h != nil {
		// Only an event that actually shed work consumes the cool-down
		// window; a model loaded right after a no-op trigger still gets
		// prompt relief.
		c.lastPressure = time.Now()
	}
	c.lastPressureMu.Unlock()

	pressureTotal.Inc()
	if h != nil {
		c.cfg.Coordinator.Cancel(h)
	}
	band := resmon.BandLow
	if c.cfg.Monitor != nil {
		band = c.cfg.Monitor.Band()
	}
	c.cfg.Publisher.Publish(Event{Name: "pressure", Fields: map[string]any{"band": band.String()}})
	c.cfg.Logger.Warn().Str("band", band.String()).Msg("memory pressure: cancelled current session")

	if band >= resmon.BandCritical && h != nil {
		go func() { _ = c.PerformEmergencyRecovery(ctx) }()
	}
}

// HandleStuckEngine is wired to the coordinator's OnStuck: an engine that
// ignores cancellation is recovered regardless of the memory band.
func (c *Controller) HandleStuckEngine(*engine.Handle) {
	go func() { _ = c.PerformEmergencyRecovery(context.Background()) }()
}
