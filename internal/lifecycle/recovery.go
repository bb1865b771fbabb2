package lifecycle

import (
	"context"

	"visiond/internal/engine"
	"visiond/pkg/types"
)

// PerformEmergencyRecovery rebuilds the active handle's runtime: cancel,
// bounded wait for quiescence, clear output, release native resources,
// reload. Re-entrant-safe: concurrent calls are no-ops while one is in
// flight. Once MaxRecoveryAttempts consecutive reloads have failed, no more
// reloads happen; a single last-resort switch to the fallback variant is
// tried instead, since a smaller variant may fit where the active one no
// longer does.
func (c *Controller) PerformEmergencyRecovery(ctx context.Context) error {
	if !c.isRecovering.CompareAndSwap(false, true) {
		return nil
	}
	defer c.isRecovering.Store(false)

	// A switch in progress is already tearing down and replacing the active
	// handle; recovering it concurrently would run two engine loads at once
	// and let the loser clobber state. Holding switchMu for the whole
	// cancel/close/reload sequence also keeps the handle read below the
	// current one until we are done with it.
	if !c.switchMu.TryLock() {
		return nil
	}
	defer c.switchMu.Unlock()

	h := c.Active()
	if h == nil {
		return nil
	}
	variant := h.Variant().ID

	c.mu.RLock()
	exhausted := c.attempts >= c.cfg.MaxRecoveryAttempts
	c.mu.RUnlock()
	if exhausted {
		return c.lastResortSwitch(ctx, variant)
	}

	c.setState(StateRecovering, "")
	c.cfg.Publisher.Publish(Event{Name: "recovery_start", Variant: string(variant)})
	c.cfg.Logger.Warn().Str("variant", string(variant)).Msg("emergency recovery start")
	recoveriesTotal.Inc()

	c.cfg.Coordinator.Cancel(h)
	if !c.cfg.Coordinator.AwaitQuiescence(h, c.cfg.SwitchQuiesce) {
		c.cfg.Publisher.Publish(Event{Name: "recovery_quiesce_timeout", Variant: string(variant)})
	}
	h.ClearOutput()
	_ = h.Close()

	// Rebuild the runtime for the same variant so every native cache the
	// old instance held is released before the reload.
	fresh := engine.NewHandle(h.Variant(), c.cfg.Factory(h.Variant()))
	c.mu.Lock()
	c.active = fresh
	c.mu.Unlock()

	if err := c.loadHandle(ctx, fresh); err != nil {
		c.mu.Lock()
		c.attempts++
		attempts := c.attempts
		exhausted := attempts >= c.cfg.MaxRecoveryAttempts
		c.state = StateFailed
		c.errMsg = err.Error()
		c.mu.Unlock()
		c.cfg.Publisher.Publish(Event{Name: "recovery_failed", Variant: string(variant), Fields: map[string]any{"attempts": attempts}})
		c.cfg.Logger.Error().Err(err).Int("attempts", attempts).Msg("emergency recovery failed")
		if exhausted {
			c.cfg.Publisher.Publish(Event{Name: "recovery_exhausted", Variant: string(variant)})
		}
		return err
	}

	c.mu.Lock()
	c.state = StateReady
	c.errMsg = ""
	c.attempts = 0
	c.mu.Unlock()
	c.cfg.Publisher.Publish(Event{Name: "recovery_ok", Variant: string(variant)})
	c.cfg.Logger.Info().Str("variant", string(variant)).Msg("emergency recovery ok")
	return nil
}

// lastResortSwitch runs once recovery is exhausted; the caller holds
// switchMu. It never reloads the active variant again; it either switches
// to the configured fallback or surfaces the persistent failure.
func (c *Controller) lastResortSwitch(ctx context.Context, active types.Variant) error {
	if c.cfg.FallbackVariant != "" && c.cfg.FallbackVariant != active {
		c.cfg.Publisher.Publish(Event{Name: "fallback_switch", Variant: string(c.cfg.FallbackVariant)})
		c.cfg.Logger.Warn().
			Str("from", string(active)).
			Str("to", string(c.cfg.FallbackVariant)).
			Msg("recovery exhausted, switching to fallback variant")
		if err := c.switchLocked(ctx, c.cfg.FallbackVariant); err != nil {
			c.setState(StateFailed, err.Error())
			return err
		}
		return nil
	}
	c.setState(StateFailed, ErrRecoveryExhausted.Error())
	c.cfg.Publisher.Publish(Event{Name: "recovery_exhausted", Variant: string(active)})
	return ErrRecoveryExhausted
}
