// Package narrator decouples speech output from the inference core. The
// core hands completed text to a dispatcher and never blocks on synthesis.
package narrator

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Narrator converts completed result text to speech. Implementations wrap a
// TTS provider; the core only needs this one method.
type Narrator interface {
	Speak(ctx context.Context, text string) error
}

// Noop discards narrations.
type Noop struct{}

func (Noop) Speak(context.Context, string) error { return nil }

// Log writes narrations to a structured logger; the default when no TTS
// backend is wired in.
type Log struct {
	Logger zerolog.Logger
}

func (l Log) Speak(_ context.Context, text string) error {
	l.Logger.Info().Str("text", text).Msg("narration")
	return nil
}

// Dispatcher forwards text to a Narrator from its own goroutine through a
// capacity-1 latest-wins mailbox: while one narration plays, newer results
// replace each other and only the newest is spoken next.
type Dispatcher struct {
	n       Narrator
	log     zerolog.Logger
	mailbox chan string
	dropped atomic.Uint64
	spoken  atomic.Uint64
}

// NewDispatcher wraps n. A nil Narrator degrades to Noop.
func NewDispatcher(n Narrator, log zerolog.Logger) *Dispatcher {
	if n == nil {
		n = Noop{}
	}
	return &Dispatcher{n: n, log: log, mailbox: make(chan string, 1)}
}

// Start runs the dispatch loop until ctx is done.
func (d *Dispatcher) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case text := <-d.mailbox:
				if err := d.n.Speak(ctx, text); err != nil {
					d.log.Warn().Err(err).Msg("narration failed")
					continue
				}
				d.spoken.Add(1)
			}
		}
	}()
}

// Submit hands text to the dispatcher without blocking. A pending
// unspoken text is replaced and counted as dropped.
func (d *Dispatcher) Submit(text string) {
	if text == "" {
		return
	}
	select {
	case d.mailbox <- text:
		return
	default:
	}
	select {
	case <-d.mailbox:
		d.dropped.Add(1)
	default:
	}
	select {
	case d.mailbox <- text:
	default:
		d.dropped.Add(1)
	}
}

// Dropped reports how many narrations were replaced before being spoken.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

// Spoken reports how many narrations completed.
func (d *Dispatcher) Spoken() uint64 { return d.spoken.Load() }
