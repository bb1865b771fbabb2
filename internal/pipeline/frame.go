package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Frame is one image from the camera feed. Data must not be mutated after
// production.
type Frame struct {
	Data   []byte
	Width  int
	Height int
	Seq    uint64
	At     time.Time
}

// ErrSourceAttached is returned when a source already has a consumer.
var ErrSourceAttached = errors.New("frame source already attached")

// Source produces a live frame sequence. At most one consumer pair
// (display + analysis) may be attached at a time.
type Source interface {
	// Attach starts production and returns the frame channel. The channel
	// closes when ctx is done or Detach is called.
	Attach(ctx context.Context) (<-chan Frame, error)
	// Detach stops production and releases the consumer slot.
	Detach()
}

// TickerSource is a synthetic source producing frames at a fixed rate;
// used by tests and the bench command.
type TickerSource struct {
	Interval  time.Duration
	FrameData []byte

	mu       sync.Mutex
	attached bool
	cancel   context.CancelFunc
	done     chan struct{}
}

func (s *TickerSource) Attach(ctx context.Context) (<-chan Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached {
		return nil, ErrSourceAttached
	}
	s.attached = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	interval := s.Interval
	if interval <= 0 {
		interval = 33 * time.Millisecond
	}
	out := make(chan Frame)
	go func() {
		defer close(out)
		defer close(s.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		var seq uint64
		for {
			select {
			case <-ctx.Done():
				return
			case t := <-ticker.C:
				seq++
				f := Frame{Data: s.FrameData, Seq: seq, At: t}
				select {
				case out <- f:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *TickerSource) Detach() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.attached = false
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}
