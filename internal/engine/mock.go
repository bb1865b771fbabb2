package engine

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Mock is a scriptable in-process engine used by tests and the bench
// command. The zero value generates a short fixed sentence instantly.
type Mock struct {
	// LoadDelay stretches Load to simulate model weights loading.
	LoadDelay time.Duration
	// Fragments is the token stream; defaults to a short sentence.
	Fragments []string
	// TokenDelay is the pause between fragments.
	TokenDelay time.Duration
	// FailAfter, when > 0, fails generation after that many fragments.
	FailAfter int
	// IgnoreCancel simulates a stuck runtime: Cancel has no effect and the
	// generation runs to completion regardless of context.
	IgnoreCancel bool

	running   atomic.Bool
	loaded    atomic.Bool
	failLoads atomic.Int32
	loads     atomic.Int32
	gens      atomic.Int32
	cancelMu  sync.Mutex
	cancelCh  chan struct{}
}

var defaultFragments = []string{"A ", "person ", "holding ", "a ", "blue ", "mug."}

func (m *Mock) Load(ctx context.Context, progress func(float64)) error {
	if m.loaded.Load() {
		return nil
	}
	m.loads.Add(1)
	for {
		left := m.failLoads.Load()
		if left <= 0 {
			break
		}
		if m.failLoads.CompareAndSwap(left, left-1) {
			return ErrLoad("mock load failure")
		}
	}
	steps := 4
	for i := 1; i <= steps; i++ {
		if m.LoadDelay > 0 {
			select {
			case <-time.After(m.LoadDelay / time.Duration(steps)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if progress != nil {
			progress(float64(i) / float64(steps))
		}
	}
	m.loaded.Store(true)
	return nil
}

func (m *Mock) Generate(ctx context.Context, prompt string, images [][]byte, onToken TokenFunc) (Output, error) {
	if !m.loaded.Load() {
		return Output{}, ErrLoad("mock engine not loaded")
	}
	m.gens.Add(1)
	m.running.Store(true)
	defer m.running.Store(false)

	m.cancelMu.Lock()
	cancelCh := make(chan struct{})
	m.cancelCh = cancelCh
	m.cancelMu.Unlock()

	frags := m.Fragments
	if frags == nil {
		frags = defaultFragments
	}

	start := time.Now()
	var b strings.Builder
	for i, f := range frags {
		if m.FailAfter > 0 && i >= m.FailAfter {
			return Output{}, ErrGeneration("mock mid-stream failure")
		}
		if !m.IgnoreCancel {
			select {
			case <-cancelCh:
				return Output{}, context.Canceled
			case <-ctx.Done():
				return Output{}, ctx.Err()
			default:
			}
		}
		if m.TokenDelay > 0 {
			if m.IgnoreCancel {
				time.Sleep(m.TokenDelay)
			} else {
				select {
				case <-time.After(m.TokenDelay):
				case <-cancelCh:
					return Output{}, context.Canceled
				case <-ctx.Done():
					return Output{}, ctx.Err()
				}
			}
		}
		b.WriteString(f)
		if onToken != nil && onToken(b.String()) == Stop {
			break
		}
	}

	out := Output{Text: b.String(), Tokens: len(frags)}
	if d := time.Since(start); d > 0 {
		out.TokensPerSec = float64(out.Tokens) / d.Seconds()
	}
	return out, nil
}

func (m *Mock) Cancel() {
	if m.IgnoreCancel {
		return
	}
	m.cancelMu.Lock()
	defer m.cancelMu.Unlock()
	if m.cancelCh != nil {
		select {
		case <-m.cancelCh:
		default:
			close(m.cancelCh)
		}
	}
}

func (m *Mock) Running() bool { return m.running.Load() }

func (m *Mock) Close() error {
	m.loaded.Store(false)
	return nil
}

// FailNextLoads makes the next n Load calls fail.
func (m *Mock) FailNextLoads(n int) { m.failLoads.Store(int32(n)) }

// Loads reports how many Load calls were made.
func (m *Mock) Loads() int { return int(m.loads.Load()) }

// Generations reports how many Generate calls were made.
func (m *Mock) Generations() int { return int(m.gens.Load()) }
