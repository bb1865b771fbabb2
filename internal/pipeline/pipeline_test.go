package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"visiond/internal/coordinator"
	"visiond/internal/engine"
	"visiond/internal/lifecycle"
	"visiond/internal/resmon"
	"visiond/pkg/types"
)

// chanSource feeds hand-crafted frames into the producer loop.
type chanSource struct {
	ch chan Frame
}

func (s *chanSource) Attach(ctx context.Context) (<-chan Frame, error) { return s.ch, nil }
func (s *chanSource) Detach()                                          {}

type pipeFixture struct {
	mock     *engine.Mock
	coord    *coordinator.Coordinator
	ctrl     *lifecycle.Controller
	monitor  *resmon.Monitor
	resident atomic.Uint64
	frames   chan Frame
	pipe     *Pipeline
}

func newPipeFixture(t *testing.T, mutate func(*Config)) *pipeFixture {
	t.Helper()
	f := &pipeFixture{mock: &engine.Mock{}, frames: make(chan Frame, 64)}
	f.resident.Store(100)
	f.monitor = resmon.New(resmon.Config{
		Interval: time.Hour,
		Read:     func() (uint64, uint64, error) { return f.resident.Load(), 1000, nil },
	})
	f.monitor.Sample()
	f.coord = coordinator.New(coordinator.Config{CancelGrace: 200 * time.Millisecond})
	f.ctrl = lifecycle.New(lifecycle.Config{
		Factory:     func(types.VariantInfo) engine.Engine { return f.mock },
		Coordinator: f.coord,
		Monitor:     f.monitor,
	})
	if err := f.ctrl.SwitchTo(context.Background(), types.VariantFast05B); err != nil {
		t.Fatalf("switch: %v", err)
	}
	cfg := Config{
		Source:      &chanSource{ch: f.frames},
		Coordinator: f.coord,
		Controller:  f.ctrl,
		Monitor:     f.monitor,
		Continuous:  true,
		Prompt:      "Describe the scene.",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.pipe = New(cfg)
	return f
}

func (f *pipeFixture) setBand(resident uint64) {
	f.resident.Store(resident)
	f.monitor.Sample()
}

func (f *pipeFixture) push(n int) {
	for i := 0; i < n; i++ {
		f.frames <- Frame{Data: []byte{byte(i)}, Seq: uint64(i + 1), At: time.Now()}
	}
}

// slowFragments yields distinct tokens so long generations never trip the
// repetition guard.
func slowFragments(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("w%d ", i)
	}
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached: %s", msg)
}

func TestCriticalBandBlocksAnalysisButNotDisplay(t *testing.T) {
	f := newPipeFixture(t, nil)
	f.setBand(950)
	if err := f.pipe.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer f.pipe.Stop()

	f.push(20)
	waitFor(t, 2*time.Second, func() bool {
		return f.pipe.Stats().Dropped["critical_pressure"] == 20
	}, "20 critical drops")

	st := f.pipe.Stats()
	if st.Admitted != 0 {
		t.Fatalf("expected zero admissions under critical pressure, got %d", st.Admitted)
	}
	// The display path saw every frame regardless.
	sent, dropped := f.pipe.Display().Stats()
	if sent+dropped != 20 {
		t.Fatalf("display path lost frames: sent=%d dropped=%d", sent, dropped)
	}
	if f.mock.Generations() != 0 {
		t.Fatalf("engine ran under critical pressure")
	}
}

func TestRateLimitCapsAdmissionsPerMinute(t *testing.T) {
	f := newPipeFixture(t, func(cfg *Config) { cfg.PerMinuteCap = 15 })

	// 100 fps for one simulated minute against an always-idle engine.
	now := time.Now()
	allowed := 0
	for i := 0; i < 6000; i++ {
		if ok, reason := f.pipe.admit(now); ok {
			allowed++
		} else if reason != "rate_limited" {
			t.Fatalf("frame %d refused for %q", i, reason)
		}
		now = now.Add(10 * time.Millisecond)
	}
	if allowed != 15 {
		t.Fatalf("expected 15 admissions in a simulated minute, got %d", allowed)
	}
}

func TestHighBandAdmitsEveryKth(t *testing.T) {
	f := newPipeFixture(t, func(cfg *Config) { cfg.HighBandStride = 4 })
	f.setBand(800)

	// Frames spaced far apart so the rate limiter never interferes.
	now := time.Now()
	var admitted, throttled int
	for i := 0; i < 8; i++ {
		ok, reason := f.pipe.admit(now)
		switch {
		case ok:
			admitted++
		case reason == "high_throttled":
			throttled++
		default:
			t.Fatalf("frame %d refused for %q", i, reason)
		}
		now = now.Add(10 * time.Second)
	}
	if admitted != 2 || throttled != 6 {
		t.Fatalf("expected 2 admitted / 6 throttled, got %d / %d", admitted, throttled)
	}
}

func TestSingleShotModeDropsFramesUntilTriggered(t *testing.T) {
	f := newPipeFixture(t, func(cfg *Config) { cfg.Continuous = false })
	if err := f.pipe.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer f.pipe.Stop()

	f.push(5)
	waitFor(t, 2*time.Second, func() bool {
		return f.pipe.Stats().Dropped["single_shot"] == 5
	}, "5 single-shot drops")
	if st := f.pipe.Stats(); st.Admitted != 0 {
		t.Fatalf("unexpected admissions in single-shot mode: %+v", st)
	}

	s, err := f.pipe.TriggerOnce(context.Background())
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if s.State() != coordinator.Completed {
		t.Fatalf("expected completed trigger, got %v", s.State())
	}
	if out, err := s.Result(); err != nil || out.Text == "" {
		t.Fatalf("empty trigger result: %v", err)
	}
}

func TestTriggerOnceWithoutFrame(t *testing.T) {
	f := newPipeFixture(t, func(cfg *Config) { cfg.Continuous = false })
	if err := f.pipe.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer f.pipe.Stop()
	if _, err := f.pipe.TriggerOnce(context.Background()); err != ErrNoFrame {
		t.Fatalf("expected ErrNoFrame, got %v", err)
	}
}

func TestDisplayContinuesDuringGeneration(t *testing.T) {
	f := newPipeFixture(t, func(cfg *Config) { cfg.ContinuousDelay = time.Millisecond })
	f.mock.Fragments = slowFragments(100)
	f.mock.TokenDelay = 10 * time.Millisecond
	if err := f.pipe.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer f.pipe.Stop()

	f.push(1)
	waitFor(t, 2*time.Second, func() bool { return f.mock.Running() }, "generation running")

	// Frames keep flowing to the display while the engine is busy, and are
	// refused on the analysis path rather than queued.
	f.push(30)
	waitFor(t, 2*time.Second, func() bool {
		sent, dropped := f.pipe.Display().Stats()
		return sent+dropped == 31
	}, "display saw 31 frames")
	if st := f.pipe.Stats(); st.Dropped["generation_in_flight"] == 0 {
		t.Fatalf("expected busy drops, got %+v", st.Dropped)
	}
}

func TestContinuousFrameReachesNarration(t *testing.T) {
	f := newPipeFixture(t, func(cfg *Config) { cfg.ContinuousDelay = time.Millisecond })
	if err := f.pipe.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer f.pipe.Stop()

	f.push(1)
	waitFor(t, 2*time.Second, func() bool { return f.mock.Generations() >= 1 }, "one generation")
	h := f.ctrl.Active()
	waitFor(t, 2*time.Second, func() bool { return h.Snapshot().Output != "" }, "handle output set")
}

func TestStopCancelsInFlightGeneration(t *testing.T) {
	f := newPipeFixture(t, nil)
	f.mock.Fragments = slowFragments(500)
	f.mock.TokenDelay = 10 * time.Millisecond
	if err := f.pipe.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	f.push(1)
	waitFor(t, 2*time.Second, func() bool { return f.mock.Running() }, "generation running")

	done := make(chan struct{})
	go func() { f.pipe.Stop(); close(done) }()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("stop did not return")
	}
	waitFor(t, time.Second, func() bool { return !f.mock.Running() }, "engine stopped")
	if f.pipe.Running() {
		t.Fatal("pipeline still running after stop")
	}
	// Stop again is a no-op.
	f.pipe.Stop()
}

func TestMailboxKeepNewestOverwrites(t *testing.T) {
	m := NewMailbox(KeepNewest)
	m.Put(Frame{Seq: 1})
	m.Put(Frame{Seq: 2})
	f, ok := m.TryReceive()
	if !ok || f.Seq != 2 {
		t.Fatalf("expected newest frame, got %+v ok=%v", f, ok)
	}
	if _, dropped := m.Stats(); dropped != 1 {
		t.Fatalf("expected one overwrite drop, got %d", dropped)
	}
}

func TestMailboxCountsEachFrameOnce(t *testing.T) {
	for _, policy := range []DropPolicy{KeepNewest, KeepOldest} {
		m := NewMailbox(policy)
		for i := 0; i < 20; i++ {
			m.Put(Frame{Seq: uint64(i)})
		}
		if sent, dropped := m.Stats(); sent+dropped != 20 {
			t.Fatalf("policy %v: sent=%d dropped=%d, want sum 20", policy, sent, dropped)
		}
		// Draining and refilling keeps the invariant.
		m.TryReceive()
		m.Put(Frame{Seq: 20})
		if sent, dropped := m.Stats(); sent+dropped != 21 {
			t.Fatalf("policy %v after drain: sent=%d dropped=%d, want sum 21", policy, sent, dropped)
		}
	}
}

func TestMailboxKeepOldestDiscardsNew(t *testing.T) {
	m := NewMailbox(KeepOldest)
	m.Put(Frame{Seq: 1})
	m.Put(Frame{Seq: 2})
	f, ok := m.TryReceive()
	if !ok || f.Seq != 1 {
		t.Fatalf("expected oldest frame, got %+v ok=%v", f, ok)
	}
}

func TestMailboxCloseUnblocksReceive(t *testing.T) {
	m := NewMailbox(KeepNewest)
	done := make(chan bool, 1)
	go func() {
		_, ok := m.Receive()
		done <- ok
	}()
	time.Sleep(20 * time.Millisecond)
	m.Close()
	select {
	case ok := <-done:
		if ok {
			t.Fatal("receive reported a frame after close")
		}
	case <-time.After(time.Second):
		t.Fatal("receive still blocked after close")
	}
}

func TestTickerSourceAttachDetach(t *testing.T) {
	src := &TickerSource{Interval: 5 * time.Millisecond}
	frames, err := src.Attach(context.Background())
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if _, err := src.Attach(context.Background()); err != ErrSourceAttached {
		t.Fatalf("expected ErrSourceAttached, got %v", err)
	}
	f := <-frames
	if f.Seq != 1 {
		t.Fatalf("expected seq 1, got %d", f.Seq)
	}
	src.Detach()
	for range frames {
	}
	// Channel closed; a fresh attach works again.
	frames, err = src.Attach(context.Background())
	if err != nil {
		t.Fatalf("reattach: %v", err)
	}
	src.Detach()
	for range frames {
	}
}
