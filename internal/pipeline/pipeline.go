// Package pipeline consumes a live frame stream and fans it out to a
// best-effort display path and an admission-gated analysis path. Admission
// is the system's backpressure: frames only reach the inference engine when
// it is idle and resources are healthy, everything else is dropped.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"visiond/internal/coordinator"
	"visiond/internal/lifecycle"
	"visiond/internal/narrator"
	"visiond/internal/resmon"
	"visiond/pkg/types"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultPerMinuteCap    = 15
	defaultHighBandStride  = 4
	defaultContinuousDelay = 1 * time.Second
	defaultSingleShotDelay = 2 * time.Second
)

// Drop reasons surfaced in stats and metrics.
const (
	dropSingleShot = "single_shot"
	dropNotReady   = "not_ready"
	dropBusy       = "generation_in_flight"
	dropCritical   = "critical_pressure"
	dropThrottled  = "high_throttled"
	dropRateLimit  = "rate_limited"
	dropSuperseded = "superseded"
)

// ErrNoFrame is returned by TriggerOnce before any frame has arrived.
var ErrNoFrame = errors.New("no frame available yet")

// Config holds pipeline tunables and collaborators.
type Config struct {
	Source      Source
	Coordinator *coordinator.Coordinator
	Controller  *lifecycle.Controller
	Monitor     *resmon.Monitor
	Narrator    *narrator.Dispatcher

	// Continuous enables per-frame auto-admission; otherwise frames only
	// reach the engine through TriggerOnce.
	Continuous bool
	// Prompt and Suffix form the generation request for admitted frames.
	Prompt string
	Suffix string

	// PerMinuteCap bounds analysis admissions per wall-clock minute,
	// independent of memory state.
	PerMinuteCap int
	// HighBandStride admits every Kth frame while the band is High.
	HighBandStride int
	// ContinuousDelay and SingleShotDelay space successive requests.
	ContinuousDelay time.Duration
	SingleShotDelay time.Duration

	Logger zerolog.Logger
}

// Pipeline owns the producer loop and the analysis worker.
type Pipeline struct {
	cfg     Config
	limiter *rate.Limiter

	mu         sync.Mutex
	running    bool
	continuous bool
	prompt     string
	suffix     string
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	display    *Mailbox
	analysis   *Mailbox
	lastFrame  *Frame

	triggerMu sync.Mutex

	produced  atomic.Uint64
	displayed atomic.Uint64
	admitted  atomic.Uint64
	highSeq   atomic.Uint64

	droppedMu sync.Mutex
	dropped   map[string]uint64
}

// New constructs a Pipeline, applying defaults for unset Config fields.
func New(cfg Config) *Pipeline {
	if cfg.PerMinuteCap <= 0 {
		cfg.PerMinuteCap = defaultPerMinuteCap
	}
	if cfg.HighBandStride <= 0 {
		cfg.HighBandStride = defaultHighBandStride
	}
	if cfg.ContinuousDelay <= 0 {
		cfg.ContinuousDelay = defaultContinuousDelay
	}
	if cfg.SingleShotDelay <= 0 {
		cfg.SingleShotDelay = defaultSingleShotDelay
	}
	return &Pipeline{
		cfg:        cfg,
		continuous: cfg.Continuous,
		prompt:     cfg.Prompt,
		suffix:     cfg.Suffix,
		limiter:    rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.PerMinuteCap)), 1),
		dropped:    make(map[string]uint64),
	}
}

// Start attaches the source and launches the producer and analysis worker.
// No-op when already running.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	frames, err := p.cfg.Source.Attach(ctx)
	if err != nil {
		cancel()
		return err
	}
	p.running = true
	p.cancel = cancel
	p.display = NewMailbox(KeepNewest)
	p.analysis = NewMailbox(KeepNewest)

	p.wg.Add(2)
	go p.produce(ctx, frames, p.display, p.analysis)
	go p.analyze(ctx, p.analysis)
	p.cfg.Logger.Info().Bool("continuous", p.continuous).Msg("pipeline started")
	return nil
}

// Stop cancels both loops, closes the buffers, detaches the source and
// propagates cancellation into any in-flight generation. Idempotent.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	display, analysis := p.display, p.analysis
	p.mu.Unlock()

	cancel()
	display.Close()
	analysis.Close()
	p.cfg.Source.Detach()
	if h := p.cfg.Controller.Active(); h != nil {
		p.cfg.Coordinator.Cancel(h)
	}
	p.wg.Wait()
	p.cfg.Logger.Info().Msg("pipeline stopped")
}

// Running reports whether the producer loop is active.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// SetContinuous toggles continuous-analysis mode.
func (p *Pipeline) SetContinuous(on bool) {
	p.mu.Lock()
	p.continuous = on
	p.mu.Unlock()
}

// SetPrompt replaces the prompt and suffix used for admitted frames.
func (p *Pipeline) SetPrompt(prompt, suffix string) {
	p.mu.Lock()
	p.prompt = prompt
	p.suffix = suffix
	p.mu.Unlock()
}

// Display exposes the display-path mailbox to the UI collaborator. Nil
// before the first Start.
func (p *Pipeline) Display() *Mailbox {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.display
}

// produce fans out every arriving frame: display unconditionally, analysis
// through the admission policy. It never blocks on the analysis worker.
func (p *Pipeline) produce(ctx context.Context, frames <-chan Frame, display, analysis *Mailbox) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			p.produced.Add(1)
			framesProduced.Inc()
			display.Put(f)
			p.displayed.Add(1)

			p.mu.Lock()
			p.lastFrame = &f
			p.mu.Unlock()

			if ok, reason := p.admit(time.Now()); ok {
				analysis.Put(f)
				p.admitted.Add(1)
				framesAdmitted.Inc()
			} else {
				p.drop(reason)
			}
		}
	}
}

// admit evaluates the analysis-path policy for one arriving frame. All
// conditions must hold; the first failing one names the drop reason.
func (p *Pipeline) admit(now time.Time) (bool, string) {
	p.mu.Lock()
	continuous := p.continuous
	p.mu.Unlock()
	if !continuous {
		return false, dropSingleShot
	}
	if p.cfg.Controller.State() != lifecycle.StateReady {
		return false, dropNotReady
	}
	h := p.cfg.Controller.Active()
	if h == nil {
		return false, dropNotReady
	}
	if h.Running() {
		return false, dropBusy
	}
	switch p.cfg.Monitor.Band() {
	case resmon.BandCritical:
		return false, dropCritical
	case resmon.BandHigh:
		if p.highSeq.Add(1)%uint64(p.cfg.HighBandStride) != 0 {
			return false, dropThrottled
		}
	}
	if !p.limiter.AllowN(now, 1) {
		return false, dropRateLimit
	}
	return true, ""
}

// analyze runs admitted frames through the coordinator one at a time,
// self-pacing to generation latency plus the inter-request delay.
func (p *Pipeline) analyze(ctx context.Context, analysis *Mailbox) {
	defer p.wg.Done()
	for {
		f, ok := analysis.Receive()
		if !ok {
			return
		}
		if ctx.Err() != nil {
			return
		}
		p.runFrame(ctx, f)

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.ContinuousDelay):
		}
	}
}

// runFrame submits one frame and waits for the terminal result.
func (p *Pipeline) runFrame(ctx context.Context, f Frame) {
	h := p.cfg.Controller.Active()
	if h == nil {
		return
	}
	p.mu.Lock()
	prompt, suffix := p.prompt, p.suffix
	p.mu.Unlock()

	req := types.NewGenerationRequest(prompt, suffix, [][]byte{f.Data})
	s := p.cfg.Coordinator.Submit(ctx, req, h)
	select {
	case <-ctx.Done():
		p.cfg.Coordinator.Cancel(h)
		<-s.Done()
		return
	case <-s.Done():
	}
	if s.State() == coordinator.Completed {
		if out, err := s.Result(); err == nil && p.cfg.Narrator != nil {
			p.cfg.Narrator.Submit(out.Text)
		}
	}
}

// TriggerOnce submits the newest frame on explicit request; this is the
// only admission path in single-shot mode. It waits for the terminal
// result so callers observe the outcome through the handle.
func (p *Pipeline) TriggerOnce(ctx context.Context) (*coordinator.Session, error) {
	p.triggerMu.Lock()
	defer p.triggerMu.Unlock()

	p.mu.Lock()
	f := p.lastFrame
	p.mu.Unlock()
	if f == nil {
		return nil, ErrNoFrame
	}
	h := p.cfg.Controller.Active()
	if h == nil {
		return nil, ErrNoFrame
	}
	p.mu.Lock()
	prompt, suffix := p.prompt, p.suffix
	p.mu.Unlock()

	s := p.cfg.Coordinator.Submit(ctx, types.NewGenerationRequest(prompt, suffix, [][]byte{f.Data}), h)
	select {
	case <-ctx.Done():
		p.cfg.Coordinator.Cancel(h)
		<-s.Done()
		return s, ctx.Err()
	case <-s.Done():
	}
	if s.State() == coordinator.Completed {
		if out, err := s.Result(); err == nil && p.cfg.Narrator != nil {
			p.cfg.Narrator.Submit(out.Text)
		}
	}
	return s, nil
}

func (p *Pipeline) drop(reason string) {
	p.droppedMu.Lock()
	p.dropped[reason]++
	p.droppedMu.Unlock()
	framesDropped.WithLabelValues(reason).Inc()
}

// Stats returns frame accounting since construction.
func (p *Pipeline) Stats() types.PipelineStats {
	st := types.PipelineStats{
		Running:   p.Running(),
		Produced:  p.produced.Load(),
		Displayed: p.displayed.Load(),
		Admitted:  p.admitted.Load(),
		Dropped:   make(map[string]uint64),
	}
	p.mu.Lock()
	st.Continuous = p.continuous
	analysis := p.analysis
	p.mu.Unlock()
	p.droppedMu.Lock()
	for k, v := range p.dropped {
		st.Dropped[k] = v
	}
	p.droppedMu.Unlock()
	if analysis != nil {
		if _, superseded := analysis.Stats(); superseded > 0 {
			st.Dropped[dropSuperseded] += superseded
		}
	}
	return st
}
