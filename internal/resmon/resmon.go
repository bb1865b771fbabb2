// Package resmon samples process memory on a timer and classifies usage into
// pressure bands. It is purely observational: consumers decide what to do
// about pressure, the monitor only reports it.
package resmon

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// Band classifies memory usage for admission and recovery decisions.
type Band int

const (
	BandLow Band = iota
	BandMedium
	BandHigh
	BandCritical
)

func (b Band) String() string {
	switch b {
	case BandLow:
		return "low"
	case BandMedium:
		return "medium"
	case BandHigh:
		return "high"
	case BandCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Sample is one memory reading. Immutable.
type Sample struct {
	At            time.Time
	ResidentBytes uint64
	TotalBytes    uint64
	UsedFraction  float64
	Band          Band
}

// BandChange is delivered to subscribers when the classification moves.
type BandChange struct {
	From, To Band
	Sample   Sample
}

// ReadFunc supplies (resident, totalPhysical) readings. Swappable in tests.
type ReadFunc func() (resident uint64, total uint64, err error)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultInterval    = 2 * time.Second
	defaultHistorySize = 30
)

// Default band boundaries as fractions of physical memory.
const (
	defaultMediumFrac   = 0.50
	defaultHighFrac     = 0.75
	defaultCriticalFrac = 0.90
)

// Config holds monitor tunables. Zero values take package defaults.
type Config struct {
	Interval     time.Duration
	HistorySize  int
	MediumFrac   float64
	HighFrac     float64
	CriticalFrac float64
	Read         ReadFunc
	Logger       zerolog.Logger
}

// Monitor samples memory on a fixed interval and publishes the newest
// reading. Start and Stop are idempotent.
type Monitor struct {
	mu      sync.RWMutex
	cfg     Config
	current Sample
	peak    uint64
	history []Sample
	subs    []chan BandChange

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New constructs a Monitor, applying defaults for unset Config fields.
func New(cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	if cfg.MediumFrac <= 0 {
		cfg.MediumFrac = defaultMediumFrac
	}
	if cfg.HighFrac <= 0 {
		cfg.HighFrac = defaultHighFrac
	}
	if cfg.CriticalFrac <= 0 {
		cfg.CriticalFrac = defaultCriticalFrac
	}
	if cfg.Read == nil {
		cfg.Read = processMemory
	}
	return &Monitor{cfg: cfg}
}

// Start launches the sampling loop. No-op if already running.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	stop, done := m.stopCh, m.doneCh
	m.mu.Unlock()

	go m.loop(stop, done)
}

// Stop cancels the sampling loop and waits for it to exit. Safe to call
// multiple times and before Start.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stop, done := m.stopCh, m.doneCh
	m.mu.Unlock()

	close(stop)
	<-done
}

func (m *Monitor) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	m.Sample()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.Sample()
		}
	}
}

// Sample takes an immediate reading and publishes it. Also used by tests to
// drive the monitor without waiting on the ticker.
func (m *Monitor) Sample() Sample {
	resident, total, err := m.cfg.Read()
	if err != nil {
		m.cfg.Logger.Warn().Err(err).Msg("memory read failed")
		m.mu.RLock()
		cur := m.current
		m.mu.RUnlock()
		return cur
	}
	frac := 0.0
	if total > 0 {
		frac = float64(resident) / float64(total)
	}
	s := Sample{
		At:            time.Now(),
		ResidentBytes: resident,
		TotalBytes:    total,
		UsedFraction:  frac,
		Band:          m.classify(frac),
	}

	m.mu.Lock()
	prev := m.current.Band
	first := m.current.At.IsZero()
	m.current = s
	if resident > m.peak {
		m.peak = resident
	}
	m.history = append(m.history, s)
	if len(m.history) > m.cfg.HistorySize {
		m.history = m.history[len(m.history)-m.cfg.HistorySize:]
	}
	var subs []chan BandChange
	if s.Band != prev && !first {
		subs = append(subs, m.subs...)
	}
	m.mu.Unlock()

	residentGauge.Set(float64(resident))
	usedFractionGauge.Set(frac)
	bandGauge.Set(float64(s.Band))

	if subs != nil {
		m.cfg.Logger.Info().
			Str("from", prev.String()).
			Str("to", s.Band.String()).
			Float64("used_fraction", frac).
			Msg("memory band change")
		ch := BandChange{From: prev, To: s.Band, Sample: s}
		for _, sub := range subs {
			// Capacity-1 latest-wins delivery: drain a stale value rather
			// than block the sampler on a slow consumer.
			select {
			case sub <- ch:
			default:
				select {
				case <-sub:
				default:
				}
				select {
				case sub <- ch:
				default:
				}
			}
		}
	}
	return s
}

func (m *Monitor) classify(frac float64) Band {
	switch {
	case frac >= m.cfg.CriticalFrac:
		return BandCritical
	case frac >= m.cfg.HighFrac:
		return BandHigh
	case frac >= m.cfg.MediumFrac:
		return BandMedium
	default:
		return BandLow
	}
}

// Current returns the newest sample.
func (m *Monitor) Current() Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Band returns the newest classification.
func (m *Monitor) Band() Band {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.Band
}

// Peak returns the highest resident reading observed; it only resets with a
// new Monitor.
func (m *Monitor) Peak() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.peak
}

// History returns a copy of the rolling sample window, oldest first.
func (m *Monitor) History() []Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Sample, len(m.history))
	copy(out, m.history)
	return out
}

// Subscribe returns a channel receiving band changes. Delivery is
// latest-wins: a slow consumer sees the most recent transition only.
func (m *Monitor) Subscribe() <-chan BandChange {
	ch := make(chan BandChange, 1)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// processMemory reads this process's RSS and the machine's physical total.
func processMemory() (uint64, uint64, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, 0, err
	}
	mi, err := proc.MemoryInfo()
	if err != nil {
		return 0, 0, err
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, err
	}
	return mi.RSS, vm.Total, nil
}
