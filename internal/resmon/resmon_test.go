package resmon

import (
	"sync/atomic"
	"testing"
	"time"
)

// fixedReader returns a swappable synthetic memory reading.
type fixedReader struct {
	resident atomic.Uint64
	total    uint64
}

func (f *fixedReader) read() (uint64, uint64, error) {
	return f.resident.Load(), f.total, nil
}

func newTestMonitor(r *fixedReader) *Monitor {
	return New(Config{Interval: time.Hour, Read: r.read})
}

func TestClassifyBands(t *testing.T) {
	r := &fixedReader{total: 1000}
	m := newTestMonitor(r)
	cases := []struct {
		resident uint64
		want     Band
	}{
		{100, BandLow},
		{499, BandLow},
		{500, BandMedium},
		{749, BandMedium},
		{750, BandHigh},
		{899, BandHigh},
		{900, BandCritical},
		{1000, BandCritical},
	}
	for _, c := range cases {
		r.resident.Store(c.resident)
		s := m.Sample()
		if s.Band != c.want {
			t.Fatalf("resident=%d: expected band %v got %v", c.resident, c.want, s.Band)
		}
	}
}

func TestPeakMonotonic(t *testing.T) {
	r := &fixedReader{total: 1000}
	m := newTestMonitor(r)
	r.resident.Store(400)
	m.Sample()
	r.resident.Store(800)
	m.Sample()
	r.resident.Store(300)
	m.Sample()
	if got := m.Peak(); got != 800 {
		t.Fatalf("expected peak 800 got %d", got)
	}
	if got := m.Current().ResidentBytes; got != 300 {
		t.Fatalf("expected current 300 got %d", got)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	r := &fixedReader{total: 1000}
	r.resident.Store(100)
	m := New(Config{Interval: 5 * time.Millisecond, Read: r.read})
	m.Stop() // before Start: no-op
	m.Start()
	m.Start() // second Start: no-op
	time.Sleep(20 * time.Millisecond)
	m.Stop()
	m.Stop() // second Stop: no-op
	if m.Current().At.IsZero() {
		t.Fatalf("expected at least one sample after Start")
	}
}

func TestHistoryBounded(t *testing.T) {
	r := &fixedReader{total: 1000}
	r.resident.Store(100)
	m := New(Config{Interval: time.Hour, HistorySize: 3, Read: r.read})
	for i := 0; i < 10; i++ {
		m.Sample()
	}
	if got := len(m.History()); got != 3 {
		t.Fatalf("expected history capped at 3 got %d", got)
	}
}

func TestSubscribeLatestWins(t *testing.T) {
	r := &fixedReader{total: 1000}
	r.resident.Store(100)
	m := newTestMonitor(r)
	m.Sample() // establish low baseline
	sub := m.Subscribe()

	// Two transitions without the subscriber reading; only the newest
	// should be retained.
	r.resident.Store(800)
	m.Sample()
	r.resident.Store(950)
	m.Sample()

	select {
	case ch := <-sub:
		if ch.To != BandCritical {
			t.Fatalf("expected newest transition to critical, got %v", ch.To)
		}
	default:
		t.Fatalf("expected a pending band change")
	}
	select {
	case ch := <-sub:
		t.Fatalf("expected single retained change, got extra %v->%v", ch.From, ch.To)
	default:
	}
}

func TestNoChangeNoNotification(t *testing.T) {
	r := &fixedReader{total: 1000}
	r.resident.Store(100)
	m := newTestMonitor(r)
	m.Sample()
	sub := m.Subscribe()
	r.resident.Store(120)
	m.Sample() // still low
	select {
	case ch := <-sub:
		t.Fatalf("unexpected band change %v->%v", ch.From, ch.To)
	default:
	}
}
