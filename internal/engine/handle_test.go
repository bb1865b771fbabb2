package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"visiond/pkg/types"
)

func testInfo() types.VariantInfo {
	return types.VariantInfo{ID: types.VariantFast05B, Name: "FastVLM 0.5B", FootprintMB: 600}
}

func TestHandleStatusLine(t *testing.T) {
	m := &Mock{}
	h := NewHandle(testInfo(), m)
	if got := h.StatusLine(); !strings.Contains(got, "not loaded") {
		t.Fatalf("expected not-loaded line, got %q", got)
	}
	h.SetLoadState(Loading)
	h.SetLoadProgress(0.5)
	if got := h.StatusLine(); !strings.Contains(got, "loading 50%") {
		t.Fatalf("expected loading line, got %q", got)
	}
	h.SetLoadState(Loaded)
	if got := h.StatusLine(); !strings.Contains(got, "ready") {
		t.Fatalf("expected ready line, got %q", got)
	}
	h.SetLoadState(LoadFailed)
	if got := h.StatusLine(); !strings.Contains(got, "failed") {
		t.Fatalf("expected failed line, got %q", got)
	}
}

func TestHandleClearOutput(t *testing.T) {
	h := NewHandle(testInfo(), &Mock{})
	h.SetOutput("partial text")
	h.SetPromptTime(120 * time.Millisecond)
	h.ClearOutput()
	if h.Output() != "" {
		t.Fatalf("expected cleared output")
	}
	if h.PromptTime() != 0 {
		t.Fatalf("expected cleared prompt time")
	}
}

func TestHandleSnapshotIsCopy(t *testing.T) {
	h := NewHandle(testInfo(), &Mock{})
	h.SetLoadState(Loaded)
	h.SetOutput("hello")
	s := h.Snapshot()
	if s.Output != "hello" || s.LoadState != "loaded" || s.Running {
		t.Fatalf("unexpected snapshot %+v", s)
	}
	s.Output = "mutated"
	if h.Output() != "hello" {
		t.Fatalf("snapshot mutation leaked into handle")
	}
}

func TestMockCancelStopsGeneration(t *testing.T) {
	m := &Mock{TokenDelay: 20 * time.Millisecond}
	if err := m.Load(context.Background(), nil); err != nil {
		t.Fatalf("load: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := m.Generate(context.Background(), "p", nil, nil)
		done <- err
	}()
	time.Sleep(30 * time.Millisecond)
	m.Cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("generation did not stop after cancel")
	}
	if m.Running() {
		t.Fatalf("expected running=false after cancel")
	}
}

func TestMockStuckEngineIgnoresCancel(t *testing.T) {
	m := &Mock{TokenDelay: 10 * time.Millisecond, IgnoreCancel: true}
	if err := m.Load(context.Background(), nil); err != nil {
		t.Fatalf("load: %v", err)
	}
	done := make(chan struct{})
	go func() {
		_, _ = m.Generate(context.Background(), "p", nil, nil)
		close(done)
	}()
	time.Sleep(15 * time.Millisecond)
	m.Cancel()
	if !m.Running() {
		t.Fatalf("stuck engine should still report running after cancel")
	}
	<-done
}

func TestMockFailNextLoads(t *testing.T) {
	m := &Mock{}
	m.FailNextLoads(2)
	ctx := context.Background()
	if err := m.Load(ctx, nil); !IsLoadError(err) {
		t.Fatalf("expected load error, got %v", err)
	}
	if err := m.Load(ctx, nil); !IsLoadError(err) {
		t.Fatalf("expected second load error, got %v", err)
	}
	if err := m.Load(ctx, nil); err != nil {
		t.Fatalf("expected third load to succeed, got %v", err)
	}
}

func TestTokenCallbackReceivesCumulativeText(t *testing.T) {
	m := &Mock{Fragments: []string{"a", "b", "c"}}
	if err := m.Load(context.Background(), nil); err != nil {
		t.Fatalf("load: %v", err)
	}
	var seen []string
	out, err := m.Generate(context.Background(), "p", nil, func(cum string) Decision {
		seen = append(seen, cum)
		return Continue
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	want := []string{"a", "ab", "abc"}
	if len(seen) != len(want) {
		t.Fatalf("expected %d callbacks got %d", len(want), len(seen))
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("callback %d: expected %q got %q", i, want[i], seen[i])
		}
	}
	if out.Text != "abc" {
		t.Fatalf("expected final text abc got %q", out.Text)
	}
}
