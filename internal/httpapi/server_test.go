package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"visiond/internal/lifecycle"
	"visiond/internal/pipeline"
	"visiond/pkg/types"
)

type mockService struct {
	status      types.StatusResponse
	ready       bool
	generateErr error
	switchErr   error
	triggerErr  error
	startErr    error

	switchedTo types.Variant
	cancelled  bool
	continuous *bool
	stopped    bool
}

func (m *mockService) Variants() types.VariantsResponse {
	return types.VariantsResponse{Variants: types.KnownVariants()}
}
func (m *mockService) Status() types.StatusResponse { return m.status }
func (m *mockService) Ready() bool                  { return m.ready }

func (m *mockService) Generate(ctx context.Context, req types.GenerationRequest, w io.Writer, flush func()) error {
	if m.generateErr != nil {
		return m.generateErr
	}
	enc := json.NewEncoder(w)
	_ = enc.Encode(types.GenerateEvent{Output: "a person"})
	if flush != nil {
		flush()
	}
	_ = enc.Encode(types.GenerateEvent{Output: "a person at a desk", Done: true, State: "completed"})
	if flush != nil {
		flush()
	}
	return nil
}

func (m *mockService) CancelGeneration() { m.cancelled = true }
func (m *mockService) Switch(ctx context.Context, v types.Variant) error {
	if m.switchErr != nil {
		return m.switchErr
	}
	m.switchedTo = v
	return nil
}
func (m *mockService) PipelineStart(ctx context.Context) error { return m.startErr }
func (m *mockService) PipelineStop()                           { m.stopped = true }
func (m *mockService) SetContinuous(on bool)                   { m.continuous = &on }
func (m *mockService) TriggerOnce(ctx context.Context) (types.HandleStatus, error) {
	if m.triggerErr != nil {
		return types.HandleStatus{}, m.triggerErr
	}
	return types.HandleStatus{Variant: types.VariantFast05B, Output: "a mug"}, nil
}

func postJSON(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestVariantsHandler(t *testing.T) {
	r := NewMux(&mockService{})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/variants", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var body types.VariantsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if len(body.Variants) != 3 {
		t.Fatalf("variants len=%d", len(body.Variants))
	}
}

func TestStatusHandler(t *testing.T) {
	svc := &mockService{status: types.StatusResponse{State: "ready", RecoveryAttempts: 2}}
	r := NewMux(svc)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var body types.StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body.State != "ready" || body.RecoveryAttempts != 2 {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestGenerateStreamsNDJSON(t *testing.T) {
	r := NewMux(&mockService{})
	w := postJSON(t, r, "/generate", `{"prompt":"what is this"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "application/x-ndjson") {
		t.Fatalf("content-type=%s", ct)
	}
	lines := bytes.Split(bytes.TrimSpace(w.Body.Bytes()), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("expected 2 NDJSON lines, got %d: %s", len(lines), w.Body.String())
	}
	var last types.GenerateEvent
	if err := json.Unmarshal(lines[len(lines)-1], &last); err != nil {
		t.Fatalf("json: %v", err)
	}
	if !last.Done || last.State != "completed" {
		t.Fatalf("unexpected final event: %+v", last)
	}
}

func TestGenerateValidation(t *testing.T) {
	r := NewMux(&mockService{})

	// missing content type
	req := httptest.NewRequest(http.MethodPost, "/generate", strings.NewReader(`{"prompt":"x"}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status=%d", w.Code)
	}

	// empty prompt
	if w := postJSON(t, r, "/generate", `{"prompt":"  "}`); w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}

	// invalid base64 image
	if w := postJSON(t, r, "/generate", `{"prompt":"x","images":["%%%"]}`); w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}

	// broken JSON
	if w := postJSON(t, r, "/generate", `{"prompt":`); w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestGenerateErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{lifecycle.ErrNoModel, http.StatusServiceUnavailable},
		{lifecycle.ErrUnknownVariant("fast-99b"), http.StatusNotFound},
		{lifecycle.ErrSwitchInProgress, http.StatusConflict},
	}
	for _, tc := range cases {
		r := NewMux(&mockService{generateErr: tc.err})
		w := postJSON(t, r, "/generate", `{"prompt":"x"}`)
		if w.Code != tc.want {
			t.Fatalf("err=%v status=%d want=%d", tc.err, w.Code, tc.want)
		}
		var body types.ErrorResponse
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("json: %v", err)
		}
		if body.Code != tc.want || body.Error == "" {
			t.Fatalf("unexpected error body: %+v", body)
		}
	}
}

func TestCancelHandler(t *testing.T) {
	svc := &mockService{}
	r := NewMux(svc)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/cancel", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("status=%d", w.Code)
	}
	if !svc.cancelled {
		t.Fatal("cancel not forwarded")
	}
}

func TestSwitchHandler(t *testing.T) {
	svc := &mockService{status: types.StatusResponse{State: "ready"}}
	r := NewMux(svc)
	w := postJSON(t, r, "/switch", `{"variant":"fast-1.5b"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if svc.switchedTo != types.VariantFast15B {
		t.Fatalf("switched to %q", svc.switchedTo)
	}

	if w := postJSON(t, r, "/switch", `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}

	r = NewMux(&mockService{switchErr: lifecycle.ErrUnknownVariant("fast-99b")})
	if w := postJSON(t, r, "/switch", `{"variant":"fast-99b"}`); w.Code != http.StatusNotFound {
		t.Fatalf("status=%d", w.Code)
	}

	r = NewMux(&mockService{switchErr: lifecycle.ErrSwitchInProgress})
	if w := postJSON(t, r, "/switch", `{"variant":"fast-0.5b"}`); w.Code != http.StatusConflict {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestPipelineHandlers(t *testing.T) {
	svc := &mockService{}
	r := NewMux(svc)

	if w := postJSON(t, r, "/pipeline/start", `{"continuous":true}`); w.Code != http.StatusOK {
		t.Fatalf("start status=%d", w.Code)
	}
	if svc.continuous == nil || !*svc.continuous {
		t.Fatal("continuous flag not forwarded")
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/pipeline/stop", nil))
	if w.Code != http.StatusOK || !svc.stopped {
		t.Fatalf("stop status=%d stopped=%v", w.Code, svc.stopped)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/pipeline/trigger", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("trigger status=%d", w.Code)
	}
	var snap types.HandleStatus
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("json: %v", err)
	}
	if snap.Output != "a mug" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	r = NewMux(&mockService{triggerErr: pipeline.ErrNoFrame})
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/pipeline/trigger", nil))
	if w.Code != http.StatusConflict {
		t.Fatalf("trigger status=%d", w.Code)
	}
}

func TestReadyz(t *testing.T) {
	r := NewMux(&mockService{ready: true})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestReadyz_NotReady(t *testing.T) {
	r := NewMux(&mockService{ready: false})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "loading") {
		t.Fatalf("body=%q", w.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	r := NewMux(&mockService{})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("status=%d body=%q", w.Code, w.Body.String())
	}
}
