package coordinator

import (
	"sync"

	"visiond/internal/engine"
	"visiond/pkg/types"
)

// SessionState is the lifecycle state of one generation.
type SessionState int

const (
	Queued SessionState = iota
	PreparingInput
	Generating
	Completed
	Cancelled
	Failed
)

func (s SessionState) String() string {
	switch s {
	case Queued:
		return "queued"
	case PreparingInput:
		return "preparing_input"
	case Generating:
		return "generating"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Session is the in-flight execution of one request against one handle.
// At most one non-terminal Session exists per handle at any instant.
type Session struct {
	req types.GenerationRequest

	mu        sync.Mutex
	state     SessionState
	out       engine.Output
	err       error
	cancelReq bool
	done      chan struct{}
	updates   chan string
}

func newSession(req types.GenerationRequest) *Session {
	return &Session{req: req, state: Queued, done: make(chan struct{}), updates: make(chan string, 1)}
}

// newCancelledSession builds the no-op result returned when a submission is
// refused (stuck engine).
func newCancelledSession(req types.GenerationRequest, err error) *Session {
	s := newSession(req)
	s.finish(Cancelled, engine.Output{}, err)
	return s
}

// Request returns the immutable request this session executes.
func (s *Session) Request() types.GenerationRequest { return s.req }

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Terminal reports whether the session has finished.
func (s *Session) Terminal() bool {
	switch s.State() {
	case Completed, Cancelled, Failed:
		return true
	default:
		return false
	}
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Updates streams cumulative partial output, latest-wins: a slow consumer
// only ever sees the newest published text. Closed on terminal state.
func (s *Session) Updates() <-chan string { return s.updates }

// publish offers cum on the updates channel, replacing an unconsumed value.
// Called only from the session's run goroutine, before finish.
func (s *Session) publish(cum string) {
	select {
	case s.updates <- cum:
		return
	default:
	}
	select {
	case <-s.updates:
	default:
	}
	select {
	case s.updates <- cum:
	default:
	}
}

// Result returns the final output and error. Valid after Done is closed.
func (s *Session) Result() (engine.Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out, s.err
}

func (s *Session) setState(st SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) requestCancel() {
	s.mu.Lock()
	s.cancelReq = true
	s.mu.Unlock()
}

func (s *Session) cancelRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelReq
}

func (s *Session) finish(st SessionState, out engine.Output, err error) {
	s.mu.Lock()
	if s.state == Completed || s.state == Cancelled || s.state == Failed {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.out = out
	s.err = err
	close(s.done)
	close(s.updates)
	s.mu.Unlock()
}
