package pipeline

import "sync"

// DropPolicy defines how a full mailbox handles the next frame.
type DropPolicy int

const (
	// KeepNewest replaces an unconsumed frame with the new one.
	KeepNewest DropPolicy = iota
	// KeepOldest drops the new frame while one is unconsumed.
	KeepOldest
)

// Mailbox is a capacity-1 buffer between the frame producer and one
// consumer. The producer only writes; the consumer owns the buffer.
type Mailbox struct {
	mu      sync.Mutex
	cond    *sync.Cond
	frame   *Frame
	closed  bool
	sent    uint64
	dropped uint64
	policy  DropPolicy
}

// NewMailbox creates a mailbox with the given drop policy.
func NewMailbox(policy DropPolicy) *Mailbox {
	m := &Mailbox{policy: policy}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Put delivers a frame without blocking. Under KeepNewest an unconsumed
// frame is overwritten (counted as dropped); under KeepOldest the new frame
// is discarded instead. Every frame lands in exactly one counter, so
// sent+dropped always equals the number of Puts.
func (m *Mailbox) Put(f Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if m.frame != nil {
		// The loser of the collision is the drop; on overwrite the slot's
		// sent credit carries over to the replacement.
		m.dropped++
		if m.policy == KeepOldest {
			return
		}
	} else {
		m.sent++
	}
	m.frame = &f
	m.cond.Signal()
}

// Receive blocks until a frame is available or the mailbox closes.
// The second return is false after close.
func (m *Mailbox) Receive() (Frame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.frame == nil && !m.closed {
		m.cond.Wait()
	}
	if m.frame == nil {
		return Frame{}, false
	}
	f := *m.frame
	m.frame = nil
	return f, true
}

// TryReceive returns the pending frame without blocking.
func (m *Mailbox) TryReceive() (Frame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frame == nil {
		return Frame{}, false
	}
	f := *m.frame
	m.frame = nil
	return f, true
}

// Close wakes any blocked Receive. Idempotent.
func (m *Mailbox) Close() {
	m.mu.Lock()
	m.closed = true
	m.frame = nil
	m.cond.Broadcast()
	m.mu.Unlock()
}

// Stats returns delivered and dropped counts.
func (m *Mailbox) Stats() (sent, dropped uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent, m.dropped
}
