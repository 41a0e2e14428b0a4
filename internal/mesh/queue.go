package mesh

import "sync"

// mailbox is an unbounded FIFO of actor steps. Pushing never blocks, so
// callbacks fired from inside a step may post follow-ups safely.
type mailbox struct {
	mu     sync.Mutex
	steps  []func()
	closed bool
	wake   chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{wake: make(chan struct{}, 1)}
}

func (m *mailbox) push(step func()) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.steps = append(m.steps, step)
	m.mu.Unlock()
	m.signal()
	return true
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.signal()
}

func (m *mailbox) take() ([]func(), bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	steps := m.steps
	m.steps = nil
	return steps, m.closed
}

func (m *mailbox) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// run executes steps until the mailbox is closed and empty.
func (m *mailbox) run() {
	for {
		steps, closed := m.take()
		if len(steps) == 0 {
			if closed {
				return
			}
			<-m.wake
			continue
		}
		for _, step := range steps {
			step()
		}
	}
}
