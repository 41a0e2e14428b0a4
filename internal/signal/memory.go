package signal

import (
	"context"
	"sync"
	"time"

	"github.com/mossy-p/webrtc-mesh/internal/models"
	"go.uber.org/zap"
)

type address struct {
	room string
	to   string
}

// Memory is an in-process relay. It keeps per-recipient append order and,
// like the shared-store relays, redelivers pending envelopes on every wake-up;
// subscriptions drop what they have already seen. Acknowledgements go through
// the same batcher as the Redis relay; by default each one is deleted at once.
type Memory struct {
	mu     sync.Mutex
	inbox  map[address][]models.Envelope
	subs   map[address]map[*memorySub]struct{}
	closed bool

	acks *ackBatcher
}

var _ Channel = (*Memory)(nil)

// MemoryOption configures an in-process relay.
type MemoryOption func(*Memory)

// WithMemoryAckInterval collects acknowledgements for d before deleting them
// together.
func WithMemoryAckInterval(d time.Duration) MemoryOption {
	return func(m *Memory) { m.acks.interval = d }
}

// NewMemory returns an empty in-process relay.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		inbox: make(map[address][]models.Envelope),
		subs:  make(map[address]map[*memorySub]struct{}),
	}
	m.acks = &ackBatcher{log: zap.NewNop(), flush: m.deleteBatch}
	for _, o := range opts {
		o(m)
	}
	return m
}

type memorySub struct {
	relay *Memory
	addr  address
	sub   *subscriber
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func (s *memorySub) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
			envs := s.relay.pending(s.addr)
			ids := make([]string, len(envs))
			for i, env := range envs {
				ids[i] = env.ID
			}
			s.sub.retain(ids)
			s.sub.deliver(envs)
		}
	}
}

func (s *memorySub) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Close stops delivery.
func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.sub.close()
		close(s.done)
		s.relay.mu.Lock()
		delete(s.relay.subs[s.addr], s)
		s.relay.mu.Unlock()
	})
	return nil
}

func (m *Memory) Send(_ context.Context, env models.Envelope) (models.Envelope, error) {
	env, err := stamp(env)
	if err != nil {
		return env, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return env, ErrClosed
	}
	addr := address{room: env.RoomID, to: env.To}
	m.inbox[addr] = append(m.inbox[addr], env)
	for s := range m.subs[addr] {
		s.notify()
	}
	return env, nil
}

func (m *Memory) Subscribe(_ context.Context, roomID, selfID string, h Handler) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	addr := address{room: roomID, to: selfID}
	s := &memorySub{
		relay: m,
		addr:  addr,
		sub:   newSubscriber(h),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	if m.subs[addr] == nil {
		m.subs[addr] = make(map[*memorySub]struct{})
	}
	m.subs[addr][s] = struct{}{}

	go s.run()
	s.notify()
	return s, nil
}

func (m *Memory) Acknowledge(ctx context.Context, env models.Envelope) error {
	return m.acks.add(ctx, env)
}

// Flush deletes acknowledged envelopes still waiting for the batch timer.
func (m *Memory) Flush(ctx context.Context) error {
	return m.acks.Flush(ctx)
}

func (m *Memory) deleteBatch(_ context.Context, envs []models.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, env := range envs {
		addr := address{room: env.RoomID, to: env.To}
		id := env.ID
		m.inbox[addr] = removeWhere(m.inbox[addr], func(e models.Envelope) bool { return e.ID == id })
	}
	return nil
}

func (m *Memory) ClearAllFrom(_ context.Context, roomID, selfID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for addr, envs := range m.inbox {
		if addr.room != roomID {
			continue
		}
		m.inbox[addr] = removeWhere(envs, func(e models.Envelope) bool { return e.From == selfID })
	}
	return nil
}

func (m *Memory) ClearBetween(_ context.Context, roomID, fromID, toID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	addr := address{room: roomID, to: toID}
	m.inbox[addr] = removeWhere(m.inbox[addr], func(e models.Envelope) bool { return e.From == fromID })
	return nil
}

// Pending returns the envelopes still stored for a recipient, oldest first.
func (m *Memory) Pending(roomID, to string) []models.Envelope {
	return m.pending(address{room: roomID, to: to})
}

// Redeliver wakes every subscription of the recipient so it re-reads the
// inbox, as an at-least-once relay may do at any time.
func (m *Memory) Redeliver(roomID, to string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for s := range m.subs[address{room: roomID, to: to}] {
		s.notify()
	}
}

// Close flushes pending acknowledgements and shuts the relay; open
// subscriptions stop receiving.
func (m *Memory) Close() error {
	_ = m.acks.Flush(context.Background())

	m.mu.Lock()
	m.closed = true
	subs := make([]*memorySub, 0)
	for _, set := range m.subs {
		for s := range set {
			subs = append(subs, s)
		}
	}
	m.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	return nil
}

func (m *Memory) pending(addr address) []models.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Envelope(nil), m.inbox[addr]...)
}

func removeWhere(envs []models.Envelope, drop func(models.Envelope) bool) []models.Envelope {
	out := envs[:0]
	for _, e := range envs {
		if !drop(e) {
			out = append(out, e)
		}
	}
	return out
}
