// Package signal relays signalling envelopes between participants of a room
// through a shared store. Delivery is at-least-once per (room, recipient)
// address; subscribers suppress redeliveries and acknowledge what they have
// processed so the relay can delete it.
package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/webrtc-mesh/internal/models"
	"go.uber.org/zap"
)

var ErrClosed = errors.New("signal: subscription closed")

// Handler receives each new envelope addressed to the subscriber exactly once.
// Calls for one subscription are serialized.
type Handler func(models.Envelope)

// Subscription is a live inbound feed. Close is idempotent.
type Subscription interface {
	Close() error
}

// Channel is the relay contract the mesh and broadcast layers depend on.
type Channel interface {
	// Send appends env to the recipient's inbox. The stored envelope, with ID
	// and SentAt assigned, is returned.
	Send(ctx context.Context, env models.Envelope) (models.Envelope, error)

	// Subscribe starts delivering envelopes addressed to selfID. Envelopes
	// already waiting in the inbox are delivered first.
	Subscribe(ctx context.Context, roomID, selfID string, h Handler) (Subscription, error)

	// Acknowledge requests deletion of a processed envelope. Deletes may be
	// batched.
	Acknowledge(ctx context.Context, env models.Envelope) error

	// ClearAllFrom deletes every envelope selfID authored in the room.
	ClearAllFrom(ctx context.Context, roomID, selfID string) error

	// ClearBetween deletes the envelopes fromID addressed to toID.
	ClearBetween(ctx context.Context, roomID, fromID, toID string) error
}

func stamp(env models.Envelope) (models.Envelope, error) {
	if err := env.Validate(); err != nil {
		return env, fmt.Errorf("signal: send: %w", err)
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.SentAt.IsZero() {
		env.SentAt = time.Now().UTC()
	}
	return env, nil
}

// subscriber tracks what one subscription has already handed out so a relay
// redelivering pending envelopes never replays them. Ids are forgotten once a
// full read of the inbox no longer lists them; a deleted envelope never
// returns.
type subscriber struct {
	handler Handler

	mu     sync.Mutex
	seen   map[string]struct{}
	closed bool
}

func newSubscriber(h Handler) *subscriber {
	return &subscriber{handler: h, seen: make(map[string]struct{})}
}

// unseen takes every id currently in the inbox and returns those not yet
// delivered.
func (s *subscriber) unseen(ids []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retainLocked(ids)
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := s.seen[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// retain forgets delivered ids missing from a full inbox read.
func (s *subscriber) retain(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retainLocked(ids)
}

func (s *subscriber) retainLocked(ids []string) {
	if len(s.seen) == 0 {
		return
	}
	stored := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		stored[id] = struct{}{}
	}
	for id := range s.seen {
		if _, ok := stored[id]; !ok {
			delete(s.seen, id)
		}
	}
}

func (s *subscriber) tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

func (s *subscriber) deliver(envs []models.Envelope) {
	for _, env := range envs {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		if _, dup := s.seen[env.ID]; dup {
			s.mu.Unlock()
			continue
		}
		s.seen[env.ID] = struct{}{}
		s.mu.Unlock()

		s.handler(env)
	}
}

func (s *subscriber) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}

// ackBatcher coalesces acknowledgements arriving within one interval into a
// single flush.
type ackBatcher struct {
	interval time.Duration
	flush    func(ctx context.Context, envs []models.Envelope) error
	log      *zap.Logger

	mu      sync.Mutex
	pending []models.Envelope
	timer   *time.Timer
}

func (b *ackBatcher) add(ctx context.Context, env models.Envelope) error {
	if b.interval <= 0 {
		return b.flush(ctx, []models.Envelope{env})
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, env)
	if b.timer == nil {
		b.timer = time.AfterFunc(b.interval, b.fire)
	}
	return nil
}

func (b *ackBatcher) take() []models.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	batch := b.pending
	b.pending = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	return batch
}

func (b *ackBatcher) fire() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.Flush(ctx); err != nil {
		b.log.Warn("acknowledge batch failed", zap.Error(err))
	}
}

// Flush deletes everything acknowledged so far.
func (b *ackBatcher) Flush(ctx context.Context) error {
	batch := b.take()
	if len(batch) == 0 {
		return nil
	}
	return b.flush(ctx, batch)
}
