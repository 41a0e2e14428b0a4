package screenshare

import (
	"context"
	"errors"
	"sync"

	"github.com/mossy-p/webrtc-mesh/internal/models"
)

var ErrLeaseSuperseded = errors.New("screenshare: lease superseded")

// LeaseStore guards the single sharer role of a room with a versioned token.
type LeaseStore interface {
	// Acquire makes holder the sharer, taking over from anyone else, and
	// returns the new lease with a bumped version.
	Acquire(ctx context.Context, roomID, holder string) (models.ShareLease, error)

	// Release gives the role up if lease is still the current one. A stale
	// lease fails with ErrLeaseSuperseded and changes nothing.
	Release(ctx context.Context, lease models.ShareLease) error

	// Current returns the room's lease; the zero Holder means nobody shares.
	Current(ctx context.Context, roomID string) (models.ShareLease, error)

	// Watch yields the current lease and then every change. The channel is
	// closed when ctx ends.
	Watch(ctx context.Context, roomID string) (<-chan models.ShareLease, error)
}

// MemoryLeases is an in-process LeaseStore.
type MemoryLeases struct {
	mu       sync.Mutex
	leases   map[string]models.ShareLease
	watchers map[string]map[chan models.ShareLease]struct{}
}

var _ LeaseStore = (*MemoryLeases)(nil)

func NewMemoryLeases() *MemoryLeases {
	return &MemoryLeases{
		leases:   make(map[string]models.ShareLease),
		watchers: make(map[string]map[chan models.ShareLease]struct{}),
	}
}

func (m *MemoryLeases) Acquire(_ context.Context, roomID, holder string) (models.ShareLease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.current(roomID)
	next := models.ShareLease{RoomID: roomID, Holder: holder, Version: cur.Version + 1}
	m.leases[roomID] = next
	m.notify(next)
	return next, nil
}

func (m *MemoryLeases) Release(_ context.Context, lease models.ShareLease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.current(lease.RoomID)
	if cur.Version != lease.Version || cur.Holder != lease.Holder {
		return ErrLeaseSuperseded
	}
	next := models.ShareLease{RoomID: lease.RoomID, Version: cur.Version + 1}
	m.leases[lease.RoomID] = next
	m.notify(next)
	return nil
}

func (m *MemoryLeases) Current(_ context.Context, roomID string) (models.ShareLease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current(roomID), nil
}

func (m *MemoryLeases) Watch(ctx context.Context, roomID string) (<-chan models.ShareLease, error) {
	ch := make(chan models.ShareLease, 1)

	m.mu.Lock()
	if m.watchers[roomID] == nil {
		m.watchers[roomID] = make(map[chan models.ShareLease]struct{})
	}
	m.watchers[roomID][ch] = struct{}{}
	offerLatest(ch, m.current(roomID))
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.watchers[roomID], ch)
		close(ch)
		m.mu.Unlock()
	}()
	return ch, nil
}

func (m *MemoryLeases) current(roomID string) models.ShareLease {
	l, ok := m.leases[roomID]
	if !ok {
		return models.ShareLease{RoomID: roomID}
	}
	return l
}

func (m *MemoryLeases) notify(l models.ShareLease) {
	for ch := range m.watchers[l.RoomID] {
		offerLatest(ch, l)
	}
}

// offerLatest replaces an unread older value. Only one goroutine may send
// on ch.
func offerLatest(ch chan models.ShareLease, l models.ShareLease) {
	for {
		select {
		case ch <- l:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
