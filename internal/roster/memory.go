package roster

import (
	"context"
	"fmt"
	"sync"

	"github.com/mossy-p/webrtc-mesh/internal/models"
)

// Memory is an in-process roster store.
type Memory struct {
	mu       sync.Mutex
	rooms    map[string]map[string]models.Participant
	watchers map[string]map[chan []models.Participant]struct{}
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		rooms:    make(map[string]map[string]models.Participant),
		watchers: make(map[string]map[chan []models.Participant]struct{}),
	}
}

func (m *Memory) Watch(ctx context.Context, roomID string) (<-chan []models.Participant, error) {
	ch := make(chan []models.Participant, 1)

	m.mu.Lock()
	if m.watchers[roomID] == nil {
		m.watchers[roomID] = make(map[chan []models.Participant]struct{})
	}
	m.watchers[roomID][ch] = struct{}{}
	offerLatest(ch, m.snapshot(roomID))
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

func (m *Memory) List(_ context.Context, roomID string) ([]models.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot(roomID), nil
}

func (m *Memory) Get(_ context.Context, roomID, userID string) (models.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rooms[roomID][userID]
	if !ok {
		return models.Participant{}, fmt.Errorf("%w: %s", ErrNotFound, userID)
	}
	return p, nil
}

func (m *Memory) Put(_ context.Context, roomID string, p models.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rooms[roomID] == nil {
		m.rooms[roomID] = make(map[string]models.Participant)
	}
	m.rooms[roomID][p.UserID] = p
	m.notify(roomID)
	return nil
}

func (m *Memory) Update(_ context.Context, roomID, userID string, fn func(*models.Participant)) (models.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rooms[roomID][userID]
	if !ok {
		return models.Participant{}, fmt.Errorf("%w: %s", ErrNotFound, userID)
	}
	fn(&p)
	p.UserID = userID
	m.rooms[roomID][userID] = p
	m.notify(roomID)
	return p, nil
}

func (m *Memory) DeleteRoom(_ context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, roomID)
	m.notify(roomID)
	return nil
}

// Set replaces the whole roster of a room.
func (m *Memory) Set(roomID string, ps ...models.Participant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room := make(map[string]models.Participant, len(ps))
	for _, p := range ps {
		room[p.UserID] = p
	}
	m.rooms[roomID] = room
	m.notify(roomID)
}

func (m *Memory) snapshot(roomID string) []models.Participant {
	ps := make([]models.Participant, 0, len(m.rooms[roomID]))
	for _, p := range m.rooms[roomID] {
		ps = append(ps, p)
	}
	sortByID(ps)
	return ps
}

func (m *Memory) notify(roomID string) {
	if len(m.watchers[roomID]) == 0 {
		return
	}
	ps := m.snapshot(roomID)
	for ch := range m.watchers[roomID] {
		offerLatest(ch, append([]models.Participant(nil), ps...))
	}
}
