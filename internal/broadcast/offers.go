package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mossy-p/webrtc-mesh/internal/logging"
	"github.com/mossy-p/webrtc-mesh/internal/models"
	rediskeys "github.com/mossy-p/webrtc-mesh/internal/redis"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// OfferStore holds the current broadcast announcement of each room.
type OfferStore interface {
	// Publish replaces the room's record.
	Publish(ctx context.Context, rec models.OfferRecord) error

	// Remove deletes the room's record if it still carries epoch.
	Remove(ctx context.Context, roomID, epoch string) error

	// Current returns the room's record, or nil when there is none.
	Current(ctx context.Context, roomID string) (*models.OfferRecord, error)

	// Watch yields the current record and then every change; nil means the
	// record was removed. The channel is closed when ctx ends.
	Watch(ctx context.Context, roomID string) (<-chan *models.OfferRecord, error)
}

// MemoryOffers is an in-process OfferStore.
type MemoryOffers struct {
	mu       sync.Mutex
	records  map[string]models.OfferRecord
	watchers map[string]map[chan *models.OfferRecord]struct{}
}

var _ OfferStore = (*MemoryOffers)(nil)

func NewMemoryOffers() *MemoryOffers {
	return &MemoryOffers{
		records:  make(map[string]models.OfferRecord),
		watchers: make(map[string]map[chan *models.OfferRecord]struct{}),
	}
}

func (m *MemoryOffers) Publish(_ context.Context, rec models.OfferRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.RoomID] = rec
	m.notify(rec.RoomID)
	return nil
}

func (m *MemoryOffers) Remove(_ context.Context, roomID, epoch string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[roomID]; ok && rec.Epoch == epoch {
		delete(m.records, roomID)
		m.notify(roomID)
	}
	return nil
}

func (m *MemoryOffers) Current(_ context.Context, roomID string) (*models.OfferRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current(roomID), nil
}

func (m *MemoryOffers) Watch(ctx context.Context, roomID string) (<-chan *models.OfferRecord, error) {
	ch := make(chan *models.OfferRecord, 1)

	m.mu.Lock()
	if m.watchers[roomID] == nil {
		m.watchers[roomID] = make(map[chan *models.OfferRecord]struct{})
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

func (m *MemoryOffers) current(roomID string) *models.OfferRecord {
	rec, ok := m.records[roomID]
	if !ok {
		return nil
	}
	return &rec
}

func (m *MemoryOffers) notify(roomID string) {
	for ch := range m.watchers[roomID] {
		offerLatest(ch, m.current(roomID))
	}
}

func offerLatest(ch chan *models.OfferRecord, rec *models.OfferRecord) {
	for {
		select {
		case ch <- rec:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// RedisOffers keeps the record as JSON under the room's offer key and
// announces changes on its pub/sub channel.
type RedisOffers struct {
	rdb redis.UniversalClient
	log *zap.Logger
}

var _ OfferStore = (*RedisOffers)(nil)

func NewRedisOffers(rdb redis.UniversalClient, log *zap.Logger) *RedisOffers {
	return &RedisOffers{rdb: rdb, log: logging.OrNop(log)}
}

func (r *RedisOffers) Publish(ctx context.Context, rec models.OfferRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("broadcast: publish: %w", err)
	}
	if err := r.rdb.Set(ctx, rediskeys.OfferKey(rec.RoomID), data, rediskeys.RoomTTL).Err(); err != nil {
		return fmt.Errorf("broadcast: publish: %w", err)
	}
	r.announce(ctx, rec.RoomID)
	return nil
}

func (r *RedisOffers) Remove(ctx context.Context, roomID, epoch string) error {
	key := rediskeys.OfferKey(roomID)
	removed := false
	err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		rec, err := r.read(ctx, tx, roomID)
		if err != nil || rec == nil || rec.Epoch != epoch {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		removed = err == nil
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		// Replaced concurrently by a newer record.
		return nil
	}
	if err != nil {
		return fmt.Errorf("broadcast: remove: %w", err)
	}
	if removed {
		r.announce(ctx, roomID)
	}
	return nil
}

func (r *RedisOffers) Current(ctx context.Context, roomID string) (*models.OfferRecord, error) {
	rec, err := r.read(ctx, r.rdb, roomID)
	if err != nil {
		return nil, fmt.Errorf("broadcast: current: %w", err)
	}
	return rec, nil
}

func (r *RedisOffers) Watch(ctx context.Context, roomID string) (<-chan *models.OfferRecord, error) {
	ps := r.rdb.Subscribe(ctx, rediskeys.OfferChannel(roomID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("broadcast: watch: %w", err)
	}

	out := make(chan *models.OfferRecord, 1)
	go func() {
		defer close(out)
		defer ps.Close()

		msgs := ps.Channel()
		r.refresh(ctx, roomID, out)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				r.refresh(ctx, roomID, out)
			}
		}
	}()
	return out, nil
}

func (r *RedisOffers) refresh(ctx context.Context, roomID string, out chan *models.OfferRecord) {
	readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rec, err := r.read(readCtx, r.rdb, roomID)
	if err != nil {
		if ctx.Err() == nil {
			r.log.Warn("offer record refresh failed", zap.String("room", roomID), zap.Error(err))
		}
		return
	}
	offerLatest(out, rec)
}

func (r *RedisOffers) read(ctx context.Context, c redis.Cmdable, roomID string) (*models.OfferRecord, error) {
	raw, err := c.Get(ctx, rediskeys.OfferKey(roomID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec models.OfferRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *RedisOffers) announce(ctx context.Context, roomID string) {
	if err := r.rdb.Publish(ctx, rediskeys.OfferChannel(roomID), "changed").Err(); err != nil {
		r.log.Warn("offer record notify failed", zap.String("room", roomID), zap.Error(err))
	}
}
