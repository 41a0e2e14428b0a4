package roster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mossy-p/webrtc-mesh/internal/logging"
	"github.com/mossy-p/webrtc-mesh/internal/models"
	rediskeys "github.com/mossy-p/webrtc-mesh/internal/redis"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const maxUpdateRetries = 8

// Redis keeps each room's roster in a hash (userID -> participant JSON) and
// announces changes on the room's participants channel.
type Redis struct {
	rdb redis.UniversalClient
	log *zap.Logger
}

var _ Store = (*Redis)(nil)

func NewRedis(rdb redis.UniversalClient, log *zap.Logger) *Redis {
	return &Redis{rdb: rdb, log: logging.OrNop(log)}
}

func (r *Redis) List(ctx context.Context, roomID string) ([]models.Participant, error) {
	raw, err := r.rdb.HGetAll(ctx, rediskeys.ParticipantsKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("roster: list: %w", err)
	}
	ps := make([]models.Participant, 0, len(raw))
	for id, data := range raw {
		var p models.Participant
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			r.log.Warn("roster entry undecodable", zap.String("room", roomID), zap.String("peer", id), zap.Error(err))
			continue
		}
		ps = append(ps, p)
	}
	sortByID(ps)
	return ps, nil
}

func (r *Redis) Get(ctx context.Context, roomID, userID string) (models.Participant, error) {
	data, err := r.rdb.HGet(ctx, rediskeys.ParticipantsKey(roomID), userID).Result()
	if errors.Is(err, redis.Nil) {
		return models.Participant{}, fmt.Errorf("%w: %s", ErrNotFound, userID)
	}
	if err != nil {
		return models.Participant{}, fmt.Errorf("roster: get: %w", err)
	}
	var p models.Participant
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return models.Participant{}, fmt.Errorf("roster: get: %w", err)
	}
	return p, nil
}

func (r *Redis) Put(ctx context.Context, roomID string, p models.Participant) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("roster: put: %w", err)
	}
	key := rediskeys.ParticipantsKey(roomID)
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, p.UserID, data)
		pipe.Expire(ctx, key, rediskeys.RoomTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("roster: put: %w", err)
	}
	r.announce(ctx, roomID)
	return nil
}

func (r *Redis) Update(ctx context.Context, roomID, userID string, fn func(*models.Participant)) (models.Participant, error) {
	key := rediskeys.ParticipantsKey(roomID)
	var out models.Participant

	txf := func(tx *redis.Tx) error {
		data, err := tx.HGet(ctx, key, userID).Result()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s", ErrNotFound, userID)
		}
		if err != nil {
			return err
		}
		var p models.Participant
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return err
		}
		fn(&p)
		p.UserID = userID
		updated, err := json.Marshal(p)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, userID, updated)
			pipe.Expire(ctx, key, rediskeys.RoomTTL)
			return nil
		})
		out = p
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := r.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, ErrNotFound) {
			return models.Participant{}, err
		}
		if err != nil {
			return models.Participant{}, fmt.Errorf("roster: update: %w", err)
		}
		r.announce(ctx, roomID)
		return out, nil
	}
	return models.Participant{}, fmt.Errorf("roster: update: %w", redis.TxFailedErr)
}

func (r *Redis) DeleteRoom(ctx context.Context, roomID string) error {
	if err := r.rdb.Del(ctx, rediskeys.ParticipantsKey(roomID)).Err(); err != nil {
		return fmt.Errorf("roster: delete: %w", err)
	}
	r.announce(ctx, roomID)
	return nil
}

func (r *Redis) announce(ctx context.Context, roomID string) {
	if err := r.rdb.Publish(ctx, rediskeys.ParticipantsChannel(roomID), "changed").Err(); err != nil {
		r.log.Warn("roster change notify failed", zap.String("room", roomID), zap.Error(err))
	}
}

func (r *Redis) Watch(ctx context.Context, roomID string) (<-chan []models.Participant, error) {
	ps := r.rdb.Subscribe(ctx, rediskeys.ParticipantsChannel(roomID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("roster: watch: %w", err)
	}

	out := make(chan []models.Participant, 1)
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

func (r *Redis) refresh(ctx context.Context, roomID string, out chan []models.Participant) {
	listCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	ps, err := r.List(listCtx, roomID)
	if err != nil {
		if ctx.Err() == nil {
			r.log.Warn("roster refresh failed", zap.String("room", roomID), zap.Error(err))
		}
		return
	}
	offerLatest(out, ps)
}
