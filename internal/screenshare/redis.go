package screenshare

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

const maxCASRetries = 8

// RedisLeases stores each room's lease as JSON and updates it with
// WATCH/MULTI so concurrent writers cannot interleave.
type RedisLeases struct {
	rdb redis.UniversalClient
	log *zap.Logger
}

var _ LeaseStore = (*RedisLeases)(nil)

func NewRedisLeases(rdb redis.UniversalClient, log *zap.Logger) *RedisLeases {
	return &RedisLeases{rdb: rdb, log: logging.OrNop(log)}
}

func (r *RedisLeases) Acquire(ctx context.Context, roomID, holder string) (models.ShareLease, error) {
	var out models.ShareLease
	err := r.update(ctx, roomID, func(cur models.ShareLease) (models.ShareLease, error) {
		out = models.ShareLease{RoomID: roomID, Holder: holder, Version: cur.Version + 1}
		return out, nil
	})
	if err != nil {
		return models.ShareLease{}, fmt.Errorf("screenshare: acquire: %w", err)
	}
	return out, nil
}

func (r *RedisLeases) Release(ctx context.Context, lease models.ShareLease) error {
	err := r.update(ctx, lease.RoomID, func(cur models.ShareLease) (models.ShareLease, error) {
		if cur.Version != lease.Version || cur.Holder != lease.Holder {
			return cur, ErrLeaseSuperseded
		}
		return models.ShareLease{RoomID: lease.RoomID, Version: cur.Version + 1}, nil
	})
	if errors.Is(err, ErrLeaseSuperseded) {
		return err
	}
	if err != nil {
		return fmt.Errorf("screenshare: release: %w", err)
	}
	return nil
}

func (r *RedisLeases) Current(ctx context.Context, roomID string) (models.ShareLease, error) {
	l, err := r.read(ctx, r.rdb, roomID)
	if err != nil {
		return models.ShareLease{}, fmt.Errorf("screenshare: current: %w", err)
	}
	return l, nil
}

func (r *RedisLeases) Watch(ctx context.Context, roomID string) (<-chan models.ShareLease, error) {
	ps := r.rdb.Subscribe(ctx, rediskeys.ShareLeaseChannel(roomID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("screenshare: watch: %w", err)
	}

	out := make(chan models.ShareLease, 1)
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

func (r *RedisLeases) refresh(ctx context.Context, roomID string, out chan models.ShareLease) {
	readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	l, err := r.read(readCtx, r.rdb, roomID)
	if err != nil {
		if ctx.Err() == nil {
			r.log.Warn("share lease refresh failed", zap.String("room", roomID), zap.Error(err))
		}
		return
	}
	offerLatest(out, l)
}

func (r *RedisLeases) read(ctx context.Context, c redis.Cmdable, roomID string) (models.ShareLease, error) {
	raw, err := c.Get(ctx, rediskeys.ShareLeaseKey(roomID)).Result()
	if errors.Is(err, redis.Nil) {
		return models.ShareLease{RoomID: roomID}, nil
	}
	if err != nil {
		return models.ShareLease{}, err
	}
	var l models.ShareLease
	if err := json.Unmarshal([]byte(raw), &l); err != nil {
		return models.ShareLease{}, err
	}
	return l, nil
}

// update runs a compare-and-set round on the room's lease, retrying when
// another writer got in between.
func (r *RedisLeases) update(ctx context.Context, roomID string, fn func(models.ShareLease) (models.ShareLease, error)) error {
	key := rediskeys.ShareLeaseKey(roomID)
	txf := func(tx *redis.Tx) error {
		cur, err := r.read(ctx, tx, roomID)
		if err != nil {
			return err
		}
		next, err := fn(cur)
		if err != nil {
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, rediskeys.RoomTTL)
			return nil
		})
		return err
	}

	for i := 0; i < maxCASRetries; i++ {
		err := r.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return err
		}
		if err := r.rdb.Publish(ctx, rediskeys.ShareLeaseChannel(roomID), "changed").Err(); err != nil {
			r.log.Warn("share lease notify failed", zap.String("room", roomID), zap.Error(err))
		}
		return nil
	}
	return redis.TxFailedErr
}
