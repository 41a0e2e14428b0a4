package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mossy-p/webrtc-mesh/internal/logging"
	"github.com/mossy-p/webrtc-mesh/internal/models"
	rediskeys "github.com/mossy-p/webrtc-mesh/internal/redis"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis relays envelopes through a Redis server. Each inbox is a sorted set
// of envelope ids ordered by a per-room counter; bodies live in a room hash
// and a per-sender hash indexes what each participant authored. Publishing
// on the recipient's notify channel wakes its subscription, which then
// drains the inbox.
type Redis struct {
	rdb  redis.UniversalClient
	log  *zap.Logger
	ttl  time.Duration
	acks *ackBatcher
}

var _ Channel = (*Redis)(nil)

// RedisOption configures a Redis relay.
type RedisOption func(*Redis)

// WithAckFlushInterval sets how long acknowledgements are collected before
// being deleted in one round trip. Zero deletes immediately.
func WithAckFlushInterval(d time.Duration) RedisOption {
	return func(r *Redis) { r.acks.interval = d }
}

// WithLogger sets the logger used for background failures.
func WithLogger(l *zap.Logger) RedisOption {
	return func(r *Redis) {
		r.log = logging.OrNop(l)
		r.acks.log = r.log
	}
}

// WithKeyTTL overrides the safety-net TTL applied to relay keys.
func WithKeyTTL(d time.Duration) RedisOption {
	return func(r *Redis) { r.ttl = d }
}

// NewRedis returns a relay backed by rdb.
func NewRedis(rdb redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		rdb: rdb,
		log: zap.NewNop(),
		ttl: rediskeys.RoomTTL,
	}
	r.acks = &ackBatcher{interval: 15 * time.Millisecond, log: r.log}
	r.acks.flush = r.deleteBatch
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Redis) Send(ctx context.Context, env models.Envelope) (models.Envelope, error) {
	env, err := stamp(env)
	if err != nil {
		return env, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return env, fmt.Errorf("signal: send: marshal: %w", err)
	}

	seq, err := r.rdb.Incr(ctx, rediskeys.SignalSeqKey(env.RoomID)).Result()
	if err != nil {
		return env, fmt.Errorf("signal: send: sequence: %w", err)
	}

	envKey := rediskeys.SignalEnvelopesKey(env.RoomID)
	inboxKey := rediskeys.SignalInboxKey(env.RoomID, env.To)
	sentKey := rediskeys.SignalSentKey(env.RoomID, env.From)

	_, err = r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, envKey, env.ID, data)
		p.ZAdd(ctx, inboxKey, redis.Z{Score: float64(seq), Member: env.ID})
		p.HSet(ctx, sentKey, env.ID, env.To)
		p.Expire(ctx, envKey, r.ttl)
		p.Expire(ctx, inboxKey, r.ttl)
		p.Expire(ctx, sentKey, r.ttl)
		p.Expire(ctx, rediskeys.SignalSeqKey(env.RoomID), r.ttl)
		return nil
	})
	if err != nil {
		return env, fmt.Errorf("signal: send: store: %w", err)
	}

	if err := r.rdb.Publish(ctx, rediskeys.SignalNotifyChannel(env.RoomID, env.To), env.ID).Err(); err != nil {
		// Stored but not announced; the next drain of the recipient picks it up.
		r.log.Warn("signal notify failed", zap.String("room", env.RoomID), zap.String("to", env.To), zap.Error(err))
	}
	return env, nil
}

type redisSub struct {
	relay  *Redis
	roomID string
	selfID string
	ps     *redis.PubSub
	sub    *subscriber
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func (r *Redis) Subscribe(ctx context.Context, roomID, selfID string, h Handler) (Subscription, error) {
	ps := r.rdb.Subscribe(ctx, rediskeys.SignalNotifyChannel(roomID, selfID))
	// Wait for the subscription to be confirmed so nothing published after
	// the initial drain is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("signal: subscribe: %w", err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	s := &redisSub{
		relay:  r,
		roomID: roomID,
		selfID: selfID,
		ps:     ps,
		sub:    newSubscriber(h),
		ctx:    subCtx,
		cancel: cancel,
	}
	go s.run()
	return s, nil
}

func (s *redisSub) run() {
	msgs := s.ps.Channel()
	s.drain()
	for {
		select {
		case <-s.ctx.Done():
			return
		case _, ok := <-msgs:
			if !ok {
				return
			}
			// Coalesce a burst of notifications into one drain.
			for more := true; more; {
				select {
				case _, ok := <-msgs:
					if !ok {
						return
					}
				default:
					more = false
				}
			}
			s.drain()
		}
	}
}

func (s *redisSub) drain() {
	envs, err := s.relay.fetch(s.ctx, s.roomID, s.selfID, s.sub.unseen)
	if err != nil {
		if s.ctx.Err() == nil {
			s.relay.log.Warn("signal inbox drain failed",
				zap.String("room", s.roomID), zap.String("peer", s.selfID), zap.Error(err))
		}
		return
	}
	s.sub.deliver(envs)
}

// Close ends the subscription.
func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		s.sub.close()
		s.cancel()
		err = s.ps.Close()
	})
	return err
}

// fetch reads the recipient's inbox in order, skipping ids filter drops.
func (r *Redis) fetch(ctx context.Context, roomID, to string, filter func([]string) []string) ([]models.Envelope, error) {
	ids, err := r.rdb.ZRange(ctx, rediskeys.SignalInboxKey(roomID, to), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if filter != nil {
		ids = filter(ids)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	vals, err := r.rdb.HMGet(ctx, rediskeys.SignalEnvelopesKey(roomID), ids...).Result()
	if err != nil {
		return nil, err
	}

	envs := make([]models.Envelope, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			// Body already deleted by a concurrent cleanup.
			r.log.Debug("signal inbox entry without body", zap.String("room", roomID), zap.String("id", ids[i]))
			continue
		}
		var env models.Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			r.log.Warn("signal envelope undecodable", zap.String("room", roomID), zap.String("id", ids[i]), zap.Error(err))
			continue
		}
		envs = append(envs, env)
	}
	return envs, nil
}

// Pending returns the envelopes waiting in a recipient's inbox.
func (r *Redis) Pending(ctx context.Context, roomID, to string) ([]models.Envelope, error) {
	return r.fetch(ctx, roomID, to, nil)
}

func (r *Redis) Acknowledge(ctx context.Context, env models.Envelope) error {
	return r.acks.add(ctx, env)
}

// Flush deletes acknowledged envelopes still waiting for the batch timer.
func (r *Redis) Flush(ctx context.Context) error {
	return r.acks.Flush(ctx)
}

// Close flushes pending acknowledgements.
func (r *Redis) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.Flush(ctx)
}

func (r *Redis) deleteBatch(ctx context.Context, envs []models.Envelope) error {
	_, err := r.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, env := range envs {
			p.ZRem(ctx, rediskeys.SignalInboxKey(env.RoomID, env.To), env.ID)
			p.HDel(ctx, rediskeys.SignalEnvelopesKey(env.RoomID), env.ID)
			p.HDel(ctx, rediskeys.SignalSentKey(env.RoomID, env.From), env.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("signal: acknowledge: %w", err)
	}
	return nil
}

func (r *Redis) ClearAllFrom(ctx context.Context, roomID, selfID string) error {
	sentKey := rediskeys.SignalSentKey(roomID, selfID)
	sent, err := r.rdb.HGetAll(ctx, sentKey).Result()
	if err != nil {
		return fmt.Errorf("signal: clear: %w", err)
	}

	_, err = r.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for id, to := range sent {
			p.ZRem(ctx, rediskeys.SignalInboxKey(roomID, to), id)
			p.HDel(ctx, rediskeys.SignalEnvelopesKey(roomID), id)
		}
		p.Del(ctx, sentKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("signal: clear: %w", err)
	}
	return nil
}

func (r *Redis) ClearBetween(ctx context.Context, roomID, fromID, toID string) error {
	sentKey := rediskeys.SignalSentKey(roomID, fromID)
	sent, err := r.rdb.HGetAll(ctx, sentKey).Result()
	if err != nil {
		return fmt.Errorf("signal: clear: %w", err)
	}

	var ids []string
	for id, to := range sent {
		if to == toID {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	_, err = r.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		inbox := rediskeys.SignalInboxKey(roomID, toID)
		for _, id := range ids {
			p.ZRem(ctx, inbox, id)
		}
		p.HDel(ctx, rediskeys.SignalEnvelopesKey(roomID), ids...)
		p.HDel(ctx, sentKey, ids...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("signal: clear: %w", err)
	}
	return nil
}
