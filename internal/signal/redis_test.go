package signal

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mossy-p/webrtc-mesh/internal/models"
	rediskeys "github.com/mossy-p/webrtc-mesh/internal/redis"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T, opts ...RedisOption) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedis(rdb, opts...), mr
}

func TestRedisSendStoresEnvelope(t *testing.T) {
	ctx := context.Background()
	r, mr := newTestRedis(t)

	env, err := r.Send(ctx, offerEnv("a", "b", "v=0"))
	require.NoError(t, err)

	members, err := mr.ZMembers(rediskeys.SignalInboxKey("room1", "b"))
	require.NoError(t, err)
	assert.Equal(t, []string{env.ID}, members)
	assert.Equal(t, "b", mr.HGet(rediskeys.SignalSentKey("room1", "a"), env.ID))
	assert.NotEmpty(t, mr.HGet(rediskeys.SignalEnvelopesKey("room1"), env.ID))
	assert.Greater(t, mr.TTL(rediskeys.SignalInboxKey("room1", "b")), time.Duration(0))
}

func TestRedisPendingDeliveredOnSubscribe(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRedis(t)

	_, err := r.Send(ctx, offerEnv("a", "b", "one"))
	require.NoError(t, err)
	_, err = r.Send(ctx, offerEnv("c", "b", "two"))
	require.NoError(t, err)

	var c collector
	sub, err := r.Subscribe(ctx, "room1", "b", c.handle)
	require.NoError(t, err)
	defer sub.Close()

	got := c.waitFor(t, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "one", got[0].Signal.SDP)
	assert.Equal(t, "two", got[1].Signal.SDP)
}

func TestRedisLiveDeliveryWithoutReplay(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRedis(t)

	var c collector
	sub, err := r.Subscribe(ctx, "room1", "b", c.handle)
	require.NoError(t, err)
	defer sub.Close()

	_, err = r.Send(ctx, offerEnv("a", "b", "first"))
	require.NoError(t, err)
	c.waitFor(t, 1)

	// The first envelope is still pending; the next notification drains it
	// again alongside the new one.
	_, err = r.Send(ctx, models.Envelope{
		RoomID: "room1", From: "a", To: "b",
		Signal: models.NewCandidate(models.ICECandidate{Candidate: "candidate:1"}),
	})
	require.NoError(t, err)

	c.waitFor(t, 2)
	time.Sleep(30 * time.Millisecond)
	got := c.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, models.SignalTypeOffer, got[0].Signal.Type)
	assert.Equal(t, models.SignalTypeCandidate, got[1].Signal.Type)
}

func TestRedisAcknowledgeIsBatched(t *testing.T) {
	ctx := context.Background()
	r, mr := newTestRedis(t, WithAckFlushInterval(time.Hour))

	var envs []models.Envelope
	for _, sdp := range []string{"x", "y"} {
		env, err := r.Send(ctx, offerEnv("a", "b", sdp))
		require.NoError(t, err)
		envs = append(envs, env)
	}
	for _, env := range envs {
		require.NoError(t, r.Acknowledge(ctx, env))
	}

	pending, err := r.Pending(ctx, "room1", "b")
	require.NoError(t, err)
	assert.Len(t, pending, 2, "deletes wait for the flush")

	require.NoError(t, r.Flush(ctx))
	pending, err = r.Pending(ctx, "room1", "b")
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.False(t, mr.Exists(rediskeys.SignalEnvelopesKey("room1")))
}

func TestRedisAcknowledgeTimerFlushes(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRedis(t, WithAckFlushInterval(5*time.Millisecond))

	env, err := r.Send(ctx, offerEnv("a", "b", "x"))
	require.NoError(t, err)
	require.NoError(t, r.Acknowledge(ctx, env))

	require.Eventually(t, func() bool {
		pending, err := r.Pending(ctx, "room1", "b")
		return err == nil && len(pending) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestRedisForgetsAcknowledgedIDs(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRedis(t, WithAckFlushInterval(0))

	var c collector
	sub, err := r.Subscribe(ctx, "room1", "b", c.handle)
	require.NoError(t, err)
	defer sub.Close()
	tracked := sub.(*redisSub).sub.tracked

	_, err = r.Send(ctx, offerEnv("a", "b", "first"))
	require.NoError(t, err)
	got := c.waitFor(t, 1)
	require.NoError(t, r.Acknowledge(ctx, got[0]))

	// The next drain no longer lists the first envelope.
	_, err = r.Send(ctx, offerEnv("a", "b", "second"))
	require.NoError(t, err)
	c.waitFor(t, 2)
	require.Eventually(t, func() bool { return tracked() == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, c.snapshot(), 2)
}

func TestRedisClearAllFrom(t *testing.T) {
	ctx := context.Background()
	r, mr := newTestRedis(t)

	_, err := r.Send(ctx, offerEnv("a", "b", "ab"))
	require.NoError(t, err)
	_, err = r.Send(ctx, offerEnv("a", "c", "ac"))
	require.NoError(t, err)
	_, err = r.Send(ctx, offerEnv("c", "b", "cb"))
	require.NoError(t, err)

	require.NoError(t, r.ClearAllFrom(ctx, "room1", "a"))

	pendingB, err := r.Pending(ctx, "room1", "b")
	require.NoError(t, err)
	require.Len(t, pendingB, 1)
	assert.Equal(t, "c", pendingB[0].From)

	pendingC, err := r.Pending(ctx, "room1", "c")
	require.NoError(t, err)
	assert.Empty(t, pendingC)
	assert.False(t, mr.Exists(rediskeys.SignalSentKey("room1", "a")))
}

func TestRedisClearBetween(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRedis(t)

	_, err := r.Send(ctx, offerEnv("a", "b", "ab"))
	require.NoError(t, err)
	_, err = r.Send(ctx, offerEnv("a", "c", "ac"))
	require.NoError(t, err)

	require.NoError(t, r.ClearBetween(ctx, "room1", "a", "b"))

	pendingB, err := r.Pending(ctx, "room1", "b")
	require.NoError(t, err)
	assert.Empty(t, pendingB)
	pendingC, err := r.Pending(ctx, "room1", "c")
	require.NoError(t, err)
	assert.Len(t, pendingC, 1)

	assert.NoError(t, r.ClearBetween(ctx, "room1", "a", "nobody"))
}

func TestRedisSendFailsWhenServerDown(t *testing.T) {
	r, mr := newTestRedis(t)
	mr.Close()

	_, err := r.Send(context.Background(), offerEnv("a", "b", "x"))
	assert.Error(t, err)
}
