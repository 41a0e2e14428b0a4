package signal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mossy-p/webrtc-mesh/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu   sync.Mutex
	envs []models.Envelope
}

func (c *collector) handle(env models.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
}

func (c *collector) snapshot() []models.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Envelope(nil), c.envs...)
}

func (c *collector) waitFor(t *testing.T, n int) []models.Envelope {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.snapshot()) >= n }, 2*time.Second, 5*time.Millisecond)
	return c.snapshot()
}

func offerEnv(from, to, sdp string) models.Envelope {
	return models.Envelope{RoomID: "room1", From: from, To: to, Signal: models.NewOffer(sdp)}
}

func TestMemorySendAssignsIDAndTime(t *testing.T) {
	m := NewMemory()
	env, err := m.Send(context.Background(), offerEnv("a", "b", "v=0"))
	require.NoError(t, err)
	assert.NotEmpty(t, env.ID)
	assert.False(t, env.SentAt.IsZero())
}

func TestMemorySendRejectsInvalid(t *testing.T) {
	m := NewMemory()
	_, err := m.Send(context.Background(), offerEnv("a", "a", "v=0"))
	assert.ErrorIs(t, err, models.ErrInvalidSignal)

	_, err = m.Send(context.Background(), models.Envelope{RoomID: "room1", From: "a", To: "b", Signal: models.Signal{Type: "bogus"}})
	assert.ErrorIs(t, err, models.ErrInvalidSignal)
}

func TestMemoryDeliversPendingThenLiveInOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, err := m.Send(ctx, offerEnv("a", "b", "first"))
	require.NoError(t, err)

	var c collector
	sub, err := m.Subscribe(ctx, "room1", "b", c.handle)
	require.NoError(t, err)
	defer sub.Close()

	_, err = m.Send(ctx, offerEnv("a", "b", "second"))
	require.NoError(t, err)
	_, err = m.Send(ctx, offerEnv("a", "b", "third"))
	require.NoError(t, err)

	got := c.waitFor(t, 3)
	require.Len(t, got, 3)
	assert.Equal(t, "first", got[0].Signal.SDP)
	assert.Equal(t, "second", got[1].Signal.SDP)
	assert.Equal(t, "third", got[2].Signal.SDP)
}

func TestMemoryOnlyDeliversToRecipient(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var b, c collector
	subB, err := m.Subscribe(ctx, "room1", "b", b.handle)
	require.NoError(t, err)
	defer subB.Close()
	subC, err := m.Subscribe(ctx, "room1", "c", c.handle)
	require.NoError(t, err)
	defer subC.Close()

	_, err = m.Send(ctx, offerEnv("a", "b", "for-b"))
	require.NoError(t, err)

	b.waitFor(t, 1)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, c.snapshot())
}

func TestMemoryRedeliveryIsSuppressed(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var c collector
	sub, err := m.Subscribe(ctx, "room1", "b", c.handle)
	require.NoError(t, err)
	defer sub.Close()

	_, err = m.Send(ctx, offerEnv("a", "b", "once"))
	require.NoError(t, err)
	c.waitFor(t, 1)

	// Not acknowledged yet, so the relay still holds it and hands it out again.
	m.Redeliver("room1", "b")
	m.Redeliver("room1", "b")
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, c.snapshot(), 1)
}

func TestMemoryAcknowledgeDeletes(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	env, err := m.Send(ctx, offerEnv("a", "b", "x"))
	require.NoError(t, err)
	require.Len(t, m.Pending("room1", "b"), 1)

	require.NoError(t, m.Acknowledge(ctx, env))
	assert.Empty(t, m.Pending("room1", "b"))
}

func TestMemoryAcknowledgeIsBatched(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(WithMemoryAckInterval(time.Hour))
	env, err := m.Send(ctx, offerEnv("a", "b", "x"))
	require.NoError(t, err)

	require.NoError(t, m.Acknowledge(ctx, env))
	assert.Len(t, m.Pending("room1", "b"), 1, "deletes wait for the flush")

	require.NoError(t, m.Flush(ctx))
	assert.Empty(t, m.Pending("room1", "b"))
}

func TestMemoryForgetsAcknowledgedIDs(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var c collector
	sub, err := m.Subscribe(ctx, "room1", "b", c.handle)
	require.NoError(t, err)
	defer sub.Close()
	tracked := sub.(*memorySub).sub.tracked

	for _, sdp := range []string{"one", "two", "three"} {
		_, err := m.Send(ctx, offerEnv("a", "b", sdp))
		require.NoError(t, err)
	}
	got := c.waitFor(t, 3)
	require.Equal(t, 3, tracked())

	require.NoError(t, m.Acknowledge(ctx, got[0]))
	require.NoError(t, m.Acknowledge(ctx, got[1]))
	m.Redeliver("room1", "b")
	require.Eventually(t, func() bool { return tracked() == 1 }, time.Second, 5*time.Millisecond)

	// The id still pending stays suppressed.
	m.Redeliver("room1", "b")
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, c.snapshot(), 3)
}

func TestMemoryClearAllFrom(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for _, to := range []string{"b", "c"} {
		_, err := m.Send(ctx, offerEnv("a", to, "from-a"))
		require.NoError(t, err)
	}
	_, err := m.Send(ctx, offerEnv("c", "b", "from-c"))
	require.NoError(t, err)

	require.NoError(t, m.ClearAllFrom(ctx, "room1", "a"))

	pendingB := m.Pending("room1", "b")
	require.Len(t, pendingB, 1)
	assert.Equal(t, "c", pendingB[0].From)
	assert.Empty(t, m.Pending("room1", "c"))
}

func TestMemoryClearBetween(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, err := m.Send(ctx, offerEnv("a", "b", "ab"))
	require.NoError(t, err)
	_, err = m.Send(ctx, offerEnv("a", "c", "ac"))
	require.NoError(t, err)

	require.NoError(t, m.ClearBetween(ctx, "room1", "a", "b"))
	assert.Empty(t, m.Pending("room1", "b"))
	assert.Len(t, m.Pending("room1", "c"), 1)
}

func TestMemoryClosedSubscriptionStopsDelivery(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var c collector
	sub, err := m.Subscribe(ctx, "room1", "b", c.handle)
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	_, err = m.Send(ctx, offerEnv("a", "b", "late"))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, c.snapshot())
}

func TestMemoryClosedRelay(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Close())

	_, err := m.Send(context.Background(), offerEnv("a", "b", "x"))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = m.Subscribe(context.Background(), "room1", "b", func(models.Envelope) {})
	assert.ErrorIs(t, err, ErrClosed)
}
