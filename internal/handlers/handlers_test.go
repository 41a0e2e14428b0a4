package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/webrtc-mesh/config"
	"github.com/mossy-p/webrtc-mesh/internal/metrics"
	"github.com/mossy-p/webrtc-mesh/internal/middleware"
	"github.com/mossy-p/webrtc-mesh/internal/models"
	"github.com/mossy-p/webrtc-mesh/internal/roster"
	"github.com/mossy-p/webrtc-mesh/internal/signal"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

const secret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

type gateway struct {
	router  *gin.Engine
	roster  *roster.Memory
	relay   *signal.Memory
	metrics *sdkmetric.ManualReader
}

func newGateway(t *testing.T) *gateway {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	g := &gateway{roster: roster.NewMemory(), relay: signal.NewMemory(), metrics: sdkmetric.NewManualReader()}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(g.metrics))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := metrics.New(mp)
	require.NoError(t, err)

	cfg := &config.Config{JWTSecret: secret, AllowedOrigins: []string{"http://app.test"}}
	g.router = NewRouter(cfg, NewServer(rdb, g.roster, g.relay, nil).WithMetrics(m))
	return g
}

// sum totals an int64 counter across its data points.
func (g *gateway) sum(t *testing.T, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, g.metrics.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if data, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range data.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := middleware.IssueToken(secret, userID, time.Hour)
	require.NoError(t, err)
	return tok
}

func (g *gateway) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, user))
	}
	w := httptest.NewRecorder()
	g.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (g *gateway) createRoom(t *testing.T, creator string) models.CreateRoomResponse {
	t.Helper()
	w := g.do(t, http.MethodPost, "/api/rooms", creator, models.CreateRoomRequest{MaxParticipants: 4})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[models.CreateRoomResponse](t, w)
}

func TestLoginIssuesToken(t *testing.T) {
	g := newGateway(t)

	w := g.do(t, http.MethodPost, "/api/auth/login", "", LoginRequest{Username: "alice", Password: "pw"})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[LoginResponse](t, w)
	assert.Equal(t, "alice", resp.UserID)

	userID, err := middleware.ParseToken(secret, resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", userID)

	_, err = middleware.ParseToken("other-secret", resp.Token)
	assert.Error(t, err)

	w = g.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"username": "alice"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestJWTAuth(t *testing.T) {
	g := newGateway(t)

	w := g.do(t, http.MethodPost, "/api/rooms", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/rooms", nil)
	req.Header.Set("Authorization", "Token abc")
	w = httptest.NewRecorder()
	g.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/rooms?token="+token(t, "alice"), nil)
	w = httptest.NewRecorder()
	g.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusCreated, w.Code, "query token accepted")
}

func TestOriginFilter(t *testing.T) {
	g := newGateway(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://evil.test")
	w := httptest.NewRecorder()
	g.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest(http.MethodOptions, "/api/rooms", nil)
	req.Header.Set("Origin", "http://app.test")
	w = httptest.NewRecorder()
	g.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://app.test", w.Header().Get("Access-Control-Allow-Origin"))

	w = g.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRoomLifecycle(t *testing.T) {
	g := newGateway(t)
	created := g.createRoom(t, "alice")
	assert.Len(t, created.Code, roomCodeLength)

	for _, id := range []string{created.RoomID, created.Code} {
		w := g.do(t, http.MethodGet, "/api/rooms/"+id, "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		room := decode[models.RoomMetadata](t, w)
		assert.Equal(t, created.RoomID, room.ID)
		assert.Equal(t, "alice", room.CreatorID)
		assert.Equal(t, 4, room.MaxParticipants)
		assert.Zero(t, room.ParticipantCount, "the creator is not present yet")
	}

	p, err := g.roster.Get(context.Background(), created.RoomID, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, p.Status)

	w := g.do(t, http.MethodDelete, "/api/rooms/"+created.RoomID, "bob", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = g.do(t, http.MethodDelete, "/api/rooms/"+created.RoomID, "alice", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = g.do(t, http.MethodGet, "/api/rooms/"+created.Code, "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	ps, err := g.roster.List(context.Background(), created.RoomID)
	require.NoError(t, err)
	assert.Empty(t, ps)
}

func TestCreateRoomDefaults(t *testing.T) {
	g := newGateway(t)
	w := g.do(t, http.MethodPost, "/api/rooms", "alice", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	created := decode[models.CreateRoomResponse](t, w)

	room := decode[models.RoomMetadata](t, g.do(t, http.MethodGet, "/api/rooms/"+created.RoomID, "", nil))
	assert.Equal(t, defaultMaxParticipants, room.MaxParticipants)

	w = g.do(t, http.MethodPost, "/api/rooms", "alice", models.CreateRoomRequest{MaxParticipants: 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestApprovalWorkflow(t *testing.T) {
	g := newGateway(t)
	room := g.createRoom(t, "alice")
	base := "/api/rooms/" + room.RoomID + "/participants"

	w := g.do(t, http.MethodPut, base+"/me", "bob", models.JoinRoomRequest{DisplayName: "Bob"})
	require.Equal(t, http.StatusCreated, w.Code)
	bob := decode[models.Participant](t, w)
	assert.Equal(t, models.StatusPending, bob.Status)
	assert.True(t, bob.IsPresent)
	assert.False(t, bob.Eligible())

	w = g.do(t, http.MethodPost, base+"/bob/status", "bob", models.SetStatusRequest{Status: models.StatusApproved})
	assert.Equal(t, http.StatusForbidden, w.Code, "only the creator approves")

	w = g.do(t, http.MethodPost, base+"/bob/status", "alice", models.SetStatusRequest{Status: "royalty"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = g.do(t, http.MethodPost, base+"/carol/status", "alice", models.SetStatusRequest{Status: models.StatusApproved})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = g.do(t, http.MethodPost, base+"/bob/status", "alice", models.SetStatusRequest{Status: models.StatusApproved})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[models.Participant](t, w).Eligible())

	absent := false
	w = g.do(t, http.MethodPut, base+"/me", "bob", models.JoinRoomRequest{Present: &absent})
	require.Equal(t, http.StatusOK, w.Code)
	bob = decode[models.Participant](t, w)
	assert.False(t, bob.IsPresent)
	assert.Equal(t, "Bob", bob.DisplayName)
	assert.Equal(t, models.StatusApproved, bob.Status)

	w = g.do(t, http.MethodGet, base, "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	ps := decode[[]models.Participant](t, w)
	require.Len(t, ps, 2)
	assert.Equal(t, "alice", ps[0].UserID)
	assert.Equal(t, "bob", ps[1].UserID)
}

func TestJoinRefusedWhenFull(t *testing.T) {
	g := newGateway(t)
	w := g.do(t, http.MethodPost, "/api/rooms", "alice", models.CreateRoomRequest{MaxParticipants: 2})
	require.Equal(t, http.StatusCreated, w.Code)
	room := decode[models.CreateRoomResponse](t, w).RoomID
	ctx := context.Background()
	g.roster.Set(room,
		models.Participant{UserID: "alice", Status: models.StatusApproved, IsPresent: true},
		models.Participant{UserID: "bob", Status: models.StatusApproved, IsPresent: true},
		models.Participant{UserID: "carol", Status: models.StatusApproved},
	)

	w = g.do(t, http.MethodPut, "/api/rooms/"+room+"/participants/me", "carol", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	carol, err := g.roster.Get(ctx, room, "carol")
	require.NoError(t, err)
	assert.False(t, carol.IsPresent)
}

type socket struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, srv *httptest.Server, room, user string) (*socket, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/signal/" + room + "?token=" + token(t, user)
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, resp, err
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &socket{t: t, conn: conn}, resp, nil
}

// next reads frames until one of type typ arrives.
func (s *socket) next(typ models.SocketMessageType) models.SocketMessage {
	s.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(s.t, s.conn.SetReadDeadline(deadline))
		var msg models.SocketMessage
		require.NoError(s.t, s.conn.ReadJSON(&msg))
		if msg.Type == typ {
			return msg
		}
	}
}

func (s *socket) write(typ models.SocketMessageType, env models.Envelope) {
	s.t.Helper()
	require.NoError(s.t, s.conn.WriteJSON(models.SocketMessage{Type: typ, Envelope: &env}))
}

func TestSocketRequiresJoin(t *testing.T) {
	g := newGateway(t)
	room := g.createRoom(t, "alice")
	srv := httptest.NewServer(g.router)
	defer srv.Close()

	_, resp, err := dial(t, srv, room.RoomID, "mallory")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, resp, err = dial(t, srv, "NOPE99", "alice")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSocketBridgesRelay(t *testing.T) {
	g := newGateway(t)
	created := g.createRoom(t, "alice")
	room := created.RoomID
	ctx := context.Background()
	g.roster.Set(room,
		models.Participant{UserID: "alice", Status: models.StatusApproved, IsPresent: true},
		models.Participant{UserID: "bob", Status: models.StatusApproved},
	)

	srv := httptest.NewServer(g.router)
	defer srv.Close()
	bob, _, err := dial(t, srv, created.Code, "bob")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		p, err := g.roster.Get(ctx, room, "bob")
		return err == nil && p.IsPresent
	}, 3*time.Second, 10*time.Millisecond, "connecting marks the user present")
	snapshot := bob.next(models.SocketMessageRoster)
	assert.NotEmpty(t, snapshot.Participants)

	// The sender is always the socket's user.
	bob.write(models.SocketMessageSignal, models.Envelope{From: "alice", To: "alice", SessionID: "s-bob", Signal: models.NewOffer("v=0")})
	require.Eventually(t, func() bool { return len(g.relay.Pending(room, "alice")) == 1 }, 3*time.Second, 10*time.Millisecond)
	sent := g.relay.Pending(room, "alice")[0]
	assert.Equal(t, "bob", sent.From)
	assert.Equal(t, room, sent.RoomID)
	assert.Equal(t, "s-bob", sent.SessionID)

	bob.write(models.SocketMessageSignal, models.Envelope{To: "bob", Signal: models.NewOffer("v=0")})
	assert.NotEmpty(t, bob.next(models.SocketMessageError).Error, "self-addressed signal rejected")

	in, err := g.relay.Send(ctx, models.Envelope{RoomID: room, From: "alice", To: "bob", SessionID: "s-alice", PeerSessionID: "s-bob", Signal: models.NewAnswer("v=0")})
	require.NoError(t, err)
	got := bob.next(models.SocketMessageSignal)
	require.NotNil(t, got.Envelope)
	assert.Equal(t, in.ID, got.Envelope.ID)
	assert.Equal(t, models.SignalTypeAnswer, got.Envelope.Signal.Type)

	assert.EqualValues(t, 1, g.sum(t, "webrtc_mesh.gateway.sockets"))
	assert.EqualValues(t, 1, g.sum(t, "webrtc_mesh.gateway.signals.rejected"))
	require.Eventually(t, func() bool { return g.sum(t, "webrtc_mesh.gateway.signals") == 2 }, 3*time.Second, 10*time.Millisecond,
		"one envelope in each direction")

	bob.write(models.SocketMessageAck, *got.Envelope)
	require.Eventually(t, func() bool { return len(g.relay.Pending(room, "bob")) == 0 }, 3*time.Second, 10*time.Millisecond, "ack deletes the envelope")

	require.NoError(t, bob.conn.Close())
	require.Eventually(t, func() bool {
		p, err := g.roster.Get(ctx, room, "bob")
		return err == nil && !p.IsPresent
	}, 3*time.Second, 10*time.Millisecond, "disconnecting marks the user absent")
	require.Eventually(t, func() bool { return len(g.relay.Pending(room, "alice")) == 0 }, 3*time.Second, 10*time.Millisecond, "the user's envelopes are cleared")
	require.Eventually(t, func() bool { return g.sum(t, "webrtc_mesh.gateway.sockets") == 0 }, 3*time.Second, 10*time.Millisecond)
}
