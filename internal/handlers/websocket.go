package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/webrtc-mesh/internal/middleware"
	"github.com/mossy-p/webrtc-mesh/internal/models"
	"github.com/mossy-p/webrtc-mesh/internal/roster"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

var errSocketClosed = errors.New("socket closed")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Client is one browser participant bridged onto the relay.
type Client struct {
	UserID string
	RoomID string
	Conn   *websocket.Conn
	Send   chan []byte

	log *zap.Logger

	// overflow ends the bridge when the client cannot keep up. Envelopes it
	// missed stay in the relay and are delivered again on reconnect.
	overflow context.CancelFunc
}

// HandleSignaling upgrades an authenticated participant's connection and
// bridges it onto the signalling relay until either side closes.
func (s *Server) HandleSignaling(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	ctx := c.Request.Context()
	room, err := s.resolveRoom(ctx, c.Param("roomId"))
	if err != nil {
		s.roomError(c, err)
		return
	}
	if _, err := s.roster.Get(ctx, room.ID, userID); errors.Is(err, roster.ErrNotFound) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Join the room before connecting"})
		return
	} else if err != nil {
		s.log.Error("failed to load participant", zap.String("room", room.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load participant"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	client := &Client{
		UserID: userID,
		RoomID: room.ID,
		Conn:   conn,
		Send:   make(chan []byte, sendBuffer),
		log:    s.log.With(zap.String("room", room.ID), zap.String("user", userID)),
	}
	s.bridge(client)
}

// bridge runs the socket's pumps and cleans up after them.
func (s *Server) bridge(client *Client) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.overflow = cancel

	g, gctx := errgroup.WithContext(ctx)

	sub, err := s.signals.Subscribe(gctx, client.RoomID, client.UserID, func(env models.Envelope) {
		client.push(models.SocketMessage{Type: models.SocketMessageSignal, Envelope: &env})
		s.relayed(gctx, "outbound", env.Signal.Type)
	})
	if err != nil {
		client.log.Warn("relay subscribe failed", zap.Error(err))
		client.closeWith(models.SocketMessage{Type: models.SocketMessageError, Error: "relay unavailable"})
		return
	}
	updates, err := s.roster.Watch(gctx, client.RoomID)
	if err != nil {
		_ = sub.Close()
		client.log.Warn("roster watch failed", zap.Error(err))
		client.closeWith(models.SocketMessage{Type: models.SocketMessageError, Error: "roster unavailable"})
		return
	}

	s.setPresence(client, true)
	s.metrics.ActiveSockets.Add(ctx, 1)
	defer s.metrics.ActiveSockets.Add(context.Background(), -1)
	client.log.Info("participant connected")

	g.Go(func() error { return client.writePump(gctx) })
	g.Go(func() error { return s.readPump(gctx, client) })
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case ps, ok := <-updates:
				if !ok {
					return nil
				}
				client.push(models.SocketMessage{Type: models.SocketMessageRoster, Participants: ps})
			}
		}
	})

	err = g.Wait()
	_ = sub.Close()

	s.setPresence(client, false)
	clearCtx, clearCancel := context.WithTimeout(context.Background(), s.relayTimeout)
	defer clearCancel()
	if err := s.signals.ClearAllFrom(clearCtx, client.RoomID, client.UserID); err != nil {
		client.log.Warn("clearing participant signals failed", zap.Error(err))
	}

	if err != nil && !errors.Is(err, errSocketClosed) {
		client.log.Warn("participant disconnected", zap.Error(err))
		return
	}
	client.log.Info("participant disconnected")
}

func (s *Server) setPresence(client *Client, present bool) {
	ctx, cancel := context.WithTimeout(context.Background(), s.relayTimeout)
	defer cancel()
	_, err := s.roster.Update(ctx, client.RoomID, client.UserID, func(p *models.Participant) {
		p.IsPresent = present
	})
	if err != nil && !errors.Is(err, roster.ErrNotFound) {
		client.log.Warn("presence update failed", zap.Bool("present", present), zap.Error(err))
	}
}

func (s *Server) readPump(ctx context.Context, c *Client) error {
	c.Conn.SetReadLimit(64 << 10)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Debug("websocket error", zap.Error(err))
			}
			return errSocketClosed
		}

		var msg models.SocketMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.push(models.SocketMessage{Type: models.SocketMessageError, Error: "malformed message"})
			continue
		}
		if msg.Envelope == nil {
			c.push(models.SocketMessage{Type: models.SocketMessageError, Error: "message carries no envelope"})
			continue
		}

		if err := s.route(ctx, c, msg.Type, *msg.Envelope); err != nil {
			s.metrics.SignalsRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(msg.Type))))
			c.push(models.SocketMessage{Type: models.SocketMessageError, Envelope: msg.Envelope, Error: err.Error()})
		}
	}
}

// route hands one client frame to the relay. The sender of a signal and the
// recipient of an ack are always the authenticated user.
func (s *Server) route(ctx context.Context, c *Client, t models.SocketMessageType, env models.Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, s.relayTimeout)
	defer cancel()

	env.RoomID = c.RoomID
	switch t {
	case models.SocketMessageSignal:
		env.ID = ""
		env.SentAt = time.Time{}
		env.From = c.UserID
		if _, err := s.signals.Send(ctx, env); err != nil {
			if errors.Is(err, models.ErrInvalidSignal) {
				return err
			}
			c.log.Warn("relay send failed", zap.String("to", env.To), zap.Error(err))
			return errors.New("relay send failed")
		}
		s.relayed(ctx, "inbound", env.Signal.Type)
	case models.SocketMessageAck:
		if env.ID == "" {
			return errors.New("ack needs an envelope id")
		}
		env.To = c.UserID
		if err := s.signals.Acknowledge(ctx, env); err != nil {
			c.log.Debug("acknowledge failed", zap.String("envelope", env.ID), zap.Error(err))
		}
	default:
		return errors.New("unknown message type " + string(t))
	}
	return nil
}

func (s *Server) relayed(ctx context.Context, direction string, kind models.SignalType) {
	s.metrics.SignalsRelayed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("direction", direction),
		attribute.String("kind", string(kind)),
	))
}

func (c *Client) writePump(ctx context.Context) error {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil

		case message := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return err
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}

// push queues msg without blocking.
func (c *Client) push(msg models.SocketMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("failed to marshal message", zap.Error(err))
		return
	}

	select {
	case c.Send <- data:
	default:
		c.log.Warn("send buffer full, dropping connection")
		if c.overflow != nil {
			c.overflow()
		}
	}
}

// closeWith writes msg and closes the socket before any pump has started.
func (c *Client) closeWith(msg models.SocketMessage) {
	defer c.Conn.Close()
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.Conn.WriteMessage(websocket.TextMessage, data)
}
