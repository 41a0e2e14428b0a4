// Package broadcast fans one host stream out to many viewers. The host
// announces an offer record; each viewer asks for a connection by sending a
// renegotiate request that names the record's epoch, and the host answers
// with a dedicated non-trickle session.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/webrtc-mesh/internal/logging"
	"github.com/mossy-p/webrtc-mesh/internal/media"
	"github.com/mossy-p/webrtc-mesh/internal/models"
	"github.com/mossy-p/webrtc-mesh/internal/peer"
	"github.com/mossy-p/webrtc-mesh/internal/signal"
	"go.uber.org/zap"
)

var ErrNotStarted = errors.New("broadcast: not started")

const defaultSendTimeout = 5 * time.Second

// Config is shared by Host and Viewer.
type Config struct {
	RoomID string
	SelfID string

	Signals signal.Channel
	Offers  OfferStore
	Engines peer.Factory

	SendTimeout        time.Duration
	NegotiationTimeout time.Duration

	Log *zap.Logger
}

func (c *Config) check() error {
	var errs []error
	if c.RoomID == "" || c.SelfID == "" {
		errs = append(errs, errors.New("room and self ids are required"))
	}
	if c.Signals == nil || c.Offers == nil || c.Engines == nil {
		errs = append(errs, errors.New("signals, offers and engines are required"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("broadcast: config: %w", err)
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaultSendTimeout
	}
	return nil
}

// Host serves one stream to every viewer that asks for it.
type Host struct {
	cfg Config
	log *zap.Logger
	out *signal.Outbox

	mu       sync.Mutex
	epoch    string
	stream   *media.Stream
	sub      signal.Subscription
	sessions map[string]*peer.Session
}

func NewHost(cfg Config) (*Host, error) {
	if err := cfg.check(); err != nil {
		return nil, err
	}
	return &Host{
		cfg:      cfg,
		log:      logging.OrNop(cfg.Log).With(zap.String("room", cfg.RoomID), zap.String("host", cfg.SelfID)),
		out:      signal.NewOutbox(cfg.SendTimeout),
		sessions: make(map[string]*peer.Session),
	}, nil
}

// Start announces a new epoch carrying stream. Starting again while running
// keeps connected viewers and moves them to the new stream.
func (h *Host) Start(ctx context.Context, stream *media.Stream) (models.OfferRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sub == nil {
		sub, err := h.cfg.Signals.Subscribe(ctx, h.cfg.RoomID, h.cfg.SelfID, h.onEnvelope)
		if err != nil {
			return models.OfferRecord{}, fmt.Errorf("broadcast: start: %w", err)
		}
		h.sub = sub
	}

	rec := models.OfferRecord{
		RoomID:    h.cfg.RoomID,
		HostID:    h.cfg.SelfID,
		Epoch:     uuid.NewString(),
		StartedAt: time.Now().UTC(),
	}
	if err := h.cfg.Offers.Publish(ctx, rec); err != nil {
		return models.OfferRecord{}, fmt.Errorf("broadcast: start: %w", err)
	}

	if old := h.stream; old != nil && old != stream {
		for id, s := range h.sessions {
			if err := s.DetachLocalStream(old); err != nil {
				h.log.Debug("detach failed", zap.String("viewer", id), zap.Error(err))
			}
			if err := s.AttachLocalStream(stream); err != nil {
				h.log.Debug("attach failed", zap.String("viewer", id), zap.Error(err))
			}
		}
	}
	h.stream = stream
	h.epoch = rec.Epoch
	h.log.Info("broadcast started", zap.String("epoch", rec.Epoch))
	return rec, nil
}

// Stop ends the broadcast: every viewer session is destroyed, the record
// is removed and the host's envelopes are cleared in the background.
func (h *Host) Stop(ctx context.Context) error {
	h.mu.Lock()
	if h.epoch == "" {
		h.mu.Unlock()
		return ErrNotStarted
	}
	epoch := h.epoch
	sessions := h.sessions
	h.epoch = ""
	h.stream = nil
	h.sessions = make(map[string]*peer.Session)
	sub := h.sub
	h.sub = nil
	h.mu.Unlock()

	if sub != nil {
		_ = sub.Close()
	}

	for _, s := range sessions {
		s.Destroy()
	}

	room, self := h.cfg.RoomID, h.cfg.SelfID
	h.out.Push(signal.AnyGeneration, func(ctx context.Context) {
		if err := h.cfg.Signals.ClearAllFrom(ctx, room, self); err != nil {
			h.log.Warn("clearing host signals failed", zap.Error(err))
		}
	})
	h.log.Info("broadcast stopped", zap.String("epoch", epoch))
	if err := h.cfg.Offers.Remove(ctx, h.cfg.RoomID, epoch); err != nil {
		return fmt.Errorf("broadcast: stop: %w", err)
	}
	return nil
}

// Close stops a running broadcast and the host's sender.
func (h *Host) Close(ctx context.Context) error {
	err := h.Stop(ctx)
	if errors.Is(err, ErrNotStarted) {
		err = nil
	}
	h.out.Close()
	select {
	case <-h.out.Done():
	case <-ctx.Done():
	}
	return err
}

// Epoch is the announced epoch, empty when stopped.
func (h *Host) Epoch() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.epoch
}

// Viewers lists the viewers whose session is connected.
func (h *Host) Viewers() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for id, s := range h.sessions {
		if s.State() == peer.StateConnected {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (h *Host) onEnvelope(env models.Envelope) {
	defer h.ack(env)
	log := h.log.With(zap.String("viewer", env.From), zap.String("kind", string(env.Signal.Type)))

	var replaced *peer.Session
	defer func() {
		if replaced != nil {
			replaced.Destroy()
		}
	}()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.epoch == "" {
		return
	}

	s := h.sessions[env.From]
	if env.Signal.Type == models.SignalTypeRenegotiate {
		if env.PeerSessionID != h.epoch {
			log.Debug("request for a stale epoch discarded", zap.String("epoch", env.PeerSessionID))
			return
		}
		if s != nil && s.RemoteSessionID() == env.SessionID {
			log.Debug("duplicate request ignored")
			return
		}
		if s != nil {
			delete(h.sessions, env.From)
			replaced = s
		}
		h.serve(env.From, env.SessionID)
		return
	}

	if s == nil || env.PeerSessionID != s.ID() || env.SessionID != s.RemoteSessionID() {
		log.Debug("signal for an unknown session discarded")
		return
	}
	if err := s.Signal(env); err != nil {
		log.Debug("signal rejected", zap.Error(err))
	}
}

// serve opens a session to viewerID and offers the stream. Callers hold h.mu.
func (h *Host) serve(viewerID, remoteSession string) {
	var s *peer.Session
	gone := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.sessions[viewerID] == s {
			delete(h.sessions, viewerID)
		}
	}
	s, err := peer.New(peer.Config{
		RoomID:             h.cfg.RoomID,
		SelfID:             h.cfg.SelfID,
		PeerID:             viewerID,
		Role:               peer.RoleInitiator,
		Trickle:            false,
		RemoteSessionID:    remoteSession,
		NegotiationTimeout: h.cfg.NegotiationTimeout,
		Log:                h.log,
	}, h.cfg.Engines, peer.Handlers{
		OnSignal: func(env models.Envelope) {
			h.out.Send(signal.AnyGeneration, h.cfg.Signals, env, func(err error) {
				h.log.Warn("signal send failed", zap.String("viewer", viewerID), zap.Error(err))
			})
		},
		OnConnect: func() { h.log.Info("viewer connected", zap.String("viewer", viewerID)) },
		OnError: func(err error) {
			h.log.Warn("viewer session failed", zap.String("viewer", viewerID), zap.Error(err))
			gone()
			s.Destroy()
		},
		OnClose: gone,
	})
	if err != nil {
		h.log.Warn("viewer session not created", zap.String("viewer", viewerID), zap.Error(err))
		return
	}
	h.sessions[viewerID] = s
	if err := s.AttachLocalStream(h.stream); err != nil {
		h.log.Debug("attach failed", zap.String("viewer", viewerID), zap.Error(err))
	}
	if err := s.Start(); err != nil {
		h.log.Debug("session start failed", zap.String("viewer", viewerID), zap.Error(err))
	}
}

func (h *Host) ack(env models.Envelope) {
	h.out.Push(signal.AnyGeneration, func(ctx context.Context) {
		if err := h.cfg.Signals.Acknowledge(ctx, env); err != nil {
			h.log.Debug("acknowledge failed", zap.String("envelope", env.ID), zap.Error(err))
		}
	})
}
