package broadcast

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/mossy-p/webrtc-mesh/internal/logging"
	"github.com/mossy-p/webrtc-mesh/internal/media"
	"github.com/mossy-p/webrtc-mesh/internal/models"
	"github.com/mossy-p/webrtc-mesh/internal/peer"
	"github.com/mossy-p/webrtc-mesh/internal/signal"
	"go.uber.org/zap"
)

// ViewerState is where a viewer stands with the current broadcast.
type ViewerState string

const (
	ViewerIdle       ViewerState = "idle"
	ViewerRequesting ViewerState = "requesting"
	ViewerConnected  ViewerState = "connected"
)

// ViewerHandlers receive the broadcast stream. Any of them may be nil.
type ViewerHandlers struct {
	OnStream     func(*media.Stream)
	OnDisconnect func()
}

// Viewer receives the room's broadcast, if any.
type Viewer struct {
	cfg Config
	h   ViewerHandlers
	log *zap.Logger
	out *signal.Outbox

	mu        sync.Mutex
	state     ViewerState
	record    *models.OfferRecord
	requestID string
	session   *peer.Session
	stream    *media.Stream
}

func NewViewer(cfg Config, h ViewerHandlers) (*Viewer, error) {
	if err := cfg.check(); err != nil {
		return nil, err
	}
	return &Viewer{
		cfg:   cfg,
		h:     h,
		log:   logging.OrNop(cfg.Log).With(zap.String("room", cfg.RoomID), zap.String("viewer", cfg.SelfID)),
		out:   signal.NewOutbox(cfg.SendTimeout),
		state: ViewerIdle,
	}, nil
}

func (v *Viewer) State() ViewerState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Stream is the received broadcast, nil until it arrives.
func (v *Viewer) Stream() *media.Stream {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stream
}

// SessionID is the local id of the current request or session.
func (v *Viewer) SessionID() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.requestID
}

// Watch follows the room's offer record until ctx ends, connecting while a
// broadcast is announced and disconnecting when the record goes away.
func (v *Viewer) Watch(ctx context.Context) error {
	sub, err := v.cfg.Signals.Subscribe(ctx, v.cfg.RoomID, v.cfg.SelfID, v.onEnvelope)
	if err != nil {
		return fmt.Errorf("broadcast: watch: %w", err)
	}
	defer sub.Close()

	records, err := v.cfg.Offers.Watch(ctx, v.cfg.RoomID)
	if err != nil {
		return fmt.Errorf("broadcast: watch: %w", err)
	}
	defer v.disconnect()

	for {
		select {
		case <-ctx.Done():
			return nil
		case rec, ok := <-records:
			if !ok {
				return nil
			}
			v.onRecord(rec)
		}
	}
}

// Close stops the viewer's sender. Call it after Watch has returned.
func (v *Viewer) Close() {
	v.out.Close()
	<-v.out.Done()
}

func (v *Viewer) onRecord(rec *models.OfferRecord) {
	if rec == nil {
		v.log.Info("broadcast removed")
		v.disconnect()
		return
	}
	if rec.HostID == v.cfg.SelfID {
		return
	}

	v.mu.Lock()
	prev := v.record
	state := v.state
	v.record = rec
	if state == ViewerConnected && prev != nil && prev.HostID == rec.HostID {
		v.mu.Unlock()
		v.log.Debug("broadcast restarted, keeping session", zap.String("epoch", rec.Epoch))
		return
	}
	if state == ViewerRequesting && prev != nil && prev.Epoch == rec.Epoch {
		v.mu.Unlock()
		return
	}
	v.mu.Unlock()

	if state == ViewerConnected {
		v.disconnect()
		v.mu.Lock()
		v.record = rec
		v.mu.Unlock()
	}
	v.request(rec)
}

// request asks the host for a session under a fresh local id.
func (v *Viewer) request(rec *models.OfferRecord) {
	v.mu.Lock()
	v.requestID = uuid.NewString()
	v.state = ViewerRequesting
	env := models.Envelope{
		RoomID:        v.cfg.RoomID,
		From:          v.cfg.SelfID,
		To:            rec.HostID,
		SessionID:     v.requestID,
		PeerSessionID: rec.Epoch,
		Signal:        models.NewRenegotiate(),
	}
	v.mu.Unlock()

	v.log.Debug("requesting broadcast", zap.String("epoch", rec.Epoch), zap.String("session", env.SessionID))
	v.out.Send(signal.AnyGeneration, v.cfg.Signals, env, func(err error) {
		v.log.Warn("broadcast request failed", zap.Error(err))
	})
}

// disconnect drops the session and returns to idle.
func (v *Viewer) disconnect() {
	v.mu.Lock()
	s := v.session
	had := v.state != ViewerIdle
	v.session = nil
	v.stream = nil
	v.record = nil
	v.requestID = ""
	v.state = ViewerIdle
	v.mu.Unlock()

	if s != nil {
		s.Destroy()
	}
	if had && v.h.OnDisconnect != nil {
		v.h.OnDisconnect()
	}
}

func (v *Viewer) onEnvelope(env models.Envelope) {
	defer v.ack(env)
	log := v.log.With(zap.String("host", env.From), zap.String("kind", string(env.Signal.Type)))

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.record == nil || env.From != v.record.HostID {
		log.Debug("signal from a host not being watched discarded")
		return
	}

	if v.session == nil {
		if env.Signal.Type != models.SignalTypeOffer || env.PeerSessionID != v.requestID {
			log.Debug("signal for an unknown request discarded")
			return
		}
		v.open(env.SessionID)
		if v.session == nil {
			return
		}
	} else if env.PeerSessionID != v.session.ID() || env.SessionID != v.session.RemoteSessionID() {
		log.Debug("signal for a replaced session discarded")
		return
	}

	if err := v.session.Signal(env); err != nil {
		log.Debug("signal rejected", zap.Error(err))
	}
}

// open creates the responder session for the pending request. Callers hold
// v.mu.
func (v *Viewer) open(hostSession string) {
	var s *peer.Session
	s, err := peer.New(peer.Config{
		ID:                 v.requestID,
		RoomID:             v.cfg.RoomID,
		SelfID:             v.cfg.SelfID,
		PeerID:             v.record.HostID,
		Role:               peer.RoleResponder,
		Trickle:            false,
		RemoteSessionID:    hostSession,
		NegotiationTimeout: v.cfg.NegotiationTimeout,
		Log:                v.log,
	}, v.cfg.Engines, peer.Handlers{
		OnSignal: func(env models.Envelope) {
			v.out.Send(signal.AnyGeneration, v.cfg.Signals, env, func(err error) {
				v.log.Warn("signal send failed", zap.Error(err))
			})
		},
		OnStream: func(st *media.Stream) {
			if v.apply(s, func() { v.stream = st }) && v.h.OnStream != nil {
				v.h.OnStream(st)
			}
		},
		OnStreamEnded: func(st *media.Stream) {
			v.apply(s, func() {
				if v.stream == st {
					v.stream = nil
				}
			})
		},
		OnConnect: func() {
			if v.apply(s, func() { v.state = ViewerConnected }) {
				v.log.Info("broadcast connected")
			}
		},
		OnError: func(err error) {
			if v.apply(s, func() {}) {
				v.log.Warn("broadcast session failed", zap.Error(err))
				v.disconnect()
			}
		},
	})
	if err != nil {
		v.log.Warn("broadcast session not created", zap.Error(err))
		return
	}
	v.session = s
	if err := s.Start(); err != nil {
		v.log.Debug("session start failed", zap.Error(err))
	}
}

// apply runs fn under the lock when s is still the current session.
func (v *Viewer) apply(s *peer.Session, fn func()) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.session == nil || v.session != s {
		return false
	}
	fn()
	return true
}

func (v *Viewer) ack(env models.Envelope) {
	v.out.Push(signal.AnyGeneration, func(ctx context.Context) {
		if err := v.cfg.Signals.Acknowledge(ctx, env); err != nil {
			v.log.Debug("acknowledge failed", zap.String("envelope", env.ID), zap.Error(err))
		}
	})
}
