// Package peer wraps one negotiated connection to a remote participant. A
// Session owns an Engine, runs negotiation on its own serial worker and
// reports outbound signals, remote streams and lifecycle changes through
// Handlers.
package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/webrtc-mesh/internal/logging"
	"github.com/mossy-p/webrtc-mesh/internal/media"
	"github.com/mossy-p/webrtc-mesh/internal/models"
	"go.uber.org/zap"
)

var (
	ErrDestroyed        = errors.New("peer: session destroyed")
	ErrConnectionFailed = errors.New("peer: connection failed")
)

const defaultNegotiationTimeout = 15 * time.Second

// Config identifies a session and the pair it connects.
type Config struct {
	// ID is the local session id, generated when empty.
	ID     string
	RoomID string
	SelfID string
	PeerID string
	Role   Role

	Trickle bool

	// RemoteSessionID is set when the session answers a known remote session.
	RemoteSessionID string

	// NegotiationTimeout bounds creating one description, including the wait
	// for candidate gathering when Trickle is off.
	NegotiationTimeout time.Duration

	Log *zap.Logger
}

// Handlers receive session events. Any of them may be nil. They must not
// block.
type Handlers struct {
	OnSignal      func(models.Envelope)
	OnStream      func(*media.Stream)
	OnStreamEnded func(*media.Stream)
	OnConnect     func()
	OnClose       func()
	OnError       func(error)
}

// Session is one peer connection. Only the initiator creates offers; a
// responder that needs another round asks for it with a renegotiate signal.
type Session struct {
	cfg    Config
	h      Handlers
	engine Engine
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}
	once   sync.Once

	mu            sync.Mutex
	tasks         []func()
	destroyed     bool
	state         State
	remoteSession string
	local         map[string]*media.Stream
	remote        map[string]*media.Stream

	// sigMu orders outbound envelopes. Candidates gathered before the local
	// description went out are held back until it has.
	sigMu         sync.Mutex
	descriptionUp bool
	heldCands     []models.ICECandidate

	// Owned by the worker goroutine.
	started            bool
	offerPending       bool
	negotiationPending bool
}

// New creates a session and its engine. The session is connecting until the
// engine reports otherwise.
func New(cfg Config, f Factory, h Handlers) (*Session, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = defaultNegotiationTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:  cfg,
		h:    h,
		ctx:  ctx,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		log: logging.OrNop(cfg.Log).With(
			zap.String("peer", cfg.PeerID),
			zap.String("session", cfg.ID),
			zap.String("role", string(cfg.Role)),
		),
		cancel:        cancel,
		state:         StateConnecting,
		remoteSession: cfg.RemoteSessionID,
		local:         make(map[string]*media.Stream),
		remote:        make(map[string]*media.Stream),
	}

	engine, err := f.NewEngine(EngineConfig{PeerID: cfg.PeerID, Trickle: cfg.Trickle}, EngineEvents{
		OnCandidate:  s.onCandidate,
		OnTrack:      s.onTrack,
		OnTrackEnded: s.onTrackEnded,
		OnState:      s.onState,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("peer: new engine: %w", err)
	}
	s.engine = engine

	go s.run()
	return s, nil
}

func (s *Session) ID() string     { return s.cfg.ID }
func (s *Session) PeerID() string { return s.cfg.PeerID }
func (s *Session) Role() Role     { return s.cfg.Role }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RemoteSessionID is the remote session this one is paired with, empty
// until the remote has sent anything.
func (s *Session) RemoteSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteSession
}

// LocalStreams returns the attached local streams.
func (s *Session) LocalStreams() []*media.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*media.Stream, 0, len(s.local))
	for _, st := range s.local {
		out = append(out, st)
	}
	return out
}

// HasLocalStream reports whether the stream with the given id is attached.
func (s *Session) HasLocalStream(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.local[id]
	return ok
}

// RemoteStreams returns the streams currently received.
func (s *Session) RemoteStreams() []*media.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*media.Stream, 0, len(s.remote))
	for _, st := range s.remote {
		out = append(out, st)
	}
	return out
}

// Start begins negotiation. The initiator sends its offer; a responder
// waits for one.
func (s *Session) Start() error {
	return s.enqueue(func() {
		s.started = true
		if s.cfg.Role == RoleInitiator {
			s.negotiate()
		}
	})
}

// AttachLocalStream sends st on this session. Attaching after Start
// renegotiates.
func (s *Session) AttachLocalStream(st *media.Stream) error {
	s.mu.Lock()
	if _, ok := s.local[st.ID()]; ok {
		s.mu.Unlock()
		return nil
	}
	if s.destroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}
	s.local[st.ID()] = st
	s.mu.Unlock()

	return s.enqueue(func() {
		if err := s.engine.AddStream(st); err != nil {
			s.fail(fmt.Errorf("peer: attach %s: %w", st.ID(), err))
			return
		}
		if s.started {
			s.renegotiate(st.Kinds())
		}
	})
}

// DetachLocalStream stops sending st without closing the session.
func (s *Session) DetachLocalStream(st *media.Stream) error {
	s.mu.Lock()
	if _, ok := s.local[st.ID()]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.local, st.ID())
	s.mu.Unlock()

	return s.enqueue(func() {
		if err := s.engine.RemoveStream(st); err != nil {
			s.fail(fmt.Errorf("peer: detach %s: %w", st.ID(), err))
			return
		}
		if s.started {
			s.renegotiate(nil)
		}
	})
}

// Signal feeds an inbound envelope to the engine.
func (s *Session) Signal(env models.Envelope) error {
	if err := env.Signal.Validate(); err != nil {
		return fmt.Errorf("peer: signal: %w", err)
	}
	s.mu.Lock()
	if s.remoteSession == "" && env.SessionID != "" {
		s.remoteSession = env.SessionID
	}
	s.mu.Unlock()

	return s.enqueue(func() { s.handle(env) })
}

// Destroy closes the engine and reports OnClose. It is safe to call more
// than once; only the first call has any effect.
func (s *Session) Destroy() {
	s.once.Do(func() {
		s.mu.Lock()
		s.destroyed = true
		s.state = StateClosed
		s.tasks = nil
		remote := make([]*media.Stream, 0, len(s.remote))
		for _, st := range s.remote {
			remote = append(remote, st)
		}
		s.mu.Unlock()

		s.cancel()
		close(s.done)
		if err := s.engine.Close(); err != nil {
			s.log.Debug("engine close failed", zap.Error(err))
		}
		for _, st := range remote {
			st.Stop()
		}
		s.log.Debug("session destroyed")
		if s.h.OnClose != nil {
			s.h.OnClose()
		}
	})
}

func (s *Session) enqueue(task func()) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}
	s.tasks = append(s.tasks, task)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

func (s *Session) next() func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed || len(s.tasks) == 0 {
		return nil
	}
	task := s.tasks[0]
	s.tasks[0] = nil
	s.tasks = s.tasks[1:]
	return task
}

func (s *Session) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for task := s.next(); task != nil; task = s.next() {
			task()
		}
	}
}

func (s *Session) handle(env models.Envelope) {
	sig := env.Signal
	switch sig.Type {
	case models.SignalTypeOffer:
		if s.cfg.Role == RoleInitiator {
			s.log.Debug("offer ignored by initiator")
			return
		}
		if err := s.engine.SetRemoteDescription(models.SignalTypeOffer, sig.SDP); err != nil {
			s.fail(fmt.Errorf("peer: apply offer: %w", err))
			return
		}
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.NegotiationTimeout)
		answer, err := s.engine.CreateAnswer(ctx)
		cancel()
		if err != nil {
			s.fail(fmt.Errorf("peer: create answer: %w", err))
			return
		}
		s.sendDescription(models.NewAnswer(answer))

	case models.SignalTypeAnswer:
		if s.cfg.Role != RoleInitiator || !s.offerPending {
			s.log.Debug("unexpected answer ignored")
			return
		}
		if err := s.engine.SetRemoteDescription(models.SignalTypeAnswer, sig.SDP); err != nil {
			s.fail(fmt.Errorf("peer: apply answer: %w", err))
			return
		}
		s.offerPending = false
		if s.negotiationPending {
			s.negotiationPending = false
			s.negotiate()
		}

	case models.SignalTypeCandidate:
		if err := s.engine.AddCandidate(*sig.Candidate); err != nil {
			s.log.Debug("remote candidate rejected", zap.Error(err))
		}

	case models.SignalTypeRenegotiate:
		if s.cfg.Role != RoleInitiator {
			s.log.Debug("renegotiate request ignored by responder")
			return
		}
		if len(sig.Transceivers) > 0 {
			if err := s.engine.AddReceivers(sig.Transceivers); err != nil {
				s.fail(fmt.Errorf("peer: add receivers: %w", err))
				return
			}
		}
		s.negotiate()
	}
}

// negotiate sends a fresh offer, or defers it while one is outstanding.
func (s *Session) negotiate() {
	if s.offerPending {
		s.negotiationPending = true
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.NegotiationTimeout)
	offer, err := s.engine.CreateOffer(ctx)
	cancel()
	if err != nil {
		s.fail(fmt.Errorf("peer: create offer: %w", err))
		return
	}
	s.offerPending = true
	s.sendDescription(models.NewOffer(offer))
}

// renegotiate reacts to a change of local streams.
func (s *Session) renegotiate(kinds []models.MediaKind) {
	if s.cfg.Role == RoleInitiator {
		s.negotiate()
		return
	}
	s.send(models.NewRenegotiate(kinds...))
}

func (s *Session) sendDescription(sig models.Signal) {
	s.sigMu.Lock()
	defer s.sigMu.Unlock()
	s.send(sig)
	s.descriptionUp = true
	for _, c := range s.heldCands {
		s.send(models.NewCandidate(c))
	}
	s.heldCands = nil
}

func (s *Session) send(sig models.Signal) {
	if s.h.OnSignal == nil || s.isDestroyed() {
		return
	}
	s.h.OnSignal(models.Envelope{
		RoomID:        s.cfg.RoomID,
		From:          s.cfg.SelfID,
		To:            s.cfg.PeerID,
		SessionID:     s.cfg.ID,
		PeerSessionID: s.RemoteSessionID(),
		Signal:        sig,
	})
}

func (s *Session) isDestroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.destroyed || s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	s.mu.Unlock()

	s.log.Warn("session failed", zap.Error(err))
	if s.h.OnError != nil {
		s.h.OnError(err)
	}
}

func (s *Session) onCandidate(c models.ICECandidate) {
	if !s.cfg.Trickle {
		return
	}
	s.sigMu.Lock()
	defer s.sigMu.Unlock()
	if !s.descriptionUp {
		s.heldCands = append(s.heldCands, c)
		return
	}
	s.send(models.NewCandidate(c))
}

func (s *Session) onTrack(streamID string, t *media.Track) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	st, ok := s.remote[streamID]
	if !ok {
		st = media.NewStream(streamID, t)
		s.remote[streamID] = st
	} else if !st.AddTrack(t) {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.log.Debug("remote track", zap.String("stream", streamID), zap.String("kind", string(t.Kind())))
	if s.h.OnStream != nil {
		s.h.OnStream(st)
	}
}

func (s *Session) onTrackEnded(streamID, trackID string) {
	s.mu.Lock()
	st, ok := s.remote[streamID]
	if s.destroyed || !ok || !st.RemoveTrack(trackID) {
		s.mu.Unlock()
		return
	}
	empty := len(st.Tracks()) == 0
	if empty {
		delete(s.remote, streamID)
	}
	s.mu.Unlock()

	s.log.Debug("remote track ended", zap.String("stream", streamID), zap.String("track", trackID))
	if empty {
		if s.h.OnStreamEnded != nil {
			s.h.OnStreamEnded(st)
		}
		return
	}
	if s.h.OnStream != nil {
		s.h.OnStream(st)
	}
}

func (s *Session) onState(state State) {
	switch state {
	case StateConnected:
		s.mu.Lock()
		if s.destroyed || s.state != StateConnecting {
			s.mu.Unlock()
			return
		}
		s.state = StateConnected
		s.mu.Unlock()

		s.log.Debug("session connected")
		if s.h.OnConnect != nil {
			s.h.OnConnect()
		}
	case StateFailed, StateClosed:
		s.fail(fmt.Errorf("%w: %s", ErrConnectionFailed, state))
	}
}
