// Package mesh keeps one peer session open to every approved, present
// participant of a room. A Coordinator is an actor: a single goroutine owns
// every session and all per-room state, and everything else (roster
// changes, inbound envelopes, session events, commands and the completion of
// capture or lease work) reaches it as a step in its mailbox.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mossy-p/webrtc-mesh/internal/logging"
	"github.com/mossy-p/webrtc-mesh/internal/media"
	"github.com/mossy-p/webrtc-mesh/internal/models"
	"github.com/mossy-p/webrtc-mesh/internal/peer"
	"github.com/mossy-p/webrtc-mesh/internal/role"
	"github.com/mossy-p/webrtc-mesh/internal/roster"
	"github.com/mossy-p/webrtc-mesh/internal/screenshare"
	"github.com/mossy-p/webrtc-mesh/internal/signal"
	"go.uber.org/zap"
)

var (
	ErrNotJoined = errors.New("mesh: not joined")
	ErrClosed    = errors.New("mesh: coordinator closed")
)

const (
	defaultSendTimeout = 5 * time.Second
	defaultRosterGrace = 10 * time.Second
)

// Config wires a coordinator to its collaborators.
type Config struct {
	RoomID string
	SelfID string

	Signals  signal.Channel
	Roster   roster.Watcher
	Capturer media.Capturer
	Sink     media.Sink
	Engines  peer.Factory

	// Leases arbitrates screen sharing. An in-process store is used when nil.
	Leases screenshare.LeaseStore

	// SendTimeout bounds each relay write.
	SendTimeout        time.Duration
	NegotiationTimeout time.Duration

	// RosterGrace bounds how long a session answered for a peer the roster
	// does not list yet is kept.
	RosterGrace time.Duration

	Log *zap.Logger
}

func (c Config) validate() error {
	var errs []error
	if c.RoomID == "" {
		errs = append(errs, errors.New("room id is required"))
	}
	if c.SelfID == "" {
		errs = append(errs, errors.New("self id is required"))
	}
	if c.Signals == nil {
		errs = append(errs, errors.New("signal channel is required"))
	}
	if c.Roster == nil {
		errs = append(errs, errors.New("roster is required"))
	}
	if c.Capturer == nil {
		errs = append(errs, errors.New("capturer is required"))
	}
	if c.Sink == nil {
		errs = append(errs, errors.New("sink is required"))
	}
	if c.Engines == nil {
		errs = append(errs, errors.New("engine factory is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("mesh: config: %w", err)
	}
	return nil
}

type entry struct {
	s     *peer.Session
	voice string // id of the stream attached to the sink
	// listed is set once the roster has shown the peer eligible.
	listed bool
	// opened is the number of roster reads taken before the session was
	// answered; an unlisted session does not outlive a later read.
	opened uint64
}

// Coordinator forms the mesh for one local participant.
type Coordinator struct {
	cfg     Config
	log     *zap.Logger
	overlay *screenshare.Overlay
	inbox   *mailbox
	out     *signal.Outbox
	done    chan struct{}

	closeOnce sync.Once

	viewMu  sync.Mutex
	view    View
	updates chan View

	rosterReads  atomic.Uint64
	relayFailing atomic.Bool

	// Owned by the actor goroutine.
	gen          uint64
	joining      bool
	joined       bool
	stopWatch    context.CancelFunc
	sub          signal.Subscription
	mic          *media.Stream
	muted        bool
	speakerMuted bool
	participants []models.Participant
	rosterRead   uint64
	lastSendErr  error
	sessions     map[string]*entry
	audio        map[string]*media.Stream
}

// New starts a coordinator. It does nothing until Join.
func New(cfg Config) (*Coordinator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.RosterGrace <= 0 {
		cfg.RosterGrace = defaultRosterGrace
	}
	if cfg.Leases == nil {
		cfg.Leases = screenshare.NewMemoryLeases()
	}
	log := logging.OrNop(cfg.Log).With(zap.String("room", cfg.RoomID), zap.String("self", cfg.SelfID))

	c := &Coordinator{
		cfg:      cfg,
		log:      log,
		overlay:  screenshare.NewOverlay(cfg.RoomID, cfg.SelfID, cfg.Capturer, cfg.Leases, log),
		inbox:    newMailbox(),
		out:      signal.NewOutbox(cfg.SendTimeout),
		done:     make(chan struct{}),
		updates:  make(chan View, 1),
		sessions: make(map[string]*entry),
		audio:    make(map[string]*media.Stream),
	}
	c.view = c.snapshot()

	go func() {
		defer close(c.done)
		c.inbox.run()
	}()
	return c, nil
}

// View returns the latest snapshot.
func (c *Coordinator) View() View {
	c.viewMu.Lock()
	defer c.viewMu.Unlock()
	return c.view
}

// Updates delivers snapshots as they change. Only the latest unread
// snapshot is kept, so a slow reader skips intermediate states.
func (c *Coordinator) Updates() <-chan View { return c.updates }

// Join captures the microphone, subscribes to the room's signals and roster
// and starts connecting. A capture failure leaves the coordinator not
// joined, and Join may be retried. Joining twice is a no-op.
func (c *Coordinator) Join(ctx context.Context) error {
	var gen uint64
	busy := false
	if err := c.do(func() {
		if c.joined || c.joining {
			busy = true
			return
		}
		c.gen++
		gen = c.gen
		c.joining = true
		c.out.Reset(gen)
		c.lastSendErr = nil
		c.relayFailing.Store(false)
	}); err != nil {
		return err
	}
	if busy {
		return nil
	}

	mic, err := c.cfg.Capturer.UserMedia(ctx, media.Constraints{Audio: true})
	if err != nil {
		_ = c.do(func() {
			if c.gen == gen {
				c.joining = false
			}
		})
		return fmt.Errorf("mesh: join: %w", err)
	}

	var joinErr error
	if err := c.do(func() { joinErr = c.install(ctx, gen, mic) }); err != nil {
		mic.Stop()
		return err
	}
	return joinErr
}

// install runs on the actor once the microphone is ready.
func (c *Coordinator) install(ctx context.Context, gen uint64, mic *media.Stream) error {
	if gen != c.gen || !c.joining {
		mic.Stop()
		return fmt.Errorf("mesh: join: %w", ErrNotJoined)
	}
	c.joining = false

	watchCtx, cancel := context.WithCancel(context.Background())
	sub, err := c.cfg.Signals.Subscribe(ctx, c.cfg.RoomID, c.cfg.SelfID, func(env models.Envelope) {
		c.post(func() { c.onEnvelope(gen, env) })
	})
	if err != nil {
		cancel()
		mic.Stop()
		return fmt.Errorf("mesh: join: subscribe: %w", err)
	}
	rosterCh, err := c.cfg.Roster.Watch(watchCtx, c.cfg.RoomID)
	if err != nil {
		cancel()
		_ = sub.Close()
		mic.Stop()
		return fmt.Errorf("mesh: join: roster: %w", err)
	}
	leaseCh, err := c.overlay.Watch(watchCtx)
	if err != nil {
		c.log.Warn("share lease watch unavailable", zap.Error(err))
	}

	c.joined = true
	c.sub = sub
	c.stopWatch = cancel
	c.mic = mic
	mic.SetEnabled(models.MediaKindAudio, !c.muted)

	go func() {
		for ps := range rosterCh {
			read := c.rosterReads.Add(1)
			c.post(func() { c.onRoster(gen, ps, read) })
		}
	}()
	if leaseCh != nil {
		go func() {
			for l := range leaseCh {
				c.post(func() { c.onLease(gen, l) })
			}
		}()
	}

	c.log.Info("joined room")
	c.reconcile()
	return nil
}

// Leave tears down everything Join set up. Leaving when not joined is a
// no-op.
func (c *Coordinator) Leave() error {
	return c.do(c.leave)
}

func (c *Coordinator) leave() {
	if !c.joined && !c.joining {
		return
	}
	wasJoined := c.joined
	c.gen++
	c.joined = false
	c.joining = false
	c.out.Reset(c.gen)

	if c.stopWatch != nil {
		c.stopWatch()
		c.stopWatch = nil
	}
	if c.sub != nil {
		if err := c.sub.Close(); err != nil {
			c.log.Debug("signal unsubscribe failed", zap.Error(err))
		}
		c.sub = nil
	}

	if s, l, ok := c.overlay.Stop(); ok && s != nil {
		c.releaseLease(l)
	}
	for id := range c.sessions {
		c.removeSession(id)
	}
	if c.mic != nil {
		c.mic.Stop()
		c.mic = nil
	}
	c.participants = nil
	c.rosterRead = 0
	c.lastSendErr = nil

	if wasJoined {
		room, self := c.cfg.RoomID, c.cfg.SelfID
		c.out.Push(signal.AnyGeneration, func(ctx context.Context) {
			if err := c.cfg.Signals.ClearAllFrom(ctx, room, self); err != nil {
				c.log.Warn("clearing own signals failed", zap.Error(err))
			}
		})
		c.log.Info("left room")
	}
	c.publish()
}

// ToggleMute flips the microphone and returns the new muted state.
func (c *Coordinator) ToggleMute() (bool, error) {
	var muted bool
	var err error
	if derr := c.do(func() {
		if !c.joined {
			err = ErrNotJoined
			return
		}
		c.muted = !c.muted
		c.mic.SetEnabled(models.MediaKindAudio, !c.muted)
		muted = c.muted
		c.publish()
	}); derr != nil {
		return false, derr
	}
	return muted, err
}

// ToggleSpeakerMute silences or restores every remote voice and returns the
// new state. It works whether or not the coordinator is joined.
func (c *Coordinator) ToggleSpeakerMute() (bool, error) {
	var muted bool
	err := c.do(func() {
		c.speakerMuted = !c.speakerMuted
		c.cfg.Sink.SetMuted(c.speakerMuted)
		muted = c.speakerMuted
		c.publish()
	})
	return muted, err
}

// ToggleScreenShare starts sharing when idle and stops it otherwise. When
// the display capture is refused the error is returned and nothing changes.
func (c *Coordinator) ToggleScreenShare(ctx context.Context) error {
	var attempt uint64
	starting := false
	var err error
	if derr := c.do(func() {
		if !c.joined {
			err = ErrNotJoined
			return
		}
		if c.overlay.State() != screenshare.StateIdle {
			c.stopShare()
			return
		}
		attempt, starting = c.overlay.Begin()
	}); derr != nil {
		return derr
	}
	if err != nil || !starting {
		return err
	}

	s, l, err := c.overlay.Acquire(ctx)
	if err != nil {
		_ = c.do(func() { c.overlay.Abort(attempt) })
		return fmt.Errorf("mesh: screen share: %w", err)
	}

	installed := false
	if derr := c.do(func() { installed = c.startShare(attempt, s, l) }); derr != nil || !installed {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SendTimeout)
			defer cancel()
			c.overlay.Discard(ctx, s, l)
		}()
		return derr
	}
	return nil
}

func (c *Coordinator) startShare(attempt uint64, s *media.Stream, l models.ShareLease) bool {
	if !c.joined || !c.overlay.Complete(attempt, s, l) {
		return false
	}
	for _, t := range s.VideoTracks() {
		t.OnEnded(func() {
			c.post(func() {
				if c.overlay.Attempt() == attempt && c.overlay.State() == screenshare.StateSharing {
					c.log.Info("screen share ended by source")
					c.stopShare()
				}
			})
		})
	}
	for id, e := range c.sessions {
		if err := e.s.AttachLocalStream(s); err != nil {
			c.log.Debug("attach screen share failed", zap.String("peer", id), zap.Error(err))
		}
	}
	c.publish()
	return true
}

func (c *Coordinator) stopShare() {
	s, l, ok := c.overlay.Stop()
	if !ok {
		return
	}
	if s != nil {
		for id, e := range c.sessions {
			if err := e.s.DetachLocalStream(s); err != nil {
				c.log.Debug("detach screen share failed", zap.String("peer", id), zap.Error(err))
			}
		}
		c.releaseLease(l)
	}
	c.publish()
}

func (c *Coordinator) releaseLease(l models.ShareLease) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SendTimeout)
		defer cancel()
		c.overlay.Release(ctx, l)
	}()
}

// Close leaves the room and stops the coordinator. Queued relay writes,
// including the final cleanup, are flushed before it returns or ctx ends.
func (c *Coordinator) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		_ = c.do(c.leave)
		c.inbox.close()
		<-c.done
		c.out.Close()
	})
	select {
	case <-c.out.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) post(step func()) bool {
	return c.inbox.push(step)
}

// do runs step on the actor and waits for it.
func (c *Coordinator) do(step func()) error {
	ran := make(chan struct{})
	if !c.post(func() { step(); close(ran) }) {
		return ErrClosed
	}
	select {
	case <-ran:
		return nil
	case <-c.done:
		select {
		case <-ran:
			return nil
		default:
			return ErrClosed
		}
	}
}

func (c *Coordinator) onRoster(gen uint64, ps []models.Participant, read uint64) {
	if gen != c.gen || !c.joined {
		return
	}
	c.participants = ps
	c.rosterRead = read
	c.reconcile()
}

func (c *Coordinator) onLease(gen uint64, l models.ShareLease) {
	if gen != c.gen || !c.joined {
		return
	}
	if c.overlay.Superseded(l) {
		c.log.Info("screen share taken over", zap.String("by", l.Holder))
		c.stopShare()
	}
}

// reconcile opens the sessions this participant must initiate and closes
// those whose peer is no longer eligible.
func (c *Coordinator) reconcile() {
	if !c.joined {
		return
	}
	admitted := c.selfEligible()
	eligible := roster.Eligible(c.cfg.SelfID, c.participants)
	if !admitted {
		eligible = nil
	}
	want := make(map[string]bool, len(eligible))
	for _, id := range eligible {
		want[id] = true
	}

	for id, e := range c.sessions {
		if want[id] {
			e.listed = true
			continue
		}
		_, present := roster.Find(c.participants, id)
		switch {
		case present || e.listed || !admitted:
			c.log.Info("peer left the mesh", zap.String("peer", id))
		case c.rosterRead <= e.opened:
			// Offered before the roster caught up.
			continue
		default:
			c.log.Info("offering peer never listed", zap.String("peer", id))
		}
		c.removeSession(id)
		c.clearBetween(id)
	}

	for _, id := range eligible {
		if _, ok := c.sessions[id]; ok || !role.ShouldInitiate(c.cfg.SelfID, id) {
			continue
		}
		if e := c.openSession(id, peer.RoleInitiator, ""); e != nil {
			e.listed = true
		}
	}
	c.publish()
}

func (c *Coordinator) onEnvelope(gen uint64, env models.Envelope) {
	defer c.ack(env)
	if gen != c.gen || !c.joined {
		return
	}
	log := c.log.With(
		zap.String("peer", env.From),
		zap.String("kind", string(env.Signal.Type)),
		zap.String("session", env.SessionID),
	)
	if err := env.Validate(); err != nil {
		log.Debug("invalid envelope discarded", zap.Error(err))
		return
	}
	fresh := env.Signal.Type == models.SignalTypeOffer && env.PeerSessionID == ""

	if e, ok := c.sessions[env.From]; ok {
		if env.PeerSessionID != "" && env.PeerSessionID != e.s.ID() {
			log.Debug("signal for a replaced session discarded")
			return
		}
		if remote := e.s.RemoteSessionID(); remote != "" && env.SessionID != remote {
			if !fresh || e.s.Role() != peer.RoleResponder {
				log.Debug("signal from a replaced remote session discarded")
				return
			}
			log.Info("remote session restarted")
			c.removeSession(env.From)
			c.answer(env, log)
			c.publish()
			return
		}
		if err := e.s.Signal(env); err != nil {
			log.Debug("signal rejected", zap.Error(err))
		}
		return
	}

	if !fresh {
		log.Debug("signal without a session discarded")
		return
	}
	if role.ShouldInitiate(c.cfg.SelfID, env.From) {
		log.Debug("offer from a peer this side initiates to discarded")
		return
	}
	if !c.selfEligible() {
		log.Debug("offer discarded while not admitted")
		return
	}
	if p, ok := roster.Find(c.participants, env.From); ok && !p.Eligible() {
		log.Debug("offer from an ineligible peer discarded", zap.String("status", string(p.Status)))
		return
	}
	c.answer(env, log)
	c.publish()
}

// selfEligible reports whether the roster lists this participant as admitted
// and present.
func (c *Coordinator) selfEligible() bool {
	p, ok := roster.Find(c.participants, c.cfg.SelfID)
	return ok && p.Eligible()
}

// answer opens a responder session for a fresh offer.
func (c *Coordinator) answer(env models.Envelope, log *zap.Logger) {
	e := c.openSession(env.From, peer.RoleResponder, env.SessionID)
	if e == nil {
		return
	}
	_, e.listed = roster.Find(c.participants, env.From)
	if !e.listed {
		e.opened = c.rosterReads.Load()
		time.AfterFunc(c.cfg.RosterGrace, func() {
			c.post(func() { c.expireUnlisted(e) })
		})
	}
	if err := e.s.Signal(env); err != nil {
		log.Debug("offer rejected", zap.Error(err))
	}
}

// expireUnlisted drops an answered session whose peer the roster still does
// not list.
func (c *Coordinator) expireUnlisted(e *entry) {
	if !c.current(e) || e.listed {
		return
	}
	peerID := e.s.PeerID()
	c.log.Info("offering peer never listed", zap.String("peer", peerID))
	c.removeSession(peerID)
	c.clearBetween(peerID)
	c.publish()
}

// openSession creates, equips and starts a session to peerID.
func (c *Coordinator) openSession(peerID string, r peer.Role, remoteSession string) *entry {
	gen := c.gen
	e := &entry{}
	s, err := peer.New(peer.Config{
		RoomID:             c.cfg.RoomID,
		SelfID:             c.cfg.SelfID,
		PeerID:             peerID,
		Role:               r,
		Trickle:            true,
		RemoteSessionID:    remoteSession,
		NegotiationTimeout: c.cfg.NegotiationTimeout,
		Log:                c.log,
	}, c.cfg.Engines, peer.Handlers{
		OnSignal:      func(env models.Envelope) { c.send(gen, env) },
		OnStream:      func(st *media.Stream) { c.post(func() { c.onStream(e, st) }) },
		OnStreamEnded: func(st *media.Stream) { c.post(func() { c.onStreamEnded(e, st) }) },
		OnConnect:     func() { c.post(func() { c.onConnect(e) }) },
		OnClose:       func() { c.post(func() { c.onSessionGone(e, nil) }) },
		OnError:       func(err error) { c.post(func() { c.onSessionGone(e, err) }) },
	})
	if err != nil {
		c.log.Warn("session not created", zap.String("peer", peerID), zap.Error(err))
		return nil
	}
	e.s = s
	c.sessions[peerID] = e

	for _, st := range []*media.Stream{c.mic, c.overlay.Stream()} {
		if st == nil {
			continue
		}
		if err := s.AttachLocalStream(st); err != nil {
			c.log.Debug("attach failed", zap.String("peer", peerID), zap.Error(err))
		}
	}
	if err := s.Start(); err != nil {
		c.log.Debug("session start failed", zap.String("peer", peerID), zap.Error(err))
	}
	c.log.Debug("session opened", zap.String("peer", peerID), zap.String("role", string(r)), zap.String("session", s.ID()))
	return e
}

// removeSession destroys the session to peerID and forgets the streams it
// carried.
func (c *Coordinator) removeSession(peerID string) {
	e, ok := c.sessions[peerID]
	if !ok {
		return
	}
	delete(c.sessions, peerID)
	e.s.Destroy()
	if e.voice != "" {
		c.cfg.Sink.Release(peerID)
		delete(c.audio, peerID)
	}
	c.overlay.RemoteGone(peerID, "")
}

func (c *Coordinator) current(e *entry) bool {
	return e.s != nil && c.sessions[e.s.PeerID()] == e
}

func (c *Coordinator) onStream(e *entry, st *media.Stream) {
	if !c.current(e) {
		return
	}
	peerID := e.s.PeerID()
	if st.HasVideo() {
		if e.voice == st.ID() {
			c.cfg.Sink.Release(peerID)
			delete(c.audio, peerID)
			e.voice = ""
		}
		c.overlay.RemoteArrived(peerID, st)
	} else {
		c.cfg.Sink.Attach(peerID, st)
		c.audio[peerID] = st
		e.voice = st.ID()
	}
	c.publish()
}

func (c *Coordinator) onStreamEnded(e *entry, st *media.Stream) {
	if !c.current(e) {
		return
	}
	peerID := e.s.PeerID()
	if e.voice == st.ID() {
		c.cfg.Sink.Release(peerID)
		delete(c.audio, peerID)
		e.voice = ""
	}
	c.overlay.RemoteGone(peerID, st.ID())
	c.publish()
}

func (c *Coordinator) onConnect(e *entry) {
	if c.current(e) {
		c.log.Info("peer connected", zap.String("peer", e.s.PeerID()))
		c.publish()
	}
}

// onSessionGone prunes a session that failed or closed on its own. It is
// recreated by the next reconcile or inbound offer.
func (c *Coordinator) onSessionGone(e *entry, err error) {
	if !c.current(e) {
		return
	}
	peerID := e.s.PeerID()
	if err != nil {
		c.log.Warn("session failed", zap.String("peer", peerID), zap.Error(err))
	}
	c.removeSession(peerID)
	c.publish()
}

// send queues env on the relay. The view hears about it only when relay
// health changes.
func (c *Coordinator) send(gen uint64, env models.Envelope) {
	c.out.Push(gen, func(ctx context.Context) {
		_, err := c.cfg.Signals.Send(ctx, env)
		if err == nil {
			if c.relayFailing.CompareAndSwap(true, false) {
				c.post(func() { c.relayHealth(gen, nil) })
			}
			return
		}
		c.log.Warn("signal send failed",
			zap.String("peer", env.To),
			zap.String("kind", string(env.Signal.Type)),
			zap.Error(err))
		c.relayFailing.Store(true)
		c.post(func() { c.relayHealth(gen, err) })
	})
}

func (c *Coordinator) relayHealth(gen uint64, err error) {
	if gen != c.gen || !c.joined {
		return
	}
	c.lastSendErr = err
	c.publish()
}

func (c *Coordinator) ack(env models.Envelope) {
	c.out.Push(signal.AnyGeneration, func(ctx context.Context) {
		if err := c.cfg.Signals.Acknowledge(ctx, env); err != nil {
			c.log.Debug("acknowledge failed", zap.String("envelope", env.ID), zap.Error(err))
		}
	})
}

func (c *Coordinator) clearBetween(peerID string) {
	room, self := c.cfg.RoomID, c.cfg.SelfID
	c.out.Push(c.gen, func(ctx context.Context) {
		if err := c.cfg.Signals.ClearBetween(ctx, room, self, peerID); err != nil {
			c.log.Warn("clearing signals to peer failed", zap.String("peer", peerID), zap.Error(err))
		}
	})
}
