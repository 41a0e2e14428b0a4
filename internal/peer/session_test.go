package peer_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mossy-p/webrtc-mesh/internal/media"
	"github.com/mossy-p/webrtc-mesh/internal/models"
	"github.com/mossy-p/webrtc-mesh/internal/peer"
	"github.com/mossy-p/webrtc-mesh/internal/peer/peertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects the events of one session.
type recorder struct {
	mu       sync.Mutex
	signals  []models.Envelope
	streams  map[string]*media.Stream
	ended    []string
	connects int
	closes   int
	errs     []error
}

func newRecorder() *recorder {
	return &recorder{streams: make(map[string]*media.Stream)}
}

func (r *recorder) handlers(forward func(models.Envelope)) peer.Handlers {
	return peer.Handlers{
		OnSignal: func(env models.Envelope) {
			r.mu.Lock()
			r.signals = append(r.signals, env)
			r.mu.Unlock()
			if forward != nil {
				forward(env)
			}
		},
		OnStream: func(s *media.Stream) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.streams[s.ID()] = s
		},
		OnStreamEnded: func(s *media.Stream) {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.streams, s.ID())
			r.ended = append(r.ended, s.ID())
		},
		OnConnect: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.connects++
		},
		OnClose: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.closes++
		},
		OnError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
	}
}

func (r *recorder) stream(id string) *media.Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streams[id]
}

func (r *recorder) count(f func(*recorder) int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return f(r)
}

func (r *recorder) sent() []models.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Envelope(nil), r.signals...)
}

// wire delivers envelopes to a session in order on its own goroutine.
type wire struct {
	ch   chan models.Envelope
	done chan struct{}
}

func newWire(t *testing.T, target func() *peer.Session) *wire {
	w := &wire{ch: make(chan models.Envelope, 64), done: make(chan struct{})}
	go func() {
		for {
			select {
			case <-w.done:
				return
			case env := <-w.ch:
				_ = target().Signal(env)
			}
		}
	}()
	t.Cleanup(func() { close(w.done) })
	return w
}

func (w *wire) send(env models.Envelope) { w.ch <- env }

type pair struct {
	factory        *peertest.Factory
	a, b           *peer.Session
	aEvents, bEvts *recorder
}

// newPair connects initiator a and responder b back to back.
func newPair(t *testing.T, trickle bool) *pair {
	t.Helper()
	p := &pair{factory: peertest.NewFactory(), aEvents: newRecorder(), bEvts: newRecorder()}

	toB := newWire(t, func() *peer.Session { return p.b })
	toA := newWire(t, func() *peer.Session { return p.a })

	var err error
	p.a, err = peer.New(peer.Config{RoomID: "room1", SelfID: "a", PeerID: "b", Role: peer.RoleInitiator, Trickle: trickle},
		p.factory, p.aEvents.handlers(toB.send))
	require.NoError(t, err)
	p.b, err = peer.New(peer.Config{RoomID: "room1", SelfID: "b", PeerID: "a", Role: peer.RoleResponder, Trickle: trickle},
		p.factory, p.bEvts.handlers(toA.send))
	require.NoError(t, err)

	t.Cleanup(func() {
		p.a.Destroy()
		p.b.Destroy()
	})
	return p
}

func mic(id string) *media.Stream {
	return media.NewStream(id, media.NewTrack(id+"-audio", models.MediaKindAudio))
}

func screen(id string) *media.Stream {
	return media.NewStream(id, media.NewTrack(id+"-video", models.MediaKindVideo))
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func TestSessionNegotiatesVoice(t *testing.T) {
	p := newPair(t, true)
	require.NoError(t, p.a.AttachLocalStream(mic("mic-a")))
	require.NoError(t, p.b.AttachLocalStream(mic("mic-b")))
	require.NoError(t, p.b.Start())
	require.NoError(t, p.a.Start())

	eventually(t, func() bool {
		return p.a.State() == peer.StateConnected && p.b.State() == peer.StateConnected
	}, "both sides connect")
	eventually(t, func() bool { return p.bEvts.stream("mic-a") != nil }, "responder receives the initiator's voice")
	eventually(t, func() bool { return p.aEvents.stream("mic-b") != nil }, "initiator receives the responder's voice")

	assert.False(t, p.bEvts.stream("mic-a").HasVideo())
	assert.Equal(t, p.b.ID(), p.a.RemoteSessionID())
	assert.Equal(t, p.a.ID(), p.b.RemoteSessionID())
	assert.Equal(t, 1, p.factory.Last("b").Offers())
	assert.Equal(t, 1, p.aEvents.count(func(r *recorder) int { return r.connects }))

	first := p.aEvents.sent()[0]
	assert.Equal(t, models.SignalTypeOffer, first.Signal.Type, "candidates never precede the offer")
	assert.Empty(t, first.PeerSessionID)
	assert.Equal(t, p.a.ID(), first.SessionID)

	eventually(t, func() bool { return len(p.factory.Last("a").Candidates()) > 0 }, "trickled candidates reach the initiator")
}

func TestSessionWithoutTrickleSendsNoCandidates(t *testing.T) {
	p := newPair(t, false)
	require.NoError(t, p.a.AttachLocalStream(mic("mic-a")))
	require.NoError(t, p.b.Start())
	require.NoError(t, p.a.Start())

	eventually(t, func() bool { return p.bEvts.stream("mic-a") != nil }, "responder receives the stream")
	for _, env := range append(p.aEvents.sent(), p.bEvts.sent()...) {
		assert.NotEqual(t, models.SignalTypeCandidate, env.Signal.Type)
	}
}

func TestResponderShareRequestsRenegotiation(t *testing.T) {
	p := newPair(t, true)
	require.NoError(t, p.a.AttachLocalStream(mic("mic-a")))
	require.NoError(t, p.b.AttachLocalStream(mic("mic-b")))
	require.NoError(t, p.b.Start())
	require.NoError(t, p.a.Start())
	eventually(t, func() bool { return p.aEvents.stream("mic-b") != nil }, "voice up")

	share := screen("screen-b")
	require.NoError(t, p.b.AttachLocalStream(share))

	eventually(t, func() bool {
		s := p.aEvents.stream("screen-b")
		return s != nil && s.HasVideo()
	}, "initiator receives the responder's screen")

	var renegotiates, offersFromB int
	for _, env := range p.bEvts.sent() {
		switch env.Signal.Type {
		case models.SignalTypeRenegotiate:
			renegotiates++
			assert.Equal(t, []models.MediaKind{models.MediaKindVideo}, env.Signal.Transceivers)
		case models.SignalTypeOffer:
			offersFromB++
		}
	}
	assert.Equal(t, 1, renegotiates)
	assert.Zero(t, offersFromB, "a responder never offers")

	require.NoError(t, p.b.DetachLocalStream(share))
	eventually(t, func() bool { return p.aEvents.stream("screen-b") == nil }, "screen ends on the initiator")
	assert.NotNil(t, p.aEvents.stream("mic-b"), "voice survives")
}

func TestInitiatorShareRenegotiates(t *testing.T) {
	p := newPair(t, true)
	require.NoError(t, p.a.AttachLocalStream(mic("mic-a")))
	require.NoError(t, p.b.Start())
	require.NoError(t, p.a.Start())
	eventually(t, func() bool { return p.bEvts.stream("mic-a") != nil }, "voice up")

	share := screen("screen-a")
	require.NoError(t, p.a.AttachLocalStream(share))
	require.NoError(t, p.a.AttachLocalStream(share), "attaching twice is a no-op")
	eventually(t, func() bool { return p.bEvts.stream("screen-a") != nil }, "responder receives the screen")
	assert.True(t, p.a.HasLocalStream("screen-a"))

	require.NoError(t, p.a.DetachLocalStream(share))
	eventually(t, func() bool {
		return p.bEvts.count(func(r *recorder) int { return len(r.ended) }) == 1
	}, "responder sees the screen end")
	assert.False(t, p.a.HasLocalStream("screen-a"))
}

func TestNegotiationDeferredWhileOfferOutstanding(t *testing.T) {
	p := newPair(t, true)
	require.NoError(t, p.a.AttachLocalStream(mic("mic-a")))
	require.NoError(t, p.b.Start())
	require.NoError(t, p.a.Start())
	// Both land before the first answer can arrive.
	require.NoError(t, p.a.AttachLocalStream(screen("s1")))
	require.NoError(t, p.a.AttachLocalStream(screen("s2")))

	eventually(t, func() bool {
		return p.bEvts.stream("s1") != nil && p.bEvts.stream("s2") != nil
	}, "responder ends up with every stream")

	offers := 0
	for _, env := range p.aEvents.sent() {
		if env.Signal.Type == models.SignalTypeOffer {
			offers++
		}
	}
	// The first offer plus at most one folded follow-up per answered round.
	assert.LessOrEqual(t, offers, 3)
}

func TestDestroyIsIdempotent(t *testing.T) {
	p := newPair(t, true)
	require.NoError(t, p.a.Start())

	p.a.Destroy()
	p.a.Destroy()

	assert.Equal(t, peer.StateClosed, p.a.State())
	assert.Equal(t, 1, p.factory.Last("b").Closes())
	assert.Equal(t, 1, p.aEvents.count(func(r *recorder) int { return r.closes }))

	err := p.a.Signal(models.Envelope{Signal: models.NewRenegotiate()})
	assert.ErrorIs(t, err, peer.ErrDestroyed)
	assert.ErrorIs(t, p.a.Start(), peer.ErrDestroyed)
	assert.ErrorIs(t, p.a.AttachLocalStream(mic("late")), peer.ErrDestroyed)
}

func TestEngineFailureReportsError(t *testing.T) {
	p := newPair(t, true)
	require.NoError(t, p.b.Start())
	require.NoError(t, p.a.Start())
	eventually(t, func() bool {
		return p.a.State() == peer.StateConnected && p.b.State() == peer.StateConnected
	}, "both sides connect")

	p.factory.Last("b").Fail()
	eventually(t, func() bool { return p.a.State() == peer.StateFailed }, "initiator fails")

	errs := p.aEvents.count(func(r *recorder) int { return len(r.errs) })
	assert.Equal(t, 1, errs)
	assert.Equal(t, peer.StateConnected, p.b.State(), "failure stays isolated to one session")
}

func TestOfferFailureReportsError(t *testing.T) {
	p := newPair(t, true)
	p.factory.Last("b").FailOffers(errors.New("boom"))
	require.NoError(t, p.a.Start())

	eventually(t, func() bool { return p.a.State() == peer.StateFailed }, "offer failure fails the session")
}

func TestSignalRejectsInvalidPayload(t *testing.T) {
	p := newPair(t, true)
	err := p.b.Signal(models.Envelope{Signal: models.Signal{Type: models.SignalTypeOffer}})
	assert.ErrorIs(t, err, models.ErrInvalidSignal)
}

func TestNewFailsWhenEngineCannotBeCreated(t *testing.T) {
	f := peertest.NewFactory()
	f.FailNew(errors.New("no engine"))
	_, err := peer.New(peer.Config{SelfID: "a", PeerID: "b", Role: peer.RoleInitiator}, f, peer.Handlers{})
	assert.Error(t, err)
}

func TestStateTerminal(t *testing.T) {
	assert.True(t, peer.StateFailed.Terminal())
	assert.True(t, peer.StateClosed.Terminal())
	assert.False(t, peer.StateConnecting.Terminal())
	assert.False(t, peer.StateConnected.Terminal())
}
