package media

import (
	"sync"
	"sync/atomic"

	"github.com/mossy-p/webrtc-mesh/internal/logging"
	"go.uber.org/zap"
)

// Sink plays remote voice streams, one per peer.
type Sink interface {
	// Attach starts playback of s for peerID, replacing any previous stream.
	Attach(peerID string, s *Stream)

	// Release stops playback for peerID and frees its resources.
	Release(peerID string)

	// SetMuted silences or restores every peer's playback.
	SetMuted(muted bool)
}

// DrainSink consumes the RTP of remote audio tracks without decoding it, so
// receivers keep flowing on hosts that have no audio output.
type DrainSink struct {
	log   *zap.Logger
	muted atomic.Bool

	mu    sync.Mutex
	peers map[string]*drain
}

var _ Sink = (*DrainSink)(nil)

type drain struct {
	stream   *Stream
	released atomic.Bool
	packets  atomic.Uint64
}

func NewDrainSink(log *zap.Logger) *DrainSink {
	return &DrainSink{log: logging.OrNop(log), peers: make(map[string]*drain)}
}

func (d *DrainSink) Attach(peerID string, s *Stream) {
	dr := &drain{stream: s}

	d.mu.Lock()
	if old := d.peers[peerID]; old != nil {
		old.released.Store(true)
	}
	d.peers[peerID] = dr
	d.mu.Unlock()

	for _, t := range s.AudioTracks() {
		if t.Remote() == nil {
			continue
		}
		go d.read(peerID, dr, t)
	}
	d.log.Debug("audio attached", zap.String("peer", peerID), zap.String("stream", s.ID()))
}

// read runs until the remote track's connection closes.
func (d *DrainSink) read(peerID string, dr *drain, t *Track) {
	remote := t.Remote()
	for {
		if _, _, err := remote.ReadRTP(); err != nil {
			d.log.Debug("audio track drained", zap.String("peer", peerID), zap.String("track", t.ID()), zap.Error(err))
			return
		}
		if dr.released.Load() {
			continue
		}
		if !d.muted.Load() {
			dr.packets.Add(1)
		}
	}
}

func (d *DrainSink) Release(peerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dr := d.peers[peerID]; dr != nil {
		dr.released.Store(true)
		delete(d.peers, peerID)
	}
}

func (d *DrainSink) SetMuted(muted bool) {
	d.muted.Store(muted)
}

// Played returns the number of packets played for peerID.
func (d *DrainSink) Played(peerID string) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dr := d.peers[peerID]; dr != nil {
		return dr.packets.Load()
	}
	return 0
}

// Attached reports the stream currently playing for peerID.
func (d *DrainSink) Attached(peerID string) (*Stream, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dr, ok := d.peers[peerID]
	if !ok {
		return nil, false
	}
	return dr.stream, true
}
