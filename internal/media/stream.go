// Package media models local and remote media streams and the capture and
// playback collaborators the mesh needs.
package media

import (
	"sync"

	"github.com/google/uuid"
	"github.com/mossy-p/webrtc-mesh/internal/models"
	"github.com/pion/webrtc/v4"
)

// Track is one audio or video track. Local tracks wrap a pion TrackLocal that
// can be sent on a peer connection; remote tracks wrap the received
// TrackRemote.
type Track struct {
	id     string
	kind   models.MediaKind
	local  webrtc.TrackLocal
	remote *webrtc.TrackRemote

	mu      sync.Mutex
	enabled bool
	done    bool
	onEnded []func()
	release func()
}

// NewLocalTrack wraps a sendable track. release, if set, frees the capture
// source and runs once when the track stops or ends.
func NewLocalTrack(kind models.MediaKind, local webrtc.TrackLocal, release func()) *Track {
	id := uuid.NewString()
	if local != nil {
		id = local.ID()
	}
	return &Track{id: id, kind: kind, local: local, release: release, enabled: true}
}

// NewRemoteTrack wraps a received track.
func NewRemoteTrack(remote *webrtc.TrackRemote) *Track {
	kind := models.MediaKindAudio
	if remote.Kind() == webrtc.RTPCodecTypeVideo {
		kind = models.MediaKindVideo
	}
	return &Track{id: remote.ID(), kind: kind, remote: remote, enabled: true}
}

// NewTrack builds a track with no pion backing, as used by negotiation
// engines that do not carry real media.
func NewTrack(id string, kind models.MediaKind) *Track {
	if id == "" {
		id = uuid.NewString()
	}
	return &Track{id: id, kind: kind, enabled: true}
}

func (t *Track) ID() string                  { return t.id }
func (t *Track) Kind() models.MediaKind      { return t.kind }
func (t *Track) Local() webrtc.TrackLocal    { return t.local }
func (t *Track) Remote() *webrtc.TrackRemote { return t.remote }

// Enabled reports whether the track currently carries media. A disabled
// local track sends nothing; this is how muting is expressed.
func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled && !t.done
}

func (t *Track) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

// Live reports whether the track has neither been stopped nor ended.
func (t *Track) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.done
}

// OnEnded registers fn to run when the source ends the track on its own.
// It does not run for Stop.
func (t *Track) OnEnded(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnded = append(t.onEnded, fn)
}

// Stop releases the capture source. Calling it again is a no-op.
func (t *Track) Stop() {
	t.finish(false)
}

// End marks the track as ended by its source, for example the user pressing
// the system's stop sharing control, and notifies OnEnded callbacks.
func (t *Track) End() {
	t.finish(true)
}

func (t *Track) finish(ended bool) {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.done = true
	release := t.release
	var callbacks []func()
	if ended {
		callbacks = t.onEnded
	}
	t.onEnded = nil
	t.mu.Unlock()

	if release != nil {
		release()
	}
	for _, fn := range callbacks {
		fn()
	}
}

// Stream groups tracks that belong together, such as a microphone or a
// screen capture with its optional audio.
type Stream struct {
	id string

	mu     sync.Mutex
	tracks []*Track
}

// NewStream returns a stream with the given id, or a fresh id when empty.
func NewStream(id string, tracks ...*Track) *Stream {
	if id == "" {
		id = uuid.NewString()
	}
	return &Stream{id: id, tracks: tracks}
}

func (s *Stream) ID() string { return s.id }

// Tracks returns a copy of the stream's tracks.
func (s *Stream) Tracks() []*Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Track(nil), s.tracks...)
}

// AddTrack appends t unless a track with the same id is already present.
func (s *Stream) AddTrack(t *Track) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, have := range s.tracks {
		if have.id == t.id {
			return false
		}
	}
	s.tracks = append(s.tracks, t)
	return true
}

// RemoveTrack drops the track with the given id.
func (s *Stream) RemoveTrack(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.tracks {
		if t.id == id {
			s.tracks = append(s.tracks[:i], s.tracks[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Stream) byKind(kind models.MediaKind) []*Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Track
	for _, t := range s.tracks {
		if t.kind == kind {
			out = append(out, t)
		}
	}
	return out
}

func (s *Stream) AudioTracks() []*Track { return s.byKind(models.MediaKindAudio) }
func (s *Stream) VideoTracks() []*Track { return s.byKind(models.MediaKindVideo) }

// HasVideo reports whether any track is video. Such a stream is a screen
// share; audio-only streams are voice.
func (s *Stream) HasVideo() bool {
	return len(s.VideoTracks()) > 0
}

// Kinds lists the media kinds present, audio first.
func (s *Stream) Kinds() []models.MediaKind {
	var kinds []models.MediaKind
	if len(s.AudioTracks()) > 0 {
		kinds = append(kinds, models.MediaKindAudio)
	}
	if s.HasVideo() {
		kinds = append(kinds, models.MediaKindVideo)
	}
	return kinds
}

// Live reports whether any track is still live.
func (s *Stream) Live() bool {
	for _, t := range s.Tracks() {
		if t.Live() {
			return true
		}
	}
	return false
}

// Stop stops every track and releases the capture hardware behind them.
func (s *Stream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

// SetEnabled enables or disables every track of the given kind.
func (s *Stream) SetEnabled(kind models.MediaKind, enabled bool) {
	for _, t := range s.byKind(kind) {
		t.SetEnabled(enabled)
	}
}
