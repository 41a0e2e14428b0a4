package mesh

import (
	"github.com/mossy-p/webrtc-mesh/internal/media"
	"github.com/mossy-p/webrtc-mesh/internal/models"
	"github.com/mossy-p/webrtc-mesh/internal/peer"
)

// PeerView describes the session with one remote participant.
type PeerView struct {
	Role      peer.Role
	State     peer.State
	SessionID string
}

// View is a snapshot of what the local participant sees and hears.
type View struct {
	Joined       bool
	Muted        bool
	SpeakerMuted bool
	Sharing      bool

	// RemoteAudio holds the voice stream of every peer being heard.
	RemoteAudio map[string]*media.Stream

	// ScreenShare names the remote sharer shown; ScreenStream is its video.
	ScreenShare  models.ScreenShareState
	ScreenStream *media.Stream

	Peers map[string]PeerView

	// RelayError is the last relay write failure, cleared by the next
	// successful write.
	RelayError error
}

// Connected lists the peers whose session is up.
func (v View) Connected() []string {
	var out []string
	for id, p := range v.Peers {
		if p.State == peer.StateConnected {
			out = append(out, id)
		}
	}
	return out
}

func (c *Coordinator) snapshot() View {
	v := View{
		Joined:       c.joined,
		Muted:        c.muted,
		SpeakerMuted: c.speakerMuted,
		Sharing:      c.overlay.Stream() != nil,
		RelayError:   c.lastSendErr,
		RemoteAudio:  make(map[string]*media.Stream, len(c.audio)),
		Peers:        make(map[string]PeerView, len(c.sessions)),
	}
	for id, s := range c.audio {
		v.RemoteAudio[id] = s
	}
	v.ScreenShare, v.ScreenStream = c.overlay.Remote()
	for id, e := range c.sessions {
		v.Peers[id] = PeerView{Role: e.s.Role(), State: e.s.State(), SessionID: e.s.ID()}
	}
	return v
}

// publish stores a fresh snapshot and offers it on the updates channel,
// replacing one the reader has not taken yet.
func (c *Coordinator) publish() {
	v := c.snapshot()

	c.viewMu.Lock()
	c.view = v
	c.viewMu.Unlock()

	for {
		select {
		case c.updates <- v:
			return
		default:
		}
		select {
		case <-c.updates:
		default:
		}
	}
}
