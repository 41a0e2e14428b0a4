package peer

import (
	"context"

	"github.com/mossy-p/webrtc-mesh/internal/media"
	"github.com/mossy-p/webrtc-mesh/internal/models"
)

// State is the connection state of a session.
type State string

const (
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateFailed     State = "failed"
	StateClosed     State = "closed"
)

// Terminal reports whether the session is finished.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

// Role decides which side of a session creates offers.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// EngineConfig configures one negotiation engine.
type EngineConfig struct {
	PeerID string

	// Trickle sends candidates as they are gathered. Without it, local
	// descriptions are returned only once gathering has completed and carry
	// every candidate.
	Trickle bool
}

// EngineEvents are raised by an engine from any goroutine.
type EngineEvents struct {
	OnCandidate  func(models.ICECandidate)
	OnTrack      func(streamID string, t *media.Track)
	OnTrackEnded func(streamID, trackID string)
	OnState      func(State)
}

// Engine is the offer/answer and transport machinery underneath a session.
// Calls other than Close are made from a single goroutine.
type Engine interface {
	AddStream(s *media.Stream) error
	RemoveStream(s *media.Stream) error

	// AddReceivers makes room to receive media of the given kinds in the
	// next offer.
	AddReceivers(kinds []models.MediaKind) error

	// CreateOffer and CreateAnswer apply and return the local description.
	CreateOffer(ctx context.Context) (string, error)
	CreateAnswer(ctx context.Context) (string, error)

	// SetRemoteDescription applies an offer or an answer.
	SetRemoteDescription(t models.SignalType, sdp string) error

	// AddCandidate applies a remote candidate. Candidates arriving before
	// the remote description are held until it is applied.
	AddCandidate(c models.ICECandidate) error

	Close() error
}

// Factory creates engines.
type Factory interface {
	NewEngine(cfg EngineConfig, ev EngineEvents) (Engine, error)
}
