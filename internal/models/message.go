package models

import (
	"errors"
	"fmt"
	"time"
)

// SignalType discriminates the payload carried by a Signal
type SignalType string

const (
	SignalTypeOffer       SignalType = "offer"
	SignalTypeAnswer      SignalType = "answer"
	SignalTypeCandidate   SignalType = "candidate"
	SignalTypeRenegotiate SignalType = "renegotiate"
)

// MediaKind names the kind of a media track
type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

// ICECandidate is a trickled network path descriptor. Field names follow the
// browser RTCIceCandidateInit dictionary so payloads pass through the gateway
// untouched.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Signal is a tagged union; Type is fixed by the constructor and decides
// which of the payload fields is meaningful.
type Signal struct {
	Type         SignalType    `json:"type"`
	SDP          string        `json:"sdp,omitempty"`
	Candidate    *ICECandidate `json:"candidate,omitempty"`
	Transceivers []MediaKind   `json:"transceivers,omitempty"`
}

var ErrInvalidSignal = errors.New("invalid signal")

// NewOffer wraps a local offer description
func NewOffer(sdp string) Signal {
	return Signal{Type: SignalTypeOffer, SDP: sdp}
}

// NewAnswer wraps a local answer description
func NewAnswer(sdp string) Signal {
	return Signal{Type: SignalTypeAnswer, SDP: sdp}
}

// NewCandidate wraps a trickled ICE candidate
func NewCandidate(c ICECandidate) Signal {
	return Signal{Type: SignalTypeCandidate, Candidate: &c}
}

// NewRenegotiate asks the initiating side for a new offer, optionally with
// receive slots for the given media kinds.
func NewRenegotiate(kinds ...MediaKind) Signal {
	return Signal{Type: SignalTypeRenegotiate, Transceivers: kinds}
}

// Validate checks that the payload matches the discriminant
func (s Signal) Validate() error {
	switch s.Type {
	case SignalTypeOffer, SignalTypeAnswer:
		if s.SDP == "" {
			return fmt.Errorf("%w: %s without sdp", ErrInvalidSignal, s.Type)
		}
		if s.Candidate != nil {
			return fmt.Errorf("%w: %s carries a candidate", ErrInvalidSignal, s.Type)
		}
	case SignalTypeCandidate:
		if s.Candidate == nil {
			return fmt.Errorf("%w: candidate without payload", ErrInvalidSignal)
		}
		if s.SDP != "" {
			return fmt.Errorf("%w: candidate carries sdp", ErrInvalidSignal)
		}
	case SignalTypeRenegotiate:
		if s.SDP != "" || s.Candidate != nil {
			return fmt.Errorf("%w: renegotiate carries a payload", ErrInvalidSignal)
		}
		for _, k := range s.Transceivers {
			if k != MediaKindAudio && k != MediaKindVideo {
				return fmt.Errorf("%w: unknown media kind %q", ErrInvalidSignal, k)
			}
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidSignal, s.Type)
	}
	return nil
}

// Envelope is one signalling message addressed to a single recipient in a
// room. It is written once, read once and then deleted by the recipient.
type Envelope struct {
	ID     string `json:"id"`
	RoomID string `json:"roomId"`
	From   string `json:"from"`
	To     string `json:"to"`

	// SessionID identifies the sender's peer session. PeerSessionID names the
	// recipient's session this envelope responds to and is empty on a fresh
	// offer.
	SessionID     string `json:"sessionId,omitempty"`
	PeerSessionID string `json:"peerSessionId,omitempty"`

	Signal Signal    `json:"signal"`
	SentAt time.Time `json:"sentAt"`
}

// Validate checks addressing and payload
func (e Envelope) Validate() error {
	if e.RoomID == "" || e.From == "" || e.To == "" {
		return fmt.Errorf("%w: envelope needs room, sender and recipient", ErrInvalidSignal)
	}
	if e.From == e.To {
		return fmt.Errorf("%w: envelope addressed to its sender", ErrInvalidSignal)
	}
	return e.Signal.Validate()
}

// SocketMessageType represents the type of a gateway websocket frame
type SocketMessageType string

const (
	SocketMessageSignal SocketMessageType = "signal"
	SocketMessageAck    SocketMessageType = "ack"
	SocketMessageRoster SocketMessageType = "roster"
	SocketMessageError  SocketMessageType = "error"
)

// SocketMessage is the frame exchanged with browser clients on the gateway
type SocketMessage struct {
	Type         SocketMessageType `json:"type"`
	Envelope     *Envelope         `json:"envelope,omitempty"`
	Participants []Participant     `json:"participants,omitempty"`
	Error        string            `json:"error,omitempty"`
}
