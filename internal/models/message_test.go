package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignal_ConstructorsSetType(t *testing.T) {
	mid := "0"
	cases := []struct {
		sig  Signal
		want SignalType
	}{
		{NewOffer("v=0"), SignalTypeOffer},
		{NewAnswer("v=0"), SignalTypeAnswer},
		{NewCandidate(ICECandidate{Candidate: "candidate:1", SDPMid: &mid}), SignalTypeCandidate},
		{NewRenegotiate(MediaKindVideo), SignalTypeRenegotiate},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.sig.Type)
		assert.NoError(t, tc.sig.Validate())
	}
}

func TestSignal_ValidateRejectsMismatches(t *testing.T) {
	bad := []Signal{
		{Type: SignalTypeOffer},
		{Type: SignalTypeAnswer, SDP: "v=0", Candidate: &ICECandidate{}},
		{Type: SignalTypeCandidate},
		{Type: SignalTypeCandidate, SDP: "v=0", Candidate: &ICECandidate{}},
		{Type: SignalTypeRenegotiate, SDP: "v=0"},
		{Type: SignalTypeRenegotiate, Transceivers: []MediaKind{"data"}},
		{Type: "bye"},
		{},
	}
	for _, s := range bad {
		assert.ErrorIs(t, s.Validate(), ErrInvalidSignal, "%+v", s)
	}
}

func TestEnvelope_Validate(t *testing.T) {
	env := Envelope{RoomID: "r", From: "a", To: "b", Signal: NewOffer("v=0")}
	require.NoError(t, env.Validate())

	self := env
	self.To = "a"
	assert.ErrorIs(t, self.Validate(), ErrInvalidSignal)

	noRoom := env
	noRoom.RoomID = ""
	assert.ErrorIs(t, noRoom.Validate(), ErrInvalidSignal)
}

func TestEnvelope_WireShape(t *testing.T) {
	env := Envelope{ID: "1", RoomID: "r", From: "a", To: "b", SessionID: "s-a", Signal: NewRenegotiate(MediaKindVideo)}
	data, err := json.Marshal(env)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	sig := raw["signal"].(map[string]any)
	assert.Equal(t, "renegotiate", sig["type"])
	assert.Equal(t, []any{"video"}, sig["transceivers"])
	assert.NotContains(t, raw, "peerSessionId")
}

func TestParticipant_Eligible(t *testing.T) {
	assert.True(t, Participant{Status: StatusApproved, IsPresent: true}.Eligible())
	assert.False(t, Participant{Status: StatusApproved}.Eligible())
	assert.False(t, Participant{Status: StatusPending, IsPresent: true}.Eligible())
	assert.False(t, Participant{Status: StatusRemoved, IsPresent: true}.Eligible())
	assert.False(t, ParticipantStatus("banned").IsValid())
}
