package models

import "time"

// RoomMetadata stores information about a room
type RoomMetadata struct {
	ID               string    `json:"id"`
	Code             string    `json:"code"`      // Short, shareable room code (e.g., "ABCD12")
	CreatorID        string    `json:"creatorId"` // User ID from JWT who created the room
	CreatedAt        time.Time `json:"createdAt"`
	MaxParticipants  int       `json:"maxParticipants"`
	ParticipantCount int       `json:"participantCount"`
}

// CreateRoomRequest is the request body for creating a room
type CreateRoomRequest struct {
	MaxParticipants int `json:"maxParticipants" binding:"omitempty,min=2,max=16"`
}

// CreateRoomResponse is the response for creating a room
type CreateRoomResponse struct {
	RoomID string `json:"roomId"`
	Code   string `json:"code"`
}

// ParticipantStatus is the approval state of a participant
type ParticipantStatus string

const (
	StatusPending  ParticipantStatus = "pending"
	StatusApproved ParticipantStatus = "approved"
	StatusDenied   ParticipantStatus = "denied"
	StatusRemoved  ParticipantStatus = "removed"
)

// IsValid reports whether s is a known status
func (s ParticipantStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusDenied, StatusRemoved:
		return true
	}
	return false
}

// Participant is a roster entry. It is owned by the approval workflow and
// read-only to the mesh.
type Participant struct {
	UserID      string            `json:"userId"`
	DisplayName string            `json:"displayName"`
	Status      ParticipantStatus `json:"status"`
	IsPresent   bool              `json:"isPresent"`
}

// Eligible reports whether the participant should be part of the mesh
func (p Participant) Eligible() bool {
	return p.Status == StatusApproved && p.IsPresent
}

// JoinRoomRequest is sent by a participant entering a room
type JoinRoomRequest struct {
	DisplayName string `json:"displayName,omitempty"`
	Present     *bool  `json:"present,omitempty"`
}

// SetStatusRequest is sent by the room creator to approve, deny or remove
type SetStatusRequest struct {
	Status ParticipantStatus `json:"status" binding:"required"`
}

// ScreenShareState is the room's current remote screen share. The zero value
// means nobody is sharing.
type ScreenShareState struct {
	SharerID string `json:"sharerId,omitempty"`
	StreamID string `json:"streamId,omitempty"`
}

// Active reports whether somebody is sharing
func (s ScreenShareState) Active() bool {
	return s.SharerID != ""
}

// ShareLease is the compare-and-set token guarding the single sharer role
type ShareLease struct {
	RoomID  string `json:"roomId"`
	Holder  string `json:"holder,omitempty"`
	Version int64  `json:"version"`
}

// OfferRecord is the current broadcast announcement of a room
type OfferRecord struct {
	RoomID    string    `json:"roomId"`
	HostID    string    `json:"hostId"`
	Epoch     string    `json:"epoch"`
	StartedAt time.Time `json:"startedAt"`
}
