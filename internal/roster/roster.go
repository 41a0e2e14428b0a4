// Package roster exposes the live participant list of a room. The approval
// workflow writes it; the mesh only ever reads it.
package roster

import (
	"context"
	"errors"
	"sort"

	"github.com/mossy-p/webrtc-mesh/internal/models"
)

var ErrNotFound = errors.New("roster: participant not found")

// Watcher is a live subscription to a room's participant list. The channel
// yields the current list first and then a fresh copy after every change. A
// slow reader only sees the latest list. The channel is closed when ctx ends.
type Watcher interface {
	Watch(ctx context.Context, roomID string) (<-chan []models.Participant, error)
}

// Store is the writable roster used by the gateway.
type Store interface {
	Watcher

	List(ctx context.Context, roomID string) ([]models.Participant, error)
	Get(ctx context.Context, roomID, userID string) (models.Participant, error)

	// Put creates or replaces an entry.
	Put(ctx context.Context, roomID string, p models.Participant) error

	// Update applies fn to an existing entry atomically.
	Update(ctx context.Context, roomID, userID string, fn func(*models.Participant)) (models.Participant, error)

	// DeleteRoom drops every entry of the room.
	DeleteRoom(ctx context.Context, roomID string) error
}

// Eligible returns the ids of the participants other than selfID that belong
// in the mesh, in ascending order.
func Eligible(selfID string, ps []models.Participant) []string {
	ids := make([]string, 0, len(ps))
	for _, p := range ps {
		if p.UserID != selfID && p.Eligible() {
			ids = append(ids, p.UserID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Find returns the entry for userID.
func Find(ps []models.Participant, userID string) (models.Participant, bool) {
	for _, p := range ps {
		if p.UserID == userID {
			return p, true
		}
	}
	return models.Participant{}, false
}

func sortByID(ps []models.Participant) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].UserID < ps[j].UserID })
}

// offerLatest hands ps to a single-reader channel of capacity one, replacing
// an unread older value. Only one goroutine may send on ch.
func offerLatest(ch chan []models.Participant, ps []models.Participant) {
	for {
		select {
		case ch <- ps:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
