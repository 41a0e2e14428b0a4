package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/mossy-p/webrtc-mesh/config"
	"github.com/redis/go-redis/v9"
)

// RoomTTL bounds the lifetime of every key written for a room. Cleanup is
// caller-driven; the TTL only collects what crashed clients leave behind.
const RoomTTL = 24 * time.Hour

// Connect initializes a Redis client and verifies the connection
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

// RoomKey holds the JSON room metadata
func RoomKey(roomID string) string { return "room:" + roomID }

// CodeKey maps a short room code to its room ID
func CodeKey(code string) string { return "code:" + code }

// ParticipantsKey is the roster hash of a room (userID -> participant JSON)
func ParticipantsKey(roomID string) string { return "room:" + roomID + ":participants" }

// ParticipantsChannel announces roster changes of a room
func ParticipantsChannel(roomID string) string { return "room:" + roomID + ":participants:changed" }

// SignalSeqKey is the inbox ordering counter of a room
func SignalSeqKey(roomID string) string { return "signal:" + roomID + ":seq" }

// SignalEnvelopesKey is the envelope body hash of a room (id -> JSON)
func SignalEnvelopesKey(roomID string) string { return "signal:" + roomID + ":env" }

// SignalInboxKey is the ordered set of envelope ids addressed to a participant
func SignalInboxKey(roomID, to string) string { return "signal:" + roomID + ":inbox:" + to }

// SignalSentKey indexes the envelopes a participant authored (id -> recipient)
func SignalSentKey(roomID, from string) string { return "signal:" + roomID + ":sent:" + from }

// SignalNotifyChannel wakes the subscriber of a participant's inbox
func SignalNotifyChannel(roomID, to string) string { return "signal:" + roomID + ":notify:" + to }

// ShareLeaseKey holds the screen share lease of a room
func ShareLeaseKey(roomID string) string { return "share:" + roomID + ":lease" }

// ShareLeaseChannel announces lease changes of a room
func ShareLeaseChannel(roomID string) string { return "share:" + roomID + ":lease:changed" }

// OfferKey holds the current broadcast offer record of a room
func OfferKey(roomID string) string { return "broadcast:" + roomID + ":offer" }

// OfferChannel announces offer record changes of a room
func OfferChannel(roomID string) string { return "broadcast:" + roomID + ":offer:changed" }
