package handlers

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mossy-p/webrtc-mesh/internal/middleware"
	"github.com/mossy-p/webrtc-mesh/internal/models"
	rediskeys "github.com/mossy-p/webrtc-mesh/internal/redis"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	roomCodeLength         = 6
	defaultMaxParticipants = 8
	codeChars              = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // Removed ambiguous chars
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomFull     = errors.New("room is full")
)

// CreateRoom creates a new room (requires authentication). The creator is
// entered in the roster as approved but not yet present.
func (s *Server) CreateRoom(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var req models.CreateRoomRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.MaxParticipants == 0 {
		req.MaxParticipants = defaultMaxParticipants
	}

	ctx := c.Request.Context()
	room := models.RoomMetadata{
		ID:              uuid.NewString(),
		Code:            generateRoomCode(),
		CreatorID:       userID,
		CreatedAt:       time.Now().UTC(),
		MaxParticipants: req.MaxParticipants,
	}

	roomData, err := json.Marshal(room)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
		return
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, rediskeys.RoomKey(room.ID), roomData, rediskeys.RoomTTL)
		// Code-to-ID mapping for easy lookup
		pipe.Set(ctx, rediskeys.CodeKey(room.Code), room.ID, rediskeys.RoomTTL)
		return nil
	})
	if err != nil {
		s.log.Error("failed to store room", zap.String("room", room.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
		return
	}

	if err := s.roster.Put(ctx, room.ID, models.Participant{UserID: userID, DisplayName: userID, Status: models.StatusApproved}); err != nil {
		s.log.Error("failed to enter creator in roster", zap.String("room", room.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
		return
	}

	s.log.Info("room created", zap.String("room", room.ID), zap.String("code", room.Code), zap.String("user", userID))

	c.JSON(http.StatusCreated, models.CreateRoomResponse{
		RoomID: room.ID,
		Code:   room.Code,
	})
}

// GetRoom gets room information by code or ID (public)
func (s *Server) GetRoom(c *gin.Context) {
	room, err := s.resolveRoom(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		s.roomError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

// DeleteRoom deletes a room (requires authentication and creator)
func (s *Server) DeleteRoom(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	ctx := c.Request.Context()
	room, err := s.resolveRoom(ctx, c.Param("roomId"))
	if err != nil {
		s.roomError(c, err)
		return
	}

	// Verify user is the creator
	if room.CreatorID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the room creator can delete the room"})
		return
	}

	if err := s.rdb.Del(ctx, rediskeys.RoomKey(room.ID), rediskeys.CodeKey(room.Code)).Err(); err != nil {
		s.log.Error("failed to delete room", zap.String("room", room.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete room"})
		return
	}
	// Emptying the roster makes every connected coordinator tear its mesh down
	if err := s.roster.DeleteRoom(ctx, room.ID); err != nil {
		s.log.Warn("failed to clear roster", zap.String("room", room.ID), zap.Error(err))
	}

	s.log.Info("room deleted", zap.String("room", room.ID), zap.String("user", userID))

	c.JSON(http.StatusOK, gin.H{"message": "Room deleted"})
}

// generateRoomCode generates a random room code
func generateRoomCode() string {
	code := make([]byte, roomCodeLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		code[i] = codeChars[n.Int64()]
	}
	return string(code)
}

// resolveRoom loads a room by code or ID and fills in its participant count.
func (s *Server) resolveRoom(ctx context.Context, identifier string) (*models.RoomMetadata, error) {
	roomID := identifier

	// Check if it's a code (6 chars) vs UUID
	if len(identifier) == roomCodeLength {
		id, err := s.rdb.Get(ctx, rediskeys.CodeKey(identifier)).Result()
		if errors.Is(err, redis.Nil) {
			return nil, ErrRoomNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("resolve room code: %w", err)
		}
		roomID = id
	}

	roomData, err := s.rdb.Get(ctx, rediskeys.RoomKey(roomID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load room: %w", err)
	}

	var room models.RoomMetadata
	if err := json.Unmarshal([]byte(roomData), &room); err != nil {
		return nil, fmt.Errorf("parse room data: %w", err)
	}

	ps, err := s.roster.List(ctx, room.ID)
	if err != nil {
		return nil, fmt.Errorf("load roster: %w", err)
	}
	room.ParticipantCount = 0
	for _, p := range ps {
		if p.Eligible() {
			room.ParticipantCount++
		}
	}
	return &room, nil
}

func (s *Server) roomError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrRoomNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
	case errors.Is(err, ErrRoomFull):
		c.JSON(http.StatusConflict, gin.H{"error": "Room is full"})
	default:
		s.log.Error("room lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load room"})
	}
}
