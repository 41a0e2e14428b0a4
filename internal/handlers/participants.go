package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/webrtc-mesh/internal/middleware"
	"github.com/mossy-p/webrtc-mesh/internal/models"
	"github.com/mossy-p/webrtc-mesh/internal/roster"
	"go.uber.org/zap"
)

// ListParticipants returns the room's roster
func (s *Server) ListParticipants(c *gin.Context) {
	ctx := c.Request.Context()
	room, err := s.resolveRoom(ctx, c.Param("roomId"))
	if err != nil {
		s.roomError(c, err)
		return
	}
	ps, err := s.roster.List(ctx, room.ID)
	if err != nil {
		s.log.Error("failed to list participants", zap.String("room", room.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list participants"})
		return
	}
	if ps == nil {
		ps = []models.Participant{}
	}
	c.JSON(http.StatusOK, ps)
}

// JoinRoom records the caller in the roster. A newcomer starts pending until
// the creator approves them; a known participant only updates presence and
// display name. Approved participants beyond the room's capacity are refused.
func (s *Server) JoinRoom(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var req models.JoinRoomRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	present := true
	if req.Present != nil {
		present = *req.Present
	}

	ctx := c.Request.Context()
	room, err := s.resolveRoom(ctx, c.Param("roomId"))
	if err != nil {
		s.roomError(c, err)
		return
	}

	current, err := s.roster.Get(ctx, room.ID, userID)
	switch {
	case errors.Is(err, roster.ErrNotFound):
		p := models.Participant{
			UserID:      userID,
			DisplayName: req.DisplayName,
			Status:      models.StatusPending,
			IsPresent:   present,
		}
		if p.DisplayName == "" {
			p.DisplayName = userID
		}
		if err := s.roster.Put(ctx, room.ID, p); err != nil {
			s.log.Error("failed to add participant", zap.String("room", room.ID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to join room"})
			return
		}
		s.log.Info("join requested", zap.String("room", room.ID), zap.String("user", userID))
		c.JSON(http.StatusCreated, p)
		return
	case err != nil:
		s.log.Error("failed to load participant", zap.String("room", room.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to join room"})
		return
	}

	if present && !current.Eligible() && current.Status == models.StatusApproved && room.ParticipantCount >= room.MaxParticipants {
		s.roomError(c, ErrRoomFull)
		return
	}

	p, err := s.roster.Update(ctx, room.ID, userID, func(p *models.Participant) {
		p.IsPresent = present
		if req.DisplayName != "" {
			p.DisplayName = req.DisplayName
		}
	})
	if err != nil {
		s.log.Error("failed to update participant", zap.String("room", room.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to join room"})
		return
	}
	c.JSON(http.StatusOK, p)
}

// SetStatus lets the room creator approve, deny or remove a participant
func (s *Server) SetStatus(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var req models.SetStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !req.Status.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown status"})
		return
	}

	ctx := c.Request.Context()
	room, err := s.resolveRoom(ctx, c.Param("roomId"))
	if err != nil {
		s.roomError(c, err)
		return
	}
	if room.CreatorID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the room creator can change participant status"})
		return
	}

	target := c.Param("userId")
	p, err := s.roster.Update(ctx, room.ID, target, func(p *models.Participant) {
		p.Status = req.Status
	})
	if errors.Is(err, roster.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Participant not found"})
		return
	}
	if err != nil {
		s.log.Error("failed to set status", zap.String("room", room.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to set status"})
		return
	}

	s.log.Info("participant status changed",
		zap.String("room", room.ID), zap.String("user", target), zap.String("status", string(req.Status)))
	c.JSON(http.StatusOK, p)
}
