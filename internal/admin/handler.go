// Package admin is the privileged control plane over the room registry.
package admin

import (
	"context"
	"net/http"
	"time"

	"collab-relay/internal/errors"
	"collab-relay/internal/permission"
	"collab-relay/internal/relay"
	"collab-relay/internal/room"
	"collab-relay/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	ReasonRoomClosed      = "room closed by administrator"
	ReasonDocumentDeleted = "document deleted"
)

// Invalidator drops cached permission answers.
type Invalidator interface {
	Invalidate(ctx context.Context, p permission.Principal, documentID string) error
}

type Handler struct {
	registry    *room.Registry
	relay       *relay.Relay
	invalidator Invalidator
	started     time.Time
	logger      zerolog.Logger
}

// NewHandler builds the control plane. invalidator may be nil when no
// permission cache is configured.
func NewHandler(registry *room.Registry, r *relay.Relay, invalidator Invalidator, logger zerolog.Logger) *Handler {
	return &Handler{
		registry:    registry,
		relay:       r,
		invalidator: invalidator,
		started:     time.Now(),
		logger:      logger.With().Str("component", "admin").Logger(),
	}
}

type HealthResponse struct {
	Status      string `json:"status"`
	Uptime      int64  `json:"uptime_seconds"`
	Connections int    `json:"connections"`
	Rooms       int    `json:"rooms"`
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:      "ok",
		Uptime:      int64(time.Since(h.started).Seconds()),
		Connections: h.registry.Connections(),
		Rooms:       h.registry.Len(),
	})
}

type CloseRoomRequest struct {
	DocumentID string `json:"document_id" binding:"required"`
}

type CloseRoomResponse struct {
	DocumentID        string `json:"document_id"`
	ClosedConnections int    `json:"closed_connections"`
	StateBytes        int    `json:"state_bytes"`
}

func (h *Handler) closeRoom(documentID, reason string, code int, keep bool) (CloseRoomResponse, bool) {
	rm, ok := h.registry.Detach(documentID)
	if !ok {
		return CloseRoomResponse{}, false
	}
	n := rm.CloseAll(code, reason)
	state := rm.EncodeState()
	if keep {
		h.registry.Release(rm)
	} else {
		h.registry.Discard(rm)
	}

	h.logger.Info().Str("document_id", documentID).Int("connections", n).Int("state_bytes", len(state)).Msg(reason)
	return CloseRoomResponse{DocumentID: documentID, ClosedConnections: n, StateBytes: len(state)}, true
}

func (h *Handler) CloseRoom(c *gin.Context) {
	var req CloseRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.Validation(err))
		return
	}

	res, ok := h.closeRoom(req.DocumentID, ReasonRoomClosed, websocket.CloseNormalClosure, true)
	if !ok {
		c.Error(errors.NotFound("Room not found", nil))
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) ListRooms(c *gin.Context) {
	page, pageSize := utils.GetPaginationParams(c)

	rooms := h.registry.Rooms()
	stats := make([]room.Stats, 0, len(rooms))
	for _, rm := range rooms {
		stats = append(stats, rm.Stats())
	}
	data, meta := utils.Paginate(stats, page, pageSize)

	c.JSON(http.StatusOK, gin.H{"data": data, "meta": meta})
}

type BroadcastRequest struct {
	DocumentID string         `json:"document_id" binding:"required"`
	Meta       map[string]any `json:"meta" binding:"required,min=1"`
}

func (h *Handler) Broadcast(c *gin.Context) {
	var req BroadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.Validation(err))
		return
	}

	rm := h.registry.GetOrCreate(req.DocumentID)
	n, err := rm.PushMetadata(req.Meta)
	// a room nobody joins must not linger
	h.registry.ScheduleEvictionIfEmpty(req.DocumentID)
	if err != nil {
		c.Error(errors.BadRequest("Invalid metadata", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"document_id": req.DocumentID, "recipients": n})
}

type PermissionRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Role   string `json:"role" binding:"required,oneof=owner admin editor viewer none"`
}

// ChangePermission applies a role change to live sessions at once instead
// of waiting for the next handshake.
func (h *Handler) ChangePermission(c *gin.Context) {
	documentID := c.Param("documentId")
	var req PermissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.Validation(err))
		return
	}

	if h.invalidator != nil {
		if err := h.invalidator.Invalidate(c.Request.Context(), permission.Principal{UserID: req.UserID}, documentID); err != nil {
			c.Error(errors.Internal(err))
			return
		}
	}

	level := permission.ParseRole(req.Role)
	n := h.relay.SetUserLevel(documentID, req.UserID, level)
	c.JSON(http.StatusOK, gin.H{"document_id": documentID, "level": level.String(), "sessions": n})
}

func (h *Handler) DeleteDocument(c *gin.Context) {
	documentID := c.Param("documentId")
	res, ok := h.closeRoom(documentID, ReasonDocumentDeleted, relay.ClosePermissionRevoked, false)
	if !ok {
		res = CloseRoomResponse{DocumentID: documentID}
	}
	c.JSON(http.StatusOK, res)
}
