package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/roundtable-ai/orchestrator/internal/service"
)

// CreateThread creates a thread with its participant configuration.
// POST /v1/threads
func (h *Handler) CreateThread(c echo.Context) error {
	ctx := c.Request().Context()

	var req service.CreateThreadRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if len(req.Participants) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "participants are required"})
	}

	view, err := h.service.CreateThread(ctx, req)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusCreated, view)
}

// GetThread loads the full thread state: messages, records, and the
// resumption descriptor when the latest round is incomplete.
// GET /v1/threads/:thread_id
func (h *Handler) GetThread(c echo.Context) error {
	ctx := c.Request().Context()
	threadID := c.Param("thread_id")

	view, err := h.service.OpenThread(ctx, threadID)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

// UpdateParticipants replaces the thread's staged roster.
// PUT /v1/threads/:thread_id/participants
func (h *Handler) UpdateParticipants(c echo.Context) error {
	ctx := c.Request().Context()
	threadID := c.Param("thread_id")

	var req struct {
		Participants []service.ParticipantSpec `json:"participants"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	participants, err := h.service.UpdateParticipants(ctx, threadID, req.Participants)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"participants": participants,
	})
}

// GetSnapshot returns the thread's presentation snapshot.
// GET /v1/threads/:thread_id/snapshot
func (h *Handler) GetSnapshot(c echo.Context) error {
	ctx := c.Request().Context()
	threadID := c.Param("thread_id")

	view, err := h.service.Snapshot(ctx, threadID)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, view.Snapshot)
}
