// Package v1 provides HTTP handlers for the roundtable orchestrator.
package v1

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/roundtable-ai/orchestrator/internal/hub"
	"github.com/roundtable-ai/orchestrator/internal/regen"
	"github.com/roundtable-ai/orchestrator/internal/resume"
	"github.com/roundtable-ai/orchestrator/internal/service"
	"github.com/roundtable-ai/orchestrator/internal/session"
)

// Handler handles HTTP requests.
type Handler struct {
	service  *service.Service
	eventHub *hub.Hub
}

// NewHandler creates a new handler. The hub may be nil when the
// websocket endpoint is not served.
func NewHandler(svc *service.Service, eventHub *hub.Hub) *Handler {
	return &Handler{
		service:  svc,
		eventHub: eventHub,
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/v1/threads", h.CreateThread)
	e.GET("/v1/threads/:thread_id", h.GetThread)
	e.PUT("/v1/threads/:thread_id/participants", h.UpdateParticipants)

	e.POST("/v1/threads/:thread_id/rounds", h.StartRound)
	e.POST("/v1/threads/:thread_id/rounds/stop", h.StopRound)
	e.POST("/v1/threads/:thread_id/rounds/resume", h.ResumeRound)
	e.POST("/v1/threads/:thread_id/rounds/:round/regenerate", h.RegenerateRound)
	e.POST("/v1/threads/:thread_id/rounds/:round/feedback", h.SubmitFeedback)

	e.GET("/v1/threads/:thread_id/snapshot", h.GetSnapshot)
	e.GET("/v1/threads/:thread_id/ws", h.StreamEvents)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

// errorResponse maps service errors onto HTTP status codes.
func errorResponse(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrThreadNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "thread not found"})
	case errors.Is(err, session.ErrInputBlocked):
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, service.ErrPolicyBlocked):
		return c.JSON(http.StatusForbidden, map[string]string{"error": err.Error()})
	case errors.Is(err, regen.ErrNoRounds),
		errors.Is(err, regen.ErrNotLatestRound):
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	case errors.Is(err, regen.ErrInFlight):
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, resume.ErrThreadMismatch),
		errors.Is(err, resume.ErrIndexOutOfBounds),
		errors.Is(err, resume.ErrStaleDescriptor),
		errors.Is(err, resume.ErrActiveSubmission),
		errors.Is(err, resume.ErrNoEvidence),
		errors.Is(err, resume.ErrDescriptorConflict):
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
}
