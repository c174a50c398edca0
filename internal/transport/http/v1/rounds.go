package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/roundtable-ai/orchestrator/internal/domain"
	"github.com/roundtable-ai/orchestrator/internal/resume"
)

// StartRoundRequest carries the user message opening a round.
type StartRoundRequest struct {
	Content string `json:"content"`
}

// StartRound accepts a user message and starts the next round.
// POST /v1/threads/:thread_id/rounds
func (h *Handler) StartRound(c echo.Context) error {
	ctx := c.Request().Context()
	threadID := c.Param("thread_id")

	var req StartRoundRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Content == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "content is required"})
	}

	msg, snap, err := h.service.StartRound(ctx, threadID, req.Content)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"message":  msg,
		"snapshot": snap,
	})
}

// StopRound cancels the in-flight round, preserving partial content.
// POST /v1/threads/:thread_id/rounds/stop
func (h *Handler) StopRound(c echo.Context) error {
	ctx := c.Request().Context()
	threadID := c.Param("thread_id")

	snap, err := h.service.StopRound(ctx, threadID)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"snapshot": snap,
	})
}

// RegenerateRound re-runs the latest round with fresh AI responses.
// POST /v1/threads/:thread_id/rounds/:round/regenerate
func (h *Handler) RegenerateRound(c echo.Context) error {
	ctx := c.Request().Context()
	threadID := c.Param("thread_id")

	rn, err := strconv.Atoi(c.Param("round"))
	if err != nil || rn < 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid round number"})
	}

	snap, err := h.service.RegenerateRound(ctx, threadID, rn)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"snapshot": snap,
	})
}

// FeedbackRequest carries the per-round vote.
type FeedbackRequest struct {
	Vote domain.FeedbackVote `json:"vote"`
}

// SubmitFeedback records like/dislike/none for a round.
// POST /v1/threads/:thread_id/rounds/:round/feedback
func (h *Handler) SubmitFeedback(c echo.Context) error {
	ctx := c.Request().Context()
	threadID := c.Param("thread_id")

	rn, err := strconv.Atoi(c.Param("round"))
	if err != nil || rn < 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid round number"})
	}

	var req FeedbackRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Vote == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "vote is required"})
	}

	if err := h.service.SubmitFeedback(ctx, threadID, rn, req.Vote); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"ok": true})
}

// ResumeRequest carries the descriptor and client-side evidence for
// continuing an incomplete round after a reload.
type ResumeRequest struct {
	Descriptor            *domain.ResumptionDescriptor `json:"descriptor"`
	ServerPrefill         bool                         `json:"server_prefill"`
	QueuedMessage         bool                         `json:"queued_message"`
	OptimisticUserMessage bool                         `json:"optimistic_user_message"`
}

// ResumeRound continues an incomplete round when the evidence allows.
// POST /v1/threads/:thread_id/rounds/resume
func (h *Handler) ResumeRound(c echo.Context) error {
	ctx := c.Request().Context()
	threadID := c.Param("thread_id")

	var req ResumeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Descriptor == nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "descriptor is required"})
	}

	snap, err := h.service.Resume(ctx, threadID, req.Descriptor, resume.Evidence{
		ServerPrefill:         req.ServerPrefill,
		QueuedMessage:         req.QueuedMessage,
		OptimisticUserMessage: req.OptimisticUserMessage,
	})
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"snapshot": snap,
	})
}
