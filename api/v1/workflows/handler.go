package workflows

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"

	"go_acmebot/internal/httpx"
	"go_acmebot/internal/model"
	"go_acmebot/internal/workflow"
)

// Source reads workflow instances
type Source interface {
	Status(ctx context.Context, id string) (workflow.Status, error)
	Events(ctx context.Context, id string) ([]model.WorkflowEvent, error)
}

// Handler handles workflow API requests
type Handler struct {
	source Source
}

// NewHandler creates a new handler
func NewHandler(source Source) *Handler {
	return &Handler{source: source}
}

// Get handles GET /api/v1/workflows/:id
func (h *Handler) Get(c *gin.Context) {
	status, err := h.source.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpx.FailErr(c, lookupError(err))
		return
	}
	httpx.OK(c, status)
}

// Events handles GET /api/v1/workflows/:id/events
func (h *Handler) Events(c *gin.Context) {
	events, err := h.source.Events(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpx.FailErr(c, lookupError(err))
		return
	}
	httpx.OKItems(c, events, int64(len(events)))
}

func lookupError(err error) *httpx.AppError {
	if errors.Is(err, workflow.ErrInstanceNotFound) {
		return httpx.ErrNotFound("workflow instance not found")
	}
	return httpx.ErrDatabaseError("failed to load workflow instance", err)
}
