package handler

import (
	"errors"
	"net/http"

	"provflow/internal/api/dto"
	"provflow/internal/domain"
	"provflow/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type WorkflowHandler struct {
	service service.LifecycleService
	logger  *zap.Logger
}

func NewWorkflowHandler(svc service.LifecycleService, logger *zap.Logger) *WorkflowHandler {
	return &WorkflowHandler{service: svc, logger: logger.Named("api")}
}

func (h *WorkflowHandler) Register(api *gin.RouterGroup) {
	api.POST("/workflows", h.StartWorkflow)
	api.GET("/workflows/:id", h.GetStatus)
	api.POST("/workflows/:id/cancel", h.Cancel)
}

func (h *WorkflowHandler) StartWorkflow(c *gin.Context) {
	var req dto.StartWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	instanceID, err := h.service.StartWorkflow(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrUnknownOperationType):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, domain.ErrConflictingOperation):
			c.JSON(http.StatusConflict, gin.H{"error": domain.ErrConflictingOperation.Error()})
		default:
			h.internalError(c, "start workflow", err)
		}
		return
	}

	c.JSON(http.StatusAccepted, dto.StartWorkflowResponse{InstanceID: instanceID})
}

func (h *WorkflowHandler) GetStatus(c *gin.Context) {
	instanceID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid instance id"})
		return
	}

	view, err := h.service.GetStatus(c.Request.Context(), instanceID)
	if err != nil {
		if errors.Is(err, domain.ErrInstanceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": domain.ErrInstanceNotFound.Error()})
			return
		}
		h.internalError(c, "get status", err)
		return
	}

	c.JSON(http.StatusOK, view)
}

func (h *WorkflowHandler) Cancel(c *gin.Context) {
	instanceID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid instance id"})
		return
	}

	cancelled, err := h.service.Cancel(c.Request.Context(), instanceID)
	if err != nil {
		if errors.Is(err, domain.ErrInstanceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": domain.ErrInstanceNotFound.Error()})
			return
		}
		h.internalError(c, "cancel workflow", err)
		return
	}

	c.JSON(http.StatusOK, dto.CancelResponse{Cancelled: cancelled})
}

// internalError logs the real cause and answers with a generic message.
// Wrapped infrastructure errors can carry connection strings and host names;
// none of that belongs in a response body.
func (h *WorkflowHandler) internalError(c *gin.Context, op string, err error) {
	h.logger.Error("request failed", zap.String("op", op), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
