package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/testflowpro/testflow/internal/models"
	"github.com/testflowpro/testflow/internal/services"
)

// TestSender sends the canned test message to a destination.
type TestSender interface {
	SendTest(ctx context.Context, cfg *models.NotificationConfig) error
}

// NotificationHandler handles HTTP requests for notification destinations.
// Secrets are never echoed back.
type NotificationHandler struct {
	auditor
	notifications *services.NotificationService
	sender        TestSender
}

// NewNotificationHandler creates a new NotificationHandler instance.
func NewNotificationHandler(notifications *services.NotificationService, sender TestSender, audit *services.AuditService) *NotificationHandler {
	return &NotificationHandler{auditor: auditor{audit: audit}, notifications: notifications, sender: sender}
}

// List returns every destination with secrets redacted.
func (h *NotificationHandler) List(c *gin.Context) {
	configs, err := h.notifications.GetAllNotifications()
	if err != nil {
		respondError(c, err)
		return
	}
	for i := range configs {
		configs[i] = services.Redacted(configs[i])
	}
	c.JSON(http.StatusOK, configs)
}

// Get returns one destination with secrets redacted.
func (h *NotificationHandler) Get(c *gin.Context) {
	cfg, err := h.notifications.GetNotificationByID(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, services.Redacted(*cfg))
}

// Create stores a new destination.
func (h *NotificationHandler) Create(c *gin.Context) {
	var req models.NotificationConfigRequest
	if !bindJSON(c, &req) {
		return
	}

	cfg, err := h.notifications.CreateNotification(&req)
	if err != nil {
		respondError(c, err)
		return
	}

	h.record(c, "create", "notification", cfg.ID, map[string]any{"name": cfg.Name, "kind": cfg.Kind})
	c.JSON(http.StatusCreated, services.Redacted(*cfg))
}

// Update replaces a destination, keeping stored secrets left blank.
func (h *NotificationHandler) Update(c *gin.Context) {
	var req models.NotificationConfigRequest
	if !bindJSON(c, &req) {
		return
	}

	cfg, err := h.notifications.UpdateNotification(c.Param("id"), &req)
	if err != nil {
		respondError(c, err)
		return
	}

	h.record(c, "update", "notification", cfg.ID, map[string]any{"name": cfg.Name, "kind": cfg.Kind})
	c.JSON(http.StatusOK, services.Redacted(*cfg))
}

// Delete removes a destination.
func (h *NotificationHandler) Delete(c *gin.Context) {
	id := c.Param("id")
	if err := h.notifications.DeleteNotification(id); err != nil {
		respondError(c, err)
		return
	}

	h.record(c, "delete", "notification", id, nil)
	c.JSON(http.StatusOK, gin.H{"message": "notification config deleted"})
}

// Test sends the test message to an unsaved destination from the body.
func (h *NotificationHandler) Test(c *gin.Context) {
	var req models.NotificationConfigRequest
	if !bindJSON(c, &req) {
		return
	}

	cfg := req.ToConfig()
	if err := services.ValidateConfig(cfg); err != nil {
		respondError(c, err)
		return
	}
	h.sendTest(c, cfg)
}

// TestSaved sends the test message to a stored destination.
func (h *NotificationHandler) TestSaved(c *gin.Context) {
	cfg, err := h.notifications.GetNotificationByID(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	h.sendTest(c, cfg)
}

func (h *NotificationHandler) sendTest(c *gin.Context, cfg *models.NotificationConfig) {
	if err := h.sender.SendTest(c.Request.Context(), cfg); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "test message sent"})
}
