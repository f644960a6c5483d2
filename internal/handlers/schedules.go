package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/testflowpro/testflow/internal/models"
	"github.com/testflowpro/testflow/internal/services"
)

// Previewer computes upcoming fire times for a cron expression.
type Previewer interface {
	PreviewNext(expr string, n int) []time.Time
}

// ScheduleHandler handles HTTP requests for schedule management.
type ScheduleHandler struct {
	auditor
	schedules *services.ScheduleService
	preview   Previewer
}

// NewScheduleHandler creates a new ScheduleHandler instance.
func NewScheduleHandler(schedules *services.ScheduleService, preview Previewer, audit *services.AuditService) *ScheduleHandler {
	return &ScheduleHandler{auditor: auditor{audit: audit}, schedules: schedules, preview: preview}
}

// List returns every schedule, or those of one template with ?template_id=.
func (h *ScheduleHandler) List(c *gin.Context) {
	var (
		list []models.Schedule
		err  error
	)
	if templateID := c.Query("template_id"); templateID != "" {
		list, err = h.schedules.GetSchedulesByTemplate(templateID)
	} else {
		list, err = h.schedules.GetAllSchedules()
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// Get returns a single schedule by ID.
func (h *ScheduleHandler) Get(c *gin.Context) {
	sc, err := h.schedules.GetScheduleByID(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sc)
}

// Create creates a new schedule and installs it when active.
func (h *ScheduleHandler) Create(c *gin.Context) {
	var req models.CreateScheduleRequest
	if !bindJSON(c, &req) {
		return
	}

	sc, err := h.schedules.CreateSchedule(&req)
	if err != nil {
		respondError(c, err)
		return
	}

	h.record(c, "create", "schedule", sc.ID, map[string]any{"template_id": sc.TemplateID, "cron": sc.CronExpression})
	c.JSON(http.StatusCreated, sc)
}

// Update updates an existing schedule.
func (h *ScheduleHandler) Update(c *gin.Context) {
	var req models.UpdateScheduleRequest
	if !bindJSON(c, &req) {
		return
	}

	sc, err := h.schedules.UpdateSchedule(c.Param("id"), &req)
	if err != nil {
		respondError(c, err)
		return
	}

	h.record(c, "update", "schedule", sc.ID, map[string]any{"cron": sc.CronExpression, "is_active": sc.IsActive})
	c.JSON(http.StatusOK, sc)
}

// Toggle flips a schedule between active and paused.
func (h *ScheduleHandler) Toggle(c *gin.Context) {
	sc, err := h.schedules.ToggleSchedule(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	h.record(c, "toggle", "schedule", sc.ID, map[string]any{"is_active": sc.IsActive})
	c.JSON(http.StatusOK, sc)
}

// Delete removes a schedule.
func (h *ScheduleHandler) Delete(c *gin.Context) {
	id := c.Param("id")
	if err := h.schedules.DeleteSchedule(id); err != nil {
		respondError(c, err)
		return
	}

	h.record(c, "delete", "schedule", id, nil)
	c.JSON(http.StatusOK, gin.H{"message": "schedule deleted"})
}

type previewRequest struct {
	CronExpression string `json:"cron_expression" binding:"required"`
	Count          int    `json:"count"`
}

// PreviewNext returns the upcoming fire times of an expression. Malformed
// expressions yield an empty list.
func (h *ScheduleHandler) PreviewNext(c *gin.Context) {
	var req previewRequest
	if !bindJSON(c, &req) {
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"cron_expression": req.CronExpression,
		"next_runs":       h.preview.PreviewNext(req.CronExpression, req.Count),
	})
}
