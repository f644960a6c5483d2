package handlers

import (
	"net/http"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"

	"github.com/testflowpro/testflow/internal/services"
)

// DashboardHandler serves triggering and execution history.
type DashboardHandler struct {
	auditor
	trigger    *services.TriggerService
	executions *services.ExecutionService
}

// NewDashboardHandler creates a new DashboardHandler instance.
func NewDashboardHandler(trigger *services.TriggerService, executions *services.ExecutionService, audit *services.AuditService) *DashboardHandler {
	return &DashboardHandler{auditor: auditor{audit: audit}, trigger: trigger, executions: executions}
}

// Trigger starts a manual run. A refused submission answers 502 with the
// FAILURE execution that records it.
func (h *DashboardHandler) Trigger(c *gin.Context) {
	var req services.TriggerRequest
	if !bindJSON(c, &req) {
		return
	}

	exec, err := h.trigger.Trigger(c.Request.Context(), req)
	if exec != nil {
		h.record(c, "trigger", "execution", exec.ID, map[string]any{
			"template_id": exec.TemplateID,
			"env":         exec.Env,
			"status":      exec.Status,
		})
	}
	if err != nil {
		if errors.Is(err, services.ErrSubmissionFailed) && exec != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "execution": exec})
			return
		}
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, exec)
}

// Running lists queued and running executions.
func (h *DashboardHandler) Running(c *gin.Context) {
	list, err := h.executions.GetActiveExecutions()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// Recent lists the latest executions, ?limit= defaulting to 20.
func (h *DashboardHandler) Recent(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	list, err := h.executions.GetRecentExecutions(limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// GetExecution returns one execution with its template's names.
func (h *DashboardHandler) GetExecution(c *gin.Context) {
	exec, err := h.executions.GetExecutionWithTemplate(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}
