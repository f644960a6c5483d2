package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/testflowpro/testflow/internal/jenkins"
	"github.com/testflowpro/testflow/internal/models"
	"github.com/testflowpro/testflow/internal/services"
)

// JobLister lists the jobs known to Jenkins.
type JobLister interface {
	ListJobs(ctx context.Context) ([]jenkins.JobSummary, error)
}

// TemplateHandler handles HTTP requests for template management.
type TemplateHandler struct {
	auditor
	templates *services.TemplateService
	schedules *services.ScheduleService
	jobs      JobLister
}

// NewTemplateHandler creates a new TemplateHandler instance.
func NewTemplateHandler(templates *services.TemplateService, schedules *services.ScheduleService, jobs JobLister, audit *services.AuditService) *TemplateHandler {
	return &TemplateHandler{
		auditor:   auditor{audit: audit},
		templates: templates,
		schedules: schedules,
		jobs:      jobs,
	}
}

// List returns templates ordered by name.
func (h *TemplateHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	templates, err := h.templates.GetAllTemplates(limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, templates)
}

// Get returns a single template by ID.
func (h *TemplateHandler) Get(c *gin.Context) {
	tpl, err := h.templates.GetTemplateByID(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tpl)
}

// Create creates a new template.
func (h *TemplateHandler) Create(c *gin.Context) {
	var req models.CreateTemplateRequest
	if !bindJSON(c, &req) {
		return
	}

	tpl, err := h.templates.CreateTemplate(&req)
	if err != nil {
		respondError(c, err)
		return
	}

	h.record(c, "create", "template", tpl.ID, map[string]any{"name": tpl.Name, "job_name": tpl.JobName})
	c.JSON(http.StatusCreated, tpl)
}

// Update updates an existing template.
func (h *TemplateHandler) Update(c *gin.Context) {
	var req models.UpdateTemplateRequest
	if !bindJSON(c, &req) {
		return
	}

	tpl, err := h.templates.UpdateTemplate(c.Param("id"), &req)
	if err != nil {
		respondError(c, err)
		return
	}

	h.record(c, "update", "template", tpl.ID, map[string]any{"name": tpl.Name})
	c.JSON(http.StatusOK, tpl)
}

// Delete removes a template and unschedules its schedules.
func (h *TemplateHandler) Delete(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.templates.GetTemplateByID(id); err != nil {
		respondError(c, err)
		return
	}
	if err := h.schedules.UnscheduleTemplate(id); err != nil {
		respondError(c, err)
		return
	}
	if err := h.templates.DeleteTemplate(id); err != nil {
		respondError(c, err)
		return
	}

	h.record(c, "delete", "template", id, nil)
	c.JSON(http.StatusOK, gin.H{"message": "template deleted"})
}

// JenkinsJobs lists the jobs a template can point at.
func (h *TemplateHandler) JenkinsJobs(c *gin.Context) {
	jobs, err := h.jobs.ListJobs(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, jobs)
}
