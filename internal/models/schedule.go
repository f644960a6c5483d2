package models

import "time"

// Schedule binds a template and target environment to a cron expression.
type Schedule struct {
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	ID             string    `json:"id"`
	TemplateID     string    `json:"template_id"`
	CronExpression string    `json:"cron_expression"`
	TargetEnv      string    `json:"target_env"`
	Description    string    `json:"description"`
	IsActive       bool      `json:"is_active"`
}

// CreateScheduleRequest contains the data for creating a schedule.
type CreateScheduleRequest struct {
	TemplateID     string `json:"template_id" binding:"required"`
	CronExpression string `json:"cron_expression" binding:"required"`
	TargetEnv      string `json:"target_env" binding:"required"`
	Description    string `json:"description"`
	IsActive       bool   `json:"is_active"`
}

// UpdateScheduleRequest contains the fields to change on a schedule.
type UpdateScheduleRequest struct {
	TemplateID     *string `json:"template_id"`
	CronExpression *string `json:"cron_expression"`
	TargetEnv      *string `json:"target_env"`
	Description    *string `json:"description"`
	IsActive       *bool   `json:"is_active"`
}
