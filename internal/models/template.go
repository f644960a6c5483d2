// Package models defines the data models for templates, schedules, executions
// and notification destinations.
package models

import "time"

// Template is a reusable job definition: which CI job to run and with what defaults.
type Template struct {
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	LastUsed        *time.Time        `json:"last_used"`
	Params          map[string]string `json:"params"`
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	JobName         string            `json:"job_name"`
	DefaultEnv      string            `json:"default_env"`
	AvailableEnvs   []string          `json:"available_envs"`
	NotificationIDs []string          `json:"notification_ids"`
	AutoNotify      bool              `json:"auto_notify"`
}

// CreateTemplateRequest contains the data for creating a template.
type CreateTemplateRequest struct {
	Params          map[string]string `json:"params"`
	Name            string            `json:"name" binding:"required"`
	JobName         string            `json:"job_name" binding:"required"`
	DefaultEnv      string            `json:"default_env" binding:"required"`
	AvailableEnvs   []string          `json:"available_envs"`
	NotificationIDs []string          `json:"notification_ids"`
	AutoNotify      bool              `json:"auto_notify"`
}

// UpdateTemplateRequest contains the fields to change on a template.
// Nil fields are left untouched.
type UpdateTemplateRequest struct {
	Params          map[string]string `json:"params"`
	Name            *string           `json:"name"`
	JobName         *string           `json:"job_name"`
	DefaultEnv      *string           `json:"default_env"`
	AutoNotify      *bool             `json:"auto_notify"`
	AvailableEnvs   []string          `json:"available_envs"`
	NotificationIDs []string          `json:"notification_ids"`
}
