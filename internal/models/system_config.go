package models

import "time"

// SystemConfig is a generic typed key/value entry, e.g. the list of known environments.
type SystemConfig struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
	TypeName  string    `json:"type_name"`
	Name      string    `json:"name"`
	Value     string    `json:"value"`
	CreatedBy string    `json:"created_by"`
}

// CreateSystemConfigRequest contains the data for creating a system config entry.
type CreateSystemConfigRequest struct {
	TypeName  string `json:"type_name" binding:"required"`
	Name      string `json:"name" binding:"required"`
	Value     string `json:"value" binding:"required"`
	CreatedBy string `json:"created_by"`
}
