package services

import (
	"database/sql"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/testflowpro/testflow/internal/database"
	"github.com/testflowpro/testflow/internal/logger"
)

// AuditService records mutating API calls.
type AuditService struct {
	db  *database.DB
	log *zap.SugaredLogger
}

// NewAuditService creates a new AuditService instance.
func NewAuditService(db *database.DB, log *zap.SugaredLogger) *AuditService {
	return &AuditService{db: db, log: logger.OrNop(log).Named("audit")}
}

// AuditLog represents an audit log entry to be recorded.
type AuditLog struct {
	Details      map[string]any
	Action       string
	ResourceType string
	ResourceID   string
	IPAddress    string
	UserAgent    string
}

// Log records an audit log entry. Failures are logged, never returned, so
// auditing cannot break the request that triggered it.
func (s *AuditService) Log(entry AuditLog) {
	var details sql.NullString
	if entry.Details != nil {
		if b, err := json.Marshal(entry.Details); err == nil {
			details = sql.NullString{String: string(b), Valid: true}
		}
	}

	_, err := s.db.Exec(`
		INSERT INTO audit_logs (action, resource_type, resource_id, ip_address, user_agent, details)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.Action, entry.ResourceType, entry.ResourceID, entry.IPAddress, entry.UserAgent, details)
	if err != nil {
		s.log.Warnw("failed to write audit log", "action", entry.Action, "resource", entry.ResourceType, "error", err)
	}
}

// AuditLogEntry represents an audit log record from the database.
type AuditLogEntry struct {
	Action       string `json:"action"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	IPAddress    string `json:"ip_address"`
	UserAgent    string `json:"user_agent"`
	Details      string `json:"details"`
	CreatedAt    string `json:"created_at"`
	ID           int64  `json:"id"`
}

// GetLogs retrieves audit logs with pagination, newest first.
func (s *AuditService) GetLogs(limit, offset int) ([]AuditLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(`
		SELECT id, action, resource_type, resource_id, ip_address, user_agent, details, created_at
		FROM audit_logs
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	// Initialize empty slice instead of nil to return [] instead of null in JSON
	logs := make([]AuditLogEntry, 0)
	for rows.Next() {
		var e AuditLogEntry
		var resourceID, ipAddress, userAgent, details sql.NullString

		if err := rows.Scan(&e.ID, &e.Action, &e.ResourceType, &resourceID, &ipAddress, &userAgent, &details, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ResourceID = resourceID.String
		e.IPAddress = ipAddress.String
		e.UserAgent = userAgent.String
		e.Details = details.String
		logs = append(logs, e)
	}
	return logs, rows.Err()
}
