package services

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/testflowpro/testflow/internal/database"
	"github.com/testflowpro/testflow/internal/models"
)

// SystemConfigService stores typed key/value entries such as environment lists.
type SystemConfigService struct {
	db  *database.DB
	now func() time.Time
}

// NewSystemConfigService creates a new SystemConfigService instance.
func NewSystemConfigService(db *database.DB) *SystemConfigService {
	return &SystemConfigService{db: db, now: time.Now}
}

// CreateConfig stores one entry.
func (s *SystemConfigService) CreateConfig(req *models.CreateSystemConfigRequest) (*models.SystemConfig, error) {
	c := models.SystemConfig{
		ID:        uuid.New().String(),
		TypeName:  strings.TrimSpace(req.TypeName),
		Name:      strings.TrimSpace(req.Name),
		Value:     req.Value,
		CreatedBy: req.CreatedBy,
		CreatedAt: s.now().UTC(),
	}
	if c.TypeName == "" || c.Name == "" {
		return nil, invalidf("type_name and name are required")
	}

	_, err := s.db.Exec(`
		INSERT INTO system_configs (id, type_name, name, value, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.ID, c.TypeName, c.Name, c.Value, c.CreatedBy, c.CreatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "insert system config")
	}
	return &c, nil
}

// GetGroupedConfigs returns every entry keyed by type name, each group in
// creation order.
func (s *SystemConfigService) GetGroupedConfigs() (map[string][]models.SystemConfig, error) {
	rows, err := s.db.Query(`
		SELECT id, type_name, name, value, created_by, created_at
		FROM system_configs
		ORDER BY type_name, created_at, id
	`)
	if err != nil {
		return nil, errors.Wrap(err, "list system configs")
	}
	defer rows.Close()

	grouped := make(map[string][]models.SystemConfig)
	for rows.Next() {
		var c models.SystemConfig
		if err := rows.Scan(&c.ID, &c.TypeName, &c.Name, &c.Value, &c.CreatedBy, &c.CreatedAt); err != nil {
			return nil, err
		}
		grouped[c.TypeName] = append(grouped[c.TypeName], c)
	}
	return grouped, rows.Err()
}

// DeleteConfig removes one entry.
func (s *SystemConfigService) DeleteConfig(id string) error {
	result, err := s.db.Exec(`DELETE FROM system_configs WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "delete system config")
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "system config %s", id)
	}
	return nil
}
