package services

import (
	"database/sql"
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/testflowpro/testflow/internal/database"
	"github.com/testflowpro/testflow/internal/models"
	"github.com/testflowpro/testflow/internal/validation"
)

// ErrTemplateExists indicates a template with the same name already exists.
var ErrTemplateExists = errors.Mark(errors.New("template already exists"), ErrConflict)

// TemplateService manages job templates.
type TemplateService struct {
	db  *database.DB
	now func() time.Time
}

// NewTemplateService creates a new TemplateService instance.
func NewTemplateService(db *database.DB) *TemplateService {
	return &TemplateService{db: db, now: time.Now}
}

type rowScanner interface {
	Scan(dest ...any) error
}

const templateColumns = `id, name, job_name, default_env, available_envs, params, auto_notify,
	notification_ids, last_used, created_at, updated_at`

func scanTemplate(row rowScanner) (*models.Template, error) {
	var t models.Template
	var envs, params, notifIDs string
	var lastUsed sql.NullTime

	if err := row.Scan(&t.ID, &t.Name, &t.JobName, &t.DefaultEnv, &envs, &params, &t.AutoNotify,
		&notifIDs, &lastUsed, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(envs), &t.AvailableEnvs); err != nil {
		return nil, errors.Wrapf(err, "template %s: decode available_envs", t.ID)
	}
	if err := json.Unmarshal([]byte(params), &t.Params); err != nil {
		return nil, errors.Wrapf(err, "template %s: decode params", t.ID)
	}
	if err := json.Unmarshal([]byte(notifIDs), &t.NotificationIDs); err != nil {
		return nil, errors.Wrapf(err, "template %s: decode notification_ids", t.ID)
	}
	if t.AvailableEnvs == nil {
		t.AvailableEnvs = []string{}
	}
	if t.Params == nil {
		t.Params = map[string]string{}
	}
	if t.NotificationIDs == nil {
		t.NotificationIDs = []string{}
	}
	if lastUsed.Valid {
		t.LastUsed = &lastUsed.Time
	}
	return &t, nil
}

func validateTemplate(t *models.Template) error {
	t.Name = strings.TrimSpace(t.Name)
	t.JobName = strings.Trim(strings.TrimSpace(t.JobName), "/")
	t.DefaultEnv = strings.TrimSpace(t.DefaultEnv)

	switch {
	case t.Name == "":
		return invalidf("name is required")
	case t.JobName == "":
		return invalidf("job_name is required")
	case t.DefaultEnv == "":
		return invalidf("default_env is required")
	}
	if err := validation.ValidateName(t.Name, validation.MaxNameLength); err != nil {
		return invalidf("name: %v", err)
	}
	if err := validation.ValidateJobName(t.JobName); err != nil {
		return invalidf("job_name %q: %v", t.JobName, err)
	}
	for _, env := range append([]string{t.DefaultEnv}, t.AvailableEnvs...) {
		if err := validation.ValidateEnv(env); err != nil {
			return invalidf("env %q: %v", env, err)
		}
	}
	if len(t.AvailableEnvs) > 0 && !slices.Contains(t.AvailableEnvs, t.DefaultEnv) {
		return invalidf("default_env %q is not one of available_envs", t.DefaultEnv)
	}
	for k := range t.Params {
		if err := validation.ValidateParamKey(k); err != nil {
			return invalidf("param %q: %v", k, err)
		}
	}
	return nil
}

func encodeJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}

// CreateTemplate stores a new template.
func (s *TemplateService) CreateTemplate(req *models.CreateTemplateRequest) (*models.Template, error) {
	t := &models.Template{
		ID:              uuid.New().String(),
		Name:            req.Name,
		JobName:         req.JobName,
		DefaultEnv:      req.DefaultEnv,
		AvailableEnvs:   nonNil(req.AvailableEnvs),
		Params:          req.Params,
		NotificationIDs: nonNil(req.NotificationIDs),
		AutoNotify:      req.AutoNotify,
	}
	if t.Params == nil {
		t.Params = map[string]string{}
	}
	if err := validateTemplate(t); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO templates (id, name, job_name, default_env, available_envs, params, auto_notify, notification_ids, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Name, t.JobName, t.DefaultEnv, encodeJSON(t.AvailableEnvs), encodeJSON(t.Params),
		t.AutoNotify, encodeJSON(t.NotificationIDs), now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errors.Wrapf(ErrTemplateExists, "name %q", t.Name)
		}
		return nil, errors.Wrap(err, "insert template")
	}

	return s.GetTemplateByID(t.ID)
}

// GetTemplateByID retrieves a template by its ID.
func (s *TemplateService) GetTemplateByID(id string) (*models.Template, error) {
	t, err := scanTemplate(s.db.QueryRow(`SELECT `+templateColumns+` FROM templates WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrTemplateNotFound, "id %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get template")
	}
	return t, nil
}

// GetAllTemplates lists templates by name with offset pagination.
func (s *TemplateService) GetAllTemplates(limit, offset int) ([]models.Template, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(`SELECT `+templateColumns+` FROM templates ORDER BY name LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "list templates")
	}
	defer rows.Close()

	templates := make([]models.Template, 0)
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, *t)
	}
	return templates, rows.Err()
}

// UpdateTemplate applies the non-nil fields of req.
func (s *TemplateService) UpdateTemplate(id string, req *models.UpdateTemplateRequest) (*models.Template, error) {
	t, err := s.GetTemplateByID(id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		t.Name = *req.Name
	}
	if req.JobName != nil {
		t.JobName = *req.JobName
	}
	if req.DefaultEnv != nil {
		t.DefaultEnv = *req.DefaultEnv
	}
	if req.AutoNotify != nil {
		t.AutoNotify = *req.AutoNotify
	}
	if req.AvailableEnvs != nil {
		t.AvailableEnvs = req.AvailableEnvs
	}
	if req.NotificationIDs != nil {
		t.NotificationIDs = req.NotificationIDs
	}
	if req.Params != nil {
		t.Params = req.Params
	}
	if err := validateTemplate(t); err != nil {
		return nil, err
	}

	_, err = s.db.Exec(`
		UPDATE templates SET name = ?, job_name = ?, default_env = ?, available_envs = ?, params = ?,
			auto_notify = ?, notification_ids = ?, updated_at = ?
		WHERE id = ?
	`, t.Name, t.JobName, t.DefaultEnv, encodeJSON(t.AvailableEnvs), encodeJSON(t.Params),
		t.AutoNotify, encodeJSON(t.NotificationIDs), s.now().UTC(), id)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errors.Wrapf(ErrTemplateExists, "name %q", t.Name)
		}
		return nil, errors.Wrap(err, "update template")
	}

	return s.GetTemplateByID(id)
}

// DeleteTemplate removes a template. Its schedules go with it; its
// executions are kept as history.
func (s *TemplateService) DeleteTemplate(id string) error {
	result, err := s.db.Exec(`DELETE FROM templates WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "delete template")
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrTemplateNotFound, "id %s", id)
	}
	return nil
}

// TouchLastUsed records that the template was just launched.
func (s *TemplateService) TouchLastUsed(id string) error {
	_, err := s.db.Exec(`UPDATE templates SET last_used = ? WHERE id = ?`, s.now().UTC(), id)
	return errors.Wrap(err, "touch template")
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
