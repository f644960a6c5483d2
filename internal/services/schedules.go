package services

import (
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/testflowpro/testflow/internal/database"
	"github.com/testflowpro/testflow/internal/models"
	"github.com/testflowpro/testflow/internal/validation"
)

// Timetable is the cron side of schedule management.
type Timetable interface {
	Upsert(schedule *models.Schedule)
	Remove(scheduleID string)
}

// ScheduleService persists schedules and keeps the timetable in step:
// every write commits first, then resynchronizes the affected entry.
// writeMu spans the write and the resync so entries follow row order.
type ScheduleService struct {
	db        *database.DB
	templates *TemplateService
	timetable Timetable
	now       func() time.Time
	writeMu   sync.Mutex
}

// NewScheduleService creates a new ScheduleService. timetable may be nil.
func NewScheduleService(db *database.DB, templates *TemplateService, timetable Timetable) *ScheduleService {
	return &ScheduleService{db: db, templates: templates, timetable: timetable, now: time.Now}
}

// SetTimetable attaches the timetable after construction.
func (s *ScheduleService) SetTimetable(t Timetable) {
	s.timetable = t
}

const scheduleColumns = `id, template_id, cron_expression, target_env, description, is_active, created_at, updated_at`

func scanSchedule(row rowScanner) (*models.Schedule, error) {
	var sc models.Schedule
	if err := row.Scan(&sc.ID, &sc.TemplateID, &sc.CronExpression, &sc.TargetEnv, &sc.Description,
		&sc.IsActive, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
		return nil, err
	}
	return &sc, nil
}

func (s *ScheduleService) sync(sc *models.Schedule) {
	if s.timetable != nil {
		s.timetable.Upsert(sc)
	}
}

// validate checks the template reference. The cron expression is only
// checked when the timetable installs it.
func (s *ScheduleService) validate(sc *models.Schedule) error {
	sc.CronExpression = strings.TrimSpace(sc.CronExpression)
	if sc.CronExpression == "" {
		return invalidf("cron_expression is required")
	}
	if err := validation.ValidateDescription(sc.Description, validation.MaxDescriptionLength); err != nil {
		return invalidf("description: %v", err)
	}
	if sc.TargetEnv != "" {
		if err := validation.ValidateEnv(sc.TargetEnv); err != nil {
			return invalidf("target_env %q: %v", sc.TargetEnv, err)
		}
	}
	t, err := s.templates.GetTemplateByID(sc.TemplateID)
	if err != nil {
		return err
	}
	if sc.TargetEnv == "" {
		sc.TargetEnv = t.DefaultEnv
	}
	return nil
}

// CreateSchedule stores a schedule and installs it when active.
func (s *ScheduleService) CreateSchedule(req *models.CreateScheduleRequest) (*models.Schedule, error) {
	sc := &models.Schedule{
		ID:             uuid.New().String(),
		TemplateID:     req.TemplateID,
		CronExpression: req.CronExpression,
		TargetEnv:      req.TargetEnv,
		Description:    req.Description,
		IsActive:       req.IsActive,
	}
	if err := s.validate(sc); err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := s.now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO schedules (id, template_id, cron_expression, target_env, description, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, sc.ID, sc.TemplateID, sc.CronExpression, sc.TargetEnv, sc.Description, sc.IsActive, now, now)
	if err != nil {
		return nil, errors.Wrap(err, "insert schedule")
	}

	created, err := s.GetScheduleByID(sc.ID)
	if err != nil {
		return nil, err
	}
	s.sync(created)
	return created, nil
}

// GetScheduleByID retrieves a schedule by its ID.
func (s *ScheduleService) GetScheduleByID(id string) (*models.Schedule, error) {
	sc, err := scanSchedule(s.db.QueryRow(`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrScheduleNotFound, "id %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get schedule")
	}
	return sc, nil
}

func (s *ScheduleService) list(query string, args ...any) ([]models.Schedule, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list schedules")
	}
	defer rows.Close()

	schedules := make([]models.Schedule, 0)
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, *sc)
	}
	return schedules, rows.Err()
}

// GetAllSchedules lists every schedule, oldest first.
func (s *ScheduleService) GetAllSchedules() ([]models.Schedule, error) {
	return s.list(`SELECT ` + scheduleColumns + ` FROM schedules ORDER BY created_at, id`)
}

// GetActiveSchedules lists the schedules that belong in the timetable.
func (s *ScheduleService) GetActiveSchedules() ([]models.Schedule, error) {
	return s.list(`SELECT ` + scheduleColumns + ` FROM schedules WHERE is_active = TRUE ORDER BY created_at, id`)
}

// GetSchedulesByTemplate lists the schedules of one template.
func (s *ScheduleService) GetSchedulesByTemplate(templateID string) ([]models.Schedule, error) {
	return s.list(`SELECT `+scheduleColumns+` FROM schedules WHERE template_id = ? ORDER BY created_at, id`, templateID)
}

// UpdateSchedule applies the non-nil fields of req and resynchronizes the entry.
func (s *ScheduleService) UpdateSchedule(id string, req *models.UpdateScheduleRequest) (*models.Schedule, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.updateLocked(id, req)
}

func (s *ScheduleService) updateLocked(id string, req *models.UpdateScheduleRequest) (*models.Schedule, error) {
	sc, err := s.GetScheduleByID(id)
	if err != nil {
		return nil, err
	}

	if req.TemplateID != nil {
		sc.TemplateID = *req.TemplateID
	}
	if req.CronExpression != nil {
		sc.CronExpression = *req.CronExpression
	}
	if req.TargetEnv != nil {
		sc.TargetEnv = *req.TargetEnv
	}
	if req.Description != nil {
		sc.Description = *req.Description
	}
	if req.IsActive != nil {
		sc.IsActive = *req.IsActive
	}
	if err := s.validate(sc); err != nil {
		return nil, err
	}

	_, err = s.db.Exec(`
		UPDATE schedules SET template_id = ?, cron_expression = ?, target_env = ?, description = ?, is_active = ?, updated_at = ?
		WHERE id = ?
	`, sc.TemplateID, sc.CronExpression, sc.TargetEnv, sc.Description, sc.IsActive, s.now().UTC(), id)
	if err != nil {
		return nil, errors.Wrap(err, "update schedule")
	}

	updated, err := s.GetScheduleByID(id)
	if err != nil {
		return nil, err
	}
	s.sync(updated)
	return updated, nil
}

// ToggleSchedule flips is_active.
func (s *ScheduleService) ToggleSchedule(id string) (*models.Schedule, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	sc, err := s.GetScheduleByID(id)
	if err != nil {
		return nil, err
	}
	active := !sc.IsActive
	return s.updateLocked(id, &models.UpdateScheduleRequest{IsActive: &active})
}

// DeleteSchedule removes a schedule and its timetable entry.
func (s *ScheduleService) DeleteSchedule(id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result, err := s.db.Exec(`DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "delete schedule")
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrScheduleNotFound, "id %s", id)
	}
	if s.timetable != nil {
		s.timetable.Remove(id)
	}
	return nil
}

// UnscheduleTemplate drops the timetable entries of a template about to be
// deleted. The rows themselves cascade with the template.
func (s *ScheduleService) UnscheduleTemplate(templateID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	schedules, err := s.GetSchedulesByTemplate(templateID)
	if err != nil {
		return err
	}
	if s.timetable == nil {
		return nil
	}
	for _, sc := range schedules {
		s.timetable.Remove(sc.ID)
	}
	return nil
}
