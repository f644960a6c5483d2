package services

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/testflowpro/testflow/internal/database"
	"github.com/testflowpro/testflow/internal/models"
)

// ExecutionService stores executions. Every change after creation goes
// through Commit, which only succeeds if the row is still in the status the
// caller read it in.
type ExecutionService struct {
	db  *database.DB
	now func() time.Time
}

// NewExecutionService creates a new ExecutionService instance.
func NewExecutionService(db *database.DB) *ExecutionService {
	return &ExecutionService{db: db, now: time.Now}
}

const executionColumns = `e.id, e.template_id, e.status, e.trigger_kind, e.queue_reference, e.submitted_at,
	e.build_number, e.env, e.triggered_by, e.should_notify, e.start_time, e.duration, e.result_stats,
	e.report_url, e.created_at, e.updated_at`

func scanExecution(row rowScanner, extra ...any) (*models.Execution, error) {
	var e models.Execution
	var queueRef, reportURL, stats sql.NullString
	var submittedAt, startTime sql.NullTime
	var buildNumber, duration sql.NullInt64

	dest := []any{&e.ID, &e.TemplateID, &e.Status, &e.TriggerKind, &queueRef, &submittedAt,
		&buildNumber, &e.Env, &e.TriggeredBy, &e.ShouldNotify, &startTime, &duration, &stats,
		&reportURL, &e.CreatedAt, &e.UpdatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	e.QueueReference = queueRef.String
	e.ReportURL = reportURL.String
	if submittedAt.Valid {
		t := submittedAt.Time
		e.SubmittedAt = &t
	}
	if startTime.Valid {
		e.StartTime = startTime.Time
	}
	if buildNumber.Valid {
		n := int(buildNumber.Int64)
		e.BuildNumber = &n
	}
	if duration.Valid {
		d := duration.Int64
		e.Duration = &d
	}
	if stats.Valid && stats.String != "" {
		var rs models.ResultStats
		if err := json.Unmarshal([]byte(stats.String), &rs); err != nil {
			return nil, errors.Wrapf(err, "execution %s: decode result_stats", e.ID)
		}
		e.Stats = &rs
	}
	return &e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

func nullInt64(n *int64) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *n, Valid: true}
}

func encodeStats(s *models.ResultStats) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: encodeJSON(s), Valid: true}
}

// NewExecution describes an execution about to be created.
type NewExecution struct {
	TemplateID   string
	Env          string
	TriggeredBy  string
	TriggerKind  models.TriggerKind
	ShouldNotify bool
}

// CreateExecution persists a QUEUED execution. Its start time is the local
// creation time until the CI system reports its own.
func (s *ExecutionService) CreateExecution(n NewExecution) (*models.Execution, error) {
	id := uuid.New().String()
	now := s.now().UTC()

	_, err := s.db.Exec(`
		INSERT INTO executions (id, template_id, status, trigger_kind, env, triggered_by, should_notify, start_time, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, n.TemplateID, models.StatusQueued, n.TriggerKind, n.Env, n.TriggeredBy, n.ShouldNotify, now, now, now)
	if err != nil {
		return nil, errors.Wrap(err, "insert execution")
	}

	return s.GetExecutionByID(id)
}

// GetExecutionByID retrieves an execution by its ID.
func (s *ExecutionService) GetExecutionByID(id string) (*models.Execution, error) {
	e, err := scanExecution(s.db.QueryRow(`SELECT `+executionColumns+` FROM executions e WHERE e.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrExecutionNotFound, "id %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get execution")
	}
	return e, nil
}

// GetExecutionsByStatus lists executions in one status, oldest first.
// The rows are fully read before returning so callers may issue further
// queries while iterating.
func (s *ExecutionService) GetExecutionsByStatus(status models.ExecutionStatus) ([]models.Execution, error) {
	rows, err := s.db.Query(`SELECT `+executionColumns+` FROM executions e WHERE e.status = ? ORDER BY e.created_at, e.id`, status)
	if err != nil {
		return nil, errors.Wrap(err, "list executions")
	}
	defer rows.Close()

	executions := make([]models.Execution, 0)
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, *e)
	}
	return executions, rows.Err()
}

func (s *ExecutionService) listWithTemplate(query string, args ...any) ([]models.ExecutionWithTemplate, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list executions")
	}
	defer rows.Close()

	executions := make([]models.ExecutionWithTemplate, 0)
	for rows.Next() {
		var name, job sql.NullString
		e, err := scanExecution(rows, &name, &job)
		if err != nil {
			return nil, err
		}
		executions = append(executions, models.ExecutionWithTemplate{
			Execution:    *e,
			TemplateName: name.String,
			JobName:      job.String,
		})
	}
	return executions, rows.Err()
}

// GetActiveExecutions lists QUEUED and RUNNING executions, newest first.
func (s *ExecutionService) GetActiveExecutions() ([]models.ExecutionWithTemplate, error) {
	return s.listWithTemplate(`
		SELECT `+executionColumns+`, t.name, t.job_name
		FROM executions e
		LEFT JOIN templates t ON e.template_id = t.id
		WHERE e.status IN (?, ?)
		ORDER BY e.created_at DESC, e.id
	`, models.StatusQueued, models.StatusRunning)
}

// GetRecentExecutions lists the most recently started executions.
func (s *ExecutionService) GetRecentExecutions(limit int) ([]models.ExecutionWithTemplate, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.listWithTemplate(`
		SELECT `+executionColumns+`, t.name, t.job_name
		FROM executions e
		LEFT JOIN templates t ON e.template_id = t.id
		ORDER BY e.start_time DESC, e.created_at DESC
		LIMIT ?
	`, limit)
}

// GetExecutionWithTemplate retrieves one execution with its template's names.
func (s *ExecutionService) GetExecutionWithTemplate(id string) (*models.ExecutionWithTemplate, error) {
	list, err := s.listWithTemplate(`
		SELECT `+executionColumns+`, t.name, t.job_name
		FROM executions e
		LEFT JOIN templates t ON e.template_id = t.id
		WHERE e.id = ?
	`, id)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, errors.Wrapf(ErrExecutionNotFound, "id %s", id)
	}
	return &list[0], nil
}

// Commit writes e back provided the stored row is still in status from.
// A lost race returns ErrStaleExecution and leaves the row untouched.
func (s *ExecutionService) Commit(e *models.Execution, from models.ExecutionStatus) error {
	now := s.now().UTC()
	var startTime sql.NullTime
	if !e.StartTime.IsZero() {
		startTime = sql.NullTime{Time: e.StartTime.UTC(), Valid: true}
	}

	result, err := s.db.Exec(`
		UPDATE executions SET status = ?, queue_reference = ?, submitted_at = ?, build_number = ?,
			start_time = ?, duration = ?, result_stats = ?, report_url = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, e.Status, nullString(e.QueueReference), nullTime(e.SubmittedAt), nullInt(e.BuildNumber),
		startTime, nullInt64(e.Duration), encodeStats(e.Stats), nullString(e.ReportURL), now,
		e.ID, from)
	if err != nil {
		return errors.Wrapf(err, "commit execution %s", e.ID)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "commit execution %s", e.ID)
	}
	if n == 0 {
		if _, getErr := s.GetExecutionByID(e.ID); getErr != nil {
			return getErr
		}
		return errors.Wrapf(ErrStaleExecution, "execution %s is no longer %s", e.ID, from)
	}
	e.UpdatedAt = now
	return nil
}
