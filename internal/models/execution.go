package models

import (
	"time"

	"github.com/cockroachdb/errors"
)

// ExecutionStatus represents the lifecycle state of an execution.
type ExecutionStatus string

const (
	// StatusQueued indicates the execution was submitted but no build runs yet.
	StatusQueued ExecutionStatus = "QUEUED"
	// StatusRunning indicates the execution is matched to a running build.
	StatusRunning ExecutionStatus = "RUNNING"
	// StatusSuccess indicates the build finished successfully.
	StatusSuccess ExecutionStatus = "SUCCESS"
	// StatusFailure indicates the build or its submission failed.
	StatusFailure ExecutionStatus = "FAILURE"
	// StatusAborted indicates the build or queue item was cancelled.
	StatusAborted ExecutionStatus = "ABORTED"
)

// TriggerKind records what originated an execution.
type TriggerKind string

const (
	// TriggerManual is an execution started through the trigger API.
	TriggerManual TriggerKind = "MANUAL"
	// TriggerSchedule is an execution started by a cron schedule.
	TriggerSchedule TriggerKind = "SCHEDULE"
)

var (
	// ErrInvalidTransition indicates a status change outside the lifecycle edges.
	ErrInvalidTransition = errors.New("invalid execution status transition")
	// ErrBuildNumberSet indicates an attempt to rebind an already matched build.
	ErrBuildNumberSet = errors.New("build number already set")
)

// IsTerminal reports whether no further transitions are permitted.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusAborted:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSuccess, StatusFailure, StatusAborted:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next follows a lifecycle edge.
func (s ExecutionStatus) CanTransitionTo(next ExecutionStatus) bool {
	switch s {
	case StatusQueued:
		return next == StatusRunning || next == StatusAborted || next == StatusFailure
	case StatusRunning:
		return next.IsTerminal()
	}
	return false
}

// StatusFromBuildResult maps a CI result string onto a terminal status.
// Anything unrecognised, including an empty result, is a failure.
func StatusFromBuildResult(result string) ExecutionStatus {
	switch result {
	case "SUCCESS":
		return StatusSuccess
	case "ABORTED":
		return StatusAborted
	default:
		return StatusFailure
	}
}

// ResultStats holds the test counts relayed from the CI system.
type ResultStats struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Execution represents one attempt to run a template against an environment.
type Execution struct {
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	StartTime      time.Time       `json:"start_time"`
	SubmittedAt    *time.Time      `json:"submitted_at"`
	BuildNumber    *int            `json:"build_number"`
	Duration       *int64          `json:"duration"`
	Stats          *ResultStats    `json:"result_stats"`
	ID             string          `json:"id"`
	TemplateID     string          `json:"template_id"`
	Status         ExecutionStatus `json:"status"`
	TriggerKind    TriggerKind     `json:"trigger_kind"`
	QueueReference string          `json:"queue_reference,omitempty"`
	Env            string          `json:"env"`
	TriggeredBy    string          `json:"triggered_by"`
	ReportURL      string          `json:"report_url,omitempty"`
	ShouldNotify   bool            `json:"should_notify"`
}

// ExecutionWithTemplate extends Execution with the owning template's name.
type ExecutionWithTemplate struct {
	Execution
	TemplateName string `json:"template_name"`
	JobName      string `json:"job_name"`
}

func (e *Execution) transition(next ExecutionStatus) error {
	if !e.Status.CanTransitionTo(next) {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", e.Status, next)
	}
	e.Status = next
	if e.Status != StatusQueued {
		e.QueueReference = ""
	}
	return nil
}

// MarkRunning binds the execution to a concrete build and moves it to RUNNING.
// A zero startedAt keeps the local start time.
func (e *Execution) MarkRunning(buildNumber int, startedAt time.Time) error {
	if e.BuildNumber != nil {
		return errors.Wrapf(ErrBuildNumberSet, "execution %s already bound to #%d", e.ID, *e.BuildNumber)
	}
	if err := e.transition(StatusRunning); err != nil {
		return err
	}
	n := buildNumber
	e.BuildNumber = &n
	if !startedAt.IsZero() {
		e.StartTime = startedAt
	}
	return nil
}

// MarkAborted records a queue item that was cancelled before it became a build.
func (e *Execution) MarkAborted() error {
	return e.transition(StatusAborted)
}

// MarkSubmissionFailed records that the CI system never accepted the execution.
func (e *Execution) MarkSubmissionFailed() error {
	if err := e.transition(StatusFailure); err != nil {
		return err
	}
	var zero int64
	e.Duration = &zero
	return nil
}

// BuildOutcome is what a finished build reports back.
type BuildOutcome struct {
	StartedAt time.Time
	Stats     ResultStats
	Result    string
	ReportURL string
	Duration  int64
}

// Finish moves a RUNNING execution to the terminal status derived from the outcome.
func (e *Execution) Finish(outcome BuildOutcome) error {
	if e.Status != StatusRunning {
		return errors.Wrapf(ErrInvalidTransition, "finish from %s", e.Status)
	}
	if err := e.transition(StatusFromBuildResult(outcome.Result)); err != nil {
		return err
	}
	d := outcome.Duration
	e.Duration = &d
	stats := outcome.Stats
	e.Stats = &stats
	e.ReportURL = outcome.ReportURL
	if !outcome.StartedAt.IsZero() {
		e.StartTime = outcome.StartedAt
	}
	return nil
}
