// Package services implements persistence and the execution lifecycle:
// stores, the trigger path, the reconciliation loop and the scheduler.
package services

import "github.com/cockroachdb/errors"

var (
	// ErrNotFound marks every lookup miss.
	ErrNotFound = errors.New("not found")
	// ErrTemplateNotFound indicates the requested template does not exist.
	ErrTemplateNotFound = errors.Mark(errors.New("template not found"), ErrNotFound)
	// ErrScheduleNotFound indicates the requested schedule does not exist.
	ErrScheduleNotFound = errors.Mark(errors.New("schedule not found"), ErrNotFound)
	// ErrExecutionNotFound indicates the requested execution does not exist.
	ErrExecutionNotFound = errors.Mark(errors.New("execution not found"), ErrNotFound)
	// ErrNotificationNotFound indicates the requested notification config does not exist.
	ErrNotificationNotFound = errors.Mark(errors.New("notification config not found"), ErrNotFound)

	// ErrInvalidInput indicates a request failed validation.
	ErrInvalidInput = errors.New("invalid input")
	// ErrSubmissionFailed indicates the CI system did not accept a build.
	ErrSubmissionFailed = errors.New("submission failed")
	// ErrTransientUnavailable indicates a CI call failed during reconciliation.
	ErrTransientUnavailable = errors.New("ci temporarily unavailable")
	// ErrMalformedSchedule indicates a cron expression could not be parsed.
	ErrMalformedSchedule = errors.New("malformed schedule")
	// ErrStaleExecution indicates a conditional update lost to a concurrent writer.
	ErrStaleExecution = errors.New("execution changed concurrently")
)

func invalidf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalidInput)
}

// ErrConflict indicates a uniqueness constraint was violated.
var ErrConflict = errors.New("already exists")
