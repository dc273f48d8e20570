// Package errs defines the error-kind taxonomy shared across the
// orchestration core. Components wrap a sentinel with errors.Is-compatible
// context rather than defining per-package error types, matching the
// fmt.Errorf("...: %w", err) idiom used throughout the teacher's
// internal/db/sqlite.go.
package errs

import "errors"

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionDead       = errors.New("session process is dead")
	ErrWriteRejected     = errors.New("write to session rejected")
	ErrInvalidTaskState  = errors.New("invalid task state for operation")
	ErrDependencyBlocked = errors.New("task blocked by incomplete dependency")
	ErrGateTimeout       = errors.New("quality gate timed out")
	ErrGateFailed        = errors.New("quality gate failed")
	ErrBudgetExceeded    = errors.New("budget exceeded")
	ErrBudgetWarning     = errors.New("budget warning threshold crossed")
	ErrConfigParse       = errors.New("failed to parse configuration")
	ErrMarkerConflict    = errors.New("a non-complete self-improvement marker already exists")
	ErrValidationFailed  = errors.New("self-improvement validation failed")
	ErrRollbackFailed    = errors.New("self-improvement rollback failed")
	ErrIterationLimit    = errors.New("task iteration limit reached")
)
