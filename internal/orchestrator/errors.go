package orchestrator

import (
	"errors"
	"fmt"
)

// Sentinel errors for terminal deployment and session outcomes.
var (
	// ErrValidation marks a pre-flight rejection. Never retried.
	ErrValidation = errors.New("validation failed")
	// ErrUnfixable marks an explicit advisor refusal to propose a fix.
	ErrUnfixable = errors.New("advisor declined to propose a fix")
	// ErrArtifactConflict marks a racing artifact writer. Never retried
	// automatically to avoid clobbering concurrent edits.
	ErrArtifactConflict = errors.New("artifact revision conflict")
	// ErrResourceFault marks an unrecoverable deploy-time host fault.
	// It skips remediation and fails the deployment immediately.
	ErrResourceFault = errors.New("unrecoverable resource fault")
	// ErrCancelled marks an operator cancellation. Always wins over any
	// in-flight outcome.
	ErrCancelled = errors.New("cancelled by operator")
	// ErrSessionActive guards the one-active-session-per-deployment invariant.
	ErrSessionActive = errors.New("a session is already active for this deployment")
	// ErrAlreadyRunning guards the exclusive per-deployment execution token.
	ErrAlreadyRunning = errors.New("deployment is already being executed")
)

// TimeoutError distinguishes a suspension-point timeout from a functional
// failure of the same call.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out", e.Op)
}

// IsTimeout reports whether err is a suspension-point timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// ExecutorFailure carries a functional build or deploy failure with its logs.
// It drives the remediation loop rather than failing the deployment outright.
type ExecutorFailure struct {
	Stage string
	Logs  string
}

func (e *ExecutorFailure) Error() string {
	return fmt.Sprintf("%s failed", e.Stage)
}
