package experiment

import (
	stderrors "errors"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeConfiguration       = "EXP_CONFIGURATION"
	ErrCodePort                = "EXP_PORT"
	ErrCodeInvalidTransition   = "EXP_INVALID_TRANSITION"
	ErrCodeConcurrencyExceeded = "EXP_CONCURRENCY_EXCEEDED"
	ErrCodeAsyncJob            = "EXP_ASYNC_JOB"
	ErrCodeCycleDetected       = "EXP_CYCLE_DETECTED"
	ErrCodeLockTimeout         = "EXP_LOCK_TIMEOUT"
	ErrCodeNotFound            = "EXP_NOT_FOUND"
	ErrCodeStaleCallback       = "EXP_STALE_CALLBACK"
)

var (
	// ErrConfiguration reports invalid parameters or experiment structure.
	ErrConfiguration = apperrors.New("configuration error", apperrors.CategoryValidation).
				WithTextCode(ErrCodeConfiguration)
	// ErrPort reports a missing, incompatible or duplicate port binding.
	ErrPort = apperrors.New("port error", apperrors.CategoryValidation).
		WithTextCode(ErrCodePort)
	// ErrTransition is returned when an action is not available in the current state.
	ErrTransition = apperrors.New("action not available in current state", apperrors.CategoryBadInput).
			WithTextCode(ErrCodeInvalidTransition)
	// ErrConcurrencyExceeded is returned when the context update retry budget is exhausted.
	ErrConcurrencyExceeded = apperrors.New("context update retry budget exhausted", apperrors.CategoryConflict).
				WithTextCode(ErrCodeConcurrencyExceeded)
	// ErrAsyncJob wraps a failure reported by a background job.
	ErrAsyncJob = apperrors.New("async job failed", apperrors.CategoryExternal).
			WithTextCode(ErrCodeAsyncJob)
	// ErrCycleDetected is returned when a scope's dependency graph is not acyclic.
	ErrCycleDetected = apperrors.New("cycle detected", apperrors.CategoryValidation).
				WithTextCode(ErrCodeCycleDetected)
	ErrLockTimeout = apperrors.New("lock acquisition timed out", apperrors.CategoryConflict).
			WithTextCode(ErrCodeLockTimeout)
	ErrNotFound = apperrors.New("not found", apperrors.CategoryNotFound).
			WithTextCode(ErrCodeNotFound)
	ErrStaleCallback = apperrors.New("stale callback", apperrors.CategoryConflict).
				WithTextCode(ErrCodeStaleCallback)
)

// NewError clones base with a message, optional source error and metadata.
func NewError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	if base == nil {
		base = ErrConfiguration
	}
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// ErrorCode returns the text code carried by err, or "" when err is not
// a go-errors value.
func ErrorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// HasCode reports whether err, or any error it wraps or joins, carries code.
func HasCode(err error, code string) bool {
	if err == nil {
		return false
	}
	if ErrorCode(err) == code {
		return true
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, inner := range joined.Unwrap() {
			if HasCode(inner, code) {
				return true
			}
		}
	}
	return false
}

func IsConfiguration(err error) bool {
	return HasCode(err, ErrCodeConfiguration) || HasCode(err, ErrCodePort) || HasCode(err, ErrCodeCycleDetected)
}

func IsPort(err error) bool                { return HasCode(err, ErrCodePort) }
func IsTransition(err error) bool          { return HasCode(err, ErrCodeInvalidTransition) }
func IsConcurrencyExceeded(err error) bool { return HasCode(err, ErrCodeConcurrencyExceeded) }
func IsAsyncJob(err error) bool            { return HasCode(err, ErrCodeAsyncJob) }
func IsCycleDetected(err error) bool       { return HasCode(err, ErrCodeCycleDetected) }
func IsLockTimeout(err error) bool         { return HasCode(err, ErrCodeLockTimeout) }
func IsNotFound(err error) bool            { return HasCode(err, ErrCodeNotFound) }
func IsStaleCallback(err error) bool       { return HasCode(err, ErrCodeStaleCallback) }
