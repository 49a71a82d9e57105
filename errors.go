package saga

import (
	stderrors "errors"
	"fmt"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeConfigurationInvalid = "SAGA_CONFIGURATION_INVALID"
	ErrCodeStepFailed           = "SAGA_STEP_FAILED"
	ErrCodeCompensationFailed   = "SAGA_COMPENSATION_FAILED"
	ErrCodePersistenceFailed    = "SAGA_PERSISTENCE_FAILED"
	ErrCodeConcurrencyConflict  = "SAGA_CONCURRENCY_CONFLICT"
	ErrCodeTimedOut             = "SAGA_TIMED_OUT"
	ErrCodeCancelled            = "SAGA_CANCELLED"
	ErrCodeNotFound             = "SAGA_NOT_FOUND"
	ErrCodeInvalidTransition    = "SAGA_INVALID_TRANSITION"
	ErrCodeDuplicate            = "SAGA_DUPLICATE"
)

var (
	ErrConfigurationInvalid = apperrors.New("invalid saga configuration", apperrors.CategoryValidation).
				WithTextCode(ErrCodeConfigurationInvalid)
	ErrStepFailed = apperrors.New("saga step failed", apperrors.CategoryHandler).
			WithTextCode(ErrCodeStepFailed)
	ErrCompensationFailed = apperrors.New("saga compensation failed", apperrors.CategoryHandler).
				WithTextCode(ErrCodeCompensationFailed)
	ErrPersistenceFailed = apperrors.New("saga persistence failed", apperrors.CategoryExternal).
				WithTextCode(ErrCodePersistenceFailed)
	ErrConcurrencyConflict = apperrors.New("saga state changed concurrently", apperrors.CategoryConflict).
				WithTextCode(ErrCodeConcurrencyConflict)
	ErrTimedOut = apperrors.New("saga timed out", apperrors.CategoryOperation).
			WithTextCode(ErrCodeTimedOut)
	ErrCancelled = apperrors.New("saga cancelled", apperrors.CategoryOperation).
			WithTextCode(ErrCodeCancelled)
	ErrNotFound = apperrors.New("saga not found", apperrors.CategoryNotFound).
			WithTextCode(ErrCodeNotFound)
	ErrInvalidTransition = apperrors.New("invalid saga status transition", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeInvalidTransition)
	ErrDuplicate = apperrors.New("saga already exists", apperrors.CategoryConflict).
			WithTextCode(ErrCodeDuplicate)
)

// cloneSagaError derives a fresh error from one of the sentinels above so
// callers never mutate the shared values.
func cloneSagaError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	if base == nil {
		base = ErrStepFailed
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

// ErrorCode returns the saga text code carried by err, or "".
func ErrorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

func IsConcurrencyConflict(err error) bool { return ErrorCode(err) == ErrCodeConcurrencyConflict }

func IsNotFound(err error) bool { return ErrorCode(err) == ErrCodeNotFound }

func IsDuplicate(err error) bool { return ErrorCode(err) == ErrCodeDuplicate }

// NewConcurrencyConflict is returned by stores when a conditional write finds
// a status other than the expected one.
func NewConcurrencyConflict(sagaID string, expected, actual Status) *apperrors.Error {
	return cloneSagaError(ErrConcurrencyConflict,
		fmt.Sprintf("saga %s expected status %s, found %s", sagaID, expected, actual), nil,
		map[string]any{
			"saga_id":  sagaID,
			"expected": string(expected),
			"actual":   string(actual),
		})
}

// NewNotFound is returned by stores when no saga matches the id.
func NewNotFound(sagaID string) *apperrors.Error {
	return cloneSagaError(ErrNotFound, fmt.Sprintf("saga %s not found", sagaID), nil,
		map[string]any{"saga_id": sagaID})
}

// NewDuplicate is returned by stores when Create meets an existing id.
func NewDuplicate(sagaID string) *apperrors.Error {
	return cloneSagaError(ErrDuplicate, fmt.Sprintf("saga %s already exists", sagaID), nil,
		map[string]any{"saga_id": sagaID})
}

// NewPersistenceError wraps a storage failure. Errors that already carry a
// saga code are returned unchanged.
func NewPersistenceError(op, sagaID string, source error) *apperrors.Error {
	var ge *apperrors.Error
	if stderrors.As(source, &ge) && strings.HasPrefix(ge.TextCode, "SAGA_") {
		return ge
	}
	return cloneSagaError(ErrPersistenceFailed,
		fmt.Sprintf("saga store %s failed for %s", op, sagaID), source,
		map[string]any{"saga_id": sagaID, "operation": op})
}

func asSagaError(err error) *apperrors.Error {
	if err == nil {
		return nil
	}
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge
	}
	return cloneSagaError(ErrStepFailed, err.Error(), err, nil)
}
