// Package errors wraps github.com/cockroachdb/errors and defines the error
// taxonomy shared by the research pipeline.
//
// Wrap at every boundary and classify with Mark so callers can branch with Is:
//
//	if err := fetch(ctx); err != nil {
//	    return errors.Mark(errors.Wrap(err, "search provider"), errors.ErrProvider)
//	}
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	WithHint     = crdb.WithHint
	WithHintf    = crdb.WithHintf
	WithDetail   = crdb.WithDetail
	WithDetailf  = crdb.WithDetailf
	Mark         = crdb.Mark

	WithSecondary = crdb.WithSecondaryError
	CombineErrors = crdb.CombineErrors
)

var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	FlattenHints   = crdb.FlattenHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenDetails = crdb.FlattenDetails
)

// Pipeline error classes. Mark concrete errors with one of these and test
// with Is.
var (
	// ErrValidation is bad submission input. The job is never created.
	ErrValidation = New("validation failed")

	// ErrProvider is a search, fetch, embedding or language model backend failure.
	ErrProvider = New("provider failure")

	// ErrStageFailure is a stage that produced no usable output after retries.
	ErrStageFailure = New("stage failure")

	// ErrGuardRejection is an expected quality filter outcome, not a failure.
	ErrGuardRejection = New("guard rejection")

	ErrTimeout   = New("operation timed out")
	ErrCancelled = New("operation cancelled")

	ErrNotFound       = New("not found")
	ErrConflict       = New("resource conflict")
	ErrQuotaExceeded  = New("quota exceeded")
	ErrServiceUnavail = New("service unavailable")
	ErrGone           = New("resource expired")
)

// StageError carries the pipeline stage that failed a job.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return e.Stage + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error { return e.Err }

// NewStageError marks err as a stage failure for stage.
func NewStageError(stage string, err error) error {
	return Mark(&StageError{Stage: stage, Err: err}, ErrStageFailure)
}

// StageOf returns the stage recorded on err, or fallback.
func StageOf(err error, fallback string) string {
	var stageErr *StageError
	if As(err, &stageErr) && stageErr.Stage != "" {
		return stageErr.Stage
	}
	return fallback
}

// Validationf builds an ErrValidation-marked error.
func Validationf(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrValidation)
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	return err != nil && Is(err, ErrValidation)
}

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}
