package models

import "fmt"

// ErrorKind classifies processing failures.
type ErrorKind string

const (
	KindInsufficientData              ErrorKind = "insufficient_data"
	KindNoSecondChannel               ErrorKind = "no_second_channel"
	KindInsufficientCalibrationPoints ErrorKind = "insufficient_calibration_points"
	KindUncalibratedRegistration      ErrorKind = "uncalibrated_registration"
	KindGeometryConstraintViolation   ErrorKind = "geometry_constraint_violation"
	KindResourceExhausted             ErrorKind = "resource_exhausted"
	KindInvalidDataset                ErrorKind = "invalid_dataset"
	KindCancelled                     ErrorKind = "cancelled"
	KindBusy                          ErrorKind = "busy"
	KindNotFound                      ErrorKind = "not_found"
)

// Error is the error type returned by every processing operation.
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Cause   error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil {
		return "unknown processing error"
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Op != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Op, msg)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, msg)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target is an *Error of the same kind, so that
// errors.Is(err, ErrNoSecondChannel) matches any error of that kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Kind == t.Kind
}

// Errorf builds an *Error of the given kind for operation op.
func Errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind around cause.
func Wrap(kind ErrorKind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Cause: cause}
}

var (
	// ErrInsufficientData marks a documented no-op: the input had too few
	// spots and is returned unchanged.
	ErrInsufficientData = &Error{Kind: KindInsufficientData}

	ErrNoSecondChannel               = &Error{Kind: KindNoSecondChannel}
	ErrInsufficientCalibrationPoints = &Error{Kind: KindInsufficientCalibrationPoints}
	ErrUncalibratedRegistration      = &Error{Kind: KindUncalibratedRegistration}
	ErrGeometryConstraintViolation   = &Error{Kind: KindGeometryConstraintViolation}

	// ErrResourceExhausted is only used inside the drift estimator to
	// switch to its streaming mode.
	ErrResourceExhausted = &Error{Kind: KindResourceExhausted}

	ErrInvalidDataset = &Error{Kind: KindInvalidDataset}
	ErrCancelled      = &Error{Kind: KindCancelled}
	ErrBusy           = &Error{Kind: KindBusy}
	ErrNotFound       = &Error{Kind: KindNotFound}
)
