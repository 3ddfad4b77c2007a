package ride

import (
	"errors"
	"fmt"
)

// Category is the error taxonomy from spec §7. internal/api maps each
// category to an HTTP status; every other package only ever returns (or
// wraps) one of these.
type Category string

const (
	CategoryValidation     Category = "validation"
	CategoryUnauthorized   Category = "unauthorized"
	CategoryNotFound       Category = "not_found"
	CategoryConflict       Category = "conflict"
	CategoryLockContention Category = "lock_contention"
	CategoryTimeout        Category = "timeout"
	CategoryUnavailable    Category = "unavailable"
)

// ConflictKind distinguishes which resource a CategoryConflict error refers
// to, for the few call sites (internal/match's ride_conflict vs
// driver_conflict handling, spec §4.3 step 2b) where the category alone
// isn't enough to decide what the caller should do next.
type ConflictKind string

const (
	ConflictRide   ConflictKind = "ride_conflict"
	ConflictDriver ConflictKind = "driver_conflict"
)

// Error is the single error type that crosses package boundaries.
type Error struct {
	Category Category
	Message  string
	Cause    error
	Conflict ConflictKind
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newErr(cat Category, msg string, cause error) *Error {
	return &Error{Category: cat, Message: msg, Cause: cause}
}

func Validation(msg string) *Error          { return newErr(CategoryValidation, msg, nil) }
func Validationf(format string, a ...any) *Error {
	return newErr(CategoryValidation, fmt.Sprintf(format, a...), nil)
}
func Unauthorized(msg string) *Error { return newErr(CategoryUnauthorized, msg, nil) }
func NotFound(msg string) *Error     { return newErr(CategoryNotFound, msg, nil) }
func Conflict(msg string) *Error     { return newErr(CategoryConflict, msg, nil) }
func Conflictf(format string, a ...any) *Error {
	return newErr(CategoryConflict, fmt.Sprintf(format, a...), nil)
}

// RideConflict and DriverConflict are CategoryConflict errors tagged with
// which row the conflict was on, per spec §4.3 step 2b: a driver_conflict
// means try the next candidate; a ride_conflict means abort the whole
// matching attempt (someone else already resolved this ride).
func RideConflict(msg string) *Error {
	return &Error{Category: CategoryConflict, Message: "ride_conflict: " + msg, Conflict: ConflictRide}
}
func DriverConflict(msg string) *Error {
	return &Error{Category: CategoryConflict, Message: "driver_conflict: " + msg, Conflict: ConflictDriver}
}
func LockContention(msg string) *Error { return newErr(CategoryLockContention, msg, nil) }
func Timeout(msg string, cause error) *Error {
	return newErr(CategoryTimeout, msg, cause)
}
func Unavailable(msg string, cause error) *Error {
	return newErr(CategoryUnavailable, msg, cause)
}

// CategoryOf extracts the category from err, defaulting to unavailable for
// errors that didn't originate from this package (e.g. a raw driver error
// that escaped a collaborator boundary it shouldn't have).
func CategoryOf(err error) Category {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Category
	}
	return CategoryUnavailable
}

// IsRideConflict reports whether err is a CategoryConflict error specifically
// on the ride row (as opposed to the driver row) — see RideConflict.
func IsRideConflict(err error) bool {
	var rerr *Error
	return errors.As(err, &rerr) && rerr.Conflict == ConflictRide
}
