// Package fleeterr defines the error kinds returned by the fleet engines.
//
// Errors are built on github.com/cockroachdb/errors so they carry stack
// traces and user hints. Callers classify failures with KindOf and ReasonOf
// rather than matching on messages:
//
//	if fleeterr.ReasonOf(err) == fleeterr.ReasonRadius {
//	    // may be retried with manual override
//	}
package fleeterr

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Kind classifies an engine failure.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindConstraint
	KindConflict
	KindExternalStore
	KindUnresolvable
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindConstraint:
		return "ConstraintViolation"
	case KindConflict:
		return "ConcurrencyConflict"
	case KindExternalStore:
		return "ExternalStoreError"
	case KindUnresolvable:
		return "UnresolvableLocation"
	default:
		return "Unknown"
	}
}

// Reason narrows a Kind down to the rule that failed.
type Reason string

const (
	ReasonUnknownDriver     Reason = "UnknownDriver"
	ReasonUnknownJob        Reason = "UnknownJob"
	ReasonUnknownCluster    Reason = "UnknownCluster"
	ReasonUnknownBatch      Reason = "UnknownBatch"
	ReasonMissingPostcode   Reason = "MissingPostcode"
	ReasonDriverMismatch    Reason = "DriverMismatch"
	ReasonDriverUnavailable Reason = "DriverUnavailable"
	ReasonJobCompleted      Reason = "JobCompleted"
	ReasonNotAssigned       Reason = "NotAssigned"
	ReasonEmptyBatch        Reason = "EmptyBatch"
	ReasonInvalidInput      Reason = "InvalidInput"
	ReasonRadius            Reason = "Radius"
	ReasonCapacity          Reason = "Capacity"
	ReasonNoEligibleDriver  Reason = "NoEligibleDriver"
	ReasonAlreadyBatched    Reason = "AlreadyBatched"
	ReasonAlreadyClustered  Reason = "AlreadyClustered"
	ReasonStale             Reason = "Stale"
	ReasonRunInProgress     Reason = "RunInProgress"
)

// Error is the concrete error carried inside the wrapping chain.
type Error struct {
	Kind   Kind
	Reason Reason
	Msg    string
	cause  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Reason != "" {
		msg += "(" + string(e.Reason) + ")"
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error { return e.cause }

func newErr(kind Kind, reason Reason, cause error, format string, args ...any) error {
	return errors.WithStackDepth(&Error{
		Kind:   kind,
		Reason: reason,
		Msg:    fmt.Sprintf(format, args...),
		cause:  cause,
	}, 2)
}

// Validation reports malformed input or a reference to something unknown.
func Validation(reason Reason, format string, args ...any) error {
	return newErr(KindValidation, reason, nil, format, args...)
}

// Constraint reports a business rule refusal such as radius or capacity.
func Constraint(reason Reason, format string, args ...any) error {
	err := newErr(KindConstraint, reason, nil, format, args...)
	switch reason {
	case ReasonRadius:
		return errors.WithHint(err, "retry with manual override to bypass the radius check")
	case ReasonCapacity:
		return errors.WithHint(err, "unassign or complete one of the driver's jobs first")
	}
	return err
}

// Conflict reports that a precondition read earlier no longer holds.
func Conflict(reason Reason, format string, args ...any) error {
	return newErr(KindConflict, reason, nil, format, args...)
}

// ExternalStore wraps a persistence failure that survived retries.
func ExternalStore(cause error, op string) error {
	if cause == nil {
		return nil
	}
	return newErr(KindExternalStore, "", cause, "%s", op)
}

// Unresolvable reports a postcode the geocoder could not place.
func Unresolvable(postcode string, cause error) error {
	return newErr(KindUnresolvable, "", cause, "postcode %q", postcode)
}

// From extracts the classified error from err's chain.
func From(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// KindOf returns the kind of err, or zero when err is unclassified.
func KindOf(err error) Kind {
	if fe, ok := From(err); ok {
		return fe.Kind
	}
	return 0
}

// ReasonOf returns the reason attached to err.
func ReasonOf(err error) Reason {
	if fe, ok := From(err); ok {
		return fe.Reason
	}
	return ""
}

// IsKind reports whether err carries kind k.
func IsKind(err error, k Kind) bool { return err != nil && KindOf(err) == k }

// Hints returns the user facing hints attached to err.
func Hints(err error) []string { return errors.GetAllHints(err) }
