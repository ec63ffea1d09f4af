package store

import (
	"errors"

	"github.com/kilianp07/fleetjobs/core/fleeterr"
)

// AsConflict turns a lost compare-and-set into a ConcurrencyConflict and
// leaves other errors untouched.
func AsConflict(err error, format string, args ...any) error {
	if errors.Is(err, ErrVersionConflict) {
		return fleeterr.Conflict(fleeterr.ReasonStale, format, args...)
	}
	return err
}

// AsUnknown turns ErrNotFound into a ValidationError with reason.
func AsUnknown(err error, reason fleeterr.Reason, what string) error {
	if errors.Is(err, ErrNotFound) {
		return fleeterr.Validation(reason, "%s", what)
	}
	return err
}
