package alarms

import "errors"

var (
	// ErrNotFound indicates a missing rule record.
	ErrNotFound = errors.New("alarm rule: not found")
	// ErrInvalidRule wraps rule validation failures.
	ErrInvalidRule = errors.New("alarm rule: invalid")
	// ErrDataUnavailable is reported when a required snapshot comes back empty.
	ErrDataUnavailable = errors.New("alarm rule: data unavailable")
)
