// Package fault defines the error taxonomy shared across the dispatch core.
// Transient conditions (NotConnected, StaleTransition, ProviderUnavailable)
// are handled locally and never surfaced to the user; the rest are
// actionable and carry a specific message.
package fault

import "errors"

var (
	// ErrNotConnected: no live transport. Retry later, never drop silently.
	ErrNotConnected = errors.New("not connected")

	// ErrStaleTransition: event refers to a state the local machine has
	// already moved past. Ignored and logged, never an error to the user.
	ErrStaleTransition = errors.New("stale transition")

	// ErrRaceLost: the backend rejected an action because another actor
	// committed first. Surfaced as "no longer available".
	ErrRaceLost = errors.New("race lost")

	// ErrProviderUnavailable: directions/geocoding failed; tracking
	// degrades to raw coordinates instead of aborting.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrValidationFailed: malformed or incomplete submission, caught
	// locally before any network call.
	ErrValidationFailed = errors.New("validation failed")

	// ErrTimeout: a bounded wait was exceeded; the caller may retry.
	ErrTimeout = errors.New("timeout")
)

// Transient reports whether err is handled locally rather than surfaced.
func Transient(err error) bool {
	return errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrStaleTransition) ||
		errors.Is(err, ErrProviderUnavailable)
}
