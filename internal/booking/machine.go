// Package booking implements the booking lifecycle: the shared transition
// table, the client-side mirror that applies realtime events idempotently,
// and the REST client used to create bookings and resync after outages.
package booking

import "github.com/example/servlink/internal/models"

// transitions is the canonical lifecycle. dispatched is server-internal
// and collapses into pending for clients; cancellation is reachable from
// every non-terminal state.
var transitions = map[models.BookingStatus][]models.BookingStatus{
	models.BookingPending:    {models.BookingDispatched, models.BookingAccepted, models.BookingCancelled},
	models.BookingDispatched: {models.BookingAccepted, models.BookingCancelled},
	models.BookingAccepted:   {models.BookingInProgress, models.BookingCancelled},
	models.BookingInProgress: {models.BookingCompleted},
	models.BookingCompleted:  {},
	models.BookingCancelled:  {},
}

// ValidTransition reports whether from → to is a legal move. Same-state
// "transitions" are not valid; callers treat them as replays.
func ValidTransition(from, to models.BookingStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
