package events

import (
	"encoding/json"
	"time"

	"github.com/example/servlink/internal/models"
)

// Event names carried on the wire and on the in-process bus. Payloads for
// a single booking id are applied in the order the backend committed them;
// duplicates and replays must be no-ops downstream.
const (
	BookingRequest   = "booking:request"
	BookingAccepted  = "booking:accepted"
	BookingStarted   = "booking:started"
	BookingCompleted = "booking:completed"
	BookingCancelled = "booking:cancelled"

	WorkerLocation = "worker:location"
	RouteUpdated   = "route:updated"

	NotificationNew      = "notification:new"
	NotificationRead     = "notification:read"
	NotificationDeleted  = "notification:deleted"
	NotificationsCleared = "notifications:cleared"

	DocVerificationUpdated      = "document:verification:updated"
	CategoryVerificationUpdated = "category:verification:updated"
	CategoryVerificationSubmit  = "category:verification:submitted"

	// ConnResync is synthetic and client-local: the connection manager
	// publishes it after every transition into connected so subscribers
	// re-fetch authoritative state instead of trusting missed events.
	ConnResync = "conn:resync"
)

// Envelope frames every event. Seq is assigned by the sender and is
// monotonic per booking id; Payload stays raw until a subscriber decodes
// it into the typed struct for the event name.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Seq     uint64          `json:"seq,omitempty"`
	TS      time.Time       `json:"ts"`
}

// NewEnvelope marshals payload and stamps the envelope.
func NewEnvelope(event string, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Payload: b, TS: time.Now().UTC()}, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error { return json.Unmarshal(e.Payload, v) }

type BookingRequestPayload struct {
	BookingID string        `json:"booking_id"`
	Category  string        `json:"category"`
	Price     float64       `json:"price"`
	Address   string        `json:"address"`
	Location  models.Coord  `json:"location"`
	ExpiresAt time.Time     `json:"expires_at,omitzero"`
}

type BookingAcceptedPayload struct {
	BookingID  string  `json:"booking_id"`
	WorkerID   string  `json:"worker_id"`
	WorkerName string  `json:"worker_name,omitempty"`
	ETASeconds float64 `json:"eta_seconds,omitempty"`
}

type BookingStatusPayload struct {
	BookingID string `json:"booking_id"`
	Reason    string `json:"reason,omitempty"`
}

type WorkerLocationPayload struct {
	BookingID         string       `json:"booking_id"`
	Location          models.Coord `json:"location"`
	DistanceTraveled  float64      `json:"distance_traveled"`
	DistanceRemaining float64      `json:"distance_remaining"`
	ETASeconds        float64      `json:"eta_seconds"`
}

type RouteUpdatedPayload struct {
	BookingID string         `json:"booking_id"`
	Polyline  []models.Coord `json:"polyline"`
	DistanceM float64        `json:"distance_m"`
	Duration  float64        `json:"duration_s"`
}

type NotificationReadPayload struct {
	ID string `json:"id"`
}

type NotificationsClearedPayload struct {
	Recipient models.Identity `json:"recipient"`
}

type VerificationPayload struct {
	Category string `json:"category"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
}
