package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Role distinguishes the two sides of the marketplace.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleWorker   Role = "worker"
)

// Identity names one device on one side; the gateway keeps at most one
// live connection per identity.
type Identity struct {
	DeviceID string `json:"device_id"`
	Role     Role   `json:"role"`
}

func (i Identity) Key() string { return string(i.Role) + ":" + i.DeviceID }

type BookingStatus string

const (
	BookingPending    BookingStatus = "pending"
	BookingDispatched BookingStatus = "dispatched" // server internal, reported as pending
	BookingAccepted   BookingStatus = "accepted"
	BookingInProgress BookingStatus = "in_progress"
	BookingCompleted  BookingStatus = "completed"
	BookingCancelled  BookingStatus = "cancelled"
)

// Terminal reports whether no further status transition is permitted.
func (s BookingStatus) Terminal() bool {
	return s == BookingCompleted || s == BookingCancelled
}

// Public maps the server-internal dispatched state to what clients observe.
func (s BookingStatus) Public() BookingStatus {
	if s == BookingDispatched {
		return BookingPending
	}
	return s
}

type ScheduleMode string

const (
	ScheduleImmediate ScheduleMode = "immediate"
	ScheduleAt        ScheduleMode = "scheduled"
)

type PaymentStatus string

const (
	PaymentUnpaid   PaymentStatus = "unpaid"
	PaymentHeld     PaymentStatus = "held"
	PaymentCaptured PaymentStatus = "captured"
	PaymentReleased PaymentStatus = "released"
)

type Booking struct {
	ID              string        `json:"id"`
	RequesterID     string        `json:"requester_id"`
	WorkerID        string        `json:"worker_id,omitempty"` // empty until matched
	Category        string        `json:"category"`
	Price           float64       `json:"price"`
	Address         string        `json:"address"`
	Location        Coord         `json:"location"`
	Schedule        ScheduleMode  `json:"schedule"`
	ScheduledAt     time.Time     `json:"scheduled_at,omitzero"`
	Status          BookingStatus `json:"status"`
	PaymentStatus   PaymentStatus `json:"payment_status"`
	PaymentIntentID string        `json:"payment_intent_id,omitempty"`
	Version         int64         `json:"version"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

type NotificationCategory string

const (
	NotifyBooking      NotificationCategory = "booking"
	NotifyPayment      NotificationCategory = "payment"
	NotifyVerification NotificationCategory = "verification"
	NotifySystem       NotificationCategory = "system"
	NotifyPromotion    NotificationCategory = "promotion"
)

// NotificationEvent is the unit of the notification pipeline. ID is the
// dedup key: the same id may arrive over more than one delivery channel
// and must never alert twice.
type NotificationEvent struct {
	ID        string               `json:"id"`
	Recipient Identity             `json:"recipient"`
	Category  NotificationCategory `json:"category"`
	Title     string               `json:"title"`
	Body      string               `json:"body"`
	Status    string               `json:"status,omitempty"` // e.g. "accepted"
	Read      bool                 `json:"read"`
	CreatedAt time.Time            `json:"created_at"`
}

// LocationSample is one fix from a device location provider. Samples are
// not persisted beyond the live tracking window.
type LocationSample struct {
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Timestamp time.Time `json:"timestamp"`
	AccuracyM float64   `json:"accuracy_m"`
}

func (s LocationSample) Coord() Coord { return Coord{Lat: s.Lat, Lon: s.Lon} }

// RouteState is derived, ephemeral tracking state for one session.
type RouteState struct {
	Polyline          []Coord   `json:"polyline,omitempty"`
	DistanceRemaining float64   `json:"distance_remaining"`
	DistanceTraveled  float64   `json:"distance_traveled"`
	ETASeconds        float64   `json:"eta_seconds"`
	LastRecalculated  time.Time `json:"last_recalculated"`
}

// Worker is a candidate as the matcher sees it: position plus the metadata
// needed to filter and rank.
type Worker struct {
	ID       string    `json:"id"`
	Loc      Coord     `json:"loc"`
	Category string    `json:"category"`
	Online   bool      `json:"online"`
	Updated  time.Time `json:"updated"`
}

// Candidate is one search result: a worker with its distance and ETA
// estimate relative to the requester.
type Candidate struct {
	Worker     Worker  `json:"worker"`
	DistanceM  float64 `json:"distance_m"`
	ETASeconds float64 `json:"eta_seconds"`
}

// VerificationDocs is a worker's verification submission. DrivingLicense
// is the only optional document.
type VerificationDocs struct {
	Category       string
	Citizenship    []byte
	ServiceCert    []byte
	ExperienceCert []byte
	DrivingLicense []byte
}
