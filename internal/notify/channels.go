package notify

import "github.com/example/servlink/internal/models"

// The four delivery channels a first-time notification fans out to. Each
// is independent: a failure in one never blocks the others. Implementations
// live in the apps (OS sound, haptics, system notifications, UI banners);
// tests use fakes.

type Sounder interface {
	Play(category models.NotificationCategory, status string) error
}

type Haptics interface {
	Vibrate(urgency Urgency) error
}

// Pusher raises a local/system notification so delivery stays visible when
// the app is backgrounded or killed.
type Pusher interface {
	Push(n models.NotificationEvent) error
}

// Banner shows the in-app transient toast when foregrounded.
type Banner interface {
	Show(n models.NotificationEvent, tone Tone) error
}

type Urgency string

const (
	UrgencyHigh   Urgency = "high"
	UrgencyNormal Urgency = "normal"
	UrgencyLow    Urgency = "low"
)

// Tone is the classification driving toast color and urgency.
type Tone struct {
	Color   string
	Urgency Urgency
}

// Classify maps a notification category to its presentation tone.
func Classify(category models.NotificationCategory) Tone {
	switch category {
	case models.NotifyBooking:
		return Tone{Color: "#2563eb", Urgency: UrgencyHigh}
	case models.NotifyPayment:
		return Tone{Color: "#16a34a", Urgency: UrgencyNormal}
	case models.NotifyVerification:
		return Tone{Color: "#d97706", Urgency: UrgencyNormal}
	case models.NotifyPromotion:
		return Tone{Color: "#9333ea", Urgency: UrgencyLow}
	default:
		return Tone{Color: "#6b7280", Urgency: UrgencyNormal}
	}
}
