package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/jidegrand/travelcart/internal/signal"
)

// NotificationType enumerates alert kinds.
type NotificationType string

const (
	NotifyTargetHit    NotificationType = "target_hit"
	NotifyPriceDrop    NotificationType = "price_drop"
	NotifySpikeWarning NotificationType = "spike_warning"
	NotifyLowSeats     NotificationType = "low_seats"
	NotifyFallback     NotificationType = "fallback"
)

// Urgency controls throttling of a notification.
type Urgency string

const (
	UrgencyHigh   Urgency = "high"
	UrgencyMedium Urgency = "medium"
)

// HoldState records a price hold. It is informational only.
type HoldState struct {
	Active    bool                `json:"active"`
	Price     decimal.NullDecimal `json:"price"`
	Fee       decimal.NullDecimal `json:"fee"`
	ExpiresAt *time.Time          `json:"expiresAt,omitempty"`
}

// Watch is a tracked route/date/party request.
type Watch struct {
	ID            string     `json:"id"`
	Origin        string     `json:"origin"`
	Destination   string     `json:"destination"`
	DepartureDate time.Time  `json:"departureDate"`
	ReturnDate    *time.Time `json:"returnDate,omitempty"`
	Travelers     int        `json:"travelers"`
	Currency      string     `json:"currency"`

	TargetPrice   decimal.Decimal `json:"targetPrice"`
	BaselinePrice decimal.Decimal `json:"baselinePrice"`
	CurrentPrice  decimal.Decimal `json:"currentPrice"`

	Signal        signal.Signal       `json:"signal"`
	SignalReason  string              `json:"signalReason"`
	Confidence    signal.Confidence   `json:"confidence"`
	ExpectedPrice decimal.NullDecimal `json:"expectedPrice"`
	OptimalWindow *signal.Window      `json:"optimalWindow,omitempty"`
	FallbackDate  *time.Time          `json:"fallbackDate,omitempty"`

	Hold        HoldState  `json:"hold"`
	LastChecked *time.Time `json:"lastChecked,omitempty"`
	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Route renders the watch as ORIGIN→DESTINATION.
func (w Watch) Route() string {
	return w.Origin + "→" + w.Destination
}

// ApplyDecision returns a copy of w with the price and every derived signal
// field replaced together. Baseline, target and hold are left untouched.
func (w Watch) ApplyDecision(price decimal.Decimal, d signal.Decision, checkedAt time.Time) Watch {
	next := w
	next.CurrentPrice = price
	next.Signal = d.Signal
	next.SignalReason = d.Reason
	next.Confidence = d.Confidence
	next.ExpectedPrice = d.ExpectedPrice
	next.OptimalWindow = nil
	if d.Window != nil {
		window := *d.Window
		next.OptimalWindow = &window
	}
	next.FallbackDate = nil
	if d.FallbackDate != nil {
		fallback := *d.FallbackDate
		next.FallbackDate = &fallback
	}
	checked := checkedAt.UTC()
	next.LastChecked = &checked
	return next
}

// PriceSample is one immutable fare observation.
type PriceSample struct {
	ID             int64           `json:"id"`
	WatchID        string          `json:"watchId"`
	Price          decimal.Decimal `json:"price"`
	SeatsAvailable *int            `json:"seatsAvailable,omitempty"`
	RecordedAt     time.Time       `json:"recordedAt"`
}

// Notification is one persisted alert; it also serves as the throttle ledger.
type Notification struct {
	ID        int64            `json:"id"`
	WatchID   string           `json:"watchId"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Body      string           `json:"body"`
	Urgency   Urgency          `json:"urgency"`
	CreatedAt time.Time        `json:"createdAt"`
}

// Preferences are user-editable watch fields.
type Preferences struct {
	TargetPrice *decimal.Decimal
	Hold        *HoldState
}
