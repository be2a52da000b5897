package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/jidegrand/travelcart/internal/storage"
)

// DefaultWindow is the same-type suppression window.
const DefaultWindow = 24 * time.Hour

// Ledger is the read side of the notification store used for throttling.
type Ledger interface {
	LatestNotification(ctx context.Context, watchID string, typ storage.NotificationType, since time.Time) (*storage.Notification, error)
}

// Throttle suppresses non-urgent notifications that already fired within
// the window for the same watch and type. High urgency always passes.
type Throttle struct {
	ledger Ledger
	window time.Duration
}

// NewThrottle builds a Throttle; a non-positive window falls back to DefaultWindow.
func NewThrottle(ledger Ledger, window time.Duration) *Throttle {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Throttle{ledger: ledger, window: window}
}

// Filter returns the candidates that should be persisted and delivered.
func (t *Throttle) Filter(ctx context.Context, now time.Time, candidates []storage.Notification) ([]storage.Notification, error) {
	since := now.Add(-t.window)
	kept := make([]storage.Notification, 0, len(candidates))
	for _, c := range candidates {
		if c.Urgency == storage.UrgencyHigh {
			kept = append(kept, c)
			continue
		}
		recent, err := t.ledger.LatestNotification(ctx, c.WatchID, c.Type, since)
		if err != nil {
			return nil, fmt.Errorf("lookup recent %s notification: %w", c.Type, err)
		}
		if recent != nil {
			continue
		}
		kept = append(kept, c)
	}
	return kept, nil
}
