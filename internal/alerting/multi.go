package alerting

import (
	"context"
	"errors"
	"fmt"

	"github.com/jidegrand/travelcart/internal/storage"
)

// Multi fans a notification out to every channel. All channels are
// attempted; their errors are joined.
type Multi map[string]Notifier

// Notify delivers note to each channel.
func (m Multi) Notify(ctx context.Context, note storage.Notification) error {
	var errs []error
	for name, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(context.Context, storage.Notification) error { return nil }

var (
	_ Notifier = Multi(nil)
	_ Notifier = Nop{}
)
