package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jidegrand/travelcart/internal/fare"
	"github.com/jidegrand/travelcart/internal/service"
	"github.com/jidegrand/travelcart/internal/storage"
)

// SimulateOptions script a fare sequence for one route.
type SimulateOptions struct {
	Origin        string
	Destination   string
	DepartureDate time.Time
	TargetPrice   *decimal.Decimal
	Prices        []decimal.Decimal
	Seats         *int
}

// SimulateAlert replays Prices against an in-memory watch and prints the
// decision and notifications of every step. Notifications go out through
// the configured channels when alerting is enabled.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if len(opts.Prices) == 0 {
		return errors.New("at least one price is required")
	}

	provider := fare.NewStatic(a.Config.Provider.Currency)
	provider.SetRoute(opts.Origin, opts.Destination, fare.StaticRoute{Prices: opts.Prices, Seats: opts.Seats})

	notifier, closeNotifier := a.newNotifier()
	defer closeNotifier()

	store := storage.NewMemoryStore()
	svc := service.New(service.Deps{
		Provider: provider,
		Store:    store,
		Notifier: notifier,
	}, service.OptionsFromConfig(a.Config), a.Logger)

	w, err := svc.CreateWatch(ctx, service.NewWatch{
		Origin:        opts.Origin,
		Destination:   opts.Destination,
		DepartureDate: opts.DepartureDate,
		TargetPrice:   opts.TargetPrice,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "watch %s target %s\n", w.Route(), w.TargetPrice.StringFixed(2))
	a.printStep(0, w)

	for step := 1; step < len(opts.Prices); step++ {
		report, err := svc.RunOnce(ctx)
		if err != nil {
			return err
		}
		for _, msg := range report.Errors {
			fmt.Fprintf(a.Out, "  error: %s\n", msg)
		}
		if w, err = store.GetWatch(ctx, w.ID); err != nil {
			return err
		}
		a.printStep(step, w)
	}

	notes, err := store.ListRecentNotifications(ctx, w.ID, len(opts.Prices)*5)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "\n%d notification(s)\n", len(notes))
	for i := len(notes) - 1; i >= 0; i-- {
		n := notes[i]
		fmt.Fprintf(a.Out, "  [%s/%s] %s: %s\n", n.Type, n.Urgency, n.Title, sanitizeInline(n.Body))
	}
	return nil
}

func (a *App) printStep(step int, w storage.Watch) {
	fmt.Fprintf(a.Out, "#%d %s %s %s (%s) %s\n",
		step, w.CurrentPrice.StringFixed(2), w.Currency, w.Signal, w.Confidence, sanitizeInline(w.SignalReason))
}
