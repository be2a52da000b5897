package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jidegrand/travelcart/internal/storage"
)

// Show prints recent watches, or one watch's samples and notifications.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errNoDatabase
	}
	defer closeStore()

	return a.show(ctx, store, opts)
}

func (a *App) show(ctx context.Context, repo storage.Repository, opts ShowOptions) error {
	if opts.WatchID == "" {
		return a.showWatches(ctx, repo, opts.Limit)
	}
	return a.showHistory(ctx, repo, opts.WatchID, opts.Limit)
}

func (a *App) showWatches(ctx context.Context, repo storage.Repository, limit int) error {
	watches, err := repo.ListWatches(ctx, limit)
	if err != nil {
		return err
	}
	if len(watches) == 0 {
		fmt.Fprintln(a.Out, "no watches found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tRoute\tDeparture\tCurrent\tTarget\tSignal\tConfidence\tLast checked")
	for _, w := range watches {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			w.ID,
			w.Route(),
			w.DepartureDate.Format(time.DateOnly),
			w.CurrentPrice.StringFixed(2),
			w.TargetPrice.StringFixed(2),
			w.Signal,
			w.Confidence,
			formatOptionalTime(w.LastChecked),
		)
	}
	return writer.Flush()
}

func (a *App) showHistory(ctx context.Context, repo storage.Repository, id string, limit int) error {
	w, err := repo.GetWatch(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "%s departing %s: %s (%s)\n%s\n\n",
		w.Route(), w.DepartureDate.Format(time.DateOnly), w.Signal, w.Confidence, sanitizeInline(w.SignalReason))

	samples, err := repo.RecentSamples(ctx, id, limit)
	if err != nil {
		return err
	}
	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Recorded (UTC)\tPrice\tSeats")
	for _, s := range samples {
		seats := "-"
		if s.SeatsAvailable != nil {
			seats = strconv.Itoa(*s.SeatsAvailable)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\n", s.RecordedAt.UTC().Format(time.RFC3339), s.Price.StringFixed(2), seats)
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	notes, err := repo.ListRecentNotifications(ctx, id, limit)
	if err != nil {
		return err
	}
	if len(notes) == 0 {
		fmt.Fprintln(a.Out, "\nno notifications")
		return nil
	}
	fmt.Fprintln(a.Out)
	writer = tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Sent (UTC)\tType\tUrgency\tTitle")
	for _, n := range notes {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n", n.CreatedAt.UTC().Format(time.RFC3339), n.Type, n.Urgency, sanitizeInline(n.Title))
	}
	return writer.Flush()
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
