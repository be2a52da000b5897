package trigger

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jidegrand/travelcart/internal/storage"
)

var now = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func watchAt(price, target int64) storage.Watch {
	return storage.Watch{
		ID:           "w1",
		Origin:       "JFK",
		Destination:  "LHR",
		Currency:     "USD",
		TargetPrice:  decimal.NewFromInt(target),
		CurrentPrice: decimal.NewFromInt(price),
	}
}

func types(notes []storage.Notification) []storage.NotificationType {
	out := make([]storage.NotificationType, 0, len(notes))
	for _, n := range notes {
		out = append(out, n.Type)
	}
	return out
}

func has(notes []storage.Notification, typ storage.NotificationType) bool {
	for _, n := range notes {
		if n.Type == typ {
			return true
		}
	}
	return false
}

func TestEvaluateScenarioAPriceDrop(t *testing.T) {
	notes := Evaluate(watchAt(1000, 850), watchAt(940, 850), storage.PriceSample{}, now)
	if len(notes) != 1 || notes[0].Type != storage.NotifyPriceDrop {
		t.Fatalf("expected only price_drop, got %v", types(notes))
	}
	if notes[0].Urgency != storage.UrgencyMedium {
		t.Fatalf("price_drop should be medium urgency")
	}
	if notes[0].Title != "JFK→LHR dropped 6%" {
		t.Fatalf("unexpected title %q", notes[0].Title)
	}
	if !strings.Contains(notes[0].Body, "$940") || !strings.Contains(notes[0].Body, "$1000") {
		t.Fatalf("unexpected body %q", notes[0].Body)
	}
}

func TestEvaluateScenarioBTargetHit(t *testing.T) {
	notes := Evaluate(watchAt(1000, 850), watchAt(800, 850), storage.PriceSample{}, now)
	if !has(notes, storage.NotifyTargetHit) {
		t.Fatalf("expected target_hit, got %v", types(notes))
	}
	// at or below target the drop trigger stays quiet
	if has(notes, storage.NotifyPriceDrop) {
		t.Fatalf("price_drop must not fire below target")
	}
}

func TestEvaluateTargetHitNeedsCrossing(t *testing.T) {
	notes := Evaluate(watchAt(800, 850), watchAt(790, 850), storage.PriceSample{}, now)
	if has(notes, storage.NotifyTargetHit) {
		t.Fatalf("target_hit must only fire when crossing the target")
	}
}

func TestEvaluateScenarioCSpike(t *testing.T) {
	for _, target := range []int64{500, 1050, 2000} {
		notes := Evaluate(watchAt(1000, target), watchAt(1100, target), storage.PriceSample{}, now)
		if !has(notes, storage.NotifySpikeWarning) {
			t.Fatalf("target %d: expected spike_warning, got %v", target, types(notes))
		}
	}
}

func TestEvaluateSpikeBelowThreshold(t *testing.T) {
	notes := Evaluate(watchAt(1000, 500), watchAt(1079, 500), storage.PriceSample{}, now)
	if has(notes, storage.NotifySpikeWarning) {
		t.Fatalf("7.9%% rise must not spike")
	}
}

func TestEvaluateLowSeats(t *testing.T) {
	four, five := 4, 5
	notes := Evaluate(watchAt(1000, 500), watchAt(1000, 500), storage.PriceSample{SeatsAvailable: &four}, now)
	if !has(notes, storage.NotifyLowSeats) {
		t.Fatalf("expected low_seats for 4 seats")
	}
	if !strings.HasPrefix(notes[0].Title, "Only 4 seats left") {
		t.Fatalf("unexpected title %q", notes[0].Title)
	}

	notes = Evaluate(watchAt(1000, 500), watchAt(1000, 500), storage.PriceSample{SeatsAvailable: &five}, now)
	if has(notes, storage.NotifyLowSeats) {
		t.Fatalf("5 seats must not trigger low_seats")
	}

	notes = Evaluate(watchAt(1000, 500), watchAt(1000, 500), storage.PriceSample{}, now)
	if len(notes) != 0 {
		t.Fatalf("unreported seats must not trigger, got %v", types(notes))
	}
}

func TestEvaluateFallbackCalendarEquality(t *testing.T) {
	prior := watchAt(1000, 500)
	sameDay := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	prior.FallbackDate = &sameDay

	if !has(Evaluate(prior, watchAt(1000, 500), storage.PriceSample{}, now), storage.NotifyFallback) {
		t.Fatalf("fallback should fire on the fallback date")
	}

	earlier := sameDay.AddDate(0, 0, -1)
	prior.FallbackDate = &earlier
	if has(Evaluate(prior, watchAt(1000, 500), storage.PriceSample{}, now), storage.NotifyFallback) {
		t.Fatalf("fallback must not fire after the fallback date")
	}
}

func TestEvaluateZeroOldPriceSkipsRelativeTriggers(t *testing.T) {
	notes := Evaluate(watchAt(0, 500), watchAt(900, 500), storage.PriceSample{}, now)
	if len(notes) != 0 {
		t.Fatalf("expected no notifications, got %v", types(notes))
	}
}

func TestMoney(t *testing.T) {
	cases := map[string]string{
		"USD": "$940",
		"EUR": "€940",
		"JPY": "940 JPY",
	}
	for currency, want := range cases {
		if got := Money(decimal.RequireFromString("939.5"), currency); got != want {
			t.Errorf("Money(%s) = %q, want %q", currency, got, want)
		}
	}
}

type ledgerStub struct {
	store *storage.MemoryStore
	err   error
	calls int
}

func (l *ledgerStub) LatestNotification(ctx context.Context, watchID string, typ storage.NotificationType, since time.Time) (*storage.Notification, error) {
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	return l.store.LatestNotification(ctx, watchID, typ, since)
}

// persist mimics the orchestrator: filter then insert what survived.
func persist(t *testing.T, ctx context.Context, throttle *Throttle, store *storage.MemoryStore, at time.Time, candidates []storage.Notification) []storage.Notification {
	t.Helper()
	kept, err := throttle.Filter(ctx, at, candidates)
	if err != nil {
		t.Fatalf("Filter: %v", err)
	}
	for _, n := range kept {
		n.CreatedAt = at
		if _, err := store.InsertNotification(ctx, n); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	return kept
}

func TestThrottleScenarioEIdempotence(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	throttle := NewThrottle(&ledgerStub{store: store}, 0)

	first := persist(t, ctx, throttle, store, now, Evaluate(watchAt(1000, 850), watchAt(940, 850), storage.PriceSample{}, now))
	if len(first) != 1 {
		t.Fatalf("first run should keep price_drop, got %v", types(first))
	}

	later := now.Add(6 * time.Hour)
	second := persist(t, ctx, throttle, store, later, Evaluate(watchAt(940, 850), watchAt(890, 850), storage.PriceSample{}, later))
	if len(second) != 0 {
		t.Fatalf("second run within window should be suppressed, got %v", types(second))
	}

	all, _ := store.ListRecentNotifications(ctx, "w1", 10)
	if len(all) != 1 {
		t.Fatalf("expected one persisted notification, got %d", len(all))
	}

	nextDay := now.Add(25 * time.Hour)
	third := persist(t, ctx, throttle, store, nextDay, Evaluate(watchAt(940, 850), watchAt(890, 850), storage.PriceSample{}, nextDay))
	if len(third) != 1 {
		t.Fatalf("outside the window price_drop should fire again, got %v", types(third))
	}
}

func TestThrottleHighUrgencyAlwaysPasses(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	ledger := &ledgerStub{store: store}
	throttle := NewThrottle(ledger, 24*time.Hour)

	for i := 0; i < 3; i++ {
		at := now.Add(time.Duration(i) * time.Minute)
		kept := persist(t, ctx, throttle, store, at, Evaluate(watchAt(1000, 850), watchAt(800, 850), storage.PriceSample{}, at))
		if !has(kept, storage.NotifyTargetHit) {
			t.Fatalf("run %d: target_hit suppressed", i)
		}
		kept = persist(t, ctx, throttle, store, at, Evaluate(watchAt(1000, 500), watchAt(1100, 500), storage.PriceSample{}, at))
		if !has(kept, storage.NotifySpikeWarning) {
			t.Fatalf("run %d: spike_warning suppressed", i)
		}
	}
	if ledger.calls != 0 {
		t.Fatalf("high urgency candidates should not consult the ledger")
	}
}

func TestThrottleLookupError(t *testing.T) {
	throttle := NewThrottle(&ledgerStub{err: errors.New("db down")}, time.Hour)
	candidates := []storage.Notification{{WatchID: "w1", Type: storage.NotifyPriceDrop, Urgency: storage.UrgencyMedium}}

	if _, err := throttle.Filter(context.Background(), now, candidates); err == nil {
		t.Fatal("expected lookup error")
	}
}
