package service

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jidegrand/travelcart/internal/fare"
	"github.com/jidegrand/travelcart/internal/signal"
	"github.com/jidegrand/travelcart/internal/storage"
)

var fixedNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type harness struct {
	svc      *Service
	store    *storage.MemoryStore
	provider *fare.Static
	now      time.Time
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		store:    storage.NewMemoryStore(),
		provider: fare.NewStatic("USD"),
		now:      fixedNow,
	}
	h.store.SetClock(func() time.Time { return h.now })
	h.svc = New(Deps{Provider: h.provider, Store: h.store}, withDefaults(opts), zerolog.Nop())
	h.svc.SetClock(func() time.Time { return h.now })
	return h
}

func withDefaults(opts Options) Options {
	if opts.HistoryDepth == 0 {
		opts.HistoryDepth = 5
	}
	if opts.CallTimeout == 0 {
		opts.CallTimeout = time.Second
	}
	if opts.MaxUpdateRetries == 0 {
		opts.MaxUpdateRetries = 3
	}
	if opts.ThrottleWindow == 0 {
		opts.ThrottleWindow = 24 * time.Hour
	}
	return opts
}

// seed stores a watch whose last observed fare is price.
func (h *harness) seed(t *testing.T, origin, destination string, daysOut int, price, target int64) storage.Watch {
	t.Helper()
	p := decimal.NewFromInt(price)
	w, err := h.store.CreateWatch(context.Background(), storage.Watch{
		Origin:        origin,
		Destination:   destination,
		DepartureDate: signal.AddDays(h.now, daysOut),
		Travelers:     1,
		Currency:      "USD",
		TargetPrice:   decimal.NewFromInt(target),
		BaselinePrice: p,
		CurrentPrice:  p,
		Signal:        signal.Wait,
		Confidence:    signal.Low,
	}, storage.PriceSample{Price: p, RecordedAt: h.now.Add(-6 * time.Hour)})
	require.NoError(t, err)
	return w
}

func (h *harness) script(origin, destination string, prices ...int64) {
	route := fare.StaticRoute{}
	for _, p := range prices {
		route.Prices = append(route.Prices, decimal.NewFromInt(p))
	}
	h.provider.SetRoute(origin, destination, route)
}

func (h *harness) notifications(t *testing.T, watchID string) []storage.Notification {
	t.Helper()
	notes, err := h.store.ListRecentNotifications(context.Background(), watchID, 100)
	require.NoError(t, err)
	return notes
}

func TestRunOnceScenarioAPriceDropWaits(t *testing.T) {
	h := newHarness(t, Options{})
	w := h.seed(t, "JFK", "LHR", 40, 1000, 850)
	h.script("JFK", "LHR", 940)

	report, err := h.svc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 1, report.Updated)
	assert.Equal(t, 1, report.NotificationsSent)
	assert.Empty(t, report.Errors)

	got, err := h.store.GetWatch(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, signal.Wait, got.Signal)
	assert.True(t, got.CurrentPrice.Equal(decimal.NewFromInt(940)))
	assert.True(t, got.BaselinePrice.Equal(decimal.NewFromInt(1000)))
	require.NotNil(t, got.LastChecked)

	notes := h.notifications(t, w.ID)
	require.Len(t, notes, 1)
	assert.Equal(t, storage.NotifyPriceDrop, notes[0].Type)
}

func TestRunOnceScenarioBTargetHit(t *testing.T) {
	h := newHarness(t, Options{})
	w := h.seed(t, "JFK", "LHR", 40, 1000, 850)
	h.script("JFK", "LHR", 800)

	_, err := h.svc.RunOnce(context.Background())
	require.NoError(t, err)

	got, err := h.store.GetWatch(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, signal.Buy, got.Signal)
	assert.Equal(t, signal.High, got.Confidence)

	notes := h.notifications(t, w.ID)
	require.Len(t, notes, 1)
	assert.Equal(t, storage.NotifyTargetHit, notes[0].Type)
}

func TestRunOnceScenarioCSpike(t *testing.T) {
	h := newHarness(t, Options{})
	w := h.seed(t, "JFK", "LHR", 40, 1000, 850)
	h.script("JFK", "LHR", 1100)

	_, err := h.svc.RunOnce(context.Background())
	require.NoError(t, err)

	got, err := h.store.GetWatch(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, signal.Spike, got.Signal)

	notes := h.notifications(t, w.ID)
	require.Len(t, notes, 1)
	assert.Equal(t, storage.NotifySpikeWarning, notes[0].Type)
	assert.Equal(t, storage.UrgencyHigh, notes[0].Urgency)
}

func TestRunOnceScenarioDImminentDeparture(t *testing.T) {
	h := newHarness(t, Options{})
	w := h.seed(t, "JFK", "LHR", 5, 1200, 900)
	h.script("JFK", "LHR", 1200)

	_, err := h.svc.RunOnce(context.Background())
	require.NoError(t, err)

	got, err := h.store.GetWatch(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, signal.Buy, got.Signal)
	assert.Contains(t, got.SignalReason, "5 days until departure")
}

func TestRunOnceScenarioEThrottlesSecondDrop(t *testing.T) {
	h := newHarness(t, Options{})
	w := h.seed(t, "JFK", "LHR", 40, 1000, 850)
	h.script("JFK", "LHR", 940, 890)

	first, err := h.svc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.NotificationsSent)

	h.now = h.now.Add(6 * time.Hour)
	second, err := h.svc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, second.Updated)
	assert.Equal(t, 0, second.NotificationsSent)

	notes := h.notifications(t, w.ID)
	require.Len(t, notes, 1)

	samples, err := h.store.RecentSamples(context.Background(), w.ID, 10)
	require.NoError(t, err)
	assert.Len(t, samples, 3)
}

func TestRunOnceIsolatesProviderErrors(t *testing.T) {
	h := newHarness(t, Options{})
	broken := h.seed(t, "SFO", "NRT", 40, 1000, 850)
	healthy := h.seed(t, "JFK", "LHR", 40, 1000, 850)
	h.script("JFK", "LHR", 990)

	report, err := h.svc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, 1, report.Updated)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], broken.ID)

	untouched, err := h.store.GetWatch(context.Background(), broken.ID)
	require.NoError(t, err)
	assert.Equal(t, broken.Version, untouched.Version)
	assert.Nil(t, untouched.LastChecked)

	samples, err := h.store.RecentSamples(context.Background(), broken.ID, 10)
	require.NoError(t, err)
	assert.Len(t, samples, 1, "no sample appended on provider failure")

	updated, err := h.store.GetWatch(context.Background(), healthy.ID)
	require.NoError(t, err)
	assert.True(t, updated.CurrentPrice.Equal(decimal.NewFromInt(990)))
}

func TestRunOnceSkipsDepartedWatches(t *testing.T) {
	h := newHarness(t, Options{})
	h.seed(t, "JFK", "LHR", -1, 1000, 850)
	h.script("JFK", "LHR", 900)

	report, err := h.svc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Checked)
}

type failingEnumeration struct {
	*storage.MemoryStore
}

func (failingEnumeration) ListActiveWatches(context.Context, time.Time) ([]storage.Watch, error) {
	return nil, errors.New("connection refused")
}

func TestRunOnceEnumerationFailureIsFatal(t *testing.T) {
	svc := New(Deps{Provider: fare.NewStatic("USD"), Store: failingEnumeration{storage.NewMemoryStore()}}, withDefaults(Options{}), zerolog.Nop())

	_, err := svc.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "enumerate watches")
}

// concurrentEdit changes the target between the run's read and write.
type concurrentEdit struct {
	*storage.MemoryStore
	target decimal.Decimal
	fired  bool
}

func (c *concurrentEdit) UpdateWatchSignal(ctx context.Context, w storage.Watch) (storage.Watch, error) {
	if !c.fired {
		c.fired = true
		if _, err := c.MemoryStore.UpdatePreferences(ctx, w.ID, storage.Preferences{TargetPrice: &c.target}); err != nil {
			return storage.Watch{}, err
		}
	}
	return c.MemoryStore.UpdateWatchSignal(ctx, w)
}

func TestRunOnceRetriesOnVersionConflict(t *testing.T) {
	h := newHarness(t, Options{})
	w := h.seed(t, "JFK", "LHR", 40, 1000, 850)
	h.script("JFK", "LHR", 940)

	edit := &concurrentEdit{MemoryStore: h.store, target: decimal.NewFromInt(950)}
	svc := New(Deps{Provider: h.provider, Store: edit}, withDefaults(Options{}), zerolog.Nop())
	svc.SetClock(func() time.Time { return h.now })

	report, err := svc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Errors)
	assert.Equal(t, 1, report.Updated)

	got, err := h.store.GetWatch(context.Background(), w.ID)
	require.NoError(t, err)
	assert.True(t, got.TargetPrice.Equal(decimal.NewFromInt(950)))
	assert.Equal(t, signal.Buy, got.Signal, "decision recomputed with the fresh target")

	notes := h.notifications(t, w.ID)
	require.Len(t, notes, 1)
	assert.Equal(t, storage.NotifyTargetHit, notes[0].Type)
}

func TestRunOnceCancelledBetweenWatches(t *testing.T) {
	h := newHarness(t, Options{})
	h.seed(t, "JFK", "LHR", 40, 1000, 850)
	h.script("JFK", "LHR", 940)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := h.svc.RunOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, report.Checked)
}

func TestRunOnceWorkerPool(t *testing.T) {
	h := newHarness(t, Options{Workers: 3, WatchDelay: time.Millisecond})
	routes := [][2]string{{"JFK", "LHR"}, {"SFO", "NRT"}, {"BOS", "CDG"}, {"ORD", "FRA"}, {"LAX", "SYD"}}
	for _, r := range routes {
		h.seed(t, r[0], r[1], 40, 1000, 850)
		h.script(r[0], r[1], 1010)
	}

	report, err := h.svc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, report.Checked)
	assert.Equal(t, 5, report.Updated)
}

type heldLock struct {
	*storage.MemoryStore
}

func (heldLock) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	return nil, false, nil
}

func TestRunOnceSkipsWhenLockHeld(t *testing.T) {
	store := heldLock{storage.NewMemoryStore()}
	svc := New(Deps{Provider: fare.NewStatic("USD"), Store: store}, withDefaults(Options{LockKey: 42}), zerolog.Nop())

	report, err := svc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)
}

func TestReportJSONShape(t *testing.T) {
	data, err := json.Marshal(Report{Checked: 2, Updated: 1, NotificationsSent: 1, Errors: []string{}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"checked":2,"updated":1,"notificationsSent":1,"errors":[]}`, string(data))
}

func TestCreateWatchSuggestsTarget(t *testing.T) {
	h := newHarness(t, Options{Currency: "USD"})
	h.script("JFK", "LHR", 1000)

	w, err := h.svc.CreateWatch(context.Background(), NewWatch{
		Origin:        "jfk",
		Destination:   "lhr",
		DepartureDate: signal.AddDays(h.now, 40),
	})
	require.NoError(t, err)
	assert.Equal(t, "JFK", w.Origin)
	assert.True(t, w.BaselinePrice.Equal(decimal.NewFromInt(1000)))
	assert.True(t, w.TargetPrice.Equal(decimal.NewFromInt(880)))
	assert.Equal(t, signal.Wait, w.Signal)
	assert.Equal(t, 1, w.Travelers)

	samples, err := h.store.RecentSamples(context.Background(), w.ID, 5)
	require.NoError(t, err)
	assert.Len(t, samples, 1)
}

func TestCreateWatchValidation(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.svc.CreateWatch(context.Background(), NewWatch{Origin: "JFK", Destination: "JFK", DepartureDate: signal.AddDays(h.now, 10)})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = h.svc.CreateWatch(context.Background(), NewWatch{Origin: "JFK", Destination: "LHR", DepartureDate: signal.AddDays(h.now, -1)})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "departure date", verr.Field)
}

func TestCreateWatchProviderError(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.svc.CreateWatch(context.Background(), NewWatch{Origin: "JFK", Destination: "LHR", DepartureDate: signal.AddDays(h.now, 20)})
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, err, fare.ErrNoOffers)
}

func TestUpdatePreferencesAndRemove(t *testing.T) {
	h := newHarness(t, Options{})
	w := h.seed(t, "JFK", "LHR", 40, 1000, 850)

	target := decimal.NewFromInt(900)
	expires := h.now.Add(72 * time.Hour)
	updated, err := h.svc.UpdatePreferences(context.Background(), w.ID, storage.Preferences{
		TargetPrice: &target,
		Hold:        &storage.HoldState{Active: true, Price: decimal.NewNullDecimal(decimal.NewFromInt(1000)), Fee: decimal.NewNullDecimal(decimal.NewFromInt(25)), ExpiresAt: &expires},
	})
	require.NoError(t, err)
	assert.True(t, updated.TargetPrice.Equal(target))
	assert.True(t, updated.Hold.Active)
	assert.Greater(t, updated.Version, w.Version)

	zero := decimal.Zero
	_, err = h.svc.UpdatePreferences(context.Background(), w.ID, storage.Preferences{TargetPrice: &zero})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	require.NoError(t, h.svc.RemoveWatch(context.Background(), w.ID))
	_, err = h.svc.GetWatch(context.Background(), w.ID)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestErrorTypesUnwrap(t *testing.T) {
	err := error(&PersistenceError{WatchID: "w1", Op: "append sample", Err: storage.ErrNotConfigured})
	assert.ErrorIs(t, err, storage.ErrNotConfigured)
	assert.True(t, strings.HasPrefix(err.Error(), "watch w1: append sample"))
}

// slowProvider wraps a Static provider, stalling quotes and recording when
// each one starts and ends. Origins in block wait for the call deadline.
type slowProvider struct {
	*fare.Static
	delay time.Duration
	block map[string]bool

	mu     sync.Mutex
	starts []time.Time
	ends   []time.Time
}

func (p *slowProvider) Quote(ctx context.Context, req fare.QuoteRequest) (fare.Quote, error) {
	p.mu.Lock()
	p.starts = append(p.starts, time.Now())
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.ends = append(p.ends, time.Now())
		p.mu.Unlock()
	}()

	if p.block[req.Origin] {
		<-ctx.Done()
		return fare.Quote{}, ctx.Err()
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	return p.Static.Quote(ctx, req)
}

func (h *harness) withProvider(p fare.Provider, opts Options) {
	h.svc = New(Deps{Provider: p, Store: h.store}, withDefaults(opts), zerolog.Nop())
	h.svc.SetClock(func() time.Time { return h.now })
}

func TestRunOnceTimedOutQuoteIsPerWatchFailure(t *testing.T) {
	h := newHarness(t, Options{})
	stuck := h.seed(t, "AAA", "BBB", 40, 1000, 850)
	h.seed(t, "JFK", "LHR", 40, 1000, 850)
	h.script("JFK", "LHR", 990)
	h.withProvider(&slowProvider{Static: h.provider, block: map[string]bool{"AAA": true}}, Options{CallTimeout: 100 * time.Millisecond})

	report, err := h.svc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, 1, report.Updated)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], stuck.ID)
	assert.Contains(t, report.Errors[0], context.DeadlineExceeded.Error())
}

func TestRunOncePausesBetweenSequentialWatches(t *testing.T) {
	const delay = 200 * time.Millisecond
	h := newHarness(t, Options{})
	h.seed(t, "JFK", "LHR", 40, 1000, 850)
	h.seed(t, "SFO", "NRT", 41, 1000, 850)
	h.script("JFK", "LHR", 990)
	h.script("SFO", "NRT", 990)
	provider := &slowProvider{Static: h.provider, delay: 150 * time.Millisecond}
	h.withProvider(provider, Options{WatchDelay: delay})

	report, err := h.svc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Updated)

	require.Len(t, provider.starts, 2)
	require.Len(t, provider.ends, 2)
	gap := provider.starts[1].Sub(provider.ends[0])
	assert.GreaterOrEqual(t, gap, delay, "the pause follows the end of the previous watch")
}

func TestRunOnceWorkerPoolSpacesWatchStarts(t *testing.T) {
	const delay = 150 * time.Millisecond
	h := newHarness(t, Options{})
	routes := [][2]string{{"JFK", "LHR"}, {"SFO", "NRT"}, {"BOS", "CDG"}}
	for i, r := range routes {
		h.seed(t, r[0], r[1], 40+i, 1000, 850)
		h.script(r[0], r[1], 1010)
	}
	provider := &slowProvider{Static: h.provider}
	h.withProvider(provider, Options{Workers: 3, WatchDelay: delay})

	report, err := h.svc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Updated)

	starts := append([]time.Time(nil), provider.starts...)
	require.Len(t, starts, 3)
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })
	for i := 1; i < len(starts); i++ {
		assert.GreaterOrEqual(t, starts[i].Sub(starts[i-1]), delay-30*time.Millisecond)
	}
}

func TestRunOnceReportsFinishTime(t *testing.T) {
	h := newHarness(t, Options{})
	h.seed(t, "JFK", "LHR", 40, 1000, 850)
	h.script("JFK", "LHR", 990)

	report, err := h.svc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fixedNow, report.StartedAt)
	assert.Equal(t, fixedNow, report.FinishedAt)
}
