package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/jidegrand/travelcart/internal/alerting"
	"github.com/jidegrand/travelcart/internal/cache"
	"github.com/jidegrand/travelcart/internal/config"
	"github.com/jidegrand/travelcart/internal/fare"
	"github.com/jidegrand/travelcart/internal/metrics"
	"github.com/jidegrand/travelcart/internal/scheduler"
	"github.com/jidegrand/travelcart/internal/signal"
	"github.com/jidegrand/travelcart/internal/storage"
	"github.com/jidegrand/travelcart/internal/trigger"
)

// Options tune a price check run.
type Options struct {
	WatchDelay       time.Duration
	Workers          int
	HistoryDepth     int
	CallTimeout      time.Duration
	MaxUpdateRetries int
	LockKey          int64
	ThrottleWindow   time.Duration
	Retention        time.Duration
	Currency         string
}

// OptionsFromConfig maps runtime configuration onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		WatchDelay:       cfg.Scheduler.WatchDelay,
		Workers:          cfg.Scheduler.Workers,
		HistoryDepth:     cfg.Scheduler.HistoryDepth,
		CallTimeout:      cfg.Scheduler.CallTimeout,
		MaxUpdateRetries: cfg.Scheduler.MaxUpdateRetries,
		LockKey:          cfg.Scheduler.AdvisoryLockKey,
		ThrottleWindow:   cfg.Alerting.ThrottleWindow,
		Retention:        cfg.Alerting.Retention,
		Currency:         cfg.Provider.Currency,
	}
}

// Deps are the collaborators of a Service. Scheduler, Notifier and Cache
// are optional.
type Deps struct {
	Scheduler *scheduler.Scheduler
	Provider  fare.Provider
	Store     storage.Repository
	Notifier  alerting.Notifier
	Cache     cache.WatchCache
}

// Service orchestrates fare checks, decisions and notifications.
type Service struct {
	scheduler *scheduler.Scheduler
	provider  fare.Provider
	store     storage.Repository
	locker    storage.AdvisoryLocker
	notifier  alerting.Notifier
	cache     cache.WatchCache
	reader    *cache.ReadThrough
	throttle  *trigger.Throttle
	logger    zerolog.Logger
	opts      Options
	now       func() time.Time
}

// New constructs the orchestrator.
func New(deps Deps, opts Options, logger zerolog.Logger) *Service {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.HistoryDepth < 1 {
		opts.HistoryDepth = 5
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 15 * time.Second
	}
	if opts.MaxUpdateRetries < 0 {
		opts.MaxUpdateRetries = 0
	}

	var locker storage.AdvisoryLocker
	if l, ok := deps.Store.(storage.AdvisoryLocker); ok {
		locker = l
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = alerting.Nop{}
	}

	svcLogger := logger.With().Str("component", "service").Logger()
	return &Service{
		scheduler: deps.Scheduler,
		provider:  deps.Provider,
		store:     deps.Store,
		locker:    locker,
		notifier:  notifier,
		cache:     deps.Cache,
		reader:    cache.NewReadThrough(deps.Cache, deps.Store, logger),
		throttle:  trigger.NewThrottle(deps.Store, opts.ThrottleWindow),
		logger:    svcLogger,
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Report summarises one run.
type Report struct {
	Checked           int       `json:"checked"`
	Updated           int       `json:"updated"`
	NotificationsSent int       `json:"notificationsSent"`
	Errors            []string  `json:"errors"`
	Skipped           bool      `json:"-"`
	StartedAt         time.Time `json:"-"`
	FinishedAt        time.Time `json:"-"`
}

type outcome struct {
	updated bool
	sent    int
	err     error
}

// Run begins the aligned check loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, func(ctx context.Context, bucket time.Time) error {
		report, err := s.RunOnce(ctx)
		if err != nil {
			return err
		}
		s.logger.Info().Time("bucket", bucket).
			Int("checked", report.Checked).
			Int("updated", report.Updated).
			Int("notifications", report.NotificationsSent).
			Int("errors", len(report.Errors)).
			Msg("scheduled run finished")
		return nil
	})
}

// RunOnce re-prices every active watch. Per-watch failures land in
// Report.Errors; only a failure to enumerate watches, take the run lock
// or a cancellation is returned as an error, together with the partial
// report.
func (s *Service) RunOnce(ctx context.Context) (report Report, err error) {
	report = Report{Errors: []string{}, StartedAt: s.now()}
	metrics.RunsTotal.Inc()
	defer func() {
		report.FinishedAt = s.now()
		metrics.RunDuration.Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())
	}()

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return report, err
	}
	if !proceed {
		metrics.RunsSkipped.Inc()
		report.Skipped = true
		s.logger.Info().Msg("skip run because advisory lock held elsewhere")
		return report, nil
	}
	if unlock != nil {
		defer unlock()
	}

	today := signal.Date(s.now())
	lctx, cancel := s.callContext(ctx)
	watches, err := s.store.ListActiveWatches(lctx, today)
	cancel()
	if err != nil {
		metrics.ErrorsTotal.WithLabelValues(metrics.KindEnumerate).Inc()
		return report, fmt.Errorf("enumerate watches: %w", err)
	}

	s.logger.Info().Int("watches", len(watches)).Int("workers", s.opts.Workers).Msg("price check started")

	runErr := s.processAll(ctx, watches, &report)
	s.pruneNotifications(ctx)

	s.logger.Info().
		Int("checked", report.Checked).
		Int("updated", report.Updated).
		Int("notifications", report.NotificationsSent).
		Int("errors", len(report.Errors)).
		Msg("price check finished")
	return report, runErr
}

// processAll runs watches one by one with a WatchDelay pause after each, or,
// with more than one worker, paces watch starts through one limiter so the
// provider sees at most one new watch per WatchDelay.
func (s *Service) processAll(ctx context.Context, watches []storage.Watch, report *Report) error {

	var mu sync.Mutex
	record := func(o outcome) {
		mu.Lock()
		defer mu.Unlock()
		report.Checked++
		if o.updated {
			report.Updated++
		}
		report.NotificationsSent += o.sent
		if o.err != nil {
			report.Errors = append(report.Errors, o.err.Error())
		}
	}

	if s.opts.Workers <= 1 {
		for i, w := range watches {
			if i > 0 {
				if err := s.pause(ctx); err != nil {
					return err
				}
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			record(s.processWatch(ctx, w))
		}
		return nil
	}

	pacer := rate.NewLimiter(rate.Inf, 1)
	if s.opts.WatchDelay > 0 {
		pacer = rate.NewLimiter(rate.Every(s.opts.WatchDelay), 1)
	}

	jobs := make(chan storage.Watch)
	var wg sync.WaitGroup
	for i := 0; i < s.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for w := range jobs {
				record(s.processWatch(ctx, w))
			}
		}()
	}

	var runErr error
	for _, w := range watches {
		if err := s.pace(ctx, pacer); err != nil {
			runErr = err
			break
		}
		jobs <- w
	}
	close(jobs)
	wg.Wait()
	return runErr
}

// pause waits WatchDelay between sequential watches.
func (s *Service) pause(ctx context.Context) error {
	if s.opts.WatchDelay <= 0 {
		return nil
	}
	timer := time.NewTimer(s.opts.WatchDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Service) pace(ctx context.Context, pacer *rate.Limiter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := pacer.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("pace watches: %w", err)
	}
	return nil
}

func (s *Service) processWatch(ctx context.Context, w storage.Watch) outcome {
	log := s.logger.With().Str("watch_id", w.ID).Str("route", w.Route()).Logger()
	metrics.WatchesChecked.Inc()

	quote, err := s.quote(ctx, w)
	if err != nil {
		metrics.ErrorsTotal.WithLabelValues(metrics.KindProvider).Inc()
		log.Warn().Err(err).Msg("fare lookup failed")
		return outcome{err: &ProviderError{WatchID: w.ID, Err: err}}
	}

	stats := s.routeStats(ctx, w, log)
	now := s.now()

	sample := storage.PriceSample{
		WatchID:        w.ID,
		Price:          quote.Price,
		SeatsAvailable: quote.SeatsAvailable,
		RecordedAt:     now,
	}
	cctx, cancel := s.callContext(ctx)
	sample, err = s.store.AppendSample(cctx, sample)
	cancel()
	if err != nil {
		return s.persistenceFailure(log, w.ID, "append sample", err)
	}

	history, err := s.history(ctx, w.ID)
	if err != nil {
		return s.persistenceFailure(log, w.ID, "load history", err)
	}

	prior, saved, decision, err := s.persistDecision(ctx, w, quote.Price, stats, history, now)
	if err != nil {
		return s.persistenceFailure(log, w.ID, "update watch", err)
	}
	metrics.WatchesUpdated.Inc()
	metrics.SignalsTotal.WithLabelValues(string(decision.Signal), decision.Rule).Inc()
	log.Info().
		Str("price", quote.Price.String()).
		Str("signal", string(decision.Signal)).
		Str("rule", decision.Rule).
		Msg("watch updated")

	s.refreshCache(ctx, saved, log)

	sent, err := s.notify(ctx, prior, saved, sample, now, log)
	if err != nil {
		out := s.persistenceFailure(log, w.ID, "record notifications", err)
		out.updated = true
		out.sent = sent
		return out
	}
	return outcome{updated: true, sent: sent}
}

func (s *Service) quote(ctx context.Context, w storage.Watch) (fare.Quote, error) {
	cctx, cancel := s.callContext(ctx)
	defer cancel()
	started := time.Now()
	quote, err := s.provider.Quote(cctx, quoteRequest(w, s.opts.Currency))
	metrics.ProviderLatency.Observe(time.Since(started).Seconds())
	if err != nil {
		return fare.Quote{}, err
	}
	if !quote.Price.IsPositive() {
		return fare.Quote{}, fmt.Errorf("non-positive fare %s", quote.Price)
	}
	return quote, nil
}

func (s *Service) routeStats(ctx context.Context, w storage.Watch, log zerolog.Logger) *signal.RouteStats {
	cctx, cancel := s.callContext(ctx)
	defer cancel()
	stats, err := s.provider.RouteStats(cctx, w.Origin, w.Destination, w.DepartureDate)
	if err != nil {
		log.Warn().Err(err).Msg("route stats unavailable")
		return nil
	}
	return stats
}

// history returns up to HistoryDepth prices, oldest first.
func (s *Service) history(ctx context.Context, watchID string) ([]decimal.Decimal, error) {
	cctx, cancel := s.callContext(ctx)
	defer cancel()
	recent, err := s.store.RecentSamples(cctx, watchID, s.opts.HistoryDepth)
	if err != nil {
		return nil, err
	}
	prices := make([]decimal.Decimal, len(recent))
	for i, sample := range recent {
		prices[len(recent)-1-i] = sample.Price
	}
	return prices, nil
}

// persistDecision decides and writes the watch with a version check. On a
// conflict the watch is re-read and the decision recomputed against the
// fresh target. It returns the state the write was based on and the saved
// state.
func (s *Service) persistDecision(ctx context.Context, w storage.Watch, price decimal.Decimal, stats *signal.RouteStats, history []decimal.Decimal, now time.Time) (storage.Watch, storage.Watch, signal.Decision, error) {
	current := w
	for attempt := 0; ; attempt++ {
		decision := decide(current, price, stats, history, now)
		next := current.ApplyDecision(price, decision, now)

		cctx, cancel := s.callContext(ctx)
		saved, err := s.store.UpdateWatchSignal(cctx, next)
		cancel()
		if err == nil {
			return current, saved, decision, nil
		}
		if !errors.Is(err, storage.ErrVersionConflict) || attempt >= s.opts.MaxUpdateRetries {
			return storage.Watch{}, storage.Watch{}, signal.Decision{}, err
		}

		metrics.VersionConflicts.Inc()
		cctx, cancel = s.callContext(ctx)
		fresh, err := s.store.GetWatch(cctx, w.ID)
		cancel()
		if err != nil {
			return storage.Watch{}, storage.Watch{}, signal.Decision{}, fmt.Errorf("reload after conflict: %w", err)
		}
		current = fresh
	}
}

func (s *Service) notify(ctx context.Context, prior, saved storage.Watch, sample storage.PriceSample, now time.Time, log zerolog.Logger) (int, error) {
	candidates := trigger.Evaluate(prior, saved, sample, now)
	if len(candidates) == 0 {
		return 0, nil
	}

	cctx, cancel := s.callContext(ctx)
	kept, err := s.throttle.Filter(cctx, now, candidates)
	cancel()
	if err != nil {
		return 0, err
	}
	countThrottled(candidates, kept)

	sent := 0
	for _, note := range kept {
		cctx, cancel := s.callContext(ctx)
		inserted, err := s.store.InsertNotification(cctx, note)
		cancel()
		if err != nil {
			return sent, err
		}
		sent++
		metrics.NotificationsSent.WithLabelValues(string(inserted.Type)).Inc()

		dctx, cancel := s.callContext(ctx)
		if err := s.notifier.Notify(dctx, inserted); err != nil {
			metrics.ErrorsTotal.WithLabelValues(metrics.KindDelivery).Inc()
			log.Error().Err(err).Str("type", string(inserted.Type)).Msg("failed to deliver notification")
		}
		cancel()
	}
	return sent, nil
}

func countThrottled(candidates, kept []storage.Notification) {
	passed := make(map[storage.NotificationType]int, len(kept))
	for _, n := range kept {
		passed[n.Type]++
	}
	for _, n := range candidates {
		if passed[n.Type] > 0 {
			passed[n.Type]--
			continue
		}
		metrics.NotificationsThrottled.WithLabelValues(string(n.Type)).Inc()
	}
}

func (s *Service) refreshCache(ctx context.Context, w storage.Watch, log zerolog.Logger) {
	if s.cache == nil {
		return
	}
	cctx, cancel := s.callContext(ctx)
	defer cancel()
	if err := s.cache.SetWatch(cctx, w); err != nil {
		log.Warn().Err(err).Msg("cache refresh failed")
	}
}

func (s *Service) pruneNotifications(ctx context.Context) {
	if s.opts.Retention <= 0 || ctx.Err() != nil {
		return
	}
	cctx, cancel := s.callContext(ctx)
	defer cancel()
	cutoff := s.now().Add(-s.opts.Retention)
	if err := s.store.DeleteNotificationsBefore(cctx, cutoff); err != nil {
		s.logger.Warn().Err(err).Time("cutoff", cutoff).Msg("failed to prune notifications")
	}
}

func (s *Service) persistenceFailure(log zerolog.Logger, watchID, op string, err error) outcome {
	metrics.ErrorsTotal.WithLabelValues(metrics.KindPersistence).Inc()
	log.Error().Err(err).Str("op", op).Msg("persistence failed")
	return outcome{err: &PersistenceError{WatchID: watchID, Op: op, Err: err}}
}

func (s *Service) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.CallTimeout)
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func decide(w storage.Watch, price decimal.Decimal, stats *signal.RouteStats, history []decimal.Decimal, now time.Time) signal.Decision {
	today := signal.Date(now)
	in := signal.Input{
		CurrentPrice:       price,
		TargetPrice:        w.TargetPrice,
		DaysUntilDeparture: signal.DaysBetween(today, w.DepartureDate),
		Today:              today,
		Stats:              stats,
		History:            history,
	}
	if w.CurrentPrice.IsPositive() {
		in.PreviousPrice = decimal.NewNullDecimal(w.CurrentPrice)
	}
	return signal.Decide(in)
}

func quoteRequest(w storage.Watch, fallbackCurrency string) fare.QuoteRequest {
	currency := w.Currency
	if currency == "" {
		currency = fallbackCurrency
	}
	return fare.QuoteRequest{
		Origin:        w.Origin,
		Destination:   w.Destination,
		DepartureDate: w.DepartureDate,
		ReturnDate:    w.ReturnDate,
		Travelers:     w.Travelers,
		Currency:      currency,
	}
}
