package service

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jidegrand/travelcart/internal/signal"
	"github.com/jidegrand/travelcart/internal/storage"
)

// suggestedTargetRatio seeds the target price when the traveler gives none.
var suggestedTargetRatio = decimal.RequireFromString("0.88")

var iataCode = regexp.MustCompile(`^[A-Z]{3}$`)

// NewWatch is the traveler input for CreateWatch.
type NewWatch struct {
	Origin        string
	Destination   string
	DepartureDate time.Time
	ReturnDate    *time.Time
	Travelers     int
	Currency      string
	TargetPrice   *decimal.Decimal
}

// CreateWatch prices the route, records the first fare as the baseline and
// persists the watch with its initial decision.
func (s *Service) CreateWatch(ctx context.Context, in NewWatch) (storage.Watch, error) {
	now := s.now()
	w, err := s.normalizeNewWatch(in, signal.Date(now))
	if err != nil {
		return storage.Watch{}, err
	}

	quote, err := s.quote(ctx, w)
	if err != nil {
		return storage.Watch{}, &ProviderError{WatchID: "new", Err: err}
	}
	if quote.Currency != "" {
		w.Currency = quote.Currency
	}
	stats := s.routeStats(ctx, w, s.logger)

	if in.TargetPrice != nil {
		w.TargetPrice = *in.TargetPrice
	} else {
		w.TargetPrice = quote.Price.Mul(suggestedTargetRatio).Round(0)
	}
	w.BaselinePrice = quote.Price

	decision := decide(w, quote.Price, stats, []decimal.Decimal{quote.Price}, now)
	w = w.ApplyDecision(quote.Price, decision, now)

	first := storage.PriceSample{
		Price:          quote.Price,
		SeatsAvailable: quote.SeatsAvailable,
		RecordedAt:     now,
	}
	cctx, cancel := s.callContext(ctx)
	created, err := s.store.CreateWatch(cctx, w, first)
	cancel()
	if err != nil {
		return storage.Watch{}, fmt.Errorf("create watch: %w", err)
	}

	s.logger.Info().Str("watch_id", created.ID).
		Str("route", created.Route()).
		Str("baseline", created.BaselinePrice.String()).
		Str("target", created.TargetPrice.String()).
		Str("signal", string(created.Signal)).
		Msg("watch created")
	s.refreshCache(ctx, created, s.logger)
	return created, nil
}

// UpdatePreferences applies user edits to target price and hold state.
// The version bump forces an in-flight run to re-decide with the new target.
func (s *Service) UpdatePreferences(ctx context.Context, id string, prefs storage.Preferences) (storage.Watch, error) {
	if prefs.TargetPrice != nil && !prefs.TargetPrice.IsPositive() {
		return storage.Watch{}, &ValidationError{Field: "target price", Reason: "must be positive"}
	}
	if prefs.Hold != nil && prefs.Hold.Active && prefs.Hold.ExpiresAt == nil {
		return storage.Watch{}, &ValidationError{Field: "hold", Reason: "active hold needs an expiry"}
	}

	cctx, cancel := s.callContext(ctx)
	updated, err := s.store.UpdatePreferences(cctx, id, prefs)
	cancel()
	if err != nil {
		return storage.Watch{}, fmt.Errorf("update preferences: %w", err)
	}
	s.refreshCache(ctx, updated, s.logger)
	return updated, nil
}

// RemoveWatch deletes a watch with its samples and notifications.
func (s *Service) RemoveWatch(ctx context.Context, id string) error {
	cctx, cancel := s.callContext(ctx)
	err := s.store.DeleteWatch(cctx, id)
	cancel()
	if err != nil {
		return fmt.Errorf("remove watch: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.DeleteWatch(ctx, id); err != nil {
			s.logger.Warn().Err(err).Str("watch_id", id).Msg("cache eviction failed")
		}
	}
	return nil
}

// GetWatch reads a watch through the cache.
func (s *Service) GetWatch(ctx context.Context, id string) (storage.Watch, error) {
	return s.reader.GetWatch(ctx, id)
}

func (s *Service) normalizeNewWatch(in NewWatch, today time.Time) (storage.Watch, error) {
	origin := strings.ToUpper(strings.TrimSpace(in.Origin))
	destination := strings.ToUpper(strings.TrimSpace(in.Destination))
	if !iataCode.MatchString(origin) {
		return storage.Watch{}, &ValidationError{Field: "origin", Reason: "must be a 3-letter IATA code"}
	}
	if !iataCode.MatchString(destination) {
		return storage.Watch{}, &ValidationError{Field: "destination", Reason: "must be a 3-letter IATA code"}
	}
	if origin == destination {
		return storage.Watch{}, &ValidationError{Field: "destination", Reason: "must differ from origin"}
	}

	departure := signal.Date(in.DepartureDate)
	if departure.Before(today) {
		return storage.Watch{}, &ValidationError{Field: "departure date", Reason: "is in the past"}
	}
	var ret *time.Time
	if in.ReturnDate != nil {
		r := signal.Date(*in.ReturnDate)
		if r.Before(departure) {
			return storage.Watch{}, &ValidationError{Field: "return date", Reason: "is before departure"}
		}
		ret = &r
	}

	travelers := in.Travelers
	if travelers == 0 {
		travelers = 1
	}
	if travelers < 1 || travelers > 9 {
		return storage.Watch{}, &ValidationError{Field: "travelers", Reason: "must be between 1 and 9"}
	}
	if in.TargetPrice != nil && !in.TargetPrice.IsPositive() {
		return storage.Watch{}, &ValidationError{Field: "target price", Reason: "must be positive"}
	}

	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = s.opts.Currency
	}

	return storage.Watch{
		Origin:        origin,
		Destination:   destination,
		DepartureDate: departure,
		ReturnDate:    ret,
		Travelers:     travelers,
		Currency:      currency,
	}, nil
}
