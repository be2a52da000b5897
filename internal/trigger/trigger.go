// Package trigger turns a watch's prior and new state into candidate
// notifications and throttles repeated medium-urgency alerts.
package trigger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jidegrand/travelcart/internal/signal"
	"github.com/jidegrand/travelcart/internal/storage"
)

// LowSeatsThreshold is the seat count below which low_seats fires.
const LowSeatsThreshold = 5

var (
	dropThreshold  = decimal.NewFromFloat(0.05)
	spikeThreshold = decimal.NewFromFloat(0.08)
	hundred        = decimal.NewFromInt(100)
)

// Evaluate returns every notification whose condition holds for the
// transition from prior to current. Conditions are independent, so more
// than one may fire. The fallback trigger compares today against the
// fallback date the watch carried before this check.
func Evaluate(prior, current storage.Watch, sample storage.PriceSample, today time.Time) []storage.Notification {
	oldPrice := prior.CurrentPrice
	newPrice := current.CurrentPrice
	target := current.TargetPrice
	route := current.Route()
	now := today.UTC()

	var out []storage.Notification
	add := func(typ storage.NotificationType, urgency storage.Urgency, title, body string) {
		out = append(out, storage.Notification{
			WatchID:   current.ID,
			Type:      typ,
			Title:     title,
			Body:      body,
			Urgency:   urgency,
			CreatedAt: now,
		})
	}

	if newPrice.LessThanOrEqual(target) && oldPrice.GreaterThan(target) {
		add(storage.NotifyTargetHit, storage.UrgencyHigh,
			fmt.Sprintf("%s hit your target!", route),
			fmt.Sprintf("%s. Book now before it rises.", Money(newPrice, current.Currency)))
	}

	if oldPrice.IsPositive() {
		drop := oldPrice.Sub(newPrice).Div(oldPrice)
		if drop.GreaterThanOrEqual(dropThreshold) && newPrice.GreaterThan(target) {
			add(storage.NotifyPriceDrop, storage.UrgencyMedium,
				fmt.Sprintf("%s dropped %s%%", route, drop.Mul(hundred).Round(0).String()),
				fmt.Sprintf("Now %s (was %s). Getting closer to target.", Money(newPrice, current.Currency), Money(oldPrice, current.Currency)))
		}

		rise := newPrice.Sub(oldPrice).Div(oldPrice)
		if rise.GreaterThanOrEqual(spikeThreshold) {
			add(storage.NotifySpikeWarning, storage.UrgencyHigh,
				fmt.Sprintf("%s price spiking", route),
				fmt.Sprintf("Up %s%% to %s. Book now or hold the price.", rise.Mul(hundred).Round(0).String(), Money(newPrice, current.Currency)))
		}
	}

	if sample.SeatsAvailable != nil && *sample.SeatsAvailable < LowSeatsThreshold {
		add(storage.NotifyLowSeats, storage.UrgencyHigh,
			fmt.Sprintf("Only %d seats left at %s", *sample.SeatsAvailable, Money(newPrice, current.Currency)),
			fmt.Sprintf("%s selling fast at this price.", route))
	}

	if prior.FallbackDate != nil && signal.Date(*prior.FallbackDate).Equal(signal.Date(today)) {
		add(storage.NotifyFallback, storage.UrgencyHigh,
			fmt.Sprintf("Last chance: %s", route),
			fmt.Sprintf("Book today at %s. Prices typically spike from here.", Money(newPrice, current.Currency)))
	}

	return out
}

// Money renders an amount rounded to whole units.
func Money(amount decimal.Decimal, currency string) string {
	whole := amount.Round(0).StringFixed(0)
	switch currency {
	case "", "USD":
		return "$" + whole
	case "EUR":
		return "€" + whole
	case "GBP":
		return "£" + whole
	default:
		return whole + " " + currency
	}
}
