package signal

import (
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	imminentDays     = 10
	trendFloorDays   = 21
	farOutDays       = 30
	windowOpenDays   = 14
	windowCloseDays  = 21
	farOutWindowDays = 4
	trendFallback    = 2
)

var (
	spikeRatio       = decimal.RequireFromString("0.08")
	dealRatio        = decimal.RequireFromString("0.85")
	risingRatio      = decimal.RequireFromString("0.05")
	fallingRatio     = decimal.RequireFromString("0.03")
	statsDiscount    = decimal.RequireFromString("0.12")
	baselineDiscount = decimal.RequireFromString("0.08")
	two              = decimal.NewFromInt(2)
	hundred          = decimal.NewFromInt(100)
)

type rule struct {
	name  string
	apply func(in Input) (Decision, bool)
}

// rules is evaluated top to bottom; watching must stay last.
var rules = []rule{
	{name: "target_hit", apply: targetHit},
	{name: "imminent_departure", apply: imminentDeparture},
	{name: "price_spike", apply: priceSpike},
	{name: "exceptional_deal", apply: exceptionalDeal},
	{name: "rising_trend", apply: risingTrend},
	{name: "falling_trend", apply: fallingTrend},
	{name: "far_out", apply: farOut},
	{name: "optimal_window", apply: optimalWindow},
	{name: "watching", apply: watching},
}

// RuleNames lists the rules in evaluation order.
func RuleNames() []string {
	names := make([]string, len(rules))
	for i, r := range rules {
		names[i] = r.name
	}
	return names
}

// Decide maps a fare observation to a recommendation.
func Decide(in Input) Decision {
	for _, r := range rules {
		if d, ok := r.apply(in); ok {
			d.Rule = r.name
			return d
		}
	}
	d, _ := watching(in)
	d.Rule = "watching"
	return d
}

func targetHit(in Input) (Decision, bool) {
	if in.CurrentPrice.GreaterThan(in.TargetPrice) {
		return Decision{}, false
	}
	return Decision{
		Signal:     Buy,
		Confidence: High,
		Reason:     fmt.Sprintf("Price hit your target of %s. Book now to lock in savings.", money(in.TargetPrice)),
	}, true
}

func imminentDeparture(in Input) (Decision, bool) {
	if in.DaysUntilDeparture >= imminentDays {
		return Decision{}, false
	}
	return Decision{
		Signal:     Buy,
		Confidence: High,
		Reason:     fmt.Sprintf("Only %d days until departure. Prices typically spike from here. Book now.", in.DaysUntilDeparture),
	}, true
}

func priceSpike(in Input) (Decision, bool) {
	if !in.PreviousPrice.Valid || !in.PreviousPrice.Decimal.IsPositive() {
		return Decision{}, false
	}
	prev := in.PreviousPrice.Decimal
	change := in.CurrentPrice.Sub(prev).Div(prev)
	if change.LessThan(spikeRatio) {
		return Decision{}, false
	}
	return Decision{
		Signal:     Spike,
		Confidence: High,
		Reason:     fmt.Sprintf("Price jumped %s%% since the last check to %s. Book now or hold the fare.", percent(change), money(in.CurrentPrice)),
	}, true
}

func exceptionalDeal(in Input) (Decision, bool) {
	if in.Stats == nil || in.Stats.Rank(in.CurrentPrice) != QuartileFirst {
		return Decision{}, false
	}
	if !in.CurrentPrice.LessThan(in.Stats.Median.Mul(dealRatio)) {
		return Decision{}, false
	}
	return Decision{
		Signal:     Buy,
		Confidence: High,
		Reason:     "This is in the lowest 25% of prices for this route. Great deal!",
	}, true
}

// averageDelta is the mean step change across the last three observations.
func averageDelta(history []decimal.Decimal) (decimal.Decimal, bool) {
	n := len(history)
	if n < 3 {
		return decimal.Zero, false
	}
	return history[n-1].Sub(history[n-3]).Div(two), true
}

func risingTrend(in Input) (Decision, bool) {
	avg, ok := averageDelta(in.History)
	if !ok || !in.CurrentPrice.IsPositive() {
		return Decision{}, false
	}
	if avg.LessThan(in.CurrentPrice.Mul(risingRatio)) {
		return Decision{}, false
	}
	return Decision{
		Signal:     Buy,
		Confidence: Medium,
		Reason:     fmt.Sprintf("Prices rising %s%% recently. Book before they go higher.", percent(avg.Div(in.CurrentPrice))),
	}, true
}

func fallingTrend(in Input) (Decision, bool) {
	avg, ok := averageDelta(in.History)
	if !ok || !in.CurrentPrice.IsPositive() || in.DaysUntilDeparture <= trendFloorDays {
		return Decision{}, false
	}
	if avg.GreaterThan(in.CurrentPrice.Mul(fallingRatio).Neg()) {
		return Decision{}, false
	}

	expected := floorAt(in.CurrentPrice.Sub(avg.Abs().Mul(two)), in.TargetPrice)
	daysOut := min(in.DaysUntilDeparture-imminentDays, trendFloorDays)
	start := AddDays(in.Today, in.DaysUntilDeparture-daysOut)
	fallback := AddDays(start, trendFallback)

	return Decision{
		Signal:        Wait,
		Confidence:    Medium,
		Reason:        fmt.Sprintf("Prices dropped %s%% recently. More savings likely.", percent(avg.Abs().Div(in.CurrentPrice))),
		ExpectedPrice: decimal.NewNullDecimal(expected),
		Window:        &Window{Start: start, End: fallback},
		FallbackDate:  &fallback,
	}, true
}

func farOut(in Input) (Decision, bool) {
	if in.DaysUntilDeparture <= farOutDays {
		return Decision{}, false
	}
	discount := baselineDiscount
	if in.Stats != nil {
		discount = statsDiscount
	}
	expected := floorAt(in.CurrentPrice.Mul(decimal.NewFromInt(1).Sub(discount)), in.TargetPrice)
	start := AddDays(in.Today, in.DaysUntilDeparture-trendFloorDays)
	end := AddDays(start, farOutWindowDays)

	return Decision{
		Signal:        Wait,
		Confidence:    Low,
		Reason:        fmt.Sprintf("Booking %d days out. Sweet spot is typically 2-3 weeks before departure.", in.DaysUntilDeparture),
		ExpectedPrice: decimal.NewNullDecimal(expected),
		Window:        &Window{Start: start, End: end},
		FallbackDate:  &end,
	}, true
}

func optimalWindow(in Input) (Decision, bool) {
	if in.DaysUntilDeparture < windowOpenDays || in.DaysUntilDeparture > windowCloseDays {
		return Decision{}, false
	}
	if in.Stats == nil || in.CurrentPrice.GreaterThan(in.Stats.ThirdQuartile) {
		return Decision{}, false
	}
	return Decision{
		Signal:     Buy,
		Confidence: Medium,
		Reason:     "In optimal booking window. Current price is reasonable for this route.",
	}, true
}

func watching(in Input) (Decision, bool) {
	return Decision{
		Signal:        Wait,
		Confidence:    Low,
		Reason:        fmt.Sprintf("Price is %s above your target. Watching for drops.", money(in.CurrentPrice.Sub(in.TargetPrice))),
		ExpectedPrice: decimal.NewNullDecimal(in.TargetPrice),
	}, true
}

func floorAt(v, floor decimal.Decimal) decimal.Decimal {
	return decimal.Max(v, floor)
}

func money(v decimal.Decimal) string {
	return v.Round(0).StringFixed(0)
}

func percent(ratio decimal.Decimal) string {
	return ratio.Mul(hundred).Round(0).StringFixed(0)
}
