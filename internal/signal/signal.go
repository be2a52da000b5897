// Package signal classifies a fare observation into a booking recommendation.
//
// Decide is a pure function: identical inputs always produce an identical
// Decision. Rules are evaluated from an ordered table and the first match
// wins; the final rule always matches.
package signal

import (
	"time"

	"github.com/shopspring/decimal"
)

// Signal is the recommendation attached to a watch.
type Signal string

const (
	Buy   Signal = "BUY"
	Wait  Signal = "WAIT"
	Hold  Signal = "HOLD"
	Spike Signal = "SPIKE"
)

// Confidence qualifies a Signal.
type Confidence string

const (
	High   Confidence = "high"
	Medium Confidence = "medium"
	Low    Confidence = "low"
)

// Quartile ranks a fare against the route distribution.
type Quartile string

const (
	QuartileFirst  Quartile = "FIRST"
	QuartileSecond Quartile = "SECOND"
	QuartileThird  Quartile = "THIRD"
	QuartileFourth Quartile = "FOURTH"
)

// RouteStats is the historical fare distribution for a route and date.
type RouteStats struct {
	Min           decimal.Decimal `json:"min"`
	FirstQuartile decimal.Decimal `json:"firstQuartile"`
	Median        decimal.Decimal `json:"median"`
	ThirdQuartile decimal.Decimal `json:"thirdQuartile"`
	Max           decimal.Decimal `json:"max"`
	// QuartileRanking is set when the provider ranks the fare itself.
	QuartileRanking Quartile `json:"quartileRanking,omitempty"`
}

// Rank returns the quartile of price, preferring the provider ranking.
func (s RouteStats) Rank(price decimal.Decimal) Quartile {
	if s.QuartileRanking != "" {
		return s.QuartileRanking
	}
	switch {
	case !s.FirstQuartile.IsZero() && price.LessThanOrEqual(s.FirstQuartile):
		return QuartileFirst
	case !s.Median.IsZero() && price.LessThanOrEqual(s.Median):
		return QuartileSecond
	case !s.ThirdQuartile.IsZero() && price.LessThanOrEqual(s.ThirdQuartile):
		return QuartileThird
	default:
		return QuartileFourth
	}
}

// Window is an inclusive range of civil dates.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Input carries everything Decide needs.
type Input struct {
	CurrentPrice decimal.Decimal
	TargetPrice  decimal.Decimal
	// PreviousPrice is the last persisted observation, if any.
	PreviousPrice      decimal.NullDecimal
	DaysUntilDeparture int
	// Today anchors the computed booking window dates.
	Today time.Time
	Stats *RouteStats
	// History is chronological (oldest first) and ends with CurrentPrice.
	History []decimal.Decimal
}

// Decision is the outcome of Decide.
type Decision struct {
	Signal        Signal              `json:"signal"`
	Confidence    Confidence          `json:"confidence"`
	Reason        string              `json:"reason"`
	Rule          string              `json:"rule"`
	ExpectedPrice decimal.NullDecimal `json:"expectedPrice"`
	Window        *Window             `json:"optimalWindow,omitempty"`
	FallbackDate  *time.Time          `json:"fallbackDate,omitempty"`
}

// Date truncates t to its UTC calendar date.
func Date(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween counts whole calendar days from one date to another.
func DaysBetween(from, to time.Time) int {
	return int(Date(to).Sub(Date(from)).Hours() / 24)
}

// AddDays shifts a civil date by n calendar days.
func AddDays(t time.Time, n int) time.Time {
	return Date(t).AddDate(0, 0, n)
}
