// Package fare fetches flight fares and route price statistics.
package fare

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jidegrand/travelcart/internal/signal"
)

// ErrNoOffers is returned when the provider has no fare for the request.
var ErrNoOffers = errors.New("fare: no offers found")

// QuoteRequest identifies a route, dates and party.
type QuoteRequest struct {
	Origin        string
	Destination   string
	DepartureDate time.Time
	ReturnDate    *time.Time
	Travelers     int
	Currency      string
}

// Quote is the cheapest current fare for a request.
type Quote struct {
	Price          decimal.Decimal
	Currency       string
	SeatsAvailable *int
}

// Provider is the fare source consumed by the orchestrator.
type Provider interface {
	Quote(ctx context.Context, req QuoteRequest) (Quote, error)
	// RouteStats returns nil stats without error when the route has none.
	RouteStats(ctx context.Context, origin, destination string, departure time.Time) (*signal.RouteStats, error)
}

const dateLayout = "2006-01-02"
