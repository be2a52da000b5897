package fare

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jidegrand/travelcart/internal/signal"
)

// StaticRoute scripts the fares a Static provider returns for one route.
// Each Quote call advances through Prices and then repeats the last one.
type StaticRoute struct {
	Prices []decimal.Decimal
	Seats  *int
	Stats  *signal.RouteStats
	Err    error
}

// Static serves scripted fares. It backs simulations and tests.
type Static struct {
	mu       sync.Mutex
	routes   map[string]*StaticRoute
	cursor   map[string]int
	currency string
}

// NewStatic builds an empty Static provider quoting in currency.
func NewStatic(currency string) *Static {
	if currency == "" {
		currency = "USD"
	}
	return &Static{
		routes:   make(map[string]*StaticRoute),
		cursor:   make(map[string]int),
		currency: currency,
	}
}

// SetRoute installs or replaces the script for origin→destination.
func (s *Static) SetRoute(origin, destination string, route StaticRoute) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := routeKey(origin, destination)
	s.routes[key] = &route
	s.cursor[key] = 0
}

func (s *Static) Quote(ctx context.Context, req QuoteRequest) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := routeKey(req.Origin, req.Destination)
	route, ok := s.routes[key]
	if !ok || len(route.Prices) == 0 {
		return Quote{}, ErrNoOffers
	}
	if route.Err != nil {
		return Quote{}, route.Err
	}

	idx := s.cursor[key]
	if idx >= len(route.Prices) {
		idx = len(route.Prices) - 1
	} else {
		s.cursor[key] = idx + 1
	}

	quote := Quote{Price: route.Prices[idx], Currency: s.currency}
	if route.Seats != nil {
		seats := *route.Seats
		quote.SeatsAvailable = &seats
	}
	return quote, nil
}

func (s *Static) RouteStats(ctx context.Context, origin, destination string, departure time.Time) (*signal.RouteStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	route, ok := s.routes[routeKey(origin, destination)]
	if !ok || route.Stats == nil {
		return nil, nil
	}
	stats := *route.Stats
	return &stats, nil
}

func routeKey(origin, destination string) string {
	return origin + "-" + destination
}

var _ Provider = (*Static)(nil)
