package fare

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/jidegrand/travelcart/internal/signal"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

type fakeAmadeus struct {
	tokenCalls atomic.Int32
	offers     func(w http.ResponseWriter, r *http.Request)
	metrics    func(w http.ResponseWriter, r *http.Request)
}

func (f *fakeAmadeus) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(tokenPath, func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse token form: %v", err)
		}
		if r.Form.Get("grant_type") != "client_credentials" || r.Form.Get("client_id") != "id" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_client"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "token_type": "Bearer", "expires_in": 1799})
	})
	mux.HandleFunc(flightOffersPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token, got %q", r.Header.Get("Authorization"))
		}
		f.offers(w, r)
	})
	mux.HandleFunc(priceMetricsPath, func(w http.ResponseWriter, r *http.Request) {
		f.metrics(w, r)
	})
	return mux
}

func newTestClient(url string) *Amadeus {
	return NewAmadeus(AmadeusOptions{
		BaseURL:       url,
		ClientID:      "id",
		ClientSecret:  "secret",
		Timeout:       time.Second,
		RatePerSecond: 1000,
		UserAgent:     "test",
	}, noopLogger())
}

func quoteRequest() QuoteRequest {
	return QuoteRequest{
		Origin:        "JFK",
		Destination:   "LHR",
		DepartureDate: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
		Travelers:     2,
	}
}

func TestAmadeusQuoteSuccess(t *testing.T) {
	fake := &fakeAmadeus{
		offers: func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			if q.Get("originLocationCode") != "JFK" || q.Get("adults") != "2" || q.Get("max") != "1" {
				t.Errorf("unexpected query %s", r.URL.RawQuery)
			}
			if q.Get("departureDate") != "2026-05-01" {
				t.Errorf("unexpected departure %s", q.Get("departureDate"))
			}
			_, _ = w.Write([]byte(`{"data":[{"id":"1","numberOfBookableSeats":3,"price":{"currency":"USD","total":"900.00","grandTotal":"940.50"}}]}`))
		},
	}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	client := newTestClient(srv.URL)
	for i := 0; i < 2; i++ {
		quote, err := client.Quote(context.Background(), quoteRequest())
		if err != nil {
			t.Fatalf("Quote returned error: %v", err)
		}
		if !quote.Price.Equal(decimal.RequireFromString("940.50")) {
			t.Fatalf("unexpected price %s", quote.Price)
		}
		if quote.SeatsAvailable == nil || *quote.SeatsAvailable != 3 {
			t.Fatalf("unexpected seats %v", quote.SeatsAvailable)
		}
	}
	if got := fake.tokenCalls.Load(); got != 1 {
		t.Fatalf("token should be cached, fetched %d times", got)
	}
}

func TestAmadeusQuoteNoOffers(t *testing.T) {
	fake := &fakeAmadeus{
		offers: func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"data":[]}`))
		},
	}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Quote(context.Background(), quoteRequest())
	if !errors.Is(err, ErrNoOffers) {
		t.Fatalf("expected ErrNoOffers, got %v", err)
	}
}

func TestAmadeusQuoteAPIError(t *testing.T) {
	fake := &fakeAmadeus{
		offers: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"errors":[{"status":400,"code":477,"title":"INVALID FORMAT","detail":"departureDate"}]}`))
		},
	}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Quote(context.Background(), quoteRequest())
	if err == nil || err.Error() != "amadeus api error (400): INVALID FORMAT: departureDate" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestAmadeusMissingCredentials(t *testing.T) {
	client := NewAmadeus(AmadeusOptions{BaseURL: "http://127.0.0.1:1"}, noopLogger())
	if _, err := client.Quote(context.Background(), quoteRequest()); err == nil {
		t.Fatal("expected error without credentials")
	}
}

func TestAmadeusRouteStats(t *testing.T) {
	fake := &fakeAmadeus{
		metrics: func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("originIataCode") != "JFK" {
				t.Errorf("unexpected query %s", r.URL.RawQuery)
			}
			_, _ = w.Write([]byte(`{"data":[{"priceMetrics":[
				{"amount":"500.00","quartileRanking":"MINIMUM"},
				{"amount":"700.00","quartileRanking":"FIRST"},
				{"amount":"900.00","quartileRanking":"MEDIUM"},
				{"amount":"1100.00","quartileRanking":"THIRD"},
				{"amount":"1600.00","quartileRanking":"MAXIMUM"}]}]}`))
		},
	}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	stats, err := newTestClient(srv.URL).RouteStats(context.Background(), "JFK", "LHR", quoteRequest().DepartureDate)
	if err != nil {
		t.Fatalf("RouteStats returned error: %v", err)
	}
	if stats == nil || !stats.Median.Equal(decimal.NewFromInt(900)) || !stats.ThirdQuartile.Equal(decimal.NewFromInt(1100)) {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.Rank(decimal.NewFromInt(650)) != signal.QuartileFirst {
		t.Fatalf("650 should rank in the first quartile")
	}
}

func TestAmadeusRouteStatsEmpty(t *testing.T) {
	fake := &fakeAmadeus{
		metrics: func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"data":[]}`))
		},
	}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	stats, err := newTestClient(srv.URL).RouteStats(context.Background(), "JFK", "LHR", quoteRequest().DepartureDate)
	if err != nil || stats != nil {
		t.Fatalf("expected nil stats without error, got %+v, %v", stats, err)
	}
}

func TestStaticProviderScript(t *testing.T) {
	seats := 2
	static := NewStatic("USD")
	static.SetRoute("JFK", "LHR", StaticRoute{
		Prices: []decimal.Decimal{decimal.NewFromInt(1000), decimal.NewFromInt(940)},
		Seats:  &seats,
	})

	want := []int64{1000, 940, 940}
	for i, w := range want {
		quote, err := static.Quote(context.Background(), quoteRequest())
		if err != nil {
			t.Fatalf("quote %d: %v", i, err)
		}
		if !quote.Price.Equal(decimal.NewFromInt(w)) {
			t.Fatalf("quote %d: got %s want %d", i, quote.Price, w)
		}
	}

	if _, err := static.Quote(context.Background(), QuoteRequest{Origin: "SFO", Destination: "NRT"}); !errors.Is(err, ErrNoOffers) {
		t.Fatalf("unknown route should return ErrNoOffers, got %v", err)
	}
}
