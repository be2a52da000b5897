package fare

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/jidegrand/travelcart/internal/signal"
)

const (
	tokenPath        = "/v1/security/oauth2/token"
	flightOffersPath = "/v2/shopping/flight-offers"
	priceMetricsPath = "/v1/analytics/itinerary-price-metrics"

	// tokens are refreshed this long before the reported expiry
	tokenSkew = 30 * time.Second
)

// AmadeusOptions parameterise the Amadeus client.
type AmadeusOptions struct {
	BaseURL       string
	ClientID      string
	ClientSecret  string
	Timeout       time.Duration
	RatePerSecond float64
	Currency      string
	UserAgent     string
}

// Amadeus fetches fares from the Amadeus self-service APIs.
type Amadeus struct {
	opts    AmadeusOptions
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
	now         func() time.Time
}

// NewAmadeus constructs an Amadeus client.
func NewAmadeus(opts AmadeusOptions, logger zerolog.Logger) *Amadeus {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rps := opts.RatePerSecond
	if rps <= 0 {
		rps = 1
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://test.api.amadeus.com"
	}
	if opts.Currency == "" {
		opts.Currency = "USD"
	}

	return &Amadeus{
		opts:    opts,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		logger:  logger.With().Str("component", "fare_amadeus").Logger(),
		now:     time.Now,
	}
}

// Quote returns the cheapest offer for the request.
func (a *Amadeus) Quote(ctx context.Context, req QuoteRequest) (Quote, error) {
	if req.Origin == "" || req.Destination == "" {
		return Quote{}, errors.New("origin and destination required")
	}
	travelers := req.Travelers
	if travelers < 1 {
		travelers = 1
	}
	currency := req.Currency
	if currency == "" {
		currency = a.opts.Currency
	}

	params := url.Values{}
	params.Set("originLocationCode", req.Origin)
	params.Set("destinationLocationCode", req.Destination)
	params.Set("departureDate", req.DepartureDate.Format(dateLayout))
	if req.ReturnDate != nil {
		params.Set("returnDate", req.ReturnDate.Format(dateLayout))
	}
	params.Set("adults", strconv.Itoa(travelers))
	params.Set("currencyCode", currency)
	params.Set("max", "1")

	var payload offersResponse
	if err := a.get(ctx, flightOffersPath, params, &payload); err != nil {
		return Quote{}, err
	}
	if len(payload.Data) == 0 {
		return Quote{}, ErrNoOffers
	}

	offer := payload.Data[0]
	price, err := decimal.NewFromString(offer.Price.GrandTotal)
	if err != nil {
		return Quote{}, fmt.Errorf("parse grand total %q: %w", offer.Price.GrandTotal, err)
	}
	if !price.IsPositive() {
		return Quote{}, fmt.Errorf("grand total must be positive, got %s", price)
	}

	quote := Quote{Price: price, Currency: offer.Price.Currency}
	if quote.Currency == "" {
		quote.Currency = currency
	}
	if offer.NumberOfBookableSeats != nil {
		seats := *offer.NumberOfBookableSeats
		quote.SeatsAvailable = &seats
	}
	return quote, nil
}

// RouteStats returns the quartile distribution for the route, or nil when
// the analytics endpoint has no data for it.
func (a *Amadeus) RouteStats(ctx context.Context, origin, destination string, departure time.Time) (*signal.RouteStats, error) {
	params := url.Values{}
	params.Set("originIataCode", origin)
	params.Set("destinationIataCode", destination)
	params.Set("departureDate", departure.Format(dateLayout))
	params.Set("currencyCode", a.opts.Currency)

	var payload metricsResponse
	if err := a.get(ctx, priceMetricsPath, params, &payload); err != nil {
		return nil, err
	}
	if len(payload.Data) == 0 || len(payload.Data[0].PriceMetrics) == 0 {
		return nil, nil
	}

	amounts := make(map[string]decimal.Decimal, 5)
	for _, m := range payload.Data[0].PriceMetrics {
		amount, err := decimal.NewFromString(m.Amount)
		if err != nil {
			return nil, fmt.Errorf("parse %s amount %q: %w", m.QuartileRanking, m.Amount, err)
		}
		amounts[m.QuartileRanking] = amount
	}

	stats := &signal.RouteStats{
		Min:           amounts["MINIMUM"],
		FirstQuartile: amounts["FIRST"],
		Median:        amounts["MEDIUM"],
		ThirdQuartile: amounts["THIRD"],
		Max:           amounts["MAXIMUM"],
	}
	if stats.Median.IsZero() {
		return nil, nil
	}
	return stats, nil
}

func (a *Amadeus) get(ctx context.Context, path string, params url.Values, out any) error {
	token, err := a.accessToken(ctx)
	if err != nil {
		return err
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	endpoint := a.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.amadeus+json, application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	a.setUserAgent(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		a.resetToken()
	}
	if resp.StatusCode != http.StatusOK {
		return parseAPIError(resp.StatusCode, body)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (a *Amadeus) accessToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token != "" && a.now().Before(a.tokenExpiry) {
		return a.token, nil
	}
	if a.opts.ClientID == "" || a.opts.ClientSecret == "" {
		return "", errors.New("amadeus client credentials not configured")
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", a.opts.ClientID)
	form.Set("client_secret", a.opts.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+tokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	a.setUserAgent(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", parseAPIError(resp.StatusCode, body)
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", errors.New("token response missing access_token")
	}

	ttl := time.Duration(tok.ExpiresIn)*time.Second - tokenSkew
	if ttl < 0 {
		ttl = 0
	}
	a.token = tok.AccessToken
	a.tokenExpiry = a.now().Add(ttl)
	a.logger.Debug().Dur("ttl", ttl).Msg("access token refreshed")
	return a.token, nil
}

func (a *Amadeus) resetToken() {
	a.mu.Lock()
	a.token = ""
	a.mu.Unlock()
}

func (a *Amadeus) setUserAgent(req *http.Request) {
	if ua := strings.TrimSpace(a.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "travelcart/1.0")
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

type offersResponse struct {
	Data []struct {
		ID                    string `json:"id"`
		NumberOfBookableSeats *int   `json:"numberOfBookableSeats"`
		Price                 struct {
			Currency   string `json:"currency"`
			Total      string `json:"total"`
			GrandTotal string `json:"grandTotal"`
		} `json:"price"`
	} `json:"data"`
}

type metricsResponse struct {
	Data []struct {
		PriceMetrics []struct {
			Amount          string `json:"amount"`
			QuartileRanking string `json:"quartileRanking"`
		} `json:"priceMetrics"`
	} `json:"data"`
}

type apiErrorResponse struct {
	Errors []struct {
		Status int    `json:"status"`
		Code   int    `json:"code"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func parseAPIError(status int, payload []byte) error {
	var apiErr apiErrorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if len(apiErr.Errors) > 0 {
			e := apiErr.Errors[0]
			msg := e.Title
			if e.Detail != "" {
				msg = msg + ": " + e.Detail
			}
			return fmt.Errorf("amadeus api error (%d): %s", status, msg)
		}
		if apiErr.ErrorDescription != "" {
			return fmt.Errorf("amadeus api error (%d): %s", status, apiErr.ErrorDescription)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("amadeus api error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("amadeus api error (%d): %s", status, truncate(strings.TrimSpace(string(payload)), 200))
	}
	return fmt.Errorf("amadeus api error (%d)", status)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

var _ Provider = (*Amadeus)(nil)
