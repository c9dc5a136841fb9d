package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const alphaVantageURL = "https://www.alphavantage.co/query"

// AlphaVantage fetches live quotes from the Alpha Vantage GLOBAL_QUOTE endpoint
// (CURRENCY_EXCHANGE_RATE for tickers like BTCUSD).
type AlphaVantage struct {
	APIKey  string
	BaseURL string
	HTTP    *http.Client
}

var _ Source = (*AlphaVantage)(nil)

// NewAlphaVantage creates a client; timeout bounds every lookup
func NewAlphaVantage(apiKey, baseURL string, timeout time.Duration) *AlphaVantage {
	if baseURL == "" {
		baseURL = alphaVantageURL
	}
	return &AlphaVantage{
		APIKey:  apiKey,
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

func isCrypto(ticker string) bool {
	t := strings.ToUpper(ticker)
	return strings.HasSuffix(t, "USD") && len(t) > 3
}

func (c *AlphaVantage) Quote(ctx context.Context, ticker string) (decimal.Decimal, error) {
	params := url.Values{"apikey": {c.APIKey}}
	if isCrypto(ticker) {
		params.Set("function", "CURRENCY_EXCHANGE_RATE")
		params.Set("from_currency", strings.TrimSuffix(strings.ToUpper(ticker), "USD"))
		params.Set("to_currency", "USD")
	} else {
		params.Set("function", "GLOBAL_QUOTE")
		params.Set("symbol", ticker)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"?"+params.Encode(), nil)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("failed to build quote request: %w", err)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%s: %v: %w", ticker, err, ErrUnavailable)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%s: %v: %w", ticker, err, ErrUnavailable)
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Decimal{}, fmt.Errorf("%s: status %d: %w", ticker, resp.StatusCode, ErrUnavailable)
	}

	var data struct {
		GlobalQuote  map[string]string `json:"Global Quote"`
		ExchangeRate map[string]string `json:"Realtime Currency Exchange Rate"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return decimal.Decimal{}, fmt.Errorf("%s: bad payload: %w", ticker, ErrUnavailable)
	}

	raw := data.GlobalQuote["05. price"]
	if raw == "" {
		raw = data.ExchangeRate["5. Exchange Rate"]
	}
	price, err := decimal.NewFromString(raw)
	if err != nil || !price.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("no price found in response for %s: %w", ticker, ErrUnavailable)
	}
	return price, nil
}
