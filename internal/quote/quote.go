// Package quote provides the price lookups the ledger and valuation engine
// consume. A Source is a fallible synchronous dependency; callers decide
// whether to retry.
package quote

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// ErrUnavailable is returned when a provider cannot produce a usable price
var ErrUnavailable = errors.New("quote unavailable")

// Source returns the current price of a ticker
type Source interface {
	Quote(ctx context.Context, ticker string) (decimal.Decimal, error)
}

// SourceFunc adapts a function to Source
type SourceFunc func(ctx context.Context, ticker string) (decimal.Decimal, error)

func (f SourceFunc) Quote(ctx context.Context, ticker string) (decimal.Decimal, error) {
	return f(ctx, ticker)
}

// Static serves prices from an in-memory table. Unknown tickers are unavailable.
type Static struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

var _ Source = (*Static)(nil)

// NewStatic creates a static source seeded with prices
func NewStatic(prices map[string]decimal.Decimal) *Static {
	s := &Static{prices: make(map[string]decimal.Decimal, len(prices))}
	for k, v := range prices {
		s.prices[k] = v
	}
	return s
}

// Set changes the price of a ticker
func (s *Static) Set(ticker string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[ticker] = price
}

// Remove makes a ticker unavailable
func (s *Static) Remove(ticker string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.prices, ticker)
}

func (s *Static) Quote(ctx context.Context, ticker string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[ticker]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%s: %w", ticker, ErrUnavailable)
	}
	return p, nil
}
