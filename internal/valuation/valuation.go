// Package valuation prices a portfolio snapshot against live quotes.
package valuation

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/xtrntr/papertrade/internal/models"
	"github.com/xtrntr/papertrade/internal/quote"
)

var ErrUnknownPolicy = errors.New("unknown valuation policy")

// Policy decides how a holding whose quote failed is priced
type Policy string

const (
	// LastKnown uses the last observed price, then the holding's stored price, then zero
	LastKnown Policy = "last-known"
	Zero      Policy = "zero"
	// Abort fails the whole valuation
	Abort Policy = "abort"
)

// ParsePolicy maps a config value to a Policy
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case LastKnown, Zero, Abort:
		return p, nil
	case "":
		return LastKnown, nil
	}
	return "", fmt.Errorf("%q: %w", s, ErrUnknownPolicy)
}

// LastPrices exposes previously observed prices, see quote.Memo
type LastPrices interface {
	Last(ticker string) (decimal.Decimal, bool)
}

// HoldingValue is one priced position
type HoldingValue struct {
	Ticker string          `json:"ticker"`
	Shares int64           `json:"shares"`
	Price  decimal.Decimal `json:"price"`
	Value  decimal.Decimal `json:"value"`
	Stale  bool            `json:"stale,omitempty"`
}

// Valuation is the priced view of a portfolio
type Valuation struct {
	PortfolioID int             `json:"portfolio_id"`
	Name        string          `json:"name"`
	Cash        decimal.Decimal `json:"cash"`
	TotalValue  decimal.Decimal `json:"total_value"`
	Holdings    []HoldingValue  `json:"holdings"`
	Failed      []string        `json:"failed,omitempty"`
}

// Engine computes valuations
type Engine struct {
	quotes      quote.Source
	policy      Policy
	last        LastPrices
	concurrency int
}

// Option configures an Engine
type Option func(*Engine)

func WithPolicy(p Policy) Option { return func(e *Engine) { e.policy = p } }

// WithLastPrices sets the fallback used by LastKnown
func WithLastPrices(l LastPrices) Option { return func(e *Engine) { e.last = l } }

// WithConcurrency bounds parallel quote lookups, n <= 0 means unbounded
func WithConcurrency(n int) Option { return func(e *Engine) { e.concurrency = n } }

func NewEngine(quotes quote.Source, opts ...Option) *Engine {
	e := &Engine{quotes: quotes, policy: LastKnown, concurrency: 8}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Value prices p. p is read only.
func (e *Engine) Value(ctx context.Context, p models.Portfolio) (Valuation, error) {
	prices := make([]decimal.Decimal, len(p.Holdings))
	errs := make([]error, len(p.Holdings))

	g, gctx := errgroup.WithContext(ctx)
	if e.concurrency > 0 {
		g.SetLimit(e.concurrency)
	}
	for i, h := range p.Holdings {
		i, h := i, h
		g.Go(func() error {
			price, err := e.quotes.Quote(gctx, h.Ticker)
			if err == nil && !price.IsPositive() {
				err = fmt.Errorf("%s: non-positive price %s: %w", h.Ticker, price, quote.ErrUnavailable)
			}
			prices[i], errs[i] = price, err
			if err != nil && e.policy == Abort {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if !errors.Is(err, quote.ErrUnavailable) {
			err = fmt.Errorf("%v: %w", err, quote.ErrUnavailable)
		}
		return Valuation{}, fmt.Errorf("failed to value portfolio %d: %w", p.ID, err)
	}

	v := Valuation{
		PortfolioID: p.ID,
		Name:        p.Name,
		Cash:        p.Cash,
		TotalValue:  p.Cash,
		Holdings:    make([]HoldingValue, 0, len(p.Holdings)),
	}
	for i, h := range p.Holdings {
		hv := HoldingValue{Ticker: h.Ticker, Shares: h.Shares, Price: prices[i]}
		if errs[i] != nil {
			hv.Price = e.fallback(h)
			hv.Stale = true
			v.Failed = append(v.Failed, h.Ticker)
		}
		hv.Value = hv.Price.Mul(decimal.NewFromInt(h.Shares))
		v.TotalValue = v.TotalValue.Add(hv.Value)
		v.Holdings = append(v.Holdings, hv)
	}
	return v, nil
}

func (e *Engine) fallback(h models.Holding) decimal.Decimal {
	switch e.policy {
	case LastKnown:
		if e.last != nil {
			if p, ok := e.last.Last(h.Ticker); ok && p.IsPositive() {
				return p
			}
		}
		if h.LastPrice.IsPositive() {
			return h.LastPrice
		}
		return decimal.Zero
	case Zero, Abort:
		return decimal.Zero
	}
	return decimal.Zero
}
