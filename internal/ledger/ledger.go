// Package ledger executes buy and sell orders against a portfolio's cash
// and holdings.
//
// Every execution for one portfolio runs inside that portfolio's critical
// section: load, validate, quote, compute and commit happen while the
// portfolio lock is held, so concurrent orders can never both spend the same
// cash or the same shares. Orders on different portfolios never contend.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xtrntr/papertrade/internal/access"
	"github.com/xtrntr/papertrade/internal/holdings"
	"github.com/xtrntr/papertrade/internal/models"
	"github.com/xtrntr/papertrade/internal/quote"
)

// Store is the persistence substrate the ledger commits to
type Store interface {
	// GetPortfolio returns a private copy of the portfolio
	GetPortfolio(ctx context.Context, id int) (models.Portfolio, error)
	// ApplyExecution persists the new cash and holdings of p and appends rec
	// as one unit. On error nothing is persisted. It fails with ErrConflict
	// if the stored portfolio is no longer at p.Version; the caller decides
	// whether to resubmit.
	ApplyExecution(ctx context.Context, p models.Portfolio, rec models.TransactionRecord) (models.TransactionRecord, error)
}

// Ledger executes orders
type Ledger struct {
	store  Store
	quotes quote.Source
	guard  *access.Guard
	locks  *keyedMutex
	now    func() time.Time
	logger *zap.Logger
}

// Option configures a Ledger
type Option func(*Ledger)

// WithLogger sets the logger used for executions and rejections
func WithLogger(l *zap.Logger) Option {
	return func(lg *Ledger) { lg.logger = l }
}

// WithClock overrides the time source stamped on records
func WithClock(now func() time.Time) Option {
	return func(lg *Ledger) { lg.now = now }
}

// NewLedger creates a ledger
func NewLedger(store Store, quotes quote.Source, guard *access.Guard, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		quotes: quotes,
		guard:  guard,
		locks:  newKeyedMutex(),
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Execute runs a buy or sell of shares of ticker on a portfolio
func (l *Ledger) Execute(ctx context.Context, portfolioID, requesterID int, ticker string, shares int64, dir models.Direction) (models.TransactionRecord, error) {
	return l.ExecuteOrder(ctx, models.Order{
		PortfolioID: portfolioID,
		RequesterID: requesterID,
		Ticker:      ticker,
		Shares:      shares,
		Direction:   dir,
	})
}

// ExecuteOrder runs order. Any price carried by order is ignored; the
// executed price is always the quote fetched here.
func (l *Ledger) ExecuteOrder(ctx context.Context, order models.Order) (models.TransactionRecord, error) {
	rec, err := l.execute(ctx, order)
	if err != nil {
		l.logger.Debug("order rejected",
			zap.Int("portfolio_id", order.PortfolioID),
			zap.Int("requester_id", order.RequesterID),
			zap.String("ticker", order.Ticker),
			zap.Int64("shares", order.Shares),
			zap.String("direction", string(order.Direction)),
			zap.Error(err))
		return models.TransactionRecord{}, err
	}
	l.logger.Info("order executed",
		zap.Int("portfolio_id", rec.PortfolioID),
		zap.Int("user_id", rec.UserID),
		zap.String("ticker", rec.Ticker),
		zap.Int64("shares", rec.Shares),
		zap.String("price", rec.Price.String()))
	return rec, nil
}

func (l *Ledger) execute(ctx context.Context, order models.Order) (models.TransactionRecord, error) {
	if err := validate(order); err != nil {
		return models.TransactionRecord{}, err
	}
	order.Price = decimal.Decimal{}

	unlock := l.locks.Lock(order.PortfolioID)
	defer unlock()

	p, err := l.store.GetPortfolio(ctx, order.PortfolioID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.TransactionRecord{}, fmt.Errorf("portfolio %d: %w", order.PortfolioID, ErrNotFound)
		}
		return models.TransactionRecord{}, fmt.Errorf("failed to load portfolio: %w", err)
	}

	ok, err := l.guard.CanMutate(ctx, order.RequesterID, p)
	if err != nil {
		return models.TransactionRecord{}, fmt.Errorf("failed to authorize order: %w", err)
	}
	if !ok {
		return models.TransactionRecord{}, ErrAccessDenied
	}

	var next models.Portfolio
	var delta int64
	var price decimal.Decimal
	switch order.Direction {
	case models.Buy:
		price, err = l.quote(ctx, order.Ticker)
		if err != nil {
			return models.TransactionRecord{}, err
		}
		next, err = buy(p, order, price)
		delta = order.Shares
	case models.Sell:
		next, price, err = l.sell(ctx, p, order)
		delta = -order.Shares
	}
	if err != nil {
		return models.TransactionRecord{}, err
	}

	rec := models.TransactionRecord{
		PortfolioID: p.ID,
		UserID:      order.RequesterID,
		Ticker:      order.Ticker,
		Shares:      delta,
		Price:       price,
		ExecutedAt:  l.now(),
	}
	saved, err := l.store.ApplyExecution(ctx, next, rec)
	if err != nil {
		return models.TransactionRecord{}, fmt.Errorf("failed to commit order: %w", err)
	}
	return saved, nil
}

// Exclusive runs fn inside the portfolio's critical section so edits made
// outside order execution cannot interleave with it
func (l *Ledger) Exclusive(portfolioID int, fn func() error) error {
	unlock := l.locks.Lock(portfolioID)
	defer unlock()
	return fn()
}

func validate(order models.Order) error {
	switch {
	case order.Shares <= 0:
		return fmt.Errorf("shares must be positive, got %d: %w", order.Shares, ErrInvariantViolation)
	case order.Ticker == "":
		return fmt.Errorf("ticker required: %w", ErrInvariantViolation)
	case !order.Direction.Valid():
		return fmt.Errorf("direction must be 'buy' or 'sell', got %q: %w", order.Direction, ErrInvariantViolation)
	}
	return nil
}

func (l *Ledger) quote(ctx context.Context, ticker string) (decimal.Decimal, error) {
	price, err := l.quotes.Quote(ctx, ticker)
	if err != nil {
		if errors.Is(err, ErrQuoteUnavailable) {
			return decimal.Decimal{}, err
		}
		return decimal.Decimal{}, fmt.Errorf("%s: %v: %w", ticker, err, ErrQuoteUnavailable)
	}
	if !price.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%s: non-positive price %s: %w", ticker, price, ErrQuoteUnavailable)
	}
	return price, nil
}

func buy(p models.Portfolio, order models.Order, price decimal.Decimal) (models.Portfolio, error) {
	cost := price.Mul(decimal.NewFromInt(order.Shares))
	if cost.GreaterThan(p.Cash) {
		return models.Portfolio{}, fmt.Errorf("cost %s exceeds cash %s: %w", cost, p.Cash, ErrInsufficientFunds)
	}
	next := p.Clone()
	hs, err := holdings.Merge(p.Holdings, order.Ticker, order.Shares)
	if err != nil {
		return models.Portfolio{}, fmt.Errorf("%v: %w", err, ErrInvariantViolation)
	}
	next.Holdings = stamp(hs, order.Ticker, price)
	next.Cash = p.Cash.Sub(cost)
	return next, nil
}

func (l *Ledger) sell(ctx context.Context, p models.Portfolio, order models.Order) (models.Portfolio, decimal.Decimal, error) {
	h, i := holdings.Find(p.Holdings, order.Ticker)
	if i < 0 {
		return models.Portfolio{}, decimal.Decimal{}, fmt.Errorf("%s: %w", order.Ticker, ErrNotOwned)
	}
	if order.Shares > h.Shares {
		return models.Portfolio{}, decimal.Decimal{}, fmt.Errorf("selling %d of %d %s: %w", order.Shares, h.Shares, order.Ticker, ErrInsufficientShares)
	}
	price, err := l.quote(ctx, order.Ticker)
	if err != nil {
		return models.Portfolio{}, decimal.Decimal{}, err
	}

	next := p.Clone()
	hs, err := holdings.Merge(p.Holdings, order.Ticker, -order.Shares)
	if err != nil {
		return models.Portfolio{}, decimal.Decimal{}, fmt.Errorf("%v: %w", err, ErrInvariantViolation)
	}
	next.Holdings = stamp(hs, order.Ticker, price)
	next.Cash = p.Cash.Add(price.Mul(decimal.NewFromInt(order.Shares)))
	return next, price, nil
}

func stamp(hs []models.Holding, ticker string, price decimal.Decimal) []models.Holding {
	if _, i := holdings.Find(hs, ticker); i >= 0 {
		hs[i].LastPrice = price
	}
	return hs
}
