// Package holdings keeps the per-portfolio set of (ticker, shares) positions.
//
// At most one holding per ticker exists at any time and no holding is ever
// kept at zero shares. Tickers match exactly, case included.
package holdings

import (
	"errors"
	"fmt"

	"github.com/xtrntr/papertrade/internal/models"
)

var (
	ErrZeroDelta      = errors.New("share delta must not be zero")
	ErrNegativeShares = errors.New("resulting share count would be negative")
	ErrEmptyTicker    = errors.New("ticker must not be empty")
)

// Find returns the holding for ticker and its index, or -1
func Find(hs []models.Holding, ticker string) (models.Holding, int) {
	for i, h := range hs {
		if h.Ticker == ticker {
			return h, i
		}
	}
	return models.Holding{}, -1
}

// Shares returns how many shares of ticker are held, 0 when none
func Shares(hs []models.Holding, ticker string) int64 {
	h, i := Find(hs, ticker)
	if i < 0 {
		return 0
	}
	return h.Shares
}

// Merge applies a signed share delta for ticker and returns the new set.
// The input slice is left untouched.
func Merge(existing []models.Holding, ticker string, delta int64) ([]models.Holding, error) {
	if ticker == "" {
		return nil, ErrEmptyTicker
	}
	if delta == 0 {
		return nil, ErrZeroDelta
	}

	out := make([]models.Holding, len(existing), len(existing)+1)
	copy(out, existing)

	h, i := Find(out, ticker)
	if i < 0 {
		if delta < 0 {
			return nil, fmt.Errorf("%s: %w", ticker, ErrNegativeShares)
		}
		return append(out, models.Holding{Ticker: ticker, Shares: delta}), nil
	}

	shares := h.Shares + delta
	switch {
	case shares < 0:
		return nil, fmt.Errorf("%s: have %d, delta %d: %w", ticker, h.Shares, delta, ErrNegativeShares)
	case shares == 0:
		return append(out[:i], out[i+1:]...), nil
	}
	out[i].Shares = shares
	return out, nil
}

// Normalize collapses duplicate tickers and drops non-positive entries.
// Used on data loaded from outside the ledger.
func Normalize(hs []models.Holding) []models.Holding {
	out := make([]models.Holding, 0, len(hs))
	for _, h := range hs {
		_, i := Find(out, h.Ticker)
		if i < 0 {
			out = append(out, h)
			continue
		}
		out[i].Shares += h.Shares
		if !h.LastPrice.IsZero() {
			out[i].LastPrice = h.LastPrice
		}
	}
	kept := out[:0]
	for _, h := range out {
		if h.Shares > 0 {
			kept = append(kept, h)
		}
	}
	return kept
}
