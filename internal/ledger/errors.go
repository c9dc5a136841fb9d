package ledger

import (
	"errors"

	"github.com/xtrntr/papertrade/internal/access"
	"github.com/xtrntr/papertrade/internal/models"
	"github.com/xtrntr/papertrade/internal/quote"
)

var (
	ErrQuoteUnavailable   = quote.ErrUnavailable
	ErrAccessDenied       = access.ErrAccessDenied
	ErrNotFound           = models.ErrNotFound
	ErrConflict           = models.ErrConflict
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInsufficientShares = errors.New("insufficient shares")
	ErrNotOwned           = errors.New("ticker not held in portfolio")
	ErrInvariantViolation = errors.New("invariant violation")
)
