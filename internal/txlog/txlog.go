// Package txlog is the append-only history of executed orders.
//
// Records are independent of the ledger's current state and outlive the
// portfolio they reference. Nothing here updates or deletes a record.
package txlog

import (
	"context"
	"errors"
	"sync"

	"github.com/xtrntr/papertrade/internal/models"
)

var ErrMalformedRecord = errors.New("malformed transaction record")

// Filter selects records by user or by portfolio. Exactly one field is set.
type Filter struct {
	UserID      *int
	PortfolioID *int
}

// ByUser selects the records executed by a user
func ByUser(id int) Filter { return Filter{UserID: &id} }

// ByPortfolio selects the records of a portfolio
func ByPortfolio(id int) Filter { return Filter{PortfolioID: &id} }

// Valid reports whether exactly one selector is set
func (f Filter) Valid() bool {
	return (f.UserID == nil) != (f.PortfolioID == nil)
}

// Match reports whether r is selected by f
func (f Filter) Match(r models.TransactionRecord) bool {
	if f.UserID != nil {
		return r.UserID == *f.UserID
	}
	if f.PortfolioID != nil {
		return r.PortfolioID == *f.PortfolioID
	}
	return false
}

// Log is the transaction history store
type Log interface {
	Append(ctx context.Context, rec models.TransactionRecord) (models.TransactionRecord, error)
	Query(ctx context.Context, f Filter) ([]models.TransactionRecord, error)
}

// Validate checks the shape of a record before it is appended
func Validate(rec models.TransactionRecord) error {
	if rec.Ticker == "" || rec.Shares == 0 || !rec.Price.IsPositive() || rec.ExecutedAt.IsZero() {
		return ErrMalformedRecord
	}
	return nil
}

// Memory is an in-process Log. Records are kept in insertion order.
type Memory struct {
	mu          sync.RWMutex
	records     []models.TransactionRecord
	byUser      map[int][]int
	byPortfolio map[int][]int
}

var _ Log = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		byUser:      make(map[int][]int),
		byPortfolio: make(map[int][]int),
	}
}

// Append stores rec and assigns its ID
func (m *Memory) Append(ctx context.Context, rec models.TransactionRecord) (models.TransactionRecord, error) {
	if err := Validate(rec); err != nil {
		return models.TransactionRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := len(m.records)
	rec.ID = idx + 1
	m.records = append(m.records, rec)
	m.byUser[rec.UserID] = append(m.byUser[rec.UserID], idx)
	m.byPortfolio[rec.PortfolioID] = append(m.byPortfolio[rec.PortfolioID], idx)
	return rec, nil
}

// Query returns matching records oldest first
func (m *Memory) Query(ctx context.Context, f Filter) ([]models.TransactionRecord, error) {
	if !f.Valid() {
		return nil, errors.New("filter must select a user or a portfolio")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var idx []int
	if f.UserID != nil {
		idx = m.byUser[*f.UserID]
	} else {
		idx = m.byPortfolio[*f.PortfolioID]
	}
	out := make([]models.TransactionRecord, 0, len(idx))
	for _, i := range idx {
		out = append(out, m.records[i])
	}
	return out, nil
}

// Len returns the number of records
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
