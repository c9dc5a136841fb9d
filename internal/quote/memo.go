package quote

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// Memo wraps a Source, remembers the last good price per ticker and
// collapses concurrent lookups of the same ticker into one upstream call.
type Memo struct {
	src   Source
	group singleflight.Group

	mu   sync.RWMutex
	last map[string]decimal.Decimal
}

var _ Source = (*Memo)(nil)

func NewMemo(src Source) *Memo {
	return &Memo{src: src, last: make(map[string]decimal.Decimal)}
}

// Quote looks up ticker. The shared upstream call is detached from the
// first caller's cancellation so it cannot fail the others collapsed onto
// it; the source bounds its own latency.
func (m *Memo) Quote(ctx context.Context, ticker string) (decimal.Decimal, error) {
	shared := context.WithoutCancel(ctx)
	v, err, _ := m.group.Do(ticker, func() (interface{}, error) {
		price, err := m.src.Quote(shared, ticker)
		if err == nil && price.IsPositive() {
			m.mu.Lock()
			m.last[ticker] = price
			m.mu.Unlock()
		}
		return price, err
	})
	if err != nil {
		return decimal.Decimal{}, err
	}
	return v.(decimal.Decimal), nil
}

// Last returns the most recent positive price seen for ticker
func (m *Memo) Last(ticker string) (decimal.Decimal, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.last[ticker]
	return p, ok
}
