package oracle

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// Static 固定价格源 / Fixed price source for tooling, replays and tests
type Static struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewStatic creates a source that always returns prices.
func NewStatic(prices map[string]decimal.Decimal) *Static {
	s := &Static{prices: make(map[string]decimal.Decimal, len(prices))}
	for k, v := range prices {
		s.prices[k] = v
	}
	return s
}

// Set 更新价格 / Update the price of asset
func (s *Static) Set(asset string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[asset] = price
}

// AllPrices returns a snapshot of the current fixed prices.
func (s *Static) AllPrices(ctx context.Context) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return NewSnapshot(s.prices)
}
