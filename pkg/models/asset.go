package models

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Asset 资产定义 / Supported asset definition
type Asset struct {
	Symbol   string `json:"symbol"`
	Decimals int32  `json:"decimals"`
	IsFiat   bool   `json:"is_fiat"`

	// ProviderID is the CoinGecko id for crypto assets and the ISO 4217 code for fiat.
	ProviderID       string          `json:"provider_id"`
	FallbackPrice    decimal.Decimal `json:"fallback_price"`
	CollateralWeight decimal.Decimal `json:"collateral_weight"`
}

// Validate 验证资产定义 / Validate asset definition
func (a *Asset) Validate() error {
	if a.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if a.ProviderID == "" {
		return fmt.Errorf("provider_id is required for %s", a.Symbol)
	}
	if a.Decimals < 0 || a.Decimals > 18 {
		return fmt.Errorf("decimals must be between 0 and 18 for %s", a.Symbol)
	}
	if !a.FallbackPrice.IsPositive() {
		return fmt.Errorf("fallback price must be positive for %s", a.Symbol)
	}
	if a.CollateralWeight.IsNegative() || a.CollateralWeight.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("collateral weight must be within [0, 1] for %s", a.Symbol)
	}
	return nil
}

// NormalizeSymbol 规范化资产代码 / Normalize asset symbol (trim + upper case)
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// Catalog 静态资产目录 / Static asset catalog
type Catalog struct {
	assets  map[string]Asset
	symbols []string
}

// NewCatalog 创建资产目录 / Create asset catalog
// 校验每个资产并按代码排序，重复代码会返回错误
// Validate every asset and keep symbols sorted; duplicate symbols are rejected
func NewCatalog(assets ...Asset) (*Catalog, error) {
	c := &Catalog{assets: make(map[string]Asset, len(assets))}
	for _, a := range assets {
		a.Symbol = NormalizeSymbol(a.Symbol)
		if err := a.Validate(); err != nil {
			return nil, fmt.Errorf("invalid asset: %w", err)
		}
		if _, dup := c.assets[a.Symbol]; dup {
			return nil, fmt.Errorf("duplicate asset %s", a.Symbol)
		}
		c.assets[a.Symbol] = a
		c.symbols = append(c.symbols, a.Symbol)
	}
	sort.Strings(c.symbols)
	return c, nil
}

// Get returns the asset for symbol.
func (c *Catalog) Get(symbol string) (Asset, bool) {
	a, ok := c.assets[NormalizeSymbol(symbol)]
	return a, ok
}

// Symbols returns the sorted asset symbols.
func (c *Catalog) Symbols() []string {
	out := make([]string, len(c.symbols))
	copy(out, c.symbols)
	return out
}

// Weights 抵押折扣率表 / Collateral weight table
func (c *Catalog) Weights() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(c.assets))
	for sym, a := range c.assets {
		out[sym] = a.CollateralWeight
	}
	return out
}

// Decimals returns the precision of every asset.
func (c *Catalog) Decimals() map[string]int32 {
	out := make(map[string]int32, len(c.assets))
	for sym, a := range c.assets {
		out[sym] = a.Decimals
	}
	return out
}

// Len returns the number of assets.
func (c *Catalog) Len() int {
	return len(c.symbols)
}
