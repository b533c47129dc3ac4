package models

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Position 用户持仓快照 / Point-in-time snapshot of a user's balances
// Components other than the ledger only ever see copies of this.
type Position struct {
	UserID     string                     `json:"user_id"`
	Collateral map[string]decimal.Decimal `json:"collateral"`
	Debt       map[string]decimal.Decimal `json:"debt"`
}

// NewPosition 创建空持仓 / Create empty position
func NewPosition(userID string) *Position {
	return &Position{
		UserID:     userID,
		Collateral: make(map[string]decimal.Decimal),
		Debt:       make(map[string]decimal.Decimal),
	}
}

// CollateralOf returns the collateral amount for asset, zero if absent.
func (p *Position) CollateralOf(asset string) decimal.Decimal {
	return p.Collateral[asset]
}

// DebtOf returns the debt amount for asset, zero if absent.
func (p *Position) DebtOf(asset string) decimal.Decimal {
	return p.Debt[asset]
}

// HasDebt 是否存在未偿债务 / Whether any debt is outstanding
func (p *Position) HasDebt() bool {
	for _, amt := range p.Debt {
		if amt.IsPositive() {
			return true
		}
	}
	return false
}

// HasCollateral 是否存在抵押品 / Whether any collateral remains
func (p *Position) HasCollateral() bool {
	for _, amt := range p.Collateral {
		if amt.IsPositive() {
			return true
		}
	}
	return false
}

// Clone 深拷贝 / Deep copy
func (p *Position) Clone() *Position {
	c := NewPosition(p.UserID)
	for k, v := range p.Collateral {
		c.Collateral[k] = v
	}
	for k, v := range p.Debt {
		c.Debt[k] = v
	}
	return c
}

// String 字符串表示 / String representation
func (p *Position) String() string {
	return fmt.Sprintf("Position{User=%s, Collateral={%s}, Debt={%s}}",
		p.UserID, formatAmounts(p.Collateral), formatAmounts(p.Debt))
}

func formatAmounts(m map[string]decimal.Decimal) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+m[k].String())
	}
	return strings.Join(parts, ", ")
}
