// Package health computes health factors. Everything here is a pure function of its inputs.
package health

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/wTHU1Ew/papaya/pkg/models"
)

// ErrMissingPrice is returned when a held asset has no price in the snapshot.
var ErrMissingPrice = errors.New("missing price")

// Thresholds 风险阈值 / Classification thresholds
type Thresholds struct {
	Healthy     decimal.Decimal // minimum-healthy, gates withdraw/borrow
	Liquidation decimal.Decimal
	Target      decimal.Decimal // recovery ratio liquidations aim for
}

// DefaultThresholds returns 1.5 / 1.0 / 1.1.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Healthy:     decimal.RequireFromString("1.5"),
		Liquidation: decimal.NewFromInt(1),
		Target:      decimal.RequireFromString("1.1"),
	}
}

// Result 健康因子结果 / Health factor evaluation
type Result struct {
	CollateralValue    decimal.Decimal
	WeightedCollateral decimal.Decimal
	DebtValue          decimal.Decimal
	Factor             decimal.Decimal // meaningless when Infinite
	Infinite           bool
	Band               models.RiskBand
}

// AtLeast reports factor >= x; an infinite factor satisfies every bound.
func (r Result) AtLeast(x decimal.Decimal) bool {
	return r.Infinite || r.Factor.GreaterThanOrEqual(x)
}

// String 字符串表示 / String representation
func (r Result) String() string {
	if r.Infinite {
		return fmt.Sprintf("HF=inf (%s)", r.Band)
	}
	return fmt.Sprintf("HF=%s (%s, collateral=%s, debt=%s)",
		r.Factor.StringFixed(4), r.Band, r.WeightedCollateral.StringFixed(2), r.DebtValue.StringFixed(2))
}

// Evaluate 计算健康因子 / Compute the health factor of a position
//
//	collateral_value = Σ balance × price × weight
//	debt_value       = Σ balance × price
//	health_factor    = collateral_value / debt_value (infinite when debt_value is zero)
//
// Assets without a weight count as zero collateral. A held asset without a price is an error.
func Evaluate(pos *models.Position, prices, weights map[string]decimal.Decimal, th Thresholds) (Result, error) {
	var r Result

	for asset, amount := range pos.Collateral {
		if !amount.IsPositive() {
			continue
		}
		price, ok := prices[asset]
		if !ok {
			return Result{}, fmt.Errorf("%w for collateral %s", ErrMissingPrice, asset)
		}
		value := amount.Mul(price)
		r.CollateralValue = r.CollateralValue.Add(value)
		r.WeightedCollateral = r.WeightedCollateral.Add(value.Mul(weights[asset]))
	}

	for asset, amount := range pos.Debt {
		if !amount.IsPositive() {
			continue
		}
		price, ok := prices[asset]
		if !ok {
			return Result{}, fmt.Errorf("%w for debt %s", ErrMissingPrice, asset)
		}
		r.DebtValue = r.DebtValue.Add(amount.Mul(price))
	}

	if r.DebtValue.IsZero() {
		r.Infinite = true
	} else {
		r.Factor = r.WeightedCollateral.Div(r.DebtValue)
	}
	r.Band = Classify(r, th)
	return r, nil
}

// Classify 风险分级 / Map a result to its band
// HEALTHY ≥ Healthy, AT_RISK in [Liquidation, Healthy), LIQUIDATABLE < Liquidation.
func Classify(r Result, th Thresholds) models.RiskBand {
	switch {
	case r.AtLeast(th.Healthy):
		return models.RiskBandHealthy
	case r.AtLeast(th.Liquidation):
		return models.RiskBandAtRisk
	default:
		return models.RiskBandLiquidatable
	}
}
