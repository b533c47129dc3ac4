package liquidation

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/wTHU1Ew/papaya/internal/health"
	"github.com/wTHU1Ew/papaya/pkg/models"
)

// Leg 清算步骤 / One seizure: sell Amount of Seize to repay Repay
type Leg struct {
	Seize    string
	Amount   decimal.Decimal
	Repay    string
	RefPrice decimal.Decimal // units of Repay per unit of Seize at the snapshot
	Expected decimal.Decimal // Repay proceeds after worst-case slippage and penalty
}

// Netted reports whether the leg offsets collateral against debt of the same asset without a trade.
func (l Leg) Netted() bool {
	return l.Seize == l.Repay
}

func (l Leg) String() string {
	return fmt.Sprintf("seize %s %s -> repay ~%s %s", l.Amount, l.Seize, l.Expected.StringFixed(6), l.Repay)
}

// Plan 清算计划 / Projected seizure plan for one position
type Plan struct {
	UserID    string
	Legs      []Leg
	Before    health.Result
	After     health.Result // projected, assuming worst-case slippage
	Exhausted bool          // target not reachable with the seizable collateral
}

// PlannerConfig 计划参数 / Planner parameters
type PlannerConfig struct {
	Thresholds  health.Thresholds
	Weights     map[string]decimal.Decimal
	Decimals    map[string]int32
	Penalty     decimal.Decimal
	MaxSlippage decimal.Decimal
	MaxLegs     int
	// Tradable reports whether from can be converted into to; nil means every pair.
	Tradable func(from, to string) bool
}

// Planner 贪心清算计划器 / Greedy seizure planner
type Planner struct {
	cfg PlannerConfig
}

// NewPlanner creates a planner.
func NewPlanner(cfg PlannerConfig) *Planner {
	if cfg.MaxLegs <= 0 {
		cfg.MaxLegs = 4
	}
	return &Planner{cfg: cfg}
}

// valued is an asset with its USD value at the snapshot.
type valued struct {
	asset string
	value decimal.Decimal
}

// byValue sorts balances by USD value descending, ties broken by symbol.
func byValue(balances map[string]decimal.Decimal, prices map[string]decimal.Decimal) []valued {
	out := make([]valued, 0, len(balances))
	for asset, amount := range balances {
		if !amount.IsPositive() {
			continue
		}
		out = append(out, valued{asset: asset, value: amount.Mul(prices[asset])})
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].value.Cmp(out[j].value); c != 0 {
			return c > 0
		}
		return out[i].asset < out[j].asset
	})
	return out
}

// Next 计算下一步 / Compute the next leg for pos at prices
// 选择美元价值最大的抵押品（同值按代码排序），计算把健康因子恢复到目标值所需的最小卖出量，
// 上限为该资产余额以及目标债务的剩余价值
// Picks the largest collateral by USD value (ties by symbol) against the largest debt, and sizes the
// minimum seizure that restores the target factor, capped by the balance and by the remaining debt.
//
// Returns:
//   - Leg: 下一步 / The leg to execute
//   - bool: false 表示已达到目标或没有可清算的抵押品 / false when at target or nothing is seizable
func (p *Planner) Next(pos *models.Position, prices map[string]decimal.Decimal) (Leg, bool, error) {
	r, err := health.Evaluate(pos, prices, p.cfg.Weights, p.cfg.Thresholds)
	if err != nil {
		return Leg{}, false, err
	}
	if r.AtLeast(p.cfg.Thresholds.Target) {
		return Leg{}, false, nil
	}

	one := decimal.NewFromInt(1)
	target := p.cfg.Thresholds.Target
	collateral := byValue(pos.Collateral, prices)

	for _, debt := range byValue(pos.Debt, prices) {
		for _, c := range collateral {
			if c.asset != debt.asset && p.cfg.Tradable != nil && !p.cfg.Tradable(c.asset, debt.asset) {
				continue
			}

			price := prices[c.asset]
			weight := p.cfg.Weights[c.asset]
			k := one.Sub(p.cfg.Penalty)
			if c.asset != debt.asset {
				k = k.Mul(one.Sub(p.cfg.MaxSlippage))
			}
			if !k.IsPositive() {
				continue
			}

			balance := pos.CollateralOf(c.asset)
			// Seizing more than the remaining debt of the asset only churns collateral.
			amount := decimal.Min(balance, debt.value.DivRound(price.Mul(k), 28).RoundUp(p.decimals(c.asset)))

			// C − x·p·w ≥ T·(D − x·p·k)  ⇔  x ≥ (T·D − C) / (p·(T·k − w))
			denom := price.Mul(target.Mul(k).Sub(weight))
			if denom.IsPositive() {
				need := target.Mul(r.DebtValue).Sub(r.WeightedCollateral).DivRound(denom, 28).RoundUp(p.decimals(c.asset))
				amount = decimal.Min(amount, need)
			}
			if !amount.IsPositive() {
				continue
			}

			ref := price.Div(prices[debt.asset])
			return Leg{
				Seize:    c.asset,
				Amount:   amount,
				Repay:    debt.asset,
				RefPrice: ref,
				Expected: amount.Mul(ref).Mul(k),
			}, true, nil
		}
	}
	return Leg{}, false, nil
}

// Plan 完整清算计划 / Project the full greedy plan, applying each leg at worst-case proceeds
func (p *Planner) Plan(pos *models.Position, prices map[string]decimal.Decimal) (*Plan, error) {
	before, err := health.Evaluate(pos, prices, p.cfg.Weights, p.cfg.Thresholds)
	if err != nil {
		return nil, err
	}
	plan := &Plan{UserID: pos.UserID, Before: before, After: before}

	work := pos.Clone()
	for len(plan.Legs) < p.cfg.MaxLegs {
		leg, ok, err := p.Next(work, prices)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		plan.Legs = append(plan.Legs, leg)
		project(work, leg)
	}

	if plan.After, err = health.Evaluate(work, prices, p.cfg.Weights, p.cfg.Thresholds); err != nil {
		return nil, err
	}
	plan.Exhausted = !plan.After.AtLeast(p.cfg.Thresholds.Target)
	return plan, nil
}

// project applies leg to pos the way the ledger applies a confirmed settlement.
func project(pos *models.Position, leg Leg) {
	pos.Collateral[leg.Seize] = pos.CollateralOf(leg.Seize).Sub(leg.Amount)
	debt := pos.DebtOf(leg.Repay)
	repaid := decimal.Min(debt, leg.Expected)
	pos.Debt[leg.Repay] = debt.Sub(repaid)
	if surplus := leg.Expected.Sub(repaid); surplus.IsPositive() {
		pos.Collateral[leg.Repay] = pos.CollateralOf(leg.Repay).Add(surplus)
	}
}

func (p *Planner) decimals(asset string) int32 {
	if d, ok := p.cfg.Decimals[asset]; ok {
		return d
	}
	return 18
}
