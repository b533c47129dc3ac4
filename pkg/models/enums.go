package models

// OrderSide 订单方向 / Order side type
type OrderSide string

const (
	// OrderSideBuy 买入 / Buy
	OrderSideBuy OrderSide = "buy"

	// OrderSideSell 卖出 / Sell
	OrderSideSell OrderSide = "sell"
)

// String 返回字符串表示 / Return string representation
func (o OrderSide) String() string {
	return string(o)
}

// IsValid 检查是否为有效的订单方向 / Check if valid order side
func (o OrderSide) IsValid() bool {
	return o == OrderSideBuy || o == OrderSideSell
}

// RiskBand 风险等级 / Health factor classification band
type RiskBand string

const (
	// RiskBandHealthy 健康（≥ 最低健康阈值）/ Healthy, at or above the minimum-healthy threshold
	RiskBandHealthy RiskBand = "HEALTHY"

	// RiskBandAtRisk 有风险 / Between liquidation and minimum-healthy thresholds
	RiskBandAtRisk RiskBand = "AT_RISK"

	// RiskBandLiquidatable 可清算 / Below the liquidation threshold
	RiskBandLiquidatable RiskBand = "LIQUIDATABLE"
)

// String 返回字符串表示 / Return string representation
func (b RiskBand) String() string {
	return string(b)
}

// IsValid 检查是否为有效的风险等级 / Check if valid risk band
func (b RiskBand) IsValid() bool {
	return b == RiskBandHealthy || b == RiskBandAtRisk || b == RiskBandLiquidatable
}

// PositionState 持仓清算状态 / Liquidation state of a user position
type PositionState string

const (
	PositionStateHealthy     PositionState = "HEALTHY"
	PositionStateAtRisk      PositionState = "AT_RISK"
	PositionStateLiquidating PositionState = "LIQUIDATING"
	PositionStateLiquidated  PositionState = "LIQUIDATED"
)

// String 返回字符串表示 / Return string representation
func (s PositionState) String() string {
	return string(s)
}

// IsValid 检查是否为有效状态 / Check if valid position state
func (s PositionState) IsValid() bool {
	switch s {
	case PositionStateHealthy, PositionStateAtRisk, PositionStateLiquidating, PositionStateLiquidated:
		return true
	}
	return false
}

// CanTransitionTo 状态迁移检查 / Check whether a state transition is allowed
//
// HEALTHY <-> AT_RISK, HEALTHY/AT_RISK -> LIQUIDATING, LIQUIDATING -> LIQUIDATED | HEALTHY,
// LIQUIDATED re-enters the cycle on the next evaluation.
func (s PositionState) CanTransitionTo(next PositionState) bool {
	switch s {
	case PositionStateHealthy:
		return next == PositionStateAtRisk || next == PositionStateLiquidating || next == PositionStateHealthy
	case PositionStateAtRisk:
		return next == PositionStateHealthy || next == PositionStateLiquidating || next == PositionStateAtRisk
	case PositionStateLiquidating:
		return next == PositionStateLiquidated || next == PositionStateHealthy
	case PositionStateLiquidated:
		return next == PositionStateHealthy || next == PositionStateAtRisk || next == PositionStateLiquidating
	}
	return false
}

// PriceSource 价格来源 / Where a quoted price came from
type PriceSource string

const (
	// PriceSourceLive 实时价格 / Fetched from the provider
	PriceSourceLive PriceSource = "live"

	// PriceSourceFallback 兜底价格 / Static fallback constant
	PriceSourceFallback PriceSource = "fallback"
)

// String 返回字符串表示 / Return string representation
func (p PriceSource) String() string {
	return string(p)
}

// InterestMode 计息方式 / Interest accrual mode
type InterestMode string

const (
	InterestModeCompound InterestMode = "compound"
	InterestModeSimple   InterestMode = "simple"
)

// IsValid 检查是否为有效的计息方式 / Check if valid interest mode
func (m InterestMode) IsValid() bool {
	return m == InterestModeCompound || m == InterestModeSimple
}
