package models

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// 错误分类 / Error taxonomy shared by the engine components
var (
	// ErrOracleUnavailable is recorded on fallback quotes and never returned to callers.
	ErrOracleUnavailable = errors.New("price oracle unavailable")

	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrHealthCheckRejected  = errors.New("health check rejected")
	ErrLedgerConflict       = errors.New("ledger conflict")
	ErrSettlementFailed     = errors.New("settlement failed")
	ErrSettlementTimeout    = errors.New("settlement timeout")
	ErrSettlementInProgress = errors.New("settlement in progress")

	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrUnsupportedAsset  = errors.New("unsupported asset")
	ErrUserNotFound      = errors.New("user not found")
	ErrNoOutstandingDebt = errors.New("no outstanding debt")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotFound          = errors.New("not found")
)

// HealthCheckError 健康因子校验失败 / Mutation would breach the minimum health factor
type HealthCheckError struct {
	Factor   decimal.Decimal
	Minimum  decimal.Decimal
	Infinite bool
}

func (e *HealthCheckError) Error() string {
	return fmt.Sprintf("%s: resulting health factor %s below minimum %s",
		ErrHealthCheckRejected, e.Factor.StringFixed(4), e.Minimum.String())
}

// Unwrap returns ErrHealthCheckRejected.
func (e *HealthCheckError) Unwrap() error {
	return ErrHealthCheckRejected
}
