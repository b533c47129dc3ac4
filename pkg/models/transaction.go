package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TxType 交易类型 / Transaction type
type TxType string

const (
	TxTypeDeposit     TxType = "DEPOSIT"
	TxTypeWithdraw    TxType = "WITHDRAW"
	TxTypeBorrow      TxType = "BORROW"
	TxTypePayback     TxType = "PAYBACK"
	TxTypeLiquidation TxType = "LIQUIDATION"
	TxTypeSwap        TxType = "SWAP"
)

// IsValid 检查是否为有效的交易类型 / Check if valid transaction type
func (t TxType) IsValid() bool {
	switch t {
	case TxTypeDeposit, TxTypeWithdraw, TxTypeBorrow, TxTypePayback, TxTypeLiquidation, TxTypeSwap:
		return true
	}
	return false
}

// IsSettled reports whether the type goes through the external venue.
func (t TxType) IsSettled() bool {
	return t == TxTypeLiquidation || t == TxTypeSwap
}

// TxStatus 交易状态 / Transaction status
type TxStatus string

const (
	TxStatusPending   TxStatus = "PENDING"
	TxStatusSubmitted TxStatus = "SUBMITTED"
	TxStatusConfirmed TxStatus = "CONFIRMED"
	TxStatusFailed    TxStatus = "FAILED"
)

// IsValid 检查是否为有效状态 / Check if valid status
func (s TxStatus) IsValid() bool {
	switch s {
	case TxStatusPending, TxStatusSubmitted, TxStatusConfirmed, TxStatusFailed:
		return true
	}
	return false
}

// IsFinal 是否终态 / Whether the status is terminal
func (s TxStatus) IsFinal() bool {
	return s == TxStatusConfirmed || s == TxStatusFailed
}

// CanTransitionTo 状态迁移检查 / PENDING -> SUBMITTED -> CONFIRMED | FAILED
// Internal ledger operations confirm directly from PENDING; a PENDING settlement may fail before submission.
func (s TxStatus) CanTransitionTo(next TxStatus) bool {
	switch s {
	case TxStatusPending:
		return next == TxStatusSubmitted || next == TxStatusConfirmed || next == TxStatusFailed
	case TxStatusSubmitted:
		return next == TxStatusConfirmed || next == TxStatusFailed
	}
	return false
}

// PreviousStatuses returns every status allowed to move into next.
func PreviousStatuses(next TxStatus) []TxStatus {
	var out []TxStatus
	for _, s := range []TxStatus{TxStatusPending, TxStatusSubmitted, TxStatusConfirmed, TxStatusFailed} {
		if s.CanTransitionTo(next) {
			out = append(out, s)
		}
	}
	return out
}

// Transaction 交易记录 / Append-only transaction record
type Transaction struct {
	ID        int64           `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Type      TxType          `json:"tx_type" db:"tx_type"`
	Asset     string          `json:"asset" db:"asset"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	FromAsset string          `json:"from_asset,omitempty" db:"from_asset"`
	ToAsset   string          `json:"to_asset,omitempty" db:"to_asset"`

	// ClientToken is the idempotency token sent to the venue; TxHash is the venue's settlement reference.
	ClientToken    string          `json:"client_token,omitempty" db:"client_token"`
	TxHash         string          `json:"tx_hash,omitempty" db:"tx_hash"`
	RealizedAmount decimal.Decimal `json:"realized_amount" db:"realized_amount"`
	Status         TxStatus        `json:"status" db:"status"`
	Error          string          `json:"error,omitempty" db:"error"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// Validate 验证交易记录 / Validate transaction record
func (t *Transaction) Validate() error {
	if t.UserID == "" {
		return fmt.Errorf("user id is required")
	}
	if !t.Type.IsValid() {
		return fmt.Errorf("invalid tx type: %s", t.Type)
	}
	if t.Asset == "" {
		return fmt.Errorf("asset is required")
	}
	if !t.Amount.IsPositive() {
		return fmt.Errorf("amount must be positive")
	}
	if !t.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", t.Status)
	}
	if t.Type.IsSettled() && (t.FromAsset == "" || t.ToAsset == "") {
		return fmt.Errorf("from_asset and to_asset are required for %s", t.Type)
	}
	return nil
}

// String 字符串表示 / String representation
func (t *Transaction) String() string {
	return fmt.Sprintf("Transaction{ID=%d, User=%s, Type=%s, Asset=%s, Amount=%s, Status=%s, TxHash=%s}",
		t.ID, t.UserID, t.Type, t.Asset, t.Amount.String(), t.Status, t.TxHash)
}

// LiquidationEvent 清算事件 / Append-only liquidation audit record
type LiquidationEvent struct {
	ID            int64           `json:"id" db:"id"`
	UserID        string          `json:"user_id" db:"user_id"`
	Asset         string          `json:"asset" db:"asset"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	RepaidAsset   string          `json:"repaid_asset" db:"repaid_asset"`
	RepaidAmount  decimal.Decimal `json:"repaid_amount" db:"repaid_amount"`
	Penalty       decimal.Decimal `json:"penalty" db:"penalty"`
	TransactionID int64           `json:"transaction_id" db:"transaction_id"`
	OccurredAt    time.Time       `json:"occurred_at" db:"occurred_at"`
}

// InterestRateRecord 利率记录 / Annual interest rate effective from a point in time
type InterestRateRecord struct {
	Asset       string          `json:"asset" db:"asset"`
	Rate        decimal.Decimal `json:"rate" db:"interest_rate"`
	EffectiveAt time.Time       `json:"effective_at" db:"effective_at"`
}

// Validate 验证利率记录 / Validate interest rate record
func (r *InterestRateRecord) Validate() error {
	if r.Asset == "" {
		return fmt.Errorf("asset is required")
	}
	if r.Rate.IsNegative() {
		return fmt.Errorf("rate cannot be negative")
	}
	return nil
}

// InterestRun 计息批次 / One applied accrual period
type InterestRun struct {
	Period    int64     `json:"period" db:"period"`
	AsOf      time.Time `json:"as_of" db:"as_of"`
	Rows      int       `json:"rows" db:"rows_accrued"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
