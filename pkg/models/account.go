package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// User 用户账户 / User account
type User struct {
	ID        string    `json:"id" db:"id"`
	Username  string    `json:"username" db:"username"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Validate 验证用户数据 / Validate user data
func (u *User) Validate() error {
	if u.ID == "" {
		return fmt.Errorf("user id is required")
	}
	if u.Username == "" {
		return fmt.Errorf("username is required")
	}
	return nil
}

// CollateralBalance 抵押余额 / Collateral balance row (user_assets)
type CollateralBalance struct {
	UserID    string          `json:"user_id" db:"user_id"`
	Asset     string          `json:"asset" db:"asset"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Validate 验证抵押余额 / Validate collateral balance
func (b *CollateralBalance) Validate() error {
	return validateBalance(b.UserID, b.Asset, b.Amount)
}

// String 字符串表示 / String representation
func (b *CollateralBalance) String() string {
	return fmt.Sprintf("CollateralBalance{User=%s, Asset=%s, Amount=%s}", b.UserID, b.Asset, b.Amount.String())
}

// BorrowedBalance 借款余额 / Borrowed balance row (borrowed_assets)
type BorrowedBalance struct {
	UserID string          `json:"user_id" db:"user_id"`
	Asset  string          `json:"asset" db:"asset"`
	Amount decimal.Decimal `json:"amount" db:"amount"`

	// AccruedThrough is the last interest period already applied to Amount.
	AccruedThrough int64     `json:"accrued_through" db:"accrued_through"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// Validate 验证借款余额 / Validate borrowed balance
func (b *BorrowedBalance) Validate() error {
	return validateBalance(b.UserID, b.Asset, b.Amount)
}

// String 字符串表示 / String representation
func (b *BorrowedBalance) String() string {
	return fmt.Sprintf("BorrowedBalance{User=%s, Asset=%s, Amount=%s, AccruedThrough=%d}",
		b.UserID, b.Asset, b.Amount.String(), b.AccruedThrough)
}

func validateBalance(userID, asset string, amount decimal.Decimal) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	if asset == "" {
		return fmt.Errorf("asset is required")
	}
	if amount.IsNegative() {
		return fmt.Errorf("amount cannot be negative")
	}
	return nil
}
