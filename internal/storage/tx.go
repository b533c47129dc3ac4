package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wTHU1Ew/papaya/pkg/models"
)

// Tx 账本事务范围 / Ledger transaction scope handed to WithTx callbacks
type Tx struct {
	tx  *sql.Tx
	now time.Time
}

// Now returns the timestamp shared by every row written in this transaction.
func (t *Tx) Now() time.Time {
	return t.now
}

// UserExists 用户是否存在 / Whether the user exists
func (t *Tx) UserExists(ctx context.Context, userID string) (bool, error) {
	var n int
	if err := t.tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM users WHERE id = ?`, userID).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to query user: %w", err)
	}
	return n > 0, nil
}

// Position 读取持仓（事务内）/ Load the user's balances inside the transaction
func (t *Tx) Position(ctx context.Context, userID string) (*models.Position, error) {
	return loadPosition(ctx, t.tx, userID)
}

// AdjustCollateral 调整抵押余额 / Apply delta to CollateralBalance(user, asset)
// 结果为负时拒绝（不截断）/ A negative result is rejected, never clamped.
//
// Returns:
//   - decimal.Decimal: 调整后的余额 / Balance after the change
//   - error: models.ErrInsufficientBalance (wrapped) when the result would be negative
func (t *Tx) AdjustCollateral(ctx context.Context, userID, asset string, delta decimal.Decimal) (decimal.Decimal, error) {
	current, _, err := t.balance(ctx, "user_assets", userID, asset)
	if err != nil {
		return decimal.Zero, err
	}
	next := current.Add(delta)
	if next.IsNegative() {
		return current, fmt.Errorf("%w: collateral %s is %s, change %s", models.ErrInsufficientBalance, asset, current, delta)
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO user_assets (user_id, asset, amount, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, asset) DO UPDATE SET amount = excluded.amount, updated_at = excluded.updated_at`,
		userID, asset, next, formatTime(t.now))
	if err != nil {
		return current, fmt.Errorf("failed to update collateral: %w", err)
	}
	return next, nil
}

// AdjustDebt 调整借款余额 / Apply delta to BorrowedBalance(user, asset)
// 调用方须先将已有余额计息至 period，本方法直接写入 accrued_through = period
// The caller brings any outstanding amount forward to period first; the row is stamped with period.
func (t *Tx) AdjustDebt(ctx context.Context, userID, asset string, delta decimal.Decimal, period int64) (decimal.Decimal, error) {
	current, _, err := t.balance(ctx, "borrowed_assets", userID, asset)
	if err != nil {
		return decimal.Zero, err
	}
	next := current.Add(delta)
	if next.IsNegative() {
		return current, fmt.Errorf("%w: debt %s is %s, change %s", models.ErrInsufficientBalance, asset, current, delta)
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO borrowed_assets (user_id, asset, amount, accrued_through, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, asset) DO UPDATE SET
			amount = excluded.amount,
			accrued_through = excluded.accrued_through,
			updated_at = excluded.updated_at`,
		userID, asset, next, period, formatTime(t.now))
	if err != nil {
		return current, fmt.Errorf("failed to update debt: %w", err)
	}
	return next, nil
}

func (t *Tx) balance(ctx context.Context, table, userID, asset string) (decimal.Decimal, bool, error) {
	var amount decimal.Decimal
	err := t.tx.QueryRowContext(ctx,
		`SELECT amount FROM `+table+` WHERE user_id = ? AND asset = ?`, userID, asset).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to query %s: %w", table, err)
	}
	return amount, true, nil
}

// CurrentRate 当前利率 / Rate in effect for asset at asOf, read inside the transaction
func (t *Tx) CurrentRate(ctx context.Context, asset string, asOf time.Time) (models.InterestRateRecord, bool, error) {
	rates, err := currentRates(ctx, t.tx, asOf)
	if err != nil {
		return models.InterestRateRecord{}, false, err
	}
	rec, ok := rates[asset]
	return rec, ok, nil
}

// DebtRows 借款行 / Borrowed balance rows of a user
func (t *Tx) DebtRows(ctx context.Context, userID string) ([]models.BorrowedBalance, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT user_id, asset, amount, accrued_through, updated_at FROM borrowed_assets
		WHERE user_id = ? ORDER BY asset`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query borrowed assets: %w", err)
	}
	defer rows.Close()

	var out []models.BorrowedBalance
	for rows.Next() {
		var b models.BorrowedBalance
		var updatedAt string
		if err := rows.Scan(&b.UserID, &b.Asset, &b.Amount, &b.AccruedThrough, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan borrowed asset: %w", err)
		}
		if b.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// SetDebt 写入计息后的借款余额 / Persist an accrued debt amount and its accrual period
func (t *Tx) SetDebt(ctx context.Context, b *models.BorrowedBalance) error {
	if err := b.Validate(); err != nil {
		return fmt.Errorf("invalid borrowed balance: %w", err)
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE borrowed_assets SET amount = ?, accrued_through = ?, updated_at = ?
		WHERE user_id = ? AND asset = ?`,
		b.Amount, b.AccruedThrough, formatTime(t.now), b.UserID, b.Asset)
	if err != nil {
		return fmt.Errorf("failed to update borrowed asset: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: borrowed asset %s/%s", models.ErrNotFound, b.UserID, b.Asset)
	}
	return nil
}

// InsertTransaction 追加交易记录 / Append transaction record
// 成功时会将生成的ID回写到tx.ID字段 / On success, generated ID is written back to tx.ID
func (t *Tx) InsertTransaction(ctx context.Context, tx *models.Transaction) error {
	if err := tx.Validate(); err != nil {
		return fmt.Errorf("invalid transaction: %w", err)
	}
	tx.CreatedAt = t.now
	tx.UpdatedAt = t.now

	result, err := t.tx.ExecContext(ctx, `
		INSERT INTO transactions (user_id, tx_type, asset, amount, from_asset, to_asset, client_token,
			tx_hash, realized_amount, status, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.UserID, string(tx.Type), tx.Asset, tx.Amount, tx.FromAsset, tx.ToAsset, tx.ClientToken,
		tx.TxHash, tx.RealizedAmount, string(tx.Status), tx.Error, formatTime(tx.CreatedAt), formatTime(tx.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	tx.ID = id
	return nil
}

// TxUpdate 交易状态更新附带字段 / Fields written together with a status transition
// Empty strings and a zero Realized leave the stored values unchanged.
type TxUpdate struct {
	ClientToken string
	TxHash      string
	Realized    decimal.Decimal
	Error       string
}

// TransitionTransaction 迁移交易状态 / Move a transaction to next status
// 只允许 PENDING → SUBMITTED → CONFIRMED | FAILED 方向；并发修改导致的冲突返回 ErrInvalidTransition
// Only forward transitions are accepted; a concurrent change returns ErrInvalidTransition.
func (t *Tx) TransitionTransaction(ctx context.Context, id int64, next models.TxStatus, upd TxUpdate) (*models.Transaction, error) {
	current, err := getTransaction(ctx, t.tx, id)
	if err != nil {
		return nil, err
	}
	if !current.Status.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: transaction %d %s -> %s", models.ErrInvalidTransition, id, current.Status, next)
	}

	prev := current.Status
	current.Status = next
	current.UpdatedAt = t.now
	if upd.ClientToken != "" {
		current.ClientToken = upd.ClientToken
	}
	if upd.TxHash != "" {
		current.TxHash = upd.TxHash
	}
	if !upd.Realized.IsZero() {
		current.RealizedAmount = upd.Realized
	}
	if upd.Error != "" {
		current.Error = upd.Error
	}

	res, err := t.tx.ExecContext(ctx, `
		UPDATE transactions SET status = ?, client_token = ?, tx_hash = ?, realized_amount = ?, error = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(current.Status), current.ClientToken, current.TxHash, current.RealizedAmount, current.Error,
		formatTime(current.UpdatedAt), id, string(prev))
	if err != nil {
		return nil, fmt.Errorf("failed to update transaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: transaction %d changed concurrently", models.ErrInvalidTransition, id)
	}
	return current, nil
}

// GetTransaction 查询交易（事务内）/ Get transaction inside the transaction
func (t *Tx) GetTransaction(ctx context.Context, id int64) (*models.Transaction, error) {
	return getTransaction(ctx, t.tx, id)
}

// CountUnresolved 未决结算数量 / Number of settlement transactions not yet final
func (t *Tx) CountUnresolved(ctx context.Context, userID string) (int, error) {
	return countUnresolved(ctx, t.tx, userID)
}

// InsertLiquidation 追加清算事件 / Append liquidation event
func (t *Tx) InsertLiquidation(ctx context.Context, ev *models.LiquidationEvent) error {
	if ev.UserID == "" || ev.Asset == "" || ev.TransactionID == 0 {
		return fmt.Errorf("invalid liquidation event: user, asset and transaction id are required")
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = t.now
	}
	result, err := t.tx.ExecContext(ctx, `
		INSERT INTO liquidations (user_id, asset, amount, repaid_asset, repaid_amount, penalty, transaction_id, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.UserID, ev.Asset, ev.Amount, ev.RepaidAsset, ev.RepaidAmount, ev.Penalty, ev.TransactionID, formatTime(ev.OccurredAt))
	if err != nil {
		return fmt.Errorf("failed to insert liquidation: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	ev.ID = id
	return nil
}

// InterestRunExists 计息周期是否已执行 / Whether an accrual period was already applied
func (t *Tx) InterestRunExists(ctx context.Context, period int64) (bool, error) {
	var n int
	if err := t.tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM interest_runs WHERE period = ?`, period).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to query interest run: %w", err)
	}
	return n > 0, nil
}

// InsertInterestRun 记录计息周期 / Record an applied accrual period
func (t *Tx) InsertInterestRun(ctx context.Context, run *models.InterestRun) error {
	run.CreatedAt = t.now
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO interest_runs (period, as_of, rows_accrued, created_at) VALUES (?, ?, ?, ?)`,
		run.Period, formatTime(run.AsOf), run.Rows, formatTime(run.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert interest run: %w", err)
	}
	return nil
}
