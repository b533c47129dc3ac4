package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/wTHU1Ew/papaya/internal/storage"
	"github.com/wTHU1Ew/papaya/pkg/models"
)

// LiquidationApply 已确认的清算结果 / A confirmed liquidation leg
type LiquidationApply struct {
	UserID        string
	TransactionID int64 // SUBMITTED LIQUIDATION transaction of this leg
	SeizedAsset   string
	SeizedAmount  decimal.Decimal
	RepaidAsset   string
	Realized      decimal.Decimal // amount of RepaidAsset obtained for the seized collateral
	Reference     string          // venue settlement reference
}

// ApplyLiquidation 应用清算 / Apply a confirmed liquidation leg
// 在单个数据库事务内：扣减抵押品、偿还 min(实际所得×(1−罚金), 债务)、盈余记入抵押品、
// 写入清算事件并将关联交易标记为 CONFIRMED。仅应在结算确认后调用，不经过健康校验。
// In one database transaction: decrease collateral, repay min(realized×(1−penalty), debt), credit any surplus
// as collateral, write the LiquidationEvent and mark the linked Transaction CONFIRMED.
// Only called after a confirmed settlement; the health gate does not apply.
//
// Returns:
//   - *models.LiquidationEvent: 清算事件 / The persisted event
//   - error: 余额不足、交易状态不符或数据库错误 / Insufficient balance, wrong transaction state or database error
func (l *Ledger) ApplyLiquidation(ctx context.Context, a LiquidationApply) (*models.LiquidationEvent, error) {
	if err := checkAmount(a.SeizedAmount); err != nil {
		return nil, err
	}
	if a.Realized.IsNegative() {
		return nil, fmt.Errorf("%w: realized %s", models.ErrInvalidAmount, a.Realized)
	}

	unlock := l.lock(a.UserID)
	var event *models.LiquidationEvent
	err := l.store.WithTx(ctx, func(tx *storage.Tx) error {
		event = nil
		if _, err := l.settledTransaction(ctx, tx, a.TransactionID, a.UserID, models.TxTypeLiquidation); err != nil {
			return err
		}

		if _, err := tx.AdjustCollateral(ctx, a.UserID, a.SeizedAsset, a.SeizedAmount.Neg()); err != nil {
			return err
		}

		net := a.Realized.Mul(decimal.NewFromInt(1).Sub(l.opts.Penalty))
		period, err := l.bringForward(ctx, tx, a.UserID, a.RepaidAsset)
		if err != nil {
			return err
		}
		pos, err := tx.Position(ctx, a.UserID)
		if err != nil {
			return err
		}
		repaid := decimal.Min(net, pos.DebtOf(a.RepaidAsset))
		if repaid.IsPositive() {
			if _, err := tx.AdjustDebt(ctx, a.UserID, a.RepaidAsset, repaid.Neg(), period); err != nil {
				return err
			}
		}
		if surplus := net.Sub(repaid); surplus.IsPositive() {
			if _, err := tx.AdjustCollateral(ctx, a.UserID, a.RepaidAsset, surplus); err != nil {
				return err
			}
		}

		event = &models.LiquidationEvent{
			UserID:        a.UserID,
			Asset:         a.SeizedAsset,
			Amount:        a.SeizedAmount,
			RepaidAsset:   a.RepaidAsset,
			RepaidAmount:  repaid,
			Penalty:       a.Realized.Sub(net),
			TransactionID: a.TransactionID,
		}
		if err := tx.InsertLiquidation(ctx, event); err != nil {
			return err
		}

		_, err = tx.TransitionTransaction(ctx, a.TransactionID, models.TxStatusConfirmed, storage.TxUpdate{
			TxHash:   a.Reference,
			Realized: a.Realized,
		})
		return err
	})
	unlock()

	l.metrics.ObserveLedgerOp(string(models.TxTypeLiquidation), err)
	if err != nil {
		l.logger.Error("Failed to apply liquidation tx %d for user %s: %v", a.TransactionID, a.UserID, err)
		return nil, err
	}

	l.logger.Info("Liquidation applied for user %s: seized %s %s, repaid %s %s (tx %d, ref %s)",
		a.UserID, a.SeizedAmount, a.SeizedAsset, event.RepaidAmount, a.RepaidAsset, a.TransactionID, a.Reference)
	l.notify(a.UserID)
	return event, nil
}

// SwapApply 已确认的兑换结果 / A confirmed collateral swap
type SwapApply struct {
	UserID        string
	TransactionID int64 // SUBMITTED SWAP transaction
	FromAsset     string
	Amount        decimal.Decimal
	ToAsset       string
	Realized      decimal.Decimal
	Reference     string
}

// ApplySwap 应用兑换 / Move collateral from one asset to another after a confirmed swap
func (l *Ledger) ApplySwap(ctx context.Context, a SwapApply) error {
	if err := checkAmount(a.Amount); err != nil {
		return err
	}
	if a.Realized.IsNegative() {
		return fmt.Errorf("%w: realized %s", models.ErrInvalidAmount, a.Realized)
	}

	unlock := l.lock(a.UserID)
	err := l.store.WithTx(ctx, func(tx *storage.Tx) error {
		if _, err := l.settledTransaction(ctx, tx, a.TransactionID, a.UserID, models.TxTypeSwap); err != nil {
			return err
		}
		if _, err := tx.AdjustCollateral(ctx, a.UserID, a.FromAsset, a.Amount.Neg()); err != nil {
			return err
		}
		if a.Realized.IsPositive() {
			if _, err := tx.AdjustCollateral(ctx, a.UserID, a.ToAsset, a.Realized); err != nil {
				return err
			}
		}
		_, err := tx.TransitionTransaction(ctx, a.TransactionID, models.TxStatusConfirmed, storage.TxUpdate{
			TxHash:   a.Reference,
			Realized: a.Realized,
		})
		return err
	})
	unlock()

	l.metrics.ObserveLedgerOp(string(models.TxTypeSwap), err)
	if err != nil {
		l.logger.Error("Failed to apply swap tx %d for user %s: %v", a.TransactionID, a.UserID, err)
		return err
	}

	l.logger.Info("Swap applied for user %s: %s %s -> %s %s (tx %d)",
		a.UserID, a.Amount, a.FromAsset, a.Realized, a.ToAsset, a.TransactionID)
	l.notify(a.UserID)
	return nil
}

// settledTransaction loads the SUBMITTED settlement transaction a confirmed result belongs to.
func (l *Ledger) settledTransaction(ctx context.Context, tx *storage.Tx, id int64, userID string, typ models.TxType) (*models.Transaction, error) {
	rec, err := tx.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.UserID != userID || rec.Type != typ {
		return nil, fmt.Errorf("transaction %d is %s of user %s, expected %s of user %s",
			id, rec.Type, rec.UserID, typ, userID)
	}
	if rec.Status != models.TxStatusSubmitted {
		return nil, fmt.Errorf("%w: transaction %d is %s", models.ErrInvalidTransition, id, rec.Status)
	}
	return rec, nil
}
