package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wTHU1Ew/papaya/internal/storage"
	"github.com/wTHU1Ew/papaya/pkg/models"
)

const secondsPerYear = 365 * 24 * 60 * 60

// AccrueInterest 计提利息 / Accrue interest on every borrowed balance up to the period containing asOf
// 每个借款行按其资产的当前年化利率、以单利或按周期复利计息；同一周期重复执行为空操作
// Each row accrues at its asset's current annual rate, simple or compounded per period. Re-running a
// period is a no-op: a row that already reached the period is skipped, and the run itself is recorded once.
//
// Returns:
//   - *models.InterestRun: 本次计息批次 / The applied run (nil when the period was already applied)
//   - error: 数据库错误 / Database error
func (l *Ledger) AccrueInterest(ctx context.Context, asOf time.Time) (*models.InterestRun, error) {
	period := l.period(asOf)

	done := false
	if err := l.store.WithTx(ctx, func(tx *storage.Tx) error {
		var err error
		done, err = tx.InterestRunExists(ctx, period)
		return err
	}); err != nil {
		return nil, err
	}
	if done {
		l.logger.Debug("Interest period %d already applied", period)
		return nil, nil
	}

	rates, err := l.store.CurrentRates(ctx, asOf)
	if err != nil {
		return nil, err
	}
	debtors, err := l.store.ListDebtors(ctx)
	if err != nil {
		return nil, err
	}

	run := &models.InterestRun{Period: period, AsOf: asOf.UTC()}
	for _, userID := range debtors {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := l.accrueUser(ctx, userID, period, rates)
		if err != nil {
			l.metrics.ObserveLedgerOp("ACCRUE", err)
			return nil, fmt.Errorf("failed to accrue interest for user %s: %w", userID, err)
		}
		run.Rows += n
	}

	if err := l.store.WithTx(ctx, func(tx *storage.Tx) error {
		return tx.InsertInterestRun(ctx, run)
	}); err != nil {
		return nil, err
	}

	l.metrics.ObserveLedgerOp("ACCRUE", nil)
	l.logger.Info("Interest period %d applied: %d row(s) across %d user(s)", period, run.Rows, len(debtors))
	return run, nil
}

func (l *Ledger) accrueUser(ctx context.Context, userID string, period int64, rates map[string]models.InterestRateRecord) (int, error) {
	unlock := l.lock(userID)
	defer unlock()

	accrued := 0
	err := l.store.WithTx(ctx, func(tx *storage.Tx) error {
		accrued = 0
		rows, err := tx.DebtRows(ctx, userID)
		if err != nil {
			return err
		}
		for i := range rows {
			row := &rows[i]
			elapsed := period - row.AccruedThrough
			if elapsed <= 0 || !row.Amount.IsPositive() {
				continue
			}
			if rec, ok := rates[row.Asset]; ok && rec.Rate.IsPositive() {
				row.Amount = l.grow(row.Asset, row.Amount, rec.Rate, elapsed)
			}
			row.AccruedThrough = period
			if err := tx.SetDebt(ctx, row); err != nil {
				return err
			}
			accrued++
		}
		return nil
	})
	return accrued, err
}

// bringForward accrues the user's outstanding asset debt up to the current period inside tx,
// so a later change to the principal never rides on an older accrual period.
func (l *Ledger) bringForward(ctx context.Context, tx *storage.Tx, userID, asset string) (int64, error) {
	now := tx.Now()
	period := l.period(now)
	rows, err := tx.DebtRows(ctx, userID)
	if err != nil {
		return period, err
	}
	for i := range rows {
		row := &rows[i]
		if row.Asset != asset {
			continue
		}
		elapsed := period - row.AccruedThrough
		if elapsed <= 0 || !row.Amount.IsPositive() {
			return period, nil
		}
		rec, ok, err := tx.CurrentRate(ctx, asset, now)
		if err != nil {
			return period, err
		}
		if ok && rec.Rate.IsPositive() {
			grown := l.grow(asset, row.Amount, rec.Rate, elapsed)
			l.logger.Debug("Debt %s of user %s brought forward %d period(s): %s -> %s",
				asset, userID, elapsed, row.Amount, grown)
			row.Amount = grown
		}
		row.AccruedThrough = period
		return period, tx.SetDebt(ctx, row)
	}
	return period, nil
}

// grow applies n periods of interest at annual rate to amount, rounded up to the asset's decimals.
func (l *Ledger) grow(asset string, amount, rate decimal.Decimal, n int64) decimal.Decimal {
	perPeriod := rate.Mul(decimal.NewFromInt(l.opts.PeriodSeconds)).Div(decimal.NewFromInt(secondsPerYear))
	one := decimal.NewFromInt(1)

	var factor decimal.Decimal
	switch l.opts.InterestMode {
	case models.InterestModeSimple:
		factor = one.Add(perPeriod.Mul(decimal.NewFromInt(n)))
	default:
		factor = pow(one.Add(perPeriod), n)
	}

	places := int32(18)
	if a, ok := l.catalog.Get(asset); ok {
		places = a.Decimals
	}
	return amount.Mul(factor).RoundCeil(places)
}

// pow raises base to a non-negative integer power by squaring.
func pow(base decimal.Decimal, n int64) decimal.Decimal {
	result := decimal.NewFromInt(1)
	for n > 0 {
		if n&1 == 1 {
			result = result.Mul(base)
		}
		base = base.Mul(base).Truncate(32)
		n >>= 1
	}
	return result.Truncate(32)
}
