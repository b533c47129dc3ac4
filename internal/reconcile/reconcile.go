// Package reconcile resolves settlements whose venue outcome was unknown when
// the engine gave up waiting, so the ledger never guesses at financial state.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/wTHU1Ew/papaya/internal/alert"
	"github.com/wTHU1Ew/papaya/internal/ledger"
	"github.com/wTHU1Ew/papaya/internal/logger"
	"github.com/wTHU1Ew/papaya/internal/recorder"
	"github.com/wTHU1Ew/papaya/internal/trade"
	"github.com/wTHU1Ew/papaya/pkg/models"
)

// Options 对账参数 / Reconciler options
type Options struct {
	Grace  time.Duration // settlements younger than this are still owned by their caller
	MaxAge time.Duration // live orders older than this are escalated for manual review
}

// Summary 对账汇总 / Result of one reconciliation pass
type Summary struct {
	Checked   int
	Applied   int
	Failed    int
	Pending   int
	Escalated int
	InFlight  int // skipped because their settlement is still running in this process
}

// Reconciler 结算对账 / Settlement reconciler
type Reconciler struct {
	ledger   *ledger.Ledger
	recorder *recorder.Recorder
	executor *trade.Executor
	exec     trade.ExecContext
	alerts   *alert.Dispatcher
	opts     Options
	logger   *logger.Logger
	now      func() time.Time
}

// New 创建对账器 / Create reconciler
func New(l *ledger.Ledger, rec *recorder.Recorder, ex *trade.Executor, ec trade.ExecContext, alerts *alert.Dispatcher, opts Options, log *logger.Logger) *Reconciler {
	if opts.Grace <= 0 {
		opts.Grace = time.Minute
	}
	if opts.MaxAge <= opts.Grace {
		opts.MaxAge = time.Hour
	}
	return &Reconciler{
		ledger:   l,
		recorder: rec,
		executor: ex,
		exec:     ec,
		alerts:   alerts,
		opts:     opts,
		logger:   log.With("reconcile"),
		now:      time.Now,
	}
}

// SetClock replaces the time source.
func (r *Reconciler) SetClock(now func() time.Time) {
	r.now = now
}

// Run 执行一次对账 / Resolve every SUBMITTED settlement older than the grace period
// 本进程内仍在执行的结算（BeginSettlement 未结束）跳过，由其发起方负责
// Settlements whose user is still in flight in this process are skipped and left to their caller.
// 处理规则 / Resolution:
//   - 已成交：写回账本；无法写回则标记 FAILED 并告警 / Filled: apply to the ledger, or FAILED plus alert when it can no longer apply
//   - 已撤销或场所无此订单：标记 FAILED / Canceled or unknown to the venue: FAILED
//   - 仍在挂单且超过 MaxAge：告警人工处理 / Still live past MaxAge: manual review alert
//
// Returns:
//   - Summary: 对账汇总 / Counts per resolution
//   - error: 查询未决交易失败 / Listing stale settlements failed
func (r *Reconciler) Run(ctx context.Context) (Summary, error) {
	var s Summary
	now := r.now()

	stale, err := r.recorder.ListStale(ctx, models.TxStatusSubmitted, now.Add(-r.opts.Grace))
	if err != nil {
		return s, fmt.Errorf("failed to list submitted settlements: %w", err)
	}
	if len(stale) == 0 {
		r.logger.Debug("No settlements to reconcile")
		return s, nil
	}

	for _, rec := range stale {
		if ctx.Err() != nil {
			break
		}
		s.Checked++
		if r.ledger.InFlight(rec.UserID) {
			s.InFlight++
			r.logger.Debug("Skipping %s %d: settlement still in flight for user %s", rec.Type, rec.ID, rec.UserID)
			continue
		}
		switch r.resolve(ctx, rec) {
		case trade.StatusConfirmed:
			s.Applied++
		case trade.StatusFailed:
			s.Failed++
		case trade.StatusPending:
			s.Pending++
			if now.Sub(rec.CreatedAt) >= r.opts.MaxAge {
				s.Escalated++
				r.alerts.Raise(ctx, alert.Alert{
					Kind:          alert.KindManualReview,
					UserID:        rec.UserID,
					TransactionID: rec.ID,
					Token:         rec.ClientToken,
					Message:       fmt.Sprintf("%s settlement unresolved for %s", rec.Type, now.Sub(rec.CreatedAt).Truncate(time.Second)),
				})
			}
		}
	}

	r.logger.Info("Reconciliation completed: %d checked, %d applied, %d failed, %d pending, %d escalated, %d in flight",
		s.Checked, s.Applied, s.Failed, s.Pending, s.Escalated, s.InFlight)
	return s, nil
}

// resolve settles rec according to the venue; it returns CONFIRMED, FAILED or PENDING.
func (r *Reconciler) resolve(ctx context.Context, rec *models.Transaction) trade.SettlementStatus {
	res := r.executor.Lookup(ctx, r.exec, rec.FromAsset, rec.ToAsset, rec.ClientToken)

	switch res.Status {
	case trade.StatusConfirmed:
		if err := r.apply(ctx, rec, res); err != nil {
			r.logger.Error("Settled %s could not be applied: %v", rec, err)
			r.fail(ctx, rec, fmt.Sprintf("settled as %s but not applicable: %v", res.Reference, err))
			r.alerts.Raise(ctx, alert.Alert{
				Kind:          alert.KindApplyFailed,
				UserID:        rec.UserID,
				TransactionID: rec.ID,
				Token:         rec.ClientToken,
				Message:       fmt.Sprintf("venue settled %s (%s) but apply failed: %v", rec.Type, res.Reference, err),
			})
			return trade.StatusFailed
		}
		r.logger.Info("Reconciled %s %d as confirmed (%s)", rec.Type, rec.ID, res.Reference)
		return trade.StatusConfirmed

	case trade.StatusFailed, trade.StatusNotFound:
		reason := "order not found on venue"
		if res.Err != nil {
			reason = res.Err.Error()
		}
		r.fail(ctx, rec, reason)
		r.logger.Warn("Reconciled %s %d as failed: %s", rec.Type, rec.ID, reason)
		return trade.StatusFailed

	default:
		if res.Err != nil {
			r.logger.Warn("Lookup of %s %d failed: %v", rec.Type, rec.ID, res.Err)
		}
		return trade.StatusPending
	}
}

func (r *Reconciler) apply(ctx context.Context, rec *models.Transaction, res trade.SettlementResult) error {
	switch rec.Type {
	case models.TxTypeLiquidation:
		_, err := r.ledger.ApplyLiquidation(ctx, ledger.LiquidationApply{
			UserID:        rec.UserID,
			TransactionID: rec.ID,
			SeizedAsset:   rec.FromAsset,
			SeizedAmount:  res.Spent,
			RepaidAsset:   rec.ToAsset,
			Realized:      res.Realized,
			Reference:     res.Reference,
		})
		return err
	case models.TxTypeSwap:
		return r.ledger.ApplySwap(ctx, ledger.SwapApply{
			UserID:        rec.UserID,
			TransactionID: rec.ID,
			FromAsset:     rec.FromAsset,
			Amount:        res.Spent,
			ToAsset:       rec.ToAsset,
			Realized:      res.Realized,
			Reference:     res.Reference,
		})
	}
	return fmt.Errorf("%s is not a settlement type", rec.Type)
}

func (r *Reconciler) fail(ctx context.Context, rec *models.Transaction, reason string) {
	if _, err := r.recorder.Fail(ctx, rec.ID, reason); err != nil {
		r.logger.Error("Failed to mark %s %d failed: %v", rec.Type, rec.ID, err)
	}
}
