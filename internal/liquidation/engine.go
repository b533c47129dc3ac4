// Package liquidation watches position health and seizes collateral from
// positions that fall below the liquidation threshold.
package liquidation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/wTHU1Ew/papaya/internal/alert"
	"github.com/wTHU1Ew/papaya/internal/health"
	"github.com/wTHU1Ew/papaya/internal/ledger"
	"github.com/wTHU1Ew/papaya/internal/logger"
	"github.com/wTHU1Ew/papaya/internal/metrics"
	"github.com/wTHU1Ew/papaya/internal/oracle"
	"github.com/wTHU1Ew/papaya/internal/recorder"
	"github.com/wTHU1Ew/papaya/internal/trade"
	"github.com/wTHU1Ew/papaya/pkg/models"
)

// Options 清算引擎参数 / Engine options
type Options struct {
	Workers     int
	MaxLegs     int
	QueueSize   int
	MaxSlippage decimal.Decimal
	// AllowFallback lets the engine liquidate positions valued with fallback prices.
	AllowFallback bool
}

// LegOutcome 单步结果 / Result of one executed leg
type LegOutcome struct {
	Leg           Leg
	TransactionID int64
	Status        trade.SettlementStatus
	Spent         decimal.Decimal
	Realized      decimal.Decimal
	Reference     string
	Err           error
}

// Outcome 清算结果 / Result of one liquidation attempt
type Outcome struct {
	UserID string
	Before health.Result
	After  health.Result
	Legs   []LegOutcome
	State  models.PositionState
}

// Applied returns the number of legs applied to the ledger.
func (o *Outcome) Applied() int {
	n := 0
	for _, l := range o.Legs {
		if l.Status == trade.StatusConfirmed && l.Err == nil {
			n++
		}
	}
	return n
}

// ScanSummary 扫描汇总 / Summary of one scan
type ScanSummary struct {
	Checked      int
	Healthy      int
	AtRisk       int
	Liquidatable int
	Liquidated   int
	Failed       int
	Skipped      int
	Duration     time.Duration
}

// Engine 清算引擎 / Liquidation engine
type Engine struct {
	ledger   *ledger.Ledger
	prices   oracle.Source
	recorder *recorder.Recorder
	executor *trade.Executor
	exec     trade.ExecContext
	alerts   *alert.Dispatcher
	planner  *Planner
	opts     Options
	logger   *logger.Logger
	metrics  *metrics.Metrics

	mu     sync.Mutex
	states map[string]models.PositionState

	queue    chan string
	stopChan chan struct{}
	stopOnce sync.Once

	scanCount        atomic.Int64
	liquidationCount atomic.Int64
	errorCount       atomic.Int64
	lastScan         atomic.Int64
}

// New 创建清算引擎 / Create liquidation engine
// 引擎从账本读取持仓，通过执行器在交易场所卖出被没收的抵押品，并在结算确认后写回账本
// The engine reads positions from the ledger, sells seized collateral on the venue through the
// executor, and writes confirmed settlements back to the ledger.
//
// Parameters:
//   - l: Position ledger (balances, settlement guard, apply)
//   - prices: Price source; each decision uses one snapshot
//   - rec: Transaction recorder for liquidation legs
//   - ex: Trade executor
//   - ec: Venue and operating account passed to every executor call
//   - alerts: Operator alert dispatcher
//   - opts: Workers, leg budget, queue size, slippage bound
//   - log: Logger instance
//   - m: Metrics (may be nil)
//
// Returns:
//   - *Engine: 清算引擎实例 / Engine instance
func New(l *ledger.Ledger, prices oracle.Source, rec *recorder.Recorder, ex *trade.Executor, ec trade.ExecContext,
	alerts *alert.Dispatcher, opts Options, log *logger.Logger, m *metrics.Metrics) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxLegs <= 0 {
		opts.MaxLegs = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	catalog := l.Catalog()
	return &Engine{
		ledger:   l,
		prices:   prices,
		recorder: rec,
		executor: ex,
		exec:     ec,
		alerts:   alerts,
		planner: NewPlanner(PlannerConfig{
			Thresholds:  l.Thresholds(),
			Weights:     catalog.Weights(),
			Decimals:    catalog.Decimals(),
			Penalty:     l.Penalty(),
			MaxSlippage: opts.MaxSlippage,
			MaxLegs:     opts.MaxLegs,
			Tradable:    ex.Supports,
		}),
		opts:     opts,
		logger:   log.With("liquidation"),
		metrics:  m,
		states:   make(map[string]models.PositionState),
		queue:    make(chan string, opts.QueueSize),
		stopChan: make(chan struct{}),
	}
}

// State 当前状态 / Current state of the user's position, HEALTHY when never seen
func (e *Engine) State(userID string) models.PositionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.states[userID]; ok {
		return s
	}
	return models.PositionStateHealthy
}

// transition moves the user to next; returns false when the move is not allowed.
func (e *Engine) transition(userID string, next models.PositionState) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	cur, ok := e.states[userID]
	if !ok {
		cur = models.PositionStateHealthy
	}
	if !cur.CanTransitionTo(next) {
		return false
	}
	if cur != next {
		e.logger.Debug("User %s: %s -> %s", userID, cur, next)
	}
	e.states[userID] = next
	return true
}

// observe records the band of an evaluated position without touching an in-flight liquidation.
func (e *Engine) observe(userID string, r health.Result) {
	next := models.PositionStateHealthy
	if r.Band != models.RiskBandHealthy {
		next = models.PositionStateAtRisk
	}
	e.transition(userID, next)
}

// Plan 计算清算计划 / Project the seizure plan for the user at the current prices
func (e *Engine) Plan(ctx context.Context, userID string) (*Plan, error) {
	pos, err := e.ledger.Position(ctx, userID)
	if err != nil {
		return nil, err
	}
	return e.planner.Plan(pos, e.prices.AllPrices(ctx).Prices())
}

// Scan 扫描所有债务人 / Evaluate every debtor against one price snapshot
// 使用一个价格快照评估所有有债务的用户，对低于清算阈值的持仓发起清算；并发度受 Workers 限制
// Evaluates every user with debt against a single snapshot and liquidates positions below the
// liquidation threshold, with at most Workers positions in flight.
//
// Returns:
//   - ScanSummary: 扫描汇总 / Counts per outcome
//   - error: 读取债务人失败 / Failure listing debtors
func (e *Engine) Scan(ctx context.Context) (ScanSummary, error) {
	start := time.Now()
	var summary ScanSummary

	users, err := e.ledger.Debtors(ctx)
	if err != nil {
		e.errorCount.Add(1)
		return summary, fmt.Errorf("failed to list debtors: %w", err)
	}
	snap := e.prices.AllPrices(ctx)
	if fb := snap.Fallbacks(); len(fb) > 0 {
		e.logger.Warn("Scan priced with fallback values for %v", fb)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for _, userID := range users {
		g.Go(func() error {
			r, out, err := e.check(gctx, userID, snap)

			mu.Lock()
			defer mu.Unlock()
			summary.Checked++
			switch {
			case errors.Is(err, errSkipped):
				summary.Skipped++
			case err != nil:
				summary.Failed++
			}
			switch r.Band {
			case models.RiskBandHealthy:
				summary.Healthy++
			case models.RiskBandAtRisk:
				summary.AtRisk++
			case models.RiskBandLiquidatable:
				summary.Liquidatable++
			}
			if out != nil && out.Applied() > 0 {
				summary.Liquidated++
			}
			return nil
		})
	}
	_ = g.Wait()

	summary.Duration = time.Since(start)
	e.scanCount.Add(1)
	e.lastScan.Store(time.Now().Unix())
	e.metrics.ObserveScan(summary.Duration, summary.AtRisk+summary.Liquidatable)
	e.logger.Info("Scan completed: %d checked, %d healthy, %d at risk, %d liquidatable, %d liquidated, %d failed, %d skipped",
		summary.Checked, summary.Healthy, summary.AtRisk, summary.Liquidatable, summary.Liquidated, summary.Failed, summary.Skipped)
	return summary, nil
}

var errSkipped = errors.New("liquidation skipped")

// Check 检查单个用户 / Evaluate one user on a fresh snapshot and liquidate if needed
func (e *Engine) Check(ctx context.Context, userID string) (*Outcome, error) {
	_, out, err := e.check(ctx, userID, e.prices.AllPrices(ctx))
	if errors.Is(err, errSkipped) {
		return out, nil
	}
	return out, err
}

func (e *Engine) check(ctx context.Context, userID string, snap oracle.Snapshot) (health.Result, *Outcome, error) {
	pos, err := e.ledger.Position(ctx, userID)
	if err != nil {
		e.logger.Error("Failed to load position for %s: %v", userID, err)
		return health.Result{}, nil, err
	}
	prices := snap.Prices()
	r, err := e.ledger.Evaluate(pos, prices)
	if err != nil {
		e.logger.Error("Failed to evaluate %s: %v", userID, err)
		return health.Result{}, nil, err
	}
	e.metrics.ObserveBand(string(r.Band))

	if r.Band != models.RiskBandLiquidatable {
		if e.State(userID) != models.PositionStateLiquidating {
			e.observe(userID, r)
		}
		return r, nil, nil
	}

	if !e.opts.AllowFallback {
		if held := fallbackHeld(pos, snap); len(held) > 0 {
			e.logger.Warn("User %s is liquidatable (factor %s) but %v are priced from fallbacks; deferring", userID, r, held)
			e.observe(userID, r)
			return r, nil, errSkipped
		}
	}

	out, err := e.Liquidate(ctx, userID, snap)
	return r, out, err
}

// fallbackHeld returns the position's assets that the snapshot priced from fallbacks.
func fallbackHeld(pos *models.Position, snap oracle.Snapshot) []string {
	var held []string
	for _, asset := range snap.Fallbacks() {
		if pos.CollateralOf(asset).IsPositive() || pos.DebtOf(asset).IsPositive() {
			held = append(held, asset)
		}
	}
	return held
}

// Liquidate 执行清算 / Liquidate the user's position against snap
// 清算流程 / Flow:
//  1. 标记结算进行中（拒绝并发的取款、借款和兑换）/ Mark a settlement in flight (blocks withdraw, borrow, swap)
//  2. 每一步：重新读取持仓，计算下一步，记录 PENDING 交易并标记 SUBMITTED / Per leg: reload, plan, record PENDING then SUBMITTED
//  3. 在不持有账本锁的情况下执行交易 / Execute on the venue without holding the ledger lock
//  4. 确认后写回账本；失败则记 FAILED 并告警；超时保留 SUBMITTED 交由对账处理
//     Apply on confirmation; FAILED plus alert on failure; leave SUBMITTED for the reconciler on timeout
//  5. 步数用尽时若仍低于清算阈值且仍有可没收的抵押品，持仓回到 AT_RISK，告警并重新排队
//     When MaxLegs runs out below the liquidation threshold with collateral still seizable,
//     the position returns to AT_RISK, is alerted and re-queued
//
// Returns:
//   - *Outcome: 每一步的结果 / Per-leg results and final state
//   - error: 无法开始清算或记录交易失败 / Could not start or record the liquidation
func (e *Engine) Liquidate(ctx context.Context, userID string, snap oracle.Snapshot) (*Outcome, error) {
	// Runs after EndSettlement so the re-queued check is not skipped as in flight.
	requeue := false
	defer func() {
		if requeue {
			e.Notify(userID)
		}
	}()

	if err := e.ledger.BeginSettlement(ctx, userID); err != nil {
		if errors.Is(err, models.ErrSettlementInProgress) {
			e.logger.Info("Skipping %s: %v", userID, err)
			return nil, errSkipped
		}
		return nil, err
	}
	defer e.ledger.EndSettlement(userID)

	if !e.transition(userID, models.PositionStateLiquidating) {
		return nil, errSkipped
	}

	prices := snap.Prices()
	out := &Outcome{UserID: userID}
	var runErr error

	for i := 0; i < e.opts.MaxLegs; i++ {
		pos, err := e.ledger.Position(ctx, userID)
		if err != nil {
			runErr = err
			break
		}
		r, err := e.ledger.Evaluate(pos, prices)
		if err != nil {
			runErr = err
			break
		}
		if i == 0 {
			out.Before = r
		}
		out.After = r
		if r.AtLeast(e.ledger.Thresholds().Target) {
			break
		}

		leg, ok, err := e.planner.Next(pos, prices)
		if err != nil {
			runErr = err
			break
		}
		if !ok {
			e.logger.Warn("No seizable collateral left for %s at factor %s", userID, r)
			break
		}

		lo, err := e.runLeg(ctx, userID, leg)
		out.Legs = append(out.Legs, lo)
		if err != nil {
			runErr = err
			break
		}
		if lo.Status != trade.StatusConfirmed || lo.Err != nil {
			break
		}
	}

	exhausted := false
	if pos, err := e.ledger.Position(ctx, userID); err == nil {
		if r, err := e.ledger.Evaluate(pos, prices); err == nil {
			out.After = r
		}
		if runErr == nil && len(out.Legs) == e.opts.MaxLegs && out.Applied() == len(out.Legs) &&
			!out.After.AtLeast(e.ledger.Thresholds().Liquidation) {
			_, exhausted, _ = e.planner.Next(pos, prices)
		}
	}

	out.State = models.PositionStateHealthy
	outcome := "aborted"
	if out.Applied() > 0 {
		out.State = models.PositionStateLiquidated
		outcome = "liquidated"
		e.liquidationCount.Add(1)
	}
	if runErr != nil {
		e.errorCount.Add(1)
		outcome = "error"
	}
	e.transition(userID, out.State)
	if exhausted {
		out.State = models.PositionStateAtRisk
		outcome = "budget_exhausted"
		e.transition(userID, out.State)
		e.alerts.Raise(ctx, alert.Alert{
			Kind:    alert.KindIncomplete,
			UserID:  userID,
			Message: fmt.Sprintf("%d leg(s) applied, factor still %s; re-queued", len(out.Legs), out.After),
		})
		requeue = true
	}
	e.metrics.ObserveLiquidation(outcome)
	e.logger.Info("Liquidation of %s finished: %s -> %s, %d leg(s), %d applied, state %s",
		userID, out.Before, out.After, len(out.Legs), out.Applied(), out.State)
	return out, runErr
}

// runLeg records, executes and applies one leg. A returned error means the leg could not be recorded.
func (e *Engine) runLeg(ctx context.Context, userID string, leg Leg) (LegOutcome, error) {
	lo := LegOutcome{Leg: leg}

	rec, err := e.recorder.Open(ctx, recorder.Settlement{
		UserID:    userID,
		Type:      models.TxTypeLiquidation,
		FromAsset: leg.Seize,
		ToAsset:   leg.Repay,
		Amount:    leg.Amount,
	})
	if err != nil {
		return lo, fmt.Errorf("failed to record liquidation leg: %w", err)
	}
	lo.TransactionID = rec.ID

	token := trade.NewToken()
	if _, err := e.recorder.MarkSubmitted(ctx, rec.ID, token); err != nil {
		return lo, fmt.Errorf("failed to submit liquidation leg: %w", err)
	}

	var res trade.SettlementResult
	if leg.Netted() {
		res = trade.SettlementResult{
			Status:    trade.StatusConfirmed,
			Token:     token,
			Reference: "net-" + token,
			Spent:     leg.Amount,
			Realized:  leg.Amount,
		}
	} else {
		e.logger.Info("Liquidating %s: %s", userID, leg)
		res = e.executor.ExecuteSwap(ctx, e.exec, trade.SwapRequest{
			From:           leg.Seize,
			To:             leg.Repay,
			Amount:         leg.Amount,
			MaxSlippage:    e.opts.MaxSlippage,
			ReferencePrice: leg.RefPrice,
			Token:          token,
		})
	}
	lo.Status, lo.Reference, lo.Spent, lo.Realized = res.Status, res.Reference, res.Spent, res.Realized

	switch res.Status {
	case trade.StatusConfirmed:
		_, err := e.ledger.ApplyLiquidation(ctx, ledger.LiquidationApply{
			UserID:        userID,
			TransactionID: rec.ID,
			SeizedAsset:   leg.Seize,
			SeizedAmount:  res.Spent,
			RepaidAsset:   leg.Repay,
			Realized:      res.Realized,
			Reference:     res.Reference,
		})
		if err != nil {
			lo.Err = err
			e.logger.Error("Settled liquidation %d for %s could not be applied: %v", rec.ID, userID, err)
			e.alerts.Raise(ctx, alert.Alert{
				Kind:          alert.KindApplyFailed,
				UserID:        userID,
				TransactionID: rec.ID,
				Token:         token,
				Message:       fmt.Sprintf("venue settled %s (%s) but apply failed: %v", leg, res.Reference, err),
			})
		}

	case trade.StatusFailed:
		lo.Err = res.Err
		if _, err := e.recorder.Fail(ctx, rec.ID, errString(res.Err)); err != nil {
			e.logger.Error("Failed to mark liquidation %d failed: %v", rec.ID, err)
		}
		e.alerts.Raise(ctx, alert.Alert{
			Kind:          alert.KindSettlementFailed,
			UserID:        userID,
			TransactionID: rec.ID,
			Token:         token,
			Message:       fmt.Sprintf("liquidation leg %s failed: %s", leg, errString(res.Err)),
		})

	default:
		lo.Err = res.Err
		e.alerts.Raise(ctx, alert.Alert{
			Kind:          alert.KindSettlementTimeout,
			UserID:        userID,
			TransactionID: rec.ID,
			Token:         token,
			Message:       fmt.Sprintf("liquidation pending manual review: %s: %s", leg, errString(res.Err)),
		})
	}
	return lo, nil
}

func errString(err error) string {
	if err == nil {
		return "unknown"
	}
	return err.Error()
}

// Notify 请求重新检查 / Queue an event-driven check for the user; drops the request when the queue is full
func (e *Engine) Notify(userID string) {
	select {
	case e.queue <- userID:
	default:
		e.logger.Debug("Check queue full, dropping notification for %s", userID)
	}
}

// Run 处理事件驱动的检查 / Process queued checks until Stop or ctx is done
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info("Liquidation engine started (workers=%d, max legs=%d)", e.opts.Workers, e.opts.MaxLegs)
	for {
		select {
		case userID := <-e.queue:
			if _, err := e.Check(ctx, userID); err != nil {
				e.logger.Error("Check of %s failed: %v", userID, err)
			}
		case <-ctx.Done():
			e.logger.Info("Liquidation engine stopped")
			return
		case <-e.stopChan:
			e.logger.Info("Liquidation engine stopped")
			return
		}
	}
}

// Stop 停止引擎 / Stop the Run loop
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopChan) })
}

// GetMetrics 获取引擎计数 / Engine counters
func (e *Engine) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"last_scan":         time.Unix(e.lastScan.Load(), 0).UTC(),
		"scan_count":        e.scanCount.Load(),
		"liquidation_count": e.liquidationCount.Load(),
		"error_count":       e.errorCount.Load(),
	}
}
