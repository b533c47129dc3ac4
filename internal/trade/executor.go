// Package trade converts one asset into another on the external venue with
// at-most-once execution per idempotency token.
package trade

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wTHU1Ew/papaya/internal/logger"
	"github.com/wTHU1Ew/papaya/internal/metrics"
	"github.com/wTHU1Ew/papaya/internal/venue"
	"github.com/wTHU1Ew/papaya/pkg/models"
)

// Venue 交易场所接口 / Order operations the executor needs from a venue
type Venue interface {
	PlaceOrder(ctx context.Context, req venue.OrderRequest) (*venue.OrderAck, error)
	GetOrder(ctx context.Context, instID, clOrdID string) (*venue.Order, error)
}

// ExecContext 执行上下文 / Venue and operating account used for one call
type ExecContext struct {
	Venue   Venue
	Account string // sent as the order tag
}

// SwapRequest 兑换请求 / Convert Amount of From into To
type SwapRequest struct {
	From           string
	To             string
	Amount         decimal.Decimal // units of From
	MaxSlippage    decimal.Decimal // e.g. 0.01
	ReferencePrice decimal.Decimal // units of To per unit of From, from the decision snapshot
	Token          string          // idempotency token; generated when empty
}

// SettlementStatus 结算状态 / Settlement outcome
type SettlementStatus string

const (
	StatusConfirmed SettlementStatus = "CONFIRMED"
	StatusFailed    SettlementStatus = "FAILED"
	StatusTimeout   SettlementStatus = "TIMEOUT"   // outcome unknown, left for reconciliation
	StatusPending   SettlementStatus = "PENDING"   // Lookup only: order still live
	StatusNotFound  SettlementStatus = "NOT_FOUND" // Lookup only: venue has no order for the token
)

// SettlementResult 结算结果 / Result of a swap or lookup
type SettlementResult struct {
	Status     SettlementStatus
	Token      string
	Instrument string
	Reference  string          // venue order id
	Spent      decimal.Decimal // units of From consumed
	Realized   decimal.Decimal // units of To received, net of fees
	AvgPrice   decimal.Decimal
	Attempts   int
	Err        error
}

// Options 执行器参数 / Executor options
type Options struct {
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	Instruments    []string // BASE-QUOTE, e.g. ETH-USDC
}

type instrument struct {
	id   string
	side models.OrderSide // side that converts From into To
}

// Executor 交易执行器 / Trade executor
type Executor struct {
	opts        Options
	instruments map[string]instrument
	logger      *logger.Logger
	metrics     *metrics.Metrics
}

// New 创建交易执行器 / Create trade executor
//
// Parameters:
//   - opts: Retry budget, backoff, confirmation timeout and tradable instruments
//   - log: Logger instance
//   - m: Metrics (may be nil)
//
// Returns:
//   - *Executor: 执行器实例 / Executor instance
//   - error: 交易对格式错误 / Malformed instrument
func New(opts Options, log *logger.Logger, m *metrics.Metrics) (*Executor, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 500 * time.Millisecond
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 8 * time.Second
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}

	e := &Executor{
		opts:        opts,
		instruments: make(map[string]instrument),
		logger:      log.With("trade"),
		metrics:     m,
	}
	for _, inst := range opts.Instruments {
		base, quote, ok := strings.Cut(models.NormalizeSymbol(inst), "-")
		if !ok || base == "" || quote == "" || base == quote {
			return nil, fmt.Errorf("invalid instrument %q", inst)
		}
		id := base + "-" + quote
		e.instruments[base+"/"+quote] = instrument{id: id, side: models.OrderSideSell}
		e.instruments[quote+"/"+base] = instrument{id: id, side: models.OrderSideBuy}
	}
	return e, nil
}

// NewToken 生成幂等令牌 / Generate an idempotency token usable as a venue client order id
func NewToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Supports reports whether a direct market exists between from and to.
func (e *Executor) Supports(from, to string) bool {
	_, ok := e.instruments[from+"/"+to]
	return ok
}

func (e *Executor) resolve(from, to string) (instrument, error) {
	inst, ok := e.instruments[from+"/"+to]
	if !ok {
		return instrument{}, fmt.Errorf("%w: no market for %s -> %s", models.ErrSettlementFailed, from, to)
	}
	return inst, nil
}

// order builds a fill-or-kill limit order bounded by the slippage tolerance.
// Selling base: px = ref × (1 − slippage), sz = amount.
// Buying base:  px = (1 / ref) × (1 + slippage), sz = amount / px.
func order(inst instrument, req SwapRequest, account string) (venue.OrderRequest, error) {
	one := decimal.NewFromInt(1)
	out := venue.OrderRequest{
		InstID:  inst.id,
		TdMode:  "cash",
		Side:    string(inst.side),
		OrdType: "fok",
		ClOrdID: req.Token,
		Tag:     account,
	}
	switch inst.side {
	case models.OrderSideSell:
		px := req.ReferencePrice.Mul(one.Sub(req.MaxSlippage)).RoundDown(8)
		out.Px = px.String()
		out.Sz = req.Amount.String()
	default:
		px := one.Div(req.ReferencePrice).Mul(one.Add(req.MaxSlippage)).RoundUp(8)
		sz := req.Amount.Div(px).RoundDown(8)
		if !sz.IsPositive() {
			return out, fmt.Errorf("%w: amount %s too small at price %s", models.ErrSettlementFailed, req.Amount, px)
		}
		out.Px = px.String()
		out.Sz = sz.String()
	}
	return out, nil
}

// ExecuteSwap 执行兑换 / Convert req.Amount of req.From into req.To and wait for settlement
// 每次提交前先按令牌查询订单，已存在的订单绝不重复提交；暂时性错误按指数退避重试
// Before every attempt the order is looked up by token and an existing order is never resubmitted.
// Transient errors (network, timeout, rate limit) are retried with exponential backoff up to MaxAttempts;
// terminal rejections fail immediately without retry.
//
// Parameters:
//   - ec: 交易场所与账户 / Venue and account to trade on
//   - req: 兑换参数 / Swap parameters
//
// Returns:
//   - SettlementResult: CONFIRMED 携带实际成交数量与结算引用；FAILED 表示确定未成交；
//     TIMEOUT 表示结果未知，需要对账确认
//     CONFIRMED carries the realized amount and settlement reference; FAILED means nothing executed;
//     TIMEOUT means the outcome is unknown and must be reconciled
func (e *Executor) ExecuteSwap(ctx context.Context, ec ExecContext, req SwapRequest) SettlementResult {
	started := time.Now()
	if req.Token == "" {
		req.Token = NewToken()
	}
	res := SettlementResult{Token: req.Token}

	fail := func(status SettlementStatus, err error) SettlementResult {
		res.Status = status
		res.Err = err
		e.metrics.ObserveSettlement(time.Since(started))
		e.logger.Warn("Swap %s %s -> %s (token %s) %s after %d attempt(s): %v",
			req.Amount, req.From, req.To, req.Token, status, res.Attempts, err)
		return res
	}

	if !req.Amount.IsPositive() || !req.ReferencePrice.IsPositive() {
		return fail(StatusFailed, fmt.Errorf("%w: invalid amount %s or reference price %s",
			models.ErrSettlementFailed, req.Amount, req.ReferencePrice))
	}
	inst, err := e.resolve(req.From, req.To)
	if err != nil {
		return fail(StatusFailed, err)
	}
	res.Instrument = inst.id
	ord, err := order(inst, req, ec.Account)
	if err != nil {
		return fail(StatusFailed, err)
	}

	submit := func() (*venue.Order, error) {
		res.Attempts++
		existing, err := ec.Venue.GetOrder(ctx, inst.id, req.Token)
		switch {
		case err == nil:
			e.metrics.ObserveTradeAttempt("found")
			return existing, nil
		case !errors.Is(err, venue.ErrOrderNotFound):
			e.metrics.ObserveTradeAttempt("query_error")
			return nil, classify(err)
		}

		ack, err := ec.Venue.PlaceOrder(ctx, ord)
		if err != nil {
			if venue.IsDuplicate(err) {
				// Placed by an earlier attempt; the next lookup picks it up.
				e.metrics.ObserveTradeAttempt("duplicate")
				return nil, err
			}
			if venue.IsTransient(err) {
				e.metrics.ObserveTradeAttempt("transient")
			} else {
				e.metrics.ObserveTradeAttempt("rejected")
			}
			return nil, classify(err)
		}
		e.metrics.ObserveTradeAttempt("placed")
		return &venue.Order{InstID: inst.id, OrdID: ack.OrdID, ClOrdID: req.Token, State: venue.OrderStateLive}, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.opts.BackoffInitial
	b.MaxInterval = e.opts.BackoffMax

	placed, err := backoff.Retry(ctx, submit,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(e.opts.MaxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			e.logger.Warn("Swap attempt %d for token %s failed, retrying in %v: %v", res.Attempts, req.Token, wait, err)
		}))
	if err != nil {
		if venue.IsTransient(err) || venue.IsDuplicate(err) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return fail(StatusTimeout, fmt.Errorf("%w: %v", models.ErrSettlementTimeout, err))
		}
		return fail(StatusFailed, fmt.Errorf("%w: %v", models.ErrSettlementFailed, err))
	}

	final := e.confirm(ctx, ec, inst, req.Token, placed)
	res.Reference = final.OrdID
	switch final.State {
	case venue.OrderStateFilled:
		spent, realized, avg, err := fill(final, inst, req.From, req.To)
		if err != nil {
			return fail(StatusTimeout, fmt.Errorf("%w: %v", models.ErrSettlementTimeout, err))
		}
		res.Status = StatusConfirmed
		res.Spent, res.Realized, res.AvgPrice = spent, realized, avg
		e.metrics.ObserveSettlement(time.Since(started))
		e.logger.Info("Swap settled: %s %s -> %s %s on %s (ord %s, token %s, %d attempt(s))",
			spent, req.From, realized, req.To, inst.id, final.OrdID, req.Token, res.Attempts)
		return res
	case venue.OrderStateCanceled, venue.OrderStateMMPCanceled:
		return fail(StatusFailed, fmt.Errorf("%w: order %s %s without fill", models.ErrSettlementFailed, final.OrdID, final.State))
	default:
		return fail(StatusTimeout, fmt.Errorf("%w: order %s still %s after %v",
			models.ErrSettlementTimeout, final.OrdID, final.State, e.opts.ConfirmTimeout))
	}
}

// classify marks non-transient venue errors permanent so Retry stops.
func classify(err error) error {
	if venue.IsTransient(err) {
		return err
	}
	return backoff.Permanent(err)
}

// confirm 等待成交确认 / Poll the order until it is final or the confirmation timeout elapses
func (e *Executor) confirm(ctx context.Context, ec ExecContext, inst instrument, token string, last *venue.Order) *venue.Order {
	if last.IsFinal() {
		return last
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.ConfirmTimeout)
	defer cancel()
	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return last
		case <-ticker.C:
		}

		o, err := ec.Venue.GetOrder(ctx, inst.id, token)
		if err != nil {
			e.logger.Debug("Order %s not confirmed yet: %v", token, err)
			continue
		}
		last = o
		if o.IsFinal() {
			return o
		}
	}
}

// fill 计算成交结果 / Amounts consumed and received by a filled order
// Fees are negative in the venue's convention and charged in either currency.
func fill(o *venue.Order, inst instrument, from, to string) (spent, realized, avg decimal.Decimal, err error) {
	qty, err := decimal.NewFromString(o.AccFillSz)
	if err != nil {
		return spent, realized, avg, fmt.Errorf("invalid accFillSz %q: %w", o.AccFillSz, err)
	}
	avg, err = decimal.NewFromString(o.AvgPx)
	if err != nil {
		return spent, realized, avg, fmt.Errorf("invalid avgPx %q: %w", o.AvgPx, err)
	}
	fee := decimal.Zero
	if o.Fee != "" {
		if fee, err = decimal.NewFromString(o.Fee); err != nil {
			return spent, realized, avg, fmt.Errorf("invalid fee %q: %w", o.Fee, err)
		}
	}

	if inst.side == models.OrderSideSell {
		spent, realized = qty, qty.Mul(avg)
	} else {
		spent, realized = qty.Mul(avg), qty
	}

	switch models.NormalizeSymbol(o.FeeCcy) {
	case to:
		realized = realized.Add(fee)
	case from:
		spent = spent.Sub(fee)
	}
	if realized.IsNegative() {
		realized = decimal.Zero
	}
	return spent, realized, avg, nil
}

// Lookup 查询结算结果 / Resolve the current outcome of a previously submitted swap without placing anything
func (e *Executor) Lookup(ctx context.Context, ec ExecContext, from, to, token string) SettlementResult {
	res := SettlementResult{Token: token}
	inst, err := e.resolve(from, to)
	if err != nil {
		res.Status, res.Err = StatusFailed, err
		return res
	}
	res.Instrument = inst.id

	o, err := ec.Venue.GetOrder(ctx, inst.id, token)
	switch {
	case errors.Is(err, venue.ErrOrderNotFound):
		res.Status = StatusNotFound
		return res
	case err != nil:
		res.Status, res.Err = StatusPending, err
		return res
	}

	res.Reference = o.OrdID
	switch o.State {
	case venue.OrderStateFilled:
		spent, realized, avg, err := fill(o, inst, from, to)
		if err != nil {
			res.Status, res.Err = StatusPending, err
			return res
		}
		res.Status = StatusConfirmed
		res.Spent, res.Realized, res.AvgPrice = spent, realized, avg
	case venue.OrderStateCanceled, venue.OrderStateMMPCanceled:
		res.Status = StatusFailed
		res.Err = fmt.Errorf("%w: order %s %s", models.ErrSettlementFailed, o.OrdID, o.State)
	default:
		res.Status = StatusPending
	}
	return res
}
