// Package swap converts part of a user's collateral from one asset into another
// through the venue, health-gated on the projected position.
package swap

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/wTHU1Ew/papaya/internal/alert"
	"github.com/wTHU1Ew/papaya/internal/ledger"
	"github.com/wTHU1Ew/papaya/internal/logger"
	"github.com/wTHU1Ew/papaya/internal/oracle"
	"github.com/wTHU1Ew/papaya/internal/recorder"
	"github.com/wTHU1Ew/papaya/internal/trade"
	"github.com/wTHU1Ew/papaya/pkg/models"
)

// MinAmount is the smallest swappable amount.
var MinAmount = decimal.New(1, -6)

// Service 抵押品兑换服务 / Collateral swap service
type Service struct {
	ledger      *ledger.Ledger
	prices      oracle.Source
	recorder    *recorder.Recorder
	executor    *trade.Executor
	exec        trade.ExecContext
	alerts      *alert.Dispatcher
	maxSlippage decimal.Decimal
	logger      *logger.Logger
}

// New 创建兑换服务 / Create swap service
func New(l *ledger.Ledger, prices oracle.Source, rec *recorder.Recorder, ex *trade.Executor, ec trade.ExecContext,
	alerts *alert.Dispatcher, maxSlippage decimal.Decimal, log *logger.Logger) *Service {
	return &Service{
		ledger:      l,
		prices:      prices,
		recorder:    rec,
		executor:    ex,
		exec:        ec,
		alerts:      alerts,
		maxSlippage: maxSlippage,
		logger:      log.With("swap"),
	}
}

// Swap 兑换抵押品 / Convert amount of the user's from collateral into to
// 兑换流程 / Flow:
//  1. 校验金额与交易对，用价格快照估算兑换后的健康因子 / Validate and gate on the projected health factor
//  2. 标记结算进行中，记录 SWAP 交易 / Mark the settlement in flight and record the SWAP transaction
//  3. 在不持有账本锁的情况下执行交易 / Execute on the venue outside the ledger lock
//  4. 确认后按实际成交写回账本 / Apply the realized amounts on confirmation
//
// Returns:
//   - *models.Transaction: 最终的交易记录 / The transaction in its final (or SUBMITTED on timeout) status
//   - error: 校验失败、健康检查拒绝、结算失败或超时 / Validation, health gate, settlement failure or timeout
func (s *Service) Swap(ctx context.Context, userID, from, to string, amount decimal.Decimal) (*models.Transaction, error) {
	from, to = models.NormalizeSymbol(from), models.NormalizeSymbol(to)
	if amount.LessThan(MinAmount) {
		return nil, fmt.Errorf("%w: minimum swap is %s", models.ErrInvalidAmount, MinAmount)
	}
	catalog := s.ledger.Catalog()
	for _, sym := range []string{from, to} {
		if _, ok := catalog.Get(sym); !ok {
			return nil, fmt.Errorf("%w: %s", models.ErrUnsupportedAsset, sym)
		}
	}
	if from == to || !s.executor.Supports(from, to) {
		return nil, fmt.Errorf("%w: no market for %s -> %s", models.ErrUnsupportedAsset, from, to)
	}

	snap := s.prices.AllPrices(ctx)
	prices := snap.Prices()

	if err := s.ledger.BeginSettlement(ctx, userID); err != nil {
		return nil, err
	}
	defer s.ledger.EndSettlement(userID)

	pos, err := s.ledger.Position(ctx, userID)
	if err != nil {
		return nil, err
	}
	ref, err := s.gate(pos, prices, from, to, amount)
	if err != nil {
		return nil, err
	}

	rec, err := s.recorder.Open(ctx, recorder.Settlement{UserID: userID, Type: models.TxTypeSwap, FromAsset: from, ToAsset: to, Amount: amount})
	if err != nil {
		return nil, err
	}
	token := trade.NewToken()
	if rec, err = s.recorder.MarkSubmitted(ctx, rec.ID, token); err != nil {
		return nil, err
	}

	s.logger.Info("Swapping %s %s -> %s for %s (tx %d)", amount, from, to, userID, rec.ID)
	res := s.executor.ExecuteSwap(ctx, s.exec, trade.SwapRequest{
		From:           from,
		To:             to,
		Amount:         amount,
		MaxSlippage:    s.maxSlippage,
		ReferencePrice: ref,
		Token:          token,
	})

	switch res.Status {
	case trade.StatusConfirmed:
		err := s.ledger.ApplySwap(ctx, ledger.SwapApply{
			UserID:        userID,
			TransactionID: rec.ID,
			FromAsset:     from,
			Amount:        res.Spent,
			ToAsset:       to,
			Realized:      res.Realized,
			Reference:     res.Reference,
		})
		if err != nil {
			s.alerts.Raise(ctx, alert.Alert{
				Kind:          alert.KindApplyFailed,
				UserID:        userID,
				TransactionID: rec.ID,
				Token:         token,
				Message:       fmt.Sprintf("venue settled swap %s %s -> %s (%s) but apply failed: %v", amount, from, to, res.Reference, err),
			})
			return rec, err
		}

	case trade.StatusFailed:
		if res.Err == nil {
			res.Err = models.ErrSettlementFailed
		}
		if _, ferr := s.recorder.Fail(ctx, rec.ID, res.Err.Error()); ferr != nil {
			s.logger.Error("Failed to mark swap %d failed: %v", rec.ID, ferr)
		}
		s.alerts.Raise(ctx, alert.Alert{
			Kind:          alert.KindSettlementFailed,
			UserID:        userID,
			TransactionID: rec.ID,
			Token:         token,
			Message:       fmt.Sprintf("swap %s %s -> %s failed: %v", amount, from, to, res.Err),
		})
		return s.reload(ctx, rec), res.Err

	default:
		if res.Err == nil {
			res.Err = models.ErrSettlementTimeout
		}
		s.alerts.Raise(ctx, alert.Alert{
			Kind:          alert.KindSettlementTimeout,
			UserID:        userID,
			TransactionID: rec.ID,
			Token:         token,
			Message:       fmt.Sprintf("swap %s %s -> %s pending manual review: %v", amount, from, to, res.Err),
		})
		return rec, res.Err
	}

	return s.reload(ctx, rec), nil
}

// gate rejects swaps whose projected position falls below the healthy threshold and
// returns the reference price in units of to per unit of from.
func (s *Service) gate(pos *models.Position, prices map[string]decimal.Decimal, from, to string, amount decimal.Decimal) (decimal.Decimal, error) {
	pf, ok1 := prices[from]
	pt, ok2 := prices[to]
	if !ok1 || !ok2 || !pf.IsPositive() || !pt.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: no price for %s/%s", models.ErrUnsupportedAsset, from, to)
	}
	if pos.CollateralOf(from).LessThan(amount) {
		return decimal.Zero, fmt.Errorf("%w: %s collateral %s < %s", models.ErrInsufficientBalance, from, pos.CollateralOf(from), amount)
	}
	ref := pf.Div(pt)

	projected := pos.Clone()
	projected.Collateral[from] = projected.CollateralOf(from).Sub(amount)
	received := amount.Mul(ref).Mul(decimal.NewFromInt(1).Sub(s.maxSlippage))
	projected.Collateral[to] = projected.CollateralOf(to).Add(received)

	r, err := s.ledger.Evaluate(projected, prices)
	if err != nil {
		return decimal.Zero, err
	}
	if minimum := s.ledger.Thresholds().Healthy; !r.AtLeast(minimum) {
		return decimal.Zero, &models.HealthCheckError{Factor: r.Factor, Minimum: minimum}
	}
	return ref, nil
}

func (s *Service) reload(ctx context.Context, rec *models.Transaction) *models.Transaction {
	if cur, err := s.recorder.Get(ctx, rec.ID); err == nil {
		return cur
	}
	return rec
}
