// Package recorder keeps the append-only record of settlement transactions
// (liquidation legs and swaps) as they move through PENDING, SUBMITTED, CONFIRMED and FAILED.
package recorder

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wTHU1Ew/papaya/internal/logger"
	"github.com/wTHU1Ew/papaya/internal/storage"
	"github.com/wTHU1Ew/papaya/pkg/models"
)

// Recorder 交易记录器 / Transaction recorder
type Recorder struct {
	store  *storage.Storage
	logger *logger.Logger
}

// New 创建交易记录器 / Create transaction recorder
func New(store *storage.Storage, log *logger.Logger) *Recorder {
	return &Recorder{store: store, logger: log.With("recorder")}
}

// Settlement 待结算交易参数 / Parameters of a settlement transaction
type Settlement struct {
	UserID    string
	Type      models.TxType // LIQUIDATION or SWAP
	FromAsset string
	ToAsset   string
	Amount    decimal.Decimal // amount of FromAsset
}

// Open 创建 PENDING 交易 / Record a new PENDING settlement transaction
func (r *Recorder) Open(ctx context.Context, s Settlement) (*models.Transaction, error) {
	if !s.Type.IsSettled() {
		return nil, fmt.Errorf("%s is not a settlement type", s.Type)
	}
	rec := &models.Transaction{
		UserID:    s.UserID,
		Type:      s.Type,
		Asset:     s.FromAsset,
		Amount:    s.Amount,
		FromAsset: s.FromAsset,
		ToAsset:   s.ToAsset,
		Status:    models.TxStatusPending,
	}
	err := r.store.WithTx(ctx, func(tx *storage.Tx) error {
		return tx.InsertTransaction(ctx, rec)
	})
	if err != nil {
		return nil, err
	}
	r.logger.Debug("Opened %s", rec)
	return rec, nil
}

// MarkSubmitted PENDING → SUBMITTED，绑定幂等令牌 / Bind the idempotency token before the first venue call
func (r *Recorder) MarkSubmitted(ctx context.Context, id int64, token string) (*models.Transaction, error) {
	if token == "" {
		return nil, fmt.Errorf("idempotency token is required")
	}
	return r.transition(ctx, id, models.TxStatusSubmitted, storage.TxUpdate{ClientToken: token})
}

// Fail 标记失败 / Mark the transaction FAILED with reason; balances are not touched
func (r *Recorder) Fail(ctx context.Context, id int64, reason string) (*models.Transaction, error) {
	if reason == "" {
		reason = "unknown"
	}
	rec, err := r.transition(ctx, id, models.TxStatusFailed, storage.TxUpdate{Error: reason})
	if err != nil {
		return nil, err
	}
	r.logger.Warn("Transaction %d failed: %s", id, reason)
	return rec, nil
}

func (r *Recorder) transition(ctx context.Context, id int64, next models.TxStatus, upd storage.TxUpdate) (*models.Transaction, error) {
	var rec *models.Transaction
	err := r.store.WithTx(ctx, func(tx *storage.Tx) error {
		var err error
		rec, err = tx.TransitionTransaction(ctx, id, next, upd)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Get 查询交易 / Get transaction by id
func (r *Recorder) Get(ctx context.Context, id int64) (*models.Transaction, error) {
	return r.store.GetTransaction(ctx, id)
}

// GetByToken 按幂等令牌查询 / Get transaction by idempotency token
func (r *Recorder) GetByToken(ctx context.Context, token string) (*models.Transaction, error) {
	return r.store.GetTransactionByToken(ctx, token)
}

// ListByUser returns the user's transactions, newest first.
func (r *Recorder) ListByUser(ctx context.Context, userID string, limit int) ([]*models.Transaction, error) {
	return r.store.ListTransactions(ctx, userID, limit)
}

// ListStale 过期未决交易 / Settlement transactions still in status and created before olderThan
func (r *Recorder) ListStale(ctx context.Context, status models.TxStatus, olderThan time.Time) ([]*models.Transaction, error) {
	return r.store.ListTransactionsByStatus(ctx, status, olderThan, models.TxTypeLiquidation, models.TxTypeSwap)
}

// Unresolved 未决结算数量 / Number of the user's settlement transactions not yet final
func (r *Recorder) Unresolved(ctx context.Context, userID string) (int, error) {
	return r.store.CountUnresolved(ctx, userID)
}

// Liquidations 清算事件 / Liquidation events of a user
func (r *Recorder) Liquidations(ctx context.Context, userID string) ([]models.LiquidationEvent, error) {
	return r.store.ListLiquidations(ctx, userID)
}
