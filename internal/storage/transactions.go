package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wTHU1Ew/papaya/pkg/models"
)

const transactionColumns = `id, user_id, tx_type, asset, amount, from_asset, to_asset, client_token,
	tx_hash, realized_amount, status, error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var tx models.Transaction
	var txType, status, createdAt, updatedAt string
	err := row.Scan(&tx.ID, &tx.UserID, &txType, &tx.Asset, &tx.Amount, &tx.FromAsset, &tx.ToAsset,
		&tx.ClientToken, &tx.TxHash, &tx.RealizedAmount, &status, &tx.Error, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	tx.Type = models.TxType(txType)
	tx.Status = models.TxStatus(status)
	if tx.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if tx.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &tx, nil
}

func getTransaction(ctx context.Context, q querier, id int64) (*models.Transaction, error) {
	tx, err := scanTransaction(q.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: transaction %d", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query transaction: %w", err)
	}
	return tx, nil
}

func countUnresolved(ctx context.Context, q querier, userID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM transactions
		WHERE user_id = ? AND status IN (?, ?) AND tx_type IN (?, ?)`,
		userID, string(models.TxStatusPending), string(models.TxStatusSubmitted),
		string(models.TxTypeLiquidation), string(models.TxTypeSwap)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unresolved transactions: %w", err)
	}
	return n, nil
}

func queryTransactions(ctx context.Context, q querier, query string, args ...any) ([]*models.Transaction, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []*models.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// GetTransaction 查询交易 / Get transaction by id
func (s *Storage) GetTransaction(ctx context.Context, id int64) (*models.Transaction, error) {
	return getTransaction(ctx, s.db, id)
}

// GetTransactionByToken 按幂等令牌查询交易 / Get transaction by idempotency token
func (s *Storage) GetTransactionByToken(ctx context.Context, token string) (*models.Transaction, error) {
	tx, err := scanTransaction(s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE client_token = ? AND client_token != ''`, token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: transaction token %s", models.ErrNotFound, token)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query transaction: %w", err)
	}
	return tx, nil
}

// ListTransactions 用户交易记录（按ID倒序）/ User transactions, newest first
func (s *Storage) ListTransactions(ctx context.Context, userID string, limit int) ([]*models.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	return queryTransactions(ctx, s.db,
		`SELECT `+transactionColumns+` FROM transactions WHERE user_id = ? ORDER BY id DESC LIMIT ?`, userID, limit)
}

// ListTransactionsByStatus 按状态查询（创建时间早于 olderThan）/ Transactions in status created before olderThan
func (s *Storage) ListTransactionsByStatus(ctx context.Context, status models.TxStatus, olderThan time.Time, types ...models.TxType) ([]*models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE status = ? AND created_at <= ?`
	args := []any{string(status), formatTime(olderThan)}
	if len(types) > 0 {
		placeholders := make([]string, len(types))
		for i, t := range types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		query += ` AND tx_type IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY id`
	return queryTransactions(ctx, s.db, query, args...)
}

// CountUnresolved 未决结算数量 / Number of settlement transactions not yet final
func (s *Storage) CountUnresolved(ctx context.Context, userID string) (int, error) {
	return countUnresolved(ctx, s.db, userID)
}

// ListLiquidations 用户清算事件 / Liquidation events of a user, newest first
func (s *Storage) ListLiquidations(ctx context.Context, userID string) ([]models.LiquidationEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, asset, amount, repaid_asset, repaid_amount, penalty, transaction_id, occurred_at
		FROM liquidations WHERE user_id = ? ORDER BY id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query liquidations: %w", err)
	}
	defer rows.Close()

	var out []models.LiquidationEvent
	for rows.Next() {
		var ev models.LiquidationEvent
		var occurredAt string
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.Asset, &ev.Amount, &ev.RepaidAsset, &ev.RepaidAmount,
			&ev.Penalty, &ev.TransactionID, &occurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan liquidation: %w", err)
		}
		if ev.OccurredAt, err = parseTime(occurredAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
