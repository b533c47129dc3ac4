package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/wTHU1Ew/papaya/pkg/models"
)

// Storage 数据库存储层 / Database storage layer
// Balances and amounts are stored as decimal TEXT, timestamps as fixed-width RFC3339 TEXT (UTC).
type Storage struct {
	db          *sql.DB
	busyRetries int
	now         func() time.Time
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New 创建新的存储实例 / Create new storage instance
// 初始化SQLite数据库连接，创建表结构，配置连接池
// Initialize SQLite database connection, create table schema, configure connection pool
//
// Parameters:
//   - dbPath: Database file path (e.g., "./data/papaya.db"), directory will be created if not exists
//   - walMode: Whether to enable WAL (Write-Ahead Logging) mode
//   - maxOpenConns: Maximum number of open connections
//   - maxIdleConns: Maximum number of idle connections
//   - busyRetries: Retries of a transaction that hit SQLITE_BUSY / SQLITE_LOCKED
//
// Returns:
//   - *Storage: 已初始化的存储实例 / Initialized storage instance with schema
//   - error: 数据库创建失败或表结构初始化失败时返回错误 / Error on open or schema failure
func New(dbPath string, walMode bool, maxOpenConns, maxIdleConns, busyRetries int) (*Storage, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Immediate transactions take the write lock up front so the busy handler applies to them.
	dsn := dbPath + "?_busy_timeout=5000&_txlock=immediate&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)

	if walMode {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if busyRetries < 0 {
		busyRetries = 0
	}
	storage := &Storage{db: db, busyRetries: busyRetries, now: time.Now}

	if err := storage.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return storage, nil
}

// initSchema 初始化数据库架构 / Initialize database schema
func (s *Storage) initSchema() error {
	schemas := []struct {
		name string
		ddl  string
	}{
		{"users", `
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			created_at TEXT NOT NULL
		);`},
		{"user_assets", `
		CREATE TABLE IF NOT EXISTS user_assets (
			user_id TEXT NOT NULL REFERENCES users(id),
			asset TEXT NOT NULL,
			amount TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (user_id, asset)
		);`},
		{"borrowed_assets", `
		CREATE TABLE IF NOT EXISTS borrowed_assets (
			user_id TEXT NOT NULL REFERENCES users(id),
			asset TEXT NOT NULL,
			amount TEXT NOT NULL,
			accrued_through INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (user_id, asset)
		);`},
		{"interest_rates", `
		CREATE TABLE IF NOT EXISTS interest_rates (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			asset TEXT NOT NULL,
			interest_rate TEXT NOT NULL,
			effective_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_interest_rates_asset ON interest_rates(asset, effective_at);`},
		{"transactions", `
		CREATE TABLE IF NOT EXISTS transactions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL REFERENCES users(id),
			tx_type TEXT NOT NULL,
			asset TEXT NOT NULL,
			amount TEXT NOT NULL,
			from_asset TEXT NOT NULL DEFAULT '',
			to_asset TEXT NOT NULL DEFAULT '',
			client_token TEXT NOT NULL DEFAULT '',
			tx_hash TEXT NOT NULL DEFAULT '',
			realized_amount TEXT NOT NULL DEFAULT '0',
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id, id);
		CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status, created_at);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_token ON transactions(client_token) WHERE client_token != '';`},
		{"liquidations", `
		CREATE TABLE IF NOT EXISTS liquidations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL REFERENCES users(id),
			asset TEXT NOT NULL,
			amount TEXT NOT NULL,
			repaid_asset TEXT NOT NULL,
			repaid_amount TEXT NOT NULL,
			penalty TEXT NOT NULL DEFAULT '0',
			transaction_id INTEGER NOT NULL UNIQUE REFERENCES transactions(id),
			occurred_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_liquidations_user ON liquidations(user_id, occurred_at);`},
		{"interest_runs", `
		CREATE TABLE IF NOT EXISTS interest_runs (
			period INTEGER PRIMARY KEY,
			as_of TEXT NOT NULL,
			rows_accrued INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);`},
	}

	for _, schema := range schemas {
		if _, err := s.db.Exec(schema.ddl); err != nil {
			return fmt.Errorf("failed to create %s table: %w", schema.name, err)
		}
	}
	return nil
}

// SetClock overrides the time source used for row timestamps.
func (s *Storage) SetClock(now func() time.Time) {
	s.now = now
}

// WithTx 在单个数据库事务中执行 / Run fn inside one database transaction
// 遇到 SQLITE_BUSY / SQLITE_LOCKED 时以指数退避重试整个事务，fn 必须可以安全重放
// On SQLITE_BUSY / SQLITE_LOCKED the whole transaction is retried with exponential backoff,
// so fn must not have side effects outside the transaction.
//
// Returns:
//   - error: fn 的错误原样返回；重试耗尽时返回包装了 models.ErrLedgerConflict 的错误
//     fn's error unchanged; models.ErrLedgerConflict when the retry budget is exhausted
func (s *Storage) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := s.runTx(ctx, fn)
		if err != nil && !isBusy(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(s.busyRetries+1)))

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Err
	}
	if isBusy(err) {
		return fmt.Errorf("%w: %v", models.ErrLedgerConflict, err)
	}
	return err
}

func (s *Storage) runTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&Tx{tx: sqlTx, now: s.now().UTC()}); err != nil {
		sqlTx.Rollback()
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// InsertUser 插入用户 / Insert user account
func (s *Storage) InsertUser(ctx context.Context, user *models.User) error {
	if err := user.Validate(); err != nil {
		return fmt.Errorf("invalid user: %w", err)
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, created_at) VALUES (?, ?, ?)`,
		user.ID, user.Username, formatTime(user.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// GetUser 查询用户 / Get user by id
func (s *Storage) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	var createdAt string
	err := s.db.QueryRowContext(ctx, `SELECT id, username, created_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Username, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// LoadPosition 读取用户持仓快照 / Load a user's balance snapshot
func (s *Storage) LoadPosition(ctx context.Context, userID string) (*models.Position, error) {
	return loadPosition(ctx, s.db, userID)
}

// ListDebtors 列出有未偿债务的用户 / List users with outstanding debt
func (s *Storage) ListDebtors(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT user_id FROM borrowed_assets WHERE CAST(amount AS REAL) > 0 ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query debtors: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan debtor: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// InsertInterestRate 追加利率记录 / Append interest rate record
func (s *Storage) InsertInterestRate(ctx context.Context, rec *models.InterestRateRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid interest rate: %w", err)
	}
	if rec.EffectiveAt.IsZero() {
		rec.EffectiveAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO interest_rates (asset, interest_rate, effective_at) VALUES (?, ?, ?)`,
		rec.Asset, rec.Rate, formatTime(rec.EffectiveAt))
	if err != nil {
		return fmt.Errorf("failed to insert interest rate: %w", err)
	}
	return nil
}

// CurrentRates 当前利率 / Latest interest rate per asset effective at or before asOf
func (s *Storage) CurrentRates(ctx context.Context, asOf time.Time) (map[string]models.InterestRateRecord, error) {
	return currentRates(ctx, s.db, asOf)
}

func currentRates(ctx context.Context, q querier, asOf time.Time) (map[string]models.InterestRateRecord, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT asset, interest_rate, effective_at FROM interest_rates
		WHERE effective_at <= ?
		ORDER BY asset, effective_at, id`, formatTime(asOf))
	if err != nil {
		return nil, fmt.Errorf("failed to query interest rates: %w", err)
	}
	defer rows.Close()

	rates := make(map[string]models.InterestRateRecord)
	for rows.Next() {
		var rec models.InterestRateRecord
		var effectiveAt string
		if err := rows.Scan(&rec.Asset, &rec.Rate, &effectiveAt); err != nil {
			return nil, fmt.Errorf("failed to scan interest rate: %w", err)
		}
		if rec.EffectiveAt, err = parseTime(effectiveAt); err != nil {
			return nil, err
		}
		// Ordered ascending, so the last row per asset wins.
		rates[rec.Asset] = rec
	}
	return rates, rows.Err()
}

// LatestInterestRun 最近一次计息批次 / Most recent applied accrual period
func (s *Storage) LatestInterestRun(ctx context.Context) (*models.InterestRun, error) {
	var run models.InterestRun
	var asOf, createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT period, as_of, rows_accrued, created_at FROM interest_runs ORDER BY period DESC LIMIT 1`).
		Scan(&run.Period, &asOf, &run.Rows, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query interest run: %w", err)
	}
	if run.AsOf, err = parseTime(asOf); err != nil {
		return nil, err
	}
	if run.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &run, nil
}

// Close 关闭数据库连接 / Close database connection
func (s *Storage) Close() error {
	return s.db.Close()
}

// HealthCheck 健康检查 / Health check
func (s *Storage) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func loadPosition(ctx context.Context, q querier, userID string) (*models.Position, error) {
	pos := models.NewPosition(userID)

	load := func(table string, into map[string]decimal.Decimal) error {
		rows, err := q.QueryContext(ctx,
			`SELECT asset, amount FROM `+table+` WHERE user_id = ?`, userID)
		if err != nil {
			return fmt.Errorf("failed to query %s: %w", table, err)
		}
		defer rows.Close()
		for rows.Next() {
			var asset string
			var amount decimal.Decimal
			if err := rows.Scan(&asset, &amount); err != nil {
				return fmt.Errorf("failed to scan %s: %w", table, err)
			}
			if amount.IsPositive() {
				into[asset] = amount
			}
		}
		return rows.Err()
	}

	if err := load("user_assets", pos.Collateral); err != nil {
		return nil, err
	}
	if err := load("borrowed_assets", pos.Debt); err != nil {
		return nil, err
	}
	return pos, nil
}

// timeLayout is fixed-width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}
