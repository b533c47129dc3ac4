// Package ledger owns collateral and borrowed balances. Every mutation is atomic,
// serialized per user, and recorded as a Transaction in the same database transaction.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wTHU1Ew/papaya/internal/health"
	"github.com/wTHU1Ew/papaya/internal/logger"
	"github.com/wTHU1Ew/papaya/internal/metrics"
	"github.com/wTHU1Ew/papaya/internal/oracle"
	"github.com/wTHU1Ew/papaya/internal/storage"
	"github.com/wTHU1Ew/papaya/pkg/models"
)

// Options 账本参数 / Ledger options
type Options struct {
	Thresholds    health.Thresholds
	InterestMode  models.InterestMode
	PeriodSeconds int64
	Penalty       decimal.Decimal // share of realized liquidation proceeds kept by the platform
}

// Ledger 头寸账本 / Position ledger
type Ledger struct {
	store   *storage.Storage
	prices  oracle.Source
	catalog *models.Catalog
	weights map[string]decimal.Decimal
	opts    Options
	logger  *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	settling map[string]bool
	onChange func(userID string)
}

// New 创建账本 / Create position ledger
//
// Parameters:
//   - store: Storage layer owning the balance tables
//   - prices: Price source used by the health gate; one snapshot is taken per operation
//   - catalog: Supported assets (decimals and collateral weights)
//   - opts: Thresholds, interest mode and accrual period
//   - log: Logger instance
//   - m: Metrics (may be nil)
//
// Returns:
//   - *Ledger: 账本实例 / Ledger instance
func New(store *storage.Storage, prices oracle.Source, catalog *models.Catalog, opts Options, log *logger.Logger, m *metrics.Metrics) *Ledger {
	if opts.PeriodSeconds <= 0 {
		opts.PeriodSeconds = 86400
	}
	if !opts.InterestMode.IsValid() {
		opts.InterestMode = models.InterestModeCompound
	}
	if opts.Thresholds.Healthy.IsZero() {
		opts.Thresholds = health.DefaultThresholds()
	}
	return &Ledger{
		store:    store,
		prices:   prices,
		catalog:  catalog,
		weights:  catalog.Weights(),
		opts:     opts,
		logger:   log.With("ledger"),
		metrics:  m,
		now:      time.Now,
		locks:    make(map[string]*sync.Mutex),
		settling: make(map[string]bool),
	}
}

// OnChange registers fn to be called after every committed balance change of a user.
func (l *Ledger) OnChange(fn func(userID string)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = fn
}

// SetClock overrides the time source used for accrual periods.
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// Thresholds returns the configured health thresholds.
func (l *Ledger) Thresholds() health.Thresholds {
	return l.opts.Thresholds
}

// Weights returns the collateral weight per asset.
func (l *Ledger) Weights() map[string]decimal.Decimal {
	return l.weights
}

// Catalog returns the supported assets.
func (l *Ledger) Catalog() *models.Catalog {
	return l.catalog
}

// lock 获取用户互斥锁 / Acquire the per-user mutex; the returned func releases it
func (l *Ledger) lock(userID string) func() {
	l.mu.Lock()
	m, ok := l.locks[userID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[userID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

func (l *Ledger) notify(userID string) {
	l.mu.Lock()
	fn := l.onChange
	l.mu.Unlock()
	if fn != nil {
		fn(userID)
	}
}

// InFlight reports whether a settlement for the user is between BeginSettlement and EndSettlement.
func (l *Ledger) InFlight(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.settling[userID]
}

// period returns the accrual period containing t.
func (l *Ledger) period(t time.Time) int64 {
	return t.Unix() / l.opts.PeriodSeconds
}

// resolveAsset normalizes symbol and checks it against the catalog.
func (l *Ledger) resolveAsset(symbol string) (models.Asset, error) {
	a, ok := l.catalog.Get(models.NormalizeSymbol(symbol))
	if !ok {
		return models.Asset{}, fmt.Errorf("%w: %s", models.ErrUnsupportedAsset, symbol)
	}
	return a, nil
}

func checkAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", models.ErrInvalidAmount, amount)
	}
	return nil
}

// RegisterUser 注册用户 / Create a user account with a generated id
func (l *Ledger) RegisterUser(ctx context.Context, username string) (*models.User, error) {
	user := &models.User{ID: uuid.NewString(), Username: username, CreatedAt: l.now().UTC()}
	if err := l.store.InsertUser(ctx, user); err != nil {
		return nil, err
	}
	l.logger.Info("Registered user %s (%s)", user.ID, user.Username)
	return user, nil
}

// Position 读取持仓快照 / Snapshot of a user's balances
func (l *Ledger) Position(ctx context.Context, userID string) (*models.Position, error) {
	if _, err := l.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return l.store.LoadPosition(ctx, userID)
}

// Evaluate computes the health of pos against prices with the ledger's weights and thresholds.
func (l *Ledger) Evaluate(pos *models.Position, prices map[string]decimal.Decimal) (health.Result, error) {
	return health.Evaluate(pos, prices, l.weights, l.opts.Thresholds)
}

// Health 查询健康因子 / Current health of a user on a fresh price snapshot
func (l *Ledger) Health(ctx context.Context, userID string) (health.Result, *models.Position, error) {
	pos, err := l.Position(ctx, userID)
	if err != nil {
		return health.Result{}, nil, err
	}
	snap := l.prices.AllPrices(ctx)
	r, err := l.Evaluate(pos, snap.Prices())
	if err != nil {
		return health.Result{}, nil, err
	}
	l.metrics.ObserveBand(string(r.Band))
	return r, pos, nil
}

// mutation describes one user-initiated balance change.
type mutation struct {
	op      models.TxType
	userID  string
	asset   models.Asset
	amount  decimal.Decimal
	gated   bool // health gate and in-flight settlement guard apply
	prices  map[string]decimal.Decimal
	apply   func(ctx context.Context, tx *storage.Tx, m *mutation) error
	applied decimal.Decimal // amount actually moved, recorded on the Transaction
}

// mutate 执行账本变更 / Run one mutation under the user lock and inside one DB transaction
// 价格快照在加锁前获取，健康校验与写入在同一锁和事务内完成
// Prices are fetched before locking; the health gate reads and writes within the same lock and transaction.
func (l *Ledger) mutate(ctx context.Context, m *mutation) (*models.Transaction, error) {
	if m.gated {
		m.prices = l.prices.AllPrices(ctx).Prices()
	}

	unlock := l.lock(m.userID)
	var record *models.Transaction
	err := l.store.WithTx(ctx, func(tx *storage.Tx) error {
		record = nil
		exists, err := tx.UserExists(ctx, m.userID)
		if err != nil {
			return err
		}
		if !exists {
			return models.ErrUserNotFound
		}

		if m.gated {
			if err := l.guardSettlement(ctx, tx, m.userID); err != nil {
				return err
			}
		}

		m.applied = m.amount
		if err := m.apply(ctx, tx, m); err != nil {
			return err
		}

		if m.gated {
			pos, err := tx.Position(ctx, m.userID)
			if err != nil {
				return err
			}
			if err := l.gate(pos, m.prices); err != nil {
				return err
			}
		}

		record = &models.Transaction{
			UserID: m.userID,
			Type:   m.op,
			Asset:  m.asset.Symbol,
			Amount: m.applied,
			Status: models.TxStatusConfirmed,
		}
		return tx.InsertTransaction(ctx, record)
	})
	unlock()

	l.metrics.ObserveLedgerOp(string(m.op), err)
	if err != nil {
		l.logger.Warn("%s rejected for user %s: %s %s: %v", m.op, m.userID, m.amount, m.asset.Symbol, err)
		return nil, err
	}

	l.logger.Info("%s applied for user %s: %s %s (tx %d)", m.op, m.userID, m.applied, m.asset.Symbol, record.ID)
	l.notify(m.userID)
	return record, nil
}

// guardSettlement rejects collateral-decreasing or debt-increasing operations while a settlement is in flight.
func (l *Ledger) guardSettlement(ctx context.Context, tx *storage.Tx, userID string) error {
	if l.InFlight(userID) {
		return fmt.Errorf("%w: user %s", models.ErrSettlementInProgress, userID)
	}
	n, err := tx.CountUnresolved(ctx, userID)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: user %s has %d unresolved settlement(s)", models.ErrSettlementInProgress, userID, n)
	}
	return nil
}

// gate returns a HealthCheckError when pos falls below the minimum-healthy threshold.
func (l *Ledger) gate(pos *models.Position, prices map[string]decimal.Decimal) error {
	r, err := l.Evaluate(pos, prices)
	if err != nil {
		return err
	}
	if !r.AtLeast(l.opts.Thresholds.Healthy) {
		return &models.HealthCheckError{Factor: r.Factor, Minimum: l.opts.Thresholds.Healthy}
	}
	return nil
}

// Deposit 存入抵押品 / Increase collateral
func (l *Ledger) Deposit(ctx context.Context, userID, symbol string, amount decimal.Decimal) (*models.Transaction, error) {
	asset, err := l.prepare(symbol, amount)
	if err != nil {
		return nil, err
	}
	return l.mutate(ctx, &mutation{
		op: models.TxTypeDeposit, userID: userID, asset: asset, amount: amount,
		apply: func(ctx context.Context, tx *storage.Tx, m *mutation) error {
			_, err := tx.AdjustCollateral(ctx, m.userID, m.asset.Symbol, m.amount)
			return err
		},
	})
}

// Withdraw 提取抵押品 / Decrease collateral
// 金额不得超过余额；结果健康因子低于最低健康阈值时拒绝且不做任何修改
// The amount must not exceed the balance; rejected without mutation if the resulting factor is below minimum-healthy.
func (l *Ledger) Withdraw(ctx context.Context, userID, symbol string, amount decimal.Decimal) (*models.Transaction, error) {
	asset, err := l.prepare(symbol, amount)
	if err != nil {
		return nil, err
	}
	return l.mutate(ctx, &mutation{
		op: models.TxTypeWithdraw, userID: userID, asset: asset, amount: amount, gated: true,
		apply: func(ctx context.Context, tx *storage.Tx, m *mutation) error {
			_, err := tx.AdjustCollateral(ctx, m.userID, m.asset.Symbol, m.amount.Neg())
			return err
		},
	})
}

// Borrow 借款 / Increase debt
// 结果健康因子低于最低健康阈值时拒绝 / Rejected if the resulting factor is below minimum-healthy
func (l *Ledger) Borrow(ctx context.Context, userID, symbol string, amount decimal.Decimal) (*models.Transaction, error) {
	asset, err := l.prepare(symbol, amount)
	if err != nil {
		return nil, err
	}
	return l.mutate(ctx, &mutation{
		op: models.TxTypeBorrow, userID: userID, asset: asset, amount: amount, gated: true,
		apply: func(ctx context.Context, tx *storage.Tx, m *mutation) error {
			period, err := l.bringForward(ctx, tx, m.userID, m.asset.Symbol)
			if err != nil {
				return err
			}
			_, err = tx.AdjustDebt(ctx, m.userID, m.asset.Symbol, m.amount, period)
			return err
		},
	})
}

// Payback 还款 / Decrease debt, clamped to the outstanding amount
func (l *Ledger) Payback(ctx context.Context, userID, symbol string, amount decimal.Decimal) (*models.Transaction, error) {
	asset, err := l.prepare(symbol, amount)
	if err != nil {
		return nil, err
	}
	return l.mutate(ctx, &mutation{
		op: models.TxTypePayback, userID: userID, asset: asset, amount: amount,
		apply: func(ctx context.Context, tx *storage.Tx, m *mutation) error {
			period, err := l.bringForward(ctx, tx, m.userID, m.asset.Symbol)
			if err != nil {
				return err
			}
			pos, err := tx.Position(ctx, m.userID)
			if err != nil {
				return err
			}
			debt := pos.DebtOf(m.asset.Symbol)
			if !debt.IsPositive() {
				return fmt.Errorf("%w: %s", models.ErrNoOutstandingDebt, m.asset.Symbol)
			}
			m.applied = decimal.Min(m.amount, debt)
			_, err = tx.AdjustDebt(ctx, m.userID, m.asset.Symbol, m.applied.Neg(), period)
			return err
		},
	})
}

func (l *Ledger) prepare(symbol string, amount decimal.Decimal) (models.Asset, error) {
	asset, err := l.resolveAsset(symbol)
	if err != nil {
		return models.Asset{}, err
	}
	if err := checkAmount(amount); err != nil {
		return models.Asset{}, err
	}
	return asset, nil
}

// BeginSettlement 标记结算进行中 / Mark a settlement in flight for the user
// 已有进行中或未决结算时返回 ErrSettlementInProgress
// Returns ErrSettlementInProgress when another settlement is in flight or unresolved.
func (l *Ledger) BeginSettlement(ctx context.Context, userID string) error {
	unlock := l.lock(userID)
	defer unlock()

	if l.InFlight(userID) {
		return fmt.Errorf("%w: user %s", models.ErrSettlementInProgress, userID)
	}
	n, err := l.store.CountUnresolved(ctx, userID)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: user %s has %d unresolved settlement(s)", models.ErrSettlementInProgress, userID, n)
	}

	l.mu.Lock()
	l.settling[userID] = true
	l.mu.Unlock()
	return nil
}

// EndSettlement clears the in-flight mark set by BeginSettlement.
func (l *Ledger) EndSettlement(userID string) {
	l.mu.Lock()
	delete(l.settling, userID)
	l.mu.Unlock()
}

// SetInterestRate 设置年化利率 / Append a new annual rate for asset, effective at effectiveAt
func (l *Ledger) SetInterestRate(ctx context.Context, symbol string, rate decimal.Decimal, effectiveAt time.Time) error {
	asset, err := l.resolveAsset(symbol)
	if err != nil {
		return err
	}
	rec := &models.InterestRateRecord{Asset: asset.Symbol, Rate: rate, EffectiveAt: effectiveAt.UTC()}
	if err := l.store.InsertInterestRate(ctx, rec); err != nil {
		return err
	}
	l.logger.Info("Interest rate for %s set to %s from %s", asset.Symbol, rate, rec.EffectiveAt.Format(time.RFC3339))
	return nil
}

// Debtors 有债务的用户 / Users with any outstanding debt
func (l *Ledger) Debtors(ctx context.Context) ([]string, error) {
	return l.store.ListDebtors(ctx)
}

// Penalty returns the configured liquidation penalty.
func (l *Ledger) Penalty() decimal.Decimal {
	return l.opts.Penalty
}
