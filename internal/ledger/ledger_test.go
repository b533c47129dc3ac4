package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/wTHU1Ew/papaya/internal/health"
	"github.com/wTHU1Ew/papaya/internal/logger"
	"github.com/wTHU1Ew/papaya/internal/oracle"
	"github.com/wTHU1Ew/papaya/internal/recorder"
	"github.com/wTHU1Ew/papaya/internal/storage"
	"github.com/wTHU1Ew/papaya/pkg/models"
)

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

type fixture struct {
	ledger   *Ledger
	store    *storage.Storage
	prices   *oracle.Static
	recorder *recorder.Recorder
	user     string
}

func testCatalog(t *testing.T) *models.Catalog {
	t.Helper()
	c, err := models.NewCatalog(
		models.Asset{Symbol: "ETH", Decimals: 18, ProviderID: "ethereum", FallbackPrice: dec("3500"), CollateralWeight: dec("0.8")},
		models.Asset{Symbol: "BTC", Decimals: 8, ProviderID: "bitcoin", FallbackPrice: dec("42000"), CollateralWeight: dec("0.8")},
		models.Asset{Symbol: "USDC", Decimals: 6, ProviderID: "usd-coin", FallbackPrice: dec("1"), CollateralWeight: dec("0.9")},
	)
	require.NoError(t, err)
	return c
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "ledger.db"), true, 1, 1, 3)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	prices := oracle.NewStatic(map[string]decimal.Decimal{"ETH": dec("3500"), "BTC": dec("42000"), "USDC": dec("1")})
	l := New(store, prices, testCatalog(t), opts, logger.Discard(), nil)

	user, err := l.RegisterUser(context.Background(), "alice")
	require.NoError(t, err)

	return &fixture{ledger: l, store: store, prices: prices, recorder: recorder.New(store, logger.Discard()), user: user.ID}
}

func (f *fixture) position(t *testing.T) *models.Position {
	t.Helper()
	pos, err := f.ledger.Position(context.Background(), f.user)
	require.NoError(t, err)
	return pos
}

func TestDepositWithdraw(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	dep, err := f.ledger.Deposit(ctx, f.user, "eth", dec("10"))
	require.NoError(t, err)
	require.Equal(t, models.TxTypeDeposit, dep.Type)
	require.Equal(t, models.TxStatusConfirmed, dep.Status)
	require.Equal(t, "ETH", dep.Asset)

	wd, err := f.ledger.Withdraw(ctx, f.user, "ETH", dec("3"))
	require.NoError(t, err)
	require.Greater(t, wd.ID, dep.ID)
	require.True(t, f.position(t).CollateralOf("ETH").Equal(dec("7")))

	_, err = f.ledger.Withdraw(ctx, f.user, "ETH", dec("7.000001"))
	require.ErrorIs(t, err, models.ErrInsufficientBalance)
	require.True(t, f.position(t).CollateralOf("ETH").Equal(dec("7")))

	txs, err := f.recorder.ListByUser(ctx, f.user, 10)
	require.NoError(t, err)
	require.Len(t, txs, 2)
}

func TestValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	_, err := f.ledger.Deposit(ctx, f.user, "DOGE", dec("1"))
	require.ErrorIs(t, err, models.ErrUnsupportedAsset)

	_, err = f.ledger.Deposit(ctx, f.user, "ETH", dec("0"))
	require.ErrorIs(t, err, models.ErrInvalidAmount)

	_, err = f.ledger.Borrow(ctx, f.user, "USDC", dec("-5"))
	require.ErrorIs(t, err, models.ErrInvalidAmount)

	_, err = f.ledger.Deposit(ctx, "nobody", "ETH", dec("1"))
	require.ErrorIs(t, err, models.ErrUserNotFound)

	_, err = f.ledger.Position(ctx, "nobody")
	require.ErrorIs(t, err, models.ErrUserNotFound)
}

func TestBorrowHealthGate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	_, err := f.ledger.Deposit(ctx, f.user, "ETH", dec("10"))
	require.NoError(t, err)

	// 10 ETH at 4000 with weight 0.8 supports 20000 USDC at factor 1.6.
	f.prices.Set("ETH", dec("4000"))
	_, err = f.ledger.Borrow(ctx, f.user, "USDC", dec("20000"))
	require.NoError(t, err)

	f.prices.Set("ETH", dec("3500"))
	r, _, err := f.ledger.Health(ctx, f.user)
	require.NoError(t, err)
	require.True(t, r.Factor.Equal(dec("1.4")))
	require.Equal(t, models.RiskBandAtRisk, r.Band)

	// 28000 / 21000 = 1.333 stays above liquidation but under the minimum-healthy gate.
	_, err = f.ledger.Borrow(ctx, f.user, "USDC", dec("1000"))
	require.ErrorIs(t, err, models.ErrHealthCheckRejected)
	var hcErr *models.HealthCheckError
	require.True(t, errors.As(err, &hcErr))
	require.True(t, hcErr.Minimum.Equal(dec("1.5")))

	pos := f.position(t)
	require.True(t, pos.DebtOf("USDC").Equal(dec("20000")))
	require.True(t, pos.CollateralOf("ETH").Equal(dec("10")))
}

func TestWithdrawHealthGate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	_, err := f.ledger.Deposit(ctx, f.user, "ETH", dec("10"))
	require.NoError(t, err)
	_, err = f.ledger.Borrow(ctx, f.user, "USDC", dec("10000"))
	require.NoError(t, err)

	// 10000 × 1.5 / (3500 × 0.8) = 5.357 ETH must stay; 4.5 ETH leaves 5.5.
	_, err = f.ledger.Withdraw(ctx, f.user, "ETH", dec("4.5"))
	require.NoError(t, err)

	_, err = f.ledger.Withdraw(ctx, f.user, "ETH", dec("0.5"))
	require.ErrorIs(t, err, models.ErrHealthCheckRejected)
	require.True(t, f.position(t).CollateralOf("ETH").Equal(dec("5.5")))
}

func TestPaybackClamped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	_, err := f.ledger.Deposit(ctx, f.user, "ETH", dec("1"))
	require.NoError(t, err)
	_, err = f.ledger.Borrow(ctx, f.user, "USDC", dec("100"))
	require.NoError(t, err)

	tx, err := f.ledger.Payback(ctx, f.user, "USDC", dec("150"))
	require.NoError(t, err)
	require.True(t, tx.Amount.Equal(dec("100")))
	require.False(t, f.position(t).HasDebt())

	_, err = f.ledger.Payback(ctx, f.user, "USDC", dec("1"))
	require.ErrorIs(t, err, models.ErrNoOutstandingDebt)
}

func TestSettlementGuard(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	_, err := f.ledger.Deposit(ctx, f.user, "ETH", dec("10"))
	require.NoError(t, err)

	require.NoError(t, f.ledger.BeginSettlement(ctx, f.user))
	require.ErrorIs(t, f.ledger.BeginSettlement(ctx, f.user), models.ErrSettlementInProgress)

	_, err = f.ledger.Withdraw(ctx, f.user, "ETH", dec("1"))
	require.ErrorIs(t, err, models.ErrSettlementInProgress)
	_, err = f.ledger.Borrow(ctx, f.user, "USDC", dec("1"))
	require.ErrorIs(t, err, models.ErrSettlementInProgress)
	_, err = f.ledger.Deposit(ctx, f.user, "ETH", dec("1"))
	require.NoError(t, err)

	f.ledger.EndSettlement(f.user)
	_, err = f.ledger.Withdraw(ctx, f.user, "ETH", dec("1"))
	require.NoError(t, err)

	// An unresolved SUBMITTED settlement keeps blocking after the in-flight mark is gone.
	rec, err := f.recorder.Open(ctx, recorder.Settlement{UserID: f.user, Type: models.TxTypeLiquidation, FromAsset: "ETH", ToAsset: "USDC", Amount: dec("1")})
	require.NoError(t, err)
	_, err = f.recorder.MarkSubmitted(ctx, rec.ID, "tok-1")
	require.NoError(t, err)

	_, err = f.ledger.Withdraw(ctx, f.user, "ETH", dec("1"))
	require.ErrorIs(t, err, models.ErrSettlementInProgress)
	require.ErrorIs(t, f.ledger.BeginSettlement(ctx, f.user), models.ErrSettlementInProgress)

	_, err = f.recorder.Fail(ctx, rec.ID, "venue rejected")
	require.NoError(t, err)
	_, err = f.ledger.Withdraw(ctx, f.user, "ETH", dec("1"))
	require.NoError(t, err)
}

func (f *fixture) submitted(t *testing.T, typ models.TxType, from, to, amount, token string) *models.Transaction {
	t.Helper()
	ctx := context.Background()
	rec, err := f.recorder.Open(ctx, recorder.Settlement{UserID: f.user, Type: typ, FromAsset: from, ToAsset: to, Amount: dec(amount)})
	require.NoError(t, err)
	rec, err = f.recorder.MarkSubmitted(ctx, rec.ID, token)
	require.NoError(t, err)
	return rec
}

func (f *fixture) underwater(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := f.ledger.Deposit(ctx, f.user, "ETH", dec("10"))
	require.NoError(t, err)
	f.prices.Set("ETH", dec("4000"))
	_, err = f.ledger.Borrow(ctx, f.user, "USDC", dec("20000"))
	require.NoError(t, err)
	f.prices.Set("ETH", dec("2000"))
}

func TestApplyLiquidation(t *testing.T) {
	ctx := context.Background()

	t.Run("full repayment", func(t *testing.T) {
		f := newFixture(t, Options{})
		f.underwater(t)
		rec := f.submitted(t, models.TxTypeLiquidation, "ETH", "USDC", "10", "tok-full")

		ev, err := f.ledger.ApplyLiquidation(ctx, LiquidationApply{
			UserID: f.user, TransactionID: rec.ID, SeizedAsset: "ETH", SeizedAmount: dec("10"),
			RepaidAsset: "USDC", Realized: dec("20000"), Reference: "ord-1",
		})
		require.NoError(t, err)
		require.True(t, ev.RepaidAmount.Equal(dec("20000")))
		require.Equal(t, rec.ID, ev.TransactionID)

		pos := f.position(t)
		require.False(t, pos.HasDebt())
		require.False(t, pos.HasCollateral())

		got, err := f.recorder.Get(ctx, rec.ID)
		require.NoError(t, err)
		require.Equal(t, models.TxStatusConfirmed, got.Status)
		require.Equal(t, "ord-1", got.TxHash)
		require.True(t, got.RealizedAmount.Equal(dec("20000")))

		events, err := f.recorder.Liquidations(ctx, f.user)
		require.NoError(t, err)
		require.Len(t, events, 1)

		// A confirmed transaction cannot be applied twice.
		_, err = f.ledger.ApplyLiquidation(ctx, LiquidationApply{
			UserID: f.user, TransactionID: rec.ID, SeizedAsset: "ETH", SeizedAmount: dec("1"),
			RepaidAsset: "USDC", Realized: dec("1"),
		})
		require.ErrorIs(t, err, models.ErrInvalidTransition)
	})

	t.Run("surplus credited as collateral", func(t *testing.T) {
		f := newFixture(t, Options{})
		f.underwater(t)
		rec := f.submitted(t, models.TxTypeLiquidation, "ETH", "USDC", "10", "tok-surplus")

		_, err := f.ledger.ApplyLiquidation(ctx, LiquidationApply{
			UserID: f.user, TransactionID: rec.ID, SeizedAsset: "ETH", SeizedAmount: dec("10"),
			RepaidAsset: "USDC", Realized: dec("25000"), Reference: "ord-2",
		})
		require.NoError(t, err)
		pos := f.position(t)
		require.False(t, pos.HasDebt())
		require.True(t, pos.CollateralOf("USDC").Equal(dec("5000")))
	})

	t.Run("penalty withheld", func(t *testing.T) {
		f := newFixture(t, Options{Penalty: dec("0.05")})
		f.underwater(t)
		rec := f.submitted(t, models.TxTypeLiquidation, "ETH", "USDC", "10", "tok-penalty")

		ev, err := f.ledger.ApplyLiquidation(ctx, LiquidationApply{
			UserID: f.user, TransactionID: rec.ID, SeizedAsset: "ETH", SeizedAmount: dec("10"),
			RepaidAsset: "USDC", Realized: dec("20000"), Reference: "ord-3",
		})
		require.NoError(t, err)
		require.True(t, ev.RepaidAmount.Equal(dec("19000")))
		require.True(t, ev.Penalty.Equal(dec("1000")))
		require.True(t, f.position(t).DebtOf("USDC").Equal(dec("1000")))
	})

	t.Run("over-seizure rolls back", func(t *testing.T) {
		f := newFixture(t, Options{})
		f.underwater(t)
		rec := f.submitted(t, models.TxTypeLiquidation, "ETH", "USDC", "11", "tok-over")

		_, err := f.ledger.ApplyLiquidation(ctx, LiquidationApply{
			UserID: f.user, TransactionID: rec.ID, SeizedAsset: "ETH", SeizedAmount: dec("11"),
			RepaidAsset: "USDC", Realized: dec("22000"),
		})
		require.ErrorIs(t, err, models.ErrInsufficientBalance)

		pos := f.position(t)
		require.True(t, pos.CollateralOf("ETH").Equal(dec("10")))
		require.True(t, pos.DebtOf("USDC").Equal(dec("20000")))
		got, err := f.recorder.Get(ctx, rec.ID)
		require.NoError(t, err)
		require.Equal(t, models.TxStatusSubmitted, got.Status)
		events, err := f.recorder.Liquidations(ctx, f.user)
		require.NoError(t, err)
		require.Empty(t, events)
	})

	t.Run("wrong transaction type", func(t *testing.T) {
		f := newFixture(t, Options{})
		f.underwater(t)
		rec := f.submitted(t, models.TxTypeSwap, "ETH", "USDC", "1", "tok-swap")

		_, err := f.ledger.ApplyLiquidation(ctx, LiquidationApply{
			UserID: f.user, TransactionID: rec.ID, SeizedAsset: "ETH", SeizedAmount: dec("1"),
			RepaidAsset: "USDC", Realized: dec("2000"),
		})
		require.Error(t, err)
		require.True(t, f.position(t).CollateralOf("ETH").Equal(dec("10")))
	})
}

func TestApplySwap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	_, err := f.ledger.Deposit(ctx, f.user, "ETH", dec("2"))
	require.NoError(t, err)
	rec := f.submitted(t, models.TxTypeSwap, "ETH", "USDC", "1", "tok-swap")

	require.NoError(t, f.ledger.ApplySwap(ctx, SwapApply{
		UserID: f.user, TransactionID: rec.ID, FromAsset: "ETH", Amount: dec("1"),
		ToAsset: "USDC", Realized: dec("3490"), Reference: "ord-9",
	}))

	pos := f.position(t)
	require.True(t, pos.CollateralOf("ETH").Equal(dec("1")))
	require.True(t, pos.CollateralOf("USDC").Equal(dec("3490")))

	got, err := f.recorder.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, models.TxStatusConfirmed, got.Status)
}

func TestAccrueInterest(t *testing.T) {
	ctx := context.Background()
	day0 := time.Unix(86400*20000, 0).UTC()

	tests := []struct {
		name string
		mode models.InterestMode
		want string
	}{
		// 36.5% APR over daily periods is 0.1% per period.
		{name: "compound", mode: models.InterestModeCompound, want: "1002.001"},
		{name: "simple", mode: models.InterestModeSimple, want: "1002"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{InterestMode: tt.mode, PeriodSeconds: 86400})
			f.store.SetClock(func() time.Time { return day0 })

			_, err := f.ledger.Deposit(ctx, f.user, "ETH", dec("1"))
			require.NoError(t, err)
			_, err = f.ledger.Borrow(ctx, f.user, "USDC", dec("1000"))
			require.NoError(t, err)
			require.NoError(t, f.ledger.SetInterestRate(ctx, "USDC", dec("0.365"), day0))

			asOf := day0.Add(48 * time.Hour)
			run, err := f.ledger.AccrueInterest(ctx, asOf)
			require.NoError(t, err)
			require.NotNil(t, run)
			require.Equal(t, int64(20002), run.Period)
			require.Equal(t, 1, run.Rows)
			require.True(t, f.position(t).DebtOf("USDC").Equal(dec(tt.want)), "got %s", f.position(t).DebtOf("USDC"))

			// Same period again is a no-op.
			run, err = f.ledger.AccrueInterest(ctx, asOf.Add(time.Hour))
			require.NoError(t, err)
			require.Nil(t, run)
			require.True(t, f.position(t).DebtOf("USDC").Equal(dec(tt.want)))
		})
	}
}

func TestAccrueInterestRoundsUp(t *testing.T) {
	ctx := context.Background()
	day0 := time.Unix(86400*30000, 0).UTC()
	f := newFixture(t, Options{PeriodSeconds: 86400})
	f.store.SetClock(func() time.Time { return day0 })

	_, err := f.ledger.Deposit(ctx, f.user, "ETH", dec("1"))
	require.NoError(t, err)
	_, err = f.ledger.Borrow(ctx, f.user, "USDC", dec("1"))
	require.NoError(t, err)
	require.NoError(t, f.ledger.SetInterestRate(ctx, "USDC", dec("0.05"), day0))

	_, err = f.ledger.AccrueInterest(ctx, day0.Add(24*time.Hour))
	require.NoError(t, err)
	// 1 × (1 + 0.05/365) = 1.000136986…, rounded up to 6 decimals.
	require.True(t, f.position(t).DebtOf("USDC").Equal(dec("1.000137")))
}

func TestDebtChangesBringInterestForward(t *testing.T) {
	ctx := context.Background()
	day0 := time.Unix(86400*20000, 0).UTC()
	later := day0.Add(10 * 24 * time.Hour)
	// 1000 at 0.1% per period for 10 periods is 1010.045120…, rounded up to 6 decimals.
	const grown = "1010.045121"

	setup := func(t *testing.T) (*fixture, *time.Time) {
		f := newFixture(t, Options{PeriodSeconds: 86400})
		now := day0
		f.store.SetClock(func() time.Time { return now })
		require.NoError(t, f.ledger.SetInterestRate(ctx, "USDC", dec("0.365"), day0))

		_, err := f.ledger.Deposit(ctx, f.user, "ETH", dec("2"))
		require.NoError(t, err)
		_, err = f.ledger.Borrow(ctx, f.user, "USDC", dec("1000"))
		require.NoError(t, err)
		return f, &now
	}

	t.Run("borrow", func(t *testing.T) {
		f, now := setup(t)
		*now = later
		_, err := f.ledger.Borrow(ctx, f.user, "USDC", dec("1000"))
		require.NoError(t, err)

		// The scheduled run for the same period finds nothing left to accrue.
		run, err := f.ledger.AccrueInterest(ctx, later)
		require.NoError(t, err)
		require.NotNil(t, run)
		require.Zero(t, run.Rows)

		debt := f.position(t).DebtOf("USDC")
		require.True(t, debt.Equal(dec("2010.045121")), "got %s", debt)
	})

	t.Run("payback", func(t *testing.T) {
		f, now := setup(t)
		*now = later
		tx, err := f.ledger.Payback(ctx, f.user, "USDC", dec("5000"))
		require.NoError(t, err)
		require.True(t, tx.Amount.Equal(dec(grown)), "payback clamps to the accrued debt, got %s", tx.Amount)
		require.False(t, f.position(t).HasDebt())
	})

	t.Run("partial payback keeps interest", func(t *testing.T) {
		f, now := setup(t)
		*now = later
		_, err := f.ledger.Payback(ctx, f.user, "USDC", dec("1000"))
		require.NoError(t, err)
		require.True(t, f.position(t).DebtOf("USDC").Equal(dec("10.045121")))

		run, err := f.ledger.AccrueInterest(ctx, later)
		require.NoError(t, err)
		require.Zero(t, run.Rows)
		require.True(t, f.position(t).DebtOf("USDC").Equal(dec("10.045121")))
	})
}

func TestApplyLiquidationBringsInterestForward(t *testing.T) {
	ctx := context.Background()
	day0 := time.Unix(86400*20000, 0).UTC()
	now := day0
	f := newFixture(t, Options{PeriodSeconds: 86400})
	f.store.SetClock(func() time.Time { return now })
	require.NoError(t, f.ledger.SetInterestRate(ctx, "USDC", dec("0.365"), day0))
	f.underwater(t)

	now = day0.Add(10 * 24 * time.Hour)
	rec := f.submitted(t, models.TxTypeLiquidation, "ETH", "USDC", "10", "tok-accrued")
	ev, err := f.ledger.ApplyLiquidation(ctx, LiquidationApply{
		UserID: f.user, TransactionID: rec.ID, SeizedAsset: "ETH", SeizedAmount: dec("10"),
		RepaidAsset: "USDC", Realized: dec("25000"), Reference: "ord-accrued",
	})
	require.NoError(t, err)

	// 20000 grown by 10 periods at 0.1% is 20200.902404…, rounded up.
	require.True(t, ev.RepaidAmount.Equal(dec("20200.902405")), "got %s", ev.RepaidAmount)
	pos := f.position(t)
	require.False(t, pos.HasDebt())
	require.True(t, pos.CollateralOf("USDC").Equal(dec("4799.097595")), "got %s", pos.CollateralOf("USDC"))
}

func TestConcurrentWithdrawals(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	_, err := f.ledger.Deposit(ctx, f.user, "ETH", dec("10"))
	require.NoError(t, err)

	var ok, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.ledger.Withdraw(ctx, f.user, "ETH", dec("1"))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, models.ErrInsufficientBalance):
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(10), ok.Load())
	require.Equal(t, int32(10), rejected.Load())
	require.False(t, f.position(t).HasCollateral())
}

func TestOnChange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	var seen []string
	f.ledger.OnChange(func(userID string) { seen = append(seen, userID) })

	_, err := f.ledger.Deposit(ctx, f.user, "ETH", dec("1"))
	require.NoError(t, err)
	_, err = f.ledger.Withdraw(ctx, f.user, "ETH", dec("5"))
	require.Error(t, err)

	require.Equal(t, []string{f.user}, seen)
}

func TestEvaluateUsesCatalogWeights(t *testing.T) {
	f := newFixture(t, Options{})
	pos := models.NewPosition(f.user)
	pos.Collateral["USDC"] = dec("1000")
	pos.Debt["USDC"] = dec("600")

	r, err := f.ledger.Evaluate(pos, map[string]decimal.Decimal{"USDC": dec("1")})
	require.NoError(t, err)
	require.True(t, r.Factor.Equal(dec("1.5")))
	require.Equal(t, health.DefaultThresholds().Healthy, f.ledger.Thresholds().Healthy)
}
