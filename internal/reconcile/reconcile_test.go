package reconcile

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/wTHU1Ew/papaya/internal/alert"
	"github.com/wTHU1Ew/papaya/internal/ledger"
	"github.com/wTHU1Ew/papaya/internal/logger"
	"github.com/wTHU1Ew/papaya/internal/oracle"
	"github.com/wTHU1Ew/papaya/internal/recorder"
	"github.com/wTHU1Ew/papaya/internal/storage"
	"github.com/wTHU1Ew/papaya/internal/swap"
	"github.com/wTHU1Ew/papaya/internal/trade"
	"github.com/wTHU1Ew/papaya/internal/venue"
	"github.com/wTHU1Ew/papaya/pkg/models"
)

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

type fixture struct {
	reconciler *Reconciler
	ledger     *ledger.Ledger
	recorder   *recorder.Recorder
	prices     *oracle.Static
	venue      *venue.Paper
	alerts     *alert.Memory
	swaps      *swap.Service
	user       string
	mark       venue.MarkFunc
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "reconcile.db"), true, 1, 1, 3)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	catalog, err := models.NewCatalog(
		models.Asset{Symbol: "ETH", Decimals: 18, ProviderID: "ethereum", FallbackPrice: dec("3500"), CollateralWeight: dec("0.8")},
		models.Asset{Symbol: "USDC", Decimals: 6, ProviderID: "usd-coin", FallbackPrice: dec("1"), CollateralWeight: dec("0.9")},
	)
	require.NoError(t, err)

	prices := oracle.NewStatic(map[string]decimal.Decimal{"ETH": dec("3500"), "USDC": dec("1")})
	l := ledger.New(store, prices, catalog, ledger.Options{}, logger.Discard(), nil)
	rec := recorder.New(store, logger.Discard())
	ex, err := trade.New(trade.Options{Instruments: []string{"ETH-USDC"}}, logger.Discard(), nil)
	require.NoError(t, err)

	f := &fixture{ledger: l, recorder: rec, prices: prices, alerts: alert.NewMemory(10)}
	f.venue = venue.NewPaper(func(ctx context.Context, base, quote string) (decimal.Decimal, bool) {
		if f.mark != nil {
			return f.mark(ctx, base, quote)
		}
		return decimal.Zero, false
	})
	ec := trade.ExecContext{Venue: f.venue, Account: "platform"}
	dispatcher := alert.New(logger.Discard(), nil, f.alerts)
	f.reconciler = New(l, rec, ex, ec, dispatcher, Options{Grace: time.Minute, MaxAge: time.Hour}, logger.Discard())
	f.swaps = swap.New(l, prices, rec, ex, ec, dispatcher, dec("0.01"), logger.Discard())

	user, err := l.RegisterUser(context.Background(), "bob")
	require.NoError(t, err)
	f.user = user.ID
	return f
}

func (f *fixture) after(d time.Duration) {
	f.reconciler.SetClock(func() time.Time { return time.Now().Add(d) })
}

func (f *fixture) submitted(t *testing.T, typ models.TxType, amount, token string) *models.Transaction {
	t.Helper()
	ctx := context.Background()
	rec, err := f.recorder.Open(ctx, recorder.Settlement{UserID: f.user, Type: typ, FromAsset: "ETH", ToAsset: "USDC", Amount: dec(amount)})
	require.NoError(t, err)
	rec, err = f.recorder.MarkSubmitted(ctx, rec.ID, token)
	require.NoError(t, err)
	return rec
}

func (f *fixture) order(token, state, size, px string) {
	o := venue.Order{InstID: "ETH-USDC", OrdID: "ord-" + token, ClOrdID: token, Side: "sell", OrdType: "fok", State: state, AccFillSz: "0", Sz: size}
	if state == venue.OrderStateFilled {
		o.AccFillSz, o.AvgPx = size, px
	}
	f.venue.Put(o)
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

func (f *fixture) status(t *testing.T, id int64) models.TxStatus {
	t.Helper()
	rec, err := f.recorder.Get(context.Background(), id)
	require.NoError(t, err)
	return rec.Status
}

func TestReconcileFilledLiquidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.underwater(t)
	rec := f.submitted(t, models.TxTypeLiquidation, "10", "tok-liq")
	f.order("tok-liq", venue.OrderStateFilled, "10", "2000")
	f.after(2 * time.Minute)

	s, err := f.reconciler.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, Summary{Checked: 1, Applied: 1}, s)
	require.Equal(t, models.TxStatusConfirmed, f.status(t, rec.ID))

	pos, err := f.ledger.Position(ctx, f.user)
	require.NoError(t, err)
	require.True(t, pos.CollateralOf("ETH").IsZero())
	require.True(t, pos.DebtOf("USDC").IsZero())

	events, err := f.recorder.Liquidations(ctx, f.user)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, rec.ID, events[0].TransactionID)
}

func TestReconcileFilledSwap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.ledger.Deposit(ctx, f.user, "ETH", dec("1"))
	require.NoError(t, err)
	rec := f.submitted(t, models.TxTypeSwap, "1", "tok-swap")
	f.order("tok-swap", venue.OrderStateFilled, "1", "3500")
	f.after(2 * time.Minute)

	s, err := f.reconciler.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, s.Applied)
	require.Equal(t, models.TxStatusConfirmed, f.status(t, rec.ID))

	pos, err := f.ledger.Position(ctx, f.user)
	require.NoError(t, err)
	require.True(t, pos.CollateralOf("ETH").IsZero())
	require.True(t, pos.CollateralOf("USDC").Equal(dec("3500")))
}

func TestReconcileFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("canceled order", func(t *testing.T) {
		f := newFixture(t)
		rec := f.submitted(t, models.TxTypeLiquidation, "1", "tok-cxl")
		f.order("tok-cxl", venue.OrderStateCanceled, "1", "")
		f.after(2 * time.Minute)

		s, err := f.reconciler.Run(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, s.Failed)
		require.Equal(t, models.TxStatusFailed, f.status(t, rec.ID))
	})

	t.Run("unknown to venue", func(t *testing.T) {
		f := newFixture(t)
		rec := f.submitted(t, models.TxTypeSwap, "1", "tok-missing")
		f.after(2 * time.Minute)

		s, err := f.reconciler.Run(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, s.Failed)
		require.Equal(t, models.TxStatusFailed, f.status(t, rec.ID))

		// A failed settlement no longer blocks the user.
		n, err := f.recorder.Unresolved(ctx, f.user)
		require.NoError(t, err)
		require.Zero(t, n)
	})

	t.Run("filled but not applicable", func(t *testing.T) {
		f := newFixture(t)
		f.underwater(t)
		rec := f.submitted(t, models.TxTypeLiquidation, "20", "tok-over")
		f.order("tok-over", venue.OrderStateFilled, "20", "2000")
		f.after(2 * time.Minute)

		s, err := f.reconciler.Run(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, s.Failed)
		require.Equal(t, models.TxStatusFailed, f.status(t, rec.ID))

		pos, err := f.ledger.Position(ctx, f.user)
		require.NoError(t, err)
		require.True(t, pos.CollateralOf("ETH").Equal(dec("10")))

		alerts := f.alerts.Recent()
		require.Len(t, alerts, 1)
		require.Equal(t, alert.KindApplyFailed, alerts[0].Kind)
	})
}

func TestReconcileLiveOrders(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rec := f.submitted(t, models.TxTypeLiquidation, "1", "tok-live")
	f.order("tok-live", venue.OrderStateLive, "1", "")

	f.after(2 * time.Minute)
	s, err := f.reconciler.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, Summary{Checked: 1, Pending: 1}, s)
	require.Empty(t, f.alerts.Recent())

	f.after(2 * time.Hour)
	s, err = f.reconciler.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, Summary{Checked: 1, Pending: 1, Escalated: 1}, s)
	require.Equal(t, models.TxStatusSubmitted, f.status(t, rec.ID))

	alerts := f.alerts.Recent()
	require.Len(t, alerts, 1)
	require.Equal(t, alert.KindManualReview, alerts[0].Kind)
	require.Equal(t, rec.ID, alerts[0].TransactionID)
}

func TestReconcileRespectsGrace(t *testing.T) {
	f := newFixture(t)
	f.submitted(t, models.TxTypeLiquidation, "1", "tok-fresh")

	s, err := f.reconciler.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, s.Checked)
}

func TestReconcileSkipsInFlightSettlement(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// The settlement is still owned by a running caller that has not reached the venue yet.
	require.NoError(t, f.ledger.BeginSettlement(ctx, f.user))
	rec := f.submitted(t, models.TxTypeSwap, "1", "tok-slow")
	f.after(2 * time.Hour)

	s, err := f.reconciler.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, Summary{Checked: 1, InFlight: 1}, s)
	require.Equal(t, models.TxStatusSubmitted, f.status(t, rec.ID))
	require.Empty(t, f.alerts.Recent())

	// Once the caller lets go, the same row is resolved normally.
	f.ledger.EndSettlement(f.user)
	s, err = f.reconciler.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, Summary{Checked: 1, Failed: 1}, s)
	require.Equal(t, models.TxStatusFailed, f.status(t, rec.ID))
}

func TestReconcileDuringVenueCall(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.ledger.Deposit(ctx, f.user, "ETH", dec("1"))
	require.NoError(t, err)

	// A pass runs while the swap's order is in transit, with its row already past the grace period.
	f.after(2 * time.Minute)
	var during Summary
	var duringErr error
	f.mark = func(ctx context.Context, base, quote string) (decimal.Decimal, bool) {
		during, duringErr = f.reconciler.Run(ctx)
		return dec("3500"), true
	}

	rec, err := f.swaps.Swap(ctx, f.user, "ETH", "USDC", dec("1"))
	require.NoError(t, err)
	require.NoError(t, duringErr)
	require.Equal(t, Summary{Checked: 1, InFlight: 1}, during)
	require.Equal(t, models.TxStatusConfirmed, f.status(t, rec.ID))

	pos, err := f.ledger.Position(ctx, f.user)
	require.NoError(t, err)
	require.True(t, pos.CollateralOf("ETH").IsZero())
	require.True(t, pos.CollateralOf("USDC").Equal(dec("3500")))
}
