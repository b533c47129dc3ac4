package trade

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/wTHU1Ew/papaya/internal/logger"
	"github.com/wTHU1Ew/papaya/internal/venue"
	"github.com/wTHU1Ew/papaya/pkg/models"
)

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

// scriptedVenue fills orders at fillPx unless told otherwise.
type scriptedVenue struct {
	mu         sync.Mutex
	orders     map[string]*venue.Order
	placed     []venue.OrderRequest
	placeErrs  []error // returned by successive PlaceOrder calls before accepting
	loseAck    bool    // record the first order but report a network error
	finalState string  // state of accepted orders once settled
	liveFor    int     // lookups that still report live before settling
	fillPx     string
	fee        string
	feeCcy     string
}

func newScriptedVenue() *scriptedVenue {
	return &scriptedVenue{orders: make(map[string]*venue.Order), finalState: venue.OrderStateFilled, fillPx: "2000"}
}

func (v *scriptedVenue) PlaceOrder(ctx context.Context, req venue.OrderRequest) (*venue.OrderAck, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.placeErrs) > 0 {
		err := v.placeErrs[0]
		v.placeErrs = v.placeErrs[1:]
		return nil, err
	}
	if _, dup := v.orders[req.ClOrdID]; dup {
		return nil, &venue.APIError{HTTPStatus: 200, Code: "51016", Msg: "Duplicated clOrdId"}
	}
	v.placed = append(v.placed, req)
	o := &venue.Order{InstID: req.InstID, OrdID: fmt.Sprintf("ord-%d", len(v.placed)), ClOrdID: req.ClOrdID,
		Px: req.Px, Sz: req.Sz, Side: req.Side, State: venue.OrderStateLive, Fee: v.fee, FeeCcy: v.feeCcy}
	v.orders[req.ClOrdID] = o
	if v.liveFor == 0 {
		v.settle(o)
	}
	if v.loseAck {
		v.loseAck = false
		return nil, &net.OpError{Op: "read", Err: errors.New("i/o timeout")}
	}
	return &venue.OrderAck{OrdID: o.OrdID, ClOrdID: o.ClOrdID, SCode: "0"}, nil
}

func (v *scriptedVenue) settle(o *venue.Order) {
	o.State = v.finalState
	if v.finalState == venue.OrderStateFilled {
		o.AccFillSz = o.Sz
		o.AvgPx = v.fillPx
	}
}

func (v *scriptedVenue) GetOrder(ctx context.Context, instID, clOrdID string) (*venue.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.orders[clOrdID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", venue.ErrOrderNotFound, clOrdID)
	}
	if o.State == venue.OrderStateLive {
		if v.liveFor > 0 {
			v.liveFor--
		}
		if v.liveFor == 0 {
			v.settle(o)
		}
	}
	cp := *o
	return &cp, nil
}

func (v *scriptedVenue) placedCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.placed)
}

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	e, err := New(Options{
		MaxAttempts:    4,
		BackoffInitial: time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
		ConfirmTimeout: 100 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
		Instruments:    []string{"ETH-USDC", "btc-usdc"},
	}, logger.Discard(), nil)
	require.NoError(t, err)
	return e
}

func sellETH(token string) SwapRequest {
	return SwapRequest{From: "ETH", To: "USDC", Amount: dec("10"), MaxSlippage: dec("0.01"), ReferencePrice: dec("2000"), Token: token}
}

func TestExecuteSwapSell(t *testing.T) {
	e := newTestExecutor(t)
	v := newScriptedVenue()

	res := e.ExecuteSwap(context.Background(), ExecContext{Venue: v, Account: "papaya"}, sellETH("tok1"))
	require.Equal(t, StatusConfirmed, res.Status, "err: %v", res.Err)
	require.True(t, res.Spent.Equal(dec("10")))
	require.True(t, res.Realized.Equal(dec("20000")))
	require.Equal(t, "ord-1", res.Reference)
	require.Equal(t, "ETH-USDC", res.Instrument)

	require.Len(t, v.placed, 1)
	req := v.placed[0]
	require.Equal(t, "sell", req.Side)
	require.Equal(t, "fok", req.OrdType)
	require.Equal(t, "1980", req.Px)
	require.Equal(t, "10", req.Sz)
	require.Equal(t, "tok1", req.ClOrdID)
	require.Equal(t, "papaya", req.Tag)
}

func TestExecuteSwapBuy(t *testing.T) {
	e := newTestExecutor(t)
	v := newScriptedVenue()

	// 2000 USDC into ETH: reference is ETH per USDC.
	res := e.ExecuteSwap(context.Background(), ExecContext{Venue: v}, SwapRequest{
		From: "USDC", To: "ETH", Amount: dec("2000"), MaxSlippage: dec("0.01"), ReferencePrice: dec("0.0005"), Token: "tok-buy",
	})
	require.Equal(t, StatusConfirmed, res.Status, "err: %v", res.Err)

	req := v.placed[0]
	require.Equal(t, "buy", req.Side)
	require.Equal(t, "2020", req.Px)
	require.Equal(t, "0.990099", req.Sz)
	require.True(t, res.Realized.Equal(dec("0.990099")))
	require.True(t, res.Spent.Equal(dec("1980.198")))
	require.True(t, res.Spent.LessThanOrEqual(dec("2000")))
}

func TestExecuteSwapFees(t *testing.T) {
	e := newTestExecutor(t)
	v := newScriptedVenue()
	v.fee, v.feeCcy = "-2", "USDC"

	res := e.ExecuteSwap(context.Background(), ExecContext{Venue: v}, sellETH("tok-fee"))
	require.Equal(t, StatusConfirmed, res.Status)
	require.True(t, res.Realized.Equal(dec("19998")))
}

func TestExecuteSwapIdempotentAfterLostAck(t *testing.T) {
	e := newTestExecutor(t)
	v := newScriptedVenue()
	v.loseAck = true

	res := e.ExecuteSwap(context.Background(), ExecContext{Venue: v}, sellETH("tok-lost"))
	require.Equal(t, StatusConfirmed, res.Status, "err: %v", res.Err)
	require.Equal(t, 2, res.Attempts)
	require.Equal(t, 1, v.placedCount())

	// Calling again with the same token settles nothing new.
	again := e.ExecuteSwap(context.Background(), ExecContext{Venue: v}, sellETH("tok-lost"))
	require.Equal(t, StatusConfirmed, again.Status)
	require.Equal(t, res.Reference, again.Reference)
	require.Equal(t, 1, v.placedCount())
}

func TestExecuteSwapRetriesRateLimit(t *testing.T) {
	e := newTestExecutor(t)
	v := newScriptedVenue()
	v.placeErrs = []error{
		&venue.APIError{HTTPStatus: http.StatusTooManyRequests, Msg: "rate limited"},
		&venue.APIError{HTTPStatus: 200, Code: "50011", Msg: "Too Many Requests"},
	}

	res := e.ExecuteSwap(context.Background(), ExecContext{Venue: v}, sellETH("tok-429"))
	require.Equal(t, StatusConfirmed, res.Status, "err: %v", res.Err)
	require.Equal(t, 3, res.Attempts)
	require.Equal(t, 1, v.placedCount())
}

func TestExecuteSwapTerminalRejection(t *testing.T) {
	e := newTestExecutor(t)
	v := newScriptedVenue()
	v.placeErrs = []error{&venue.APIError{HTTPStatus: 200, Code: "51008", Msg: "Insufficient balance"}}

	res := e.ExecuteSwap(context.Background(), ExecContext{Venue: v}, sellETH("tok-rej"))
	require.Equal(t, StatusFailed, res.Status)
	require.ErrorIs(t, res.Err, models.ErrSettlementFailed)
	require.Equal(t, 1, res.Attempts)
	require.Equal(t, 0, v.placedCount())
}

func TestExecuteSwapNotFilled(t *testing.T) {
	e := newTestExecutor(t)
	v := newScriptedVenue()
	v.finalState = venue.OrderStateCanceled

	res := e.ExecuteSwap(context.Background(), ExecContext{Venue: v}, sellETH("tok-fok"))
	require.Equal(t, StatusFailed, res.Status)
	require.ErrorIs(t, res.Err, models.ErrSettlementFailed)
}

func TestExecuteSwapRetryBudgetExhausted(t *testing.T) {
	e := newTestExecutor(t)
	v := newScriptedVenue()
	for i := 0; i < 10; i++ {
		v.placeErrs = append(v.placeErrs, &venue.APIError{HTTPStatus: http.StatusServiceUnavailable})
	}

	res := e.ExecuteSwap(context.Background(), ExecContext{Venue: v}, sellETH("tok-503"))
	require.Equal(t, StatusTimeout, res.Status)
	require.ErrorIs(t, res.Err, models.ErrSettlementTimeout)
	require.Equal(t, 4, res.Attempts)
}

func TestExecuteSwapConfirmPolling(t *testing.T) {
	e := newTestExecutor(t)

	v := newScriptedVenue()
	v.liveFor = 3
	res := e.ExecuteSwap(context.Background(), ExecContext{Venue: v}, sellETH("tok-slow"))
	require.Equal(t, StatusConfirmed, res.Status, "err: %v", res.Err)

	stuck := newScriptedVenue()
	stuck.liveFor = 1 << 20
	res = e.ExecuteSwap(context.Background(), ExecContext{Venue: stuck}, sellETH("tok-stuck"))
	require.Equal(t, StatusTimeout, res.Status)
	require.ErrorIs(t, res.Err, models.ErrSettlementTimeout)
	require.Equal(t, "ord-1", res.Reference)
}

func TestExecuteSwapUnknownMarket(t *testing.T) {
	e := newTestExecutor(t)
	v := newScriptedVenue()

	res := e.ExecuteSwap(context.Background(), ExecContext{Venue: v}, SwapRequest{
		From: "SOL", To: "USDC", Amount: dec("1"), MaxSlippage: dec("0.01"), ReferencePrice: dec("100"),
	})
	require.Equal(t, StatusFailed, res.Status)
	require.NotEmpty(t, res.Token)
	require.False(t, e.Supports("SOL", "USDC"))
	require.True(t, e.Supports("USDC", "BTC"))
}

func TestLookup(t *testing.T) {
	e := newTestExecutor(t)
	v := newScriptedVenue()
	ctx := context.Background()

	require.Equal(t, StatusNotFound, e.Lookup(ctx, ExecContext{Venue: v}, "ETH", "USDC", "nope").Status)

	res := e.ExecuteSwap(ctx, ExecContext{Venue: v}, sellETH("tok-look"))
	require.Equal(t, StatusConfirmed, res.Status)

	got := e.Lookup(ctx, ExecContext{Venue: v}, "ETH", "USDC", "tok-look")
	require.Equal(t, StatusConfirmed, got.Status)
	require.True(t, got.Realized.Equal(dec("20000")))

	v.Put("tok-dead", &venue.Order{InstID: "ETH-USDC", OrdID: "x", ClOrdID: "tok-dead", State: venue.OrderStateCanceled})
	require.Equal(t, StatusFailed, e.Lookup(ctx, ExecContext{Venue: v}, "ETH", "USDC", "tok-dead").Status)
}

func (v *scriptedVenue) Put(token string, o *venue.Order) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.orders[token] = o
}

func TestNewRejectsBadInstrument(t *testing.T) {
	_, err := New(Options{Instruments: []string{"ETHUSDC"}}, logger.Discard(), nil)
	require.Error(t, err)
	require.Len(t, NewToken(), 32)
}
