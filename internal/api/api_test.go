package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/wTHU1Ew/papaya/internal/alert"
	"github.com/wTHU1Ew/papaya/internal/ledger"
	"github.com/wTHU1Ew/papaya/internal/liquidation"
	"github.com/wTHU1Ew/papaya/internal/logger"
	"github.com/wTHU1Ew/papaya/internal/metrics"
	"github.com/wTHU1Ew/papaya/internal/oracle"
	"github.com/wTHU1Ew/papaya/internal/recorder"
	"github.com/wTHU1Ew/papaya/internal/storage"
	"github.com/wTHU1Ew/papaya/internal/swap"
	"github.com/wTHU1Ew/papaya/internal/trade"
	"github.com/wTHU1Ew/papaya/internal/venue"
	"github.com/wTHU1Ew/papaya/pkg/models"
)

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

type testServer struct {
	srv    *httptest.Server
	prices *oracle.Static
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "api.db"), true, 1, 1, 3)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	catalog, err := models.NewCatalog(
		models.Asset{Symbol: "ETH", Decimals: 18, ProviderID: "ethereum", FallbackPrice: dec("3500"), CollateralWeight: dec("0.8")},
		models.Asset{Symbol: "USDC", Decimals: 6, ProviderID: "usd-coin", FallbackPrice: dec("1"), CollateralWeight: dec("0.9")},
	)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	prices := oracle.NewStatic(map[string]decimal.Decimal{"ETH": dec("3500"), "USDC": dec("1")})
	l := ledger.New(store, prices, catalog, ledger.Options{}, logger.Discard(), m)
	rec := recorder.New(store, logger.Discard())
	ex, err := trade.New(trade.Options{
		MaxAttempts:    2,
		BackoffInitial: time.Millisecond,
		BackoffMax:     time.Millisecond,
		ConfirmTimeout: 50 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
		Instruments:    []string{"ETH-USDC"},
	}, logger.Discard(), m)
	require.NoError(t, err)
	ec := trade.ExecContext{Venue: venue.NewPaper(func(ctx context.Context, base, quote string) (decimal.Decimal, bool) {
		p := prices.AllPrices(ctx).Prices()
		return p[base].Div(p[quote]), true
	}), Account: "platform"}

	mem := alert.NewMemory(10)
	alerts := alert.New(logger.Discard(), m, mem)
	engine := liquidation.New(l, prices, rec, ex, ec, alerts, liquidation.Options{MaxSlippage: dec("0.01")}, logger.Discard(), m)

	s := New(Deps{
		Ledger:   l,
		Recorder: rec,
		Swap:     swap.New(l, prices, rec, ex, ec, alerts, dec("0.01"), logger.Discard()),
		Prices:   prices,
		Engine:   engine,
		Alerts:   mem,
		Store:    store,
		Gatherer: reg,
	}, logger.Discard())

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, prices: prices}
}

func (ts *testServer) call(t *testing.T, method, path string, body interface{}) (int, envelope) {
	t.Helper()
	var rd io.Reader
	if s, ok := body.(string); ok {
		rd = bytes.NewBufferString(s)
	} else if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func (ts *testServer) register(t *testing.T, name string) string {
	t.Helper()
	code, env := ts.call(t, http.MethodPost, "/v1/users", map[string]string{"username": name})
	require.Equal(t, http.StatusCreated, code)
	var user models.User
	require.NoError(t, json.Unmarshal(env.Data, &user))
	require.NotEmpty(t, user.ID)
	return user.ID
}

func amount(asset, v string) map[string]string {
	return map[string]string{"asset": asset, "amount": v}
}

func TestLedgerEndpoints(t *testing.T) {
	ts := newTestServer(t)
	id := ts.register(t, "alice")
	base := "/v1/users/" + id

	code, env := ts.call(t, http.MethodPost, base+"/deposit", amount("ETH", "10"))
	require.Equal(t, http.StatusOK, code, env.Error)
	var tx models.Transaction
	require.NoError(t, json.Unmarshal(env.Data, &tx))
	require.Equal(t, models.TxTypeDeposit, tx.Type)
	require.Equal(t, models.TxStatusConfirmed, tx.Status)

	code, env = ts.call(t, http.MethodGet, base+"/health", nil)
	require.Equal(t, http.StatusOK, code)
	var h struct {
		Health healthView           `json:"health"`
		State  models.PositionState `json:"state"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &h))
	require.Equal(t, "inf", h.Health.Factor)
	require.Equal(t, models.RiskBandHealthy, h.Health.Band)

	// 28000 / 20000 = 1.4 is below the minimum healthy factor.
	code, env = ts.call(t, http.MethodPost, base+"/borrow", amount("USDC", "20000"))
	require.Equal(t, http.StatusUnprocessableEntity, code)
	require.Equal(t, "operation rejected, no funds moved", env.Message)

	code, _ = ts.call(t, http.MethodPost, base+"/borrow", amount("USDC", "18000"))
	require.Equal(t, http.StatusOK, code)

	code, env = ts.call(t, http.MethodGet, base+"/health", nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &h))
	require.Equal(t, "1.555556", h.Health.Factor)
	require.Equal(t, models.RiskBandHealthy, h.Health.Band)

	code, _ = ts.call(t, http.MethodPost, base+"/withdraw", amount("ETH", "100"))
	require.Equal(t, http.StatusConflict, code)

	code, _ = ts.call(t, http.MethodPost, base+"/payback", amount("USDC", "500"))
	require.Equal(t, http.StatusOK, code)

	code, env = ts.call(t, http.MethodGet, base+"/transactions?limit=10", nil)
	require.Equal(t, http.StatusOK, code)
	var txs []models.Transaction
	require.NoError(t, json.Unmarshal(env.Data, &txs))
	require.Len(t, txs, 3)
	require.Equal(t, models.TxTypePayback, txs[0].Type)
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t)
	id := ts.register(t, "bob")
	base := "/v1/users/" + id

	tests := []struct {
		name string
		path string
		body interface{}
		want int
	}{
		{"negative amount", base + "/deposit", amount("ETH", "-1"), http.StatusBadRequest},
		{"unknown asset", base + "/deposit", amount("DOGE", "1"), http.StatusBadRequest},
		{"malformed body", base + "/deposit", `{"asset":`, http.StatusBadRequest},
		{"unknown field", base + "/deposit", `{"asset":"ETH","amount":"1","memo":"x"}`, http.StatusBadRequest},
		{"unknown user", "/v1/users/nobody/deposit", amount("ETH", "1"), http.StatusNotFound},
		{"no debt", base + "/payback", amount("USDC", "1"), http.StatusConflict},
		{"empty username", "/v1/users", map[string]string{"username": ""}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env := ts.call(t, http.MethodPost, tt.path, tt.body)
			require.Equal(t, tt.want, code, env.Error)
			require.Equal(t, "error", env.Status)
		})
	}

	code, _ := ts.call(t, http.MethodGet, "/v1/users/nobody/health", nil)
	require.Equal(t, http.StatusNotFound, code)
	code, _ = ts.call(t, http.MethodGet, base+"/transactions?limit=0", nil)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestSwapAndPlanEndpoints(t *testing.T) {
	ts := newTestServer(t)
	id := ts.register(t, "carol")
	base := "/v1/users/" + id

	code, _ := ts.call(t, http.MethodPost, base+"/deposit", amount("ETH", "10"))
	require.Equal(t, http.StatusOK, code)

	code, env := ts.call(t, http.MethodPost, base+"/swap", map[string]string{"from": "ETH", "to": "USDC", "amount": "1"})
	require.Equal(t, http.StatusOK, code, env.Error)
	var tx models.Transaction
	require.NoError(t, json.Unmarshal(env.Data, &tx))
	require.Equal(t, models.TxTypeSwap, tx.Type)
	require.Equal(t, models.TxStatusConfirmed, tx.Status)

	code, _ = ts.call(t, http.MethodPost, base+"/borrow", amount("USDC", "18000"))
	require.Equal(t, http.StatusOK, code)
	ts.prices.Set("ETH", dec("2000"))

	code, env = ts.call(t, http.MethodGet, base+"/liquidation-plan", nil)
	require.Equal(t, http.StatusOK, code)
	var plan struct {
		Before healthView          `json:"before"`
		Legs   []map[string]string `json:"legs"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &plan))
	require.Equal(t, models.RiskBandLiquidatable, plan.Before.Band)
	require.NotEmpty(t, plan.Legs)
	require.Equal(t, "ETH", plan.Legs[0]["seize"])

	code, env = ts.call(t, http.MethodGet, base+"/liquidations", nil)
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `[]`, string(env.Data))
}

func TestInfoEndpoints(t *testing.T) {
	ts := newTestServer(t)

	code, env := ts.call(t, http.MethodGet, "/v1/prices", nil)
	require.Equal(t, http.StatusOK, code)
	var quotes []quoteView
	require.NoError(t, json.Unmarshal(env.Data, &quotes))
	require.Len(t, quotes, 2)
	require.Equal(t, "ETH", quotes[0].Asset)
	require.Equal(t, models.PriceSourceLive, quotes[0].Source)

	code, _ = ts.call(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, code)

	code, env = ts.call(t, http.MethodGet, "/v1/alerts", nil)
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `[]`, string(env.Data))

	resp, err := http.Get(ts.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "papaya_")
}
