package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/wTHU1Ew/papaya/internal/alert"
	"github.com/wTHU1Ew/papaya/internal/health"
	"github.com/wTHU1Ew/papaya/pkg/models"
)

type registerRequest struct {
	Username string `json:"username"`
}

type amountRequest struct {
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

type swapRequest struct {
	From   string          `json:"from"`
	To     string          `json:"to"`
	Amount decimal.Decimal `json:"amount"`
}

type healthView struct {
	Factor             string          `json:"factor"`
	Band               models.RiskBand `json:"band"`
	CollateralValue    string          `json:"collateral_value"`
	WeightedCollateral string          `json:"weighted_collateral"`
	DebtValue          string          `json:"debt_value"`
}

func viewOf(r health.Result) healthView {
	factor := "inf"
	if !r.Infinite {
		factor = r.Factor.StringFixed(6)
	}
	return healthView{
		Factor:             factor,
		Band:               r.Band,
		CollateralValue:    r.CollateralValue.StringFixed(2),
		WeightedCollateral: r.WeightedCollateral.StringFixed(2),
		DebtValue:          r.DebtValue.StringFixed(2),
	}
}

type quoteView struct {
	Asset     string             `json:"asset"`
	Price     decimal.Decimal    `json:"price"`
	Source    models.PriceSource `json:"source"`
	Error     string             `json:"error,omitempty"`
	FetchedAt time.Time          `json:"fetched_at"`
}

func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	db := "healthy"
	status := http.StatusOK
	if s.deps.Store != nil {
		if err := s.deps.Store.HealthCheck(ctx); err != nil {
			db, status = "unhealthy", http.StatusServiceUnavailable
		}
	}
	data := map[string]interface{}{"database": db, "timestamp": time.Now().UTC().Format(time.RFC3339)}
	if s.deps.Engine != nil {
		data["engine"] = s.deps.Engine.GetMetrics()
	}
	success(w, status, data)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decode(r, &req); err != nil || req.Username == "" {
		failure(w, http.StatusBadRequest, "username is required", err)
		return
	}
	user, err := s.deps.Ledger.RegisterUser(r.Context(), req.Username)
	if err != nil {
		fail(w, err)
		return
	}
	success(w, http.StatusCreated, user)
}

type mutationFunc func(ctx context.Context, userID, asset string, amount decimal.Decimal) (*models.Transaction, error)

// handleMutation 余额变更 / Deposit, withdraw, borrow and payback share one shape
func (s *Server) handleMutation(op mutationFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req amountRequest
		if err := decode(r, &req); err != nil {
			failure(w, http.StatusBadRequest, "invalid request", err)
			return
		}
		tx, err := op(r.Context(), chi.URLParam(r, "id"), req.Asset, req.Amount)
		if err != nil {
			fail(w, err)
			return
		}
		success(w, http.StatusOK, tx)
	}
}

func (s *Server) handleSwap(w http.ResponseWriter, r *http.Request) {
	if s.deps.Swap == nil {
		failure(w, http.StatusNotImplemented, "swaps are disabled", nil)
		return
	}
	var req swapRequest
	if err := decode(r, &req); err != nil {
		failure(w, http.StatusBadRequest, "invalid request", err)
		return
	}
	tx, err := s.deps.Swap.Swap(r.Context(), chi.URLParam(r, "id"), req.From, req.To, req.Amount)
	if err != nil {
		status, msg := statusFor(err)
		writeJSON(w, status, Response{Status: "error", Message: msg, Data: tx, Error: err.Error()})
		return
	}
	success(w, http.StatusOK, tx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	res, pos, err := s.deps.Ledger.Health(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	data := map[string]interface{}{"position": pos, "health": viewOf(res)}
	if s.deps.Engine != nil {
		data["state"] = s.deps.Engine.State(pos.UserID)
	}
	success(w, http.StatusOK, data)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if _, err := s.deps.Ledger.Position(r.Context(), userID); err != nil {
		fail(w, err)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			failure(w, http.StatusBadRequest, "limit must be between 1 and 1000", nil)
			return
		}
		limit = n
	}
	txs, err := s.deps.Recorder.ListByUser(r.Context(), userID, limit)
	if err != nil {
		fail(w, err)
		return
	}
	if txs == nil {
		txs = []*models.Transaction{}
	}
	success(w, http.StatusOK, txs)
}

func (s *Server) handleLiquidations(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if _, err := s.deps.Ledger.Position(r.Context(), userID); err != nil {
		fail(w, err)
		return
	}
	events, err := s.deps.Recorder.Liquidations(r.Context(), userID)
	if err != nil {
		fail(w, err)
		return
	}
	if events == nil {
		events = []models.LiquidationEvent{}
	}
	success(w, http.StatusOK, events)
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	if s.deps.Engine == nil {
		failure(w, http.StatusNotImplemented, "liquidation engine is disabled", nil)
		return
	}
	plan, err := s.deps.Engine.Plan(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	legs := make([]map[string]string, 0, len(plan.Legs))
	for _, l := range plan.Legs {
		legs = append(legs, map[string]string{
			"seize": l.Seize, "amount": l.Amount.String(), "repay": l.Repay, "expected": l.Expected.StringFixed(6),
		})
	}
	success(w, http.StatusOK, map[string]interface{}{
		"before": viewOf(plan.Before), "after": viewOf(plan.After), "legs": legs, "exhausted": plan.Exhausted,
	})
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Prices.AllPrices(r.Context())
	out := make([]quoteView, 0, len(snap.Quotes))
	for _, q := range snap.Quotes {
		v := quoteView{Asset: q.Asset, Price: q.Price, Source: q.Source, FetchedAt: q.FetchedAt}
		if q.Err != nil {
			v.Error = q.Err.Error()
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	success(w, http.StatusOK, out)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		success(w, http.StatusOK, []alert.Alert{})
		return
	}
	success(w, http.StatusOK, s.deps.Alerts.Recent())
}
