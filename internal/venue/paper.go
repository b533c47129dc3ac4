package venue

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MarkFunc returns the price of base in units of quote.
type MarkFunc func(ctx context.Context, base, quote string) (decimal.Decimal, bool)

// Paper 模拟交易场所 / In-memory venue filling fill-or-kill orders at the mark price
// A sell fills when mark ≥ px, a buy when mark ≤ px; otherwise the order is canceled.
type Paper struct {
	mu     sync.Mutex
	mark   MarkFunc
	orders map[string]*Order
	seq    int64
	placed int
	now    func() time.Time
}

// NewPaper creates a paper venue priced by mark.
func NewPaper(mark MarkFunc) *Paper {
	return &Paper{mark: mark, orders: make(map[string]*Order), now: time.Now}
}

// PlaceOrder 模拟下单 / Accept and immediately settle a fill-or-kill order
func (p *Paper) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	base, quote, ok := strings.Cut(req.InstID, "-")
	if !ok {
		return nil, &APIError{HTTPStatus: http.StatusOK, Code: "51001", Msg: "Instrument ID does not exist"}
	}
	px, err := decimal.NewFromString(req.Px)
	if err != nil {
		return nil, &APIError{HTTPStatus: http.StatusOK, Code: "51000", Msg: "Parameter px error"}
	}
	sz, err := decimal.NewFromString(req.Sz)
	if err != nil || !sz.IsPositive() {
		return nil, &APIError{HTTPStatus: http.StatusOK, Code: "51000", Msg: "Parameter sz error"}
	}
	mark, ok := p.mark(ctx, base, quote)
	if !ok || !mark.IsPositive() {
		return nil, &APIError{HTTPStatus: http.StatusOK, Code: "51001", Msg: "Instrument ID does not exist"}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, dup := p.orders[req.ClOrdID]; dup {
		return nil, &APIError{HTTPStatus: http.StatusOK, Code: codeDuplicateClOrd, Msg: "Duplicated clOrdId"}
	}
	p.seq++
	p.placed++
	ts := strconv.FormatInt(p.now().UnixMilli(), 10)
	o := &Order{
		InstID: req.InstID, OrdID: fmt.Sprintf("paper-%d", p.seq), ClOrdID: req.ClOrdID,
		Px: req.Px, Sz: req.Sz, Side: req.Side, OrdType: req.OrdType,
		State: OrderStateCanceled, AccFillSz: "0", CTime: ts, UTime: ts,
	}
	crosses := (req.Side == "sell" && mark.GreaterThanOrEqual(px)) || (req.Side == "buy" && mark.LessThanOrEqual(px))
	if crosses {
		o.State = OrderStateFilled
		o.AccFillSz = sz.String()
		o.AvgPx = mark.String()
	}
	p.orders[req.ClOrdID] = o
	return &OrderAck{OrdID: o.OrdID, ClOrdID: o.ClOrdID, SCode: "0"}, nil
}

// GetOrder 查询模拟订单 / Look up a paper order by client order id
func (p *Paper) GetOrder(ctx context.Context, instID, clOrdID string) (*Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[clOrdID]
	if !ok || o.InstID != instID {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, clOrdID)
	}
	cp := *o
	return &cp, nil
}

// Put stores o as if it had been placed earlier.
func (p *Paper) Put(o Order) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.orders[o.ClOrdID] = &o
}

// Placed returns the number of accepted orders.
func (p *Paper) Placed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.placed
}
