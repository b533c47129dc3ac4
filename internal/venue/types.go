package venue

// response OKX v5 通用响应 / OKX v5 response envelope
type response[T any] struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data []T    `json:"data"`
}

// OrderRequest 下单请求 / Order placement request
type OrderRequest struct {
	InstID  string `json:"instId"`
	TdMode  string `json:"tdMode"`
	Side    string `json:"side"`
	OrdType string `json:"ordType"`
	Sz      string `json:"sz"`
	Px      string `json:"px,omitempty"`
	ClOrdID string `json:"clOrdId"`
	Tag     string `json:"tag,omitempty"`
}

// OrderAck 下单回执 / Per-order acknowledgement of a placement
type OrderAck struct {
	OrdID   string `json:"ordId"`
	ClOrdID string `json:"clOrdId"`
	SCode   string `json:"sCode"`
	SMsg    string `json:"sMsg"`
}

// Order 订单详情 / Order details
type Order struct {
	InstID    string `json:"instId"`
	OrdID     string `json:"ordId"`
	ClOrdID   string `json:"clOrdId"`
	Px        string `json:"px"`
	Sz        string `json:"sz"`
	Side      string `json:"side"`
	OrdType   string `json:"ordType"`
	State     string `json:"state"`
	AccFillSz string `json:"accFillSz"`
	AvgPx     string `json:"avgPx"`
	Fee       string `json:"fee"`    // negative for charges
	FeeCcy    string `json:"feeCcy"` // currency the fee is charged in
	CTime     string `json:"cTime"`
	UTime     string `json:"uTime"`
}

// 订单状态 / Order states
const (
	OrderStateLive            = "live"
	OrderStatePartiallyFilled = "partially_filled"
	OrderStateFilled          = "filled"
	OrderStateCanceled        = "canceled"
	OrderStateMMPCanceled     = "mmp_canceled"
)

// IsFinal reports whether the order can no longer change.
func (o *Order) IsFinal() bool {
	switch o.State {
	case OrderStateFilled, OrderStateCanceled, OrderStateMMPCanceled:
		return true
	}
	return false
}

// BalanceDetail 账户币种余额 / Per-currency account balance
type BalanceDetail struct {
	Ccy      string `json:"ccy"`
	CashBal  string `json:"cashBal"`
	AvailBal string `json:"availBal"`
	EqUsd    string `json:"eqUsd"`
}

// AccountBalance 账户余额 / Trading account balance
type AccountBalance struct {
	TotalEq string          `json:"totalEq"`
	UTime   string          `json:"uTime"`
	Details []BalanceDetail `json:"details"`
}
