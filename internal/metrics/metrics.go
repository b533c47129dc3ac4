package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "papaya"

// Metrics 指标集合 / Prometheus collectors shared by the engine components
// Every method is safe to call on a nil *Metrics.
type Metrics struct {
	oracleQuotes      *prometheus.CounterVec
	ledgerOps         *prometheus.CounterVec
	healthBands       *prometheus.CounterVec
	liquidations      *prometheus.CounterVec
	tradeAttempts     *prometheus.CounterVec
	settlementLatency prometheus.Histogram
	alerts            *prometheus.CounterVec
	scanDuration      prometheus.Histogram
	positionsAtRisk   prometheus.Gauge
}

// New 创建并注册指标 / Create collectors and register them on reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		oracleQuotes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "oracle", Name: "quotes_total",
			Help: "Price quotes by asset and source (live or fallback).",
		}, []string{"asset", "source"}),
		ledgerOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "operations_total",
			Help: "Ledger operations by type and result.",
		}, []string{"op", "result"}),
		healthBands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "health", Name: "evaluations_total",
			Help: "Health factor evaluations by risk band.",
		}, []string{"band"}),
		liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "liquidation", Name: "attempts_total",
			Help: "Liquidation attempts by outcome.",
		}, []string{"outcome"}),
		tradeAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "trade", Name: "attempts_total",
			Help: "Venue submission attempts by result.",
		}, []string{"result"}),
		settlementLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "trade", Name: "settlement_seconds",
			Help:    "Time from first submission to a final settlement outcome.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "alert", Name: "raised_total",
			Help: "Operator alerts by kind.",
		}, []string{"kind"}),
		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "liquidation", Name: "scan_seconds",
			Help:    "Duration of a full liquidation scan.",
			Buckets: prometheus.DefBuckets,
		}),
		positionsAtRisk: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "liquidation", Name: "positions_at_risk",
			Help: "Positions below the minimum-healthy threshold in the last scan.",
		}),
	}

	reg.MustRegister(
		m.oracleQuotes, m.ledgerOps, m.healthBands, m.liquidations, m.tradeAttempts,
		m.settlementLatency, m.alerts, m.scanDuration, m.positionsAtRisk,
	)
	return m
}

func (m *Metrics) ObserveQuote(asset, source string) {
	if m == nil {
		return
	}
	m.oracleQuotes.WithLabelValues(asset, source).Inc()
}

func (m *Metrics) ObserveLedgerOp(op string, err error) {
	if m == nil {
		return
	}
	m.ledgerOps.WithLabelValues(op, result(err)).Inc()
}

func (m *Metrics) ObserveBand(band string) {
	if m == nil {
		return
	}
	m.healthBands.WithLabelValues(band).Inc()
}

func (m *Metrics) ObserveLiquidation(outcome string) {
	if m == nil {
		return
	}
	m.liquidations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveTradeAttempt(res string) {
	if m == nil {
		return
	}
	m.tradeAttempts.WithLabelValues(res).Inc()
}

func (m *Metrics) ObserveSettlement(d time.Duration) {
	if m == nil {
		return
	}
	m.settlementLatency.Observe(d.Seconds())
}

func (m *Metrics) ObserveAlert(kind string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveScan(d time.Duration, atRisk int) {
	if m == nil {
		return
	}
	m.scanDuration.Observe(d.Seconds())
	m.positionsAtRisk.Set(float64(atRisk))
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
