// Package alert delivers operator-visible alerts for settlements that failed,
// timed out, or need manual review.
package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wTHU1Ew/papaya/internal/logger"
	"github.com/wTHU1Ew/papaya/internal/metrics"
)

// Kind 告警类型 / Alert kind
type Kind string

const (
	KindSettlementFailed  Kind = "settlement_failed"
	KindSettlementTimeout Kind = "settlement_timeout" // liquidation pending manual review
	KindManualReview      Kind = "manual_review"
	KindApplyFailed       Kind = "apply_failed" // venue settled but the ledger could not apply it

	// KindIncomplete: the leg budget ran out while the position was still under target.
	KindIncomplete Kind = "liquidation_incomplete"
)

// Alert 告警 / Operator alert
type Alert struct {
	Kind          Kind      `json:"kind"`
	UserID        string    `json:"user_id"`
	TransactionID int64     `json:"transaction_id,omitempty"`
	Token         string    `json:"token,omitempty"`
	Message       string    `json:"message"`
	At            time.Time `json:"at"`
}

func (a Alert) String() string {
	return fmt.Sprintf("[%s] user=%s tx=%d token=%s: %s", a.Kind, a.UserID, a.TransactionID, a.Token, a.Message)
}

// Sink 告警输出 / Alert destination
type Sink interface {
	Send(ctx context.Context, a Alert) error
}

// Dispatcher 告警分发 / Fans an alert out to every sink; sink errors are logged, never returned
type Dispatcher struct {
	sinks   []Sink
	logger  *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a dispatcher writing to sinks.
func New(log *logger.Logger, m *metrics.Metrics, sinks ...Sink) *Dispatcher {
	return &Dispatcher{sinks: sinks, logger: log.With("alert"), metrics: m, now: time.Now}
}

// Raise 发出告警 / Raise an alert
func (d *Dispatcher) Raise(ctx context.Context, a Alert) {
	if a.At.IsZero() {
		a.At = d.now().UTC()
	}
	d.metrics.ObserveAlert(string(a.Kind))
	d.logger.Error("ALERT %s", a)
	for _, s := range d.sinks {
		if err := s.Send(ctx, a); err != nil {
			d.logger.Error("Failed to deliver alert %s: %v", a.Kind, err)
		}
	}
}

// Memory 内存告警缓冲 / Bounded buffer of recent alerts, newest last
type Memory struct {
	mu     sync.Mutex
	limit  int
	alerts []Alert
}

// NewMemory keeps at most limit alerts.
func NewMemory(limit int) *Memory {
	if limit <= 0 {
		limit = 100
	}
	return &Memory{limit: limit}
}

// Send stores a.
func (m *Memory) Send(ctx context.Context, a Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, a)
	if len(m.alerts) > m.limit {
		m.alerts = m.alerts[len(m.alerts)-m.limit:]
	}
	return nil
}

// Recent returns a copy of the buffered alerts.
func (m *Memory) Recent() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}
