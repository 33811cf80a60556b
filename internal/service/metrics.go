package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/xiaot623/paychat/internal/domain"
)

// Metrics holds the ledger's prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	sessionsOpened prometheus.Counter
	debits         prometheus.Counter
	debitedAmount  prometheus.Counter
	settlements    *prometheus.CounterVec
	settledAmount  prometheus.Counter
	restoredAmount prometheus.Counter
	bridgeDuration *prometheus.HistogramVec
}

// NewMetrics registers the ledger collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sessionsOpened: f.NewCounter(prometheus.CounterOpts{
			Name: "paychat_sessions_opened_total",
			Help: "Chat sessions opened",
		}),
		debits: f.NewCounter(prometheus.CounterOpts{
			Name: "paychat_debits_total",
			Help: "Metered messages debited",
		}),
		debitedAmount: f.NewCounter(prometheus.CounterOpts{
			Name: "paychat_debited_micro_units_total",
			Help: "Micro-units debited from prepaid balances",
		}),
		settlements: f.NewCounterVec(prometheus.CounterOpts{
			Name: "paychat_settlements_total",
			Help: "Settlement attempts by outcome",
		}, []string{"outcome"}),
		settledAmount: f.NewCounter(prometheus.CounterOpts{
			Name: "paychat_settled_micro_units_total",
			Help: "Micro-units moved into settled totals",
		}),
		restoredAmount: f.NewCounter(prometheus.CounterOpts{
			Name: "paychat_rolled_back_micro_units_total",
			Help: "Micro-units restored to unsettled after failed channel pushes",
		}),
		bridgeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "paychat_channel_request_duration_seconds",
			Help:    "Channel bridge operation latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "ok"}),
	}
}

func (m *Metrics) sessionOpened() {
	if m == nil {
		return
	}
	m.sessionsOpened.Inc()
}

func (m *Metrics) debited(fee int64) {
	if m == nil {
		return
	}
	m.debits.Inc()
	m.debitedAmount.Add(float64(fee))
}

func (m *Metrics) settled(res *domain.SettlementResult) {
	if m == nil || res == nil {
		return
	}
	m.settlements.WithLabelValues(string(res.Outcome)).Inc()
	if res.Outcome == domain.SettlementOutcomeSettled || res.Outcome == domain.SettlementOutcomeLocalOnly {
		m.settledAmount.Add(float64(res.SettledAmount))
	}
	if res.RestoredAmount > 0 {
		m.restoredAmount.Add(float64(res.RestoredAmount))
	}
}

func (m *Metrics) bridgeCall(op string, start time.Time, ok bool) {
	if m == nil {
		return
	}
	label := "false"
	if ok {
		label = "true"
	}
	m.bridgeDuration.WithLabelValues(op, label).Observe(time.Since(start).Seconds())
}
