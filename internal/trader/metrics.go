package trader

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

// Metrics exposes rotation and scout activity:
//   - bot_rotations_total{outcome}  settled | sell_failed | buy_failed | aborted
//   - bot_scout_cycles_total{result} rotated | idle | skipped | bridge_scout | error
//   - bot_cost_basis{asset}         last persisted average price
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	rotations *prometheus.CounterVec
	scouts    *prometheus.CounterVec
	costBasis *prometheus.GaugeVec
}

const (
	outcomeSettled    = "settled"
	outcomeSellFailed = "sell_failed"
	outcomeBuyFailed  = "buy_failed"
	outcomeAborted    = "aborted"

	scoutRotated     = "rotated"
	scoutIdle        = "idle"
	scoutSkipped     = "skipped"
	scoutBridgeScout = "bridge_scout"
	scoutError       = "error"
)

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		rotations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bot_rotations_total",
				Help: "Rotation attempts by outcome",
			},
			[]string{"outcome"},
		),
		scouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bot_scout_cycles_total",
				Help: "Scout cycles by result",
			},
			[]string{"result"},
		),
		costBasis: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bot_cost_basis",
				Help: "Persisted average buy price per asset",
			},
			[]string{"asset"},
		),
	}
	reg.MustRegister(m.rotations, m.scouts, m.costBasis)
	return m
}

func (m *Metrics) rotation(outcome string) {
	if m == nil {
		return
	}
	m.rotations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) scout(result string) {
	if m == nil {
		return
	}
	m.scouts.WithLabelValues(result).Inc()
}

func (m *Metrics) setCostBasis(asset string, price decimal.Decimal) {
	if m == nil {
		return
	}
	m.costBasis.WithLabelValues(asset).Set(price.InexactFloat64())
}

func (m *Metrics) resetCostBasis(asset string) {
	if m == nil {
		return
	}
	m.costBasis.DeleteLabelValues(asset)
}
