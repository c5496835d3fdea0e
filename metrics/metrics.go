// Package metrics exposes prometheus collectors fed by gate payment events.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/tollbooth/x402-go"
)

// Request outcomes counted by x402_gate_requests_total.
const (
	OutcomeBypass       = "bypass"
	OutcomeChallenge    = "challenge"
	OutcomeInvalid      = "invalid"
	OutcomeUnsettled    = "unsettled"
	OutcomeSettled      = "settled"
	OutcomeServed       = "served"
	OutcomeSettleFailed = "settle_failed"
)

// Collector holds the gate metrics. Wire OnEvent into the gate's OnEvent hook.
type Collector struct {
	RequestsTotal       *prometheus.CounterVec
	FacilitatorDuration *prometheus.HistogramVec
	SettledAmountTotal  *prometheus.CounterVec
}

// NewCollector creates the gate metrics and registers them on reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_gate_requests_total",
				Help: "Total number of priced requests handled by the x402 gate",
			},
			[]string{"outcome"},
		),
		FacilitatorDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "x402_facilitator_duration_seconds",
				Help:    "Duration of facilitator verify and settle calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		SettledAmountTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_settled_amount_atomic_total",
				Help: "Total settled payment amount in atomic token units",
			},
			[]string{"network", "asset"},
		),
	}

	for _, collector := range []prometheus.Collector{c.RequestsTotal, c.FacilitatorDuration, c.SettledAmountTotal} {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// OnEvent records a gate event. It satisfies x402.PaymentCallback.
func (c *Collector) OnEvent(e x402.PaymentEvent) {
	switch e.Type {
	case x402.PaymentEventBypass:
		c.RequestsTotal.WithLabelValues(OutcomeBypass).Inc()
	case x402.PaymentEventChallenge:
		c.RequestsTotal.WithLabelValues(OutcomeChallenge).Inc()
	case x402.PaymentEventVerified:
		c.FacilitatorDuration.WithLabelValues("verify").Observe(e.Duration.Seconds())
	case x402.PaymentEventUnsettled:
		c.RequestsTotal.WithLabelValues(OutcomeUnsettled).Inc()
	case x402.PaymentEventServed:
		c.RequestsTotal.WithLabelValues(OutcomeServed).Inc()
	case x402.PaymentEventSuccess:
		c.RequestsTotal.WithLabelValues(OutcomeSettled).Inc()
		c.FacilitatorDuration.WithLabelValues("settle").Observe(e.Duration.Seconds())
		if amount, err := decimal.NewFromString(e.Amount); err == nil {
			c.SettledAmountTotal.WithLabelValues(e.Network, e.Asset).Add(amount.InexactFloat64())
		}
	case x402.PaymentEventFailure:
		switch e.Kind {
		case x402.KindSettlement:
			c.RequestsTotal.WithLabelValues(OutcomeSettleFailed).Inc()
			c.FacilitatorDuration.WithLabelValues("settle").Observe(e.Duration.Seconds())
		case x402.KindVerification:
			c.RequestsTotal.WithLabelValues(OutcomeInvalid).Inc()
			c.FacilitatorDuration.WithLabelValues("verify").Observe(e.Duration.Seconds())
		default:
			c.RequestsTotal.WithLabelValues(OutcomeInvalid).Inc()
		}
	}
}
