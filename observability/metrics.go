package observability

import (
	"math"
	"math/big"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"beetroot/core/events"
)

// PoolMetrics wraps the collectors tracking pool activity: deposit flow,
// routing fan-out health, and withdrawal settlement progress.
type PoolMetrics struct {
	deposits        prometheus.Counter
	depositVolume   prometheus.Counter
	sharesMinted    prometheus.Counter
	legsRouted      *prometheus.CounterVec
	legsAcked       *prometheus.CounterVec
	legsFailed      *prometheus.CounterVec
	withdrawals     prometheus.Counter
	withdrawVolume  prometheus.Counter
	priceBP         prometheus.Gauge
	pendingReclaims prometheus.Gauge
}

var (
	poolMetricsOnce sync.Once
	poolRegistry    *PoolMetrics
)

// Pool returns the lazily-initialised metrics registry for the pool daemon.
func Pool() *PoolMetrics {
	poolMetricsOnce.Do(func() {
		poolRegistry = &PoolMetrics{
			deposits: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "beetroot",
				Subsystem: "pool",
				Name:      "deposits_total",
				Help:      "Count of deposits accepted by the controller.",
			}),
			depositVolume: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "beetroot",
				Subsystem: "pool",
				Name:      "deposit_volume",
				Help:      "Gross deposited stable tokens in minimal units.",
			}),
			sharesMinted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "beetroot",
				Subsystem: "pool",
				Name:      "shares_minted_total",
				Help:      "Share tokens minted to depositors in minimal units.",
			}),
			legsRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "beetroot",
				Subsystem: "router",
				Name:      "legs_routed_total",
				Help:      "Fan-out legs dispatched, segmented by target.",
			}, []string{"target"}),
			legsAcked: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "beetroot",
				Subsystem: "router",
				Name:      "legs_acked_total",
				Help:      "Fan-out legs acknowledged by their target.",
			}, []string{"target"}),
			legsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "beetroot",
				Subsystem: "router",
				Name:      "legs_failed_total",
				Help:      "Fan-out legs reported as failed; remediation is manual.",
			}, []string{"target"}),
			withdrawals: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "beetroot",
				Subsystem: "pool",
				Name:      "withdrawals_settled_total",
				Help:      "Count of sub-ledger settlements accepted by the controller.",
			}),
			withdrawVolume: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "beetroot",
				Subsystem: "pool",
				Name:      "withdrawal_volume",
				Help:      "Redeemed principal in minimal units.",
			}),
			priceBP: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "beetroot",
				Subsystem: "pool",
				Name:      "share_price_basis_points",
				Help:      "Current share price in hundredths.",
			}),
			pendingReclaims: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "beetroot",
				Subsystem: "pool",
				Name:      "pending_withdrawals",
				Help:      "Withdrawals waiting on downstream reclaim returns.",
			}),
		}
		prometheus.MustRegister(
			poolRegistry.deposits,
			poolRegistry.depositVolume,
			poolRegistry.sharesMinted,
			poolRegistry.legsRouted,
			poolRegistry.legsAcked,
			poolRegistry.legsFailed,
			poolRegistry.withdrawals,
			poolRegistry.withdrawVolume,
			poolRegistry.priceBP,
			poolRegistry.pendingReclaims,
		)
	})
	return poolRegistry
}

// SetPending updates the pending withdrawal gauge.
func (m *PoolMetrics) SetPending(count int) {
	if m == nil {
		return
	}
	m.pendingReclaims.Set(float64(count))
}

// Emit implements events.Emitter so the registry can be attached directly
// to the engines.
func (m *PoolMetrics) Emit(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	switch e := evt.(type) {
	case events.DepositProcessed:
		m.deposits.Inc()
		m.depositVolume.Add(bigToFloat(e.Amount))
	case events.SharesMinted:
		m.sharesMinted.Add(bigToFloat(e.Amount))
	case events.LegRouted:
		m.legsRouted.WithLabelValues(e.Target.String()).Inc()
	case events.LegAcked:
		m.legsAcked.WithLabelValues(e.Target.String()).Inc()
	case events.LegFailed:
		m.legsFailed.WithLabelValues(e.Target.String()).Inc()
	case events.WithdrawSettled:
		m.withdrawals.Inc()
		m.withdrawVolume.Add(bigToFloat(e.Principal))
	case events.PriceUpdated:
		m.priceBP.Set(float64(e.NewPriceBP))
	}
}

// GatewayMetrics wraps the collectors tracking the HTTP surface.
type GatewayMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var (
	gatewayMetricsOnce sync.Once
	gatewayRegistry    *GatewayMetrics
)

// Gateway returns the lazily-initialised metrics registry for the HTTP
// surface.
func Gateway() *GatewayMetrics {
	gatewayMetricsOnce.Do(func() {
		gatewayRegistry = &GatewayMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "beetroot",
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "HTTP requests served, segmented by method and status.",
			}, []string{"method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "beetroot",
				Subsystem: "gateway",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
		}
		prometheus.MustRegister(gatewayRegistry.requests, gatewayRegistry.latency)
	})
	return gatewayRegistry
}

// Observe records one served request.
func (m *GatewayMetrics) Observe(method, status string, seconds float64) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, status).Inc()
	m.latency.WithLabelValues(method).Observe(seconds)
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
