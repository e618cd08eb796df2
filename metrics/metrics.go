package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps the Prometheus collectors for the boss fight server.
// Each Registry owns its own collector set, so independent instances
// never collide.
type Registry struct {
	reg *prometheus.Registry

	Subscribers      prometheus.Gauge
	ChatConnected    prometheus.Gauge
	ChatEvents       prometheus.Counter
	DamageApplied    prometheus.Counter
	HealsApplied     prometheus.Counter
	BroadcastDropped prometheus.Counter
	UpgradeRejected  prometheus.Counter
	PayoutsIssued    prometheus.Counter
	RPCErrors        prometheus.Counter
}

// NewRegistry creates the Prometheus collectors
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Registry{
		reg: reg,
		Subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bossfight_subscribers_active",
			Help: "Number of connected overlay subscribers",
		}),
		ChatConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bossfight_chat_connected",
			Help: "Whether the upstream chat connection is live (1 or 0)",
		}),
		ChatEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "bossfight_chat_events_total",
			Help: "Total chat messages received from the upstream room",
		}),
		DamageApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "bossfight_damage_total",
			Help: "Total damage points applied to the boss",
		}),
		HealsApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "bossfight_heals_total",
			Help: "Total heal points applied to the boss",
		}),
		BroadcastDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "bossfight_broadcasts_dropped_total",
			Help: "Broadcast messages dropped due to slow subscribers",
		}),
		UpgradeRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "bossfight_upgrades_rejected_total",
			Help: "WebSocket upgrades rejected by the connection rate limiter",
		}),
		PayoutsIssued: factory.NewCounter(prometheus.CounterOpts{
			Name: "bossfight_payouts_issued_total",
			Help: "Winner payouts successfully issued on-chain",
		}),
		RPCErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "bossfight_rpc_errors_total",
			Help: "Ledger RPC calls that returned an error",
		}),
	}
}

// Handler returns an HTTP handler exposing this registry's metrics
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
