package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MaxSonchik/DevOS/internal/events"
)

var (
	// Rule store metrics
	RulesCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dshark_rules",
			Help: "Number of rules held by the rule store, by kind",
		},
		[]string{"kind"},
	)

	// Backend metrics
	BackendRulesCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dshark_backend_rules",
			Help: "Number of rules reported by the enforcement backend, by kind",
		},
		[]string{"kind"},
	)
	BackendUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dshark_backend_up",
			Help: "Whether the last backend stats query succeeded",
		},
	)

	EstimatedBlockedConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dshark_estimated_blocked_connections",
			Help: "Rough estimate of blocked connections derived from blocking rules",
		},
	)

	FilteringEnabled = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dshark_filtering_enabled",
			Help: "1 when the deny profile is applied, 0 when everything is allowed",
		},
	)

	// Lifecycle metrics
	RuleEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dshark_rule_events_total",
			Help: "Rule lifecycle events by type",
		},
		[]string{"event"},
	)

	AutoBlockMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dshark_autoblock_matches_total",
			Help: "Auto-block rule matches by rule name",
		},
		[]string{"rule"},
	)
)

// Subscribe counts every event published on bus and tracks the filtering profile.
// Subscribe 统计总线上发布的每个事件并跟踪过滤策略。
func Subscribe(bus *events.Bus) (unsubscribe func()) {
	return bus.SubscribeAll(func(e events.Event) {
		RuleEvents.WithLabelValues(string(e.Type)).Inc()
		if e.Type == events.ProfileChanged {
			if enabled, ok := e.Payload.(bool); ok {
				FilteringEnabled.Set(boolToFloat(enabled))
			}
		}
	})
}

// Handler exposes the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
