// Package stats derives firewall statistics from a rule snapshot and the
// backend's own counters.
// Package stats 根据规则快照和后端计数器计算防火墙统计信息。
package stats

import (
	"context"

	"github.com/MaxSonchik/DevOS/internal/backend"
	"github.com/MaxSonchik/DevOS/internal/metrics"
	"github.com/MaxSonchik/DevOS/internal/rules"
)

// ConnectionsPerBlockingRule is the factor used to estimate blocked
// connections from the number of blocking rules.
const ConnectionsPerBlockingRule = 100

// BackendCounters are the best-effort numbers reported by the backend.
type BackendCounters struct {
	Rules         int
	BlockingRules int
	// Err is the first error hit while querying the backend; counts are zero then.
	Err error
}

// Stats is the aggregated view shown by "firewall stats".
// Stats 是 "firewall stats" 显示的汇总视图。
type Stats struct {
	Backend                     string `json:"backend"`
	ActiveRules                 int    `json:"active_rules"`
	TemporaryRules              int    `json:"temporary_rules"`
	PermanentRules              int    `json:"permanent_rules"`
	BackendRules                int    `json:"backend_rules"`
	BlockingRules               int    `json:"blocking_rules"`
	EstimatedBlockedConnections int    `json:"estimated_blocked_connections"`
	BackendError                string `json:"backend_error,omitempty"`
}

// Aggregate is a pure function of its inputs.
// Aggregate 是其输入的纯函数。
func Aggregate(snapshot []rules.Record, c BackendCounters) Stats {
	var s Stats
	for _, rec := range snapshot {
		if rec.State != rules.StateActive {
			continue
		}
		s.ActiveRules++
		if rec.IsTemporary() {
			s.TemporaryRules++
		} else {
			s.PermanentRules++
		}
	}
	s.BackendRules = c.Rules
	s.BlockingRules = c.BlockingRules
	s.EstimatedBlockedConnections = c.BlockingRules * ConnectionsPerBlockingRule
	if c.Err != nil {
		s.BackendError = c.Err.Error()
	}
	return s
}

// Snapshotter is the read side of the rule store.
type Snapshotter interface {
	Snapshot() []rules.Record
}

// Counters queries a for its rule counts. A failure zeroes both counts
// and is recorded in the result instead of being returned.
// Counters 查询 a 的规则计数。失败时两个计数归零并把错误记录在结果中。
func Counters(ctx context.Context, a backend.Adapter) BackendCounters {
	total, err := a.CountRules(ctx)
	if err != nil {
		return BackendCounters{Err: err}
	}
	blocking, err := a.CountBlockingRules(ctx)
	if err != nil {
		return BackendCounters{Err: err}
	}
	return BackendCounters{Rules: total, BlockingRules: blocking}
}

// Collect aggregates the store snapshot with fresh backend counters.
func Collect(ctx context.Context, store Snapshotter, a backend.Adapter) Stats {
	s := Aggregate(store.Snapshot(), Counters(ctx, a))
	s.Backend = a.Name()
	return s
}

// Publish pushes s into the Prometheus gauges.
// Publish 将 s 写入 Prometheus 指标。
func Publish(s Stats) {
	metrics.RulesCount.WithLabelValues("active").Set(float64(s.ActiveRules))
	metrics.RulesCount.WithLabelValues("temporary").Set(float64(s.TemporaryRules))
	metrics.RulesCount.WithLabelValues("permanent").Set(float64(s.PermanentRules))
	metrics.BackendRulesCount.WithLabelValues("total").Set(float64(s.BackendRules))
	metrics.BackendRulesCount.WithLabelValues("blocking").Set(float64(s.BlockingRules))
	metrics.EstimatedBlockedConnections.Set(float64(s.EstimatedBlockedConnections))
	if s.BackendError == "" {
		metrics.BackendUp.Set(1)
	} else {
		metrics.BackendUp.Set(0)
	}
}
