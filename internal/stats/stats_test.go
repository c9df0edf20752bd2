package stats

import (
	"context"
	"errors"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MaxSonchik/DevOS/internal/backend/mock"
	"github.com/MaxSonchik/DevOS/internal/metrics"
	"github.com/MaxSonchik/DevOS/internal/rules"
	"github.com/MaxSonchik/DevOS/internal/utils/iputil"
	"github.com/MaxSonchik/DevOS/internal/utils/logger"
)

// TestAggregate tests the pure aggregation
// TestAggregate 测试纯聚合计算
func TestAggregate(t *testing.T) {
	exp := time.Now().Add(time.Hour)
	snapshot := []rules.Record{
		{State: rules.StateActive, ExpiresAt: &exp},
		{State: rules.StateActive},
		{State: rules.StateActive},
		{State: rules.StateExpiring, ExpiresAt: &exp},
	}

	s := Aggregate(snapshot, BackendCounters{Rules: 5, BlockingRules: 3})
	assert.Equal(t, Stats{
		ActiveRules:                 3,
		TemporaryRules:              1,
		PermanentRules:              2,
		BackendRules:                5,
		BlockingRules:               3,
		EstimatedBlockedConnections: 300,
	}, s)

	s = Aggregate(nil, BackendCounters{Err: errors.New("nft: permission denied")})
	assert.Equal(t, 0, s.EstimatedBlockedConnections)
	assert.Equal(t, "nft: permission denied", s.BackendError)
}

func TestCollect(t *testing.T) {
	ctx := context.Background()
	m := mock.New()
	store := rules.NewStore(m, rules.WithLogger(logger.Nop()))
	defer store.Close()

	_, err := store.Block(ctx, iputil.MustParseAddress("10.0.0.1"), time.Hour, "")
	require.NoError(t, err)
	_, err = store.Block(ctx, iputil.MustParseAddress("10.0.0.2"), 0, "")
	require.NoError(t, err)

	s := Collect(ctx, store, m)
	assert.Equal(t, "memory", s.Backend)
	assert.Equal(t, 2, s.ActiveRules)
	assert.Equal(t, 2, s.BlockingRules)
	assert.Equal(t, 200, s.EstimatedBlockedConnections)

	// Best effort: backend failure degrades to zero counts
	// 尽力而为：后端失败时计数降为零
	m.FailNext(mock.OpCount, 1, nil)
	s = Collect(ctx, store, m)
	assert.Equal(t, 2, s.ActiveRules)
	assert.Equal(t, 0, s.BackendRules)
	assert.NotEmpty(t, s.BackendError)
}

func TestPublish(t *testing.T) {
	Publish(Stats{ActiveRules: 4, TemporaryRules: 1, PermanentRules: 3, BackendRules: 4, BlockingRules: 4, EstimatedBlockedConnections: 400})
	assert.Equal(t, 4.0, gauge(t, metrics.RulesCount.WithLabelValues("active")))
	assert.Equal(t, 400.0, gauge(t, metrics.EstimatedBlockedConnections))
	assert.Equal(t, 1.0, gauge(t, metrics.BackendUp))

	Publish(Stats{BackendError: "down"})
	assert.Equal(t, 0.0, gauge(t, metrics.BackendUp))
}

func gauge(t *testing.T, g interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}
