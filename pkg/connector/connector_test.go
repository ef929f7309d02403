package connector

import (
	"context"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/datalinkhq/datalink/pkg/adapter"
	"github.com/datalinkhq/datalink/pkg/config"
	"github.com/datalinkhq/datalink/pkg/errors"
	"github.com/datalinkhq/datalink/pkg/metrics"
	"github.com/datalinkhq/datalink/pkg/ratelimit"
	"github.com/datalinkhq/datalink/pkg/testutil"
)

func memorySourceConfig() *config.DataSourceConfig {
	return &config.DataSourceConfig{
		Name: "catalog",
		Type: config.SourceMemory,
		Memory: &config.MemoryConfig{
			Data: []map[string]interface{}{
				{"id": "1", "name": "widget"},
				{"id": "2", "name": "widget pro"},
				{"id": "3", "name": "gadget"},
			},
			SearchFields: []string{"name"},
		},
	}
}

func newMemoryConnector(t *testing.T, cfg *config.DataSourceConfig, opts ...Option) *Connector {
	t.Helper()
	c, err := New(cfg, NewDefaultRegistry(nil, nil), testutil.TestLogger(t), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Disconnect(context.Background()) })
	return c
}

func TestExecuteQueryEndToEnd(t *testing.T) {
	c := newMemoryConnector(t, memorySourceConfig())

	results, err := c.ExecuteQuery(context.Background(), "  widget  ", adapter.QueryOptions{})
	require.NoError(t, err)

	require.Len(t, results, 2)
	assert.Equal(t, "1", results[0].ID, "exact match ranks first")
}

func TestQueryWithoutConnect(t *testing.T) {
	c := newMemoryConnector(t, memorySourceConfig())

	_, err := c.Query(context.Background(), "widget", adapter.QueryOptions{})
	require.Error(t, err)
	assert.Equal(t, "NOT_CONNECTED", errors.GetCode(err))
}

func TestProcessNormalizesAndTokenizes(t *testing.T) {
	c := newMemoryConnector(t, memorySourceConfig())

	processed, err := c.Process("  widget   pro \t deluxe ")
	require.NoError(t, err)

	assert.Equal(t, "widget pro deluxe", processed.Normalized)
	assert.Equal(t, []string{"widget", "pro", "deluxe"}, processed.Tokens)
	assert.True(t, processed.IsValid)
	require.NotNil(t, processed.SecurityInfo)
	assert.True(t, processed.SecurityInfo.IsSecure)
}

func TestProcessRejectsInjection(t *testing.T) {
	c := newMemoryConnector(t, memorySourceConfig())

	_, err := c.Process("widget'; DROP TABLE products--")
	require.Error(t, err)
	assert.Equal(t, "QUERY_REJECTED", errors.GetCode(err))
	assert.True(t, errors.IsCategory(err, errors.CategorySecurity))

	// The insecure text must never reach the adapter.
	_, err = c.ExecuteQuery(context.Background(), "1 OR 1=1", adapter.QueryOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategorySecurity))
}

func TestConnectorRateLimiting(t *testing.T) {
	limiter := ratelimit.NewSlidingWindowLimiter(ratelimit.SlidingWindowConfig{
		MaxRequests: 2,
		Window:      time.Minute,
	}, nil, nil)
	c := newMemoryConnector(t, memorySourceConfig(), WithLimiter(limiter))
	require.NoError(t, c.Connect(context.Background()))

	for i := 0; i < 2; i++ {
		_, err := c.Query(context.Background(), "widget", adapter.QueryOptions{})
		require.NoError(t, err)
	}

	_, err := c.Query(context.Background(), "widget", adapter.QueryOptions{})
	require.Error(t, err)
	assert.Equal(t, "QUERY_RATE_LIMITED", errors.GetCode(err))
	assert.True(t, errors.IsRecoverable(err))
}

func TestQueryRecordsMetricsWindow(t *testing.T) {
	c := newMemoryConnector(t, memorySourceConfig())

	_, err := c.ExecuteQuery(context.Background(), "widget", adapter.QueryOptions{})
	require.NoError(t, err)
	_, _ = c.ExecuteQuery(context.Background(), "1 OR 1=1", adapter.QueryOptions{})

	snapshot := c.Metrics()
	require.NotEmpty(t, snapshot)

	var connects, successes, failures int
	for _, m := range snapshot {
		switch m.Operation {
		case "connect":
			connects++
		case "query":
			if m.Success {
				successes++
			} else {
				failures++
			}
		}
	}
	assert.Equal(t, 1, connects)
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, failures, "rejected queries count as failed operations")
}

func TestTestConnectionReportsCapabilities(t *testing.T) {
	c := newMemoryConnector(t, memorySourceConfig())

	result := c.TestConnection(context.Background())
	require.True(t, result.Success, result.Error)
	assert.Greater(t, result.Latency, time.Duration(0))
	require.NotNil(t, result.Capabilities)

	// The check's temporary connection must not linger.
	_, err := c.Query(context.Background(), "widget", adapter.QueryOptions{})
	require.Error(t, err)
	assert.Equal(t, "NOT_CONNECTED", errors.GetCode(err))
}

func TestPooledQueries(t *testing.T) {
	cfg := memorySourceConfig()
	cfg.UsePool = true
	cfg.Reliability.MaxConnections = 2

	c := newMemoryConnector(t, cfg)
	require.NoError(t, c.Connect(context.Background()))

	for i := 0; i < 5; i++ {
		results, err := c.Query(context.Background(), "widget", adapter.QueryOptions{})
		require.NoError(t, err)
		assert.Len(t, results, 2)
	}

	stats, ok := c.PoolStats()
	require.True(t, ok)
	assert.Equal(t, int64(1), stats.Created, "pool reuses a single connection")
	assert.GreaterOrEqual(t, stats.Reused, int64(4))

	// The occupancy gauge tracks the pool: one idle connection after the
	// queries, zero once the pool is closed.
	idleGauge := metrics.PoolConnections.WithLabelValues("memory", "idle")
	activeGauge := metrics.PoolConnections.WithLabelValues("memory", "active")
	assert.Equal(t, float64(1), promtestutil.ToFloat64(idleGauge))
	assert.Equal(t, float64(0), promtestutil.ToFloat64(activeGauge))

	require.NoError(t, c.Disconnect(context.Background()))
	_, ok = c.PoolStats()
	assert.False(t, ok)
	assert.Equal(t, float64(0), promtestutil.ToFloat64(idleGauge))
}

func TestConnectIsIdempotent(t *testing.T) {
	c := newMemoryConnector(t, memorySourceConfig())

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Connect(context.Background()))

	results, err := c.Query(context.Background(), "gadget", adapter.QueryOptions{})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(nil, NewDefaultRegistry(nil, nil), zap.NewNop())
	require.Error(t, err)

	_, err = New(&config.DataSourceConfig{Name: "x", Type: "bogus"}, NewDefaultRegistry(nil, nil), zap.NewNop())
	require.Error(t, err)
	assert.Equal(t, "CFG_TYPE_UNKNOWN", errors.GetCode(err))

	_, err = New(memorySourceConfig(), nil, zap.NewNop())
	require.Error(t, err)
	assert.Equal(t, "REGISTRY_NIL", errors.GetCode(err))
}

func TestRegistry(t *testing.T) {
	r := NewDefaultRegistry(nil, nil)
	assert.Equal(t, []config.SourceType{config.SourceAPI, config.SourceMemory, config.SourceSQL}, r.Types())

	_, err := r.Create("bogus", zap.NewNop())
	require.Error(t, err)
	assert.Equal(t, "REGISTRY_UNKNOWN_TYPE", errors.GetCode(err))

	err = r.Register(config.SourceMemory, func(l *zap.Logger) adapter.Adapter { return nil })
	require.Error(t, err)
	assert.Equal(t, "REGISTRY_DUPLICATE", errors.GetCode(err))

	err = r.Register("custom", nil)
	require.Error(t, err)
	assert.Equal(t, "REGISTRY_NIL_FACTORY", errors.GetCode(err))
}
