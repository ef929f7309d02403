package models

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSortResultsIsStable(t *testing.T) {
	results := []RawResult{
		{ID: "low", Score: 1},
		{ID: "high-a", Score: 10},
		{ID: "mid", Score: 5},
		{ID: "high-b", Score: 10},
	}
	SortResults(results)

	assert.Equal(t, "high-a", results[0].ID)
	assert.Equal(t, "high-b", results[1].ID, "ties keep input order")
	assert.Equal(t, "mid", results[2].ID)
	assert.Equal(t, "low", results[3].ID)
}

func TestConnectionUsability(t *testing.T) {
	c := &Connection{Status: ConnectionConnected}
	assert.True(t, c.IsUsable())

	for _, s := range []ConnectionStatus{ConnectionConnecting, ConnectionDisconnected, ConnectionError} {
		c.Status = s
		assert.False(t, c.IsUsable(), string(s))
	}
}

func TestProcessedQuerySecure(t *testing.T) {
	q := &ProcessedQuery{}
	assert.False(t, q.Secure(), "missing verdict means insecure")

	q.SecurityInfo = &SecurityInfo{IsSecure: false}
	assert.False(t, q.Secure())

	q.SecurityInfo.IsSecure = true
	assert.True(t, q.Secure())
}

func TestMetricsWindowOrdering(t *testing.T) {
	w := NewMetricsWindow()
	for i := 0; i < 5; i++ {
		w.Record(ConnectionMetrics{Operation: fmt.Sprintf("op-%d", i)})
	}

	assert.Equal(t, 5, w.Len())
	snap := w.Snapshot()
	require.Len(t, snap, 5)
	assert.Equal(t, "op-0", snap[0].Operation)
	assert.Equal(t, "op-4", snap[4].Operation)
}

func TestMetricsWindowEvictsOldest(t *testing.T) {
	w := NewMetricsWindow()
	for i := 0; i < 1200; i++ {
		w.Record(ConnectionMetrics{Operation: fmt.Sprintf("op-%d", i)})
	}

	assert.Equal(t, 1000, w.Len())
	snap := w.Snapshot()
	require.Len(t, snap, 1000)
	assert.Equal(t, "op-200", snap[0].Operation, "oldest surviving entry")
	assert.Equal(t, "op-1199", snap[999].Operation, "newest entry")
}

func TestMetricsWindowSnapshotIsACopy(t *testing.T) {
	w := NewMetricsWindow()
	w.Record(ConnectionMetrics{Operation: "query"})

	snap := w.Snapshot()
	snap[0].Operation = "mutated"

	assert.Equal(t, "query", w.Snapshot()[0].Operation)
}
