// Package models defines the shared data model for the datalink query
// pipeline: connections, processed queries, scored results, and the
// per-connector metrics window.
package models

import (
	"sort"
	"sync"
	"time"
)

// ConnectionStatus is the lifecycle state of a Connection.
type ConnectionStatus string

const (
	ConnectionConnecting   ConnectionStatus = "connecting"
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionDisconnected ConnectionStatus = "disconnected"
	ConnectionError        ConnectionStatus = "error"
)

// Connection is a live handle to a data source. It is owned exclusively by
// the adapter that created it until disconnected; a pool may track lease
// state on top but never drives lifecycle itself.
type Connection struct {
	ID          string                 `json:"id"`
	AdapterType string                 `json:"adapter_type"`
	Status      ConnectionStatus       `json:"status"`
	CreatedAt   time.Time              `json:"created_at"`
	LastUsedAt  time.Time              `json:"last_used_at"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Touch updates the last-used timestamp.
func (c *Connection) Touch() {
	c.LastUsedAt = time.Now()
}

// IsUsable reports whether the connection can serve queries.
func (c *Connection) IsUsable() bool {
	return c.Status == ConnectionConnected
}

// SecurityInfo carries the upstream processor's security verdict on a
// query. Adapters re-check it before executing anything.
type SecurityInfo struct {
	IsSecure  bool     `json:"is_secure"`
	RiskLevel string   `json:"risk_level"` // "low", "medium", "high"
	Warnings  []string `json:"warnings,omitempty"`
}

// ProcessedQuery is the only query input adapters accept. Raw user text
// never reaches an adapter without passing through upstream processing.
type ProcessedQuery struct {
	Original     string        `json:"original"`
	Normalized   string        `json:"normalized"`
	IsValid      bool          `json:"is_valid"`
	Tokens       []string      `json:"tokens,omitempty"`
	SecurityInfo *SecurityInfo `json:"security_info,omitempty"`
}

// Secure reports whether the upstream processor marked the query safe.
func (q *ProcessedQuery) Secure() bool {
	return q.SecurityInfo != nil && q.SecurityInfo.IsSecure
}

// RawResult is one scored match returned by an adapter.
type RawResult struct {
	ID            string                 `json:"id"`
	Data          map[string]interface{} `json:"data"`
	Score         float64                `json:"score"`
	MatchedFields []string               `json:"matched_fields,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// SortResults orders results by descending score. Ties keep input order.
func SortResults(results []RawResult) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
}

// ConnectionMetrics is one recorded connect/query observation.
type ConnectionMetrics struct {
	AdapterType    string        `json:"adapter_type"`
	Operation      string        `json:"operation"` // "connect", "query", "disconnect"
	ConnectionTime time.Duration `json:"connection_time"`
	QueryTime      time.Duration `json:"query_time"`
	TotalTime      time.Duration `json:"total_time"`
	Success        bool          `json:"success"`
	ResultCount    int           `json:"result_count"`
	Timestamp      time.Time     `json:"timestamp"`
}

// metricsCap bounds the in-memory metrics window. Oldest entries are
// evicted first.
const metricsCap = 1000

// MetricsWindow keeps the most recent ConnectionMetrics entries in a
// fixed-size ring.
type MetricsWindow struct {
	entries []ConnectionMetrics
	next    int
	full    bool
	mu      sync.RWMutex
}

// NewMetricsWindow creates an empty metrics window.
func NewMetricsWindow() *MetricsWindow {
	return &MetricsWindow{
		entries: make([]ConnectionMetrics, metricsCap),
	}
}

// Record appends an observation, evicting the oldest when full.
func (w *MetricsWindow) Record(m ConnectionMetrics) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.entries[w.next] = m
	w.next = (w.next + 1) % metricsCap
	if w.next == 0 {
		w.full = true
	}
}

// Len returns the number of recorded entries.
func (w *MetricsWindow) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.full {
		return metricsCap
	}
	return w.next
}

// Snapshot returns the recorded entries oldest-first.
func (w *MetricsWindow) Snapshot() []ConnectionMetrics {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if !w.full {
		out := make([]ConnectionMetrics, w.next)
		copy(out, w.entries[:w.next])
		return out
	}

	out := make([]ConnectionMetrics, 0, metricsCap)
	out = append(out, w.entries[w.next:]...)
	out = append(out, w.entries[:w.next]...)
	return out
}

// Capabilities describes what an adapter supports. Surfaced through
// TestConnection so callers can feature-detect before issuing queries.
type Capabilities struct {
	Pagination   bool `json:"pagination"`
	FullText     bool `json:"full_text"`
	Transactions bool `json:"transactions"`
	Streaming    bool `json:"streaming"`
	Caching      bool `json:"caching"`
	MaxPageSize  int  `json:"max_page_size,omitempty"`
}

// TestResult is returned by Connector.TestConnection.
type TestResult struct {
	Success      bool          `json:"success"`
	Latency      time.Duration `json:"latency"`
	Capabilities *Capabilities `json:"capabilities,omitempty"`
	Error        string        `json:"error,omitempty"`
}
