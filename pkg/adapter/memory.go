package adapter

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/datalinkhq/datalink/pkg/config"
	"github.com/datalinkhq/datalink/pkg/errors"
	"github.com/datalinkhq/datalink/pkg/models"
)

// Tiered match scores. A record matching several fields accumulates the
// per-field scores, so a two-field exact match outranks any single match.
const (
	scoreExact    = 10
	scorePrefix   = 5
	scoreContains = 1
)

// memorySource is the per-connection snapshot of a memory data source.
type memorySource struct {
	cfg  config.MemoryConfig
	data []map[string]interface{}
}

// MemoryAdapter searches in-process collections with tiered relevance
// scoring. It has no external dependencies and serves as the reference
// adapter for the contract.
type MemoryAdapter struct {
	logger *zap.Logger

	sources map[string]*memorySource
	mu      sync.RWMutex
}

// NewMemoryAdapter creates the in-process collection adapter.
func NewMemoryAdapter(logger *zap.Logger) *MemoryAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryAdapter{
		logger:  logger.With(zap.String("adapter", "memory")),
		sources: make(map[string]*memorySource),
	}
}

func (a *MemoryAdapter) Type() config.SourceType { return config.SourceMemory }

func (a *MemoryAdapter) ValidateConfig(cfg *config.DataSourceConfig) error {
	if cfg.Type != config.SourceMemory || cfg.Memory == nil {
		return errors.New(errors.CategoryConfiguration, "CFG_SECTION_MISSING", "memory section is required")
	}
	return cfg.Validate()
}

// Connect snapshots the configured collection. The snapshot is immutable
// for the lifetime of the connection, so queries never observe partial
// updates to the caller's slice.
func (a *MemoryAdapter) Connect(_ context.Context, cfg *config.DataSourceConfig) (*models.Connection, error) {
	if err := a.ValidateConfig(cfg); err != nil {
		return nil, err
	}

	data := make([]map[string]interface{}, len(cfg.Memory.Data))
	copy(data, cfg.Memory.Data)

	conn := newConnection(config.SourceMemory, map[string]interface{}{
		"source_name":  cfg.Name,
		"record_count": len(data),
	})

	a.mu.Lock()
	a.sources[conn.ID] = &memorySource{cfg: *cfg.Memory, data: data}
	a.mu.Unlock()

	a.logger.Info("memory source connected",
		zap.String("connection_id", conn.ID),
		zap.Int("records", len(data)))
	return conn, nil
}

// Query scores every record against the normalized query text and
// returns matches ordered by descending score.
func (a *MemoryAdapter) Query(_ context.Context, conn *models.Connection, query *models.ProcessedQuery, opts QueryOptions) ([]models.RawResult, error) {
	if err := guardQuery(conn, query); err != nil {
		return nil, err
	}

	a.mu.RLock()
	src := a.sources[conn.ID]
	a.mu.RUnlock()
	if src == nil {
		return nil, errors.New(errors.CategoryConnection, "CONN_UNKNOWN", "connection is not registered with this adapter")
	}
	conn.Touch()

	needle := query.Normalized
	if !src.cfg.CaseSensitive {
		needle = strings.ToLower(needle)
	}

	results := make([]models.RawResult, 0, 16)
	for i, record := range src.data {
		score, matched := scoreRecord(record, src.cfg.SearchFields, needle, src.cfg.CaseSensitive)
		if score == 0 {
			continue
		}
		results = append(results, models.RawResult{
			ID:            recordID(record, i),
			Data:          record,
			Score:         score,
			MatchedFields: matched,
		})
	}

	models.SortResults(results)

	if src.cfg.MaxResults > 0 && len(results) > src.cfg.MaxResults {
		results = results[:src.cfg.MaxResults]
	}
	return paginate(results, opts), nil
}

func (a *MemoryAdapter) Disconnect(_ context.Context, conn *models.Connection) error {
	if conn == nil {
		return nil
	}
	a.mu.Lock()
	delete(a.sources, conn.ID)
	a.mu.Unlock()
	conn.Status = models.ConnectionDisconnected
	return nil
}

func (a *MemoryAdapter) HealthCheck(_ context.Context, conn *models.Connection) error {
	if conn == nil || !conn.IsUsable() {
		return errors.New(errors.CategoryConnection, "CONN_NOT_USABLE", "connection is not established")
	}
	a.mu.RLock()
	_, ok := a.sources[conn.ID]
	a.mu.RUnlock()
	if !ok {
		return errors.New(errors.CategoryConnection, "CONN_UNKNOWN", "connection is not registered with this adapter")
	}
	return nil
}

func (a *MemoryAdapter) Capabilities() models.Capabilities {
	return models.Capabilities{
		Pagination: true,
		FullText:   false,
		Streaming:  false,
		Caching:    false,
	}
}

// scoreRecord sums per-field tier scores: exact match 10, prefix 5,
// substring 1. Non-string field values are formatted before comparison.
func scoreRecord(record map[string]interface{}, fields []string, needle string, caseSensitive bool) (float64, []string) {
	if needle == "" {
		return 0, nil
	}

	var total float64
	var matched []string
	for _, field := range fields {
		raw, ok := record[field]
		if !ok || raw == nil {
			continue
		}
		value := fmt.Sprintf("%v", raw)
		if !caseSensitive {
			value = strings.ToLower(value)
		}

		switch {
		case value == needle:
			total += scoreExact
		case strings.HasPrefix(value, needle):
			total += scorePrefix
		case strings.Contains(value, needle):
			total += scoreContains
		default:
			continue
		}
		matched = append(matched, field)
	}
	return total, matched
}

// recordID prefers an explicit id field, falling back to the position.
func recordID(record map[string]interface{}, index int) string {
	if id, ok := record["id"]; ok && id != nil {
		return fmt.Sprintf("%v", id)
	}
	return fmt.Sprintf("mem-%d", index)
}

// paginate applies offset/limit to an already-sorted result list.
func paginate(results []models.RawResult, opts QueryOptions) []models.RawResult {
	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			return []models.RawResult{}
		}
		results = results[opts.Offset:]
	}
	if opts.Limit > 0 && len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results
}
