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
	"github.com/datalinkhq/datalink/pkg/security"
	"github.com/datalinkhq/datalink/pkg/sqlgen"
)

// SQLExecutor runs parameterized queries against an actual database.
// The adapter never dials a database itself; callers inject an executor
// bound to their driver of choice, keeping this module driver-free.
type SQLExecutor interface {
	// Open prepares the executor for the given connection string.
	Open(ctx context.Context, connectionString string) error
	// Execute runs one parameterized query and returns its rows.
	Execute(ctx context.Context, query *sqlgen.ParameterizedQuery) ([]map[string]interface{}, error)
	// Ping verifies liveness.
	Ping(ctx context.Context) error
	// Close releases the executor.
	Close(ctx context.Context) error
}

// sqlSource is the per-connection state of a SQL data source.
type sqlSource struct {
	cfg      config.SQLConfig
	builder  *sqlgen.Builder
	executor SQLExecutor
}

// SQLAdapter compiles processed queries into parameterized SQL and hands
// them to an injected executor. All generated SQL passes a second
// security check before execution.
type SQLAdapter struct {
	logger      *zap.Logger
	validator   *security.Validator
	newExecutor func() SQLExecutor

	sources map[string]*sqlSource
	mu      sync.RWMutex
}

// NewSQLAdapter creates the SQL adapter. newExecutor produces one
// executor per connection; nil defaults to the simulated executor.
func NewSQLAdapter(validator *security.Validator, newExecutor func() SQLExecutor, logger *zap.Logger) *SQLAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validator == nil {
		validator = security.NewValidator(security.Policy{})
	}
	if newExecutor == nil {
		newExecutor = func() SQLExecutor { return NewSimulatedExecutor(nil) }
	}
	return &SQLAdapter{
		logger:      logger.With(zap.String("adapter", "sql")),
		validator:   validator,
		newExecutor: newExecutor,
		sources:     make(map[string]*sqlSource),
	}
}

func (a *SQLAdapter) Type() config.SourceType { return config.SourceSQL }

func (a *SQLAdapter) ValidateConfig(cfg *config.DataSourceConfig) error {
	if cfg.Type != config.SourceSQL || cfg.SQL == nil {
		return errors.New(errors.CategoryConfiguration, "CFG_SECTION_MISSING", "sql section is required")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if cfg.SQL.ConnectionString != "" {
		verdict := a.validator.ValidateConnectionString(cfg.SQL.ConnectionString, cfg.SQL.DatabaseType)
		if !verdict.IsValid {
			return errors.Newf(errors.CategorySecurity, "CONN_STRING_REJECTED",
				"connection string rejected: %s", strings.Join(verdict.Errors, "; "))
		}
	}

	// Compiling the builder validates every identifier in the config.
	_, err := a.buildFor(cfg.SQL)
	return err
}

// Connect validates the configuration, compiles the query builder for
// the dialect, and opens the executor.
func (a *SQLAdapter) Connect(ctx context.Context, cfg *config.DataSourceConfig) (*models.Connection, error) {
	if err := a.ValidateConfig(cfg); err != nil {
		return nil, err
	}

	builder, err := a.buildFor(cfg.SQL)
	if err != nil {
		return nil, err
	}

	executor := a.newExecutor()
	if err := executor.Open(ctx, cfg.SQL.ConnectionString); err != nil {
		return nil, errors.Wrap(err, errors.CategoryConnection, "SQL_OPEN_FAILED", "failed to open SQL executor")
	}
	if err := executor.Ping(ctx); err != nil {
		_ = executor.Close(ctx)
		return nil, errors.Wrap(err, errors.CategoryConnection, "SQL_PING_FAILED", "database did not respond")
	}

	conn := newConnection(config.SourceSQL, map[string]interface{}{
		"source_name":       cfg.Name,
		"database_type":     cfg.SQL.DatabaseType,
		"table":             cfg.SQL.Table,
		"connection_string": security.RedactConnectionString(cfg.SQL.ConnectionString),
	})

	a.mu.Lock()
	a.sources[conn.ID] = &sqlSource{cfg: *cfg.SQL, builder: builder, executor: executor}
	a.mu.Unlock()

	a.logger.Info("sql source connected",
		zap.String("connection_id", conn.ID),
		zap.String("database_type", cfg.SQL.DatabaseType),
		zap.String("dsn", security.RedactConnectionString(cfg.SQL.ConnectionString)))
	return conn, nil
}

// Query compiles the search into parameterized SQL, re-validates the
// generated statement, and executes it.
func (a *SQLAdapter) Query(ctx context.Context, conn *models.Connection, query *models.ProcessedQuery, opts QueryOptions) ([]models.RawResult, error) {
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

	limit := opts.Limit
	if limit <= 0 {
		limit = src.cfg.PageSize
	}

	pq, err := src.builder.SearchQuery(query.Normalized, limit, opts.Offset)
	if err != nil {
		return nil, err
	}

	// The generated SQL gets the same scrutiny as user input. A builder
	// bug or poisoned configuration must not reach the database.
	verdict := a.validator.ValidateSQL(pq.SQL, pq.Parameters)
	if !verdict.IsValid {
		a.logger.Error("generated SQL failed security validation",
			zap.String("connection_id", conn.ID),
			zap.Strings("violations", verdict.Errors))
		return nil, errors.Newf(errors.CategorySecurity, "SQL_REJECTED",
			"generated SQL rejected: %s", strings.Join(verdict.Errors, "; "))
	}

	rows, err := src.executor.Execute(ctx, pq)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryData, "SQL_EXECUTE_FAILED", "query execution failed")
	}

	results := make([]models.RawResult, 0, len(rows))
	for i, row := range rows {
		results = append(results, models.RawResult{
			ID:    recordID(row, i),
			Data:  row,
			Score: 1,
		})
	}
	return results, nil
}

func (a *SQLAdapter) Disconnect(ctx context.Context, conn *models.Connection) error {
	if conn == nil {
		return nil
	}

	a.mu.Lock()
	src := a.sources[conn.ID]
	delete(a.sources, conn.ID)
	a.mu.Unlock()

	conn.Status = models.ConnectionDisconnected
	if src != nil {
		return src.executor.Close(ctx)
	}
	return nil
}

func (a *SQLAdapter) HealthCheck(ctx context.Context, conn *models.Connection) error {
	if conn == nil || !conn.IsUsable() {
		return errors.New(errors.CategoryConnection, "CONN_NOT_USABLE", "connection is not established")
	}

	a.mu.RLock()
	src := a.sources[conn.ID]
	a.mu.RUnlock()
	if src == nil {
		return errors.New(errors.CategoryConnection, "CONN_UNKNOWN", "connection is not registered with this adapter")
	}
	return src.executor.Ping(ctx)
}

func (a *SQLAdapter) Capabilities() models.Capabilities {
	return models.Capabilities{
		Pagination:   true,
		FullText:     true,
		Transactions: true,
		MaxPageSize:  1000,
	}
}

// buildFor compiles a builder for the configured dialect and query shape.
func (a *SQLAdapter) buildFor(cfg *config.SQLConfig) (*sqlgen.Builder, error) {
	dialect, err := sqlgen.NewDialect(cfg.DatabaseType, cfg.DatabaseVersion)
	if err != nil {
		return nil, err
	}

	joins := make([]sqlgen.Join, len(cfg.Joins))
	for i, j := range cfg.Joins {
		joins[i] = sqlgen.Join{Type: j.Type, Table: j.Table, Condition: j.Condition}
	}
	orderBy := make([]sqlgen.OrderBy, len(cfg.OrderBy))
	for i, o := range cfg.OrderBy {
		orderBy[i] = sqlgen.OrderBy{Column: o.Column, Direction: o.Direction}
	}

	return sqlgen.NewBuilder(dialect, sqlgen.QueryConfig{
		Table:         cfg.Table,
		SearchColumns: cfg.SearchColumns,
		SelectColumns: cfg.SelectColumns,
		WhereClauses:  cfg.WhereClauses,
		GroupBy:       cfg.GroupBy,
		Joins:         joins,
		OrderBy:       orderBy,
	})
}

// SimulatedExecutor is an in-memory SQLExecutor used in tests and
// demos. It approximates LIKE semantics by substring-matching string
// parameters of the form %needle% against every string column.
type SimulatedExecutor struct {
	rows   []map[string]interface{}
	opened bool
	mu     sync.Mutex
}

// NewSimulatedExecutor creates an executor over a fixed row set.
func NewSimulatedExecutor(rows []map[string]interface{}) *SimulatedExecutor {
	return &SimulatedExecutor{rows: rows}
}

func (e *SimulatedExecutor) Open(_ context.Context, _ string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opened = true
	return nil
}

func (e *SimulatedExecutor) Ping(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.opened {
		return fmt.Errorf("executor is closed")
	}
	return nil
}

func (e *SimulatedExecutor) Close(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opened = false
	return nil
}

// Execute filters rows by the LIKE-shaped string parameters. Integer
// parameters are treated as the trailing LIMIT/OFFSET pair when present.
func (e *SimulatedExecutor) Execute(_ context.Context, query *sqlgen.ParameterizedQuery) ([]map[string]interface{}, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.opened {
		return nil, fmt.Errorf("executor is closed")
	}

	var needles []string
	for _, p := range query.Parameters {
		if s, ok := p.(string); ok {
			needles = append(needles, strings.ToLower(strings.Trim(s, "%")))
		}
	}

	var out []map[string]interface{}
	for _, row := range e.rows {
		if matchesAny(row, needles) {
			out = append(out, row)
		}
	}
	return out, nil
}

func matchesAny(row map[string]interface{}, needles []string) bool {
	if len(needles) == 0 {
		return true
	}
	for _, v := range row {
		s, ok := v.(string)
		if !ok {
			continue
		}
		lowered := strings.ToLower(s)
		for _, n := range needles {
			if n != "" && strings.Contains(lowered, n) {
				return true
			}
		}
	}
	return false
}
