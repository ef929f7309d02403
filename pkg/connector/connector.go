package connector

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/datalinkhq/datalink/pkg/adapter"
	"github.com/datalinkhq/datalink/pkg/config"
	"github.com/datalinkhq/datalink/pkg/errors"
	"github.com/datalinkhq/datalink/pkg/metrics"
	"github.com/datalinkhq/datalink/pkg/models"
	"github.com/datalinkhq/datalink/pkg/observability"
	"github.com/datalinkhq/datalink/pkg/pool"
	"github.com/datalinkhq/datalink/pkg/ratelimit"
	"github.com/datalinkhq/datalink/pkg/security"
)

// Connector is the facade callers interact with. It owns one data
// source: it processes raw query text, applies admission control, and
// drives the adapter either directly or through a connection pool.
type Connector struct {
	cfg       *config.DataSourceConfig
	registry  *Registry
	logger    *zap.Logger
	validator *security.Validator
	limiter   ratelimit.Limiter
	window    *models.MetricsWindow

	adapter adapter.Adapter
	conn    *models.Connection
	pool    *pool.Pool[*models.Connection]
	mu      sync.Mutex
}

// Option customizes a Connector.
type Option func(*Connector)

// WithLimiter installs a connector-level rate limiter.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(c *Connector) { c.limiter = l }
}

// WithValidator replaces the default security validator.
func WithValidator(v *security.Validator) Option {
	return func(c *Connector) { c.validator = v }
}

// New builds a connector for one data source configuration. The
// configuration is validated eagerly; adapters are created lazily on
// first connect.
func New(cfg *config.DataSourceConfig, registry *Registry, logger *zap.Logger, opts ...Option) (*Connector, error) {
	if cfg == nil {
		return nil, errors.New(errors.CategoryConfiguration, "CFG_NIL", "configuration must not be nil")
	}
	if registry == nil {
		return nil, errors.New(errors.CategoryConfiguration, "REGISTRY_NIL", "registry must not be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Connector{
		cfg:       cfg,
		registry:  registry,
		logger:    logger.With(zap.String("source", cfg.Name), zap.String("type", string(cfg.Type))),
		validator: security.NewValidator(security.Policy{}),
		window:    models.NewMetricsWindow(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.limiter == nil && cfg.Reliability.RateLimitPerSec > 0 {
		c.limiter = ratelimit.NewSlidingWindowLimiter(ratelimit.SlidingWindowConfig{
			MaxRequests: cfg.Reliability.RateLimitPerSec,
			Window:      time.Second,
		}, nil, logger)
	}
	return c, nil
}

// Connect establishes the data source connection. With pooling enabled
// it starts the pool instead; pooled connections are created on demand.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureAdapterLocked(); err != nil {
		return err
	}

	if c.cfg.UsePool {
		if c.pool == nil {
			c.pool = pool.New(pool.Config{
				MaxConnections: c.cfg.Reliability.MaxConnections,
				AcquireTimeout: c.cfg.Reliability.AcquireTimeout,
				IdleTimeout:    c.cfg.Reliability.IdleTimeout,
				RetryAttempts:  c.cfg.Reliability.RetryAttempts,
				RetryBaseDelay: c.cfg.Reliability.RetryDelay,
				MaxBackoff:     c.cfg.Reliability.MaxRetryDelay,
			}, &connFactory{connector: c}, c.logger)
		}
		c.publishPoolStats(c.pool)
		return nil
	}

	if c.conn != nil && c.conn.IsUsable() {
		return nil
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.conn = conn
	return nil
}

// Query processes raw user text and executes it against the source.
func (c *Connector) Query(ctx context.Context, rawQuery string, opts adapter.QueryOptions) ([]models.RawResult, error) {
	start := time.Now()

	ctx, span := observability.StartQuerySpan(ctx, string(c.cfg.Type), c.cfg.Name)
	results, err := c.query(ctx, rawQuery, opts)
	observability.EndSpan(span, err)

	elapsed := time.Since(start)
	metrics.ObserveQuery(string(c.cfg.Type), elapsed, err)
	c.window.Record(models.ConnectionMetrics{
		AdapterType: string(c.cfg.Type),
		Operation:   "query",
		QueryTime:   elapsed,
		TotalTime:   elapsed,
		Success:     err == nil,
		ResultCount: len(results),
		Timestamp:   start,
	})
	return results, err
}

func (c *Connector) query(ctx context.Context, rawQuery string, opts adapter.QueryOptions) ([]models.RawResult, error) {
	if c.limiter != nil {
		decision := c.limiter.Check(c.cfg.Name, rawQuery)
		if !decision.Allowed {
			metrics.RateLimitDenials.WithLabelValues("connector").Inc()
			return nil, errors.New(errors.CategoryRateLimit, "QUERY_RATE_LIMITED", decision.Reason).
				WithRetry(errors.RetryInfo{RetryAfter: decision.RetryAfter, MaxAttempts: 3, Backoff: "exponential"})
		}
	}

	processed, err := c.Process(rawQuery)
	if err != nil {
		return nil, err
	}

	if c.cfg.Timeouts.Query > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeouts.Query)
		defer cancel()
	}

	c.mu.Lock()
	a := c.adapter
	p := c.pool
	conn := c.conn
	c.mu.Unlock()

	if a == nil {
		return nil, errors.New(errors.CategoryConnection, "NOT_CONNECTED", "connector is not connected")
	}

	if p != nil {
		var results []models.RawResult
		err := p.ExecuteWithRetry(ctx, func(ctx context.Context, conn *models.Connection) error {
			var qerr error
			results, qerr = a.Query(ctx, conn, processed, opts)
			return qerr
		})
		c.publishPoolStats(p)
		return results, err
	}

	if conn == nil {
		return nil, errors.New(errors.CategoryConnection, "NOT_CONNECTED", "connector is not connected")
	}
	return a.Query(ctx, conn, processed, opts)
}

// ExecuteQuery is the one-shot convenience: it connects when needed,
// runs the query, and leaves the connection open for reuse.
func (c *Connector) ExecuteQuery(ctx context.Context, rawQuery string, opts adapter.QueryOptions) ([]models.RawResult, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c.Query(ctx, rawQuery, opts)
}

// Process turns raw user text into a ProcessedQuery: it normalizes
// whitespace, tokenizes, and attaches the security verdict. Insecure
// text fails here and never reaches an adapter.
func (c *Connector) Process(rawQuery string) (*models.ProcessedQuery, error) {
	normalized := strings.Join(strings.Fields(rawQuery), " ")

	verdict := c.validator.ValidateQueryText(normalized)
	info := &models.SecurityInfo{
		IsSecure:  verdict.IsValid,
		RiskLevel: string(verdict.RiskLevel),
		Warnings:  verdict.Errors,
	}

	if !verdict.IsValid {
		metrics.SecurityRejections.WithLabelValues("query_text").Inc()
		c.logger.Warn("query rejected by security validation",
			zap.Strings("violations", verdict.Errors))
		return nil, errors.New(errors.CategorySecurity, "QUERY_REJECTED",
			"query failed security validation: "+strings.Join(verdict.Errors, "; "))
	}

	return &models.ProcessedQuery{
		Original:     rawQuery,
		Normalized:   normalized,
		IsValid:      true,
		Tokens:       strings.Fields(normalized),
		SecurityInfo: info,
	}, nil
}

// TestConnection verifies the source end to end and reports latency and
// adapter capabilities. It always cleans up after itself.
func (c *Connector) TestConnection(ctx context.Context) *models.TestResult {
	start := time.Now()

	c.mu.Lock()
	err := c.ensureAdapterLocked()
	a := c.adapter
	c.mu.Unlock()
	if err != nil {
		return &models.TestResult{Success: false, Latency: time.Since(start), Error: err.Error()}
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return &models.TestResult{Success: false, Latency: time.Since(start), Error: err.Error()}
	}
	defer func() { _ = a.Disconnect(ctx, conn) }()

	if err := a.HealthCheck(ctx, conn); err != nil {
		return &models.TestResult{Success: false, Latency: time.Since(start), Error: err.Error()}
	}

	caps := a.Capabilities()
	return &models.TestResult{
		Success:      true,
		Latency:      time.Since(start),
		Capabilities: &caps,
	}
}

// Disconnect tears down the connection or the whole pool.
func (c *Connector) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pool != nil {
		c.pool.Close(ctx)
		c.pool = nil
		c.publishPoolStats(nil)
		return nil
	}
	if c.conn == nil || c.adapter == nil {
		return nil
	}
	err := c.adapter.Disconnect(ctx, c.conn)
	c.conn = nil
	return err
}

// Metrics returns the recent operation history, oldest first.
func (c *Connector) Metrics() []models.ConnectionMetrics {
	return c.window.Snapshot()
}

// PoolStats reports pool occupancy; the second value is false when
// pooling is disabled.
func (c *Connector) PoolStats() (pool.Stats, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pool == nil {
		return pool.Stats{}, false
	}
	return c.pool.Stats(), true
}

// publishPoolStats mirrors pool occupancy into the prometheus gauge. A
// nil pool zeroes it.
func (c *Connector) publishPoolStats(p *pool.Pool[*models.Connection]) {
	sourceType := string(c.cfg.Type)
	if p == nil {
		metrics.PoolConnections.WithLabelValues(sourceType, "active").Set(0)
		metrics.PoolConnections.WithLabelValues(sourceType, "idle").Set(0)
		return
	}
	s := p.Stats()
	metrics.PoolConnections.WithLabelValues(sourceType, "active").Set(float64(s.Active))
	metrics.PoolConnections.WithLabelValues(sourceType, "idle").Set(float64(s.Idle))
}

// dial opens one adapter connection with the connect timeout applied.
func (c *Connector) dial(ctx context.Context) (*models.Connection, error) {
	if c.cfg.Timeouts.Connect > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeouts.Connect)
		defer cancel()
	}

	ctx, span := observability.StartConnectSpan(ctx, string(c.cfg.Type), c.cfg.Name)
	start := time.Now()
	conn, err := c.adapter.Connect(ctx, c.cfg)
	observability.EndSpan(span, err)

	metrics.ObserveConnect(string(c.cfg.Type), err)
	c.window.Record(models.ConnectionMetrics{
		AdapterType:    string(c.cfg.Type),
		Operation:      "connect",
		ConnectionTime: time.Since(start),
		TotalTime:      time.Since(start),
		Success:        err == nil,
		Timestamp:      start,
	})
	return conn, err
}

// ensureAdapterLocked lazily creates the adapter. Caller holds c.mu.
func (c *Connector) ensureAdapterLocked() error {
	if c.adapter != nil {
		return nil
	}
	a, err := c.registry.Create(c.cfg.Type, c.logger)
	if err != nil {
		return err
	}
	c.adapter = a
	return nil
}

// connFactory adapts the connector's adapter to the pool contract.
type connFactory struct {
	connector *Connector
}

func (f *connFactory) Create(ctx context.Context) (*models.Connection, error) {
	return f.connector.dial(ctx)
}

func (f *connFactory) Validate(ctx context.Context, conn *models.Connection) bool {
	c := f.connector
	c.mu.Lock()
	a := c.adapter
	c.mu.Unlock()
	if a == nil {
		return false
	}
	return a.HealthCheck(ctx, conn) == nil
}

func (f *connFactory) Destroy(ctx context.Context, conn *models.Connection) error {
	c := f.connector
	c.mu.Lock()
	a := c.adapter
	c.mu.Unlock()
	if a == nil {
		return nil
	}
	return a.Disconnect(ctx, conn)
}
