package adapter

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/datalinkhq/datalink/pkg/config"
	"github.com/datalinkhq/datalink/pkg/errormap"
	"github.com/datalinkhq/datalink/pkg/errors"
	"github.com/datalinkhq/datalink/pkg/httpx"
	"github.com/datalinkhq/datalink/pkg/metrics"
	"github.com/datalinkhq/datalink/pkg/models"
	"github.com/datalinkhq/datalink/pkg/ratelimit"
)

// apiSource is the per-connection state of an API data source.
type apiSource struct {
	cfg     config.APIConfig
	cors    *httpx.CORSHandler
	auth    httpx.Authenticator
	limiter ratelimit.Limiter
	backoff *ratelimit.BackoffController
	cache   *expirable.LRU[string, []models.RawResult]
}

// APIAdapter queries HTTP and GraphQL endpoints. Each connection gets
// its own CORS negotiation state, rate limiter, and response cache.
type APIAdapter struct {
	logger *zap.Logger
	client *httpx.Client
	mapper *errormap.Mapper

	sources map[string]*apiSource
	mu      sync.RWMutex
}

// NewAPIAdapter creates the HTTP/GraphQL adapter. A nil client gets the
// default executor.
func NewAPIAdapter(client *httpx.Client, logger *zap.Logger) *APIAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if client == nil {
		client = httpx.NewClient(httpx.DefaultClientConfig(), logger)
	}
	return &APIAdapter{
		logger:  logger.With(zap.String("adapter", "api")),
		client:  client,
		mapper:  errormap.NewMapper(logger),
		sources: make(map[string]*apiSource),
	}
}

func (a *APIAdapter) Type() config.SourceType { return config.SourceAPI }

func (a *APIAdapter) ValidateConfig(cfg *config.DataSourceConfig) error {
	if cfg.Type != config.SourceAPI || cfg.API == nil {
		return errors.New(errors.CategoryConfiguration, "CFG_SECTION_MISSING", "api section is required")
	}
	return cfg.Validate()
}

// Connect assembles the per-endpoint execution stack. No request is
// issued; first contact happens on HealthCheck or Query.
func (a *APIAdapter) Connect(_ context.Context, cfg *config.DataSourceConfig) (*models.Connection, error) {
	if err := a.ValidateConfig(cfg); err != nil {
		return nil, err
	}

	auth, err := httpx.NewAuthenticator(cfg.API.Auth)
	if err != nil {
		return nil, err
	}

	src := &apiSource{
		cfg:     *cfg.API,
		cors:    httpx.NewCORSHandler(cfg.API.CORS, a.client, a.logger),
		auth:    auth,
		backoff: ratelimit.NewBackoffController(ratelimit.BackoffExponential, 0, 0),
	}

	if rl := cfg.API.RateLimit; rl != nil {
		src.limiter = buildLimiter(rl, a.logger)
	}
	if cfg.API.Cache.Enabled {
		src.cache = expirable.NewLRU[string, []models.RawResult](cfg.API.Cache.MaxEntries, nil, cfg.API.Cache.TTL)
	}

	conn := newConnection(config.SourceAPI, map[string]interface{}{
		"source_name": cfg.Name,
		"base_url":    cfg.API.BaseURL,
	})

	a.mu.Lock()
	a.sources[conn.ID] = src
	a.mu.Unlock()

	a.logger.Info("api source connected",
		zap.String("connection_id", conn.ID),
		zap.String("base_url", cfg.API.BaseURL))
	return conn, nil
}

// Query executes the processed query against the endpoint, honoring the
// per-endpoint rate limit and serving repeated queries from the cache.
func (a *APIAdapter) Query(ctx context.Context, conn *models.Connection, query *models.ProcessedQuery, opts QueryOptions) ([]models.RawResult, error) {
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

	cacheKey := fmt.Sprintf("%s|%d|%d", query.Normalized, opts.Limit, opts.Offset)
	if src.cache != nil {
		if cached, ok := src.cache.Get(cacheKey); ok {
			metrics.CacheOps.WithLabelValues("hit").Inc()
			return cached, nil
		}
		metrics.CacheOps.WithLabelValues("miss").Inc()
	}

	if src.limiter != nil {
		decision := src.limiter.Check(conn.ID, query.Normalized)
		if !decision.Allowed {
			metrics.RateLimitDenials.WithLabelValues("api").Inc()
			// Repeat offenders wait longer than the raw retry hint.
			penalty := src.backoff.RecordViolation()
			return nil, errors.New(errors.CategoryRateLimit, "API_RATE_LIMITED", decision.Reason).
				WithRetry(errors.RetryInfo{RetryAfter: decision.RetryAfter + penalty, MaxAttempts: 3, Backoff: "exponential"})
		}
	}

	req, err := a.buildRequest(src, query, opts)
	if err != nil {
		return nil, err
	}
	if err := src.auth.Apply(ctx, req); err != nil {
		return nil, err
	}

	resp, mode, err := src.cors.Execute(ctx, req)
	if err != nil {
		mapped := a.mapper.Map(err)
		if mapped.Category == errors.CategoryRateLimit {
			penalty := src.backoff.RecordViolation()
			if mapped.RetryInfo != nil {
				mapped.RetryInfo.RetryAfter += penalty
			} else {
				mapped = mapped.WithRetry(errors.RetryInfo{RetryAfter: penalty, MaxAttempts: 3, Backoff: "exponential"})
			}
		}
		// An error response can still carry a decodable result payload;
		// attach it so a recovery strategy may release it.
		if len(mapped.PartialResults) == 0 && resp != nil && len(resp.Body) > 0 {
			if salvaged, decodeErr := a.decodeResults(resp, src.cfg.ResultsField); decodeErr == nil && len(salvaged) > 0 {
				mapped = mapped.WithPartialResults(resultRows(salvaged))
			}
		}
		if partial, ok := a.mapper.Recover(mapped); ok {
			return rowsToResults(partial), nil
		}
		return nil, mapped
	}

	results, err := a.decodeResults(resp, src.cfg.ResultsField)
	if err != nil {
		return nil, err
	}
	results = paginate(results, opts)

	a.logger.Debug("api query completed",
		zap.String("connection_id", conn.ID),
		zap.String("mode", string(mode)),
		zap.Int("results", len(results)))

	if src.cache != nil {
		src.cache.Add(cacheKey, results)
	}
	return results, nil
}

func (a *APIAdapter) Disconnect(_ context.Context, conn *models.Connection) error {
	if conn == nil {
		return nil
	}
	a.mu.Lock()
	delete(a.sources, conn.ID)
	a.mu.Unlock()
	conn.Status = models.ConnectionDisconnected
	return nil
}

// HealthCheck issues a lightweight request against the base URL.
func (a *APIAdapter) HealthCheck(ctx context.Context, conn *models.Connection) error {
	if conn == nil || !conn.IsUsable() {
		return errors.New(errors.CategoryConnection, "CONN_NOT_USABLE", "connection is not established")
	}

	a.mu.RLock()
	src := a.sources[conn.ID]
	a.mu.RUnlock()
	if src == nil {
		return errors.New(errors.CategoryConnection, "CONN_UNKNOWN", "connection is not registered with this adapter")
	}

	req := &httpx.Request{Method: http.MethodHead, URL: src.cfg.BaseURL}
	if err := src.auth.Apply(ctx, req); err != nil {
		return err
	}
	_, err := a.client.Do(ctx, req)
	if err != nil {
		// Many APIs reject HEAD outright; any HTTP-level answer proves
		// the endpoint is reachable.
		var structured *errors.Error
		if errors.As(err, &structured) && structured.Category == errors.CategoryData {
			return nil
		}
		return a.mapper.Map(err)
	}
	return nil
}

func (a *APIAdapter) Capabilities() models.Capabilities {
	return models.Capabilities{
		Pagination: true,
		Caching:    true,
		Streaming:  false,
	}
}

// buildRequest translates the processed query into an HTTP request,
// either a GraphQL POST or a plain query-parameter call.
func (a *APIAdapter) buildRequest(src *apiSource, query *models.ProcessedQuery, opts QueryOptions) (*httpx.Request, error) {
	endpoint, err := url.JoinPath(src.cfg.BaseURL, src.cfg.Endpoint)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryConfiguration, "CFG_ENDPOINT_INVALID", "cannot join base URL and endpoint")
	}

	headers := make(map[string]string, len(src.cfg.Headers))
	for k, v := range src.cfg.Headers {
		headers[k] = v
	}

	if gql := src.cfg.GraphQL; gql != nil {
		return &httpx.Request{
			Method:  http.MethodPost,
			URL:     endpoint,
			Headers: headers,
			Body: map[string]interface{}{
				"query": gql.Query,
				"variables": map[string]interface{}{
					gql.QueryVariable: query.Normalized,
				},
			},
		}, nil
	}

	q := url.Values{}
	q.Set(src.cfg.QueryParam, query.Normalized)
	if opts.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", fmt.Sprintf("%d", opts.Offset))
	}

	return &httpx.Request{
		Method:  src.cfg.Method,
		URL:     endpoint,
		Headers: headers,
		Query:   q,
	}, nil
}

// decodeResults extracts the configured results field from the response
// body. An empty field means the body itself is the result array.
func (a *APIAdapter) decodeResults(resp *httpx.Response, field string) ([]models.RawResult, error) {
	var payload interface{}
	if err := resp.DecodeJSON(&payload); err != nil {
		return nil, err
	}

	if field != "" {
		for _, part := range strings.Split(field, ".") {
			obj, ok := payload.(map[string]interface{})
			if !ok {
				return nil, errors.Newf(errors.CategoryData, "API_RESULTS_FIELD_MISSING",
					"results field %q not found in response", field)
			}
			payload = obj[part]
		}
	}

	items, ok := payload.([]interface{})
	if !ok {
		if payload == nil {
			return []models.RawResult{}, nil
		}
		return nil, errors.New(errors.CategoryData, "API_RESULTS_NOT_ARRAY", "results field is not an array")
	}

	results := make([]models.RawResult, 0, len(items))
	for i, item := range items {
		row, ok := item.(map[string]interface{})
		if !ok {
			row = map[string]interface{}{"value": item}
		}
		results = append(results, models.RawResult{
			ID:    recordID(row, i),
			Data:  row,
			Score: 1,
		})
	}
	return results, nil
}

// buildLimiter maps the rate-limit config onto a limiter strategy.
func buildLimiter(cfg *config.RateLimitConfig, logger *zap.Logger) ratelimit.Limiter {
	switch cfg.Strategy {
	case "token_bucket":
		capacity := cfg.Capacity
		if capacity <= 0 {
			capacity = cfg.MaxRequests
		}
		refill := cfg.RefillRate
		if refill <= 0 && cfg.Window > 0 {
			refill = float64(cfg.MaxRequests) / cfg.Window.Seconds()
		}
		return ratelimit.NewTokenBucketLimiter(ratelimit.TokenBucketConfig{
			Capacity:   capacity,
			RefillRate: refill,
			QueueSize:  cfg.QueueSize,
		}, logger)
	default:
		window := cfg.Window
		if window <= 0 {
			window = time.Minute
		}
		return ratelimit.NewSlidingWindowLimiter(ratelimit.SlidingWindowConfig{
			MaxRequests:    cfg.MaxRequests,
			Window:         window,
			BurstAllowance: cfg.BurstAllowance,
		}, nil, logger)
	}
}

// resultRows unwraps decoded results back to their data maps.
func resultRows(results []models.RawResult) []map[string]interface{} {
	rows := make([]map[string]interface{}, 0, len(results))
	for _, r := range results {
		rows = append(rows, r.Data)
	}
	return rows
}

// rowsToResults wraps salvaged partial rows as results.
func rowsToResults(rows []map[string]interface{}) []models.RawResult {
	results := make([]models.RawResult, 0, len(rows))
	for i, row := range rows {
		results = append(results, models.RawResult{
			ID:       recordID(row, i),
			Data:     row,
			Score:    1,
			Metadata: map[string]interface{}{"partial": true},
		})
	}
	return results
}
