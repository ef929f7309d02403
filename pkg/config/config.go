// Package config defines the unified data-source configuration for
// datalink. A DataSourceConfig is a tagged union: the Type field selects
// which nested section must be present, and validation fails fast,
// before any connection attempt, when the shape does not match.
package config

import (
	"net/url"
	"strings"
	"time"

	"github.com/datalinkhq/datalink/pkg/errors"
)

// SourceType tags a DataSourceConfig with its adapter kind.
type SourceType string

const (
	SourceMemory SourceType = "memory"
	SourceSQL    SourceType = "sql"
	SourceAPI    SourceType = "api"
)

// DataSourceConfig is the single configuration structure consumers supply.
// Exactly one of Memory, SQL, API must be set, matching Type.
type DataSourceConfig struct {
	// Name identifies the data source instance
	Name string `yaml:"name" json:"name"`
	// Type selects the adapter ("memory", "sql", "api")
	Type SourceType `yaml:"type" json:"type"`
	// UsePool routes connections through the shared pool
	UsePool bool `yaml:"use_pool" json:"use_pool"`

	Memory *MemoryConfig `yaml:"memory,omitempty" json:"memory,omitempty"`
	SQL    *SQLConfig    `yaml:"sql,omitempty" json:"sql,omitempty"`
	API    *APIConfig    `yaml:"api,omitempty" json:"api,omitempty"`

	// Timeouts define operation deadlines
	Timeouts TimeoutConfig `yaml:"timeouts" json:"timeouts"`
	// Reliability settings for retry and rate limiting
	Reliability ReliabilityConfig `yaml:"reliability" json:"reliability"`
}

// MemoryConfig configures the in-process collection adapter.
type MemoryConfig struct {
	// Data is the searchable collection
	Data []map[string]interface{} `yaml:"data" json:"data"`
	// SearchFields lists the fields matched against the query
	SearchFields []string `yaml:"search_fields" json:"search_fields"`
	// CaseSensitive disables the default case folding
	CaseSensitive bool `yaml:"case_sensitive" json:"case_sensitive"`
	// MaxResults caps the result list (0 = unlimited)
	MaxResults int `yaml:"max_results" json:"max_results"`
}

// SQLConfig configures the SQL adapter. The connection string is never
// dialled by this module; it is validated, redacted in logs, and passed
// to the external executor capability.
type SQLConfig struct {
	DatabaseType     string `yaml:"database_type" json:"database_type"` // "postgresql", "mysql", "sqlite"
	DatabaseVersion  string `yaml:"database_version" json:"database_version"`
	ConnectionString string `yaml:"connection_string" json:"connection_string"`

	Table         string   `yaml:"table" json:"table"`
	SearchColumns []string `yaml:"search_columns" json:"search_columns"`
	SelectColumns []string `yaml:"select_columns,omitempty" json:"select_columns,omitempty"`
	WhereClauses  []string `yaml:"where_clauses,omitempty" json:"where_clauses,omitempty"`
	GroupBy       []string `yaml:"group_by,omitempty" json:"group_by,omitempty"`

	Joins   []JoinConfig    `yaml:"joins,omitempty" json:"joins,omitempty"`
	OrderBy []OrderByConfig `yaml:"order_by,omitempty" json:"order_by,omitempty"`

	PageSize int `yaml:"page_size" json:"page_size"`
}

// JoinConfig describes one JOIN in the generated query.
type JoinConfig struct {
	Type      string `yaml:"type" json:"type"` // INNER, LEFT, RIGHT, FULL
	Table     string `yaml:"table" json:"table"`
	Condition string `yaml:"condition" json:"condition"`
}

// OrderByConfig describes one ORDER BY term.
type OrderByConfig struct {
	Column    string `yaml:"column" json:"column"`
	Direction string `yaml:"direction" json:"direction"` // ASC, DESC
}

// APIConfig configures the HTTP/GraphQL adapter.
type APIConfig struct {
	BaseURL    string            `yaml:"base_url" json:"base_url"`
	Endpoint   string            `yaml:"endpoint" json:"endpoint"`
	Method     string            `yaml:"method" json:"method"`
	Headers    map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	QueryParam string            `yaml:"query_param" json:"query_param"`

	// GraphQL, when set, posts the query text as a GraphQL variable
	GraphQL *GraphQLConfig `yaml:"graphql,omitempty" json:"graphql,omitempty"`

	Auth      *AuthConfig      `yaml:"auth,omitempty" json:"auth,omitempty"`
	CORS      CORSConfig       `yaml:"cors" json:"cors"`
	RateLimit *RateLimitConfig `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
	Cache     CacheConfig      `yaml:"cache" json:"cache"`

	// ResultsField selects the array field of the response holding results
	ResultsField string `yaml:"results_field" json:"results_field"`
}

// GraphQLConfig carries the GraphQL document and variable binding.
type GraphQLConfig struct {
	Query         string `yaml:"query" json:"query"`
	QueryVariable string `yaml:"query_variable" json:"query_variable"`
}

// AuthConfig selects the authentication scheme for API calls.
type AuthConfig struct {
	Type   string        `yaml:"type" json:"type"` // "none", "bearer", "api_key", "oauth2"
	Token  string        `yaml:"token,omitempty" json:"token,omitempty"`
	Header string        `yaml:"header,omitempty" json:"header,omitempty"`
	OAuth2 *OAuth2Config `yaml:"oauth2,omitempty" json:"oauth2,omitempty"`
}

// OAuth2Config configures client-credentials token acquisition.
type OAuth2Config struct {
	TokenURL     string   `yaml:"token_url" json:"token_url"`
	ClientID     string   `yaml:"client_id" json:"client_id"`
	ClientSecret string   `yaml:"client_secret" json:"client_secret"`
	Scopes       []string `yaml:"scopes,omitempty" json:"scopes,omitempty"`
}

// CORSConfig controls the cross-origin execution strategy.
type CORSConfig struct {
	Enabled       bool   `yaml:"enabled" json:"enabled"`
	Origin        string `yaml:"origin" json:"origin"`
	JSONPFallback bool   `yaml:"jsonp_fallback" json:"jsonp_fallback"`
	CallbackParam string `yaml:"callback_param" json:"callback_param"`
	ProxyURL      string `yaml:"proxy_url,omitempty" json:"proxy_url,omitempty"`
	AutoFallback  bool   `yaml:"auto_fallback" json:"auto_fallback"`
}

// RateLimitConfig configures per-endpoint admission control.
type RateLimitConfig struct {
	Strategy       string        `yaml:"strategy" json:"strategy"` // "sliding_window", "token_bucket"
	MaxRequests    int           `yaml:"max_requests" json:"max_requests"`
	Window         time.Duration `yaml:"window" json:"window"`
	BurstAllowance int           `yaml:"burst_allowance" json:"burst_allowance"`
	QueueSize      int           `yaml:"queue_size" json:"queue_size"`
	RefillRate     float64       `yaml:"refill_rate" json:"refill_rate"`
	Capacity       int           `yaml:"capacity" json:"capacity"`
}

// CacheConfig bounds the API response cache.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled" json:"enabled"`
	TTL        time.Duration `yaml:"ttl" json:"ttl"`
	MaxEntries int           `yaml:"max_entries" json:"max_entries"`
}

// TimeoutConfig contains operation deadlines.
type TimeoutConfig struct {
	Connect time.Duration `yaml:"connect" json:"connect"`
	Query   time.Duration `yaml:"query" json:"query"`
	Request time.Duration `yaml:"request" json:"request"`
}

// ReliabilityConfig contains retry and pooling settings.
type ReliabilityConfig struct {
	RetryAttempts   int           `yaml:"retry_attempts" json:"retry_attempts"`
	RetryDelay      time.Duration `yaml:"retry_delay" json:"retry_delay"`
	MaxRetryDelay   time.Duration `yaml:"max_retry_delay" json:"max_retry_delay"`
	MaxConnections  int           `yaml:"max_connections" json:"max_connections"`
	AcquireTimeout  time.Duration `yaml:"acquire_timeout" json:"acquire_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	RateLimitPerSec int           `yaml:"rate_limit_per_sec" json:"rate_limit_per_sec"`
}

// ApplyDefaults fills zero values with sensible defaults.
func (c *DataSourceConfig) ApplyDefaults() {
	if c.Timeouts.Connect == 0 {
		c.Timeouts.Connect = 10 * time.Second
	}
	if c.Timeouts.Query == 0 {
		c.Timeouts.Query = 30 * time.Second
	}
	if c.Timeouts.Request == 0 {
		c.Timeouts.Request = 30 * time.Second
	}
	if c.Reliability.RetryAttempts == 0 {
		c.Reliability.RetryAttempts = 3
	}
	if c.Reliability.RetryDelay == 0 {
		c.Reliability.RetryDelay = 500 * time.Millisecond
	}
	if c.Reliability.MaxRetryDelay == 0 {
		c.Reliability.MaxRetryDelay = 30 * time.Second
	}
	if c.Reliability.MaxConnections == 0 {
		c.Reliability.MaxConnections = 10
	}
	if c.Reliability.AcquireTimeout == 0 {
		c.Reliability.AcquireTimeout = 5 * time.Second
	}
	if c.Reliability.IdleTimeout == 0 {
		c.Reliability.IdleTimeout = 5 * time.Minute
	}
	if c.SQL != nil && c.SQL.PageSize == 0 {
		c.SQL.PageSize = 50
	}
	if c.API != nil {
		if c.API.Method == "" {
			c.API.Method = "GET"
		}
		if c.API.QueryParam == "" {
			c.API.QueryParam = "q"
		}
		if c.API.CORS.CallbackParam == "" {
			c.API.CORS.CallbackParam = "callback"
		}
		if c.API.Cache.TTL == 0 {
			c.API.Cache.TTL = time.Minute
		}
		if c.API.Cache.MaxEntries == 0 {
			c.API.Cache.MaxEntries = 256
		}
	}
}

// Validate checks structural correctness. It never performs I/O: every
// failure here is a configuration error raised before any connection.
func (c *DataSourceConfig) Validate() error {
	if c.Name == "" {
		return errors.New(errors.CategoryConfiguration, "CFG_NAME_MISSING", "data source name is required")
	}

	switch c.Type {
	case SourceMemory:
		if c.Memory == nil {
			return errors.New(errors.CategoryConfiguration, "CFG_SECTION_MISSING", "memory section is required for type memory")
		}
		if c.SQL != nil || c.API != nil {
			return errors.New(errors.CategoryConfiguration, "CFG_SECTION_MISMATCH", "memory config must not carry sql or api sections")
		}
		return c.Memory.validate()
	case SourceSQL:
		if c.SQL == nil {
			return errors.New(errors.CategoryConfiguration, "CFG_SECTION_MISSING", "sql section is required for type sql")
		}
		if c.Memory != nil || c.API != nil {
			return errors.New(errors.CategoryConfiguration, "CFG_SECTION_MISMATCH", "sql config must not carry memory or api sections")
		}
		return c.SQL.validate()
	case SourceAPI:
		if c.API == nil {
			return errors.New(errors.CategoryConfiguration, "CFG_SECTION_MISSING", "api section is required for type api")
		}
		if c.Memory != nil || c.SQL != nil {
			return errors.New(errors.CategoryConfiguration, "CFG_SECTION_MISMATCH", "api config must not carry memory or sql sections")
		}
		return c.API.validate()
	case "":
		return errors.New(errors.CategoryConfiguration, "CFG_TYPE_MISSING", "data source type is required")
	default:
		return errors.Newf(errors.CategoryConfiguration, "CFG_TYPE_UNKNOWN", "unknown data source type %q", c.Type)
	}
}

func (m *MemoryConfig) validate() error {
	if len(m.SearchFields) == 0 {
		return errors.New(errors.CategoryConfiguration, "CFG_SEARCH_FIELDS_EMPTY", "memory source needs at least one search field")
	}
	return nil
}

func (s *SQLConfig) validate() error {
	if s.DatabaseType == "" {
		return errors.New(errors.CategoryConfiguration, "CFG_DB_TYPE_MISSING", "database_type is required")
	}
	if s.Table == "" {
		return errors.New(errors.CategoryConfiguration, "CFG_TABLE_MISSING", "table is required")
	}
	if len(s.SearchColumns) == 0 {
		return errors.New(errors.CategoryConfiguration, "CFG_SEARCH_COLUMNS_EMPTY", "at least one search column is required")
	}
	for _, j := range s.Joins {
		switch strings.ToUpper(j.Type) {
		case "INNER", "LEFT", "RIGHT", "FULL":
		default:
			return errors.Newf(errors.CategoryConfiguration, "CFG_JOIN_TYPE_INVALID", "invalid join type %q", j.Type)
		}
	}
	for _, o := range s.OrderBy {
		switch strings.ToUpper(o.Direction) {
		case "ASC", "DESC", "":
		default:
			return errors.Newf(errors.CategoryConfiguration, "CFG_ORDER_DIRECTION_INVALID", "invalid order direction %q", o.Direction)
		}
	}
	return nil
}

func (a *APIConfig) validate() error {
	if a.BaseURL == "" {
		return errors.New(errors.CategoryConfiguration, "CFG_BASE_URL_MISSING", "base_url is required")
	}
	u, err := url.Parse(a.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.Newf(errors.CategoryConfiguration, "CFG_BASE_URL_INVALID", "base_url %q is not an absolute URL", a.BaseURL)
	}
	switch strings.ToUpper(a.Method) {
	case "", "GET", "POST", "PUT", "DELETE", "HEAD":
	default:
		return errors.Newf(errors.CategoryConfiguration, "CFG_METHOD_INVALID", "unsupported HTTP method %q", a.Method)
	}
	if a.Auth != nil && a.Auth.Type == "oauth2" && a.Auth.OAuth2 == nil {
		return errors.New(errors.CategoryConfiguration, "CFG_OAUTH2_MISSING", "oauth2 auth selected but oauth2 section absent")
	}
	if a.GraphQL != nil {
		if a.GraphQL.Query == "" || a.GraphQL.QueryVariable == "" {
			return errors.New(errors.CategoryConfiguration, "CFG_GRAPHQL_INCOMPLETE", "graphql section needs query and query_variable")
		}
	}
	return nil
}
