// Package adapter defines the data-source adapter contract and its three
// implementations: in-process collections, SQL databases, and HTTP APIs.
// Adapters only ever see processed queries; raw user text is stopped at
// the connector boundary.
package adapter

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/datalinkhq/datalink/pkg/config"
	"github.com/datalinkhq/datalink/pkg/errors"
	"github.com/datalinkhq/datalink/pkg/models"
)

// QueryOptions carries pagination for one query execution.
type QueryOptions struct {
	Limit  int
	Offset int
}

// Adapter is the uniform surface every data-source backend implements.
type Adapter interface {
	// Type returns the source type this adapter serves.
	Type() config.SourceType

	// ValidateConfig checks the configuration without performing I/O.
	ValidateConfig(cfg *config.DataSourceConfig) error

	// Connect establishes a connection described by cfg.
	Connect(ctx context.Context, cfg *config.DataSourceConfig) (*models.Connection, error)

	// Query runs a processed query over an established connection.
	Query(ctx context.Context, conn *models.Connection, query *models.ProcessedQuery, opts QueryOptions) ([]models.RawResult, error)

	// Disconnect tears the connection down. Idempotent.
	Disconnect(ctx context.Context, conn *models.Connection) error

	// HealthCheck verifies the connection still works.
	HealthCheck(ctx context.Context, conn *models.Connection) error

	// Capabilities reports what this adapter supports.
	Capabilities() models.Capabilities
}

// newConnection builds a connected handle for the given adapter type.
func newConnection(adapterType config.SourceType, metadata map[string]interface{}) *models.Connection {
	now := time.Now()
	return &models.Connection{
		ID:          uuid.NewString(),
		AdapterType: string(adapterType),
		Status:      models.ConnectionConnected,
		CreatedAt:   now,
		LastUsedAt:  now,
		Metadata:    metadata,
	}
}

// guardQuery enforces the shared preconditions every adapter applies
// before touching its backend.
func guardQuery(conn *models.Connection, query *models.ProcessedQuery) error {
	if conn == nil || !conn.IsUsable() {
		return errors.New(errors.CategoryConnection, "CONN_NOT_USABLE", "connection is not established")
	}
	if query == nil || !query.IsValid {
		return errors.New(errors.CategoryValidation, "QUERY_INVALID", "query failed upstream processing")
	}
	if !query.Secure() {
		return errors.New(errors.CategorySecurity, "QUERY_INSECURE", "query did not pass security validation")
	}
	return nil
}
