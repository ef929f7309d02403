package adapter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datalinkhq/datalink/pkg/config"
	"github.com/datalinkhq/datalink/pkg/errors"
	"github.com/datalinkhq/datalink/pkg/sqlgen"
)

func sqlConfig() *config.DataSourceConfig {
	cfg := &config.DataSourceConfig{
		Name: "test-sql",
		Type: config.SourceSQL,
		SQL: &config.SQLConfig{
			DatabaseType:     "postgresql",
			DatabaseVersion:  "15",
			ConnectionString: "postgres://app:secret@db:5432/main",
			Table:            "products",
			SearchColumns:    []string{"name", "description"},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func newTestSQLAdapter(rows []map[string]interface{}) *SQLAdapter {
	return NewSQLAdapter(nil, func() SQLExecutor { return NewSimulatedExecutor(rows) }, nil)
}

func TestSQLAdapterEndToEnd(t *testing.T) {
	rows := []map[string]interface{}{
		{"id": "1", "name": "widget deluxe"},
		{"id": "2", "name": "gadget"},
		{"id": "3", "description": "a widget for everyone"},
	}
	a := newTestSQLAdapter(rows)

	conn, err := a.Connect(context.Background(), sqlConfig())
	require.NoError(t, err)
	require.True(t, conn.IsUsable())

	results, err := a.Query(context.Background(), conn, secureQuery("widget"), QueryOptions{Limit: 10})
	require.NoError(t, err)

	require.Len(t, results, 2)
	assert.Equal(t, "1", results[0].ID)
	assert.Equal(t, "3", results[1].ID)
}

func TestSQLAdapterRedactsConnectionString(t *testing.T) {
	a := newTestSQLAdapter(nil)

	conn, err := a.Connect(context.Background(), sqlConfig())
	require.NoError(t, err)

	dsn, _ := conn.Metadata["connection_string"].(string)
	assert.NotContains(t, dsn, "secret")
	assert.Contains(t, dsn, "****")
}

func TestSQLAdapterRejectsBadConnectionString(t *testing.T) {
	a := newTestSQLAdapter(nil)

	cfg := sqlConfig()
	cfg.SQL.ConnectionString = "postgres://db/main'; DROP TABLE users"
	_, err := a.Connect(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategorySecurity))
}

func TestSQLAdapterRejectsBadIdentifiers(t *testing.T) {
	a := newTestSQLAdapter(nil)

	cfg := sqlConfig()
	cfg.SQL.SearchColumns = []string{"name; DROP TABLE users"}
	_, err := a.Connect(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategorySecurity))
}

func TestSQLAdapterRejectsInsecureQuery(t *testing.T) {
	a := newTestSQLAdapter(nil)
	conn, err := a.Connect(context.Background(), sqlConfig())
	require.NoError(t, err)

	insecure := secureQuery("x")
	insecure.SecurityInfo.IsSecure = false

	_, err = a.Query(context.Background(), conn, insecure, QueryOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategorySecurity))
}

func TestSQLAdapterDisconnectClosesExecutor(t *testing.T) {
	a := newTestSQLAdapter(nil)
	conn, err := a.Connect(context.Background(), sqlConfig())
	require.NoError(t, err)

	require.NoError(t, a.HealthCheck(context.Background(), conn))
	require.NoError(t, a.Disconnect(context.Background(), conn))

	_, err = a.Query(context.Background(), conn, secureQuery("x"), QueryOptions{})
	require.Error(t, err)
}

func TestSQLAdapterDefaultPageSize(t *testing.T) {
	var captured *sqlgen.ParameterizedQuery
	exec := &capturingExecutor{}
	a := NewSQLAdapter(nil, func() SQLExecutor { return exec }, nil)

	cfg := sqlConfig()
	cfg.SQL.PageSize = 25
	conn, err := a.Connect(context.Background(), cfg)
	require.NoError(t, err)

	_, err = a.Query(context.Background(), conn, secureQuery("widget"), QueryOptions{})
	require.NoError(t, err)

	captured = exec.last
	require.NotNil(t, captured)
	// Two LIKE params, then limit and offset.
	require.Len(t, captured.Parameters, 4)
	assert.Equal(t, 25, captured.Parameters[2], "page size fills in when no limit is given")
}

// capturingExecutor records the last query it was asked to run.
type capturingExecutor struct {
	last *sqlgen.ParameterizedQuery
}

func (e *capturingExecutor) Open(context.Context, string) error { return nil }
func (e *capturingExecutor) Ping(context.Context) error         { return nil }
func (e *capturingExecutor) Close(context.Context) error        { return nil }

func (e *capturingExecutor) Execute(_ context.Context, q *sqlgen.ParameterizedQuery) ([]map[string]interface{}, error) {
	e.last = q
	return nil, nil
}
