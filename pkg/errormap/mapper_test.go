package errormap

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datalinkhq/datalink/pkg/errors"
)

func TestMapClassifiesByMessage(t *testing.T) {
	m := NewMapper(nil)

	cases := []struct {
		raw      string
		category errors.Category
		retry    bool
	}{
		{"dial tcp 10.0.0.1:5432: connection refused", errors.CategoryConnection, true},
		{"read tcp: connection reset by peer", errors.CategoryConnection, true},
		{"context deadline exceeded", errors.CategoryTimeout, true},
		{"401 Unauthorized", errors.CategoryAuthentication, false},
		{"permission denied for table users", errors.CategoryAuthorization, false},
		{"429 Too Many Requests", errors.CategoryRateLimit, true},
		{"syntax error at or near SELECT", errors.CategoryValidation, false},
		{"invalid character '<' looking for beginning of value", errors.CategoryData, false},
		{"tls: handshake failure", errors.CategoryNetwork, true},
	}

	for _, tc := range cases {
		mapped := m.Map(fmt.Errorf("%s", tc.raw))
		require.NotNil(t, mapped, "raw %q", tc.raw)
		assert.Equal(t, tc.category, mapped.Category, "raw %q", tc.raw)
		assert.Equal(t, tc.retry, mapped.Recoverable, "raw %q", tc.raw)
	}
}

func TestMapUnknownFallback(t *testing.T) {
	m := NewMapper(nil)

	mapped := m.Map(fmt.Errorf("something nobody anticipated"))
	require.NotNil(t, mapped)
	assert.Equal(t, errors.CategoryUnknown, mapped.Category)
	assert.Equal(t, "ERR_UNCLASSIFIED", mapped.Code)
	assert.False(t, mapped.Recoverable, "unknown errors must not be retried")
	assert.Contains(t, mapped.Error(), "something nobody anticipated")
}

func TestMapPassesThroughStructuredErrors(t *testing.T) {
	m := NewMapper(nil)

	original := errors.New(errors.CategorySecurity, "QUERY_REJECTED", "rejected")
	mapped := m.Map(original)
	assert.Same(t, original, mapped)
}

func TestMapNilIsNil(t *testing.T) {
	m := NewMapper(nil)
	assert.Nil(t, m.Map(nil))
}

func TestRulesAreDeterministicAcrossRegistrationOrder(t *testing.T) {
	// Two rules at the same priority match the same error; the one
	// registered first must win regardless of what else was added.
	build := func(names ...string) *Mapper {
		m := NewMapper(nil)
		for _, name := range names {
			n := name
			m.AddRule(Rule{
				Name:     n,
				Priority: 500,
				Matches:  func(err error) bool { return true },
				Transform: func(err error) *errors.Error {
					return errors.New(errors.CategoryData, n, "matched")
				},
			})
		}
		return m
	}

	first := build("alpha", "beta").Map(fmt.Errorf("x"))
	assert.Equal(t, "alpha", first.Code)

	again := build("alpha", "beta").Map(fmt.Errorf("x"))
	assert.Equal(t, first.Code, again.Code, "same input must classify identically")
}

func TestHigherPriorityWins(t *testing.T) {
	m := NewMapper(nil)
	m.AddRule(Rule{
		Name:     "override",
		Priority: 1000,
		Matches:  func(err error) bool { return true },
		Transform: func(err error) *errors.Error {
			return errors.New(errors.CategoryData, "OVERRIDE", "custom rule")
		},
	})

	mapped := m.Map(fmt.Errorf("connection refused"))
	assert.Equal(t, "OVERRIDE", mapped.Code, "priority 1000 outranks the builtins")
}

func TestMoreSpecificBuiltinOutranksGenericNetwork(t *testing.T) {
	m := NewMapper(nil)

	// "tls" alone is network, but an auth message containing "tls" in
	// passing still classifies as authentication.
	mapped := m.Map(fmt.Errorf("tls channel ok but authentication failed for user"))
	assert.Equal(t, errors.CategoryAuthentication, mapped.Category)
}

func TestRecoverSalvagesPartialResults(t *testing.T) {
	m := NewMapper(nil)

	rows := []map[string]interface{}{{"id": 1}, {"id": 2}}
	err := errors.New(errors.CategoryTimeout, "ERR_TIMEOUT", "timed out").
		WithPartialResults(rows)

	got, ok := m.Recover(err)
	require.True(t, ok)
	assert.Equal(t, rows, got)
}

func TestRecoverRefusesSecurityPartials(t *testing.T) {
	m := NewMapper(nil)

	err := errors.New(errors.CategorySecurity, "QUERY_REJECTED", "rejected").
		WithPartialResults([]map[string]interface{}{{"id": 1}})

	_, ok := m.Recover(err)
	assert.False(t, ok, "security failures never release data")
}

func TestRegisterRecoveryDispatchesCustomStrategy(t *testing.T) {
	m := NewMapper(nil)

	// Connection errors have no default strategy; a registered one can
	// synthesize rows from the error itself.
	m.RegisterRecovery(errors.CategoryConnection, func(err *errors.Error) ([]map[string]interface{}, bool) {
		return []map[string]interface{}{{"source": err.Code}}, true
	})

	got, ok := m.Recover(errors.New(errors.CategoryConnection, "CONN_LOST", "gone"))
	require.True(t, ok)
	require.Len(t, got, 1)
	assert.Equal(t, "CONN_LOST", got[0]["source"])
}

func TestRegisterRecoveryReplacesAndRemovesDefaults(t *testing.T) {
	m := NewMapper(nil)

	rows := []map[string]interface{}{{"id": 1}}
	timedOut := errors.New(errors.CategoryTimeout, "ERR_TIMEOUT", "timed out").
		WithPartialResults(rows)

	m.RegisterRecovery(errors.CategoryTimeout, func(*errors.Error) ([]map[string]interface{}, bool) {
		return nil, false
	})
	_, ok := m.Recover(timedOut)
	assert.False(t, ok, "replacement strategy decides, not the attached rows")

	m.RegisterRecovery(errors.CategoryTimeout, nil)
	_, ok = m.Recover(timedOut)
	assert.False(t, ok, "unregistered category never releases data")
}

func TestRecoverWithoutPartials(t *testing.T) {
	m := NewMapper(nil)

	_, ok := m.Recover(errors.New(errors.CategoryTimeout, "ERR_TIMEOUT", "timed out"))
	assert.False(t, ok)
	_, ok = m.Recover(nil)
	assert.False(t, ok)
}
