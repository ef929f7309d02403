package security

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateQueryTextAcceptsPlainSearches(t *testing.T) {
	v := NewValidator(Policy{})

	for _, q := range []string{
		"widget",
		"blue running shoes size 42",
		"O'Brien", // apostrophes alone are not an attack
		"price under 100",
	} {
		res := v.ValidateQueryText(q)
		assert.True(t, res.IsValid, "query %q should pass", q)
		assert.Equal(t, RiskLow, res.RiskLevel)
	}
}

func TestValidateQueryTextDetectsInjection(t *testing.T) {
	v := NewValidator(Policy{})

	cases := map[string]string{
		"'; DROP TABLE users; --":           "stacked statement",
		"x' UNION SELECT password FROM t":   "UNION-based",
		"admin' OR '1'='1":                  "quoted tautology",
		"1 OR 1=1":                          "always-true",
		"x; exec xp_cmdshell 'dir'":         "procedure execution",
		"1'; WAITFOR DELAY '0:0:5'--":       "time-based probe",
		"x UNION SELECT 1 INTO OUTFILE '/'": "file write",
	}
	for q := range cases {
		res := v.ValidateQueryText(q)
		assert.False(t, res.IsValid, "query %q should be rejected", q)
		assert.Equal(t, RiskHigh, res.RiskLevel, "query %q", q)
	}
}

func TestValidateQueryTextDetectsXSS(t *testing.T) {
	v := NewValidator(Policy{})

	for _, q := range []string{
		"<script>alert(1)</script>",
		"javascript:alert(document.cookie)",
		`<img src=x onerror=alert(1)>`,
		"<iframe src='http://evil'>",
	} {
		res := v.ValidateQueryText(q)
		assert.False(t, res.IsValid, "query %q should be rejected", q)
		assert.Equal(t, RiskHigh, res.RiskLevel)
	}
}

func TestValidateQueryTextLengthLimit(t *testing.T) {
	v := NewValidator(Policy{MaxQueryLength: 10, DeniedOperations: []string{"DROP"}})

	res := v.ValidateQueryText(strings.Repeat("a", 11))
	assert.False(t, res.IsValid)
	assert.Equal(t, RiskMedium, res.RiskLevel)
}

func TestValidateQueryTextCommentPolicy(t *testing.T) {
	strict := NewValidator(Policy{})
	res := strict.ValidateQueryText("widget -- note")
	assert.False(t, res.IsValid)

	lax := NewValidator(Policy{MaxQueryLength: 4096, AllowComments: true, DeniedOperations: []string{"DROP"}})
	res = lax.ValidateQueryText("widget -- note")
	assert.True(t, res.IsValid)
}

func TestValidateSQL(t *testing.T) {
	v := NewValidator(Policy{})

	res := v.ValidateSQL(`SELECT * FROM "products" WHERE LOWER("name") LIKE LOWER($1) LIMIT $2 OFFSET $3`,
		[]interface{}{"%widget%", 10, 0})
	assert.True(t, res.IsValid)

	res = v.ValidateSQL(`SELECT * FROM t; DELETE FROM t`, nil)
	assert.False(t, res.IsValid)

	res = v.ValidateSQL(`SELECT * FROM t;`, nil)
	assert.True(t, res.IsValid, "single trailing terminator is fine")

	res = v.ValidateSQL(`DROP TABLE products`, nil)
	assert.False(t, res.IsValid)

	res = v.ValidateSQL(`SELECT * FROM t WHERE name = 'widget'`, []interface{}{"widget"})
	assert.False(t, res.IsValid, "parameter inlined as literal must fail")
}

func TestValidateConnectionString(t *testing.T) {
	v := NewValidator(Policy{})

	res := v.ValidateConnectionString("postgres://app:secret@db:5432/main", "postgresql")
	assert.True(t, res.IsValid)

	res = v.ValidateConnectionString("host=db port=5432 password=secret", "postgresql")
	assert.True(t, res.IsValid, "DSN form is accepted")

	res = v.ValidateConnectionString("mysql://db/main", "postgresql")
	assert.False(t, res.IsValid, "scheme mismatch")

	res = v.ValidateConnectionString("", "postgresql")
	assert.False(t, res.IsValid)

	res = v.ValidateConnectionString("postgres://db/main'; DROP TABLE users", "postgresql")
	assert.False(t, res.IsValid)
	assert.Equal(t, RiskHigh, res.RiskLevel)
}

func TestRedactConnectionString(t *testing.T) {
	cases := map[string]string{
		"postgres://app:hunter2@db:5432/main": "postgres://app:****@db:5432/main",
		"host=db password=hunter2 port=5432":  "host=db password=**** port=5432",
		"Server=db;Pwd=hunter2;Database=x":    "Server=db;Pwd=****;Database=x",
		"https://api?token=abc123&x=1":        "https://api?token=****&x=1",
		"postgres://db:5432/main":             "postgres://db:5432/main", // nothing to redact
	}
	for in, want := range cases {
		assert.Equal(t, want, RedactConnectionString(in))
	}
}

func TestRedactedStringNeverContainsSecret(t *testing.T) {
	secret := "hunter2"
	out := RedactConnectionString("postgres://app:" + secret + "@db/main?password=" + secret)
	assert.NotContains(t, out, secret)
	assert.Contains(t, out, "****")
}
