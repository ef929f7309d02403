package sqlgen

import (
	"fmt"
	"strings"
	"sync"

	"github.com/datalinkhq/datalink/pkg/errors"
)

// Dialect centralizes per-database syntax rules: identifier quoting,
// placeholder style, LIMIT/OFFSET, and the full-text strategy.
type Dialect interface {
	// Name returns the dialect identifier ("postgresql", "mysql", "sqlite")
	Name() string

	// QuoteIdentifier quotes a single identifier, doubling embedded quotes
	QuoteIdentifier(ident string) string

	// Placeholder returns the placeholder for the 1-based parameter index
	Placeholder(index int) string

	// LimitOffset renders the pagination clause around two placeholders
	LimitOffset(limitPlaceholder, offsetPlaceholder string) string

	// SupportsFullText reports whether full-text predicates are available
	SupportsFullText() bool

	// FullTextPredicate renders a full-text match of column against the
	// placeholder. Only called when SupportsFullText is true.
	FullTextPredicate(column, placeholder string) string

	// LikePredicate renders a case-insensitive LIKE of column against the
	// placeholder.
	LikePredicate(column, placeholder string) string
}

type postgresDialect struct {
	version string
}

func (d *postgresDialect) Name() string { return "postgresql" }

func (d *postgresDialect) QuoteIdentifier(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func (d *postgresDialect) Placeholder(index int) string {
	return fmt.Sprintf("$%d", index)
}

func (d *postgresDialect) LimitOffset(limitPh, offsetPh string) string {
	return "LIMIT " + limitPh + " OFFSET " + offsetPh
}

func (d *postgresDialect) SupportsFullText() bool { return true }

func (d *postgresDialect) FullTextPredicate(column, placeholder string) string {
	return "to_tsvector('simple', " + column + ") @@ plainto_tsquery('simple', " + placeholder + ")"
}

func (d *postgresDialect) LikePredicate(column, placeholder string) string {
	return "LOWER(" + column + ") LIKE LOWER(" + placeholder + ")"
}

type mysqlDialect struct {
	version string
}

func (d *mysqlDialect) Name() string { return "mysql" }

func (d *mysqlDialect) QuoteIdentifier(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

func (d *mysqlDialect) Placeholder(int) string { return "?" }

func (d *mysqlDialect) LimitOffset(limitPh, offsetPh string) string {
	return "LIMIT " + limitPh + " OFFSET " + offsetPh
}

// InnoDB gained full-text indexes in 5.6.
func (d *mysqlDialect) SupportsFullText() bool {
	return versionAtLeast(d.version, 5, 6)
}

func (d *mysqlDialect) FullTextPredicate(column, placeholder string) string {
	return "MATCH(" + column + ") AGAINST(" + placeholder + " IN NATURAL LANGUAGE MODE)"
}

func (d *mysqlDialect) LikePredicate(column, placeholder string) string {
	return "LOWER(" + column + ") LIKE LOWER(" + placeholder + ")"
}

type sqliteDialect struct {
	version string
}

func (d *sqliteDialect) Name() string { return "sqlite" }

func (d *sqliteDialect) QuoteIdentifier(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func (d *sqliteDialect) Placeholder(int) string { return "?" }

func (d *sqliteDialect) LimitOffset(limitPh, offsetPh string) string {
	return "LIMIT " + limitPh + " OFFSET " + offsetPh
}

// FTS requires a virtual table, which the query config cannot assume.
func (d *sqliteDialect) SupportsFullText() bool { return false }

func (d *sqliteDialect) FullTextPredicate(column, placeholder string) string {
	return d.LikePredicate(column, placeholder)
}

func (d *sqliteDialect) LikePredicate(column, placeholder string) string {
	return "LOWER(" + column + ") LIKE LOWER(" + placeholder + ")"
}

// dialectCache holds one instance per (databaseType, version) key.
var dialectCache sync.Map

// NewDialect returns the cached dialect for the database type and version,
// creating it on first use.
func NewDialect(databaseType, version string) (Dialect, error) {
	key := strings.ToLower(databaseType) + "@" + version
	if cached, ok := dialectCache.Load(key); ok {
		return cached.(Dialect), nil
	}

	var d Dialect
	switch strings.ToLower(databaseType) {
	case "postgresql", "postgres":
		d = &postgresDialect{version: version}
	case "mysql", "mariadb":
		d = &mysqlDialect{version: version}
	case "sqlite", "sqlite3":
		d = &sqliteDialect{version: version}
	default:
		return nil, errors.Newf(errors.CategoryConfiguration, "DIALECT_UNKNOWN", "unsupported database type %q", databaseType)
	}

	actual, _ := dialectCache.LoadOrStore(key, d)
	return actual.(Dialect), nil
}

// versionAtLeast parses "major.minor..." and compares. Unparseable
// versions count as new enough.
func versionAtLeast(version string, major, minor int) bool {
	if version == "" {
		return true
	}
	var gotMajor, gotMinor int
	n, err := fmt.Sscanf(version, "%d.%d", &gotMajor, &gotMinor)
	if err != nil && n == 0 {
		return true
	}
	if gotMajor != major {
		return gotMajor > major
	}
	return gotMinor >= minor
}
