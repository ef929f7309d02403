package sqlgen

import (
	"regexp"
	"sort"
	"strings"

	"github.com/datalinkhq/datalink/pkg/errors"
)

// DefaultFullTextThreshold is the query length above which full-text
// predicates are preferred over LIKE when the dialect supports them.
const DefaultFullTextThreshold = 20

// identRe is the identifier grammar: a bare or table-qualified name.
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// funcCallRe matches a single-level SQL function call, captured as
// (name, arguments).
var funcCallRe = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\(([^()]*)\)$`)

// recognizedFunctions are the SQL functions allowed in column positions.
var recognizedFunctions = map[string]bool{
	"COUNT": true, "SUM": true, "AVG": true, "MIN": true, "MAX": true,
	"LOWER": true, "UPPER": true, "LENGTH": true, "TRIM": true,
	"COALESCE": true, "SUBSTR": true, "ROUND": true, "ABS": true,
	"DATE": true, "NOW": true,
}

// Builder compiles a QueryConfig plus processed query text into
// parameterized SQL for one dialect.
type Builder struct {
	dialect Dialect
	cfg     QueryConfig

	// FullTextThreshold overrides DefaultFullTextThreshold when positive.
	FullTextThreshold int
}

// NewBuilder validates the query configuration and returns a builder.
// All structural failures surface here, before any SQL is emitted.
func NewBuilder(dialect Dialect, cfg QueryConfig) (*Builder, error) {
	if cfg.Table == "" {
		return nil, errors.New(errors.CategoryValidation, "SQL_TABLE_MISSING", "query config has no table")
	}
	if len(cfg.SearchColumns) == 0 {
		return nil, errors.New(errors.CategoryValidation, "SQL_SEARCH_COLUMNS_EMPTY", "query config has no search columns")
	}

	if err := checkIdentifier(cfg.Table); err != nil {
		return nil, err
	}
	for _, col := range cfg.SearchColumns {
		if err := checkIdentifier(col); err != nil {
			return nil, err
		}
	}
	for _, col := range cfg.SelectColumns {
		if err := checkColumnExpr(col); err != nil {
			return nil, err
		}
	}
	for _, col := range cfg.GroupBy {
		if err := checkIdentifier(col); err != nil {
			return nil, err
		}
	}
	for _, j := range cfg.Joins {
		switch strings.ToUpper(j.Type) {
		case "INNER", "LEFT", "RIGHT", "FULL":
		default:
			return nil, errors.Newf(errors.CategoryValidation, "SQL_JOIN_TYPE_INVALID", "invalid join type %q", j.Type)
		}
		if err := checkIdentifier(j.Table); err != nil {
			return nil, err
		}
		if err := checkRawClause(j.Condition); err != nil {
			return nil, err
		}
	}
	for _, o := range cfg.OrderBy {
		if err := checkIdentifier(o.Column); err != nil {
			return nil, err
		}
		switch strings.ToUpper(o.Direction) {
		case "ASC", "DESC", "":
		default:
			return nil, errors.Newf(errors.CategoryValidation, "SQL_ORDER_DIRECTION_INVALID", "invalid order direction %q", o.Direction)
		}
	}
	for _, w := range cfg.WhereClauses {
		if err := checkRawClause(w); err != nil {
			return nil, err
		}
	}

	return &Builder{dialect: dialect, cfg: cfg}, nil
}

// Dialect returns the builder's dialect.
func (b *Builder) Dialect() Dialect { return b.dialect }

// SearchQuery builds the search-select statement for the processed query
// text with LIMIT/OFFSET pagination.
func (b *Builder) SearchQuery(query string, limit, offset int) (*ParameterizedQuery, error) {
	pq := b.newQuery("search")

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(b.selectList())
	sb.WriteString(" FROM ")
	sb.WriteString(b.dialect.QuoteIdentifier(b.cfg.Table))
	b.writeJoins(&sb)

	where, err := b.searchPredicate(pq, query)
	if err != nil {
		return nil, err
	}
	b.writeWhere(&sb, where)
	b.writeGroupBy(&sb)
	b.writeOrderBy(&sb)

	sb.WriteString(" ")
	limitPh := pq.addParam(b.dialect, limit)
	offsetPh := pq.addParam(b.dialect, offset)
	sb.WriteString(b.dialect.LimitOffset(limitPh, offsetPh))

	pq.SQL = sb.String()
	return pq, nil
}

// CountQuery builds the matching-row count statement for the query text.
func (b *Builder) CountQuery(query string) (*ParameterizedQuery, error) {
	pq := b.newQuery("count")

	var sb strings.Builder
	sb.WriteString("SELECT COUNT(*) FROM ")
	sb.WriteString(b.dialect.QuoteIdentifier(b.cfg.Table))
	b.writeJoins(&sb)

	where, err := b.searchPredicate(pq, query)
	if err != nil {
		return nil, err
	}
	b.writeWhere(&sb, where)

	pq.SQL = sb.String()
	return pq, nil
}

// InsertQuery builds a parameterized INSERT for the given values. Columns
// are emitted in sorted order so output is deterministic.
func (b *Builder) InsertQuery(values map[string]interface{}) (*ParameterizedQuery, error) {
	if len(values) == 0 {
		return nil, errors.New(errors.CategoryValidation, "SQL_VALUES_EMPTY", "insert needs at least one value")
	}

	pq := b.newQuery("insert")
	columns := sortedKeys(values)

	quoted := make([]string, 0, len(columns))
	placeholders := make([]string, 0, len(columns))
	for _, col := range columns {
		if err := checkIdentifier(col); err != nil {
			return nil, err
		}
		quoted = append(quoted, b.dialect.QuoteIdentifier(col))
		placeholders = append(placeholders, pq.addParam(b.dialect, values[col]))
	}

	pq.SQL = "INSERT INTO " + b.dialect.QuoteIdentifier(b.cfg.Table) +
		" (" + strings.Join(quoted, ", ") + ") VALUES (" + strings.Join(placeholders, ", ") + ")"
	return pq, nil
}

// UpdateQuery builds a parameterized UPDATE keyed on one column.
func (b *Builder) UpdateQuery(values map[string]interface{}, keyColumn string, keyValue interface{}) (*ParameterizedQuery, error) {
	if len(values) == 0 {
		return nil, errors.New(errors.CategoryValidation, "SQL_VALUES_EMPTY", "update needs at least one value")
	}
	if err := checkIdentifier(keyColumn); err != nil {
		return nil, err
	}

	pq := b.newQuery("update")
	columns := sortedKeys(values)

	assignments := make([]string, 0, len(columns))
	for _, col := range columns {
		if err := checkIdentifier(col); err != nil {
			return nil, err
		}
		ph := pq.addParam(b.dialect, values[col])
		assignments = append(assignments, b.dialect.QuoteIdentifier(col)+" = "+ph)
	}

	keyPh := pq.addParam(b.dialect, keyValue)
	pq.SQL = "UPDATE " + b.dialect.QuoteIdentifier(b.cfg.Table) +
		" SET " + strings.Join(assignments, ", ") +
		" WHERE " + b.dialect.QuoteIdentifier(keyColumn) + " = " + keyPh
	return pq, nil
}

// DeleteQuery builds a parameterized DELETE keyed on one column.
func (b *Builder) DeleteQuery(keyColumn string, keyValue interface{}) (*ParameterizedQuery, error) {
	if err := checkIdentifier(keyColumn); err != nil {
		return nil, err
	}

	pq := b.newQuery("delete")
	keyPh := pq.addParam(b.dialect, keyValue)
	pq.SQL = "DELETE FROM " + b.dialect.QuoteIdentifier(b.cfg.Table) +
		" WHERE " + b.dialect.QuoteIdentifier(keyColumn) + " = " + keyPh
	return pq, nil
}

// CursorPageQuery builds keyset pagination: rows after cursorValue in
// cursorColumn order, limited to pageSize.
func (b *Builder) CursorPageQuery(query, cursorColumn string, cursorValue interface{}, pageSize int) (*ParameterizedQuery, error) {
	if err := checkIdentifier(cursorColumn); err != nil {
		return nil, err
	}

	pq := b.newQuery("cursor_page")

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(b.selectList())
	sb.WriteString(" FROM ")
	sb.WriteString(b.dialect.QuoteIdentifier(b.cfg.Table))
	b.writeJoins(&sb)

	where, err := b.searchPredicate(pq, query)
	if err != nil {
		return nil, err
	}
	cursorPh := pq.addParam(b.dialect, cursorValue)
	cursorCond := b.dialect.QuoteIdentifier(cursorColumn) + " > " + cursorPh
	if where != "" {
		where = "(" + where + ") AND " + cursorCond
	} else {
		where = cursorCond
	}
	b.writeWhere(&sb, where)

	sb.WriteString(" ORDER BY ")
	sb.WriteString(b.dialect.QuoteIdentifier(cursorColumn))
	sb.WriteString(" ASC ")

	limitPh := pq.addParam(b.dialect, pageSize)
	offsetPh := pq.addParam(b.dialect, 0)
	sb.WriteString(b.dialect.LimitOffset(limitPh, offsetPh))

	pq.SQL = sb.String()
	return pq, nil
}

// searchPredicate renders the text-match condition for the query and
// appends config-level WHERE clauses. Empty query text matches everything.
func (b *Builder) searchPredicate(pq *ParameterizedQuery, query string) (string, error) {
	var conds []string

	if query != "" {
		threshold := b.FullTextThreshold
		if threshold <= 0 {
			threshold = DefaultFullTextThreshold
		}

		if len(query) > threshold && b.dialect.SupportsFullText() {
			ph := pq.addParam(b.dialect, query)
			parts := make([]string, 0, len(b.cfg.SearchColumns))
			for _, col := range b.cfg.SearchColumns {
				parts = append(parts, b.dialect.FullTextPredicate(b.quoteQualified(col), ph))
			}
			conds = append(conds, "("+strings.Join(parts, " OR ")+")")
		} else {
			parts := make([]string, 0, len(b.cfg.SearchColumns))
			for _, col := range b.cfg.SearchColumns {
				ph := pq.addParam(b.dialect, "%"+query+"%")
				parts = append(parts, b.dialect.LikePredicate(b.quoteQualified(col), ph))
			}
			if len(parts) == 1 {
				conds = append(conds, parts[0])
			} else {
				conds = append(conds, "("+strings.Join(parts, " OR ")+")")
			}
		}
	}

	conds = append(conds, b.cfg.WhereClauses...)
	return strings.Join(conds, " AND "), nil
}

func (b *Builder) newQuery(operation string) *ParameterizedQuery {
	return &ParameterizedQuery{
		Metadata: map[string]interface{}{
			"operation": operation,
			"table":     b.cfg.Table,
			"dialect":   b.dialect.Name(),
		},
	}
}

func (b *Builder) selectList() string {
	if len(b.cfg.SelectColumns) == 0 {
		return "*"
	}
	quoted := make([]string, 0, len(b.cfg.SelectColumns))
	for _, col := range b.cfg.SelectColumns {
		quoted = append(quoted, b.quoteColumnExpr(col))
	}
	return strings.Join(quoted, ", ")
}

// quoteColumnExpr quotes a plain identifier, or re-renders a recognized
// function call with its identifier arguments quoted.
func (b *Builder) quoteColumnExpr(expr string) string {
	if identRe.MatchString(expr) {
		return b.quoteQualified(expr)
	}

	m := funcCallRe.FindStringSubmatch(expr)
	if m == nil {
		// checkColumnExpr already rejected anything else.
		return b.dialect.QuoteIdentifier(expr)
	}

	args := splitArgs(m[2])
	for i, arg := range args {
		if identRe.MatchString(arg) {
			args[i] = b.quoteQualified(arg)
		}
	}
	return strings.ToUpper(m[1]) + "(" + strings.Join(args, ", ") + ")"
}

// quoteQualified quotes each part of a possibly table-qualified name.
func (b *Builder) quoteQualified(ident string) string {
	parts := strings.Split(ident, ".")
	for i, part := range parts {
		parts[i] = b.dialect.QuoteIdentifier(part)
	}
	return strings.Join(parts, ".")
}

func (b *Builder) writeJoins(sb *strings.Builder) {
	for _, j := range b.cfg.Joins {
		sb.WriteString(" ")
		sb.WriteString(strings.ToUpper(j.Type))
		sb.WriteString(" JOIN ")
		sb.WriteString(b.dialect.QuoteIdentifier(j.Table))
		sb.WriteString(" ON ")
		sb.WriteString(j.Condition)
	}
}

func (b *Builder) writeWhere(sb *strings.Builder, where string) {
	if where != "" {
		sb.WriteString(" WHERE ")
		sb.WriteString(where)
	}
}

func (b *Builder) writeGroupBy(sb *strings.Builder) {
	if len(b.cfg.GroupBy) == 0 {
		return
	}
	quoted := make([]string, 0, len(b.cfg.GroupBy))
	for _, col := range b.cfg.GroupBy {
		quoted = append(quoted, b.quoteQualified(col))
	}
	sb.WriteString(" GROUP BY ")
	sb.WriteString(strings.Join(quoted, ", "))
}

func (b *Builder) writeOrderBy(sb *strings.Builder) {
	if len(b.cfg.OrderBy) == 0 {
		return
	}
	terms := make([]string, 0, len(b.cfg.OrderBy))
	for _, o := range b.cfg.OrderBy {
		dir := strings.ToUpper(o.Direction)
		if dir == "" {
			dir = "ASC"
		}
		terms = append(terms, b.quoteQualified(o.Column)+" "+dir)
	}
	sb.WriteString(" ORDER BY ")
	sb.WriteString(strings.Join(terms, ", "))
}

// checkIdentifier enforces the identifier grammar on a column or table
// reference. Anything else, including injection-style payloads, is
// rejected before SQL is produced.
func checkIdentifier(ident string) error {
	if identRe.MatchString(ident) {
		return nil
	}
	return errors.Newf(errors.CategorySecurity, "SQL_IDENTIFIER_INVALID", "invalid identifier %q", ident)
}

// checkColumnExpr accepts a plain identifier or a recognized SQL function
// call with identifier, *, or numeric arguments.
func checkColumnExpr(expr string) error {
	if identRe.MatchString(expr) {
		return nil
	}

	m := funcCallRe.FindStringSubmatch(expr)
	if m == nil {
		return errors.Newf(errors.CategorySecurity, "SQL_COLUMN_INVALID", "invalid column expression %q", expr)
	}
	if !recognizedFunctions[strings.ToUpper(m[1])] {
		return errors.Newf(errors.CategorySecurity, "SQL_FUNCTION_UNRECOGNIZED", "unrecognized SQL function %q", m[1])
	}
	for _, arg := range splitArgs(m[2]) {
		if arg == "" || arg == "*" || identRe.MatchString(arg) || isNumeric(arg) {
			continue
		}
		return errors.Newf(errors.CategorySecurity, "SQL_FUNCTION_ARG_INVALID", "invalid function argument %q", arg)
	}
	return nil
}

// checkRawClause applies a light screen to config-authored SQL fragments
// (join conditions, where clauses). These are trusted configuration, not
// user data, but stacked statements and comments are still rejected.
func checkRawClause(clause string) error {
	if strings.TrimSpace(clause) == "" {
		return errors.New(errors.CategoryValidation, "SQL_CLAUSE_EMPTY", "empty SQL clause")
	}
	if strings.ContainsAny(clause, ";") || strings.Contains(clause, "--") || strings.Contains(clause, "/*") {
		return errors.Newf(errors.CategorySecurity, "SQL_CLAUSE_INVALID", "disallowed sequence in SQL clause %q", clause)
	}
	return nil
}

func splitArgs(args string) []string {
	if strings.TrimSpace(args) == "" {
		return nil
	}
	parts := strings.Split(args, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	dot := false
	for i, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c == '.' && !dot && i > 0:
			dot = true
		default:
			return false
		}
	}
	return true
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
