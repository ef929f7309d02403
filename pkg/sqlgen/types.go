// Package sqlgen compiles declarative query configuration plus processed
// query text into parameterized SQL. Every user-supplied value travels
// through a placeholder bound to a same-index parameter; raw
// concatenation of user data into SQL text never happens here.
package sqlgen

import (
	"time"
)

// ParamType tags a bound parameter with its inferred SQL type. This is
// the binding contract any driver integration must honor.
type ParamType string

const (
	ParamNull      ParamType = "NULL"
	ParamVarchar   ParamType = "VARCHAR"
	ParamInteger   ParamType = "INTEGER"
	ParamDecimal   ParamType = "DECIMAL"
	ParamBoolean   ParamType = "BOOLEAN"
	ParamTimestamp ParamType = "TIMESTAMP"
	ParamText      ParamType = "TEXT"
)

// longTextThreshold is where VARCHAR parameters become TEXT.
const longTextThreshold = 4000

// InferParamType maps a Go value to its SQL parameter type tag.
func InferParamType(v interface{}) ParamType {
	switch val := v.(type) {
	case nil:
		return ParamNull
	case bool:
		return ParamBoolean
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return ParamInteger
	case float32, float64:
		return ParamDecimal
	case time.Time:
		return ParamTimestamp
	case string:
		if len(val) > longTextThreshold {
			return ParamText
		}
		return ParamVarchar
	default:
		return ParamVarchar
	}
}

// QueryConfig is the declarative description of what to query.
type QueryConfig struct {
	Table         string
	SearchColumns []string
	SelectColumns []string
	WhereClauses  []string
	GroupBy       []string
	Joins         []Join
	OrderBy       []OrderBy
}

// Join describes one JOIN term.
type Join struct {
	Type      string // INNER, LEFT, RIGHT, FULL
	Table     string
	Condition string
}

// OrderBy describes one ORDER BY term.
type OrderBy struct {
	Column    string
	Direction string // ASC or DESC
}

// ParameterizedQuery is compiled SQL plus its ordered bound values.
// Invariant: placeholder count equals len(Parameters), and no parameter
// value appears as a literal substring of SQL.
type ParameterizedQuery struct {
	SQL            string                 `json:"sql"`
	Parameters     []interface{}          `json:"parameters"`
	ParameterTypes []ParamType            `json:"parameter_types"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// addParam appends a value and returns its dialect placeholder.
func (q *ParameterizedQuery) addParam(d Dialect, v interface{}) string {
	q.Parameters = append(q.Parameters, v)
	q.ParameterTypes = append(q.ParameterTypes, InferParamType(v))
	return d.Placeholder(len(q.Parameters))
}
