// Package errormap converts raw adapter failures into the structured
// error taxonomy through an ordered rule list, and salvages partial
// results where a recovery strategy exists for the category.
package errormap

import (
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/datalinkhq/datalink/pkg/errors"
)

// Rule pairs a matcher with a transformer. Rules are evaluated in
// priority order, highest first; ties keep registration order. The first
// matching rule wins.
type Rule struct {
	Name      string
	Priority  int
	Matches   func(err error) bool
	Transform func(err error) *errors.Error
}

// RecoveryStrategy tries to salvage rows from a classified error. It
// returns ok=false when nothing can be released.
type RecoveryStrategy func(err *errors.Error) ([]map[string]interface{}, bool)

// Mapper holds the ordered rule list and the per-category recovery
// strategies.
type Mapper struct {
	rules      []Rule
	recoveries map[errors.Category]RecoveryStrategy
	logger     *zap.Logger
}

// NewMapper creates a mapper preloaded with the built-in rules and the
// default recovery strategies.
func NewMapper(logger *zap.Logger) *Mapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Mapper{
		recoveries: make(map[errors.Category]RecoveryStrategy),
		logger:     logger.With(zap.String("component", "error_mapper")),
	}
	for _, r := range builtinRules() {
		m.AddRule(r)
	}
	for _, category := range defaultRecoveryCategories {
		m.RegisterRecovery(category, attachedPartials)
	}
	return m
}

// AddRule inserts a rule, keeping the list sorted by priority descending.
// Equal priorities preserve insertion order, so evaluation is
// deterministic for any registration sequence.
func (m *Mapper) AddRule(rule Rule) {
	m.rules = append(m.rules, rule)
	sort.SliceStable(m.rules, func(i, j int) bool {
		return m.rules[i].Priority > m.rules[j].Priority
	})
}

// Map classifies err. Already-structured errors pass through untouched.
// Anything no rule recognizes becomes a non-recoverable unknown error
// that preserves the original text.
func (m *Mapper) Map(err error) *errors.Error {
	if err == nil {
		return nil
	}

	var structured *errors.Error
	if errors.As(err, &structured) {
		return structured
	}

	for _, rule := range m.rules {
		if rule.Matches(err) {
			mapped := rule.Transform(err)
			m.logger.Debug("error classified",
				zap.String("rule", rule.Name),
				zap.String("category", string(mapped.Category)))
			return mapped
		}
	}

	return errors.Wrap(err, errors.CategoryUnknown, "ERR_UNCLASSIFIED", err.Error())
}

// RegisterRecovery installs the recovery strategy for a category,
// replacing any previous one. A nil strategy removes the registration,
// so the category never releases data.
func (m *Mapper) RegisterRecovery(category errors.Category, strategy RecoveryStrategy) {
	if strategy == nil {
		delete(m.recoveries, category)
		return
	}
	m.recoveries[category] = strategy
}

// Recover attempts to salvage a failed operation by dispatching to the
// strategy registered for the error's category.
func (m *Mapper) Recover(err *errors.Error) ([]map[string]interface{}, bool) {
	if err == nil {
		return nil, false
	}
	strategy, ok := m.recoveries[err.Category]
	if !ok {
		return nil, false
	}
	rows, ok := strategy(err)
	if !ok {
		return nil, false
	}
	m.logger.Info("salvaged partial results",
		zap.String("category", string(err.Category)),
		zap.Int("rows", len(rows)))
	return rows, true
}

// defaultRecoveryCategories lists categories where partial results are
// still meaningful to the caller. Security and validation failures never
// release data.
var defaultRecoveryCategories = []errors.Category{
	errors.CategoryTimeout,
	errors.CategoryNetwork,
	errors.CategoryRateLimit,
	errors.CategoryData,
}

// attachedPartials is the default strategy: release whatever rows were
// attached to the error before it surfaced.
func attachedPartials(err *errors.Error) ([]map[string]interface{}, bool) {
	if len(err.PartialResults) == 0 {
		return nil, false
	}
	return err.PartialResults, true
}

// messageRule builds a rule that matches on case-insensitive substrings.
func messageRule(name string, priority int, category errors.Category, code, message string, retryable bool, needles ...string) Rule {
	return Rule{
		Name:     name,
		Priority: priority,
		Matches: func(err error) bool {
			text := strings.ToLower(err.Error())
			for _, n := range needles {
				if strings.Contains(text, n) {
					return true
				}
			}
			return false
		},
		Transform: func(err error) *errors.Error {
			mapped := errors.Wrap(err, category, code, message)
			if retryable {
				mapped = mapped.WithRetry(errors.RetryInfo{
					RetryAfter:  time.Second,
					MaxAttempts: 3,
					Backoff:     "exponential",
				})
			}
			return mapped
		},
	}
}

// builtinRules covers the failure shapes the adapters surface. More
// specific patterns carry higher priority so they win over the generic
// network rule.
func builtinRules() []Rule {
	return []Rule{
		messageRule("auth_denied", 100, errors.CategoryAuthentication, "ERR_AUTH_FAILED",
			"authentication failed", false,
			"unauthorized", "401", "invalid credentials", "authentication failed", "password authentication"),
		messageRule("access_denied", 95, errors.CategoryAuthorization, "ERR_ACCESS_DENIED",
			"access denied", false,
			"forbidden", "403", "permission denied", "access denied"),
		messageRule("rate_limited", 90, errors.CategoryRateLimit, "ERR_RATE_LIMITED",
			"rate limit exceeded", true,
			"rate limit", "too many requests", "429", "quota exceeded"),
		messageRule("timeout", 85, errors.CategoryTimeout, "ERR_TIMEOUT",
			"operation timed out", true,
			"timeout", "timed out", "deadline exceeded", "context canceled"),
		messageRule("connection_failed", 80, errors.CategoryConnection, "ERR_CONNECTION_FAILED",
			"failed to reach the data source", true,
			"connection refused", "connection reset", "no such host", "broken pipe",
			"host unreachable", "dial tcp"),
		messageRule("query_invalid", 70, errors.CategoryValidation, "ERR_QUERY_INVALID",
			"query was rejected by the data source", false,
			"syntax error", "invalid query", "bad request", "unknown column", "no such table",
			"malformed"),
		messageRule("data_malformed", 60, errors.CategoryData, "ERR_DATA_MALFORMED",
			"response data could not be interpreted", false,
			"unexpected end of", "invalid character", "cannot unmarshal", "unexpected token"),
		messageRule("network", 50, errors.CategoryNetwork, "ERR_NETWORK",
			"network failure", true,
			"network", "tls", "certificate", "eof", "i/o"),
	}
}
