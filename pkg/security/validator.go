// Package security implements injection and XSS detection for query text,
// compiled SQL, and connection strings. Validation here is defense in
// depth: an invalid input is rejected outright, never rewritten. Upstream
// sanitization may permissively alter input; this package never does.
package security

import (
	"regexp"
	"strings"
)

// RiskLevel grades how dangerous a detected pattern is.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ValidationResult is the verdict for one validated input.
type ValidationResult struct {
	IsValid   bool      `json:"is_valid"`
	Errors    []string  `json:"errors,omitempty"`
	RiskLevel RiskLevel `json:"risk_level"`
}

// Policy tunes what the validator accepts.
type Policy struct {
	// MaxQueryLength rejects oversized inputs (0 = unlimited)
	MaxQueryLength int
	// AllowComments permits SQL comment sequences
	AllowComments bool
	// DeniedOperations lists SQL verbs that must never appear
	DeniedOperations []string
}

// DefaultPolicy is the policy used when callers pass the zero value.
func DefaultPolicy() Policy {
	return Policy{
		MaxQueryLength:   4096,
		AllowComments:    false,
		DeniedOperations: []string{"DROP", "TRUNCATE", "ALTER", "GRANT", "REVOKE", "EXEC", "EXECUTE"},
	}
}

// sqlInjectionPatterns match injection signatures in raw query text or
// compiled SQL. Order roughly by severity; any high match rejects.
var sqlInjectionPatterns = []struct {
	re   *regexp.Regexp
	desc string
	risk RiskLevel
}{
	{regexp.MustCompile(`(?i);\s*(select|insert|update|delete|drop|create|alter|exec)`), "stacked statement", RiskHigh},
	{regexp.MustCompile(`(?i)\bunion\b[\s(]+(all\s+)?\bselect\b`), "UNION-based injection", RiskHigh},
	{regexp.MustCompile(`(?i)\b(or|and)\b\s+['"]?\d+['"]?\s*=\s*['"]?\d+`), "always-true predicate", RiskHigh},
	{regexp.MustCompile(`(?i)\b(or|and)\b\s+'[^']*'\s*=\s*'[^']*'`), "quoted tautology", RiskHigh},
	{regexp.MustCompile(`(?i)\bxp_cmdshell\b|\bsp_executesql\b`), "procedure execution", RiskHigh},
	{regexp.MustCompile(`(?i)\bwaitfor\s+delay\b|\bpg_sleep\s*\(|\bbenchmark\s*\(`), "time-based probe", RiskHigh},
	{regexp.MustCompile(`(?i)\binto\s+(out|dump)file\b`), "file write attempt", RiskHigh},
	{regexp.MustCompile(`--|/\*|\*/|#`), "comment sequence", RiskMedium},
	{regexp.MustCompile(`(?i)\bchar\s*\(\s*\d+\s*\)|0x[0-9a-f]{8,}`), "encoded payload", RiskMedium},
}

// xssPatterns match script-injection signatures in query text.
var xssPatterns = []struct {
	re   *regexp.Regexp
	desc string
}{
	{regexp.MustCompile(`(?i)<\s*script[^>]*>`), "script tag"},
	{regexp.MustCompile(`(?i)javascript\s*:`), "javascript URI"},
	{regexp.MustCompile(`(?i)on(error|load|click|mouseover|focus)\s*=`), "event handler attribute"},
	{regexp.MustCompile(`(?i)<\s*(iframe|object|embed|img)[^>]*>`), "embedding tag"},
	{regexp.MustCompile(`(?i)expression\s*\(|vbscript\s*:|data\s*:\s*text/html`), "active content URI"},
}

// Validator checks inputs against a policy. Stateless apart from the
// policy, so one instance can be shared freely.
type Validator struct {
	policy Policy
}

// NewValidator creates a validator with the given policy. The zero policy
// is replaced with DefaultPolicy.
func NewValidator(policy Policy) *Validator {
	if policy.MaxQueryLength == 0 && policy.DeniedOperations == nil && !policy.AllowComments {
		policy = DefaultPolicy()
	}
	return &Validator{policy: policy}
}

// ValidateQueryText scans raw user query text for injection and XSS
// signatures before it goes anywhere near a backend.
func (v *Validator) ValidateQueryText(text string) ValidationResult {
	result := ValidationResult{IsValid: true, RiskLevel: RiskLow}

	if v.policy.MaxQueryLength > 0 && len(text) > v.policy.MaxQueryLength {
		result.IsValid = false
		result.Errors = append(result.Errors, "query exceeds maximum length")
		result.RiskLevel = RiskMedium
	}

	for _, p := range sqlInjectionPatterns {
		if p.risk == RiskMedium && v.policy.AllowComments && p.desc == "comment sequence" {
			continue
		}
		if p.re.MatchString(text) {
			result.IsValid = false
			result.Errors = append(result.Errors, "SQL injection pattern detected: "+p.desc)
			result.RiskLevel = maxRisk(result.RiskLevel, p.risk)
		}
	}

	for _, p := range xssPatterns {
		if p.re.MatchString(text) {
			result.IsValid = false
			result.Errors = append(result.Errors, "XSS pattern detected: "+p.desc)
			result.RiskLevel = maxRisk(result.RiskLevel, RiskHigh)
		}
	}

	return result
}

// ValidateSQL checks compiled SQL plus its bound parameters. The SQL text
// is produced by the query builder, so a hit here means either a builder
// bug or an identifier that smuggled a payload through. Both are fatal.
func (v *Validator) ValidateSQL(sql string, parameters []interface{}) ValidationResult {
	result := ValidationResult{IsValid: true, RiskLevel: RiskLow}

	upper := strings.ToUpper(sql)
	for _, op := range v.policy.DeniedOperations {
		if containsWord(upper, strings.ToUpper(op)) {
			result.IsValid = false
			result.Errors = append(result.Errors, "disallowed operation: "+op)
			result.RiskLevel = maxRisk(result.RiskLevel, RiskHigh)
		}
	}

	// A semicolon anywhere but a single trailing terminator means the
	// builder emitted stacked statements.
	body := strings.TrimSuffix(strings.TrimRight(sql, " \n\t"), ";")
	if strings.Contains(body, ";") {
		result.IsValid = false
		result.Errors = append(result.Errors, "stacked statements in compiled SQL")
		result.RiskLevel = maxRisk(result.RiskLevel, RiskHigh)
	}

	if !v.policy.AllowComments && (strings.Contains(sql, "--") || strings.Contains(sql, "/*")) {
		result.IsValid = false
		result.Errors = append(result.Errors, "comment sequence in compiled SQL")
		result.RiskLevel = maxRisk(result.RiskLevel, RiskMedium)
	}

	// Parameter values must only travel through placeholders.
	for _, param := range parameters {
		s, ok := param.(string)
		if !ok || len(s) < 4 {
			continue
		}
		if strings.Contains(sql, "'"+s+"'") || strings.Contains(sql, "\""+s+"\"") {
			result.IsValid = false
			result.Errors = append(result.Errors, "parameter value inlined as SQL literal")
			result.RiskLevel = maxRisk(result.RiskLevel, RiskHigh)
		}
	}

	return result
}

// connectionStringSchemes maps database types to their accepted URI
// schemes. Empty means any scheme (or DSN form) is accepted.
var connectionStringSchemes = map[string][]string{
	"postgresql": {"postgres", "postgresql"},
	"mysql":      {"mysql"},
	"sqlite":     {"file", "sqlite"},
}

// ValidateConnectionString checks a connection string for the expected
// shape and for injected payloads.
func (v *Validator) ValidateConnectionString(s, dbType string) ValidationResult {
	result := ValidationResult{IsValid: true, RiskLevel: RiskLow}

	if strings.TrimSpace(s) == "" {
		result.IsValid = false
		result.Errors = append(result.Errors, "connection string is empty")
		return result
	}

	for _, p := range sqlInjectionPatterns {
		if p.risk != RiskHigh {
			continue
		}
		if p.re.MatchString(s) {
			result.IsValid = false
			result.Errors = append(result.Errors, "injection pattern in connection string: "+p.desc)
			result.RiskLevel = RiskHigh
		}
	}

	if schemes, ok := connectionStringSchemes[strings.ToLower(dbType)]; ok {
		matched := false
		for _, scheme := range schemes {
			if strings.HasPrefix(s, scheme+"://") || strings.HasPrefix(s, scheme+":") {
				matched = true
				break
			}
		}
		// DSN-form strings (key=value pairs) are fine for postgres.
		if !matched && strings.Contains(s, "=") && !strings.Contains(s, "://") {
			matched = true
		}
		if !matched {
			result.IsValid = false
			result.Errors = append(result.Errors, "connection string scheme does not match database type "+dbType)
			result.RiskLevel = maxRisk(result.RiskLevel, RiskMedium)
		}
	}

	return result
}

// redactedMarker replaces credentials in echoed connection strings.
const redactedMarker = "****"

var (
	userInfoRe = regexp.MustCompile(`(://)([^:/@]+):([^@/]+)@`)
	dsnCredRe  = regexp.MustCompile(`(?i)\b(password|passwd|pwd|secret|token|apikey|api_key)\s*=\s*[^;\s&]+`)
)

// RedactConnectionString replaces credentials with a fixed marker. Every
// connection string that leaves the module through logs or errors goes
// through here first.
func RedactConnectionString(s string) string {
	s = userInfoRe.ReplaceAllString(s, "${1}${2}:"+redactedMarker+"@")
	s = dsnCredRe.ReplaceAllString(s, "${1}="+redactedMarker)
	return s
}

func maxRisk(a, b RiskLevel) RiskLevel {
	rank := map[RiskLevel]int{RiskLow: 0, RiskMedium: 1, RiskHigh: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

func containsWord(haystack, word string) bool {
	idx := 0
	for {
		i := strings.Index(haystack[idx:], word)
		if i < 0 {
			return false
		}
		i += idx
		before := i == 0 || !isWordChar(haystack[i-1])
		afterIdx := i + len(word)
		after := afterIdx >= len(haystack) || !isWordChar(haystack[afterIdx])
		if before && after {
			return true
		}
		idx = i + len(word)
	}
}

func isWordChar(c byte) bool {
	return c == '_' || (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}
