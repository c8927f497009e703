// Package policy implements the safety gates every submission must pass
// before it reaches a sandbox: the SQL allow/deny validator and the
// Python source policy.
package policy

import (
	"regexp"
	"strings"

	"github.com/sift-analytics/sift/internal/domain"
)

// deniedSQLTokens are statement keywords that must not appear anywhere in
// a submitted query as a whole word. Matching ignores string literals and
// comments, so `created_at` never trips `create`.
var deniedSQLTokens = map[string]bool{
	"drop":    true,
	"delete":  true,
	"insert":  true,
	"update":  true,
	"create":  true,
	"alter":   true,
	"attach":  true,
	"detach":  true,
	"install": true,
	"load":    true,
	"pragma":  true,
	"call":    true,
	"copy":    true,
	"export":  true,
	"import":  true,
}

// ValidateSQL accepts a query iff it is a single SELECT/WITH statement
// containing no denied token. Returns a SQL_POLICY_VIOLATION RunError
// naming the offending token on rejection.
func ValidateSQL(sql string) error {
	cleaned := stripLiteralsAndComments(sql)
	trimmed := strings.TrimSpace(cleaned)
	if trimmed == "" {
		return domain.NewRunError(domain.ErrSQLPolicyViolation, "empty query")
	}

	first := strings.ToLower(firstWord(trimmed))
	if first != "select" && first != "with" {
		return domain.NewRunError(domain.ErrSQLPolicyViolation, "only SELECT/WITH statements are allowed, got %q", firstWord(trimmed))
	}

	if strings.Contains(cleaned, ";") {
		return domain.NewRunError(domain.ErrSQLPolicyViolation, "multiple statements are not allowed")
	}

	for _, word := range identifierWords(cleaned) {
		if deniedSQLTokens[word] {
			return domain.NewRunError(domain.ErrSQLPolicyViolation, "denied token %q", word)
		}
	}
	return nil
}

// firstWord returns the leading identifier of s.
func firstWord(s string) string {
	for i, r := range s {
		if !isIdentRune(r) {
			return s[:i]
		}
	}
	return s
}

func isIdentRune(r rune) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// identifierWords splits s into lowercase identifier-like words on
// non-identifier boundaries.
func identifierWords(s string) []string {
	var words []string
	start := -1
	for i, r := range s {
		if isIdentRune(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			words = append(words, strings.ToLower(s[start:i]))
			start = -1
		}
	}
	if start >= 0 {
		words = append(words, strings.ToLower(s[start:]))
	}
	return words
}

// stripLiteralsAndComments blanks out single-quoted string literals,
// double-quoted identifiers' contents, -- line comments, and /* */ block
// comments, preserving byte offsets so diagnostics stay meaningful.
func stripLiteralsAndComments(sql string) string {
	out := []byte(sql)
	n := len(out)
	for i := 0; i < n; {
		switch {
		case out[i] == '\'':
			// string literal, '' escapes a quote
			j := i + 1
			for j < n {
				if out[j] == '\'' {
					if j+1 < n && out[j+1] == '\'' {
						j += 2
						continue
					}
					break
				}
				j++
			}
			for k := i + 1; k < j && k < n; k++ {
				out[k] = ' '
			}
			i = j + 1
		case out[i] == '"':
			// quoted identifier, "" escapes a quote
			j := i + 1
			for j < n {
				if out[j] == '"' {
					if j+1 < n && out[j+1] == '"' {
						j += 2
						continue
					}
					break
				}
				j++
			}
			for k := i + 1; k < j && k < n; k++ {
				out[k] = ' '
			}
			i = j + 1
		case i+1 < n && out[i] == '-' && out[i+1] == '-':
			j := i
			for j < n && out[j] != '\n' {
				out[j] = ' '
				j++
			}
			i = j
		case i+1 < n && out[i] == '/' && out[i+1] == '*':
			j := i + 2
			for j+1 < n && !(out[j] == '*' && out[j+1] == '/') {
				j++
			}
			end := j + 2
			if end > n {
				end = n
			}
			for k := i; k < end; k++ {
				out[k] = ' '
			}
			i = end
		default:
			i++
		}
	}
	return string(out)
}

// NormalizeDatasetRefs rewrites dot-qualified references to the active
// dataset (`support.tickets`, `"support".tickets`, whitespace around
// the dot included) to the bare table name. This is the only rewrite
// ever applied to user SQL; it runs both before validation and before
// execution.
func NormalizeDatasetRefs(sql, datasetID string) string {
	if datasetID == "" {
		return sql
	}
	id := regexp.QuoteMeta(datasetID)
	re := regexp.MustCompile(`(?i)(^|[^a-zA-Z0-9_".])("` + id + `"|` + id + `)\s*\.\s*`)
	return re.ReplaceAllString(sql, "$1")
}
