package execution

import (
	"regexp"
	"strings"
)

// Missing-object phrases come first: identifiers named after other kinds
// ("timeout_ms", "unique_id") must not steer the match.
var classifyRules = []struct {
	kind    Kind
	needles []string
}{
	{KindMissingObject, []string{"does not exist", "no such table", "no such column", "no such function", "not found", "unknown column", "unknown table", "undefined"}},
	{KindPermission, []string{"permission denied", "access denied", "not authorized", "insufficient privilege", "readonly database", "read-only transaction", "cannot execute"}},
	{KindTimeout, []string{"statement timeout", "canceling statement", "timed out", "interrupted", "query was cancelled", "deadline exceeded"}},
	{KindConstraintViolation, []string{"violates", "constraint failed", "duplicate key", "unique constraint", "foreign key constraint", "check constraint", "not null constraint"}},
	{KindSyntax, []string{"syntax error", "parser error", "parse error", "incomplete input", "near \"", "binder error", "ambiguous", "must appear in the group by", "type mismatch", "invalid input syntax", "misuse of", "wrong number of arguments"}},
}

var quotedText = regexp.MustCompile(`"[^"]*"|'[^']*'`)

// Classify maps a raw backend message to an error kind. Quoted names are
// blanked before matching; rules are checked in order and the first match
// wins.
func Classify(message string) Kind {
	lowered := strings.ToLower(quotedText.ReplaceAllStringFunc(message, func(quoted string) string {
		return quoted[:1] + quoted[:1]
	}))
	for _, rule := range classifyRules {
		for _, needle := range rule.needles {
			if strings.Contains(lowered, needle) {
				return rule.kind
			}
		}
	}
	return KindUnknown
}
