package generation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/chatsql/chatsql/internal/prompt"
)

var (
	quotedSchemaTable = regexp.MustCompile(`"([A-Za-z_][A-Za-z0-9_]*)\.([A-Za-z_][A-Za-z0-9_]*)"`)
	writeKeywords     = regexp.MustCompile(`\b(insert|update|delete|drop|alter|create|truncate|grant|revoke|merge|attach|detach|copy|vacuum|pragma|call|do)\b`)
	leadingWord       = regexp.MustCompile(`^[a-z]+`)
)

var statementKeywords = map[string]bool{
	"select": true, "with": true, "values": true, "table": true,
	"insert": true, "update": true, "delete": true, "merge": true,
	"create": true, "drop": true, "alter": true, "truncate": true,
	"grant": true, "revoke": true, "explain": true, "show": true,
	"describe": true, "pragma": true, "call": true,
}

var readOnlyKeywords = map[string]bool{"select": true, "with": true}

// Parse turns a raw model reply into a Candidate. Every rejection is an
// *Error of kind malformed carrying the raw reply.
func Parse(raw, outputMode string, readOnly bool) (Candidate, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return Candidate{}, malformed(raw, "model returned an empty response")
	}

	candidate := Candidate{Raw: raw}
	body := stripMarkdownFence(text)
	if outputMode == prompt.OutputModeSQLAnswer || strings.HasPrefix(body, "{") {
		fields, err := decodeAnswerObject(body)
		if err != nil {
			if outputMode == prompt.OutputModeSQLAnswer {
				return Candidate{}, malformed(raw, err.Error())
			}
		} else {
			candidate.SQL = fields.sql
			candidate.Answer = fields.answer
			candidate.Notes = fields.notes
		}
	}
	if candidate.SQL == "" && outputMode != prompt.OutputModeSQLAnswer {
		candidate.SQL = body
	}

	sql := stripTrailingSemicolons(repairQuotedSchemaTable(candidate.SQL))
	if sql == "" {
		return Candidate{}, malformed(raw, "response contains no SQL")
	}
	statements, masked := splitStatements(sql)
	if len(statements) > 1 {
		return Candidate{}, malformed(raw, fmt.Sprintf("expected exactly one SQL statement, got %d", len(statements)))
	}

	keyword := leadingKeyword(masked)
	if !statementKeywords[keyword] {
		return Candidate{}, malformed(raw, "response is not a SQL statement")
	}
	if readOnly {
		if !readOnlyKeywords[keyword] || writeKeywords.MatchString(masked) {
			return Candidate{}, malformed(raw, "only SELECT or WITH queries are allowed")
		}
	}

	candidate.SQL = sql
	return candidate, nil
}

func malformed(raw, message string) *Error {
	return &Error{Kind: KindMalformed, Message: message, Raw: raw}
}

type answerFields struct {
	sql    string
	answer string
	notes  string
}

func decodeAnswerObject(text string) (answerFields, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end <= start {
		return answerFields{}, fmt.Errorf("response is not a JSON object")
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(text[start:end+1]), &payload); err != nil {
		return answerFields{}, fmt.Errorf("response is not valid JSON: %v", err)
	}
	fields := answerFields{
		answer: stringField(payload, "answer"),
		notes:  stringField(payload, "fix_notes"),
	}
	for _, key := range []string{"sql", "sql_full", "sql_preview"} {
		if value := stringField(payload, key); value != "" {
			fields.sql = value
			break
		}
	}
	if fields.sql == "" {
		return answerFields{}, fmt.Errorf("response JSON has no sql field")
	}
	return fields, nil
}

func stringField(payload map[string]any, key string) string {
	value, ok := payload[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}

// stripMarkdownFence returns the body of the first fenced block, if any.
func stripMarkdownFence(value string) string {
	trimmed := strings.TrimSpace(value)
	open := strings.Index(trimmed, "```")
	if open == -1 {
		return trimmed
	}
	rest := trimmed[open+3:]
	if newline := strings.IndexByte(rest, '\n'); newline != -1 {
		rest = rest[newline+1:]
	} else {
		rest = strings.TrimPrefix(strings.TrimPrefix(rest, "sql"), "json")
	}
	if closing := strings.Index(rest, "```"); closing != -1 {
		rest = rest[:closing]
	}
	return strings.TrimSpace(rest)
}

// repairQuotedSchemaTable rewrites "schema.table" into "schema"."table".
func repairQuotedSchemaTable(sql string) string {
	return quotedSchemaTable.ReplaceAllString(sql, `"$1"."$2"`)
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}

// splitStatements splits at semicolons outside quotes and comments. The
// second result is the lower-cased input with quoted and commented content
// blanked out, suitable for keyword checks.
func splitStatements(sql string) ([]string, string) {
	const (
		normal = iota
		singleQuote
		doubleQuote
		backtick
		lineComment
		blockComment
	)
	masked := []byte(sql)
	state := normal
	var statements []string
	last := 0
	// opener is the index of the '*' that opened the current block comment.
	opener := -1
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch state {
		case normal:
			switch {
			case c == '\'':
				state = singleQuote
			case c == '"':
				state = doubleQuote
			case c == '`':
				state = backtick
			case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
				state = lineComment
				masked[i] = ' '
			case c == '/' && i+1 < len(sql) && sql[i+1] == '*':
				state = blockComment
				opener = i + 1
				masked[i] = ' '
			case c == ';':
				if stmt := strings.TrimSpace(sql[last:i]); stmt != "" {
					statements = append(statements, stmt)
				}
				last = i + 1
			}
		case singleQuote:
			if c == '\'' {
				state = normal
			} else {
				masked[i] = ' '
			}
		case doubleQuote:
			if c == '"' {
				state = normal
			} else {
				masked[i] = ' '
			}
		case backtick:
			if c == '`' {
				state = normal
			} else {
				masked[i] = ' '
			}
		case lineComment:
			if c == '\n' {
				state = normal
			} else {
				masked[i] = ' '
			}
		case blockComment:
			masked[i] = ' '
			if c == '/' && i-1 > opener && sql[i-1] == '*' {
				state = normal
			}
		}
	}
	if stmt := strings.TrimSpace(sql[last:]); stmt != "" {
		statements = append(statements, stmt)
	}
	return statements, strings.ToLower(string(masked))
}

func leadingKeyword(masked string) string {
	trimmed := strings.TrimLeft(masked, " \t\r\n(")
	return leadingWord.FindString(trimmed)
}
