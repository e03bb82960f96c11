package prompt

import (
	"fmt"
	"strings"

	"github.com/chatsql/chatsql/internal/execution"
	"github.com/chatsql/chatsql/internal/schema"
)

const (
	OutputModeSQL       = "sql"
	OutputModeSQLAnswer = "sql_answer"

	maxSummaryItems    = 10
	maxSummaryErrChars = 140
)

// Prompt is the model-ready request: a system instruction and a user message.
type Prompt struct {
	System string
	User   string
}

// Exchange is one completed turn of the session, as the model should see it.
type Exchange struct {
	Utterance string
	SQL       string
	Answer    string
	Failed    bool
}

// PriorAttempt is a failed attempt of the current run.
type PriorAttempt struct {
	Sequence int
	SQL      string
	Kind     execution.Kind
	Message  string
	Notes    string
}

type Config struct {
	OutputMode         string
	ReadOnly           bool
	Dialect            string
	HistoryWindow      int
	HistoryTokenBudget int
}

type Input struct {
	Utterance string
	Snapshot  *schema.Snapshot
	History   []Exchange
	Attempts  []PriorAttempt
}

type Builder struct {
	cfg Config
}

func NewBuilder(cfg Config) *Builder {
	if cfg.OutputMode == "" {
		cfg.OutputMode = OutputModeSQL
	}
	if cfg.HistoryWindow < 0 {
		cfg.HistoryWindow = 0
	}
	return &Builder{cfg: cfg}
}

// Build assembles the prompt for one attempt. It has no side effects; the
// same input always yields the same prompt.
func (b *Builder) Build(in Input) Prompt {
	return Prompt{
		System: b.systemText(),
		User:   b.userText(in),
	}
}

func (b *Builder) systemText() string {
	var s strings.Builder
	s.WriteString("You translate questions about a relational database into SQL.\n")
	fmt.Fprintf(&s, "SQL dialect: %s.\n", dialectName(b.cfg.Dialect))
	s.WriteString("Use only tables and columns that appear in the schema you are given.\n")
	if b.cfg.ReadOnly {
		s.WriteString("Produce only a SELECT or WITH query. Never modify data or schema.\n")
	}
	switch b.cfg.OutputMode {
	case OutputModeSQLAnswer:
		s.WriteString("Respond with strict JSON only, no markdown and no text outside the object:\n")
		s.WriteString(`{"sql": "<one SQL statement>", "answer": "<one sentence describing what the query returns>", "fix_notes": "<what you changed, when correcting>"}`)
		s.WriteString("\n")
	default:
		s.WriteString("Return exactly one SQL statement and nothing else. No prose, no markdown, no comments.\n")
	}
	return strings.TrimRight(s.String(), "\n")
}

func (b *Builder) userText(in Input) string {
	var s strings.Builder
	s.WriteString("Schema:\n")
	s.WriteString(schema.Render(in.Snapshot))
	s.WriteString("\n\n")

	if history := b.historyWindow(in.History); len(history) > 0 {
		s.WriteString("Conversation so far (oldest first):\n")
		for _, block := range history {
			s.WriteString(block)
			s.WriteString("\n")
		}
		s.WriteString("\n")
	}

	s.WriteString("Question:\n")
	s.WriteString(strings.TrimSpace(in.Utterance))

	if len(in.Attempts) > 0 {
		s.WriteString("\n\n")
		s.WriteString(repairSection(in.Attempts))
	}
	return s.String()
}

// historyWindow keeps the trailing HistoryWindow exchanges and then drops the
// oldest until the estimated size fits HistoryTokenBudget.
func (b *Builder) historyWindow(history []Exchange) []string {
	if b.cfg.HistoryWindow == 0 || len(history) == 0 {
		return nil
	}
	start := 0
	if len(history) > b.cfg.HistoryWindow {
		start = len(history) - b.cfg.HistoryWindow
	}
	blocks := make([]string, 0, len(history)-start)
	for _, exchange := range history[start:] {
		blocks = append(blocks, renderExchange(exchange))
	}
	if b.cfg.HistoryTokenBudget <= 0 {
		return blocks
	}
	total := 0
	for _, block := range blocks {
		total += EstimateTokens(block)
	}
	for len(blocks) > 0 && total > b.cfg.HistoryTokenBudget {
		total -= EstimateTokens(blocks[0])
		blocks = blocks[1:]
	}
	return blocks
}

func renderExchange(exchange Exchange) string {
	var s strings.Builder
	s.WriteString("User: ")
	s.WriteString(strings.TrimSpace(exchange.Utterance))
	s.WriteString("\n")
	switch {
	case exchange.Failed:
		s.WriteString("(no working query was found)\n")
	case exchange.SQL != "":
		s.WriteString("SQL: ")
		s.WriteString(strings.TrimSpace(exchange.SQL))
		s.WriteString("\n")
	}
	if exchange.Answer != "" && !exchange.Failed {
		s.WriteString("Answer: ")
		s.WriteString(strings.TrimSpace(exchange.Answer))
		s.WriteString("\n")
	}
	return s.String()
}

func repairSection(attempts []PriorAttempt) string {
	last := attempts[len(attempts)-1]
	var s strings.Builder
	s.WriteString("The previous statement failed. Correct the previous statement; do not start over.\n\n")
	// The failed statement and its error go in verbatim; only the summary of
	// earlier attempts is shortened.
	s.WriteString("Previous statement:\n")
	s.WriteString(last.SQL)
	s.WriteString("\n\n")
	fmt.Fprintf(&s, "Error (%s):\n", last.Kind)
	s.WriteString(last.Message)
	s.WriteString("\n")

	if len(attempts) > 1 {
		s.WriteString("\nEarlier attempts in this request (most recent last), do not repeat these mistakes:\n")
		s.WriteString(attemptsSummary(attempts[:len(attempts)-1]))
		s.WriteString("\n")
	}
	if last.Kind == execution.KindTimeout {
		s.WriteString("\nThe previous statement timed out. Make the query more selective: add filters, narrow time ranges and aggregate before joining.\n")
	}
	return strings.TrimRight(s.String(), "\n")
}

func attemptsSummary(attempts []PriorAttempt) string {
	if len(attempts) > maxSummaryItems {
		attempts = attempts[len(attempts)-maxSummaryItems:]
	}
	lines := make([]string, 0, len(attempts))
	for _, attempt := range attempts {
		message := strings.Join(strings.Fields(attempt.Message), " ")
		if len([]rune(message)) > maxSummaryErrChars {
			message = string([]rune(message)[:maxSummaryErrChars]) + "..."
		}
		lines = append(lines, fmt.Sprintf("- #%d: %s | %s", attempt.Sequence, attempt.Kind, message))
	}
	return strings.Join(lines, "\n")
}

// EstimateTokens approximates model tokens as a quarter of the rune count.
func EstimateTokens(text string) int {
	runes := len([]rune(text))
	return (runes + 3) / 4
}

func dialectName(dialect string) string {
	switch strings.ToLower(strings.TrimSpace(dialect)) {
	case "postgres", "postgresql":
		return "PostgreSQL"
	case "sqlite":
		return "SQLite"
	case "duckdb":
		return "DuckDB (PostgreSQL-like syntax)"
	case "":
		return "standard SQL"
	default:
		return dialect
	}
}
