package chatsqlctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

// errUsage marks failures that should exit with status 2.
var errUsage = errors.New("usage error")

type client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	stdout  io.Writer
}

// Run executes one chatsqlctl invocation and returns the process exit code.
func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	root := NewRootCommand(defaults, stdout)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		if errors.Is(err, errUsage) || isCobraUsageError(err) {
			return 2
		}
		return 1
	}
	return 0
}

func NewRootCommand(defaults Options, stdout io.Writer) *cobra.Command {
	c := &client{stdout: stdout}
	var timeout time.Duration

	root := &cobra.Command{
		Use:           "chatsqlctl",
		Short:         "Operate a chatsql API server",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			c.baseURL = strings.TrimRight(c.baseURL, "/")
			if c.baseURL == "" {
				return fmt.Errorf("%w: --base-url is required", errUsage)
			}
			c.http = defaults.HTTPClient
			if c.http == nil {
				c.http = &http.Client{Timeout: timeout}
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.baseURL, "base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "chatsql API base URL")
	root.PersistentFlags().StringVar(&c.apiKey, "api-key", defaults.APIKey, "API key for authenticated requests")
	root.PersistentFlags().DurationVar(&timeout, "timeout", durationOr(defaults.Timeout, 90*time.Second), "HTTP timeout (e.g. 30s)")

	root.AddCommand(
		&cobra.Command{
			Use:   "health",
			Short: "GET /v1/health",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.call(cmd.Context(), http.MethodGet, "/v1/health", nil)
			},
		},
		&cobra.Command{
			Use:   "ready",
			Short: "GET /v1/ready",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.call(cmd.Context(), http.MethodGet, "/v1/ready", nil)
			},
		},
		newChatCommand(c),
		&cobra.Command{
			Use:   "turns <session-id>",
			Short: "List the stored turns of a session",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.call(cmd.Context(), http.MethodGet, "/v1/sessions/"+url.PathEscape(args[0])+"/turns", nil)
			},
		},
		&cobra.Command{
			Use:   "close <session-id>",
			Short: "Close a session",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.call(cmd.Context(), http.MethodDelete, "/v1/sessions/"+url.PathEscape(args[0]), nil)
			},
		},
		&cobra.Command{
			Use:   "schema <connection-id>",
			Short: "Show the cached schema of a connection",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.call(cmd.Context(), http.MethodGet, "/v1/schema/"+url.PathEscape(args[0]), nil)
			},
		},
		&cobra.Command{
			Use:   "invalidate <connection-id>",
			Short: "Force the next message to re-read a connection's schema",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.call(cmd.Context(), http.MethodPost, "/v1/schema/"+url.PathEscape(args[0])+"/invalidate", nil)
			},
		},
	)
	return root
}

func newChatCommand(c *client) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "chat <message...>",
		Short: "Send one message and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"message": strings.Join(args, " ")}
			if strings.TrimSpace(sessionID) != "" {
				body["session_id"] = strings.TrimSpace(sessionID)
			}
			return c.call(cmd.Context(), http.MethodPost, "/v1/chat", body)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id to continue")
	return cmd
}

func (c *client) call(ctx context.Context, method, path string, payload any) error {
	code, responseBody, err := c.doRequest(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if code >= 400 {
		return fmt.Errorf("http %d: %s", code, strings.TrimSpace(string(responseBody)))
	}

	if pretty, ok := prettyJSON(responseBody); ok {
		_, _ = fmt.Fprintln(c.stdout, pretty)
		return nil
	}
	if len(responseBody) > 0 {
		_, _ = fmt.Fprintln(c.stdout, string(responseBody))
	}
	return nil
}

func (c *client) doRequest(ctx context.Context, method, endpoint string, payload any) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-API-Key", strings.TrimSpace(c.apiKey))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, responseBody, nil
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

// isCobraUsageError recognises argument and flag validation failures, which
// cobra reports as plain errors.
func isCobraUsageError(err error) bool {
	message := err.Error()
	for _, marker := range []string{"unknown command", "unknown flag", "unknown shorthand flag", "accepts ", "requires at least", "invalid argument", "flag needs an argument"} {
		if strings.Contains(message, marker) {
			return true
		}
	}
	return false
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
