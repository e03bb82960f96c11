package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chatsql/chatsql/internal/execution"
	"github.com/chatsql/chatsql/internal/schema"
)

type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client talks to an external data-access service that owns the database
// connections.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("data service base URL is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{baseURL: baseURL, apiKey: strings.TrimSpace(cfg.APIKey), httpClient: httpClient}, nil
}

type describeRequest struct {
	ConnectionID string `json:"connection_id"`
}

type describeResponse struct {
	OK     bool               `json:"ok"`
	Error  string             `json:"error"`
	Schema schema.Description `json:"schema"`
}

type queryRequest struct {
	ConnectionID string `json:"connection_id"`
	SQL          string `json:"sql"`
	TimeoutMs    int64  `json:"timeout_ms,omitempty"`
	RowLimit     int    `json:"row_limit,omitempty"`
}

type queryResponse struct {
	OK        bool     `json:"ok"`
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	Truncated bool     `json:"truncated"`
	ErrorKind string   `json:"error_kind"`
	Message   string   `json:"message"`
	Code      string   `json:"code"`
}

func (c *Client) DescribeSchema(ctx context.Context, connectionID string) (schema.Description, error) {
	var resp describeResponse
	if err := c.post(ctx, "/schema/describe", describeRequest{ConnectionID: connectionID}, &resp); err != nil {
		return schema.Description{}, err
	}
	if !resp.OK {
		return schema.Description{}, fmt.Errorf("describe schema %q: %s", connectionID, resp.Error)
	}
	return resp.Schema, nil
}

func (c *Client) RunQuery(ctx context.Context, request execution.Request) (execution.ResultSet, error) {
	var resp queryResponse
	err := c.post(ctx, "/query", queryRequest{
		ConnectionID: request.ConnectionID,
		SQL:          request.SQL,
		TimeoutMs:    request.Timeout.Milliseconds(),
		RowLimit:     request.RowLimit,
	}, &resp)
	if err != nil {
		if ctx.Err() != nil {
			return execution.ResultSet{}, ctx.Err()
		}
		return execution.ResultSet{}, fmt.Errorf("%w: %v", execution.ErrTransport, err)
	}
	if !resp.OK {
		return execution.ResultSet{}, &execution.Error{
			Kind:    normalizeKind(resp.ErrorKind, resp.Message),
			Message: resp.Message,
			Code:    resp.Code,
		}
	}
	rows := resp.Rows
	if rows == nil {
		rows = make([][]any, 0)
	}
	return execution.ResultSet{Columns: resp.Columns, Rows: rows, Truncated: resp.Truncated}, nil
}

func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request data service health: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("data service health status=%d", resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response body: %w", path, err)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%s failed status=%d body=%s", path, resp.StatusCode, string(raw))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response (status=%d): %w", path, resp.StatusCode, err)
	}
	return nil
}

func normalizeKind(kind, message string) execution.Kind {
	switch execution.Kind(strings.ToLower(strings.TrimSpace(strings.ReplaceAll(kind, "-", "_")))) {
	case execution.KindSyntax:
		return execution.KindSyntax
	case execution.KindMissingObject:
		return execution.KindMissingObject
	case execution.KindPermission:
		return execution.KindPermission
	case execution.KindTimeout:
		return execution.KindTimeout
	case execution.KindConstraintViolation:
		return execution.KindConstraintViolation
	case execution.KindUnknown:
		return execution.KindUnknown
	}
	return execution.Classify(message)
}
