// Package grist is the HTTP transport to a remote document service.
//
// Client implements the narrow document contract used by the rule manager:
// apply an action bundle, run a read-only metadata query, list a table's
// columns. Error bodies are decoded so callers can classify rejections.
package grist

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

	"github.com/solatis/condfmt/internal/types"
)

const (
	// maxErrorBodySize limits how much of an error response is read.
	maxErrorBodySize = 8192

	// DefaultTimeout bounds each request when Config.Timeout is zero.
	DefaultTimeout = 30 * time.Second
)

// Config holds the connection settings.
type Config struct {
	ServerURL string
	APIKey    string
	Timeout   time.Duration
}

// Client talks to one document service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a client. The server URL must be absolute.
func New(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.ServerURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q", cfg.ServerURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.ServerURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// errorResponse is the error body returned by the service.
type errorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

type sqlRequest struct {
	SQL  string `json:"sql"`
	Args []any  `json:"args,omitempty"`
}

type sqlResponse struct {
	Records []struct {
		Fields map[string]any `json:"fields"`
	} `json:"records"`
}

type columnsResponse struct {
	Columns []struct {
		ID     string         `json:"id"`
		Fields map[string]any `json:"fields"`
	} `json:"columns"`
}

// ApplyActions submits actions as one bundle. A rejected bundle is returned
// as *types.ApplyError; nothing from it was applied. The data engine reports
// action failures such as KeyError as a 500 with an error body, so those are
// rejections too.
func (c *Client) ApplyActions(ctx context.Context, docID string, actions []types.Action) (*types.ApplyResult, error) {
	var result types.ApplyResult
	err := c.do(ctx, http.MethodPost, c.docPath(docID, "apply"), actions, &result)
	if err != nil {
		var httpErr *statusError
		if errors.As(err, &httpErr) && httpErr.status != http.StatusNotFound && (httpErr.status < 500 || httpErr.engine) {
			return nil, &types.ApplyError{ActionIndex: -1, Message: httpErr.message, Status: httpErr.status}
		}
		return nil, fmt.Errorf("apply actions: %w", err)
	}
	return &result, nil
}

// QuerySQL runs a parameterized SELECT over document metadata.
func (c *Client) QuerySQL(ctx context.Context, docID, query string, args ...any) ([]types.Row, error) {
	var resp sqlResponse
	if err := c.do(ctx, http.MethodPost, c.docPath(docID, "sql"), sqlRequest{SQL: query, Args: args}, &resp); err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	rows := make([]types.Row, len(resp.Records))
	for i, rec := range resp.Records {
		rows[i] = types.Row(rec.Fields)
	}
	return rows, nil
}

// ListColumns lists every column of tableID, hidden helper columns included.
func (c *Client) ListColumns(ctx context.Context, docID, tableID string) ([]types.Column, error) {
	path := c.docPath(docID, "tables", tableID, "columns") + "?hidden=true"
	var resp columnsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("list columns of %q: %w", tableID, err)
	}

	columns := make([]types.Column, len(resp.Columns))
	for i, col := range resp.Columns {
		column := types.Column{ID: col.ID}
		if ref, ok := col.Fields["colRef"].(json.Number); ok {
			column.Ref, _ = ref.Int64()
		}
		column.Type, _ = col.Fields["type"].(string)
		column.Formula, _ = col.Fields["formula"].(string)
		column.IsFormula, _ = col.Fields["isFormula"].(bool)
		column.WidgetOptions, _ = col.Fields["widgetOptions"].(string)
		columns[i] = column
	}
	return columns, nil
}

func (c *Client) docPath(docID string, parts ...string) string {
	escaped := make([]string, 0, len(parts)+3)
	escaped = append(escaped, "api", "docs", url.PathEscape(docID))
	for _, p := range parts {
		escaped = append(escaped, url.PathEscape(p))
	}
	return "/" + strings.Join(escaped, "/")
}

// statusError is a non-2xx response. engine is set when the body carried
// a JSON error message rather than a proxy or gateway page.
type statusError struct {
	status  int
	message string
	engine  bool
}

func (e *statusError) Error() string {
	return fmt.Sprintf("document service returned %d: %s", e.status, e.message)
}

func (e *statusError) Unwrap() error {
	if e.status == http.StatusNotFound {
		return types.ErrNotFound
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		message := strings.TrimSpace(string(raw))
		var decoded errorResponse
		engine := json.Unmarshal(raw, &decoded) == nil && decoded.Error != ""
		if engine {
			message = decoded.Error
		}
		return &statusError{status: resp.StatusCode, message: message, engine: engine}
	}

	if out == nil {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
