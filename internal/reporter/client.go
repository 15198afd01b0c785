// Package reporter is the job-runner side of the dashboard: a
// fire-and-forget HTTP client plus job-id discovery. Reporting failures are
// logged and swallowed; the automation run being monitored must never fail
// because the dashboard was unreachable.
package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// DefaultChunkSize is the slice size for uploading a large log buffer as
// individual progress messages.
const DefaultChunkSize = 7000

// Client posts job reports to the dashboard ingestion API.
type Client struct {
	baseURL   string
	http      *http.Client
	chunkSize int
	log       zerolog.Logger
}

// Option tweaks client construction.
type Option func(*Client)

// WithTimeout overrides the per-request timeout (default 15s).
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithChunkSize overrides the log upload chunk size.
func WithChunkSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

// WithLogger attaches a logger for swallowed failures.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// NewClient builds a reporter client for the given dashboard base URL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:   baseURL,
		http:      &http.Client{Timeout: 15 * time.Second},
		chunkSize: DefaultChunkSize,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start registers a new job run and returns its id. An empty id with a nil
// error never happens; on transport failure the error is returned so the
// caller can decide to continue without reporting.
func (c *Client) Start(ctx context.Context, name, scope, triggeredBy string) (string, error) {
	var resp struct {
		JobID string `json:"job_id"`
	}
	err := c.post(ctx, "/api/jobs/start", map[string]string{
		"job_name":     name,
		"scope":        scope,
		"triggered_by": triggeredBy,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.JobID == "" {
		return "", fmt.Errorf("start report: no job_id in response")
	}
	return resp.JobID, nil
}

// Progress sends a progress report. progress may be nil (message only).
func (c *Client) Progress(ctx context.Context, jobID string, progress *float64, message, level string) error {
	payload := map[string]any{"job_id": jobID}
	if progress != nil {
		payload["progress"] = *progress
	}
	if message != "" {
		payload["message"] = message
		if level != "" {
			payload["level"] = level
		}
	}
	return c.post(ctx, "/api/jobs/progress", payload, nil)
}

// Complete marks the job terminal.
func (c *Client) Complete(ctx context.Context, jobID, status, message string) error {
	payload := map[string]any{"job_id": jobID, "status": status}
	if message != "" {
		payload["message"] = message
	}
	return c.post(ctx, "/api/jobs/complete", payload, nil)
}

// UploadLog slices a large transcript into fixed-size chunks and posts each
// as a progress message, preserving order. Used as the end-of-run fallback
// when line streaming never happened.
func (c *Client) UploadLog(ctx context.Context, jobID, text string) error {
	for i := 0; i < len(text); i += c.chunkSize {
		end := i + c.chunkSize
		if end > len(text) {
			end = len(text)
		}
		if err := c.Progress(ctx, jobID, nil, text[i:end], "info"); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug().Err(err).Str("path", path).Msg("report not delivered")
		return fmt.Errorf("post report: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		c.log.Debug().Int("status", resp.StatusCode).Str("path", path).Msg("report rejected")
		return fmt.Errorf("post report: status %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
