package tsdb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hearthflow/hearthflow/internal/config"
	"github.com/hearthflow/hearthflow/internal/httpkit"
)

// WriteError is a rejected write with enough detail to classify it.
type WriteError struct {
	StatusCode int
	Body       string
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("influx write rejected: status %d: %s", e.StatusCode, e.Body)
}

// Retriable reports whether the write may succeed on a later attempt.
// 5xx and 429 are transient; other 4xx are authoritative rejections.
func (e *WriteError) Retriable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Retriable classifies any write error. Network-level errors (no
// status code at all) are always retriable.
func Retriable(err error) bool {
	var we *WriteError
	if errors.As(err, &we) {
		return we.Retriable()
	}
	return true
}

// Client talks to one InfluxDB v2 instance.
type Client struct {
	baseURL string
	token   string
	org     string
	http    *http.Client
	logger  *slog.Logger
}

// New creates a Client from the influx config section.
func New(cfg config.InfluxConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: cfg.URL,
		token:   cfg.Token,
		org:     cfg.Org,
		// Connection-level retries cover a store mid-restart; failed
		// batches above this layer go through the writer's own backoff.
		http: httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

// Write sends one encoded batch to a bucket with nanosecond precision.
// The batch id rides along as a header for downstream dedupe.
func (c *Client) Write(ctx context.Context, bucket string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	body, err := Encode(points)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	u := fmt.Sprintf("%s/api/v2/write?org=%s&bucket=%s&precision=ns",
		c.baseURL, url.QueryEscape(c.org), url.QueryEscape(bucket))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build write request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.token)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	req.Header.Set("X-Batch-Id", BatchID(points))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("write batch: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &WriteError{
			StatusCode: resp.StatusCode,
			Body:       httpkit.ReadErrorBody(resp.Body, 4096),
		}
	}
	httpkit.DrainAndClose(resp.Body, 4096)
	return nil
}

// WriteRaw sends pre-encoded line-protocol bytes, preserving the
// original batch id. Used when replaying the failed-batch spool.
func (c *Client) WriteRaw(ctx context.Context, bucket, batchID string, lines []byte) error {
	if len(lines) == 0 {
		return nil
	}
	u := fmt.Sprintf("%s/api/v2/write?org=%s&bucket=%s&precision=ns",
		c.baseURL, url.QueryEscape(c.org), url.QueryEscape(bucket))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(lines))
	if err != nil {
		return fmt.Errorf("build write request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.token)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if batchID != "" {
		req.Header.Set("X-Batch-Id", batchID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("write batch: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &WriteError{
			StatusCode: resp.StatusCode,
			Body:       httpkit.ReadErrorBody(resp.Body, 4096),
		}
	}
	httpkit.DrainAndClose(resp.Body, 4096)
	return nil
}

// Query runs a Flux script and returns the parsed record rows.
func (c *Client) Query(ctx context.Context, flux string) ([]Record, error) {
	u := fmt.Sprintf("%s/api/v2/query?org=%s", c.baseURL, url.QueryEscape(c.org))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader([]byte(flux)))
	if err != nil {
		return nil, fmt.Errorf("build query request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.token)
	req.Header.Set("Content-Type", "application/vnd.flux")
	req.Header.Set("Accept", "text/csv")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("query rejected: status %d: %s",
			resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}
	return ParseAnnotatedCSV(resp.Body)
}
