// Package sink posts transcript results to the downstream receiver. The
// receiver is expected to deduplicate by job ID, so delivering the same
// result more than once is safe; upstream guarantees are only at-least-once.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/batchscribe/batchscribe/internal/fault"
	"github.com/batchscribe/batchscribe/internal/job"
)

const (
	defaultTimeout     = 30 * time.Second
	transcriptsPath    = "/transcripts"
	maxErrorBodyLength = 200
)

// Config holds configuration for the result sink client.
type Config struct {
	// BaseURL is the sink's base URL; results are posted to /transcripts.
	BaseURL string `mapstructure:"base_url" json:"base_url" validate:"required"`
	// Token is an optional bearer token for the sink.
	Token string `mapstructure:"token" json:"token"`
	// Timeout bounds a single delivery attempt.
	Timeout time.Duration `mapstructure:"timeout" json:"timeout"`
}

// ApplyDefaults fills in zero-valued fields with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}
}

// Validate checks that the sink configuration is valid.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("sink: base_url is required")
	}
	return nil
}

// Client delivers transcript results over HTTP.
type Client struct {
	cfg    Config
	client *http.Client
}

// NewClient creates a sink client from config.
func NewClient(cfg Config) *Client {
	cfg.ApplyDefaults()
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Deliver posts one result to the sink. 2xx means delivered; 409 also counts
// as delivered since an idempotent sink answering a duplicate is success
// from this side. 5xx and transport failures are transient, the remaining
// 4xx are permanent.
func (c *Client) Deliver(ctx context.Context, result job.TranscriptResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("sink: marshal result: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+transcriptsPath, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("sink: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fault.Transient("sink delivery timed out", err)
		}
		return fault.Transient("sink unreachable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		// Duplicate of an already-stored result.
		return nil
	case resp.StatusCode >= 500:
		return fault.Transient(fmt.Sprintf("sink returned %d", resp.StatusCode), nil)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLength))
		return fault.Permanent(fmt.Sprintf("sink rejected result (%d): %s", resp.StatusCode, body), nil)
	}
}
