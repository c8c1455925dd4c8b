// Package transcribe invokes the external speech-recognition engine for one
// reference at a time. The engine is opaque: it fetches the audio itself
// from the presigned URL and answers with the transcript. Whatever it
// returns is classified into the shared fault taxonomy here, at the
// boundary, so the worker loop only ever reasons about fault classes.
package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultTimeout      = 5 * time.Minute
	defaultLanguage     = "en"
	transcribeEndpoint  = "/transcribe"
	healthCheckEndpoint = "/health"
)

// Config holds configuration for the ASR engine client.
type Config struct {
	// URL is the base URL of the transcription engine.
	URL string `mapstructure:"url" json:"url" validate:"required"`
	// Language is the expected language of the audio.
	Language string `mapstructure:"language" json:"language"`
	// Timeout bounds a single engine call.
	Timeout time.Duration `mapstructure:"timeout" json:"timeout"`
}

// ApplyDefaults fills in zero-valued fields with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.Language == "" {
		c.Language = defaultLanguage
	}
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}
}

// Validate checks that the engine configuration is valid.
func (c *Config) Validate() error {
	if c.URL == "" {
		return errors.New("transcribe: url is required")
	}
	return nil
}

// Invoker calls the transcription engine over HTTP.
type Invoker struct {
	cfg    Config
	client *http.Client
}

// NewInvoker creates an engine client from config.
func NewInvoker(cfg Config) *Invoker {
	cfg.ApplyDefaults()
	return &Invoker{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type transcribeRequest struct {
	FetchURL string `json:"fetch_url"`
	Language string `json:"language,omitempty"`
}

type transcribeResponse struct {
	Text     string  `json:"text"`
	Duration float64 `json:"duration,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// Transcribe submits a reference to the engine and returns the transcript
// text. Errors come back classified: transient faults are requeue
// candidates, permanent and expired-reference faults are not.
func (i *Invoker) Transcribe(ctx context.Context, reference string) (string, error) {
	payload, err := json.Marshal(transcribeRequest{
		FetchURL: reference,
		Language: i.cfg.Language,
	})
	if err != nil {
		return "", fmt.Errorf("transcribe: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		i.cfg.URL+transcribeEndpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("transcribe: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := i.client.Do(req)
	if err != nil {
		return "", classifyTransport(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 10<<20))

	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus(resp.StatusCode, body)
	}

	var result transcribeResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", classifyDecode(err, body)
	}
	return result.Text, nil
}

// IsAvailable checks whether the engine is reachable.
func (i *Invoker) IsAvailable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		i.cfg.URL+healthCheckEndpoint, nil)
	if err != nil {
		return false
	}
	resp, err := i.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
