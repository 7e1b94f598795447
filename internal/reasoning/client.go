// Package reasoning asks the reasoning endpoint for the avatar's reply to a
// transcript.
package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// ErrReasoning is returned when no reply could be obtained.
var ErrReasoning = errors.New("reasoning request failed")

// Request is the JSON body sent to the reasoning endpoint.
type Request struct {
	Message string `json:"message"`
}

// Reply is the structured answer to one transcript. RelatedQuery is passed
// through exactly as the service returned it.
type Reply struct {
	Text         string `json:"response"`
	RelatedQuery bool   `json:"relatedquery"`
}

// Config configures the reasoning client
type Config struct {
	URL     string        `json:"url"`
	Timeout time.Duration `json:"timeout"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		URL:     "http://localhost:3000/api/ai",
		Timeout: 60 * time.Second,
	}
}

// Client sends one request per Ask and never retries.
type Client struct {
	config     *Config
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a new reasoning client
func NewClient(cfg *Config, logger zerolog.Logger) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger.With().Str("component", "reasoning-client").Logger(),
	}
}

// Ask sends text and returns the decoded reply.
func (c *Client) Ask(ctx context.Context, text string) (Reply, error) {
	body, err := json.Marshal(Request{Message: text})
	if err != nil {
		return Reply{}, fmt.Errorf("%w: failed to marshal request: %w", ErrReasoning, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return Reply{}, fmt.Errorf("%w: failed to create request: %w", ErrReasoning, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Reply{}, fmt.Errorf("%w: request failed: %w", ErrReasoning, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Reply{}, fmt.Errorf("%w: failed to read response: %w", ErrReasoning, err)
	}

	c.logger.Debug().
		Int("status", resp.StatusCode).
		Int("bodyLen", len(respBody)).
		Str("bodyPreview", truncateForLog(string(respBody), 500)).
		Msg("Reasoning raw response received")

	if resp.StatusCode != http.StatusOK {
		return Reply{}, fmt.Errorf("%w: status %d - %s", ErrReasoning, resp.StatusCode, truncateForLog(string(respBody), 200))
	}

	var reply Reply
	if err := json.Unmarshal(respBody, &reply); err != nil {
		c.logger.Error().Err(err).Str("body", truncateForLog(string(respBody), 500)).Msg("Failed to parse reasoning response")
		return Reply{}, fmt.Errorf("%w: failed to parse response: %w", ErrReasoning, err)
	}

	c.logger.Info().
		Int("chars", len(reply.Text)).
		Bool("related_query", reply.RelatedQuery).
		Dur("latency", time.Since(start)).
		Msg("Reasoning reply received")
	return reply, nil
}

func truncateForLog(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
