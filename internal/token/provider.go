// Package token fetches short-lived avatar access tokens.
package token

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrTokenFetch is returned when no usable token could be obtained.
var ErrTokenFetch = errors.New("token fetch failed")

// maxTokenBytes caps how much of the response body is read.
const maxTokenBytes = 64 << 10

// Config configures the token provider
type Config struct {
	URL     string        // token endpoint, answers POST with the token as plain text
	Timeout time.Duration // HTTP request timeout
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		URL:     "http://localhost:3000/api/get-access-token",
		Timeout: 15 * time.Second,
	}
}

// Provider fetches a fresh token on every call. Tokens are never cached.
type Provider struct {
	config     *Config
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewProvider creates a new token provider
func NewProvider(cfg *Config, logger zerolog.Logger) *Provider {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	return &Provider{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger.With().Str("component", "token-provider").Logger(),
	}
}

// FetchToken sends one POST with an empty body and returns the trimmed
// response text.
func (p *Provider) FetchToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.URL, bytes.NewReader(nil))
	if err != nil {
		return "", fmt.Errorf("%w: failed to create request: %w", ErrTokenFetch, err)
	}

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.logger.Warn().Err(err).Msg("Token request failed")
		return "", fmt.Errorf("%w: %w", ErrTokenFetch, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenBytes))
	if err != nil {
		return "", fmt.Errorf("%w: failed to read response: %w", ErrTokenFetch, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		p.logger.Warn().Int("status", resp.StatusCode).Msg("Token endpoint returned error")
		return "", fmt.Errorf("%w: status %d - %s", ErrTokenFetch, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	token := strings.TrimSpace(string(body))
	if token == "" {
		return "", fmt.Errorf("%w: empty token", ErrTokenFetch)
	}

	p.logger.Debug().Dur("latency", time.Since(start)).Msg("Access token fetched")
	return token, nil
}
