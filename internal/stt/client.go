// Package stt sends captured utterances to the transcription endpoint.
package stt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/normanking/avatartalk/internal/capture"
	"github.com/rs/zerolog"
)

// ErrTranscription is returned when an utterance could not be transcribed.
var ErrTranscription = errors.New("transcription failed")

// Upload naming expected by the transcription endpoint.
const (
	FormField      = "file"
	UploadFilename = "speech.webm"
)

// Config configures the transcription client
type Config struct {
	URL     string        `json:"url"`
	Timeout time.Duration `json:"timeout"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		URL:     "http://localhost:3000/api/transcribe",
		Timeout: 30 * time.Second,
	}
}

// Client transcribes utterances with one upstream request each. It never
// retries.
type Client struct {
	config *Config
	client *http.Client
	logger zerolog.Logger
}

// NewClient creates a new transcription client
func NewClient(cfg *Config, logger zerolog.Logger) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	return &Client{
		config: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger.With().Str("component", "stt").Logger(),
	}
}

// Transcribe uploads the utterance audio as a multipart form and returns the
// plain-text transcript.
func (c *Client) Transcribe(ctx context.Context, u capture.Utterance) (string, error) {
	startTime := time.Now()

	if len(u.Audio) == 0 {
		return "", fmt.Errorf("%w: empty utterance", ErrTranscription)
	}

	mimeType := u.MimeType
	if mimeType == "" {
		mimeType = capture.DefaultMimeType
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, FormField, UploadFilename))
	header.Set("Content-Type", mimeType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return "", fmt.Errorf("%w: failed to create form file: %w", ErrTranscription, err)
	}
	if _, err := part.Write(u.Audio); err != nil {
		return "", fmt.Errorf("%w: failed to write audio data: %w", ErrTranscription, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("%w: failed to close multipart writer: %w", ErrTranscription, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, &buf)
	if err != nil {
		return "", fmt.Errorf("%w: failed to create request: %w", ErrTranscription, err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: request failed: %w", ErrTranscription, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: failed to read response: %w", ErrTranscription, err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Error().Int("status", resp.StatusCode).Str("body", string(body)).Str("turn", u.ID).Msg("Transcription endpoint error")
		return "", fmt.Errorf("%w: status %d - %s", ErrTranscription, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	text := strings.TrimSpace(string(body))
	if text == "" {
		return "", fmt.Errorf("%w: empty transcript", ErrTranscription)
	}

	c.logger.Info().
		Str("turn", u.ID).
		Str("text", text).
		Dur("time", time.Since(startTime)).
		Msg("Transcription complete")
	return text, nil
}
