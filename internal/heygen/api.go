// Package heygen implements the avatar transport on top of a HeyGen-style
// streaming avatar service: a REST session API, a LiveKit media room carrying
// the avatar's audio and video, and a WebSocket event channel.
package heygen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/normanking/avatartalk/internal/avatar"
	"github.com/rs/zerolog"
)

// REST paths of the streaming API.
const (
	pathNew   = "/v1/streaming.new"
	pathStart = "/v1/streaming.start"
	pathTask  = "/v1/streaming.task"
	pathStop  = "/v1/streaming.stop"
	pathChat  = "/v1/ws/streaming.chat"
)

// Config configures the transport
type Config struct {
	BaseURL      string        `json:"base_url"`      // e.g. "https://api.heygen.com"
	Timeout      time.Duration `json:"timeout"`       // per REST request
	ReadyTimeout time.Duration `json:"ready_timeout"` // wait for audio and video tracks
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		BaseURL:      "https://api.heygen.com",
		Timeout:      30 * time.Second,
		ReadyTimeout: 20 * time.Second,
	}
}

type voiceRequest struct {
	VoiceID string  `json:"voice_id,omitempty"`
	Rate    float64 `json:"rate,omitempty"`
	Emotion string  `json:"emotion,omitempty"`
	Model   string  `json:"model,omitempty"`
}

type sttSettings struct {
	Provider string `json:"provider"`
}

type newSessionRequest struct {
	Quality         string       `json:"quality"`
	AvatarName      string       `json:"avatar_name"`
	KnowledgeBaseID string       `json:"knowledge_base_id,omitempty"`
	Voice           voiceRequest `json:"voice"`
	Language        string       `json:"language,omitempty"`
	Version         string       `json:"version"`
	VideoEncoding   string       `json:"video_encoding"`
	Source          string       `json:"source"`
	STTSettings     *sttSettings `json:"stt_settings,omitempty"`
	LiveKitChat     bool         `json:"ia_is_livekit_transport"`
}

func newSessionRequestFrom(cfg avatar.SessionConfig) newSessionRequest {
	req := newSessionRequest{
		Quality:         string(cfg.Quality),
		AvatarName:      cfg.AvatarName,
		KnowledgeBaseID: cfg.KnowledgeID,
		Voice: voiceRequest{
			VoiceID: cfg.Voice.VoiceID,
			Rate:    cfg.Voice.Rate,
			Emotion: string(cfg.Voice.Emotion),
			Model:   cfg.Voice.Model,
		},
		Language:      cfg.Language,
		Version:       "v2",
		VideoEncoding: "H264",
		Source:        "sdk",
		LiveKitChat:   cfg.Transport == avatar.TransportLiveKit,
	}
	if cfg.STTProvider != "" {
		req.STTSettings = &sttSettings{Provider: string(cfg.STTProvider)}
	}
	return req
}

// sessionInfo is the data of a streaming.new response.
type sessionInfo struct {
	SessionID   string `json:"session_id"`
	URL         string `json:"url"`
	AccessToken string `json:"access_token"`
}

type sessionRequest struct {
	SessionID string `json:"session_id"`
}

type taskRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	TaskType  string `json:"task_type"`
	TaskMode  string `json:"task_mode"`
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// apiClient speaks the REST half of the streaming API. Every call carries
// the session token as a bearer credential.
type apiClient struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

func newAPIClient(cfg *Config, logger zerolog.Logger) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

func (c *apiClient) newSession(ctx context.Context, token string, cfg avatar.SessionConfig) (*sessionInfo, error) {
	var info sessionInfo
	if err := c.post(ctx, token, pathNew, newSessionRequestFrom(cfg), &info); err != nil {
		return nil, err
	}
	if info.SessionID == "" || info.URL == "" || info.AccessToken == "" {
		return nil, fmt.Errorf("incomplete session info from %s", pathNew)
	}
	return &info, nil
}

func (c *apiClient) start(ctx context.Context, token, sessionID string) error {
	return c.post(ctx, token, pathStart, sessionRequest{SessionID: sessionID}, nil)
}

func (c *apiClient) task(ctx context.Context, token, sessionID, text string, taskType avatar.TaskType, mode avatar.TaskMode) error {
	return c.post(ctx, token, pathTask, taskRequest{
		SessionID: sessionID,
		Text:      text,
		TaskType:  string(taskType),
		TaskMode:  string(mode),
	}, nil)
}

func (c *apiClient) stop(ctx context.Context, token, sessionID string) error {
	return c.post(ctx, token, pathStop, sessionRequest{SessionID: sessionID}, nil)
}

func (c *apiClient) post(ctx context.Context, token, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Error().Int("status", resp.StatusCode).Str("path", path).Str("body", string(respBody)).Msg("Streaming API error")
		return fmt.Errorf("%s failed: %d - %s", path, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if out == nil {
		return nil
	}
	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", path, err)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to parse %s data: %w", path, err)
	}
	return nil
}
