// Package avatar owns the streaming avatar session: its configuration, the
// connection state machine, and the media stream handle lent to renderers.
package avatar

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

// Common errors
var (
	ErrAlreadyActive  = errors.New("avatar session already active")
	ErrNotConnected   = errors.New("avatar session not connected")
	ErrTransportSetup = errors.New("avatar transport setup failed")
	ErrSessionStopped = errors.New("avatar session stopped during setup")
	ErrInvalidConfig  = errors.New("invalid avatar session config")
)

// SessionState is the lifecycle state of an avatar session.
type SessionState int

const (
	StateInactive SessionState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s SessionState) String() string {
	switch s {
	case StateInactive:
		return "INACTIVE"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnecting:
		return "DISCONNECTING"
	default:
		return "UNKNOWN"
	}
}

// Quality is the rendering quality tier of the avatar stream.
type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
)

// VoiceEmotion is the emotional tone applied to synthesized speech.
type VoiceEmotion string

const (
	EmotionExcited     VoiceEmotion = "excited"
	EmotionSerious     VoiceEmotion = "serious"
	EmotionFriendly    VoiceEmotion = "friendly"
	EmotionSoothing    VoiceEmotion = "soothing"
	EmotionBroadcaster VoiceEmotion = "broadcaster"
)

// ChatTransport selects how the voice-chat side channel is carried.
type ChatTransport string

const (
	TransportWebSocket ChatTransport = "websocket"
	TransportLiveKit   ChatTransport = "livekit"
)

// STTProvider selects the avatar service's speech recognition backend.
type STTProvider string

const (
	STTDeepgram STTProvider = "deepgram"
	STTGladia   STTProvider = "gladia"
)

// TaskType distinguishes repeating text verbatim from generating a reply.
type TaskType string

const (
	TaskRepeat TaskType = "repeat"
	TaskTalk   TaskType = "talk"
)

// TaskMode controls whether a speak task is queued synchronously.
type TaskMode string

const (
	TaskModeSync  TaskMode = "sync"
	TaskModeAsync TaskMode = "async"
)

// VoiceSettings configures the avatar's voice.
type VoiceSettings struct {
	VoiceID string       `json:"voice_id,omitempty"`
	Rate    float64      `json:"rate,omitempty"`
	Emotion VoiceEmotion `json:"emotion,omitempty"`
	Model   string       `json:"model,omitempty"`
}

// SessionConfig describes one avatar session. It is a value: build it once
// before Start and never change it while the session runs.
type SessionConfig struct {
	Quality     Quality       `json:"quality"`
	AvatarName  string        `json:"avatar_name"`
	KnowledgeID string        `json:"knowledge_id,omitempty"`
	Voice       VoiceSettings `json:"voice"`
	Language    string        `json:"language"`
	Transport   ChatTransport `json:"voice_chat_transport"`
	STTProvider STTProvider   `json:"stt_provider"`
}

// Validate checks the fields a transport needs to open a session.
func (c SessionConfig) Validate() error {
	if c.AvatarName == "" {
		return fmt.Errorf("%w: avatar name is required", ErrInvalidConfig)
	}
	switch c.Quality {
	case QualityLow, QualityMedium, QualityHigh:
	default:
		return fmt.Errorf("%w: unknown quality %q", ErrInvalidConfig, c.Quality)
	}
	switch c.Transport {
	case TransportWebSocket, TransportLiveKit:
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalidConfig, c.Transport)
	}
	if c.Voice.Rate < 0 || c.Voice.Rate > 1.5 {
		return fmt.Errorf("%w: voice rate %.2f out of range [0, 1.5]", ErrInvalidConfig, c.Voice.Rate)
	}
	return nil
}

// TrackInfo describes one remote media track of a stream.
type TrackInfo struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"` // audio or video
	Codec string `json:"codec,omitempty"`
}

// StreamInfo is what a transport reports once its media stream is ready.
type StreamInfo struct {
	ID     string      `json:"id"`
	URL    string      `json:"url,omitempty"`
	Tracks []TrackInfo `json:"tracks,omitempty"`

	// Source is the transport-specific media object a renderer attaches to.
	Source any `json:"-"`
}

// MediaStream is the handle to a live avatar stream. The manager owns it and
// lends it to presentation code; it reports Valid() == false from the moment
// the session leaves CONNECTED, and is never revived. Re-fetch a fresh handle
// after every CONNECTED transition.
type MediaStream struct {
	info  StreamInfo
	valid atomic.Bool
}

func newMediaStream(info StreamInfo) *MediaStream {
	m := &MediaStream{info: info}
	m.valid.Store(true)
	return m
}

// ID returns the stream identifier.
func (m *MediaStream) ID() string { return m.info.ID }

// Info returns the stream description.
func (m *MediaStream) Info() StreamInfo { return m.info }

// Valid reports whether the stream may still be read.
func (m *MediaStream) Valid() bool { return m != nil && m.valid.Load() }

func (m *MediaStream) invalidate() { m.valid.Store(false) }

// TokenSource issues a fresh short-lived access token per call.
type TokenSource interface {
	FetchToken(ctx context.Context) (string, error)
}

// Transport establishes avatar media connections. ctx bounds only the setup;
// the returned Connection lives until Disconnect or a remote close.
type Transport interface {
	Connect(ctx context.Context, token string, cfg SessionConfig) (Connection, error)
}

// Connection is one live avatar transport session.
type Connection interface {
	// Stream describes the ready media stream.
	Stream() StreamInfo
	// Speak sends a speak task to the avatar.
	Speak(ctx context.Context, text string, taskType TaskType, mode TaskMode) error
	// Done is closed when the remote side ends the connection.
	Done() <-chan struct{}
	// Err reports why Done was closed.
	Err() error
	// Disconnect ends the connection. It is idempotent.
	Disconnect(ctx context.Context) error
}
