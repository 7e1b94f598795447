// Package capture owns the microphone capture lifecycle for push-to-talk
// turns: it opens the capture device on Begin, buffers audio chunks while
// recording, and hands one finalized Utterance to its handler on End.
package capture

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrDeviceUnavailable = errors.New("capture device unavailable")
	ErrCancelled         = errors.New("capture cancelled")
)

// Status is the user-visible capture status label.
type Status string

// Per turn the controller emits these in order:
// Preparing → Listening → Stopping → Transcribing → Idle.
const (
	StatusPreparing    Status = "Preparing microphone…"
	StatusListening    Status = "Listening"
	StatusStopping     Status = "Stopping…"
	StatusTranscribing Status = "Transcribing…"
	StatusIdle         Status = "Idle"
)

// DefaultMimeType is the container type of captured audio.
const DefaultMimeType = "audio/webm"

// Device opens an audio input.
type Device interface {
	// Open starts capturing. Access denied or a missing device is an error.
	// ctx bounds the open only; the stream lives until Close.
	Open(ctx context.Context) (Stream, error)
}

// Stream is an open capture. Chunks is closed once the stream has stopped
// producing after Close.
type Stream interface {
	Chunks() <-chan []byte
	Close() error
}

// Utterance is the audio captured for one turn. It is consumed once and
// never retained.
type Utterance struct {
	ID         string
	Audio      []byte
	MimeType   string
	StartedAt  time.Time
	CapturedAt time.Time
}

// Duration returns how long the recording ran.
func (u Utterance) Duration() time.Duration {
	return u.CapturedAt.Sub(u.StartedAt)
}

// StatusUpdate is published for every status change of a turn.
type StatusUpdate struct {
	TurnID string
	Status Status
}

// Handler consumes a finalized utterance. The controller reports Idle for the
// turn once the handler returns, so it should return after its transcription
// attempt and continue any longer work in the background.
type Handler func(ctx context.Context, u Utterance)

// Config configures the controller
type Config struct {
	MimeType string `json:"mime_type"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		MimeType: DefaultMimeType,
	}
}
