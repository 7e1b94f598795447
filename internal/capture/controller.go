package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/normanking/avatartalk/internal/bus"
	"github.com/rs/zerolog"
)

type phase int

const (
	phaseIdle phase = iota
	phasePreparing
	phaseRecording
	phaseStopping
)

// Controller coordinates one push-to-talk recording at a time.
type Controller struct {
	device  Device
	handler Handler
	events  *bus.EventBus
	config  *Config
	logger  zerolog.Logger

	mu        sync.Mutex
	phase     phase
	turnID    string
	startedAt time.Time
	stream    Stream
	buffer    []byte
	readDone  chan struct{}
	// cancelOpen aborts a device Open in flight; cancelled marks a Cancel
	// that arrived while preparing.
	cancelOpen context.CancelFunc
	cancelled  bool

	// statusMu orders status publication so each turn's labels leave in the
	// order they were produced.
	statusMu sync.Mutex
	lastMu   sync.Mutex
	last     Status
	// labelTurn is the newest turn; only its statuses move last.
	labelTurn string

	handlers sync.WaitGroup
}

// NewController creates a capture controller. handler receives every
// finalized utterance.
func NewController(device Device, handler Handler, events *bus.EventBus, cfg *Config, logger zerolog.Logger) *Controller {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.MimeType == "" {
		cfg.MimeType = DefaultMimeType
	}
	if events == nil {
		events = bus.NewEventBus()
	}

	return &Controller{
		device:  device,
		handler: handler,
		events:  events,
		config:  cfg,
		logger:  logger.With().Str("component", "capture").Logger(),
		phase:   phaseIdle,
		last:    StatusIdle,
	}
}

// SubscribeStatus registers fn for status updates. Subscribe before the first
// Begin and unsubscribe on teardown. fn must not call Begin, End or Cancel.
func (c *Controller) SubscribeStatus(fn func(StatusUpdate)) *bus.Subscription {
	return c.events.Subscribe(func(e bus.Event) {
		if u, ok := e.Data["update"].(StatusUpdate); ok {
			fn(u)
		}
	}, bus.EventTypeCaptureStatus)
}

// Status returns the most recent status of the newest turn. A turn still
// transcribing in the background cannot overwrite the label of a newer one.
func (c *Controller) Status() Status {
	c.lastMu.Lock()
	defer c.lastMu.Unlock()
	return c.last
}

// Recording reports whether a recording is open.
func (c *Controller) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase == phaseRecording
}

// Begin opens the capture device and starts buffering audio. A Begin while
// another recording is being prepared, running or finalized is ignored. If the
// device cannot be opened the turn reports Idle and ErrDeviceUnavailable is
// returned. A Cancel during the open makes Begin return ErrCancelled.
func (c *Controller) Begin(ctx context.Context) error {
	c.mu.Lock()
	if c.phase != phaseIdle {
		c.mu.Unlock()
		c.logger.Debug().Msg("Begin ignored: capture already active")
		return nil
	}
	turnID := uuid.NewString()
	openCtx, cancelOpen := context.WithCancel(ctx)
	defer cancelOpen()
	c.phase = phasePreparing
	c.turnID = turnID
	c.cancelOpen = cancelOpen
	c.cancelled = false
	c.mu.Unlock()

	c.lastMu.Lock()
	c.labelTurn = turnID
	c.lastMu.Unlock()
	c.emit(turnID, StatusPreparing)

	stream, err := c.device.Open(openCtx)

	// statusMu is held until Listening is out so a racing End or Cancel
	// publishes after it.
	done := make(chan struct{})
	c.statusMu.Lock()
	c.mu.Lock()
	cancelled := c.cancelled
	c.cancelOpen = nil
	c.cancelled = false
	if err != nil || cancelled {
		c.phase = phaseIdle
		c.turnID = ""
	} else {
		c.phase = phaseRecording
		c.stream = stream
		c.startedAt = time.Now()
		c.buffer = c.buffer[:0]
		c.readDone = done
	}
	c.mu.Unlock()

	if err == nil && !cancelled {
		go c.read(stream, done)
		c.publishLocked(turnID, StatusListening)
		c.statusMu.Unlock()
		c.logger.Info().Str("turn", turnID).Msg("Recording started")
		return nil
	}
	c.statusMu.Unlock()

	if cancelled {
		if stream != nil {
			_ = stream.Close()
		}
		c.emit(turnID, StatusIdle)
		c.logger.Info().Str("turn", turnID).Msg("Recording cancelled while preparing")
		return ErrCancelled
	}

	c.emit(turnID, StatusIdle)
	c.logger.Warn().Err(err).Str("turn", turnID).Msg("Capture device unavailable")
	if errors.Is(err, ErrDeviceUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
}

func (c *Controller) read(stream Stream, done chan struct{}) {
	defer close(done)
	for chunk := range stream.Chunks() {
		c.mu.Lock()
		c.buffer = append(c.buffer, chunk...)
		c.mu.Unlock()
	}
}

// End stops the recording, finalizes the buffered audio into one Utterance
// and hands it to the handler on a new goroutine. It returns false and does
// nothing when no recording is open.
func (c *Controller) End() bool {
	c.mu.Lock()
	if c.phase != phaseRecording {
		c.mu.Unlock()
		return false
	}
	c.phase = phaseStopping
	turnID, stream, done := c.turnID, c.stream, c.readDone
	c.mu.Unlock()

	c.emit(turnID, StatusStopping)

	if err := stream.Close(); err != nil {
		c.logger.Warn().Err(err).Str("turn", turnID).Msg("Failed to close capture stream")
	}
	<-done

	c.mu.Lock()
	audio := make([]byte, len(c.buffer))
	copy(audio, c.buffer)
	u := Utterance{
		ID:         turnID,
		Audio:      audio,
		MimeType:   c.config.MimeType,
		StartedAt:  c.startedAt,
		CapturedAt: time.Now(),
	}
	c.buffer = c.buffer[:0]
	c.stream = nil
	c.readDone = nil
	c.turnID = ""
	c.phase = phaseIdle
	c.mu.Unlock()

	c.logger.Info().
		Str("turn", turnID).
		Int("bytes", len(audio)).
		Dur("duration", u.Duration()).
		Msg("Recording finalized")

	c.emit(turnID, StatusTranscribing)

	c.handlers.Add(1)
	go func() {
		defer c.handlers.Done()
		defer c.emit(turnID, StatusIdle)
		if c.handler != nil {
			c.handler(context.Background(), u)
		}
	}()
	return true
}

// Cancel discards an open recording without producing an utterance. A
// Begin still opening the device is aborted: it closes whatever stream the
// device returns, reports Idle and fails with ErrCancelled.
func (c *Controller) Cancel() {
	c.mu.Lock()
	switch c.phase {
	case phasePreparing:
		c.cancelled = true
		if c.cancelOpen != nil {
			c.cancelOpen()
		}
		c.mu.Unlock()
		return
	case phaseRecording:
	default:
		c.mu.Unlock()
		return
	}
	c.phase = phaseStopping
	turnID, stream, done := c.turnID, c.stream, c.readDone
	c.mu.Unlock()

	_ = stream.Close()
	<-done

	c.mu.Lock()
	c.buffer = c.buffer[:0]
	c.stream = nil
	c.readDone = nil
	c.turnID = ""
	c.phase = phaseIdle
	c.mu.Unlock()

	c.emit(turnID, StatusIdle)
	c.logger.Info().Str("turn", turnID).Msg("Recording discarded")
}

// Wait blocks until every dispatched utterance handler has returned.
func (c *Controller) Wait() {
	c.handlers.Wait()
}

func (c *Controller) emit(turnID string, status Status) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	c.publishLocked(turnID, status)
}

// publishLocked sends one status update. Caller holds statusMu.
func (c *Controller) publishLocked(turnID string, status Status) {
	c.lastMu.Lock()
	if turnID == c.labelTurn {
		c.last = status
	}
	c.lastMu.Unlock()
	c.events.Publish(bus.Event{
		Type: bus.EventTypeCaptureStatus,
		Data: map[string]any{
			"update": StatusUpdate{TurnID: turnID, Status: status},
		},
	})
}
