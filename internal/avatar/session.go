package avatar

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

// Transition reasons carried by StateChange.
const (
	ReasonStart            = "start"
	ReasonReady            = "ready"
	ReasonSetupFailed      = "setup_failed"
	ReasonStop             = "stop"
	ReasonRemoteDisconnect = "remote_disconnect"
	ReasonTeardownComplete = "teardown_complete"
)

// StateChange is published on the bus for every session state transition.
type StateChange struct {
	From      SessionState
	To        SessionState
	SessionID string
	Reason    string
}

// Snapshot is a consistent view of the session state and the id of the
// session it belongs to.
type Snapshot struct {
	State     SessionState
	SessionID string
}

// ManagerConfig configures the session manager.
type ManagerConfig struct {
	// TeardownTimeout bounds Connection.Disconnect during teardown.
	TeardownTimeout time.Duration
}

// DefaultManagerConfig returns sensible defaults
func DefaultManagerConfig() *ManagerConfig {
	return &ManagerConfig{
		TeardownTimeout: 5 * time.Second,
	}
}

// Manager owns the avatar session state machine:
//
//	INACTIVE --Start--> CONNECTING --ready--> CONNECTED
//	CONNECTING --setup error--> INACTIVE
//	CONNECTING --Stop--> DISCONNECTING --> INACTIVE
//	CONNECTED --Stop / remote close--> DISCONNECTING --teardown--> INACTIVE
//
// Only the manager changes the state; other components observe it through
// State, Snapshot or Subscribe.
type Manager struct {
	tokens    TokenSource
	transport Transport
	events    *bus.EventBus
	logger    zerolog.Logger
	config    *ManagerConfig

	mu          sync.Mutex
	state       SessionState
	sessionID   string
	conn        Connection
	stream      *MediaStream
	cancelSetup context.CancelFunc
	watchStop   chan struct{}
	settled     chan struct{}

	// pending holds transitions not yet delivered; delivering is set while
	// one goroutine drains it so events leave in transition order.
	pending    []StateChange
	delivering bool

	closeOnce sync.Once
	closeErr  error
}

// NewManager creates a session manager. A nil event bus gets a private one.
func NewManager(tokens TokenSource, transport Transport, events *bus.EventBus, cfg *ManagerConfig, logger zerolog.Logger) *Manager {
	if cfg == nil {
		cfg = DefaultManagerConfig()
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = 5 * time.Second
	}
	if events == nil {
		events = bus.NewEventBus()
	}

	return &Manager{
		tokens:    tokens,
		transport: transport,
		events:    events,
		config:    cfg,
		logger:    logger.With().Str("component", "avatar-session").Logger(),
		state:     StateInactive,
	}
}

// State returns the current session state.
func (m *Manager) State() SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns the current state together with the session id.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{State: m.state, SessionID: m.sessionID}
}

// Stream returns the live media stream while CONNECTED.
func (m *Manager) Stream() (*MediaStream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected || m.stream == nil {
		return nil, false
	}
	return m.stream, true
}

// Subscribe registers handler for state changes. Handlers run synchronously
// in transition order and must not block.
//
// Order is guaranteed, timing is not: a transition is delivered by whichever
// goroutine is draining the queue at the time, so Start or Stop may return
// before a subscriber has seen the CONNECTED or INACTIVE change it caused.
// Use State or Snapshot for the current state after a call returns.
func (m *Manager) Subscribe(handler func(StateChange)) *bus.Subscription {
	return m.events.Subscribe(func(e bus.Event) {
		if change, ok := e.Data["change"].(StateChange); ok {
			handler(change)
		}
	}, bus.EventTypeSessionState)
}

// Start opens a new session with a fresh token. It is only valid from
// INACTIVE; any other state returns ErrAlreadyActive without side effects.
// Setup failures return the manager to INACTIVE and are not retried.
func (m *Manager) Start(ctx context.Context, cfg SessionConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.state != StateInactive {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: session is %s", ErrAlreadyActive, state)
	}
	id := uuid.NewString()
	setupCtx, cancel := context.WithCancel(ctx)
	m.sessionID = id
	m.cancelSetup = cancel
	m.settled = make(chan struct{})
	m.transitionLocked(StateConnecting, ReasonStart)
	m.mu.Unlock()
	m.flush()

	m.logger.Info().Str("session_id", id).Str("avatar", cfg.AvatarName).Msg("Starting avatar session")

	conn, err := m.connect(setupCtx, cfg)
	cancel()

	m.mu.Lock()
	if m.state != StateConnecting {
		// Stop arrived while we were connecting; it is waiting on settled.
		m.mu.Unlock()
		if conn != nil {
			m.disconnect(conn, id)
		}
		m.mu.Lock()
		m.finishLocked(ReasonTeardownComplete)
		m.mu.Unlock()
		m.flush()
		m.logger.Info().Str("session_id", id).Msg("Session stopped during setup")
		return ErrSessionStopped
	}

	if err != nil {
		m.finishLocked(ReasonSetupFailed)
		m.mu.Unlock()
		m.flush()
		m.logger.Error().Err(err).Str("session_id", id).Msg("Avatar session setup failed")
		return err
	}

	m.conn = conn
	m.stream = newMediaStream(conn.Stream())
	m.watchStop = make(chan struct{})
	m.transitionLocked(StateConnected, ReasonReady)
	go m.watch(id, conn, m.watchStop)
	m.mu.Unlock()
	m.flush()

	m.logger.Info().Str("session_id", id).Str("stream", conn.Stream().ID).Msg("Avatar session connected")
	return nil
}

func (m *Manager) connect(ctx context.Context, cfg SessionConfig) (Connection, error) {
	token, err := m.tokens.FetchToken(ctx)
	if err != nil {
		return nil, err
	}

	conn, err := m.transport.Connect(ctx, token, cfg)
	if err != nil {
		if errors.Is(err, ErrTransportSetup) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrTransportSetup, err)
	}
	return conn, nil
}

// Stop ends the session. From CONNECTED it runs exactly one teardown and
// returns once the manager is INACTIVE. From CONNECTING it cancels the setup
// and waits for INACTIVE. From INACTIVE or DISCONNECTING it does nothing.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateConnecting:
		cancel := m.cancelSetup
		settled := m.settled
		m.transitionLocked(StateDisconnecting, ReasonStop)
		m.mu.Unlock()
		m.flush()

		cancel()
		select {
		case <-settled:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}

	case StateConnected:
		id := m.sessionID
		conn := m.beginTeardownLocked(ReasonStop)
		m.mu.Unlock()
		m.flush()

		m.teardown(conn, id)
		return nil

	default:
		m.mu.Unlock()
		return nil
	}
}

// Close stops the session unconditionally. Only the first call has any
// effect; later calls return the first call's result.
func (m *Manager) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		m.closeErr = m.Stop(ctx)
	})
	return m.closeErr
}

// Speak asks the avatar to repeat text verbatim. Outside CONNECTED it
// returns ErrNotConnected and never touches the transport.
func (m *Manager) Speak(ctx context.Context, text string) error {
	return m.speak(ctx, "", text)
}

// SpeakInSession is Speak restricted to the session with the given id, so a
// reply computed for one session is never spoken into a newer one.
func (m *Manager) SpeakInSession(ctx context.Context, sessionID, text string) error {
	return m.speak(ctx, sessionID, text)
}

func (m *Manager) speak(ctx context.Context, sessionID, text string) error {
	m.mu.Lock()
	state, current, conn := m.state, m.sessionID, m.conn
	m.mu.Unlock()

	if state != StateConnected || conn == nil {
		m.logger.Warn().Str("state", state.String()).Msg("Dropping speak command: session not connected")
		return fmt.Errorf("%w: session is %s", ErrNotConnected, state)
	}
	if sessionID != "" && sessionID != current {
		m.logger.Warn().Str("session_id", sessionID).Str("current", current).Msg("Dropping speak command for stale session")
		return fmt.Errorf("%w: session %s is no longer current", ErrNotConnected, sessionID)
	}

	if err := conn.Speak(ctx, text, TaskRepeat, TaskModeSync); err != nil {
		return fmt.Errorf("speak: %w", err)
	}
	m.logger.Debug().Str("session_id", current).Int("chars", len(text)).Msg("Speak task sent")
	return nil
}

// watch turns a remote close into the regular teardown path.
func (m *Manager) watch(id string, conn Connection, stop <-chan struct{}) {
	select {
	case <-stop:
		return
	case <-conn.Done():
	}

	m.mu.Lock()
	if m.sessionID != id || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	conn = m.beginTeardownLocked(ReasonRemoteDisconnect)
	m.mu.Unlock()
	m.flush()

	m.logger.Warn().Err(conn.Err()).Str("session_id", id).Msg("Avatar transport disconnected remotely")
	m.teardown(conn, id)
}

// beginTeardownLocked moves CONNECTED to DISCONNECTING, stops the connection
// watcher and invalidates the stream. Caller holds mu.
func (m *Manager) beginTeardownLocked(reason string) Connection {
	conn := m.conn
	m.transitionLocked(StateDisconnecting, reason)
	if m.watchStop != nil {
		close(m.watchStop)
		m.watchStop = nil
	}
	if m.stream != nil {
		m.stream.invalidate()
		m.stream = nil
	}
	m.conn = nil
	return conn
}

func (m *Manager) teardown(conn Connection, id string) {
	if conn != nil {
		m.disconnect(conn, id)
	}

	m.mu.Lock()
	m.finishLocked(ReasonTeardownComplete)
	m.mu.Unlock()
	m.flush()

	m.logger.Info().Str("session_id", id).Msg("Avatar session inactive")
}

func (m *Manager) disconnect(conn Connection, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.config.TeardownTimeout)
	defer cancel()
	if err := conn.Disconnect(ctx); err != nil {
		m.logger.Warn().Err(err).Str("session_id", id).Msg("Transport disconnect failed")
	}
}

// finishLocked returns to INACTIVE and releases Stop callers waiting on
// settled. Caller holds mu.
func (m *Manager) finishLocked(reason string) {
	m.transitionLocked(StateInactive, reason)
	m.cancelSetup = nil
	if m.settled != nil {
		close(m.settled)
		m.settled = nil
	}
}

func (m *Manager) transitionLocked(to SessionState, reason string) {
	change := StateChange{From: m.state, To: to, SessionID: m.sessionID, Reason: reason}
	m.state = to
	m.pending = append(m.pending, change)
	m.logger.Debug().
		Str("session_id", change.SessionID).
		Str("from", change.From.String()).
		Str("to", change.To.String()).
		Str("reason", reason).
		Msg("Session state changed")
}

// flush delivers pending transitions in order. If another goroutine is
// already delivering, it picks up what we queued.
func (m *Manager) flush() {
	m.mu.Lock()
	if m.delivering {
		m.mu.Unlock()
		return
	}
	m.delivering = true
	for len(m.pending) > 0 {
		change := m.pending[0]
		m.pending = m.pending[1:]
		m.mu.Unlock()

		m.events.Publish(bus.Event{
			Type: bus.EventTypeSessionState,
			Data: map[string]any{"change": change},
		})

		m.mu.Lock()
	}
	m.delivering = false
	m.mu.Unlock()
}
