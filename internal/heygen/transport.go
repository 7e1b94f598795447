package heygen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/normanking/avatartalk/internal/avatar"
	"github.com/rs/zerolog"
)

// Errors reported by Connection.Err after a remote close.
var (
	ErrRoomDisconnected = errors.New("media room disconnected")
	ErrEventChannel     = errors.New("event channel closed")
)

// Event types on the streaming.chat channel.
const (
	EventAvatarStartTalking = "avatar_start_talking"
	EventAvatarStopTalking  = "avatar_stop_talking"
	EventUserStart          = "user_start"
	EventUserStop           = "user_stop"
)

// Transport opens streaming avatar sessions.
type Transport struct {
	config *Config
	api    *apiClient
	joiner RoomJoiner
	dialer *websocket.Dialer
	logger zerolog.Logger
}

// NewTransport creates a transport. A nil joiner uses LiveKit.
func NewTransport(cfg *Config, joiner RoomJoiner, logger zerolog.Logger) *Transport {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 20 * time.Second
	}
	logger = logger.With().Str("component", "heygen").Logger()
	if joiner == nil {
		joiner = NewLiveKitJoiner(logger)
	}

	return &Transport{
		config: cfg,
		api:    newAPIClient(cfg, logger),
		joiner: joiner,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.Timeout},
		logger: logger,
	}
}

// Connect creates a streaming session, joins its media room, waits for the
// avatar's audio and video tracks, starts the session and, for the websocket
// chat transport, opens the event channel. Anything built before a failure
// is torn down again.
func (t *Transport) Connect(ctx context.Context, token string, cfg avatar.SessionConfig) (avatar.Connection, error) {
	info, err := t.api.newSession(ctx, token, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", avatar.ErrTransportSetup, err)
	}

	c := &Connection{
		api:       t.api,
		token:     token,
		sessionID: info.SessionID,
		roomURL:   info.URL,
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
		logger:    t.logger.With().Str("heygen_session", info.SessionID).Logger(),
	}

	fail := func(err error) (avatar.Connection, error) {
		c.abort()
		return nil, fmt.Errorf("%w: %w", avatar.ErrTransportSetup, err)
	}

	room, err := t.joiner.Join(ctx, info.URL, info.AccessToken, RoomHandler{
		OnTrack:        c.addTrack,
		OnDisconnected: func() { c.remoteClosed(ErrRoomDisconnected) },
	})
	if err != nil {
		return fail(err)
	}
	c.mu.Lock()
	c.room = room
	c.mu.Unlock()

	timer := time.NewTimer(t.config.ReadyTimeout)
	defer timer.Stop()
	select {
	case <-c.ready:
	case <-c.done:
		return fail(c.Err())
	case <-timer.C:
		return fail(fmt.Errorf("media tracks not ready after %s", t.config.ReadyTimeout))
	case <-ctx.Done():
		return fail(ctx.Err())
	}

	if err := t.api.start(ctx, token, info.SessionID); err != nil {
		return fail(err)
	}

	if cfg.Transport == avatar.TransportWebSocket {
		ws, err := t.dialEvents(ctx, token, info.SessionID, cfg.Language)
		if err != nil {
			return fail(err)
		}
		c.mu.Lock()
		c.ws = ws
		c.mu.Unlock()
		go c.readEvents(ws)
	}

	c.logger.Info().Int("tracks", len(c.Stream().Tracks)).Msg("Streaming session ready")
	return c, nil
}

func (t *Transport) dialEvents(ctx context.Context, token, sessionID, language string) (*websocket.Conn, error) {
	u, err := url.Parse(t.config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = pathChat
	q := url.Values{}
	q.Set("session_id", sessionID)
	q.Set("session_token", token)
	q.Set("silence_response", "false")
	if language != "" {
		q.Set("stt_language", language)
	}
	u.RawQuery = q.Encode()

	t.logger.Debug().Str("host", u.Host).Msg("Connecting to event channel")

	ws, _, err := t.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial event channel: %w", err)
	}
	return ws, nil
}

// Connection is one live streaming session.
type Connection struct {
	api       *apiClient
	token     string
	sessionID string
	roomURL   string
	logger    zerolog.Logger

	mu      sync.Mutex
	room    Room
	ws      *websocket.Conn
	tracks  []avatar.TrackInfo
	sources []any
	closing bool
	err     error

	hasAudio, hasVideo bool
	ready              chan struct{}
	readyOnce          sync.Once

	done     chan struct{}
	doneOnce sync.Once

	disconnectOnce sync.Once
	disconnectErr  error

	talking atomic.Bool
}

// SessionID returns the streaming API session id.
func (c *Connection) SessionID() string { return c.sessionID }

// Stream implements avatar.Connection. Source holds the remote SDK tracks.
func (c *Connection) Stream() avatar.StreamInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	tracks := make([]avatar.TrackInfo, len(c.tracks))
	copy(tracks, c.tracks)
	sources := make([]any, len(c.sources))
	copy(sources, c.sources)
	return avatar.StreamInfo{
		ID:     c.sessionID,
		URL:    c.roomURL,
		Tracks: tracks,
		Source: sources,
	}
}

// Speak implements avatar.Connection.
func (c *Connection) Speak(ctx context.Context, text string, taskType avatar.TaskType, mode avatar.TaskMode) error {
	return c.api.task(ctx, c.token, c.sessionID, text, taskType, mode)
}

// Done implements avatar.Connection.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err implements avatar.Connection.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Talking reports whether the avatar is speaking, as last announced on the
// event channel.
func (c *Connection) Talking() bool { return c.talking.Load() }

// Disconnect stops the streaming session, closes the event channel and
// leaves the media room. Only the first call does any work.
func (c *Connection) Disconnect(ctx context.Context) error {
	c.disconnectOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		c.mu.Unlock()

		if err := c.api.stop(ctx, c.token, c.sessionID); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to stop streaming session")
			c.disconnectErr = err
		}
		c.closeMedia()
		c.doneOnce.Do(func() { close(c.done) })
		c.logger.Info().Msg("Streaming session disconnected")
	})
	return c.disconnectErr
}

// abort tears down a half-built connection.
func (c *Connection) abort() {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.api.stop(ctx, c.token, c.sessionID); err != nil {
		c.logger.Debug().Err(err).Msg("Stop after failed setup")
	}
	c.closeMedia()
}

func (c *Connection) closeMedia() {
	c.mu.Lock()
	ws, room := c.ws, c.room
	c.ws, c.room = nil, nil
	c.mu.Unlock()

	if ws != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		ws.Close()
	}
	if room != nil {
		room.Disconnect()
	}
}

func (c *Connection) addTrack(info avatar.TrackInfo, source any) {
	c.mu.Lock()
	c.tracks = append(c.tracks, info)
	c.sources = append(c.sources, source)
	switch info.Kind {
	case "audio":
		c.hasAudio = true
	case "video":
		c.hasVideo = true
	}
	ready := c.hasAudio && c.hasVideo
	c.mu.Unlock()

	if ready {
		c.readyOnce.Do(func() { close(c.ready) })
	}
}

// remoteClosed records a remote-initiated close. Closes we caused ourselves
// are ignored.
func (c *Connection) remoteClosed(err error) {
	c.mu.Lock()
	if c.closing || c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = err
	c.mu.Unlock()

	c.logger.Warn().Err(err).Msg("Streaming session closed remotely")
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Connection) readEvents(ws *websocket.Conn) {
	for {
		var raw json.RawMessage
		if err := ws.ReadJSON(&raw); err != nil {
			c.remoteClosed(fmt.Errorf("%w: %w", ErrEventChannel, err))
			return
		}
		c.handleEvent(raw)
	}
}

func (c *Connection) handleEvent(raw json.RawMessage) {
	var msg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to parse event type")
		return
	}

	switch msg.Type {
	case EventAvatarStartTalking:
		c.talking.Store(true)
	case EventAvatarStopTalking:
		c.talking.Store(false)
	case EventUserStart, EventUserStop:
	default:
		c.logger.Debug().Str("type", msg.Type).Msg("Unhandled event")
		return
	}
	c.logger.Debug().Str("type", msg.Type).Msg("Event received")
}
