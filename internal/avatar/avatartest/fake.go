// Package avatartest provides scriptable fakes of the avatar transport and
// token source for tests.
package avatartest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/normanking/avatartalk/internal/avatar"
)

// ErrRemoteClosed is reported by Conn.Err after DropRemote.
var ErrRemoteClosed = errors.New("remote closed the stream")

// Tokens is a TokenSource returning a numbered token per call, or Err.
type Tokens struct {
	mu    sync.Mutex
	Err   error
	calls int
}

// FetchToken implements avatar.TokenSource.
func (t *Tokens) FetchToken(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	if t.Err != nil {
		return "", t.Err
	}
	return fmt.Sprintf("token-%d", t.calls), nil
}

// Calls returns how many tokens were requested.
func (t *Tokens) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

// Transport is a fake avatar.Transport. Set Gate to hold Connect until the
// channel is closed (or the setup context ends); set ConnectErr to fail it.
type Transport struct {
	mu         sync.Mutex
	Gate       chan struct{}
	ConnectErr error
	SpeakErr   error

	// DisconnectGate, when set, holds every Conn.Disconnect until closed.
	DisconnectGate chan struct{}

	tokens []string
	conns  []*Conn
}

// Connect implements avatar.Transport.
func (t *Transport) Connect(ctx context.Context, token string, cfg avatar.SessionConfig) (avatar.Connection, error) {
	t.mu.Lock()
	t.tokens = append(t.tokens, token)
	gate, connectErr := t.Gate, t.ConnectErr
	t.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if connectErr != nil {
		return nil, connectErr
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	c := &Conn{
		info: avatar.StreamInfo{
			ID:     fmt.Sprintf("stream-%d", len(t.conns)+1),
			Tracks: []avatar.TrackInfo{{ID: "a", Kind: "audio"}, {ID: "v", Kind: "video"}},
		},
		config:   cfg,
		speakErr: t.SpeakErr,
		gate:     t.DisconnectGate,
		done:     make(chan struct{}),
	}
	t.conns = append(t.conns, c)
	return c, nil
}

// Tokens returns the tokens Connect was called with.
func (t *Transport) Tokens() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.tokens))
	copy(out, t.tokens)
	return out
}

// Conns returns every connection created so far.
func (t *Transport) Conns() []*Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Conn, len(t.conns))
	copy(out, t.conns)
	return out
}

// Last returns the most recent connection, or nil.
func (t *Transport) Last() *Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

// SpokenAll returns every text spoken across all connections.
func (t *Transport) SpokenAll() []string {
	var out []string
	for _, c := range t.Conns() {
		out = append(out, c.Spoken()...)
	}
	return out
}

// Speech records one Speak call.
type Speech struct {
	Text string
	Type avatar.TaskType
	Mode avatar.TaskMode
}

// Conn is a fake avatar.Connection.
type Conn struct {
	info     avatar.StreamInfo
	config   avatar.SessionConfig
	speakErr error
	gate     chan struct{}

	mu          sync.Mutex
	speeches    []Speech
	disconnects int
	err         error
	done        chan struct{}
	doneOnce    sync.Once
}

// Stream implements avatar.Connection.
func (c *Conn) Stream() avatar.StreamInfo { return c.info }

// Config returns the session config the connection was opened with.
func (c *Conn) Config() avatar.SessionConfig { return c.config }

// Speak implements avatar.Connection.
func (c *Conn) Speak(ctx context.Context, text string, taskType avatar.TaskType, mode avatar.TaskMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.speakErr != nil {
		return c.speakErr
	}
	c.speeches = append(c.speeches, Speech{Text: text, Type: taskType, Mode: mode})
	return nil
}

// Done implements avatar.Connection.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err implements avatar.Connection.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Disconnect implements avatar.Connection.
func (c *Conn) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.disconnects++
	c.mu.Unlock()
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.doneOnce.Do(func() { close(c.done) })
	return nil
}

// DropRemote simulates the remote side closing the stream.
func (c *Conn) DropRemote() {
	c.mu.Lock()
	c.err = ErrRemoteClosed
	c.mu.Unlock()
	c.doneOnce.Do(func() { close(c.done) })
}

// Speeches returns every recorded Speak call.
func (c *Conn) Speeches() []Speech {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Speech, len(c.speeches))
	copy(out, c.speeches)
	return out
}

// Spoken returns the spoken texts in order.
func (c *Conn) Spoken() []string {
	var out []string
	for _, s := range c.Speeches() {
		out = append(out, s.Text)
	}
	return out
}

// Disconnects returns how many times Disconnect was called.
func (c *Conn) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}
