// Package conversation runs the per-turn pipeline that turns a captured
// utterance into a spoken avatar reply: transcribe, ask, speak.
//
// A turn is bound to the session that was current when its utterance was
// finalized. The session state is re-checked after transcription and again
// after the reasoning reply arrives; a turn whose session is gone, or which a
// newer utterance has superseded, is abandoned and its result discarded.
package conversation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/normanking/avatartalk/internal/avatar"
	"github.com/normanking/avatartalk/internal/bus"
	"github.com/normanking/avatartalk/internal/capture"
	"github.com/normanking/avatartalk/internal/reasoning"
	"github.com/rs/zerolog"
)

// Abandon reasons carried by TurnOutcome.
const (
	ReasonTranscriptionFailed = "transcription_failed"
	ReasonNotConnected        = "not_connected"
	ReasonSuperseded          = "superseded"
	ReasonReasoningFailed     = "reasoning_failed"
	ReasonEmptyReply          = "empty_reply"
	ReasonSpeakFailed         = "speak_failed"
)

// Transcriber turns an utterance into text.
type Transcriber interface {
	Transcribe(ctx context.Context, u capture.Utterance) (string, error)
}

// Reasoner answers a transcript.
type Reasoner interface {
	Ask(ctx context.Context, text string) (reasoning.Reply, error)
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Session     *avatar.Manager
	Device      capture.Device
	Transcriber Transcriber
	Reasoner    Reasoner
	Events      *bus.EventBus
	Logger      zerolog.Logger
}

// Options tune an Orchestrator.
type Options struct {
	Capture      *capture.Config
	MaxExchanges int
}

// TurnOutcome is published once per turn, on turn.completed or
// turn.abandoned.
type TurnOutcome struct {
	TurnID     string
	Seq        uint64
	SessionID  string
	Transcript string
	Reply      reasoning.Reply
	Completed  bool
	Reason     string
	Err        error
}

// Orchestrator wires capture completion to the transcribe → ask → speak
// pipeline and owns the alternate-visual flag.
type Orchestrator struct {
	session     *avatar.Manager
	capture     *capture.Controller
	transcriber Transcriber
	reasoner    Reasoner
	events      *bus.EventBus
	history     *History
	logger      zerolog.Logger

	latest    atomic.Uint64
	altVisual atomic.Bool

	// applyMu serializes the final guard and speak so at most one reply is
	// applied at a time. It also guards sessionID, the session the flag
	// and history belong to.
	applyMu   sync.Mutex
	sessionID string
	stateSub  *bus.Subscription
	turns     sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// New creates an orchestrator and the capture controller feeding it.
func New(deps Deps, opts Options) *Orchestrator {
	events := deps.Events
	if events == nil {
		events = bus.NewEventBus()
	}

	o := &Orchestrator{
		session:     deps.Session,
		transcriber: deps.Transcriber,
		reasoner:    deps.Reasoner,
		events:      events,
		history:     NewHistory(opts.MaxExchanges),
		logger:      deps.Logger.With().Str("component", "conversation").Logger(),
	}
	o.capture = capture.NewController(deps.Device, o.handleUtterance, events, opts.Capture, deps.Logger)
	o.stateSub = o.session.Subscribe(func(c avatar.StateChange) {
		if c.To == avatar.StateConnecting {
			o.applyMu.Lock()
			o.resetLocked(c.SessionID)
			o.applyMu.Unlock()
		}
	})
	return o
}

// Capture returns the capture controller driving this orchestrator.
func (o *Orchestrator) Capture() *capture.Controller { return o.capture }

// StartSession starts a new avatar session. The alternate-visual flag and
// the exchange history are cleared once the session has claimed
// CONNECTING, so a start rejected with avatar.ErrAlreadyActive leaves both
// untouched.
func (o *Orchestrator) StartSession(ctx context.Context, cfg avatar.SessionConfig) error {
	return o.session.Start(ctx, cfg)
}

// resetLocked binds the flag and history to sessionID, clearing them when
// it differs from the session they belonged to. Caller holds applyMu.
func (o *Orchestrator) resetLocked(sessionID string) {
	if o.sessionID == sessionID {
		return
	}
	o.sessionID = sessionID
	o.setAlternateVisual(false)
	o.history.Clear()
}

// StopSession stops the avatar session. In-flight turns run to completion
// and are discarded.
func (o *Orchestrator) StopSession(ctx context.Context) error {
	return o.session.Stop(ctx)
}

// Close discards any open recording and stops the session unconditionally.
// Only the first call has any effect.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.closeOnce.Do(func() {
		o.capture.Cancel()
		o.closeErr = o.session.Close(ctx)
		o.stateSub.Unsubscribe()
		o.logger.Info().Msg("Conversation closed")
	})
	return o.closeErr
}

// Begin starts recording a new utterance.
func (o *Orchestrator) Begin(ctx context.Context) error {
	return o.capture.Begin(ctx)
}

// End finalizes the open recording and starts its turn. It returns false
// when nothing was recording.
func (o *Orchestrator) End() bool {
	return o.capture.End()
}

// AlternateVisual reports the flag from the last spoken reply.
func (o *Orchestrator) AlternateVisual() bool {
	return o.altVisual.Load()
}

// History returns the exchanges of the current session, oldest first.
func (o *Orchestrator) History() []Exchange {
	return o.history.Exchanges()
}

// Transcript formats the current session's exchanges for display.
func (o *Orchestrator) Transcript() string {
	return o.history.Transcript()
}

// SubscribeTurns registers fn for turn outcomes.
func (o *Orchestrator) SubscribeTurns(fn func(TurnOutcome)) *bus.Subscription {
	return o.events.Subscribe(func(e bus.Event) {
		if out, ok := e.Data["outcome"].(TurnOutcome); ok {
			fn(out)
		}
	}, bus.EventTypeTurnCompleted, bus.EventTypeTurnAbandoned)
}

// Wait blocks until every dispatched turn has finished.
func (o *Orchestrator) Wait() {
	o.capture.Wait()
	o.turns.Wait()
}

// handleUtterance runs on the capture goroutine. It returns after the
// transcription attempt so the capture status can settle on Idle; the
// reasoning round trip continues in the background.
func (o *Orchestrator) handleUtterance(ctx context.Context, u capture.Utterance) {
	seq := o.latest.Add(1)
	snap := o.session.Snapshot()
	turn := TurnOutcome{TurnID: u.ID, Seq: seq, SessionID: snap.SessionID}

	logger := o.logger.With().Str("turn", u.ID).Uint64("seq", seq).Str("session_id", snap.SessionID).Logger()
	logger.Debug().Int("bytes", len(u.Audio)).Msg("Utterance received")

	text, err := o.transcriber.Transcribe(ctx, u)
	if err != nil {
		o.abandon(turn, ReasonTranscriptionFailed, err)
		return
	}
	turn.Transcript = text

	if reason := o.guard(turn); reason != "" {
		o.abandon(turn, reason, nil)
		return
	}

	o.turns.Add(1)
	go func() {
		defer o.turns.Done()
		o.answer(context.Background(), turn)
	}()
}

func (o *Orchestrator) answer(ctx context.Context, turn TurnOutcome) {
	reply, err := o.reasoner.Ask(ctx, turn.Transcript)
	if err != nil {
		o.abandon(turn, ReasonReasoningFailed, err)
		return
	}
	turn.Reply = reply
	if reply.Text == "" {
		o.abandon(turn, ReasonEmptyReply, nil)
		return
	}

	o.applyMu.Lock()
	if reason := o.guard(turn); reason != "" {
		o.applyMu.Unlock()
		o.abandon(turn, reason, nil)
		return
	}

	// The CONNECTING event may still be in delivery on another goroutine.
	o.resetLocked(turn.SessionID)

	err = o.session.SpeakInSession(ctx, turn.SessionID, reply.Text)
	if err != nil {
		o.applyMu.Unlock()
		reason := ReasonSpeakFailed
		if errors.Is(err, avatar.ErrNotConnected) {
			reason = ReasonNotConnected
		}
		o.abandon(turn, reason, err)
		return
	}
	o.setAlternateVisual(reply.RelatedQuery)
	o.history.Add(Exchange{
		TurnID:       turn.TurnID,
		SessionID:    turn.SessionID,
		UserText:     turn.Transcript,
		ReplyText:    reply.Text,
		RelatedQuery: reply.RelatedQuery,
	})
	o.applyMu.Unlock()

	turn.Completed = true
	o.logger.Info().
		Str("turn", turn.TurnID).
		Str("session_id", turn.SessionID).
		Bool("related_query", reply.RelatedQuery).
		Msg("Turn completed")
	o.events.Publish(bus.Event{
		Type: bus.EventTypeTurnCompleted,
		Data: map[string]any{"outcome": turn},
	})
}

// guard returns the abandon reason for a turn that may no longer be applied,
// or "" if it may proceed.
func (o *Orchestrator) guard(turn TurnOutcome) string {
	snap := o.session.Snapshot()
	if snap.State != avatar.StateConnected || snap.SessionID != turn.SessionID {
		return ReasonNotConnected
	}
	if o.latest.Load() != turn.Seq {
		return ReasonSuperseded
	}
	return ""
}

func (o *Orchestrator) abandon(turn TurnOutcome, reason string, err error) {
	turn.Reason = reason
	turn.Err = err

	event := o.logger.Warn()
	if err == nil {
		event = o.logger.Info()
	}
	event.Err(err).
		Str("turn", turn.TurnID).
		Str("session_id", turn.SessionID).
		Str("reason", reason).
		Msg("Turn abandoned")

	o.events.Publish(bus.Event{
		Type: bus.EventTypeTurnAbandoned,
		Data: map[string]any{"outcome": turn},
	})
}

func (o *Orchestrator) setAlternateVisual(v bool) {
	if o.altVisual.Swap(v) == v {
		return
	}
	o.events.Publish(bus.Event{
		Type: bus.EventTypeAlternateVisual,
		Data: map[string]any{"alternate": v},
	})
}
