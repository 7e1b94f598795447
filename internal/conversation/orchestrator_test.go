package conversation

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/normanking/avatartalk/internal/avatar"
	"github.com/normanking/avatartalk/internal/avatar/avatartest"
	"github.com/normanking/avatartalk/internal/bus"
	"github.com/normanking/avatartalk/internal/capture"
	"github.com/normanking/avatartalk/internal/reasoning"
	"github.com/normanking/avatartalk/internal/stt"
	"github.com/normanking/avatartalk/internal/testutil"
	"github.com/normanking/avatartalk/internal/token"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memDevice yields its whole payload as soon as the stream opens.
type memDevice struct {
	data []byte
	err  error
}

func (d *memDevice) Open(ctx context.Context) (capture.Stream, error) {
	if d.err != nil {
		return nil, d.err
	}
	s := &memStream{chunks: make(chan []byte, 1)}
	s.chunks <- d.data
	return s, nil
}

type memStream struct {
	chunks chan []byte
	once   sync.Once
}

func (s *memStream) Chunks() <-chan []byte { return s.chunks }

func (s *memStream) Close() error {
	s.once.Do(func() { close(s.chunks) })
	return nil
}

type harness struct {
	orch      *Orchestrator
	session   *avatar.Manager
	backend   *testutil.Backend
	transport *avatartest.Transport
	device    *memDevice

	mu       sync.Mutex
	outcomes []TurnOutcome
	statuses []capture.Status
	visuals  []bool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zerolog.Nop()
	backend := testutil.NewBackend(t)
	events := bus.NewEventBus()

	tokens := token.NewProvider(&token.Config{URL: backend.URL(testutil.TokenPath), Timeout: 5 * time.Second}, logger)
	transport := &avatartest.Transport{}
	session := avatar.NewManager(tokens, transport, events, nil, logger)
	device := &memDevice{data: testutil.GenerateTestAudio(t, 2*time.Second)}

	orch := New(Deps{
		Session:     session,
		Device:      device,
		Transcriber: stt.NewClient(&stt.Config{URL: backend.URL(testutil.TranscribePath), Timeout: 5 * time.Second}, logger),
		Reasoner:    reasoning.NewClient(&reasoning.Config{URL: backend.URL(testutil.ReasoningPath), Timeout: 5 * time.Second}, logger),
		Events:      events,
		Logger:      logger,
	}, Options{MaxExchanges: 5})

	h := &harness{
		orch:      orch,
		session:   session,
		backend:   backend,
		transport: transport,
		device:    device,
	}
	subs := []*bus.Subscription{
		orch.SubscribeTurns(func(o TurnOutcome) {
			h.mu.Lock()
			h.outcomes = append(h.outcomes, o)
			h.mu.Unlock()
		}),
		orch.Capture().SubscribeStatus(func(u capture.StatusUpdate) {
			h.mu.Lock()
			h.statuses = append(h.statuses, u.Status)
			h.mu.Unlock()
		}),
		events.Subscribe(func(e bus.Event) {
			h.mu.Lock()
			h.visuals = append(h.visuals, e.Data["alternate"].(bool))
			h.mu.Unlock()
		}, bus.EventTypeAlternateVisual),
	}
	t.Cleanup(func() {
		_ = orch.Close(context.Background())
		orch.Wait()
		for _, s := range subs {
			s.Unsubscribe()
		}
	})
	return h
}

func (h *harness) turnOutcomes() []TurnOutcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]TurnOutcome, len(h.outcomes))
	copy(out, h.outcomes)
	return out
}

func (h *harness) statusLog() []capture.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]capture.Status, len(h.statuses))
	copy(out, h.statuses)
	return out
}

func (h *harness) speak(t *testing.T) {
	t.Helper()
	require.NoError(t, h.orch.Begin(context.Background()))
	require.True(t, h.orch.End())
}

func sessionConfig() avatar.SessionConfig {
	return avatar.SessionConfig{
		Quality:     avatar.QualityHigh,
		AvatarName:  "d888f58da09648bfb520315b93971945",
		Voice:       avatar.VoiceSettings{VoiceID: "fb3dcd1398534927a2308c3d7ee10c5b", Rate: 1, Emotion: avatar.EmotionExcited, Model: "eleven_flash_v2_5"},
		Language:    "he",
		Transport:   avatar.TransportWebSocket,
		STTProvider: avatar.STTGladia,
	}
}

// A full turn speaks the reply exactly once.
func TestOrchestrator_TurnSpeaksReply(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.orch.StartSession(ctx, sessionConfig()))
	require.Equal(t, avatar.StateConnected, h.session.State())

	h.speak(t)
	h.orch.Wait()

	assert.Equal(t, []avatartest.Speech{
		{Text: "hi there", Type: avatar.TaskRepeat, Mode: avatar.TaskModeSync},
	}, h.transport.Last().Speeches())
	assert.False(t, h.orch.AlternateVisual())
	assert.Equal(t, []string{"hello"}, h.backend.Messages())
	assert.Len(t, h.backend.Uploads()[0], 32000)

	outcomes := h.turnOutcomes()
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Completed)
	assert.Equal(t, "hello", outcomes[0].Transcript)
	assert.Equal(t, "hi there", outcomes[0].Reply.Text)

	history := h.orch.History()
	require.Len(t, history, 1)
	assert.Equal(t, "hello", history[0].UserText)
	assert.Equal(t, "hi there", history[0].ReplyText)
	assert.Equal(t, h.session.Snapshot().SessionID, history[0].SessionID)

	assert.Equal(t, []capture.Status{
		capture.StatusPreparing,
		capture.StatusListening,
		capture.StatusStopping,
		capture.StatusTranscribing,
		capture.StatusIdle,
	}, h.statusLog())
}

func TestOrchestrator_RelatedQuerySetsAlternateVisual(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.backend.SetReply("see our offer", true, http.StatusOK)
	require.NoError(t, h.orch.StartSession(ctx, sessionConfig()))

	h.speak(t)
	h.orch.Wait()
	assert.True(t, h.orch.AlternateVisual())

	// A failed turn leaves the flag alone.
	h.backend.SetReply("", false, http.StatusInternalServerError)
	h.speak(t)
	h.orch.Wait()
	assert.True(t, h.orch.AlternateVisual())

	// Stopping does not reset it either; only a new session does.
	require.NoError(t, h.orch.StopSession(ctx))
	assert.True(t, h.orch.AlternateVisual())
	require.NoError(t, h.orch.StartSession(ctx, sessionConfig()))
	assert.False(t, h.orch.AlternateVisual())
	assert.Empty(t, h.orch.History())

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []bool{true, false}, h.visuals)
}

// The session stops while the reply is in flight.
func TestOrchestrator_StopBeforeReplyDiscardsIt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.orch.StartSession(ctx, sessionConfig()))
	started, release := h.backend.HoldReasoning()

	h.speak(t)
	<-started
	require.NoError(t, h.orch.StopSession(ctx))
	release()
	h.orch.Wait()

	assert.Empty(t, h.transport.SpokenAll())
	assert.False(t, h.orch.AlternateVisual())
	assert.Empty(t, h.orch.History())

	outcomes := h.turnOutcomes()
	require.Len(t, outcomes, 1)
	assert.False(t, outcomes[0].Completed)
	assert.Equal(t, ReasonNotConnected, outcomes[0].Reason)
}

func TestOrchestrator_StaleReplyNotSpokenIntoNewSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.orch.StartSession(ctx, sessionConfig()))
	started, release := h.backend.HoldReasoning()

	h.speak(t)
	<-started
	require.NoError(t, h.orch.StopSession(ctx))
	require.NoError(t, h.orch.StartSession(ctx, sessionConfig()))
	release()
	h.orch.Wait()

	require.Len(t, h.transport.Conns(), 2)
	assert.Empty(t, h.transport.SpokenAll())
	assert.Equal(t, ReasonNotConnected, h.turnOutcomes()[0].Reason)
}

func TestOrchestrator_TranscriptAfterDisconnectSkipsReasoning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.orch.StartSession(ctx, sessionConfig()))

	require.NoError(t, h.orch.Begin(ctx))
	h.transport.Last().DropRemote()
	require.Eventually(t, func() bool { return h.session.State() == avatar.StateInactive }, time.Second, time.Millisecond)
	require.True(t, h.orch.End())
	h.orch.Wait()

	assert.Equal(t, 1, h.backend.Calls(testutil.TranscribePath))
	assert.Equal(t, 0, h.backend.Calls(testutil.ReasoningPath))
	assert.Empty(t, h.transport.SpokenAll())
	assert.Equal(t, ReasonNotConnected, h.turnOutcomes()[0].Reason)
}

// Starting again while connected is rejected.
func TestOrchestrator_StartWhileConnected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.orch.StartSession(ctx, sessionConfig()))

	err := h.orch.StartSession(ctx, sessionConfig())

	assert.ErrorIs(t, err, avatar.ErrAlreadyActive)
	assert.Len(t, h.transport.Conns(), 1)
	assert.Equal(t, 1, h.backend.Calls(testutil.TokenPath))
	assert.Equal(t, avatar.StateConnected, h.session.State())
}

// Concurrent starts reset the flag and history once, when the winner claims
// CONNECTING; the rejected starts leave them alone.
func TestOrchestrator_ConcurrentStartsResetOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.backend.SetReply("see our offer", true, http.StatusOK)
	require.NoError(t, h.orch.StartSession(ctx, sessionConfig()))
	h.speak(t)
	h.orch.Wait()
	require.True(t, h.orch.AlternateVisual())
	require.Len(t, h.orch.History(), 1)

	// Rejected while connected: nothing is cleared.
	assert.ErrorIs(t, h.orch.StartSession(ctx, sessionConfig()), avatar.ErrAlreadyActive)
	assert.True(t, h.orch.AlternateVisual())
	assert.Len(t, h.orch.History(), 1)

	require.NoError(t, h.orch.StopSession(ctx))
	gate := make(chan struct{})
	h.transport.Gate = gate

	const starts = 8
	errs := make(chan error, starts)
	for i := 0; i < starts; i++ {
		go func() { errs <- h.orch.StartSession(ctx, sessionConfig()) }()
	}

	// The winner is held in CONNECTING while the reset lands.
	assert.Eventually(t, func() bool {
		return h.session.State() == avatar.StateConnecting &&
			!h.orch.AlternateVisual() && len(h.orch.History()) == 0
	}, 2*time.Second, 5*time.Millisecond)

	close(gate)
	var ok, rejected int
	for i := 0; i < starts; i++ {
		err := <-errs
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, avatar.ErrAlreadyActive)
			rejected++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, starts-1, rejected)
	assert.Equal(t, avatar.StateConnected, h.session.State())

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []bool{true, false}, h.visuals)
}

// A transcription failure abandons the turn.
func TestOrchestrator_TranscriptionFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.backend.SetTranscript("", http.StatusInternalServerError)
	require.NoError(t, h.orch.StartSession(ctx, sessionConfig()))

	h.speak(t)
	h.orch.Wait()

	statuses := h.statusLog()
	require.NotEmpty(t, statuses)
	assert.Equal(t, capture.StatusIdle, statuses[len(statuses)-1])
	assert.Equal(t, 0, h.backend.Calls(testutil.ReasoningPath))
	assert.Equal(t, avatar.StateConnected, h.session.State())
	assert.Empty(t, h.transport.SpokenAll())

	outcome := h.turnOutcomes()[0]
	assert.Equal(t, ReasonTranscriptionFailed, outcome.Reason)
	assert.ErrorIs(t, outcome.Err, stt.ErrTranscription)
}

func TestOrchestrator_ReasoningFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.backend.SetReply("", false, http.StatusBadGateway)
	require.NoError(t, h.orch.StartSession(ctx, sessionConfig()))

	h.speak(t)
	h.orch.Wait()

	assert.Empty(t, h.transport.SpokenAll())
	assert.Equal(t, avatar.StateConnected, h.session.State())
	outcome := h.turnOutcomes()[0]
	assert.Equal(t, ReasonReasoningFailed, outcome.Reason)
	assert.ErrorIs(t, outcome.Err, reasoning.ErrReasoning)
}

func TestOrchestrator_EmptyReplyIsNotSpoken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.backend.SetReply("", true, http.StatusOK)
	require.NoError(t, h.orch.StartSession(ctx, sessionConfig()))

	h.speak(t)
	h.orch.Wait()

	assert.Empty(t, h.transport.SpokenAll())
	assert.False(t, h.orch.AlternateVisual())
	assert.Equal(t, ReasonEmptyReply, h.turnOutcomes()[0].Reason)
}

func TestOrchestrator_SpeakFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.transport.SpeakErr = errors.New("task rejected")
	require.NoError(t, h.orch.StartSession(ctx, sessionConfig()))

	h.speak(t)
	h.orch.Wait()

	assert.Equal(t, ReasonSpeakFailed, h.turnOutcomes()[0].Reason)
	assert.Empty(t, h.orch.History())
	assert.Equal(t, avatar.StateConnected, h.session.State())
}

func TestOrchestrator_NewerTurnSupersedesOlder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.orch.StartSession(ctx, sessionConfig()))
	started, release := h.backend.HoldReasoning()

	h.speak(t)
	<-started
	h.speak(t)
	<-started
	release()
	h.orch.Wait()

	assert.Equal(t, []string{"hi there"}, h.transport.SpokenAll())

	outcomes := h.turnOutcomes()
	require.Len(t, outcomes, 2)
	byReason := map[string]TurnOutcome{}
	for _, o := range outcomes {
		byReason[o.Reason] = o
	}
	assert.Equal(t, uint64(1), byReason[ReasonSuperseded].Seq)
	assert.True(t, byReason[""].Completed)
	assert.Equal(t, uint64(2), byReason[""].Seq)
}

func TestOrchestrator_DeviceUnavailable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.orch.StartSession(ctx, sessionConfig()))
	h.device.err = errors.New("permission denied")

	err := h.orch.Begin(ctx)

	assert.ErrorIs(t, err, capture.ErrDeviceUnavailable)
	assert.False(t, h.orch.End())
	assert.Equal(t, avatar.StateConnected, h.session.State())
	assert.Equal(t, []capture.Status{capture.StatusPreparing, capture.StatusIdle}, h.statusLog())
}

func TestOrchestrator_CloseStopsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.orch.StartSession(ctx, sessionConfig()))
	require.NoError(t, h.orch.Begin(ctx))

	require.NoError(t, h.orch.Close(ctx))
	require.NoError(t, h.orch.Close(ctx))
	h.orch.Wait()

	assert.Equal(t, avatar.StateInactive, h.session.State())
	assert.Equal(t, 1, h.transport.Last().Disconnects())
	assert.False(t, h.orch.Capture().Recording())
	assert.Equal(t, 0, h.backend.Calls(testutil.TranscribePath))
}

func TestOrchestrator_CloseWithoutSession(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.orch.Close(context.Background()))

	assert.Equal(t, avatar.StateInactive, h.session.State())
	assert.Empty(t, h.transport.Conns())
}
