package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/normanking/avatartalk/internal/avatar"
	"github.com/normanking/avatartalk/internal/bus"
	"github.com/normanking/avatartalk/internal/capture"
	"github.com/normanking/avatartalk/internal/config"
	"github.com/normanking/avatartalk/internal/conversation"
	"github.com/normanking/avatartalk/internal/heygen"
	"github.com/normanking/avatartalk/internal/reasoning"
	"github.com/normanking/avatartalk/internal/stt"
	"github.com/normanking/avatartalk/internal/token"
	"github.com/spf13/cobra"
)

type converseOptions struct {
	audio    string
	turns    int
	sessions int
	hold     time.Duration
	watch    bool
}

func converseCmd() *cobra.Command {
	opts := &converseOptions{}
	cmd := &cobra.Command{
		Use:   "converse",
		Short: "Hold a voice conversation with the avatar",
		Long: `Start an avatar session and run one turn per --turns, replaying the
--audio file as the microphone for every utterance. Ctrl+C stops the
session immediately.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConverse(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.audio, "audio", "", "prerecorded utterance replayed as microphone input (required)")
	cmd.Flags().IntVar(&opts.turns, "turns", 1, "utterances per session")
	cmd.Flags().IntVar(&opts.sessions, "sessions", 1, "sessions to run back to back")
	cmd.Flags().DurationVar(&opts.hold, "hold", 0, "how long each utterance records (default: length of the replay)")
	cmd.Flags().BoolVar(&opts.watch, "watch", false, "reload --config between sessions when the file changes")
	_ = cmd.MarkFlagRequired("audio")

	return cmd
}

func runConverse(parent context.Context, opts *converseOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	if opts.turns < 1 || opts.sessions < 1 {
		return errors.New("--turns and --sessions must be at least 1")
	}
	info, err := os.Stat(opts.audio)
	if err != nil {
		return fmt.Errorf("audio file: %w", err)
	}

	zlog := logger()

	// Reloaded settings only apply when the next session starts.
	var current atomic.Pointer[config.Config]
	current.Store(cfg)
	if opts.watch {
		if cfgPath == "" {
			return errors.New("--watch requires --config")
		}
		watched, err := config.Watch(cfgPath, zlog, func(c *config.Config) {
			current.Store(c)
			fmt.Println("Config reloaded; applies to the next session")
		})
		if err != nil {
			return err
		}
		current.Store(watched)
	}

	base := current.Load()
	hold := opts.hold
	if hold <= 0 {
		hold = replayDuration(info.Size(), base.Capture.ChunkSize, base.Capture.ChunkInterval)
	}

	events := bus.NewEventBus()
	tokens := token.NewProvider(base.TokenConfig(), zlog)
	transport := heygen.NewTransport(base.HeyGenConfig(), nil, zlog)
	session := avatar.NewManager(tokens, transport, events, base.ManagerConfig(), zlog)

	orch := conversation.New(conversation.Deps{
		Session:     session,
		Device:      capture.NewFileDevice(opts.audio, base.Capture.ChunkSize, base.Capture.ChunkInterval),
		Transcriber: stt.NewClient(base.STTConfig(), zlog),
		Reasoner:    reasoning.NewClient(base.ReasoningConfig(), zlog),
		Events:      events,
		Logger:      zlog,
	}, conversation.Options{
		Capture:      base.CaptureControllerConfig(),
		MaxExchanges: base.History.MaxExchanges,
	})

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	// A signal stops everything unconditionally, exactly once.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			fmt.Println("\nShutting down...")
			cancel()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = orch.Close(shutdownCtx)
		case <-ctx.Done():
		}
	}()

	stateSub := session.Subscribe(func(c avatar.StateChange) {
		fmt.Printf("[session] %s -> %s (%s)\n", c.From, c.To, c.Reason)
	})
	defer stateSub.Unsubscribe()

	statusSub := orch.Capture().SubscribeStatus(func(u capture.StatusUpdate) {
		fmt.Printf("[mic] %s\n", u.Status)
	})
	defer statusSub.Unsubscribe()

	outcomes := make(chan conversation.TurnOutcome, opts.turns)
	turnSub := orch.SubscribeTurns(func(out conversation.TurnOutcome) {
		if out.Completed {
			fmt.Printf("You:    %s\nAvatar: %s\n", out.Transcript, out.Reply.Text)
		} else {
			fmt.Printf("Turn abandoned: %s\n", out.Reason)
		}
		select {
		case outcomes <- out:
		default:
		}
	})
	defer turnSub.Unsubscribe()

	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = orch.Close(shutdownCtx)
	}()

	for i := 0; i < opts.sessions; i++ {
		if err := runSession(ctx, orch, current.Load(), opts.turns, hold, outcomes); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		fmt.Println()
		fmt.Println(orch.Transcript())
	}
	return nil
}

func runSession(ctx context.Context, orch *conversation.Orchestrator, c *config.Config, turns int, hold time.Duration, outcomes <-chan conversation.TurnOutcome) error {
	if err := orch.StartSession(ctx, c.Session()); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.StopSession(stopCtx)
	}()

	for t := 0; t < turns; t++ {
		if err := orch.Begin(ctx); err != nil {
			return fmt.Errorf("begin utterance: %w", err)
		}

		select {
		case <-time.After(hold):
		case <-ctx.Done():
			return ctx.Err()
		}
		orch.End()

		select {
		case <-outcomes:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// replayDuration is how long FileDevice needs to replay size bytes.
func replayDuration(size int64, chunkSize int, interval time.Duration) time.Duration {
	if chunkSize <= 0 {
		chunkSize = 4096
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	chunks := (size + int64(chunkSize) - 1) / int64(chunkSize)
	return time.Duration(chunks+1) * interval
}
