// Package main provides the CLI entry point for avatartalk.
package main

import (
	"fmt"
	"os"

	"github.com/normanking/avatartalk/internal/config"
	"github.com/normanking/avatartalk/internal/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Version information (set at build time)
	version = "dev"

	cfgPath string
	verbose bool

	cfg *config.Config
	log *logging.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "avatartalk",
		Short: "avatartalk - voice conversations with a streaming avatar",
		Long: `avatartalk records an utterance, transcribes it, asks the reasoning
service for a reply and has a streaming avatar speak that reply verbatim.

Run a conversation:   avatartalk converse --audio question.webm
Configuration:        avatartalk config show`,
		PersistentPreRunE: initLogging,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if log != nil {
				log.Close()
			}
		},
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.avatartalk/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("avatartalk %s\n", version)
		},
	})
	rootCmd.AddCommand(converseCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func initLogging(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(cfgPath)
	if err != nil {
		return err
	}

	logCfg := cfg.LoggingConfig()
	if logCfg.LogDir == "" {
		logCfg.LogDir = logging.DefaultConfig().LogDir
	}
	if verbose {
		logCfg.Level = logging.LevelDebug
	}

	log, err = logging.New(logCfg)
	if err != nil {
		return err
	}

	zl := log.Zerolog()
	zl.Info().
		Str("version", version).
		Str("log_file", log.Path()).
		Msg("avatartalk started")
	return nil
}

func logger() zerolog.Logger {
	if log == nil {
		return logging.Nop()
	}
	return log.Zerolog()
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and initialize configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Run: func(cmd *cobra.Command, args []string) {
			s := cfg.Session()
			fmt.Println("Endpoints")
			fmt.Printf("  token:       %s\n", cfg.Endpoints.TokenURL)
			fmt.Printf("  transcribe:  %s\n", cfg.Endpoints.TranscribeURL)
			fmt.Printf("  reasoning:   %s\n", cfg.Endpoints.ReasoningURL)
			fmt.Printf("  timeout:     %s\n", cfg.Endpoints.Timeout)
			fmt.Println("Avatar")
			fmt.Printf("  api:         %s\n", cfg.Avatar.APIBaseURL)
			fmt.Printf("  avatar:      %s\n", s.AvatarName)
			fmt.Printf("  quality:     %s\n", s.Quality)
			fmt.Printf("  voice:       %s (rate %.2f, %s, %s)\n", s.Voice.VoiceID, s.Voice.Rate, s.Voice.Emotion, s.Voice.Model)
			fmt.Printf("  language:    %s\n", s.Language)
			fmt.Printf("  transport:   %s\n", s.Transport)
			fmt.Printf("  stt:         %s\n", s.STTProvider)
			if s.KnowledgeID != "" {
				fmt.Printf("  knowledge:   %s\n", s.KnowledgeID)
			}
			fmt.Println("History")
			fmt.Printf("  exchanges:   %d\n", cfg.History.MaxExchanges)
			if err := s.Validate(); err != nil {
				fmt.Printf("\nWarning: %v\n", err)
			}
		},
	})

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := cfgPath
			if path == "" {
				var err error
				if path, err = config.DefaultPath(); err != nil {
					return err
				}
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config file already exists: %s (use --force to overwrite)", path)
			}
			if err := config.Save(config.DefaultConfig(), path); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.AddCommand(initCmd)

	return cmd
}
