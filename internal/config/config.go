// Package config provides configuration management for avatartalk
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/normanking/avatartalk/internal/avatar"
	"github.com/normanking/avatartalk/internal/capture"
	"github.com/normanking/avatartalk/internal/heygen"
	"github.com/normanking/avatartalk/internal/logging"
	"github.com/normanking/avatartalk/internal/reasoning"
	"github.com/normanking/avatartalk/internal/stt"
	"github.com/normanking/avatartalk/internal/token"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. AVATARTALK_AVATAR_LANGUAGE.
const EnvPrefix = "AVATARTALK"

// Config holds all application configuration
type Config struct {
	Endpoints EndpointsConfig `mapstructure:"endpoints"`
	Avatar    AvatarConfig    `mapstructure:"avatar"`
	Capture   CaptureConfig   `mapstructure:"capture"`
	History   HistoryConfig   `mapstructure:"history"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// EndpointsConfig locates the token, transcription and reasoning services
type EndpointsConfig struct {
	TokenURL         string        `mapstructure:"token_url"`
	TranscribeURL    string        `mapstructure:"transcribe_url"`
	ReasoningURL     string        `mapstructure:"reasoning_url"`
	Timeout          time.Duration `mapstructure:"timeout"`
	ReasoningTimeout time.Duration `mapstructure:"reasoning_timeout"`
}

// VoiceConfig configures the avatar voice
type VoiceConfig struct {
	ID      string  `mapstructure:"id"`
	Rate    float64 `mapstructure:"rate"`
	Emotion string  `mapstructure:"emotion"` // excited, serious, friendly, soothing, broadcaster
	Model   string  `mapstructure:"model"`
}

// AvatarConfig configures the streaming avatar session
type AvatarConfig struct {
	Quality         string        `mapstructure:"quality"` // low, medium, high
	Name            string        `mapstructure:"name"`
	KnowledgeID     string        `mapstructure:"knowledge_id"`
	Voice           VoiceConfig   `mapstructure:"voice"`
	Language        string        `mapstructure:"language"`
	Transport       string        `mapstructure:"transport"`    // websocket or livekit
	STTProvider     string        `mapstructure:"stt_provider"` // deepgram or gladia
	APIBaseURL      string        `mapstructure:"api_base_url"`
	ReadyTimeout    time.Duration `mapstructure:"ready_timeout"`
	TeardownTimeout time.Duration `mapstructure:"teardown_timeout"`
}

// CaptureConfig configures audio capture
type CaptureConfig struct {
	MimeType      string        `mapstructure:"mime_type"`
	ChunkSize     int           `mapstructure:"chunk_size"`
	ChunkInterval time.Duration `mapstructure:"chunk_interval"`
}

// HistoryConfig bounds the exchange history
type HistoryConfig struct {
	MaxExchanges int `mapstructure:"max_exchanges"`
}

// LoggingConfig configures logging
type LoggingConfig struct {
	Dir     string `mapstructure:"dir"`
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	logDir := ""
	if dir, err := GetConfigDir(); err == nil {
		logDir = filepath.Join(dir, "logs")
	}

	return &Config{
		Endpoints: EndpointsConfig{
			TokenURL:         "http://localhost:3000/api/get-access-token",
			TranscribeURL:    "http://localhost:3000/api/transcribe",
			ReasoningURL:     "http://localhost:3000/api/ai",
			Timeout:          30 * time.Second,
			ReasoningTimeout: 60 * time.Second,
		},
		Avatar: AvatarConfig{
			Quality: string(avatar.QualityHigh),
			Name:    "d888f58da09648bfb520315b93971945",
			Voice: VoiceConfig{
				ID:      "fb3dcd1398534927a2308c3d7ee10c5b",
				Rate:    1,
				Emotion: string(avatar.EmotionExcited),
				Model:   "eleven_flash_v2_5",
			},
			Language:        "he",
			Transport:       string(avatar.TransportWebSocket),
			STTProvider:     string(avatar.STTGladia),
			APIBaseURL:      "https://api.heygen.com",
			ReadyTimeout:    20 * time.Second,
			TeardownTimeout: 5 * time.Second,
		},
		Capture: CaptureConfig{
			MimeType:      capture.DefaultMimeType,
			ChunkSize:     4096,
			ChunkInterval: 100 * time.Millisecond,
		},
		History: HistoryConfig{
			MaxExchanges: 10,
		},
		Logging: LoggingConfig{
			Dir:     logDir,
			Level:   string(logging.LevelInfo),
			Console: true,
		},
	}
}

// each calls set for every configuration key.
func each(cfg *Config, set func(key string, value any)) {
	set("endpoints.token_url", cfg.Endpoints.TokenURL)
	set("endpoints.transcribe_url", cfg.Endpoints.TranscribeURL)
	set("endpoints.reasoning_url", cfg.Endpoints.ReasoningURL)
	set("endpoints.timeout", cfg.Endpoints.Timeout)
	set("endpoints.reasoning_timeout", cfg.Endpoints.ReasoningTimeout)

	set("avatar.quality", cfg.Avatar.Quality)
	set("avatar.name", cfg.Avatar.Name)
	set("avatar.knowledge_id", cfg.Avatar.KnowledgeID)
	set("avatar.voice.id", cfg.Avatar.Voice.ID)
	set("avatar.voice.rate", cfg.Avatar.Voice.Rate)
	set("avatar.voice.emotion", cfg.Avatar.Voice.Emotion)
	set("avatar.voice.model", cfg.Avatar.Voice.Model)
	set("avatar.language", cfg.Avatar.Language)
	set("avatar.transport", cfg.Avatar.Transport)
	set("avatar.stt_provider", cfg.Avatar.STTProvider)
	set("avatar.api_base_url", cfg.Avatar.APIBaseURL)
	set("avatar.ready_timeout", cfg.Avatar.ReadyTimeout)
	set("avatar.teardown_timeout", cfg.Avatar.TeardownTimeout)

	set("capture.mime_type", cfg.Capture.MimeType)
	set("capture.chunk_size", cfg.Capture.ChunkSize)
	set("capture.chunk_interval", cfg.Capture.ChunkInterval)

	set("history.max_exchanges", cfg.History.MaxExchanges)

	set("logging.dir", cfg.Logging.Dir)
	set("logging.level", cfg.Logging.Level)
	set("logging.console", cfg.Logging.Console)
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	each(DefaultConfig(), v.SetDefault)

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		if dir, err := GetConfigDir(); err == nil {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath(".")
	}

	// Environment variable overrides
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// Load reads configuration from path, or from ~/.avatartalk/config.yaml and
// ./config.yaml when path is empty, then applies environment overrides. A
// missing file is not an error.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if err := read(v); err != nil {
		return nil, err
	}
	return decode(v)
}

func read(v *viper.Viper) error {
	err := v.ReadInConfig()
	if err == nil {
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("read config: %w", err)
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Watch loads path and calls onChange with the reloaded configuration every
// time the file is written. Reloads that fail to decode are logged and
// skipped. Callers apply session settings on the next session start only.
func Watch(path string, logger zerolog.Logger, onChange func(*Config)) (*Config, error) {
	if path == "" {
		return nil, errors.New("watch requires an explicit config path")
	}
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	logger = logger.With().Str("component", "config").Logger()
	v.OnConfigChange(func(e fsnotify.Event) {
		next, err := decode(v)
		if err != nil {
			logger.Warn().Err(err).Str("file", e.Name).Msg("Ignoring invalid config reload")
			return
		}
		logger.Info().Str("file", e.Name).Str("op", e.Op.String()).Msg("Config reloaded")
		onChange(next)
	})
	v.WatchConfig()
	return cfg, nil
}

// Save writes the configuration to path as YAML.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	v := viper.New()
	v.SetConfigType("yaml")
	each(cfg, func(key string, value any) {
		if d, ok := value.(time.Duration); ok {
			value = d.String()
		}
		v.Set(key, value)
	})
	return v.WriteConfigAs(path)
}

// GetConfigDir returns the configuration directory path
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".avatartalk"), nil
}

// DefaultPath returns the default config file location.
func DefaultPath() (string, error) {
	dir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Session builds the immutable session description for the next start.
func (c *Config) Session() avatar.SessionConfig {
	return avatar.SessionConfig{
		Quality:     avatar.Quality(c.Avatar.Quality),
		AvatarName:  c.Avatar.Name,
		KnowledgeID: c.Avatar.KnowledgeID,
		Voice: avatar.VoiceSettings{
			VoiceID: c.Avatar.Voice.ID,
			Rate:    c.Avatar.Voice.Rate,
			Emotion: avatar.VoiceEmotion(c.Avatar.Voice.Emotion),
			Model:   c.Avatar.Voice.Model,
		},
		Language:    c.Avatar.Language,
		Transport:   avatar.ChatTransport(c.Avatar.Transport),
		STTProvider: avatar.STTProvider(c.Avatar.STTProvider),
	}
}

// TokenConfig configures the token provider.
func (c *Config) TokenConfig() *token.Config {
	return &token.Config{URL: c.Endpoints.TokenURL, Timeout: c.Endpoints.Timeout}
}

// STTConfig configures the transcription client.
func (c *Config) STTConfig() *stt.Config {
	return &stt.Config{URL: c.Endpoints.TranscribeURL, Timeout: c.Endpoints.Timeout}
}

// ReasoningConfig configures the reasoning client.
func (c *Config) ReasoningConfig() *reasoning.Config {
	return &reasoning.Config{URL: c.Endpoints.ReasoningURL, Timeout: c.Endpoints.ReasoningTimeout}
}

// HeyGenConfig configures the avatar transport.
func (c *Config) HeyGenConfig() *heygen.Config {
	return &heygen.Config{
		BaseURL:      c.Avatar.APIBaseURL,
		Timeout:      c.Endpoints.Timeout,
		ReadyTimeout: c.Avatar.ReadyTimeout,
	}
}

// ManagerConfig configures the session manager.
func (c *Config) ManagerConfig() *avatar.ManagerConfig {
	return &avatar.ManagerConfig{TeardownTimeout: c.Avatar.TeardownTimeout}
}

// CaptureControllerConfig configures the capture controller.
func (c *Config) CaptureControllerConfig() *capture.Config {
	return &capture.Config{MimeType: c.Capture.MimeType}
}

// LoggingConfig configures the logger.
func (c *Config) LoggingConfig() *logging.Config {
	return &logging.Config{
		LogDir:  c.Logging.Dir,
		Level:   logging.LogLevel(c.Logging.Level),
		Console: c.Logging.Console,
	}
}
