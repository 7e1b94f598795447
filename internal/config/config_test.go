package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/normanking/avatartalk/internal/avatar"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "http://localhost:3000/api/get-access-token", cfg.Endpoints.TokenURL)
	assert.Equal(t, "high", cfg.Avatar.Quality)
	assert.Equal(t, "he", cfg.Avatar.Language)
	assert.Equal(t, "websocket", cfg.Avatar.Transport)
	assert.Equal(t, "gladia", cfg.Avatar.STTProvider)
	assert.Equal(t, 10, cfg.History.MaxExchanges)
	assert.NoError(t, cfg.Session().Validate())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Avatar, cfg.Avatar)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, `
endpoints:
  reasoning_url: http://reasoner:9000/api/ai
  timeout: 5s
avatar:
  language: en
  voice:
    rate: 1.2
history:
  max_exchanges: 3
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://reasoner:9000/api/ai", cfg.Endpoints.ReasoningURL)
	assert.Equal(t, 5*time.Second, cfg.Endpoints.Timeout)
	assert.Equal(t, "en", cfg.Avatar.Language)
	assert.InDelta(t, 1.2, cfg.Avatar.Voice.Rate, 1e-9)
	assert.Equal(t, 3, cfg.History.MaxExchanges)

	// Untouched keys keep their defaults.
	assert.Equal(t, "eleven_flash_v2_5", cfg.Avatar.Voice.Model)
	assert.Equal(t, "http://localhost:3000/api/transcribe", cfg.Endpoints.TranscribeURL)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("AVATARTALK_AVATAR_TRANSPORT", "livekit")
	t.Setenv("AVATARTALK_HISTORY_MAX_EXCHANGES", "4")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "livekit", cfg.Avatar.Transport)
	assert.Equal(t, 4, cfg.History.MaxExchanges)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "avatar: [unterminated")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Avatar.Name = "custom-avatar"
	cfg.Avatar.ReadyTimeout = 7 * time.Second
	cfg.Logging.Level = "debug"
	require.NoError(t, Save(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestSession(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Avatar.KnowledgeID = "kb-1"

	s := cfg.Session()
	assert.Equal(t, avatar.QualityHigh, s.Quality)
	assert.Equal(t, "d888f58da09648bfb520315b93971945", s.AvatarName)
	assert.Equal(t, "kb-1", s.KnowledgeID)
	assert.Equal(t, "fb3dcd1398534927a2308c3d7ee10c5b", s.Voice.VoiceID)
	assert.Equal(t, avatar.EmotionExcited, s.Voice.Emotion)
	assert.Equal(t, avatar.TransportWebSocket, s.Transport)
	assert.Equal(t, avatar.STTGladia, s.STTProvider)
}

func TestComponentConfigs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Endpoints.Timeout = 3 * time.Second

	assert.Equal(t, cfg.Endpoints.TokenURL, cfg.TokenConfig().URL)
	assert.Equal(t, 3*time.Second, cfg.STTConfig().Timeout)
	assert.Equal(t, 60*time.Second, cfg.ReasoningConfig().Timeout)
	assert.Equal(t, "https://api.heygen.com", cfg.HeyGenConfig().BaseURL)
	assert.Equal(t, 5*time.Second, cfg.ManagerConfig().TeardownTimeout)
	assert.Equal(t, "audio/webm", cfg.CaptureControllerConfig().MimeType)
	assert.True(t, cfg.LoggingConfig().Console)
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "avatar:\n  language: he\n")

	var mu sync.Mutex
	var latest *Config
	cfg, err := Watch(path, zerolog.Nop(), func(c *Config) {
		mu.Lock()
		latest = c
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.Equal(t, "he", cfg.Avatar.Language)

	writeFile(t, path, "avatar:\n  language: en\n")

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return latest != nil && latest.Avatar.Language == "en"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWatch_RequiresPath(t *testing.T) {
	_, err := Watch("", zerolog.Nop(), func(*Config) {})
	assert.Error(t, err)
}
