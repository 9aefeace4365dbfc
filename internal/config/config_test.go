package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupEnv(t *testing.T) {
	t.Helper()
	t.Setenv(KeyTelegramToken, "test-token")
	t.Setenv(KeyCommander, "telegram")
	t.Setenv(KeyModelProvider, "ollama")
}

func TestLoad_Defaults(t *testing.T) {
	setupEnv(t)
	cfg, err := Load(New())
	require.NoError(t, err)

	assert.Equal(t, "test-token", cfg.TelegramToken)
	assert.Equal(t, "https://api.telegram.org", cfg.TelegramAPIBase)
	assert.Equal(t, 30, cfg.Timeout)
	assert.Equal(t, 1, cfg.SleepSeconds)
	assert.True(t, cfg.DropPending)
	assert.Equal(t, int64(600), cfg.PendingWindowSeconds)
	assert.Equal(t, 50, cfg.PendingMaxMessages)
	assert.Equal(t, "http://localhost:11434/api", cfg.OllamaBaseURL)
	assert.Equal(t, "gemma3:4b", cfg.DefaultModel)
	assert.Equal(t, 300*time.Second, cfg.RequestTimeout)
	assert.Equal(t, "", cfg.SystemPrompt)
	assert.Equal(t, 0, cfg.HistoryMaxTurns)
	assert.Equal(t, 4, cfg.MaxConcurrency)
	assert.Equal(t, 16, cfg.ChatQueueSize)
	assert.Equal(t, "", cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, []string{"gemma3:4b", "llama3:8b", "llama3:70b"}, cfg.DummyModels)
}

func TestLoad_Overrides(t *testing.T) {
	setupEnv(t)
	t.Setenv(KeyOllamaBaseURL, "http://gpu-box:11434/api/")
	t.Setenv(KeyDefaultModel, "llama3:8b")
	t.Setenv(KeyRequestTimeout, "45")
	t.Setenv(KeyHistoryMaxTurns, "20")
	t.Setenv(KeyDropPending, "0")
	t.Setenv(KeySystemPrompt, "be brief")
	t.Setenv(KeyLogFormat, "CONSOLE")
	t.Setenv(KeyDummyModels, " a , ,b ")

	cfg, err := Load(New())
	require.NoError(t, err)
	assert.Equal(t, "http://gpu-box:11434/api", cfg.OllamaBaseURL)
	assert.Equal(t, "llama3:8b", cfg.DefaultModel)
	assert.Equal(t, 45*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 20, cfg.HistoryMaxTurns)
	assert.False(t, cfg.DropPending)
	assert.Equal(t, "be brief", cfg.SystemPrompt)
	assert.Equal(t, "console", cfg.LogFormat)
	assert.Equal(t, []string{"a", "b"}, cfg.DummyModels)
}

func TestLoad_RequiresTelegramToken(t *testing.T) {
	t.Setenv(KeyTelegramToken, "")
	t.Setenv(KeyTelegramTokenLegacy, "")
	t.Setenv(KeyCommander, "telegram")

	_, err := Load(New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), KeyTelegramToken)
}

func TestLoad_LegacyTokenFallback(t *testing.T) {
	t.Setenv(KeyTelegramToken, "")
	t.Setenv(KeyTelegramTokenLegacy, "legacy")

	cfg, err := Load(New())
	require.NoError(t, err)
	assert.Equal(t, "legacy", cfg.TelegramToken)
}

func TestLoad_DummyCommanderNeedsNoToken(t *testing.T) {
	t.Setenv(KeyTelegramToken, "")
	t.Setenv(KeyTelegramTokenLegacy, "")
	t.Setenv(KeyCommander, "dummy")
	t.Setenv(KeyModelProvider, "dummy")

	cfg, err := Load(New())
	require.NoError(t, err)
	assert.Equal(t, CommanderDummy, cfg.Commander)
	assert.Equal(t, ProviderDummy, cfg.ModelProvider)
}

func TestLoad_InvalidValues(t *testing.T) {
	cases := []struct {
		key, value string
	}{
		{KeyPollTimeout, "soon"},
		{KeyRequestTimeout, "0"},
		{KeyMaxConcurrency, "0"},
		{KeyChatQueueSize, "-1"},
		{KeyHistoryMaxTurns, "-3"},
		{KeyDropPending, "maybe"},
		{KeyCommander, "slack"},
		{KeyModelProvider, "openai"},
		{KeyLogFormat, "xml"},
	}
	for _, tc := range cases {
		t.Run(tc.key+"="+tc.value, func(t *testing.T) {
			setupEnv(t)
			t.Setenv(tc.key, tc.value)
			_, err := Load(New())
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tc.key), "error %q does not name %s", err, tc.key)
		})
	}
}

func TestLoad_BoundValueWins(t *testing.T) {
	setupEnv(t)
	t.Setenv(KeyLogLevel, "warn")
	v := New()
	v.Set(KeyLogLevel, "debug")

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("OLLAGRAM_TEST_DOTENV=from-file\nOLLAGRAM_TEST_PRESET=from-file\n"), 0o600))
	t.Setenv("OLLAGRAM_TEST_PRESET", "from-env")
	t.Cleanup(func() { os.Unsetenv("OLLAGRAM_TEST_DOTENV") })

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env"), path))
	assert.Equal(t, "from-file", os.Getenv("OLLAGRAM_TEST_DOTENV"))
	assert.Equal(t, "from-env", os.Getenv("OLLAGRAM_TEST_PRESET"))
}
