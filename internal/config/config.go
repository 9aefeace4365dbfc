package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// Environment keys.
const (
	KeyTelegramToken       = "TELEGRAM_BOT_TOKEN"
	KeyTelegramTokenLegacy = "TELEGRAM_TOKEN"
	KeyTelegramAPIBase     = "TELEGRAM_API_BASE"
	KeyPollTimeout         = "TG_TIMEOUT"
	KeySleepSeconds        = "TG_SLEEP_SECONDS"
	KeyDropPending         = "TG_DROP_PENDING"
	KeyPendingWindow       = "TG_PENDING_WINDOW_SECONDS"
	KeyPendingMax          = "TG_PENDING_MAX_MESSAGES"
	KeyOllamaBaseURL       = "OLLAMA_BASE_URL"
	KeyDefaultModel        = "OLLAMA_DEFAULT_MODEL"
	KeyRequestTimeout      = "OLLAMA_REQUEST_TIMEOUT_SECONDS"
	KeySystemPrompt        = "OLLAGRAM_SYSTEM_PROMPT"
	KeyHistoryMaxTurns     = "OLLAGRAM_HISTORY_MAX_TURNS"
	KeyMaxConcurrency      = "OLLAGRAM_MAX_CONCURRENCY"
	KeyChatQueueSize       = "OLLAGRAM_CHAT_QUEUE_SIZE"
	KeyDBPath              = "OLLAGRAM_DB_PATH"
	KeyCommander           = "OLLAGRAM_COMMANDER"
	KeyModelProvider       = "OLLAGRAM_MODEL_PROVIDER"
	KeyDummyProvider       = "OLLAGRAM_DUMMY_PROVIDER_SCRIPT"
	KeyDummyCommander      = "OLLAGRAM_DUMMY_COMMANDER_SCRIPT"
	KeyDummySend           = "OLLAGRAM_DUMMY_COMMANDER_SEND_SCRIPT"
	KeyDummyModels         = "OLLAGRAM_DUMMY_MODELS"
	KeyLogLevel            = "OLLAGRAM_LOG_LEVEL"
	KeyLogFormat           = "OLLAGRAM_LOG_FORMAT"
)

const (
	CommanderTelegram = "telegram"
	CommanderDummy    = "dummy"
	ProviderOllama    = "ollama"
	ProviderDummy     = "dummy"
)

// Config holds configuration for the bot process.
type Config struct {
	Commander     string
	ModelProvider string

	TelegramToken        string
	TelegramAPIBase      string
	Timeout              int
	SleepSeconds         int
	DropPending          bool
	PendingWindowSeconds int64
	PendingMaxMessages   int

	OllamaBaseURL  string
	DefaultModel   string
	RequestTimeout time.Duration
	SystemPrompt   string

	HistoryMaxTurns int
	MaxConcurrency  int
	ChatQueueSize   int
	DBPath          string

	LogLevel  string
	LogFormat string

	DummyProviderScript  string
	DummyCommanderScript string
	DummySendScript      string
	DummyModels          []string
}

// New returns a viper instance reading the environment, with every default
// registered.
func New() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyTelegramAPIBase, "https://api.telegram.org")
	v.SetDefault(KeyPollTimeout, 30)
	v.SetDefault(KeySleepSeconds, 1)
	v.SetDefault(KeyDropPending, true)
	v.SetDefault(KeyPendingWindow, 600)
	v.SetDefault(KeyPendingMax, 50)
	v.SetDefault(KeyOllamaBaseURL, "http://localhost:11434/api")
	v.SetDefault(KeyDefaultModel, "gemma3:4b")
	v.SetDefault(KeyRequestTimeout, 300)
	v.SetDefault(KeySystemPrompt, "")
	v.SetDefault(KeyHistoryMaxTurns, 0)
	v.SetDefault(KeyMaxConcurrency, 4)
	v.SetDefault(KeyChatQueueSize, 16)
	v.SetDefault(KeyDBPath, "")
	v.SetDefault(KeyCommander, CommanderTelegram)
	v.SetDefault(KeyModelProvider, ProviderOllama)
	v.SetDefault(KeyDummyProvider, "ok")
	v.SetDefault(KeyDummyCommander, "ok")
	v.SetDefault(KeyDummySend, "ok")
	v.SetDefault(KeyDummyModels, "gemma3:4b,llama3:8b,llama3:70b")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "json")
}

// LoadDotEnv loads variables from the given .env files into the process
// environment. Missing files are skipped and variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads and validates the configuration from v.
func Load(v *viper.Viper) (Config, error) {
	r := reader{v: v}
	cfg := Config{
		Commander:            strings.ToLower(strings.TrimSpace(v.GetString(KeyCommander))),
		ModelProvider:        strings.ToLower(strings.TrimSpace(v.GetString(KeyModelProvider))),
		TelegramToken:        strings.TrimSpace(v.GetString(KeyTelegramToken)),
		TelegramAPIBase:      strings.TrimRight(strings.TrimSpace(v.GetString(KeyTelegramAPIBase)), "/"),
		Timeout:              r.intAtLeast(KeyPollTimeout, 0),
		SleepSeconds:         r.intAtLeast(KeySleepSeconds, 0),
		DropPending:          r.boolean(KeyDropPending),
		PendingWindowSeconds: int64(r.intAtLeast(KeyPendingWindow, 0)),
		PendingMaxMessages:   r.intAtLeast(KeyPendingMax, 0),
		OllamaBaseURL:        strings.TrimRight(strings.TrimSpace(v.GetString(KeyOllamaBaseURL)), "/"),
		DefaultModel:         strings.TrimSpace(v.GetString(KeyDefaultModel)),
		RequestTimeout:       time.Duration(r.intAtLeast(KeyRequestTimeout, 1)) * time.Second,
		SystemPrompt:         v.GetString(KeySystemPrompt),
		HistoryMaxTurns:      r.intAtLeast(KeyHistoryMaxTurns, 0),
		MaxConcurrency:       r.intAtLeast(KeyMaxConcurrency, 1),
		ChatQueueSize:        r.intAtLeast(KeyChatQueueSize, 1),
		DBPath:               strings.TrimSpace(v.GetString(KeyDBPath)),
		LogLevel:             strings.ToLower(strings.TrimSpace(v.GetString(KeyLogLevel))),
		LogFormat:            strings.ToLower(strings.TrimSpace(v.GetString(KeyLogFormat))),
		DummyProviderScript:  v.GetString(KeyDummyProvider),
		DummyCommanderScript: v.GetString(KeyDummyCommander),
		DummySendScript:      v.GetString(KeyDummySend),
		DummyModels:          splitList(v.GetString(KeyDummyModels)),
	}
	if r.err != nil {
		return Config{}, r.err
	}
	if cfg.TelegramToken == "" {
		cfg.TelegramToken = strings.TrimSpace(v.GetString(KeyTelegramTokenLegacy))
	}

	switch cfg.Commander {
	case CommanderTelegram:
		if cfg.TelegramToken == "" {
			return Config{}, fmt.Errorf("%s is required in environment when %s=%s", KeyTelegramToken, KeyCommander, CommanderTelegram)
		}
	case CommanderDummy:
	default:
		return Config{}, fmt.Errorf("%s must be %q or %q, got %q", KeyCommander, CommanderTelegram, CommanderDummy, cfg.Commander)
	}
	switch cfg.ModelProvider {
	case ProviderOllama:
		if cfg.OllamaBaseURL == "" {
			return Config{}, fmt.Errorf("%s cannot be empty", KeyOllamaBaseURL)
		}
	case ProviderDummy:
	default:
		return Config{}, fmt.Errorf("%s must be %q or %q, got %q", KeyModelProvider, ProviderOllama, ProviderDummy, cfg.ModelProvider)
	}
	if cfg.DefaultModel == "" {
		return Config{}, fmt.Errorf("%s cannot be empty", KeyDefaultModel)
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		return Config{}, fmt.Errorf("%s must be json or console, got %q", KeyLogFormat, cfg.LogFormat)
	}
	return cfg, nil
}

// reader converts raw values and keeps the first conversion error.
type reader struct {
	v   *viper.Viper
	err error
}

func (r *reader) intAtLeast(key string, minimum int) int {
	n, err := cast.ToIntE(strings.TrimSpace(cast.ToString(r.v.Get(key))))
	if err != nil {
		r.fail(fmt.Errorf("%s must be an integer, got %q", key, cast.ToString(r.v.Get(key))))
		return 0
	}
	if n < minimum {
		r.fail(fmt.Errorf("%s must be >= %d, got %d", key, minimum, n))
	}
	return n
}

func (r *reader) boolean(key string) bool {
	b, err := cast.ToBoolE(strings.TrimSpace(cast.ToString(r.v.Get(key))))
	if err != nil {
		r.fail(fmt.Errorf("%s must be a boolean, got %q", key, cast.ToString(r.v.Get(key))))
		return false
	}
	return b
}

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
