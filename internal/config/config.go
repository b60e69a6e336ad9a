// Package config loads the bridge configuration. Precedence, later wins:
// built-in defaults, ~/.config/opencode-telegram/telegram.json, the working
// directory's .opencode/telegram.json, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var ErrFatalConfig = errors.New("config: missing or invalid required setting")

const AppName = "opencode-telegram"

type Config struct {
	BotToken   string
	ChatID     int64
	ThreadID   int64 // 0 means no forum topic configured
	UpdatesURL string
	SendURL    string

	UseCoordinator bool
	DeviceName     string // custom device-id prefix
	StoreRoot      string // parent volume for the shared store

	OpencodeURL   string
	OpenAIAPIKey  string // enables voice transcription
	DiffViewerURL string // enables diff uploads

	RestartCommand string
	UpgradeCommand string

	WorkDir   string
	SessionID string

	LogLevel  string
	LogFormat string

	PollTimeout time.Duration
}

// StorePath is the app-scoped directory inside the shared volume.
func (c *Config) StorePath() string {
	return filepath.Join(c.StoreRoot, AppName)
}

// VoiceEnabled reports whether voice transcription is configured.
func (c *Config) VoiceEnabled() bool { return strings.TrimSpace(c.OpenAIAPIKey) != "" }

// Load builds the configuration for an instance rooted at workDir.
func Load(workDir string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	home, _ := os.UserHomeDir()
	if home != "" {
		mergeOptionalFile(v, filepath.Join(home, ".config", AppName, "telegram.json"))
	}
	if workDir != "" {
		mergeOptionalFile(v, filepath.Join(workDir, ".opencode", "telegram.json"))
	}

	bindEnvs(v)

	cfg := &Config{
		BotToken:       strings.TrimSpace(v.GetString("botToken")),
		ChatID:         v.GetInt64("chatId"),
		ThreadID:       v.GetInt64("threadId"),
		UpdatesURL:     strings.TrimSpace(v.GetString("updatesUrl")),
		SendURL:        strings.TrimSpace(v.GetString("sendUrl")),
		UseCoordinator: v.GetBool("useCoordinator"),
		DeviceName:     strings.TrimSpace(v.GetString("deviceName")),
		StoreRoot:      strings.TrimSpace(v.GetString("storeRoot")),
		OpencodeURL:    strings.TrimSpace(v.GetString("opencodeUrl")),
		OpenAIAPIKey:   strings.TrimSpace(v.GetString("openaiApiKey")),
		DiffViewerURL:  strings.TrimSpace(v.GetString("diffViewerUrl")),
		RestartCommand: strings.TrimSpace(v.GetString("restartCommand")),
		UpgradeCommand: strings.TrimSpace(v.GetString("upgradeCommand")),
		WorkDir:        workDir,
		LogLevel:       v.GetString("logging.level"),
		LogFormat:      v.GetString("logging.format"),
		PollTimeout:    v.GetDuration("pollTimeout"),
	}

	if cfg.BotToken == "" {
		return nil, fmt.Errorf("%w: botToken (set TELEGRAM_BOT_TOKEN or telegram.json)", ErrFatalConfig)
	}
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("%w: chatId (set TELEGRAM_CHAT_ID or telegram.json)", ErrFatalConfig)
	}
	if cfg.StoreRoot == "" {
		cfg.StoreRoot = defaultStoreRoot(home)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("useCoordinator", true)
	v.SetDefault("opencodeUrl", "http://127.0.0.1:4096")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("pollTimeout", 30*time.Second)
}

func mergeOptionalFile(v *viper.Viper, path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	v.SetConfigFile(path)
	v.SetConfigType("json")
	_ = v.MergeInConfig()
}

func bindEnvs(v *viper.Viper) {
	pairs := map[string]string{
		"botToken":       "TELEGRAM_BOT_TOKEN",
		"chatId":         "TELEGRAM_CHAT_ID",
		"threadId":       "TELEGRAM_THREAD_ID",
		"updatesUrl":     "TELEGRAM_UPDATES_URL",
		"sendUrl":        "TELEGRAM_SEND_URL",
		"useCoordinator": "USE_ICLOUD_COORDINATOR",
		"deviceName":     "DEVICE_NAME",
		"storeRoot":      "OPENCODE_TELEGRAM_STORE_ROOT",
		"opencodeUrl":    "OPENCODE_URL",
		"openaiApiKey":   "OPENAI_API_KEY",
		"diffViewerUrl":  "DIFF_VIEWER_URL",
	}
	for key, env := range pairs {
		_ = v.BindEnv(key, env)
	}
}

func defaultStoreRoot(home string) string {
	if home == "" {
		home = "."
	}
	// iCloud Drive on macOS; on other systems the caller points storeRoot at
	// any shared volume.
	return filepath.Join(home, "Library", "Mobile Documents", "com~apple~CloudDocs")
}
