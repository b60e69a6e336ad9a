package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingToken(t *testing.T) {
	_, err := Load(t.TempDir())
	if !errors.Is(err, ErrFatalConfig) {
		t.Fatalf("Load() error = %v, want ErrFatalConfig", err)
	}
}

func TestLoadFromWorkdirFile(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `{"botToken":"123:abc","chatId":-1003333,"threadId":42}`)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BotToken != "123:abc" {
		t.Fatalf("BotToken = %q", cfg.BotToken)
	}
	if cfg.ChatID != -1003333 {
		t.Fatalf("ChatID = %d", cfg.ChatID)
	}
	if cfg.ThreadID != 42 {
		t.Fatalf("ThreadID = %d", cfg.ThreadID)
	}
	if !cfg.UseCoordinator {
		t.Fatalf("UseCoordinator default should be true")
	}
	if cfg.OpencodeURL == "" {
		t.Fatalf("OpencodeURL default missing")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `{"botToken":"file-token","chatId":1}`)
	t.Setenv("TELEGRAM_BOT_TOKEN", "env-token")
	t.Setenv("TELEGRAM_CHAT_ID", "-42")
	t.Setenv("USE_ICLOUD_COORDINATOR", "false")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BotToken != "env-token" {
		t.Fatalf("BotToken = %q, want env override", cfg.BotToken)
	}
	if cfg.ChatID != -42 {
		t.Fatalf("ChatID = %d, want -42", cfg.ChatID)
	}
	if cfg.UseCoordinator {
		t.Fatalf("UseCoordinator should honor env false")
	}
}

func TestStorePathAppendsAppName(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `{"botToken":"t","chatId":1,"storeRoot":"/shared"}`)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := filepath.Join("/shared", AppName)
	if cfg.StorePath() != want {
		t.Fatalf("StorePath() = %q, want %q", cfg.StorePath(), want)
	}
}

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	sub := filepath.Join(dir, ".opencode")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "telegram.json"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
