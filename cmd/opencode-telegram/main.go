package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/utensil/opencode-telegram-mirror/internal/bridge"
	"github.com/utensil/opencode-telegram-mirror/internal/config"
	"github.com/utensil/opencode-telegram-mirror/internal/coordinator"
	"github.com/utensil/opencode-telegram-mirror/internal/fsstore"
	"github.com/utensil/opencode-telegram-mirror/internal/opencode"
	"github.com/utensil/opencode-telegram-mirror/internal/pending"
	"github.com/utensil/opencode-telegram-mirror/internal/stream"
	"github.com/utensil/opencode-telegram-mirror/internal/telegram"
)

// version is stamped by the build.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "opencode-telegram [directory] [session-id]",
		Short:        "Bridge a local opencode agent to a Telegram chat",
		Args:         cobra.MaximumNArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			workDir, err := os.Getwd()
			if err != nil {
				return err
			}
			if len(args) > 0 {
				workDir = args[0]
			}
			sessionID := ""
			if len(args) > 1 {
				sessionID = args[1]
			}
			return run(cmd.Context(), workDir, sessionID)
		},
	}
	return cmd
}

func run(ctx context.Context, workDir, sessionID string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(workDir)
	if err != nil {
		return err
	}
	cfg.SessionID = sessionID

	logger, err := config.NewLogger(cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	tg := telegram.NewClient(cfg.BotToken, cfg.SendURL, logger)
	me, err := tg.GetMe(ctx)
	if err != nil {
		// An unreachable or rejecting API at startup is fatal; later
		// transport errors are absorbed by the loops.
		return fmt.Errorf("telegram startup check failed: %w", err)
	}
	logger.Info("telegram connected", "bot", me.Username, "chat", cfg.ChatID)

	coord, err := buildCoordinator(cfg, logger)
	if err != nil {
		return err
	}

	var proxy *telegram.ProxyClient
	if cfg.UpdatesURL != "" {
		proxy, err = telegram.NewProxyClient(cfg.UpdatesURL, logger)
		if err != nil {
			return err
		}
	}

	agent := opencode.NewClient(cfg.OpencodeURL, logger)

	var uploader stream.DiffUploader
	if cfg.DiffViewerURL != "" {
		uploader = stream.NewHTTPDiffUploader(cfg.DiffViewerURL, logger)
	}

	reg := pending.NewRegistry()
	projector := stream.New(senderAdapter{tg}, agent, reg, uploader, cfg.ChatID, cfg.ThreadID, logger, stream.Options{})

	if err := tg.SetCommands(ctx, bridge.MenuCommands()); err != nil {
		logger.Warn("command menu registration failed", "error", err)
	}

	b := bridge.New(bridge.Deps{
		Config:      cfg,
		Telegram:    tg,
		Proxy:       proxy,
		Agent:       agent,
		Coordinator: coord,
		Projector:   projector,
		Pending:     reg,
		Transcriber: bridge.NewTranscriber(cfg.OpenAIAPIKey, logger),
		Logger:      logger,
		Version:     version,
		BotID:       me.ID,
	})

	logger.Info("bridge starting",
		"device", coord.DeviceName(),
		"dir", cfg.WorkDir,
		"coordinated", coord.Registry() != nil,
		"version", version)
	err = b.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("bridge stopped")
	return nil
}

// buildCoordinator opens the shared store and registers this device. A
// missing store (or coordination disabled) degrades to a permanent-leader
// single-instance coordinator.
func buildCoordinator(cfg *config.Config, logger *slog.Logger) (*coordinator.Coordinator, error) {
	hostname, _ := os.Hostname()
	self := coordinator.DeviceRecord{
		Name:      coordinator.DeviceID(cfg.DeviceName, hostname, cfg.WorkDir),
		ThreadID:  cfg.ThreadID,
		Hostname:  hostname,
		Directory: cfg.WorkDir,
		PID:       os.Getpid(),
		LastSeen:  time.Now().UnixMilli(),
	}

	var reg *coordinator.Registry
	if cfg.UseCoordinator {
		store, err := fsstore.Open(cfg.StorePath())
		if err != nil {
			if errors.Is(err, fsstore.ErrStoreUnavailable) {
				logger.Warn("shared store unavailable, running single-instance", "error", err)
			} else {
				return nil, err
			}
		} else {
			reg, err = coordinator.NewRegistry(store, logger)
			if err != nil {
				return nil, err
			}
		}
	} else {
		logger.Info("coordination disabled, running single-instance")
	}

	coord := coordinator.New(reg, self, logger, coordinator.Options{})
	if err := coord.Bootstrap(); err != nil {
		logger.Warn("coordinator bootstrap failed, continuing", "error", err)
	}
	return coord, nil
}

// senderAdapter narrows the Telegram client to the projector's Sender
// interface (the typing handle becomes the Typing interface).
type senderAdapter struct {
	*telegram.Client
}

func (s senderAdapter) StartTyping(ctx context.Context, chatID, threadID int64, interval time.Duration) stream.Typing {
	return s.Client.StartTyping(ctx, chatID, threadID, interval)
}
