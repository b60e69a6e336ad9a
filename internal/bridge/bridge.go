// Package bridge wires the coordination, ingestion, and streaming layers
// into the two long-lived loops of an instance: ingest-and-heartbeat and
// the agent event consumer.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/utensil/opencode-telegram-mirror/internal/config"
	"github.com/utensil/opencode-telegram-mirror/internal/coordinator"
	"github.com/utensil/opencode-telegram-mirror/internal/opencode"
	"github.com/utensil/opencode-telegram-mirror/internal/pending"
	"github.com/utensil/opencode-telegram-mirror/internal/stream"
	"github.com/utensil/opencode-telegram-mirror/internal/telegram"
)

// telegramAPI is the slice of the Telegram client the router and ingest
// paths use; tests substitute a fake.
type telegramAPI interface {
	SendMessage(ctx context.Context, chatID, threadID int64, text string, opts *telegram.SendOptions) (telegram.SendResult, error)
	EditMessage(ctx context.Context, chatID, messageID int64, text string, markup *telegram.InlineKeyboardMarkup) (telegram.EditResult, error)
	AnswerCallback(ctx context.Context, callbackID, text string, showAlert bool)
	EditForumTopic(ctx context.Context, chatID, threadID int64, name string) error
	GetFile(ctx context.Context, fileID string) (*telegram.File, error)
	Download(ctx context.Context, filePath string) ([]byte, error)
	DownloadAsDataURL(ctx context.Context, fileID, mime string) (string, error)
}

// agentAPI is the slice of the opencode client the bridge calls.
type agentAPI interface {
	BaseURL() string
	CreateSession(ctx context.Context) (opencode.Session, error)
	Prompt(ctx context.Context, sessionID string, parts []opencode.PromptPart, model *opencode.ModelRef) error
	Abort(ctx context.Context, sessionID string) error
	Command(ctx context.Context, sessionID, command, args string) error
	Models(ctx context.Context) ([]opencode.ModelRef, error)
	QuestionReply(ctx context.Context, requestID string, answers [][]string) error
	QuestionReject(ctx context.Context, requestID string) error
	PermissionReply(ctx context.Context, requestID, reply string) error
	GenerateTitle(ctx context.Context, sessionID, text string) (opencode.TitleResult, error)
	Rename(ctx context.Context, sessionID, title string) error
	Events(ctx context.Context) (<-chan opencode.Event, error)
}

type Bridge struct {
	cfg       *config.Config
	tg        *telegram.Client
	api       telegramAPI
	proxy     *telegram.ProxyClient
	agent     agentAPI
	coord     *coordinator.Coordinator
	projector *stream.Projector
	pending   *pending.Registry

	bash        *BashTracker
	transcriber *Transcriber
	logger      *slog.Logger

	version   string
	botID     int64
	startedAt time.Time

	// leaderCh carries became-leader signals from the heartbeat loop to
	// the ingest loop, which posts the notice.
	leaderCh chan struct{}

	mu      sync.Mutex
	session *session
}

type Deps struct {
	Config      *config.Config
	Telegram    *telegram.Client
	Proxy       *telegram.ProxyClient // nil without an updates URL
	Agent       agentAPI
	Coordinator *coordinator.Coordinator
	Projector   *stream.Projector
	Pending     *pending.Registry
	Transcriber *Transcriber
	Logger      *slog.Logger
	Version     string
	BotID       int64
}

func New(deps Deps) *Bridge {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		cfg:         deps.Config,
		tg:          deps.Telegram,
		api:         deps.Telegram,
		proxy:       deps.Proxy,
		agent:       deps.Agent,
		coord:       deps.Coordinator,
		projector:   deps.Projector,
		pending:     deps.Pending,
		bash:        NewBashTracker(deps.Config.WorkDir, logger),
		transcriber: deps.Transcriber,
		logger:      logger,
		version:     deps.Version,
		botID:       deps.BotID,
		startedAt:   time.Now(),
		leaderCh:    make(chan struct{}, 1),
	}
}

// MenuCommands exposes the bot command list for startup registration.
func MenuCommands() []telegram.BotCommand { return menuCommands }

// Run drives the instance until ctx ends: heartbeat/election, update
// ingestion, and agent event consumption run as separate loops so
// heartbeats progress independently of any in-flight Telegram or agent
// call. Every loop is total: errors are logged and retried after a
// back-off.
func (b *Bridge) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.heartbeatLoop(ctx) })
	g.Go(func() error { return b.ingestLoop(ctx) })
	g.Go(func() error { return b.eventLoop(ctx) })
	err := g.Wait()
	b.projector.ReleaseAll()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (b *Bridge) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		res := b.coord.Tick()
		if res.BecameLeader {
			select {
			case b.leaderCh <- struct{}{}:
			default:
			}
		}
	}
}

func (b *Bridge) ingestLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-b.leaderCh:
			b.announceActive(ctx)
		default:
		}
		if !b.coord.IsLeader() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(standbyIdle):
			}
			continue
		}
		if err := b.ingestOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if telegram.IsFatal(err) {
				b.logger.Error("fatal telegram error during ingest", "error", err)
			} else {
				b.logger.Warn("ingest pass failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(loopBackoff):
			}
		}
	}
}

func (b *Bridge) eventLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		events, err := b.agent.Events(ctx)
		if err != nil {
			b.logger.Warn("event stream connect failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(loopBackoff):
			}
			continue
		}
		for event := range events {
			// Only the leader mirrors agent activity into the chat.
			if b.coord.IsLeader() {
				b.projector.Handle(ctx, event)
			}
		}
		b.logger.Info("event stream ended, reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(loopBackoff):
		}
	}
}
