// Package stream projects the agent's event stream into Telegram messages.
// It is a state machine per (session, message, part type), not a pure
// transform: edit throttling, markdown degradation, and step-finish
// flushing all require memory between events.
package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/utensil/opencode-telegram-mirror/internal/opencode"
	"github.com/utensil/opencode-telegram-mirror/internal/pending"
	"github.com/utensil/opencode-telegram-mirror/internal/telegram"
)

// Typing is a cancellable typing-indicator loop.
type Typing interface {
	Release()
}

// Sender is the slice of the Telegram client the projector writes through.
type Sender interface {
	SendMessage(ctx context.Context, chatID, threadID int64, text string, opts *telegram.SendOptions) (telegram.SendResult, error)
	EditMessage(ctx context.Context, chatID, messageID int64, text string, markup *telegram.InlineKeyboardMarkup) (telegram.EditResult, error)
	EditMessagePlain(ctx context.Context, chatID, messageID int64, text string, markup *telegram.InlineKeyboardMarkup) (telegram.EditResult, error)
	StartTyping(ctx context.Context, chatID, threadID int64, interval time.Duration) Typing
	CreateForumTopic(ctx context.Context, chatID int64, name string) (int64, error)
}

// AgentReplier is the slice of the agent client used when a new prompt
// displaces an outstanding one.
type AgentReplier interface {
	QuestionReject(ctx context.Context, requestID string) error
	PermissionReply(ctx context.Context, requestID, reply string) error
}

// DiffUploader publishes a full diff and returns a view URL; empty URL or
// error degrades to a message without a button.
type DiffUploader interface {
	Upload(ctx context.Context, filename, diff string) (string, error)
}

// Options tune the throttling; zero values mean the production cadence.
// Tests shrink them.
type Options struct {
	EditFloor         time.Duration // min interval between in-place edits
	TextDebounce      time.Duration
	ReasoningDebounce time.Duration
	Now               func() time.Time
}

const (
	defaultEditFloor         = 2 * time.Second
	defaultTextDebounce      = 2 * time.Second
	defaultReasoningDebounce = 2500 * time.Millisecond

	typingIdleInterval = 2500 * time.Millisecond
	typingToolInterval = 1500 * time.Millisecond
	typingToolTimeout  = 12 * time.Second

	// minSendLen defers creation of a streaming message until the content
	// is worth a bubble. Heuristic, not a contract.
	minSendLen = 10

	// earlyFlushLen is 90% of the Telegram limit; pending text beyond it
	// is split and the head sent ahead of the step-finish flush.
	earlyFlushLen = telegram.MaxMessageLen * 9 / 10
)

// Projector consumes agent events for one configured chat.
type Projector struct {
	sender   Sender
	agent    AgentReplier
	pending  *pending.Registry
	uploader DiffUploader
	logger   *slog.Logger

	chatID        int64
	defaultThread int64

	opts Options

	mu       sync.Mutex
	sessions map[string]*sessionState
	// sessionThreads maps agent session ids to forum topics.
	sessionThreads map[string]int64
}

type sessionState struct {
	id       string
	threadID int64

	typing       Typing
	typingMode   string // "" (none), "idle", "tool"
	typingExpiry *time.Timer

	registered map[string]bool            // assistant message ids
	buffered   map[string][]opencode.Part // parts seen before registration
	sentParts  map[string]bool            // part id → emitted (at most once)
	toolLines  map[string]bool            // call id → summary line sent

	texts      map[string]*streamMsg // message id → text stream
	reasonings map[string]*streamMsg // message id → reasoning stream
	todoMsgs   map[string]int64      // part id → telegram message id

	// completed edit/write tool parts held until the step-finish flush
	pendingEdits []opencode.Part
}

func New(sender Sender, agent AgentReplier, reg *pending.Registry, uploader DiffUploader, chatID, threadID int64, logger *slog.Logger, opts Options) *Projector {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.EditFloor <= 0 {
		opts.EditFloor = defaultEditFloor
	}
	if opts.TextDebounce <= 0 {
		opts.TextDebounce = defaultTextDebounce
	}
	if opts.ReasoningDebounce <= 0 {
		opts.ReasoningDebounce = defaultReasoningDebounce
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Projector{
		sender:         sender,
		agent:          agent,
		pending:        reg,
		uploader:       uploader,
		logger:         logger,
		chatID:         chatID,
		defaultThread:  threadID,
		opts:           opts,
		sessions:       make(map[string]*sessionState),
		sessionThreads: make(map[string]int64),
	}
}

// ThreadFor returns the forum topic mapped to a session (the configured
// default until a topic is created).
func (p *Projector) ThreadFor(sessionID string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.sessionThreads[sessionID]; ok {
		return t
	}
	return p.defaultThread
}

// SetThread records a session-to-topic mapping (used when the bridge opens a
// session in the configured topic and when session.created assigns one).
func (p *Projector) SetThread(sessionID string, threadID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessionThreads[sessionID] = threadID
}

func (p *Projector) session(id string) *sessionState {
	if s, ok := p.sessions[id]; ok {
		return s
	}
	s := &sessionState{
		id:         id,
		threadID:   p.defaultThread,
		registered: make(map[string]bool),
		buffered:   make(map[string][]opencode.Part),
		sentParts:  make(map[string]bool),
		toolLines:  make(map[string]bool),
		texts:      make(map[string]*streamMsg),
		reasonings: make(map[string]*streamMsg),
		todoMsgs:   make(map[string]int64),
	}
	if t, ok := p.sessionThreads[id]; ok {
		s.threadID = t
	}
	p.sessions[id] = s
	return s
}

// Handle applies one event. It never returns an error: the event consumer
// loop is total, failures are logged and the stream continues.
func (p *Projector) Handle(ctx context.Context, event opencode.Event) {
	switch event.Type {
	case opencode.EventSessionStatus:
		var status opencode.SessionStatus
		if err := event.Decode(&status); err != nil {
			p.logger.Warn("bad session.status payload", "error", err)
			return
		}
		p.handleStatus(ctx, status)
	case opencode.EventSessionCreated:
		var created opencode.SessionCreated
		if err := event.Decode(&created); err != nil {
			p.logger.Warn("bad session.created payload", "error", err)
			return
		}
		p.handleCreated(ctx, created)
	case opencode.EventSessionIdle:
		var idle opencode.SessionIdle
		if err := event.Decode(&idle); err != nil {
			p.logger.Warn("bad session.idle payload", "error", err)
			return
		}
		p.handleIdle(ctx, idle.SessionID)
	case opencode.EventSessionError:
		var serr opencode.SessionError
		if err := event.Decode(&serr); err != nil {
			p.logger.Warn("bad session.error payload", "error", err)
			return
		}
		p.handleError(ctx, serr)
	case opencode.EventSessionDiff:
		// Too verbose to render.
	case opencode.EventMessageUpdated:
		var updated opencode.MessageUpdated
		if err := event.Decode(&updated); err != nil {
			p.logger.Warn("bad message.updated payload", "error", err)
			return
		}
		p.handleMessageUpdated(ctx, updated)
	case opencode.EventPartUpdated:
		var part opencode.PartUpdated
		if err := event.Decode(&part); err != nil {
			p.logger.Warn("bad message.part.updated payload", "error", err)
			return
		}
		p.handlePart(ctx, part)
	case opencode.EventQuestionAsked:
		var q opencode.QuestionAsked
		if err := event.Decode(&q); err != nil {
			p.logger.Warn("bad question.asked payload", "error", err)
			return
		}
		p.openQuestion(ctx, q)
	case opencode.EventPermissionAsk:
		var perm opencode.PermissionAsked
		if err := event.Decode(&perm); err != nil {
			p.logger.Warn("bad permission.asked payload", "error", err)
			return
		}
		p.openPermission(ctx, perm)
	default:
		p.logger.Info("unrecognized agent event", "type", event.Type)
		p.sendDebugDump(ctx, event)
	}
}

func (p *Projector) handleStatus(ctx context.Context, status opencode.SessionStatus) {
	p.mu.Lock()
	s := p.session(status.SessionID)
	p.mu.Unlock()

	switch status.Status {
	case "busy":
		p.ensureTyping(ctx, s, "idle")
	case "retry", "error":
		p.stopTyping(s)
		text := status.Status
		if status.Message != "" {
			text += ": " + status.Message
		}
		p.send(ctx, s, text, nil)
	default:
		p.stopTyping(s)
	}
}

func (p *Projector) handleCreated(ctx context.Context, created opencode.SessionCreated) {
	p.mu.Lock()
	_, known := p.sessionThreads[created.SessionID]
	p.mu.Unlock()
	if known || p.defaultThread != 0 {
		// A configured topic pins every session to it.
		p.SetThread(created.SessionID, p.defaultThread)
		return
	}
	name := created.Title
	if name == "" {
		name = "opencode " + created.SessionID
	}
	threadID, err := p.sender.CreateForumTopic(ctx, p.chatID, name)
	if err != nil {
		p.logger.Warn("forum topic creation failed", "session", created.SessionID, "error", err)
		return
	}
	p.SetThread(created.SessionID, threadID)
	p.mu.Lock()
	if s, ok := p.sessions[created.SessionID]; ok {
		s.threadID = threadID
	}
	p.mu.Unlock()
}

func (p *Projector) handleIdle(ctx context.Context, sessionID string) {
	p.mu.Lock()
	s, ok := p.sessions[sessionID]
	p.mu.Unlock()
	if !ok {
		return
	}
	p.stopTyping(s)
	p.flushSession(ctx, s)

	p.mu.Lock()
	// Discard per-message stream state; the session entry itself survives
	// for the next turn.
	s.texts = make(map[string]*streamMsg)
	s.reasonings = make(map[string]*streamMsg)
	s.buffered = make(map[string][]opencode.Part)
	s.pendingEdits = nil
	p.mu.Unlock()
}

func (p *Projector) handleError(ctx context.Context, serr opencode.SessionError) {
	p.mu.Lock()
	s := p.session(serr.SessionID)
	p.mu.Unlock()
	p.stopTyping(s)
	p.flushSession(ctx, s)

	if serr.Aborted() {
		p.send(ctx, s, "Interrupted.", nil)
		return
	}
	p.send(ctx, s, "error: "+truncate(string(serr.Error), 1000), nil)
}

func (p *Projector) handleMessageUpdated(ctx context.Context, updated opencode.MessageUpdated) {
	if updated.Role != "assistant" {
		return
	}
	p.mu.Lock()
	s := p.session(updated.SessionID)
	s.registered[updated.MessageID] = true
	backlog := s.buffered[updated.MessageID]
	delete(s.buffered, updated.MessageID)
	p.mu.Unlock()

	for _, part := range backlog {
		p.routePart(ctx, s, updated.MessageID, part)
	}
}

func (p *Projector) handlePart(ctx context.Context, updated opencode.PartUpdated) {
	p.mu.Lock()
	s := p.session(updated.SessionID)
	if !s.registered[updated.MessageID] {
		s.buffered[updated.MessageID] = append(s.buffered[updated.MessageID], updated.Part)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.routePart(ctx, s, updated.MessageID, updated.Part)
}

func (p *Projector) routePart(ctx context.Context, s *sessionState, messageID string, part opencode.Part) {
	switch part.Type {
	case opencode.PartText:
		p.streamUpdate(ctx, s, s.texts, messageID, part.Text, false)
	case opencode.PartReasoning:
		p.streamUpdate(ctx, s, s.reasonings, messageID, part.Text, true)
	case opencode.PartTool:
		p.handleTool(ctx, s, part)
	case opencode.PartStepStart, opencode.PartPatch:
		// Structural only.
	case opencode.PartStepFinish:
		p.stepFinish(ctx, s, messageID)
	case opencode.PartTodo:
		p.renderTodos(ctx, s, part)
	default:
		p.emitOnce(ctx, s, part)
	}
}

// send posts a plain informational message into the session's thread.
func (p *Projector) send(ctx context.Context, s *sessionState, text string, markup *telegram.InlineKeyboardMarkup) {
	_, err := p.sender.SendMessage(ctx, p.chatID, s.threadID, text, &telegram.SendOptions{
		Markup:         markup,
		DisablePreview: true,
	})
	if err != nil {
		p.logger.Warn("projector send failed", "error", err)
	}
}
