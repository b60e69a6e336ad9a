package stream

import (
	"context"
	"time"

	"github.com/utensil/opencode-telegram-mirror/internal/markdown"
	"github.com/utensil/opencode-telegram-mirror/internal/telegram"
)

// streamMsg is the per-(assistant message, part type) streaming state: one
// Telegram message edited in place as partial content arrives.
type streamMsg struct {
	reasoning bool

	telegramID  int64
	sent        bool
	sentContent string
	pending     string
	markdownOK  bool
	finished    bool
	lastEdit    time.Time
	debounce    *time.Timer
}

func (p *Projector) streamUpdate(ctx context.Context, s *sessionState, table map[string]*streamMsg, messageID, raw string, reasoning bool) {
	p.ensureTyping(ctx, s, "idle")

	p.mu.Lock()
	defer p.mu.Unlock()

	msg, ok := table[messageID]
	if !ok {
		msg = &streamMsg{reasoning: reasoning}
		table[messageID] = msg
	}
	if msg.finished {
		return
	}
	if reasoning {
		msg.pending = formatReasoning(raw)
	} else {
		msg.pending = raw
	}

	if len(msg.pending) >= earlyFlushLen {
		p.earlyFlushLocked(ctx, s, msg)
		return
	}

	if !msg.sent {
		if len(msg.pending) <= minSendLen {
			return
		}
		p.sendStreamLocked(ctx, s, msg)
		return
	}
	if !msg.markdownOK {
		// Degraded: buffer until the step-finish flush.
		return
	}

	now := p.opts.Now()
	if now.Sub(msg.lastEdit) >= p.opts.EditFloor {
		p.editStreamLocked(ctx, s, msg)
		return
	}
	p.scheduleDebounceLocked(ctx, s, msg)
}

func (p *Projector) sendStreamLocked(ctx context.Context, s *sessionState, msg *streamMsg) {
	text := msg.pending
	result, err := p.sender.SendMessage(ctx, p.chatID, s.threadID, markdown.EscapeUnderscores(text), &telegram.SendOptions{DisablePreview: true})
	if err != nil {
		p.logger.Warn("stream send failed", "error", err)
		return
	}
	msg.telegramID = result.MessageID
	msg.sent = true
	msg.sentContent = text
	msg.markdownOK = result.UsedMarkdown
	msg.lastEdit = p.opts.Now()
}

func (p *Projector) editStreamLocked(ctx context.Context, s *sessionState, msg *streamMsg) {
	text := msg.pending
	if text == msg.sentContent {
		return
	}
	result, err := p.sender.EditMessage(ctx, p.chatID, msg.telegramID, markdown.EscapeUnderscores(text), nil)
	if err != nil {
		p.logger.Warn("stream edit failed", "error", err)
		return
	}
	msg.sentContent = text
	msg.lastEdit = p.opts.Now()
	if !result.UsedMarkdown {
		// The parser choked mid-stream; stop editing incrementally and let
		// the step-finish flush deliver the rest as plain text.
		msg.markdownOK = false
	}
}

func (p *Projector) scheduleDebounceLocked(ctx context.Context, s *sessionState, msg *streamMsg) {
	if msg.debounce != nil {
		msg.debounce.Stop()
	}
	debounce := p.opts.TextDebounce
	if msg.reasoning {
		debounce = p.opts.ReasoningDebounce
	}
	delay := msg.lastEdit.Add(debounce).Sub(p.opts.Now())
	if delay < 0 {
		delay = 0
	}
	msg.debounce = time.AfterFunc(delay, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if msg.finished || !msg.sent || !msg.markdownOK {
			return
		}
		p.editStreamLocked(ctx, s, msg)
	})
}

// earlyFlushLocked finalizes the current Telegram message with the head of
// the pending text and starts a fresh message for the remainder.
func (p *Projector) earlyFlushLocked(ctx context.Context, s *sessionState, msg *streamMsg) {
	head, tail := telegram.SplitOnce(msg.pending, earlyFlushLen)
	msg.pending = head
	if msg.sent {
		p.finalEditLocked(ctx, s, msg)
	} else {
		p.sendStreamLocked(ctx, s, msg)
	}
	// Reset for the remainder; the next update streams into a new message.
	msg.telegramID = 0
	msg.sent = false
	msg.sentContent = ""
	msg.markdownOK = false
	msg.pending = tail
	if len(tail) > minSendLen {
		p.sendStreamLocked(ctx, s, msg)
	}
}

// finalEditLocked delivers the complete pending content, in plain text
// when markdown already failed for this message.
func (p *Projector) finalEditLocked(ctx context.Context, s *sessionState, msg *streamMsg) {
	if msg.debounce != nil {
		msg.debounce.Stop()
		msg.debounce = nil
	}
	if !msg.sent {
		if msg.pending != "" {
			p.sendStreamLocked(ctx, s, msg)
		}
		return
	}
	if msg.pending == msg.sentContent {
		return
	}
	var (
		result telegram.EditResult
		err    error
	)
	if msg.markdownOK {
		result, err = p.sender.EditMessage(ctx, p.chatID, msg.telegramID, markdown.EscapeUnderscores(msg.pending), nil)
	} else {
		result, err = p.sender.EditMessagePlain(ctx, p.chatID, msg.telegramID, msg.pending, nil)
	}
	if err != nil {
		p.logger.Warn("final stream edit failed", "error", err)
		return
	}
	msg.sentContent = msg.pending
	msg.lastEdit = p.opts.Now()
	p.logger.Debug("final stream edit", "markdown", result.UsedMarkdown)
}

// stepFinish flushes every stream of the finished message and emits the
// diffs collected from completed edit/write tools.
func (p *Projector) stepFinish(ctx context.Context, s *sessionState, messageID string) {
	p.mu.Lock()
	if msg, ok := s.texts[messageID]; ok {
		p.finalEditLocked(ctx, s, msg)
		msg.finished = true
	}
	if msg, ok := s.reasonings[messageID]; ok {
		p.finalEditLocked(ctx, s, msg)
		msg.finished = true
	}
	edits := s.pendingEdits
	s.pendingEdits = nil
	p.mu.Unlock()

	for _, part := range edits {
		p.emitDiff(ctx, s, part)
	}
	p.releaseToolTyping(s)
}

// flushSession performs the terminal flush for every stream of a session.
func (p *Projector) flushSession(ctx context.Context, s *sessionState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, table := range []map[string]*streamMsg{s.texts, s.reasonings} {
		for _, msg := range table {
			if msg.finished {
				continue
			}
			p.finalEditLocked(ctx, s, msg)
			msg.finished = true
		}
	}
}
