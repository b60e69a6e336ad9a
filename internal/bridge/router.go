package bridge

import (
	"context"
	"strings"

	"github.com/utensil/opencode-telegram-mirror/internal/markdown"
	"github.com/utensil/opencode-telegram-mirror/internal/opencode"
	"github.com/utensil/opencode-telegram-mirror/internal/pending"
	"github.com/utensil/opencode-telegram-mirror/internal/telegram"
)

// HandleUpdate classifies one filtered update. Classification order is
// significant: freetext answers beat cancellation, which beats abort,
// which beats commands, which beat prompt submission.
func (b *Bridge) HandleUpdate(ctx context.Context, update telegram.Update) {
	switch {
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		b.handleMessage(ctx, update.Message)
	}
}

func (b *Bridge) handleMessage(ctx context.Context, msg *telegram.Message) {
	key := pending.Key{ChatID: msg.Chat.ID, ThreadID: msg.MessageThreadID}
	text := strings.TrimSpace(msg.Text)

	// 1. An outstanding freetext question consumes the text as its answer.
	if q, ok := b.pending.QuestionFor(key); ok && q.AwaitingFreetextIdx >= 0 && text != "" {
		b.answerFreetext(ctx, q, text)
		return
	}

	// 2. Any other message cancels whatever prompts are outstanding, then
	// keeps being processed.
	if q, p := b.pending.TakeAll(key); q != nil || p != nil {
		if q != nil {
			if err := b.agent.QuestionReject(ctx, q.RequestID); err != nil {
				b.logger.Warn("question reject failed", "error", err)
			}
		}
		if p != nil {
			if err := b.agent.PermissionReply(ctx, p.RequestID, opencode.PermissionReject); err != nil {
				b.logger.Warn("permission auto-reject failed", "error", err)
			}
		}
	}

	// 3. A bare x aborts the current turn.
	if strings.EqualFold(text, "x") {
		b.abortSession(ctx, msg)
		return
	}

	// 4. Slash commands; unknown verbs fall through to prompt submission.
	if strings.HasPrefix(text, "/") {
		if b.dispatchCommand(ctx, msg, text) {
			return
		}
	}

	// 5. Everything else is a prompt.
	b.submitPrompt(ctx, msg)
}

func (b *Bridge) abortSession(ctx context.Context, msg *telegram.Message) {
	s := b.currentSession()
	if s == nil {
		b.reply(ctx, msg, "nothing to abort")
		return
	}
	if err := b.agent.Abort(ctx, s.ID); err != nil {
		b.logger.Warn("abort failed", "error", err)
		b.reply(ctx, msg, "abort failed: "+err.Error())
	}
}

func (b *Bridge) handleCallback(ctx context.Context, cb *telegram.CallbackQuery) {
	if qcb, ok := pending.DecodeQuestion(cb.Data); ok {
		b.handleQuestionCallback(ctx, cb, qcb)
		return
	}
	if pcb, ok := pending.DecodePermission(cb.Data); ok {
		b.handlePermissionCallback(ctx, cb, pcb)
		return
	}
	b.api.AnswerCallback(ctx, cb.ID, "This has expired.", true)
}

func (b *Bridge) handleQuestionCallback(ctx context.Context, cb *telegram.CallbackQuery, qcb pending.QuestionCallback) {
	q, ok := b.pending.QuestionFor(qcb.Key)
	if !ok || qcb.QuestionIdx >= len(q.Questions) {
		b.api.AnswerCallback(ctx, cb.ID, "This has expired.", true)
		return
	}

	item := q.Questions[qcb.QuestionIdx]
	messageID := q.MessageIDs[qcb.QuestionIdx]

	if qcb.IsOther {
		q.AwaitingFreetextIdx = qcb.QuestionIdx
		if _, err := b.api.EditMessage(ctx, qcb.Key.ChatID, messageID, item.Text+"\nPlease type your answer:", nil); err != nil {
			b.logger.Warn("question prompt edit failed", "error", err)
		}
		b.api.AnswerCallback(ctx, cb.ID, "", false)
		return
	}

	if qcb.OptionIdx >= len(item.Options) {
		b.api.AnswerCallback(ctx, cb.ID, "This has expired.", true)
		return
	}
	label := item.Options[qcb.OptionIdx]
	q.Answers[qcb.QuestionIdx] = []string{label}
	if _, err := b.api.EditMessage(ctx, qcb.Key.ChatID, messageID, item.Text+"\n"+markdown.Italic(label), nil); err != nil {
		b.logger.Warn("question prompt edit failed", "error", err)
	}
	b.api.AnswerCallback(ctx, cb.ID, "", false)
	b.completeQuestionIfDone(ctx, q)
}

// answerFreetext records typed text for the question flagged as awaiting
// it.
func (b *Bridge) answerFreetext(ctx context.Context, q *pending.Question, text string) {
	idx := q.AwaitingFreetextIdx
	q.AwaitingFreetextIdx = -1
	q.Answers[idx] = []string{text}
	if idx < len(q.MessageIDs) {
		item := q.Questions[idx]
		if _, err := b.api.EditMessage(ctx, q.Key.ChatID, q.MessageIDs[idx], item.Text+"\n"+markdown.Italic(text), nil); err != nil {
			b.logger.Warn("question prompt edit failed", "error", err)
		}
	}
	b.completeQuestionIfDone(ctx, q)
}

func (b *Bridge) completeQuestionIfDone(ctx context.Context, q *pending.Question) {
	if !q.Complete() {
		return
	}
	b.pending.ClearQuestion(q.Key)
	if err := b.agent.QuestionReply(ctx, q.RequestID, q.OrderedAnswers()); err != nil {
		b.logger.Warn("question reply failed", "error", err)
	}
}

var permissionVerdicts = map[string]string{
	opencode.PermissionOnce:   "Accepted",
	opencode.PermissionAlways: "Accepted always",
	opencode.PermissionReject: "Denied",
}

func (b *Bridge) handlePermissionCallback(ctx context.Context, cb *telegram.CallbackQuery, pcb pending.PermissionCallback) {
	p, ok := b.pending.PermissionFor(pcb.Key)
	if !ok {
		b.api.AnswerCallback(ctx, cb.ID, "This has expired.", true)
		return
	}
	b.pending.ClearPermission(pcb.Key)

	verdict := permissionVerdicts[pcb.Reply]
	text := "Permission requested: " + p.Permission + "\n" + markdown.Italic(verdict)
	if _, err := b.api.EditMessage(ctx, pcb.Key.ChatID, p.MessageID, text, nil); err != nil {
		b.logger.Warn("permission prompt edit failed", "error", err)
	}
	b.api.AnswerCallback(ctx, cb.ID, verdict, false)
	if err := b.agent.PermissionReply(ctx, p.RequestID, pcb.Reply); err != nil {
		b.logger.Warn("permission reply failed", "error", err)
	}
}
