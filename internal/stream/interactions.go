package stream

import (
	"context"
	"strings"

	"github.com/utensil/opencode-telegram-mirror/internal/opencode"
	"github.com/utensil/opencode-telegram-mirror/internal/pending"
	"github.com/utensil/opencode-telegram-mirror/internal/telegram"
)

// maxQuestionOptions bounds the option buttons per question; everything
// else goes through Other.
const maxQuestionOptions = 7

// openQuestion projects a question.asked event: one message per question
// with option buttons plus Other, and a pending record keyed by the
// session's thread.
func (p *Projector) openQuestion(ctx context.Context, asked opencode.QuestionAsked) {
	p.mu.Lock()
	s := p.session(asked.SessionID)
	p.mu.Unlock()
	key := pending.Key{ChatID: p.chatID, ThreadID: s.threadID}

	items := make([]pending.QuestionItem, len(asked.Questions))
	for i, q := range asked.Questions {
		items[i] = pending.QuestionItem{Text: q.Question, Options: q.Options}
	}
	record := pending.NewQuestion(asked.RequestID, key, items)

	for i, item := range items {
		markup := questionKeyboard(key, i, item.Options)
		result, err := p.sender.SendMessage(ctx, key.ChatID, key.ThreadID, item.Text, &telegram.SendOptions{
			Markup:         markup,
			DisablePreview: true,
		})
		if err != nil {
			p.logger.Warn("question prompt send failed", "error", err)
			continue
		}
		record.MessageIDs[i] = result.MessageID
	}

	if displaced := p.pending.OpenQuestion(record); displaced != nil {
		if err := p.agent.QuestionReject(ctx, displaced.RequestID); err != nil {
			p.logger.Warn("displaced question reject failed", "error", err)
		}
	}
}

// questionKeyboard lays out up to seven option buttons plus Other, two per
// row.
func questionKeyboard(key pending.Key, questionIdx int, options []string) *telegram.InlineKeyboardMarkup {
	if len(options) > maxQuestionOptions {
		options = options[:maxQuestionOptions]
	}
	buttons := make([]telegram.InlineKeyboardButton, 0, len(options)+1)
	for i, opt := range options {
		buttons = append(buttons, telegram.InlineKeyboardButton{
			Text:         opt,
			CallbackData: pending.EncodeQuestionOption(key, questionIdx, i),
		})
	}
	buttons = append(buttons, telegram.InlineKeyboardButton{
		Text:         "Other",
		CallbackData: pending.EncodeQuestionOther(key, questionIdx),
	})

	var rows [][]telegram.InlineKeyboardButton
	for len(buttons) > 0 {
		n := 2
		if len(buttons) < n {
			n = len(buttons)
		}
		rows = append(rows, buttons[:n])
		buttons = buttons[n:]
	}
	return &telegram.InlineKeyboardMarkup{InlineKeyboard: rows}
}

// openPermission projects a permission.asked event: one message with the
// Accept / Accept Always / Deny row.
func (p *Projector) openPermission(ctx context.Context, asked opencode.PermissionAsked) {
	p.mu.Lock()
	s := p.session(asked.SessionID)
	p.mu.Unlock()
	key := pending.Key{ChatID: p.chatID, ThreadID: s.threadID}

	text := "Permission requested: " + asked.Permission
	if len(asked.Patterns) > 0 {
		text += "\n" + strings.Join(asked.Patterns, "\n")
	}
	markup := &telegram.InlineKeyboardMarkup{
		InlineKeyboard: [][]telegram.InlineKeyboardButton{{
			{Text: "Accept", CallbackData: pending.EncodePermission(key, opencode.PermissionOnce)},
			{Text: "Accept Always", CallbackData: pending.EncodePermission(key, opencode.PermissionAlways)},
			{Text: "Deny", CallbackData: pending.EncodePermission(key, opencode.PermissionReject)},
		}},
	}

	result, err := p.sender.SendMessage(ctx, key.ChatID, key.ThreadID, text, &telegram.SendOptions{
		Markup:         markup,
		DisablePreview: true,
	})
	if err != nil {
		p.logger.Warn("permission prompt send failed", "error", err)
		return
	}

	record := &pending.Permission{
		RequestID:  asked.RequestID,
		Key:        key,
		Permission: asked.Permission,
		Patterns:   asked.Patterns,
		MessageID:  result.MessageID,
	}
	if displaced := p.pending.OpenPermission(record); displaced != nil {
		if err := p.agent.PermissionReply(ctx, displaced.RequestID, opencode.PermissionReject); err != nil {
			p.logger.Warn("displaced permission reject failed", "error", err)
		}
	}
}
