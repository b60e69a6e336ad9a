package bridge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/utensil/opencode-telegram-mirror/internal/telegram"
)

// ingestOnce runs one leader poll-and-dispatch pass. Duplicate
// suppression is strict across leadership changes: every update at or
// below the committed offset is dropped, and the offset is committed
// before an update's side effects run.
func (b *Bridge) ingestOnce(ctx context.Context) error {
	lastID := b.coord.LastUpdateID()

	var (
		updates []telegram.Update
		err     error
	)
	if b.proxy != nil {
		updates, err = b.proxy.Fetch(ctx, lastID, b.cfg.ChatID, b.cfg.ThreadID)
	} else {
		updates, _, err = b.tg.GetUpdates(ctx, lastID+1, b.cfg.PollTimeout)
	}
	if err != nil {
		return err
	}

	for _, update := range updates {
		if update.UpdateID <= lastID {
			continue
		}
		lastID = update.UpdateID
		if err := b.coord.CommitUpdateID(update.UpdateID); err != nil {
			b.logger.Warn("offset commit failed", "update_id", update.UpdateID, "error", err)
		}
		if !b.acceptUpdate(ctx, update) {
			continue
		}
		b.HandleUpdate(ctx, update)
	}
	return nil
}

// acceptUpdate applies the chat, thread, date, and self filters; foreign
// chats are recorded and aggregated into a single warning per new id.
func (b *Bridge) acceptUpdate(ctx context.Context, update telegram.Update) bool {
	msg := update.Message
	if msg == nil && update.CallbackQuery != nil {
		msg = update.CallbackQuery.Message
	}
	if msg == nil {
		return false
	}

	if msg.Chat.ID != b.cfg.ChatID {
		b.noteForeignChat(ctx, msg.Chat.ID)
		return false
	}
	if b.cfg.ThreadID != 0 && msg.MessageThreadID != b.cfg.ThreadID {
		return false
	}

	// Skip history from before this instance led (or started); failover
	// and restart must not replay old messages.
	cutoff := b.startedAt
	if active := b.coord.BecameActiveAt(); active.After(cutoff) {
		cutoff = active
	}
	if msg.Date < cutoff.Unix() {
		return false
	}

	from := msg.From
	if update.CallbackQuery != nil {
		from = update.CallbackQuery.From
	}
	if from != nil && from.ID == b.botID {
		return false
	}
	return true
}

// noteForeignChat records an unexpected chat id in the shared state and
// emits one aggregate warning when the id is new.
func (b *Bridge) noteForeignChat(ctx context.Context, chatID int64) {
	added, total, lastFive, err := b.coord.RecordForeignChat(chatID)
	if err != nil {
		b.logger.Warn("foreign chat record failed", "chat_id", chatID, "error", err)
		return
	}
	if !added {
		return
	}
	ids := make([]string, len(lastFive))
	for i, id := range lastFive {
		ids[i] = fmt.Sprintf("%d", id)
	}
	text := fmt.Sprintf("Ignoring updates from %d unconfigured chat(s); recent: %s",
		total, strings.Join(ids, ", "))
	if _, err := b.api.SendMessage(ctx, b.cfg.ChatID, b.cfg.ThreadID, text, &telegram.SendOptions{DisablePreview: true}); err != nil {
		b.logger.Warn("foreign chat warning failed", "error", err)
	}
}

// announceActive posts the one-line leadership notice with the current
// commit summary.
func (b *Bridge) announceActive(ctx context.Context) {
	text := "now ACTIVE on " + b.coord.DeviceName()
	if summary := commitSummary(ctx, b.cfg.WorkDir); summary != "" {
		text += " @ " + summary
	}
	if _, err := b.api.SendMessage(ctx, b.cfg.ChatID, b.cfg.ThreadID, text, &telegram.SendOptions{DisablePreview: true}); err != nil {
		b.logger.Warn("active notice failed", "error", err)
	}
}

// loopBackoff is the recovery pause after an ingest or event loop error.
const loopBackoff = 5 * time.Second

// standbyIdle is how often a non-leader re-checks its role between
// coordinator ticks.
const standbyIdle = 2 * time.Second
