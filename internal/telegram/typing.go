package telegram

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// DefaultTypingInterval keeps the "typing…" badge alive; Telegram expires
// a chat action after about five seconds.
const DefaultTypingInterval = 2500 * time.Millisecond

// TypingHandle cancels a typing loop. Release is idempotent.
type TypingHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Release stops the refresh loop and waits for the last action to finish.
func (h *TypingHandle) Release() {
	if h == nil {
		return
	}
	h.cancel()
	<-h.done
}

// StartTyping launches a loop that refreshes the chat's typing action every
// interval until the handle is released or ctx ends. The limiter paces the
// refreshes so handle churn cannot burst actions at the API.
func (c *Client) StartTyping(ctx context.Context, chatID, threadID int64, interval time.Duration) *TypingHandle {
	if interval <= 0 {
		interval = DefaultTypingInterval
	}
	loopCtx, cancel := context.WithCancel(ctx)
	handle := &TypingHandle{cancel: cancel, done: make(chan struct{})}
	limiter := rate.NewLimiter(rate.Every(interval), 1)

	go func() {
		defer close(handle.done)
		for {
			if err := limiter.Wait(loopCtx); err != nil {
				return
			}
			c.sendTyping(loopCtx, chatID, threadID)
		}
	}()
	return handle
}

func (c *Client) sendTyping(ctx context.Context, chatID, threadID int64) {
	params := map[string]any{
		"chat_id": chatID,
		"action":  "typing",
	}
	if threadID != 0 {
		params["message_thread_id"] = threadID
	}
	if err := c.call(ctx, "sendChatAction", params, nil); err != nil {
		c.logger.Debug("sendChatAction failed", "error", err)
	}
}
