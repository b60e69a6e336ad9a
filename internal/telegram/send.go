package telegram

import (
	"context"
)

// SendOptions tune a SendMessage call. Markup and ReplyTo apply to the
// last chunk when the text splits.
type SendOptions struct {
	Markup         *InlineKeyboardMarkup
	ReplyTo        int64
	DisablePreview bool
}

// SendResult reports the last chunk's message id and whether Telegram
// accepted the markdown rendering.
type SendResult struct {
	MessageID    int64
	UsedMarkdown bool
}

// EditResult mirrors SendResult for in-place edits.
type EditResult struct {
	OK           bool
	UsedMarkdown bool
}

// SendMessage splits text at the Telegram limit and sends each chunk,
// trying Markdown first and retrying the same chunk as plain text when the
// parser rejects it. Fatal errors abort the remaining chunks.
func (c *Client) SendMessage(ctx context.Context, chatID, threadID int64, text string, opts *SendOptions) (SendResult, error) {
	if opts == nil {
		opts = &SendOptions{}
	}
	if text == "" {
		text = "(empty)"
	}
	chunks := SplitText(text, MaxMessageLen)
	var result SendResult
	for i, chunk := range chunks {
		last := i == len(chunks)-1
		params := map[string]any{
			"chat_id": chatID,
			"text":    chunk,
		}
		if threadID != 0 {
			params["message_thread_id"] = threadID
		}
		if opts.DisablePreview {
			params["disable_web_page_preview"] = true
		}
		if last && opts.Markup != nil {
			params["reply_markup"] = opts.Markup
		}
		if last && opts.ReplyTo != 0 {
			params["reply_to_message_id"] = opts.ReplyTo
		}

		var sent Message
		usedMarkdown := true
		params["parse_mode"] = "Markdown"
		err := c.call(ctx, "sendMessage", params, &sent)
		if err != nil && !IsFatal(err) {
			// Telegram's Markdown parser is strict; resend verbatim as
			// plain text.
			usedMarkdown = false
			delete(params, "parse_mode")
			err = c.call(ctx, "sendMessage", params, &sent)
		}
		if err != nil {
			return result, err
		}
		result = SendResult{MessageID: sent.MessageID, UsedMarkdown: usedMarkdown}
	}
	return result, nil
}

// EditMessagePlain replaces a message's text without any parse mode. Used
// once a message has already degraded: every later edit stays plain.
func (c *Client) EditMessagePlain(ctx context.Context, chatID, messageID int64, text string, markup *InlineKeyboardMarkup) (EditResult, error) {
	if text == "" {
		text = "(empty)"
	}
	params := map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
		"text":       text,
	}
	if markup != nil {
		params["reply_markup"] = markup
	}
	if err := c.call(ctx, "editMessageText", params, nil); err != nil {
		return EditResult{}, err
	}
	return EditResult{OK: true, UsedMarkdown: false}, nil
}

// EditMessage replaces a message's text with the same markdown-then-plain
// degradation as SendMessage.
func (c *Client) EditMessage(ctx context.Context, chatID, messageID int64, text string, markup *InlineKeyboardMarkup) (EditResult, error) {
	if text == "" {
		text = "(empty)"
	}
	params := map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
		"text":       text,
	}
	if markup != nil {
		params["reply_markup"] = markup
	}

	params["parse_mode"] = "Markdown"
	err := c.call(ctx, "editMessageText", params, nil)
	if err == nil {
		return EditResult{OK: true, UsedMarkdown: true}, nil
	}
	if IsFatal(err) {
		return EditResult{}, err
	}
	delete(params, "parse_mode")
	if err := c.call(ctx, "editMessageText", params, nil); err != nil {
		return EditResult{}, err
	}
	return EditResult{OK: true, UsedMarkdown: false}, nil
}
