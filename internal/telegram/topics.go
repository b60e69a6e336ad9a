package telegram

import (
	"context"
	"unicode/utf8"
)

// maxTopicNameLen is Telegram's forum topic name limit.
const maxTopicNameLen = 128

// TruncateTopicName fits a name into the topic limit. A name at the limit
// is kept verbatim; longer names are cut to 125 runes plus an ellipsis.
func TruncateTopicName(name string) string {
	if utf8.RuneCountInString(name) <= maxTopicNameLen {
		return name
	}
	runes := []rune(name)
	return string(runes[:maxTopicNameLen-3]) + "…"
}

// CreateForumTopic opens a new topic and returns its thread id.
func (c *Client) CreateForumTopic(ctx context.Context, chatID int64, name string) (int64, error) {
	var topic ForumTopic
	params := map[string]any{
		"chat_id": chatID,
		"name":    TruncateTopicName(name),
	}
	if err := c.call(ctx, "createForumTopic", params, &topic); err != nil {
		return 0, err
	}
	return topic.MessageThreadID, nil
}

// EditForumTopic renames an existing topic.
func (c *Client) EditForumTopic(ctx context.Context, chatID, threadID int64, name string) error {
	params := map[string]any{
		"chat_id":           chatID,
		"message_thread_id": threadID,
		"name":              TruncateTopicName(name),
	}
	return c.call(ctx, "editForumTopic", params, nil)
}
