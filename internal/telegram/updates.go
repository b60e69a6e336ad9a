package telegram

import (
	"context"
	"time"
)

// DefaultPollTimeout is the long-poll window for getUpdates.
const DefaultPollTimeout = 30 * time.Second

var defaultAllowedUpdates = []string{"message", "callback_query"}

// GetUpdates long-polls the Bot API and returns the batch in order plus
// the next offset to poll from.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, int64, error) {
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}
	secs := int(timeout.Seconds())
	if secs < 1 {
		secs = 1
	}
	params := map[string]any{
		"timeout":         secs,
		"allowed_updates": defaultAllowedUpdates,
	}
	if offset > 0 {
		params["offset"] = offset
	}

	// The request must outlive the server-side hold.
	reqCtx, cancel := context.WithTimeout(ctx, timeout+5*time.Second)
	defer cancel()

	var updates []Update
	if err := c.call(reqCtx, "getUpdates", params, &updates); err != nil {
		return nil, offset, err
	}
	next := offset
	for _, u := range updates {
		if u.UpdateID >= next {
			next = u.UpdateID + 1
		}
	}
	return updates, next, nil
}
