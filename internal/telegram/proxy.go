package telegram

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ProxyClient pulls updates from an external fan-out service instead of
// getUpdates, for setups where several instances share one bot token.
// Credentials embedded in the configured URL move into an Authorization
// header and are stripped from the request URL.
type ProxyClient struct {
	endpoint  *url.URL
	basicAuth string
	http      *http.Client
	logger    *slog.Logger
}

// ProxiedUpdate is one entry of the proxy response body.
type ProxiedUpdate struct {
	Payload  json.RawMessage `json:"payload"`
	UpdateID int64           `json:"update_id"`
}

type proxyResponse struct {
	Updates []ProxiedUpdate `json:"updates"`
}

func NewProxyClient(rawURL string, logger *slog.Logger) (*ProxyClient, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("updates proxy url: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &ProxyClient{
		http:   &http.Client{Timeout: 60 * time.Second},
		logger: logger,
	}
	if user := parsed.User; user != nil {
		pass, _ := user.Password()
		p.basicAuth = base64.StdEncoding.EncodeToString([]byte(user.Username() + ":" + pass))
		parsed = cloneWithoutUser(parsed)
	}
	p.endpoint = parsed
	return p, nil
}

func cloneWithoutUser(u *url.URL) *url.URL {
	clone := *u
	clone.User = nil
	return &clone
}

// Fetch pulls updates newer than since for the configured chat (and
// optional thread) and returns them with update ids stamped from the
// envelope.
func (p *ProxyClient) Fetch(ctx context.Context, since, chatID, threadID int64) ([]Update, error) {
	reqURL := *p.endpoint
	q := reqURL.Query()
	q.Set("since", strconv.FormatInt(since, 10))
	q.Set("chat_id", strconv.FormatInt(chatID, 10))
	if threadID != 0 {
		q.Set("thread_id", strconv.FormatInt(threadID, 10))
	}
	reqURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return nil, err
	}
	if p.basicAuth != "" {
		req.Header.Set("Authorization", "Basic "+p.basicAuth)
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, err
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Code: resp.StatusCode, Description: strings.TrimSpace(string(raw))}
	}

	var decoded proxyResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("updates proxy: decode: %w", err)
	}
	updates := make([]Update, 0, len(decoded.Updates))
	for _, entry := range decoded.Updates {
		var u Update
		if err := json.Unmarshal(entry.Payload, &u); err != nil {
			p.logger.Warn("updates proxy: skipping malformed payload", "update_id", entry.UpdateID, "error", err)
			continue
		}
		u.UpdateID = entry.UpdateID
		updates = append(updates, u)
	}
	return updates, nil
}
