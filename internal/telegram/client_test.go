package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type fakeBot struct {
	mu       sync.Mutex
	requests []fakeRequest
	handler  func(method string, params map[string]any) (int, string)
}

type fakeRequest struct {
	Method string
	Params map[string]any
}

func newFakeBot(handler func(method string, params map[string]any) (int, string)) (*fakeBot, *httptest.Server) {
	bot := &fakeBot{handler: handler}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		method := parts[len(parts)-1]
		var params map[string]any
		_ = json.NewDecoder(r.Body).Decode(&params)
		bot.mu.Lock()
		bot.requests = append(bot.requests, fakeRequest{Method: method, Params: params})
		bot.mu.Unlock()
		status, body := bot.handler(method, params)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	return bot, srv
}

func okResult(result string) (int, string) {
	return http.StatusOK, fmt.Sprintf(`{"ok":true,"result":%s}`, result)
}

func apiFailure(code int, desc string) (int, string) {
	return code, fmt.Sprintf(`{"ok":false,"error_code":%d,"description":%q}`, code, desc)
}

func TestSendMessageMarkdownFallback(t *testing.T) {
	t.Parallel()

	bot, srv := newFakeBot(func(method string, params map[string]any) (int, string) {
		if _, hasParse := params["parse_mode"]; hasParse {
			return apiFailure(400, "can't parse entities")
		}
		return okResult(`{"message_id":7,"chat":{"id":1}}`)
	})
	defer srv.Close()

	c := NewClient("tok", srv.URL, slog.Default())
	res, err := c.SendMessage(context.Background(), 1, 0, "bad *markdown", nil)
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if res.UsedMarkdown {
		t.Fatalf("UsedMarkdown = true after fallback")
	}
	if res.MessageID != 7 {
		t.Fatalf("MessageID = %d", res.MessageID)
	}
	if len(bot.requests) != 2 {
		t.Fatalf("requests = %d, want markdown try + plain retry", len(bot.requests))
	}
	if bot.requests[0].Params["parse_mode"] != "Markdown" {
		t.Fatalf("first try should use Markdown")
	}
	if _, has := bot.requests[1].Params["parse_mode"]; has {
		t.Fatalf("retry must be plain text")
	}
	if bot.requests[0].Params["text"] != bot.requests[1].Params["text"] {
		t.Fatalf("retry must resend the same chunk")
	}
}

func TestSendMessageSplitsLongText(t *testing.T) {
	t.Parallel()

	var nextID int64 = 100
	bot, srv := newFakeBot(func(method string, params map[string]any) (int, string) {
		nextID++
		return okResult(fmt.Sprintf(`{"message_id":%d,"chat":{"id":1}}`, nextID))
	})
	defer srv.Close()

	c := NewClient("tok", srv.URL, slog.Default())
	text := strings.Repeat("a", 3000) + "\n\n" + strings.Repeat("b", 3000)
	res, err := c.SendMessage(context.Background(), 1, 42, text, nil)
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if len(bot.requests) != 2 {
		t.Fatalf("requests = %d, want 2 chunks", len(bot.requests))
	}
	if res.MessageID != 102 {
		t.Fatalf("MessageID = %d, want the last chunk's id", res.MessageID)
	}
	for _, r := range bot.requests {
		if r.Params["message_thread_id"] != float64(42) {
			t.Fatalf("thread id missing on chunk: %v", r.Params)
		}
	}
}

func TestSendMessageFatalNotRetried(t *testing.T) {
	t.Parallel()

	bot, srv := newFakeBot(func(method string, params map[string]any) (int, string) {
		return apiFailure(400, "Bad Request: chat not found")
	})
	defer srv.Close()

	c := NewClient("tok", srv.URL, slog.Default())
	_, err := c.SendMessage(context.Background(), 1, 0, "hello", nil)
	if err == nil {
		t.Fatalf("SendMessage() expected error")
	}
	if !IsFatal(err) {
		t.Fatalf("chat-not-found should be fatal, got %v", err)
	}
	if len(bot.requests) != 1 {
		t.Fatalf("fatal error must not trigger the plain retry, got %d requests", len(bot.requests))
	}
}

func TestEditMessageDegradation(t *testing.T) {
	t.Parallel()

	bot, srv := newFakeBot(func(method string, params map[string]any) (int, string) {
		if _, hasParse := params["parse_mode"]; hasParse {
			return apiFailure(400, "can't parse entities")
		}
		return okResult(`true`)
	})
	defer srv.Close()

	c := NewClient("tok", srv.URL, slog.Default())
	res, err := c.EditMessage(context.Background(), 1, 7, "bad *markdown", nil)
	if err != nil {
		t.Fatalf("EditMessage() error = %v", err)
	}
	if !res.OK || res.UsedMarkdown {
		t.Fatalf("EditMessage() = %+v, want plain-text success", res)
	}
	if len(bot.requests) != 2 {
		t.Fatalf("requests = %d", len(bot.requests))
	}
}

func TestIsFatalClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err   error
		fatal bool
	}{
		{&APIError{Code: 401, Description: "Unauthorized"}, true},
		{&APIError{Code: 409, Description: "terminated by other getUpdates"}, true},
		{&APIError{Code: 400, Description: "Bad Request: chat not found"}, true},
		{&APIError{Code: 400, Description: "can't parse entities"}, false},
		{&APIError{Code: 429, Description: "Too Many Requests"}, false},
		{errors.New("network down"), false},
		{fmt.Errorf("wrapped: %w", &APIError{Code: 401, Description: "x"}), true},
	}
	for _, tc := range cases {
		if got := IsFatal(tc.err); got != tc.fatal {
			t.Fatalf("IsFatal(%v) = %v, want %v", tc.err, got, tc.fatal)
		}
	}
}

func TestGetUpdatesAdvancesOffset(t *testing.T) {
	t.Parallel()

	_, srv := newFakeBot(func(method string, params map[string]any) (int, string) {
		return okResult(`[{"update_id":11,"message":{"message_id":1,"date":5,"chat":{"id":9}}},{"update_id":12,"message":{"message_id":2,"date":6,"chat":{"id":9}}}]`)
	})
	defer srv.Close()

	c := NewClient("tok", srv.URL, slog.Default())
	updates, next, err := c.GetUpdates(context.Background(), 11, DefaultPollTimeout)
	if err != nil {
		t.Fatalf("GetUpdates() error = %v", err)
	}
	if len(updates) != 2 {
		t.Fatalf("updates = %d", len(updates))
	}
	if next != 13 {
		t.Fatalf("next offset = %d, want 13", next)
	}
}
