// Package opencode is the HTTP client for the local agent server: RPC
// calls plus the server-sent event stream the streaming projector
// consumes.
package opencode

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrAgentTimeout marks an unresponsive agent; doWithRetry restarts the
	// agent process through the restart hook and retries once before
	// returning it.
	ErrAgentTimeout = errors.New("opencode: agent timeout")
)

type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger

	// restart is the best-effort hook invoked on a timed-out RPC before
	// the single retry. Nil disables the restart-then-retry path.
	restart func(context.Context) error
}

func NewClient(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: 5 * time.Minute},
		logger:  logger,
	}
}

// SetRestartHook installs the agent-process restarter used on timeouts.
func (c *Client) SetRestartHook(restart func(context.Context) error) {
	c.restart = restart
}

// BaseURL is the agent's externally-visible address, echoed by /connect.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("opencode %s: encode: %w", path, err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("opencode %s: %w", path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrAgentTimeout, path)
		}
		return fmt.Errorf("opencode %s: %w", path, err)
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("opencode %s: http %d: %s", path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out != nil && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("opencode %s: decode: %w", path, err)
		}
	}
	return nil
}

// doWithRetry restarts the agent once on timeout, then replays the call.
func (c *Client) doWithRetry(ctx context.Context, method, path string, in, out any) error {
	err := c.do(ctx, method, path, in, out)
	if err == nil || !errors.Is(err, ErrAgentTimeout) || c.restart == nil {
		return err
	}
	c.logger.Warn("agent timed out, restarting", "path", path)
	if rerr := c.restart(ctx); rerr != nil {
		c.logger.Warn("agent restart failed", "error", rerr)
		return err
	}
	return c.do(ctx, method, path, in, out)
}

type Session struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// CreateSession opens a new agent session.
func (c *Client) CreateSession(ctx context.Context) (Session, error) {
	var session Session
	err := c.doWithRetry(ctx, http.MethodPost, "/session", map[string]any{}, &session)
	return session, err
}

// ModelRef names a provider/model pair for the per-session override.
type ModelRef struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

func (m ModelRef) String() string { return m.ProviderID + "/" + m.ModelID }

// ParseModelRef splits "provider/model".
func ParseModelRef(s string) (ModelRef, error) {
	provider, model, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok || provider == "" || model == "" {
		return ModelRef{}, fmt.Errorf("opencode: model must be provider/model, got %q", s)
	}
	return ModelRef{ProviderID: provider, ModelID: model}, nil
}

// PromptPart is one piece of a user prompt.
type PromptPart struct {
	Type     string `json:"type"` // text or file
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mime,omitempty"`
	URL      string `json:"url,omitempty"` // data: URL for file parts
}

func TextPart(text string) PromptPart { return PromptPart{Type: "text", Text: text} }

func FilePart(mime, dataURL string) PromptPart {
	return PromptPart{Type: "file", MimeType: mime, URL: dataURL}
}

type promptRequest struct {
	MessageID string       `json:"messageID"`
	Parts     []PromptPart `json:"parts"`
	Model     *ModelRef    `json:"model,omitempty"`
}

// Prompt submits user parts to a session; the reply arrives on the event
// stream. The client-generated message id keeps the restart-then-retry
// path from double-submitting a prompt.
func (c *Client) Prompt(ctx context.Context, sessionID string, parts []PromptPart, model *ModelRef) error {
	path := "/session/" + sessionID + "/message"
	req := promptRequest{
		MessageID: "msg_" + uuid.NewString(),
		Parts:     parts,
		Model:     model,
	}
	return c.doWithRetry(ctx, http.MethodPost, path, req, nil)
}

// Abort cancels the session's in-flight turn.
func (c *Client) Abort(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/session/"+sessionID+"/abort", map[string]any{}, nil)
}

// Command forwards a named command (plan, build, review) to the session.
func (c *Client) Command(ctx context.Context, sessionID, command, args string) error {
	payload := map[string]any{"command": command}
	if strings.TrimSpace(args) != "" {
		payload["arguments"] = args
	}
	return c.doWithRetry(ctx, http.MethodPost, "/session/"+sessionID+"/command", payload, nil)
}

type providersResponse struct {
	Providers []struct {
		ID     string `json:"id"`
		Models map[string]struct {
			Name string `json:"name,omitempty"`
		} `json:"models,omitempty"`
	} `json:"providers"`
}

// Models lists every provider/model pair the agent knows.
func (c *Client) Models(ctx context.Context) ([]ModelRef, error) {
	var decoded providersResponse
	if err := c.do(ctx, http.MethodGet, "/config/providers", nil, &decoded); err != nil {
		return nil, err
	}
	var refs []ModelRef
	for _, p := range decoded.Providers {
		for id := range p.Models {
			refs = append(refs, ModelRef{ProviderID: p.ID, ModelID: id})
		}
	}
	return refs, nil
}

// QuestionReply sends the ordered answer arrays for a question request.
func (c *Client) QuestionReply(ctx context.Context, requestID string, answers [][]string) error {
	payload := map[string]any{"answers": answers}
	return c.do(ctx, http.MethodPost, "/question/"+requestID+"/reply", payload, nil)
}

// QuestionReject cancels an outstanding question request.
func (c *Client) QuestionReject(ctx context.Context, requestID string) error {
	return c.do(ctx, http.MethodPost, "/question/"+requestID+"/reject", map[string]any{}, nil)
}

// Permission replies.
const (
	PermissionOnce   = "once"
	PermissionAlways = "always"
	PermissionReject = "reject"
)

// PermissionReply answers a permission request with once/always/reject.
func (c *Client) PermissionReply(ctx context.Context, requestID, reply string) error {
	payload := map[string]any{"response": reply}
	return c.do(ctx, http.MethodPost, "/permission/"+requestID+"/reply", payload, nil)
}

// TitleResult is the reply of the asynchronous title-generation RPC.
type TitleResult struct {
	Type  string `json:"type"` // title or unknown
	Value string `json:"value,omitempty"`
}

// GenerateTitle asks the agent to name a session after its first message.
func (c *Client) GenerateTitle(ctx context.Context, sessionID, text string) (TitleResult, error) {
	var result TitleResult
	err := c.doWithRetry(ctx, http.MethodPost, "/session/"+sessionID+"/summarize",
		map[string]any{"text": text}, &result)
	return result, err
}

// Rename sets a session title explicitly.
func (c *Client) Rename(ctx context.Context, sessionID, title string) error {
	return c.do(ctx, http.MethodPatch, "/session/"+sessionID,
		map[string]any{"title": title}, nil)
}

// Events opens the server-sent event stream. The channel closes when the
// stream ends or ctx is cancelled; the bridge loop reconnects with
// back-off.
func (c *Client) Events(ctx context.Context) (<-chan Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/event", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	// The stream stays open for the life of the session; bypass the RPC
	// timeout.
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("opencode events: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("opencode events: http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	events := make(chan Event, 64)
	go func() {
		defer close(events)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			data, ok := strings.CutPrefix(line, "data:")
			if !ok {
				continue
			}
			data = strings.TrimSpace(data)
			if data == "" {
				continue
			}
			var event Event
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				c.logger.Warn("event stream: malformed event", "error", err)
				continue
			}
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			c.logger.Warn("event stream closed", "error", err)
		}
	}()
	return events, nil
}
