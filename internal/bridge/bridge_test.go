package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/utensil/opencode-telegram-mirror/internal/config"
	"github.com/utensil/opencode-telegram-mirror/internal/coordinator"
	"github.com/utensil/opencode-telegram-mirror/internal/opencode"
	"github.com/utensil/opencode-telegram-mirror/internal/pending"
	"github.com/utensil/opencode-telegram-mirror/internal/stream"
	"github.com/utensil/opencode-telegram-mirror/internal/telegram"
)

const testChatID = int64(-1003333)

type fakeAPI struct {
	mu    sync.Mutex
	sends []string
	edits []string
	// answered callback ids with their alert flag
	callbacks map[string]bool
	nextID    int64
}

func (f *fakeAPI) SendMessage(ctx context.Context, chatID, threadID int64, text string, opts *telegram.SendOptions) (telegram.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sends = append(f.sends, text)
	return telegram.SendResult{MessageID: f.nextID, UsedMarkdown: true}, nil
}

func (f *fakeAPI) EditMessage(ctx context.Context, chatID, messageID int64, text string, markup *telegram.InlineKeyboardMarkup) (telegram.EditResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, text)
	return telegram.EditResult{OK: true, UsedMarkdown: true}, nil
}

func (f *fakeAPI) AnswerCallback(ctx context.Context, callbackID, text string, showAlert bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.callbacks == nil {
		f.callbacks = make(map[string]bool)
	}
	f.callbacks[callbackID] = showAlert
}

func (f *fakeAPI) EditForumTopic(ctx context.Context, chatID, threadID int64, name string) error {
	return nil
}

func (f *fakeAPI) GetFile(ctx context.Context, fileID string) (*telegram.File, error) {
	return &telegram.File{FileID: fileID, FilePath: "voice/" + fileID}, nil
}

func (f *fakeAPI) Download(ctx context.Context, filePath string) ([]byte, error) {
	return []byte("audio"), nil
}

func (f *fakeAPI) DownloadAsDataURL(ctx context.Context, fileID, mime string) (string, error) {
	return "data:" + mime + ";base64,QUJD", nil
}

func (f *fakeAPI) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sends...)
}

func (f *fakeAPI) editTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.edits...)
}

type promptCall struct {
	SessionID string
	Parts     []opencode.PromptPart
	Model     *opencode.ModelRef
}

type fakeAgentAPI struct {
	mu           sync.Mutex
	prompts      []promptCall
	aborts       []string
	commands     []string
	rejected     []string
	replies      map[string][][]string
	permissions  map[string]string
	renames      []string
	titleResult  opencode.TitleResult
	createdCount int
}

func (f *fakeAgentAPI) BaseURL() string { return "http://127.0.0.1:4096" }

func (f *fakeAgentAPI) CreateSession(ctx context.Context) (opencode.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createdCount++
	return opencode.Session{ID: fmt.Sprintf("session-%d", f.createdCount)}, nil
}

func (f *fakeAgentAPI) Prompt(ctx context.Context, sessionID string, parts []opencode.PromptPart, model *opencode.ModelRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, promptCall{SessionID: sessionID, Parts: parts, Model: model})
	return nil
}

func (f *fakeAgentAPI) Abort(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts = append(f.aborts, sessionID)
	return nil
}

func (f *fakeAgentAPI) Command(ctx context.Context, sessionID, command, args string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, command+" "+args)
	return nil
}

func (f *fakeAgentAPI) Models(ctx context.Context) ([]opencode.ModelRef, error) {
	return []opencode.ModelRef{
		{ProviderID: "anthropic", ModelID: "claude-sonnet-4"},
		{ProviderID: "openai", ModelID: "gpt-4o"},
	}, nil
}

func (f *fakeAgentAPI) QuestionReply(ctx context.Context, requestID string, answers [][]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replies == nil {
		f.replies = make(map[string][][]string)
	}
	f.replies[requestID] = answers
	return nil
}

func (f *fakeAgentAPI) QuestionReject(ctx context.Context, requestID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected = append(f.rejected, requestID)
	return nil
}

func (f *fakeAgentAPI) PermissionReply(ctx context.Context, requestID, reply string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.permissions == nil {
		f.permissions = make(map[string]string)
	}
	f.permissions[requestID] = reply
	return nil
}

func (f *fakeAgentAPI) GenerateTitle(ctx context.Context, sessionID, text string) (opencode.TitleResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.titleResult, nil
}

func (f *fakeAgentAPI) Rename(ctx context.Context, sessionID, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renames = append(f.renames, title)
	return nil
}

func (f *fakeAgentAPI) Events(ctx context.Context) (<-chan opencode.Event, error) {
	ch := make(chan opencode.Event)
	close(ch)
	return ch, nil
}

func (f *fakeAgentAPI) promptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

type nopTyping struct{}

func (nopTyping) Release() {}

type nopSender struct{}

func (nopSender) SendMessage(ctx context.Context, chatID, threadID int64, text string, opts *telegram.SendOptions) (telegram.SendResult, error) {
	return telegram.SendResult{MessageID: 1, UsedMarkdown: true}, nil
}

func (nopSender) EditMessage(ctx context.Context, chatID, messageID int64, text string, markup *telegram.InlineKeyboardMarkup) (telegram.EditResult, error) {
	return telegram.EditResult{OK: true, UsedMarkdown: true}, nil
}

func (nopSender) EditMessagePlain(ctx context.Context, chatID, messageID int64, text string, markup *telegram.InlineKeyboardMarkup) (telegram.EditResult, error) {
	return telegram.EditResult{OK: true}, nil
}

func (nopSender) StartTyping(ctx context.Context, chatID, threadID int64, interval time.Duration) stream.Typing {
	return nopTyping{}
}

func (nopSender) CreateForumTopic(ctx context.Context, chatID int64, name string) (int64, error) {
	return 1, nil
}

func newTestBridge(t *testing.T) (*Bridge, *fakeAPI, *fakeAgentAPI) {
	t.Helper()
	api := &fakeAPI{}
	agent := &fakeAgentAPI{}
	reg := pending.NewRegistry()
	cfg := &config.Config{
		BotToken: "t",
		ChatID:   testChatID,
		WorkDir:  t.TempDir(),
	}
	coord := coordinator.New(nil, coordinator.DeviceRecord{Name: "test"}, slog.Default(), coordinator.Options{})
	coord.Tick() // single-instance: permanent leader
	projector := stream.New(nopSender{}, agent, reg, nil, testChatID, 0, slog.Default(), stream.Options{})
	b := New(Deps{
		Config:      cfg,
		Agent:       agent,
		Coordinator: coord,
		Projector:   projector,
		Pending:     reg,
		Logger:      slog.Default(),
		Version:     "test-1",
		BotID:       777,
	})
	b.api = api
	// Tests build their own updates; let everything from "now" pass the
	// date gate.
	b.startedAt = time.Now().Add(-time.Hour)
	return b, api, agent
}

func userMessage(text string) *telegram.Message {
	return &telegram.Message{
		MessageID: 100,
		From:      &telegram.User{ID: 42},
		Date:      time.Now().Unix(),
		Chat:      telegram.Chat{ID: testChatID},
		Text:      text,
	}
}

func TestPromptSubmissionRoundTrip(t *testing.T) {
	t.Parallel()

	b, _, agent := newTestBridge(t)
	b.handleMessage(context.Background(), userMessage("fix the bug"))

	if agent.promptCount() != 1 {
		t.Fatalf("prompts = %d, want 1", agent.promptCount())
	}
	call := agent.prompts[0]
	if len(call.Parts) != 1 || call.Parts[0].Text != "fix the bug" {
		t.Fatalf("parts = %+v", call.Parts)
	}
	if call.SessionID == "" {
		t.Fatalf("prompt without a session")
	}
}

func TestSingleXAborts(t *testing.T) {
	t.Parallel()

	b, _, agent := newTestBridge(t)
	// Establish a session first.
	b.handleMessage(context.Background(), userMessage("hello there"))
	b.handleMessage(context.Background(), userMessage("x"))
	b.handleMessage(context.Background(), userMessage("X"))

	if len(agent.aborts) != 2 {
		t.Fatalf("aborts = %v, want two", agent.aborts)
	}
	if agent.promptCount() != 1 {
		t.Fatalf("x must not become a prompt, prompts = %d", agent.promptCount())
	}
}

func TestUnknownCommandBecomesPrompt(t *testing.T) {
	t.Parallel()

	b, _, agent := newTestBridge(t)
	b.handleMessage(context.Background(), userMessage("/frobnicate everything"))
	if agent.promptCount() != 1 {
		t.Fatalf("unknown verb must fall through to prompt, prompts = %d", agent.promptCount())
	}
}

func TestVideoRejected(t *testing.T) {
	t.Parallel()

	b, api, agent := newTestBridge(t)
	msg := userMessage("")
	msg.Video = &telegram.Video{FileID: "v1"}
	b.handleMessage(context.Background(), msg)

	if agent.promptCount() != 0 {
		t.Fatalf("video must not produce a prompt")
	}
	sends := api.sentTexts()
	if len(sends) != 1 || !strings.Contains(sends[0], "not supported") {
		t.Fatalf("sends = %v", sends)
	}
}

func TestPhotoBecomesFilePart(t *testing.T) {
	t.Parallel()

	b, _, agent := newTestBridge(t)
	msg := userMessage("")
	msg.Caption = "what is this?"
	msg.Photo = []telegram.PhotoSize{
		{FileID: "small", Width: 90, Height: 90},
		{FileID: "large", Width: 1280, Height: 960},
	}
	b.handleMessage(context.Background(), msg)

	if agent.promptCount() != 1 {
		t.Fatalf("prompts = %d", agent.promptCount())
	}
	parts := agent.prompts[0].Parts
	if len(parts) != 2 {
		t.Fatalf("parts = %+v, want file + text", parts)
	}
	if parts[0].Type != "file" || !strings.HasPrefix(parts[0].URL, "data:image/jpeg;base64,") {
		t.Fatalf("file part = %+v", parts[0])
	}
	if parts[1].Text != "what is this?" {
		t.Fatalf("text part = %+v", parts[1])
	}
}

func TestFreetextQuestionFlow(t *testing.T) {
	t.Parallel()

	b, api, agent := newTestBridge(t)
	ctx := context.Background()
	key := pending.Key{ChatID: testChatID, ThreadID: 0}

	q := pending.NewQuestion("req-9", key, []pending.QuestionItem{
		{Text: "Pick one", Options: []string{"A", "B"}},
		{Text: "Describe it", Options: []string{"C"}},
	})
	q.MessageIDs = []int64{201, 202}
	b.pending.OpenQuestion(q)

	// Option A on question 0.
	b.handleCallback(ctx, &telegram.CallbackQuery{
		ID:   "cb1",
		From: &telegram.User{ID: 42},
		Data: pending.EncodeQuestionOption(key, 0, 0),
	})
	// Other on question 1, then typed answer.
	b.handleCallback(ctx, &telegram.CallbackQuery{
		ID:   "cb2",
		From: &telegram.User{ID: 42},
		Data: pending.EncodeQuestionOther(key, 1),
	})
	edits := api.editTexts()
	if len(edits) < 2 || !strings.Contains(edits[1], "Please type your answer:") {
		t.Fatalf("edits = %v", edits)
	}
	b.handleMessage(ctx, userMessage("custom"))

	answers, ok := agent.replies["req-9"]
	if !ok {
		t.Fatalf("question.reply not called")
	}
	if len(answers) != 2 || answers[0][0] != "A" || answers[1][0] != "custom" {
		t.Fatalf("answers = %v", answers)
	}
	if _, stillOpen := b.pending.QuestionFor(key); stillOpen {
		t.Fatalf("question record must clear after completion")
	}
}

func TestUnrelatedMessageCancelsPending(t *testing.T) {
	t.Parallel()

	b, _, agent := newTestBridge(t)
	ctx := context.Background()
	key := pending.Key{ChatID: testChatID, ThreadID: 0}

	b.pending.OpenQuestion(pending.NewQuestion("req-1", key, []pending.QuestionItem{{Text: "?", Options: []string{"A"}}}))
	b.pending.OpenPermission(&pending.Permission{RequestID: "perm-1", Key: key, Permission: "bash", MessageID: 300})

	b.handleMessage(ctx, userMessage("actually do something else"))

	if len(agent.rejected) != 1 || agent.rejected[0] != "req-1" {
		t.Fatalf("question not rejected: %v", agent.rejected)
	}
	if agent.permissions["perm-1"] != opencode.PermissionReject {
		t.Fatalf("permission not auto-rejected: %v", agent.permissions)
	}
	// The message itself still became a prompt.
	if agent.promptCount() != 1 {
		t.Fatalf("prompts = %d, want the cancelling message submitted", agent.promptCount())
	}
}

func TestPermissionCallback(t *testing.T) {
	t.Parallel()

	b, api, agent := newTestBridge(t)
	ctx := context.Background()
	key := pending.Key{ChatID: testChatID, ThreadID: 0}
	b.pending.OpenPermission(&pending.Permission{RequestID: "perm-2", Key: key, Permission: "bash", MessageID: 301})

	b.handleCallback(ctx, &telegram.CallbackQuery{
		ID:   "cb3",
		From: &telegram.User{ID: 42},
		Data: pending.EncodePermission(key, opencode.PermissionAlways),
	})

	if agent.permissions["perm-2"] != opencode.PermissionAlways {
		t.Fatalf("permissions = %v", agent.permissions)
	}
	edits := api.editTexts()
	if len(edits) != 1 || !strings.Contains(edits[0], "Accepted always") {
		t.Fatalf("edits = %v", edits)
	}
	if _, open := b.pending.PermissionFor(key); open {
		t.Fatalf("permission record must clear")
	}
}

func TestExpiredCallbackAlerts(t *testing.T) {
	t.Parallel()

	b, api, _ := newTestBridge(t)
	ctx := context.Background()
	key := pending.Key{ChatID: testChatID, ThreadID: 0}

	b.handleCallback(ctx, &telegram.CallbackQuery{
		ID:   "cb-old",
		From: &telegram.User{ID: 42},
		Data: pending.EncodePermission(key, opencode.PermissionOnce),
	})
	api.mu.Lock()
	alert, answered := api.callbacks["cb-old"]
	api.mu.Unlock()
	if !answered || !alert {
		t.Fatalf("expired callback must answer with show_alert=true")
	}
}

func TestModelCommands(t *testing.T) {
	t.Parallel()

	b, api, _ := newTestBridge(t)
	ctx := context.Background()

	b.handleMessage(ctx, userMessage("/model"))
	b.handleMessage(ctx, userMessage("/model list"))
	b.handleMessage(ctx, userMessage("/model anthropic/claude-sonnet-4"))
	b.handleMessage(ctx, userMessage("/model"))
	b.handleMessage(ctx, userMessage("/model reset"))

	sends := api.sentTexts()
	if len(sends) != 5 {
		t.Fatalf("sends = %v", sends)
	}
	if sends[0] != "model: default" {
		t.Fatalf("initial model = %q", sends[0])
	}
	if !strings.Contains(sends[1], "anthropic/claude-sonnet-4") || !strings.Contains(sends[1], "openai/gpt-4o") {
		t.Fatalf("model list = %q", sends[1])
	}
	if sends[3] != "model: anthropic/claude-sonnet-4" {
		t.Fatalf("model after set = %q", sends[3])
	}
	if sends[4] != "model reset" {
		t.Fatalf("reset ack = %q", sends[4])
	}
}

func TestModelOverrideAppliedToPrompt(t *testing.T) {
	t.Parallel()

	b, _, agent := newTestBridge(t)
	ctx := context.Background()
	b.handleMessage(ctx, userMessage("/model anthropic/claude-sonnet-4"))
	b.handleMessage(ctx, userMessage("run the tests"))

	if agent.promptCount() != 1 {
		t.Fatalf("prompts = %d", agent.promptCount())
	}
	model := agent.prompts[0].Model
	if model == nil || model.String() != "anthropic/claude-sonnet-4" {
		t.Fatalf("model override = %v", model)
	}
}

func TestAcceptUpdateFilters(t *testing.T) {
	t.Parallel()

	b, api, _ := newTestBridge(t)
	ctx := context.Background()
	now := time.Now().Unix()

	cases := []struct {
		name   string
		update telegram.Update
		want   bool
	}{
		{"configured chat", telegram.Update{UpdateID: 1, Message: &telegram.Message{Chat: telegram.Chat{ID: testChatID}, Date: now, From: &telegram.User{ID: 42}}}, true},
		{"foreign chat", telegram.Update{UpdateID: 2, Message: &telegram.Message{Chat: telegram.Chat{ID: -1001111}, Date: now, From: &telegram.User{ID: 42}}}, false},
		{"old message", telegram.Update{UpdateID: 3, Message: &telegram.Message{Chat: telegram.Chat{ID: testChatID}, Date: now - 7200, From: &telegram.User{ID: 42}}}, false},
		{"own echo", telegram.Update{UpdateID: 4, Message: &telegram.Message{Chat: telegram.Chat{ID: testChatID}, Date: now, From: &telegram.User{ID: 777}}}, false},
		{"no payload", telegram.Update{UpdateID: 5}, false},
	}
	for _, tc := range cases {
		if got := b.acceptUpdate(ctx, tc.update); got != tc.want {
			t.Fatalf("%s: acceptUpdate = %v, want %v", tc.name, got, tc.want)
		}
	}
	_ = api
}

func TestThreadFilter(t *testing.T) {
	t.Parallel()

	b, _, _ := newTestBridge(t)
	b.cfg.ThreadID = 42
	ctx := context.Background()
	now := time.Now().Unix()

	inThread := telegram.Update{UpdateID: 1, Message: &telegram.Message{
		Chat: telegram.Chat{ID: testChatID}, MessageThreadID: 42, Date: now, From: &telegram.User{ID: 42},
	}}
	offThread := telegram.Update{UpdateID: 2, Message: &telegram.Message{
		Chat: telegram.Chat{ID: testChatID}, MessageThreadID: 9, Date: now, From: &telegram.User{ID: 42},
	}}
	if !b.acceptUpdate(ctx, inThread) {
		t.Fatalf("in-thread update rejected")
	}
	if b.acceptUpdate(ctx, offThread) {
		t.Fatalf("off-thread update accepted")
	}
}

func TestForeignChatWarningOnce(t *testing.T) {
	t.Parallel()

	b, api, _ := newTestBridge(t)
	ctx := context.Background()
	now := time.Now().Unix()

	foreign := func(id, chat int64) telegram.Update {
		return telegram.Update{UpdateID: id, Message: &telegram.Message{
			Chat: telegram.Chat{ID: chat}, Date: now, From: &telegram.User{ID: 42},
		}}
	}
	b.acceptUpdate(ctx, foreign(1, -1001111))
	b.acceptUpdate(ctx, foreign(2, -1002222))
	// Second poll repeats both ids: no new warnings.
	b.acceptUpdate(ctx, foreign(3, -1001111))
	b.acceptUpdate(ctx, foreign(4, -1002222))

	sends := api.sentTexts()
	if len(sends) != 2 {
		t.Fatalf("warnings = %d, want one per new foreign id", len(sends))
	}
	if !strings.Contains(sends[1], "-1001111") || !strings.Contains(sends[1], "-1002222") {
		t.Fatalf("aggregate warning = %q", sends[1])
	}
}

func TestIngestSkipsCommittedUpdates(t *testing.T) {
	t.Parallel()

	var polled int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		polled++
		now := time.Now().Unix()
		resp := map[string]any{
			"ok": true,
			"result": []map[string]any{
				{"update_id": 10, "message": map[string]any{"message_id": 1, "date": now, "chat": map[string]any{"id": testChatID}, "from": map[string]any{"id": 42}, "text": "old"}},
				{"update_id": 11, "message": map[string]any{"message_id": 2, "date": now, "chat": map[string]any{"id": testChatID}, "from": map[string]any{"id": 42}, "text": "new one"}},
				{"update_id": 12, "message": map[string]any{"message_id": 3, "date": now, "chat": map[string]any{"id": testChatID}, "from": map[string]any{"id": 42}, "text": "new two"}},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	b, _, agent := newTestBridge(t)
	b.tg = telegram.NewClient("tok", srv.URL, slog.Default())
	if err := b.coord.CommitUpdateID(10); err != nil {
		t.Fatal(err)
	}

	if err := b.ingestOnce(context.Background()); err != nil {
		t.Fatalf("ingestOnce() error = %v", err)
	}
	if agent.promptCount() != 2 {
		t.Fatalf("prompts = %d, want updates 11 and 12 only", agent.promptCount())
	}
	if got := b.coord.LastUpdateID(); got != 12 {
		t.Fatalf("LastUpdateID = %d, want 12", got)
	}

	// Replaying the same batch produces no further side effects.
	if err := b.ingestOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if agent.promptCount() != 2 {
		t.Fatalf("replay produced side effects: prompts = %d", agent.promptCount())
	}
}

func TestCapAndPs(t *testing.T) {
	t.Parallel()

	b, api, _ := newTestBridge(t)
	ctx := context.Background()

	b.handleMessage(ctx, userMessage("/cap echo capture-me"))
	waitFor(t, func() bool {
		for _, s := range api.sentTexts() {
			if strings.Contains(s, "capture-me") {
				return true
			}
		}
		return false
	})

	b.handleMessage(ctx, userMessage("/ps"))
	sends := api.sentTexts()
	if !strings.Contains(sends[len(sends)-1], "no tracked processes") {
		t.Fatalf("ps after completion = %q", sends[len(sends)-1])
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
