package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/utensil/opencode-telegram-mirror/internal/opencode"
)

const (
	// reasoningFullLen is the longest reasoning rendered without elision.
	reasoningFullLen = 60
	reasoningPrefix  = "> thinking: "
)

// formatReasoning renders a reasoning part: short thoughts in full, longer
// ones elided to beginning…end with disjoint halves.
func formatReasoning(raw string) string {
	text := strings.Join(strings.Fields(raw), " ")
	runes := []rune(text)
	if len(runes) <= reasoningFullLen {
		return reasoningPrefix + text
	}
	half := reasoningFullLen / 2
	head := strings.TrimSpace(string(runes[:half]))
	tail := strings.TrimSpace(string(runes[len(runes)-half:]))
	return reasoningPrefix + head + "…" + tail
}

var todoIcons = map[string]string{
	"pending":     "○",
	"in_progress": "◉",
	"completed":   "●",
	"cancelled":   "⊘",
}

// formatTodos renders the whole todo list with a circled icon per status.
func formatTodos(todos []opencode.Todo) string {
	var b strings.Builder
	b.WriteString("Todo:\n")
	for _, todo := range todos {
		icon, ok := todoIcons[todo.Status]
		if !ok {
			icon = "○"
		}
		fmt.Fprintf(&b, "%s %s\n", icon, todo.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

// formatToolLine is the one-line summary for a running tool.
func formatToolLine(part opencode.Part) string {
	title := ""
	if part.State != nil {
		title = strings.TrimSpace(part.State.Title)
	}
	if title == "" {
		title = part.Tool
	}
	return "⚙ " + part.Tool + ": " + truncate(title, 200)
}

// formatGenericPart renders a part type with no dedicated projection.
func formatGenericPart(part opencode.Part) string {
	if strings.TrimSpace(part.Text) != "" {
		return "[" + part.Type + "] " + truncate(part.Text, 500)
	}
	return "[" + part.Type + "]"
}

// debugDump renders an unrecognized event as YAML for the chat; a raw JSON
// blob is unreadable on a phone.
func debugDump(event opencode.Event) string {
	var props any
	if err := json.Unmarshal(event.Properties, &props); err != nil {
		props = string(event.Properties)
	}
	out, err := yaml.Marshal(map[string]any{event.Type: props})
	if err != nil {
		return event.Type + ": " + truncate(string(event.Properties), 500)
	}
	return truncate(string(out), 1000)
}

func (p *Projector) sendDebugDump(ctx context.Context, event opencode.Event) {
	p.mu.Lock()
	var s *sessionState
	for _, candidate := range p.sessions {
		s = candidate
		break
	}
	p.mu.Unlock()
	if s == nil {
		// No session yet; drop the dump on the configured default thread.
		_, err := p.sender.SendMessage(ctx, p.chatID, p.defaultThread, debugDump(event), nil)
		if err != nil {
			p.logger.Warn("debug dump send failed", "error", err)
		}
		return
	}
	p.send(ctx, s, debugDump(event), nil)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// emitOnce sends a generic part exactly once, keyed by part id.
func (p *Projector) emitOnce(ctx context.Context, s *sessionState, part opencode.Part) {
	p.mu.Lock()
	if part.ID == "" || s.sentParts[part.ID] {
		p.mu.Unlock()
		return
	}
	s.sentParts[part.ID] = true
	p.mu.Unlock()
	p.send(ctx, s, formatGenericPart(part), nil)
}

// renderTodos sends the todo list once and edits it in place on updates.
func (p *Projector) renderTodos(ctx context.Context, s *sessionState, part opencode.Part) {
	text := formatTodos(part.Todos)
	p.mu.Lock()
	existing, ok := s.todoMsgs[part.ID]
	p.mu.Unlock()

	if ok {
		if _, err := p.sender.EditMessage(ctx, p.chatID, existing, text, nil); err != nil {
			p.logger.Warn("todo edit failed", "error", err)
		}
		return
	}
	result, err := p.sender.SendMessage(ctx, p.chatID, s.threadID, text, nil)
	if err != nil {
		p.logger.Warn("todo send failed", "error", err)
		return
	}
	p.mu.Lock()
	s.todoMsgs[part.ID] = result.MessageID
	p.mu.Unlock()
}
