package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/utensil/opencode-telegram-mirror/internal/opencode"
	"github.com/utensil/opencode-telegram-mirror/internal/telegram"
)

// maxDiffPreviewLines bounds the inline preview; the full diff goes to the
// viewer service when configured.
const maxDiffPreviewLines = 8

// inPlaceEditTools never get a running summary line; their result renders
// as a diff at step-finish instead.
var inPlaceEditTools = map[string]bool{
	"edit":  true,
	"write": true,
}

func (p *Projector) handleTool(ctx context.Context, s *sessionState, part opencode.Part) {
	if part.State == nil {
		return
	}
	switch {
	case part.State.Status == "running" && !inPlaceEditTools[part.Tool]:
		p.ensureTyping(ctx, s, "tool")
		p.mu.Lock()
		already := s.toolLines[part.CallID]
		if !already {
			s.toolLines[part.CallID] = true
		}
		p.mu.Unlock()
		if !already {
			p.send(ctx, s, formatToolLine(part), nil)
		}
	case part.State.Status == "completed" && inPlaceEditTools[part.Tool]:
		p.mu.Lock()
		if !s.sentParts[part.ID] {
			s.sentParts[part.ID] = true
			s.pendingEdits = append(s.pendingEdits, part)
		}
		p.mu.Unlock()
	}
}

type editInput struct {
	FilePath  string `json:"filePath"`
	OldString string `json:"oldString,omitempty"`
	NewString string `json:"newString,omitempty"`
	Content   string `json:"content,omitempty"`
}

// buildDiff reconstructs a minimal diff from the tool input: removed lines
// from oldString, added lines from newString (or the full content for
// write).
func buildDiff(tool string, input editInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "--- %s\n+++ %s\n", input.FilePath, input.FilePath)
	removed := input.OldString
	added := input.NewString
	if tool == "write" {
		removed = ""
		added = input.Content
	}
	for _, line := range splitDiffLines(removed) {
		b.WriteString("-" + line + "\n")
	}
	for _, line := range splitDiffLines(added) {
		b.WriteString("+" + line + "\n")
	}
	return b.String()
}

func splitDiffLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimRight(s, "\n"), "\n")
}

// diffPreview keeps the first lines of the body (past the header) for the
// inline code block.
func diffPreview(diff string, maxLines int) string {
	lines := strings.Split(strings.TrimRight(diff, "\n"), "\n")
	if len(lines) > 2 {
		lines = lines[2:] // drop the ---/+++ header
	}
	truncated := false
	if len(lines) > maxLines {
		lines = lines[:maxLines]
		truncated = true
	}
	preview := strings.Join(lines, "\n")
	if truncated {
		preview += "\n…"
	}
	return preview
}

// emitDiff renders one completed edit/write as a message with an inline
// preview and, when the upload succeeds, a View Diff button. Upload
// failures degrade silently to no button.
func (p *Projector) emitDiff(ctx context.Context, s *sessionState, part opencode.Part) {
	var input editInput
	if part.State != nil && len(part.State.Input) > 0 {
		if err := json.Unmarshal(part.State.Input, &input); err != nil {
			p.logger.Warn("undecodable edit input", "tool", part.Tool, "error", err)
			return
		}
	}
	if input.FilePath == "" {
		return
	}

	diff := buildDiff(part.Tool, input)
	var markup *telegram.InlineKeyboardMarkup
	if p.uploader != nil {
		url, err := p.uploader.Upload(ctx, filepath.Base(input.FilePath), diff)
		if err != nil {
			p.logger.Warn("diff upload failed", "file", input.FilePath, "error", err)
		} else if url != "" {
			markup = &telegram.InlineKeyboardMarkup{
				InlineKeyboard: [][]telegram.InlineKeyboardButton{
					{{Text: "View Diff", URL: url}},
				},
			}
		}
	}

	text := fmt.Sprintf("✏ %s %s\n```\n%s\n```", part.Tool, input.FilePath, diffPreview(diff, maxDiffPreviewLines))
	p.send(ctx, s, text, markup)
}
