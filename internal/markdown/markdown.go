// Package markdown prepares agent output for Telegram's Markdown parser.
package markdown

import "strings"

// EscapeUnderscores escapes underscores outside code spans and fenced
// blocks. Agent output is full of identifiers like new_york that Telegram
// would otherwise render as italics.
func EscapeUnderscores(text string) string {
	if !strings.Contains(text, "_") {
		return text
	}

	var b strings.Builder
	b.Grow(len(text) + 8)

	inCodeBlock := false
	inInlineCode := false

	for i := 0; i < len(text); i++ {
		if !inInlineCode && strings.HasPrefix(text[i:], "```") {
			inCodeBlock = !inCodeBlock
			b.WriteString("```")
			i += 2
			continue
		}

		ch := text[i]

		if !inCodeBlock && ch == '`' {
			inInlineCode = !inInlineCode
			b.WriteByte(ch)
			continue
		}

		if !inCodeBlock && !inInlineCode && ch == '_' {
			// Avoid double-escaping a \_ already present.
			if i > 0 && text[i-1] == '\\' {
				b.WriteByte('_')
				continue
			}
			b.WriteByte('\\')
			b.WriteByte('_')
			continue
		}

		b.WriteByte(ch)
	}

	return b.String()
}

// Italic wraps text for the verdict/answer trailers appended to prompt
// messages.
func Italic(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	return "_" + strings.ReplaceAll(text, "_", `\_`) + "_"
}
