package telegram

import "strings"

// MaxMessageLen is Telegram's hard limit on message text.
const MaxMessageLen = 4096

// SplitText cuts text into chunks of at most max bytes, preferring to cut
// at a paragraph break, then a newline, then a sentence end, then a space,
// and only then mid-word. Boundaries in the first half of a chunk are not
// taken, so no chunk is pathologically short.
func SplitText(text string, max int) []string {
	if max <= 0 {
		max = MaxMessageLen
	}
	var chunks []string
	for len(text) > max {
		cut, next := splitPoint(text, max)
		chunks = append(chunks, text[:cut])
		text = text[next:]
	}
	if text != "" || len(chunks) == 0 {
		chunks = append(chunks, text)
	}
	return chunks
}

// SplitOnce cuts text into a head of at most max bytes and the remainder,
// using the same boundary preference as SplitText. Texts within max come
// back whole with an empty tail.
func SplitOnce(text string, max int) (head, tail string) {
	if max <= 0 {
		max = MaxMessageLen
	}
	if len(text) <= max {
		return text, ""
	}
	cut, next := splitPoint(text, max)
	return text[:cut], text[next:]
}

// splitPoint returns the end of the first chunk and the start of the
// remainder for a text longer than max.
func splitPoint(text string, max int) (cut, next int) {
	window := text[:max]
	min := max / 2

	if idx := strings.LastIndex(window, "\n\n"); idx >= min {
		return idx, idx + 2
	}
	if idx := strings.LastIndex(window, "\n"); idx >= min {
		return idx, idx + 1
	}
	if idx := strings.LastIndex(window, ". "); idx >= min {
		return idx + 1, idx + 2
	}
	if idx := strings.LastIndex(window, " "); idx >= min {
		return idx, idx + 1
	}
	return max, max
}
