package delivery

import (
	"strings"
	"unicode/utf8"
)

// Chunk splits a body that exceeds the channel's hard character limit into
// ordered pieces, each at most limit runes. The cut point is the last
// newline inside the window, else the last sentence boundary, else a hard
// cut. Chunks are whitespace-trimmed; concatenating them reproduces the
// original content modulo that trimming.
func Chunk(body string, limit int) []string {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil
	}
	if limit <= 0 || utf8.RuneCountInString(body) <= limit {
		return []string{body}
	}

	var chunks []string
	remaining := body
	for utf8.RuneCountInString(remaining) > limit {
		window := firstRunes(remaining, limit)
		cut := cutPoint(window)

		chunk := strings.TrimSpace(remaining[:cut])
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		remaining = strings.TrimSpace(remaining[cut:])
	}

	if remaining != "" {
		chunks = append(chunks, remaining)
	}

	return chunks
}

// cutPoint picks the byte offset to split window at, preferring a newline,
// then a sentence end, then the full window
func cutPoint(window string) int {
	if idx := strings.LastIndexByte(window, '\n'); idx > 0 {
		return idx + 1
	}
	if idx := strings.LastIndexAny(window, ".!?"); idx > 0 {
		return idx + 1
	}
	return len(window)
}

// firstRunes returns the prefix of s holding at most n runes
func firstRunes(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
