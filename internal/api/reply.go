package api

import (
	"html"
	"strings"
)

const (
	// telegramMessageLimit is the Bot API per-message character cap.
	telegramMessageLimit = 4096
	truncationMarker     = "... [truncated]"
)

// cleanReply prepares raw agent output for Telegram delivery: prompt
// artifacts dropped, runs of blank lines collapsed, HTML escaped, and the
// result truncated under the Bot API limit.
func cleanReply(raw, promptChars string) string {
	lines := strings.Split(raw, "\n")

	var kept []string
	blanks := 0
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if isPromptArtifact(trimmed, promptChars) {
			continue
		}
		if trimmed == "" {
			blanks++
			if blanks >= 2 {
				continue
			}
		} else {
			blanks = 0
		}
		kept = append(kept, strings.TrimRight(line, " \t"))
	}

	text := strings.TrimSpace(strings.Join(kept, "\n"))
	text = html.EscapeString(text)
	return truncate(text, telegramMessageLimit)
}

// isPromptArtifact matches a bare interactive prompt line.
func isPromptArtifact(trimmed, promptChars string) bool {
	if trimmed == "" || promptChars == "" {
		return false
	}
	for _, r := range trimmed {
		if !strings.ContainsRune(promptChars, r) && r != ' ' {
			return false
		}
	}
	return true
}

// truncate bounds text to limit runes, appending the marker when cut.
func truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	cut := limit - len(truncationMarker)
	if cut < 0 {
		cut = 0
	}
	return string(runes[:cut]) + truncationMarker
}
