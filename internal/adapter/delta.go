package adapter

import (
	"crypto/sha256"
	"strings"
)

// paneHash fingerprints pane contents so polling can tell "output arrived"
// from "nothing happened yet".
func paneHash(content string) [32]byte {
	return sha256.Sum256([]byte(content))
}

// hasPromptTail reports whether the last non-empty line of the pane shows a
// prompt marker, meaning the agent is waiting for input again.
func hasPromptTail(pane, promptChars string) bool {
	lines := strings.Split(strings.TrimRight(pane, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		return strings.ContainsAny(line, promptChars)
	}
	return false
}

// extractResponse subtracts the pre-command pane from the post-command pane.
// The echoed command line (the last line holding both the command text and a
// prompt marker) is the anchor; everything below it is the response. When no
// anchor exists the fallback keeps lines absent from the pre-snapshot.
func extractResponse(before, after, command, promptChars string) string {
	afterLines := strings.Split(strings.TrimRight(after, "\n"), "\n")

	anchor := -1
	for i := len(afterLines) - 1; i >= 0; i-- {
		line := afterLines[i]
		if strings.Contains(line, command) && strings.ContainsAny(line, promptChars) {
			anchor = i
			break
		}
	}

	var candidate []string
	if anchor >= 0 {
		candidate = afterLines[anchor+1:]
	} else {
		seen := make(map[string]struct{})
		for _, line := range strings.Split(before, "\n") {
			seen[line] = struct{}{}
		}
		for _, line := range afterLines {
			if _, old := seen[line]; !old {
				candidate = append(candidate, line)
			}
		}
	}

	return strings.TrimSpace(strings.Join(cleanLines(candidate, command, promptChars), "\n"))
}

// cleanLines strips trailing prompt lines and TUI chrome.
func cleanLines(lines []string, command, promptChars string) []string {
	// Drop trailing prompt/empty lines first.
	end := len(lines)
	for end > 0 {
		line := strings.TrimSpace(lines[end-1])
		if line == "" || isPromptLine(line, promptChars) {
			end--
			continue
		}
		break
	}

	var out []string
	for _, line := range lines[:end] {
		if isChromeLine(line) {
			continue
		}
		out = append(out, line)
	}
	return out
}

// isPromptLine matches a bare prompt, optionally still echoing the command.
func isPromptLine(line, promptChars string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	first, _ := firstRune(trimmed)
	return strings.ContainsRune(promptChars, first)
}

func firstRune(s string) (rune, int) {
	for _, r := range s {
		return r, len(string(r))
	}
	return 0, 0
}

// isChromeLine drops separator rows: more than half box-drawing or rule
// characters with more than three of them in total.
func isChromeLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	total, chrome := 0, 0
	for _, r := range trimmed {
		total++
		if isChromeRune(r) {
			chrome++
		}
	}
	return chrome > 3 && chrome*2 > total
}

func isChromeRune(r rune) bool {
	// Unicode box drawing and block elements.
	if r >= 0x2500 && r <= 0x259F {
		return true
	}
	switch r {
	case '-', '=', '_', '~', '*', '·', '•':
		return true
	}
	return false
}
