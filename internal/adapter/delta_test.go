package adapter

import (
	"strings"
	"testing"
)

const promptChars = "❯>»"

func TestExtractResponse_AnchorOnEchoedCommand(t *testing.T) {
	before := "old output\n❯\n"
	after := strings.Join([]string{
		"old output",
		"❯ hello agent",
		"The answer is 42.",
		"",
		"❯",
	}, "\n")

	got := extractResponse(before, after, "hello agent", promptChars)
	if got != "The answer is 42." {
		t.Errorf("extracted %q", got)
	}
}

func TestExtractResponse_FallbackKeepsNewLines(t *testing.T) {
	// No prompt char on the echoed command line, so the anchor search fails
	// and only lines absent from the pre-snapshot survive.
	before := "banner\nready\n"
	after := strings.Join([]string{
		"banner",
		"ready",
		"first new line",
		"second new line",
	}, "\n")

	got := extractResponse(before, after, "some command", promptChars)
	want := "first new line\nsecond new line"
	if got != want {
		t.Errorf("extracted %q, want %q", got, want)
	}
}

func TestExtractResponse_StripsChromeAndTrailingPrompt(t *testing.T) {
	after := strings.Join([]string{
		"❯ do work",
		"────────────────────",
		"result line",
		"════════════════════",
		"❯",
		"",
	}, "\n")

	got := extractResponse("", after, "do work", promptChars)
	if got != "result line" {
		t.Errorf("extracted %q", got)
	}
}

func TestExtractResponse_MultilineResponseSurvives(t *testing.T) {
	after := strings.Join([]string{
		"❯ explain",
		"line one",
		"line two - with a dash",
		"line three",
		"❯",
	}, "\n")

	got := extractResponse("", after, "explain", promptChars)
	want := "line one\nline two - with a dash\nline three"
	if got != want {
		t.Errorf("extracted %q, want %q", got, want)
	}
}

func TestHasPromptTail(t *testing.T) {
	cases := []struct {
		pane string
		want bool
	}{
		{"output\n❯\n", true},
		{"output\n❯ \n\n", true},
		{"output\nstill streaming", false},
		{"", false},
		{"> ", true},
	}
	for _, tc := range cases {
		if got := hasPromptTail(tc.pane, promptChars); got != tc.want {
			t.Errorf("hasPromptTail(%q) = %v, want %v", tc.pane, got, tc.want)
		}
	}
}

func TestIsChromeLine(t *testing.T) {
	cases := []struct {
		line string
		want bool
	}{
		{"──────────", true},
		{"==========", true},
		{"│ boxed text content here │", false},
		{"a normal sentence", false},
		{"- a list item", false},
		{"---", false}, // three or fewer rule chars stay
	}
	for _, tc := range cases {
		if got := isChromeLine(tc.line); got != tc.want {
			t.Errorf("isChromeLine(%q) = %v, want %v", tc.line, got, tc.want)
		}
	}
}

func TestPaneHashDetectsChange(t *testing.T) {
	a := paneHash("one")
	b := paneHash("one")
	c := paneHash("two")
	if a != b {
		t.Error("same content must hash equal")
	}
	if a == c {
		t.Error("different content must hash different")
	}
}
