package sanitize

import (
	"regexp"
	"strings"
)

// Sequences that lost their escape byte before reaching this stage, e.g. a
// chunk split between the ESC and the bracket on a previous hop. Restricted
// to SGR and private-mode shapes so ordinary prose is left alone.
var orphanCSIPattern = regexp.MustCompile(`\[[0-9;]+m|\[\?[0-9]+[hl]`)

// Clean normalizes a whole string: orphaned sequence fragments are removed,
// then the stream rules (control sequences, whitespace runs, newline runs)
// are applied. Each removal can juxtapose a fresh orphan fragment, so the
// pass repeats until the text stops changing. Every pass only shrinks the
// text, which bounds the loop. Clean(Clean(text)) == Clean(text).
func Clean(text string) string {
	for text != "" {
		cleaned := orphanCSIPattern.ReplaceAllString(text, "")
		cleaned = NewStreamer().Feed([]byte(cleaned))
		if cleaned == text {
			break
		}
		text = cleaned
	}
	return text
}

var errorKeywords = []string{
	"error", "exception", "traceback", "panic:", "fatal", "critical",
}

var substanceKeywords = []string{
	"```", "@", "conclusion", "in summary",
}

const (
	defaultShareThreshold = 60
	tabularShareThreshold = 20
	promptFragmentMax     = 12
)

// ShouldShare gates relay of cleaned output. Best effort: suppressed
// meaningful output and shared noise are both acceptable, the thresholds are
// tuning knobs rather than invariants.
func ShouldShare(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}

	lower := strings.ToLower(trimmed)
	for _, keyword := range errorKeywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	for _, keyword := range substanceKeywords {
		if strings.Contains(trimmed, keyword) {
			return true
		}
	}

	if isPromptFragment(trimmed) {
		return false
	}

	threshold := defaultShareThreshold
	if looksTabular(trimmed) {
		threshold = tabularShareThreshold
	}
	return len(trimmed) >= threshold
}

// isPromptFragment reports whether the text is nothing but a short trailing
// prompt, e.g. "$ " or "continue? ".
func isPromptFragment(trimmed string) bool {
	if len(trimmed) > promptFragmentMax {
		return false
	}
	switch trimmed[len(trimmed)-1] {
	case '>', '$', '#', '?', ':':
		return true
	default:
		return false
	}
}

func looksTabular(trimmed string) bool {
	if strings.Count(trimmed, "|") >= 2 {
		return true
	}
	for _, divider := range []string{"---", "===", "───", "═══"} {
		if strings.Contains(trimmed, divider) {
			return true
		}
	}
	return false
}
