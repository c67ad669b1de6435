// Package directive recognizes command lines embedded in otherwise free-form
// text and maps them to relay operations. Each line matches at most one
// directive; unmatched lines are ordinary content.
package directive

import (
	"regexp"
	"strconv"
	"strings"
)

type Kind int

const (
	KindSend Kind = iota
	KindBroadcast
	KindModeSet
	KindModeStatus
	KindQueryLog
	KindWorking
	KindNoop
	KindShare
	KindNoShare
	KindPause
	KindResume
)

func (k Kind) String() string {
	switch k {
	case KindSend:
		return "send"
	case KindBroadcast:
		return "broadcast"
	case KindModeSet:
		return "mode-set"
	case KindModeStatus:
		return "mode-status"
	case KindQueryLog:
		return "query-log"
	case KindWorking:
		return "working"
	case KindNoop:
		return "noop"
	case KindShare:
		return "share"
	case KindNoShare:
		return "noshare"
	case KindPause:
		return "pause"
	case KindResume:
		return "resume"
	default:
		return "unknown"
	}
}

// Directive is the parsed form of one matched line.
type Directive struct {
	Kind   Kind
	Target string // KindSend
	Body   string // message text or working note
	Mode   string // KindModeSet
	Topic  string // KindModeSet
	Rounds int    // KindModeSet, 0 when absent
	Limit  int    // KindQueryLog, 0 when absent
}

// LocalOnly reports whether execution mutates session flags without a relay
// call.
func (d Directive) LocalOnly() bool {
	switch d.Kind {
	case KindShare, KindNoShare, KindPause, KindResume:
		return true
	default:
		return false
	}
}

var (
	sendPattern    = regexp.MustCompile(`^@send\.([A-Za-z0-9_-]+)\s+(.+)$`)
	allPattern     = regexp.MustCompile(`^@all\s+(.+)$`)
	modeSetPattern = regexp.MustCompile(`^@mode\.set\s+(\S+)\s+"([^"]*)"(?:\s+--rounds\s+(\d+))?\s*$`)
	queryPattern   = regexp.MustCompile(`^@query\.log(?:\s+(\d+))?\s*$`)
)

// Parse matches a single line against the directive grammar.
func Parse(line string) (Directive, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Directive{}, false
	}

	switch trimmed {
	case "@mode.status":
		return Directive{Kind: KindModeStatus}, true
	case "NOOP":
		return Directive{Kind: KindNoop}, true
	case "/share":
		return Directive{Kind: KindShare}, true
	case "/noshare":
		return Directive{Kind: KindNoShare}, true
	case "/pause":
		return Directive{Kind: KindPause}, true
	case "/resume":
		return Directive{Kind: KindResume}, true
	}

	if match := sendPattern.FindStringSubmatch(trimmed); match != nil {
		return Directive{Kind: KindSend, Target: match[1], Body: match[2]}, true
	}
	if match := allPattern.FindStringSubmatch(trimmed); match != nil {
		return Directive{Kind: KindBroadcast, Body: match[1]}, true
	}
	if match := modeSetPattern.FindStringSubmatch(trimmed); match != nil {
		rounds := 0
		if match[3] != "" {
			rounds, _ = strconv.Atoi(match[3])
		}
		return Directive{Kind: KindModeSet, Mode: match[1], Topic: match[2], Rounds: rounds}, true
	}
	if match := queryPattern.FindStringSubmatch(trimmed); match != nil {
		limit := 0
		if match[1] != "" {
			limit, _ = strconv.Atoi(match[1])
		}
		return Directive{Kind: KindQueryLog, Limit: limit}, true
	}
	if note, ok := matchWorking(trimmed); ok {
		return Directive{Kind: KindWorking, Body: note}, true
	}

	return Directive{}, false
}

// matchWorking accepts "@working [note]" in any case and the bare uppercase
// "WORKING [note]" form. Lowercase "working ..." is prose, not a directive.
func matchWorking(line string) (string, bool) {
	rest, ok := cutPrefixWord(strings.ToLower(line), "@working", line)
	if ok {
		return rest, true
	}
	return cutPrefixWord(line, "WORKING", line)
}

func cutPrefixWord(haystack, prefix, original string) (string, bool) {
	if !strings.HasPrefix(haystack, prefix) {
		return "", false
	}
	rest := original[len(prefix):]
	if rest != "" && rest[0] != ' ' && rest[0] != '\t' {
		return "", false
	}
	return strings.TrimSpace(rest), true
}

// ScanLines parses every line of a text block and returns the directives in
// order of appearance.
func ScanLines(text string) []Directive {
	var out []Directive
	for _, line := range strings.Split(text, "\n") {
		if d, ok := Parse(line); ok {
			out = append(out, d)
		}
	}
	return out
}

// StripUrgent reports whether content carries the urgent bypass prefix and
// returns the content without it.
func StripUrgent(content string) (string, bool) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "!") {
		return content, false
	}
	return strings.TrimSpace(strings.TrimPrefix(trimmed, "!")), true
}
