// Package sanitize converts raw terminal output into text safe to relay to
// other participants. The raw bytes shown to the local user never pass
// through this package.
package sanitize

type ansiState int

const (
	ansiText ansiState = iota
	ansiEsc
	ansiCSI
	ansiOSC
	ansiDCS
	ansiPM
	ansiAPC
	ansiOSCEsc
	ansiDCSEsc
	ansiPMEsc
	ansiAPCEsc
)

// Streamer strips terminal control sequences from a byte stream. It is
// stateful so sequences split across chunk boundaries are still recognized:
// feeding the same bytes in any chunking yields the same concatenated output.
type Streamer struct {
	state ansiState

	// Whitespace normalization state carried across chunks.
	inSpaceRun bool
	newlineRun int
	emittedAny bool
}

func NewStreamer() *Streamer {
	return &Streamer{}
}

// Feed consumes a raw chunk and returns the cleaned text it produced.
func (s *Streamer) Feed(data []byte) string {
	if len(data) == 0 {
		return ""
	}

	out := make([]byte, 0, len(data))
	for _, b := range data {
		switch s.state {
		case ansiText:
			switch b {
			case 0x1b:
				s.state = ansiEsc
			case 0x9b:
				s.state = ansiCSI
			case 0x9d:
				s.state = ansiOSC
			case 0x90:
				s.state = ansiDCS
			case 0x9e:
				s.state = ansiPM
			case 0x9f:
				s.state = ansiAPC
			case '\n':
				out = s.emitNewline(out)
			case '\r':
				// Spinner redraws; CRLF is normalized to LF by the
				// newline that follows.
			case ' ', '\t':
				out = s.emitSpace(out, b)
			default:
				if b < 0x20 || b == 0x7f || (b >= 0x80 && b <= 0x9f) {
					continue
				}
				out = append(out, b)
				s.inSpaceRun = false
				s.newlineRun = 0
				s.emittedAny = true
			}
		case ansiEsc:
			switch b {
			case '[':
				s.state = ansiCSI
			case ']':
				s.state = ansiOSC
			case 'P':
				s.state = ansiDCS
			case '^':
				s.state = ansiPM
			case '_':
				s.state = ansiAPC
			default:
				s.state = ansiText
			}
		case ansiCSI:
			if b >= 0x40 && b <= 0x7e {
				s.state = ansiText
			}
		case ansiOSC:
			if b == 0x07 {
				s.state = ansiText
			} else if b == 0x1b {
				s.state = ansiOSCEsc
			}
		case ansiOSCEsc:
			if b == '\\' {
				s.state = ansiText
			} else {
				s.state = ansiOSC
			}
		case ansiDCS:
			if b == 0x1b {
				s.state = ansiDCSEsc
			}
		case ansiDCSEsc:
			if b == '\\' {
				s.state = ansiText
			} else {
				s.state = ansiDCS
			}
		case ansiPM:
			if b == 0x1b {
				s.state = ansiPMEsc
			}
		case ansiPMEsc:
			if b == '\\' {
				s.state = ansiText
			} else {
				s.state = ansiPM
			}
		case ansiAPC:
			if b == 0x1b {
				s.state = ansiAPCEsc
			}
		case ansiAPCEsc:
			if b == '\\' {
				s.state = ansiText
			} else {
				s.state = ansiAPC
			}
		}
	}
	return string(out)
}

func (s *Streamer) Reset() {
	s.state = ansiText
	s.inSpaceRun = false
	s.newlineRun = 0
	s.emittedAny = false
}

// emitSpace collapses a run of horizontal whitespace to its first character.
// Collapsing to the first byte rather than rewriting keeps the output
// identical regardless of where chunk boundaries fall inside the run.
func (s *Streamer) emitSpace(out []byte, b byte) []byte {
	if s.inSpaceRun {
		return out
	}
	s.inSpaceRun = true
	return append(out, b)
}

// emitNewline collapses three or more consecutive newlines to two and drops
// blank output before any visible text.
func (s *Streamer) emitNewline(out []byte) []byte {
	s.inSpaceRun = false
	if !s.emittedAny {
		return out
	}
	if s.newlineRun >= 2 {
		return out
	}
	s.newlineRun++
	return append(out, '\n')
}
