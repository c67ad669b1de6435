package main

// lineInterceptor watches the raw keystroke stream for local commands. A
// slash at the start of a line begins capture; the buffered line is either
// consumed by the handler or flushed to the child untouched when it turns
// out not to be a command.
type lineInterceptor struct {
	handle      func(line string) bool
	capturing   bool
	atLineStart bool
	buf         []byte
}

func newLineInterceptor(handle func(string) bool) *lineInterceptor {
	return &lineInterceptor{
		handle:      handle,
		atLineStart: true,
	}
}

// Feed returns the bytes to forward to the child.
func (li *lineInterceptor) Feed(data []byte) []byte {
	var out []byte
	for _, b := range data {
		if li.capturing {
			if b == '\r' || b == '\n' {
				line := string(li.buf)
				li.capturing = false
				li.buf = li.buf[:0]
				li.atLineStart = true
				if !li.handle(line) {
					out = append(out, line...)
					out = append(out, b)
				}
				continue
			}
			if b == 0x7f || b == 0x08 { // backspace inside a captured line
				if len(li.buf) > 0 {
					li.buf = li.buf[:len(li.buf)-1]
				}
				if len(li.buf) == 0 {
					li.capturing = false
					li.atLineStart = true
				}
				continue
			}
			li.buf = append(li.buf, b)
			continue
		}

		if li.atLineStart && b == '/' {
			li.capturing = true
			li.buf = append(li.buf[:0], b)
			continue
		}
		li.atLineStart = b == '\r' || b == '\n'
		out = append(out, b)
	}
	return out
}
