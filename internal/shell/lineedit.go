package shell

// Step is the effect of one keystroke on a session: text to echo back to the
// client and a completed line to hand to the shell. Empty fields mean
// nothing to do.
type Step struct {
	Echo   string
	Commit string
}

const (
	echoNewline   = "\r\n"
	echoBackspace = "\b \b"
)

// Feed applies one keystroke to a line buffer. The subprocess has no
// terminal, so the agent does the line discipline itself: Enter commits the
// buffer plus "\n", DEL and BS erase one rune, and anything else is
// appended and echoed verbatim.
func Feed(buffer []rune, ch rune) ([]rune, Step) {
	switch ch {
	case '\r', '\n':
		return buffer[:0], Step{Echo: echoNewline, Commit: string(buffer) + "\n"}
	case '\x7f', '\b':
		if len(buffer) == 0 {
			return buffer, Step{}
		}
		return buffer[:len(buffer)-1], Step{Echo: echoBackspace}
	default:
		return append(buffer, ch), Step{Echo: string(ch)}
	}
}
