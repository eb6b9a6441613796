package ring

import (
	"bytes"
	"strings"
	"sync"
)

// Lines is an io.Writer that keeps the last N complete lines written to it.
// The daemon tees its log output here so recent lines can be served over
// the API.
type Lines struct {
	buf *Buffer[string]

	mu sync.Mutex
	// partial holds an incomplete line (no trailing newline yet)
	partial bytes.Buffer
}

// NewLines creates a line buffer holding the last n lines.
func NewLines(n int) *Lines {
	return &Lines{buf: New[string](n)}
}

// Write implements io.Writer. Input is split on newlines; a trailing
// fragment waits for the rest of its line.
func (l *Lines) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.partial.Write(p)
	for {
		line, err := l.partial.ReadString('\n')
		if err != nil {
			l.partial.Reset()
			l.partial.WriteString(line)
			break
		}
		l.buf.Add(strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

// Last returns up to n of the most recent lines, oldest first. n <= 0
// returns everything stored.
func (l *Lines) Last(n int) []string {
	if n <= 0 {
		return l.buf.Values()
	}
	return l.buf.Last(n)
}
