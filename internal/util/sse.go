package util

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// maxSSELineSize bounds a single SSE line. bufio's 64 KiB default is too
// small for long completions delivered in one event.
const maxSSELineSize = 1 * 1024 * 1024

// Event is one server-sent event. Name is empty when the stream sends no "event:" field.
type Event struct {
	Name string
	Data string
}

// SSEScanner reads server-sent events from an io.Reader.
type SSEScanner struct {
	scanner *bufio.Scanner
}

func NewSSEScanner(r io.Reader) *SSEScanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxSSELineSize)
	return &SSEScanner{scanner: s}
}

// Next returns the next event. Consecutive "data:" lines are joined with
// newlines. Comments are skipped. The [DONE] sentinel ends the stream with io.EOF.
func (s *SSEScanner) Next() (Event, error) {
	var (
		name string
		data []string
	)
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if line == "" {
			if len(data) > 0 {
				return Event{Name: name, Data: strings.Join(data, "\n")}, nil
			}
			name = ""
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if v, ok := strings.CutPrefix(line, "event:"); ok {
			name = strings.TrimSpace(v)
			continue
		}
		if v, ok := strings.CutPrefix(line, "data:"); ok {
			v = strings.TrimSpace(v)
			if v == "[DONE]" {
				return Event{}, io.EOF
			}
			data = append(data, v)
		}
		// id: and retry: are not used by any vendor here
	}
	if err := s.scanner.Err(); err != nil {
		return Event{}, fmt.Errorf("sse scanner: %w", err)
	}
	if len(data) > 0 {
		return Event{Name: name, Data: strings.Join(data, "\n")}, nil
	}
	return Event{}, io.EOF
}
