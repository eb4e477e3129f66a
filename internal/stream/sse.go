package stream

import (
	"bufio"
	"io"
	"strings"
)

// Frame is a single server-sent event parsed from the stream: the event name
// from the "event:" field and the payload assembled from "data:" lines.
type Frame struct {
	Name string
	Data string
}

// Scanner incrementally parses a text/event-stream body. Events are
// delimited by blank lines; "data:" lines carry the payload (multiple lines
// join with newlines), "event:" names the event, comment lines (leading ":")
// and unrecognized fields are skipped.
type Scanner struct {
	reader  *bufio.Reader
	current Frame
	err     error
}

// NewScanner creates a Scanner reading SSE frames from r.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{reader: bufio.NewReaderSize(r, 32*1024)}
}

// Next advances to the next frame. It returns false on EOF or error; call
// Err afterwards to tell the two apart.
func (s *Scanner) Next() bool {
	s.current = Frame{}

	var data []string
	name := ""
	hasData := false

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil && line == "" {
			if err == io.EOF {
				if hasData {
					// A final frame without a trailing blank line still counts.
					s.current = Frame{Name: name, Data: strings.Join(data, "\n")}
					s.err = io.EOF
					return true
				}
				return false
			}
			s.err = err
			return false
		}

		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if hasData {
				s.current = Frame{Name: name, Data: strings.Join(data, "\n")}
				return true
			}
			name = ""
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, found := strings.Cut(line, ":")
		if found {
			value = strings.TrimPrefix(value, " ")
		}

		switch field {
		case "data":
			data = append(data, value)
			hasData = true
		case "event":
			name = value
		default:
			// id, retry, and anything else: not needed.
		}
	}
}

// Frame returns the most recently parsed frame. Valid after Next returns true.
func (s *Scanner) Frame() Frame {
	return s.current
}

// Err returns the first error hit while scanning; a clean EOF is not an error.
func (s *Scanner) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}
