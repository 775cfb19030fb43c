package openai

import (
	"bufio"
	"bytes"
	"io"
)

var (
	dataPrefix = []byte("data:")
	doneMarker = []byte("[DONE]")
)

// SSEScanner iterates over the data frames of an upstream Server-Sent
// Events stream, skipping comments, event-name lines, and blank separators.
type SSEScanner struct {
	scanner *bufio.Scanner
	data    []byte
	done    bool
	err     error
}

// NewSSEScanner creates a scanner over an upstream SSE body.
func NewSSEScanner(r io.Reader) *SSEScanner {
	sc := bufio.NewScanner(r)
	// Streaming chunks can exceed the default 64K token limit.
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &SSEScanner{scanner: sc}
}

// Scan advances to the next data frame. It returns false at stream end or
// on a read error; Err distinguishes the two.
func (s *SSEScanner) Scan() bool {
	s.data = nil
	s.done = false

	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if len(line) == 0 || line[0] == ':' {
			continue
		}
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}

		payload := bytes.TrimLeft(bytes.TrimPrefix(line, dataPrefix), " ")
		if bytes.Equal(payload, doneMarker) {
			s.done = true
			return true
		}
		if len(payload) == 0 {
			continue
		}

		// Copy out: the scanner reuses its buffer on the next Scan.
		s.data = append([]byte(nil), payload...)
		return true
	}

	s.err = s.scanner.Err()
	return false
}

// Done reports whether the current frame is the upstream [DONE] terminator.
func (s *SSEScanner) Done() bool {
	return s.done
}

// Data returns the current frame's payload.
func (s *SSEScanner) Data() []byte {
	return s.data
}

// Err returns the read error that ended the stream, if any.
func (s *SSEScanner) Err() error {
	return s.err
}
