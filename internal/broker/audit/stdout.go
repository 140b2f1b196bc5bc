package audit

import (
	"fmt"
	"io"
	"sync"

	"github.com/bdobrica/mcp-auth-broker/internal/broker/jsonenc"
)

// StdoutSink writes one sorted-key JSON object per line to w, per
// spec.md §4.2's "optionally writes the JSON encoding (keys sorted) to a
// sink". Safe for concurrent use.
type StdoutSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewStdoutSink(w io.Writer) *StdoutSink {
	return &StdoutSink{w: w}
}

func (s *StdoutSink) Write(e Event) error {
	line, err := jsonenc.MarshalLine(e)
	if err != nil {
		return fmt.Errorf("audit: encode event: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(line)
	return err
}
