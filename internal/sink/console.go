package sink

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/lexiqai/live-transcriber/internal/transcript"
)

// ConsoleSink prints each sentence line to a writer, usually stdout.
type ConsoleSink struct {
	mu  sync.Mutex
	out io.Writer
}

func NewConsoleSink(out io.Writer) *ConsoleSink {
	return &ConsoleSink{out: out}
}

func (c *ConsoleSink) Write(_ context.Context, s transcript.Sentence) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintln(c.out, s.Line())
	return err
}

func (c *ConsoleSink) Close() error { return nil }
