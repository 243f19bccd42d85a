// Package sink delivers finished sentences to files, terminals, display
// clients and the session archive.
package sink

import (
	"context"
	"errors"

	"github.com/lexiqai/live-transcriber/internal/transcript"
)

// Sink receives sentences in emission order.
type Sink interface {
	Write(ctx context.Context, s transcript.Sentence) error
	Close() error
}

// Multi fans a sentence out to several sinks in order.
type Multi []Sink

// Write tries every sink and returns the joined errors.
func (m Multi) Write(ctx context.Context, s transcript.Sentence) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Write(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink and returns the joined errors.
func (m Multi) Close() error {
	var errs []error
	for _, sink := range m {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
