package transcript

import (
	"regexp"
	"strings"
	"time"
	"unicode"
)

// TimestampLayout formats the capture-local finalization time of a sentence.
const TimestampLayout = "15:04:05"

// boundary matches sentence-ending punctuation followed by whitespace.
// The punctuation stays with the finished sentence, the whitespace is dropped.
// Whitespace includes NEL and the \x1c-\x1f separators.
var boundary = regexp.MustCompile(`[.!?][\s\v\p{Z}\x{85}\x{1c}-\x{1f}]+`)

// Sentence is one finalized line of transcript.
type Sentence struct {
	Timestamp string
	Text      string
	At        time.Time
}

// Line renders the sentence in the sink format, without a trailing newline.
func (s Sentence) Line() string {
	return "[" + s.Timestamp + "] " + s.Text
}

// Option configures a Reconstructor.
type Option func(*Reconstructor)

// WithClock replaces time.Now as the source of sentence timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Reconstructor) {
		if now != nil {
			r.now = now
		}
	}
}

// Reconstructor rebuilds sentences from partial transcript snippets.
//
// Each snippet is appended to the pending tail with a single space, so the
// input contract assumes the provider resends a growing hypothesis for the
// current utterance. A provider that sends strict deltas will see repeated
// words in the output.
//
// Duplicate suppression only compares against the most recently emitted
// sentence. Text still pending when the session ends is never emitted.
//
// A Reconstructor is not safe for concurrent use.
type Reconstructor struct {
	pending     string
	lastEmitted string
	now         func() time.Time
}

// NewReconstructor returns a reconstructor with empty pending text.
func NewReconstructor(opts ...Option) *Reconstructor {
	r := &Reconstructor{now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Process folds one snippet into the pending text and returns the sentences
// it completed, in order. All sentences from one call share a timestamp.
func (r *Reconstructor) Process(snippet string) []Sentence {
	if snippet == "" {
		return nil
	}

	combined := snippet
	if r.pending != "" {
		combined = r.pending + " " + snippet
	}

	segments := split(combined)
	if len(segments) == 1 {
		r.pending = combined
		return nil
	}

	r.pending = segments[len(segments)-1]

	var (
		out []Sentence
		at  time.Time
	)
	for _, candidate := range segments[:len(segments)-1] {
		candidate = strings.TrimSpace(candidate)
		if isBlank(candidate) || candidate == r.lastEmitted {
			continue
		}
		if at.IsZero() {
			at = r.now()
		}
		out = append(out, Sentence{
			Timestamp: at.Format(TimestampLayout),
			Text:      candidate,
			At:        at,
		})
		r.lastEmitted = candidate
	}
	return out
}

// Pending returns the unfinished text after the last sentence boundary.
func (r *Reconstructor) Pending() string {
	return r.pending
}

// LastEmitted returns the text of the most recently emitted sentence.
func (r *Reconstructor) LastEmitted() string {
	return r.lastEmitted
}

func split(text string) []string {
	matches := boundary.FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return []string{text}
	}

	segments := make([]string, 0, len(matches)+1)
	start := 0
	for _, m := range matches {
		// punctuation is a single byte
		segments = append(segments, text[start:m[0]+1])
		start = m[1]
	}
	return append(segments, text[start:])
}

// isBlank reports whether s has nothing but whitespace and punctuation.
func isBlank(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool {
		return !unicode.IsSpace(r) && !unicode.IsPunct(r)
	}) < 0
}
