// Package transcript turns the provider's stream of partial transcript
// snippets into finished, timestamped sentences.
package transcript

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrDecode is matched by every error returned from Decode.
var ErrDecode = errors.New("malformed provider message")

const previewLimit = 64

// DecodeError reports a provider message that is not a JSON object.
type DecodeError struct {
	Preview string // leading bytes of the offending message
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode provider message %q: %v", e.Preview, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	return []error{ErrDecode, e.Err}
}

// envelope is the part of a live "Results" message we read. Channel stays raw
// because UtteranceEnd messages carry it as an index array instead of an object.
type envelope struct {
	Type    string          `json:"type"`
	Channel json.RawMessage `json:"channel"`
}

type channel struct {
	Alternatives []struct {
		Transcript string `json:"transcript"`
	} `json:"alternatives"`
}

// Decode extracts the first alternative's transcript from one provider
// message. Messages without a channel/alternatives structure (metadata,
// speech events, keep-alive acks) yield an empty snippet and no error.
func Decode(message []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(message, &env); err != nil {
		return "", &DecodeError{Preview: preview(message), Err: err}
	}

	raw := bytes.TrimSpace(env.Channel)
	if len(raw) == 0 || raw[0] != '{' {
		return "", nil
	}

	var ch channel
	if err := json.Unmarshal(raw, &ch); err != nil {
		return "", &DecodeError{Preview: preview(message), Err: err}
	}
	if len(ch.Alternatives) == 0 {
		return "", nil
	}
	return ch.Alternatives[0].Transcript, nil
}

func preview(message []byte) string {
	if len(message) > previewLimit {
		return string(message[:previewLimit]) + "..."
	}
	return string(message)
}
