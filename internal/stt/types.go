package stt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/live-transcriber/internal/config"
	"github.com/lexiqai/live-transcriber/internal/resilience"
)

// ErrNotActive is returned when audio is sent while no connection is open
var ErrNotActive = errors.New("transcription stream is not active")

// Transport is a live transcription stream. Audio goes out through
// SendAudio; every inbound frame is delivered raw, in arrival order, on
// Messages.
type Transport interface {
	// Start opens the stream. The transport stays bound to ctx.
	Start(ctx context.Context) error

	// SendAudio sends one encoded audio payload
	SendAudio(audio []byte) error

	// Messages is closed once the stream has ended after Stop, or on Close
	Messages() <-chan []byte

	// Stop asks the service to finalize and close the stream
	Stop() error

	// Close releases the connection and stops reconnection attempts
	Close() error

	// IsActive reports whether a connection is currently open
	IsActive() bool
}

// Options configures a Transport.
type Options struct {
	APIKey     string
	URL        string
	Model      string
	Language   string
	Encoding   string
	SampleRate int
	Channels   int
	KeepAlive  time.Duration

	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
	Reconnect           resilience.ReconnectConfig

	Logger zerolog.Logger
}

// OptionsFromConfig maps process configuration onto transport options
func OptionsFromConfig(cfg *config.Config, logger zerolog.Logger) Options {
	return Options{
		APIKey:              cfg.DeepgramAPIKey,
		URL:                 cfg.DeepgramURL,
		Model:               cfg.DeepgramModel,
		Language:            cfg.DeepgramLanguage,
		Encoding:            cfg.AudioEncoding,
		SampleRate:          cfg.StreamSampleRate(),
		Channels:            cfg.Channels,
		KeepAlive:           time.Duration(cfg.DeepgramKeepAlive) * time.Second,
		BreakerMaxFailures:  cfg.CircuitBreakerMaxFailures,
		BreakerResetTimeout: time.Duration(cfg.CircuitBreakerResetTimeout) * time.Second,
		Reconnect: resilience.ReconnectConfig{
			MaxAttempts: cfg.ReconnectMaxAttempts,
			Backoff:     time.Duration(cfg.ReconnectBackoff) * time.Millisecond,
			Multiplier:  2.0,
			MaxBackoff:  30 * time.Second,
			Logger:      logger,
		},
		Logger: logger,
	}
}

// NewTransport returns the backend selected by STT_BACKEND
func NewTransport(cfg *config.Config, logger zerolog.Logger) (Transport, error) {
	opts := OptionsFromConfig(cfg, logger)
	switch cfg.STTBackend {
	case config.BackendSocket:
		return NewSocketClient(opts), nil
	case config.BackendSDK:
		return NewDeepgramClient(opts), nil
	default:
		return nil, fmt.Errorf("unknown STT backend %q", cfg.STTBackend)
	}
}

const messageBuffer = 100
