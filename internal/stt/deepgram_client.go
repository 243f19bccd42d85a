package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/lexiqai/live-transcriber/internal/observability"
	"github.com/lexiqai/live-transcriber/internal/resilience"
)

const sdkBreakerName = "deepgram_sdk"

// messageCallbackHandler embeds the SDK's default handler and overrides
// only Message and Error
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	handler      func(*msginterfaces.MessageResponse)
	errorHandler func(*msginterfaces.ErrorResponse) error
}

func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	m.handler(message)
	return nil
}

func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	if m.errorHandler != nil {
		return m.errorHandler(errorResponse)
	}
	return m.DefaultCallbackHandler.Error(errorResponse)
}

// DeepgramClient implements Transport on top of the Deepgram Go SDK.
// Parsed results are re-encoded to JSON so callers decode them the same way
// as frames read from the raw socket.
type DeepgramClient struct {
	opts           Options
	client         *listenClient.WSCallback
	messages       chan []byte
	mu             sync.RWMutex
	sendMu         sync.RWMutex
	closed         bool
	isActive       bool
	ctx            context.Context
	cancel         context.CancelFunc
	circuitBreaker *resilience.CircuitBreaker
}

// NewDeepgramClient creates a new Deepgram streaming client
func NewDeepgramClient(opts Options) *DeepgramClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &DeepgramClient{
		opts:     opts,
		messages: make(chan []byte, messageBuffer),
		ctx:      ctx,
		cancel:   cancel,
		circuitBreaker: resilience.NewCircuitBreaker(
			sdkBreakerName,
			opts.BreakerMaxFailures,
			opts.BreakerResetTimeout,
		),
	}
}

// LiveOptions maps transport options onto the SDK's live transcription options
func LiveOptions(opts Options) *interfaces.LiveTranscriptionOptions {
	return &interfaces.LiveTranscriptionOptions{
		Model:          opts.Model,
		Language:       opts.Language,
		Punctuate:      true,
		InterimResults: true,
		Encoding:       opts.Encoding,
		Channels:       max(opts.Channels, 1),
		SampleRate:     opts.SampleRate,
	}
}

// Start connects a new SDK websocket session
func (d *DeepgramClient) Start(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			d.cancel()
		case <-d.ctx.Done():
		}
	}()
	return d.connect()
}

func (d *DeepgramClient) connect() error {
	d.mu.RLock()
	active := d.isActive
	d.mu.RUnlock()
	if active {
		return fmt.Errorf("deepgram client is already active")
	}

	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		handler:                d.handleDeepgramMessage,
		errorHandler:           d.handleDeepgramError,
	}

	// nil client options use the hosted endpoint
	client, err := listenClient.NewWSUsingCallback(
		d.ctx,
		d.opts.APIKey,
		nil,
		LiveOptions(d.opts),
		callback,
	)
	if err != nil {
		d.recordFailure()
		return fmt.Errorf("failed to create Deepgram client: %w", err)
	}
	if !client.Connect() {
		d.recordFailure()
		return fmt.Errorf("failed to connect to Deepgram")
	}

	d.mu.Lock()
	d.client = client
	d.isActive = true
	d.mu.Unlock()

	d.circuitBreaker.RecordResult(true)
	observability.UpdateCircuitBreakerState(sdkBreakerName, int(d.circuitBreaker.GetState()))

	d.opts.Logger.Info().
		Str("model", d.opts.Model).
		Str("language", d.opts.Language).
		Msg("Deepgram streaming client started")
	return nil
}

func (d *DeepgramClient) handleDeepgramError(errorResponse *msginterfaces.ErrorResponse) error {
	d.opts.Logger.Error().Interface("error", errorResponse).Msg("Deepgram error")

	d.recordFailure()

	if d.ctx.Err() != nil {
		return nil
	}

	d.mu.Lock()
	d.isActive = false
	d.mu.Unlock()

	go d.attemptReconnect()
	return nil
}

// handleDeepgramMessage forwards a parsed result as JSON
func (d *DeepgramClient) handleDeepgramMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		d.opts.Logger.Warn().Err(err).Msg("Could not re-encode Deepgram message")
		return
	}

	d.sendMu.RLock()
	defer d.sendMu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.messages <- data:
	case <-d.ctx.Done():
	}
}

// SendAudio sends an audio chunk to Deepgram
func (d *DeepgramClient) SendAudio(audioData []byte) error {
	err := d.circuitBreaker.Call(func() error {
		d.mu.RLock()
		active := d.isActive
		client := d.client
		d.mu.RUnlock()

		if !active || client == nil {
			return ErrNotActive
		}

		if _, err := client.Write(audioData); err != nil {
			go d.attemptReconnect()
			return fmt.Errorf("failed to send audio to Deepgram: %w", err)
		}
		return nil
	})

	observability.UpdateCircuitBreakerState(sdkBreakerName, int(d.circuitBreaker.GetState()))
	if err != nil {
		observability.IncrementCircuitBreakerFailures(sdkBreakerName)
	}
	return err
}

func (d *DeepgramClient) attemptReconnect() {
	if d.ctx.Err() != nil {
		return
	}

	d.mu.Lock()
	if d.isActive && d.client != nil {
		d.mu.Unlock()
		return
	}
	d.isActive = false
	d.mu.Unlock()

	cfg := d.opts.Reconnect
	err := resilience.Reconnect(d.ctx, func(ctx context.Context) error {
		return d.connect()
	}, &cfg)
	if err != nil {
		d.opts.Logger.Error().Err(err).Msg("Failed to reconnect Deepgram client")
	}
}

func (d *DeepgramClient) recordFailure() {
	d.circuitBreaker.RecordResult(false)
	observability.UpdateCircuitBreakerState(sdkBreakerName, int(d.circuitBreaker.GetState()))
	observability.IncrementCircuitBreakerFailures(sdkBreakerName)
}

// Messages returns results re-encoded as JSON frames
func (d *DeepgramClient) Messages() <-chan []byte {
	return d.messages
}

// Stop sends Finish to Deepgram
func (d *DeepgramClient) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.isActive {
		return nil
	}

	d.client.Finish()
	d.isActive = false
	d.opts.Logger.Info().Msg("Deepgram streaming client stopped")
	return nil
}

// Close stops reconnection attempts and closes Messages
func (d *DeepgramClient) Close() error {
	d.cancel()

	if err := d.Stop(); err != nil {
		return err
	}

	d.sendMu.Lock()
	if !d.closed {
		d.closed = true
		close(d.messages)
	}
	d.sendMu.Unlock()
	return nil
}

// IsActive returns whether the client is currently active
func (d *DeepgramClient) IsActive() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.isActive
}
