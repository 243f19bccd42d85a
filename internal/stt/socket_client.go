package stt

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lexiqai/live-transcriber/internal/observability"
	"github.com/lexiqai/live-transcriber/internal/resilience"
)

const (
	socketBreakerName = "deepgram_socket"
	writeTimeout      = 10 * time.Second
)

var (
	keepAliveFrame   = []byte(`{"type":"KeepAlive"}`)
	closeStreamFrame = []byte(`{"type":"CloseStream"}`)
)

// SocketClient streams audio over a plain websocket to the listen endpoint.
type SocketClient struct {
	opts   Options
	dialer *websocket.Dialer

	mu       sync.RWMutex
	conn     *websocket.Conn
	isActive bool
	stopping bool

	writeMu  sync.Mutex
	lastSend atomic.Int64 // unix nanos of the last frame written

	messages      chan []byte
	closeMessages sync.Once
	reconnecting  atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	circuitBreaker *resilience.CircuitBreaker
}

// NewSocketClient creates a websocket transport; nothing is dialled until Start
func NewSocketClient(opts Options) *SocketClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &SocketClient{
		opts:     opts,
		dialer:   websocket.DefaultDialer,
		messages: make(chan []byte, messageBuffer),
		ctx:      ctx,
		cancel:   cancel,
		circuitBreaker: resilience.NewCircuitBreaker(
			socketBreakerName,
			opts.BreakerMaxFailures,
			opts.BreakerResetTimeout,
		),
	}
}

// StreamURL builds the listen URL with the stream parameters as query
func StreamURL(opts Options) (string, error) {
	base := opts.URL
	if base == "" {
		base = "wss://api.deepgram.com/v1/listen"
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid listen url %q: %w", base, err)
	}

	q := u.Query()
	q.Set("encoding", opts.Encoding)
	q.Set("sample_rate", strconv.Itoa(opts.SampleRate))
	q.Set("channels", strconv.Itoa(max(opts.Channels, 1)))
	if opts.Model != "" {
		q.Set("model", opts.Model)
	}
	if opts.Language != "" {
		q.Set("language", opts.Language)
	}
	q.Set("interim_results", "true")
	q.Set("punctuate", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Start dials the endpoint and starts the reader and keep-alive loops
func (s *SocketClient) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isActive {
		s.mu.Unlock()
		return fmt.Errorf("socket client is already active")
	}
	s.stopping = false
	s.mu.Unlock()

	// bind the client's lifetime to the caller
	go func() {
		select {
		case <-ctx.Done():
			s.cancel()
		case <-s.ctx.Done():
		}
	}()

	if err := s.dial(ctx); err != nil {
		return err
	}

	if s.opts.KeepAlive > 0 {
		s.wg.Add(1)
		go s.keepAliveLoop()
	}
	return nil
}

func (s *SocketClient) dial(ctx context.Context) error {
	endpoint, err := StreamURL(s.opts)
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("Authorization", "Token "+s.opts.APIKey)

	conn, resp, err := s.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		s.recordFailure()
		if resp != nil {
			return fmt.Errorf("failed to connect to transcription service (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("failed to connect to transcription service: %w", err)
	}

	s.mu.Lock()
	if s.stopping {
		// Stop won the race with a reconnect
		s.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	s.conn = conn
	s.isActive = true
	s.mu.Unlock()
	s.lastSend.Store(time.Now().UnixNano())

	s.circuitBreaker.RecordResult(true)
	observability.UpdateCircuitBreakerState(socketBreakerName, int(s.circuitBreaker.GetState()))

	s.wg.Add(1)
	go s.readLoop(conn)

	s.opts.Logger.Info().
		Str("model", s.opts.Model).
		Str("encoding", s.opts.Encoding).
		Int("sample_rate", s.opts.SampleRate).
		Msg("Transcription socket connected")
	return nil
}

// readLoop forwards text frames until the connection ends
func (s *SocketClient) readLoop(conn *websocket.Conn) {
	defer s.wg.Done()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			s.handleReadError(conn, err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		select {
		case s.messages <- data:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *SocketClient) handleReadError(conn *websocket.Conn, err error) {
	s.mu.Lock()
	current := s.conn == conn
	if current {
		s.isActive = false
		s.conn = nil
	}
	stopping := s.stopping
	s.mu.Unlock()
	_ = conn.Close()

	if !current {
		return
	}
	if stopping || s.ctx.Err() != nil {
		// stream finished after CloseStream
		s.opts.Logger.Debug().Err(err).Msg("Transcription socket closed")
		s.finishMessages()
		return
	}

	s.opts.Logger.Warn().Err(err).Msg("Transcription socket lost")
	s.recordFailure()
	s.wg.Add(1)
	go s.attemptReconnect()
}

func (s *SocketClient) keepAliveLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.KeepAlive / 2)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, s.lastSend.Load()))
			if idle < s.opts.KeepAlive {
				continue
			}
			if err := s.write(websocket.TextMessage, keepAliveFrame); err != nil && err != ErrNotActive {
				s.opts.Logger.Debug().Err(err).Msg("Keep-alive failed")
			}
		}
	}
}

// SendAudio writes one binary frame through the circuit breaker
func (s *SocketClient) SendAudio(audio []byte) error {
	err := s.circuitBreaker.Call(func() error {
		return s.write(websocket.BinaryMessage, audio)
	})

	observability.UpdateCircuitBreakerState(socketBreakerName, int(s.circuitBreaker.GetState()))
	if err != nil {
		observability.IncrementCircuitBreakerFailures(socketBreakerName)
		return fmt.Errorf("failed to send audio: %w", err)
	}
	return nil
}

func (s *SocketClient) write(messageType int, payload []byte) error {
	s.mu.RLock()
	conn, active := s.conn, s.isActive
	s.mu.RUnlock()
	if !active || conn == nil {
		return ErrNotActive
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(messageType, payload); err != nil {
		// the read loop notices the broken connection and reconnects
		_ = conn.Close()
		return err
	}
	s.lastSend.Store(time.Now().UnixNano())
	return nil
}

func (s *SocketClient) attemptReconnect() {
	defer s.wg.Done()

	if !s.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer s.reconnecting.Store(false)

	cfg := s.opts.Reconnect
	err := resilience.Reconnect(s.ctx, s.dial, &cfg)
	if err != nil {
		s.opts.Logger.Error().Err(err).Msg("Failed to reconnect transcription socket")
		s.finishMessages()
	}
}

func (s *SocketClient) recordFailure() {
	s.circuitBreaker.RecordResult(false)
	observability.UpdateCircuitBreakerState(socketBreakerName, int(s.circuitBreaker.GetState()))
	observability.IncrementCircuitBreakerFailures(socketBreakerName)
}

// Messages returns raw inbound frames
func (s *SocketClient) Messages() <-chan []byte {
	return s.messages
}

// Stop sends CloseStream; the service flushes final results and then closes
func (s *SocketClient) Stop() error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	active := s.isActive
	s.mu.Unlock()

	if !active {
		s.finishMessages()
		return nil
	}

	if err := s.write(websocket.TextMessage, closeStreamFrame); err != nil {
		return fmt.Errorf("failed to send CloseStream: %w", err)
	}
	s.opts.Logger.Info().Msg("Transcription stream closing")
	return nil
}

// Close tears the connection down and closes Messages
func (s *SocketClient) Close() error {
	s.mu.Lock()
	s.stopping = true
	conn := s.conn
	s.conn = nil
	s.isActive = false
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		s.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = conn.Close()
	}

	s.wg.Wait()
	s.finishMessages()
	return nil
}

func (s *SocketClient) finishMessages() {
	s.closeMessages.Do(func() { close(s.messages) })
}

// IsActive returns whether a connection is open
func (s *SocketClient) IsActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isActive
}
