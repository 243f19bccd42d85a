// Package audio captures PCM from PulseAudio and prepares it for streaming.
package audio

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"
	"github.com/rs/zerolog"

	"github.com/lexiqai/live-transcriber/internal/config"
)

// Source is a stream of captured mono 16-bit little-endian PCM. Chunks is
// closed once Stop has been called and residual audio was delivered.
type Source interface {
	Chunks() <-chan []byte
	Stop() error
	Device() string
}

// SourceOptions configures OpenSource.
type SourceOptions struct {
	Input      string // source for microphone capture, "default" or a name/description substring
	Sink       string // sink whose monitor loopback records, "default" or a sink name
	SampleRate int
	ChunkBytes int // bytes per emitted chunk
	Logger     zerolog.Logger
}

func (o SourceOptions) withDefaults() SourceOptions {
	if o.SampleRate <= 0 {
		o.SampleRate = 16000
	}
	if o.ChunkBytes <= 0 {
		o.ChunkBytes = 2048
	}
	return o
}

// OpenSource starts capture for one of the configured capture modes.
// Capture stops by itself when ctx is cancelled.
func OpenSource(ctx context.Context, mode string, opts SourceOptions) (Source, error) {
	opts = opts.withDefaults()

	switch mode {
	case config.CaptureMicrophone:
		return openMicrophone(ctx, opts)

	case config.CaptureLoopback:
		return startCapture(ctx, monitorTarget(opts.Sink), opts)

	case config.CaptureBoth:
		mic, err := openMicrophone(ctx, opts)
		if err != nil {
			return nil, err
		}
		loop, err := startCapture(ctx, monitorTarget(opts.Sink), opts)
		if err != nil {
			_ = mic.Stop()
			return nil, err
		}
		return newMixedSource(mic, loop, opts.SampleRate*2), nil

	default:
		return nil, fmt.Errorf("unknown capture mode %q", mode)
	}
}

func openMicrophone(ctx context.Context, opts SourceOptions) (*Capture, error) {
	selection, err := SelectDevice(ctx, opts.Input)
	if err != nil {
		return nil, err
	}
	if selection.Warning != "" {
		opts.Logger.Warn().Str("device", selection.Device.ID).Msg(selection.Warning)
	}
	return startCapture(ctx, sourceTarget(selection.Device.ID), opts)
}

// recordTarget resolves what a record stream attaches to.
type recordTarget func(client *pulse.Client) (pulse.RecordOption, string, error)

func sourceTarget(id string) recordTarget {
	return func(client *pulse.Client) (pulse.RecordOption, string, error) {
		source, err := client.SourceByID(id)
		if err != nil {
			return nil, "", fmt.Errorf("resolve source %q: %w", id, err)
		}
		return pulse.RecordSource(source), source.ID(), nil
	}
}

func monitorTarget(sinkID string) recordTarget {
	return func(client *pulse.Client) (pulse.RecordOption, string, error) {
		var (
			sink *pulse.Sink
			err  error
		)
		if id := strings.TrimSpace(sinkID); id == "" || strings.EqualFold(id, "default") {
			sink, err = client.DefaultSink()
		} else {
			sink, err = client.SinkByID(id)
		}
		if err != nil {
			return nil, "", fmt.Errorf("resolve sink %q: %w", sinkID, err)
		}
		return pulse.RecordMonitor(sink), sink.ID() + ".monitor", nil
	}
}

// Capture streams fixed-size PCM chunks from one Pulse record stream.
type Capture struct {
	device     string
	chunkBytes int

	client *pulse.Client
	stream *pulse.RecordStream

	chunks chan []byte
	stopCh chan struct{}

	mu      sync.Mutex
	pending []byte
	stopped bool

	inflight sync.WaitGroup
	bytes    atomic.Int64
}

func newCapture(device string, chunkBytes int) *Capture {
	return &Capture{
		device:     device,
		chunkBytes: chunkBytes,
		chunks:     make(chan []byte, 128),
		stopCh:     make(chan struct{}),
	}
}

func startCapture(ctx context.Context, target recordTarget, opts SourceOptions) (*Capture, error) {
	client, err := newClient("audio-input-microphone")
	if err != nil {
		return nil, err
	}

	option, device, err := target(client)
	if err != nil {
		client.Close()
		return nil, err
	}

	capture := newCapture(device, opts.ChunkBytes)
	capture.client = client

	writer := pulse.NewWriter(writerFunc(capture.onPCM), pulseproto.FormatInt16LE)
	stream, err := client.NewRecord(
		writer,
		option,
		pulse.RecordMono,
		pulse.RecordSampleRate(opts.SampleRate),
		pulse.RecordBufferFragmentSize(uint32(opts.ChunkBytes)),
		pulse.RecordMediaName("live transcription"),
	)
	if err != nil {
		_ = capture.Stop()
		return nil, fmt.Errorf("create pulse record stream: %w", err)
	}

	capture.stream = stream
	stream.Start()
	opts.Logger.Info().Str("device", device).Int("sample_rate", opts.SampleRate).Msg("Audio capture started")

	go func() {
		select {
		case <-ctx.Done():
			_ = capture.Stop()
		case <-capture.stopCh:
		}
	}()

	return capture, nil
}

// Device returns the Pulse source name being recorded.
func (c *Capture) Device() string {
	return c.device
}

// Chunks returns the PCM stream as fixed-size byte slices.
func (c *Capture) Chunks() <-chan []byte {
	return c.chunks
}

// BytesCaptured reports total bytes accepted from Pulse.
func (c *Capture) BytesCaptured() int64 {
	return c.bytes.Load()
}

// Stop halts the stream, flushes residual PCM, and closes Chunks exactly once.
func (c *Capture) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	close(c.stopCh)
	c.mu.Unlock()

	if c.stream != nil {
		c.stream.Stop()
		c.stream.Close()
	}
	if c.client != nil {
		c.client.Close()
	}

	c.inflight.Wait()

	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	if len(pending) > 0 {
		select {
		case c.chunks <- pending:
		default:
		}
	}

	close(c.chunks)
	return nil
}

// onPCM receives raw Pulse frames and emits chunkBytes slices to c.chunks.
func (c *Capture) onPCM(buffer []byte) (int, error) {
	if len(buffer) == 0 {
		return 0, nil
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return 0, io.EOF
	}
	// Add under the same mutex as c.stopped so Stop's Wait cannot race it
	c.inflight.Add(1)
	defer c.inflight.Done()

	c.pending = append(c.pending, buffer...)
	var ready [][]byte
	for len(c.pending) >= c.chunkBytes {
		chunk := make([]byte, c.chunkBytes)
		copy(chunk, c.pending[:c.chunkBytes])
		c.pending = c.pending[c.chunkBytes:]
		ready = append(ready, chunk)
	}
	c.mu.Unlock()

	c.bytes.Add(int64(len(buffer)))

	for _, chunk := range ready {
		select {
		case <-c.stopCh:
			return 0, io.EOF
		case c.chunks <- chunk:
		}
	}

	return len(buffer), nil
}

// writerFunc adapts a function to io.Writer for pulse.NewWriter.
type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(b []byte) (int, error) {
	return f(b)
}

// mixedSource records two sources at once and sums them into one stream.
type mixedSource struct {
	a, b   Source
	maxLag int // bytes one side may run ahead before it is flushed against silence

	out  chan []byte
	done chan struct{}
	once sync.Once
}

func newMixedSource(a, b Source, maxLag int) *mixedSource {
	m := &mixedSource{
		a:      a,
		b:      b,
		maxLag: maxLag,
		out:    make(chan []byte, 128),
		done:   make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *mixedSource) run() {
	defer close(m.out)

	var pa, pb []byte
	ca, cb := m.a.Chunks(), m.b.Chunks()

	for ca != nil || cb != nil {
		select {
		case chunk, ok := <-ca:
			if !ok {
				ca = nil
			} else {
				pa = append(pa, chunk...)
			}
		case chunk, ok := <-cb:
			if !ok {
				cb = nil
			} else {
				pb = append(pb, chunk...)
			}
		}

		var n int
		switch {
		case ca == nil || cb == nil, len(pa) > m.maxLag, len(pb) > m.maxLag:
			n = max(len(pa), len(pb))
		default:
			n = min(len(pa), len(pb)) &^ 1
		}
		if n == 0 {
			continue
		}

		na, nb := min(n, len(pa)), min(n, len(pb))
		mixed := Mix(pa[:na], pb[:nb])
		pa, pb = pa[na:], pb[nb:]

		select {
		case m.out <- mixed:
		default:
			select {
			case m.out <- mixed:
			case <-m.done:
			}
		}
	}
}

func (m *mixedSource) Chunks() <-chan []byte {
	return m.out
}

func (m *mixedSource) Device() string {
	return m.a.Device() + "+" + m.b.Device()
}

func (m *mixedSource) Stop() error {
	var err error
	m.once.Do(func() {
		errA := m.a.Stop()
		errB := m.b.Stop()
		close(m.done)
		if errA != nil {
			err = errA
		} else {
			err = errB
		}
	})
	return err
}
