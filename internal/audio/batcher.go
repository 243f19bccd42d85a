package audio

import (
	"fmt"
)

// Batcher accumulates captured PCM into fixed-size payloads so the
// transport is written in larger, regular pieces.
type Batcher struct {
	ring      *RingBuffer
	threshold int
}

// NewBatcher returns a batcher emitting payloads of exactly threshold bytes.
func NewBatcher(threshold int) *Batcher {
	if threshold < 1 {
		threshold = 1
	}
	return &Batcher{
		ring:      NewRingBuffer(threshold + 1),
		threshold: threshold,
	}
}

// BatchBytes is the payload size for a capture of chunkFrames frames per
// read: chunkFrames*4 bytes, two reads of mono 16-bit samples.
func BatchBytes(chunkFrames int) int {
	return chunkFrames * 4
}

// Add buffers chunk and returns every payload that became complete.
func (b *Batcher) Add(chunk []byte) [][]byte {
	var payloads [][]byte
	for len(chunk) > 0 {
		n := b.ring.Write(chunk)
		chunk = chunk[n:]
		if b.ring.Available() >= b.threshold {
			payload := make([]byte, b.threshold)
			b.ring.Read(payload)
			payloads = append(payloads, payload)
		}
	}
	return payloads
}

// Flush returns whatever is buffered, or nil.
func (b *Batcher) Flush() []byte {
	if b.ring.IsEmpty() {
		return nil
	}
	rest := make([]byte, b.ring.Available())
	b.ring.Read(rest)
	return rest
}

// Buffered reports how many bytes wait for the next payload.
func (b *Batcher) Buffered() int {
	return b.ring.Available()
}

// Encoder turns captured PCM into the wire encoding.
type Encoder struct {
	encoding   string
	sampleRate int
}

// NewEncoder supports "linear16" (passthrough) and "mulaw" (8kHz G.711).
func NewEncoder(encoding string, sampleRate int) (*Encoder, error) {
	switch encoding {
	case "linear16", "mulaw":
	default:
		return nil, fmt.Errorf("unsupported audio encoding %q", encoding)
	}
	return &Encoder{encoding: encoding, sampleRate: sampleRate}, nil
}

// Encode converts one payload.
func (e *Encoder) Encode(pcm []byte) ([]byte, error) {
	if e.encoding == "linear16" {
		return pcm, nil
	}
	// drop a dangling half sample instead of failing the payload
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	return ConvertPCMToPCMU(pcm, e.sampleRate, MulawSampleRate)
}
