package session

import (
	"context"
	"errors"

	"github.com/lexiqai/live-transcriber/internal/audio"
	"github.com/lexiqai/live-transcriber/internal/stt"
	"github.com/lexiqai/live-transcriber/internal/transcript"
)

// pumpAudio forwards captured PCM to the transport until the source closes.
func (s *Session) pumpAudio() {
	for chunk := range s.deps.Source.Chunks() {
		s.metrics.RecordAudioBytes(int64(len(chunk)))

		for _, event := range s.vad.ProcessPCM(chunk) {
			if event == audio.SpeechStarted {
				s.metrics.RecordSpeechSegment()
			}
			s.logger.Debug().Str("event", event.String()).Msg("Voice activity")
		}

		for _, payload := range s.batcher.Add(chunk) {
			s.send(payload)
		}
	}

	if rest := s.batcher.Flush(); rest != nil {
		s.send(rest)
	}
	s.logger.Debug().Msg("Audio pump stopped")
}

func (s *Session) send(pcm []byte) {
	data, err := s.encoder.Encode(pcm)
	if err != nil {
		s.metrics.RecordError("encode_failed", "audio")
		s.logger.Warn().Err(err).Msg("Failed to encode audio payload")
		return
	}
	if len(data) == 0 {
		return
	}

	if err := s.deps.Transport.SendAudio(data); err != nil {
		// reconnecting; the payload is lost
		if errors.Is(err, stt.ErrNotActive) {
			s.logger.Debug().Int("bytes", len(data)).Msg("Transcription stream not active, dropping audio")
			return
		}
		s.metrics.RecordError("send_failed", "stt")
		s.logger.Warn().Err(err).Msg("Failed to send audio")
	}
}

// receive feeds every provider message through the reconstructor. It runs
// until the transport closes Messages.
func (s *Session) receive(ctx context.Context) {
	for msg := range s.deps.Transport.Messages() {
		s.handleMessage(ctx, msg)
	}
	s.logger.Debug().Msg("Receive loop stopped")
}

func (s *Session) handleMessage(ctx context.Context, msg []byte) {
	text, err := transcript.Decode(msg)
	if err != nil {
		s.decodeErrors++
		s.metrics.RecordDecodeError()
		s.logger.Warn().Err(err).Msg("Skipping undecodable message")
		return
	}

	s.snippets++
	s.metrics.RecordSnippet(text == "")

	sentences := s.recon.Process(text)
	if len(sentences) == 0 {
		return
	}
	s.metrics.RecordSentences(len(sentences))

	for _, sentence := range sentences {
		s.sentences++
		if err := s.sinks.Write(ctx, sentence); err != nil {
			s.writeErrors++
			s.metrics.RecordError("write_failed", "sink")
			s.logger.Error().Err(err).Str("timestamp", sentence.Timestamp).Msg("Failed to deliver sentence")
		}
	}
}
