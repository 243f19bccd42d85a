// Package session runs one capture session: audio goes out to the
// transcription stream, finished sentences come back into the sinks, and
// the transcript is saved and post-processed when the session stops.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/live-transcriber/internal/audio"
	"github.com/lexiqai/live-transcriber/internal/config"
	"github.com/lexiqai/live-transcriber/internal/observability"
	"github.com/lexiqai/live-transcriber/internal/postprocess"
	"github.com/lexiqai/live-transcriber/internal/sink"
	"github.com/lexiqai/live-transcriber/internal/stt"
	"github.com/lexiqai/live-transcriber/internal/transcript"
)

const (
	defaultDrainTimeout       = 5 * time.Second
	defaultPostprocessTimeout = 2 * time.Minute
)

// PostProcessor turns a saved transcript into its cleaned and summary files.
type PostProcessor interface {
	Process(ctx context.Context, path string) (*postprocess.Result, error)
}

// CaptureReporter is told when capture starts and stops.
type CaptureReporter interface {
	SetCapturing(capturing bool)
}

// Deps are the collaborators of a session. Source and Transport are
// required; a nil optional field disables that feature. Do not store a
// typed nil pointer in an interface field.
type Deps struct {
	Source    audio.Source
	Transport stt.Transport

	File    *sink.FileSink
	Archive *sink.Archive
	Sinks   []sink.Sink

	PostProcessor PostProcessor
	Health        CaptureReporter

	Now                func() time.Time
	DrainTimeout       time.Duration
	PostprocessTimeout time.Duration
}

// Summary describes a finished session.
type Summary struct {
	ID        string
	StartedAt time.Time
	EndedAt   time.Time

	Snippets     int
	DecodeErrors int
	Sentences    int
	WriteErrors  int

	// DroppedPending is the unterminated text discarded at stop.
	DroppedPending string
	// StoppedInSpeech is set when the local VAD still heard speech at stop.
	StoppedInSpeech bool

	SavedPath      string
	PostProcess    *postprocess.Result
	PostProcessErr error
}

// Session is a single capture from start to stop.
type Session struct {
	id    string
	title string
	deps  Deps
	now   func() time.Time

	logger  zerolog.Logger
	metrics *observability.Metrics

	recon   *transcript.Reconstructor
	vad     *audio.VADDetector
	batcher *audio.Batcher
	encoder *audio.Encoder

	sinks   sink.Multi
	archive *sink.ArchiveSession

	// owned by the receive goroutine until it exits
	snippets     int
	decodeErrors int
	sentences    int
	writeErrors  int

	stoppedInSpeech bool
}

// New builds a session from configuration and collaborators.
func New(cfg *config.Config, deps Deps) (*Session, error) {
	if deps.Source == nil {
		return nil, errors.New("session needs an audio source")
	}
	if deps.Transport == nil {
		return nil, errors.New("session needs a transcription transport")
	}

	encoder, err := audio.NewEncoder(cfg.AudioEncoding, cfg.SampleRate)
	if err != nil {
		return nil, err
	}

	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.DrainTimeout <= 0 {
		deps.DrainTimeout = defaultDrainTimeout
	}
	if deps.PostprocessTimeout <= 0 {
		deps.PostprocessTimeout = defaultPostprocessTimeout
	}

	id := uuid.New().String()
	logger := observability.WithCorrelationID(id).With().
		Str("component", "session").
		Str("device", deps.Source.Device()).
		Logger()

	vadConfig := audio.DefaultVADConfig()
	vadConfig.EnergyThreshold = cfg.VADEnergyThreshold
	vadConfig.SilenceFrames = cfg.VADSilenceFrames
	// 20ms frames at the capture rate
	vadConfig.FrameSize = cfg.SampleRate / 50

	sinks := make(sink.Multi, 0, len(deps.Sinks)+1)
	if deps.File != nil {
		sinks = append(sinks, deps.File)
	}
	sinks = append(sinks, deps.Sinks...)

	return &Session{
		id:      id,
		title:   cfg.Title,
		deps:    deps,
		now:     deps.Now,
		logger:  logger,
		metrics: observability.NewSessionMetrics(id),
		recon:   transcript.NewReconstructor(transcript.WithClock(deps.Now)),
		vad:     audio.NewVADDetector(vadConfig),
		batcher: audio.NewBatcher(audio.BatchBytes(cfg.ChunkSize)),
		encoder: encoder,
		sinks:   sinks,
	}, nil
}

// ID returns the session id used for logs, metrics and the archive.
func (s *Session) ID() string {
	return s.id
}

// Run captures until ctx is cancelled, the audio source ends, or the
// transcription stream ends, then stops and saves the session. An error is
// returned only when the session could not start.
func (s *Session) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{ID: s.id, StartedAt: s.now()}

	s.metrics.RecordSessionStart()
	defer s.metrics.RecordSessionEnd()

	s.beginArchive(ctx, summary.StartedAt)

	if err := s.deps.Transport.Start(ctx); err != nil {
		s.metrics.RecordError("start_failed", "stt")
		if stopErr := s.deps.Source.Stop(); stopErr != nil {
			s.logger.Warn().Err(stopErr).Msg("Error stopping audio source")
		}
		if closeErr := s.deps.Transport.Close(); closeErr != nil {
			s.logger.Warn().Err(closeErr).Msg("Error closing transcription stream")
		}
		s.closeSinks()
		s.endArchive(context.WithoutCancel(ctx), "")
		return nil, fmt.Errorf("start transcription stream: %w", err)
	}

	s.setCapturing(true)
	s.logger.Info().Str("title", s.title).Msg("Capture session started")

	// sinks keep receiving drained sentences after ctx is cancelled
	writeCtx := context.WithoutCancel(ctx)

	pumpDone := make(chan struct{})
	recvDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		s.pumpAudio()
	}()
	go func() {
		defer close(recvDone)
		s.receive(writeCtx)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info().Msg("Stop requested")
	case <-pumpDone:
		s.logger.Warn().Msg("Audio source ended")
	case <-recvDone:
		s.logger.Warn().Msg("Transcription stream ended")
	}

	s.stop(pumpDone, recvDone)
	s.finish(writeCtx, summary)
	return summary, nil
}

// stop shuts capture down and waits for the stream's final results.
func (s *Session) stop(pumpDone, recvDone <-chan struct{}) {
	s.setCapturing(false)

	if err := s.deps.Source.Stop(); err != nil {
		s.logger.Warn().Err(err).Msg("Error stopping audio source")
	}
	<-pumpDone
	if s.vad.IsSpeaking() {
		s.stoppedInSpeech = true
		s.logger.Info().Msg("Capture stopped during speech, trailing words may be cut off")
	}

	if err := s.deps.Transport.Stop(); err != nil && !errors.Is(err, stt.ErrNotActive) {
		s.logger.Warn().Err(err).Msg("Error finalizing transcription stream")
	}

	select {
	case <-recvDone:
	case <-time.After(s.deps.DrainTimeout):
		s.logger.Warn().Dur("timeout", s.deps.DrainTimeout).Msg("Timed out waiting for final results")
	}

	if err := s.deps.Transport.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("Error closing transcription stream")
	}
	<-recvDone
}

// finish saves the transcript and runs post-processing.
func (s *Session) finish(ctx context.Context, summary *Summary) {
	summary.Snippets = s.snippets
	summary.DecodeErrors = s.decodeErrors
	summary.Sentences = s.sentences
	summary.WriteErrors = s.writeErrors
	summary.StoppedInSpeech = s.stoppedInSpeech

	if pending := s.recon.Pending(); pending != "" {
		summary.DroppedPending = pending
		s.metrics.RecordDroppedPending(len(pending))
		s.logger.Warn().Int("chars", len(pending)).Msg("Dropping unterminated text at end of session")
	}

	s.closeSinks()

	if s.deps.File != nil {
		path, err := s.deps.File.Finalize(s.title)
		switch {
		case errors.Is(err, sink.ErrNothingSaved):
			s.logger.Warn().Msg("No transcription data was saved")
		case err != nil:
			s.metrics.RecordError("finalize_failed", "sink")
			s.logger.Error().Err(err).Str("temp", s.deps.File.TempPath()).Msg("Failed to save transcript")
		default:
			summary.SavedPath = path
			s.logger.Info().Str("path", path).Int("sentences", s.sentences).Msg("Transcript saved")
		}
	}

	summary.EndedAt = s.now()
	s.endArchive(ctx, summary.SavedPath)

	if summary.SavedPath == "" || s.deps.PostProcessor == nil {
		return
	}

	ppCtx, cancel := context.WithTimeout(ctx, s.deps.PostprocessTimeout)
	defer cancel()

	result, err := s.deps.PostProcessor.Process(ppCtx, summary.SavedPath)
	if err != nil {
		summary.PostProcessErr = err
		s.metrics.RecordError("postprocess_failed", "postprocess")
		s.logger.Error().Err(err).Msg("Transcript post-processing failed")
		return
	}
	summary.PostProcess = result
}

func (s *Session) closeSinks() {
	if err := s.sinks.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("Error closing sinks")
	}
}

func (s *Session) beginArchive(ctx context.Context, started time.Time) {
	if s.deps.Archive == nil {
		return
	}
	archive, err := s.deps.Archive.BeginSession(ctx, s.id, sink.SafeTitle(s.title), started)
	if err != nil {
		s.metrics.RecordError("archive_failed", "sink")
		s.logger.Error().Err(err).Msg("Failed to start archive session, continuing without it")
		return
	}
	s.archive = archive
	s.sinks = append(s.sinks, archive)
}

func (s *Session) endArchive(ctx context.Context, savedPath string) {
	if s.archive == nil {
		return
	}
	if err := s.deps.Archive.EndSession(ctx, s.archive.ID(), s.now(), savedPath); err != nil {
		s.logger.Error().Err(err).Msg("Failed to close archive session")
	}
}

func (s *Session) setCapturing(capturing bool) {
	if s.deps.Health != nil {
		s.deps.Health.SetCapturing(capturing)
	}
}
