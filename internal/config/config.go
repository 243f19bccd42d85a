package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Capture modes understood by the audio source.
const (
	CaptureMicrophone = "microphone"
	CaptureLoopback   = "loopback"
	CaptureBoth       = "both"
)

// Streaming transport backends.
const (
	BackendSocket = "socket" // raw websocket to the listen endpoint
	BackendSDK    = "sdk"    // Deepgram Go SDK callback client
)

// Audio encodings sent to the transcription service.
const (
	EncodingLinear16 = "linear16"
	EncodingMulaw    = "mulaw"
)

// Config holds all configuration for one capture process
type Config struct {
	// Session options
	DeepgramAPIKey  string `envconfig:"DEEPGRAM_API_KEY" required:"true"`
	OutputDirectory string `envconfig:"OUTPUT_DIR" default:"./transcripts"`
	CaptureMode     string `envconfig:"CAPTURE_MODE" default:"loopback"` // microphone, loopback, both
	Title           string `envconfig:"TRANSCRIPT_TITLE" default:"Untitled"`

	// Deepgram live transcription
	DeepgramURL       string `envconfig:"DEEPGRAM_URL" default:"wss://api.deepgram.com/v1/listen"`
	DeepgramModel     string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage  string `envconfig:"DEEPGRAM_LANGUAGE" default:"en-US"`
	DeepgramKeepAlive int    `envconfig:"DEEPGRAM_KEEPALIVE_SECONDS" default:"8"`
	STTBackend        string `envconfig:"STT_BACKEND" default:"socket"` // socket, sdk

	// Audio capture
	AudioInput    string `envconfig:"AUDIO_INPUT" default:"default"` // Pulse source name or substring
	AudioSink     string `envconfig:"AUDIO_SINK" default:"default"`  // sink whose monitor loopback records
	SampleRate    int    `envconfig:"SAMPLE_RATE" default:"16000"`
	Channels      int    `envconfig:"CHANNELS" default:"1"`
	ChunkSize     int    `envconfig:"CHUNK_SIZE" default:"1024"` // frames per capture read
	AudioEncoding string `envconfig:"AUDIO_ENCODING" default:"linear16"`

	VADEnergyThreshold float64 `envconfig:"VAD_ENERGY_THRESHOLD" default:"500.0"`
	VADSilenceFrames   int     `envconfig:"VAD_SILENCE_FRAMES" default:"25"` // 20ms frames

	// Post-processing; disabled when the key is empty
	OpenAIAPIKey  string `envconfig:"OPENAI_API_KEY" default:""`
	OpenAIModel   string `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`
	OpenAIBaseURL string `envconfig:"OPENAI_BASE_URL" default:""`

	// Optional SQLite archive of every session
	ArchivePath string `envconfig:"ARCHIVE_PATH" default:""`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // seconds
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"500"` // milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"` // milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
	HTTPPort       string `envconfig:"HTTP_PORT" default:"8080"`
	GRPCPort       string `envconfig:"GRPC_PORT" default:"50051"` // empty disables the gRPC health server
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Missing .env is fine
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks values envconfig cannot express as tags
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DeepgramAPIKey) == "" {
		return fmt.Errorf("DEEPGRAM_API_KEY is required")
	}
	if strings.TrimSpace(c.OutputDirectory) == "" {
		return fmt.Errorf("OUTPUT_DIR must not be empty")
	}

	switch c.CaptureMode {
	case CaptureMicrophone, CaptureLoopback, CaptureBoth:
	default:
		return fmt.Errorf("CAPTURE_MODE %q is not one of microphone, loopback, both", c.CaptureMode)
	}

	switch c.STTBackend {
	case BackendSocket, BackendSDK:
	default:
		return fmt.Errorf("STT_BACKEND %q is not one of socket, sdk", c.STTBackend)
	}

	switch c.AudioEncoding {
	case EncodingLinear16, EncodingMulaw:
	default:
		return fmt.Errorf("AUDIO_ENCODING %q is not one of linear16, mulaw", c.AudioEncoding)
	}

	if c.SampleRate <= 0 || c.ChunkSize <= 0 {
		return fmt.Errorf("SAMPLE_RATE and CHUNK_SIZE must be positive")
	}
	if c.Channels != 1 {
		return fmt.Errorf("CHANNELS must be 1, capture is mono")
	}

	return nil
}

// PostProcessingEnabled reports whether an OpenAI key was configured
func (c *Config) PostProcessingEnabled() bool {
	return strings.TrimSpace(c.OpenAIAPIKey) != ""
}

// StreamSampleRate is the sample rate of the audio actually sent upstream
func (c *Config) StreamSampleRate() int {
	if c.AudioEncoding == EncodingMulaw {
		return 8000
	}
	return c.SampleRate
}

