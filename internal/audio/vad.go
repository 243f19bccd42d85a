package audio

// VADConfig holds configuration for Voice Activity Detection
type VADConfig struct {
	EnergyThreshold float64 // RMS energy threshold for speech detection
	SilenceFrames   int     // consecutive silent frames that end a speech segment
	FrameSize       int     // samples per frame
}

// DefaultVADConfig returns 20ms frames at 16kHz with half a second of hangover
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		EnergyThreshold: 500.0,
		SilenceFrames:   25,
		FrameSize:       320,
	}
}

// VADEvent marks a speech boundary found while scanning PCM.
type VADEvent int

const (
	SpeechStarted VADEvent = iota + 1
	SpeechEnded
)

func (e VADEvent) String() string {
	switch e {
	case SpeechStarted:
		return "speech_started"
	case SpeechEnded:
		return "speech_ended"
	default:
		return "unknown"
	}
}

// VADDetector tracks speech activity over a stream of frames. It only
// observes audio and never decides what gets sent.
type VADDetector struct {
	config         *VADConfig
	silenceCounter int
	isSpeaking     bool
	carry          []int16
}

// NewVADDetector creates a new VAD detector
func NewVADDetector(config *VADConfig) *VADDetector {
	if config == nil {
		config = DefaultVADConfig()
	}
	if config.FrameSize <= 0 {
		config.FrameSize = DefaultVADConfig().FrameSize
	}
	return &VADDetector{config: config}
}

// ProcessFrame processes one frame.
// Returns: (isSpeaking, speechStarted, speechEnded)
func (v *VADDetector) ProcessFrame(samples []int16) (bool, bool, bool) {
	frameHasSpeech := CalculateRMS(samples) > v.config.EnergyThreshold

	var speechStarted, speechEnded bool
	if frameHasSpeech {
		v.silenceCounter = 0
		if !v.isSpeaking {
			speechStarted = true
			v.isSpeaking = true
		}
	} else {
		v.silenceCounter++
		if v.isSpeaking && v.silenceCounter >= v.config.SilenceFrames {
			speechEnded = true
			v.isSpeaking = false
			v.silenceCounter = 0
		}
	}

	return v.isSpeaking, speechStarted, speechEnded
}

// ProcessPCM splits 16-bit little-endian PCM into frames and returns the
// boundaries crossed, in order. Samples short of a full frame are carried
// into the next call.
func (v *VADDetector) ProcessPCM(pcm []byte) []VADEvent {
	samples := append(v.carry, BytesToSamples(pcm)...)

	var events []VADEvent
	size := v.config.FrameSize
	for len(samples) >= size {
		_, started, ended := v.ProcessFrame(samples[:size])
		if started {
			events = append(events, SpeechStarted)
		}
		if ended {
			events = append(events, SpeechEnded)
		}
		samples = samples[size:]
	}

	v.carry = append(v.carry[:0:0], samples...)
	return events
}

// Reset resets the VAD detector state
func (v *VADDetector) Reset() {
	v.silenceCounter = 0
	v.isSpeaking = false
	v.carry = nil
}

// IsSpeaking returns whether speech is currently detected
func (v *VADDetector) IsSpeaking() bool {
	return v.isSpeaking
}

