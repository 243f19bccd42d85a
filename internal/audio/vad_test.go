package audio

import (
	"testing"
)

func constantFrame(n int, value int16) []int16 {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = value
	}
	return samples
}

func testVADConfig() *VADConfig {
	return &VADConfig{
		EnergyThreshold: 500.0,
		SilenceFrames:   10,
		FrameSize:       160,
	}
}

func TestVADDetector_ProcessFrame_Speech(t *testing.T) {
	vad := NewVADDetector(testVADConfig())
	samples := constantFrame(160, 5000)

	for i := 0; i < 5; i++ {
		isSpeaking, speechStarted, _ := vad.ProcessFrame(samples)
		if !isSpeaking {
			t.Errorf("Expected speech detection on frame %d", i)
		}
		if i == 0 && !speechStarted {
			t.Error("Expected speech to start on first frame")
		}
		if i > 0 && speechStarted {
			t.Errorf("Expected no second start on frame %d", i)
		}
	}
}

func TestVADDetector_ProcessFrame_Silence(t *testing.T) {
	vad := NewVADDetector(testVADConfig())
	samples := constantFrame(160, 10)

	for i := 0; i < 15; i++ {
		isSpeaking, _, ended := vad.ProcessFrame(samples)
		if isSpeaking || ended {
			t.Errorf("Expected silence on frame %d", i)
		}
	}
}

func TestVADDetector_ProcessFrame_SpeechToSilence(t *testing.T) {
	vad := NewVADDetector(testVADConfig())

	for i := 0; i < 5; i++ {
		vad.ProcessFrame(constantFrame(160, 5000))
	}

	endedAt := -1
	for i := 0; i < 15; i++ {
		if _, _, ended := vad.ProcessFrame(constantFrame(160, 10)); ended {
			endedAt = i
			break
		}
	}
	if endedAt != 9 {
		t.Errorf("Expected speech to end on the 10th silent frame, got index %d", endedAt)
	}
	if vad.IsSpeaking() {
		t.Error("Expected speaking to be false after the segment ended")
	}
}

func TestVADDetector_Threshold(t *testing.T) {
	low := NewVADDetector(&VADConfig{EnergyThreshold: 100.0, SilenceFrames: 10, FrameSize: 160})
	high := NewVADDetector(&VADConfig{EnergyThreshold: 5000.0, SilenceFrames: 10, FrameSize: 160})
	samples := constantFrame(160, 1000)

	if isSpeaking, _, _ := low.ProcessFrame(samples); !isSpeaking {
		t.Error("Expected low threshold to detect speech")
	}
	if isSpeaking, _, _ := high.ProcessFrame(samples); isSpeaking {
		t.Error("Expected high threshold to not detect speech")
	}
}

func TestVADDetector_Reset(t *testing.T) {
	vad := NewVADDetector(testVADConfig())
	vad.ProcessFrame(constantFrame(160, 5000))
	if !vad.IsSpeaking() {
		t.Fatal("Expected speech to be detected")
	}

	vad.Reset()
	if vad.IsSpeaking() {
		t.Error("Expected speech state to be false after reset")
	}
}

func TestVADDetector_ProcessPCM_CarriesPartialFrames(t *testing.T) {
	vad := NewVADDetector(&VADConfig{EnergyThreshold: 500, SilenceFrames: 2, FrameSize: 4})

	loud := SamplesToBytes(constantFrame(6, 4000))
	if events := vad.ProcessPCM(loud); len(events) != 1 || events[0] != SpeechStarted {
		t.Fatalf("Expected one start event, got %v", events)
	}

	// two carried loud samples plus six quiet ones make two frames; the first is still loud on average
	quiet := SamplesToBytes(constantFrame(6, 0))
	if events := vad.ProcessPCM(quiet); len(events) != 0 {
		t.Fatalf("Expected no events yet, got %v", events)
	}

	events := vad.ProcessPCM(SamplesToBytes(constantFrame(4, 0)))
	if len(events) != 1 || events[0] != SpeechEnded {
		t.Errorf("Expected one end event, got %v", events)
	}
}

func TestDefaultVADConfig(t *testing.T) {
	config := DefaultVADConfig()
	if config.EnergyThreshold != 500.0 {
		t.Errorf("Expected default EnergyThreshold 500.0, got %f", config.EnergyThreshold)
	}
	if config.SilenceFrames != 25 {
		t.Errorf("Expected default SilenceFrames 25, got %d", config.SilenceFrames)
	}
	if config.FrameSize != 320 {
		t.Errorf("Expected default FrameSize 320, got %d", config.FrameSize)
	}
}

func TestVADEventString(t *testing.T) {
	if SpeechStarted.String() != "speech_started" || SpeechEnded.String() != "speech_ended" {
		t.Error("Unexpected event names")
	}
}
