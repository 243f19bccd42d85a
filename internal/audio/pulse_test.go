package audio

import (
	"context"
	"io"
	"reflect"
	"testing"
	"time"

	pulseproto "github.com/jfreymuth/pulse/proto"
	"github.com/stretchr/testify/require"
)

func TestSelectDeviceFromListDefault(t *testing.T) {
	devices := []Device{
		{ID: "alsa_input.usb-headset", Description: "USB Headset", Available: true, Default: true},
		{ID: "alsa_output.pci.monitor", Description: "Monitor of Built-in Audio", Available: true, Monitor: true},
	}

	selection, err := selectDeviceFromList(devices, "default")
	require.NoError(t, err)
	require.Equal(t, "alsa_input.usb-headset", selection.Device.ID)
	require.Empty(t, selection.Warning)
	require.False(t, selection.Fallback)
}

func TestSelectDeviceFromListByDescription(t *testing.T) {
	devices := []Device{
		{ID: "alsa_input.usb-headset", Description: "USB Headset", Available: true, Default: true},
		{ID: "alsa_input.pci-mic", Description: "Built-in Microphone", Available: true},
	}

	selection, err := selectDeviceFromList(devices, "Built-in")
	require.NoError(t, err)
	require.Equal(t, "alsa_input.pci-mic", selection.Device.ID)
}

func TestSelectDeviceFromListMutedInputFallsBackToDefault(t *testing.T) {
	devices := []Device{
		{ID: "alsa_input.usb-headset", Description: "USB Headset", Available: true, Default: true},
		{ID: "alsa_input.pci-mic", Description: "Built-in Microphone", Available: true, Muted: true},
	}

	selection, err := selectDeviceFromList(devices, "pci-mic")
	require.NoError(t, err)
	require.Equal(t, "alsa_input.usb-headset", selection.Device.ID)
	require.Contains(t, selection.Warning, "muted")
	require.True(t, selection.Fallback)
}

func TestSelectDeviceFromListFailsWhenDefaultMuted(t *testing.T) {
	devices := []Device{
		{ID: "alsa_input.usb-headset", Available: true, Muted: true, Default: true},
	}

	_, err := selectDeviceFromList(devices, "default")
	require.Error(t, err)
	require.Contains(t, err.Error(), "muted")
}

func TestSelectDeviceFromListUnknownInput(t *testing.T) {
	devices := []Device{{ID: "alsa_input.usb-headset", Available: true, Default: true}}

	_, err := selectDeviceFromList(devices, "missing")
	require.Error(t, err)
	require.Contains(t, err.Error(), "did not match")

	_, err = selectDeviceFromList(nil, "default")
	require.Error(t, err)
}

func TestDeviceMatchesByIDAndDescription(t *testing.T) {
	dev := Device{ID: "alsa_input.usb-headset", Description: "USB Headset Mono"}
	require.True(t, deviceMatches(dev, "headset"))
	require.True(t, deviceMatches(dev, "usb headset"))
	require.False(t, deviceMatches(dev, "missing"))
	require.False(t, deviceMatches(dev, ""))
}

func TestListDevicesFailsWhenPulseUnavailable(t *testing.T) {
	t.Setenv("PULSE_SERVER", "unix:/tmp/definitely-missing-pulse-server")
	_, err := ListDevices(context.Background())
	require.Error(t, err)
}

func TestOpenSourceRejectsUnknownMode(t *testing.T) {
	_, err := OpenSource(context.Background(), "stereo-mix", SourceOptions{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown capture mode")
}

func TestOpenSourceFailsWhenPulseUnavailable(t *testing.T) {
	t.Setenv("PULSE_SERVER", "unix:/tmp/definitely-missing-pulse-server")
	for _, mode := range []string{"microphone", "loopback", "both"} {
		_, err := OpenSource(context.Background(), mode, SourceOptions{})
		require.Error(t, err, mode)
	}
}

func TestSourceStateString(t *testing.T) {
	require.Equal(t, "running", sourceStateString(0))
	require.Equal(t, "idle", sourceStateString(1))
	require.Equal(t, "suspended", sourceStateString(2))
	require.Equal(t, "unknown(99)", sourceStateString(99))
}

func TestSourceAvailable(t *testing.T) {
	require.False(t, sourceAvailable(nil))
	require.True(t, sourceAvailable(&pulseproto.GetSourceInfoReply{}))

	available := &pulseproto.GetSourceInfoReply{ActivePortName: "mic"}
	setSourcePorts(t, available, []sourcePort{{name: "mic", available: 2}})
	require.True(t, sourceAvailable(available))

	notAvailable := &pulseproto.GetSourceInfoReply{ActivePortName: "mic"}
	setSourcePorts(t, notAvailable, []sourcePort{{name: "mic", available: 1}})
	require.False(t, sourceAvailable(notAvailable))
}

func TestCaptureOnPCMChunkingAndStopFlushesPending(t *testing.T) {
	capture := newCapture("mic-1", 64)

	input := make([]byte, 64+11)
	for i := range input {
		input[i] = byte(i)
	}

	n, err := capture.onPCM(input)
	require.NoError(t, err)
	require.Equal(t, len(input), n)
	require.Equal(t, int64(len(input)), capture.BytesCaptured())

	first := <-capture.Chunks()
	require.Equal(t, input[:64], first)

	require.NoError(t, capture.Stop())
	require.NoError(t, capture.Stop())

	remaining, ok := <-capture.Chunks()
	require.True(t, ok)
	require.Equal(t, input[64:], remaining)

	_, ok = <-capture.Chunks()
	require.False(t, ok)
	require.Equal(t, "mic-1", capture.Device())
}

func TestCaptureOnPCMReturnsEOFWhenStopped(t *testing.T) {
	capture := newCapture("mic-1", 64)
	require.NoError(t, capture.Stop())

	n, err := capture.onPCM([]byte{1, 2, 3})
	require.Equal(t, 0, n)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, int64(0), capture.BytesCaptured())
}

type fakeSource struct {
	name    string
	chunks  chan []byte
	stopped bool
}

func newFakeSource(name string) *fakeSource {
	return &fakeSource{name: name, chunks: make(chan []byte, 16)}
}

func (f *fakeSource) Chunks() <-chan []byte { return f.chunks }
func (f *fakeSource) Device() string        { return f.name }
func (f *fakeSource) Stop() error {
	if !f.stopped {
		f.stopped = true
		close(f.chunks)
	}
	return nil
}

func TestMixedSourceSumsAlignedAudio(t *testing.T) {
	mic, loop := newFakeSource("mic"), newFakeSource("sink.monitor")
	m := newMixedSource(mic, loop, 1<<20)
	require.Equal(t, "mic+sink.monitor", m.Device())

	mic.chunks <- SamplesToBytes([]int16{1, 2, 3, 4})
	loop.chunks <- SamplesToBytes([]int16{10, 20})

	select {
	case out := <-m.Chunks():
		require.Equal(t, []int16{11, 22}, BytesToSamples(out))
	case <-time.After(time.Second):
		t.Fatal("expected mixed chunk")
	}

	require.NoError(t, m.Stop())

	var rest []int16
	for chunk := range m.Chunks() {
		rest = append(rest, BytesToSamples(chunk)...)
	}
	require.Equal(t, []int16{3, 4}, rest)
	require.True(t, mic.stopped)
	require.True(t, loop.stopped)
}

func TestMixedSourceFlushesWhenOneSideLags(t *testing.T) {
	mic, loop := newFakeSource("mic"), newFakeSource("sink.monitor")
	m := newMixedSource(mic, loop, 4)

	mic.chunks <- SamplesToBytes([]int16{7, 7, 7})

	select {
	case out := <-m.Chunks():
		require.Equal(t, []int16{7, 7, 7}, BytesToSamples(out))
	case <-time.After(time.Second):
		t.Fatal("expected lagging side to be flushed")
	}
	require.NoError(t, m.Stop())
}

type sourcePort struct {
	name      string
	available uint32
}

func setSourcePorts(t *testing.T, reply *pulseproto.GetSourceInfoReply, ports []sourcePort) {
	t.Helper()

	sliceType := reflect.TypeOf(reply.Ports)
	sliceValue := reflect.MakeSlice(sliceType, len(ports), len(ports))

	for i, port := range ports {
		item := sliceValue.Index(i)
		item.FieldByName("Name").SetString(port.name)
		item.FieldByName("Available").SetUint(uint64(port.available))
	}

	reflect.ValueOf(reply).Elem().FieldByName("Ports").Set(sliceValue)
}
