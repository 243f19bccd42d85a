package stt

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/live-transcriber/internal/resilience"
)

const resultsFrame = `{"type":"Results","channel":{"alternatives":[{"transcript":"Hello there."}]},"is_final":true}`

// fakeListen imitates the listen endpoint: it answers the first audio frame
// with a result and closes after CloseStream.
type fakeListen struct {
	t           *testing.T
	connections atomic.Int32
	dropFirst   bool

	mu        sync.Mutex
	audio     [][]byte
	texts     []string
	lastQuery url.Values
	authz     string
}

func (f *fakeListen) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.lastQuery = r.URL.Query()
	f.authz = r.Header.Get("Authorization")
	f.mu.Unlock()

	if r.Header.Get("Authorization") != "Token test-key" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	n := f.connections.Add(1)
	answered := false
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if msgType == websocket.BinaryMessage {
			f.mu.Lock()
			f.audio = append(f.audio, data)
			f.mu.Unlock()

			if f.dropFirst && n == 1 {
				return
			}
			if !answered {
				answered = true
				_ = ws.WriteMessage(websocket.TextMessage, []byte(resultsFrame))
			}
			continue
		}

		f.mu.Lock()
		f.texts = append(f.texts, string(data))
		f.mu.Unlock()
		if strings.Contains(string(data), "CloseStream") {
			_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"Metadata","request_id":"abc"}`))
			_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (f *fakeListen) audioFrames() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.audio)
}

func testOptions(serverURL string) Options {
	return Options{
		APIKey:              "test-key",
		URL:                 "ws" + strings.TrimPrefix(serverURL, "http"),
		Model:               "nova-2",
		Language:            "en-US",
		Encoding:            "linear16",
		SampleRate:          16000,
		Channels:            1,
		BreakerMaxFailures:  5,
		BreakerResetTimeout: time.Second,
		Reconnect: resilience.ReconnectConfig{
			MaxAttempts: 3,
			Backoff:     10 * time.Millisecond,
			Multiplier:  1,
			Logger:      zerolog.Nop(),
		},
		Logger: zerolog.Nop(),
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStreamURL(t *testing.T) {
	raw, err := StreamURL(Options{Encoding: "linear16", SampleRate: 16000, Channels: 1, Model: "nova-2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	u, _ := url.Parse(raw)
	if u.Host != "api.deepgram.com" || u.Path != "/v1/listen" {
		t.Errorf("Expected default listen endpoint, got %s", raw)
	}
	q := u.Query()
	expected := map[string]string{
		"encoding":        "linear16",
		"sample_rate":     "16000",
		"channels":        "1",
		"model":           "nova-2",
		"interim_results": "true",
		"punctuate":       "true",
	}
	for key, want := range expected {
		if got := q.Get(key); got != want {
			t.Errorf("Expected %s=%s, got %q", key, want, got)
		}
	}
	if q.Has("language") {
		t.Error("Expected empty language to be omitted")
	}

	if _, err := StreamURL(Options{URL: "://bad"}); err == nil {
		t.Error("Expected error for malformed URL")
	}
}

func TestSocketClient_StreamsAudioAndDeliversResults(t *testing.T) {
	fake := &fakeListen{t: t}
	server := httptest.NewServer(fake)
	defer server.Close()

	client := NewSocketClient(testOptions(server.URL))
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer client.Close()

	if !client.IsActive() {
		t.Fatal("Expected client to be active after Start")
	}
	if err := client.SendAudio([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("SendAudio failed: %v", err)
	}

	select {
	case msg := <-client.Messages():
		if string(msg) != resultsFrame {
			t.Errorf("Unexpected message: %s", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Expected a results frame")
	}

	if err := client.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	var rest []string
	for msg := range client.Messages() {
		rest = append(rest, string(msg))
	}
	if len(rest) != 1 || !strings.Contains(rest[0], "Metadata") {
		t.Errorf("Expected trailing metadata before close, got %v", rest)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.lastQuery.Get("sample_rate") != "16000" || fake.lastQuery.Get("encoding") != "linear16" {
		t.Errorf("Unexpected query: %v", fake.lastQuery)
	}
	if len(fake.texts) == 0 || fake.texts[len(fake.texts)-1] != `{"type":"CloseStream"}` {
		t.Errorf("Expected CloseStream to be sent, got %v", fake.texts)
	}
}

func TestSocketClient_RejectedKey(t *testing.T) {
	server := httptest.NewServer(&fakeListen{t: t})
	defer server.Close()

	opts := testOptions(server.URL)
	opts.APIKey = "wrong"
	client := NewSocketClient(opts)
	defer client.Close()

	err := client.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("Expected 401 error, got %v", err)
	}
}

func TestSocketClient_SendBeforeStart(t *testing.T) {
	client := NewSocketClient(testOptions("http://127.0.0.1:1"))
	defer client.Close()

	err := client.SendAudio([]byte{1})
	if !errors.Is(err, ErrNotActive) {
		t.Errorf("Expected ErrNotActive, got %v", err)
	}
}

func TestSocketClient_ReconnectsAfterDrop(t *testing.T) {
	fake := &fakeListen{t: t, dropFirst: true}
	server := httptest.NewServer(fake)
	defer server.Close()

	client := NewSocketClient(testOptions(server.URL))
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer client.Close()

	if err := client.SendAudio([]byte{1}); err != nil {
		t.Fatalf("SendAudio failed: %v", err)
	}

	waitFor(t, "second connection", func() bool { return fake.connections.Load() == 2 && client.IsActive() })

	if err := client.SendAudio([]byte{2}); err != nil {
		t.Fatalf("SendAudio after reconnect failed: %v", err)
	}
	waitFor(t, "audio on second connection", func() bool { return fake.audioFrames() == 2 })
}

func TestSocketClient_KeepAlive(t *testing.T) {
	fake := &fakeListen{t: t}
	server := httptest.NewServer(fake)
	defer server.Close()

	opts := testOptions(server.URL)
	opts.KeepAlive = 40 * time.Millisecond
	client := NewSocketClient(opts)
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer client.Close()

	waitFor(t, "keep-alive", func() bool {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		for _, text := range fake.texts {
			if text == `{"type":"KeepAlive"}` {
				return true
			}
		}
		return false
	})
}

func TestSocketClient_CloseClosesMessages(t *testing.T) {
	server := httptest.NewServer(&fakeListen{t: t})
	defer server.Close()

	client := NewSocketClient(testOptions(server.URL))
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, ok := <-client.Messages(); ok {
		t.Error("Expected Messages to be closed")
	}
	if client.IsActive() {
		t.Error("Expected client to be inactive after Close")
	}
}
