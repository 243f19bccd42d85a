package sink

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/live-transcriber/internal/transcript"
)

var started = time.Date(2024, 3, 5, 14, 7, 9, 0, time.Local)

func sentence(ts, text string) transcript.Sentence {
	return transcript.Sentence{Timestamp: ts, Text: text, At: started}
}

func TestSafeTitle(t *testing.T) {
	require.Equal(t, "Untitled", SafeTitle("   "))
	require.Equal(t, "Team sync_ Q1", SafeTitle(" Team sync: Q1 "))
	require.Equal(t, "a_b_c.d-e", SafeTitle("a/b\\c.d-e"))
	require.Equal(t, "Réunion", SafeTitle("Réunion"))
}

func TestUniquePath(t *testing.T) {
	dir := t.TempDir()
	require.Equal(t, filepath.Join(dir, "notes.txt"), UniquePath(dir, "notes", ".txt"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes_1.txt"), nil, 0o644))
	require.Equal(t, filepath.Join(dir, "notes_2.txt"), UniquePath(dir, "notes", ".txt"))
}

func TestFileSinkWritesAndFinalizes(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	f, err := NewFileSink(dir, started)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "temp_20240305_140709.txt"), f.TempPath())

	ctx := context.Background()
	require.NoError(t, f.Write(ctx, sentence("14:07:10", "Hello there.")))
	require.NoError(t, f.Write(ctx, sentence("14:07:12", "How are you?")))

	final, err := f.Finalize("Weekly: sync")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "Weekly_ sync.txt"), final)

	data, err := os.ReadFile(final)
	require.NoError(t, err)
	require.Equal(t, "[14:07:10] Hello there.\n[14:07:12] How are you?\n", string(data))
	require.NoFileExists(t, f.TempPath())

	require.Error(t, f.Write(ctx, sentence("14:07:13", "Late.")))
}

func TestFileSinkFinalizeAvoidsExistingNames(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Untitled.txt"), []byte("old"), 0o644))

	f, err := NewFileSink(dir, started)
	require.NoError(t, err)
	require.NoError(t, f.Write(context.Background(), sentence("14:07:10", "Hi.")))

	final, err := f.Finalize("")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "Untitled_1.txt"), final)
}

func TestFileSinkNothingSaved(t *testing.T) {
	f, err := NewFileSink(t.TempDir(), started)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = f.Finalize("Empty")
	require.ErrorIs(t, err, ErrNothingSaved)
}

func TestConsoleSink(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsoleSink(&buf)
	require.NoError(t, c.Write(context.Background(), sentence("09:00:00", "Morning.")))
	require.NoError(t, c.Close())
	require.Equal(t, "[09:00:00] Morning.\n", buf.String())
}

type failingSink struct {
	writes int
	err    error
}

func (f *failingSink) Write(context.Context, transcript.Sentence) error {
	f.writes++
	return f.err
}

func (f *failingSink) Close() error { return f.err }

func TestMultiTriesEverySink(t *testing.T) {
	boom := errors.New("disk full")
	first := &failingSink{err: boom}
	var buf bytes.Buffer
	m := Multi{first, NewConsoleSink(&buf)}

	err := m.Write(context.Background(), sentence("10:00:00", "Still printed."))
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, first.writes)
	require.Equal(t, "[10:00:00] Still printed.\n", buf.String())

	require.ErrorIs(t, m.Close(), boom)
	require.NoError(t, Multi{}.Close())
}

func TestArchiveRoundTrip(t *testing.T) {
	ctx := context.Background()
	archive, err := OpenArchive(ctx, filepath.Join(t.TempDir(), "db", "archive.sqlite"))
	require.NoError(t, err)
	defer archive.Close()
	require.NoError(t, archive.Ping(ctx))

	sess, err := archive.BeginSession(ctx, "s-1", "Standup", started)
	require.NoError(t, err)
	require.Equal(t, "s-1", sess.ID())

	require.NoError(t, sess.Write(ctx, sentence("14:07:10", "First.")))
	require.NoError(t, sess.Write(ctx, sentence("14:07:10", "Second!")))
	require.NoError(t, sess.Close())

	got, err := archive.Sentences(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "First.", got[0].Text)
	require.Equal(t, "Second!", got[1].Text)
	require.Equal(t, "14:07:10", got[1].Timestamp)
	require.True(t, got[0].At.Equal(started))

	require.NoError(t, archive.EndSession(ctx, "s-1", started.Add(time.Minute), "/tmp/Standup.txt"))
	require.Error(t, archive.EndSession(ctx, "missing", started, ""))

	sessions, err := archive.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, "Standup", sessions[0].Title)
	require.Equal(t, "/tmp/Standup.txt", sessions[0].SavedPath)
	require.NotNil(t, sessions[0].EndedAt)

	_, err = archive.BeginSession(ctx, "s-1", "Duplicate", started)
	require.Error(t, err)
}

func TestBroadcasterDeliversLines(t *testing.T) {
	b := NewBroadcaster(zerolog.Nop())
	server := httptest.NewServer(b)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.Eventually(t, func() bool { return b.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.Write(context.Background(), sentence("11:11:11", "Live line.")))

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, msgType)
	require.Equal(t, "[11:11:11] Live line.", string(data))

	require.NoError(t, b.Close())
	require.Equal(t, 0, b.Clients())
	_, _, err = ws.ReadMessage()
	require.Error(t, err)
}

func TestBroadcasterDropsSlowClients(t *testing.T) {
	b := NewBroadcaster(zerolog.Nop())
	server := httptest.NewServer(b)
	defer server.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	defer ws.Close()
	require.Eventually(t, func() bool { return b.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	// the client never reads, so its queue eventually overflows
	big := strings.Repeat("x", 64*1024)
	require.Eventually(t, func() bool {
		_ = b.Write(context.Background(), sentence("12:00:00", big))
		return b.Clients() == 0
	}, 5*time.Second, time.Millisecond)
}
