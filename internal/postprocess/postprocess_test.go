package postprocess

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/live-transcriber/internal/resilience"
)

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func fastRetry() *resilience.RetryConfig {
	return &resilience.RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2,
	}
}

func writeTranscript(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "Standup.txt")
	require.NoError(t, os.WriteFile(path, []byte("[10:00:00] Um so we we shipped it.\n"), 0o644))
	return path
}

func TestProcessAgainstChatAPI(t *testing.T) {
	var mu sync.Mutex
	var requests []chatRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		mu.Lock()
		requests = append(requests, req)
		n := len(requests)
		mu.Unlock()

		content := "We shipped it."
		if n == 2 {
			content = "The team shipped."
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  req.Model,
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
		})
	}))
	defer server.Close()

	dir := t.TempDir()
	path := writeTranscript(t, dir)

	p := NewProcessor(NewOpenAICompleter("sk-test", "gpt-4o-mini", server.URL+"/v1"), fastRetry(), nil, zerolog.Nop())
	res, err := p.Process(context.Background(), path)
	require.NoError(t, err)

	require.Equal(t, path, res.Original)
	require.Equal(t, filepath.Join(dir, "Standup_cleaned.txt"), res.Cleaned)
	require.Equal(t, filepath.Join(dir, "Standup_summary.txt"), res.Summary)

	cleaned, err := os.ReadFile(res.Cleaned)
	require.NoError(t, err)
	require.Equal(t, "We shipped it.", string(cleaned))
	summary, err := os.ReadFile(res.Summary)
	require.NoError(t, err)
	require.Equal(t, "The team shipped.", string(summary))

	require.Len(t, requests, 2)
	require.Equal(t, "gpt-4o-mini", requests[0].Model)
	require.Len(t, requests[0].Messages, 2)
	require.Equal(t, "system", requests[0].Messages[0].Role)
	require.Equal(t, cleanupSystemPrompt, requests[0].Messages[0].Content)
	require.True(t, strings.HasSuffix(requests[0].Messages[1].Content, "Here's the transcription:\n[10:00:00] Um so we we shipped it.\n"))
	require.Equal(t, summaryUserPrompt+"We shipped it.", requests[1].Messages[1].Content)
}

type scriptedCompleter struct {
	calls int
	errs  []error
}

func (s *scriptedCompleter) Complete(_ context.Context, system, _ string) (string, error) {
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return "out:" + system[:3], nil
}

func TestProcessRetriesTransientFailures(t *testing.T) {
	dir := t.TempDir()
	path := writeTranscript(t, dir)

	c := &scriptedCompleter{errs: []error{errors.New("error, status code: 503, message: overloaded")}}
	p := NewProcessor(c, fastRetry(), nil, zerolog.Nop())

	_, err := p.Process(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, 3, c.calls)
}

func TestProcessStopsOnPermanentFailure(t *testing.T) {
	dir := t.TempDir()
	path := writeTranscript(t, dir)

	c := &scriptedCompleter{errs: []error{errors.New("error, status code: 401, message: bad key")}}
	p := NewProcessor(c, fastRetry(), nil, zerolog.Nop())

	_, err := p.Process(context.Background(), path)
	require.Error(t, err)
	require.Equal(t, 1, c.calls)
	require.NoFileExists(t, filepath.Join(dir, "Standup_cleaned.txt"))
}

func TestProcessMissingTranscript(t *testing.T) {
	p := NewProcessor(&scriptedCompleter{}, fastRetry(), nil, zerolog.Nop())
	_, err := p.Process(context.Background(), filepath.Join(t.TempDir(), "nope.txt"))
	require.Error(t, err)
}

func TestPairedPathsShareSuffix(t *testing.T) {
	dir := t.TempDir()
	c, s := pairedPaths(dir, "notes")
	require.Equal(t, filepath.Join(dir, "notes_cleaned.txt"), c)
	require.Equal(t, filepath.Join(dir, "notes_summary.txt"), s)

	// only the summary exists, both still move
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes_summary.txt"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes_cleaned_1.txt"), nil, 0o644))

	c, s = pairedPaths(dir, "notes")
	require.Equal(t, filepath.Join(dir, "notes_cleaned_2.txt"), c)
	require.Equal(t, filepath.Join(dir, "notes_summary_2.txt"), s)
}
