// Package postprocess cleans up and summarizes a saved transcript with a
// chat completion model.
package postprocess

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"github.com/lexiqai/live-transcriber/internal/config"
	"github.com/lexiqai/live-transcriber/internal/observability"
	"github.com/lexiqai/live-transcriber/internal/resilience"
)

const (
	cleanupSystemPrompt = "You are an expert in cleaning up speech transcriptions. Your task is to improve the readability and clarity of the conversation while maintaining its original meaning. Only provide the cleaned transcription and nothing else."

	cleanupUserPrompt = "Please clean up this transcription by doing the following:\n" +
		"1. Remove filler words, stutters, and false starts.\n" +
		"2. Correct any obvious word errors or misheard words.\n" +
		"3. Remove unnecessary repetitions.\n" +
		"4. Improve sentence structure for clarity, but maintain the conversational tone.\n" +
		"5. Do not add any new information or change the meaning of the conversation.\n\n" +
		"Here's the transcription:\n"

	summarySystemPrompt = "You are a helpful assistant that summarizes transcriptions."
	summaryUserPrompt   = "Please provide a brief summary of this transcription: "
)

// ErrEmptyCompletion is returned when the model answers with no choices.
var ErrEmptyCompletion = errors.New("completion returned no choices")

// Completer runs one system+user chat turn.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// OpenAICompleter calls the chat completions API.
type OpenAICompleter struct {
	client *openai.Client
	model  string
}

// NewOpenAICompleter builds a completer; an empty baseURL uses the public API.
func NewOpenAICompleter(apiKey, model, baseURL string) *OpenAICompleter {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAICompleter{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

func (c *OpenAICompleter) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	return resp.Choices[0].Message.Content, nil
}

// Result names the three files of a processed transcript.
type Result struct {
	Original string
	Cleaned  string
	Summary  string
}

// Processor produces the cleaned transcript and its summary.
type Processor struct {
	completer Completer
	retry     *resilience.RetryConfig
	breaker   *resilience.CircuitBreaker
	logger    zerolog.Logger
}

// NewProcessor wires a completer with retry and a circuit breaker.
func NewProcessor(completer Completer, retry *resilience.RetryConfig, breaker *resilience.CircuitBreaker, logger zerolog.Logger) *Processor {
	if retry == nil {
		retry = resilience.DefaultRetryConfig()
	}
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker("openai", 5, 30*time.Second)
	}
	return &Processor{
		completer: completer,
		retry:     retry,
		breaker:   breaker,
		logger:    logger,
	}
}

// FromConfig returns nil when no OpenAI key is configured.
func FromConfig(cfg *config.Config, logger zerolog.Logger) *Processor {
	if !cfg.PostProcessingEnabled() {
		return nil
	}
	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = cfg.RetryMaxAttempts
	retry.InitialBackoff = time.Duration(cfg.RetryInitialBackoff) * time.Millisecond

	return NewProcessor(
		NewOpenAICompleter(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.OpenAIBaseURL),
		retry,
		resilience.NewCircuitBreaker("openai", cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second),
		logger,
	)
}

// Process reads the transcript at path, cleans it, summarizes the cleaned
// text, and writes both beside the original.
func (p *Processor) Process(ctx context.Context, path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}

	cleaned, err := p.complete(ctx, "cleanup", cleanupSystemPrompt, cleanupUserPrompt+string(data))
	if err != nil {
		return nil, fmt.Errorf("clean up transcript: %w", err)
	}

	summary, err := p.complete(ctx, "summary", summarySystemPrompt, summaryUserPrompt+cleaned)
	if err != nil {
		return nil, fmt.Errorf("summarize transcript: %w", err)
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	cleanedPath, summaryPath := pairedPaths(dir, base)

	if err := os.WriteFile(cleanedPath, []byte(cleaned), 0o644); err != nil {
		return nil, fmt.Errorf("write cleaned transcript: %w", err)
	}
	if err := os.WriteFile(summaryPath, []byte(summary), 0o644); err != nil {
		return nil, fmt.Errorf("write summary: %w", err)
	}

	p.logger.Info().
		Str("original", path).
		Str("cleaned", cleanedPath).
		Str("summary", summaryPath).
		Msg("Transcript post-processing complete")

	return &Result{Original: path, Cleaned: cleanedPath, Summary: summaryPath}, nil
}

func (p *Processor) complete(ctx context.Context, stage, system, user string) (string, error) {
	started := time.Now()
	var out string

	err := resilience.Retry(ctx, func(ctx context.Context) error {
		return p.breaker.Call(func() error {
			text, err := p.completer.Complete(ctx, system, user)
			if err != nil {
				p.logger.Warn().Err(err).Str("stage", stage).Msg("Completion attempt failed")
				return err
			}
			out = text
			return nil
		})
	}, p.retry, resilience.IsRetryableNetworkError)

	observability.ObservePostprocess(stage, started, err == nil)
	observability.UpdateCircuitBreakerState(p.breaker.Name(), int(p.breaker.GetState()))
	return out, err
}

// pairedPaths picks <base>_cleaned.txt and <base>_summary.txt, or the first
// _N suffix for which neither file exists.
func pairedPaths(dir, base string) (string, string) {
	suffix := ""
	for n := 1; ; n++ {
		cleaned := filepath.Join(dir, base+"_cleaned"+suffix+".txt")
		summary := filepath.Join(dir, base+"_summary"+suffix+".txt")
		if !exists(cleaned) && !exists(summary) {
			return cleaned, summary
		}
		suffix = "_" + strconv.Itoa(n)
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
