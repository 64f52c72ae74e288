package correction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"lenscribe/internal/upstream/openai"
)

const DefaultSystemPrompt = `You are a proofreader. Output ONLY a single JSON object. No reasoning, no preamble, no explanation. The first character of your reply MUST be { and the last must be }.

Rules: Fix only spelling, punctuation, case, spaces and French contractions. Do not change meaning or rephrase. Do not translate.

Format (output nothing else):
{"original":"<exact input>","corrected":"<corrected text>","changes":[{"from":"...","to":"..."}],"confidence":0.0,"language_hint":"en|fr|zh|mixed"}
If no change: corrected equals original, changes is [].

Example. Input: "helo world". Output: {"original":"helo world","corrected":"hello world","changes":[{"from":"helo","to":"hello"}],"confidence":0.9,"language_hint":"en"}`

const userPromptTemplate = `Correct the text below (spelling/punctuation/case/spaces only). Output ONLY the JSON object, no other words:

%s`

const (
	DefaultMaxInputChars = 800
	DefaultRetries       = 2
	DefaultRetryBackoff  = 300 * time.Millisecond
)

var ErrNoValidReply = errors.New("no valid JSON object in reply")

type ChatClient interface {
	ChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type Change struct {
	From string
	To   string
}

type Result struct {
	Text string
	// Original is set only when the input had to be truncated before sending.
	Original     string
	Changes      []Change
	Confidence   float64
	LanguageHint string
	Usage        *TokenUsage
	Elapsed      time.Duration
	Success      bool
	Err          string
	Cached       bool
}

type Options struct {
	Model         string
	Temperature   float64
	MaxTokens     int
	MaxInputChars int
	// Retries is the number of extra attempts after the first one.
	Retries      int
	RetryBackoff time.Duration
	Timeout      time.Duration
	SystemPrompt string
}

// Service performs strict correction: spelling, punctuation, case and
// whitespace only. On any failure it degrades to the input text.
type Service struct {
	client ChatClient
	opts   Options
}

func New(client ChatClient, opts Options) *Service {
	opts.Model = strings.TrimSpace(opts.Model)
	if opts.MaxInputChars == 0 {
		opts.MaxInputChars = DefaultMaxInputChars
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}
	if strings.TrimSpace(opts.SystemPrompt) == "" {
		opts.SystemPrompt = DefaultSystemPrompt
	}
	return &Service{client: client, opts: opts}
}

// Correct returns the corrected text. When every attempt fails the result
// carries the trimmed input as Text together with the last error.
func (s *Service) Correct(ctx context.Context, raw string) (Result, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return Result{Text: raw, Success: true}, nil
	}

	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	truncated := truncateInput(text, s.opts.MaxInputChars)
	req := openai.CorrectionPrompt{
		Model:        s.opts.Model,
		Temperature:  s.opts.Temperature,
		MaxTokens:    s.opts.MaxTokens,
		Instructions: s.opts.SystemPrompt,
		Text:         fmt.Sprintf(userPromptTemplate, truncated),
	}.Request()

	started := time.Now()
	var lastErr error
	attempts := s.opts.Retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		resp, err := s.client.ChatCompletion(ctx, req)
		if err == nil {
			r, ok := parseReply(resp.Content)
			if ok {
				result := r.toResult(text)
				if truncated != text {
					result.Original = text
				}
				if resp.Usage != nil {
					result.Usage = &TokenUsage{
						PromptTokens:     resp.Usage.PromptTokens,
						CompletionTokens: resp.Usage.CompletionTokens,
						TotalTokens:      resp.Usage.TotalTokens,
					}
				}
				result.Elapsed = time.Since(started)
				result.Success = true
				return result, nil
			}
			err = ErrNoValidReply
			if resp.FinishReason == openai.FinishReasonLength {
				err = fmt.Errorf("%w: reply cut off at max_tokens", ErrNoValidReply)
			}
		}
		lastErr = err

		if attempt+1 < attempts {
			if sleepErr := sleepContext(ctx, s.opts.RetryBackoff*time.Duration(attempt+1)); sleepErr != nil {
				lastErr = errors.Join(lastErr, sleepErr)
				break
			}
		}
	}

	return Result{
		Text:    text,
		Elapsed: time.Since(started),
		Err:     lastErr.Error(),
	}, fmt.Errorf("correction failed: %w", lastErr)
}

func truncateInput(text string, maxChars int) string {
	if maxChars <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	return strings.TrimRight(string(runes[:maxChars]), " \t\r\n") + "..."
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
