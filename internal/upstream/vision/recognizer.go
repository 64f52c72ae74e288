// Package vision recognizes text by sending frames to a vision-capable model
// behind an OpenAI-compatible API.
package vision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	"lenscribe/internal/recognition"
)

const extractPrompt = `Extract all text visible in this image. Do not translate or explain.
Reply with a single JSON object and nothing else:
{"lines":[{"text":"<one line of text>","confidence":0.0}]}
confidence is your certainty in [0,1] that the line was read correctly. If there is no text, reply {"lines":[]}.`

// DefaultPlainTextConfidence is assigned to replies that ignore the JSON format.
const DefaultPlainTextConfidence = 0.5

var ErrNoChoices = errors.New("vision completion returned no choices")

type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	HTTPClient  *http.Client
	Temperature float32
}

type Recognizer struct {
	client *openai.Client
	config Config
}

func New(cfg Config) *Recognizer {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		clientConfig.HTTPClient = cfg.HTTPClient
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 500
	}
	return &Recognizer{
		client: openai.NewClientWithConfig(clientConfig),
		config: cfg,
	}
}

func (r *Recognizer) Recognize(ctx context.Context, img recognition.Image) (recognition.Result, error) {
	if len(img.Data) == 0 {
		return recognition.Result{}, recognition.ErrEmptyImage
	}

	req := openai.ChatCompletionRequest{
		Model:       r.config.Model,
		MaxTokens:   r.config.MaxTokens,
		Temperature: r.config.Temperature,
		Messages: []openai.ChatCompletionMessage{{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: extractPrompt},
				{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{
					URL:    dataURL(img),
					Detail: openai.ImageURLDetailAuto,
				}},
			},
		}},
	}

	resp, err := r.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return recognition.Result{}, fmt.Errorf("vision chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return recognition.Result{}, ErrNoChoices
	}
	return parseLines(resp.Choices[0].Message.Content), nil
}

func dataURL(img recognition.Image) string {
	mime := strings.TrimSpace(img.MIME)
	if mime == "" || mime == "application/octet-stream" {
		mime = http.DetectContentType(img.Data)
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}

// parseLines reads the JSON line list. A reply that is not JSON is treated as
// plain text, one region per non-empty line.
func parseLines(content string) recognition.Result {
	content = strings.TrimSpace(content)

	var parsed struct {
		Lines []struct {
			Text       string   `json:"text"`
			Confidence *float64 `json:"confidence"`
		} `json:"lines"`
	}
	if start, end := strings.Index(content, "{"), strings.LastIndex(content, "}"); start >= 0 && end > start {
		if err := json.Unmarshal([]byte(content[start:end+1]), &parsed); err == nil && parsed.Lines != nil {
			out := recognition.Result{Regions: make([]recognition.Region, 0, len(parsed.Lines))}
			texts := make([]string, 0, len(parsed.Lines))
			for _, line := range parsed.Lines {
				text := strings.TrimSpace(line.Text)
				if text == "" {
					continue
				}
				confidence := DefaultPlainTextConfidence
				if line.Confidence != nil {
					confidence = *line.Confidence
				}
				out.Regions = append(out.Regions, recognition.Region{Text: text, Confidence: confidence})
				texts = append(texts, text)
			}
			out.Text = strings.Join(texts, "\n")
			out.Confidence = meanConfidence(out.Regions)
			return out
		}
	}

	out := recognition.Result{}
	texts := make([]string, 0)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out.Regions = append(out.Regions, recognition.Region{Text: line, Confidence: DefaultPlainTextConfidence})
		texts = append(texts, line)
	}
	out.Text = strings.Join(texts, "\n")
	out.Confidence = meanConfidence(out.Regions)
	return out
}

func meanConfidence(regions []recognition.Region) float64 {
	if len(regions) == 0 {
		return 0
	}
	var sum float64
	for _, r := range regions {
		sum += r.Confidence
	}
	return sum / float64(len(regions))
}
