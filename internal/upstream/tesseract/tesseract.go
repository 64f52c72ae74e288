//go:build tesseract

package tesseract

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/otiai10/gosseract/v2"

	"lenscribe/internal/recognition"
)

// Available reports whether Tesseract support was compiled in.
const Available = true

// Recognizer runs a local Tesseract engine. The underlying client is not safe
// for concurrent use, so calls are serialized.
type Recognizer struct {
	mu     sync.Mutex
	client *gosseract.Client
}

func New(languages []string) (*Recognizer, error) {
	client := gosseract.NewClient()
	if len(languages) > 0 {
		if err := client.SetLanguage(languages...); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("tesseract set language: %w", err)
		}
	}
	return &Recognizer{client: client}, nil
}

// Recognize reports one region per text line. ctx is checked before the call
// only; Tesseract itself cannot be interrupted.
func (r *Recognizer) Recognize(ctx context.Context, img recognition.Image) (recognition.Result, error) {
	if len(img.Data) == 0 {
		return recognition.Result{}, recognition.ErrEmptyImage
	}
	if err := ctx.Err(); err != nil {
		return recognition.Result{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.client.SetImageFromBytes(img.Data); err != nil {
		return recognition.Result{}, fmt.Errorf("tesseract set image: %w", err)
	}
	boxes, err := r.client.GetBoundingBoxes(gosseract.RIL_TEXTLINE)
	if err != nil {
		return recognition.Result{}, fmt.Errorf("tesseract bounding boxes: %w", err)
	}

	out := recognition.Result{Regions: make([]recognition.Region, 0, len(boxes))}
	lines := make([]string, 0, len(boxes))
	var sum float64
	for _, box := range boxes {
		text := strings.TrimSpace(box.Word)
		if text == "" {
			continue
		}
		confidence := box.Confidence / 100
		out.Regions = append(out.Regions, recognition.Region{Text: text, Confidence: confidence})
		lines = append(lines, text)
		sum += confidence
	}
	out.Text = strings.Join(lines, "\n")
	if len(out.Regions) > 0 {
		out.Confidence = sum / float64(len(out.Regions))
	}
	return out, nil
}

func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.client.Close()
}
