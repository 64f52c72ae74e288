//go:build !tesseract

package tesseract

import (
	"context"

	"lenscribe/internal/recognition"
)

// Available reports whether Tesseract support was compiled in.
const Available = false

// Recognizer is a placeholder used when the binary is built without the
// tesseract tag.
type Recognizer struct{}

// New always fails; rebuild with -tags=tesseract to enable the backend.
func New(languages []string) (*Recognizer, error) {
	return nil, ErrUnavailable
}

func (r *Recognizer) Recognize(context.Context, recognition.Image) (recognition.Result, error) {
	return recognition.Result{}, ErrUnavailable
}

func (r *Recognizer) Close() error {
	return nil
}
