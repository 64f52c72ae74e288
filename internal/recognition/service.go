package recognition

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrEmptyImage = errors.New("image is empty")

type Image struct {
	Data []byte
	MIME string
}

// Region is one detected text box with its engine-reported confidence in [0,1].
type Region struct {
	Text       string
	Confidence float64
}

type Result struct {
	Text       string
	Regions    []Region
	Confidence float64
	Elapsed    time.Duration
	Success    bool
	Err        string
}

// Client is a text recognition backend.
type Client interface {
	Recognize(ctx context.Context, img Image) (Result, error)
}

type Service struct {
	client  Client
	timeout time.Duration
}

func New(client Client, timeout time.Duration) *Service {
	return &Service{
		client:  client,
		timeout: timeout,
	}
}

// Recognize runs the backend under the service timeout. Backend failures are
// returned as errors and also described in the result.
func (s *Service) Recognize(ctx context.Context, img Image) (Result, error) {
	if len(img.Data) == 0 {
		return Result{Err: ErrEmptyImage.Error()}, ErrEmptyImage
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	started := time.Now()
	res, err := s.client.Recognize(ctx, img)
	elapsed := time.Since(started)
	if err != nil {
		return Result{Elapsed: elapsed, Err: err.Error()}, err
	}

	res.Text = strings.TrimSpace(res.Text)
	if res.Elapsed == 0 {
		res.Elapsed = elapsed
	}
	res.Success = true
	res.Err = ""
	return res, nil
}

// Filter drops regions below minBox and reports whether what remains meets
// minAvg. When regions were dropped the text is rebuilt from the survivors;
// otherwise the backend's own text (and its line structure) is kept.
// A result without regions is judged on its aggregate confidence alone.
func Filter(r Result, minBox, minAvg float64) (Result, bool) {
	if len(r.Regions) == 0 {
		r.Text = strings.TrimSpace(r.Text)
		return r, r.Text != "" && r.Confidence >= minAvg
	}

	kept := make([]Region, 0, len(r.Regions))
	var sum float64
	for _, region := range r.Regions {
		if region.Confidence < minBox || strings.TrimSpace(region.Text) == "" {
			continue
		}
		kept = append(kept, region)
		sum += region.Confidence
	}

	if len(kept) != len(r.Regions) {
		texts := make([]string, 0, len(kept))
		for _, region := range kept {
			texts = append(texts, strings.TrimSpace(region.Text))
		}
		r.Text = strings.Join(texts, " ")
	}
	r.Text = strings.TrimSpace(r.Text)
	r.Regions = kept

	if len(kept) == 0 {
		r.Confidence = 0
		return r, false
	}
	r.Confidence = sum / float64(len(kept))
	return r, r.Text != "" && r.Confidence >= minAvg
}
