package pipeline

import (
	"context"
	"time"

	"lenscribe/internal/breaker"
	"lenscribe/internal/correction"
	"lenscribe/internal/recognition"
)

// Service handles one-off requests: recognize a single image and correct the
// result. The single observation is treated as already stable.
type Service struct {
	recognizer Recognizer
	corrector  Corrector
	breaker    *breaker.Breaker
	cache      *correction.Cache
	minBox     float64
	minAvg     float64
}

func NewService(recognizer Recognizer, corrector Corrector, cfg Config, cache *correction.Cache) *Service {
	cfg = normalizeConfig(cfg)
	return &Service{
		recognizer: recognizer,
		corrector:  corrector,
		breaker:    breaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown),
		cache:      cache,
		minBox:     cfg.MinBoxConfidence,
		minAvg:     cfg.MinAvgConfidence,
	}
}

// Process returns an error only when recognition itself fails. Correction
// problems degrade to the recognized text.
func (s *Service) Process(ctx context.Context, img recognition.Image) (DisplayResult, error) {
	ocrStarted := time.Now()
	rec, err := s.recognizer.Recognize(ctx, img)
	ocrElapsed := time.Since(ocrStarted)
	if err != nil {
		return DisplayResult{}, err
	}

	result := DisplayResult{
		OCRTimeMS:         ocrElapsed.Milliseconds(),
		OCROK:             true,
		CorrectionEnabled: true,
		UpdatedAt:         time.Now(),
	}

	filtered, ok := recognition.Filter(rec, s.minBox, s.minAvg)
	result.Confidence = filtered.Confidence
	if !ok {
		result.ErrorKind = KindLowConfidence
		result.Status = StatusNoText
		return result, nil
	}
	result.RawText = filtered.Text
	result.StableText = filtered.Text

	if s.breaker.IsOpen() {
		result.CorrectedText = filtered.Text
		result.CorrectionEnabled = false
		result.Status = StatusCorrectionBypassed
		return result, nil
	}
	if cached, ok := s.cache.Get(filtered.Text); ok {
		result.CorrectedText = cached.Text
		result.LLMTimeMS = cached.Elapsed.Milliseconds()
		result.LLMOK = true
		result.Status = StatusCorrectedCached
		return result, nil
	}

	llmStarted := time.Now()
	corrected, err := s.corrector.Correct(ctx, filtered.Text)
	llmElapsed := time.Since(llmStarted)
	result.LLMTimeMS = llmElapsed.Milliseconds()
	if err != nil {
		s.breaker.RecordFailure()
		result.CorrectedText = filtered.Text
		result.ErrorKind = KindCorrectionFailure
		result.ErrorMsg = err.Error()
		result.Status = StatusCorrectionFailed
		result.CorrectionEnabled = !s.breaker.IsOpen()
		return result, nil
	}

	s.breaker.RecordSuccess()
	corrected.Elapsed = llmElapsed
	s.cache.Put(filtered.Text, corrected)
	result.CorrectedText = corrected.Text
	result.LLMOK = true
	result.Status = StatusCorrected
	return result, nil
}
