package pipeline

import (
	"context"
	"time"

	"lenscribe/internal/correction"
	"lenscribe/internal/recognition"
)

type ErrorKind string

const (
	KindNone               ErrorKind = ""
	KindRecognitionTimeout ErrorKind = "recognition_timeout"
	KindRecognitionFailure ErrorKind = "recognition_failure"
	KindCorrectionTimeout  ErrorKind = "correction_timeout"
	KindCorrectionFailure  ErrorKind = "correction_failure"
	KindLowConfidence      ErrorKind = "low_confidence"
	KindInternal           ErrorKind = "internal"
)

// Status strings shown next to degraded output.
const (
	StatusCorrected          = "corrected"
	StatusCorrectedCached    = "corrected (cached)"
	StatusCorrectionFailed   = "correction failed, showing raw text"
	StatusCorrectionBypassed = "correction bypassed (circuit open)"
	StatusThrottled          = "correction throttled"
	StatusStabilizing        = "stabilizing"
	StatusNoText             = "no text"
	StatusRecognitionError   = "recognition error"
	StatusRecognitionFailing = "recognition failing"
	StatusInternalError      = "internal error"
)

// DisplayResult is everything the producer needs to render one update. It is
// built whole by one iteration and published with a single slot write.
type DisplayResult struct {
	RawText           string    `json:"raw_text"`
	StableText        string    `json:"stable_text"`
	CorrectedText     string    `json:"corrected_text"`
	Confidence        float64   `json:"confidence"`
	OCRTimeMS         int64     `json:"ocr_time_ms"`
	LLMTimeMS         int64     `json:"llm_time_ms"`
	OCROK             bool      `json:"ocr_ok"`
	LLMOK             bool      `json:"llm_ok"`
	ErrorMsg          string    `json:"error_msg,omitempty"`
	ErrorKind         ErrorKind `json:"error_kind,omitempty"`
	Status            string    `json:"status,omitempty"`
	CorrectionEnabled bool      `json:"correction_enabled"`
	Iteration         uint64    `json:"iteration"`
	FrameSeq          uint64    `json:"frame_seq"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type Recognizer interface {
	Recognize(ctx context.Context, img recognition.Image) (recognition.Result, error)
}

type Corrector interface {
	Correct(ctx context.Context, text string) (correction.Result, error)
}

// Observer receives per-iteration measurements. observability.Metrics
// implements it.
type Observer interface {
	ObserveIteration(outcome string)
	ObserveRecognition(ok bool, duration time.Duration)
	ObserveCorrection(outcome string, duration time.Duration)
	SetBreakerOpen(open bool)
	IncStaleCompletion(call string)
	IncFramesSubmitted()
}

type noopObserver struct{}

func (noopObserver) ObserveIteration(string) {}
func (noopObserver) ObserveRecognition(bool, time.Duration) {}
func (noopObserver) ObserveCorrection(string, time.Duration) {}
func (noopObserver) SetBreakerOpen(bool) {}
func (noopObserver) IncStaleCompletion(string) {}
func (noopObserver) IncFramesSubmitted() {}
