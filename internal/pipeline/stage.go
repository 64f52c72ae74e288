package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"lenscribe/internal/breaker"
	"lenscribe/internal/correction"
	"lenscribe/internal/deadline"
	"lenscribe/internal/debounce"
	"lenscribe/internal/recognition"
	"lenscribe/internal/slot"
)

// recognitionFailureStatusAfter is the number of consecutive recognition
// failures after which the status reports a persistent problem.
const recognitionFailureStatusAfter = 3

// stage is the single background loop. Everything it owns (voter, counters,
// last correction) is touched only from its goroutine.
type stage struct {
	cfg        Config
	frames     *slot.FrameSlot
	results    *slot.Slot[DisplayResult]
	recognizer Recognizer
	corrector  Corrector
	voter      *debounce.Voter
	breaker    *breaker.Breaker
	exec       *deadline.Executor
	cache      *correction.Cache
	limiter    *rate.Limiter
	logger     *slog.Logger
	observer   Observer
	now        func() time.Time

	iteration           uint64
	recognitionFailures int
	lastInput           string
	lastCorrected       string
	lastLLMTime         time.Duration
}

func newStage(e *Engine) *stage {
	return &stage{
		cfg:        e.cfg,
		frames:     e.frames,
		results:    e.results,
		recognizer: e.recognizer,
		corrector:  e.corrector,
		voter:      debounce.NewVoter(e.cfg.DebounceWindow, e.cfg.DebounceMinVotes),
		breaker:    e.breaker,
		exec:       e.exec,
		cache:      e.cache,
		limiter:    e.limiter,
		logger:     e.logger,
		observer:   e.observer,
		now:        e.now,
	}
}

func (s *stage) run(ctx context.Context) {
	idle := time.NewTimer(s.cfg.IdleInterval)
	defer idle.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		if s.step(ctx) {
			continue
		}

		idle.Reset(s.cfg.IdleInterval)
		select {
		case <-ctx.Done():
			return
		case <-idle.C:
		}
	}
}

// step runs one iteration if a frame is due and reports whether it did.
func (s *stage) step(ctx context.Context) (ran bool) {
	frame, ok := s.frames.TryTakeIfDue(s.cfg.SampleSkipN)
	if !ok {
		return false
	}
	ran = true

	s.iteration++
	s.exec.Begin(s.iteration)
	prev := s.results.Read()

	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("pipeline iteration panicked", "iteration", s.iteration, "frame_seq", frame.Seq, "panic", rec)
			out := s.carry(prev, frame)
			out.ErrorKind = KindInternal
			out.ErrorMsg = fmt.Sprintf("internal error: %v", rec)
			out.Status = StatusInternalError
			s.publish(out, "internal")
		}
	}()

	s.iterate(ctx, frame, prev)
	return true
}

func (s *stage) iterate(ctx context.Context, frame slot.Frame, prev DisplayResult) {
	img := recognition.Image{Data: frame.Data, MIME: frame.MIME}

	ocrStarted := time.Now()
	rec, err := deadline.Run(ctx, s.exec, deadline.Call{
		Name:     "recognition",
		Seq:      s.iteration,
		Deadline: s.cfg.RecognitionDeadline,
	}, func(callCtx context.Context) (recognition.Result, error) {
		return s.recognizer.Recognize(callCtx, img)
	})
	ocrElapsed := time.Since(ocrStarted)
	if ctx.Err() != nil {
		return
	}
	s.observer.ObserveRecognition(err == nil, ocrElapsed)

	if err != nil {
		s.recognitionFailures++
		kind := KindRecognitionFailure
		if errors.Is(err, deadline.ErrTimeout) {
			kind = KindRecognitionTimeout
		}
		s.logger.Warn("recognition failed",
			"iteration", s.iteration,
			"frame_seq", frame.Seq,
			"consecutive_failures", s.recognitionFailures,
			"duration_ms", ocrElapsed.Milliseconds(),
			"error", err,
		)

		out := s.carry(prev, frame)
		out.OCRTimeMS = ocrElapsed.Milliseconds()
		out.OCROK = false
		out.LLMTimeMS = 0
		out.LLMOK = false
		out.ErrorKind = kind
		out.ErrorMsg = err.Error()
		out.Status = StatusRecognitionError
		if s.recognitionFailures >= recognitionFailureStatusAfter {
			out.Status = StatusRecognitionFailing
		}
		s.publish(out, string(kind))
		return
	}
	s.recognitionFailures = 0

	filtered, ok := recognition.Filter(rec, s.cfg.MinBoxConfidence, s.cfg.MinAvgConfidence)
	if !ok {
		s.publish(DisplayResult{
			Confidence:        filtered.Confidence,
			OCRTimeMS:         ocrElapsed.Milliseconds(),
			OCROK:             true,
			ErrorKind:         KindLowConfidence,
			Status:            StatusNoText,
			CorrectionEnabled: !s.breaker.IsOpen(),
			Iteration:         s.iteration,
			FrameSeq:          frame.Seq,
		}, string(KindLowConfidence))
		return
	}

	stable, stableText := s.voter.Add(filtered.Text)
	if !stable {
		out := s.carry(prev, frame)
		out.OCRTimeMS = ocrElapsed.Milliseconds()
		out.OCROK = true
		out.LLMTimeMS = 0
		out.ErrorKind = KindNone
		out.ErrorMsg = ""
		out.Status = StatusStabilizing
		s.publish(out, "stabilizing")
		return
	}

	out := DisplayResult{
		RawText:           filtered.Text,
		StableText:        stableText,
		Confidence:        filtered.Confidence,
		OCRTimeMS:         ocrElapsed.Milliseconds(),
		OCROK:             true,
		CorrectionEnabled: true,
		Iteration:         s.iteration,
		FrameSeq:          frame.Seq,
	}

	if s.breaker.IsOpen() {
		out.CorrectedText = stableText
		out.CorrectionEnabled = false
		out.Status = StatusCorrectionBypassed
		s.observer.ObserveCorrection("bypassed", 0)
		s.publish(out, "bypassed")
		return
	}

	if cached, ok := s.cache.Get(stableText); ok {
		out.CorrectedText = cached.Text
		out.LLMTimeMS = cached.Elapsed.Milliseconds()
		out.LLMOK = true
		out.Status = StatusCorrectedCached
		s.observer.ObserveCorrection("cached", 0)
		s.publish(out, "cached")
		return
	}
	if s.lastInput != "" && stableText == s.lastInput {
		out.CorrectedText = s.lastCorrected
		out.LLMTimeMS = s.lastLLMTime.Milliseconds()
		out.LLMOK = true
		out.Status = StatusCorrected
		s.publish(out, "reused")
		return
	}

	if s.limiter != nil && !s.limiter.Allow() {
		out.CorrectedText = stableText
		out.Status = StatusThrottled
		s.observer.ObserveCorrection("throttled", 0)
		s.publish(out, "throttled")
		return
	}

	llmStarted := time.Now()
	corrected, err := deadline.Run(ctx, s.exec, deadline.Call{
		Name:     "correction",
		Seq:      s.iteration,
		Deadline: s.cfg.CorrectionDeadline,
	}, func(callCtx context.Context) (correction.Result, error) {
		return s.corrector.Correct(callCtx, stableText)
	})
	llmElapsed := time.Since(llmStarted)
	if ctx.Err() != nil {
		return
	}
	out.LLMTimeMS = llmElapsed.Milliseconds()

	if err != nil {
		s.breaker.RecordFailure()
		kind := KindCorrectionFailure
		if errors.Is(err, deadline.ErrTimeout) {
			kind = KindCorrectionTimeout
		}
		s.logger.Warn("correction failed, showing raw text",
			"iteration", s.iteration,
			"frame_seq", frame.Seq,
			"breaker_failures", s.breaker.Failures(),
			"duration_ms", llmElapsed.Milliseconds(),
			"error", err,
		)
		s.observer.ObserveCorrection(string(kind), llmElapsed)

		out.CorrectedText = stableText
		out.ErrorKind = kind
		out.ErrorMsg = err.Error()
		out.Status = StatusCorrectionFailed
		out.CorrectionEnabled = !s.breaker.IsOpen()
		s.publish(out, string(kind))
		return
	}

	s.breaker.RecordSuccess()
	corrected.Elapsed = llmElapsed
	s.cache.Put(stableText, corrected)
	s.lastInput = stableText
	s.lastCorrected = corrected.Text
	s.lastLLMTime = llmElapsed
	s.observer.ObserveCorrection("ok", llmElapsed)

	out.CorrectedText = corrected.Text
	out.LLMOK = true
	out.Status = StatusCorrected
	s.publish(out, "corrected")
}

// carry starts a result from the previous one so that the displayed text
// never regresses to blank on a transient failure.
func (s *stage) carry(prev DisplayResult, frame slot.Frame) DisplayResult {
	out := prev
	out.Iteration = s.iteration
	out.FrameSeq = frame.Seq
	out.CorrectionEnabled = !s.breaker.IsOpen()
	return out
}

func (s *stage) publish(out DisplayResult, outcome string) {
	out.UpdatedAt = s.now()
	s.results.Write(out)
	s.observer.ObserveIteration(outcome)
	s.logger.Debug("pipeline iteration",
		"iteration", out.Iteration,
		"frame_seq", out.FrameSeq,
		"outcome", outcome,
		"raw", out.RawText,
		"corrected", out.CorrectedText,
		"ocr_ms", out.OCRTimeMS,
		"llm_ms", out.LLMTimeMS,
	)
}
