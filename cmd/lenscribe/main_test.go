package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"lenscribe/internal/config"
	"lenscribe/internal/pipeline"
)

func TestRenderDisplayShowsCorrectionAndRaw(t *testing.T) {
	out := renderDisplay(pipeline.DisplayResult{
		RawText:           "Hello Wrold",
		StableText:        "Hello Wrold",
		CorrectedText:     "Hello World",
		Status:            pipeline.StatusCorrected,
		CorrectionEnabled: true,
		Iteration:         7,
		OCRTimeMS:         30,
		LLMTimeMS:         40,
	}, 60)

	for _, want := range []string{"Hello World", "raw: Hello Wrold", "#7", "ocr 30ms", "llm 40ms", "correction on"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestRenderDisplayShowsErrors(t *testing.T) {
	out := renderDisplay(pipeline.DisplayResult{
		StableText: "Hello",
		Status:     pipeline.StatusCorrectionFailed,
		ErrorKind:  pipeline.KindCorrectionTimeout,
		ErrorMsg:   "deadline exceeded",
	}, 10)

	if !strings.Contains(out, "Hello") {
		t.Fatalf("stable text should be shown when there is no correction:\n%s", out)
	}
	if !strings.Contains(out, string(pipeline.KindCorrectionTimeout)) || !strings.Contains(out, "deadline exceeded") {
		t.Fatalf("expected error details:\n%s", out)
	}
}

func TestPipelineConfigMapsEveryKnob(t *testing.T) {
	cfg := config.Config{
		SampleSkipN:         4,
		RecognitionDeadline: time.Second,
		CorrectionDeadline:  2 * time.Second,
		MinBoxConfidence:    0.5,
		MinAvgConfidence:    0.6,
		DebounceWindow:      5,
		DebounceMinVotes:    3,
		BreakerThreshold:    6,
		BreakerCooldown:     time.Minute,
		IdleInterval:        time.Millisecond,
	}
	want := pipeline.Config{
		SampleSkipN:         4,
		RecognitionDeadline: time.Second,
		CorrectionDeadline:  2 * time.Second,
		MinBoxConfidence:    0.5,
		MinAvgConfidence:    0.6,
		DebounceWindow:      5,
		DebounceMinVotes:    3,
		BreakerThreshold:    6,
		BreakerCooldown:     time.Minute,
		IdleInterval:        time.Millisecond,
	}
	if got := pipelineConfig(cfg); got != want {
		t.Fatalf("unexpected pipeline config: got %+v want %+v", got, want)
	}
}

type stepSource struct {
	mu      sync.Mutex
	version uint64
	result  pipeline.DisplayResult
}

func (s *stepSource) LatestVersioned() (pipeline.DisplayResult, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.version
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRenderLoopPrintsEachVersionOnce(t *testing.T) {
	src := &stepSource{version: 1, result: pipeline.DisplayResult{CorrectedText: "first", Iteration: 1}}
	out := &lockedBuffer{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- renderLoop(ctx, out, src, 2*time.Millisecond, 40) }()

	time.Sleep(30 * time.Millisecond)
	src.mu.Lock()
	src.version = 2
	src.result = pipeline.DisplayResult{CorrectedText: "second", Iteration: 2}
	src.mu.Unlock()
	time.Sleep(30 * time.Millisecond)
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("renderLoop() error = %v", err)
	}
	got := out.String()
	if strings.Count(got, "first") != 1 || strings.Count(got, "second") != 1 {
		t.Fatalf("expected each version rendered once:\n%s", got)
	}
}
