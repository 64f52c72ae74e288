package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"lenscribe/internal/breaker"
	"lenscribe/internal/correction"
	"lenscribe/internal/deadline"
	"lenscribe/internal/debounce"
	"lenscribe/internal/slot"
)

var ErrAlreadyRunning = errors.New("pipeline is already running")

// Config holds the tuning knobs of the background stage.
type Config struct {
	// SampleSkipN is how many producer writes must accumulate between samples.
	SampleSkipN         int
	RecognitionDeadline time.Duration
	CorrectionDeadline  time.Duration
	MinBoxConfidence    float64
	MinAvgConfidence    float64
	DebounceWindow      int
	DebounceMinVotes    int
	BreakerThreshold    int
	BreakerCooldown     time.Duration
	// IdleInterval is how long the stage sleeps when no frame is due.
	IdleInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		SampleSkipN:         2,
		RecognitionDeadline: 15 * time.Second,
		CorrectionDeadline:  20 * time.Second,
		MinBoxConfidence:    0.40,
		MinAvgConfidence:    0.35,
		DebounceWindow:      debounce.DefaultWindow,
		DebounceMinVotes:    debounce.DefaultMinVotes,
		BreakerThreshold:    breaker.DefaultThreshold,
		BreakerCooldown:     breaker.DefaultCooldown,
		IdleInterval:        10 * time.Millisecond,
	}
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithObserver(observer Observer) Option {
	return func(e *Engine) {
		if observer != nil {
			e.observer = observer
		}
	}
}

// WithCache enables reuse of earlier corrections for identical stable text.
func WithCache(cache *correction.Cache) Option {
	return func(e *Engine) {
		e.cache = cache
	}
}

// WithLimiter bounds how often the correction capability is actually called.
func WithLimiter(limiter *rate.Limiter) Option {
	return func(e *Engine) {
		e.limiter = limiter
	}
}

// WithClock replaces time.Now for the circuit breaker.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine owns the frame slot, the result slot and the background stage. The
// producer side (SubmitFrame, LatestDisplayResult) never blocks on the stage.
type Engine struct {
	cfg        Config
	recognizer Recognizer
	corrector  Corrector
	frames     *slot.FrameSlot
	results    *slot.Slot[DisplayResult]
	breaker    *breaker.Breaker
	exec       *deadline.Executor
	cache      *correction.Cache
	limiter    *rate.Limiter
	logger     *slog.Logger
	observer   Observer
	now        func() time.Time
	running    atomic.Bool
	stage      *stage
}

func New(recognizer Recognizer, corrector Corrector, cfg Config, opts ...Option) *Engine {
	if recognizer == nil || corrector == nil {
		panic("pipeline: recognizer and corrector are required")
	}
	cfg = normalizeConfig(cfg)

	e := &Engine{
		cfg:        cfg,
		recognizer: recognizer,
		corrector:  corrector,
		frames:     slot.NewFrameSlot(),
		results:    slot.New(DisplayResult{CorrectionEnabled: true}, nil),
		logger:     slog.Default(),
		observer:   noopObserver{},
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}

	e.breaker = breaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown,
		breaker.WithClock(e.now),
		breaker.WithStateChange(func(from, to breaker.State) {
			e.observer.SetBreakerOpen(to == breaker.Open)
			e.logger.Warn("correction circuit changed state", "from", from.String(), "to", to.String())
		}),
	)
	e.exec = deadline.NewExecutor(deadline.WithStaleHook(func(call string, seq uint64) {
		e.observer.IncStaleCompletion(call)
		e.logger.Debug("stale completion discarded", "call", call, "iteration", seq)
	}))
	e.stage = newStage(e)
	return e
}

func normalizeConfig(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.SampleSkipN < 1 {
		cfg.SampleSkipN = 1
	}
	if cfg.DebounceWindow < 1 {
		cfg.DebounceWindow = defaults.DebounceWindow
	}
	if cfg.DebounceMinVotes < 1 {
		cfg.DebounceMinVotes = defaults.DebounceMinVotes
	}
	if cfg.BreakerThreshold < 1 {
		cfg.BreakerThreshold = defaults.BreakerThreshold
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = defaults.BreakerCooldown
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = defaults.IdleInterval
	}
	return cfg
}

// SubmitFrame hands the latest captured image to the pipeline. It overwrites
// any frame the stage has not sampled yet and returns immediately.
func (e *Engine) SubmitFrame(data []byte, mime string) {
	e.frames.Write(slot.Frame{Data: data, MIME: mime})
	e.observer.IncFramesSubmitted()
}

// LatestDisplayResult returns the most recent published result. It never
// waits on recognition or correction.
func (e *Engine) LatestDisplayResult() DisplayResult {
	return e.results.Read()
}

// LatestVersioned returns the latest result and how many results have been
// published so far.
func (e *Engine) LatestVersioned() (DisplayResult, uint64) {
	return e.results.ReadVersioned()
}

func (e *Engine) FrameStats() slot.FrameStats {
	return e.frames.Stats()
}

func (e *Engine) BreakerState() breaker.State {
	return e.breaker.State()
}

// InFlight reports external calls still running, including abandoned ones.
func (e *Engine) InFlight() int64 {
	return e.exec.InFlight()
}

// Run drives the stage until ctx is cancelled. Only one Run may be active.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer e.running.Store(false)

	e.logger.Info("pipeline started",
		"sample_skip_n", e.cfg.SampleSkipN,
		"recognition_deadline", e.cfg.RecognitionDeadline.String(),
		"correction_deadline", e.cfg.CorrectionDeadline.String(),
	)
	e.stage.run(ctx)
	e.logger.Info("pipeline stopped", "iterations", e.stage.iteration)
	return nil
}
