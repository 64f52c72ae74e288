package main

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"lenscribe/internal/config"
	"lenscribe/internal/correction"
	"lenscribe/internal/observability"
	"lenscribe/internal/pipeline"
	"lenscribe/internal/recognition"
	"lenscribe/internal/upstream/openai"
	"lenscribe/internal/upstream/tesseract"
	"lenscribe/internal/upstream/vision"
)

// app holds everything the subcommands share.
type app struct {
	cfg        config.Config
	logger     *slog.Logger
	metrics    *observability.Metrics
	upstream   *openai.Client
	recognizer *recognition.Service
	corrector  *correction.Service
	cache      *correction.Cache
	engine     *pipeline.Engine
	single     *pipeline.Service
	closers    []func() error
}

func newApp(cfg config.Config, logger *slog.Logger) (*app, error) {
	metrics := observability.NewMetrics()

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	httpClient := &http.Client{Timeout: cfg.RequestTimeout, Transport: transport}
	upstream := openai.New(cfg.UpstreamBaseURL, cfg.UpstreamAPIKey, httpClient, openai.WithObserver(metrics.ObserveUpstream))

	a := &app{cfg: cfg, logger: logger, metrics: metrics, upstream: upstream}

	backend, err := a.recognitionBackend(httpClient)
	if err != nil {
		return nil, err
	}
	a.recognizer = recognition.New(backend, cfg.RecognitionTimeout)
	a.corrector = correction.New(upstream, correction.Options{
		Model:         cfg.CorrectionModel,
		Temperature:   cfg.CorrectionTemp,
		MaxTokens:     cfg.CorrectionMaxTokens,
		MaxInputChars: cfg.CorrectionMaxInput,
		Retries:       cfg.CorrectionRetries,
		Timeout:       cfg.CorrectionTimeout,
	})
	a.cache = correction.NewCache(cfg.CorrectionCacheSize, cfg.CorrectionCacheTTL)

	opts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithObserver(metrics),
		pipeline.WithCache(a.cache),
	}
	if cfg.CorrectionMinSpacing > 0 {
		opts = append(opts, pipeline.WithLimiter(rate.NewLimiter(rate.Every(cfg.CorrectionMinSpacing), 1)))
	}
	pcfg := pipelineConfig(cfg)
	a.engine = pipeline.New(a.recognizer, a.corrector, pcfg, opts...)
	a.single = pipeline.NewService(a.recognizer, a.corrector, pcfg, a.cache)

	logger.Info("lenscribe configured",
		"recognition_backend", cfg.RecognitionBackend,
		"upstream", cfg.UpstreamBaseURL,
		"correction_model", cfg.CorrectionModel,
	)
	return a, nil
}

func (a *app) recognitionBackend(httpClient *http.Client) (recognition.Client, error) {
	switch a.cfg.RecognitionBackend {
	case config.BackendTesseract:
		r, err := tesseract.New(a.cfg.TesseractLanguages)
		if err != nil {
			return nil, fmt.Errorf("tesseract backend: %w", err)
		}
		a.closers = append(a.closers, r.Close)
		return r, nil
	default:
		return vision.New(vision.Config{
			BaseURL:    a.cfg.UpstreamBaseURL,
			APIKey:     a.cfg.UpstreamAPIKey,
			Model:      a.cfg.VisionModel,
			HTTPClient: httpClient,
		}), nil
	}
}

func (a *app) Close() {
	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
}

func pipelineConfig(cfg config.Config) pipeline.Config {
	return pipeline.Config{
		SampleSkipN:         cfg.SampleSkipN,
		RecognitionDeadline: cfg.RecognitionDeadline,
		CorrectionDeadline:  cfg.CorrectionDeadline,
		MinBoxConfidence:    cfg.MinBoxConfidence,
		MinAvgConfidence:    cfg.MinAvgConfidence,
		DebounceWindow:      cfg.DebounceWindow,
		DebounceMinVotes:    cfg.DebounceMinVotes,
		BreakerThreshold:    cfg.BreakerThreshold,
		BreakerCooldown:     cfg.BreakerCooldown,
		IdleInterval:        cfg.IdleInterval,
	}
}
