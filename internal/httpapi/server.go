package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"lenscribe/internal/breaker"
	"lenscribe/internal/config"
	"lenscribe/internal/correction"
	"lenscribe/internal/deadline"
	"lenscribe/internal/model"
	"lenscribe/internal/pipeline"
	"lenscribe/internal/recognition"
	"lenscribe/internal/slot"
	"lenscribe/internal/upstream/openai"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// FrameEngine is the continuous pipeline as seen by the HTTP surface: a frame
// producer on one side and a non-blocking result reader on the other.
type FrameEngine interface {
	SubmitFrame(data []byte, mime string)
	LatestVersioned() (pipeline.DisplayResult, uint64)
	FrameStats() slot.FrameStats
	BreakerState() breaker.State
	InFlight() int64
}

type RecognizeService interface {
	Process(ctx context.Context, img recognition.Image) (pipeline.DisplayResult, error)
}

type CorrectionService interface {
	Correct(ctx context.Context, text string) (correction.Result, error)
}

type UpstreamChecker interface {
	CheckModels(ctx context.Context) error
}

type MetricsObserver interface {
	ObserveHTTP(route, method string, status int, duration time.Duration)
}

type Dependencies struct {
	Engine         FrameEngine
	Recognize      RecognizeService
	Correction     CorrectionService
	Cache          *correction.Cache
	Upstream       UpstreamChecker
	Metrics        MetricsObserver
	MetricsHandler http.Handler
}

type server struct {
	cfg          config.Config
	logger       *slog.Logger
	engine       FrameEngine
	recognize    RecognizeService
	correction   CorrectionService
	cache        *correction.Cache
	upstream     UpstreamChecker
	metrics      MetricsObserver
	metricsRoute http.Handler
}

type ctxKey string

const (
	serviceName      = "lenscribe"
	requestIDHeader  = "X-Request-Id"
	requestIDContext = ctxKey("request_id")
	maxJSONBodyBytes = 1 << 20
)

func NewServer(cfg config.Config, logger *slog.Logger, deps Dependencies) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Engine == nil || deps.Recognize == nil || deps.Correction == nil || deps.Upstream == nil {
		panic("httpapi: all dependencies are required")
	}

	s := &server{
		cfg:          cfg,
		logger:       logger,
		engine:       deps.Engine,
		recognize:    deps.Recognize,
		correction:   deps.Correction,
		cache:        deps.Cache,
		upstream:     deps.Upstream,
		metrics:      deps.Metrics,
		metricsRoute: deps.MetricsHandler,
	}

	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusNotFound, "not_found", "route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", nil)
	})

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(s.authMiddleware)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if s.metricsRoute != nil {
		r.Handle("/metrics", s.metricsRoute)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/frames", s.handleFrames)
		r.Get("/display", s.handleDisplay)
		r.Post("/recognize", s.handleRecognize)
		r.Post("/correct", s.handleCorrect)
	})

	return r
}

func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, model.HealthResponse{OK: true})
}

func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.upstream.CheckModels(ctx); err != nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "not_ready", "upstream check failed", detailsForError(err))
		return
	}
	writeJSON(w, http.StatusOK, model.ReadyResponse{OK: true, ServiceName: serviceName})
}

func (s *server) handleFrames(w http.ResponseWriter, r *http.Request) {
	img, err := s.readImage(w, r)
	if err != nil {
		s.handleImageReadError(w, r, err)
		return
	}

	s.engine.SubmitFrame(img.Data, img.MIME)
	stats := s.engine.FrameStats()
	writeJSON(w, http.StatusAccepted, model.FrameAcceptedResponse{
		Accepted: true,
		Bytes:    len(img.Data),
		MIME:     img.MIME,
		Writes:   stats.Writes,
		Drops:    stats.Drops,
	})
}

func (s *server) handleDisplay(w http.ResponseWriter, r *http.Request) {
	result, version := s.engine.LatestVersioned()
	writeJSON(w, http.StatusOK, model.DisplayResponse{
		Display:      toModelDisplay(result),
		Version:      version,
		BreakerState: s.engine.BreakerState().String(),
		InFlight:     s.engine.InFlight(),
	})
}

func (s *server) handleRecognize(w http.ResponseWriter, r *http.Request) {
	img, err := s.readImage(w, r)
	if err != nil {
		s.handleImageReadError(w, r, err)
		return
	}

	result, err := s.recognize.Process(r.Context(), img)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toModelDisplay(result))
}

func (s *server) handleCorrect(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	defer func() { _ = r.Body.Close() }()

	var req model.CorrectRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		s.handleJSONDecodeError(w, r, err)
		return
	}
	if err := ensureBodyFullyConsumed(decoder); err != nil {
		s.handleJSONDecodeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "text is required", nil)
		return
	}

	if cached, ok := s.cache.Get(req.Text); ok {
		writeJSON(w, http.StatusOK, toModelCorrection(cached, pipeline.StatusCorrectedCached))
		return
	}

	result, err := s.correction.Correct(r.Context(), req.Text)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	s.cache.Put(req.Text, result)
	writeJSON(w, http.StatusOK, toModelCorrection(result, pipeline.StatusCorrected))
}

var (
	errMissingImage     = errors.New("image is required")
	errUnsupportedImage = errors.New("unsupported image type")
)

// readImage accepts either a multipart form with a "file" field or a raw
// image body.
func (s *server) readImage(w http.ResponseWriter, r *http.Request) (recognition.Image, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	defer func() { _ = r.Body.Close() }()

	var (
		data         []byte
		declaredType string
	)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(min(s.cfg.MaxUploadBytes, 8<<20)); err != nil {
			return recognition.Image{}, err
		}
		defer func() { _ = r.MultipartForm.RemoveAll() }()

		file, header, err := r.FormFile("file")
		if err != nil {
			if errors.Is(err, http.ErrMissingFile) {
				return recognition.Image{}, errMissingImage
			}
			return recognition.Image{}, err
		}
		defer func() { _ = file.Close() }()

		if data, err = io.ReadAll(file); err != nil {
			return recognition.Image{}, err
		}
		declaredType = header.Header.Get("Content-Type")
	} else {
		var err error
		if data, err = io.ReadAll(r.Body); err != nil {
			return recognition.Image{}, err
		}
		declaredType = mediaType
	}

	if len(data) == 0 {
		return recognition.Image{}, errMissingImage
	}
	imageType := strings.TrimSpace(declaredType)
	if !strings.HasPrefix(imageType, "image/") {
		imageType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(imageType, "image/") {
		return recognition.Image{}, errUnsupportedImage
	}
	return recognition.Image{Data: data, MIME: imageType}, nil
}

func (s *server) handleImageReadError(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		s.writeError(w, r, http.StatusRequestEntityTooLarge, "request_too_large", fmt.Sprintf("request exceeds %d bytes", s.cfg.MaxUploadBytes), nil)
	case errors.Is(err, errMissingImage):
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "multipart field 'file' or an image body is required", nil)
	case errors.Is(err, errUnsupportedImage):
		s.writeError(w, r, http.StatusUnsupportedMediaType, "unsupported_media_type", "body is not an image", nil)
	default:
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid image upload", nil)
	}
}

func (s *server) handleJSONDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		s.writeError(w, r, http.StatusRequestEntityTooLarge, "request_too_large", "JSON body too large", nil)
		return
	}
	s.writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON body", nil)
}

func (s *server) writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	message := "request failed"
	details := detailsForError(err)

	var upstreamErr *openai.Error
	switch {
	case errors.Is(err, recognition.ErrEmptyImage):
		status = http.StatusBadRequest
		code = "invalid_request"
		message = "image is empty"
	case errors.As(err, &upstreamErr):
		status = http.StatusBadGateway
		code = "upstream_request_failed"
		message = "upstream request failed"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, deadline.ErrTimeout):
		status = http.StatusGatewayTimeout
		code = "timeout"
		message = "request timed out"
	case errors.Is(err, context.Canceled):
		status = 499
		code = "canceled"
		message = "request canceled"
	case errors.Is(err, correction.ErrNoValidReply):
		status = http.StatusBadGateway
		code = "upstream_invalid_reply"
		message = "upstream reply could not be parsed"
	}

	s.writeError(w, r, status, code, message, details)
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	if rid := requestIDFromContext(r.Context()); rid != "" {
		w.Header().Set(requestIDHeader, rid)
	}
	writeJSON(w, status, model.ErrorResponse{
		Error:     model.APIError{Code: code, Message: message, Details: details},
		RequestID: requestIDFromContext(r.Context()),
	})
}

func (s *server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)
		ctx := context.WithValue(r.Context(), requestIDContext, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}

		duration := time.Since(started)
		if s.metrics != nil {
			s.metrics.ObserveHTTP(route, r.Method, status, duration)
		}

		s.logger.Info("http_request",
			"request_id", requestIDFromContext(r.Context()),
			"method", r.Method,
			"route", route,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", duration.Milliseconds(),
		)
	})
}

func (s *server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", "request_id", requestIDFromContext(r.Context()), "panic", rec)
				s.writeError(w, r, http.StatusInternalServerError, "internal_error", "internal server error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// authMiddleware enforces API_TOKEN on every non-public route when one is
// configured.
func (s *server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIToken == "" || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		token, hasHeader, ok := extractBearerToken(r.Header.Get("Authorization"))
		if hasHeader && !ok {
			s.writeError(w, r, http.StatusUnauthorized, "unauthorized", "Authorization must be Bearer <token>", nil)
			return
		}
		if token == "" {
			s.writeError(w, r, http.StatusUnauthorized, "unauthorized", "missing bearer token", nil)
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APIToken)) != 1 {
			s.writeError(w, r, http.StatusUnauthorized, "unauthorized", "invalid bearer token", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isPublicPath(path string) bool {
	switch path {
	case "/healthz", "/readyz", "/metrics":
		return true
	default:
		return false
	}
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func ensureBodyFullyConsumed(decoder *json.Decoder) error {
	var extra any
	if err := decoder.Decode(&extra); err != io.EOF {
		if err == nil {
			return fmt.Errorf("multiple JSON values")
		}
		return err
	}
	return nil
}

func requestIDFromContext(ctx context.Context) string {
	value, _ := ctx.Value(requestIDContext).(string)
	return value
}

func extractBearerToken(header string) (token string, hasHeader bool, ok bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", false, true
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", true, false
	}
	token = strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", true, false
	}
	return token, true, true
}

func toModelDisplay(d pipeline.DisplayResult) model.Display {
	return model.Display{
		RawText:           d.RawText,
		StableText:        d.StableText,
		CorrectedText:     d.CorrectedText,
		Confidence:        d.Confidence,
		OCRTimeMS:         d.OCRTimeMS,
		LLMTimeMS:         d.LLMTimeMS,
		OCROK:             d.OCROK,
		LLMOK:             d.LLMOK,
		ErrorMsg:          d.ErrorMsg,
		ErrorKind:         string(d.ErrorKind),
		Status:            d.Status,
		CorrectionEnabled: d.CorrectionEnabled,
		Iteration:         d.Iteration,
		FrameSeq:          d.FrameSeq,
		UpdatedAt:         d.UpdatedAt,
	}
}

func toModelCorrection(r correction.Result, status string) model.CorrectResponse {
	out := model.CorrectResponse{
		Text:         r.Text,
		Original:     r.Original,
		Confidence:   r.Confidence,
		LanguageHint: r.LanguageHint,
		Cached:       r.Cached,
		Status:       status,
		ElapsedMS:    r.Elapsed.Milliseconds(),
	}
	for _, c := range r.Changes {
		out.Changes = append(out.Changes, model.Change{From: c.From, To: c.To})
	}
	if r.Usage != nil {
		out.Usage = &model.TokenUsage{
			PromptTokens:     r.Usage.PromptTokens,
			CompletionTokens: r.Usage.CompletionTokens,
			TotalTokens:      r.Usage.TotalTokens,
		}
	}
	return out
}

func detailsForError(err error) map[string]any {
	if err == nil {
		return nil
	}
	details := map[string]any{"error": err.Error()}
	var upstreamErr *openai.Error
	if errors.As(err, &upstreamErr) {
		details["upstream_status"] = upstreamErr.StatusCode
		if upstreamErr.Body != "" {
			details["upstream_body"] = upstreamErr.Body
		}
	}
	return details
}
