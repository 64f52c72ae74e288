package httpapi

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"lenscribe/internal/breaker"
	"lenscribe/internal/config"
	"lenscribe/internal/correction"
	"lenscribe/internal/pipeline"
	"lenscribe/internal/recognition"
	"lenscribe/internal/slot"
	"lenscribe/internal/upstream/openai"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type stubEngine struct {
	data    []byte
	mime    string
	writes  uint64
	result  pipeline.DisplayResult
	version uint64
}

func (s *stubEngine) SubmitFrame(data []byte, mime string) {
	s.data = data
	s.mime = mime
	s.writes++
}

func (s *stubEngine) LatestVersioned() (pipeline.DisplayResult, uint64) {
	return s.result, s.version
}

func (s *stubEngine) FrameStats() slot.FrameStats { return slot.FrameStats{Writes: s.writes} }
func (s *stubEngine) BreakerState() breaker.State { return breaker.Open }
func (s *stubEngine) InFlight() int64 { return 1 }

type stubRecognize struct {
	result pipeline.DisplayResult
	err    error
	img    recognition.Image
}

func (s *stubRecognize) Process(_ context.Context, img recognition.Image) (pipeline.DisplayResult, error) {
	s.img = img
	return s.result, s.err
}

type stubCorrection struct {
	result correction.Result
	err    error
	calls  int
	input  string
}

func (s *stubCorrection) Correct(_ context.Context, text string) (correction.Result, error) {
	s.calls++
	s.input = text
	return s.result, s.err
}

type stubUpstream struct{ err error }

func (s stubUpstream) CheckModels(context.Context) error { return s.err }

type testDeps struct {
	engine     *stubEngine
	recognize  *stubRecognize
	correction *stubCorrection
	upstream   stubUpstream
	cache      *correction.Cache
}

func newTestHandler(t *testing.T, cfg config.Config, deps *testDeps) http.Handler {
	t.Helper()
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = 1024 * 1024
	}
	if deps.engine == nil {
		deps.engine = &stubEngine{}
	}
	if deps.recognize == nil {
		deps.recognize = &stubRecognize{}
	}
	if deps.correction == nil {
		deps.correction = &stubCorrection{}
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(cfg, logger, Dependencies{
		Engine:     deps.engine,
		Recognize:  deps.recognize,
		Correction: deps.correction,
		Cache:      deps.cache,
		Upstream:   deps.upstream,
	})
}

func multipartImage(t *testing.T, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "frame.png")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = part.Write(data)
	_ = mw.Close()
	return &body, mw.FormDataContentType()
}

func TestHealthz(t *testing.T) {
	h := newTestHandler(t, config.Config{}, &testDeps{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"ok":true`) {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
	if w.Header().Get(requestIDHeader) == "" {
		t.Fatal("expected a generated request id")
	}
}

func TestReadyzReportsUpstreamFailure(t *testing.T) {
	h := newTestHandler(t, config.Config{}, &testDeps{upstream: stubUpstream{err: io.EOF}})

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	req.Header.Set(requestIDHeader, "rid-1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status: %d body=%s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"request_id":"rid-1"`) {
		t.Fatalf("expected request id in error body: %s", w.Body.String())
	}
}

func TestFramesAcceptsRawImageBody(t *testing.T) {
	deps := &testDeps{}
	h := newTestHandler(t, config.Config{}, deps)

	req := httptest.NewRequest(http.MethodPost, "/v1/frames", bytes.NewReader(pngBytes))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("unexpected status: %d body=%s", w.Code, w.Body.String())
	}
	if !bytes.Equal(deps.engine.data, pngBytes) || deps.engine.mime != "image/png" {
		t.Fatalf("unexpected frame: mime=%q len=%d", deps.engine.mime, len(deps.engine.data))
	}
	if !strings.Contains(w.Body.String(), `"writes":1`) {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
}

func TestFramesAcceptsMultipart(t *testing.T) {
	deps := &testDeps{}
	h := newTestHandler(t, config.Config{}, deps)

	body, contentType := multipartImage(t, pngBytes)
	req := httptest.NewRequest(http.MethodPost, "/v1/frames", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("unexpected status: %d body=%s", w.Code, w.Body.String())
	}
	if deps.engine.mime != "image/png" {
		t.Fatalf("unexpected mime: %q", deps.engine.mime)
	}
}

func TestFramesRejectsBadUploads(t *testing.T) {
	tests := []struct {
		name string
		body []byte
		want int
	}{
		{name: "empty", body: nil, want: http.StatusBadRequest},
		{name: "not an image", body: []byte("plain words"), want: http.StatusUnsupportedMediaType},
		{name: "too large", body: bytes.Repeat([]byte{0x89}, 64), want: http.StatusRequestEntityTooLarge},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			deps := &testDeps{}
			h := newTestHandler(t, config.Config{MaxUploadBytes: 32}, deps)

			req := httptest.NewRequest(http.MethodPost, "/v1/frames", bytes.NewReader(tc.body))
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			if w.Code != tc.want {
				t.Fatalf("unexpected status: got %d want %d body=%s", w.Code, tc.want, w.Body.String())
			}
			if deps.engine.writes != 0 {
				t.Fatal("rejected upload must not reach the engine")
			}
		})
	}
}

func TestDisplayReturnsLatestSnapshot(t *testing.T) {
	deps := &testDeps{engine: &stubEngine{
		result: pipeline.DisplayResult{
			RawText:       "Hello Wrold",
			CorrectedText: "Hello World",
			Status:        pipeline.StatusCorrected,
			ErrorKind:     pipeline.KindNone,
			UpdatedAt:     time.Unix(1700000000, 0).UTC(),
		},
		version: 4,
	}}
	h := newTestHandler(t, config.Config{}, deps)

	req := httptest.NewRequest(http.MethodGet, "/v1/display", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", w.Code)
	}
	for _, want := range []string{
		`"corrected_text":"Hello World"`,
		`"version":4`,
		`"breaker_state":"open"`,
		`"in_flight":1`,
	} {
		if !strings.Contains(w.Body.String(), want) {
			t.Fatalf("expected %s in body: %s", want, w.Body.String())
		}
	}
}

func TestRecognizeRunsSingleShot(t *testing.T) {
	deps := &testDeps{recognize: &stubRecognize{result: pipeline.DisplayResult{
		RawText:       "teh cat",
		CorrectedText: "the cat",
		Status:        pipeline.StatusCorrected,
	}}}
	h := newTestHandler(t, config.Config{}, deps)

	body, contentType := multipartImage(t, pngBytes)
	req := httptest.NewRequest(http.MethodPost, "/v1/recognize", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", w.Code, w.Body.String())
	}
	if !bytes.Equal(deps.recognize.img.Data, pngBytes) {
		t.Fatalf("unexpected image passed through: %q", deps.recognize.img.Data)
	}
	if !strings.Contains(w.Body.String(), `"corrected_text":"the cat"`) {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
}

func TestRecognizeMapsUpstreamError(t *testing.T) {
	deps := &testDeps{recognize: &stubRecognize{err: &openai.Error{StatusCode: 500, Body: "model crashed"}}}
	h := newTestHandler(t, config.Config{}, deps)

	req := httptest.NewRequest(http.MethodPost, "/v1/recognize", bytes.NewReader(pngBytes))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("unexpected status: %d body=%s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"upstream_status":500`) {
		t.Fatalf("expected upstream details: %s", w.Body.String())
	}
}

func TestRecognizeMapsTimeout(t *testing.T) {
	deps := &testDeps{recognize: &stubRecognize{err: context.DeadlineExceeded}}
	h := newTestHandler(t, config.Config{}, deps)

	req := httptest.NewRequest(http.MethodPost, "/v1/recognize", bytes.NewReader(pngBytes))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("unexpected status: %d body=%s", w.Code, w.Body.String())
	}
}

func TestCorrectUsesCache(t *testing.T) {
	deps := &testDeps{
		correction: &stubCorrection{result: correction.Result{
			Text:    "Hello World",
			Changes: []correction.Change{{From: "Wrold", To: "World"}},
			Usage:   &correction.TokenUsage{PromptTokens: 40, CompletionTokens: 8, TotalTokens: 48},
			Success: true,
		}},
		cache: correction.NewCache(10, time.Minute),
	}
	h := newTestHandler(t, config.Config{}, deps)

	for i, wantCached := range []bool{false, true} {
		req := httptest.NewRequest(http.MethodPost, "/v1/correct", strings.NewReader(`{"text":"Hello Wrold"}`))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("request %d: unexpected status: %d body=%s", i, w.Code, w.Body.String())
		}
		if !strings.Contains(w.Body.String(), `"text":"Hello World"`) {
			t.Fatalf("request %d: unexpected body: %s", i, w.Body.String())
		}
		if got := strings.Contains(w.Body.String(), `"cached":true`); got != wantCached {
			t.Fatalf("request %d: cached=%v body=%s", i, got, w.Body.String())
		}
	}
	if deps.correction.calls != 1 {
		t.Fatalf("expected one upstream correction, got %d", deps.correction.calls)
	}
	if deps.correction.input != "Hello Wrold" {
		t.Fatalf("unexpected correction input: %q", deps.correction.input)
	}
}

func TestCorrectValidatesBody(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "empty text", body: `{"text":"  "}`},
		{name: "unknown field", body: `{"text":"hi","model":"x"}`},
		{name: "trailing value", body: `{"text":"hi"}{}`},
		{name: "not json", body: `hi`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			deps := &testDeps{}
			h := newTestHandler(t, config.Config{}, deps)

			req := httptest.NewRequest(http.MethodPost, "/v1/correct", strings.NewReader(tc.body))
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			if w.Code != http.StatusBadRequest {
				t.Fatalf("unexpected status: %d body=%s", w.Code, w.Body.String())
			}
			if deps.correction.calls != 0 {
				t.Fatal("invalid request must not reach the corrector")
			}
		})
	}
}

func TestCorrectMapsUnparseableReply(t *testing.T) {
	deps := &testDeps{correction: &stubCorrection{err: errors.Join(errors.New("correction failed"), correction.ErrNoValidReply)}}
	h := newTestHandler(t, config.Config{}, deps)

	req := httptest.NewRequest(http.MethodPost, "/v1/correct", strings.NewReader(`{"text":"hi"}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusBadGateway || !strings.Contains(w.Body.String(), "upstream_invalid_reply") {
		t.Fatalf("unexpected response: %d body=%s", w.Code, w.Body.String())
	}
}

func TestAPITokenRequiredOnNonPublicRoutes(t *testing.T) {
	cfg := config.Config{APIToken: "secret"}
	h := newTestHandler(t, cfg, &testDeps{})

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{name: "missing", path: "/v1/display", want: http.StatusUnauthorized},
		{name: "wrong scheme", path: "/v1/display", header: "Basic abc", want: http.StatusUnauthorized},
		{name: "wrong token", path: "/v1/display", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "valid", path: "/v1/display", header: "Bearer secret", want: http.StatusOK},
		{name: "public", path: "/healthz", want: http.StatusOK},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			if w.Code != tc.want {
				t.Fatalf("unexpected status: got %d want %d body=%s", w.Code, tc.want, w.Body.String())
			}
		})
	}
}

func TestUnknownRouteUsesErrorEnvelope(t *testing.T) {
	h := newTestHandler(t, config.Config{}, &testDeps{})

	req := httptest.NewRequest(http.MethodGet, "/v1/nope", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound || !strings.Contains(w.Body.String(), `"code":"not_found"`) {
		t.Fatalf("unexpected response: %d body=%s", w.Code, w.Body.String())
	}
}
