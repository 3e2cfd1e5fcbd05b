package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/face-attendance/internal/apperr"
	"github.com/kozaktomas/face-attendance/internal/classifier"
	"github.com/kozaktomas/face-attendance/internal/database/mock"
	"github.com/kozaktomas/face-attendance/internal/detection"
	"github.com/kozaktomas/face-attendance/internal/gateway"
	"github.com/kozaktomas/face-attendance/internal/ledger"
	"github.com/kozaktomas/face-attendance/internal/matcher"
	"github.com/kozaktomas/face-attendance/internal/web/middleware"
)

var testStart = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

// testClock is a settable clock shared by the ledger and the store.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeEncoder maps image bytes to an encoding. Unknown images yield err, or no_face.
type fakeEncoder struct {
	mu        sync.Mutex
	encodings map[string][]float32
	err       error
}

func (f *fakeEncoder) Encode(_ context.Context, img []byte) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	enc, ok := f.encodings[string(img)]
	if !ok {
		return nil, apperr.ErrNoFace
	}
	return enc, nil
}

func (f *fakeEncoder) set(img string, enc []float32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.encodings[img] = enc
}

// fakeClassifier answers every image with the fake probability p, or err.
type fakeClassifier struct {
	mu    sync.Mutex
	p     float64
	err   error
	block chan struct{} // when set, Classify waits for it to close or ctx to end
}

func (f *fakeClassifier) Name() string { return "fake" }

func (f *fakeClassifier) Classify(ctx context.Context, _ []byte) (classifier.Result, error) {
	f.mu.Lock()
	block, p, err := f.block, f.p, f.err
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return classifier.Result{}, ctx.Err()
		}
	}
	if err != nil {
		return classifier.Result{}, err
	}
	return classifier.FromFakeProbability(p), nil
}

// testEnv is a complete in-memory stack behind the handlers.
type testEnv struct {
	clock      *testClock
	store      *mock.MockStore
	registry   *matcher.Registry
	ledger     *ledger.Ledger
	gateway    *gateway.Gateway
	encoder    *fakeEncoder
	classifier *fakeClassifier
	detection  *detection.Service
	jobs       *JobManager
	logger     *slog.Logger

	auth       *AuthHandler
	attendance *AttendanceHandler
	detections *DetectionHandler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := &testClock{now: testStart}

	store := mock.NewMockStore()
	store.SetClock(clock.Now)

	registry := matcher.NewRegistry(store, matcher.Options{Dim: 3, Logger: logger})
	l := ledger.New(store, ledger.Options{Now: clock.Now, Logger: logger})

	g, err := gateway.New(gateway.Config{Secret: "test-secret", TTL: time.Hour, Logger: logger}, registry)
	if err != nil {
		t.Fatalf("failed to create gateway: %v", err)
	}
	if err := g.Init(); err != nil {
		t.Fatalf("failed to init gateway: %v", err)
	}
	t.Cleanup(g.Shutdown)

	enc := &fakeEncoder{encodings: map[string][]float32{}}
	fc := &fakeClassifier{p: 0.2}
	svc := detection.New(store, fc, detection.Options{Now: clock.Now, Logger: logger})
	jobs := NewJobManager(0)
	t.Cleanup(jobs.CancelAll)

	return &testEnv{
		clock:      clock,
		store:      store,
		registry:   registry,
		ledger:     l,
		gateway:    g,
		encoder:    enc,
		classifier: fc,
		detection:  svc,
		jobs:       jobs,
		logger:     logger,
		auth:       NewAuthHandler(registry, g, enc, store, time.Second, logger),
		attendance: NewAttendanceHandler(l, time.Second, logger),
		detections: NewDetectionHandler(svc, jobs, logger),
	}
}

// enroll registers an identity whose face image is the string img.
func (e *testEnv) enroll(t *testing.T, name, email, externalID, img string, enc []float32) int64 {
	t.Helper()
	e.encoder.set(img, enc)
	id, err := e.registry.Enroll(context.Background(), matcher.EnrollRequest{
		FullName:   name,
		Email:      email,
		ExternalID: externalID,
		Encoding:   enc,
	})
	if err != nil {
		t.Fatalf("failed to enroll %s: %v", name, err)
	}
	return id
}

// login opens a session for the identity that owns img.
func (e *testEnv) login(t *testing.T, img string) *gateway.Session {
	t.Helper()
	enc, err := e.encoder.Encode(context.Background(), []byte(img))
	if err != nil {
		t.Fatalf("failed to encode %s: %v", img, err)
	}
	s, err := e.gateway.Authenticate(context.Background(), enc)
	if err != nil {
		t.Fatalf("failed to authenticate: %v", err)
	}
	return s
}

// formFile is one file part of a multipart request.
type formFile struct {
	field    string
	filename string
	data     []byte
}

// multipartRequest builds a multipart/form-data request.
func multipartRequest(t *testing.T, method, path string, fields map[string]string, files ...formFile) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("failed to write field: %v", err)
		}
	}
	for _, f := range files {
		part, err := mw.CreateFormFile(f.field, f.filename)
		if err != nil {
			t.Fatalf("failed to create form file: %v", err)
		}
		if _, err := part.Write(f.data); err != nil {
			t.Fatalf("failed to write form file: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("failed to close multipart writer: %v", err)
	}

	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

// requestAs attaches an authenticated identity to the request context.
func requestAs(r *http.Request, identityID int64) *http.Request {
	ctx := middleware.SetIdentityInContext(r.Context(), middleware.Identity{ID: identityID})
	return r.WithContext(ctx)
}

// requestWithChiParams creates a request with chi URL parameters
func requestWithChiParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// pngImage returns a small decodable PNG.
func pngImage(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := range w {
		img.Set(x, 0, color.RGBA{R: uint8(x * 10), A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

// parseJSONResponse parses a JSON response body into the target type
func parseJSONResponse(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to parse JSON response: %v\nBody: %s", err, recorder.Body.String())
	}
}

// assertStatusCode checks if the response has the expected status code
func assertStatusCode(t *testing.T, recorder *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if recorder.Code != expected {
		t.Errorf("expected status %d, got %d\nBody: %s", expected, recorder.Code, recorder.Body.String())
	}
}

// assertContentType checks if the response has the expected content type
func assertContentType(t *testing.T, recorder *httptest.ResponseRecorder, expected string) {
	t.Helper()
	ct := recorder.Header().Get("Content-Type")
	if ct != expected {
		t.Errorf("expected Content-Type '%s', got '%s'", expected, ct)
	}
}

// assertJSONError checks if the response is a JSON error with the expected machine code
func assertJSONError(t *testing.T, recorder *httptest.ResponseRecorder, expectedCode string) {
	t.Helper()
	var result map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse error response: %v\nBody: %s", err, recorder.Body.String())
	}
	if result["code"] != expectedCode {
		t.Errorf("expected code '%s', got '%s' (error: %s)", expectedCode, result["code"], result["error"])
	}
	if result["error"] == "" {
		t.Error("expected a non-empty error message")
	}
}
