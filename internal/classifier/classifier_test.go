package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kozaktomas/face-attendance/internal/apperr"
	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := range w {
		for y := range h {
			img.Set(x, y, color.RGBA{R: 120, G: 80, B: 60, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestFromFakeProbability(t *testing.T) {
	tests := []struct {
		p          float64
		label      string
		confidence float64
		fake, real float64
	}{
		{0.9, LabelFake, 0.9, 0.9, 0.1},
		{0.2, LabelReal, 0.8, 0.2, 0.8},
		{0.5, LabelReal, 0.5, 0.5, 0.5},
		{0.51, LabelFake, 0.51, 0.51, 0.49},
		{1.7, LabelFake, 1, 1, 0},
		{-0.3, LabelReal, 1, 0, 1},
	}
	for _, tt := range tests {
		got := FromFakeProbability(tt.p)
		assert.Equal(t, tt.label, got.Label, "p=%v", tt.p)
		assert.InDelta(t, tt.confidence, got.Confidence, 1e-9, "p=%v", tt.p)
		assert.InDelta(t, tt.fake, got.FakeProbability, 1e-9, "p=%v", tt.p)
		assert.InDelta(t, tt.real, got.RealProbability, 1e-9, "p=%v", tt.p)
		assert.InDelta(t, 1, got.FakeProbability+got.RealProbability, 1e-9)
	}
}

func TestParseVerdict(t *testing.T) {
	r, err := parseVerdict("```json\n{\"fake_probability\": 0.75, \"reasoning\": \"seams\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, LabelFake, r.Label)

	_, err = parseVerdict(`{"reasoning": "no number"}`)
	assert.ErrorIs(t, err, apperr.ErrUpstream)

	_, err = parseVerdict("I think it is real")
	assert.ErrorIs(t, err, apperr.ErrUpstream)
}

func TestHTTPClassifier(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    Result
		wantErr error
	}{
		{name: "fake", status: http.StatusOK, body: `{"fake_probability":0.8,"model":"xception"}`, want: FromFakeProbability(0.8)},
		{name: "real only", status: http.StatusOK, body: `{"real_probability":0.9}`, want: FromFakeProbability(0.1)},
		{name: "no probabilities", status: http.StatusOK, body: `{}`, wantErr: apperr.ErrUpstream},
		{name: "server error", status: http.StatusInternalServerError, body: "model not loaded", wantErr: apperr.ErrUpstream},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, classifyEndpoint, r.URL.Path)
				_, header, err := r.FormFile("file")
				if assert.NoError(t, err) {
					assert.Equal(t, "image/jpeg", header.Header.Get("Content-Type"))
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewHTTPClassifier(srv.URL, time.Second, 64)
			got, err := c.Classify(context.Background(), testPNG(t, 200, 100))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want.FakeProbability, got.FakeProbability, 1e-9)
			assert.Equal(t, tt.want.Label, got.Label)
		})
	}
}

func TestHTTPClassifier_DecodeError(t *testing.T) {
	c := NewHTTPClassifier("http://127.0.0.1:1", time.Second, 64)
	_, err := c.Classify(context.Background(), []byte("not an image"))
	assert.ErrorIs(t, err, apperr.ErrDecode)
}

func TestOpenAIClassifier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, chatModel, req["model"])

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 0,
			"model":   chatModel,
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message": map[string]any{
					"role":    "assistant",
					"content": `{"fake_probability": 0.15, "reasoning": "consistent lighting"}`,
				},
			}},
		})
	}))
	defer srv.Close()

	c := NewOpenAIClassifier("test-key", 64, option.WithBaseURL(srv.URL+"/"), option.WithMaxRetries(0))
	got, err := c.Classify(context.Background(), testPNG(t, 32, 32))
	require.NoError(t, err)
	assert.Equal(t, LabelReal, got.Label)
	assert.InDelta(t, 0.85, got.Confidence, 1e-9)
}

func TestNew(t *testing.T) {
	cfg := config.Defaults()

	c, err := New(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "http", c.Name())

	cfg.Classifier.Provider = config.ProviderOpenAI
	cfg.OpenAI.Token = "token"
	c, err = New(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, chatModel, c.Name())

	cfg.Classifier.Provider = "tarot"
	_, err = New(context.Background(), cfg)
	assert.Error(t, err)
}
