// Package classifier decides whether a face image is a real photograph or a fake.
// Providers are a local model server, OpenAI vision or Gemini vision.
package classifier

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/kozaktomas/face-attendance/internal/apperr"
	"github.com/kozaktomas/face-attendance/internal/config"
)

//go:embed prompts/deepfake.txt
var deepfakePrompt string

// Labels.
const (
	LabelReal = "real"
	LabelFake = "fake"
)

// fakeThreshold is the fake probability above which an image is labelled fake.
const fakeThreshold = 0.5

// Result is the outcome of a single classification.
type Result struct {
	Label           string  `json:"label"`
	Confidence      float64 `json:"confidence"`
	FakeProbability float64 `json:"fake_probability"`
	RealProbability float64 `json:"real_probability"`
}

// Classifier labels an image as real or fake.
type Classifier interface {
	Name() string
	Classify(ctx context.Context, image []byte) (Result, error)
}

// FromFakeProbability derives the full result from the probability that the image is fake.
// Values outside [0,1] are clamped.
func FromFakeProbability(p float64) Result {
	if math.IsNaN(p) {
		p = 0
	}
	p = min(max(p, 0), 1)
	r := Result{
		FakeProbability: p,
		RealProbability: 1 - p,
		Label:           LabelReal,
	}
	if p > fakeThreshold {
		r.Label = LabelFake
	}
	r.Confidence = max(r.FakeProbability, r.RealProbability)
	return r
}

// verdict is the JSON object the vision providers are asked to produce.
type verdict struct {
	FakeProbability *float64 `json:"fake_probability"`
	Reasoning       string   `json:"reasoning"`
}

// parseVerdict turns a model's JSON answer into a Result.
func parseVerdict(content string) (Result, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var v verdict
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &v); err != nil {
		return Result{}, apperr.Wrap(apperr.ErrUpstream, err, "failed to parse classifier response")
	}
	if v.FakeProbability == nil {
		return Result{}, apperr.New(apperr.ErrUpstream, "classifier response has no fake_probability")
	}
	return FromFakeProbability(*v.FakeProbability), nil
}

// New builds the classifier selected by cfg.Classifier.Provider.
func New(ctx context.Context, cfg *config.Config) (Classifier, error) {
	maxSize := cfg.Classifier.MaxImageSize
	switch cfg.Classifier.Provider {
	case config.ProviderHTTP, "":
		return NewHTTPClassifier(cfg.Classifier.URL, cfg.Classifier.Timeout, maxSize), nil
	case config.ProviderOpenAI:
		return NewOpenAIClassifier(cfg.OpenAI.Token, maxSize), nil
	case config.ProviderGemini:
		return NewGeminiClassifier(ctx, cfg.Gemini.APIKey, maxSize)
	default:
		return nil, fmt.Errorf("unknown classifier provider %q", cfg.Classifier.Provider)
	}
}
