package classifier

import (
	"context"
	"fmt"

	"github.com/kozaktomas/face-attendance/internal/apperr"
	"github.com/kozaktomas/face-attendance/internal/imaging"
	"google.golang.org/genai"
)

const geminiModel = "gemini-2.5-flash"

type GeminiClassifier struct {
	client  *genai.Client
	maxSize int
}

// NewGeminiClassifier creates a Gemini-backed classifier. baseURL overrides the API
// endpoint and is only set by tests.
func NewGeminiClassifier(ctx context.Context, apiKey string, maxSize int, baseURL ...string) (*GeminiClassifier, error) {
	cc := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if len(baseURL) > 0 && baseURL[0] != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL[0]}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &GeminiClassifier{client: client, maxSize: maxSize}, nil
}

func (p *GeminiClassifier) Name() string {
	return geminiModel
}

func (p *GeminiClassifier) Classify(ctx context.Context, image []byte) (Result, error) {
	resizedData, err := imaging.ResizeImage(image, p.maxSize)
	if err != nil {
		return Result{}, err
	}

	contents := []*genai.Content{
		{
			Role: "user",
			Parts: []*genai.Part{
				{Text: deepfakePrompt},
				{InlineData: &genai.Blob{Data: resizedData, MIMEType: "image/jpeg"}},
			},
		},
	}
	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	}

	result, err := p.client.Models.GenerateContent(ctx, geminiModel, contents, config)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.ErrUpstream, err, "gemini API error")
	}
	content := result.Text()
	if content == "" {
		return Result{}, apperr.New(apperr.ErrUpstream, "no response from Gemini")
	}
	return parseVerdict(content)
}
