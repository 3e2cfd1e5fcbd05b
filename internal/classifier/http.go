package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/kozaktomas/face-attendance/internal/apperr"
	"github.com/kozaktomas/face-attendance/internal/imaging"
)

const (
	defaultModelURL  = "http://localhost:8001"
	classifyEndpoint = "/classify/deepfake"
)

// HTTPClassifier calls the deepfake model server.
type HTTPClassifier struct {
	baseURL string
	maxSize int
	client  *http.Client
}

// modelResponse is what the model server returns. Servers that only report the fake
// probability are accepted as well.
type modelResponse struct {
	FakeProbability *float64 `json:"fake_probability"`
	RealProbability *float64 `json:"real_probability"`
	Model           string   `json:"model"`
}

func NewHTTPClassifier(baseURL string, timeout time.Duration, maxSize int) *HTTPClassifier {
	if baseURL == "" {
		baseURL = defaultModelURL
	}
	return &HTTPClassifier{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		maxSize: maxSize,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClassifier) Name() string {
	return "http"
}

func (c *HTTPClassifier) Classify(ctx context.Context, image []byte) (Result, error) {
	resized, err := imaging.ResizeImage(image, c.maxSize)
	if err != nil {
		return Result{}, err
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="image.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	part, err := writer.CreatePart(h)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(resized); err != nil {
		return Result{}, fmt.Errorf("failed to write image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return Result{}, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+classifyEndpoint, &buf)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.ErrUpstream, err, "classifier request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.ErrUpstream, err, "failed to read classifier response")
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, apperr.Newf(apperr.ErrUpstream, "classifier error (status %d): %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var mr modelResponse
	if err := json.Unmarshal(body, &mr); err != nil {
		return Result{}, apperr.Wrap(apperr.ErrUpstream, err, "failed to parse classifier response")
	}
	switch {
	case mr.FakeProbability != nil:
		return FromFakeProbability(*mr.FakeProbability), nil
	case mr.RealProbability != nil:
		return FromFakeProbability(1 - *mr.RealProbability), nil
	default:
		return Result{}, apperr.New(apperr.ErrUpstream, "classifier response has no probabilities")
	}
}
