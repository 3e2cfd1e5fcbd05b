// Package encoder turns an image containing exactly one face into a face encoding using
// the face embedding server.
package encoder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
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
	defaultEmbeddingURL = "http://localhost:8000"
	faceEndpoint        = "/embed/face"
)

// Encoder produces a face encoding from image bytes.
type Encoder interface {
	Encode(ctx context.Context, image []byte) ([]float32, error)
}

// FaceDetection represents a single detected face
type FaceDetection struct {
	FaceIndex int       `json:"face_index"`
	Dim       int       `json:"dim"`
	Embedding []float32 `json:"embedding"`
	BBox      []float64 `json:"bbox"` // [x1, y1, x2, y2]
	DetScore  float64   `json:"det_score"`
}

// FaceResponse represents the response from the face embedding endpoint
type FaceResponse struct {
	FacesCount int             `json:"faces_count"`
	Faces      []FaceDetection `json:"faces"`
	Model      string          `json:"model"`
}

// Client computes face encodings using the embedding server
type Client struct {
	baseURL string
	client  *http.Client
}

var _ Encoder = (*Client)(nil)

// NewClient creates a new embedding server client
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultEmbeddingURL
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Encode returns the encoding of the single face in image. It fails with
// apperr.ErrDecode for unreadable images, apperr.ErrNoFace when no face is found and
// apperr.ErrMultipleFaces when more than one is.
func (c *Client) Encode(ctx context.Context, image []byte) ([]float32, error) {
	resp, err := c.DetectFaces(ctx, image)
	if err != nil {
		return nil, err
	}

	switch n := max(resp.FacesCount, len(resp.Faces)); {
	case n == 0:
		return nil, apperr.ErrNoFace
	case n > 1:
		return nil, apperr.Newf(apperr.ErrMultipleFaces,
			"%d faces detected, please provide an image with a single face", n)
	}

	emb := resp.Faces[0].Embedding
	if len(emb) == 0 {
		return nil, apperr.New(apperr.ErrUpstream, "embedding server returned an empty encoding")
	}
	return emb, nil
}

// DetectFaces detects faces and computes their embeddings
func (c *Client) DetectFaces(ctx context.Context, image []byte) (*FaceResponse, error) {
	// Reject bytes no decoder understands before spending a network round trip.
	if _, err := imaging.ReadMetadata(image); err != nil {
		return nil, err
	}

	body, err := c.postMultipartImage(ctx, faceEndpoint, image)
	if err != nil {
		return nil, err
	}

	var faceResp FaceResponse
	if err := json.Unmarshal(body, &faceResp); err != nil {
		return nil, apperr.Wrap(apperr.ErrUpstream, err, "failed to parse embedding server response")
	}
	return &faceResp, nil
}

// postMultipartImage posts the image as the "file" form field with a sniffed Content-Type.
func (c *Client) postMultipartImage(ctx context.Context, endpoint string, imageData []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="image.jpg"`)
	h.Set("Content-Type", imaging.DetectMIMEType(imageData))
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(imageData); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, apperr.Wrap(apperr.ErrUpstream, err, "embedding server request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrUpstream, err, "failed to read embedding server response")
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && mentionsDecode(body):
		return nil, apperr.New(apperr.ErrDecode, "image could not be decoded")
	default:
		return nil, apperr.Newf(apperr.ErrUpstream, "embedding server error (status %d): %s",
			resp.StatusCode, truncate(string(body), 200))
	}
}

func mentionsDecode(body []byte) bool {
	s := strings.ToLower(string(body))
	return strings.Contains(s, "decode") || strings.Contains(s, "invalid image") || strings.Contains(s, "cannot identify image")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
