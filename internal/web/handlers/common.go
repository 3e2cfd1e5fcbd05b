package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kozaktomas/face-attendance/internal/apperr"
	"github.com/kozaktomas/face-attendance/internal/constants"
	"github.com/kozaktomas/face-attendance/internal/gateway"
)

// Field names accepted for a single image upload, in order of preference.
var imageFields = []string{"image", "face"}

// sanitizeForLog removes newlines and carriage returns to prevent log injection.
func sanitizeForLog(s string) string {
	return strings.NewReplacer("\n", "", "\r", "").Replace(s)
}

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// statusForKind maps an error kind onto an HTTP status.
func statusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.KindInput:
		return http.StatusBadRequest
	case apperr.KindUnauthorized:
		return http.StatusUnauthorized
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindUpstream:
		return http.StatusBadGateway
	case apperr.KindStorageTimeout:
		return http.StatusGatewayTimeout
	case apperr.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondAppError translates err into its HTTP status and machine code. Authentication
// failures answer 401 with the failure reason as the code. Server-side failures are
// logged and their cause is not echoed to the client.
func respondAppError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var authErr *gateway.AuthError
	if errors.As(err, &authErr) {
		respondError(w, http.StatusUnauthorized, string(authErr.Reason), authErr.Error())
		return
	}

	kind := apperr.KindOf(err)
	status := statusForKind(kind)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "kind", kind, "error", err)
	}
	respondError(w, status, apperr.CodeOf(err), apperr.MessageOf(err))
}

// storeTimeout bounds a store call made on behalf of a request.
func storeTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

// uploadedImage is one file read from a multipart form.
type uploadedImage struct {
	Filename string
	Data     []byte
}

// parseMultipart parses the request form once with the upload size bound applied.
func parseMultipart(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, constants.MaxUploadSize)
	if err := r.ParseMultipartForm(constants.MaxUploadSize); err != nil {
		return apperr.Wrap(apperr.ErrInvalidInput, err, "invalid multipart form")
	}
	return nil
}

// readImage returns the first image found under one of the accepted field names.
func readImage(r *http.Request) (*uploadedImage, error) {
	if r.MultipartForm == nil {
		return nil, apperr.New(apperr.ErrInvalidInput, "no image file provided")
	}
	for _, field := range imageFields {
		if files := r.MultipartForm.File[field]; len(files) > 0 {
			return readFile(files[0])
		}
	}
	return nil, apperr.New(apperr.ErrInvalidInput, "no image file provided")
}

// readImages returns every file sent under field.
func readImages(r *http.Request, field string) ([]uploadedImage, error) {
	if r.MultipartForm == nil || len(r.MultipartForm.File[field]) == 0 {
		return nil, apperr.New(apperr.ErrInvalidInput, "no image files provided")
	}
	files := r.MultipartForm.File[field]
	out := make([]uploadedImage, 0, len(files))
	for _, fh := range files {
		img, err := readFile(fh)
		if err != nil {
			return nil, err
		}
		out = append(out, *img)
	}
	return out, nil
}

func readFile(fh *multipart.FileHeader) (*uploadedImage, error) {
	if fh.Size > constants.MaxImageBytes {
		return nil, apperr.Newf(apperr.ErrInvalidInput, "%s exceeds %d MiB",
			filepath.Base(fh.Filename), constants.MaxImageBytes>>20)
	}
	file, err := fh.Open()
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrInvalidInput, err, "failed to open uploaded file")
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrInvalidInput, err, "failed to read uploaded file")
	}
	if len(data) == 0 {
		return nil, apperr.New(apperr.ErrInvalidInput, "no image selected")
	}
	return &uploadedImage{Filename: filepath.Base(fh.Filename), Data: data}, nil
}

// formValue returns the first non-empty value among the given form keys.
func formValue(r *http.Request, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(r.FormValue(k)); v != "" {
			return v
		}
	}
	return ""
}

// parseLimit reads the "limit" query parameter; zero means use the default.
func parseLimit(r *http.Request) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, apperr.New(apperr.ErrInvalidInput, fmt.Sprintf("invalid limit %q", sanitizeForLog(s)))
	}
	return n, nil
}

// HealthCheck handles the health check endpoint.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}
