package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/encoder"
	"github.com/kozaktomas/face-attendance/internal/gateway"
	"github.com/kozaktomas/face-attendance/internal/matcher"
	"github.com/kozaktomas/face-attendance/internal/web/middleware"
)

// AuthHandler handles enrollment and face login endpoints
type AuthHandler struct {
	registry   *matcher.Registry
	gateway    *gateway.Gateway
	encoder    encoder.Encoder
	identities database.IdentityReader
	timeout    time.Duration
	logger     *slog.Logger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(registry *matcher.Registry, g *gateway.Gateway, enc encoder.Encoder,
	identities database.IdentityReader, timeout time.Duration, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		registry:   registry,
		gateway:    g,
		encoder:    enc,
		identities: identities,
		timeout:    timeout,
		logger:     logger,
	}
}

// IdentityResponse is the public view of an enrolled identity (no encoding).
type IdentityResponse struct {
	ID         int64     `json:"id"`
	FullName   string    `json:"full_name"`
	Email      string    `json:"email"`
	ExternalID string    `json:"external_id"`
	CreatedAt  time.Time `json:"created_at"`
}

func identityResponse(ident *database.Identity) *IdentityResponse {
	return &IdentityResponse{
		ID:         ident.ID,
		FullName:   ident.FullName,
		Email:      ident.Email,
		ExternalID: ident.ExternalID,
		CreatedAt:  ident.CreatedAt,
	}
}

// RegisterResponse represents an enrollment response
type RegisterResponse struct {
	Success bool  `json:"success"`
	ID      int64 `json:"id"`
}

// Register enrolls a new identity from a multipart form with a face image.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	if err := parseMultipart(w, r); err != nil {
		respondAppError(w, h.logger, err)
		return
	}
	img, err := readImage(r)
	if err != nil {
		respondAppError(w, h.logger, err)
		return
	}

	encoding, err := h.encoder.Encode(r.Context(), img.Data)
	if err != nil {
		respondAppError(w, h.logger, err)
		return
	}

	ctx, cancel := storeTimeout(r.Context(), h.timeout)
	defer cancel()
	id, err := h.registry.Enroll(ctx, matcher.EnrollRequest{
		FullName:   formValue(r, "full_name", "fullName"),
		Email:      formValue(r, "email"),
		ExternalID: formValue(r, "external_id", "studentId", "student_id"),
		Encoding:   encoding,
	})
	if err != nil {
		respondAppError(w, h.logger, err)
		return
	}

	respondJSON(w, http.StatusCreated, RegisterResponse{Success: true, ID: id})
}

// LoginResponse represents a login response
type LoginResponse struct {
	Success   bool              `json:"success"`
	SessionID string            `json:"session_id"`
	ExpiresAt string            `json:"expires_at"`
	Identity  *IdentityResponse `json:"identity,omitempty"`
}

// Login authenticates the face in the uploaded image and opens a session.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	if err := parseMultipart(w, r); err != nil {
		respondAppError(w, h.logger, err)
		return
	}
	img, err := readImage(r)
	if err != nil {
		respondAppError(w, h.logger, err)
		return
	}

	probe, err := h.encoder.Encode(r.Context(), img.Data)
	if err != nil {
		respondAppError(w, h.logger, gateway.EncodeFailure(err))
		return
	}

	ctx, cancel := storeTimeout(r.Context(), h.timeout)
	defer cancel()
	session, err := h.gateway.Authenticate(ctx, probe)
	if err != nil {
		respondAppError(w, h.logger, err)
		return
	}

	h.gateway.SetSessionCookie(w, r, session)
	resp := LoginResponse{
		Success:   true,
		SessionID: session.Token,
		ExpiresAt: session.ExpiresAt.UTC().Format(time.RFC3339),
	}
	if ident, err := h.identities.GetIdentity(ctx, session.IdentityID); err == nil {
		resp.Identity = identityResponse(ident)
	} else {
		h.logger.Warn("logged in identity could not be loaded", "identity_id", session.IdentityID, "error", err)
	}
	h.logger.Info("login", "identity_id", session.IdentityID)
	respondJSON(w, http.StatusOK, resp)
}

// Logout handles user logout. It always succeeds.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if token := h.gateway.TokenFromRequest(r); token != "" {
		h.gateway.Logout(token)
	}
	h.gateway.ClearSessionCookie(w)
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// StatusResponse represents the auth status response
type StatusResponse struct {
	Authenticated bool   `json:"authenticated"`
	IdentityID    int64  `json:"identity_id,omitempty"`
	ExpiresAt     string `json:"expires_at,omitempty"`
}

// Status reports whether the request carries a live session.
func (h *AuthHandler) Status(w http.ResponseWriter, r *http.Request) {
	session, ok := h.gateway.Session(h.gateway.TokenFromRequest(r))
	if !ok {
		respondJSON(w, http.StatusOK, StatusResponse{Authenticated: false})
		return
	}
	respondJSON(w, http.StatusOK, StatusResponse{
		Authenticated: true,
		IdentityID:    session.IdentityID,
		ExpiresAt:     session.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// Me returns the authenticated identity.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	ident, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}

	ctx, cancel := storeTimeout(r.Context(), h.timeout)
	defer cancel()
	identity, err := h.identities.GetIdentity(ctx, ident.ID)
	if err != nil {
		respondAppError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, identityResponse(identity))
}
