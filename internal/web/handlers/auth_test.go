package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kozaktomas/face-attendance/internal/apperr"
	"github.com/kozaktomas/face-attendance/internal/gateway"
)

func registerRequest(t *testing.T, fields map[string]string, img string) *http.Request {
	t.Helper()
	return multipartRequest(t, "POST", "/api/v1/auth/register", fields, formFile{"image", "face.jpg", []byte(img)})
}

func TestAuthHandler_Register_Success(t *testing.T) {
	env := newTestEnv(t)
	env.encoder.set("ada-face", []float32{0.1, 0.2, 0.3})

	req := registerRequest(t, map[string]string{
		"full_name":   "Ada Lovelace",
		"email":       "ada@example.com",
		"external_id": "S-001",
	}, "ada-face")
	recorder := httptest.NewRecorder()

	env.auth.Register(recorder, req)

	assertStatusCode(t, recorder, http.StatusCreated)
	assertContentType(t, recorder, "application/json")

	var response RegisterResponse
	parseJSONResponse(t, recorder, &response)
	if !response.Success || response.ID == 0 {
		t.Errorf("expected success with an id, got %+v", response)
	}

	ident, err := env.store.GetIdentity(context.Background(), response.ID)
	if err != nil {
		t.Fatalf("expected enrolled identity: %v", err)
	}
	if ident.Email != "ada@example.com" || ident.ExternalID != "S-001" {
		t.Errorf("unexpected identity %+v", ident)
	}
}

func TestAuthHandler_Register_LegacyFieldNames(t *testing.T) {
	env := newTestEnv(t)
	env.encoder.set("grace-face", []float32{0.4, 0.4, 0.4})

	req := registerRequest(t, map[string]string{
		"fullName":  "Grace Hopper",
		"email":     "grace@example.com",
		"studentId": "S-002",
	}, "grace-face")
	recorder := httptest.NewRecorder()

	env.auth.Register(recorder, req)

	assertStatusCode(t, recorder, http.StatusCreated)
}

func TestAuthHandler_Register_Errors(t *testing.T) {
	valid := map[string]string{
		"full_name":   "Ada Lovelace",
		"email":       "ada@example.com",
		"external_id": "S-001",
	}

	tests := []struct {
		name       string
		setup      func(t *testing.T, env *testEnv)
		fields     map[string]string
		img        string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "no face in image",
			fields:     valid,
			img:        "empty-wall",
			wantStatus: http.StatusBadRequest,
			wantCode:   "no_face",
		},
		{
			name: "multiple faces",
			setup: func(t *testing.T, env *testEnv) {
				env.encoder.err = apperr.ErrMultipleFaces
			},
			fields:     valid,
			img:        "group-photo",
			wantStatus: http.StatusBadRequest,
			wantCode:   "multiple_faces",
		},
		{
			name: "encoder down",
			setup: func(t *testing.T, env *testEnv) {
				env.encoder.err = apperr.New(apperr.ErrUpstream, "embedding server unreachable")
			},
			fields:     valid,
			img:        "ada-face",
			wantStatus: http.StatusBadGateway,
			wantCode:   "upstream_error",
		},
		{
			name: "missing email",
			setup: func(t *testing.T, env *testEnv) {
				env.encoder.set("ada-face", []float32{0.1, 0.2, 0.3})
			},
			fields:     map[string]string{"full_name": "Ada Lovelace", "external_id": "S-001"},
			img:        "ada-face",
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_input",
		},
		{
			name: "duplicate email",
			setup: func(t *testing.T, env *testEnv) {
				env.enroll(t, "Other", "ada@example.com", "S-999", "other-face", []float32{0.9, 0.9, 0.9})
				env.encoder.set("ada-face", []float32{0.1, 0.2, 0.3})
			},
			fields:     valid,
			img:        "ada-face",
			wantStatus: http.StatusConflict,
			wantCode:   "duplicate",
		},
		{
			name: "wrong encoding dimension",
			setup: func(t *testing.T, env *testEnv) {
				env.encoder.set("ada-face", []float32{0.1, 0.2})
			},
			fields:     valid,
			img:        "ada-face",
			wantStatus: http.StatusBadRequest,
			wantCode:   "dimension_mismatch",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			if tc.setup != nil {
				tc.setup(t, env)
			}
			recorder := httptest.NewRecorder()

			env.auth.Register(recorder, registerRequest(t, tc.fields, tc.img))

			assertStatusCode(t, recorder, tc.wantStatus)
			assertJSONError(t, recorder, tc.wantCode)
		})
	}
}

func TestAuthHandler_Register_MissingImage(t *testing.T) {
	env := newTestEnv(t)
	req := multipartRequest(t, "POST", "/api/v1/auth/register", map[string]string{"full_name": "Ada"})
	recorder := httptest.NewRecorder()

	env.auth.Register(recorder, req)

	assertStatusCode(t, recorder, http.StatusBadRequest)
	assertJSONError(t, recorder, "invalid_input")
}

func TestAuthHandler_Login_Success(t *testing.T) {
	env := newTestEnv(t)
	id := env.enroll(t, "Ada Lovelace", "ada@example.com", "S-001", "ada-face", []float32{0.1, 0.2, 0.3})
	env.encoder.set("ada-probe", []float32{0.12, 0.2, 0.31})

	req := multipartRequest(t, "POST", "/api/v1/auth/login", nil, formFile{"image", "probe.jpg", []byte("ada-probe")})
	recorder := httptest.NewRecorder()

	env.auth.Login(recorder, req)

	assertStatusCode(t, recorder, http.StatusOK)

	var response LoginResponse
	parseJSONResponse(t, recorder, &response)
	if !response.Success || response.SessionID == "" || response.ExpiresAt == "" {
		t.Errorf("expected a session, got %+v", response)
	}
	if response.Identity == nil || response.Identity.ID != id || response.Identity.FullName != "Ada Lovelace" {
		t.Errorf("expected identity %d, got %+v", id, response.Identity)
	}

	var sessionCookie *http.Cookie
	for _, c := range recorder.Result().Cookies() {
		if c.Name == gateway.SessionCookieName {
			sessionCookie = c
		}
	}
	if sessionCookie == nil || !sessionCookie.HttpOnly {
		t.Fatalf("expected an HttpOnly session cookie, got %+v", sessionCookie)
	}

	if got, err := env.gateway.RequireSession(response.SessionID); err != nil || got != id {
		t.Errorf("expected session for %d, got %d (%v)", id, got, err)
	}
}

func TestAuthHandler_Login_Failures(t *testing.T) {
	tests := []struct {
		name     string
		enroll   bool
		probe    []float32
		encErr   error
		wantCode string
	}{
		{"empty registry", false, []float32{0.1, 0.2, 0.3}, nil, "empty_registry"},
		{"stranger", true, []float32{5, 5, 5}, nil, "ambiguous_or_no_match"},
		{"no face", true, nil, apperr.ErrNoFace, "no_face"},
		{"multiple faces", true, nil, apperr.ErrMultipleFaces, "no_face"},
		{"undecodable image", true, nil, apperr.ErrDecode, "no_face"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			if tc.enroll {
				env.enroll(t, "Ada Lovelace", "ada@example.com", "S-001", "ada-face", []float32{0.1, 0.2, 0.3})
			}
			if tc.probe != nil {
				env.encoder.set("probe", tc.probe)
			}
			env.encoder.err = tc.encErr

			req := multipartRequest(t, "POST", "/api/v1/auth/login", nil, formFile{"image", "probe.jpg", []byte("probe")})
			recorder := httptest.NewRecorder()

			env.auth.Login(recorder, req)

			assertStatusCode(t, recorder, http.StatusUnauthorized)
			assertJSONError(t, recorder, tc.wantCode)
			if env.gateway.Count() != 0 {
				t.Errorf("expected no session, got %d", env.gateway.Count())
			}
		})
	}
}

func TestAuthHandler_Login_UpstreamFailure(t *testing.T) {
	env := newTestEnv(t)
	env.enroll(t, "Ada Lovelace", "ada@example.com", "S-001", "ada-face", []float32{0.1, 0.2, 0.3})
	env.encoder.err = apperr.New(apperr.ErrUpstream, "embedding server unreachable")

	req := multipartRequest(t, "POST", "/api/v1/auth/login", nil, formFile{"image", "probe.jpg", []byte("ada-face")})
	recorder := httptest.NewRecorder()

	env.auth.Login(recorder, req)

	assertStatusCode(t, recorder, http.StatusBadGateway)
	assertJSONError(t, recorder, "upstream_error")
}

func TestAuthHandler_Logout(t *testing.T) {
	env := newTestEnv(t)
	env.enroll(t, "Ada Lovelace", "ada@example.com", "S-001", "ada-face", []float32{0.1, 0.2, 0.3})
	session := env.login(t, "ada-face")

	for range 2 {
		req := httptest.NewRequest("POST", "/api/v1/auth/logout", nil)
		req.Header.Set("Authorization", "Bearer "+session.Token)
		recorder := httptest.NewRecorder()

		env.auth.Logout(recorder, req)

		assertStatusCode(t, recorder, http.StatusOK)
		var response map[string]bool
		parseJSONResponse(t, recorder, &response)
		if !response["success"] {
			t.Error("expected success to be true")
		}
	}

	if _, ok := env.gateway.Session(session.Token); ok {
		t.Error("expected session to be gone after logout")
	}
}

func TestAuthHandler_Logout_WithoutSession(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest("POST", "/api/v1/auth/logout", nil)
	recorder := httptest.NewRecorder()

	env.auth.Logout(recorder, req)

	assertStatusCode(t, recorder, http.StatusOK)
}

func TestAuthHandler_Status(t *testing.T) {
	env := newTestEnv(t)
	id := env.enroll(t, "Ada Lovelace", "ada@example.com", "S-001", "ada-face", []float32{0.1, 0.2, 0.3})
	session := env.login(t, "ada-face")

	t.Run("authenticated", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/auth/status", nil)
		req.Header.Set("Authorization", "Bearer "+session.Token)
		recorder := httptest.NewRecorder()

		env.auth.Status(recorder, req)

		var response StatusResponse
		parseJSONResponse(t, recorder, &response)
		if !response.Authenticated || response.IdentityID != id || response.ExpiresAt == "" {
			t.Errorf("unexpected status %+v", response)
		}
	})

	t.Run("anonymous", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/auth/status", nil)
		recorder := httptest.NewRecorder()

		env.auth.Status(recorder, req)

		assertStatusCode(t, recorder, http.StatusOK)
		var response StatusResponse
		parseJSONResponse(t, recorder, &response)
		if response.Authenticated {
			t.Error("expected authenticated to be false")
		}
	})
}

func TestAuthHandler_Me(t *testing.T) {
	env := newTestEnv(t)
	id := env.enroll(t, "Ada Lovelace", "ada@example.com", "S-001", "ada-face", []float32{0.1, 0.2, 0.3})

	t.Run("identity", func(t *testing.T) {
		req := requestAs(httptest.NewRequest("GET", "/api/v1/me", nil), id)
		recorder := httptest.NewRecorder()

		env.auth.Me(recorder, req)

		assertStatusCode(t, recorder, http.StatusOK)
		var response IdentityResponse
		parseJSONResponse(t, recorder, &response)
		if response.ID != id || response.Email != "ada@example.com" {
			t.Errorf("unexpected identity %+v", response)
		}
		if strings.Contains(recorder.Body.String(), "encoding") {
			t.Errorf("expected no encoding in response, got %s", recorder.Body.String())
		}
	})

	t.Run("unknown identity", func(t *testing.T) {
		req := requestAs(httptest.NewRequest("GET", "/api/v1/me", nil), id+100)
		recorder := httptest.NewRecorder()

		env.auth.Me(recorder, req)

		assertStatusCode(t, recorder, http.StatusNotFound)
		assertJSONError(t, recorder, "not_found")
	})

	t.Run("no identity in context", func(t *testing.T) {
		recorder := httptest.NewRecorder()

		env.auth.Me(recorder, httptest.NewRequest("GET", "/api/v1/me", nil))

		assertStatusCode(t, recorder, http.StatusUnauthorized)
	})
}
