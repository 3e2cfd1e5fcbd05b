package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

const (
	// SessionCookieName is the cookie carrying the signed session token.
	SessionCookieName = "face_attendance_session"
	tokenBytes        = 32
)

// Session is an authenticated identity. It carries only the identity id.
type Session struct {
	Token      string
	IdentityID int64
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// SessionData is the JSON form of a session
type SessionData struct {
	SessionID  string `json:"session_id"`
	IdentityID int64  `json:"identity_id"`
	ExpiresAt  string `json:"expires_at"`
}

// ToJSON returns the session data for JSON response
func (s *Session) ToJSON() SessionData {
	return SessionData{
		SessionID:  s.Token,
		IdentityID: s.IdentityID,
		ExpiresAt:  s.ExpiresAt.Format(time.RFC3339),
	}
}

// MarshalJSON implements json.Marshaler
func (s *Session) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.ToJSON())
}

func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// SetSessionCookie sets the signed session cookie on the response
func (g *Gateway) SetSessionCookie(w http.ResponseWriter, r *http.Request, session *Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    session.Token + "." + g.sign(session.Token),
		Path:     "/",
		HttpOnly: true,
		Secure:   r != nil && r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(g.ttl.Seconds()),
	})
}

// ClearSessionCookie removes the session cookie
func (g *Gateway) ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
}

// TokenFromRequest extracts the session token from a signed cookie or a Bearer header.
// A cookie with a bad signature is ignored.
func (g *Gateway) TokenFromRequest(r *http.Request) string {
	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		token, signature, ok := strings.Cut(cookie.Value, ".")
		if ok && g.verify(token, signature) {
			return token
		}
	}

	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// sign creates an HMAC signature for data
func (g *Gateway) sign(data string) string {
	h := hmac.New(sha256.New, g.secret)
	h.Write([]byte(data))
	return base64.URLEncoding.EncodeToString(h.Sum(nil))
}

func (g *Gateway) verify(data, signature string) bool {
	return hmac.Equal([]byte(signature), []byte(g.sign(data)))
}
