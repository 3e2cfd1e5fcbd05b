// Package gateway turns a face encoding into a session and resolves session tokens
// back to identity ids. A Gateway owns all session state; create it with New, start it
// with Init and release it with Shutdown.
package gateway

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kozaktomas/face-attendance/internal/apperr"
	"github.com/kozaktomas/face-attendance/internal/matcher"
	"github.com/kozaktomas/face-attendance/internal/metrics"
)

// DefaultTTL is the session lifetime when none is configured.
const DefaultTTL = 24 * time.Hour

// Reason explains why authentication failed.
type Reason string

const (
	ReasonNoFace        Reason = "no_face"
	ReasonNoMatch       Reason = "ambiguous_or_no_match"
	ReasonEmptyRegistry Reason = "empty_registry"
)

// AuthError is returned by Authenticate when the probe does not resolve to an identity.
type AuthError struct {
	Reason Reason
}

func (e *AuthError) Error() string {
	switch e.Reason {
	case ReasonNoFace:
		return "no usable face in the image"
	case ReasonEmptyRegistry:
		return "no identities are enrolled"
	default:
		return "face not recognised"
	}
}

// ErrNotInitialized is returned by Authenticate outside Init/Shutdown.
var ErrNotInitialized = apperr.New(apperr.ErrUnavailable, "gateway not initialized")

// Identifier resolves a probe encoding against the registry.
type Identifier interface {
	Identify(ctx context.Context, probe []float32) (matcher.Result, error)
}

// Config configures a Gateway.
type Config struct {
	Secret        string        // HMAC key for cookies; random when empty
	TTL           time.Duration // session lifetime
	SweepInterval time.Duration // how often expired sessions are dropped; TTL/4 capped to a minute by default
	Now           func() time.Time
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

// Gateway is the session gateway.
type Gateway struct {
	identifier Identifier
	secret     []byte
	ttl        time.Duration
	sweep      time.Duration
	now        func() time.Time
	metrics    *metrics.Metrics
	logger     *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	running  bool
	stop     chan struct{}
	done     chan struct{}
}

// New creates a stopped gateway.
func New(cfg Config, identifier Identifier) (*Gateway, error) {
	if identifier == nil {
		return nil, errors.New("identifier is required")
	}
	secret := []byte(cfg.Secret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generating session secret: %w", err)
		}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = min(cfg.TTL/4, time.Minute)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gateway{
		identifier: identifier,
		secret:     secret,
		ttl:        cfg.TTL,
		sweep:      cfg.SweepInterval,
		now:        cfg.Now,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		sessions:   make(map[string]*Session),
	}, nil
}

// Init starts the expiry sweeper. Calling Init on a running gateway is an error.
func (g *Gateway) Init() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return errors.New("gateway already initialized")
	}
	g.running = true
	g.stop = make(chan struct{})
	g.done = make(chan struct{})
	go g.sweeper(g.stop, g.done)
	return nil
}

// Shutdown stops the sweeper and drops every session. It is safe to call more than once.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	g.running = false
	stop, done := g.stop, g.done
	clear(g.sessions)
	g.metrics.SetActiveSessions(0)
	g.mu.Unlock()

	close(stop)
	<-done
}

func (g *Gateway) sweeper(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(g.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if n := g.expire(); n > 0 {
				g.logger.Debug("expired sessions removed", "count", n)
			}
		}
	}
}

// expire removes sessions past their expiry and returns how many were removed.
func (g *Gateway) expire() int {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for token, s := range g.sessions {
		if !now.Before(s.ExpiresAt) {
			delete(g.sessions, token)
			n++
		}
	}
	g.metrics.SetActiveSessions(len(g.sessions))
	return n
}

// Authenticate identifies probe and opens a session for the matched identity. Match
// failures return *AuthError; storage failures are returned unchanged.
func (g *Gateway) Authenticate(ctx context.Context, probe []float32) (*Session, error) {
	if !g.isRunning() {
		return nil, ErrNotInitialized
	}

	res, err := g.identifier.Identify(ctx, probe)
	if err != nil {
		g.metrics.RecordAuth("error")
		return nil, err
	}

	var reason Reason
	switch res.Outcome {
	case matcher.Matched:
		s, err := g.open(res.IdentityID)
		if err != nil {
			g.metrics.RecordAuth("error")
			return nil, err
		}
		g.metrics.RecordAuth("ok")
		return s, nil
	case matcher.NoCandidates:
		reason = ReasonEmptyRegistry
	case matcher.InvalidInput:
		reason = ReasonNoFace
	default:
		reason = ReasonNoMatch
	}
	g.metrics.RecordAuth(string(reason))
	return nil, &AuthError{Reason: reason}
}

// EncodeFailure converts an encoder failure into the matching authentication error.
// Errors that are not about the image itself pass through.
func EncodeFailure(err error) error {
	switch {
	case errors.Is(err, apperr.ErrNoFace),
		errors.Is(err, apperr.ErrMultipleFaces),
		errors.Is(err, apperr.ErrDecode):
		return &AuthError{Reason: ReasonNoFace}
	default:
		return err
	}
}

func (g *Gateway) open(identityID int64) (*Session, error) {
	token, err := newToken()
	if err != nil {
		return nil, fmt.Errorf("generating session token: %w", err)
	}
	now := g.now()
	s := &Session{
		Token:      token,
		IdentityID: identityID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(g.ttl),
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.running {
		return nil, ErrNotInitialized
	}
	g.sessions[token] = s
	g.metrics.SetActiveSessions(len(g.sessions))
	return s, nil
}

// Session returns a copy of the live session for token.
func (g *Gateway) Session(token string) (*Session, bool) {
	if token == "" {
		return nil, false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.sessions[token]
	if !ok || !g.now().Before(s.ExpiresAt) {
		return nil, false
	}
	c := *s
	return &c, true
}

// RequireSession resolves token to an identity id. Unknown, expired and malformed
// tokens all return apperr.ErrUnauthorized.
func (g *Gateway) RequireSession(token string) (int64, error) {
	s, ok := g.Session(token)
	if !ok {
		return 0, apperr.ErrUnauthorized
	}
	return s.IdentityID, nil
}

// Logout ends the session for token. Unknown tokens are ignored.
func (g *Gateway) Logout(token string) {
	g.mu.Lock()
	delete(g.sessions, token)
	g.metrics.SetActiveSessions(len(g.sessions))
	g.mu.Unlock()
}

// Count returns the number of stored sessions, expired ones not yet swept included.
func (g *Gateway) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions)
}

func (g *Gateway) isRunning() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.running
}
