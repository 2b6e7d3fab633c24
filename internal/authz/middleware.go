// Package authz implements the authorization middleware pipeline of spec
// 4.11: public-route skip, auth requirement, fixed-window rate limiting,
// participant extraction, fail-closed participant check, and
// admin/self-operation short-circuits.
package authz

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/nyxloma/signalmesh/internal/apperrors"
	"github.com/sirupsen/logrus"
)

// Principal is the authenticated caller attached by upstream (spec 4.11
// step 2).
type Principal struct {
	UserID    string
	DeviceID  string
	SessionID string
	Scope     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Role is a participant's role within a conversation.
type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

// RoleSource resolves a participant's role within a conversation.
// participants.Cache only tracks membership (spec 4.10), so admin-route
// gating needs this separate, narrower source of role detail.
type RoleSource interface {
	RoleOf(ctx context.Context, conversationID, userID string) (Role, error)
}

// ParticipantResolver is the narrow capability the Middleware needs from
// a participants.Cache, narrowed the same way outbox.Broker/Repo narrow
// their collaborators so tests can fake it without a Redis client.
type ParticipantResolver interface {
	Resolve(ctx context.Context, conversationID string) ([]string, error)
}

// Request is the minimal shape the middleware needs from an inbound
// request; transport adapters (HTTP, WS upgrade) populate this.
type Request struct {
	Route          string
	IsPublic       bool
	IsAdminRoute   bool
	Principal      *Principal
	ConversationID string // empty if not applicable to this route
	TargetUserID   string // for participants/:userId self-operation short-circuit
}

// Decision is the middleware's outcome.
type Decision struct {
	Allow        bool
	StatusCode   int
	Reason       string
	RetryAfterMs int64
	Role         Role
}

// window is one fixed-window rate-limit bucket.
type window struct {
	count      int
	resetAt    time.Time
}

// RateLimiter is a stdlib-only fixed-window limiter keyed by
// (userId, route). See DESIGN.md for why this stays on the standard
// library rather than a third-party limiter.
type RateLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*window
	limit    int
	window   time.Duration
	lastSwept time.Time
	sweepEvery time.Duration
}

// NewRateLimiter constructs a fixed-window limiter. Default 100 req /
// 60s per spec 4.11 step 3.
func NewRateLimiter(limit int, win time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 100
	}
	if win <= 0 {
		win = 60 * time.Second
	}
	return &RateLimiter{
		buckets:    make(map[string]*window),
		limit:      limit,
		window:     win,
		sweepEvery: 5 * time.Minute,
	}
}

// Allow reports whether (userID, route) may proceed, and on denial the
// retryAfterMs computed per spec 4.11 ("max(0, resetAt - now)").
func (l *RateLimiter) Allow(userID, route string, now time.Time) (ok bool, retryAfterMs int64) {
	key := fmt.Sprintf("%s|%s", userID, route)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweepLocked(now)

	b, exists := l.buckets[key]
	if !exists || now.After(b.resetAt) {
		b = &window{count: 0, resetAt: now.Add(l.window)}
		l.buckets[key] = b
	}

	if b.count >= l.limit {
		remaining := b.resetAt.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		return false, remaining.Milliseconds()
	}
	b.count++
	return true, 0
}

func (l *RateLimiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSwept) < l.sweepEvery {
		return
	}
	l.lastSwept = now
	for k, b := range l.buckets {
		if now.After(b.resetAt) {
			delete(l.buckets, k)
		}
	}
}

// Middleware is the AuthorizationMiddleware of spec 4.11.
type Middleware struct {
	limiter      *RateLimiter
	participants ParticipantResolver
	roles        RoleSource
	log          *logrus.Entry
	sampleRate   float64 // denial-logging sample rate, default 0.01
}

// Config configures a Middleware.
type Config struct {
	Limiter      *RateLimiter
	Participants ParticipantResolver
	Roles        RoleSource
	Logger       *logrus.Entry
	SampleRate   float64
}

// New constructs a Middleware.
func New(cfg Config) *Middleware {
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 0.01
	}
	return &Middleware{
		limiter:      cfg.Limiter,
		participants: cfg.Participants,
		roles:        cfg.Roles,
		log:          cfg.Logger,
		sampleRate:   cfg.SampleRate,
	}
}

// Check runs the ordered pipeline of spec 4.11 against req.
func (m *Middleware) Check(ctx context.Context, req Request, now time.Time) Decision {
	if req.IsPublic {
		return Decision{Allow: true}
	}

	if req.Principal == nil {
		return Decision{Allow: false, StatusCode: 401, Reason: "unauthenticated"}
	}

	if m.limiter != nil {
		ok, retryAfterMs := m.limiter.Allow(req.Principal.UserID, req.Route, now)
		if !ok {
			return Decision{Allow: false, StatusCode: 429, Reason: "rate_limited", RetryAfterMs: retryAfterMs}
		}
	}

	if req.ConversationID == "" {
		return Decision{Allow: true}
	}

	if req.TargetUserID != "" && req.TargetUserID == req.Principal.UserID {
		return Decision{Allow: true, Role: RoleMember}
	}

	userIDs, role, err := m.checkParticipant(ctx, req)
	if err != nil {
		m.logDenial(req, "participant_cache_error")
		return Decision{Allow: false, StatusCode: 403, Reason: "participant_cache_error"}
	}

	member := containsString(userIDs, req.Principal.UserID)
	if !member {
		m.logDenial(req, "not_a_participant")
		return Decision{Allow: false, StatusCode: 403, Reason: "NOT_A_PARTICIPANT"}
	}

	if req.IsAdminRoute && role != RoleAdmin && role != RoleOwner {
		m.logDenial(req, "insufficient_role")
		return Decision{Allow: false, StatusCode: 403, Reason: "insufficient_role"}
	}

	return Decision{Allow: true, Role: role}
}

// checkParticipant implements the fail-closed participant check of spec
// 4.11 step 5: a non-empty cache hit is trusted as-is; a miss falls
// through to the cache's source-of-truth resolver. Role defaults to
// RoleMember when no RoleSource is wired or it reports no role.
func (m *Middleware) checkParticipant(ctx context.Context, req Request) ([]string, Role, error) {
	userIDs, err := m.participants.Resolve(ctx, req.ConversationID)
	if err != nil {
		return nil, "", apperrors.Wrap(apperrors.Forbidden, err, "participant resolution failed")
	}

	role := RoleMember
	if m.roles != nil {
		r, err := m.roles.RoleOf(ctx, req.ConversationID, req.Principal.UserID)
		if err != nil {
			return nil, "", apperrors.Wrap(apperrors.Forbidden, err, "role resolution failed")
		}
		if r != "" {
			role = r
		}
	}
	return userIDs, role, nil
}

func (m *Middleware) logDenial(req Request, reason string) {
	if rand.Float64() > m.sampleRate {
		return
	}
	m.log.WithFields(logrus.Fields{
		"route":           req.Route,
		"conversation_id": req.ConversationID,
		"reason":          reason,
	}).Info("authz: denial (sampled)")
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
