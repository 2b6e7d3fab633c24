package authz

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_AllowsUnderLimit(t *testing.T) {
	l := NewRateLimiter(3, time.Minute)
	now := time.Now()

	for i := 0; i < 3; i++ {
		ok, retryAfterMs := l.Allow("u1", "/send", now)
		assert.True(t, ok)
		assert.Zero(t, retryAfterMs)
	}
}

func TestRateLimiter_DeniesOverLimit(t *testing.T) {
	l := NewRateLimiter(2, time.Minute)
	now := time.Now()

	l.Allow("u1", "/send", now)
	l.Allow("u1", "/send", now)
	ok, retryAfterMs := l.Allow("u1", "/send", now)

	assert.False(t, ok)
	assert.Greater(t, retryAfterMs, int64(0))
}

func TestRateLimiter_ResetsAfterWindow(t *testing.T) {
	l := NewRateLimiter(1, time.Second)
	now := time.Now()

	ok, _ := l.Allow("u1", "/send", now)
	assert.True(t, ok)

	ok, _ = l.Allow("u1", "/send", now.Add(2*time.Second))
	assert.True(t, ok)
}

func TestRateLimiter_BucketsAreIndependentPerRoute(t *testing.T) {
	l := NewRateLimiter(1, time.Minute)
	now := time.Now()

	ok, _ := l.Allow("u1", "/send", now)
	assert.True(t, ok)

	ok, _ = l.Allow("u1", "/read", now)
	assert.True(t, ok)
}

func TestCheck_PublicRouteAlwaysAllowed(t *testing.T) {
	m := New(Config{})
	d := m.Check(context.Background(), Request{IsPublic: true}, time.Now())
	assert.True(t, d.Allow)
}

func TestCheck_UnauthenticatedDenied(t *testing.T) {
	m := New(Config{})
	d := m.Check(context.Background(), Request{}, time.Now())
	assert.False(t, d.Allow)
	assert.Equal(t, 401, d.StatusCode)
}

func TestCheck_RateLimited(t *testing.T) {
	limiter := NewRateLimiter(1, time.Minute)
	m := New(Config{Limiter: limiter})
	now := time.Now()
	principal := &Principal{UserID: "u1"}

	d := m.Check(context.Background(), Request{Route: "/send", Principal: principal}, now)
	assert.True(t, d.Allow)

	d = m.Check(context.Background(), Request{Route: "/send", Principal: principal}, now)
	assert.False(t, d.Allow)
	assert.Equal(t, 429, d.StatusCode)
	assert.Greater(t, d.RetryAfterMs, int64(0))
}

func TestCheck_NoConversationIDAllowed(t *testing.T) {
	m := New(Config{})
	principal := &Principal{UserID: "u1"}
	d := m.Check(context.Background(), Request{Principal: principal}, time.Now())
	assert.True(t, d.Allow)
}

func TestCheck_SelfOperationShortCircuits(t *testing.T) {
	m := New(Config{})
	principal := &Principal{UserID: "u1"}
	req := Request{
		Principal:      principal,
		ConversationID: "conv1",
		TargetUserID:   "u1",
	}
	d := m.Check(context.Background(), req, time.Now())
	assert.True(t, d.Allow)
	assert.Equal(t, RoleMember, d.Role)
}

type fakeParticipantResolver struct {
	userIDs []string
	err     error
}

func (f fakeParticipantResolver) Resolve(ctx context.Context, conversationID string) ([]string, error) {
	return f.userIDs, f.err
}

type fakeRoleSource struct {
	roles map[string]Role
}

func (f fakeRoleSource) RoleOf(ctx context.Context, conversationID, userID string) (Role, error) {
	return f.roles[userID], nil
}

func TestCheck_AdminRouteAllowsAdminRole(t *testing.T) {
	m := New(Config{
		Participants: fakeParticipantResolver{userIDs: []string{"u1", "u2"}},
		Roles:        fakeRoleSource{roles: map[string]Role{"u1": RoleAdmin}},
	})
	req := Request{
		Principal:      &Principal{UserID: "u1"},
		ConversationID: "conv1",
		IsAdminRoute:   true,
	}

	d := m.Check(context.Background(), req, time.Now())

	assert.True(t, d.Allow)
	assert.Equal(t, RoleAdmin, d.Role)
}

func TestCheck_AdminRouteDeniesMemberRole(t *testing.T) {
	m := New(Config{
		Participants: fakeParticipantResolver{userIDs: []string{"u1", "u2"}},
		Roles:        fakeRoleSource{roles: map[string]Role{"u1": RoleMember}},
	})
	req := Request{
		Principal:      &Principal{UserID: "u1"},
		ConversationID: "conv1",
		IsAdminRoute:   true,
	}

	d := m.Check(context.Background(), req, time.Now())

	assert.False(t, d.Allow)
	assert.Equal(t, 403, d.StatusCode)
	assert.Equal(t, "insufficient_role", d.Reason)
}

func TestCheck_NonMemberDeniedEvenWithRoles(t *testing.T) {
	m := New(Config{
		Participants: fakeParticipantResolver{userIDs: []string{"u2"}},
		Roles:        fakeRoleSource{roles: map[string]Role{"u1": RoleOwner}},
	})
	req := Request{
		Principal:      &Principal{UserID: "u1"},
		ConversationID: "conv1",
	}

	d := m.Check(context.Background(), req, time.Now())

	assert.False(t, d.Allow)
	assert.Equal(t, 403, d.StatusCode)
}

func TestCheck_NonAdminRouteDefaultsToMemberWithoutRoleSource(t *testing.T) {
	m := New(Config{
		Participants: fakeParticipantResolver{userIDs: []string{"u1"}},
	})
	req := Request{
		Principal:      &Principal{UserID: "u1"},
		ConversationID: "conv1",
	}

	d := m.Check(context.Background(), req, time.Now())

	assert.True(t, d.Allow)
	assert.Equal(t, RoleMember, d.Role)
}

func TestContainsString(t *testing.T) {
	assert.True(t, containsString([]string{"a", "b"}, "b"))
	assert.False(t, containsString([]string{"a", "b"}, "c"))
	assert.False(t, containsString(nil, "c"))
}
