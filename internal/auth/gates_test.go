package auth

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/entitlement-service/internal/config"
	"github.com/spec-kit/entitlement-service/internal/domain"
	"github.com/spec-kit/entitlement-service/internal/events"
	"github.com/spec-kit/entitlement-service/internal/session"
)

type stubIdentity struct {
	session *domain.Session
}

func (s *stubIdentity) CurrentSession(context.Context) (*domain.Session, error) {
	return s.session, nil
}
func (s *stubIdentity) SignInWithPassword(context.Context, string, string) error {
	return nil
}
func (s *stubIdentity) SignUp(context.Context, string, string, domain.SignUpMetadata) (string, error) {
	return "", nil
}
func (s *stubIdentity) SignOut(context.Context) error                       { return nil }
func (s *stubIdentity) ResetPassword(context.Context, string) error         { return nil }
func (s *stubIdentity) OnSessionChange(events.Handler) (unsubscribe func()) { return func() {} }

type stubProfiles struct {
	profile *domain.Profile
	block   chan struct{}
}

func (s *stubProfiles) FetchOrCreate(ctx context.Context, _, _ string) (*domain.Profile, error) {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.profile.Clone(), nil
}

func (s *stubProfiles) Create(context.Context, string, string, domain.SignUpMetadata) (*domain.Profile, error) {
	return s.profile.Clone(), nil
}

func (s *stubProfiles) Update(context.Context, string, domain.ProfileUpdate) error { return nil }

type gateFixture struct {
	app      *fiber.App
	registry *session.Registry
}

func newGateFixture(t *testing.T, identity *stubIdentity, profiles *stubProfiles, wait time.Duration) *gateFixture {
	t.Helper()
	registry := session.NewRegistry(func(clientID string) (*session.Manager, error) {
		return session.NewManager(identity, profiles, session.Options{
			ClientID: clientID,
			Retry:    config.ProfileConfig{FetchTimeout: time.Second},
		})
	}, time.Minute, nil, nil)
	t.Cleanup(registry.Close)

	gates := NewGates(GateConfig{
		Wait:       wait,
		SignInPath: "/login",
		PlansPath:  "/plans",
		Now:        func() time.Time { return time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC) },
	})
	clients := NewClientMiddleware(registry, "tb_client", false, time.Hour)

	app := fiber.New()
	app.Use(clients.Handle)
	ok := func(c *fiber.Ctx) error {
		state, found := StateFromContext(c)
		if !found {
			return c.SendStatus(http.StatusInternalServerError)
		}
		return c.SendString(string(state.Phase))
	}
	app.Get("/app/account", gates.RequireSession(), ok)
	app.Get("/app/dashboard", gates.RequirePaidPlan(), ok)
	return &gateFixture{app: app, registry: registry}
}

func readySession() *stubIdentity {
	return &stubIdentity{session: &domain.Session{
		SubjectID: "user-1",
		Email:     "ana@example.com",
		ExpiresAt: time.Now().Add(time.Hour),
	}}
}

func TestGateRedirectsAnonymousToSignIn(t *testing.T) {
	f := newGateFixture(t, &stubIdentity{}, &stubProfiles{}, time.Second)

	resp, err := f.app.Test(httptest.NewRequest(http.MethodGet, "/app/dashboard", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/login?from=%2Fapp%2Fdashboard", resp.Header.Get("Location"))

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "tb_client" {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, 1, f.registry.Len())
}

func TestGateReusesClientCookie(t *testing.T) {
	f := newGateFixture(t, &stubIdentity{}, &stubProfiles{}, time.Second)

	req := httptest.NewRequest(http.MethodGet, "/app/account", nil)
	req.AddCookie(&http.Cookie{Name: "tb_client", Value: "5f0c2f3e-8d4e-4a43-9d7c-0b6f3f1f2a11"})
	_, err := f.app.Test(req)
	require.NoError(t, err)

	req = httptest.NewRequest(http.MethodGet, "/app/account", nil)
	req.AddCookie(&http.Cookie{Name: "tb_client", Value: "5f0c2f3e-8d4e-4a43-9d7c-0b6f3f1f2a11"})
	_, err = f.app.Test(req)
	require.NoError(t, err)

	assert.Equal(t, 1, f.registry.Len())
}

func TestGateAllowsPaidPlan(t *testing.T) {
	profile := domain.NewDefaultProfile("user-1", "ana@example.com")
	f := newGateFixture(t, readySession(), &stubProfiles{profile: profile}, time.Second)

	resp, err := f.app.Test(httptest.NewRequest(http.MethodGet, "/app/dashboard", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "ready", string(body))
}

func TestGateSendsCanceledPlanToPlans(t *testing.T) {
	profile := domain.NewDefaultProfile("user-1", "ana@example.com")
	profile.PlanStatus = domain.PlanStatusCanceled
	f := newGateFixture(t, readySession(), &stubProfiles{profile: profile}, time.Second)

	resp, err := f.app.Test(httptest.NewRequest(http.MethodGet, "/app/dashboard?tab=1", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/plans", location.Path)
	assert.Equal(t, "choose-plan", location.Query().Get("reason"))
	assert.Equal(t, "/app/dashboard?tab=1", location.Query().Get("returnTo"))

	resp, err = f.app.Test(httptest.NewRequest(http.MethodGet, "/app/account", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGateSendsExpiredTrialToPlans(t *testing.T) {
	ended := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	profile := domain.NewDefaultProfile("user-1", "ana@example.com")
	profile.PlanStatus = domain.PlanStatusTrial
	profile.TrialEndsAt = &ended
	f := newGateFixture(t, readySession(), &stubProfiles{profile: profile}, time.Second)

	resp, err := f.app.Test(httptest.NewRequest(http.MethodGet, "/app/dashboard", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "expired", location.Query().Get("reason"))
}

func TestGateAnswersLoadingWhileProfilePending(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	profiles := &stubProfiles{profile: domain.NewDefaultProfile("user-1", "ana@example.com"), block: block}
	f := newGateFixture(t, readySession(), profiles, 20*time.Millisecond)

	resp, err := f.app.Test(httptest.NewRequest(http.MethodGet, "/app/account", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get(fiber.HeaderRetryAfter))
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"status":"loading"}`, string(body))
}

func TestGateHoldsExpiredGrantThatCannotRenew(t *testing.T) {
	identity := &stubIdentity{session: &domain.Session{
		SubjectID: "user-1",
		Email:     "ana@example.com",
		ExpiresAt: time.Now().Add(-time.Minute),
	}}
	f := newGateFixture(t, identity, &stubProfiles{profile: domain.NewDefaultProfile("user-1", "ana@example.com")}, time.Second)

	resp, err := f.app.Test(httptest.NewRequest(http.MethodGet, "/app/dashboard", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"status":"loading"}`, string(body))
}
