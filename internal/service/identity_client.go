package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/entitlement-service/internal/domain"
	"github.com/spec-kit/entitlement-service/internal/events"
	"github.com/spec-kit/entitlement-service/internal/repository"
	apperrors "github.com/spec-kit/entitlement-service/pkg/util/errorutil"
)

// IdentityClient is the identity provider as seen by one user agent: it keeps
// that agent's current grant, refreshes it on expiry and announces every
// change to its subscribers.
type IdentityClient struct {
	clientID   string
	idp        *IdentityService
	store      repository.ClientSessionStore
	dispatcher events.Dispatcher
	logger     *zap.Logger
	now        func() time.Time

	// mu serializes grant reads that may rotate the refresh token.
	mu sync.Mutex
}

func newIdentityClient(clientID string, idp *IdentityService, store repository.ClientSessionStore, logger *zap.Logger) *IdentityClient {
	return &IdentityClient{
		clientID:   clientID,
		idp:        idp,
		store:      store,
		dispatcher: events.NewInMemoryDispatcher(),
		logger:     logger.With(zap.String("client_id", clientID)),
		now:        idp.now,
	}
}

// CurrentSession returns the stored grant, refreshing it when the access token
// has expired or no longer verifies. A grant whose refresh is rejected is dropped and nil returned.
func (c *IdentityClient) CurrentSession(ctx context.Context) (*domain.Session, error) {
	sess, event, err := c.currentSession(ctx)
	if event != nil {
		c.dispatcher.Publish(*event)
	}
	return sess, err
}

func (c *IdentityClient) currentSession(ctx context.Context) (*domain.Session, *events.SessionEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess, err := c.store.Get(ctx, c.clientID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	if !sess.Expired(c.now()) {
		if _, err := c.idp.Verify(sess.AccessToken); err == nil {
			return sess, nil, nil
		}
	}

	refreshed, err := c.idp.Refresh(ctx, sess.RefreshToken)
	if err != nil {
		if !apperrors.IsCode(err, "TOKEN_INVALID") {
			return nil, nil, err
		}
		c.logger.Info("stored session no longer refreshable", zap.String("subject_id", sess.SubjectID))
		if err := c.store.Delete(ctx, c.clientID); err != nil {
			return nil, nil, err
		}
		return nil, c.event(events.KindSignedOut, nil), nil
	}
	if err := c.store.Save(ctx, c.clientID, refreshed, c.idp.refreshTTL); err != nil {
		return nil, nil, err
	}
	return refreshed, c.event(events.KindTokenRefreshed, refreshed), nil
}

// SignInWithPassword authenticates and stores the new grant.
func (c *IdentityClient) SignInWithPassword(ctx context.Context, email, password string) error {
	sess, err := c.idp.SignIn(ctx, email, password)
	if err != nil {
		return err
	}
	if err := c.replace(ctx, sess); err != nil {
		return err
	}
	c.dispatcher.Publish(*c.event(events.KindSignedIn, sess))
	return nil
}

// SignUp registers the account, signs it in and returns the new subject id.
func (c *IdentityClient) SignUp(ctx context.Context, email, password string, meta domain.SignUpMetadata) (string, error) {
	sess, err := c.idp.SignUp(ctx, email, password, meta)
	if err != nil {
		return "", err
	}
	if err := c.replace(ctx, sess); err != nil {
		return "", err
	}
	c.dispatcher.Publish(*c.event(events.KindSignedIn, sess))
	return sess.SubjectID, nil
}

// SignOut drops the local grant and revokes its refresh token.
func (c *IdentityClient) SignOut(ctx context.Context) error {
	c.mu.Lock()
	sess, err := c.store.Get(ctx, c.clientID)
	if err != nil && !errors.Is(err, repository.ErrSessionNotFound) {
		c.mu.Unlock()
		return err
	}
	if err := c.store.Delete(ctx, c.clientID); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	if sess != nil {
		if err := c.idp.Revoke(ctx, sess.RefreshToken); err != nil {
			c.logger.Warn("revoke refresh token", zap.Error(err))
		}
	}
	c.dispatcher.Publish(*c.event(events.KindSignedOut, nil))
	return nil
}

// ResetPassword starts password recovery for email.
func (c *IdentityClient) ResetPassword(ctx context.Context, email string) error {
	return c.idp.RequestPasswordReset(ctx, email)
}

// OnSessionChange registers handler for session notifications.
func (c *IdentityClient) OnSessionChange(handler events.Handler) (unsubscribe func()) {
	return c.dispatcher.Subscribe(handler)
}

func (c *IdentityClient) replace(ctx context.Context, sess *domain.Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	previous, err := c.store.Get(ctx, c.clientID)
	if err != nil && !errors.Is(err, repository.ErrSessionNotFound) {
		return err
	}
	if err := c.store.Save(ctx, c.clientID, sess, c.idp.refreshTTL); err != nil {
		return err
	}
	if previous != nil && previous.RefreshToken != sess.RefreshToken {
		if err := c.idp.Revoke(ctx, previous.RefreshToken); err != nil {
			c.logger.Warn("revoke replaced refresh token", zap.Error(err))
		}
	}
	return nil
}

func (c *IdentityClient) event(kind events.Kind, sess *domain.Session) *events.SessionEvent {
	return &events.SessionEvent{Kind: kind, Session: sess, Timestamp: c.now()}
}
