package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/spec-kit/entitlement-service/internal/auth"
	"github.com/spec-kit/entitlement-service/internal/config"
	"github.com/spec-kit/entitlement-service/internal/domain"
	"github.com/spec-kit/entitlement-service/internal/repository"
	apperrors "github.com/spec-kit/entitlement-service/pkg/util/errorutil"
)

// PasswordResetNotifier delivers reset links to the account owner.
type PasswordResetNotifier interface {
	SendPasswordReset(ctx context.Context, email, token string, expiresAt time.Time) error
}

// IdentityService is the identity provider: it owns credentials, issues
// access tokens and rotating refresh tokens, and runs password recovery.
type IdentityService struct {
	users      repository.UserRepository
	resets     repository.PasswordResetRepository
	refresh    repository.RefreshTokenStore
	clients    repository.ClientSessionStore
	notifier   PasswordResetNotifier
	tokenMgr   *auth.TokenManager
	validate   *validator.Validate
	logger     *zap.Logger
	passwords  auth.PasswordPolicy
	refreshTTL time.Duration
	resetTTL   time.Duration
	now        func() time.Time
}

// IdentityDependencies encapsulates repo requirements for the identity service.
type IdentityDependencies struct {
	UserRepo          repository.UserRepository
	PasswordResetRepo repository.PasswordResetRepository
	RefreshTokens     repository.RefreshTokenStore
	ClientSessions    repository.ClientSessionStore
	Notifier          PasswordResetNotifier
}

// NewIdentityService builds the service.
func NewIdentityService(cfg config.AuthConfig, deps IdentityDependencies, logger *zap.Logger) *IdentityService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IdentityService{
		users:      deps.UserRepo,
		resets:     deps.PasswordResetRepo,
		refresh:    deps.RefreshTokens,
		clients:    deps.ClientSessions,
		notifier:   deps.Notifier,
		tokenMgr:   auth.NewTokenManager(cfg.JWTSecret, cfg.AccessTokenTTL()),
		validate:   validator.New(),
		logger:     logger,
		passwords:  auth.NewPasswordPolicy(cfg.MinPasswordLength, cfg.BcryptCost),
		refreshTTL: cfg.RefreshTokenTTL(),
		resetTTL:   cfg.PasswordResetTTL(),
		now:        time.Now,
	}
}

// SignUp registers an account and signs it in.
func (s *IdentityService) SignUp(ctx context.Context, email, password string, meta domain.SignUpMetadata) (*domain.Session, error) {
	email = normalizeEmail(email)
	if err := s.checkCredentials(email, password); err != nil {
		return nil, err
	}

	if _, err := s.users.GetByEmail(ctx, email); err == nil {
		return nil, apperrors.NewEmailRegistered()
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	hash, err := s.passwords.Hash(password)
	if err != nil {
		return nil, err
	}

	user := &domain.User{
		FullName:     strings.TrimSpace(meta.FullName),
		Email:        email,
		PasswordHash: hash,
		CPF:          meta.CPF,
		Status:       domain.UserStatusActive,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrEmailTaken) {
			return nil, apperrors.NewEmailRegistered()
		}
		return nil, err
	}

	s.logger.Info("account registered", zap.String("subject_id", user.ID))
	return s.issueSession(ctx, user)
}

// SignIn authenticates an account with email and password.
func (s *IdentityService) SignIn(ctx context.Context, email, password string) (*domain.Session, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, apperrors.NewInvalidCredentials()
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewInvalidCredentials()
		}
		return nil, err
	}
	if err := s.passwords.Compare(user.PasswordHash, password); err != nil {
		return nil, apperrors.NewInvalidCredentials()
	}
	if user.Status != domain.UserStatusActive {
		return nil, apperrors.NewForbidden("account suspended")
	}
	if s.passwords.NeedsRehash(user.PasswordHash) {
		s.rehash(ctx, user, password)
	}
	return s.issueSession(ctx, user)
}

// Refresh exchanges a refresh token for a new session. The presented token is
// consumed; reuse fails.
func (s *IdentityService) Refresh(ctx context.Context, refreshToken string) (*domain.Session, error) {
	if refreshToken == "" {
		return nil, apperrors.NewInvalidToken("refresh token invalid or expired")
	}
	subjectID, err := s.refresh.Consume(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, apperrors.NewInvalidToken("refresh token invalid or expired")
		}
		return nil, err
	}

	user, err := s.users.GetByID(ctx, subjectID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewInvalidToken("refresh token invalid or expired")
		}
		return nil, err
	}
	if user.Status != domain.UserStatusActive {
		return nil, apperrors.NewInvalidToken("account suspended")
	}
	return s.issueSession(ctx, user)
}

// Revoke invalidates a refresh token. Unknown tokens are ignored.
func (s *IdentityService) Revoke(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.refresh.Delete(ctx, refreshToken)
}

// Verify validates an access token.
func (s *IdentityService) Verify(accessToken string) (*auth.Claims, error) {
	return s.tokenMgr.ParseToken(accessToken)
}

// RequestPasswordReset stores a reset token and sends it to the owner. Unknown
// addresses succeed silently so the endpoint cannot be used to enumerate accounts.
func (s *IdentityService) RequestPasswordReset(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	if err := s.validate.Var(email, "required,email"); err != nil {
		return apperrors.NewValidationError("a valid email is required", nil)
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.logger.Debug("password reset for unknown email")
			return nil
		}
		return err
	}

	token := &repository.PasswordResetToken{
		UserID:    user.ID,
		Token:     uuid.NewString(),
		ExpiresAt: s.now().Add(s.resetTTL),
	}
	if err := s.resets.Create(ctx, token); err != nil {
		return err
	}
	if s.notifier == nil {
		return nil
	}
	return s.notifier.SendPasswordReset(ctx, user.Email, token.Token, token.ExpiresAt)
}

// ConfirmPasswordReset redeems the reset token, sets the new password and
// revokes every refresh token of the account. A token is redeemed once.
func (s *IdentityService) ConfirmPasswordReset(ctx context.Context, tokenStr, newPassword string) error {
	if err := s.checkPassword(newPassword); err != nil {
		return err
	}
	hash, err := s.passwords.Hash(newPassword)
	if err != nil {
		return err
	}

	userID, err := s.resets.Redeem(ctx, tokenStr, hash, s.now())
	if err != nil {
		if errors.Is(err, repository.ErrResetTokenUnusable) {
			return apperrors.NewInvalidToken("reset token invalid, expired or used")
		}
		return err
	}
	if err := s.refresh.DeleteAllForSubject(ctx, userID); err != nil {
		s.logger.Warn("revoke refresh tokens after reset", zap.String("subject_id", userID), zap.Error(err))
	}
	return nil
}

// Client returns the identity client bound to one user agent.
func (s *IdentityService) Client(clientID string) *IdentityClient {
	return newIdentityClient(clientID, s, s.clients, s.logger)
}

func (s *IdentityService) issueSession(ctx context.Context, user *domain.User) (*domain.Session, error) {
	access, issuedAt, expiresAt, err := s.tokenMgr.GenerateToken(user.ID, user.Email)
	if err != nil {
		return nil, err
	}
	refresh := uuid.NewString()
	if err := s.refresh.Save(ctx, refresh, user.ID, s.refreshTTL); err != nil {
		return nil, err
	}
	return &domain.Session{
		SubjectID:    user.ID,
		Email:        user.Email,
		AccessToken:  access,
		RefreshToken: refresh,
		IssuedAt:     issuedAt,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *IdentityService) checkCredentials(email, password string) error {
	if err := s.validate.Var(email, "required,email"); err != nil {
		return apperrors.NewValidationError("a valid email is required", map[string]any{"field": "email"})
	}
	return s.checkPassword(password)
}

func (s *IdentityService) checkPassword(password string) error {
	switch err := s.passwords.Check(password); {
	case errors.Is(err, auth.ErrPasswordTooShort):
		return apperrors.NewValidationError("password too short", map[string]any{
			"field":      "password",
			"min_length": s.passwords.MinLength,
		})
	case errors.Is(err, auth.ErrPasswordTooLong):
		return apperrors.NewValidationError("password too long", map[string]any{
			"field":     "password",
			"max_bytes": auth.MaxPasswordBytes,
		})
	}
	return nil
}

// rehash upgrades a stored hash after the configured cost changed. Failure
// leaves the old hash in place.
func (s *IdentityService) rehash(ctx context.Context, user *domain.User, password string) {
	hash, err := s.passwords.Hash(password)
	if err != nil {
		s.logger.Warn("password rehash", zap.String("subject_id", user.ID), zap.Error(err))
		return
	}
	user.PasswordHash = hash
	if err := s.users.Update(ctx, user); err != nil {
		s.logger.Warn("store rehashed password", zap.String("subject_id", user.ID), zap.Error(err))
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
