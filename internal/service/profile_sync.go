package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/spec-kit/entitlement-service/internal/config"
	"github.com/spec-kit/entitlement-service/internal/domain"
	"github.com/spec-kit/entitlement-service/internal/observability"
	"github.com/spec-kit/entitlement-service/internal/repository"
	apperrors "github.com/spec-kit/entitlement-service/pkg/util/errorutil"
)

var (
	// ErrProfileTimeout means the store did not answer within the fetch
	// window. Retryable.
	ErrProfileTimeout = errors.New("profile fetch timed out")
	// ErrProfileUnavailable wraps any other store failure.
	ErrProfileUnavailable = errors.New("profile unavailable")
)

// ProfileStore is the subset of the profile repository the synchronizer needs.
type ProfileStore interface {
	GetByID(ctx context.Context, id string) (*domain.Profile, error)
	Insert(ctx context.Context, profile *domain.Profile) (*domain.Profile, bool, error)
	Update(ctx context.Context, id string, update domain.ProfileUpdate) error
}

// ProfileSynchronizer resolves the profile for an authenticated subject,
// creating a default one when none exists.
type ProfileSynchronizer struct {
	store   ProfileStore
	timeout time.Duration
	metrics *observability.Metrics
	logger  *zap.Logger
	group   singleflight.Group
}

// NewProfileSynchronizer builds the synchronizer.
func NewProfileSynchronizer(store ProfileStore, cfg config.ProfileConfig, metrics *observability.Metrics, logger *zap.Logger) *ProfileSynchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 6 * time.Second
	}
	return &ProfileSynchronizer{
		store:   store,
		timeout: timeout,
		metrics: metrics,
		logger:  logger,
	}
}

// FetchOrCreate reads the subject's profile. A missing profile is created with
// defaults and fallbackEmail. Concurrent calls for one subject share a single
// store round-trip; each caller receives its own copy.
func (s *ProfileSynchronizer) FetchOrCreate(ctx context.Context, subjectID, fallbackEmail string) (*domain.Profile, error) {
	if subjectID == "" {
		return nil, fmt.Errorf("%w: empty subject", ErrProfileUnavailable)
	}

	ch := s.group.DoChan(subjectID, func() (any, error) {
		return s.fetchOrCreate(subjectID, fallbackEmail)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*domain.Profile).Clone(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *ProfileSynchronizer) fetchOrCreate(subjectID, fallbackEmail string) (*domain.Profile, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	logger := s.logger.With(zap.String("subject_id", subjectID))

	profile, err := race(ctx, func(ctx context.Context) (*domain.Profile, error) {
		return s.store.GetByID(ctx, subjectID)
	})
	switch {
	case err == nil:
		s.metrics.RecordProfileSync("ok")
		return profile, nil
	case errors.Is(err, context.DeadlineExceeded):
		s.metrics.RecordProfileSync("timeout")
		logger.Warn("profile fetch timed out", zap.Duration("timeout", s.timeout))
		return nil, ErrProfileTimeout
	case !errors.Is(err, repository.ErrProfileNotFound):
		s.metrics.RecordProfileSync("error")
		logger.Error("profile fetch failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrProfileUnavailable, err)
	}

	stored, err := race(ctx, func(ctx context.Context) (insertResult, error) {
		p, created, err := s.store.Insert(ctx, domain.NewDefaultProfile(subjectID, fallbackEmail))
		return insertResult{profile: p, created: created}, err
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.metrics.RecordProfileSync("timeout")
			return nil, ErrProfileTimeout
		}
		s.metrics.RecordProfileSync("error")
		logger.Error("profile self-heal failed", zap.Error(err))
		return nil, fmt.Errorf("%w: create default profile: %v", ErrProfileUnavailable, err)
	}
	if stored.created {
		s.metrics.RecordSelfHeal()
		logger.Info("created missing profile")
	}
	s.metrics.RecordProfileSync("healed")
	return stored.profile, nil
}

type insertResult struct {
	profile *domain.Profile
	created bool
}

// Create inserts the profile for a new account. When a profile already exists
// (a concurrent self-heal won), consumer fields the stored record lacks are
// filled from meta.
func (s *ProfileSynchronizer) Create(ctx context.Context, subjectID, email string, meta domain.SignUpMetadata) (*domain.Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	defer s.group.Forget(subjectID)

	profile := domain.NewDefaultProfile(subjectID, email)
	profile.FullName = meta.FullName
	profile.CPF = meta.CPF

	res, err := race(ctx, func(ctx context.Context) (insertResult, error) {
		p, created, err := s.store.Insert(ctx, profile)
		return insertResult{profile: p, created: created}, err
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrProfileTimeout
		}
		return nil, fmt.Errorf("%w: %v", ErrProfileUnavailable, err)
	}
	if res.created {
		return res.profile, nil
	}

	var fill domain.ProfileUpdate
	if res.profile.FullName == "" && meta.FullName != "" {
		fill.FullName = &meta.FullName
	}
	if res.profile.CPF == nil && meta.CPF != nil {
		fill.CPF = meta.CPF
	}
	if fill.Empty() {
		return res.profile, nil
	}
	if err := s.store.Update(ctx, subjectID, fill); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProfileUnavailable, err)
	}
	res.profile.Apply(fill)
	return res.profile, nil
}

// Update applies consumer-editable fields.
func (s *ProfileSynchronizer) Update(ctx context.Context, subjectID string, update domain.ProfileUpdate) error {
	if update.Empty() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	defer s.group.Forget(subjectID)

	if err := s.store.Update(ctx, subjectID, update); err != nil {
		if errors.Is(err, repository.ErrProfileNotFound) {
			return apperrors.NewNotFound("profile", map[string]any{"id": subjectID})
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrProfileTimeout
		}
		return err
	}
	return nil
}

// race runs fn and returns at ctx's deadline even when fn ignores ctx.
func race[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		val, err := fn(ctx)
		ch <- result{val: val, err: err}
	}()

	select {
	case r := <-ch:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
