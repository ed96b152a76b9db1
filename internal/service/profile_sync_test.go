package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/spec-kit/entitlement-service/internal/config"
	"github.com/spec-kit/entitlement-service/internal/domain"
	"github.com/spec-kit/entitlement-service/internal/observability"
)

func newSynchronizer(store ProfileStore, timeout time.Duration) *ProfileSynchronizer {
	return NewProfileSynchronizer(store, config.ProfileConfig{FetchTimeout: timeout}, observability.NewMetrics(nil), zap.NewNop())
}

func TestFetchOrCreate_ReturnsExistingProfile(t *testing.T) {
	store := newMemProfileStore()
	existing := domain.NewDefaultProfile("subject-1", "a@x.com")
	existing.Plan = domain.PlanBusiness
	store.put(existing)

	profile, err := newSynchronizer(store, time.Second).FetchOrCreate(context.Background(), "subject-1", "other@x.com")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanBusiness, profile.Plan)
	assert.Equal(t, "a@x.com", profile.Email)
	assert.Equal(t, int32(0), store.inserts.Load())
}

func TestFetchOrCreate_SelfHealsMissingProfile(t *testing.T) {
	store := newMemProfileStore()

	profile, err := newSynchronizer(store, time.Second).FetchOrCreate(context.Background(), "subject-1", "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, "subject-1", profile.ID)
	assert.Equal(t, "a@x.com", profile.Email)
	assert.Equal(t, domain.PlanStarter, profile.Plan)
	assert.Equal(t, domain.PlanStatusActive, profile.PlanStatus)
	assert.Nil(t, profile.TrialEndsAt)
	assert.Empty(t, profile.OwnedProductIDs)
	assert.Equal(t, 1, store.count())
}

func TestFetchOrCreate_ConcurrentHealsCreateOneRecord(t *testing.T) {
	store := newMemProfileStore()
	store.getDelay = 20 * time.Millisecond

	first := newSynchronizer(store, time.Second)
	second := newSynchronizer(store, time.Second)

	var wg sync.WaitGroup
	results := make([]*domain.Profile, 8)
	for i := range results {
		s := first
		if i%2 == 1 {
			s = second
		}
		wg.Add(1)
		go func(i int, s *ProfileSynchronizer) {
			defer wg.Done()
			p, err := s.FetchOrCreate(context.Background(), "subject-1", "a@x.com")
			assert.NoError(t, err)
			results[i] = p
		}(i, s)
	}
	wg.Wait()

	assert.Equal(t, 1, store.count())
	assert.Equal(t, int32(1), store.inserts.Load())
	for _, p := range results {
		require.NotNil(t, p)
		assert.Equal(t, "subject-1", p.ID)
	}
}

func TestFetchOrCreate_CollapsesConcurrentCalls(t *testing.T) {
	store := newMemProfileStore()
	store.put(domain.NewDefaultProfile("subject-1", "a@x.com"))
	store.getDelay = 50 * time.Millisecond
	s := newSynchronizer(store, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.FetchOrCreate(context.Background(), "subject-1", "a@x.com")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), store.gets.Load())
}

func TestFetchOrCreate_CallersGetIndependentCopies(t *testing.T) {
	store := newMemProfileStore()
	store.put(domain.NewDefaultProfile("subject-1", "a@x.com"))
	s := newSynchronizer(store, time.Second)

	a, err := s.FetchOrCreate(context.Background(), "subject-1", "")
	require.NoError(t, err)
	a.FullName = "mutated"

	b, err := s.FetchOrCreate(context.Background(), "subject-1", "")
	require.NoError(t, err)
	assert.Empty(t, b.FullName)
}

func TestFetchOrCreate_Timeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newMemProfileStore()
	store.getDelay = time.Second

	start := time.Now()
	_, err := newSynchronizer(store, 30*time.Millisecond).FetchOrCreate(context.Background(), "subject-1", "a@x.com")
	assert.ErrorIs(t, err, ErrProfileTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 0, store.count(), "a timeout never creates")
}

func TestFetchOrCreate_StoreErrorDoesNotCreate(t *testing.T) {
	store := newMemProfileStore()
	store.getErr = errors.New("connection refused")

	_, err := newSynchronizer(store, time.Second).FetchOrCreate(context.Background(), "subject-1", "a@x.com")
	assert.ErrorIs(t, err, ErrProfileUnavailable)
	assert.NotErrorIs(t, err, ErrProfileTimeout)
	assert.Equal(t, int32(0), store.inserts.Load())
}

func TestFetchOrCreate_InsertFailure(t *testing.T) {
	store := newMemProfileStore()
	store.insertErr = errors.New("permission denied")

	_, err := newSynchronizer(store, time.Second).FetchOrCreate(context.Background(), "subject-1", "a@x.com")
	assert.ErrorIs(t, err, ErrProfileUnavailable)
}

func TestFetchOrCreate_CallerCancellation(t *testing.T) {
	store := newMemProfileStore()
	store.getDelay = 200 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newSynchronizer(store, time.Second).FetchOrCreate(ctx, "subject-1", "a@x.com")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCreate_CarriesSignUpMetadata(t *testing.T) {
	store := newMemProfileStore()
	cpf := "123.456.789-09"

	profile, err := newSynchronizer(store, time.Second).Create(context.Background(), "subject-1", "a@x.com",
		domain.SignUpMetadata{FullName: "Ana", CPF: &cpf})
	require.NoError(t, err)
	assert.Equal(t, "Ana", profile.FullName)
	require.NotNil(t, profile.CPF)
	assert.Equal(t, cpf, *profile.CPF)
	assert.Equal(t, domain.PlanStarter, profile.Plan)
}

func TestCreate_FillsHealedProfile(t *testing.T) {
	store := newMemProfileStore()
	store.put(domain.NewDefaultProfile("subject-1", "a@x.com"))

	profile, err := newSynchronizer(store, time.Second).Create(context.Background(), "subject-1", "a@x.com",
		domain.SignUpMetadata{FullName: "Ana"})
	require.NoError(t, err)
	assert.Equal(t, "Ana", profile.FullName)

	stored, err := store.GetByID(context.Background(), "subject-1")
	require.NoError(t, err)
	assert.Equal(t, "Ana", stored.FullName)
	assert.Equal(t, int32(0), store.inserts.Load())
}

func TestUpdate_MissingProfile(t *testing.T) {
	name := "Ana"
	err := newSynchronizer(newMemProfileStore(), time.Second).Update(context.Background(), "subject-1",
		domain.ProfileUpdate{FullName: &name})
	require.Error(t, err)
}
