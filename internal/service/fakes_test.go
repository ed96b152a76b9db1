package service

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/spec-kit/entitlement-service/internal/domain"
	"github.com/spec-kit/entitlement-service/internal/repository"
)

type memUserRepo struct {
	mu    sync.Mutex
	users map[string]*domain.User
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{users: map[string]*domain.User{}}
}

func (r *memUserRepo) Create(_ context.Context, user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if strings.EqualFold(u.Email, user.Email) {
			return repository.ErrEmailTaken
		}
	}
	user.ID = uuid.NewString()
	user.CreatedAt = time.Now()
	user.UpdatedAt = user.CreatedAt
	cp := *user
	r.users[user.ID] = &cp
	return nil
}

func (r *memUserRepo) Update(_ context.Context, user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[user.ID]; !ok {
		return pgx.ErrNoRows
	}
	cp := *user
	r.users[user.ID] = &cp
	return nil
}

func (r *memUserRepo) GetByID(_ context.Context, id string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *u
	return &cp, nil
}

func (r *memUserRepo) GetByEmail(_ context.Context, email string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

type memResetRepo struct {
	users *memUserRepo

	mu     sync.Mutex
	tokens map[string]*repository.PasswordResetToken
}

func newMemResetRepo(users *memUserRepo) *memResetRepo {
	return &memResetRepo{users: users, tokens: map[string]*repository.PasswordResetToken{}}
}

func (r *memResetRepo) Create(_ context.Context, token *repository.PasswordResetToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	token.ID = uuid.NewString()
	token.CreatedAt = time.Now()
	cp := *token
	r.tokens[token.Token] = &cp
	return nil
}

func (r *memResetRepo) Redeem(_ context.Context, token, passwordHash string, now time.Time) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[token]
	if !ok || t.UsedAt != nil || !now.Before(t.ExpiresAt) {
		return "", repository.ErrResetTokenUnusable
	}

	r.users.mu.Lock()
	defer r.users.mu.Unlock()
	u, ok := r.users.users[t.UserID]
	if !ok {
		return "", pgx.ErrNoRows
	}
	u.PasswordHash = passwordHash
	t.UsedAt = &now
	return t.UserID, nil
}

type memRefreshStore struct {
	mu     sync.Mutex
	tokens map[string]string
}

func newMemRefreshStore() *memRefreshStore {
	return &memRefreshStore{tokens: map[string]string{}}
}

func (s *memRefreshStore) Save(_ context.Context, token, subjectID string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = subjectID
	return nil
}

func (s *memRefreshStore) Consume(_ context.Context, token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subject, ok := s.tokens[token]
	if !ok {
		return "", repository.ErrSessionNotFound
	}
	delete(s.tokens, token)
	return subject, nil
}

func (s *memRefreshStore) Delete(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, token)
	return nil
}

func (s *memRefreshStore) DeleteAllForSubject(_ context.Context, subjectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for token, subject := range s.tokens {
		if subject == subjectID {
			delete(s.tokens, token)
		}
	}
	return nil
}

func (s *memRefreshStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

type memClientStore struct {
	mu       sync.Mutex
	sessions map[string]domain.Session
}

func newMemClientStore() *memClientStore {
	return &memClientStore{sessions: map[string]domain.Session{}}
}

func (s *memClientStore) Save(_ context.Context, clientID string, sess *domain.Session, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[clientID] = *sess
	return nil
}

func (s *memClientStore) Get(_ context.Context, clientID string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[clientID]
	if !ok {
		return nil, repository.ErrSessionNotFound
	}
	return &sess, nil
}

func (s *memClientStore) Delete(_ context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, clientID)
	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	tokens map[string]string
}

func (n *recordingNotifier) SendPasswordReset(_ context.Context, email, token string, _ time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.tokens == nil {
		n.tokens = map[string]string{}
	}
	n.tokens[email] = token
	return nil
}

func (n *recordingNotifier) tokenFor(email string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.tokens[email]
}

// memProfileStore is a profile store with injectable latency and failures.
// Insert is insert-if-absent like the Postgres implementation.
type memProfileStore struct {
	mu        sync.Mutex
	profiles  map[string]*domain.Profile
	getDelay  time.Duration
	getErr    error
	insertErr error

	gets    atomic.Int32
	inserts atomic.Int32
}

func newMemProfileStore() *memProfileStore {
	return &memProfileStore{profiles: map[string]*domain.Profile{}}
}

func (s *memProfileStore) put(p *domain.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p.Clone()
}

func (s *memProfileStore) GetByID(ctx context.Context, id string) (*domain.Profile, error) {
	s.gets.Add(1)
	s.mu.Lock()
	delay, getErr := s.getDelay, s.getErr
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if getErr != nil {
		return nil, getErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, repository.ErrProfileNotFound
	}
	return p.Clone(), nil
}

func (s *memProfileStore) Insert(_ context.Context, profile *domain.Profile) (*domain.Profile, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return nil, false, s.insertErr
	}
	if existing, ok := s.profiles[profile.ID]; ok {
		return existing.Clone(), false, nil
	}
	s.inserts.Add(1)
	stored := profile.Clone()
	stored.CreatedAt = time.Now()
	stored.UpdatedAt = stored.CreatedAt
	s.profiles[profile.ID] = stored
	return stored.Clone(), true, nil
}

func (s *memProfileStore) Update(_ context.Context, id string, update domain.ProfileUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return repository.ErrProfileNotFound
	}
	p.Apply(update)
	p.UpdatedAt = time.Now()
	return nil
}

func (s *memProfileStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.profiles)
}
