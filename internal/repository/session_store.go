package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/spec-kit/entitlement-service/internal/domain"
)

// ErrSessionNotFound is returned when no grant is stored for a key.
var ErrSessionNotFound = errors.New("session not found")

// ClientSessionStore persists the current session of one user agent, the way a
// browser keeps its grant in local storage.
type ClientSessionStore interface {
	Save(ctx context.Context, clientID string, sess *domain.Session, ttl time.Duration) error
	Get(ctx context.Context, clientID string) (*domain.Session, error)
	Delete(ctx context.Context, clientID string) error
}

// RefreshTokenStore tracks issued refresh tokens. Consume is single-use.
type RefreshTokenStore interface {
	Save(ctx context.Context, token, subjectID string, ttl time.Duration) error
	Consume(ctx context.Context, token string) (string, error)
	Delete(ctx context.Context, token string) error
	DeleteAllForSubject(ctx context.Context, subjectID string) error
}

type redisClientSessionStore struct {
	client redis.UniversalClient
	prefix string
}

// NewClientSessionStore creates a Redis-backed client session store.
func NewClientSessionStore(client redis.UniversalClient) ClientSessionStore {
	return &redisClientSessionStore{client: client, prefix: "idp:client:"}
}

func (s *redisClientSessionStore) Save(ctx context.Context, clientID string, sess *domain.Session, ttl time.Duration) error {
	if clientID == "" {
		return errors.New("client id cannot be empty")
	}
	if sess == nil {
		return s.Delete(ctx, clientID)
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return s.client.Set(ctx, s.prefix+clientID, data, ttl).Err()
}

func (s *redisClientSessionStore) Get(ctx context.Context, clientID string) (*domain.Session, error) {
	if clientID == "" {
		return nil, ErrSessionNotFound
	}
	data, err := s.client.Get(ctx, s.prefix+clientID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var sess domain.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

func (s *redisClientSessionStore) Delete(ctx context.Context, clientID string) error {
	if clientID == "" {
		return nil
	}
	return s.client.Del(ctx, s.prefix+clientID).Err()
}

type redisRefreshTokenStore struct {
	client redis.UniversalClient
}

// NewRefreshTokenStore creates a Redis-backed refresh token store.
func NewRefreshTokenStore(client redis.UniversalClient) RefreshTokenStore {
	return &redisRefreshTokenStore{client: client}
}

func refreshKey(token string) string         { return "idp:refresh:" + token }
func subjectTokensKey(subject string) string { return "idp:subject:" + subject + ":refresh" }

func (s *redisRefreshTokenStore) Save(ctx context.Context, token, subjectID string, ttl time.Duration) error {
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, refreshKey(token), subjectID, ttl)
	pipe.SAdd(ctx, subjectTokensKey(subjectID), token)
	pipe.Expire(ctx, subjectTokensKey(subjectID), ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *redisRefreshTokenStore) Consume(ctx context.Context, token string) (string, error) {
	subjectID, err := s.client.GetDel(ctx, refreshKey(token)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrSessionNotFound
		}
		return "", fmt.Errorf("redis getdel: %w", err)
	}
	s.client.SRem(ctx, subjectTokensKey(subjectID), token)
	return subjectID, nil
}

func (s *redisRefreshTokenStore) Delete(ctx context.Context, token string) error {
	if _, err := s.Consume(ctx, token); err != nil && !errors.Is(err, ErrSessionNotFound) {
		return err
	}
	return nil
}

func (s *redisRefreshTokenStore) DeleteAllForSubject(ctx context.Context, subjectID string) error {
	key := subjectTokensKey(subjectID)
	tokens, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("redis smembers: %w", err)
	}
	keys := make([]string, 0, len(tokens)+1)
	for _, token := range tokens {
		keys = append(keys, refreshKey(token))
	}
	keys = append(keys, key)
	return s.client.Del(ctx, keys...).Err()
}
