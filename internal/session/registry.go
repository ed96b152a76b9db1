package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spec-kit/entitlement-service/internal/observability"
)

// Factory builds the Manager for a client id.
type Factory func(clientID string) (*Manager, error)

type registryEntry struct {
	manager  *Manager
	lastSeen time.Time
}

// Registry holds one Manager per user agent and evicts idle ones.
type Registry struct {
	factory Factory
	idleTTL time.Duration
	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	closed   bool
	managers map[string]*registryEntry
}

// NewRegistry creates a registry.
func NewRegistry(factory Factory, idleTTL time.Duration, metrics *observability.Metrics, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if idleTTL <= 0 {
		idleTTL = 30 * time.Minute
	}
	return &Registry{
		factory:  factory,
		idleTTL:  idleTTL,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
		managers: make(map[string]*registryEntry),
	}
}

// Get returns the Manager for clientID, creating and starting it on first use.
func (r *Registry) Get(ctx context.Context, clientID string) (*Manager, error) {
	if clientID == "" {
		return nil, errors.New("session: client id is required")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if entry, ok := r.managers[clientID]; ok {
		entry.lastSeen = r.now()
		r.mu.Unlock()
		return entry.manager, nil
	}
	m, err := r.factory(clientID)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.managers[clientID] = &registryEntry{manager: m, lastSeen: r.now()}
	r.metrics.SetActiveSessions(len(r.managers))
	r.mu.Unlock()

	m.Start(ctx)
	return m, nil
}

// RefreshSubject refreshes every Manager currently signed in as subjectID and
// returns how many there were.
func (r *Registry) RefreshSubject(ctx context.Context, subjectID string) (int, error) {
	var targets []*Manager
	r.mu.Lock()
	for _, entry := range r.managers {
		if entry.manager.Snapshot().SubjectID() == subjectID {
			targets = append(targets, entry.manager)
		}
	}
	r.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, m := range targets {
		g.Go(func() error {
			return m.RefreshProfile(ctx)
		})
	}
	return len(targets), g.Wait()
}

// Evict closes and forgets the Manager for clientID.
func (r *Registry) Evict(clientID string) {
	r.mu.Lock()
	entry, ok := r.managers[clientID]
	if ok {
		delete(r.managers, clientID)
		r.metrics.SetActiveSessions(len(r.managers))
	}
	r.mu.Unlock()

	if ok {
		entry.manager.Close()
	}
}

// Len returns the number of held Managers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.managers)
}

// Run evicts idle Managers until ctx ends.
func (r *Registry) Run(ctx context.Context) {
	interval := r.idleTTL / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.evictIdle(); n > 0 {
				r.logger.Debug("evicted idle session managers", zap.Int("count", n), zap.Int("held", r.Len()))
			}
		}
	}
}

func (r *Registry) evictIdle() int {
	cutoff := r.now().Add(-r.idleTTL)

	var idle []*Manager
	r.mu.Lock()
	for id, entry := range r.managers {
		if entry.lastSeen.Before(cutoff) {
			idle = append(idle, entry.manager)
			delete(r.managers, id)
		}
	}
	r.metrics.SetActiveSessions(len(r.managers))
	r.mu.Unlock()

	for _, m := range idle {
		m.Close()
	}
	return len(idle)
}

// Close closes every Manager. Get fails afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	managers := r.managers
	r.managers = make(map[string]*registryEntry)
	r.metrics.SetActiveSessions(0)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, entry := range managers {
		wg.Add(1)
		go func(m *Manager) {
			defer wg.Done()
			m.Close()
		}(entry.manager)
	}
	wg.Wait()
}
