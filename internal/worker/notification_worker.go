package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/spec-kit/entitlement-service/internal/events"
)

// SubjectRefresher re-reads the profile of every session held for a subject.
type SubjectRefresher interface {
	RefreshSubject(ctx context.Context, subjectID string) (int, error)
}

// ProfileChangeWorker applies profile change announcements to the sessions
// held by this instance.
type ProfileChangeWorker struct {
	client         redis.UniversalClient
	channel        string
	refresher      SubjectRefresher
	refreshTimeout time.Duration
	logger         *zap.Logger
}

// NewProfileChangeWorker creates a worker listening on channel.
func NewProfileChangeWorker(client redis.UniversalClient, channel string, refresher SubjectRefresher, refreshTimeout time.Duration, logger *zap.Logger) *ProfileChangeWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if refreshTimeout <= 0 {
		refreshTimeout = 10 * time.Second
	}
	return &ProfileChangeWorker{
		client:         client,
		channel:        channel,
		refresher:      refresher,
		refreshTimeout: refreshTimeout,
		logger:         logger,
	}
}

// Run subscribes and handles announcements until ctx ends.
func (w *ProfileChangeWorker) Run(ctx context.Context) error {
	sub := w.client.Subscribe(ctx, w.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", w.channel, err)
	}
	w.logger.Info("profile change worker subscribed", zap.String("channel", w.channel))

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			w.Handle(ctx, []byte(msg.Payload))
		}
	}
}

// Handle applies one announcement. Malformed payloads are logged and dropped.
func (w *ProfileChangeWorker) Handle(ctx context.Context, payload []byte) {
	var change events.ProfileChanged
	if err := json.Unmarshal(payload, &change); err != nil || change.SubjectID == "" {
		w.logger.Warn("dropping malformed profile change", zap.ByteString("payload", payload), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, w.refreshTimeout)
	defer cancel()

	refreshed, err := w.refresher.RefreshSubject(ctx, change.SubjectID)
	if err != nil {
		w.logger.Warn("refresh sessions after profile change",
			zap.String("subject_id", change.SubjectID),
			zap.String("source", change.Source),
			zap.Error(err))
		return
	}
	if refreshed > 0 {
		w.logger.Info("sessions refreshed after profile change",
			zap.String("subject_id", change.SubjectID),
			zap.String("source", change.Source),
			zap.Int("sessions", refreshed))
	}
}
