package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/spec-kit/entitlement-service/internal/config"
	"github.com/spec-kit/entitlement-service/internal/events"
)

// NotificationService emits notifications for account and billing events.
type NotificationService struct {
	redis   redis.UniversalClient
	channel string
	logger  *zap.Logger
	cfg     config.NotificationConfig
}

// NewNotificationService creates the service. channel is the Redis pub/sub
// channel carrying profile change announcements.
func NewNotificationService(client redis.UniversalClient, channel string, logger *zap.Logger, cfg config.NotificationConfig) *NotificationService {
	return &NotificationService{
		redis:   client,
		channel: channel,
		logger:  logger,
		cfg:     cfg,
	}
}

// PublishProfileChanged announces an out-of-band profile write to every
// instance holding sessions for the subject.
func (n *NotificationService) PublishProfileChanged(ctx context.Context, event events.ProfileChanged) error {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal profile change: %w", err)
	}
	receivers, err := n.redis.Publish(ctx, n.channel, payload).Result()
	if err != nil {
		return fmt.Errorf("publish profile change: %w", err)
	}
	n.logger.Info("ProfileChanged",
		zap.String("subject_id", event.SubjectID),
		zap.String("source", event.Source),
		zap.Int64("receivers", receivers))
	return nil
}

// SendPasswordReset delivers the reset link for token.
func (n *NotificationService) SendPasswordReset(ctx context.Context, email, token string, expiresAt time.Time) error {
	link, err := url.Parse(n.cfg.PasswordResetURL)
	if err != nil {
		return fmt.Errorf("parse reset url: %w", err)
	}
	q := link.Query()
	q.Set("token", token)
	link.RawQuery = q.Encode()

	n.logger.Info("PasswordResetRequested", zap.Time("expires_at", expiresAt))
	n.sendEmailNotificationStub(ctx, email, "Reset your password", link.String())
	return nil
}

func (n *NotificationService) sendEmailNotificationStub(_ context.Context, to, subject, link string) {
	if strings.TrimSpace(n.cfg.EmailFrom) == "" {
		return
	}
	n.logger.Debug("sendEmailNotificationStub",
		zap.String("from", n.cfg.EmailFrom),
		zap.String("to", to),
		zap.String("subject", subject),
		zap.String("link", link))
}
