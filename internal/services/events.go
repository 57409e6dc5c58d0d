package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	EventUserRegistered = "user.registered"
	EventUserUpdated    = "user.updated"
)

// Publisher delivers encoded events to a named channel. *mq.MQ satisfies it.
type Publisher interface {
	Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error)
}

// UserEvent describes a change to an account. It never carries credentials.
type UserEvent struct {
	ID              string    `json:"id"`
	Type            string    `json:"type"`
	UserID          string    `json:"user_id"`
	Email           string    `json:"email"`
	EmailChanged    bool      `json:"email_changed,omitempty"`
	PasswordChanged bool      `json:"password_changed,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// publishEvent is best effort: failures are logged and never fail the request.
func (s *UserService) publishEvent(ctx context.Context, event UserEvent) {
	if s.events == nil {
		return
	}
	event.ID = uuid.NewString()
	event.OccurredAt = time.Now().UTC()

	data, err := json.Marshal(event)
	if err != nil {
		s.logger.WithError(err).WithField("event_type", event.Type).Error("failed to encode user event")
		return
	}

	attrs := map[string]string{"type": event.Type, "user_id": event.UserID}
	if _, err := s.events.Publish(ctx, s.eventsChannel, data, attrs); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"event_type": event.Type,
			"user_id":    event.UserID,
			"channel":    s.eventsChannel,
		}).Warn("failed to publish user event")
	}
}
