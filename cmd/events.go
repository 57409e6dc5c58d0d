package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/jjudge-oj/authserver/config"
	"github.com/jjudge-oj/authserver/internal/logging"
	"github.com/jjudge-oj/authserver/internal/mq"
	"github.com/jjudge-oj/authserver/internal/services"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect account events",
}

var eventsTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Log account events from the configured queue until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadConfig()
		if cfg.MQ.Backend == config.MQBackendNone {
			return errors.New("MQ_BACKEND is not set")
		}
		logger := logging.New(cfg.Log.Level, cfg.Log.Format)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		queue, err := mq.Open(ctx, cfg.MQ)
		if err != nil {
			return err
		}
		defer func() { _ = queue.Close() }()

		logger.WithField("channel", cfg.MQ.EventsChannel).Info("tailing account events")
		err = queue.Subscribe(ctx, cfg.MQ.EventsChannel, logEvent(logger))
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("subscribe: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(eventsTailCmd)
}

// logEvent acknowledges every message. Undecodable payloads are logged and
// dropped rather than redelivered.
func logEvent(logger *logrus.Logger) mq.Handler {
	return func(_ context.Context, msg mq.Message) error {
		var event services.UserEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			logger.WithError(err).WithField("message_id", msg.ID).Warn("skipping undecodable event")
			return nil
		}
		logger.WithFields(logrus.Fields{
			"message_id":       msg.ID,
			"event_id":         event.ID,
			"type":             event.Type,
			"user_id":          event.UserID,
			"email_changed":    event.EmailChanged,
			"password_changed": event.PasswordChanged,
			"occurred_at":      event.OccurredAt,
		}).Info("account event")
		return nil
	}
}
