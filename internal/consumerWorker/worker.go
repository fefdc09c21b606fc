package consumerWorker

import (
	"context"
	"encoding/json"

	"github.com/wb-go/wbf/zlog"

	"attendly/internal/dto"
	"attendly/internal/mailer"
	"attendly/internal/rabbit"
)

// Reader drains the notification queue: check-in confirmations become
// emails, status broadcasts are logged for operators.
type Reader struct {
	RMQ    *rabbit.Client
	mail   *mailer.Mailer
	done   chan struct{}
	cancel context.CancelFunc
}

func NewReader(rmq *rabbit.Client, mail *mailer.Mailer) *Reader {
	return &Reader{
		RMQ:  rmq,
		mail: mail,
		done: make(chan struct{}),
	}
}

func (r *Reader) Start(ctx context.Context) {
	cctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	zlog.Logger.Info().Msg("🐇 notification reader started")

	go func() {
		defer close(r.done)

		handler := func(body []byte) error {
			var msg dto.NotificationMessage
			if err := json.Unmarshal(body, &msg); err != nil {
				zlog.Logger.Error().
					Err(err).
					Msgf("Failed to unmarshal notification: %s", string(body))
				return err
			}

			switch msg.Type {
			case dto.NotificationRegistered:
				return r.handleRegistration(msg.Registration)
			case dto.NotificationCheckedIn:
				return r.handleCheckIn(msg.CheckIn)
			case dto.NotificationStatusesUpdated:
				r.handleStatuses(msg.Statuses)
				return nil
			default:
				zlog.Logger.Warn().Str("type", msg.Type).Msg("unknown notification type, dropping")
				return nil
			}
		}

		if err := r.RMQ.Consume(handler); err != nil {
			zlog.Logger.Error().Err(err).Msg("Failed to start consuming")
			return
		}

		<-cctx.Done()
		zlog.Logger.Info().Msg("🛑 notification reader stopped by context")
	}()
}

func (r *Reader) handleRegistration(n *dto.RegistrationNotification) error {
	if n == nil {
		zlog.Logger.Warn().Msg("registration notification without payload, dropping")
		return nil
	}

	zlog.Logger.Info().
		Str("participant_id", n.ParticipantID).
		Str("event_id", n.EventID).
		Msg("📩 participant registered")

	if err := r.mail.SendRegistrationEmail(n.EventName, n.Email); err != nil {
		zlog.Logger.Warn().
			Err(err).
			Str("email", n.Email).
			Msg("Failed to send registration confirmation email")
	}
	return nil
}

func (r *Reader) handleCheckIn(n *dto.CheckInNotification) error {
	if n == nil {
		zlog.Logger.Warn().Msg("check-in notification without payload, dropping")
		return nil
	}

	zlog.Logger.Info().
		Str("participant_id", n.ParticipantID).
		Str("event_id", n.EventID).
		Msg("📩 participant checked in")

	if err := r.mail.SendCheckInEmail(n.EventName, n.Email, n.CheckedInAt); err != nil {
		zlog.Logger.Warn().
			Err(err).
			Str("email", n.Email).
			Msg("Failed to send check-in confirmation email")
	}
	// email failure is not a reason to redeliver the message
	return nil
}

func (r *Reader) handleStatuses(n *dto.StatusesUpdatedNotification) {
	if n == nil {
		return
	}
	zlog.Logger.Info().
		Str("owner_id", n.OwnerID).
		Int("updated", n.Updated).
		Time("at", n.At).
		Msg("event statuses updated")
}

func (r *Reader) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}
