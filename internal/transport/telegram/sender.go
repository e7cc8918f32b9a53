// Package telegram implements the transport surfaces on the Telegram Bot
// API via telebot.
package telegram

import (
	"context"
	"errors"
	"time"

	tele "gopkg.in/telebot.v4"

	"dmfleet/internal/transport"
)

// sender wraps one worker bot session.
type sender struct {
	bot *tele.Bot
}

// NewSender dials a worker bot session from a decrypted token. The dial
// validates the token against the platform.
func NewSender(token string) (transport.Sender, error) {
	b, err := tele.NewBot(tele.Settings{Token: token})
	if err != nil {
		return nil, err
	}
	return &sender{bot: b}, nil
}

// NewSenderFactory returns the SenderFactory used by the fleet registry.
func NewSenderFactory() transport.SenderFactory {
	return NewSender
}

func (s *sender) SendDirect(ctx context.Context, userID int64, text string) error {
	_, err := s.bot.Send(&tele.User{ID: userID}, text)
	if err != nil {
		return classify(err)
	}
	return nil
}

func (s *sender) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := s.bot.Raw("getMe", nil); err != nil {
		return 0, classify(err)
	}
	return time.Since(start), nil
}

func (s *sender) Close() error {
	// Workers hold no poller; there is nothing to stop beyond the HTTP
	// client, which telebot shares.
	return nil
}

// classify maps telebot errors onto the transport taxonomy.
func classify(err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &transport.SendError{
			Kind:       transport.ErrRateLimited,
			RetryAfter: time.Duration(flood.RetryAfter) * time.Second,
			Cause:      err,
		}
	}
	switch {
	case errors.Is(err, tele.ErrBlockedByUser),
		errors.Is(err, tele.ErrNotStartedByUser),
		errors.Is(err, tele.ErrUserIsDeactivated):
		return &transport.SendError{Kind: transport.ErrForbidden, Cause: err}
	case errors.Is(err, tele.ErrChatNotFound):
		return &transport.SendError{Kind: transport.ErrNotFound, Cause: err}
	default:
		return &transport.SendError{Kind: transport.ErrTransient, Cause: err}
	}
}
