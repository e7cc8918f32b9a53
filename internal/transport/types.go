// Package transport defines the platform-facing surfaces: the DM sender
// used by fleet workers and the operator adapter that carries the command
// conversation. Implementations live in subpackages; the core never imports
// a platform SDK directly.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrKind classifies a failed send so callers can pick a recovery path.
type ErrKind string

const (
	// ErrRateLimited means the platform asked us to slow down. Retryable
	// after the carried delay.
	ErrRateLimited ErrKind = "rate_limited"
	// ErrForbidden means the recipient cannot be reached (blocked the bot,
	// closed DMs, deactivated). Terminal for that recipient.
	ErrForbidden ErrKind = "forbidden"
	// ErrNotFound means the recipient does not exist. Terminal.
	ErrNotFound ErrKind = "not_found"
	// ErrTransient covers network and platform hiccups. Retryable.
	ErrTransient ErrKind = "transient"
)

// SendError is a classified delivery failure.
type SendError struct {
	Kind       ErrKind
	RetryAfter time.Duration // set for ErrRateLimited
	Global     bool          // rate limit applies bot-wide, not per chat
	Cause      error
}

func (e *SendError) Error() string {
	if e.Kind == ErrRateLimited {
		return fmt.Sprintf("send %s (retry after %s): %v", e.Kind, e.RetryAfter, e.Cause)
	}
	return fmt.Sprintf("send %s: %v", e.Kind, e.Cause)
}

func (e *SendError) Unwrap() error { return e.Cause }

// AsSendError unwraps err into a SendError, classifying unknown errors
// as transient.
func AsSendError(err error) *SendError {
	if err == nil {
		return nil
	}
	var se *SendError
	if errors.As(err, &se) {
		return se
	}
	return &SendError{Kind: ErrTransient, Cause: err}
}

// Terminal reports whether err means the recipient will never be reachable.
func Terminal(err error) bool {
	se := AsSendError(err)
	return se != nil && (se.Kind == ErrForbidden || se.Kind == ErrNotFound)
}

// Sender delivers direct messages on behalf of one fleet bot.
type Sender interface {
	// SendDirect delivers text to userID. Failures are *SendError.
	SendDirect(ctx context.Context, userID int64, text string) error
	// Ping round-trips to the platform and reports latency, for health
	// sampling.
	Ping(ctx context.Context) (time.Duration, error)
	// Close releases the underlying session.
	Close() error
}

// SenderFactory opens a Sender from a decrypted bot token. Workers hold the
// factory, not tokens; a token lives only as long as the dial.
type SenderFactory func(token string) (Sender, error)

// Update is one inbound operator interaction.
type Update struct {
	MessageID int
	ChatID    int64
	FromID    int64
	FromName  string
	Text      string
}

// Operator is the conversation surface for fleet commands.
type Operator interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
	Reply(ctx context.Context, chatID int64, text string) error
}
