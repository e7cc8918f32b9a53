// Package ratelimit implements the two throttles in front of every outbound
// message: a per-bot bucket limiter that mirrors the platform's response
// headers, and a per-campaign pacer that caps messages per minute.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	logx "dmfleet/pkg/logx"
)

// ErrWaitTooLong is returned when honoring a rate limit would exceed the
// limiter's configured wait ceiling. Callers re-enqueue instead of blocking.
var ErrWaitTooLong = errors.New("ratelimit: required wait exceeds ceiling")

const defaultMaxWait = 5 * time.Minute

// bucket mirrors one platform rate-limit bucket.
type bucket struct {
	mu        sync.Mutex
	remaining int
	limit     int
	resetAt   time.Time
	retryAt   time.Time
}

func (b *bucket) limitedUntil(now time.Time) time.Time {
	if now.Before(b.retryAt) {
		return b.retryAt
	}
	if b.remaining <= 0 && now.Before(b.resetAt) {
		return b.resetAt
	}
	return time.Time{}
}

// BotLimiter tracks rate-limit buckets for a single bot. Buckets are keyed
// by endpoint class, so a flood on one chat does not stall sends elsewhere.
// A global cooldown, when set, gates every bucket.
type BotLimiter struct {
	botID   string
	clock   Clock
	maxWait time.Duration
	log     logx.Logger

	mu          sync.Mutex
	buckets     map[string]*bucket
	globalUntil time.Time
}

// NewBotLimiter builds a limiter for botID. maxWait caps how long a single
// Acquire may block; zero means the default of five minutes.
func NewBotLimiter(botID string, maxWait time.Duration, clock Clock, log logx.Logger) *BotLimiter {
	if clock == nil {
		clock = SystemClock
	}
	if maxWait <= 0 {
		maxWait = defaultMaxWait
	}
	return &BotLimiter{
		botID:   botID,
		clock:   clock,
		maxWait: maxWait,
		log:     log.With(logx.String("bot_id", botID)),
		buckets: make(map[string]*bucket),
	}
}

// BucketKey classifies an endpoint into its rate-limit bucket. Message
// sends within one chat share a bucket, member listing shares a per-guild
// bucket, and DM channel opens share one bucket per bot.
func BucketKey(method, endpoint string) string {
	parts := strings.Split(strings.TrimPrefix(endpoint, "/"), "/")
	switch {
	case len(parts) >= 2 && parts[0] == "chats" && strings.Contains(endpoint, "/messages"):
		return "chat_messages:" + parts[1]
	case len(parts) >= 2 && parts[0] == "chats":
		return "chat:" + parts[1]
	case len(parts) >= 2 && parts[0] == "guilds" && strings.Contains(endpoint, "/members"):
		return "guild_members:" + parts[1]
	case len(parts) >= 2 && parts[0] == "guilds":
		return "guild:" + parts[1]
	case strings.Contains(endpoint, "/users/") && strings.Contains(endpoint, "/dm"):
		return "dm_channels"
	default:
		return method + ":" + endpoint
	}
}

func (l *BotLimiter) bucketFor(key string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{remaining: 1, limit: 1}
		l.buckets[key] = b
	}
	return b
}

// Acquire blocks until a request on (method, endpoint) may proceed. It
// returns ErrWaitTooLong when the required wait exceeds the ceiling and
// ctx.Err() when the caller is cancelled mid-wait.
func (l *BotLimiter) Acquire(ctx context.Context, method, endpoint string) error {
	key := BucketKey(method, endpoint)
	b := l.bucketFor(key)

	b.mu.Lock()
	defer b.mu.Unlock()

	// Global cooldown gates every bucket.
	if wait := l.globalWait(); wait > 0 {
		if wait > l.maxWait {
			return fmt.Errorf("%w: global cooldown %s", ErrWaitTooLong, wait.Round(time.Millisecond))
		}
		l.log.Info("waiting out global cooldown", logx.Duration("wait", wait))
		if err := l.clock.Sleep(ctx, wait); err != nil {
			return err
		}
		l.clearGlobal()
	}

	now := l.clock.Now()
	if until := b.limitedUntil(now); !until.IsZero() {
		wait := until.Sub(now)
		if wait > l.maxWait {
			return fmt.Errorf("%w: bucket %s wants %s", ErrWaitTooLong, key, wait.Round(time.Millisecond))
		}
		l.log.Debug("bucket limited, waiting",
			logx.String("bucket", key), logx.Duration("wait", wait))
		if err := l.clock.Sleep(ctx, wait); err != nil {
			return err
		}
		b.remaining = b.limit
		b.retryAt = time.Time{}
	}

	if b.remaining > 0 {
		b.remaining--
	}
	return nil
}

func (l *BotLimiter) globalWait() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.globalUntil.IsZero() {
		return 0
	}
	if wait := l.globalUntil.Sub(l.clock.Now()); wait > 0 {
		return wait
	}
	return 0
}

func (l *BotLimiter) clearGlobal() {
	l.mu.Lock()
	l.globalUntil = time.Time{}
	l.mu.Unlock()
}

// NoteRetryAfter records a flood response that arrived without headers.
// Global floods set the cross-bucket cooldown.
func (l *BotLimiter) NoteRetryAfter(method, endpoint string, retryAfter time.Duration, global bool) {
	now := l.clock.Now()
	if global {
		l.mu.Lock()
		l.globalUntil = now.Add(retryAfter)
		l.mu.Unlock()
		l.log.Warn("global flood, cooling down", logx.Duration("retry_after", retryAfter))
		return
	}
	b := l.bucketFor(BucketKey(method, endpoint))
	b.mu.Lock()
	b.retryAt = now.Add(retryAfter)
	b.mu.Unlock()
}

// UpdateFromHeaders folds a response's rate-limit headers into the bucket.
// A 429 with the global flag set engages the cross-bucket cooldown instead.
func (l *BotLimiter) UpdateFromHeaders(method, endpoint string, status int, h map[string]string) {
	now := l.clock.Now()

	if status == 429 && strings.EqualFold(h["x-ratelimit-global"], "true") {
		retry := parseSeconds(h["retry-after"], 1)
		l.mu.Lock()
		l.globalUntil = now.Add(retry)
		l.mu.Unlock()
		l.log.Warn("global flood, cooling down", logx.Duration("retry_after", retry))
		return
	}

	b := l.bucketFor(BucketKey(method, endpoint))
	b.mu.Lock()
	defer b.mu.Unlock()

	if v, ok := h["x-ratelimit-remaining"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			b.remaining = n
		}
	}
	if v, ok := h["x-ratelimit-limit"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			b.limit = n
		}
	}
	if v, ok := h["x-ratelimit-reset-after"]; ok {
		b.resetAt = now.Add(parseSeconds(v, 0))
	}
	if v, ok := h["retry-after"]; ok && status == 429 {
		b.retryAt = now.Add(parseSeconds(v, 1))
	}
}

// Status reports the current state of one bucket, for the ops surface.
func (l *BotLimiter) Status(method, endpoint string) (remaining, limit int, resetIn time.Duration) {
	b := l.bucketFor(BucketKey(method, endpoint))
	b.mu.Lock()
	defer b.mu.Unlock()
	now := l.clock.Now()
	if until := b.limitedUntil(now); !until.IsZero() {
		resetIn = until.Sub(now)
	}
	return b.remaining, b.limit, resetIn
}

func parseSeconds(v string, def float64) time.Duration {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		f = def
	}
	return time.Duration(f * float64(time.Second))
}
