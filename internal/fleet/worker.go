// Package fleet runs the worker bots: one goroutine-backed worker per
// registered bot, plus the registry that starts, stops, and ranks them.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"dmfleet/internal/eventbus"
	"dmfleet/internal/ratelimit"
	"dmfleet/internal/store"
	"dmfleet/internal/transport"
	logx "dmfleet/pkg/logx"
)

// Config tunes worker behavior. Zero values fall back to defaults.
type Config struct {
	QueueSize      int           // job channel capacity
	Saturation     int           // queue depth at which a bot stops taking new work
	MaxRequeues    int           // retries per job before it is failed terminally
	HealthInterval time.Duration // health sampling period
	BaseRatePerSec float64       // steady outbound rate per worker, 0 disables
	MaxWait        time.Duration // per-acquire rate limit wait ceiling
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.Saturation <= 0 {
		c.Saturation = 100
	}
	if c.MaxRequeues <= 0 {
		c.MaxRequeues = 10
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 5 * time.Minute
	}
	return c
}

// ErrQueueFull is returned by Enqueue when the worker is saturated.
var ErrQueueFull = errors.New("fleet: worker queue full")

const (
	errsDegraded  = 10
	errsUnhealthy = 20
)

// Job is one queued DM delivery.
type Job struct {
	CampaignID string
	GuildID    int64
	UserID     int64
	Text       string

	requeues int
}

// DeliveredFunc is invoked after each successful delivery, with the
// recipient identity. The registry wires assignment bookkeeping here.
type DeliveredFunc func(ctx context.Context, guildID, userID int64)

// Worker owns one bot session: its job queue, rate limiter, and health
// sampling. Jobs are processed strictly in order; a rate-limited job is
// re-enqueued at the back rather than blocking past the wait ceiling.
type Worker struct {
	botID string
	name  string

	sender  transport.Sender
	limiter *ratelimit.BotLimiter
	base    *rate.Limiter
	st      store.Store
	bus     eventbus.Bus
	log     logx.Logger
	cfg     Config

	onDelivered DeliveredFunc

	queue  chan Job
	stopCh chan struct{}
	done   chan struct{}

	ready     atomic.Bool
	errsHour  atomic.Int64
	processed atomic.Uint64
	failed    atomic.Uint64
	windowAt  atomic.Int64 // unix ms of the current error window start
}

func newWorker(botID, name string, sender transport.Sender, st store.Store, bus eventbus.Bus, cfg Config, onDelivered DeliveredFunc, log logx.Logger) *Worker {
	cfg = cfg.withDefaults()
	w := &Worker{
		botID:       botID,
		name:        name,
		sender:      sender,
		limiter:     ratelimit.NewBotLimiter(botID, cfg.MaxWait, nil, log),
		st:          st,
		bus:         bus,
		log:         log.With(logx.String("bot_id", botID), logx.String("bot", name)),
		cfg:         cfg,
		onDelivered: onDelivered,
		queue:       make(chan Job, cfg.QueueSize),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
	if cfg.BaseRatePerSec > 0 {
		w.base = rate.NewLimiter(rate.Limit(cfg.BaseRatePerSec), 1)
	}
	w.windowAt.Store(time.Now().UnixMilli())
	return w
}

// Enqueue hands a job to the worker without blocking.
func (w *Worker) Enqueue(job Job) error {
	select {
	case <-w.stopCh:
		return errors.New("fleet: worker stopped")
	default:
	}
	select {
	case w.queue <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

func (w *Worker) QueueLen() int  { return len(w.queue) }
func (w *Worker) Ready() bool    { return w.ready.Load() }
func (w *Worker) BotID() string  { return w.botID }
func (w *Worker) Name() string   { return w.name }
func (w *Worker) Processed() uint64 { return w.processed.Load() }

// run is the worker main loop. It exits on stop or context cancel.
func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	w.ready.Store(true)
	defer w.ready.Store(false)

	healthT := time.NewTicker(w.cfg.HealthInterval)
	defer healthT.Stop()

	w.sampleHealth(ctx)
	for {
		// Stop wins over pending work.
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-healthT.C:
			w.sampleHealth(ctx)
		case job := <-w.queue:
			w.process(ctx, job)
		}
	}
}

func (w *Worker) stop() {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	<-w.done
}

// process delivers one job end to end, including retry and bookkeeping.
func (w *Worker) process(ctx context.Context, job Job) {
	// Blacklisted members are skipped, not failed.
	if banned, err := w.st.InList(ctx, job.GuildID, job.UserID, store.ListBlacklist); err == nil && banned {
		_ = w.st.MarkTarget(ctx, job.CampaignID, job.UserID, store.TargetSkipped, "blacklisted")
		return
	}

	if w.base != nil {
		if err := w.base.Wait(ctx); err != nil {
			return
		}
	}

	endpoint := fmt.Sprintf("/users/%d/dm", job.UserID)
	if err := w.limiter.Acquire(ctx, "POST", endpoint); err != nil {
		if errors.Is(err, ratelimit.ErrWaitTooLong) {
			w.requeue(ctx, job, "rate limit wait too long")
			return
		}
		return // cancelled
	}

	err := w.sender.SendDirect(ctx, job.UserID, job.Text)
	if err == nil {
		w.processed.Add(1)
		_ = w.st.AppendSend(ctx, store.SendRecord{
			CampaignID: job.CampaignID, UserID: job.UserID, BotID: w.botID,
			Outcome: store.SendSuccess,
		})
		_ = w.st.MarkTarget(ctx, job.CampaignID, job.UserID, store.TargetSent, "")
		if w.onDelivered != nil {
			w.onDelivered(ctx, job.GuildID, job.UserID)
		}
		return
	}

	se := transport.AsSendError(err)
	switch se.Kind {
	case transport.ErrRateLimited:
		w.limiter.NoteRetryAfter("POST", endpoint, se.RetryAfter, se.Global)
		_ = w.st.AppendSend(ctx, store.SendRecord{
			CampaignID: job.CampaignID, UserID: job.UserID, BotID: w.botID,
			Outcome: store.SendRateLimited, ErrorCode: "429", ErrorDetail: se.Error(),
		})
		w.requeue(ctx, job, "rate limited")

	case transport.ErrForbidden, transport.ErrNotFound:
		// Terminal for this recipient; no retry.
		w.failJob(ctx, job, string(se.Kind), se.Error())

	default:
		w.errsHour.Add(1)
		_ = w.st.IncTargetAttempts(ctx, job.CampaignID, job.UserID)
		if job.requeues < w.cfg.MaxRequeues {
			job.requeues++
			if w.Enqueue(job) == nil {
				return
			}
		}
		w.failJob(ctx, job, "transient", se.Error())
	}
}

func (w *Worker) requeue(ctx context.Context, job Job, why string) {
	_ = w.st.IncTargetAttempts(ctx, job.CampaignID, job.UserID)
	if job.requeues < w.cfg.MaxRequeues {
		job.requeues++
		if err := w.Enqueue(job); err == nil {
			w.log.Debug("job re-enqueued",
				logx.Int64("user_id", job.UserID), logx.String("why", why),
				logx.Int("attempt", job.requeues))
			return
		}
	}
	w.failJob(ctx, job, "retries_exhausted", why)
}

func (w *Worker) failJob(ctx context.Context, job Job, code, detail string) {
	w.failed.Add(1)
	w.errsHour.Add(1)
	_ = w.st.AppendSend(ctx, store.SendRecord{
		CampaignID: job.CampaignID, UserID: job.UserID, BotID: w.botID,
		Outcome: store.SendFailed, ErrorCode: code, ErrorDetail: detail,
	})
	_ = w.st.MarkTarget(ctx, job.CampaignID, job.UserID, store.TargetFailed, detail)
	if w.bus != nil {
		w.bus.Publish(eventbus.Event{Type: eventbus.EventSendFailed, Time: time.Now(), Data: map[string]any{
			"bot_id": w.botID, "campaign_id": job.CampaignID, "user_id": job.UserID, "code": code,
		}})
	}
}

// sampleHealth pings the platform, folds the hourly error count into a
// status, and persists the snapshot. The error window resets every hour.
func (w *Worker) sampleHealth(ctx context.Context) {
	now := time.Now()
	if now.UnixMilli()-w.windowAt.Load() >= time.Hour.Milliseconds() {
		w.errsHour.Store(0)
		w.windowAt.Store(now.UnixMilli())
	}

	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	latency, err := w.sender.Ping(pctx)
	cancel()

	status := healthFor(w.errsHour.Load(), err)
	rec := store.HealthRecord{
		BotID:          w.botID,
		Status:         status,
		LatencyMS:      latency.Milliseconds(),
		ErrorsLastHour: int(w.errsHour.Load()),
		LastHeartbeat:  now,
	}
	if uerr := w.st.UpsertHealth(ctx, rec); uerr != nil {
		w.log.Warn("health upsert failed", logx.Err(uerr))
	}
	if status == store.Unhealthy && w.bus != nil {
		w.bus.Publish(eventbus.Event{Type: eventbus.EventBotUnhealthy, Time: now, Data: map[string]any{
			"bot_id": w.botID, "errors_last_hour": w.errsHour.Load(),
		}})
	}
}

func healthFor(errsHour int64, pingErr error) store.HealthStatus {
	switch {
	case pingErr != nil, errsHour >= errsUnhealthy:
		return store.Unhealthy
	case errsHour >= errsDegraded:
		return store.Degraded
	default:
		return store.Healthy
	}
}
