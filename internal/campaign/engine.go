// Package campaign drives DM campaigns through their lifecycle: creation
// with round-robin target planning, guarded start/pause/cancel transitions,
// and the dispatch loop that feeds fleet workers at the configured pace.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"dmfleet/internal/assign"
	"dmfleet/internal/eventbus"
	"dmfleet/internal/fleet"
	"dmfleet/internal/ratelimit"
	rtsup "dmfleet/internal/runtime/supervisor"
	"dmfleet/internal/store"
	logx "dmfleet/pkg/logx"
)

var (
	ErrNotFound   = errors.New("campaign: not found")
	ErrBadRequest = errors.New("campaign: invalid request")
	// ErrWrongState means the requested transition is not legal from the
	// campaign's current status.
	ErrWrongState = errors.New("campaign: wrong state")
	ErrNoTargets  = errors.New("campaign: no eligible members")
	ErrNoBots     = errors.New("campaign: no available bots")
)

// Engine owns campaign execution. One dispatch goroutine runs per active
// campaign; pause and cancel stop it by cancelling its context, and resume
// starts a fresh one over the remaining pending targets.
type Engine struct {
	st    store.Store
	reg   *fleet.Registry
	res   *assign.Resolver
	bus   eventbus.Bus
	log   logx.Logger
	clock ratelimit.Clock
	sup   *rtsup.Supervisor

	mu     sync.Mutex
	runs   map[string]context.CancelFunc
	pacers map[string]*ratelimit.Pacer
}

func NewEngine(ctx context.Context, st store.Store, reg *fleet.Registry, res *assign.Resolver, bus eventbus.Bus, log logx.Logger) *Engine {
	return &Engine{
		st:    st,
		reg:   reg,
		res:   res,
		bus:   bus,
		log:   log.With(logx.String("comp", "campaign")),
		clock: ratelimit.SystemClock,
		sup: rtsup.New(ctx,
			rtsup.WithLogger(log.With(logx.String("comp", "campaign.sup"))),
			rtsup.WithCancelOnError(false),
		),
		runs:   make(map[string]context.CancelFunc),
		pacers: make(map[string]*ratelimit.Pacer),
	}
}

// CreateParams describes a new campaign.
type CreateParams struct {
	GuildID   int64
	Name      string
	Message   string
	Mode      store.CampaignMode
	Pace      int // messages/minute, paced mode
	StartAt   time.Time
	CreatedBy int64
}

// Create plans a campaign: it snapshots the guild's eligible members,
// spreads them round-robin over the currently available bots, and persists
// the campaign with its target list in pending state.
func (e *Engine) Create(ctx context.Context, p CreateParams) (store.Campaign, error) {
	if strings.TrimSpace(p.Name) == "" || strings.TrimSpace(p.Message) == "" {
		return store.Campaign{}, fmt.Errorf("%w: name and message are required", ErrBadRequest)
	}
	switch p.Mode {
	case store.ModeInstant:
	case store.ModePaced:
		if p.Pace <= 0 {
			p.Pace = 10
		}
	case store.ModeScheduled:
		if p.StartAt.IsZero() || !p.StartAt.After(time.Now()) {
			return store.Campaign{}, fmt.Errorf("%w: scheduled campaign needs a future start time", ErrBadRequest)
		}
	default:
		return store.Campaign{}, fmt.Errorf("%w: unknown mode %q", ErrBadRequest, p.Mode)
	}
	if p.Pace <= 0 {
		p.Pace = 10
	}

	members, err := e.st.EligibleMembers(ctx, p.GuildID)
	if err != nil {
		return store.Campaign{}, err
	}
	if len(members) == 0 {
		return store.Campaign{}, ErrNoTargets
	}
	bots := e.reg.Available(ctx, p.GuildID)
	if len(bots) == 0 {
		return store.Campaign{}, ErrNoBots
	}

	c := store.Campaign{
		ID:           uuid.NewString(),
		GuildID:      p.GuildID,
		Name:         p.Name,
		Message:      p.Message,
		Mode:         p.Mode,
		Pace:         p.Pace,
		StartAt:      p.StartAt,
		Status:       store.CampaignPending,
		TotalTargets: len(members),
		CreatedBy:    p.CreatedBy,
	}
	if err := e.st.InsertCampaign(ctx, c); err != nil {
		return store.Campaign{}, err
	}

	// Round-robin plan. The recorded bot is a hint; dispatch re-resolves
	// through the assignment store so sticky routing wins.
	targets := make([]store.Target, len(members))
	for i, uid := range members {
		targets[i] = store.Target{
			CampaignID: c.ID,
			UserID:     uid,
			BotID:      bots[i%len(bots)],
		}
	}
	if err := e.st.InsertTargets(ctx, targets); err != nil {
		return store.Campaign{}, err
	}
	e.log.Info("campaign created",
		logx.String("campaign_id", c.ID), logx.String("name", c.Name),
		logx.String("mode", string(c.Mode)), logx.Int("targets", len(targets)))
	return c, nil
}

// Start begins or resumes execution. Pending and paused campaigns are the
// only legal sources; a scheduled campaign waits out its start time first.
func (e *Engine) Start(ctx context.Context, id string) error {
	err := e.st.TransitionCampaign(ctx, id, store.CampaignPending, store.CampaignRunning)
	if errors.Is(err, store.ErrNotFound) {
		err = e.st.TransitionCampaign(ctx, id, store.CampaignPaused, store.CampaignRunning)
	}
	if errors.Is(err, store.ErrNotFound) {
		if _, gerr := e.st.GetCampaign(ctx, id); errors.Is(gerr, store.ErrNotFound) {
			return ErrNotFound
		}
		return ErrWrongState
	}
	if err != nil {
		return err
	}

	c, err := e.st.GetCampaign(ctx, id)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	if old, ok := e.runs[id]; ok {
		old()
	}
	e.runs[id] = cancel
	e.mu.Unlock()

	e.sup.Go0("campaign."+id, func(supCtx context.Context) {
		defer e.clearRun(id)
		// Either the supervisor shutting down or an explicit pause/cancel
		// stops the dispatch loop.
		ctx, stop := mergeDone(runCtx, supCtx)
		defer stop()
		e.run(ctx, c)
	})

	e.bus.Publish(eventbus.Event{Type: eventbus.EventCampaignStarted, Time: time.Now(), Data: map[string]any{
		"campaign_id": id,
	}})
	return nil
}

// mergeDone returns a context cancelled when either input is done.
func mergeDone(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stopCh := make(chan struct{})
	go func() {
		select {
		case <-b.Done():
			cancel()
		case <-ctx.Done():
		case <-stopCh:
		}
	}()
	return ctx, func() { close(stopCh); cancel() }
}

func (e *Engine) clearRun(id string) {
	e.mu.Lock()
	if cancel, ok := e.runs[id]; ok {
		cancel()
		delete(e.runs, id)
	}
	delete(e.pacers, id)
	e.mu.Unlock()
}

// Pause stops a running campaign, keeping its pending targets for resume.
func (e *Engine) Pause(ctx context.Context, id string) error {
	if err := e.st.TransitionCampaign(ctx, id, store.CampaignRunning, store.CampaignPaused); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrWrongState
		}
		return err
	}
	e.clearRun(id)
	e.bus.Publish(eventbus.Event{Type: eventbus.EventCampaignPaused, Time: time.Now(), Data: map[string]any{
		"campaign_id": id,
	}})
	e.log.Info("campaign paused", logx.String("campaign_id", id))
	return nil
}

// Cancel terminally stops a campaign from any non-final state.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	var err error
	for _, from := range []store.CampaignStatus{store.CampaignRunning, store.CampaignPaused, store.CampaignPending} {
		err = e.st.TransitionCampaign(ctx, id, from, store.CampaignCancelled)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	if errors.Is(err, store.ErrNotFound) {
		if _, gerr := e.st.GetCampaign(ctx, id); errors.Is(gerr, store.ErrNotFound) {
			return ErrNotFound
		}
		return ErrWrongState
	}
	e.clearRun(id)
	e.bus.Publish(eventbus.Event{Type: eventbus.EventCampaignCancelled, Time: time.Now(), Data: map[string]any{
		"campaign_id": id,
	}})
	e.log.Info("campaign cancelled", logx.String("campaign_id", id))
	return nil
}

// SetPace changes a paced campaign's throughput mid-flight.
func (e *Engine) SetPace(ctx context.Context, id string, perMinute int) error {
	if perMinute <= 0 {
		return fmt.Errorf("%w: pace must be positive", ErrBadRequest)
	}
	e.mu.Lock()
	if p, ok := e.pacers[id]; ok {
		p.SetPace(perMinute)
	}
	e.mu.Unlock()
	return nil
}

// run dispatches every pending target, then waits for workers to drain
// before closing out the campaign.
func (e *Engine) run(ctx context.Context, c store.Campaign) {
	log := e.log.With(logx.String("campaign_id", c.ID))

	if c.Mode == store.ModeScheduled && !c.StartAt.IsZero() {
		if wait := time.Until(c.StartAt); wait > 0 {
			log.Info("waiting for scheduled start", logx.Duration("wait", wait))
			if err := e.clock.Sleep(ctx, wait); err != nil {
				return
			}
		}
	}

	targets, err := e.st.PendingTargets(ctx, c.ID)
	if err != nil {
		log.Error("loading targets failed", logx.Err(err))
		return
	}

	var pacer *ratelimit.Pacer
	if c.Mode == store.ModePaced {
		pacer = ratelimit.NewPacer(c.Pace, e.clock)
		e.mu.Lock()
		e.pacers[c.ID] = pacer
		e.mu.Unlock()
	}

	for i, tgt := range targets {
		if ctx.Err() != nil {
			return
		}
		if pacer != nil {
			if err := pacer.Acquire(ctx); err != nil {
				return
			}
		}
		e.dispatch(ctx, c, tgt, log)
		// Paced mode spreads dispatches evenly: one every window/pace,
		// with the sliding window as the aggregate cap under pace changes.
		if pacer != nil && i < len(targets)-1 {
			if err := e.clock.Sleep(ctx, pacer.Interval()); err != nil {
				return
			}
		}
	}

	e.finish(ctx, c.ID, log)
}

// dispatch routes one target through assignment resolution onto a worker
// queue. Saturated queues are retried against the next-best bot.
func (e *Engine) dispatch(ctx context.Context, c store.Campaign, tgt store.Target, log logx.Logger) {
	available := e.reg.Available(ctx, c.GuildID)
	botID, err := e.res.Resolve(ctx, c.GuildID, tgt.UserID, available)
	if err != nil {
		if errors.Is(err, assign.ErrNoBots) {
			_ = e.st.MarkTarget(ctx, c.ID, tgt.UserID, store.TargetFailed, "no available bots")
			return
		}
		log.Warn("assignment failed", logx.Int64("user_id", tgt.UserID), logx.Err(err))
		_ = e.st.MarkTarget(ctx, c.ID, tgt.UserID, store.TargetFailed, err.Error())
		return
	}

	job := fleet.Job{CampaignID: c.ID, GuildID: c.GuildID, UserID: tgt.UserID, Text: c.Message}
	if err := e.reg.Enqueue(botID, job); err == nil {
		return
	}
	// Assigned bot saturated or gone; spill onto any other available bot.
	for _, alt := range available {
		if alt == botID {
			continue
		}
		if e.reg.Enqueue(alt, job) == nil {
			return
		}
	}
	_ = e.st.MarkTarget(ctx, c.ID, tgt.UserID, store.TargetFailed, "all worker queues saturated")
}

// finish polls until no target is pending, then records the final tallies.
func (e *Engine) finish(ctx context.Context, id string, log logx.Logger) {
	for {
		counts, err := e.st.TargetCounts(ctx, id)
		if err != nil {
			log.Error("target counts failed", logx.Err(err))
			return
		}
		if counts[store.TargetPending] == 0 {
			sent := counts[store.TargetSent]
			failed := counts[store.TargetFailed]
			if err := e.st.FinishCampaign(ctx, id, sent, failed); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					// Cancelled or paused while draining; that status stands.
					log.Info("campaign no longer running, completion skipped")
					return
				}
				log.Error("finish failed", logx.Err(err))
				return
			}
			e.bus.Publish(eventbus.Event{Type: eventbus.EventCampaignCompleted, Time: time.Now(), Data: map[string]any{
				"campaign_id": id, "sent": sent, "failed": failed,
			}})
			log.Info("campaign completed", logx.Int("sent", sent), logx.Int("failed", failed))
			return
		}
		if err := e.clock.Sleep(ctx, 250*time.Millisecond); err != nil {
			return
		}
	}
}

// Stop cancels every running campaign dispatch and waits for the loops.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	for id, cancel := range e.runs {
		cancel()
		delete(e.runs, id)
	}
	e.mu.Unlock()
	return e.sup.Stop(ctx)
}
