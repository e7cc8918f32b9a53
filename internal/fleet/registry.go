package fleet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"dmfleet/internal/eventbus"
	"dmfleet/internal/store"
	"dmfleet/internal/transport"
	"dmfleet/internal/vault"
	rtsup "dmfleet/internal/runtime/supervisor"
	logx "dmfleet/pkg/logx"
)

var (
	// ErrDuplicateToken means the token is already registered under
	// another bot.
	ErrDuplicateToken = errors.New("fleet: token already registered")
	// ErrUnknownBot means no running worker matches the bot ID.
	ErrUnknownBot = errors.New("fleet: unknown bot")
)

// Registry owns the worker fleet: registration, startup, teardown, and
// the availability ranking used by assignment and campaign dispatch.
type Registry struct {
	cfg  Config
	st   store.Store
	vlt  *vault.Vault
	dial transport.SenderFactory
	bus  eventbus.Bus
	log  logx.Logger

	onDelivered DeliveredFunc

	sup *rtsup.Supervisor

	mu      sync.Mutex
	workers map[string]*Worker
}

func NewRegistry(ctx context.Context, cfg Config, st store.Store, vlt *vault.Vault, dial transport.SenderFactory, bus eventbus.Bus, onDelivered DeliveredFunc, log logx.Logger) *Registry {
	return &Registry{
		cfg:         cfg.withDefaults(),
		st:          st,
		vlt:         vlt,
		dial:        dial,
		bus:         bus,
		log:         log.With(logx.String("comp", "fleet")),
		onDelivered: onDelivered,
		sup: rtsup.New(ctx,
			rtsup.WithLogger(log.With(logx.String("comp", "fleet.sup"))),
			rtsup.WithCancelOnError(false),
		),
		workers: make(map[string]*Worker),
	}
}

// Register validates a new bot token, stores it sealed, and starts its
// worker. Duplicate tokens are rejected by fingerprint before any dial.
func (r *Registry) Register(ctx context.Context, name, token string) (store.Bot, error) {
	fp := vault.Fingerprint(token)
	if _, err := r.st.FindBotByFingerprint(ctx, fp); err == nil {
		return store.Bot{}, ErrDuplicateToken
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.Bot{}, err
	}

	// Dial first: a token that cannot authenticate never reaches the store.
	sender, err := r.dial(token)
	if err != nil {
		return store.Bot{}, fmt.Errorf("fleet: token rejected: %w", err)
	}

	blob, _, err := r.vlt.Seal(token)
	if err != nil {
		_ = sender.Close()
		return store.Bot{}, err
	}
	bot := store.Bot{
		ID:               uuid.NewString(),
		Name:             name,
		TokenCiphertext:  blob,
		TokenFingerprint: fp,
		Status:           store.BotActive,
		LastSeen:         time.Now(),
	}
	if err := r.st.InsertBot(ctx, bot); err != nil {
		_ = sender.Close()
		if errors.Is(err, store.ErrDuplicate) {
			return store.Bot{}, ErrDuplicateToken
		}
		return store.Bot{}, err
	}

	r.startWorker(bot, sender)
	r.bus.Publish(eventbus.Event{Type: eventbus.EventBotRegistered, Time: time.Now(), Data: map[string]any{
		"bot_id": bot.ID, "name": name,
	}})
	r.log.Info("bot registered", logx.String("bot_id", bot.ID), logx.String("bot", name))
	return bot, nil
}

func (r *Registry) startWorker(bot store.Bot, sender transport.Sender) {
	w := newWorker(bot.ID, bot.Name, sender, r.st, r.bus, r.cfg, r.onDelivered, r.log)
	r.mu.Lock()
	r.workers[bot.ID] = w
	r.mu.Unlock()
	r.sup.Go0("worker."+bot.ID, w.run)
}

// LoadAll starts workers for every bot marked active in the store, used
// at boot. Bots whose token no longer opens or dials are flagged in place
// rather than aborting startup.
func (r *Registry) LoadAll(ctx context.Context) error {
	bots, err := r.st.ListBots(ctx)
	if err != nil {
		return err
	}
	for _, bot := range bots {
		if bot.Status != store.BotActive {
			continue
		}
		token, err := r.vlt.Open(bot.TokenCiphertext)
		if err != nil {
			r.log.Error("token unseal failed", logx.String("bot_id", bot.ID), logx.Err(err))
			_ = r.st.UpdateBotStatus(ctx, bot.ID, store.BotError)
			continue
		}
		sender, err := r.dial(token)
		if err != nil {
			r.log.Error("bot dial failed", logx.String("bot_id", bot.ID), logx.Err(err))
			_ = r.st.UpdateBotStatus(ctx, bot.ID, store.BotError)
			continue
		}
		r.startWorker(bot, sender)
		r.log.Info("bot loaded", logx.String("bot_id", bot.ID), logx.String("bot", bot.Name))
	}
	return nil
}

// Remove stops a bot's worker and retires it. The row stays for history;
// member migration off the bot is the caller's decision.
func (r *Registry) Remove(ctx context.Context, botID string) error {
	r.mu.Lock()
	w, ok := r.workers[botID]
	delete(r.workers, botID)
	r.mu.Unlock()
	if ok {
		w.stop()
		_ = w.sender.Close()
	}

	if err := r.st.UpdateBotStatus(ctx, botID, store.BotInactive); err != nil {
		return err
	}
	_ = r.st.DeleteHealth(ctx, botID)
	r.bus.Publish(eventbus.Event{Type: eventbus.EventBotRemoved, Time: time.Now(), Data: map[string]any{
		"bot_id": botID,
	}})
	r.log.Info("bot removed", logx.String("bot_id", botID))
	return nil
}

// Restart tears down and redials one bot from its sealed token.
func (r *Registry) Restart(ctx context.Context, botID string) error {
	r.mu.Lock()
	w, ok := r.workers[botID]
	delete(r.workers, botID)
	r.mu.Unlock()
	if ok {
		w.stop()
		_ = w.sender.Close()
	}

	bot, err := r.st.GetBot(ctx, botID)
	if err != nil {
		return err
	}
	token, err := r.vlt.Open(bot.TokenCiphertext)
	if err != nil {
		return err
	}
	sender, err := r.dial(token)
	if err != nil {
		_ = r.st.UpdateBotStatus(ctx, botID, store.BotError)
		return fmt.Errorf("fleet: redial: %w", err)
	}
	if err := r.st.UpdateBotStatus(ctx, botID, store.BotActive); err != nil {
		_ = sender.Close()
		return err
	}
	r.startWorker(bot, sender)
	r.log.Info("bot restarted", logx.String("bot_id", botID))
	return nil
}

// Available returns the bots fit to take new DM work, least loaded first.
// A bot qualifies when its worker is ready, its queue is below saturation,
// and its last health sample is not unhealthy.
func (r *Registry) Available(ctx context.Context, guildID int64) []string {
	r.mu.Lock()
	candidates := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		candidates = append(candidates, w)
	}
	r.mu.Unlock()

	type ranked struct {
		id    string
		depth int
	}
	fit := make([]ranked, 0, len(candidates))
	for _, w := range candidates {
		if !w.Ready() || w.QueueLen() >= r.cfg.Saturation {
			continue
		}
		if h, err := r.st.GetHealth(ctx, w.BotID()); err == nil && h.Status == store.Unhealthy {
			continue
		}
		fit = append(fit, ranked{id: w.BotID(), depth: w.QueueLen()})
	}
	sort.Slice(fit, func(i, j int) bool { return fit[i].depth < fit[j].depth })

	out := make([]string, len(fit))
	for i, f := range fit {
		out[i] = f.id
	}
	return out
}

// Enqueue routes a job to the named bot's worker.
func (r *Registry) Enqueue(botID string, job Job) error {
	r.mu.Lock()
	w, ok := r.workers[botID]
	r.mu.Unlock()
	if !ok {
		return ErrUnknownBot
	}
	return w.Enqueue(job)
}

// Worker returns the running worker for botID, if any.
func (r *Registry) Worker(botID string) (*Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[botID]
	return w, ok
}

// Running reports the number of live workers.
func (r *Registry) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// Stop tears down every worker and waits for their loops to exit.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	workers := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w)
	}
	r.workers = make(map[string]*Worker)
	r.mu.Unlock()

	for _, w := range workers {
		w.stop()
		_ = w.sender.Close()
	}
	return r.sup.Stop(ctx)
}
