// Package assign maps guild members to the fleet bot that delivers their
// DMs. Assignments are sticky: once a member is bound to a bot, that bot
// keeps delivering until it becomes unavailable, at which point a recorded
// fallback takes over or the member is rebalanced onto the least-loaded
// available bot.
package assign

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"dmfleet/internal/store"
	logx "dmfleet/pkg/logx"
)

// ErrNoBots is returned when no available bot can take the member.
var ErrNoBots = errors.New("assign: no available bots")

const maxFallbacks = 3

// Resolver owns the assignment lifecycle for DM routing.
type Resolver struct {
	st  store.Store
	log logx.Logger
	rng *rand.Rand
	now func() time.Time
}

func NewResolver(st store.Store, log logx.Logger) *Resolver {
	return &Resolver{
		st:  st,
		log: log.With(logx.String("comp", "assign")),
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
		now: time.Now,
	}
}

// Resolve returns the bot that should DM (guildID, userID), given the set
// of currently available bot IDs. Resolution order:
//
//  1. The member's active assignment, when its bot is available.
//  2. The first available recorded fallback, which is promoted in place.
//  3. A fresh assignment on the least-loaded available bot, superseding
//     any prior rows.
//
// A store failure never blocks routing: the member degrades to the first
// available bot and the error is logged.
func (r *Resolver) Resolve(ctx context.Context, guildID, userID int64, available []string) (string, error) {
	if len(available) == 0 {
		return "", ErrNoBots
	}
	avail := make(map[string]bool, len(available))
	for _, id := range available {
		avail[id] = true
	}

	cur, err := r.st.ActiveAssignment(ctx, guildID, userID)
	switch {
	case err == nil:
		if avail[cur.BotID] {
			return cur.BotID, nil
		}
		for _, fb := range cur.Fallbacks {
			if !avail[fb] {
				continue
			}
			if err := r.st.PromoteFallback(ctx, cur.ID, fb, r.now()); err != nil {
				r.log.Warn("fallback promotion failed, rebalancing",
					logx.Int64("user_id", userID), logx.Err(err))
				break
			}
			r.log.Info("promoted fallback bot",
				logx.Int64("guild_id", guildID), logx.Int64("user_id", userID),
				logx.String("bot_id", fb))
			return fb, nil
		}
		// Primary and every fallback are gone; rebalance.
		r.log.Warn("assignment exhausted, rebalancing member",
			logx.Int64("guild_id", guildID), logx.Int64("user_id", userID),
			logx.String("old_bot", cur.BotID))
		return r.create(ctx, guildID, userID, available)
	case errors.Is(err, store.ErrNotFound):
		return r.create(ctx, guildID, userID, available)
	default:
		r.log.Error("assignment lookup failed, degrading to first available",
			logx.Int64("guild_id", guildID), logx.Int64("user_id", userID), logx.Err(err))
		return available[0], nil
	}
}

// create binds the member to the least-loaded available bot with up to
// three shuffled fallbacks, atomically superseding older rows. Store
// failures degrade to an unbalanced or unsticky pick rather than failing
// the caller.
func (r *Resolver) create(ctx context.Context, guildID, userID int64, available []string) (string, error) {
	loads, err := r.st.AssignmentLoads(ctx, guildID)
	if err != nil {
		r.log.Warn("assignment load query failed, picking without balance",
			logx.Int64("guild_id", guildID), logx.Err(err))
		loads = nil
	}
	counts := make(map[string]int, len(loads))
	for _, l := range loads {
		counts[l.BotID] = l.Count
	}

	selected := available[0]
	for _, id := range available[1:] {
		if counts[id] < counts[selected] {
			selected = id
		}
	}

	fallbacks := make([]string, 0, len(available)-1)
	for _, id := range available {
		if id != selected {
			fallbacks = append(fallbacks, id)
		}
	}
	r.rng.Shuffle(len(fallbacks), func(i, j int) {
		fallbacks[i], fallbacks[j] = fallbacks[j], fallbacks[i]
	})
	if len(fallbacks) > maxFallbacks {
		fallbacks = fallbacks[:maxFallbacks]
	}

	a := store.Assignment{
		GuildID:   guildID,
		UserID:    userID,
		BotID:     selected,
		Fallbacks: fallbacks,
		Reason:    store.ReasonNew,
	}
	if err := r.st.SupersedeAssignment(ctx, a); err != nil {
		r.log.Error("assignment persist failed, routing without a sticky record",
			logx.Int64("guild_id", guildID), logx.Int64("user_id", userID), logx.Err(err))
		return selected, nil
	}
	r.log.Info("created assignment",
		logx.Int64("guild_id", guildID), logx.Int64("user_id", userID),
		logx.String("bot_id", selected), logx.Int("load", counts[selected]))
	return selected, nil
}

// RecordSend bumps the member's delivery counters after a successful DM.
func (r *Resolver) RecordSend(ctx context.Context, guildID, userID int64) error {
	cur, err := r.st.ActiveAssignment(ctx, guildID, userID)
	if err != nil {
		return err
	}
	return r.st.TouchAssignment(ctx, cur.ID, r.now())
}

// Migrate moves every member on oldBotID in a guild onto newBotID, used
// when a bot is removed or declared dead.
func (r *Resolver) Migrate(ctx context.Context, guildID int64, oldBotID, newBotID string) (int, error) {
	n, err := r.st.ReassignMembers(ctx, oldBotID, newBotID, guildID)
	if err != nil {
		return n, fmt.Errorf("assign: migrate: %w", err)
	}
	r.log.Info("migrated members",
		logx.Int64("guild_id", guildID), logx.String("from", oldBotID),
		logx.String("to", newBotID), logx.Int("count", n))
	return n, nil
}

// Deactivate retires a member's assignment, typically after they leave
// the guild.
func (r *Resolver) Deactivate(ctx context.Context, guildID, userID int64) error {
	return r.st.DeactivateAssignments(ctx, guildID, userID)
}

// Stats summarizes assignment distribution for one guild.
type Stats struct {
	GuildID int64
	Total   int
	PerBot  []store.BotLoad
}

func (r *Resolver) Stats(ctx context.Context, guildID int64) (Stats, error) {
	loads, err := r.st.AssignmentLoads(ctx, guildID)
	if err != nil {
		return Stats{}, err
	}
	s := Stats{GuildID: guildID, PerBot: loads}
	for _, l := range loads {
		s.Total += l.Count
	}
	return s, nil
}
