// Package ops is the operator command surface. It consumes updates from
// the operator transport, gates them on the admin list, and maps each
// command onto fleet, campaign, assignment, and roster operations.
package ops

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"dmfleet/internal/assign"
	"dmfleet/internal/campaign"
	"dmfleet/internal/fleet"
	"dmfleet/internal/store"
	"dmfleet/internal/transport"
	logx "dmfleet/pkg/logx"
)

// Deps carries everything the router acts on.
type Deps struct {
	Registry *fleet.Registry
	Engine   *campaign.Engine
	Resolver *assign.Resolver
	Store    store.Store
	Operator transport.Operator
}

// Router dispatches operator commands.
type Router struct {
	deps   Deps
	admins map[int64]bool
	log    logx.Logger
}

func NewRouter(deps Deps, adminIDs []int64, log logx.Logger) *Router {
	admins := make(map[int64]bool, len(adminIDs))
	for _, id := range adminIDs {
		admins[id] = true
	}
	return &Router{deps: deps, admins: admins, log: log.With(logx.String("comp", "ops"))}
}

// Run consumes updates until ctx is cancelled.
func (r *Router) Run(ctx context.Context, updates <-chan transport.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-updates:
			if !ok {
				return
			}
			r.handle(ctx, up)
		}
	}
}

func (r *Router) handle(ctx context.Context, up transport.Update) {
	text := strings.TrimSpace(up.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	if !r.admins[up.FromID] {
		r.log.Warn("command from non-admin ignored",
			logx.Int64("from", up.FromID), logx.String("text", text))
		return
	}

	reply, err := r.execute(ctx, up, text)
	if err != nil {
		reply = "error: " + err.Error()
	}
	if reply == "" {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if rerr := r.deps.Operator.Reply(rctx, up.ChatID, reply); rerr != nil {
		r.log.Warn("reply failed", logx.Err(rerr))
	}
}

func (r *Router) execute(ctx context.Context, up transport.Update, text string) (string, error) {
	fields := strings.Fields(text)
	cmd := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	args := fields[1:]

	switch cmd {
	case "help", "start":
		return helpText, nil
	case "bot":
		return r.botCmd(ctx, up, args)
	case "campaign":
		return r.campaignCmd(ctx, up, args, text)
	case "blacklist":
		return r.listCmd(ctx, up, store.ListBlacklist, args)
	case "whitelist":
		return r.listCmd(ctx, up, store.ListWhitelist, args)
	case "member":
		return r.memberCmd(ctx, up, args)
	case "assign":
		return r.assignCmd(ctx, args)
	default:
		return "", nil
	}
}

const helpText = `fleet commands:
/bot add <name> <token>
/bot remove <id> [migrate-to-bot-id <guild_id>]
/bot restart <id>
/bot list
/campaign create <guild_id> <instant|paced> <pace> <name> | <message>
/campaign create <guild_id> scheduled <pace> <delay> <name> | <message>
/campaign start|pause|cancel|status <id>
/campaign pace <id> <per_minute>
/campaign list <guild_id>
/member add <guild_id> <user_id> [username]
/member remove <guild_id> <user_id>
/member count <guild_id>
/blacklist add|remove <guild_id> <user_id>
/whitelist add|remove <guild_id> <user_id>
/assign stats <guild_id>`

func (r *Router) audit(ctx context.Context, actorID int64, action, kind, id, detail string) {
	if err := r.deps.Store.AppendAudit(ctx, store.AuditEntry{
		ActorID: actorID, Action: action, EntityKind: kind, EntityID: id, Detail: detail,
	}); err != nil {
		r.log.Warn("audit append failed", logx.Err(err))
	}
}

func (r *Router) botCmd(ctx context.Context, up transport.Update, args []string) (string, error) {
	if len(args) == 0 {
		return "usage: /bot add|remove|restart|list", nil
	}
	switch args[0] {
	case "add":
		if len(args) < 3 {
			return "usage: /bot add <name> <token>", nil
		}
		bot, err := r.deps.Registry.Register(ctx, args[1], args[2])
		if err != nil {
			return "", err
		}
		r.audit(ctx, up.FromID, "bot_add", "bot", bot.ID, bot.Name)
		return fmt.Sprintf("bot %s registered as %s", bot.Name, bot.ID), nil

	case "remove":
		if len(args) < 2 {
			return "usage: /bot remove <id> [migrate-to <bot_id> <guild_id>]", nil
		}
		botID := args[1]
		if err := r.deps.Registry.Remove(ctx, botID); err != nil {
			return "", err
		}
		r.audit(ctx, up.FromID, "bot_remove", "bot", botID, "")
		// Optional migration of the removed bot's members.
		if len(args) >= 4 {
			guildID, err := strconv.ParseInt(args[3], 10, 64)
			if err != nil {
				return "bot removed; bad guild id for migration", nil
			}
			n, err := r.deps.Resolver.Migrate(ctx, guildID, botID, args[2])
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("bot removed, %d members migrated to %s", n, args[2]), nil
		}
		return "bot removed", nil

	case "restart":
		if len(args) < 2 {
			return "usage: /bot restart <id>", nil
		}
		if err := r.deps.Registry.Restart(ctx, args[1]); err != nil {
			return "", err
		}
		r.audit(ctx, up.FromID, "bot_restart", "bot", args[1], "")
		return "bot restarted", nil

	case "list":
		bots, err := r.deps.Store.ListBots(ctx)
		if err != nil {
			return "", err
		}
		if len(bots) == 0 {
			return "no bots registered", nil
		}
		var b strings.Builder
		for _, bot := range bots {
			line := fmt.Sprintf("%s  %s  %s", bot.ID, bot.Name, bot.Status)
			if h, err := r.deps.Store.GetHealth(ctx, bot.ID); err == nil {
				line += fmt.Sprintf("  %s %dms %derr/h", h.Status, h.LatencyMS, h.ErrorsLastHour)
			}
			if w, ok := r.deps.Registry.Worker(bot.ID); ok {
				line += fmt.Sprintf("  queue=%d", w.QueueLen())
			}
			b.WriteString(line)
			b.WriteByte('\n')
		}
		return strings.TrimRight(b.String(), "\n"), nil
	}
	return "usage: /bot add|remove|restart|list", nil
}

func (r *Router) campaignCmd(ctx context.Context, up transport.Update, args []string, raw string) (string, error) {
	if len(args) == 0 {
		return "usage: /campaign create|start|pause|cancel|status|pace|list", nil
	}
	switch args[0] {
	case "create":
		// /campaign create <guild_id> <mode> <pace> <name> | <message>
		head, message, ok := strings.Cut(raw, "|")
		if !ok || strings.TrimSpace(message) == "" {
			return "usage: /campaign create <guild_id> <mode> <pace> <name> | <message>", nil
		}
		hf := strings.Fields(head)
		if len(hf) < 6 {
			return "usage: /campaign create <guild_id> <mode> <pace> <name> | <message>", nil
		}
		guildID, err := strconv.ParseInt(hf[2], 10, 64)
		if err != nil {
			return "bad guild id", nil
		}
		pace, err := strconv.Atoi(hf[4])
		if err != nil {
			return "bad pace", nil
		}
		params := campaign.CreateParams{
			GuildID:   guildID,
			Message:   strings.TrimSpace(message),
			Mode:      store.CampaignMode(hf[3]),
			Pace:      pace,
			CreatedBy: up.FromID,
		}
		nameFields := hf[5:]
		if params.Mode == store.ModeScheduled {
			if len(hf) < 7 {
				return "usage: /campaign create <guild_id> scheduled <pace> <delay> <name> | <message>", nil
			}
			delay, err := time.ParseDuration(hf[5])
			if err != nil || delay <= 0 {
				return "bad delay (e.g. 30m, 2h)", nil
			}
			params.StartAt = time.Now().Add(delay)
			nameFields = hf[6:]
		}
		params.Name = strings.Join(nameFields, " ")
		c, err := r.deps.Engine.Create(ctx, params)
		if err != nil {
			return "", err
		}
		r.audit(ctx, up.FromID, "campaign_create", "campaign", c.ID, c.Name)
		return fmt.Sprintf("campaign %s created with %d targets (recommend %d bots)",
			c.ID, c.TotalTargets, campaign.RecommendedBots(c.TotalTargets)), nil

	case "start", "pause", "cancel":
		if len(args) < 2 {
			return fmt.Sprintf("usage: /campaign %s <id>", args[0]), nil
		}
		id := args[1]
		var err error
		switch args[0] {
		case "start":
			err = r.deps.Engine.Start(ctx, id)
		case "pause":
			err = r.deps.Engine.Pause(ctx, id)
		case "cancel":
			err = r.deps.Engine.Cancel(ctx, id)
		}
		if err != nil {
			return "", err
		}
		r.audit(ctx, up.FromID, "campaign_"+args[0], "campaign", id, "")
		return "campaign " + args[0] + "ed", nil

	case "pace":
		if len(args) < 3 {
			return "usage: /campaign pace <id> <per_minute>", nil
		}
		n, err := strconv.Atoi(args[2])
		if err != nil {
			return "bad pace", nil
		}
		if err := r.deps.Engine.SetPace(ctx, args[1], n); err != nil {
			return "", err
		}
		r.audit(ctx, up.FromID, "campaign_pace", "campaign", args[1], args[2])
		return fmt.Sprintf("pace set to %d/min", n), nil

	case "status":
		if len(args) < 2 {
			return "usage: /campaign status <id>", nil
		}
		s, err := r.deps.Engine.Status(ctx, args[1])
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s [%s] %s\nprogress %.1f%%  sent %d  failed %d  skipped %d  pending %d\neta %s",
			s.Campaign.Name, s.Campaign.Mode, s.Campaign.Status,
			s.Progress, s.Counts[store.TargetSent], s.Counts[store.TargetFailed],
			s.Counts[store.TargetSkipped], s.Counts[store.TargetPending], s.ETA), nil

	case "list":
		if len(args) < 2 {
			return "usage: /campaign list <guild_id>", nil
		}
		guildID, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return "bad guild id", nil
		}
		cs, err := r.deps.Engine.List(ctx, guildID, 10)
		if err != nil {
			return "", err
		}
		if len(cs) == 0 {
			return "no campaigns", nil
		}
		var b strings.Builder
		for _, c := range cs {
			fmt.Fprintf(&b, "%s  %s  %s  %d/%d\n", c.ID, c.Name, c.Status, c.SentTargets, c.TotalTargets)
		}
		return strings.TrimRight(b.String(), "\n"), nil
	}
	return "usage: /campaign create|start|pause|cancel|status|pace|list", nil
}

func (r *Router) listCmd(ctx context.Context, up transport.Update, kind store.ListKind, args []string) (string, error) {
	if len(args) < 3 {
		return fmt.Sprintf("usage: /%s add|remove <guild_id> <user_id>", kind), nil
	}
	guildID, err1 := strconv.ParseInt(args[1], 10, 64)
	userID, err2 := strconv.ParseInt(args[2], 10, 64)
	if err1 != nil || err2 != nil {
		return "bad guild or user id", nil
	}
	key := fmt.Sprintf("%d/%d", guildID, userID)
	switch args[0] {
	case "add":
		if err := r.deps.Store.AddListEntry(ctx, store.ListEntry{
			GuildID: guildID, UserID: userID, Kind: kind, AddedBy: up.FromID,
		}); err != nil {
			return "", err
		}
		r.audit(ctx, up.FromID, string(kind)+"_add", "member", key, "")
		return fmt.Sprintf("added to %s", kind), nil
	case "remove":
		if err := r.deps.Store.RemoveListEntry(ctx, guildID, userID, kind); err != nil {
			return "", err
		}
		r.audit(ctx, up.FromID, string(kind)+"_remove", "member", key, "")
		return fmt.Sprintf("removed from %s", kind), nil
	}
	return fmt.Sprintf("usage: /%s add|remove <guild_id> <user_id>", kind), nil
}

func (r *Router) memberCmd(ctx context.Context, up transport.Update, args []string) (string, error) {
	const usage = "usage: /member add|remove|count <guild_id> [<user_id> [username]]"
	if len(args) < 2 {
		return usage, nil
	}
	guildID, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return "bad guild id", nil
	}
	switch args[0] {
	case "add":
		if len(args) < 3 {
			return usage, nil
		}
		userID, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return "bad user id", nil
		}
		m := store.Member{GuildID: guildID, UserID: userID, LastSeen: time.Now()}
		if len(args) > 3 {
			m.Username = args[3]
		}
		if err := r.deps.Store.UpsertMember(ctx, m); err != nil {
			return "", err
		}
		r.audit(ctx, up.FromID, "member_add", "member", fmt.Sprintf("%d/%d", guildID, userID), m.Username)
		return "member tracked", nil

	case "remove":
		if len(args) < 3 {
			return usage, nil
		}
		userID, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return "bad user id", nil
		}
		if err := r.deps.Store.DeleteMember(ctx, guildID, userID); err != nil {
			return "", err
		}
		r.audit(ctx, up.FromID, "member_remove", "member", fmt.Sprintf("%d/%d", guildID, userID), "")
		return "member dropped", nil

	case "count":
		ids, err := r.deps.Store.EligibleMembers(ctx, guildID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("guild %d: %d eligible members (recommend %d bots)",
			guildID, len(ids), campaign.RecommendedBots(len(ids))), nil
	}
	return usage, nil
}

func (r *Router) assignCmd(ctx context.Context, args []string) (string, error) {
	if len(args) < 2 || args[0] != "stats" {
		return "usage: /assign stats <guild_id>", nil
	}
	guildID, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return "bad guild id", nil
	}
	s, err := r.deps.Resolver.Stats(ctx, guildID)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "guild %d: %d active assignments\n", s.GuildID, s.Total)
	for _, l := range s.PerBot {
		fmt.Fprintf(&b, "%s  members=%d  dms=%d\n", l.BotID, l.Count, l.DMsSum)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
