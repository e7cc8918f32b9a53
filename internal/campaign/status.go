package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dmfleet/internal/store"
)

// Status is the operator-facing view of one campaign.
type Status struct {
	Campaign store.Campaign
	Counts   map[store.TargetStatus]int
	Progress float64 // percent of targets in a terminal state
	ETA      string
}

// Status assembles progress and an ETA for one campaign.
func (e *Engine) Status(ctx context.Context, id string) (Status, error) {
	c, err := e.st.GetCampaign(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Status{}, ErrNotFound
		}
		return Status{}, err
	}
	counts, err := e.st.TargetCounts(ctx, id)
	if err != nil {
		return Status{}, err
	}

	done := counts[store.TargetSent] + counts[store.TargetFailed] + counts[store.TargetSkipped]
	s := Status{Campaign: c, Counts: counts}
	if c.TotalTargets > 0 {
		s.Progress = float64(done) / float64(c.TotalTargets) * 100
	}
	s.ETA = eta(c.TotalTargets-done, c.Pace)
	return s, nil
}

// List returns the most recent campaigns for a guild.
func (e *Engine) List(ctx context.Context, guildID int64, limit int) ([]store.Campaign, error) {
	return e.st.ListCampaigns(ctx, guildID, limit)
}

// eta estimates remaining runtime from the pace.
func eta(remaining, perMinute int) string {
	if remaining <= 0 {
		return "completed"
	}
	if perMinute <= 0 {
		return "unknown"
	}
	d := time.Duration(float64(remaining) / float64(perMinute) * float64(time.Minute))
	return formatDuration(d)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

// RecommendedBots estimates how many bots keep a member count deliverable
// at a safe per-bot rate.
func RecommendedBots(memberCount int) int {
	const safePerBot = 50 // messages/minute one bot sustains comfortably
	if memberCount <= safePerBot {
		return 1
	}
	n := memberCount/safePerBot + 1
	if n > 20 {
		n = 20
	}
	return n
}
