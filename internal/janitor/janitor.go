// Package janitor runs scheduled maintenance: pruning old send and audit
// rows, dropping stale health snapshots, and retiring assignments for
// members who left.
package janitor

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"dmfleet/internal/store"
	logx "dmfleet/pkg/logx"
)

// Config tunes the maintenance schedule and retention windows.
type Config struct {
	PruneSchedule  string        // cron spec, default "0 4 * * *"
	SendRetention  time.Duration // default 30 days
	AuditRetention time.Duration // default 90 days
	HealthStale    time.Duration // default 24h without a heartbeat
}

func (c Config) withDefaults() Config {
	if c.PruneSchedule == "" {
		c.PruneSchedule = "0 4 * * *"
	}
	if c.SendRetention <= 0 {
		c.SendRetention = 30 * 24 * time.Hour
	}
	if c.AuditRetention <= 0 {
		c.AuditRetention = 90 * 24 * time.Hour
	}
	if c.HealthStale <= 0 {
		c.HealthStale = 24 * time.Hour
	}
	return c
}

// Janitor schedules the maintenance pass with cron.
type Janitor struct {
	cfg Config
	st  store.Store
	log logx.Logger
	c   *cron.Cron
}

func New(cfg Config, st store.Store, log logx.Logger) *Janitor {
	return &Janitor{
		cfg: cfg.withDefaults(),
		st:  st,
		log: log.With(logx.String("comp", "janitor")),
	}
}

// Start registers the nightly pass and starts the scheduler.
func (j *Janitor) Start() error {
	j.c = cron.New()
	if _, err := j.c.AddFunc(j.cfg.PruneSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		j.RunOnce(ctx)
	}); err != nil {
		return err
	}
	j.c.Start()
	j.log.Info("maintenance scheduled", logx.String("spec", j.cfg.PruneSchedule))
	return nil
}

func (j *Janitor) Stop() {
	if j.c != nil {
		<-j.c.Stop().Done()
	}
}

// RunOnce executes one full maintenance pass.
func (j *Janitor) RunOnce(ctx context.Context) {
	now := time.Now()

	if n, err := j.st.PruneSends(ctx, now.Add(-j.cfg.SendRetention)); err != nil {
		j.log.Warn("send prune failed", logx.Err(err))
	} else if n > 0 {
		j.log.Info("pruned send records", logx.Int("count", n))
	}

	if n, err := j.st.PruneAudits(ctx, now.Add(-j.cfg.AuditRetention)); err != nil {
		j.log.Warn("audit prune failed", logx.Err(err))
	} else if n > 0 {
		j.log.Info("pruned audit records", logx.Int("count", n))
	}

	if n, err := j.st.PruneHealth(ctx, now.Add(-j.cfg.HealthStale)); err != nil {
		j.log.Warn("health prune failed", logx.Err(err))
	} else if n > 0 {
		j.log.Info("dropped stale health snapshots", logx.Int("count", n))
	}

	if n, err := j.st.DeactivateDepartedAssignments(ctx); err != nil {
		j.log.Warn("departed assignment sweep failed", logx.Err(err))
	} else if n > 0 {
		j.log.Info("retired assignments for departed members", logx.Int("count", n))
	}
}
