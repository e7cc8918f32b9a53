// Package app wires the fleet together: config, logging, store, vault,
// transports, registry, campaign engine, janitor, and the ops router.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"dmfleet/internal/assign"
	"dmfleet/internal/campaign"
	"dmfleet/internal/config"
	"dmfleet/internal/eventbus"
	"dmfleet/internal/fleet"
	"dmfleet/internal/janitor"
	"dmfleet/internal/observability/pprof"
	"dmfleet/internal/ops"
	rtsup "dmfleet/internal/runtime/supervisor"
	"dmfleet/internal/store"
	"dmfleet/internal/transport"
	"dmfleet/internal/transport/telegram"
	"dmfleet/internal/vault"
	logx "dmfleet/pkg/logx"
)

// masterKeyEnv overrides vault.master_key from the config file.
const masterKeyEnv = "DMFLEET_MASTER_KEY"

// App is the composed service.
type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	bus eventbus.Bus
	st  store.Store
	vlt *vault.Vault

	operator *telegram.Operator
	registry *fleet.Registry
	resolver *assign.Resolver
	engine   *campaign.Engine
	janitor  *janitor.Janitor
	router   *ops.Router
	pprof    *pprof.Service

	sup     *rtsup.Supervisor
	cancel  context.CancelFunc
	updates chan transport.Update
}

// New builds the app from the config file. Nothing is started yet.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(toLogConfig(cfg.Logging))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	busyTimeout, err := config.ParseDurationOrDefault("store.busy_timeout", cfg.Store.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(store.Config{Path: cfg.Store.Path, BusyTimeout: busyTimeout}, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}

	masterKey := os.Getenv(masterKeyEnv)
	if masterKey == "" {
		masterKey = cfg.Vault.MasterKey
	}
	vlt, err := vault.New(masterKey)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("vault: set %s or vault.master_key: %w", masterKeyEnv, err)
	}

	pollTimeout, err := config.ParseDurationOrDefault("operator.poll_timeout", cfg.Operator.PollTimeout, 10*time.Second)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	operator, err := telegram.NewOperator(telegram.OperatorConfig{
		Token:       cfg.Operator.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "operator")))
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	a := &App{
		cfgm:     cfgm,
		logs:     logs,
		log:      log,
		bus:      eventbus.New(),
		st:       st,
		vlt:      vlt,
		operator: operator,
		updates:  make(chan transport.Update, 256),
	}
	return a, nil
}

// Start brings every component up and begins consuming operator commands.
func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.sup = rtsup.New(runCtx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "app.sup"))),
		rtsup.WithCancelOnError(false),
	)

	fleetCfg, err := toFleetConfig(cfg)
	if err != nil {
		cancel()
		return err
	}

	a.resolver = assign.NewResolver(a.st, a.log)
	a.registry = fleet.NewRegistry(runCtx, fleetCfg, a.st, a.vlt, telegram.NewSenderFactory(), a.bus,
		func(ctx context.Context, guildID, userID int64) {
			if err := a.resolver.RecordSend(ctx, guildID, userID); err != nil && !errors.Is(err, store.ErrNotFound) {
				a.log.Warn("assignment counter update failed", logx.Err(err))
			}
		},
		a.log)
	a.engine = campaign.NewEngine(runCtx, a.st, a.registry, a.resolver, a.bus, a.log)

	if err := a.registry.LoadAll(ctx); err != nil {
		cancel()
		return err
	}

	if cfg.Janitor.Enabled {
		jcfg, err := toJanitorConfig(cfg.Janitor)
		if err != nil {
			cancel()
			return err
		}
		a.janitor = janitor.New(jcfg, a.st, a.log)
		if err := a.janitor.Start(); err != nil {
			cancel()
			return err
		}
	}

	if cfg.Debug.Pprof.Enabled {
		a.pprof = pprof.New(pprof.Config{
			Enabled: true,
			Addr:    cfg.Debug.Pprof.Addr,
			Token:   cfg.Debug.Pprof.Token,
		}, a.log.With(logx.String("comp", "pprof")))
		if err := a.pprof.Start(runCtx); err != nil {
			cancel()
			return err
		}
	}

	a.router = ops.NewRouter(ops.Deps{
		Registry: a.registry,
		Engine:   a.engine,
		Resolver: a.resolver,
		Store:    a.st,
		Operator: a.operator,
	}, cfg.Operator.AdminIDs, a.log)

	if err := a.operator.Start(runCtx, a.updates); err != nil {
		cancel()
		return err
	}
	if cfg.Operator.AlertChatID != 0 {
		a.logs.SetAlertSink(a.operator.AlertSink(cfg.Operator.AlertChatID))
	}

	a.sup.Go0("ops.router", func(c context.Context) {
		a.router.Run(c, a.updates)
	})

	// Config hot reload: logging changes apply in place.
	a.sup.Go0("config.watch", func(c context.Context) {
		_ = a.cfgm.Watch(c)
	})
	sub := a.cfgm.Subscribe(4)
	a.sup.Go0("config.apply", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.logs.Apply(toLogConfig(next.Logging))
				a.log.Info("configuration reloaded")
			}
		}
	})

	a.log.Info("dmfleet started",
		logx.Int("bots_running", a.registry.Running()),
		logx.Int("admins", len(cfg.Operator.AdminIDs)))
	return nil
}

// Stop shuts everything down in reverse order of startup.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("shutting down")

	if a.operator != nil {
		_ = a.operator.Stop(ctx)
	}
	if a.janitor != nil {
		a.janitor.Stop()
	}
	if a.pprof != nil {
		_ = a.pprof.Stop(ctx)
	}
	if a.engine != nil {
		_ = a.engine.Stop(ctx)
	}
	if a.registry != nil {
		_ = a.registry.Stop(ctx)
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.sup != nil {
		_ = a.sup.Stop(ctx)
	}
	if a.st != nil {
		_ = a.st.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func toLogConfig(lc config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Alerts: logx.AlertConfig{
			Enabled:    lc.Alerts.Enabled,
			MinLevel:   lc.Alerts.MinLevel,
			RatePerSec: lc.Alerts.RatePerSec,
		},
	}
}

func toFleetConfig(cfg *config.Config) (fleet.Config, error) {
	healthInterval, err := config.ParseDurationOrDefault("fleet.health_interval", cfg.Fleet.HealthInterval, 5*time.Minute)
	if err != nil {
		return fleet.Config{}, err
	}
	maxWait, err := config.ParseDurationOrDefault("ratelimit.max_wait", cfg.RateLimit.MaxWait, 5*time.Minute)
	if err != nil {
		return fleet.Config{}, err
	}
	return fleet.Config{
		QueueSize:      cfg.Fleet.QueueSize,
		Saturation:     cfg.Fleet.Saturation,
		MaxRequeues:    cfg.Fleet.MaxRequeues,
		HealthInterval: healthInterval,
		BaseRatePerSec: float64(cfg.Fleet.BaseRatePerSec),
		MaxWait:        maxWait,
	}, nil
}

func toJanitorConfig(jc config.JanitorConfig) (janitor.Config, error) {
	sendRet, err := config.ParseDurationOrDefault("janitor.send_retention", jc.SendRetention, 30*24*time.Hour)
	if err != nil {
		return janitor.Config{}, err
	}
	auditRet, err := config.ParseDurationOrDefault("janitor.audit_retention", jc.AuditRetention, 90*24*time.Hour)
	if err != nil {
		return janitor.Config{}, err
	}
	return janitor.Config{
		PruneSchedule:  jc.PruneSchedule,
		SendRetention:  sendRet,
		AuditRetention: auditRet,
	}, nil
}
