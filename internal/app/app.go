package app

import (
	"context"

	"github.com/rs/zerolog"

	"giveawaybot/internal/automation"
	"giveawaybot/internal/broadcast"
	"giveawaybot/internal/config"
	"giveawaybot/internal/logging"
	"giveawaybot/internal/store"
	"giveawaybot/internal/telegram"
)

// App wires the giveaway services together and owns their lifecycle.
type App struct {
	cfgPath string
	cfg     config.Config
	log     zerolog.Logger

	logClose   func()
	store      *store.Store
	adapter    *telegram.Adapter
	broadcasts *broadcast.Service
	automation *automation.Service
	watcher    *config.Watcher

	watchCancel context.CancelFunc
}

func New(cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	log, logClose, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(store.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.BusyTimeout(),
	}, log.With().Str("component", "store").Logger())
	if err != nil {
		logClose()
		return nil, err
	}

	adapter, err := telegram.New(telegram.Config{
		Token:     cfg.Telegram.Token,
		ParseMode: cfg.Telegram.ParseMode,
	}, log.With().Str("component", "telegram").Logger())
	if err != nil {
		_ = st.Close()
		logClose()
		return nil, err
	}

	bcfg := broadcastConfig(cfg)
	blog := log.With().Str("component", "broadcast").Logger()
	resolver := broadcast.NewResolver(st, adapter, blog)
	engine := broadcast.NewEngine(st, broadcast.NewSender(adapter), resolver, bcfg, blog)
	broadcasts := broadcast.NewService(bcfg, engine, blog)

	alog := log.With().Str("component", "automation").Logger()
	checker := automation.NewChecker(st, adapter, broadcasts, alog)
	auto := automation.NewService(automation.Config{
		Enabled:  cfg.Automation.Enabled,
		Schedule: cfg.Automation.Schedule,
		Timezone: cfg.Automation.Timezone,
	}, checker, alog)

	a := &App{
		cfgPath:    cfgPath,
		cfg:        cfg,
		log:        log,
		logClose:   logClose,
		store:      st,
		adapter:    adapter,
		broadcasts: broadcasts,
		automation: auto,
	}
	a.watcher = config.NewWatcher(cfgPath, cfg, a.applyConfig, log.With().Str("component", "config").Logger())
	return a, nil
}

func (a *App) Start(ctx context.Context) error {
	a.broadcasts.Start(ctx)
	if err := a.automation.Start(ctx); err != nil {
		return err
	}

	wctx, cancel := context.WithCancel(ctx)
	a.watchCancel = cancel
	go func() {
		if err := a.watcher.Run(wctx); err != nil {
			a.log.Warn().Err(err).Msg("config watcher exited")
		}
	}()

	a.log.Info().Msg("giveaway bot started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.watchCancel != nil {
		a.watchCancel()
	}
	a.automation.Stop(ctx)
	a.broadcasts.Stop(ctx)
	err := a.store.Close()
	a.log.Info().Msg("giveaway bot stopped")
	a.logClose()
	return err
}

// Broadcasts exposes the job dispatch surface to outer layers (admin
// handlers, RPC, tests).
func (a *App) Broadcasts() *broadcast.Service { return a.broadcasts }

// Automation exposes the rollover service (e.g. for a manual "run now").
func (a *App) Automation() *automation.Service { return a.automation }

// applyConfig propagates hot-reloadable tunables.
func (a *App) applyConfig(cfg config.Config) {
	a.cfg = cfg
	a.broadcasts.Apply(broadcastConfig(cfg))
}

func broadcastConfig(cfg config.Config) broadcast.Config {
	return broadcast.Config{
		Workers:    cfg.Broadcast.Workers,
		QueueSize:  cfg.Broadcast.QueueSize,
		RatePerSec: cfg.Broadcast.RatePerSec,
		Channel:    cfg.Telegram.PublicChannel,
	}
}
