// Package app is the composition root: it builds the config manager, logging,
// storage, external clients, and the poster engine, and owns their lifecycle.
package app

import (
	"context"
	"time"

	"postbot/internal/admin"
	"postbot/internal/alert"
	"postbot/internal/config"
	"postbot/internal/eventbus"
	"postbot/internal/generator"
	"postbot/internal/poster"
	"postbot/internal/runtime/supervisor"
	"postbot/internal/storage"
	"postbot/internal/twitter"
	logx "postbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	logs *logx.Service
	log  logx.Logger

	bus    eventbus.Bus
	store  storage.Store
	engine *poster.Service
	alerts *alert.Service
	ops    *admin.Service

	sup *supervisor.Supervisor
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(logSvc.Logger().With(logx.String("comp", "config")))

	bus := eventbus.New()

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, logSvc.Logger().With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	pub := twitter.New(twitter.Config{
		Enabled:     cfg.Twitter.Enabled,
		BaseURL:     cfg.Twitter.BaseURL,
		BearerToken: cfg.Twitter.BearerToken,
		RatePerMin:  cfg.Twitter.RatePerMin,
	}, logSvc.Logger().With(logx.String("comp", "twitter")))

	genTimeout, err := config.ParseDurationOrDefault("generator.timeout", cfg.Generator.Timeout, 30*time.Second)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	gen := generator.New(generator.Config{
		BaseURL:   cfg.Generator.BaseURL,
		APIKey:    cfg.Generator.APIKey,
		Model:     cfg.Generator.Model,
		MaxTokens: cfg.Generator.MaxTokens,
		Timeout:   genTimeout,
	}, logSvc.Logger().With(logx.String("comp", "generator")))

	posterCfg, err := mapPosterConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	engine := poster.New(posterCfg, store, pub, gen, bus,
		logSvc.Logger().With(logx.String("comp", "poster")))

	alerts, err := alert.New(mapAlertConfig(cfg), bus,
		logSvc.Logger().With(logx.String("comp", "alert")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	ops := admin.New(mapAdminConfig(cfg), engine,
		logSvc.Logger().With(logx.String("comp", "admin")))

	return &App{
		cfgm:   cfgm,
		logs:   logSvc,
		log:    log,
		bus:    bus,
		store:  store,
		engine: engine,
		alerts: alerts,
		ops:    ops,
	}, nil
}

// Engine exposes the poster engine to callers (route handlers, CLIs).
func (a *App) Engine() *poster.Service { return a.engine }

func (a *App) Start(ctx context.Context) error {
	// Rebuild timers from persisted state before anything else runs; this is
	// the sole recovery mechanism after a restart.
	if err := a.engine.Recover(ctx); err != nil {
		return err
	}
	a.engine.Start(ctx)
	a.alerts.Start(ctx)
	a.ops.Start(ctx)

	// Background loops outlive the startup context and are cancelled in Stop.
	a.sup = supervisor.New(context.Background(), a.log)
	a.sup.GoRestart("config-watch", a.cfgm.Watch)

	sub := a.cfgm.Subscribe(1)
	a.sup.Go0("config-apply", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case cfg := <-sub:
				if cfg != nil {
					a.applyConfig(ctx, cfg)
				}
			}
		}
	})

	a.log.Info("postbot started", logx.Bool("ready", a.engine.Ready(ctx)))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup != nil {
		_ = a.sup.Stop(ctx)
	}
	a.ops.Stop(ctx)
	a.alerts.Stop()
	a.engine.Stop(ctx)
	if a.store != nil {
		_ = a.store.Close()
	}
	_ = a.logs.Close()
	return nil
}

// applyConfig pushes hot-reloadable settings into running services. Storage,
// twitter and generator changes require a restart.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(mapLoggingConfig(cfg))
	if pc, err := mapPosterConfig(cfg); err == nil {
		a.engine.Apply(pc)
	} else {
		a.log.Warn("poster config rejected", logx.Err(err))
	}
	a.alerts.Apply(mapAlertConfig(cfg))
	a.ops.Reconfigure(ctx, mapAdminConfig(cfg))
	a.log.Info("runtime config applied")
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapPosterConfig(cfg *config.Config) (poster.Config, error) {
	retryBase, err := config.ParseDurationOrDefault("poster.retry_base", cfg.Poster.RetryBase, 30*time.Second)
	if err != nil {
		return poster.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationOrDefault("poster.retry_max_delay", cfg.Poster.RetryMaxDelay, 10*time.Minute)
	if err != nil {
		return poster.Config{}, err
	}
	sweep, err := config.ParseDurationOrDefault("poster.sweep_interval", cfg.Poster.SweepInterval, time.Minute)
	if err != nil {
		return poster.Config{}, err
	}
	return poster.Config{
		CharLimit:     cfg.CharLimit(),
		RetryMax:      cfg.Poster.RetryMax,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMaxDelay,
		SweepInterval: sweep,
	}, nil
}

func mapAlertConfig(cfg *config.Config) alert.Config {
	if cfg.Alerts == nil {
		return alert.Config{}
	}
	return alert.Config{
		Enabled:    cfg.Alerts.Enabled,
		Token:      cfg.Alerts.TelegramToken,
		ChatID:     cfg.Alerts.ChatID,
		RatePerMin: cfg.Alerts.RatePerMin,
	}
}

func mapAdminConfig(cfg *config.Config) admin.Config {
	return admin.Config{
		Enabled:       cfg.Admin.Enabled,
		Addr:          cfg.Admin.Addr,
		Token:         cfg.Admin.Token,
		AllowInsecure: cfg.Admin.AllowInsecure,
	}
}
