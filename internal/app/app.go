// Package app wires configuration, logging, storage and the scheduling
// services into one runnable unit.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/Sidhartha-Perla/InfinityWatch-Instagram-Bot/internal/collage"
	"github.com/Sidhartha-Perla/InfinityWatch-Instagram-Bot/internal/config"
	"github.com/Sidhartha-Perla/InfinityWatch-Instagram-Bot/internal/dispatch"
	"github.com/Sidhartha-Perla/InfinityWatch-Instagram-Bot/internal/eventbus"
	"github.com/Sidhartha-Perla/InfinityWatch-Instagram-Bot/internal/feed"
	"github.com/Sidhartha-Perla/InfinityWatch-Instagram-Bot/internal/ingest"
	"github.com/Sidhartha-Perla/InfinityWatch-Instagram-Bot/internal/publisher"
	"github.com/Sidhartha-Perla/InfinityWatch-Instagram-Bot/internal/queue"
	"github.com/Sidhartha-Perla/InfinityWatch-Instagram-Bot/internal/rategate"
	"github.com/Sidhartha-Perla/InfinityWatch-Instagram-Bot/internal/runtime/supervisor"
	"github.com/Sidhartha-Perla/InfinityWatch-Instagram-Bot/internal/sched"
	logx "github.com/Sidhartha-Perla/InfinityWatch-Instagram-Bot/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger
}

func New(configPath string) (*App, error) {
	mgr := config.NewManager(configPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("app: load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("app: invalid config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	mgr.SetLogger(log.With(logx.String("svc", "config")))
	mgr.SetValidator(func(_ context.Context, c *config.Config) error {
		return config.Validate(c)
	})

	return &App{cfgMgr: mgr, logSvc: logSvc, log: log}, nil
}

// Run builds all services, starts them under a supervisor, and blocks until
// ctx is canceled. Shutdown is ordered: stop triggers, drain, close storage.
func (a *App) Run(ctx context.Context) error {
	cfg := a.cfgMgr.Get()
	log := a.log

	loc, err := cfg.Window.Location()
	if err != nil {
		return err
	}

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return err
	}
	store, err := queue.Open(queue.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("svc", "queue")))
	if err != nil {
		return fmt.Errorf("app: open queue store: %w", err)
	}
	defer store.Close()

	bus := eventbus.New()

	batchInterval, err := config.ParseDurationField("rate_gate.batch_interval", cfg.RateGate.BatchInterval)
	if err != nil {
		return err
	}
	postInterval, err := config.ParseDurationField("rate_gate.post_interval", cfg.RateGate.PostInterval)
	if err != nil {
		return err
	}
	jitter, err := config.ParseDurationField("rate_gate.post_interval_jitter", cfg.RateGate.PostIntervalJitter)
	if err != nil {
		return err
	}
	gate, err := rategate.New(rategate.Config{
		BatchSize:          cfg.RateGate.BatchSize,
		BatchInterval:      batchInterval,
		PostInterval:       postInterval,
		PostIntervalJitter: jitter,
		WindowStart:        cfg.Window.Start,
		WindowEnd:          cfg.Window.End,
		Location:           loc,
	})
	if err != nil {
		return err
	}

	pubClient := publisher.NewClient(publisher.ClientConfig{
		AccessToken: cfg.Publisher.AccessToken,
		AccountID:   cfg.Publisher.AccountID,
		AppID:       cfg.Publisher.AppID,
		AppSecret:   cfg.Publisher.AppSecret,
		BaseURL:     cfg.Publisher.BaseURL,
	}, log.With(logx.String("svc", "publisher")))
	pub := publisher.New(pubClient, publisher.ReadyConfig{}, log.With(logx.String("svc", "publisher")))

	feedClient, err := feed.NewClient(feed.Config{
		BaseURL:    cfg.Feed.BaseURL,
		PrivateKey: cfg.Feed.PrivateKey,
		RatePerSec: cfg.Feed.RatePerSec,
		RetryMax:   cfg.Feed.RetryMax,
	}, log.With(logx.String("svc", "feed")))
	if err != nil {
		return err
	}

	ingestor := ingest.New(store, feedClient, bus, ingest.Config{
		PageSize: cfg.Fetching.EffectivePageSize(),
		Backfill: time.Duration(cfg.Fetching.EffectiveBackfillDays()) * 24 * time.Hour,
	}, log.With(logx.String("svc", "ingest")))

	var stories dispatch.StoryBuilder
	if cfg.Collage.APIKey != "" {
		uploader, err := collage.NewImgBB(cfg.Collage.APIKey, cfg.Collage.UploadURL, log.With(logx.String("svc", "collage")))
		if err != nil {
			return err
		}
		stories = collage.NewBuilder(store, collage.NewCompositor(log.With(logx.String("svc", "collage"))), uploader, log.With(logx.String("svc", "collage")))
	} else {
		log.Warn("collage api key missing; story building disabled")
		stories = disabledStories{}
	}

	interGap, err := config.ParseDurationOrDefault("posting.inter_post_gap", cfg.Posting.InterPostGap, 10*time.Minute)
	if err != nil {
		return err
	}
	dispatcher := dispatch.New(store, pub, gate, bus, dispatch.Config{
		MaxBurstPerTick:  cfg.Posting.EffectiveMaxBurstPerTick(),
		MaxStoriesPerDay: cfg.Posting.EffectiveMaxStoriesPerDay(),
		InterPostGap:     interGap,
	}, log.With(logx.String("svc", "dispatch")))

	postTick, fetchTick, err := dispatch.TickPeriods(cfg.Window,
		cfg.Posting.EffectivePostsPerDay(), cfg.Fetching.EffectiveFetchesPerDay())
	if err != nil {
		return err
	}

	schedSvc := sched.New(loc, log.With(logx.String("svc", "sched")))
	controller, err := dispatch.NewController(schedSvc, dispatcher, ingestor, stories, store, bus, dispatch.ControllerConfig{
		WindowStart: cfg.Window.Start,
		WindowEnd:   cfg.Window.End,
		Location:    loc,
		PostTick:    postTick,
		FetchTick:   fetchTick,
	}, log.With(logx.String("svc", "window")))
	if err != nil {
		return err
	}

	sup := supervisor.New(ctx, supervisor.WithLogger(log.With(logx.String("svc", "supervisor"))))

	// Config hot reload: logging changes apply live; scheduling changes need
	// a restart since tick periods are derived at boot.
	sup.GoRestart("config.watch", a.cfgMgr.Watch)
	cfgCh := a.cfgMgr.Subscribe(4)
	defer a.cfgMgr.Unsubscribe(cfgCh)
	sup.Go0("config.apply", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case next, ok := <-cfgCh:
				if !ok || next == nil {
					return
				}
				a.logSvc.Apply(logx.Config{
					Level:   next.Logging.Level,
					Console: next.Logging.Console,
					File: logx.FileConfig{
						Enabled: next.Logging.File.Enabled,
						Path:    next.Logging.File.Path,
					},
				})
				log.Warn("config reloaded; window/quota changes take effect after restart")
			}
		}
	})

	// Debug-log bus traffic.
	events, unsub := bus.Subscribe(32)
	defer unsub()
	sup.Go0("events.log", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				log.Debug("event", logx.String("type", ev.Type), logx.Any("data", ev.Data))
			}
		}
	})

	// Long-lived tokens still expire; refresh daily when app credentials
	// are configured.
	if cfg.Publisher.AppID != "" && cfg.Publisher.AppSecret != "" {
		if err := schedSvc.AddInterval("token.refresh", 24*time.Hour, func(ctx context.Context) {
			if err := pubClient.RefreshAccessToken(ctx); err != nil {
				log.Warn("token refresh failed", logx.Err(err))
			}
		}); err != nil {
			return err
		}
	}

	schedSvc.Start(sup.Context())
	if err := controller.Setup(sup.Context()); err != nil {
		return err
	}

	log.Info("instapub started",
		logx.String("window", cfg.Window.Start+"-"+cfg.Window.End),
		logx.Duration("post_tick", postTick),
		logx.Duration("fetch_tick", fetchTick))

	<-ctx.Done()
	log.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := schedSvc.Stop(stopCtx); err != nil {
		log.Warn("scheduler stop timed out", logx.Err(err))
	}
	if err := sup.Stop(stopCtx); err != nil && err != context.Canceled {
		log.Warn("supervisor stop", logx.Err(err))
	}
	return nil
}

// Close releases resources owned by the app itself.
func (a *App) Close() error {
	return a.logSvc.Close()
}

// disabledStories stands in when no image host is configured.
type disabledStories struct{}

func (disabledStories) BuildCampaignStories(context.Context, string) (int, error) {
	return 0, nil
}
