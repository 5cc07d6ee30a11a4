package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Sidhartha-Perla/InfinityWatch-Instagram-Bot/internal/config"
	"github.com/Sidhartha-Perla/InfinityWatch-Instagram-Bot/internal/eventbus"
	"github.com/Sidhartha-Perla/InfinityWatch-Instagram-Bot/internal/queue"
	"github.com/Sidhartha-Perla/InfinityWatch-Instagram-Bot/internal/sched"
	logx "github.com/Sidhartha-Perla/InfinityWatch-Instagram-Bot/pkg/logx"
)

// IngestRunner triggers one feed fetch pass.
type IngestRunner interface {
	Run(ctx context.Context) error
}

// StoryBuilder batches posted photos into story queue items.
type StoryBuilder interface {
	BuildCampaignStories(ctx context.Context, campaignID string) (int, error)
}

type ControllerConfig struct {
	WindowStart string // "HH:MM"
	WindowEnd   string
	Location    *time.Location
	PostTick    time.Duration
	FetchTick   time.Duration
}

// Controller owns the operational window: it wires the daily open/close
// triggers and the posting/fetch ticks onto the scheduler, and drains the
// in-flight dispatch step at close.
type Controller struct {
	sched   *sched.Service
	disp    *Dispatcher
	ingest  IngestRunner
	stories StoryBuilder
	store   *queue.Store
	bus     eventbus.Bus
	cfg     ControllerConfig
	log     logx.Logger

	startMin int
	endMin   int
	loc      *time.Location
	now      func() time.Time

	mu   sync.Mutex
	open bool
}

func NewController(s *sched.Service, d *Dispatcher, ing IngestRunner, stories StoryBuilder, store *queue.Store, bus eventbus.Bus, cfg ControllerConfig, log logx.Logger) (*Controller, error) {
	start, err := config.ParseClock(cfg.WindowStart)
	if err != nil {
		return nil, fmt.Errorf("dispatch: window start: %w", err)
	}
	end, err := config.ParseClock(cfg.WindowEnd)
	if err != nil {
		return nil, fmt.Errorf("dispatch: window end: %w", err)
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	if cfg.PostTick <= 0 || cfg.FetchTick <= 0 {
		return nil, fmt.Errorf("dispatch: tick periods must be > 0")
	}
	return &Controller{
		sched:    s,
		disp:     d,
		ingest:   ing,
		stories:  stories,
		store:    store,
		bus:      bus,
		cfg:      cfg,
		log:      log,
		startMin: start,
		endMin:   end,
		loc:      loc,
		now:      time.Now,
	}, nil
}

// Setup registers the daily window triggers. If the process boots inside the
// window, the window opens immediately.
func (c *Controller) Setup(ctx context.Context) error {
	if err := c.sched.AddDaily("window.open", c.cfg.WindowStart, c.openWindow); err != nil {
		return err
	}
	if err := c.sched.AddDaily("window.close", c.cfg.WindowEnd, c.closeWindow); err != nil {
		return err
	}
	if c.inWindow(c.now().In(c.loc)) {
		c.openWindow(ctx)
	}
	return nil
}

func (c *Controller) inWindow(t time.Time) bool {
	if c.startMin == c.endMin {
		return false
	}
	m := t.Hour()*60 + t.Minute()
	if c.startMin < c.endMin {
		return m >= c.startMin && m < c.endMin
	}
	return m >= c.startMin || m < c.endMin
}

func (c *Controller) openWindow(ctx context.Context) {
	c.mu.Lock()
	if c.open {
		c.mu.Unlock()
		return
	}
	c.open = true
	c.mu.Unlock()

	if !c.log.IsZero() {
		c.log.Info("posting window opened")
	}
	c.disp.ResetQuota()

	// Absorb yesterday's posted photos into story collages before new
	// content arrives.
	if campaigns, err := c.store.CampaignsWithPosted(ctx); err != nil {
		if !c.log.IsZero() {
			c.log.Error("listing collage candidates failed", logx.Err(err))
		}
	} else {
		for _, id := range campaigns {
			n, err := c.stories.BuildCampaignStories(ctx, id)
			if err != nil {
				if !c.log.IsZero() {
					c.log.Warn("story build failed", logx.String("campaign_id", id), logx.Err(err))
				}
				continue
			}
			if n > 0 && c.bus != nil {
				c.bus.Publish(eventbus.Event{Type: "story.batched", Data: id})
			}
		}
	}

	if err := c.ingest.Run(ctx); err != nil && !c.log.IsZero() {
		c.log.Warn("window-open fetch pass failed", logx.Err(err))
	}
	c.disp.Step(ctx)

	if err := c.sched.AddInterval("posting.tick", c.cfg.PostTick, c.disp.Tick); err != nil && !c.log.IsZero() {
		c.log.Error("registering posting tick failed", logx.Err(err))
	}
	if err := c.sched.AddInterval("fetch.tick", c.cfg.FetchTick, func(ctx context.Context) {
		if err := c.ingest.Run(ctx); err != nil && !c.log.IsZero() {
			c.log.Warn("fetch pass failed", logx.Err(err))
		}
	}); err != nil && !c.log.IsZero() {
		c.log.Error("registering fetch tick failed", logx.Err(err))
	}

	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: "window.opened"})
	}
}

func (c *Controller) closeWindow(ctx context.Context) {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return
	}
	c.open = false
	c.mu.Unlock()

	c.sched.Remove("posting.tick")
	c.sched.Remove("fetch.tick")

	// Drain: wait for the in-flight dispatch step to finish before
	// resetting counters.
	for c.disp.InFlight() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}

	c.disp.ResetQuota()
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: "window.closed"})
	}
	if !c.log.IsZero() {
		c.log.Info("posting window closed")
	}
}

// TickPeriods derives the posting and fetch tick periods from the window
// length: operational minutes divided by the desired daily counts.
func TickPeriods(w config.WindowConfig, postsPerDay, fetchesPerDay int) (post, fetch time.Duration, err error) {
	mins, err := w.OperationalMinutes()
	if err != nil {
		return 0, 0, err
	}
	if mins <= 0 {
		return 0, 0, fmt.Errorf("dispatch: window has zero length")
	}
	if postsPerDay <= 0 || fetchesPerDay <= 0 {
		return 0, 0, fmt.Errorf("dispatch: daily counts must be > 0")
	}
	post = time.Duration(mins) * time.Minute / time.Duration(postsPerDay)
	fetch = time.Duration(mins) * time.Minute / time.Duration(fetchesPerDay)
	if post < time.Minute {
		post = time.Minute
	}
	if fetch < time.Minute {
		fetch = time.Minute
	}
	return post, fetch, nil
}
