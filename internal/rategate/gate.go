// Package rategate paces outbound publish attempts.
//
// Publishes are grouped into batches of BatchSize. A new batch only starts
// once BatchInterval has elapsed since the previous batch began; inside a
// batch, consecutive publishes are spaced by a jittered PostInterval. After
// pacing, the gate additionally holds callers outside the daily window until
// it reopens. The gate delays work, it never drops it.
package rategate

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/Sidhartha-Perla/InfinityWatch-Instagram-Bot/internal/config"
)

type Config struct {
	BatchSize          int
	BatchInterval      time.Duration
	PostInterval       time.Duration
	PostIntervalJitter time.Duration

	// WindowStart/WindowEnd are "HH:MM". Equal or empty values disable the
	// window check (the dispatch controller owns the operational window;
	// this is a second line of defense for direct publish paths).
	WindowStart string
	WindowEnd   string
	Location    *time.Location
}

type Gate struct {
	cfg      Config
	startMin int
	endMin   int
	loc      *time.Location

	// now and sleep are injectable for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	rng   *rand.Rand

	mu         sync.Mutex
	batchCount int
	batchStart time.Time
	lastDone   time.Time
}

func New(cfg Config) (*Gate, error) {
	g := &Gate{
		cfg:   cfg,
		loc:   cfg.Location,
		now:   time.Now,
		sleep: sleepCtx,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if g.loc == nil {
		g.loc = time.Local
	}
	if g.cfg.BatchSize <= 0 {
		g.cfg.BatchSize = 1
	}
	if cfg.WindowStart != "" || cfg.WindowEnd != "" {
		start, err := config.ParseClock(cfg.WindowStart)
		if err != nil {
			return nil, fmt.Errorf("rategate: window start: %w", err)
		}
		end, err := config.ParseClock(cfg.WindowEnd)
		if err != nil {
			return nil, fmt.Errorf("rategate: window end: %w", err)
		}
		g.startMin, g.endMin = start, end
	}
	return g, nil
}

// Acquire blocks until the caller may publish. It returns an error only when
// ctx is canceled; pacing itself never fails.
//
// Rules, in order:
//  1. At a batch boundary (count 0 or full), wait out the remainder of
//     BatchInterval measured from the previous batch's start, then begin a
//     new batch.
//  2. Mid-batch, wait out a jittered inter-post delay measured from the
//     previous call's completion.
//  3. If now falls outside the daily window, hold until it reopens.
//  4. Record completion and count this publish against the batch.
func (g *Gate) Acquire(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.batchCount == 0 || g.batchCount >= g.cfg.BatchSize {
		if !g.batchStart.IsZero() && g.cfg.BatchInterval > 0 {
			if rem := g.cfg.BatchInterval - g.now().Sub(g.batchStart); rem > 0 {
				if err := g.sleep(ctx, rem); err != nil {
					return err
				}
			}
		}
		g.batchCount = 0
		g.batchStart = g.now()
	} else if !g.lastDone.IsZero() {
		if rem := g.interPostDelay() - g.now().Sub(g.lastDone); rem > 0 {
			if err := g.sleep(ctx, rem); err != nil {
				return err
			}
		}
	}

	// Window closure is checked after pacing so a call issued near close is
	// released when the window reopens instead of being dropped.
	if err := g.waitWindow(ctx); err != nil {
		return err
	}

	g.lastDone = g.now()
	g.batchCount++
	return nil
}

// interPostDelay draws uniformly from [max(0, interval-jitter), interval+jitter].
func (g *Gate) interPostDelay() time.Duration {
	lo := g.cfg.PostInterval - g.cfg.PostIntervalJitter
	if lo < 0 {
		lo = 0
	}
	hi := g.cfg.PostInterval + g.cfg.PostIntervalJitter
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(g.rng.Int63n(int64(hi-lo)+1))
}

func (g *Gate) windowDisabled() bool { return g.startMin == g.endMin }

func (g *Gate) inWindow(t time.Time) bool {
	if g.windowDisabled() {
		return true
	}
	// The end minute is inside the window: a gate configured to 22:00 still
	// releases callers during the 22:00 minute.
	m := t.Hour()*60 + t.Minute()
	if g.startMin < g.endMin {
		return m >= g.startMin && m <= g.endMin
	}
	// Wraps past midnight.
	return m >= g.startMin || m <= g.endMin
}

func (g *Gate) waitWindow(ctx context.Context) error {
	for {
		now := g.now().In(g.loc)
		if g.inWindow(now) {
			return nil
		}
		open := time.Date(now.Year(), now.Month(), now.Day(), g.startMin/60, g.startMin%60, 0, 0, g.loc)
		if !open.After(now) {
			open = open.Add(24 * time.Hour)
		}
		if err := g.sleep(ctx, open.Sub(now)); err != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
