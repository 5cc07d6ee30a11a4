// Package dispatch is the posting state machine: it accrues credits on a
// cadence, consumes them to dequeue and publish queue items, alternates
// between stories and posts, and parks failed items for review.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sidhartha-Perla/InfinityWatch-Instagram-Bot/internal/eventbus"
	"github.com/Sidhartha-Perla/InfinityWatch-Instagram-Bot/internal/publisher"
	"github.com/Sidhartha-Perla/InfinityWatch-Instagram-Bot/internal/queue"
	logx "github.com/Sidhartha-Perla/InfinityWatch-Instagram-Bot/pkg/logx"
)

// Publisher is the slice of the publish flow the dispatcher needs.
type Publisher interface {
	PublishPhoto(ctx context.Context, photo publisher.Photo) (string, error)
	PublishStory(ctx context.Context, imageURL string) (string, error)
}

// Gate paces outbound publish attempts.
type Gate interface {
	Acquire(ctx context.Context) error
}

type Config struct {
	MaxBurstPerTick  int
	MaxStoriesPerDay int
	// InterPostGap is the coarse wait between iterations within one tick,
	// in addition to the rate gate's own pacing.
	InterPostGap time.Duration
}

type Dispatcher struct {
	store *queue.Store
	pub   Publisher
	gate  Gate
	bus   eventbus.Bus
	cfg   Config
	log   logx.Logger

	// sleep is injectable for tests.
	sleep func(ctx context.Context, d time.Duration) error

	// inFlight is the re-entrancy guard: a tick firing while a step runs
	// is dropped, not queued.
	inFlight atomic.Bool

	mu    sync.Mutex
	state State
}

func New(store *queue.Store, pub Publisher, gate Gate, bus eventbus.Bus, cfg Config, log logx.Logger) *Dispatcher {
	if cfg.MaxBurstPerTick <= 0 {
		cfg.MaxBurstPerTick = 2
	}
	if cfg.MaxStoriesPerDay <= 0 {
		cfg.MaxStoriesPerDay = 5
	}
	return &Dispatcher{
		store: store,
		pub:   pub,
		gate:  gate,
		bus:   bus,
		cfg:   cfg,
		log:   log,
		sleep: sleepCtx,
		state: NewState(),
	}
}

// State returns a snapshot of the quota state.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// ResetQuota zeroes the counters at window boundaries.
func (d *Dispatcher) ResetQuota() {
	d.mu.Lock()
	d.state = d.state.Reset()
	d.mu.Unlock()
}

// AddCredit accrues one posting credit.
func (d *Dispatcher) AddCredit() {
	d.mu.Lock()
	d.state = d.state.AddCredit()
	d.mu.Unlock()
}

// InFlight reports whether a dispatch step is currently running. The window
// close handler polls this to drain before resetting quota.
func (d *Dispatcher) InFlight() bool { return d.inFlight.Load() }

// Tick is the posting tick handler. The credit accrues unconditionally;
// the step then runs on its own goroutine so a slow publish never holds up
// the scheduler and later ticks still deliver their credits. An overlapping
// step is dropped by the in-flight guard.
func (d *Dispatcher) Tick(ctx context.Context) {
	d.AddCredit()
	go d.Step(ctx)
}

// Step consumes up to min(credits, maxBurstPerTick) credits. Overlapping
// invocations are dropped by the re-entrancy guard.
func (d *Dispatcher) Step(ctx context.Context) {
	if !d.inFlight.CompareAndSwap(false, true) {
		if !d.log.IsZero() {
			d.log.Debug("dispatch step already running; tick dropped")
		}
		return
	}
	defer d.inFlight.Store(false)

	d.mu.Lock()
	budget := d.state.Credits
	d.mu.Unlock()
	if budget > d.cfg.MaxBurstPerTick {
		budget = d.cfg.MaxBurstPerTick
	}

	for i := 0; i < budget; i++ {
		if ctx.Err() != nil {
			return
		}
		// Coarse gap between iterations of the same tick, not before the
		// first.
		if i > 0 && d.cfg.InterPostGap > 0 {
			if err := d.sleep(ctx, d.cfg.InterPostGap); err != nil {
				return
			}
		}

		d.mu.Lock()
		first := d.state.PickFirst(d.cfg.MaxStoriesPerDay)
		d.mu.Unlock()

		item, kind, err := d.dequeueWithFallback(ctx, first)
		if err != nil {
			if !d.log.IsZero() {
				d.log.Error("dequeue failed; ending step", logx.Err(err))
			}
			return
		}
		if item == nil {
			// Both pools empty: stop, remaining credits carry forward.
			return
		}

		if err := d.publishItem(ctx, kind, item); err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				// Shutdown, not a publish failure; leave the item PENDING.
				return
			}
			if !d.log.IsZero() {
				d.log.Warn("publish failed; item parked for review",
					logx.String("id", item.ID), logx.String("kind", string(kind)), logx.Err(err))
			}
			if merr := d.store.MarkReviewRequired(ctx, kind, item.ID); merr != nil && !d.log.IsZero() {
				d.log.Error("mark review failed", logx.String("id", item.ID), logx.Err(merr))
			}
			d.mu.Lock()
			d.state = d.state.AfterFailure()
			d.mu.Unlock()
			d.publishEvent("item.review_required", item.ID)
			continue
		}

		if merr := d.store.MarkPosted(ctx, kind, item.ID); merr != nil && !d.log.IsZero() {
			d.log.Error("mark posted failed", logx.String("id", item.ID), logx.Err(merr))
		}
		d.mu.Lock()
		d.state = d.state.AfterSuccess(kind)
		d.mu.Unlock()
		d.publishEvent("item.posted", item.ID)
		if !d.log.IsZero() {
			d.log.Info("item published", logx.String("id", item.ID), logx.String("kind", string(kind)))
		}
	}
}

// dequeueWithFallback tries the first-choice type, then the other. Returns
// (nil, "", nil) when both queues are empty.
func (d *Dispatcher) dequeueWithFallback(ctx context.Context, first queue.Kind) (*queue.Item, queue.Kind, error) {
	item, err := d.store.DequeueNext(ctx, first)
	if err != nil {
		return nil, "", err
	}
	if item != nil {
		return item, first, nil
	}
	other := queue.KindPost
	if first == queue.KindPost {
		other = queue.KindStory
	}
	// Respect the story cap even on the fallback path.
	if other == queue.KindStory {
		d.mu.Lock()
		capped := d.state.StoriesToday >= d.cfg.MaxStoriesPerDay
		d.mu.Unlock()
		if capped {
			return nil, "", nil
		}
	}
	item, err = d.store.DequeueNext(ctx, other)
	if err != nil {
		return nil, "", err
	}
	if item == nil {
		return nil, "", nil
	}
	return item, other, nil
}

func (d *Dispatcher) publishItem(ctx context.Context, kind queue.Kind, item *queue.Item) error {
	if err := d.gate.Acquire(ctx); err != nil {
		return err
	}
	if kind == queue.KindStory {
		_, err := d.pub.PublishStory(ctx, item.ImageURL)
		return err
	}

	photo := publisher.Photo{
		ImageURL: item.ImageURL,
		Caption:  item.Caption,
		Hashtags: item.Hashtags,
	}
	if item.Latitude != nil && item.Longitude != nil {
		photo.Geo = &publisher.Geo{Latitude: *item.Latitude, Longitude: *item.Longitude}
	}
	if item.TagUsername != "" {
		photo.TagUsernames = []string{item.TagUsername}
	}
	_, err := d.pub.PublishPhoto(ctx, photo)
	return err
}

func (d *Dispatcher) publishEvent(typ, id string) {
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: typ, Data: id})
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
