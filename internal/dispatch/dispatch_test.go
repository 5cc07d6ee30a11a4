package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Sidhartha-Perla/InfinityWatch-Instagram-Bot/internal/config"
	"github.com/Sidhartha-Perla/InfinityWatch-Instagram-Bot/internal/publisher"
	"github.com/Sidhartha-Perla/InfinityWatch-Instagram-Bot/internal/queue"
	"github.com/Sidhartha-Perla/InfinityWatch-Instagram-Bot/internal/sched"
	logx "github.com/Sidhartha-Perla/InfinityWatch-Instagram-Bot/pkg/logx"
)

type fakePub struct {
	mu      sync.Mutex
	photos  []string
	stories []string
	failURL string
	block   chan struct{} // when set, PublishPhoto blocks until closed
}

func (f *fakePub) PublishPhoto(_ context.Context, p publisher.Photo) (string, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.ImageURL == f.failURL {
		return "", errors.New("provider rejected")
	}
	f.photos = append(f.photos, p.ImageURL)
	return "pub-photo", nil
}

func (f *fakePub) PublishStory(_ context.Context, url string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if url == f.failURL {
		return "", errors.New("provider rejected")
	}
	f.stories = append(f.stories, url)
	return "pub-story", nil
}

type countGate struct{ n int }

func (g *countGate) Acquire(context.Context) error {
	g.n++
	return nil
}

func newStore(t *testing.T) *queue.Store {
	t.Helper()
	s, err := queue.Open(queue.Config{Path: filepath.Join(t.TempDir(), "q.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func enqueue(t *testing.T, s *queue.Store, kind queue.Kind, id, url string, at time.Time) {
	t.Helper()
	if _, err := s.Enqueue(context.Background(), kind, []queue.Item{{
		ID: id, CampaignID: "camp", ImageURL: url, CreatedAt: at,
	}}); err != nil {
		t.Fatalf("enqueue %s: %v", id, err)
	}
}

func TestStepStopsWhenBothQueuesEmptyCreditsCarry(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	enqueue(t, store, queue.KindStory, "s1", "https://img/s1.jpg", time.Now())

	pub := &fakePub{}
	d := New(store, pub, &countGate{}, nil, Config{MaxBurstPerTick: 3, MaxStoriesPerDay: 5}, logx.Nop())

	// Credits = 3, one pending story, zero posts: exactly one credit is
	// consumed, the rest carry forward.
	d.AddCredit()
	d.AddCredit()
	d.AddCredit()
	d.Step(context.Background())

	if got := d.State().Credits; got != 2 {
		t.Fatalf("credits = %d, want 2", got)
	}
	if len(pub.stories) != 1 || pub.stories[0] != "https://img/s1.jpg" {
		t.Fatalf("stories = %v", pub.stories)
	}
	if got := d.State().StoriesToday; got != 1 {
		t.Fatalf("stories today = %d, want 1", got)
	}
}

func TestStepAlternatesTypes(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	base := time.Now()
	enqueue(t, store, queue.KindPost, "p1", "https://img/p1.jpg", base)
	enqueue(t, store, queue.KindPost, "p2", "https://img/p2.jpg", base.Add(time.Minute))
	enqueue(t, store, queue.KindStory, "s1", "https://img/s1.jpg", base)

	pub := &fakePub{}
	gate := &countGate{}
	d := New(store, pub, gate, nil, Config{MaxBurstPerTick: 3, MaxStoriesPerDay: 5}, logx.Nop())

	d.AddCredit()
	d.AddCredit()
	d.AddCredit()
	d.Step(context.Background())

	// Preferred starts at story: story, then post, then post again (the
	// story queue is empty by the third iteration).
	if len(pub.photos) != 2 || len(pub.stories) != 1 {
		t.Fatalf("photos=%v stories=%v", pub.photos, pub.stories)
	}
	if gate.n != 3 {
		t.Fatalf("gate acquires = %d, want 3 (one per publish)", gate.n)
	}
	if got := d.State().Credits; got != 0 {
		t.Fatalf("credits = %d, want 0", got)
	}
}

func TestStepFallsBackWhenPreferredEmpty(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	enqueue(t, store, queue.KindPost, "p1", "https://img/p1.jpg", time.Now())

	pub := &fakePub{}
	d := New(store, pub, &countGate{}, nil, Config{MaxBurstPerTick: 2, MaxStoriesPerDay: 5}, logx.Nop())

	// Preferred is story, but the story queue is empty: the post goes out in
	// the same iteration.
	d.AddCredit()
	d.Step(context.Background())
	if len(pub.photos) != 1 {
		t.Fatalf("photos = %v, want the fallback post", pub.photos)
	}
}

func TestStepFailureParksItemAndConsumesCredit(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	enqueue(t, store, queue.KindPost, "bad", "https://img/bad.jpg", time.Now())

	pub := &fakePub{failURL: "https://img/bad.jpg"}
	d := New(store, pub, &countGate{}, nil, Config{MaxBurstPerTick: 2, MaxStoriesPerDay: 5}, logx.Nop())

	d.AddCredit()
	d.Step(context.Background())

	if got := d.State().Credits; got != 0 {
		t.Fatalf("credits = %d, want 0 (failed attempt still consumes)", got)
	}
	// The item is parked, not retried: the queue is empty now.
	it, err := store.DequeueNext(context.Background(), queue.KindPost)
	if err != nil || it != nil {
		t.Fatalf("dequeue after failure = %+v %v, want empty", it, err)
	}
}

func TestStepRespectsStoryCapOnFallback(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	enqueue(t, store, queue.KindStory, "s1", "https://img/s1.jpg", time.Now())

	pub := &fakePub{}
	d := New(store, pub, &countGate{}, nil, Config{MaxBurstPerTick: 2, MaxStoriesPerDay: 1}, logx.Nop())
	// Already at the cap.
	d.mu.Lock()
	d.state.StoriesToday = 1
	d.mu.Unlock()

	d.AddCredit()
	d.Step(context.Background())
	if len(pub.stories) != 0 {
		t.Fatalf("published %v despite story cap", pub.stories)
	}
	if got := d.State().Credits; got != 1 {
		t.Fatalf("credits = %d, want 1 (nothing eligible)", got)
	}
}

func TestStepReentrancyGuardDropsOverlap(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	enqueue(t, store, queue.KindPost, "p1", "https://img/p1.jpg", time.Now())

	block := make(chan struct{})
	pub := &fakePub{block: block}
	d := New(store, pub, &countGate{}, nil, Config{MaxBurstPerTick: 2, MaxStoriesPerDay: 5}, logx.Nop())
	d.AddCredit()

	done := make(chan struct{})
	go func() {
		d.Step(context.Background())
		close(done)
	}()

	// Wait until the step is visibly in flight, then fire an overlapping
	// step: it must return immediately without touching the queue.
	deadline := time.After(2 * time.Second)
	for !d.InFlight() {
		select {
		case <-deadline:
			t.Fatalf("step never started")
		case <-time.After(5 * time.Millisecond):
		}
	}
	d.Step(context.Background())
	if !d.InFlight() {
		t.Fatalf("overlapping step should not have cleared the guard")
	}

	close(block)
	<-done
	if d.InFlight() {
		t.Fatalf("guard not released")
	}
	if len(pub.photos) != 1 {
		t.Fatalf("photos = %v, want exactly one publish", pub.photos)
	}
}

func TestStepInterPostGap(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	base := time.Now()
	enqueue(t, store, queue.KindPost, "p1", "https://img/p1.jpg", base)
	enqueue(t, store, queue.KindPost, "p2", "https://img/p2.jpg", base.Add(time.Minute))

	pub := &fakePub{}
	d := New(store, pub, &countGate{}, nil, Config{
		MaxBurstPerTick:  2,
		MaxStoriesPerDay: 5,
		InterPostGap:     10 * time.Minute,
	}, logx.Nop())

	var slept []time.Duration
	d.sleep = func(_ context.Context, dur time.Duration) error {
		slept = append(slept, dur)
		return nil
	}

	d.AddCredit()
	d.AddCredit()
	d.Step(context.Background())

	// The gap applies between iterations, not before the first.
	if len(slept) != 1 || slept[0] != 10*time.Minute {
		t.Fatalf("sleeps = %v, want one 10m gap", slept)
	}
	if len(pub.photos) != 2 {
		t.Fatalf("photos = %v", pub.photos)
	}
}

func TestTickAccruesCreditWhileStepInFlight(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	enqueue(t, store, queue.KindPost, "p1", "https://img/p1.jpg", time.Now())

	block := make(chan struct{})
	pub := &fakePub{block: block}
	d := New(store, pub, &countGate{}, nil, Config{MaxBurstPerTick: 1, MaxStoriesPerDay: 5}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Register the tick through the scheduler, whose overlap skip drops
	// handlers that outlive their period. The first fire blocks inside the
	// publish; the fires after it must still land their credits.
	svc := sched.New(time.UTC, logx.Nop())
	if err := svc.AddInterval("posting.tick", time.Second, d.Tick); err != nil {
		t.Fatalf("add interval: %v", err)
	}
	svc.Start(ctx)

	deadline := time.After(10 * time.Second)
	for d.State().Credits < 3 {
		select {
		case <-deadline:
			t.Fatalf("credits = %d, want 3 accrued across blocked ticks", d.State().Credits)
		case <-time.After(25 * time.Millisecond):
		}
	}
	svc.Remove("posting.tick")
	time.Sleep(100 * time.Millisecond)
	accrued := d.State().Credits

	close(block)
	for d.InFlight() {
		time.Sleep(10 * time.Millisecond)
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	_ = svc.Stop(stopCtx)

	if len(pub.photos) != 1 {
		t.Fatalf("photos = %v, want the single blocked publish", pub.photos)
	}
	if got := d.State().Credits; got != accrued-1 {
		t.Fatalf("credits = %d, want %d (one consumed, rest carried forward)", got, accrued-1)
	}
}

func TestTickPeriods(t *testing.T) {
	t.Parallel()
	w := config.WindowConfig{Start: "08:00", End: "22:00"}
	post, fetch, err := TickPeriods(w, 20, 8)
	if err != nil {
		t.Fatalf("TickPeriods: %v", err)
	}
	if post != 42*time.Minute {
		t.Fatalf("post tick = %v, want 42m (840m / 20)", post)
	}
	if fetch != 105*time.Minute {
		t.Fatalf("fetch tick = %v, want 105m (840m / 8)", fetch)
	}

	if _, _, err := TickPeriods(config.WindowConfig{Start: "08:00", End: "08:00"}, 20, 8); err == nil {
		t.Fatalf("expected error for zero-length window")
	}
}
