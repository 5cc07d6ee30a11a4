package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "github.com/Sidhartha-Perla/InfinityWatch-Instagram-Bot/pkg/logx"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "queue.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func item(id, campaign string, createdAt time.Time) Item {
	return Item{
		ID:         id,
		CampaignID: campaign,
		ImageURL:   "https://img.example/" + id + ".jpg",
		Caption:    "caption " + id,
		Hashtags:   []string{"#one", "#two"},
		CreatedAt:  createdAt,
	}
}

func TestDequeueFIFO(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	items := []Item{
		item("b", "c1", base.Add(2*time.Minute)),
		item("a", "c1", base),
		item("c", "c1", base.Add(5*time.Minute)),
	}
	n, err := s.Enqueue(ctx, KindPost, items)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if n != 3 {
		t.Fatalf("inserted = %d, want 3", n)
	}

	want := []string{"a", "b", "c"}
	for _, id := range want {
		it, err := s.DequeueNext(ctx, KindPost)
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if it == nil || it.ID != id {
			t.Fatalf("dequeued %+v, want id %s", it, id)
		}
		if err := s.MarkPosted(ctx, KindPost, it.ID); err != nil {
			t.Fatalf("mark posted: %v", err)
		}
	}

	it, err := s.DequeueNext(ctx, KindPost)
	if err != nil {
		t.Fatalf("dequeue empty: %v", err)
	}
	if it != nil {
		t.Fatalf("expected nil on empty queue, got %+v", it)
	}
}

func TestEnqueueDuplicateIDsSkipped(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	if _, err := s.Enqueue(ctx, KindPost, []Item{item("x", "c1", now)}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	n, err := s.Enqueue(ctx, KindPost, []Item{item("x", "c1", now), item("y", "c1", now)})
	if err != nil {
		t.Fatalf("enqueue again: %v", err)
	}
	if n != 1 {
		t.Fatalf("inserted = %d, want 1 (duplicate skipped)", n)
	}
}

func TestMarksAreIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, KindPost, []Item{item("p1", "c1", time.Now())}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.MarkPosted(ctx, KindPost, "p1"); err != nil {
		t.Fatalf("mark posted: %v", err)
	}
	// Replaying the same transition must not error.
	if err := s.MarkPosted(ctx, KindPost, "p1"); err != nil {
		t.Fatalf("mark posted replay: %v", err)
	}

	if err := s.MarkIncludedInStory(ctx, "p1"); err != nil {
		t.Fatalf("mark included: %v", err)
	}
	if err := s.MarkIncludedInStory(ctx, "p1"); err != nil {
		t.Fatalf("mark included replay: %v", err)
	}

	// Missing rows are an error.
	if err := s.MarkPosted(ctx, KindPost, "nope"); err == nil {
		t.Fatalf("expected error for unknown id")
	}
}

func TestReviewRequiredLeavesQueue(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now()
	if _, err := s.Enqueue(ctx, KindStory, []Item{
		item("s1", "c1", base),
		item("s2", "c1", base.Add(time.Minute)),
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.MarkReviewRequired(ctx, KindStory, "s1"); err != nil {
		t.Fatalf("mark review: %v", err)
	}

	it, err := s.DequeueNext(ctx, KindStory)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if it == nil || it.ID != "s2" {
		t.Fatalf("dequeued %+v, want s2 (s1 parked)", it)
	}
}

func TestListPostedFiltersByCampaignAndStatus(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now()
	if _, err := s.Enqueue(ctx, KindPost, []Item{
		item("a1", "camp-a", base),
		item("a2", "camp-a", base.Add(time.Minute)),
		item("b1", "camp-b", base),
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	for _, id := range []string{"a1", "a2", "b1"} {
		if err := s.MarkPosted(ctx, KindPost, id); err != nil {
			t.Fatalf("mark posted %s: %v", id, err)
		}
	}
	if err := s.MarkIncludedInStory(ctx, "a2"); err != nil {
		t.Fatalf("mark included: %v", err)
	}

	got, err := s.ListPosted(ctx, "camp-a")
	if err != nil {
		t.Fatalf("list posted: %v", err)
	}
	if len(got) != 1 || got[0].ID != "a1" {
		t.Fatalf("ListPosted = %+v, want [a1]", got)
	}
}

func TestCursorMonotonic(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.Cursor(ctx, "camp"); err != nil || ok {
		t.Fatalf("Cursor on fresh campaign = ok=%v err=%v, want ok=false", ok, err)
	}

	t1 := time.Now().Truncate(time.Millisecond)
	if err := s.SetCursor(ctx, "camp", t1); err != nil {
		t.Fatalf("set cursor: %v", err)
	}
	// Attempting to move backwards is ignored.
	if err := s.SetCursor(ctx, "camp", t1.Add(-time.Hour)); err != nil {
		t.Fatalf("set cursor backwards: %v", err)
	}
	got, ok, err := s.Cursor(ctx, "camp")
	if err != nil || !ok {
		t.Fatalf("cursor: ok=%v err=%v", ok, err)
	}
	if !got.Equal(t1) {
		t.Fatalf("cursor = %v, want %v", got, t1)
	}

	t2 := t1.Add(time.Hour)
	if err := s.SetCursor(ctx, "camp", t2); err != nil {
		t.Fatalf("advance cursor: %v", err)
	}
	got, _, _ = s.Cursor(ctx, "camp")
	if !got.Equal(t2) {
		t.Fatalf("cursor = %v, want %v", got, t2)
	}
}

func TestHashtagsAndGeoRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	lat, lon := 51.5074, -0.1278
	in := item("geo", "c1", time.Now())
	in.Latitude = &lat
	in.Longitude = &lon
	in.Hashtags = []string{"#london", "#uk"}
	if _, err := s.Enqueue(ctx, KindPost, []Item{in}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	out, err := s.DequeueNext(ctx, KindPost)
	if err != nil || out == nil {
		t.Fatalf("dequeue: %v %v", out, err)
	}
	if out.Latitude == nil || *out.Latitude != lat || out.Longitude == nil || *out.Longitude != lon {
		t.Fatalf("geo round-trip failed: %+v", out)
	}
	if len(out.Hashtags) != 2 || out.Hashtags[0] != "#london" {
		t.Fatalf("hashtags round-trip failed: %+v", out.Hashtags)
	}
}
